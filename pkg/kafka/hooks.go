package kafka

import (
	"context"
	"fmt"
	"time"

	applogger "FinPulse/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook defines lifecycle hooks around message handling.
// Returning an error from BeforeHandle skips the handler for that attempt.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error)
	AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
	OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
}

type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	return ctx, km, data, nil
}

func (NoopHook) AfterHandle(context.Context, string, kafka.Message, []byte, error) {}

func (NoopHook) OnError(context.Context, string, kafka.Message, []byte, error) {}

// HookError classifies failures raised by hooks or recovered panics.
type HookError struct {
	Code string
	Err  error
}

func (e *HookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *HookError) Unwrap() error { return e.Err }

// HookFuncs adapts plain functions to ConsumerHook. Nil functions are no-ops.
type HookFuncs struct {
	Before func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error)
	After  func(context.Context, string, kafka.Message, []byte, error)
	Err    func(context.Context, string, kafka.Message, []byte, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	if h.Before == nil {
		return ctx, km, data, nil
	}
	return h.Before(ctx, topic, km, data)
}

func (h HookFuncs) AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {
	if h.After != nil {
		h.After(ctx, topic, km, data, err)
	}
}

func (h HookFuncs) OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {
	if h.Err != nil {
		h.Err(ctx, topic, km, data, err)
	}
}

// HookChain runs hooks in order for BeforeHandle and OnError, and in reverse
// for AfterHandle. A panicking hook never takes the consumer down.
type HookChain struct {
	hooks []ConsumerHook
}

// NewHookChain creates a hook chain. Nil hooks are ignored.
func NewHookChain(hooks ...ConsumerHook) *HookChain {
	c := &HookChain{}
	for _, h := range hooks {
		if h != nil {
			c.hooks = append(c.hooks, h)
		}
	}
	return c
}

func (c *HookChain) BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	for _, h := range c.hooks {
		nctx, nmsg, ndata, err := safeBefore(h, ctx, topic, km, data)
		if err != nil {
			return ctx, km, data, err
		}
		ctx, km, data = nctx, nmsg, ndata
	}
	return ctx, km, data, nil
}

func (c *HookChain) AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		h := c.hooks[i]
		guard(func() { h.AfterHandle(ctx, topic, km, data, err) })
	}
}

func (c *HookChain) OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {
	for _, h := range c.hooks {
		h := h
		guard(func() { h.OnError(ctx, topic, km, data, err) })
	}
}

func safeBefore(h ConsumerHook, ctx context.Context, topic string, km kafka.Message, data []byte) (rctx context.Context, rmsg kafka.Message, rdata []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			rctx, rmsg, rdata = ctx, km, data
			err = &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("hook panic: %v", r)}
		}
	}()
	return h.BeforeHandle(ctx, topic, km, data)
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

type ctxKey int

const (
	ctxStartTime ctxKey = iota
	ctxTraceID
)

func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxStartTime, t)
}

func StartTimeFrom(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(ctxStartTime).(time.Time)
	return t, ok
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxTraceID, traceID)
}

func TraceIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxTraceID).(string)
	return s
}

// ExtractTraceID returns the trace_id header, if any.
func ExtractTraceID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "trace_id" && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return ""
}

// TraceHook stamps the handling start time and the trace id onto the context.
type TraceHook struct {
	NoopHook
}

func (TraceHook) BeforeHandle(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	ctx = WithStartTime(ctx, time.Now())
	ctx = WithTraceID(ctx, ExtractTraceID(km))
	return ctx, km, data, nil
}

// LogHook logs failed attempts at warn and handled messages at debug.
func LogHook(l *applogger.Logger) ConsumerHook {
	if l == nil {
		l = applogger.Nop()
	}
	fields := func(ctx context.Context, topic string, km kafka.Message) []applogger.Field {
		fs := []applogger.Field{
			applogger.String("topic", topic),
			applogger.Int("partition", km.Partition),
			applogger.Int64("offset", km.Offset),
		}
		if id := TraceIDFrom(ctx); id != "" {
			fs = append(fs, applogger.String("trace_id", id))
		}
		if t, ok := StartTimeFrom(ctx); ok {
			fs = append(fs, applogger.Duration("elapsed", time.Since(t)))
		}
		return fs
	}
	return HookFuncs{
		After: func(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
			if err == nil {
				l.Debug("kafka message handled", fields(ctx, topic, km)...)
			}
		},
		Err: func(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
			l.Warn("kafka message attempt failed", append(fields(ctx, topic, km), applogger.Error(err))...)
		},
	}
}
