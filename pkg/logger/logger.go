package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog. Error lines are also handed to the collector, when
// one is attached, so they can be shipped to Kafka in batches.
type Logger struct {
	zl   zerolog.Logger
	sink *collectorRef
}

// collectorRef is shared by a logger and every child made with With.
type collectorRef struct {
	c atomic.Pointer[LogCollector]
}

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr or a file path
	TimeFormat string
}

func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = timeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()
	return &Logger{zl: zl, sink: &collectorRef{}}, nil
}

func openOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Nop returns a logger that writes nothing. A collector can still be attached.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), sink: &collectorRef{}}
}

// With returns a child logger tagged with component.
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), sink: l.sink}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) log(level zerolog.Level, msg string, fields []Field) {
	if ev := l.zl.WithLevel(level); ev != nil {
		for _, f := range fields {
			f.apply(ev)
		}
		ev.Msg(msg)
	}
	if level >= zerolog.ErrorLevel {
		l.collect(level, msg, fields)
	}
}

func (l *Logger) collect(level zerolog.Level, msg string, fields []Field) {
	c := l.sink.c.Load()
	if c == nil {
		return
	}
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	c.AddLog(level.String(), msg, m, caller(4))
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file) + ":" + strconv.Itoa(line)
}

// AddCollector attaches a collector, closing any previous one.
func (l *Logger) AddCollector(config *CollectionConfig) {
	if old := l.sink.c.Swap(NewLogCollector(config)); old != nil {
		old.Close()
	}
}

// RemoveCollector detaches and flushes the collector.
func (l *Logger) RemoveCollector() {
	if old := l.sink.c.Swap(nil); old != nil {
		old.Close()
	}
}

// Field is a typed key/value pair. Value is what the collector ships.
type Field struct {
	Key   string
	Value interface{}
	apply func(*zerolog.Event)
}

func String(key, value string) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Str(key, value) }}
}

func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Strs(key, value) }}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Int(key, value) }}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Int64(key, value) }}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Uint64(key, value) }}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value, apply: func(e *zerolog.Event) { e.Float64(key, value) }}
}

// Duration logs milliseconds.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.Milliseconds(), apply: func(e *zerolog.Event) { e.Dur(key, value) }}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.UTC().Format(time.RFC3339Nano), apply: func(e *zerolog.Event) { e.Time(key, value) }}
}

// Error logs err under "error". A nil error is logged as null.
func Error(err error) Field {
	var v interface{}
	if err != nil {
		v = err.Error()
	}
	return Field{Key: zerolog.ErrorFieldName, Value: v, apply: func(e *zerolog.Event) { e.Err(err) }}
}
