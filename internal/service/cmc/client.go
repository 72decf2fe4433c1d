package cmc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/internal/service/ratelimit"
	xhttp "FinPulse/pkg/http"
	"FinPulse/pkg/logger"
)

const (
	EndpointGlobalMetrics = "/v1/global-metrics/quotes/latest"
	EndpointQuotes        = "/v2/cryptocurrency/quotes/latest"

	apiKeyHeader = "X-CMC_PRO_API_KEY"
)

// Limiter gates every outgoing attempt.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config holds the fetch policy.
type Config struct {
	BaseURL           string
	APIKey            string
	MaxRetries        int           // retries after the first attempt for transient failures
	BackoffBase       time.Duration // first backoff, doubled per retry
	DefaultRetryAfter time.Duration // used when a 429 carries no usable Retry-After
	RequestTimeout    time.Duration
	MaxBody           int64 // response bytes read per attempt, 0 keeps the client default
}

// DefaultConfig mirrors the upstream's free tier limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://pro-api.coinmarketcap.com",
		MaxRetries:        3,
		BackoffBase:       2 * time.Second,
		DefaultRetryAfter: 60 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return cfg
}

// WorstCaseFetch is the longest a Fetch can take when every attempt times out
// and every backoff is slept in full. Rate limiter and Retry-After waits are
// not included.
func (cfg Config) WorstCaseFetch() time.Duration {
	cfg = cfg.withDefaults()
	attempts := time.Duration(cfg.MaxRetries + 1)
	backoff := cfg.BackoffBase * time.Duration(1<<cfg.MaxRetries - 1)
	return attempts*cfg.RequestTimeout + backoff
}

// Client fetches market data through a rate limiter with retries.
type Client struct {
	cfg     Config
	http    *xhttp.Client
	limiter Limiter
	sink    drepo.RawResponseSink
	metrics drepo.Metrics
	logger  *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures Client.
type Option func(*Client)

// WithRawSink archives every successful body.
func WithRawSink(s drepo.RawResponseSink) Option {
	return func(c *Client) { c.sink = s }
}

func WithMetrics(m drepo.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSleeper replaces the backoff and Retry-After wait.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a Client.
func New(cfg Config, limiter Limiter, lgr *logger.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	if lgr == nil {
		lgr = logger.Nop()
	}
	c := &Client{
		cfg:     cfg,
		http:    xhttp.NewClient(xhttp.WithTimeout(cfg.RequestTimeout), xhttp.WithMaxBody(cfg.MaxBody)),
		limiter: limiter,
		logger:  lgr,
		sleep:   ratelimit.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WorstCaseFetch reports the client's normalized fetch budget.
func (c *Client) WorstCaseFetch() time.Duration {
	return c.cfg.WorstCaseFetch()
}

// Fetch performs GET endpoint with params and returns the raw body.
//
// 429 responses wait for Retry-After and do not consume the retry budget.
// 5xx, timeouts and connection errors back off BackoffBase*2^n up to
// MaxRetries times before failing with ErrUpstreamUnavailable. Only 2xx is a
// success; any other status fails immediately with ErrClientRequest, and a
// body over MaxBody fails with ErrResponseTooLarge.
func (c *Client) Fetch(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	retries, attempts := 0, 0
	for {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		attempts++

		start := c.now()
		res, err := c.attempt(ctx, endpoint, params)
		elapsed := c.now().Sub(start)

		var status int
		if res != nil {
			status = res.status
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logAttempt(endpoint, attempts, 0, "transport_error", elapsed, err)

		case status == http.StatusTooManyRequests:
			wait := res.retryAfter
			if wait < 0 {
				wait = c.cfg.DefaultRetryAfter
			}
			c.logAttempt(endpoint, attempts, status, "rate_limited", elapsed, nil)
			c.logger.Warn("upstream rate limited, backing off",
				logger.String("endpoint", endpoint),
				logger.Duration("retry_after_ms", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case status >= 500:
			c.logAttempt(endpoint, attempts, status, "server_error", elapsed, nil)

		case status < 200 || status >= 300:
			c.logAttempt(endpoint, attempts, status, "client_error", elapsed, nil)
			return nil, &FetchError{
				Endpoint: endpoint,
				Status:   status,
				Attempts: attempts,
				Kind:     ErrClientRequest,
				Body:     truncate(string(res.body), 512),
			}

		case res.truncated:
			c.logAttempt(endpoint, attempts, status, "too_large", elapsed, nil)
			return nil, &FetchError{
				Endpoint: endpoint,
				Status:   status,
				Attempts: attempts,
				Kind:     ErrResponseTooLarge,
			}

		default:
			c.logAttempt(endpoint, attempts, status, "ok", elapsed, nil)
			c.archive(ctx, endpoint, res.body)
			return res.body, nil
		}

		// transient failure
		if retries >= c.cfg.MaxRetries {
			return nil, &FetchError{
				Endpoint: endpoint,
				Status:   status,
				Attempts: attempts,
				Kind:     ErrUpstreamUnavailable,
				Err:      err,
			}
		}
		backoff := c.cfg.BackoffBase << retries
		retries++
		c.logger.Warn("upstream transient failure, retrying",
			logger.String("endpoint", endpoint),
			logger.Int("retry", retries),
			logger.Duration("backoff_ms", backoff))
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

type attemptResult struct {
	status     int
	body       []byte
	truncated  bool
	retryAfter time.Duration // -1 when absent or unparsable
}

func (c *Client) attempt(ctx context.Context, endpoint string, params map[string]string) (*attemptResult, error) {
	resp, err := c.http.Do(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    strings.TrimRight(c.cfg.BaseURL, "/") + endpoint,
		Headers: map[string]string{
			apiKeyHeader: c.cfg.APIKey,
			"Accept":     "application/json",
		},
		QueryParams: params,
	})
	if err != nil {
		return nil, err
	}
	return &attemptResult{
		status:     resp.StatusCode,
		body:       resp.Body,
		truncated:  resp.Truncated,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}, nil
}

func (c *Client) archive(ctx context.Context, endpoint string, body []byte) {
	if c.sink == nil {
		return
	}
	if err := c.sink.SaveRaw(ctx, models.RawResponse{Endpoint: endpoint, FetchedAt: c.now(), Body: body}); err != nil {
		c.logger.Warn("archive raw response failed",
			logger.String("endpoint", endpoint),
			logger.Error(err))
	}
}

func (c *Client) logAttempt(endpoint string, attempt, status int, outcome string, elapsed time.Duration, err error) {
	if c.metrics != nil {
		c.metrics.RecordFetchAttempt(endpoint, outcome)
	}
	fields := []logger.Field{
		logger.String("endpoint", endpoint),
		logger.Int("attempt", attempt),
		logger.Int("status", status),
		logger.String("outcome", outcome),
		logger.Duration("elapsed_ms", elapsed),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
		c.logger.Warn("upstream attempt", fields...)
		return
	}
	c.logger.Info("upstream attempt", fields...)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return -1
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return -1
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsUnavailable reports whether err is a retries-exhausted failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }
