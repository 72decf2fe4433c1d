package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	MethodGet  = http.MethodGet
	MethodPost = http.MethodPost
)

// ClientOption configures Client.
type ClientOption func(*Client)

// RequestOptions holds HTTP request parameters.
type RequestOptions struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	Body        interface{} // []byte, string or JSON-encoded value
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// Client is an outbound HTTP client with a hard timeout and body size cap.
type Client struct {
	timeout   time.Duration
	maxBody   int64
	userAgent string
	transport http.RoundTripper
	client    *http.Client
}

// NewClient creates a new HTTP client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		timeout:   30 * time.Second,
		maxBody:   8 << 20,
		userAgent: "finpulse/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 4
		t.IdleConnTimeout = 90 * time.Second
		c.transport = t
	}
	c.client = &http.Client{Timeout: c.timeout, Transport: c.transport}
	return c
}

// WithTimeout sets the whole-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxBody caps how many body bytes are read.
func WithMaxBody(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithTransport replaces the round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.transport = rt }
}

// Do sends the request and reads the body. A non-2xx status is not an error.
func (c *Client) Do(ctx context.Context, opts *RequestOptions) (*Response, error) {
	req, err := c.buildRequest(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if int64(len(body)) > c.maxBody {
		out.Body = body[:c.maxBody]
		out.Truncated = true
	}
	return out, nil
}

// GetJSON issues a GET and decodes a 2xx JSON body into dest.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query map[string]string, dest interface{}) error {
	resp, err := c.Do(ctx, &RequestOptions{Method: MethodGet, URL: rawURL, QueryParams: query})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(resp.Body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, opts *RequestOptions) (*http.Request, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	if len(opts.QueryParams) > 0 {
		q := u.Query()
		for k, v := range opts.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}
	method := opts.Method
	if method == "" {
		method = MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func encodeBody(b interface{}) (io.Reader, error) {
	switch v := b.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		return bytes.NewReader([]byte(v)), nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return bytes.NewReader(raw), nil
}
