// Package rest is the toolkit for taps that read HTTP JSON APIs: a retrying
// HTTP/2 client, authenticators, paginators, JSONPath extraction and
// a Stream type that ties them together.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Config configures the HTTP client
type Config struct {
	// BaseURL is prepended to request paths
	BaseURL string `json:"base_url"`
	// UserAgent is sent on every request
	UserAgent string `json:"user_agent"`
	// Headers are added to every request
	Headers map[string]string `json:"headers"`

	RequestTimeout time.Duration `json:"request_timeout"`
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int           `json:"max_retries"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max"`

	EnableHTTP2         bool          `json:"enable_http2"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:           "nebula-singer",
		RequestTimeout:      300 * time.Second,
		MaxRetries:          5,
		BackoffBase:         time.Second,
		BackoffMax:          60 * time.Second,
		EnableHTTP2:         true,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Request describes one API call. Path is joined to the client's BaseURL
// unless it is an absolute URL.
type Request struct {
	Method  string
	Path    string
	Params  url.Values
	Headers http.Header
	// Body is encoded as JSON when non-nil
	Body interface{}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
}

// JSON decodes the body with numbers kept as json.Number.
func (r *Response) JSON() (interface{}, error) {
	var out interface{}
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	if err := jsonpool.UnmarshalUseNumber(r.Body, &out); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "response from %s is not valid JSON", r.URL)
	}
	return out, nil
}

// Client performs API requests with authentication and retries.
type Client struct {
	config     *Config
	httpClient *http.Client
	auth       Authenticator
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. auth may be nil.
func NewClient(config *Config, auth Authenticator, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "rest_client"))

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport, Timeout: config.RequestTimeout},
		auth:       auth,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// NewClientWithHTTP wraps an existing http.Client, for tests and callers
// that manage their own transport.
func NewClientWithHTTP(config *Config, httpClient *http.Client, auth Authenticator, logger *zap.Logger) *Client {
	c := NewClient(config, auth, logger)
	c.httpClient = httpClient
	return c
}

// HTTPClient returns the underlying client; OAuth token requests use it.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Do sends req, retrying 429, 5xx and network failures with exponential
// backoff. Other 4xx responses fail immediately.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			c.logger.Info("retrying request",
				zap.String("path", req.Path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled while backing off")
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, errors.Wrapf(lastErr, errors.GetType(lastErr), "request failed after %d retries", c.config.MaxRetries)
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, httpReq); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "request cancelled")
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "%s %s failed", httpReq.Method, httpReq.URL.Redacted())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read response from %s", httpReq.URL.Redacted())
	}
	c.logger.Debug("request completed",
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.Redacted()),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body, URL: httpReq.URL}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if len(req.Params) > 0 {
		q := target.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := jsonpool.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode request body")
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Headers {
		httpReq.Header[k] = vs
	}
	return httpReq, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || c.config.BaseURL == "" {
		u, err := url.Parse(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid URL %q", path)
		}
		return u, nil
	}
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid URL for path %q", path)
	}
	return u, nil
}

// checkStatus classifies non-2xx responses.
func checkStatus(resp *Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg := http.StatusText(code)
	if snippet := strings.TrimSpace(string(resp.Body)); snippet != "" {
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		msg += ": " + snippet
	}

	var errType errors.ErrorType
	switch {
	case code == http.StatusTooManyRequests:
		errType = errors.ErrorTypeRateLimit
	case code >= 500:
		errType = errors.ErrorTypeConnection
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		errType = errors.ErrorTypeAuthentication
	case code == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	default:
		errType = errors.ErrorTypeQuery
	}
	err := errors.Newf(errType, "%d %s for %s", code, msg, resp.URL.Redacted()).
		WithDetail("status_code", code)
	if after := resp.Header.Get("Retry-After"); after != "" {
		err = err.WithDetail("retry_after", after)
	}
	return err
}

// backoff is exponential with jitter, or the server's Retry-After when
// given in seconds.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var e *errors.Error
	if errors.As(lastErr, &e) {
		if after, ok := e.Details["retry_after"].(string); ok {
			if secs, err := strconv.Atoi(after); err == nil && secs >= 0 {
				return minDuration(time.Duration(secs)*time.Second, c.config.BackoffMax)
			}
		}
	}
	base := float64(c.config.BackoffBase) * math.Pow(2, float64(attempt-1))
	jitter := rand.Float64() * float64(c.config.BackoffBase)
	return minDuration(time.Duration(base+jitter), c.config.BackoffMax)
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && a > b {
		return b
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
