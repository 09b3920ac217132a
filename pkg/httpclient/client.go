// Package httpclient provides the outbound HTTP client used for input
// downloads and remote provider calls. It retries transient failures with
// exponential backoff, honours Retry-After, trips a circuit breaker on a
// failing upstream and decodes compressed bodies up to a size ceiling.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "convertd-httpclient/1.0"
)

const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRetryAfter      = "Retry-After"
)

// Config configures a Client.
type Config struct {
	// Name labels the upstream in logs and in OnAttempt.
	Name    string
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold consecutive failures open the circuit for CircuitTimeout.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string
	Logger    *slog.Logger

	EnableDecompression bool
	// MaxResponseSize bounds the decoded body; 0 disables the check.
	MaxResponseSize int64

	// OnAttempt is called after every attempt with the status code, or 0 and
	// the transport error.
	OnAttempt func(name string, status int, err error)

	// BaseClient replaces the default http.Client.
	BaseClient *http.Client
}

// DefaultConfig returns the configuration used by NewWithDefaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is safe for concurrent use.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if cfg.Name != "" {
		logger = logger.With(slog.String("upstream", cfg.Name))
	}
	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  logger,
	}
}

// NewWithDefaults creates a client with DefaultConfig.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// attemptResult is the outcome of a single round trip.
type attemptResult struct {
	resp *http.Response
	err  error
	// retry is set for failures worth another attempt.
	retry bool
	// wait overrides the backoff when the upstream sent Retry-After.
	wait time.Duration
}

// Do sends req, retrying transport errors and 429/502/503/504 responses.
// Requests with a body are only retried when req.GetBody is set, which
// http.NewRequest does for bytes and strings readers.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	retries := c.config.RetryAttempts
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		retries = 0
	}

	var lastErr error
	var wait time.Duration
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			if err := c.pause(ctx, req, attempt, wait); err != nil {
				return nil, err
			}
		}

		res := c.attempt(req, attempt)
		if res.err == nil && !res.retry {
			return c.wrapBody(res.resp), nil
		}
		if !res.retry {
			return nil, res.err
		}
		lastErr, wait = res.err, res.wait
	}
	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// pause waits before a retry and rewinds the request body.
func (c *Client) pause(ctx context.Context, req *http.Request, attempt int, wait time.Duration) error {
	c.logger.Debug("retrying request",
		slog.Int("attempt", attempt),
		slog.Duration("delay", wait),
		slog.String("url", redactURL(req)))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("rewinding request body: %w", err)
		}
		req.Body = body
	}
	return nil
}

func (c *Client) attempt(req *http.Request, attempt int) attemptResult {
	if !c.breaker.Allow() {
		c.logger.Warn("circuit breaker open, skipping request",
			slog.String("url", redactURL(req)),
			slog.String("state", c.breaker.State().String()))
		return attemptResult{err: ErrCircuitOpen, retry: true}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.breaker.RecordFailure()
		c.observe(0, err)
		c.logger.Warn("request failed",
			slog.String("method", req.Method),
			slog.String("url", redactURL(req)),
			slog.Duration("duration", elapsed),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		ctxErr := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		return attemptResult{err: err, retry: !ctxErr}
	}
	c.observe(resp.StatusCode, nil)

	if isRetryableStatus(resp.StatusCode) {
		c.breaker.RecordFailure()
		wait := c.retryAfter(resp)
		c.logger.Warn("retryable status code",
			slog.String("method", req.Method),
			slog.String("url", redactURL(req)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("retry_after", wait),
			slog.Int("attempt", attempt))
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return attemptResult{err: fmt.Errorf("retryable status code: %d", resp.StatusCode), retry: true, wait: wait}
	}

	// A 4xx means the request was wrong, not that the upstream is unhealthy.
	if resp.StatusCode < http.StatusInternalServerError {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}
	c.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("url", redactURL(req)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
		slog.Int64("content_length", resp.ContentLength))
	return attemptResult{resp: resp}
}

// backoff returns the delay before retry number attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.config.RetryDelay)
	for i := 1; i < attempt; i++ {
		d *= c.config.BackoffMultiplier
	}
	delay := time.Duration(d)
	if c.config.RetryMaxDelay > 0 && delay > c.config.RetryMaxDelay {
		delay = c.config.RetryMaxDelay
	}
	return delay
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date, capped at RetryMaxDelay. It returns 0 when the header is absent.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get(HeaderRetryAfter)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		return 0
	}
	if c.config.RetryMaxDelay > 0 && d > c.config.RetryMaxDelay {
		d = c.config.RetryMaxDelay
	}
	return d
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit closes the breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

func (c *Client) observe(status int, err error) {
	if c.config.OnAttempt != nil {
		c.config.OnAttempt(c.config.Name, status, err)
	}
}

// redactURL drops credentials and the query string, which may carry signed tokens.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
