package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"filing_valuation/pkg/models"

	"github.com/ternarybob/arbor"
)

const (
	// DefaultTimeout applies to each network call, not to a whole pipeline run.
	DefaultTimeout = 30 * time.Second
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries up to four attempts: 500ms, 1s, 2s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Backoff returns the wait before the given retry (attempt counts from 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// StatusError is a non-200 upstream response.
type StatusError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.StatusCode, e.URL)
}

// Transient reports whether the status is worth retrying. SEC answers 403 when
// the request-rate threshold is exceeded.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusForbidden ||
		e.StatusCode >= 500
}

// Client is an HTTP GET client bound to a shared HostLimiter and a bounded retry.
type Client struct {
	httpClient *http.Client
	limiter    *HostLimiter
	retry      RetryPolicy
	userAgent  string
	timeout    time.Duration
	logger     arbor.ILogger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLimiter shares an existing host limiter.
func WithLimiter(limiter *HostLimiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client. Without WithLimiter it gets a private limiter of 10 req/s per host.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		retry:      DefaultRetryPolicy,
		timeout:    DefaultTimeout,
		logger:     arbor.NewNoOpLogger(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = NewHostLimiter(10, 1)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// Get fetches rawURL and returns the body. Transient failures are retried with
// backoff; once attempts are exhausted they surface as ErrRateLimited. 404 and
// 410 surface as ErrNotFound without retry.
func (c *Client) Get(ctx context.Context, rawURL string, accept string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retry.Backoff(attempt - 1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > wait && se.RetryAfter <= c.retry.MaxDelay {
				wait = se.RetryAfter
			}
			c.logger.Debug().Str("url", redact(u)).Int("attempt", attempt).Str("wait", wait.String()).Msg("Retrying upstream request")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		body, err := c.do(ctx, u, accept)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) {
			if se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone {
				return nil, models.NewError(models.ErrNotFound, "httpx.Get", redact(u), err)
			}
			if !se.Transient() {
				return nil, err
			}
		} else if !isTransientNetErr(err) {
			return nil, err
		}

		c.logger.Warn().Err(err).Str("url", redact(u)).Int("attempt", attempt).Msg("Transient upstream failure")
	}

	return nil, models.NewError(models.ErrRateLimited, "httpx.Get", redact(u),
		fmt.Errorf("gave up after %d attempts: %w", c.retry.MaxAttempts, lastErr))
}

// do performs one rate-limited attempt under the per-call timeout, holding
// the host's request slot until the body is read.
func (c *Client) do(ctx context.Context, u *url.URL, accept string) ([]byte, error) {
	release, err := c.limiter.Acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redact(u)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        redact(u),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// secretParams are query parameters that never appear in logs or errors.
var secretParams = []string{"api_token", "apikey", "api_key", "token"}

// redact renders u without credentials, in its userinfo or its query.
func redact(u *url.URL) string {
	q := u.Query()
	masked := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "xxxxx")
			masked = true
		}
	}
	if !masked {
		return u.Redacted()
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.Redacted()
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
