package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filing_valuation/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(opts ...Option) *Client {
	c := NewClient(append([]Option{WithLimiter(NewHostLimiter(1000, 1))}, opts...)...)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestGetRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "TestAgent/1.0 (test@example.com)", r.Header.Get("User-Agent"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(WithUserAgent("TestAgent/1.0 (test@example.com)"))
	body, err := c.Get(context.Background(), srv.URL+"/x", "text/html")

	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetNotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestClient().Get(context.Background(), srv.URL, "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.False(t, models.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "404 must not be retried")
}

func TestGetExhaustedRetriesIsRateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Second}))
	_, err := c.Get(context.Background(), srv.URL, "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetOtherClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient().Get(context.Background(), srv.URL, "")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c := newTestClient(WithTimeout(20*time.Millisecond), WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	_, err := c.Get(context.Background(), srv.URL, "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimited), "timeouts surface as retryable, got %v", err)
}

func TestGetHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient().Get(ctx, srv.URL, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSharedLimiterSerializesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	shared := NewHostLimiter(50, 1)
	a := NewClient(WithLimiter(shared))
	b := NewClient(WithLimiter(shared))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		c := a
		if i%2 == 1 {
			c = b
		}
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), srv.URL, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// six requests at 50/s with burst 1 need at least five 20ms gaps
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRequestsToOneHostNeverOverlap(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// a generous rate and burst leave serialization to the request slot
	c := NewClient(WithLimiter(NewHostLimiter(1000, 10)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), srv.URL, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestAcquireHonoursCancellation(t *testing.T) {
	h := NewHostLimiter(1000, 1)
	release, err := h.Acquire(context.Background(), "sec.gov")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Acquire(ctx, "www.sec.gov")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release, err = h.Acquire(context.Background(), "data.sec.gov")
	require.NoError(t, err)
	release()
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(3))
}

func TestRegistrableHost(t *testing.T) {
	tests := map[string]string{
		"data.sec.gov":    "sec.gov",
		"www.sec.gov":     "sec.gov",
		"eodhd.com":       "eodhd.com",
		"127.0.0.1:8080":  "127.0.0.1",
		"WWW.SEC.GOV:443": "sec.gov",
	}
	for in, want := range tests {
		assert.Equal(t, want, RegistrableHost(in), in)
	}
}

func TestHostLimiterSharesPerHost(t *testing.T) {
	h := NewHostLimiter(5, 1)
	h.SetHostRate("sec.gov", 10)

	assert.Same(t, h.For("data.sec.gov"), h.For("www.sec.gov"))
	assert.NotSame(t, h.For("sec.gov"), h.For("eodhd.com"))
	assert.Equal(t, float64(10), float64(h.For("www.sec.gov").Limit()))
	assert.Equal(t, float64(5), float64(h.For("eodhd.com").Limit()))
}

func TestErrorsNeverCarryAPITokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient().Get(context.Background(), srv.URL+"/eod/AAPL.US?api_token=secret&fmt=json", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")

	u, err := url.Parse("https://eodhd.com/api/eod/AAPL.US?api_token=secret&from=2023-12-22")
	require.NoError(t, err)
	assert.Equal(t, "https://eodhd.com/api/eod/AAPL.US?api_token=xxxxx&from=2023-12-22", redact(u))
}
