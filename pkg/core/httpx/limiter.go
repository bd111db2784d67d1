// Package httpx provides the politeness-limited, retrying HTTP transport shared by
// every upstream caller (SEC EDGAR, market data).
package httpx

import (
	"context"
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out one rate limiter and one request slot per upstream
// host. All goroutines that talk to the same host wait on the same limiter and
// slot, so requests queue instead of firing concurrently no matter how many
// tasks are in flight.
type HostLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	slots     map[string]chan struct{}
	rates     map[string]rate.Limit
	fallback  rate.Limit
	burst     int
	hostAlias func(string) string
}

// NewHostLimiter creates a limiter allowing requestsPerSecond to each host.
func NewHostLimiter(requestsPerSecond float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		limiters:  make(map[string]*rate.Limiter),
		slots:     make(map[string]chan struct{}),
		rates:     make(map[string]rate.Limit),
		fallback:  rate.Limit(requestsPerSecond),
		burst:     burst,
		hostAlias: RegistrableHost,
	}
}

// SetHostRate overrides the rate for one host. Call before the first request to that host.
func (h *HostLimiter) SetHostRate(host string, requestsPerSecond float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	host = h.hostAlias(host)
	h.rates[host] = rate.Limit(requestsPerSecond)
	if l, ok := h.limiters[host]; ok {
		l.SetLimit(rate.Limit(requestsPerSecond))
	}
}

// For returns the limiter shared by every request to host.
func (h *HostLimiter) For(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	host = h.hostAlias(host)
	if l, ok := h.limiters[host]; ok {
		return l
	}
	limit, ok := h.rates[host]
	if !ok {
		limit = h.fallback
	}
	l := rate.NewLimiter(limit, h.burst)
	h.limiters[host] = l
	return l
}

// Wait blocks until host may receive another request or ctx is done.
// The mutex only guards the map lookup; waiting happens outside it.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.For(host).Wait(ctx)
}

// Acquire takes the host's single request slot, then waits on its rate
// limiter. The returned release frees the slot and must be called once the
// response has been read.
func (h *HostLimiter) Acquire(ctx context.Context, host string) (release func(), err error) {
	slot := h.slot(host)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := h.Wait(ctx, host); err != nil {
		<-slot
		return nil, err
	}
	return func() { <-slot }, nil
}

func (h *HostLimiter) slot(host string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	host = h.hostAlias(host)
	s, ok := h.slots[host]
	if !ok {
		s = make(chan struct{}, 1)
		h.slots[host] = s
	}
	return s
}

// RegistrableHost folds subdomains onto their registrable domain so that
// data.sec.gov and www.sec.gov share one politeness budget.
func RegistrableHost(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return host
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
