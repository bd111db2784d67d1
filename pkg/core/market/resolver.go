package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"filing_valuation/pkg/models"

	"github.com/ternarybob/arbor"
)

// DefaultLookback is how far back PriceAsOf searches for a trading day.
const DefaultLookback = 10 * 24 * time.Hour

// Resolver answers point-in-time price questions from the cache, then the source.
type Resolver struct {
	source   Source
	store    *PriceStore
	lookback time.Duration
	offline  bool
	logger   arbor.ILogger
	now      func() time.Time
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithLookback sets the search window behind the requested date.
func WithLookback(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.lookback = d
		}
	}
}

// WithOffline answers from stored bars only.
func WithOffline(offline bool) ResolverOption {
	return func(r *Resolver) {
		r.offline = offline
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver. store may be nil to disable caching.
func NewResolver(source Source, store *PriceStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:   source,
		store:    store,
		lookback: DefaultLookback,
		logger:   arbor.NewNoOpLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PriceAsOf returns the close of the latest trading day on or before date,
// searching back over the lookback window. Nothing in the window is NoPriceData.
func (r *Resolver) PriceAsOf(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
	const op = "market.PriceAsOf"
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return models.PricePoint{}, models.NewError(models.ErrNotFound, op, ticker, fmt.Errorf("empty ticker"))
	}
	requested := day(date)
	subject := ticker + "@" + requested.Format(time.DateOnly)

	if r.store != nil {
		point, err := r.store.Resolved(ticker, requested)
		if err == nil {
			r.logger.Debug().Str("ticker", ticker).Str("date", requested.Format(time.DateOnly)).Msg("Price cache hit")
			return point, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			return models.PricePoint{}, err
		}
	}

	from := requested.Add(-r.lookback)
	bars, err := r.bars(ctx, ticker, from, requested)
	if err != nil {
		return models.PricePoint{}, err
	}

	best, ok := latestInWindow(bars, from, requested)
	if !ok {
		return models.PricePoint{}, models.NewError(models.ErrNoPriceData, op, subject,
			fmt.Errorf("no close between %s and %s", from.Format(time.DateOnly), requested.Format(time.DateOnly)))
	}

	point := models.PricePoint{
		Ticker:        ticker,
		Date:          best.Date,
		Close:         best.Close,
		RequestedDate: requested,
		Source:        best.Source,
	}

	// an answer for a day that has not closed yet may still change
	if r.store != nil && !r.offline && requested.Before(day(r.now())) {
		if err := r.store.PutResolved(point); err != nil {
			r.logger.Warn().Err(err).Str("ticker", ticker).Msg("Failed to cache resolved price")
		}
	}

	r.logger.Debug().
		Str("ticker", ticker).
		Str("requested", requested.Format(time.DateOnly)).
		Str("date", point.Date.Format(time.DateOnly)).
		Float64("close", point.Close).
		Msg("Resolved price")
	return point, nil
}

// bars loads the window from the source and stores it, or reads stored bars
// when offline or when the source fails on a day the store already covers.
func (r *Resolver) bars(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	if r.offline || r.source == nil {
		if r.store == nil {
			return nil, models.NewError(models.ErrNoPriceData, "market.PriceAsOf", ticker, fmt.Errorf("offline without a price cache"))
		}
		return r.store.Bars(ticker, from, to)
	}

	bars, err := r.source.DailyCloses(ctx, ticker, from, to)
	if err != nil {
		if ctx.Err() == nil {
			if stored, ok := r.storedThrough(ticker, from, to); ok {
				r.logger.Warn().Err(err).Str("ticker", ticker).Msg("Price source failed, using stored bars")
				return stored, nil
			}
		}
		return nil, err
	}
	if r.store != nil {
		if err := r.store.PutBars(bars); err != nil {
			r.logger.Warn().Err(err).Str("ticker", ticker).Msg("Failed to cache price bars")
		}
	}
	return bars, nil
}

// storedThrough returns the stored bars of [from, to] when they include a bar
// for to itself. Only then is the stored answer the one the source would give;
// a gap before to may hide a later trading day.
func (r *Resolver) storedThrough(ticker string, from, to time.Time) ([]Bar, bool) {
	if r.store == nil {
		return nil, false
	}
	stored, err := r.store.Bars(ticker, from, to)
	if err != nil {
		return nil, false
	}
	for _, b := range stored {
		if day(b.Date).Equal(day(to)) {
			return stored, true
		}
	}
	return nil, false
}

// latestInWindow picks the most recent bar in [from, to].
func latestInWindow(bars []Bar, from, to time.Time) (Bar, bool) {
	var best Bar
	found := false
	for _, b := range bars {
		if b.Date.After(to) || b.Date.Before(from) {
			continue
		}
		if !found || b.Date.After(best.Date) {
			best = b
			found = true
		}
	}
	return best, found
}
