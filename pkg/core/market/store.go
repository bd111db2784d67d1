package market

import (
	"errors"
	"fmt"
	"os"
	"time"

	"filing_valuation/pkg/models"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// barRecord is a stored daily close. Day is "2006-01-02" so range queries
// compare lexically.
type barRecord struct {
	Key    string
	Ticker string `badgerhold:"index"`
	Day    string
	Close  float64
	Source string
}

// resolvedRecord is a stored PriceAsOf answer for (ticker, requested date).
type resolvedRecord struct {
	Key   string
	Point models.PricePoint
}

// PriceStore is the badger-backed price cache. Bars are keyed by
// (ticker, bar date) and resolved answers by (ticker, requested date).
type PriceStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// OpenPriceStore opens (creating if needed) the store at dir.
func OpenPriceStore(dir string, logger arbor.ILogger) (*PriceStore, error) {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create price cache directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil // badger's own logger is noisy; arbor covers it

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open price cache: %w", err)
	}
	logger.Debug().Str("path", dir).Msg("Price cache opened")
	return &PriceStore{store: store, logger: logger}, nil
}

// Close closes the store.
func (s *PriceStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func barKey(ticker string, date time.Time) string {
	return "bar:" + ticker + ":" + date.Format(time.DateOnly)
}

func resolvedKey(ticker string, date time.Time) string {
	return "asof:" + ticker + ":" + date.Format(time.DateOnly)
}

// Resolved returns a cached PriceAsOf answer, or ErrCacheMiss.
func (s *PriceStore) Resolved(ticker string, date time.Time) (models.PricePoint, error) {
	key := resolvedKey(ticker, date)
	var rec resolvedRecord
	err := s.store.Get(key, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return models.PricePoint{}, models.ErrCacheMiss
	}
	if err != nil {
		return models.PricePoint{}, models.NewError(models.ErrCacheCorruption, "market.Resolved", key, err)
	}
	return rec.Point, nil
}

// PutResolved stores a PriceAsOf answer.
func (s *PriceStore) PutResolved(point models.PricePoint) error {
	key := resolvedKey(point.Ticker, point.RequestedDate)
	if err := s.store.Upsert(key, resolvedRecord{Key: key, Point: point}); err != nil {
		return fmt.Errorf("failed to store resolved price %s: %w", key, err)
	}
	return nil
}

// PutBars stores daily closes, replacing any previous value for the same day.
func (s *PriceStore) PutBars(bars []Bar) error {
	for _, b := range bars {
		key := barKey(b.Ticker, b.Date)
		rec := barRecord{Key: key, Ticker: b.Ticker, Day: b.Date.Format(time.DateOnly), Close: b.Close, Source: b.Source}
		if err := s.store.Upsert(key, rec); err != nil {
			return fmt.Errorf("failed to store bar %s: %w", key, err)
		}
	}
	return nil
}

// Bars returns stored closes for ticker in [from, to], oldest first.
func (s *PriceStore) Bars(ticker string, from, to time.Time) ([]Bar, error) {
	var recs []barRecord
	query := badgerhold.Where("Ticker").Eq(ticker).Index("Ticker").
		And("Day").Ge(from.Format(time.DateOnly)).
		And("Day").Le(to.Format(time.DateOnly)).
		SortBy("Day")
	if err := s.store.Find(&recs, query); err != nil {
		return nil, models.NewError(models.ErrCacheCorruption, "market.Bars", ticker, err)
	}

	bars := make([]Bar, 0, len(recs))
	for _, r := range recs {
		date, err := time.Parse(time.DateOnly, r.Day)
		if err != nil {
			return nil, models.NewError(models.ErrCacheCorruption, "market.Bars", r.Key, err)
		}
		bars = append(bars, Bar{Ticker: r.Ticker, Date: date, Close: r.Close, Source: r.Source})
	}
	return bars, nil
}
