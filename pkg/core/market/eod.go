// Package market resolves point-in-time closing prices from an EODHD-compatible
// end-of-day API, with a badger-backed cache in front of it.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"filing_valuation/pkg/core/httpx"

	"github.com/ternarybob/arbor"
)

const (
	// DefaultBaseURL is the base URL for the EODHD API.
	DefaultBaseURL = "https://eodhd.com/api"

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10

	// SourceEODHD names the price source on PricePoints.
	SourceEODHD = "eodhd"
)

// Bar is one trading day's close.
type Bar struct {
	Ticker        string
	Date          time.Time
	Close         float64
	AdjustedClose float64
	Volume        int64
	Source        string
}

// eodData is a single day in the EOD response.
type eodData struct {
	DateStr       string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        int64   `json:"volume"`
}

// Source returns daily closes for a ticker over an inclusive date range.
type Source interface {
	DailyCloses(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error)
	Name() string
}

// EODClient is an EODHD API client going through the shared rate-limited transport.
type EODClient struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	logger  arbor.ILogger
}

// ClientOption configures the EODClient.
type ClientOption func(*EODClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *EODClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the rate-limited transport.
func WithHTTPClient(client *httpx.Client) ClientOption {
	return func(c *EODClient) {
		c.http = client
	}
}

// WithClientLogger sets a logger.
func WithClientLogger(logger arbor.ILogger) ClientOption {
	return func(c *EODClient) {
		c.logger = logger
	}
}

// NewEODClient creates a new EODHD API client.
func NewEODClient(apiKey string, opts ...ClientOption) *EODClient {
	c := &EODClient{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		logger:  arbor.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpx.NewClient(httpx.WithLimiter(httpx.NewHostLimiter(DefaultRateLimit, DefaultRateLimit)), httpx.WithLogger(c.logger))
	}
	return c
}

// Name implements Source.
func (c *EODClient) Name() string {
	return SourceEODHD
}

// DailyCloses retrieves end-of-day prices, oldest first.
// Symbols without an exchange suffix are taken as US listings ("AAPL" -> "AAPL.US").
func (c *EODClient) DailyCloses(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	symbol := Symbol(ticker)

	params := url.Values{}
	params.Set("from", from.Format(time.DateOnly))
	params.Set("to", to.Format(time.DateOnly))
	params.Set("period", "d")
	params.Set("order", "a")
	params.Set("fmt", "json")
	params.Set("api_token", c.apiKey)
	reqURL := fmt.Sprintf("%s/eod/%s?%s", c.baseURL, url.PathEscape(symbol), params.Encode())

	c.logger.Debug().
		Str("symbol", symbol).
		Str("from", from.Format(time.DateOnly)).
		Str("to", to.Format(time.DateOnly)).
		Msg("EODHD API request")

	body, err := c.http.Get(ctx, reqURL, "application/json")
	if err != nil {
		return nil, err
	}

	var result []eodData
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode eod response for %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(result))
	for _, d := range result {
		date, err := time.Parse(time.DateOnly, d.DateStr)
		if err != nil {
			continue
		}
		if d.Close <= 0 {
			continue
		}
		bars = append(bars, Bar{
			Ticker:        normalizeTicker(ticker),
			Date:          date,
			Close:         d.Close,
			AdjustedClose: d.AdjustedClose,
			Volume:        d.Volume,
			Source:        SourceEODHD,
		})
	}
	return bars, nil
}

// Symbol maps a ticker to its EODHD symbol. A suffix of two or more letters is
// an exchange code; a single-letter one is a share class ("BRK.B" -> "BRK-B.US").
func Symbol(ticker string) string {
	t := normalizeTicker(ticker)
	if i := strings.LastIndex(t, "."); i >= 0 {
		if len(t)-i-1 >= 2 {
			return t
		}
		t = t[:i] + "-" + t[i+1:]
	}
	return t + ".US"
}

func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// day truncates t to its UTC calendar date.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
