// Package ingest provides SEC EDGAR API integration for listing and fetching company filings.
// API Documentation: https://www.sec.gov/developer
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"filing_valuation/pkg/core/cache"
	"filing_valuation/pkg/core/httpx"
	"filing_valuation/pkg/models"

	"github.com/ternarybob/arbor"
)

const (
	// SEC EDGAR API endpoints
	SECSubmissionsURL = "https://data.sec.gov/submissions"
	SECArchivesURL    = "https://www.sec.gov/Archives/edgar/data"
	SECTickersURL     = "https://www.sec.gov/files/company_tickers.json"

	// Required User-Agent per SEC guidelines
	DefaultUserAgent = "FilingValuation/1.0 (contact@example.com)"

	// SEC asks for no more than 10 requests per second
	SECRequestsPerSecond = 10
)

// =============================================================================
// SEC EDGAR DATA TYPES
// =============================================================================

// SECCompanyInfo represents the top-level company submission response.
type SECCompanyInfo struct {
	CIK            string     `json:"cik"`
	EntityType     string     `json:"entityType"`
	SIC            string     `json:"sic"`
	SICDescription string     `json:"sicDescription"`
	Name           string     `json:"name"`
	Tickers        []string   `json:"tickers"`
	Exchanges      []string   `json:"exchanges"`
	Filings        SECFilings `json:"filings"`
}

// SECFilings contains recent and older filing lists.
type SECFilings struct {
	Recent SECRecentFilings `json:"recent"`
}

// SECRecentFilings holds arrays of filing attributes (parallel arrays).
type SECRecentFilings struct {
	AccessionNumber []string `json:"accessionNumber"` // e.g., "0000037996-24-000012"
	FilingDate      []string `json:"filingDate"`      // e.g., "2024-02-06"
	ReportDate      []string `json:"reportDate"`      // Fiscal period end
	Form            []string `json:"form"`            // "10-K", "10-Q", "8-K"
	PrimaryDocument []string `json:"primaryDocument"` // filename
	IsXBRL          []int    `json:"isXBRL"`
}

// DateRange bounds filing dates. Zero ends are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range (inclusive).
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// =============================================================================
// SEC EDGAR CLIENT
// =============================================================================

// EDGARClient lists filings and fetches filing documents, always checking the
// filing cache before going to the network.
type EDGARClient struct {
	http              *httpx.Client
	cache             *cache.FilingCache
	logger            arbor.ILogger
	submissionsURL    string
	archivesURL       string
	tickersURL        string
	offline           bool
	includeAmendments bool
}

// Option configures the EDGARClient.
type Option func(*EDGARClient)

// WithHTTPClient sets the rate-limited transport. Share one across clients that hit the same host.
func WithHTTPClient(client *httpx.Client) Option {
	return func(c *EDGARClient) {
		c.http = client
	}
}

// WithBaseURLs points the client at alternative endpoints (tests, mirrors).
func WithBaseURLs(submissions, archives, tickers string) Option {
	return func(c *EDGARClient) {
		c.submissionsURL = strings.TrimRight(submissions, "/")
		c.archivesURL = strings.TrimRight(archives, "/")
		c.tickersURL = tickers
	}
}

// WithOffline makes every cache miss a hard FilingUnavailable failure.
func WithOffline(offline bool) Option {
	return func(c *EDGARClient) {
		c.offline = offline
	}
}

// WithAmendments includes /A forms in listings.
func WithAmendments(include bool) Option {
	return func(c *EDGARClient) {
		c.includeAmendments = include
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) Option {
	return func(c *EDGARClient) {
		c.logger = logger
	}
}

// NewEDGARClient creates a client backed by the given filing cache.
func NewEDGARClient(fc *cache.FilingCache, opts ...Option) *EDGARClient {
	c := &EDGARClient{
		cache:          fc,
		logger:         arbor.NewNoOpLogger(),
		submissionsURL: SECSubmissionsURL,
		archivesURL:    SECArchivesURL,
		tickersURL:     SECTickersURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		limiter := httpx.NewHostLimiter(SECRequestsPerSecond, 1)
		c.http = httpx.NewClient(httpx.WithLimiter(limiter), httpx.WithUserAgent(DefaultUserAgent), httpx.WithLogger(c.logger))
	}
	return c
}

// LookupFiler resolves a ticker to its registrant using SEC's ticker mapping file.
func (c *EDGARClient) LookupFiler(ctx context.Context, ticker string) (models.Filer, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return models.Filer{}, models.NewError(models.ErrNotFound, "ingest.LookupFiler", ticker, fmt.Errorf("empty ticker"))
	}

	body, err := c.index(ctx, "company_tickers", c.tickersURL)
	if err != nil {
		return models.Filer{}, err
	}

	// Response structure: { "0": {"cik_str": 320193, "ticker": "AAPL", "title": "..."}, ... }
	var mapping map[string]struct {
		CIK    int    `json:"cik_str"`
		Ticker string `json:"ticker"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &mapping); err != nil {
		return models.Filer{}, fmt.Errorf("failed to parse ticker mapping: %w", err)
	}

	for _, entry := range mapping {
		if normalizeTicker(entry.Ticker) == ticker {
			return models.Filer{
				CIK:     fmt.Sprintf("%010d", entry.CIK),
				Tickers: []string{strings.ToUpper(entry.Ticker)},
				Name:    entry.Title,
			}, nil
		}
	}

	return models.Filer{}, models.NewError(models.ErrNotFound, "ingest.LookupFiler", ticker,
		fmt.Errorf("ticker not found in SEC database"))
}

// FetchCompanyInfo retrieves company submission data from SEC EDGAR.
func (c *EDGARClient) FetchCompanyInfo(ctx context.Context, cik string) (*SECCompanyInfo, error) {
	cik = models.PadCIK(cik)
	url := fmt.Sprintf("%s/CIK%s.json", c.submissionsURL, cik)

	body, err := c.index(ctx, "submissions/"+cik, url)
	if err != nil {
		return nil, err
	}

	var info SECCompanyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse SEC response: %w", err)
	}
	if info.CIK == "" {
		info.CIK = cik
	}
	return &info, nil
}

// ListFilings returns the filer's filings of the given form types whose filing
// date falls in r, most recent first.
func (c *EDGARClient) ListFilings(ctx context.Context, filer models.Filer, formTypes []string, r DateRange) ([]models.Filing, error) {
	info, err := c.FetchCompanyInfo(ctx, filer.CIK)
	if err != nil {
		return nil, err
	}
	if filer.Name == "" {
		filer.Name = info.Name
	}
	if len(filer.Tickers) == 0 {
		filer.Tickers = info.Tickers
	}

	filings := FilingsFromSubmissions(info, filer, formTypes, r, c.includeAmendments)
	c.logger.Debug().Str("cik", filer.CIK).Int("filings", len(filings)).Msg("Listed filings")
	return filings, nil
}

// LatestFiling returns the most recent filing of the first form type in
// preference order that has one (e.g. 10-Q first, 10-K as fallback).
func (c *EDGARClient) LatestFiling(ctx context.Context, filer models.Filer, preference []string) (models.Filing, error) {
	for _, form := range preference {
		filings, err := c.ListFilings(ctx, filer, []string{form}, DateRange{})
		if err != nil {
			return models.Filing{}, err
		}
		if len(filings) > 0 {
			return filings[0], nil
		}
	}
	return models.Filing{}, models.NewError(models.ErrNotFound, "ingest.LatestFiling", filer.CIK,
		fmt.Errorf("no filings of forms %v", preference))
}

// FilingsFromSubmissions denormalizes the parallel arrays of a submissions
// response into filings, filtered and sorted most recent first.
//
// formTypes: "10-K", "10-Q", etc. Pass nil for all types.
func FilingsFromSubmissions(info *SECCompanyInfo, filer models.Filer, formTypes []string, r DateRange, includeAmendments bool) []models.Filing {
	recent := info.Filings.Recent

	formTypeSet := make(map[string]bool)
	for _, ft := range formTypes {
		formTypeSet[strings.ToUpper(ft)] = true
	}

	ticker := filer.PrimaryTicker()
	if ticker == "" && len(info.Tickers) > 0 {
		ticker = info.Tickers[0]
	}

	filings := make([]models.Filing, 0)
	for i := range recent.AccessionNumber {
		if i >= len(recent.Form) || i >= len(recent.FilingDate) {
			break
		}
		form := strings.ToUpper(recent.Form[i])
		amended := models.IsAmendedForm(form)
		if amended && !includeAmendments {
			continue
		}
		if len(formTypeSet) > 0 && !formTypeSet[strings.TrimSuffix(form, "/A")] && !formTypeSet[form] {
			continue
		}

		filingDate, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil || !r.Contains(filingDate) {
			continue
		}
		var reportDate time.Time
		if i < len(recent.ReportDate) {
			reportDate, _ = time.Parse("2006-01-02", recent.ReportDate[i])
		}
		primary := ""
		if i < len(recent.PrimaryDocument) {
			primary = recent.PrimaryDocument[i]
		}

		filings = append(filings, models.Filing{
			CIK:             models.PadCIK(info.CIK),
			Ticker:          ticker,
			CompanyName:     info.Name,
			AccessionNumber: recent.AccessionNumber[i],
			FormType:        form,
			PeriodEnd:       reportDate,
			FilingDate:      filingDate,
			PrimaryDocument: primary,
			IsAmendment:     amended,
		})
	}

	sort.SliceStable(filings, func(i, j int) bool {
		if !filings[i].FilingDate.Equal(filings[j].FilingDate) {
			return filings[i].FilingDate.After(filings[j].FilingDate)
		}
		return filings[i].AccessionNumber > filings[j].AccessionNumber
	})
	return filings
}

// index fetches a mutable index document, refreshing the cached snapshot on
// success and falling back to it when the source cannot be reached.
func (c *EDGARClient) index(ctx context.Context, name, url string) ([]byte, error) {
	op := "ingest.index"
	if c.offline {
		data, err := c.cache.GetIndex(name)
		if err != nil {
			return nil, models.NewError(models.ErrFilingUnavailable, op, name, err)
		}
		return data, nil
	}

	body, err := c.http.Get(ctx, url, "application/json")
	if err == nil {
		if perr := c.cache.PutIndex(name, body); perr != nil {
			c.logger.Warn().Err(perr).Str("index", name).Msg("Failed to store index snapshot")
		}
		return body, nil
	}
	if errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
		return nil, err
	}

	data, cerr := c.cache.GetIndex(name)
	if cerr != nil {
		if models.IsRetryable(err) {
			return nil, err
		}
		return nil, models.NewError(models.ErrFilingUnavailable, op, name, err)
	}
	c.logger.Warn().Err(err).Str("index", name).Msg("SEC unreachable, using cached index snapshot")
	return data, nil
}

// normalizeTicker upper-cases and maps share-class dots to SEC's dashes (BRK.B -> BRK-B).
func normalizeTicker(ticker string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(ticker)), ".", "-")
}
