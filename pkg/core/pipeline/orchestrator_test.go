package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"filing_valuation/pkg/core/cache"
	"filing_valuation/pkg/core/evidence"
	"filing_valuation/pkg/core/ingest"
	"filing_valuation/pkg/core/parse"
	"filing_valuation/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fixtures ---

var quarterly = models.Filing{
	CIK:             "0000320193",
	Ticker:          "AAPL",
	CompanyName:     "Apple Inc.",
	AccessionNumber: "0000320193-24-000006",
	FormType:        "10-Q",
	PeriodEnd:       time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	FilingDate:      time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
	PrimaryDocument: "aapl-20231231.htm",
}

var annual = models.Filing{
	CIK:             "0000320193",
	Ticker:          "AAPL",
	CompanyName:     "Apple Inc.",
	AccessionNumber: "0000320193-23-000106",
	FormType:        "10-K",
	PeriodEnd:       time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC),
	FilingDate:      time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC),
	PrimaryDocument: "aapl-20230930.htm",
}

const statementHTML = `<html><body>
<p>CONDENSED CONSOLIDATED STATEMENTS OF OPERATIONS (Unaudited)</p>
<p>(In millions, except per share amounts)</p>
<table>
<tr><td></td><td colspan="4">Three Months Ended December 31,</td></tr>
<tr><td></td><td colspan="2">2023</td><td colspan="2">2022</td></tr>
<tr><td>Net sales</td><td>$</td><td>1,000</td><td>$</td><td>900</td></tr>
<tr><td>Cost of sales</td><td></td><td>600</td><td></td><td>560</td></tr>
<tr><td>Operating income</td><td></td><td>250</td><td></td><td>200</td></tr>
<tr><td>Net income</td><td>$</td><td>200</td><td>$</td><td>150</td></tr>
</table>
</body></html>`

const instanceXML = `<?xml version="1.0" encoding="utf-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance" xmlns:us-gaap="http://fasb.org/us-gaap/2023" xmlns:dei="http://xbrl.sec.gov/dei/2023">
  <xbrli:context id="Q"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:startDate>2023-10-01</xbrli:startDate><xbrli:endDate>2023-12-31</xbrli:endDate></xbrli:period></xbrli:context>
  <xbrli:context id="I"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:instant>2023-12-31</xbrli:instant></xbrli:period></xbrli:context>
  <xbrli:context id="C"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:instant>2024-01-19</xbrli:instant></xbrli:period></xbrli:context>
  <xbrli:unit id="usd"><xbrli:measure>iso4217:USD</xbrli:measure></xbrli:unit>
  <xbrli:unit id="usdPerShare"><xbrli:divide><xbrli:unitNumerator><xbrli:measure>iso4217:USD</xbrli:measure></xbrli:unitNumerator><xbrli:unitDenominator><xbrli:measure>xbrli:shares</xbrli:measure></xbrli:unitDenominator></xbrli:divide></xbrli:unit>
  <xbrli:unit id="shares"><xbrli:measure>xbrli:shares</xbrli:measure></xbrli:unit>
  <us-gaap:Depreciation contextRef="Q" unitRef="usd" decimals="-6">40000000</us-gaap:Depreciation>
  <us-gaap:AmortizationOfIntangibleAssets contextRef="Q" unitRef="usd" decimals="-6">10000000</us-gaap:AmortizationOfIntangibleAssets>
  <us-gaap:EarningsPerShareDiluted contextRef="Q" unitRef="usdPerShare" decimals="2">2.00</us-gaap:EarningsPerShareDiluted>
  <us-gaap:LongTermDebt contextRef="I" unitRef="usd" decimals="-6">300000000</us-gaap:LongTermDebt>
  <us-gaap:CashAndCashEquivalentsAtCarryingValue contextRef="I" unitRef="usd" decimals="-6">100000000</us-gaap:CashAndCashEquivalentsAtCarryingValue>
  <dei:EntityCommonStockSharesOutstanding contextRef="C" unitRef="shares" decimals="INF">100000000</dei:EntityCommonStockSharesOutstanding>
</xbrli:xbrl>`

func structuredDoc(f models.Filing) models.RawDocument {
	return models.NewRawDocument(f.Ref(), models.DocStructured, "aapl-20231231_htm.xml", []byte(instanceXML))
}

func narrativeDoc(f models.Filing) models.RawDocument {
	return models.NewRawDocument(f.Ref(), models.DocNarrative, f.PrimaryDocument, []byte(statementHTML))
}

// --- Mocks ---

type MockFilingSource struct {
	mu      sync.Mutex
	Filings []models.Filing
	Docs    map[models.DocumentKind]models.RawDocument
	DocErrs map[models.DocumentKind]error
	Unknown map[string]bool
}

func newMockFilingSource() *MockFilingSource {
	return &MockFilingSource{
		Filings: []models.Filing{quarterly, annual},
		Docs: map[models.DocumentKind]models.RawDocument{
			models.DocStructured: structuredDoc(quarterly),
			models.DocNarrative:  narrativeDoc(quarterly),
		},
		DocErrs: map[models.DocumentKind]error{},
		Unknown: map[string]bool{},
	}
}

func (m *MockFilingSource) LookupFiler(ctx context.Context, ticker string) (models.Filer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unknown[ticker] {
		return models.Filer{}, models.NewError(models.ErrNotFound, "mock.LookupFiler", ticker, nil)
	}
	return models.Filer{CIK: quarterly.CIK, Tickers: []string{ticker}}, nil
}

func (m *MockFilingSource) ListFilings(ctx context.Context, filer models.Filer, formTypes []string, r ingest.DateRange) ([]models.Filing, error) {
	var out []models.Filing
	for _, f := range m.Filings {
		if len(formTypes) > 0 && !containsFold(formTypes, f.FormType) {
			continue
		}
		if !r.Contains(f.FilingDate) {
			continue
		}
		f.Ticker = filer.PrimaryTicker()
		out = append(out, f)
	}
	return out, nil
}

func (m *MockFilingSource) FetchDocument(ctx context.Context, filing models.Filing, kind models.DocumentKind) (models.RawDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.DocErrs[kind]; err != nil {
		return models.RawDocument{}, err
	}
	doc, ok := m.Docs[kind]
	if !ok {
		return models.RawDocument{}, models.NewError(models.ErrFilingUnavailable, "mock.FetchDocument", string(kind), nil)
	}
	return doc, nil
}

type MockPriceSource struct {
	PriceAsOfFunc func(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error)
}

func (m *MockPriceSource) PriceAsOf(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
	if m.PriceAsOfFunc != nil {
		return m.PriceAsOfFunc(ctx, ticker, date)
	}
	return models.PricePoint{Ticker: ticker, Date: date, Close: 50, RequestedDate: date, Source: "mock"}, nil
}

type MockSink struct {
	mu    sync.Mutex
	Saved []*AnalysisResult
	Err   error
}

func (m *MockSink) Save(ctx context.Context, result *AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Saved = append(m.Saved, result)
	return nil
}

// countingCache reports how many KPI reports were served from the cache.
type countingCache struct {
	*cache.FilingCache
	hits int
}

func (c *countingCache) GetRecord(key cache.Key, v any) error {
	err := c.FilingCache.GetRecord(key, v)
	if err == nil {
		c.hits++
	}
	return err
}

func openCache(t *testing.T) *cache.FilingCache {
	t.Helper()
	fc, err := cache.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })
	return fc
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestExtractKPIsLayersStructuredAndNarrative(t *testing.T) {
	p := New(newMockFilingSource(), &MockPriceSource{})

	report, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Len(t, report.Documents, 2)
	assert.NotEmpty(t, report.Engine)

	rev, ok := report.Find(models.Revenue, models.Quarterly)
	require.True(t, ok)
	assert.Equal(t, 1e9, rev.Value)
	assert.Equal(t, models.DocNarrative, rev.Sources[0].DocumentKind)

	eps, ok := report.Find(models.EPSDiluted, models.Quarterly)
	require.True(t, ok)
	assert.Equal(t, 2.0, eps.Value)
	assert.Equal(t, models.DocStructured, eps.Sources[0].DocumentKind)

	ebitda, ok := report.Find(models.EBITDA, models.Quarterly)
	require.True(t, ok)
	assert.True(t, ebitda.Derived)
	assert.Equal(t, 300e6, ebitda.Value)
	assert.Len(t, ebitda.Sources, 3)

	for _, rec := range report.Records {
		assert.NoError(t, evidence.Verify(evidence.ForKPI(rec), evidence.Index(report.Documents...)), rec.Metric)
	}

	var missing []models.Metric
	for _, f := range report.Failures {
		missing = append(missing, f.Metric)
		assert.Equal(t, models.FailureUnavailable, f.Kind)
	}
	assert.Contains(t, missing, models.StockholdersEquity)
	assert.NotContains(t, missing, models.Revenue)
}

func TestExtractKPIsStoresMarkdownAndFallsBackToIt(t *testing.T) {
	fc := openCache(t)
	src := newMockFilingSource()
	p := New(src, &MockPriceSource{}, WithCache(fc))

	_, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)

	mdKey := cache.KeyFor(quarterly.Ref(), models.DocMarkdown)
	require.True(t, fc.Has(mdKey), "markdown rendition is cached")
	content, err := fc.Get(mdKey)
	require.NoError(t, err)

	src.DocErrs[models.DocNarrative] = models.NewError(models.ErrFilingUnavailable, "mock", "narrative", nil)
	src.Docs[models.DocMarkdown] = models.NewRawDocument(quarterly.Ref(), models.DocMarkdown, "aapl-20231231.md", content)

	report, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Contains(t, report.Warnings, "narrative document unavailable, cached markdown rendition used")

	rev, ok := report.Find(models.Revenue, models.Quarterly)
	require.True(t, ok)
	assert.Equal(t, 1e9, rev.Value)
	assert.Equal(t, models.DocMarkdown, rev.Sources[0].DocumentKind)
	assert.NoError(t, evidence.Verify(evidence.ForKPI(rev), evidence.Index(report.Documents...)))
}

func TestExtractKPIsStructuredOnly(t *testing.T) {
	src := newMockFilingSource()
	delete(src.Docs, models.DocNarrative)
	p := New(src, &MockPriceSource{})

	report, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Contains(t, report.Warnings, "narrative document unavailable")

	_, ok := report.Find(models.Revenue, models.Quarterly)
	assert.False(t, ok)
	_, ok = report.Find(models.EPSDiluted, models.Quarterly)
	assert.True(t, ok)
}

func TestExtractKPIsWithoutDocumentsIsFilingUnavailable(t *testing.T) {
	src := newMockFilingSource()
	src.Docs = map[models.DocumentKind]models.RawDocument{}
	p := New(src, &MockPriceSource{})

	_, err := p.ExtractKPIs(context.Background(), quarterly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrFilingUnavailable))
}

func TestExtractKPIsThrottlingIsNotDegraded(t *testing.T) {
	throttled := models.NewError(models.ErrRateLimited, "mock", "structured", nil)
	tests := []struct {
		name string
		err  error
	}{
		{"bare", throttled},
		{"wrapped as unavailable", models.NewError(models.ErrFilingUnavailable, "mock", "structured", throttled)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMockFilingSource()
			src.DocErrs[models.DocStructured] = tt.err
			p := New(src, &MockPriceSource{})

			_, err := p.ExtractKPIs(context.Background(), quarterly)
			require.Error(t, err)
			assert.True(t, models.IsRetryable(err))
		})
	}
}

func TestMissing(t *testing.T) {
	assert.True(t, missing(models.NewError(models.ErrNotFound, "op", "x", nil)))
	assert.True(t, missing(models.NewError(models.ErrFilingUnavailable, "op", "x", nil)))
	assert.False(t, missing(models.NewError(models.ErrRateLimited, "op", "x", nil)))
	assert.False(t, missing(errors.New("boom")))
}

func TestExtractKPIsServesCachedReport(t *testing.T) {
	cc := &countingCache{FilingCache: openCache(t)}
	p := New(newMockFilingSource(), &MockPriceSource{}, WithCache(cc))

	first, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Equal(t, 0, cc.hits)

	second, err := p.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.hits)
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, first.Failures, second.Failures)
	assert.NotEmpty(t, second.Documents[0].Content, "documents are reattached")

	other := New(newMockFilingSource(), &MockPriceSource{}, WithCache(cc), WithTargets([]models.Metric{models.Revenue}))
	third, err := other.ExtractKPIs(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.hits, "a different configuration never reuses a report")
	assert.Empty(t, third.Failures)
}

func TestPriceAsOfFilingUsesFilingDate(t *testing.T) {
	var requested time.Time
	prices := &MockPriceSource{PriceAsOfFunc: func(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
		requested = date
		return models.PricePoint{Ticker: ticker, Date: date.AddDate(0, 0, -1), Close: 10, RequestedDate: date}, nil
	}}
	p := New(newMockFilingSource(), prices)

	price, err := p.PriceAsOfFiling(context.Background(), quarterly)
	require.NoError(t, err)
	assert.Equal(t, quarterly.FilingDate, requested)
	assert.False(t, price.Date.After(price.RequestedDate))

	noTicker := quarterly
	noTicker.Ticker = ""
	_, err = p.PriceAsOfFiling(context.Background(), noTicker)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAnalyze(t *testing.T) {
	sink := &MockSink{}
	p := New(newMockFilingSource(), &MockPriceSource{}, WithSink(sink))
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	result, err := p.Analyze(context.Background(), "AAPL", AnalyzeOptions{})
	require.NoError(t, err)
	assert.Equal(t, quarterly.AccessionNumber, result.Filing.AccessionNumber, "10-Q preferred")
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), result.CreatedAt)
	assert.Empty(t, result.PriceError)

	pe, ok := result.Ratio(models.RatioPE)
	require.True(t, ok)
	assert.Equal(t, models.RatioOK, pe.Status)
	assert.InDelta(t, 25.0, pe.Value, 1e-9)

	evEBITDA, ok := result.Ratio(models.RatioEVEBITDA)
	require.True(t, ok)
	assert.InDelta(t, (50*100e6+300e6-100e6)/300e6, evEBITDA.Value, 1e-9)

	pb, ok := result.Ratio(models.RatioPB)
	require.True(t, ok)
	assert.Equal(t, models.RatioUnavailable, pb.Status)

	assert.Equal(t, evidence.ForRecords(result.Records), result.Evidence)
	require.Len(t, sink.Saved, 1)
	assert.Same(t, result, sink.Saved[0])
}

func TestAnalyzeFormPreferenceAndAccession(t *testing.T) {
	src := newMockFilingSource()
	p := New(src, &MockPriceSource{})

	result, err := p.Analyze(context.Background(), "AAPL", AnalyzeOptions{Forms: []string{"10-K"}})
	require.NoError(t, err)
	assert.Equal(t, annual.AccessionNumber, result.Filing.AccessionNumber)

	result, err = p.Analyze(context.Background(), "AAPL", AnalyzeOptions{Accession: annual.AccessionNumber, Forms: []string{"10-Q"}})
	require.NoError(t, err)
	assert.Equal(t, annual.AccessionNumber, result.Filing.AccessionNumber)

	_, err = p.Analyze(context.Background(), "AAPL", AnalyzeOptions{Accession: "0000000000-00-000000"})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = p.Analyze(context.Background(), "AAPL", AnalyzeOptions{Forms: []string{"20-F"}})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAnalyzeWithoutPriceKeepsKPIs(t *testing.T) {
	prices := &MockPriceSource{PriceAsOfFunc: func(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
		return models.PricePoint{}, models.NewError(models.ErrNoPriceData, "mock", ticker, nil)
	}}
	p := New(newMockFilingSource(), prices)

	result, err := p.Analyze(context.Background(), "AAPL", AnalyzeOptions{})
	require.NoError(t, err)
	assert.Contains(t, result.PriceError, "no price data")
	assert.NotEmpty(t, result.Records)
	for _, r := range result.Ratios {
		assert.Equal(t, models.RatioUnavailable, r.Status, r.Name)
	}
}

func TestAnalyzeSinkFailureIsReported(t *testing.T) {
	p := New(newMockFilingSource(), &MockPriceSource{}, WithSink(&MockSink{Err: errors.New("connection refused")}))
	_, err := p.Analyze(context.Background(), "AAPL", AnalyzeOptions{})
	assert.ErrorContains(t, err, "connection refused")
}

func TestAnalyzeManyIsolatesFailures(t *testing.T) {
	src := newMockFilingSource()
	src.Unknown["NOPE"] = true
	prices := &MockPriceSource{PriceAsOfFunc: func(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
		closes := map[string]float64{"AAPL": 50, "AAPL2": 60, "AAPL3": 70}
		return models.PricePoint{Ticker: ticker, Date: date, Close: closes[ticker], RequestedDate: date}, nil
	}}
	sink := &MockSink{}
	p := New(src, prices, WithConcurrency(2), WithSink(sink))

	batch, err := p.AnalyzeMany(context.Background(), []string{"AAPL", "NOPE", "AAPL2", "AAPL3"}, AnalyzeOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, "AAPL", batch.Results[0].Ticker, "input order is kept")
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "NOPE", batch.Failures[0].Ticker)
	assert.False(t, batch.Failures[0].Retryable)
	assert.Len(t, sink.Saved, 3)

	found := false
	for _, r := range batch.PeerRanges {
		if r.Name == models.RatioPE {
			found = true
			assert.Equal(t, 3, r.Count)
			assert.Equal(t, 25.0, r.Low)
			assert.Equal(t, 35.0, r.High)
		}
	}
	require.True(t, found)

	// AAPL's implied P/E range comes from AAPL2 (30x) and AAPL3 (35x) at EPS 2.
	require.NotEmpty(t, batch.Results[0].Implied)
	implied := batch.Results[0].Implied[0]
	assert.Equal(t, models.RatioPE, implied.Multiple)
	assert.InDelta(t, 60, implied.Low, 1e-9)
	assert.InDelta(t, 70, implied.High, 1e-9)
}

func TestAnalyzeManyStopsOnCacheCorruption(t *testing.T) {
	prices := &MockPriceSource{PriceAsOfFunc: func(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error) {
		return models.PricePoint{}, models.NewError(models.ErrCacheCorruption, "mock", ticker, fmt.Errorf("bad record"))
	}}
	p := New(newMockFilingSource(), prices)

	_, err := p.AnalyzeMany(context.Background(), []string{"AAPL", "MSFT"}, AnalyzeOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCacheCorruption))
}

func TestSelectFiling(t *testing.T) {
	filings := []models.Filing{quarterly, annual}
	tests := []struct {
		name      string
		forms     []string
		accession string
		want      string
		wantErr   bool
	}{
		{"quarterly first", []string{"10-Q", "10-K"}, "", quarterly.AccessionNumber, false},
		{"annual first", []string{"10-K", "10-Q"}, "", annual.AccessionNumber, false},
		{"case insensitive", []string{"10-k"}, "", annual.AccessionNumber, false},
		{"pinned", nil, annual.AccessionNumber, annual.AccessionNumber, false},
		{"no match", []string{"8-K"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectFiling(filings, tt.forms, tt.accession)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AccessionNumber)
		})
	}
}

func TestRenderedMarkdownParsesLikeNarrative(t *testing.T) {
	md, err := parse.RenderMarkdown(narrativeDoc(quarterly))
	require.NoError(t, err)
	facts, err := parse.New(nil).Parse(md, quarterly.PeriodEnd)
	require.NoError(t, err)
	assert.NotEmpty(t, facts)
}
