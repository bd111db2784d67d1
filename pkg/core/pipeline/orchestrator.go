// Package pipeline composes filing ingestion, parsing, KPI extraction,
// point-in-time pricing and ratio computation into the analysis of a filing.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"filing_valuation/pkg/core/cache"
	"filing_valuation/pkg/core/evidence"
	"filing_valuation/pkg/core/ingest"
	"filing_valuation/pkg/core/kpi"
	"filing_valuation/pkg/core/parse"
	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/core/valuation"
	"filing_valuation/pkg/models"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// DefaultFormPreference picks the latest quarterly report, falling back to the annual one.
var DefaultFormPreference = []string{"10-Q", "10-K"}

// DefaultConcurrency caps the tickers AnalyzeMany works on at once.
const DefaultConcurrency = 4

// FilingSource lists filings and serves their documents, cache first.
// Implemented by ingest.EDGARClient.
type FilingSource interface {
	LookupFiler(ctx context.Context, ticker string) (models.Filer, error)
	ListFilings(ctx context.Context, filer models.Filer, formTypes []string, r ingest.DateRange) ([]models.Filing, error)
	FetchDocument(ctx context.Context, filing models.Filing, kind models.DocumentKind) (models.RawDocument, error)
}

// PriceSource resolves the close on or before a date. Implemented by market.Resolver.
type PriceSource interface {
	PriceAsOf(ctx context.Context, ticker string, date time.Time) (models.PricePoint, error)
}

// DocumentCache keeps locally produced renditions and extraction reports.
// Implemented by cache.FilingCache.
type DocumentCache interface {
	PutDocument(doc models.RawDocument) error
	PutRecord(key cache.Key, v any) error
	GetRecord(key cache.Key, v any) error
}

// ResultSink persists finished analyses. Implemented by store.ResultRepository.
type ResultSink interface {
	Save(ctx context.Context, result *AnalysisResult) error
}

// KPIReport is the extraction outcome for one filing. Failures lists the
// metrics that could not be produced; they are never reported as zero.
type KPIReport struct {
	Filing    models.Filing          `json:"filing"`
	Records   []models.KPIRecord     `json:"records"`
	Failures  []models.MetricFailure `json:"failures"`
	Warnings  []string               `json:"warnings,omitempty"`
	Checks    []kpi.Checkpoint       `json:"checks,omitempty"`
	Documents []models.RawDocument   `json:"documents"` // content is not serialized
	Engine    string                 `json:"engine"`    // extraction fingerprint
}

// Find returns the record for a metric and period class.
func (r *KPIReport) Find(metric models.Metric, period models.PeriodClass) (models.KPIRecord, bool) {
	return kpi.Find(r.Records, metric, period)
}

// AnalysisResult is the full answer for one filing: KPI records, the price
// used, the ratios, and the evidence behind every number.
type AnalysisResult struct {
	RunID      string                   `json:"run_id"`
	Ticker     string                   `json:"ticker"`
	Filing     models.Filing            `json:"filing"`
	Price      models.PricePoint        `json:"price"`
	PriceError string                   `json:"price_error,omitempty"`
	Records    []models.KPIRecord       `json:"records"`
	Failures   []models.MetricFailure   `json:"failures"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Checks     []kpi.Checkpoint         `json:"checks,omitempty"`
	Ratios     []models.RatioResult     `json:"ratios"`
	Evidence   []models.EvidenceItem    `json:"evidence"`
	Implied    []valuation.ImpliedPrice `json:"implied_prices,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Ratio returns the named ratio result.
func (r *AnalysisResult) Ratio(name string) (models.RatioResult, bool) {
	for _, res := range r.Ratios {
		if res.Name == name {
			return res, true
		}
	}
	return models.RatioResult{}, false
}

// AnalyzeOptions selects the filing Analyze works on.
type AnalyzeOptions struct {
	// Forms in preference order; the latest filing of the first form that has one wins.
	Forms []string
	// Accession pins a specific filing and overrides Forms.
	Accession string
	Range     ingest.DateRange
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline is the public surface of the system. It holds no per-run state and
// is safe for concurrent use.
type Pipeline struct {
	filings     FilingSource
	prices      PriceSource
	cache       DocumentCache
	sink        ResultSink
	dict        *synonym.Dictionary
	engineOpts  []kpi.Option
	parser      *parse.Parser
	engine      *kpi.Engine
	calc        *valuation.Calculator
	forms       []string
	concurrency int
	logger      arbor.ILogger
	now         func() time.Time
}

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithCache stores markdown renditions and KPI reports in the filing cache.
func WithCache(c DocumentCache) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithSink persists every result Analyze and AnalyzeMany produce.
func WithSink(sink ResultSink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithDictionary sets the synonym dictionary shared by parser and extraction.
func WithDictionary(dict *synonym.Dictionary) Option {
	return func(p *Pipeline) {
		p.dict = dict
	}
}

// WithPolicy sets the tie-break policy.
func WithPolicy(policy kpi.Policy) Option {
	return func(p *Pipeline) {
		p.engineOpts = append(p.engineOpts, kpi.WithPolicy(policy))
	}
}

// WithTargets sets the metrics whose absence is reported as a failure.
func WithTargets(metrics []models.Metric) Option {
	return func(p *Pipeline) {
		p.engineOpts = append(p.engineOpts, kpi.WithTargets(metrics))
	}
}

// WithBasis sets the period preference of the ratio calculator.
func WithBasis(basis ...models.PeriodClass) Option {
	return func(p *Pipeline) {
		p.calc = valuation.NewCalculator(basis...)
	}
}

// WithFormPreference sets the default form preference of Analyze.
func WithFormPreference(forms []string) Option {
	return func(p *Pipeline) {
		if len(forms) > 0 {
			p.forms = forms
		}
	}
}

// WithConcurrency caps the tickers AnalyzeMany processes at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a pipeline over a filing source and a price source.
func New(filings FilingSource, prices PriceSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		filings:     filings,
		prices:      prices,
		calc:        valuation.NewCalculator(),
		forms:       DefaultFormPreference,
		concurrency: DefaultConcurrency,
		logger:      arbor.NewNoOpLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.parser = parse.New(p.dict)
	p.engine = kpi.NewEngine(p.dict, p.engineOpts...)
	return p
}

// ListFilings resolves ticker to its filer and lists its filings of the given
// form types whose filing date falls in r, most recent first.
func (p *Pipeline) ListFilings(ctx context.Context, ticker string, formTypes []string, r ingest.DateRange) ([]models.Filing, error) {
	filer, err := p.filings.LookupFiler(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return p.filings.ListFilings(ctx, filer, formTypes, r)
}

// ExtractKPIs fetches the structured and narrative documents of a filing,
// parses them and extracts KPI records. Structured facts win a slot; narrative
// facts only fill the slots left empty. When the narrative document cannot be
// fetched its cached markdown rendition is used instead. A filing with no
// usable document at all is FilingUnavailable.
func (p *Pipeline) ExtractKPIs(ctx context.Context, filing models.Filing) (*KPIReport, error) {
	start := time.Now()
	docs, notes, err := p.documents(ctx, filing)
	if err != nil {
		return nil, err
	}

	key := p.reportKey(filing, docs)
	if p.cache != nil {
		var cached KPIReport
		err := p.cache.GetRecord(key, &cached)
		if err == nil {
			cached.Documents = docs
			p.logger.Debug().Str("accession", filing.AccessionNumber).Msg("KPI report cache hit")
			return &cached, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			return nil, err
		}
	}

	layers := make([][]models.Fact, 0, len(docs))
	for _, doc := range docs {
		facts, err := p.parser.Parse(doc, filing.PeriodEnd)
		if err != nil {
			p.logger.Warn().Str("accession", filing.AccessionNumber).Str("kind", string(doc.Kind)).Err(err).Msg("Document not parsed")
			notes = append(notes, fmt.Sprintf("%s document could not be parsed", doc.Kind))
			continue
		}
		layers = append(layers, facts)
	}

	res := p.engine.ExtractLayered(layers, filing)
	if err := evidence.Verify(evidence.ForRecords(res.Records), evidence.Index(docs...)); err != nil {
		return nil, fmt.Errorf("failed to verify evidence for %s: %w", filing.AccessionNumber, err)
	}

	report := &KPIReport{
		Filing:    filing,
		Records:   res.Records,
		Failures:  res.Failures,
		Warnings:  append(notes, res.Warnings...),
		Checks:    res.Checks,
		Documents: docs,
		Engine:    p.engine.Fingerprint(),
	}
	if p.cache != nil {
		if err := p.cache.PutRecord(key, report); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Str("accession", filing.AccessionNumber).
		Str("form", filing.FormType).
		Int("records", len(report.Records)).
		Int("failures", len(report.Failures)).
		Str("elapsed", time.Since(start).String()).
		Msg("Extracted KPIs")
	return report, nil
}

// PriceAsOfFiling returns the close on the filing date, or on the last
// trading day before it.
func (p *Pipeline) PriceAsOfFiling(ctx context.Context, filing models.Filing) (models.PricePoint, error) {
	op := "pipeline.PriceAsOfFiling"
	if filing.Ticker == "" {
		return models.PricePoint{}, models.NewError(models.ErrNotFound, op, filing.AccessionNumber,
			errors.New("filing has no ticker"))
	}
	if filing.FilingDate.IsZero() {
		return models.PricePoint{}, models.NewError(models.ErrNoPriceData, op, filing.AccessionNumber,
			errors.New("filing has no filing date"))
	}
	return p.prices.PriceAsOf(ctx, filing.Ticker, filing.FilingDate)
}

// ComputeRatios computes the valuation ratios of a report at a price.
func (p *Pipeline) ComputeRatios(report *KPIReport, price models.PricePoint) []models.RatioResult {
	if report == nil {
		return p.calc.ComputeRatios(nil, price)
	}
	return p.calc.ComputeRatios(report.Records, price)
}

// BuildResult assembles the answer for one filing under a fresh run id.
func (p *Pipeline) BuildResult(report *KPIReport, price models.PricePoint, ratios []models.RatioResult) *AnalysisResult {
	return &AnalysisResult{
		RunID:     uuid.NewString(),
		Ticker:    report.Filing.Ticker,
		Filing:    report.Filing,
		Price:     price,
		Records:   report.Records,
		Failures:  report.Failures,
		Warnings:  report.Warnings,
		Checks:    report.Checks,
		Ratios:    ratios,
		Evidence:  evidence.ForRecords(report.Records),
		CreatedAt: p.now().UTC(),
	}
}

// Analyze runs the five operations for the filing opts selects. A missing
// price does not fail the run: the ratios come back unavailable and the
// reason is kept in PriceError.
func (p *Pipeline) Analyze(ctx context.Context, ticker string, opts AnalyzeOptions) (*AnalysisResult, error) {
	result, err := p.analyze(ctx, ticker, opts)
	if err != nil {
		return nil, err
	}
	if err := p.save(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) analyze(ctx context.Context, ticker string, opts AnalyzeOptions) (*AnalysisResult, error) {
	forms := opts.Forms
	if len(forms) == 0 {
		forms = p.forms
	}
	listForms := forms
	if opts.Accession != "" {
		listForms = nil
	}

	filings, err := p.ListFilings(ctx, ticker, listForms, opts.Range)
	if err != nil {
		return nil, err
	}
	filing, err := selectFiling(filings, forms, opts.Accession)
	if err != nil {
		return nil, models.NewError(models.ErrNotFound, "pipeline.Analyze", strings.ToUpper(ticker), err)
	}
	if filing.Ticker == "" {
		filing.Ticker = strings.ToUpper(ticker)
	}

	report, err := p.ExtractKPIs(ctx, filing)
	if err != nil {
		return nil, err
	}

	var priceErr string
	price, err := p.PriceAsOfFiling(ctx, filing)
	if err != nil {
		if errors.Is(err, models.ErrCacheCorruption) || ctx.Err() != nil {
			return nil, err
		}
		p.logger.Warn().Str("ticker", filing.Ticker).Err(err).Msg("No price for filing date")
		priceErr = err.Error()
		price = models.PricePoint{}
	}

	result := p.BuildResult(report, price, p.ComputeRatios(report, price))
	result.PriceError = priceErr
	return result, nil
}

func (p *Pipeline) save(ctx context.Context, result *AnalysisResult) error {
	if p.sink == nil {
		return nil
	}
	if err := p.sink.Save(ctx, result); err != nil {
		return fmt.Errorf("failed to save result %s: %w", result.RunID, err)
	}
	return nil
}

// selectFiling picks the pinned accession, or the latest filing of the first
// preferred form that has one. filings are most recent first.
func selectFiling(filings []models.Filing, forms []string, accession string) (models.Filing, error) {
	if accession != "" {
		for _, f := range filings {
			if f.AccessionNumber == accession {
				return f, nil
			}
		}
		return models.Filing{}, fmt.Errorf("accession %s not listed", accession)
	}
	for _, form := range forms {
		for _, f := range filings {
			if strings.EqualFold(f.FormType, form) {
				return f, nil
			}
		}
	}
	return models.Filing{}, fmt.Errorf("no filings of forms %v", forms)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// documents fetches what the filing offers. A missing document only narrows
// the extraction; throttling, cancellation and cache corruption end it.
func (p *Pipeline) documents(ctx context.Context, filing models.Filing) ([]models.RawDocument, []string, error) {
	var (
		docs  []models.RawDocument
		notes []string
	)

	structured, err := p.filings.FetchDocument(ctx, filing, models.DocStructured)
	switch {
	case err == nil:
		docs = append(docs, structured)
	case missing(err):
		p.logger.Warn().Str("accession", filing.AccessionNumber).Err(err).Msg("Structured document unavailable")
		notes = append(notes, "structured document unavailable")
	default:
		return nil, nil, err
	}

	narrative, err := p.filings.FetchDocument(ctx, filing, models.DocNarrative)
	switch {
	case err == nil:
		docs = append(docs, narrative)
		if err := p.storeMarkdown(narrative); err != nil {
			return nil, nil, err
		}
	case missing(err):
		p.logger.Warn().Str("accession", filing.AccessionNumber).Err(err).Msg("Narrative document unavailable")
		md, mdErr := p.filings.FetchDocument(ctx, filing, models.DocMarkdown)
		switch {
		case mdErr == nil:
			docs = append(docs, md)
			notes = append(notes, "narrative document unavailable, cached markdown rendition used")
		case missing(mdErr):
			notes = append(notes, "narrative document unavailable")
		default:
			return nil, nil, mdErr
		}
	default:
		return nil, nil, err
	}

	if len(docs) == 0 {
		return nil, nil, models.NewError(models.ErrFilingUnavailable, "pipeline.ExtractKPIs", filing.AccessionNumber,
			errors.New("no structured or narrative document"))
	}
	return docs, notes, nil
}

// storeMarkdown keeps a markdown rendition of the narrative document so a
// later run can extract from it when the original cannot be fetched.
func (p *Pipeline) storeMarkdown(narrative models.RawDocument) error {
	if p.cache == nil {
		return nil
	}
	md, err := parse.RenderMarkdown(narrative)
	if err != nil {
		p.logger.Warn().Str("accession", narrative.Filing.AccessionNumber).Err(err).Msg("Markdown rendition failed")
		return nil
	}
	if err := p.cache.PutDocument(md); err != nil {
		if errors.Is(err, models.ErrCacheCorruption) {
			return err
		}
		p.logger.Warn().Str("accession", narrative.Filing.AccessionNumber).Err(err).Msg("Markdown rendition not cached")
	}
	return nil
}

// reportKey addresses a KPI report by the documents it was extracted from and
// the extraction configuration, so a changed document or dictionary never
// serves a stale report.
func (p *Pipeline) reportKey(filing models.Filing, docs []models.RawDocument) cache.Key {
	parts := []string{p.engine.Fingerprint()}
	for _, d := range docs {
		parts = append(parts, string(d.Kind)+"="+d.Hash)
	}
	slices.Sort(parts[1:])
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return cache.Key{
		FilerID:   filing.CIK,
		Accession: filing.AccessionNumber,
		Kind:      models.DocumentKind("kpi_report-" + hex.EncodeToString(sum[:8])),
	}
}

// missing reports whether err means the document does not exist or cannot be
// had. A retryable error is never missing.
func missing(err error) bool {
	if models.IsRetryable(err) {
		return false
	}
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrFilingUnavailable)
}
