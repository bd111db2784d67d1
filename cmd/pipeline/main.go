package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"filing_valuation/pkg/core/cache"
	"filing_valuation/pkg/core/config"
	"filing_valuation/pkg/core/httpx"
	"filing_valuation/pkg/core/ingest"
	"filing_valuation/pkg/core/logging"
	"filing_valuation/pkg/core/market"
	"filing_valuation/pkg/core/pipeline"
	"filing_valuation/pkg/core/store"
	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/models"

	"github.com/fatih/color"
	"github.com/ternarybob/arbor"
)

type options struct {
	tickers   []string
	forms     []string
	accession string
	config    string
	offline   bool
	reportDir string
	html      bool
	compare   bool
	jsonOut   bool
}

func main() {
	opts := parseFlags()

	if err := config.LoadEnv(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(opts.config)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if opts.offline {
		cfg.Offline = true
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		color.Red("Error: %v", err)
		if models.IsRetryable(err) {
			color.Yellow("The upstream throttled the request; retry later.")
		}
		os.Exit(1)
	}
}

func parseFlags() options {
	ticker := flag.String("ticker", "", "Ticker symbol, or a comma-separated list for a peer batch")
	forms := flag.String("form", "", "Form preference, e.g. 10-Q,10-K (default from config)")
	accession := flag.String("accession", "", "Analyze this accession number instead of the latest filing")
	configPath := flag.String("config", "", "Config file (.toml, .yaml)")
	offline := flag.Bool("offline", false, "Serve from caches only")
	reportDir := flag.String("report", "", "Directory to write markdown reports to")
	html := flag.Bool("html", false, "Also write an HTML rendition of each report")
	compare := flag.Bool("compare", true, "Compare KPIs against the previous filing of the same form")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	if *ticker == "" {
		fmt.Fprintln(os.Stderr, "Usage: pipeline -ticker AAPL[,MSFT,...] [-form 10-Q,10-K] [-accession N] [-config file] [-offline] [-report dir] [-html]")
		os.Exit(2)
	}
	if *accession != "" && strings.Contains(*ticker, ",") {
		fmt.Fprintln(os.Stderr, "-accession pins one filing and takes a single ticker")
		os.Exit(2)
	}

	return options{
		tickers:   splitList(*ticker, strings.ToUpper),
		forms:     splitList(*forms, strings.ToUpper),
		accession: *accession,
		config:    *configPath,
		offline:   *offline,
		reportDir: *reportDir,
		html:      *html,
		compare:   *compare,
		jsonOut:   *jsonOut,
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger arbor.ILogger) error {
	fc, err := cache.Open(cfg.Cache.Dir, logger)
	if err != nil {
		return err
	}
	defer fc.Close()

	ps, err := market.OpenPriceStore(cfg.PriceDir(), logger)
	if err != nil {
		return err
	}
	defer ps.Close()

	secHTTP := httpx.NewClient(
		httpx.WithLimiter(httpx.NewHostLimiter(cfg.Edgar.RequestsPerSecond, 1)),
		httpx.WithUserAgent(cfg.Edgar.UserAgent),
		httpx.WithRetryPolicy(cfg.RetryPolicy()),
		httpx.WithTimeout(cfg.Timeout()),
		httpx.WithLogger(logger),
	)
	marketHTTP := httpx.NewClient(
		httpx.WithLimiter(httpx.NewHostLimiter(cfg.Market.RequestsPerSecond, int(cfg.Market.RequestsPerSecond))),
		httpx.WithRetryPolicy(cfg.RetryPolicy()),
		httpx.WithTimeout(cfg.Timeout()),
		httpx.WithLogger(logger),
	)

	edgarOpts := []ingest.Option{
		ingest.WithHTTPClient(secHTTP),
		ingest.WithOffline(cfg.Offline),
		ingest.WithAmendments(cfg.Edgar.IncludeAmendments),
		ingest.WithLogger(logger),
	}
	if cfg.Edgar.SubmissionsURL != "" && cfg.Edgar.ArchivesURL != "" && cfg.Edgar.TickersURL != "" {
		edgarOpts = append(edgarOpts, ingest.WithBaseURLs(cfg.Edgar.SubmissionsURL, cfg.Edgar.ArchivesURL, cfg.Edgar.TickersURL))
	}
	filings := ingest.NewEDGARClient(fc, edgarOpts...)

	if cfg.Market.APIKey == "" && !cfg.Offline {
		logger.Warn().Msg("EODHD_API_KEY not set; prices will come from the local store only")
	}
	prices := market.NewResolver(
		market.NewEODClient(cfg.Market.APIKey,
			market.WithBaseURL(cfg.Market.BaseURL),
			market.WithHTTPClient(marketHTTP),
			market.WithClientLogger(logger),
		),
		ps,
		market.WithLookback(cfg.Lookback()),
		market.WithOffline(cfg.Offline || cfg.Market.APIKey == ""),
		market.WithLogger(logger),
	)

	dict := synonym.Default()
	if cfg.Extraction.SynonymsFile != "" {
		if dict, err = synonym.LoadWithOverrides(cfg.Extraction.SynonymsFile); err != nil {
			return fmt.Errorf("failed to load synonyms: %w", err)
		}
	}
	policy, err := cfg.TieBreakPolicy()
	if err != nil {
		return err
	}
	targets, err := cfg.TargetMetrics()
	if err != nil {
		return err
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithCache(fc),
		pipeline.WithDictionary(dict),
		pipeline.WithPolicy(policy),
		pipeline.WithFormPreference(cfg.Pipeline.Forms),
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
		pipeline.WithLogger(logger),
	}
	if len(targets) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithTargets(targets))
	}
	if cfg.Store.DatabaseURL != "" && !cfg.Offline {
		pool, err := store.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, pipeline.WithSink(store.NewAnalysisRepo(pool)))
	}
	p := pipeline.New(filings, prices, pipeOpts...)

	analyzeOpts := pipeline.AnalyzeOptions{Forms: opts.forms, Accession: opts.accession}

	var results []*pipeline.AnalysisResult
	var batch *pipeline.BatchResult
	if len(opts.tickers) == 1 {
		result, err := p.Analyze(ctx, opts.tickers[0], analyzeOpts)
		if err != nil {
			return err
		}
		results = append(results, result)
	} else {
		batch, err = p.AnalyzeMany(ctx, opts.tickers, analyzeOpts)
		if err != nil {
			return err
		}
		results = batch.Results
	}

	if opts.jsonOut {
		var v any = results
		if batch != nil {
			v = batch
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	for _, result := range results {
		var deltas []pipeline.Delta
		if opts.compare {
			deltas = compareWithPrevious(ctx, p, result, logger)
		}
		printResult(result, deltas)
		if opts.reportDir != "" {
			if err := writeReport(opts.reportDir, opts.html, result, deltas); err != nil {
				return err
			}
		}
	}
	if batch != nil {
		printBatch(batch)
	}
	return nil
}

// compareWithPrevious diffs a result against the previous filing of the same
// form. Any failure only drops the comparison.
func compareWithPrevious(ctx context.Context, p *pipeline.Pipeline, result *pipeline.AnalysisResult, logger arbor.ILogger) []pipeline.Delta {
	previous, err := p.PreviousReport(ctx, result.Filing)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Warn().Str("ticker", result.Ticker).Err(err).Msg("Previous filing comparison skipped")
		}
		return nil
	}
	current := &pipeline.KPIReport{Filing: result.Filing, Records: result.Records}
	return pipeline.Deltas(current, previous)
}

func writeReport(dir string, html bool, result *pipeline.AnalysisResult, deltas []pipeline.Delta) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%s_%s", result.Ticker, result.Filing.AccessionNumber))

	markdown := pipeline.RenderReport(result, deltas)
	if err := os.WriteFile(base+".md", []byte(markdown), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	color.Green("✓ Report written to %s.md", base)

	if html {
		out, err := pipeline.ReportHTML(markdown)
		if err != nil {
			return err
		}
		if err := os.WriteFile(base+".html", out, 0644); err != nil {
			return fmt.Errorf("failed to write html report: %w", err)
		}
		color.Green("✓ Report written to %s.html", base)
	}
	return nil
}

func printResult(result *pipeline.AnalysisResult, deltas []pipeline.Delta) {
	f := result.Filing
	header := color.New(color.FgCyan, color.Bold)
	header.Printf("\n%s  %s\n", result.Ticker, f.CompanyName)
	fmt.Printf("%s %s  period %s  filed %s\n", f.FormType, f.AccessionNumber,
		f.PeriodEnd.Format("2006-01-02"), f.FilingDate.Format("2006-01-02"))

	if result.Price.Close > 0 {
		fmt.Printf("Price: $%.2f on %s\n", result.Price.Close, result.Price.Date.Format("2006-01-02"))
	} else {
		color.Yellow("Price: unavailable (%s)", result.PriceError)
	}

	header.Println("\nValuation")
	for _, r := range result.Ratios {
		switch {
		case r.Status == models.RatioOK:
			fmt.Printf("  %-10s %s\n", r.Name, color.GreenString("%.2f", r.Value))
		case r.HasValue():
			fmt.Printf("  %-10s %s\n", r.Name, color.YellowString("%.2f (%s)", r.Value, r.Status))
		default:
			fmt.Printf("  %-10s %s\n", r.Name, color.HiBlackString("n/a (%s)", strings.Join(r.Notes, "; ")))
		}
	}
	for _, ip := range result.Implied {
		fmt.Printf("  %-10s implied $%.2f - $%.2f\n", ip.Multiple, ip.Low, ip.High)
	}

	header.Println("\nKPIs")
	for _, r := range result.Records {
		marker := ""
		if r.Derived {
			marker = color.HiBlackString(" (derived)")
		}
		if r.Audit.TieBroken {
			marker += color.YellowString(" (tie-broken)")
		}
		fmt.Printf("  %-26s %-10s %18.2f%s\n", r.Metric, r.Period, r.Value, marker)
	}

	if len(deltas) > 0 {
		header.Println("\nWhat changed")
		for _, d := range deltas {
			if d.PercentChange == nil || d.New() {
				continue
			}
			pct := *d.PercentChange
			line := color.GreenString("%+.1f%%", pct)
			if pct < 0 {
				line = color.RedString("%+.1f%%", pct)
			}
			fmt.Printf("  %-26s %-10s %s\n", d.Metric, d.Period, line)
		}
	}

	for _, fl := range result.Failures {
		color.HiBlack("  not reported: %s %s (%s)", fl.Metric, fl.Period, fl.Reason)
	}
	for _, w := range result.Warnings {
		color.Yellow("  warning: %s", w)
	}
	fmt.Printf("\n%d evidence items, run %s\n", len(result.Evidence), result.RunID)
}

func printBatch(batch *pipeline.BatchResult) {
	header := color.New(color.FgCyan, color.Bold)
	if len(batch.PeerRanges) > 0 {
		header.Println("\nPeer ranges")
		for _, r := range batch.PeerRanges {
			fmt.Printf("  %-10s low %.2f  median %.2f  high %.2f  (n=%d)\n", r.Name, r.Low, r.Median, r.High, r.Count)
		}
	}
	for _, fl := range batch.Failures {
		msg := fmt.Sprintf("✗ %s: %s", fl.Ticker, fl.Error)
		if fl.Retryable {
			msg += " (retryable)"
		}
		color.Red("%s", msg)
	}
}

func splitList(s string, norm func(string) string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, norm(part))
		}
	}
	return out
}
