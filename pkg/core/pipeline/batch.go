package pipeline

import (
	"context"
	"errors"
	"strings"

	"filing_valuation/pkg/core/valuation"
	"filing_valuation/pkg/models"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of AnalyzeMany. Tickers that failed are listed in
// Failures; the others carry implied prices from the rest of the batch.
type BatchResult struct {
	Results    []*AnalysisResult     `json:"results"`
	Failures   []TickerFailure       `json:"failures,omitempty"`
	PeerRanges []valuation.PeerRange `json:"peer_ranges,omitempty"`
}

// TickerFailure is a ticker AnalyzeMany could not analyze.
type TickerFailure struct {
	Ticker    string `json:"ticker"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// AnalyzeMany analyzes several tickers concurrently, at most the configured
// concurrency at a time, all sharing the same rate limiters and caches.
// One ticker failing does not stop the others; cache corruption or
// cancellation stops the batch.
func (p *Pipeline) AnalyzeMany(ctx context.Context, tickers []string, opts AnalyzeOptions) (*BatchResult, error) {
	results := make([]*AnalysisResult, len(tickers))
	errs := make([]error, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, ticker := range tickers {
		g.Go(func() error {
			res, err := p.analyze(gctx, ticker, opts)
			if err != nil {
				if errors.Is(err, models.ErrCacheCorruption) {
					return err
				}
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := &BatchResult{}
	for i, ticker := range tickers {
		if errs[i] != nil {
			p.logger.Warn().Str("ticker", ticker).Err(errs[i]).Msg("Ticker analysis failed")
			batch.Failures = append(batch.Failures, TickerFailure{
				Ticker:    strings.ToUpper(ticker),
				Error:     errs[i].Error(),
				Retryable: models.IsRetryable(errs[i]),
			})
			continue
		}
		batch.Results = append(batch.Results, results[i])
	}

	batch.PeerRanges = valuation.PeerRanges(peerMultiples(batch.Results, ""))
	for _, res := range batch.Results {
		ranges := valuation.PeerRanges(peerMultiples(batch.Results, res.RunID))
		res.Implied = p.calc.ImpliedPrices(res.Records, ranges)
	}

	for _, res := range batch.Results {
		if err := p.save(ctx, res); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Int("tickers", len(tickers)).
		Int("analyzed", len(batch.Results)).
		Int("failed", len(batch.Failures)).
		Msg("Batch complete")
	return batch, nil
}

// peerMultiples collects the ratios of every result except the one with runID.
func peerMultiples(results []*AnalysisResult, runID string) []valuation.PeerMultiples {
	var out []valuation.PeerMultiples
	for _, res := range results {
		if res.RunID == runID {
			continue
		}
		out = append(out, valuation.PeerMultiples{Ticker: res.Ticker, Ratios: res.Ratios})
	}
	return out
}
