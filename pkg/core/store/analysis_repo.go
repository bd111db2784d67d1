package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"filing_valuation/pkg/core/pipeline"
	"filing_valuation/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ pipeline.ResultSink = (*AnalysisRepo)(nil)

// AnalysisRepo stores analysis results: the full result as JSONB keyed by run
// ID, plus one row per KPI so values can be queried across runs.
type AnalysisRepo struct {
	pool *pgxpool.Pool
}

// NewAnalysisRepo creates a repository on an open pool.
func NewAnalysisRepo(pool *pgxpool.Pool) *AnalysisRepo {
	return &AnalysisRepo{pool: pool}
}

// RunSummary is one stored run, without its payload.
type RunSummary struct {
	RunID      string
	Ticker     string
	Accession  string
	FormType   string
	PeriodEnd  time.Time
	FilingDate time.Time
	CreatedAt  time.Time
}

// MetricPoint is one stored KPI value and the filing period it belongs to.
type MetricPoint struct {
	RunID     string
	Accession string
	PeriodEnd time.Time
	Value     float64
	Derived   bool
}

// Save upserts a result and replaces its KPI rows in one transaction.
func (r *AnalysisRepo) Save(ctx context.Context, result *pipeline.AnalysisResult) error {
	if r.pool == nil {
		return fmt.Errorf("database pool not configured")
	}

	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	f := result.Filing
	query := `
		INSERT INTO valuation_runs (
			run_id, ticker, cik, accession, form_type, period_end, filing_date, result_json, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id)
		DO UPDATE SET
			result_json = EXCLUDED.result_json,
			created_at = EXCLUDED.created_at
	`
	_, err = tx.Exec(ctx, query,
		result.RunID, result.Ticker, f.CIK, f.AccessionNumber, f.FormType,
		nullDate(f.PeriodEnd), nullDate(f.FilingDate), jsonData, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM kpi_values WHERE run_id = $1", result.RunID); err != nil {
		return fmt.Errorf("failed to clear kpi values: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rec := range result.Records {
		batch.Queue(`
			INSERT INTO kpi_values (run_id, metric, period, value, measure, derived, period_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			result.RunID, string(rec.Metric), string(rec.Period), rec.Value, string(rec.Measure), rec.Derived, nullDate(rec.PeriodEnd),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save kpi values: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// Load retrieves a result by run ID.
func (r *AnalysisRepo) Load(ctx context.Context, runID string) (*pipeline.AnalysisResult, error) {
	return r.loadOne(ctx, runID, `SELECT result_json FROM valuation_runs WHERE run_id = $1`, runID)
}

// Latest retrieves the most recent result for a ticker.
func (r *AnalysisRepo) Latest(ctx context.Context, ticker string) (*pipeline.AnalysisResult, error) {
	return r.loadOne(ctx, ticker, `
		SELECT result_json FROM valuation_runs
		WHERE ticker = $1
		ORDER BY created_at DESC
		LIMIT 1`, ticker)
}

// Previous retrieves the latest result for the ticker's filing before the
// given period end, the baseline a "what changed" comparison runs against.
func (r *AnalysisRepo) Previous(ctx context.Context, ticker string, periodEnd time.Time) (*pipeline.AnalysisResult, error) {
	return r.loadOne(ctx, ticker, `
		SELECT result_json FROM valuation_runs
		WHERE ticker = $1 AND period_end < $2
		ORDER BY period_end DESC, created_at DESC
		LIMIT 1`, ticker, periodEnd)
}

func (r *AnalysisRepo) loadOne(ctx context.Context, subject, query string, args ...any) (*pipeline.AnalysisResult, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("database pool not configured")
	}

	var jsonData []byte
	err := r.pool.QueryRow(ctx, query, args...).Scan(&jsonData)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "load result", subject, err)
		}
		return nil, fmt.Errorf("failed to load result: %w", err)
	}

	var result pipeline.AnalysisResult
	if err := json.Unmarshal(jsonData, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// History lists stored runs for a ticker, newest first.
func (r *AnalysisRepo) History(ctx context.Context, ticker string, limit int) ([]RunSummary, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("database pool not configured")
	}

	query := `
		SELECT run_id, ticker, accession, form_type, period_end, filing_date, created_at
		FROM valuation_runs
		WHERE ticker = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var s RunSummary
		var periodEnd, filingDate *time.Time
		if err := rows.Scan(&s.RunID, &s.Ticker, &s.Accession, &s.FormType, &periodEnd, &filingDate, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		s.PeriodEnd, s.FilingDate = deref(periodEnd), deref(filingDate)
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// MetricSeries returns the stored values of one metric for a ticker,
// one point per filing (the newest run wins), oldest period first.
func (r *AnalysisRepo) MetricSeries(ctx context.Context, ticker string, metric models.Metric, period models.PeriodClass) ([]MetricPoint, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("database pool not configured")
	}

	query := `
		SELECT DISTINCT ON (v.period_end) v.run_id, r.accession, v.period_end, v.value, v.derived
		FROM kpi_values v
		JOIN valuation_runs r ON r.run_id = v.run_id
		WHERE r.ticker = $1 AND v.metric = $2 AND v.period = $3
		ORDER BY v.period_end, r.created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, ticker, string(metric), string(period))
	if err != nil {
		return nil, fmt.Errorf("failed to query metric series: %w", err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		var periodEnd *time.Time
		if err := rows.Scan(&p.RunID, &p.Accession, &periodEnd, &p.Value, &p.Derived); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		p.PeriodEnd = deref(periodEnd)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric series: %w", err)
	}
	return points, nil
}

func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
