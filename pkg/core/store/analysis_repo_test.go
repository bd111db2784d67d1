package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"filing_valuation/pkg/core/pipeline"
	"filing_valuation/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openRepo connects to DATABASE_URL; tests that need Postgres skip without it.
func openRepo(t *testing.T) *AnalysisRepo {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return NewAnalysisRepo(pool)
}

func result(ticker string, periodEnd time.Time, revenue float64) *pipeline.AnalysisResult {
	return &pipeline.AnalysisResult{
		RunID:  uuid.NewString(),
		Ticker: ticker,
		Filing: models.Filing{
			CIK: "320193", Ticker: ticker, FormType: "10-Q",
			AccessionNumber: "0000320193-" + uuid.NewString()[:8],
			PeriodEnd:       periodEnd,
			FilingDate:      periodEnd.AddDate(0, 1, 0),
		},
		Records: []models.KPIRecord{
			{Metric: models.Revenue, Period: models.Quarterly, Measure: models.MeasureCurrency, Value: revenue, PeriodEnd: periodEnd},
			{Metric: models.EBITDA, Period: models.Quarterly, Measure: models.MeasureCurrency, Value: revenue / 4, PeriodEnd: periodEnd, Derived: true},
		},
		Ratios:    []models.RatioResult{{Name: models.RatioPE, Value: 25, Status: models.RatioOK}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAnalysisRepoRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	ticker := "T" + uuid.NewString()[:6]

	older := result(ticker, time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC), 800)
	newer := result(ticker, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), 1000)
	newer.CreatedAt = older.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Save(ctx, older))
	require.NoError(t, repo.Save(ctx, newer))

	loaded, err := repo.Load(ctx, older.RunID)
	require.NoError(t, err)
	assert.Equal(t, older.Records[0].Value, loaded.Records[0].Value)
	assert.Equal(t, older.Filing.AccessionNumber, loaded.Filing.AccessionNumber)

	latest, err := repo.Latest(ctx, ticker)
	require.NoError(t, err)
	assert.Equal(t, newer.RunID, latest.RunID)

	prev, err := repo.Previous(ctx, ticker, newer.Filing.PeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, older.RunID, prev.RunID)

	runs, err := repo.History(ctx, ticker, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.RunID, runs[0].RunID)
	assert.Equal(t, newer.Filing.PeriodEnd, runs[0].PeriodEnd)

	series, err := repo.MetricSeries(ctx, ticker, models.Revenue, models.Quarterly)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 800.0, series[0].Value)
	assert.Equal(t, 1000.0, series[1].Value)
}

func TestAnalysisRepoSaveReplacesKPIRows(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	ticker := "T" + uuid.NewString()[:6]

	r := result(ticker, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), 1000)
	require.NoError(t, repo.Save(ctx, r))
	r.Records = r.Records[:1]
	r.Records[0].Value = 1100
	require.NoError(t, repo.Save(ctx, r))

	series, err := repo.MetricSeries(ctx, ticker, models.EBITDA, models.Quarterly)
	require.NoError(t, err)
	assert.Empty(t, series)

	series, err = repo.MetricSeries(ctx, ticker, models.Revenue, models.Quarterly)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 1100.0, series[0].Value)
}

func TestAnalysisRepoNotFound(t *testing.T) {
	repo := openRepo(t)
	_, err := repo.Load(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUnconfiguredRepo(t *testing.T) {
	repo := NewAnalysisRepo(nil)
	assert.Error(t, repo.Save(context.Background(), &pipeline.AnalysisResult{}))
	_, err := repo.Latest(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "")
	assert.Error(t, err)
}

func TestNullDate(t *testing.T) {
	assert.Nil(t, nullDate(time.Time{}))
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, d, *nullDate(d))
	assert.Equal(t, d, deref(&d))
	assert.True(t, deref(nil).IsZero())
}
