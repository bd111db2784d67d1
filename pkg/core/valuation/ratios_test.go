package valuation

import (
	"testing"
	"time"

	"filing_valuation/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ref = models.FilingRef{
		CIK:             "0000320193",
		AccessionNumber: "0000320193-24-000006",
		FormType:        "10-Q",
		PeriodEnd:       time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC),
	}
	price = models.PricePoint{
		Ticker:        "AAPL",
		Date:          time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
		Close:         185.85,
		RequestedDate: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
		Source:        "eodhd",
	}
)

func record(metric models.Metric, period models.PeriodClass, value float64, seq int) models.KPIRecord {
	return models.KPIRecord{
		Metric: metric,
		Value:  value,
		Period: period,
		Filing: ref,
		Sources: []models.Fact{{
			Seq:          seq,
			Label:        string(metric),
			Filing:       ref,
			DocumentKind: models.DocStructured,
			DocumentHash: "abc123",
			Locator:      models.Locator{Kind: models.LocatorByte, Start: int64(seq * 10), End: int64(seq*10 + 5)},
		}},
	}
}

func find(t *testing.T, results []models.RatioResult, name string) models.RatioResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("ratio %s not computed", name)
	return models.RatioResult{}
}

func baseRecords() []models.KPIRecord {
	return []models.KPIRecord{
		record(models.Revenue, models.Quarterly, 119575e6, 1),
		record(models.Revenue, models.TTM, 385706e6, 2),
		record(models.EPSDiluted, models.Quarterly, 2.18, 3),
		record(models.EBITDA, models.TTM, 130000e6, 4),
		record(models.SharesOutstanding, models.Quarterly, 15441881000, 5),
		record(models.TotalDebt, models.Quarterly, 108040e6, 6),
		record(models.Cash, models.Quarterly, 40760e6, 7),
		record(models.StockholdersEquity, models.Quarterly, 74100e6, 8),
	}
}

func TestComputeRatios(t *testing.T) {
	results := NewCalculator().ComputeRatios(baseRecords(), price)
	require.Len(t, results, 7)

	mcap := find(t, results, models.RatioMarketCap)
	assert.Equal(t, models.RatioOK, mcap.Status)
	assert.InDelta(t, 185.85*15441881000, mcap.Value, 1)

	ev := find(t, results, models.RatioEV)
	assert.InDelta(t, 185.85*15441881000+108040e6-40760e6, ev.Value, 1)
	assert.Len(t, ev.Inputs, 3)
	assert.Empty(t, ev.Notes)

	pe := find(t, results, models.RatioPE)
	assert.Equal(t, models.RatioOK, pe.Status)
	assert.InDelta(t, 185.85/2.18, pe.Value, 1e-9)
	assert.Equal(t, models.Quarterly, pe.Basis)
	assert.Contains(t, pe.Notes, "quarterly basis, not annualized")
	assert.Equal(t, price, pe.Price)

	ps := find(t, results, models.RatioPS)
	assert.Equal(t, models.TTM, ps.Basis, "TTM revenue is preferred")
	assert.InDelta(t, 185.85*15441881000/385706e6, ps.Value, 1e-9)
	assert.Empty(t, ps.Notes)

	evEBITDA := find(t, results, models.RatioEVEBITDA)
	assert.InDelta(t, ev.Value/130000e6, evEBITDA.Value, 1e-9)
	assert.Len(t, evEBITDA.Inputs, 4)
	assert.Len(t, evEBITDA.Evidence, 4)

	pb := find(t, results, models.RatioPB)
	assert.InDelta(t, mcap.Value/74100e6, pb.Value, 1e-9)
}

func TestPriceToEarningsZeroEPSIsNotMeaningful(t *testing.T) {
	records := []models.KPIRecord{record(models.EPSDiluted, models.Annual, 0, 1)}
	pe := find(t, NewCalculator().ComputeRatios(records, price), models.RatioPE)

	assert.Equal(t, models.RatioNotMeaningful, pe.Status)
	assert.False(t, pe.HasValue())
	assert.Len(t, pe.Evidence, 1)
}

func TestNegativeEarningsKeepValue(t *testing.T) {
	records := []models.KPIRecord{record(models.EPSDiluted, models.Annual, -1.25, 1)}
	pe := find(t, NewCalculator().ComputeRatios(records, price), models.RatioPE)

	assert.Equal(t, models.RatioNegative, pe.Status)
	assert.True(t, pe.HasValue())
	assert.InDelta(t, 185.85/-1.25, pe.Value, 1e-9)
	assert.Contains(t, pe.Notes, "loss-making: negative EPS_Diluted")
}

func TestNonPositiveDenominatorsAreNotMeaningful(t *testing.T) {
	records := []models.KPIRecord{
		record(models.SharesOutstanding, models.Annual, 1000, 1),
		record(models.EBITDA, models.Annual, -50, 2),
		record(models.Revenue, models.Annual, 0, 3),
	}
	results := NewCalculator().ComputeRatios(records, price)

	assert.Equal(t, models.RatioNotMeaningful, find(t, results, models.RatioEVEBITDA).Status)
	assert.Equal(t, models.RatioNotMeaningful, find(t, results, models.RatioPS).Status)
	assert.Contains(t, find(t, results, models.RatioPS).Notes, "Revenue is not positive")
}

func TestMissingInputsAreUnavailable(t *testing.T) {
	results := NewCalculator().ComputeRatios(nil, price)
	for _, r := range results {
		assert.Equal(t, models.RatioUnavailable, r.Status, r.Name)
		assert.Zero(t, r.Value, r.Name)
		assert.NotEmpty(t, r.Notes, r.Name)
	}

	records := []models.KPIRecord{record(models.SharesOutstanding, models.Annual, 1000, 1)}
	results = NewCalculator().ComputeRatios(records, price)
	ps := find(t, results, models.RatioPS)
	assert.Equal(t, models.RatioUnavailable, ps.Status)
	assert.Contains(t, ps.Notes, "missing Revenue")
	assert.Equal(t, models.RatioOK, find(t, results, models.RatioMarketCap).Status)
}

func TestMissingPriceMakesEverythingUnavailable(t *testing.T) {
	results := NewCalculator().ComputeRatios(baseRecords(), models.PricePoint{})
	for _, r := range results {
		assert.Equal(t, models.RatioUnavailable, r.Status, r.Name)
		assert.Contains(t, r.Notes, "no price", r.Name)
	}
}

func TestEnterpriseValueTreatsMissingDebtAndCashAsZero(t *testing.T) {
	records := []models.KPIRecord{
		record(models.SharesOutstanding, models.Annual, 1000, 1),
		record(models.EBITDA, models.Annual, 500, 2),
	}
	results := NewCalculator().ComputeRatios(records, models.PricePoint{Close: 10})

	ev := find(t, results, models.RatioEV)
	assert.Equal(t, 10000.0, ev.Value)
	assert.Equal(t, []string{"TotalDebt not reported, treated as 0", "Cash not reported, treated as 0"}, ev.Notes)

	evEBITDA := find(t, results, models.RatioEVEBITDA)
	assert.Equal(t, 20.0, evEBITDA.Value)
	assert.Len(t, evEBITDA.Notes, 2)
}

func TestDilutedSharesFallback(t *testing.T) {
	records := []models.KPIRecord{record(models.DilutedShares, models.Quarterly, 2000, 1)}
	mcap := find(t, NewCalculator().ComputeRatios(records, models.PricePoint{Close: 5}), models.RatioMarketCap)

	assert.Equal(t, 10000.0, mcap.Value)
	assert.Equal(t, models.DilutedShares, mcap.Inputs[0].Metric)
	assert.NotEmpty(t, mcap.Notes)
}

func TestCustomBasis(t *testing.T) {
	calc := NewCalculator(models.Quarterly, models.TTM)
	rev, ok := calc.Pick(baseRecords(), models.Revenue)
	require.True(t, ok)
	assert.Equal(t, models.Quarterly, rev.Period)
}
