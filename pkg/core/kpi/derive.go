package kpi

import (
	"math"
	"slices"

	"filing_valuation/pkg/models"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Derived metrics
// ============================================================================

// formula computes one derived metric from records already in the slot map.
type formula struct {
	metric  models.Metric
	text    []string // one per input alternative
	measure models.Measure
	inputs  [][]models.Metric // alternatives, the first complete one is used
	compute func(v map[models.Metric]decimal.Decimal) (decimal.Decimal, bool)
}

var formulas = []formula{
	{
		metric:  models.GrossProfit,
		text:    []string{"Revenue - CostOfRevenue"},
		measure: models.MeasureCurrency,
		inputs:  [][]models.Metric{{models.Revenue, models.CostOfRevenue}},
		compute: func(v map[models.Metric]decimal.Decimal) (decimal.Decimal, bool) {
			return v[models.Revenue].Sub(v[models.CostOfRevenue]), true
		},
	},
	{
		metric:  models.EBITDA,
		text:    []string{"OperatingIncome + DepreciationAmortization", "OperatingIncome + Depreciation + Amortization"},
		measure: models.MeasureCurrency,
		inputs: [][]models.Metric{
			{models.OperatingIncome, models.DepreciationAmortization},
			{models.OperatingIncome, models.Depreciation, models.Amortization},
		},
		compute: func(v map[models.Metric]decimal.Decimal) (decimal.Decimal, bool) {
			total := v[models.OperatingIncome]
			for _, m := range []models.Metric{models.DepreciationAmortization, models.Depreciation, models.Amortization} {
				if d, ok := v[m]; ok {
					total = total.Add(d.Abs())
				}
			}
			return total, true
		},
	},
	{
		metric:  models.FreeCashFlow,
		text:    []string{"OperatingCashFlow - |CapitalExpenditures|"},
		measure: models.MeasureCurrency,
		inputs:  [][]models.Metric{{models.OperatingCashFlow, models.CapitalExpenditures}},
		compute: func(v map[models.Metric]decimal.Decimal) (decimal.Decimal, bool) {
			return v[models.OperatingCashFlow].Sub(v[models.CapitalExpenditures].Abs()), true
		},
	},
	marginFormula(models.GrossMargin, models.GrossProfit, "GrossProfit / Revenue"),
	marginFormula(models.OperatingMargin, models.OperatingIncome, "OperatingIncome / Revenue"),
	marginFormula(models.NetMargin, models.NetIncome, "NetIncome / Revenue"),
}

// marginFormula divides by revenue, which must be positive.
func marginFormula(metric, numerator models.Metric, text string) formula {
	return formula{
		metric:  metric,
		text:    []string{text},
		measure: models.MeasurePure,
		inputs:  [][]models.Metric{{numerator, models.Revenue}},
		compute: func(v map[models.Metric]decimal.Decimal) (decimal.Decimal, bool) {
			rev := v[models.Revenue]
			if !rev.IsPositive() {
				return decimal.Zero, false
			}
			return v[numerator].DivRound(rev, 8), true
		},
	}
}

// derive fills derived metrics for every period class present. A reported
// value always takes precedence over a computed one. Formulas run in order,
// so GrossProfit computed here feeds GrossMargin.
func (e *Engine) derive(records map[models.SlotKey]models.KPIRecord, filing models.Filing) {
	for _, period := range []models.PeriodClass{models.Quarterly, models.Annual, models.TTM} {
		for _, f := range formulas {
			key := models.SlotKey{Accession: filing.AccessionNumber, Metric: f.metric, Period: period}
			if _, reported := records[key]; reported {
				continue
			}
			alt, inputs := firstComplete(records, f.inputs, filing.AccessionNumber, period)
			if alt < 0 {
				continue
			}
			values := make(map[models.Metric]decimal.Decimal, len(inputs))
			for _, in := range inputs {
				values[in.Metric] = decimal.NewFromFloat(in.Value)
			}
			v, ok := f.compute(values)
			if !ok {
				continue
			}
			records[key] = derivedRecord(f.metric, f.text[alt], f.measure, period, filing, v, inputs)
		}
	}
}

// firstComplete returns the index and records of the first input alternative
// fully present in the period, or -1.
func firstComplete(records map[models.SlotKey]models.KPIRecord, alternatives [][]models.Metric, accession string, period models.PeriodClass) (int, []models.KPIRecord) {
	for i, metrics := range alternatives {
		inputs := make([]models.KPIRecord, 0, len(metrics))
		for _, m := range metrics {
			rec, ok := records[models.SlotKey{Accession: accession, Metric: m, Period: period}]
			if !ok {
				break
			}
			inputs = append(inputs, rec)
		}
		if len(inputs) == len(metrics) {
			return i, inputs
		}
	}
	return -1, nil
}

func derivedRecord(metric models.Metric, text string, measure models.Measure, period models.PeriodClass, filing models.Filing, v decimal.Decimal, inputs []models.KPIRecord) models.KPIRecord {
	rec := models.KPIRecord{
		Metric:      metric,
		Value:       v.InexactFloat64(),
		Measure:     measure,
		Period:      period,
		PeriodStart: inputs[0].PeriodStart,
		PeriodEnd:   inputs[0].PeriodEnd,
		Filing:      filing.Ref(),
		Derived:     true,
		Formula:     text,
	}
	seen := make(map[string]bool)
	for _, in := range inputs {
		rec.Audit.Candidates += len(in.Sources)
		rec.Audit.Fuzzy = rec.Audit.Fuzzy || in.Audit.Fuzzy
		for _, src := range in.Sources {
			if seen[src.ID()] {
				continue
			}
			seen[src.ID()] = true
			rec.Sources = append(rec.Sources, src)
		}
	}
	if slices.ContainsFunc(inputs[1:], func(in models.KPIRecord) bool {
		return !in.PeriodEnd.Equal(inputs[0].PeriodEnd)
	}) {
		rec.Audit.Notes = append(rec.Audit.Notes, "inputs end on different dates")
	}
	return rec
}

// ============================================================================
// Sanity checks
// ============================================================================

// maxOperatingMargin is the operating margin above which a report is flagged.
const maxOperatingMargin = 0.7

// sanityWarnings flags values that are unlikely to be right, without
// dropping them.
func sanityWarnings(records []models.KPIRecord) []string {
	var out []string
	for _, period := range []models.PeriodClass{models.Quarterly, models.Annual, models.TTM} {
		rev, hasRev := Find(records, models.Revenue, period)
		ni, hasNI := Find(records, models.NetIncome, period)
		if hasRev && hasNI && rev.Value > 0 && ni.Value > rev.Value {
			out = append(out, string(period)+" net income exceeds revenue")
		}
		if om, ok := Find(records, models.OperatingMargin, period); ok && om.Value > maxOperatingMargin {
			out = append(out, string(period)+" operating margin above "+formatPercent(maxOperatingMargin))
		}
	}
	return out
}

func formatPercent(v float64) string {
	return decimal.NewFromFloat(math.Round(v*100)).String() + "%"
}
