// Package valuation combines KPI records and a point-in-time price into
// valuation multiples, and derives peer ranges from batches of results.
package valuation

import (
	"fmt"

	"filing_valuation/pkg/core/evidence"
	"filing_valuation/pkg/models"

	"github.com/shopspring/decimal"
)

// DefaultBasis is the period preference for flow metrics.
var DefaultBasis = []models.PeriodClass{models.TTM, models.Annual, models.Quarterly}

// Calculator computes valuation ratios. It holds no state besides its basis
// preference and is safe for concurrent use.
type Calculator struct {
	basis []models.PeriodClass
}

// NewCalculator creates a calculator with the given period preference
// (DefaultBasis when empty).
func NewCalculator(basis ...models.PeriodClass) *Calculator {
	if len(basis) == 0 {
		basis = DefaultBasis
	}
	return &Calculator{basis: basis}
}

// ComputeRatios derives MarketCap, EnterpriseValue, P/E, P/S, EV/EBITDA,
// EV/Revenue and P/B. A missing input makes a ratio unavailable; a zero or
// negative denominator makes it not meaningful. A negative P/E is kept and
// labelled.
func (c *Calculator) ComputeRatios(records []models.KPIRecord, price models.PricePoint) []models.RatioResult {
	in := inputs{calc: c, records: records, price: price}

	mcap := in.marketCap()
	ev := in.enterpriseValue(mcap)

	results := []models.RatioResult{
		mcap.result(models.RatioMarketCap, "price x shares", price),
		ev.result(models.RatioEV, "market cap + TotalDebt - Cash", price),
		in.priceToEarnings(),
		in.multiple(models.RatioPS, "market cap / Revenue", mcap, models.Revenue),
		in.multiple(models.RatioEVEBITDA, "enterprise value / EBITDA", ev, models.EBITDA),
		in.multiple(models.RatioEVRevenue, "enterprise value / Revenue", ev, models.Revenue),
		in.multiple(models.RatioPB, "market cap / StockholdersEquity", mcap, models.StockholdersEquity),
	}
	for i := range results {
		results[i].Evidence = evidence.ForRatio(results[i])
	}
	return results
}

// Pick returns the record for metric under the calculator's basis preference.
func (c *Calculator) Pick(records []models.KPIRecord, metric models.Metric) (models.KPIRecord, bool) {
	for _, period := range c.basis {
		for _, r := range records {
			if r.Metric == metric && r.Period == period {
				return r, true
			}
		}
	}
	return models.KPIRecord{}, false
}

// ============================================================================
// Inputs
// ============================================================================

type inputs struct {
	calc    *Calculator
	records []models.KPIRecord
	price   models.PricePoint
}

// amount is an intermediate money value with the records it came from.
type amount struct {
	value   decimal.Decimal
	ok      bool
	basis   models.PeriodClass
	inputs  []models.KPIRecord
	notes   []string
	missing string
}

func (a amount) result(name, formula string, price models.PricePoint) models.RatioResult {
	res := models.RatioResult{Name: name, Formula: formula, Price: price, Basis: a.basis, Inputs: a.inputs, Notes: a.notes}
	if !a.ok {
		res.Status = models.RatioUnavailable
		res.Notes = append(res.Notes, a.missing)
		return res
	}
	res.Value = a.value.InexactFloat64()
	res.Status = models.RatioOK
	if a.value.IsNegative() {
		res.Status = models.RatioNegative
	}
	return res
}

func (in inputs) hasPrice() bool {
	return in.price.Close > 0
}

func (in inputs) shares() (models.KPIRecord, bool) {
	if r, ok := in.calc.Pick(in.records, models.SharesOutstanding); ok && r.Value > 0 {
		return r, true
	}
	if r, ok := in.calc.Pick(in.records, models.DilutedShares); ok && r.Value > 0 {
		return r, true
	}
	return models.KPIRecord{}, false
}

func (in inputs) marketCap() amount {
	if !in.hasPrice() {
		return amount{missing: "no price"}
	}
	shares, ok := in.shares()
	if !ok {
		return amount{missing: "missing SharesOutstanding and DilutedShares"}
	}
	a := amount{
		value:  decimal.NewFromFloat(in.price.Close).Mul(decimal.NewFromFloat(shares.Value)),
		ok:     true,
		basis:  shares.Period,
		inputs: []models.KPIRecord{shares},
	}
	if shares.Metric == models.DilutedShares {
		a.notes = append(a.notes, "weighted diluted shares used, shares outstanding not reported")
	}
	return a
}

// enterpriseValue adds debt and subtracts cash. Either one missing counts as
// zero, with a note.
func (in inputs) enterpriseValue(mcap amount) amount {
	if !mcap.ok {
		return mcap
	}
	ev := amount{value: mcap.value, ok: true, basis: mcap.basis, inputs: append([]models.KPIRecord{}, mcap.inputs...), notes: append([]string{}, mcap.notes...)}
	if debt, ok := in.calc.Pick(in.records, models.TotalDebt); ok {
		ev.value = ev.value.Add(decimal.NewFromFloat(debt.Value))
		ev.inputs = append(ev.inputs, debt)
	} else {
		ev.notes = append(ev.notes, "TotalDebt not reported, treated as 0")
	}
	if cash, ok := in.calc.Pick(in.records, models.Cash); ok {
		ev.value = ev.value.Sub(decimal.NewFromFloat(cash.Value))
		ev.inputs = append(ev.inputs, cash)
	} else {
		ev.notes = append(ev.notes, "Cash not reported, treated as 0")
	}
	return ev
}

// ============================================================================
// Ratios
// ============================================================================

// priceToEarnings is price / EPS_Diluted. Negative EPS keeps its value.
func (in inputs) priceToEarnings() models.RatioResult {
	res := models.RatioResult{Name: models.RatioPE, Formula: "price / EPS_Diluted", Price: in.price}
	if !in.hasPrice() {
		return unavailable(res, "no price")
	}
	eps, ok := in.calc.Pick(in.records, models.EPSDiluted)
	if !ok {
		return unavailable(res, "missing EPS_Diluted")
	}
	res.Inputs = []models.KPIRecord{eps}
	res.Basis = eps.Period
	res.Notes = basisNotes(eps.Period)

	d := decimal.NewFromFloat(eps.Value)
	if d.IsZero() {
		res.Status = models.RatioNotMeaningful
		res.Notes = append(res.Notes, "EPS_Diluted is zero")
		return res
	}
	res.Value = decimal.NewFromFloat(in.price.Close).Div(d).InexactFloat64()
	res.Status = models.RatioOK
	if d.IsNegative() {
		res.Status = models.RatioNegative
		res.Notes = append(res.Notes, "loss-making: negative EPS_Diluted")
	}
	return res
}

// multiple divides a money amount by a reported metric, which must be positive.
func (in inputs) multiple(name, formula string, num amount, metric models.Metric) models.RatioResult {
	res := models.RatioResult{Name: name, Formula: formula, Price: in.price}
	if !num.ok {
		return unavailable(res, num.missing)
	}
	den, ok := in.calc.Pick(in.records, metric)
	if !ok {
		res.Inputs = num.inputs
		return unavailable(res, "missing "+string(metric))
	}
	res.Inputs = append(append([]models.KPIRecord{}, num.inputs...), den)
	res.Basis = den.Period
	res.Notes = append(append([]string{}, num.notes...), basisNotes(den.Period)...)

	d := decimal.NewFromFloat(den.Value)
	if !d.IsPositive() {
		res.Status = models.RatioNotMeaningful
		res.Notes = append(res.Notes, fmt.Sprintf("%s is not positive", metric))
		return res
	}
	res.Value = num.value.Div(d).InexactFloat64()
	res.Status = models.RatioOK
	if res.Value < 0 {
		res.Status = models.RatioNegative
	}
	return res
}

func unavailable(res models.RatioResult, reason string) models.RatioResult {
	res.Status = models.RatioUnavailable
	res.Value = 0
	res.Notes = append(res.Notes, reason)
	return res
}

func basisNotes(period models.PeriodClass) []string {
	if period == models.Quarterly {
		return []string{"quarterly basis, not annualized"}
	}
	return nil
}
