// Package kpi maps parsed facts onto the canonical metric taxonomy: one
// record per (filing, metric, period class), with the candidates it was
// chosen from kept for audit.
package kpi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/models"

	"github.com/shopspring/decimal"
)

// Period windows, in days, for classifying duration facts.
const (
	QuarterMinDays = 80
	QuarterMaxDays = 100
	YearMinDays    = 350
	YearMaxDays    = 380

	// contiguityDays is the largest gap between two quarters still treated as adjacent.
	contiguityDays = 4
)

// DefaultTargets are the metrics a report is expected to carry. Missing ones
// are reported as failures.
var DefaultTargets = []models.Metric{
	models.Revenue, models.CostOfRevenue, models.GrossProfit, models.OperatingIncome,
	models.NetIncome, models.EPSDiluted, models.EPSBasic, models.EBITDA,
	models.ResearchDevelopment, models.SGA, models.OperatingCashFlow,
	models.CapitalExpenditures, models.FreeCashFlow, models.SharesOutstanding,
	models.DilutedShares, models.TotalDebt, models.Cash, models.StockholdersEquity,
	models.GrossMargin, models.OperatingMargin, models.NetMargin,
}

// Result is the outcome of one extraction. Partial results are normal.
type Result struct {
	Records  []models.KPIRecord     `json:"records"`
	Failures []models.MetricFailure `json:"failures"`
	Warnings []string               `json:"warnings,omitempty"`
	Checks   []Checkpoint           `json:"checks,omitempty"`
}

// Find returns the record for a metric and period class.
func (r Result) Find(metric models.Metric, period models.PeriodClass) (models.KPIRecord, bool) {
	return Find(r.Records, metric, period)
}

// Find returns the record for a metric and period class.
func Find(records []models.KPIRecord, metric models.Metric, period models.PeriodClass) (models.KPIRecord, bool) {
	for _, r := range records {
		if r.Metric == metric && r.Period == period {
			return r, true
		}
	}
	return models.KPIRecord{}, false
}

// Engine extracts KPI records from facts. Pure and safe for concurrent use.
type Engine struct {
	dict    *synonym.Dictionary
	policy  Policy
	targets []models.Metric
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the tie-break policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithTargets sets the metrics whose absence is reported as a failure.
func WithTargets(metrics []models.Metric) Option {
	return func(e *Engine) {
		e.targets = metrics
	}
}

// NewEngine creates an engine over dict (the embedded default when nil).
func NewEngine(dict *synonym.Dictionary, opts ...Option) *Engine {
	if dict == nil {
		dict = synonym.Default()
	}
	e := &Engine{dict: dict, policy: DefaultPolicy, targets: DefaultTargets}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the tie-break policy in use.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Fingerprint identifies everything besides the facts that decides the
// engine's output: dictionary, policy and targets.
func (e *Engine) Fingerprint() string {
	targets := make([]string, len(e.targets))
	for i, m := range e.targets {
		targets[i] = string(m)
	}
	sum := sha256.Sum256([]byte(e.dict.Fingerprint() + "|" + e.policy.Name + "|" + strings.Join(targets, ",")))
	return hex.EncodeToString(sum[:])
}

// Extract builds the records of one filing from its facts.
func (e *Engine) Extract(facts []models.Fact, filing models.Filing) Result {
	return e.ExtractLayered([][]models.Fact{facts}, filing)
}

// ExtractLayered extracts from several fact sources in priority order: a
// slot filled (or found ambiguous) by an earlier layer is never touched by a
// later one. Reported totals are checked against their components before
// derived metrics fill the gaps; failures and warnings are computed on the
// merged records.
func (e *Engine) ExtractLayered(layers [][]models.Fact, filing models.Filing) Result {
	records := make(map[models.SlotKey]models.KPIRecord)
	ambiguous := make(map[models.SlotKey]string)

	for _, facts := range layers {
		picked, unclear := e.selectRecords(facts, filing)
		for key, rec := range picked {
			if _, taken := records[key]; taken {
				continue
			}
			if _, blocked := ambiguous[key]; blocked {
				continue
			}
			records[key] = rec
		}
		for key, reason := range unclear {
			if _, taken := records[key]; taken {
				continue
			}
			if _, seen := ambiguous[key]; !seen {
				ambiguous[key] = reason
			}
		}
	}

	checks := verifyIntegrity(records, filing)
	e.derive(records, filing)

	res := Result{Records: sortedRecords(records), Checks: checks}
	res.Failures = e.failures(records, ambiguous, filing)
	res.Warnings = append(sanityWarnings(res.Records), mismatchWarnings(checks)...)
	return res
}

// selectRecords groups one layer's facts into slots and resolves each slot.
func (e *Engine) selectRecords(facts []models.Fact, filing models.Filing) (map[models.SlotKey]models.KPIRecord, map[models.SlotKey]string) {
	slots := make(map[models.SlotKey][]Candidate)
	quarters := make(map[models.Metric][]Candidate)

	for _, f := range facts {
		if f.Dimensional {
			continue
		}
		match, ok := e.match(f)
		if !ok {
			continue
		}
		c := Candidate{Fact: f, Metric: match.Metric, Match: match, Normalized: normalize(f)}

		if d := f.DurationDays(); !f.IsInstant() && d >= QuarterMinDays && d <= QuarterMaxDays {
			quarters[c.Metric] = append(quarters[c.Metric], c)
		}
		period, ok := classify(f, filing)
		if !ok {
			continue
		}
		c.Period = period
		key := models.SlotKey{Accession: filing.AccessionNumber, Metric: c.Metric, Period: period}
		slots[key] = append(slots[key], c)
	}

	records := make(map[models.SlotKey]models.KPIRecord)
	ambiguous := make(map[models.SlotKey]string)
	for key, cands := range slots {
		rec, reason, ok := e.resolve(cands, filing)
		if !ok {
			ambiguous[key] = reason
			continue
		}
		records[key] = rec
	}

	if !filing.IsAnnual() {
		for metric, qs := range quarters {
			key := models.SlotKey{Accession: filing.AccessionNumber, Metric: metric, Period: models.TTM}
			if _, direct := records[key]; direct || !e.dict.Summable(metric) {
				continue
			}
			if _, blocked := ambiguous[key]; blocked {
				continue
			}
			if rec, ok := e.trailingTwelveMonths(metric, qs, filing); ok {
				records[key] = rec
			}
		}
	}
	return records, ambiguous
}

// match resolves a fact to a metric: XBRL concepts by tag, table rows by label.
func (e *Engine) match(f models.Fact) (synonym.Match, bool) {
	if f.Tag != "" {
		return e.dict.MatchTag(f.Tag)
	}
	return e.dict.MatchLabel(f.Label)
}

// classify buckets a fact against the filing's period end. Durations must end
// on the period end; instants may also fall between the period end and the
// filing date, where cover-page share counts sit.
func classify(f models.Fact, filing models.Filing) (models.PeriodClass, bool) {
	natural := models.Quarterly
	if filing.IsAnnual() {
		natural = models.Annual
	}

	if f.IsInstant() {
		if sameDay(f.PeriodEnd, filing.PeriodEnd) {
			return natural, true
		}
		if f.PeriodEnd.After(filing.PeriodEnd) && (filing.FilingDate.IsZero() || !f.PeriodEnd.After(filing.FilingDate)) {
			return natural, true
		}
		return "", false
	}

	if !sameDay(f.PeriodEnd, filing.PeriodEnd) {
		return "", false
	}
	switch d := f.DurationDays(); {
	case d >= QuarterMinDays && d <= QuarterMaxDays:
		return models.Quarterly, true
	case d >= YearMinDays && d <= YearMaxDays:
		if filing.IsAnnual() {
			return models.Annual, true
		}
		return models.TTM, true
	}
	return "", false
}

// resolve picks the winner of one slot. Exact label or tag matches shadow
// fuzzy ones; candidates in incompatible units make the slot ambiguous.
func (e *Engine) resolve(cands []Candidate, filing models.Filing) (models.KPIRecord, string, bool) {
	exact := cands[:0:0]
	for _, c := range cands {
		if c.Match.Exact() {
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		cands = exact
	}

	metric := cands[0].Metric
	expected := e.dict.Measure(metric)
	for _, c := range cands {
		if c.Fact.Unit.Measure != expected {
			return models.KPIRecord{}, fmt.Sprintf("%s reported in %s, expected %s (%s)", metric, c.Fact.Unit.Measure, expected, c.Fact.Locator), false
		}
		if !c.Fact.Unit.Compatible(cands[0].Fact.Unit) {
			return models.KPIRecord{}, fmt.Sprintf("%s reported in %s and %s", metric, currencyOf(cands[0].Fact.Unit), currencyOf(c.Fact.Unit)), false
		}
	}

	ranked := slices.Clone(cands)
	slices.SortStableFunc(ranked, e.policy.Compare)
	winner := ranked[0]

	rec := models.KPIRecord{
		Metric:      metric,
		Value:       winner.Normalized.InexactFloat64(),
		Measure:     expected,
		Period:      winner.Period,
		PeriodStart: winner.Fact.PeriodStart,
		PeriodEnd:   winner.Fact.PeriodEnd,
		Filing:      filing.Ref(),
		Sources:     []models.Fact{winner.Fact},
		Audit: models.Audit{
			Candidates: len(ranked),
			Fuzzy:      !winner.Match.Exact(),
		},
	}
	for _, c := range ranked[1:] {
		if !c.Normalized.Equal(winner.Normalized) {
			rec.Audit.TieBroken = true
			rec.Audit.Rejected = append(rec.Audit.Rejected, c.Normalized.InexactFloat64())
		}
	}
	if rec.Audit.TieBroken {
		rec.Audit.Policy = e.policy.Name
	}
	if rec.Audit.Fuzzy {
		rec.Audit.Notes = append(rec.Audit.Notes, fmt.Sprintf("label %q matched by similarity %.2f", winner.Fact.Label, winner.Match.Score))
	}
	if winner.Fact.IsInstant() && winner.Fact.PeriodEnd.After(filing.PeriodEnd) {
		rec.Audit.Notes = append(rec.Audit.Notes, "as of "+winner.Fact.PeriodEnd.Format(time.DateOnly)+", after the period end")
	}
	return rec, "", true
}

// trailingTwelveMonths sums four contiguous quarters ending at the period end.
func (e *Engine) trailingTwelveMonths(metric models.Metric, quarters []Candidate, filing models.Filing) (models.KPIRecord, bool) {
	end := filing.PeriodEnd
	var chain []Candidate
	for i := 0; i < 4; i++ {
		q, ok := e.quarterEnding(quarters, end)
		if !ok {
			return models.KPIRecord{}, false
		}
		chain = append(chain, q)
		end = q.Fact.PeriodStart.AddDate(0, 0, -1)
	}

	total := decimal.Zero
	sources := make([]models.Fact, 0, len(chain))
	for _, q := range chain {
		total = total.Add(q.Normalized)
		sources = append(sources, q.Fact)
	}
	return models.KPIRecord{
		Metric:      metric,
		Value:       total.InexactFloat64(),
		Measure:     e.dict.Measure(metric),
		Period:      models.TTM,
		PeriodStart: chain[len(chain)-1].Fact.PeriodStart,
		PeriodEnd:   filing.PeriodEnd,
		Filing:      filing.Ref(),
		Sources:     sources,
		Derived:     true,
		Formula:     "sum of four quarters",
		Audit:       models.Audit{Candidates: len(quarters)},
	}, true
}

// quarterEnding returns the preferred quarterly candidate ending near end.
func (e *Engine) quarterEnding(quarters []Candidate, end time.Time) (Candidate, bool) {
	var matches []Candidate
	for _, q := range quarters {
		if q.Fact.Unit.Measure != e.dict.Measure(q.Metric) {
			continue
		}
		if absDays(q.Fact.PeriodEnd.Sub(end)) <= contiguityDays {
			matches = append(matches, q)
		}
	}
	if len(matches) == 0 {
		return Candidate{}, false
	}
	slices.SortStableFunc(matches, e.policy.Compare)
	return matches[0], true
}

// failures lists the target metrics missing from the filing's primary period.
func (e *Engine) failures(records map[models.SlotKey]models.KPIRecord, ambiguous map[models.SlotKey]string, filing models.Filing) []models.MetricFailure {
	primary := models.Quarterly
	if filing.IsAnnual() {
		primary = models.Annual
	}

	var out []models.MetricFailure
	reported := make(map[models.SlotKey]bool)
	for _, key := range sortedKeys(ambiguous) {
		out = append(out, models.MetricFailure{
			Metric: key.Metric,
			Period: key.Period,
			Kind:   models.FailureParseAmbiguous,
			Reason: ambiguous[key],
		})
		reported[key] = true
	}
	for _, metric := range e.targets {
		key := models.SlotKey{Accession: filing.AccessionNumber, Metric: metric, Period: primary}
		if _, ok := records[key]; ok || reported[key] {
			continue
		}
		out = append(out, models.MetricFailure{
			Metric: metric,
			Period: primary,
			Kind:   models.FailureUnavailable,
			Reason: fmt.Sprintf("no %s %s value in filing %s", primary, metric, filing.AccessionNumber),
		})
	}
	return out
}

// normalize scales a reported value to absolute units. Per-share and pure
// values are never scaled.
func normalize(f models.Fact) decimal.Decimal {
	v := decimal.NewFromFloat(f.Value)
	switch f.Unit.Measure {
	case models.MeasurePerShare, models.MeasurePure:
		return v
	}
	if f.Unit.Scale == 0 || f.Unit.Scale == 1 {
		return v
	}
	return v.Mul(decimal.NewFromFloat(f.Unit.Scale))
}

var periodOrder = map[models.PeriodClass]int{models.Quarterly: 0, models.Annual: 1, models.TTM: 2}

func metricOrder(m models.Metric) int {
	return slices.Index(models.AllMetrics, m)
}

func sortedRecords(records map[models.SlotKey]models.KPIRecord) []models.KPIRecord {
	out := make([]models.KPIRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b models.KPIRecord) int {
		if c := metricOrder(a.Metric) - metricOrder(b.Metric); c != 0 {
			return c
		}
		return periodOrder[a.Period] - periodOrder[b.Period]
	})
	return out
}

func sortedKeys(m map[models.SlotKey]string) []models.SlotKey {
	keys := make([]models.SlotKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b models.SlotKey) int {
		if c := metricOrder(a.Metric) - metricOrder(b.Metric); c != 0 {
			return c
		}
		return periodOrder[a.Period] - periodOrder[b.Period]
	})
	return keys
}

func currencyOf(u models.Unit) string {
	if u.Currency != "" {
		return u.Currency
	}
	return string(u.Measure)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func absDays(d time.Duration) int {
	days := int(d.Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
