package pipeline

import (
	"context"
	"fmt"
	"math"
	"slices"

	"filing_valuation/pkg/core/ingest"
	"filing_valuation/pkg/models"
)

// Delta is the change of one metric between two reports. Current or Previous
// is nil when that report has no value; Change and PercentChange are then nil too.
type Delta struct {
	Metric   models.Metric      `json:"metric"`
	Period   models.PeriodClass `json:"period"`
	Measure  models.Measure     `json:"measure"`
	Current  *float64           `json:"current,omitempty"`
	Previous *float64           `json:"previous,omitempty"`
	Change   *float64           `json:"change,omitempty"`
	// PercentChange is relative to |Previous|. A zero previous value gives
	// +Inf or -Inf, or 0 when both are zero. Not JSON encodable when infinite.
	PercentChange *float64 `json:"-"`
}

// New reports whether the metric moved off a zero base.
func (d Delta) New() bool {
	return d.PercentChange != nil && math.IsInf(*d.PercentChange, 0)
}

// Deltas compares two reports metric by metric within each period class.
// Metrics present in either report are included, in taxonomy order.
func Deltas(current, previous *KPIReport) []Delta {
	type slot struct {
		metric models.Metric
		period models.PeriodClass
	}
	cur := make(map[slot]models.KPIRecord)
	prev := make(map[slot]models.KPIRecord)
	var slots []slot
	add := func(m map[slot]models.KPIRecord, records []models.KPIRecord) {
		for _, r := range records {
			s := slot{r.Metric, r.Period}
			if _, seen := cur[s]; !seen {
				if _, seen := prev[s]; !seen {
					slots = append(slots, s)
				}
			}
			m[s] = r
		}
	}
	if current != nil {
		add(cur, current.Records)
	}
	if previous != nil {
		add(prev, previous.Records)
	}

	slices.SortFunc(slots, func(a, b slot) int {
		if c := slices.Index(models.AllMetrics, a.metric) - slices.Index(models.AllMetrics, b.metric); c != 0 {
			return c
		}
		return periodRank(a.period) - periodRank(b.period)
	})

	out := make([]Delta, 0, len(slots))
	for _, s := range slots {
		d := Delta{Metric: s.metric, Period: s.period}
		c, hasCur := cur[s]
		p, hasPrev := prev[s]
		if hasCur {
			d.Current = ptr(c.Value)
			d.Measure = c.Measure
		}
		if hasPrev {
			d.Previous = ptr(p.Value)
			if d.Measure == "" {
				d.Measure = p.Measure
			}
		}
		if hasCur && hasPrev {
			d.Change = ptr(c.Value - p.Value)
			d.PercentChange = ptr(percentChange(c.Value, p.Value))
		}
		out = append(out, d)
	}
	return out
}

// PreviousReport extracts the KPIs of the latest filing of the same form
// whose period ends before filing's, the usual baseline for Deltas.
func (p *Pipeline) PreviousReport(ctx context.Context, filing models.Filing) (*KPIReport, error) {
	filings, err := p.ListFilings(ctx, filing.Ticker, []string{filing.FormType}, ingest.DateRange{})
	if err != nil {
		return nil, err
	}
	for _, f := range filings {
		if f.AccessionNumber == filing.AccessionNumber || !f.PeriodEnd.Before(filing.PeriodEnd) {
			continue
		}
		if f.Ticker == "" {
			f.Ticker = filing.Ticker
		}
		return p.ExtractKPIs(ctx, f)
	}
	return nil, models.NewError(models.ErrNotFound, "pipeline.PreviousReport", filing.AccessionNumber,
		fmt.Errorf("no %s filing before %s", filing.FormType, filing.PeriodEnd.Format("2006-01-02")))
}

func percentChange(current, previous float64) float64 {
	switch {
	case previous != 0:
		return (current - previous) / math.Abs(previous) * 100
	case current > 0:
		return math.Inf(1)
	case current < 0:
		return math.Inf(-1)
	}
	return 0
}

func periodRank(p models.PeriodClass) int {
	switch p {
	case models.Quarterly:
		return 0
	case models.Annual:
		return 1
	}
	return 2
}

func ptr(v float64) *float64 {
	return &v
}
