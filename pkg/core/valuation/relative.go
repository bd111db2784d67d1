package valuation

import (
	"sort"

	"filing_valuation/pkg/models"
)

// PeerMultiples are the ratio results of one company in a peer batch.
type PeerMultiples struct {
	Ticker string
	Ratios []models.RatioResult
}

// PeerRange is the interquartile range of one multiple across a peer batch.
type PeerRange struct {
	Name   string
	Low    float64 // 25th percentile
	Median float64
	High   float64 // 75th percentile
	Count  int
}

// ImpliedPrice is the per-share price range a peer multiple implies for the target.
type ImpliedPrice struct {
	Multiple string
	Low      float64
	High     float64
	Basis    models.PeriodClass
}

// peerMultiples are the ratios a peer range is computed for.
var peerMultiples = []string{models.RatioPE, models.RatioPS, models.RatioEVEBITDA, models.RatioEVRevenue, models.RatioPB}

// PeerRanges computes the 25th-75th percentile range of each multiple across
// peers. Only positive ok-status values count; multiples with no values are omitted.
func PeerRanges(peers []PeerMultiples) []PeerRange {
	values := make(map[string][]float64)
	for _, p := range peers {
		for _, r := range p.Ratios {
			if r.Status == models.RatioOK && r.Value > 0 {
				values[r.Name] = append(values[r.Name], r.Value)
			}
		}
	}

	var out []PeerRange
	for _, name := range peerMultiples {
		mults := values[name]
		if len(mults) == 0 {
			continue
		}
		lo, hi := getRange(mults)
		out = append(out, PeerRange{Name: name, Low: lo, Median: percentile(mults, 0.5), High: hi, Count: len(mults)})
	}
	return out
}

// getRange returns the 25th and 75th percentile by index.
func getRange(mults []float64) (float64, float64) {
	sort.Float64s(mults)
	lowIdx := int(float64(len(mults)) * 0.25)
	highIdx := int(float64(len(mults)) * 0.75)
	if highIdx >= len(mults) {
		highIdx = len(mults) - 1
	}
	return mults[lowIdx], mults[highIdx]
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ImpliedPrices applies peer ranges to the target's records: equity multiples
// scale the target metric directly, enterprise multiples are bridged to equity
// through debt and cash before dividing by shares.
func (c *Calculator) ImpliedPrices(records []models.KPIRecord, ranges []PeerRange) []ImpliedPrice {
	in := inputs{calc: c, records: records}
	shares, hasShares := in.shares()
	var netDebt float64
	if debt, ok := c.Pick(records, models.TotalDebt); ok {
		netDebt += debt.Value
	}
	if cash, ok := c.Pick(records, models.Cash); ok {
		netDebt -= cash.Value
	}

	var out []ImpliedPrice
	for _, r := range ranges {
		switch r.Name {
		case models.RatioPE:
			eps, ok := c.Pick(records, models.EPSDiluted)
			if !ok || eps.Value <= 0 {
				continue
			}
			out = append(out, ImpliedPrice{Multiple: r.Name, Low: r.Low * eps.Value, High: r.High * eps.Value, Basis: eps.Period})
		case models.RatioPS, models.RatioPB:
			metric := models.Revenue
			if r.Name == models.RatioPB {
				metric = models.StockholdersEquity
			}
			m, ok := c.Pick(records, metric)
			if !ok || m.Value <= 0 || !hasShares {
				continue
			}
			out = append(out, ImpliedPrice{Multiple: r.Name, Low: r.Low * m.Value / shares.Value, High: r.High * m.Value / shares.Value, Basis: m.Period})
		case models.RatioEVEBITDA, models.RatioEVRevenue:
			metric := models.EBITDA
			if r.Name == models.RatioEVRevenue {
				metric = models.Revenue
			}
			m, ok := c.Pick(records, metric)
			if !ok || m.Value <= 0 || !hasShares {
				continue
			}
			out = append(out, ImpliedPrice{
				Multiple: r.Name,
				Low:      (r.Low*m.Value - netDebt) / shares.Value,
				High:     (r.High*m.Value - netDebt) / shares.Value,
				Basis:    m.Period,
			})
		}
	}
	return out
}
