package models

// RatioStatus distinguishes a usable ratio from the ways it can fail to be one.
type RatioStatus string

const (
	RatioOK            RatioStatus = "ok"
	RatioNegative      RatioStatus = "negative"       // computed, numerator/denominator signs differ (e.g. loss-making P/E)
	RatioNotMeaningful RatioStatus = "not_meaningful" // denominator zero or non-positive
	RatioUnavailable   RatioStatus = "unavailable"    // an input is missing
)

// Ratio names.
const (
	RatioPE        = "P/E"
	RatioPS        = "P/S"
	RatioEVEBITDA  = "EV/EBITDA"
	RatioEVRevenue = "EV/Revenue"
	RatioPB        = "P/B"
	RatioMarketCap = "MarketCap"
	RatioEV        = "EnterpriseValue"
)

// RatioResult is a valuation ratio with everything it was derived from.
type RatioResult struct {
	Name     string         `json:"name"`
	Value    float64        `json:"value"` // meaningful only when Status is ok or negative
	Status   RatioStatus    `json:"status"`
	Basis    PeriodClass    `json:"basis,omitempty"`
	Inputs   []KPIRecord    `json:"inputs"`
	Price    PricePoint     `json:"price"`
	Formula  string         `json:"formula"`
	Notes    []string       `json:"notes,omitempty"`
	Evidence []EvidenceItem `json:"evidence"`
}

// HasValue reports whether Value carries a computed number.
func (r RatioResult) HasValue() bool {
	return r.Status == RatioOK || r.Status == RatioNegative
}

// EvidenceItem is one (filing, text span) pair backing a number.
type EvidenceItem struct {
	Filing       FilingRef    `json:"filing"`
	DocumentKind DocumentKind `json:"document_kind"`
	DocumentHash string       `json:"document_hash"`
	Locator      Locator      `json:"locator"`
	Label        string       `json:"label"`
	Metric       Metric       `json:"metric"`
	FactSeq      int          `json:"fact_seq"`
}
