package models

import "time"

// Metric is a canonical KPI name.
type Metric string

const (
	Revenue                  Metric = "Revenue"
	CostOfRevenue            Metric = "CostOfRevenue"
	GrossProfit              Metric = "GrossProfit"
	OperatingIncome          Metric = "OperatingIncome"
	NetIncome                Metric = "NetIncome"
	EPSDiluted               Metric = "EPS_Diluted"
	EPSBasic                 Metric = "EPS_Basic"
	DepreciationAmortization Metric = "DepreciationAmortization"
	Depreciation             Metric = "Depreciation"
	Amortization             Metric = "Amortization"
	EBITDA                   Metric = "EBITDA"
	ResearchDevelopment      Metric = "ResearchDevelopment"
	SGA                      Metric = "SGA"
	OperatingCashFlow        Metric = "OperatingCashFlow"
	CapitalExpenditures      Metric = "CapitalExpenditures"
	FreeCashFlow             Metric = "FreeCashFlow"
	SharesOutstanding        Metric = "SharesOutstanding"
	DilutedShares            Metric = "DilutedShares"
	TotalDebt                Metric = "TotalDebt"
	Cash                     Metric = "Cash"
	StockholdersEquity       Metric = "StockholdersEquity"
	GrossMargin              Metric = "GrossMargin"
	OperatingMargin          Metric = "OperatingMargin"
	NetMargin                Metric = "NetMargin"
)

// AllMetrics lists the taxonomy in display order.
var AllMetrics = []Metric{
	Revenue, CostOfRevenue, GrossProfit, OperatingIncome, NetIncome,
	EPSDiluted, EPSBasic, DepreciationAmortization, Depreciation, Amortization,
	EBITDA, ResearchDevelopment, SGA, OperatingCashFlow, CapitalExpenditures,
	FreeCashFlow, SharesOutstanding, DilutedShares, TotalDebt, Cash,
	StockholdersEquity, GrossMargin, OperatingMargin, NetMargin,
}

// IsKnownMetric reports whether m is part of the taxonomy.
func IsKnownMetric(m Metric) bool {
	for _, known := range AllMetrics {
		if known == m {
			return true
		}
	}
	return false
}

// PeriodClass buckets a value by the span of time it covers.
type PeriodClass string

const (
	Quarterly PeriodClass = "Quarterly"
	Annual    PeriodClass = "Annual"
	TTM       PeriodClass = "TTM"
)

// Audit carries the bookkeeping of how a record was chosen.
type Audit struct {
	TieBroken  bool      `json:"tie_broken"`
	Policy     string    `json:"policy,omitempty"`
	Candidates int       `json:"candidates"`
	Rejected   []float64 `json:"rejected,omitempty"` // normalized values of the losing candidates
	Fuzzy      bool      `json:"fuzzy,omitempty"`    // label matched only by the fuzzy fallback
	Notes      []string  `json:"notes,omitempty"`
}

// KPIRecord is one canonical metric value for one filing and period class.
type KPIRecord struct {
	Metric      Metric      `json:"metric"`
	Value       float64     `json:"value"` // absolute units (USD, shares) or per-share / ratio
	Measure     Measure     `json:"measure"`
	Period      PeriodClass `json:"period"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	Filing      FilingRef   `json:"filing"`
	Sources     []Fact      `json:"sources"`
	Derived     bool        `json:"derived,omitempty"`
	Formula     string      `json:"formula,omitempty"`
	Audit       Audit       `json:"audit"`
}

// SlotKey identifies the (filing, metric, period) slot a record occupies.
type SlotKey struct {
	Accession string
	Metric    Metric
	Period    PeriodClass
}

// Slot returns the record's slot key.
func (r KPIRecord) Slot() SlotKey {
	return SlotKey{Accession: r.Filing.AccessionNumber, Metric: r.Metric, Period: r.Period}
}

// FailureKind says why a metric is missing from a report.
type FailureKind string

const (
	FailureUnavailable    FailureKind = "unavailable"
	FailureParseAmbiguous FailureKind = "parse_ambiguous"
)

// MetricFailure records a metric the extraction could not produce.
type MetricFailure struct {
	Metric Metric      `json:"metric"`
	Period PeriodClass `json:"period"`
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// PricePoint is a daily close. Date is the trading day actually used.
type PricePoint struct {
	Ticker        string    `json:"ticker"`
	Date          time.Time `json:"date"`
	Close         float64   `json:"close"`
	RequestedDate time.Time `json:"requested_date"`
	Source        string    `json:"source"`
}
