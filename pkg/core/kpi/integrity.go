package kpi

import (
	"fmt"
	"math"

	"filing_valuation/pkg/models"

	"github.com/shopspring/decimal"
)

// CheckStatus grades a reported total against its components.
type CheckStatus string

const (
	CheckMatch      CheckStatus = "match"
	CheckImmaterial CheckStatus = "immaterial"
	CheckMismatch   CheckStatus = "material_mismatch"
)

// materialityThreshold is the relative difference above which a reported
// total and its computed value disagree materially. Statements rounded to
// millions stay well inside it.
const materialityThreshold = 0.01

// Checkpoint compares a reported total with the value its formula gives.
type Checkpoint struct {
	Metric     models.Metric      `json:"metric"`
	Period     models.PeriodClass `json:"period"`
	Formula    string             `json:"formula"`
	Measure    models.Measure     `json:"measure"`
	Reported   float64            `json:"reported"`
	Calculated float64            `json:"calculated"`
	Variance   float64            `json:"variance"`
	Status     CheckStatus        `json:"status"`
}

// verifyIntegrity recomputes every reported metric that also has a formula
// whose inputs are present, and grades the difference.
func verifyIntegrity(records map[models.SlotKey]models.KPIRecord, filing models.Filing) []Checkpoint {
	var checks []Checkpoint
	for _, period := range []models.PeriodClass{models.Quarterly, models.Annual, models.TTM} {
		for _, f := range formulas {
			reported, ok := records[models.SlotKey{Accession: filing.AccessionNumber, Metric: f.metric, Period: period}]
			if !ok || reported.Derived {
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
			calc, ok := f.compute(values)
			if !ok {
				continue
			}
			c := grade(f.metric, period, f.text[alt], reported.Value, calc.InexactFloat64())
			c.Measure = f.measure
			checks = append(checks, c)
		}
	}
	return checks
}

func grade(metric models.Metric, period models.PeriodClass, formula string, reported, calculated float64) Checkpoint {
	diff := calculated - reported
	status := CheckMatch
	if diff != 0 {
		status = CheckImmaterial
		if reported == 0 || math.Abs(diff/reported) > materialityThreshold {
			status = CheckMismatch
		}
	}
	return Checkpoint{
		Metric:     metric,
		Period:     period,
		Formula:    formula,
		Reported:   reported,
		Calculated: calculated,
		Variance:   diff,
		Status:     status,
	}
}

// mismatchWarnings describes the material mismatches.
func mismatchWarnings(checks []Checkpoint) []string {
	var out []string
	for _, c := range checks {
		if c.Status != CheckMismatch {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s reported %s but %s gives %s",
			c.Period, c.Metric,
			decimal.NewFromFloat(c.Reported).String(), c.Formula,
			decimal.NewFromFloat(c.Calculated).String()))
	}
	return out
}
