package kpi

import (
	"cmp"
	"fmt"
	"strings"

	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/models"

	"github.com/shopspring/decimal"
)

// Candidate is a fact competing for a (filing, metric, period) slot.
type Candidate struct {
	Fact       models.Fact
	Metric     models.Metric
	Match      synonym.Match
	Period     models.PeriodClass
	Normalized decimal.Decimal
}

// Rule orders two candidates. Compare returns a negative number when a
// should win over b, zero when the rule cannot tell them apart.
type Rule struct {
	Name    string
	Compare func(a, b Candidate) int
}

// Policy is an ordered list of rules; later rules only break ties left by earlier ones.
type Policy struct {
	Name  string
	Rules []Rule
}

var (
	// BySpecificity prefers the unit declared closest to the value.
	BySpecificity = Rule{Name: "specificity", Compare: func(a, b Candidate) int {
		return cmp.Compare(b.Fact.Unit.Specificity, a.Fact.Unit.Specificity)
	}}

	// ByMagnitude prefers the larger absolute normalized value.
	ByMagnitude = Rule{Name: "magnitude", Compare: func(a, b Candidate) int {
		return b.Normalized.Abs().Cmp(a.Normalized.Abs())
	}}

	// ByDocumentOrder prefers the later fact, which is where restatements sit.
	ByDocumentOrder = Rule{Name: "document_order", Compare: func(a, b Candidate) int {
		return cmp.Compare(b.Fact.Seq, a.Fact.Seq)
	}}

	// ByDeclaredPeriod prefers facts whose period end matches the filing's declared one.
	ByDeclaredPeriod = Rule{Name: "declared_period", Compare: func(a, b Candidate) int {
		return cmp.Compare(boolRank(b.Fact.DeclaredPeriodMatch), boolRank(a.Fact.DeclaredPeriodMatch))
	}}

	// BySection prefers facts from the financial statements over facts from
	// the rest of the report; untagged facts sit in between.
	BySection = Rule{Name: "section", Compare: func(a, b Candidate) int {
		return cmp.Compare(sectionRank(b.Fact.SectionKind), sectionRank(a.Fact.SectionKind))
	}}
)

var knownRules = map[string]Rule{
	BySpecificity.Name:    BySpecificity,
	ByMagnitude.Name:      ByMagnitude,
	ByDocumentOrder.Name:  ByDocumentOrder,
	ByDeclaredPeriod.Name: ByDeclaredPeriod,
	BySection.Name:        BySection,
}

// DefaultPolicy ranks by unit specificity, then magnitude, then document order.
var DefaultPolicy = NewPolicy(BySpecificity, ByMagnitude, ByDocumentOrder)

// NewPolicy builds a policy named after its rules, e.g. "specificity>magnitude>document_order".
func NewPolicy(rules ...Rule) Policy {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return Policy{Name: strings.Join(names, ">"), Rules: rules}
}

// PolicyFromNames builds a policy from rule names, as written in configuration.
func PolicyFromNames(names []string) (Policy, error) {
	if len(names) == 0 {
		return DefaultPolicy, nil
	}
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		r, ok := knownRules[strings.TrimSpace(strings.ToLower(name))]
		if !ok {
			return Policy{}, fmt.Errorf("unknown tie-break rule %q", name)
		}
		rules = append(rules, r)
	}
	return NewPolicy(rules...), nil
}

// Compare applies the rules in order. The final fallback on document order
// keeps the choice total and deterministic.
func (p Policy) Compare(a, b Candidate) int {
	for _, r := range p.Rules {
		if c := r.Compare(a, b); c != 0 {
			return c
		}
	}
	return ByDocumentOrder.Compare(a, b)
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sectionRank(k models.SectionKind) int {
	switch k {
	case models.SectionStatements:
		return 2
	case "":
		return 1
	}
	return 0
}
