package models

import (
	"fmt"
	"time"
)

// Measure is the dimension of a reported value.
type Measure string

const (
	MeasureCurrency Measure = "USD"
	MeasurePerShare Measure = "USD/shares"
	MeasureShares   Measure = "shares"
	MeasurePure     Measure = "pure"
)

// Unit specificity levels, highest wins in tie-breaks.
const (
	SpecificityAssumed  = 0 // default scale, nothing in the document said so
	SpecificityDeclared = 1 // caption or header ("in millions")
	SpecificityExplicit = 2 // on the fact itself (XBRL unitRef, unit inside the row)
)

// Unit describes how a reported number must be read.
type Unit struct {
	Measure     Measure `json:"measure"`
	Currency    string  `json:"currency,omitempty"` // ISO code for currency measures
	Scale       float64 `json:"scale"`              // multiplier to absolute units
	Specificity int     `json:"specificity"`
}

// Compatible reports whether two units describe the same dimension.
func (u Unit) Compatible(other Unit) bool {
	if u.Measure != other.Measure {
		return false
	}
	return u.Currency == "" || other.Currency == "" || u.Currency == other.Currency
}

// LocatorKind says how a locator addresses its document.
type LocatorKind string

const (
	LocatorByte       LocatorKind = "byte"       // [Start, End) into RawDocument.Content
	LocatorStructural LocatorKind = "structural" // Path re-resolved by parsing the same bytes
)

// Locator points at the source span a fact was read from.
type Locator struct {
	Kind  LocatorKind `json:"kind"`
	Start int64       `json:"start"`
	End   int64       `json:"end"`
	Path  string      `json:"path,omitempty"`
	Quote string      `json:"quote"`
}

// Valid reports whether the locator carries enough to re-render its span.
func (l Locator) Valid() bool {
	switch l.Kind {
	case LocatorByte:
		return l.Start >= 0 && l.End > l.Start
	case LocatorStructural:
		return l.Path != ""
	}
	return false
}

func (l Locator) String() string {
	if l.Kind == LocatorByte {
		return fmt.Sprintf("bytes[%d:%d]", l.Start, l.End)
	}
	return l.Path
}

// SectionKind classifies the report item a narrative fact was read from.
type SectionKind string

const (
	SectionStatements SectionKind = "financial_statements"
	SectionMDA        SectionKind = "mdna"
	SectionOther      SectionKind = "other"
)

// Fact is one atomic reported value, as parsed from a RawDocument.
type Fact struct {
	Seq          int          `json:"seq"` // document order within its RawDocument
	Label        string       `json:"label"`
	Tag          string       `json:"tag,omitempty"` // XBRL concept, e.g. "us-gaap:Revenues"
	Value        float64      `json:"value"`         // as reported, before scaling
	RawValue     string       `json:"raw_value"`
	Unit         Unit         `json:"unit"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	Context      string       `json:"context"`
	Dimensional  bool         `json:"dimensional,omitempty"`
	Locator      Locator      `json:"locator"`
	Filing       FilingRef    `json:"filing"`
	DocumentKind DocumentKind `json:"document_kind"`
	DocumentHash string       `json:"document_hash"`

	// Section names the report item holding the fact, e.g. "Item 8. Financial
	// Statements". Empty for structured facts and unsectioned documents.
	Section     string      `json:"section,omitempty"`
	SectionKind SectionKind `json:"section_kind,omitempty"`

	// DeclaredPeriodMatch is set when the fact's period end equals the
	// period end the filing declares for itself.
	DeclaredPeriodMatch bool `json:"declared_period_match,omitempty"`
}

// IsInstant reports whether the fact is a point-in-time value.
func (f Fact) IsInstant() bool {
	return f.PeriodStart.Equal(f.PeriodEnd)
}

// DurationDays returns the length of the reporting period in days.
func (f Fact) DurationDays() int {
	return int(f.PeriodEnd.Sub(f.PeriodStart).Hours()/24 + 0.5)
}

// ID is a stable identifier for the fact within the pipeline.
func (f Fact) ID() string {
	hash := f.DocumentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("%s#%d", hash, f.Seq)
}
