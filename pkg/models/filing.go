package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Filer is the registrant a filing belongs to.
type Filer struct {
	CIK     string   `json:"cik"` // zero-padded to 10 digits
	Tickers []string `json:"tickers"`
	Name    string   `json:"name"`
}

// PrimaryTicker returns the first listed ticker, or "" if none.
func (f Filer) PrimaryTicker() string {
	if len(f.Tickers) == 0 {
		return ""
	}
	return f.Tickers[0]
}

// Filing is one periodic report submitted to the SEC. Immutable once listed.
type Filing struct {
	CIK             string    `json:"cik"`
	Ticker          string    `json:"ticker"`
	CompanyName     string    `json:"company_name"`
	AccessionNumber string    `json:"accession_number"` // e.g. "0000320193-24-000081"
	FormType        string    `json:"form_type"`        // "10-Q", "10-K", "10-K/A"
	PeriodEnd       time.Time `json:"period_end"`
	FilingDate      time.Time `json:"filing_date"` // anchor for point-in-time pricing
	PrimaryDocument string    `json:"primary_document"`
	IsAmendment     bool      `json:"is_amendment"`
}

// Ref returns the compact reference used by facts and evidence.
func (f Filing) Ref() FilingRef {
	return FilingRef{
		CIK:             f.CIK,
		AccessionNumber: f.AccessionNumber,
		FormType:        f.FormType,
		PeriodEnd:       f.PeriodEnd,
	}
}

// IsAnnual reports whether the form is an annual report (10-K family).
func (f Filing) IsAnnual() bool {
	return IsAnnualForm(f.FormType)
}

// FilingRef identifies a filing without carrying its listing metadata.
type FilingRef struct {
	CIK             string    `json:"cik"`
	AccessionNumber string    `json:"accession_number"`
	FormType        string    `json:"form_type"`
	PeriodEnd       time.Time `json:"period_end"`
}

// String renders "CIK/accession".
func (r FilingRef) String() string {
	return fmt.Sprintf("%s/%s", r.CIK, r.AccessionNumber)
}

// IsAnnualForm reports whether a form type is a 10-K variant.
func IsAnnualForm(form string) bool {
	form = strings.ToUpper(strings.TrimSpace(form))
	return strings.HasPrefix(form, "10-K") || strings.HasPrefix(form, "20-F") || strings.HasPrefix(form, "40-F")
}

// IsAmendedForm reports whether a form type is an amendment (10-K/A, 10-Q/A).
func IsAmendedForm(form string) bool {
	return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(form)), "/A")
}

// PadCIK zero-pads a CIK to the 10 digits EDGAR uses in URLs and keys.
func PadCIK(cik string) string {
	cik = strings.TrimLeft(strings.TrimSpace(cik), "0")
	return fmt.Sprintf("%010s", cik)
}

// DocumentKind distinguishes the renditions of a filing the parser understands.
type DocumentKind string

const (
	DocStructured DocumentKind = "structured" // XBRL instance
	DocNarrative  DocumentKind = "narrative"  // HTML primary document
	DocMarkdown   DocumentKind = "markdown"   // markdown rendition of a narrative document
)

// RawDocument is the byte content of one filing document. Owned by the filing cache.
type RawDocument struct {
	Filing  FilingRef    `json:"filing"`
	Kind    DocumentKind `json:"kind"`
	Name    string       `json:"name"`
	Content []byte       `json:"-"`
	Hash    string       `json:"hash"`
}

// NewRawDocument builds a document and computes its content hash.
func NewRawDocument(filing FilingRef, kind DocumentKind, name string, content []byte) RawDocument {
	return RawDocument{
		Filing:  filing,
		Kind:    kind,
		Name:    name,
		Content: content,
		Hash:    ContentHash(content),
	}
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
