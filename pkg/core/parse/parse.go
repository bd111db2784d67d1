// Package parse turns raw filing documents into located facts.
//
// Three renditions are understood: the XBRL instance of a filing, the HTML
// primary document and a markdown rendition of that document. Parsing is pure
// and deterministic: the same bytes always produce the same fact sequence in
// document order, and every fact carries a locator that re-renders the span
// it was read from.
package parse

import (
	"bytes"
	"fmt"
	"time"

	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/models"

	"github.com/PuerkitoBio/goquery"
)

// Parser extracts facts from raw documents. Safe for concurrent use.
type Parser struct {
	dict *synonym.Dictionary
}

// New creates a parser that matches narrative row labels against dict.
// A nil dictionary uses the embedded default table.
func New(dict *synonym.Dictionary) *Parser {
	if dict == nil {
		dict = synonym.Default()
	}
	return &Parser{dict: dict}
}

// Parse extracts the numeric facts of doc. declaredPeriodEnd is the period
// end the filing declares for itself; year-only column headers resolve
// against it. Narrative facts are tagged with the report item they sit in.
func (p *Parser) Parse(doc models.RawDocument, declaredPeriodEnd time.Time) ([]models.Fact, error) {
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("document %s is empty", doc.Name)
	}

	var (
		facts []models.Fact
		err   error
	)
	switch doc.Kind {
	case models.DocStructured:
		facts, err = parseXBRL(doc)
	case models.DocNarrative:
		facts, err = p.parseHTML(doc, declaredPeriodEnd)
	case models.DocMarkdown:
		facts, err = p.parseMarkdown(doc, declaredPeriodEnd)
	default:
		return nil, fmt.Errorf("unsupported document kind %q", doc.Kind)
	}
	if err != nil {
		return nil, err
	}

	hash := doc.Hash
	if hash == "" {
		hash = models.ContentHash(doc.Content)
	}

	out := make([]models.Fact, 0, len(facts))
	for _, f := range facts {
		if !f.Locator.Valid() {
			continue
		}
		f.Seq = len(out)
		f.Filing = doc.Filing
		f.DocumentKind = doc.Kind
		f.DocumentHash = hash
		f.DeclaredPeriodMatch = !declaredPeriodEnd.IsZero() && sameDay(f.PeriodEnd, declaredPeriodEnd)
		out = append(out, f)
	}
	tagSections(doc, out)
	return out, nil
}

// Resolve re-renders the span a locator points at: the exact bytes for a
// byte locator, the normalized row text for a structural one.
func Resolve(doc models.RawDocument, loc models.Locator) (string, error) {
	return NewResolver().Resolve(doc, loc)
}

// Resolver resolves many locators, parsing each narrative document at most
// once. Not safe for concurrent use.
type Resolver struct {
	trees  map[string]*goquery.Document
	parsed int
}

func NewResolver() *Resolver {
	return &Resolver{trees: make(map[string]*goquery.Document)}
}

// Resolve re-renders the span loc points at inside doc.
func (r *Resolver) Resolve(doc models.RawDocument, loc models.Locator) (string, error) {
	switch loc.Kind {
	case models.LocatorByte:
		if loc.Start < 0 || loc.End <= loc.Start || loc.End > int64(len(doc.Content)) {
			return "", fmt.Errorf("span %s outside document %s (%d bytes)", loc, doc.Name, len(doc.Content))
		}
		return string(doc.Content[loc.Start:loc.End]), nil
	case models.LocatorStructural:
		if doc.Kind != models.DocNarrative {
			return "", fmt.Errorf("structural locator %s on %s document %s", loc.Path, doc.Kind, doc.Name)
		}
		root, err := r.tree(doc)
		if err != nil {
			return "", err
		}
		return resolveTablePath(root, loc.Path)
	}
	return "", fmt.Errorf("unknown locator kind %q", loc.Kind)
}

func (r *Resolver) tree(doc models.RawDocument) (*goquery.Document, error) {
	key := doc.Hash
	if key == "" {
		key = models.ContentHash(doc.Content)
	}
	if root, ok := r.trees[key]; ok {
		return root, nil
	}
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html document %s: %w", doc.Name, err)
	}
	r.parsed++
	r.trees[key] = root
	return root, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
