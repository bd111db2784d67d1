// Package evidence turns the fact references carried by KPI records and ratio
// results into ordered (filing, text span) lists, and checks that every span
// still resolves inside the document it names.
package evidence

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"filing_valuation/pkg/core/parse"
	"filing_valuation/pkg/models"
)

// ForKPI returns the evidence of one record, one item per source fact.
func ForKPI(rec models.KPIRecord) []models.EvidenceItem {
	items := make([]models.EvidenceItem, 0, len(rec.Sources))
	for _, f := range rec.Sources {
		items = append(items, itemFor(rec.Metric, f))
	}
	return normalize(items)
}

// ForRatio returns the concatenated evidence of a ratio's input records.
func ForRatio(r models.RatioResult) []models.EvidenceItem {
	var items []models.EvidenceItem
	for _, in := range r.Inputs {
		for _, f := range in.Sources {
			items = append(items, itemFor(in.Metric, f))
		}
	}
	return normalize(items)
}

// ForRecords returns the evidence of a set of records, de-duplicated across them.
func ForRecords(records []models.KPIRecord) []models.EvidenceItem {
	var items []models.EvidenceItem
	for _, rec := range records {
		for _, f := range rec.Sources {
			items = append(items, itemFor(rec.Metric, f))
		}
	}
	return normalize(items)
}

func itemFor(metric models.Metric, f models.Fact) models.EvidenceItem {
	return models.EvidenceItem{
		Filing:       f.Filing,
		DocumentKind: f.DocumentKind,
		DocumentHash: f.DocumentHash,
		Locator:      f.Locator,
		Label:        f.Label,
		Metric:       metric,
		FactSeq:      f.Seq,
	}
}

// normalize orders items by filing, document kind, span start and path, and
// drops repeats of the same span. The first metric citing a span keeps it.
func normalize(items []models.EvidenceItem) []models.EvidenceItem {
	slices.SortStableFunc(items, func(a, b models.EvidenceItem) int {
		return cmp.Or(
			cmp.Compare(a.Filing.AccessionNumber, b.Filing.AccessionNumber),
			cmp.Compare(a.DocumentKind, b.DocumentKind),
			cmp.Compare(a.Locator.Start, b.Locator.Start),
			comparePaths(a.Locator.Path, b.Locator.Path),
		)
	})
	return slices.CompactFunc(items, func(a, b models.EvidenceItem) bool {
		return a.DocumentHash == b.DocumentHash && a.Locator.Kind == b.Locator.Kind &&
			a.Locator.Start == b.Locator.Start && a.Locator.End == b.Locator.End && a.Locator.Path == b.Locator.Path
	})
}

// comparePaths orders structural paths by their numeric indexes, so
// table[2] sorts before table[10].
func comparePaths(a, b string) int {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < min(len(as), len(bs)); i++ {
		if c := cmp.Or(cmp.Compare(len(as[i]), len(bs[i])), cmp.Compare(as[i], bs[i])); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(as), len(bs))
}

// Verify checks that every item resolves inside a document of the same filing
// with the same content hash, and that the resolved text is the quoted one.
// docs is keyed by document hash; each narrative document is parsed once.
func Verify(items []models.EvidenceItem, docs map[string]models.RawDocument) error {
	resolver := parse.NewResolver()
	var errs []error
	for _, it := range items {
		if err := verifyItem(resolver, it, docs); err != nil {
			errs = append(errs, fmt.Errorf("%s %s %s: %w", it.Metric, it.Filing, it.Locator, err))
		}
	}
	return errors.Join(errs...)
}

func verifyItem(resolver *parse.Resolver, it models.EvidenceItem, docs map[string]models.RawDocument) error {
	if !it.Locator.Valid() {
		return fmt.Errorf("invalid locator")
	}
	doc, ok := docs[it.DocumentHash]
	if !ok {
		return fmt.Errorf("document %s not available", shortHash(it.DocumentHash))
	}
	if doc.Hash != it.DocumentHash {
		return fmt.Errorf("document hash %s does not match %s", shortHash(doc.Hash), shortHash(it.DocumentHash))
	}
	if doc.Filing.AccessionNumber != it.Filing.AccessionNumber || doc.Filing.CIK != it.Filing.CIK {
		return fmt.Errorf("document belongs to filing %s", doc.Filing)
	}
	if doc.Kind != it.DocumentKind {
		return fmt.Errorf("document is %s, evidence cites %s", doc.Kind, it.DocumentKind)
	}
	text, err := resolver.Resolve(doc, it.Locator)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) != strings.TrimSpace(it.Locator.Quote) {
		return fmt.Errorf("span resolves to %q, quoted %q", truncate(text, 80), truncate(it.Locator.Quote, 80))
	}
	return nil
}

// Index keys documents by hash for Verify.
func Index(docs ...models.RawDocument) map[string]models.RawDocument {
	out := make(map[string]models.RawDocument, len(docs))
	for _, d := range docs {
		out[d.Hash] = d
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
