package parse

import (
	"regexp"
	"sort"
	"strings"

	"filing_valuation/pkg/models"
)

// =============================================================================
// REPORT ITEMS
// Item headings of Forms 10-K and 10-Q
// =============================================================================

// Section is one titled item of a periodic report, as a byte range of the
// document it was found in.
type Section struct {
	Item  string             `json:"item"`  // "1", "1A", "7", "8", ...
	Title string             `json:"title"` // "Financial Statements", "Risk Factors", ...
	Kind  models.SectionKind `json:"kind"`
	Start int                `json:"start"`
	End   int                `json:"end"`
}

// Name renders the heading the way filings print it.
func (s Section) Name() string {
	return "Item " + s.Item + ". " + s.Title
}

// Titles are matched on their leading words only; the rest of a heading
// varies between filers.
var sectionDefinitions = []struct {
	item  string
	title string
	kind  models.SectionKind
}{
	// Form 10-K
	{"1", "Business", models.SectionOther},
	{"1A", "Risk Factors", models.SectionOther},
	{"1B", "Unresolved Staff Comments", models.SectionOther},
	{"1C", "Cybersecurity", models.SectionOther},
	{"2", "Properties", models.SectionOther},
	{"3", "Legal Proceedings", models.SectionOther},
	{"4", "Mine Safety Disclosures", models.SectionOther},
	{"5", "Market for", models.SectionOther},
	{"6", "Selected Financial Data", models.SectionOther},
	{"7", "Management", models.SectionMDA},
	{"7A", "Quantitative and Qualitative", models.SectionOther},
	{"8", "Financial Statements", models.SectionStatements},
	{"9", "Changes in and Disagreements", models.SectionOther},
	{"9A", "Controls and Procedures", models.SectionOther},
	{"9B", "Other Information", models.SectionOther},
	{"15", "Exhibits", models.SectionOther},

	// Form 10-Q, Part I and Part II
	{"1", "Financial Statements", models.SectionStatements},
	{"2", "Management", models.SectionMDA},
	{"3", "Quantitative and Qualitative", models.SectionOther},
	{"4", "Controls and Procedures", models.SectionOther},
	{"1", "Legal Proceedings", models.SectionOther},
	{"2", "Unregistered Sales", models.SectionOther},
	{"5", "Other Information", models.SectionOther},
	{"6", "Exhibits", models.SectionOther},
}

// gap is what may sit between two words of a heading in the raw bytes:
// whitespace, non-breaking space entities and inline tags.
const gap = `(?:\s|&#160;|&nbsp;|&#xa0;|<[^>]*>)`

var (
	sectionPatterns = compileSectionPatterns()
	tableTag        = regexp.MustCompile(`(?i)<table[\s>]`)
)

func compileSectionPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(sectionDefinitions))
	for _, def := range sectionDefinitions {
		words := strings.Fields(def.title)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		// A heading starts a line or follows a tag, which keeps running-text
		// cross references ("see Item 1A") out.
		p := `(?i)(?:^|\n|>)[#*\s]*item` + gap + `*` + regexp.QuoteMeta(def.item) +
			gap + `*[.:\-\x{2013}\x{2014}]?` + gap + `*` + strings.Join(words, gap+`+`) + `\b`
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return patterns
}

// Sections locates the item headings of content, in document order. A
// table of contents yields headings too; they close as soon as the next
// heading starts, so they never cover the body.
func Sections(content []byte) []Section {
	var found []Section
	for i, pattern := range sectionPatterns {
		def := sectionDefinitions[i]
		for _, m := range pattern.FindAllIndex(content, -1) {
			start := m[0]
			if start < len(content) && (content[start] == '\n' || content[start] == '>') {
				start++
			}
			found = append(found, Section{Item: def.item, Title: def.title, Kind: def.kind, Start: start})
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].Start < found[j].Start })

	// Overlapping definitions never open two sections at one offset.
	out := found[:0]
	for _, s := range found {
		if n := len(out); n > 0 && out[n-1].Start == s.Start {
			continue
		}
		out = append(out, s)
	}
	for i := range out {
		out[i].End = len(content)
		if i+1 < len(out) {
			out[i].End = out[i+1].Start
		}
	}
	return out
}

// sectionAt returns the section covering offset, if any.
func sectionAt(sections []Section, offset int) (Section, bool) {
	i := sort.Search(len(sections), func(i int) bool { return sections[i].Start > offset })
	if i == 0 || offset < 0 {
		return Section{}, false
	}
	s := sections[i-1]
	return s, offset < s.End
}

// tableOffsets returns the byte offset of every <table> tag, which lines up
// with the table indexes of structural locators.
func tableOffsets(content []byte) []int {
	var offsets []int
	for _, m := range tableTag.FindAllIndex(content, -1) {
		offsets = append(offsets, m[0])
	}
	return offsets
}

// tagSections records on each fact the report item it was read from.
func tagSections(doc models.RawDocument, facts []models.Fact) {
	if doc.Kind == models.DocStructured {
		return
	}
	sections := Sections(doc.Content)
	if len(sections) == 0 {
		return
	}

	var tables []int
	if doc.Kind == models.DocNarrative {
		tables = tableOffsets(doc.Content)
	}
	for i := range facts {
		offset := -1
		switch facts[i].Locator.Kind {
		case models.LocatorByte:
			offset = int(facts[i].Locator.Start)
		case models.LocatorStructural:
			if t, _, _, err := parseTablePath(facts[i].Locator.Path); err == nil && t < len(tables) {
				offset = tables[t]
			}
		}
		if s, ok := sectionAt(sections, offset); ok {
			facts[i].Section = s.Name()
			facts[i].SectionKind = s.Kind
		}
	}
}
