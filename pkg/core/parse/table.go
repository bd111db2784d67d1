package parse

import (
	"strings"
	"time"

	"filing_valuation/pkg/core/synonym"
	"filing_valuation/pkg/models"
)

// =============================================================================
// TABLE GRID - Rendition-independent view of a financial table
// =============================================================================

// tableCell is one cell placed on the table's logical column grid.
type tableCell struct {
	text  string
	col   int // first logical column, after colspans and rowspans above
	span  int
	index int // position among the row's cells in the source
}

type tableRow struct {
	index int // position among the table's rows in the source
	cells []tableCell
}

type table struct {
	index   int
	context string // caption and the text just before the table
	rows    []tableRow
}

func (r tableRow) texts() []string {
	out := make([]string, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, c.text)
	}
	return out
}

// quote is the normalized row text that structural locators carry.
func (r tableRow) quote() string {
	return joinCells(r.texts())
}

func joinCells(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = cleanText(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " | ")
}

// columnGroup is a run of logical columns sharing one period header.
type columnGroup struct {
	from, to int
	header   string
	start    time.Time
	end      time.Time
}

func (g columnGroup) overlaps(c tableCell) bool {
	return c.col < g.to && c.col+c.span > g.from
}

// tableValue is one numeric cell matched to a metric label and a period.
type tableValue struct {
	row   tableRow
	cell  tableCell
	label string
	value float64
	unit  models.Unit
	group columnGroup
}

func (v tableValue) fact(loc models.Locator) models.Fact {
	return models.Fact{
		Label:       v.label,
		Value:       v.value,
		RawValue:    v.cell.text,
		Unit:        v.unit,
		PeriodStart: v.group.start,
		PeriodEnd:   v.group.end,
		Context:     v.group.header,
		Locator:     loc,
	}
}

// =============================================================================
// TABLE SCAN - Headers, scale, labels, values
// =============================================================================

// scanTable reads the metric values of a table. Rows before the first data
// row are headers: their text is spread over the logical columns they span
// and each run of columns with a parseable period becomes a column group.
// Label-only rows open a section whose text prefixes generic labels
// ("Earnings per share:" then "Diluted").
func (p *Parser) scanTable(t table, declared time.Time) []tableValue {
	first := firstDataRow(t.rows)
	if first < 0 {
		return nil
	}
	labelEnd := labelColumnEnd(t.rows[first])
	headers := t.rows[:first]

	headerTexts := make([]string, 0, len(headers))
	for _, r := range headers {
		headerTexts = append(headerTexts, r.quote())
	}
	headerText := strings.Join(headerTexts, " ")
	scale := detectScale(t.context + " " + headerText)

	defaultMonths := durationMonths(headerText)
	if defaultMonths == 0 {
		defaultMonths = durationMonths(t.context)
	}
	groups := columnGroups(headers, labelEnd, defaultMonths, declared)
	if len(groups) == 0 {
		return nil
	}

	section := ""
	for _, r := range headers {
		if label, nums := splitRow(r); label != "" && len(nums) == 0 && !detectScale(label).declared && durationMonths(label) == 0 {
			section = label
		}
	}

	var out []tableValue
	for _, r := range t.rows[first:] {
		label, nums := splitRow(r)
		if label == "" {
			continue
		}
		if len(nums) == 0 {
			section = label
			continue
		}
		match, matched, ok := p.matchRow(label, section)
		if !ok {
			continue
		}
		unit := p.rowUnit(match.Metric, label, scale)
		for _, a := range assignColumns(nums, groups) {
			v, _ := parseNumber(a.cell.text)
			out = append(out, tableValue{
				row:   r,
				cell:  a.cell,
				label: matched,
				value: v,
				unit:  unit,
				group: a.group,
			})
		}
	}
	return out
}

// splitRow returns the row label and its numeric cells. A row whose only
// numbers are years is a header, never data.
func splitRow(r tableRow) (string, []tableCell) {
	label := ""
	var nums []tableCell
	for i, c := range r.cells {
		if c.text == "" {
			continue
		}
		if _, ok := parseNumber(c.text); ok {
			nums = append(nums, c)
			continue
		}
		if closed, ok := splitNegative(r.cells, i); ok {
			nums = append(nums, closed)
			continue
		}
		if label == "" && len(nums) == 0 {
			label = strings.TrimSuffix(c.text, ":")
		}
	}
	return label, nums
}

// splitNegative handles the SEC layout that puts the closing parenthesis of a
// negative number in a cell of its own: "(1,500" followed by ")". The
// returned cell carries the closed text.
func splitNegative(cells []tableCell, i int) (tableCell, bool) {
	text := strings.TrimSpace(cells[i].text)
	if !strings.HasPrefix(text, "(") || strings.Contains(text, ")") {
		return tableCell{}, false
	}
	for _, next := range cells[i+1:] {
		if next.text == "" {
			continue
		}
		if strings.TrimSpace(next.text) != ")" {
			return tableCell{}, false
		}
		closed := cells[i]
		closed.text = text + ")"
		if _, ok := parseNumber(closed.text); !ok {
			return tableCell{}, false
		}
		return closed, true
	}
	return tableCell{}, false
}

func isDataRow(r tableRow) bool {
	label, nums := splitRow(r)
	if label == "" || len(nums) == 0 {
		return false
	}
	for _, c := range nums {
		if !isYearCell(c.text) {
			return true
		}
	}
	return false
}

func firstDataRow(rows []tableRow) int {
	for i, r := range rows {
		if isDataRow(r) {
			return i
		}
	}
	return -1
}

func labelColumnEnd(r tableRow) int {
	for _, c := range r.cells {
		if c.text != "" {
			return c.col + c.span
		}
	}
	return 1
}

func columnGroups(headers []tableRow, labelEnd, defaultMonths int, declared time.Time) []columnGroup {
	texts := make(map[int][]string)
	maxCol := labelEnd
	for _, r := range headers {
		for _, c := range r.cells {
			if c.text == "" {
				continue
			}
			for col := max(c.col, labelEnd); col < c.col+c.span; col++ {
				texts[col] = append(texts[col], c.text)
				maxCol = max(maxCol, col+1)
			}
		}
	}

	var groups []columnGroup
	for col := labelEnd; col < maxCol; {
		header := strings.Join(texts[col], " ")
		end := col + 1
		for end < maxCol && strings.Join(texts[end], " ") == header {
			end++
		}
		if header != "" {
			if start, stop, ok := parsePeriod(header, defaultMonths, declared); ok {
				groups = append(groups, columnGroup{from: col, to: end, header: header, start: start, end: stop})
			}
		}
		col = end
	}
	return groups
}

type assignment struct {
	cell  tableCell
	group columnGroup
}

// assignColumns pairs numeric cells with column groups: in order when the
// counts agree, by column position otherwise. Each group takes one value.
func assignColumns(nums []tableCell, groups []columnGroup) []assignment {
	out := make([]assignment, 0, len(nums))
	if len(nums) == len(groups) {
		for i := range nums {
			out = append(out, assignment{cell: nums[i], group: groups[i]})
		}
		return out
	}
	used := make(map[int]bool)
	for _, c := range nums {
		for gi, g := range groups {
			if !used[gi] && g.overlaps(c) {
				used[gi] = true
				out = append(out, assignment{cell: c, group: g})
				break
			}
		}
	}
	return out
}

// matchRow resolves a row label, trying the section-prefixed label before
// settling for a fuzzy match of the bare one.
func (p *Parser) matchRow(label, section string) (synonym.Match, string, bool) {
	bare, bareOK := p.dict.MatchLabel(label)
	if bareOK && bare.Exact() {
		return bare, label, true
	}
	if section != "" {
		prefixed := section + " " + label
		if m, ok := p.dict.MatchLabel(prefixed); ok && m.Exact() {
			return m, prefixed, true
		}
	}
	if bareOK {
		return bare, label, true
	}
	return synonym.Match{}, "", false
}

// rowUnit derives the unit of a row from the metric's measure and the
// declared scales. A scale written into the label itself is the most specific.
func (p *Parser) rowUnit(metric models.Metric, label string, scale tableScale) models.Unit {
	u := models.Unit{Measure: p.dict.Measure(metric), Scale: 1, Specificity: models.SpecificityAssumed}
	if u.Measure == models.MeasureCurrency || u.Measure == models.MeasurePerShare {
		u.Currency = "USD"
	}

	if own := detectScale(label); own.declared {
		scale = own
		u.Specificity = models.SpecificityExplicit
	} else if scale.declared {
		u.Specificity = models.SpecificityDeclared
	}

	switch u.Measure {
	case models.MeasureCurrency:
		u.Scale = scale.currency
	case models.MeasureShares:
		u.Scale = scale.shares
	}
	return u
}
