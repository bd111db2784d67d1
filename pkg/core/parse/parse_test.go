package parse

import (
	"strings"
	"testing"
	"time"

	"filing_valuation/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFiling = models.FilingRef{
	CIK:             "0000320193",
	AccessionNumber: "0000320193-24-000006",
	FormType:        "10-Q",
	PeriodEnd:       date(2023, 12, 30),
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const instanceXML = `<?xml version="1.0" encoding="utf-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance" xmlns:us-gaap="http://fasb.org/us-gaap/2023" xmlns:dei="http://xbrl.sec.gov/dei/2023" xmlns:xbrldi="http://xbrl.org/2006/xbrldi" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <xbrli:context id="Q"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:startDate>2023-10-01</xbrli:startDate><xbrli:endDate>2023-12-30</xbrli:endDate></xbrli:period></xbrli:context>
  <xbrli:context id="I"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:instant>2024-01-19</xbrli:instant></xbrli:period></xbrli:context>
  <xbrli:context id="Seg"><xbrli:entity><xbrli:identifier scheme="http://www.sec.gov/CIK">0000320193</xbrli:identifier><xbrli:segment><xbrldi:explicitMember dimension="srt:ProductOrServiceAxis">us-gaap:ProductMember</xbrldi:explicitMember></xbrli:segment></xbrli:entity><xbrli:period><xbrli:startDate>2023-10-01</xbrli:startDate><xbrli:endDate>2023-12-30</xbrli:endDate></xbrli:period></xbrli:context>
  <xbrli:unit id="usd"><xbrli:measure>iso4217:USD</xbrli:measure></xbrli:unit>
  <xbrli:unit id="usdPerShare"><xbrli:divide><xbrli:unitNumerator><xbrli:measure>iso4217:USD</xbrli:measure></xbrli:unitNumerator><xbrli:unitDenominator><xbrli:measure>xbrli:shares</xbrli:measure></xbrli:unitDenominator></xbrli:divide></xbrli:unit>
  <xbrli:unit id="shares"><xbrli:measure>xbrli:shares</xbrli:measure></xbrli:unit>
  <us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax contextRef="Q" unitRef="usd" decimals="-6">119575000000</us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax>
  <us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax contextRef="Seg" unitRef="usd" decimals="-6">96458000000</us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax>
  <us-gaap:EarningsPerShareDiluted contextRef="Q" unitRef="usdPerShare" decimals="2">2.18</us-gaap:EarningsPerShareDiluted>
  <dei:EntityCommonStockSharesOutstanding contextRef="I" unitRef="shares" decimals="INF">15441881000</dei:EntityCommonStockSharesOutstanding>
  <dei:DocumentType contextRef="Q">10-Q</dei:DocumentType>
  <us-gaap:NetIncomeLoss contextRef="Missing" unitRef="usd" decimals="-6">33916000000</us-gaap:NetIncomeLoss>
  <us-gaap:Depreciation contextRef="Q" unitRef="usd" xsi:nil="true"/>
  <us-gaap:OperatingIncomeLoss contextRef="Q" unitRef="usd" decimals="-6">n/a</us-gaap:OperatingIncomeLoss>
</xbrli:xbrl>
`

const statementHTML = `<html><body>
<p>CONDENSED CONSOLIDATED STATEMENTS OF OPERATIONS (Unaudited)</p>
<p>(In thousands, except per share amounts)</p>
<table>
<tr><td></td><td colspan="4">Three Months Ended December 31,</td></tr>
<tr><td></td><td colspan="2">2023</td><td colspan="2">2022</td></tr>
<tr><td>Net sales</td><td>$</td><td>1,000,000</td><td>$</td><td>900,000</td></tr>
<tr><td>Other income (expense), net</td><td></td><td>(1,500</td><td>)</td><td>2,000</td></tr>
<tr><td>Earnings per share:</td><td></td><td></td><td></td><td></td></tr>
<tr><td>Basic</td><td>$</td><td>1.20</td><td>$</td><td>1.00</td></tr>
<tr><td>Diluted</td><td>$</td><td>1.18</td><td>$</td><td>0.98</td></tr>
<tr><td>Shares used in computing earnings per share:</td><td></td><td></td><td></td><td></td></tr>
<tr><td>Diluted</td><td></td><td>15,000</td><td></td><td>16,000</td></tr>
</table>
<table><tr><td>Exhibit</td><td>Description</td></tr><tr><td>31.1</td><td>Certification</td></tr></table>
</body></html>`

func structuredDoc() models.RawDocument {
	return models.NewRawDocument(testFiling, models.DocStructured, "aapl-20231230_htm.xml", []byte(instanceXML))
}

func narrativeDoc() models.RawDocument {
	return models.NewRawDocument(testFiling, models.DocNarrative, "aapl-20231230.htm", []byte(statementHTML))
}

func TestParseXBRL(t *testing.T) {
	doc := structuredDoc()
	facts, err := New(nil).Parse(doc, date(2023, 12, 30))
	require.NoError(t, err)
	require.Len(t, facts, 4, "nil, non-numeric and unknown-context items are rejected")

	rev := facts[0]
	assert.Equal(t, 0, rev.Seq)
	assert.Equal(t, "us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax", rev.Tag)
	assert.Equal(t, "RevenueFromContractWithCustomerExcludingAssessedTax", rev.Label)
	assert.Equal(t, 119575000000.0, rev.Value)
	assert.Equal(t, models.MeasureCurrency, rev.Unit.Measure)
	assert.Equal(t, "USD", rev.Unit.Currency)
	assert.Equal(t, 1.0, rev.Unit.Scale)
	assert.Equal(t, models.SpecificityExplicit, rev.Unit.Specificity)
	assert.Equal(t, date(2023, 10, 1), rev.PeriodStart)
	assert.Equal(t, date(2023, 12, 30), rev.PeriodEnd)
	assert.False(t, rev.Dimensional)
	assert.True(t, rev.DeclaredPeriodMatch)
	assert.Equal(t, doc.Hash, rev.DocumentHash)
	assert.Equal(t, testFiling, rev.Filing)
	assert.Equal(t, models.LocatorByte, rev.Locator.Kind)
	assert.True(t, strings.HasPrefix(rev.Locator.Quote, "<us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax"))
	assert.True(t, strings.HasSuffix(rev.Locator.Quote, "</us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax>"))

	assert.True(t, facts[1].Dimensional)

	eps := facts[2]
	assert.Equal(t, models.MeasurePerShare, eps.Unit.Measure)
	assert.Equal(t, 2.18, eps.Value)

	shares := facts[3]
	assert.Equal(t, "dei:EntityCommonStockSharesOutstanding", shares.Tag)
	assert.Equal(t, models.MeasureShares, shares.Unit.Measure)
	assert.True(t, shares.IsInstant())
	assert.False(t, shares.DeclaredPeriodMatch)

	for _, f := range facts {
		got, err := Resolve(doc, f.Locator)
		require.NoError(t, err)
		assert.Equal(t, f.Locator.Quote, got)
	}
}

func TestParseXBRLMalformed(t *testing.T) {
	doc := models.NewRawDocument(testFiling, models.DocStructured, "bad.xml", []byte(`<xbrl><unclosed contextRef="Q">1</xbrl>`))
	_, err := New(nil).Parse(doc, time.Time{})
	assert.Error(t, err)
}

func TestParseNarrativeScaledNetSales(t *testing.T) {
	doc := narrativeDoc()
	facts, err := New(nil).Parse(doc, date(2023, 12, 31))
	require.NoError(t, err)
	require.Len(t, facts, 8)

	sales := facts[0]
	assert.Equal(t, "Net sales", sales.Label)
	assert.Equal(t, 1000000.0, sales.Value)
	assert.Equal(t, 1e3, sales.Unit.Scale)
	assert.Equal(t, 1e9, sales.Value*sales.Unit.Scale)
	assert.Equal(t, models.SpecificityDeclared, sales.Unit.Specificity)
	assert.Equal(t, date(2023, 12, 31), sales.PeriodEnd)
	assert.InDelta(t, 90, sales.DurationDays(), 2)
	assert.True(t, sales.DeclaredPeriodMatch)
	assert.Equal(t, models.LocatorStructural, sales.Locator.Kind)
	assert.Equal(t, "table[0]/tr[2]/td[2]", sales.Locator.Path)
	assert.Equal(t, "Net sales | $ | 1,000,000 | $ | 900,000", sales.Locator.Quote)

	prior := facts[1]
	assert.Equal(t, 900000.0, prior.Value)
	assert.Equal(t, date(2022, 12, 31), prior.PeriodEnd)
	assert.False(t, prior.DeclaredPeriodMatch)

	assert.Equal(t, "Earnings per share Basic", facts[2].Label)
	assert.Equal(t, models.MeasurePerShare, facts[2].Unit.Measure)
	assert.Equal(t, 1.0, facts[2].Unit.Scale)

	assert.Equal(t, "Earnings per share Diluted", facts[4].Label)
	assert.Equal(t, 1.18, facts[4].Value)

	shares := facts[6]
	assert.Equal(t, "Shares used in computing earnings per share Diluted", shares.Label)
	assert.Equal(t, models.MeasureShares, shares.Unit.Measure)
	assert.Equal(t, 1e3, shares.Unit.Scale)

	for _, f := range facts {
		got, err := Resolve(doc, f.Locator)
		require.NoError(t, err)
		assert.Equal(t, f.Locator.Quote, got)
	}
}

func TestResolverParsesEachDocumentOnce(t *testing.T) {
	doc := narrativeDoc()
	facts, err := New(nil).Parse(doc, date(2023, 12, 31))
	require.NoError(t, err)
	require.Greater(t, len(facts), 1)

	r := NewResolver()
	for _, f := range facts {
		got, err := r.Resolve(doc, f.Locator)
		require.NoError(t, err)
		assert.Equal(t, f.Locator.Quote, got)
	}
	assert.Equal(t, 1, r.parsed)

	md, err := RenderMarkdown(doc)
	require.NoError(t, err)
	_, err = r.Resolve(md, models.Locator{Kind: models.LocatorByte, Start: 0, End: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, r.parsed, "byte locators never parse")
}

func TestParseIsDeterministic(t *testing.T) {
	p := New(nil)
	for _, doc := range []models.RawDocument{structuredDoc(), narrativeDoc()} {
		first, err := p.Parse(doc, date(2023, 12, 31))
		require.NoError(t, err)
		second, err := p.Parse(doc, date(2023, 12, 31))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestRenderAndParseMarkdown(t *testing.T) {
	md, err := RenderMarkdown(narrativeDoc())
	require.NoError(t, err)
	assert.Equal(t, models.DocMarkdown, md.Kind)
	assert.Equal(t, "aapl-20231230.md", md.Name)
	assert.Equal(t, models.ContentHash(md.Content), md.Hash)

	facts, err := New(nil).Parse(md, date(2023, 12, 31))
	require.NoError(t, err)
	require.Len(t, facts, 8)

	sales := facts[0]
	assert.Equal(t, "Net sales", sales.Label)
	assert.Equal(t, 1e9, sales.Value*sales.Unit.Scale)
	assert.Equal(t, date(2023, 12, 31), sales.PeriodEnd)
	assert.Equal(t, models.LocatorByte, sales.Locator.Kind)
	assert.Equal(t, "| Net sales | $ | 1,000,000 | $ | 900,000 |", sales.Locator.Quote)

	assert.Equal(t, 1e3, facts[6].Unit.Scale)

	for _, f := range facts {
		got, err := Resolve(md, f.Locator)
		require.NoError(t, err)
		assert.Equal(t, f.Locator.Quote, got)
	}
}

func TestParseMarkdownTable(t *testing.T) {
	src := "Results of operations (in millions)\n\n" +
		"| | Year Ended September 30, 2023 | Year Ended September 24, 2022 |\n" +
		"| --- | ---: | ---: |\n" +
		"| **Total net sales** | 383,285 | 394,328 |\n" +
		"| Net income | 96,995 | 99,803 |\n"
	doc := models.NewRawDocument(testFiling, models.DocMarkdown, "10k.md", []byte(src))

	facts, err := New(nil).Parse(doc, date(2023, 9, 30))
	require.NoError(t, err)
	require.Len(t, facts, 4)

	assert.Equal(t, "Total net sales", facts[0].Label)
	assert.Equal(t, 383285.0, facts[0].Value)
	assert.Equal(t, 1e6, facts[0].Unit.Scale)
	assert.InDelta(t, 365, facts[0].DurationDays(), 2)
	assert.Equal(t, date(2022, 9, 24), facts[1].PeriodEnd)
	assert.Equal(t, "Net income", facts[2].Label)

	start := strings.Index(src, "| Net income")
	assert.Equal(t, int64(start), facts[2].Locator.Start)
}

func TestParseSkipsTablesWithoutPeriods(t *testing.T) {
	html := `<table><tr><td>Net sales</td><td>1,000</td></tr></table>`
	doc := models.NewRawDocument(testFiling, models.DocNarrative, "x.htm", []byte(html))
	facts, err := New(nil).Parse(doc, date(2023, 12, 31))
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestParseRejectsBadInput(t *testing.T) {
	p := New(nil)
	_, err := p.Parse(models.RawDocument{Kind: models.DocNarrative, Name: "empty.htm"}, time.Time{})
	assert.Error(t, err)

	_, err = p.Parse(models.NewRawDocument(testFiling, "pdf", "x.pdf", []byte("%PDF")), time.Time{})
	assert.Error(t, err)
}

func TestResolveErrors(t *testing.T) {
	doc := narrativeDoc()

	_, err := Resolve(doc, models.Locator{Kind: models.LocatorByte, Start: 10, End: int64(len(doc.Content) + 1)})
	assert.Error(t, err)

	_, err = Resolve(doc, models.Locator{Kind: models.LocatorStructural, Path: "table[0]/tr[2]/td[9]"})
	assert.Error(t, err)

	_, err = Resolve(doc, models.Locator{Kind: models.LocatorStructural, Path: "table[7]/tr[0]/td[0]"})
	assert.Error(t, err)

	_, err = Resolve(doc, models.Locator{Kind: models.LocatorStructural, Path: "row 3"})
	assert.Error(t, err)

	md := models.NewRawDocument(testFiling, models.DocMarkdown, "x.md", []byte("| a |"))
	_, err = Resolve(md, models.Locator{Kind: models.LocatorStructural, Path: "table[0]/tr[0]/td[0]"})
	assert.Error(t, err)
}

func TestSplitRowPairsSplitNegative(t *testing.T) {
	row := tableRow{cells: []tableCell{
		{text: "Other income (expense), net", span: 1},
		{text: "", col: 1, span: 1, index: 1},
		{text: "(1,500", col: 2, span: 1, index: 2},
		{text: ")", col: 3, span: 1, index: 3},
		{text: "2,000", col: 4, span: 1, index: 4},
	}}
	label, nums := splitRow(row)
	assert.Equal(t, "Other income (expense), net", label)
	require.Len(t, nums, 2)
	assert.Equal(t, "(1,500)", nums[0].text)
	assert.Equal(t, 2, nums[0].index, "the locator still points at the source cell")
	v, ok := parseNumber(nums[0].text)
	require.True(t, ok)
	assert.Equal(t, -1500.0, v)

	unclosed := tableRow{cells: []tableCell{
		{text: "Other income", span: 1},
		{text: "(1,500", col: 1, span: 1, index: 1},
		{text: "2,000", col: 2, span: 1, index: 2},
	}}
	_, nums = splitRow(unclosed)
	require.Len(t, nums, 1)
	assert.Equal(t, "2,000", nums[0].text)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"1,234", 1234, true},
		{"$ 1,234.56", 1234.56, true},
		{"(1,234)", -1234, true},
		{"(1,234", 0, false},
		{"1,234)", 0, false},
		{"-12", -12, true},
		{"—", 0, false},
		{"-", 0, false},
		{"", 0, false},
		{"12.5%", 0, false},
		{"N/A", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseNumber(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectScale(t *testing.T) {
	tests := []struct {
		text             string
		currency, shares float64
		declared         bool
	}{
		{"(In millions, except per share amounts)", 1e6, 1e6, true},
		{"(In millions, except number of shares, which are reflected in thousands, and per-share amounts)", 1e6, 1e3, true},
		{"(in thousands, except share and per share data)", 1e3, 1, true},
		{"($ in billions)", 1e9, 1e9, true},
		{"Consolidated Statements of Operations", 1, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			s := detectScale(tt.text)
			assert.Equal(t, tt.currency, s.currency)
			assert.Equal(t, tt.shares, s.shares)
			assert.Equal(t, tt.declared, s.declared)
		})
	}
}

func TestParsePeriod(t *testing.T) {
	declared := date(2023, 9, 30)

	start, end, ok := parsePeriod("Three Months Ended December 30, 2023", 0, declared)
	require.True(t, ok)
	assert.Equal(t, date(2023, 12, 30), end)
	assert.Equal(t, date(2023, 10, 1), start)

	start, end, ok = parsePeriod("2022", 12, declared)
	require.True(t, ok)
	assert.Equal(t, date(2022, 9, 30), end)
	assert.InDelta(t, 365, end.Sub(start).Hours()/24, 2)

	start, end, ok = parsePeriod("September 30, 2023", 0, declared)
	require.True(t, ok)
	assert.Equal(t, start, end)

	_, _, ok = parsePeriod("Three Months Ended", 0, declared)
	assert.False(t, ok)
}
