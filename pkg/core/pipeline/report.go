package pipeline

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"filing_valuation/pkg/models"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const maxQuoteLen = 300

// RenderReport writes a markdown research note for a result: snapshot,
// valuation, KPI table, what changed against a previous report (when deltas
// are given), gaps, and the evidence every number rests on.
func RenderReport(result *AnalysisResult, deltas []Delta) string {
	var sb strings.Builder
	f := result.Filing

	fmt.Fprintf(&sb, "# Valuation Report: %s (%s)\n\n", displayName(f), result.Ticker)
	fmt.Fprintf(&sb, "**Generated:** %s  \n", result.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "**Run:** `%s`  \n", result.RunID)
	fmt.Fprintf(&sb, "**CIK:** %s  \n", f.CIK)
	fmt.Fprintf(&sb, "**Filing:** %s %s, period ended %s, filed %s\n\n",
		f.FormType, f.AccessionNumber, f.PeriodEnd.Format("2006-01-02"), f.FilingDate.Format("2006-01-02"))

	sb.WriteString("## Price\n\n")
	if result.Price.Close > 0 {
		fmt.Fprintf(&sb, "$%.2f close on %s (requested %s, source %s)\n\n",
			result.Price.Close, result.Price.Date.Format("2006-01-02"),
			result.Price.RequestedDate.Format("2006-01-02"), result.Price.Source)
	} else {
		fmt.Fprintf(&sb, "No price available: %s\n\n", orDash(result.PriceError))
	}

	sb.WriteString("## Valuation\n\n")
	sb.WriteString("| Ratio | Value | Status | Basis | Notes |\n")
	sb.WriteString("|-------|-------|--------|-------|-------|\n")
	for _, r := range result.Ratios {
		value := "N/A"
		if r.HasValue() {
			value = formatRatio(r)
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
			r.Name, value, r.Status, orDash(string(r.Basis)), cell(strings.Join(r.Notes, "; ")))
	}
	sb.WriteString("\n")

	if len(result.Implied) > 0 {
		sb.WriteString("### Implied by peers\n\n")
		sb.WriteString("| Multiple | Low | High | Basis |\n")
		sb.WriteString("|----------|-----|------|-------|\n")
		for _, ip := range result.Implied {
			fmt.Fprintf(&sb, "| %s | $%.2f | $%.2f | %s |\n", ip.Multiple, ip.Low, ip.High, ip.Basis)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## KPIs\n\n")
	sb.WriteString("| Metric | Period | Value | Source |\n")
	sb.WriteString("|--------|--------|-------|--------|\n")
	for _, r := range result.Records {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", r.Metric, r.Period, formatValue(r.Measure, r.Value), cell(recordSource(r)))
	}
	sb.WriteString("\n")

	if len(deltas) > 0 {
		writeDeltas(&sb, deltas)
	}

	if len(result.Failures) > 0 {
		sb.WriteString("## Not Reported\n\n")
		for _, fl := range result.Failures {
			fmt.Fprintf(&sb, "- **%s** (%s, %s): %s\n", fl.Metric, fl.Period, fl.Kind, fl.Reason)
		}
		sb.WriteString("\n")
	}

	if len(result.Checks) > 0 {
		sb.WriteString("## Integrity Checks\n\n")
		sb.WriteString("| Metric | Period | Reported | Calculated | Formula | Status |\n")
		sb.WriteString("|--------|--------|----------|------------|---------|--------|\n")
		for _, c := range result.Checks {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s |\n", c.Metric, c.Period,
				formatValue(c.Measure, c.Reported), formatValue(c.Measure, c.Calculated), c.Formula, c.Status)
		}
		sb.WriteString("\n")
	}

	if len(result.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range result.Warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Evidence\n\n")
	for i, it := range result.Evidence {
		fmt.Fprintf(&sb, "%d. **%s** from %s document `%s` at `%s` (%s)\n",
			i+1, it.Metric, it.DocumentKind, shortDigest(it.DocumentHash), it.Locator, it.Filing.AccessionNumber)
		if quote := strings.TrimSpace(it.Locator.Quote); quote != "" {
			fmt.Fprintf(&sb, "   > %s\n", clip(strings.ReplaceAll(quote, "\n", " "), maxQuoteLen))
		}
	}
	return sb.String()
}

// ReportHTML renders a markdown report to HTML, tables included.
func ReportHTML(markdown string) ([]byte, error) {
	var buf bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

func writeDeltas(sb *strings.Builder, deltas []Delta) {
	sb.WriteString("## What Changed\n\n")
	sb.WriteString("| Metric | Period | Current | Previous | Change | % Change |\n")
	sb.WriteString("|--------|--------|---------|----------|--------|----------|\n")
	for _, d := range deltas {
		current, previous, change, pct := "N/A", "N/A", "N/A", "N/A"
		if d.Current != nil {
			current = formatValue(d.Measure, *d.Current)
		}
		if d.Previous != nil {
			previous = formatValue(d.Measure, *d.Previous)
		}
		if d.Change != nil {
			change = signed(*d.Change) + formatValue(d.Measure, math.Abs(*d.Change))
		}
		if d.PercentChange != nil {
			if d.New() {
				pct = "new"
			} else {
				pct = fmt.Sprintf("%s%.1f%%", signed(*d.PercentChange), math.Abs(*d.PercentChange))
			}
		}
		fmt.Fprintf(sb, "| %s | %s | %s | %s | %s | %s |\n", d.Metric, d.Period, current, previous, change, pct)
	}
	sb.WriteString("\n")
}

func recordSource(r models.KPIRecord) string {
	var parts []string
	if r.Derived {
		parts = append(parts, "derived: "+r.Formula)
	} else if len(r.Sources) > 0 {
		src := r.Sources[0]
		text := fmt.Sprintf("%s %q", src.DocumentKind, src.Label)
		if src.Section != "" {
			text += " in " + src.Section
		}
		parts = append(parts, text)
	}
	if r.Audit.TieBroken {
		parts = append(parts, fmt.Sprintf("tie-broken by %s over %d candidates", r.Audit.Policy, r.Audit.Candidates))
	}
	parts = append(parts, r.Audit.Notes...)
	return strings.Join(parts, "; ")
}

func formatRatio(r models.RatioResult) string {
	if r.Name == models.RatioMarketCap || r.Name == models.RatioEV {
		return formatValue(models.MeasureCurrency, r.Value)
	}
	return fmt.Sprintf("%.2fx", r.Value)
}

// formatValue renders a value in its measure: money and share counts scaled
// to B or M, per-share amounts in dollars, pure ratios as percentages.
func formatValue(measure models.Measure, v float64) string {
	switch measure {
	case models.MeasurePerShare:
		return fmt.Sprintf("$%.2f", v)
	case models.MeasurePure:
		return fmt.Sprintf("%.1f%%", v*100)
	case models.MeasureShares:
		return scaled(v, "")
	}
	return scaled(v, "$")
}

func scaled(v float64, prefix string) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s%s%.2fB", sign, prefix, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s%s%.2fM", sign, prefix, v/1e6)
	}
	return fmt.Sprintf("%s%s%.2f", sign, prefix, v)
}

func signed(v float64) string {
	if v < 0 {
		return "-"
	}
	return "+"
}

func displayName(f models.Filing) string {
	if f.CompanyName != "" {
		return f.CompanyName
	}
	return f.CIK
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortDigest(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
