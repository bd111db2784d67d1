package parse

import (
	"bytes"
	"fmt"
	"strings"

	"filing_valuation/pkg/models"

	"github.com/PuerkitoBio/goquery"
)

// RenderMarkdown produces the markdown rendition of a narrative document:
// each financial table as a GFM table preceded by its caption text. Colspans
// are exploded onto a virtual grid so columns stay aligned; label and header
// text (years included) is repeated across its span, values are written once.
func RenderMarkdown(doc models.RawDocument) (models.RawDocument, error) {
	if doc.Kind != models.DocNarrative {
		return models.RawDocument{}, fmt.Errorf("cannot render %s document %s as markdown", doc.Kind, doc.Name)
	}
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Content))
	if err != nil {
		return models.RawDocument{}, fmt.Errorf("failed to parse html document %s: %w", doc.Name, err)
	}

	var sb strings.Builder
	root.Find("table").Each(func(i int, sel *goquery.Selection) {
		t := htmlTable(i, sel)
		grid := renderGrid(t)
		if len(grid) < 2 {
			return
		}
		if t.context != "" {
			sb.WriteString(escapeMarkdown(t.context))
			sb.WriteString("\n\n")
		}
		writeMarkdownTable(&sb, grid)
		sb.WriteString("\n")
	})

	name := strings.TrimSuffix(doc.Name, ".htm")
	name = strings.TrimSuffix(name, ".html") + ".md"
	return models.NewRawDocument(doc.Filing, models.DocMarkdown, name, []byte(sb.String())), nil
}

// renderGrid places cell text on the logical columns, dropping rows that are
// empty once laid out.
func renderGrid(t table) [][]string {
	width := 0
	for _, r := range t.rows {
		for _, c := range r.cells {
			width = max(width, c.col+c.span)
		}
	}
	if width == 0 {
		return nil
	}

	var grid [][]string
	for _, r := range t.rows {
		line := make([]string, width)
		empty := true
		for _, c := range r.cells {
			if c.text == "" {
				continue
			}
			empty = false
			if _, numeric := parseNumber(c.text); numeric && !isYearCell(c.text) {
				line[c.col] = c.text
				continue
			}
			for col := c.col; col < c.col+c.span; col++ {
				line[col] = c.text
			}
		}
		if !empty {
			grid = append(grid, line)
		}
	}
	return grid
}

func writeMarkdownTable(sb *strings.Builder, grid [][]string) {
	for i, row := range grid {
		sb.WriteString("|")
		for _, cell := range row {
			sb.WriteString(" ")
			sb.WriteString(strings.ReplaceAll(cell, "|", `\|`))
			sb.WriteString(" |")
		}
		sb.WriteString("\n")

		// header delimiter after the first row
		if i == 0 {
			sb.WriteString("|")
			for range row {
				sb.WriteString(" --- |")
			}
			sb.WriteString("\n")
		}
	}
}

var markdownEscaper = strings.NewReplacer("|", `\|`, "*", `\*`, "_", `\_`, "#", `\#`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
