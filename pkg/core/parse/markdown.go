package parse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"filing_valuation/pkg/models"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

type byteSpan struct {
	start, end int
}

func (s byteSpan) valid() bool {
	return s.start >= 0 && s.end > s.start
}

var emphasis = strings.NewReplacer("**", "", "__", "", "`", "")

func (p *Parser) parseMarkdown(doc models.RawDocument, declared time.Time) ([]models.Fact, error) {
	src := doc.Content
	root := goldmark.New(goldmark.WithExtensions(extension.Table)).Parser().Parse(text.NewReader(src))

	var facts []models.Fact
	index := 0
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		tbl, ok := n.(*extast.Table)
		if !ok {
			return ast.WalkContinue, nil
		}

		t, spans := markdownTable(index, tbl, src)
		index++
		for _, v := range p.scanTable(t, declared) {
			span := spans[v.row.index]
			if !span.valid() {
				continue
			}
			facts = append(facts, v.fact(models.Locator{
				Kind:  models.LocatorByte,
				Start: int64(span.start),
				End:   int64(span.end),
				Quote: string(src[span.start:span.end]),
			}))
		}
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk markdown document %s: %w", doc.Name, err)
	}
	return facts, nil
}

// markdownTable converts a GFM table node into the grid view. The returned
// spans hold, per row, the bytes of the source line the row was written on.
func markdownTable(index int, tbl *extast.Table, src []byte) (table, []byteSpan) {
	t := table{index: index, context: markdownContext(tbl, src)}
	var spans []byteSpan

	for child := tbl.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *extast.TableHeader, *extast.TableRow:
		default:
			continue
		}

		row := tableRow{index: len(t.rows)}
		span := byteSpan{start: -1, end: -1}
		ci := 0
		for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
			if _, ok := cell.(*extast.TableCell); !ok {
				continue
			}
			cellText, seg := markdownCell(cell, src)
			if seg.valid() && span.start < 0 {
				span = lineSpan(src, seg.start)
			}
			row.cells = append(row.cells, tableCell{text: cellText, col: ci, span: 1, index: ci})
			ci++
		}
		t.rows = append(t.rows, row)
		spans = append(spans, span)
	}
	return t, spans
}

// markdownCell returns the cleaned text of a table cell and its byte range.
func markdownCell(cell ast.Node, src []byte) (string, byteSpan) {
	span := byteSpan{start: -1, end: -1}
	extend := func(start, stop int) {
		if stop <= start {
			return
		}
		if span.start < 0 || start < span.start {
			span.start = start
		}
		if stop > span.end {
			span.end = stop
		}
	}

	lines := cell.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		extend(seg.Start, seg.Stop)
	}
	if span.start < 0 {
		_ = ast.Walk(cell, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if t, ok := n.(*ast.Text); ok && entering {
				extend(t.Segment.Start, t.Segment.Stop)
			}
			return ast.WalkContinue, nil
		})
	}
	if !span.valid() {
		return "", span
	}
	raw := strings.ReplaceAll(string(src[span.start:span.end]), `\|`, "|")
	return cleanText(emphasis.Replace(raw)), span
}

// lineSpan widens an offset to the source line that contains it, without
// the line terminator.
func lineSpan(src []byte, offset int) byteSpan {
	start := bytes.LastIndexByte(src[:offset], '\n') + 1
	end := len(src)
	if i := bytes.IndexByte(src[offset:], '\n'); i >= 0 {
		end = offset + i
	}
	if end > start && src[end-1] == '\r' {
		end--
	}
	return byteSpan{start: start, end: end}
}

// markdownContext collects the text of the two blocks before the table.
func markdownContext(tbl ast.Node, src []byte) string {
	var parts []string
	for n := tbl.PreviousSibling(); n != nil && len(parts) < 2; n = n.PreviousSibling() {
		if _, ok := n.(*extast.Table); ok {
			break
		}
		lines := n.Lines()
		var sb strings.Builder
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(src))
			sb.WriteByte(' ')
		}
		if text := cleanText(emphasis.Replace(sb.String())); text != "" && len(text) <= maxContextText {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
