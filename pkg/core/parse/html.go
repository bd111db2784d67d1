package parse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filing_valuation/pkg/models"

	"github.com/PuerkitoBio/goquery"
)

const maxContextText = 400

func (p *Parser) parseHTML(doc models.RawDocument, declared time.Time) ([]models.Fact, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html document %s: %w", doc.Name, err)
	}

	var facts []models.Fact
	root.Find("table").Each(func(i int, sel *goquery.Selection) {
		t := htmlTable(i, sel)
		for _, v := range p.scanTable(t, declared) {
			facts = append(facts, v.fact(models.Locator{
				Kind:  models.LocatorStructural,
				Path:  tablePath(t.index, v.row.index, v.cell.index),
				Quote: v.row.quote(),
			}))
		}
	})
	return facts, nil
}

// htmlTable lays the table's cells on a virtual grid so that colspans and
// rowspans from rows above shift later cells to their true columns.
func htmlTable(index int, sel *goquery.Selection) table {
	t := table{index: index, context: tableContext(sel)}
	occupied := make(map[[2]int]bool)

	sel.Find("tr").Each(func(r int, tr *goquery.Selection) {
		row := tableRow{index: r}
		col := 0
		tr.ChildrenFiltered("td, th").Each(func(c int, cell *goquery.Selection) {
			for occupied[[2]int{r, col}] {
				col++
			}
			colspan := spanAttr(cell, "colspan")
			rowspan := spanAttr(cell, "rowspan")
			row.cells = append(row.cells, tableCell{
				text:  cleanText(cell.Text()),
				col:   col,
				span:  colspan,
				index: c,
			})
			for dr := 1; dr < rowspan; dr++ {
				for dc := 0; dc < colspan; dc++ {
					occupied[[2]int{r + dr, col + dc}] = true
				}
			}
			col += colspan
		})
		t.rows = append(t.rows, row)
	})
	return t
}

func spanAttr(cell *goquery.Selection, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cell.AttrOr(name, "1")))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// tableContext collects the caption and the closest text blocks before the
// table, climbing to ancestors when the table opens its container.
func tableContext(sel *goquery.Selection) string {
	var parts []string
	if caption := cleanText(sel.ChildrenFiltered("caption").Text()); caption != "" {
		parts = append(parts, caption)
	}

	node := sel
	for level := 0; level < 3 && node.Length() > 0; level++ {
		found := 0
		node.PrevAll().EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if goquery.NodeName(s) == "table" || s.Find("table").Length() > 0 {
				return false
			}
			text := cleanText(s.Text())
			if text == "" {
				return true
			}
			if len(text) <= maxContextText {
				parts = append(parts, text)
			}
			found++
			return found < 2
		})
		if found > 0 {
			break
		}
		node = node.Parent()
	}
	return strings.Join(parts, " ")
}

func tablePath(table, row, cell int) string {
	return fmt.Sprintf("table[%d]/tr[%d]/td[%d]", table, row, cell)
}

func parseTablePath(path string) (table, row, cell int, err error) {
	n, err := fmt.Sscanf(path, "table[%d]/tr[%d]/td[%d]", &table, &row, &cell)
	if err != nil || n != 3 {
		return 0, 0, 0, fmt.Errorf("malformed table path %q", path)
	}
	return table, row, cell, nil
}

// resolveTablePath renders the row a path points at in an already parsed
// document, failing when the addressed cell does not exist.
func resolveTablePath(root *goquery.Document, path string) (string, error) {
	ti, ri, ci, err := parseTablePath(path)
	if err != nil {
		return "", err
	}

	tables := root.Find("table")
	if ti < 0 || ti >= tables.Length() {
		return "", fmt.Errorf("%s: document has %d tables", path, tables.Length())
	}
	rows := tables.Eq(ti).Find("tr")
	if ri < 0 || ri >= rows.Length() {
		return "", fmt.Errorf("%s: table has %d rows", path, rows.Length())
	}
	cells := rows.Eq(ri).ChildrenFiltered("td, th")
	if ci < 0 || ci >= cells.Length() {
		return "", fmt.Errorf("%s: row has %d cells", path, cells.Length())
	}

	texts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		texts = append(texts, cleanText(c.Text()))
	})
	return joinCells(texts), nil
}
