package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"filing_valuation/pkg/models"
)

const (
	nsXBRLI = "http://www.xbrl.org/2003/instance"
	nsXSI   = "http://www.w3.org/2001/XMLSchema-instance"
)

type xbrlContext struct {
	ID        string    `xml:"id,attr"`
	Segment   *struct{} `xml:"entity>segment"`
	Scenario  *struct{} `xml:"scenario"`
	Instant   string    `xml:"period>instant"`
	StartDate string    `xml:"period>startDate"`
	EndDate   string    `xml:"period>endDate"`
}

// period returns the context's bounds; instants have start == end.
func (c xbrlContext) period() (time.Time, time.Time, bool) {
	if c.Instant != "" {
		t, err := parseXBRLDate(c.Instant)
		return t, t, err == nil
	}
	start, err := parseXBRLDate(c.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := parseXBRLDate(c.EndDate)
	if err != nil || end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (c xbrlContext) dimensional() bool {
	return c.Segment != nil || c.Scenario != nil
}

func parseXBRLDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	return time.Parse("2006-01-02", s)
}

type xbrlUnit struct {
	ID          string   `xml:"id,attr"`
	Measures    []string `xml:"measure"`
	Numerator   []string `xml:"divide>unitNumerator>measure"`
	Denominator []string `xml:"divide>unitDenominator>measure"`
}

func (u xbrlUnit) unit() models.Unit {
	out := models.Unit{Scale: 1, Specificity: models.SpecificityExplicit}
	if len(u.Numerator) == 1 && len(u.Denominator) == 1 {
		cur, isCurrency := currencyCode(u.Numerator[0])
		den := measureLocal(u.Denominator[0])
		if isCurrency && den == "shares" {
			out.Measure = models.MeasurePerShare
			out.Currency = cur
			return out
		}
		out.Measure = models.Measure(measureLocal(u.Numerator[0]) + "/" + den)
		return out
	}
	if len(u.Measures) != 1 {
		return out
	}
	if cur, ok := currencyCode(u.Measures[0]); ok {
		out.Measure = models.MeasureCurrency
		out.Currency = cur
		return out
	}
	switch local := measureLocal(u.Measures[0]); local {
	case "shares":
		out.Measure = models.MeasureShares
	case "pure":
		out.Measure = models.MeasurePure
	default:
		out.Measure = models.Measure(local)
	}
	return out
}

func currencyCode(measure string) (string, bool) {
	measure = strings.TrimSpace(measure)
	if rest, ok := strings.CutPrefix(measure, "iso4217:"); ok {
		return strings.ToUpper(rest), true
	}
	return "", false
}

func measureLocal(measure string) string {
	measure = strings.TrimSpace(measure)
	if i := strings.LastIndex(measure, ":"); i >= 0 {
		return measure[i+1:]
	}
	return measure
}

// xbrlItem is an element carrying a contextRef, before its context and unit are resolved.
type xbrlItem struct {
	name       xml.Name
	contextRef string
	unitRef    string
	isNil      bool
	nested     bool
	text       string
	start, end int64
}

// parseXBRL walks the instance token by token so every fact keeps the byte
// span of its element. Contexts and units may appear anywhere in the
// document, so items are resolved after the walk.
func parseXBRL(doc models.RawDocument) ([]models.Fact, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc.Content))
	prefixes := make(map[string]string)
	contexts := make(map[string]xbrlContext)
	units := make(map[string]models.Unit)
	var items []xbrlItem

	for {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read xbrl instance %s: %w", doc.Name, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		recordPrefixes(prefixes, se)

		switch {
		case se.Name.Space == nsXBRLI && se.Name.Local == "context":
			var c xbrlContext
			if err := dec.DecodeElement(&c, &se); err != nil {
				return nil, fmt.Errorf("failed to decode context in %s: %w", doc.Name, err)
			}
			contexts[c.ID] = c
		case se.Name.Space == nsXBRLI && se.Name.Local == "unit":
			var u xbrlUnit
			if err := dec.DecodeElement(&u, &se); err != nil {
				return nil, fmt.Errorf("failed to decode unit in %s: %w", doc.Name, err)
			}
			units[u.ID] = u.unit()
		default:
			item := xbrlItem{name: se.Name, start: start}
			for _, a := range se.Attr {
				switch {
				case a.Name.Space == "" && a.Name.Local == "contextRef":
					item.contextRef = a.Value
				case a.Name.Space == "" && a.Name.Local == "unitRef":
					item.unitRef = a.Value
				case a.Name.Space == nsXSI && a.Name.Local == "nil":
					item.isNil = a.Value == "true" || a.Value == "1"
				}
			}
			if item.contextRef == "" {
				continue
			}
			item.text, item.nested, err = readItemText(dec)
			if err != nil {
				return nil, fmt.Errorf("failed to read fact %s in %s: %w", se.Name.Local, doc.Name, err)
			}
			item.end = dec.InputOffset()
			items = append(items, item)
		}
	}

	facts := make([]models.Fact, 0, len(items))
	for _, item := range items {
		if item.isNil || item.nested || item.unitRef == "" {
			continue
		}
		c, ok := contexts[item.contextRef]
		if !ok {
			continue
		}
		periodStart, periodEnd, ok := c.period()
		if !ok {
			continue
		}
		unit, ok := units[item.unitRef]
		if !ok || unit.Measure == "" {
			continue
		}
		raw := strings.TrimSpace(item.text)
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}

		facts = append(facts, models.Fact{
			Label:       item.name.Local,
			Tag:         qualifiedName(prefixes, item.name),
			Value:       value,
			RawValue:    raw,
			Unit:        unit,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Context:     item.contextRef,
			Dimensional: c.dimensional(),
			Locator: models.Locator{
				Kind:  models.LocatorByte,
				Start: item.start,
				End:   item.end,
				Quote: string(doc.Content[item.start:item.end]),
			},
		})
	}
	return facts, nil
}

// readItemText consumes an item element up to its end tag and returns its
// direct character data. nested reports child elements (text blocks, tuples).
func readItemText(dec *xml.Decoder) (text string, nested bool, err error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			nested = true
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 1 {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nested, nil
}

func recordPrefixes(prefixes map[string]string, se xml.StartElement) {
	for _, a := range se.Attr {
		var prefix string
		switch {
		case a.Name.Space == "xmlns":
			prefix = a.Name.Local
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			prefix = ""
		default:
			continue
		}
		if _, seen := prefixes[a.Value]; !seen {
			prefixes[a.Value] = prefix
		}
	}
}

func qualifiedName(prefixes map[string]string, name xml.Name) string {
	if prefix := prefixes[name.Space]; prefix != "" {
		return prefix + ":" + name.Local
	}
	return name.Local
}
