// Package synonym maps heterogeneous filing labels and XBRL concepts onto the
// canonical metric taxonomy. The mapping is data: an embedded YAML table that
// can be extended or overridden by an external YAML or HJSON file.
package synonym

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"filing_valuation/pkg/models"

	"github.com/hjson/hjson-go/v4"
	"gopkg.in/yaml.v2"
)

//go:embed default.yaml
var defaultTable []byte

// DefaultFuzzyThreshold is used when a table does not set one.
const DefaultFuzzyThreshold = 0.86

// MatchKind says which rule produced a match.
type MatchKind string

const (
	MatchTag     MatchKind = "tag"
	MatchPattern MatchKind = "pattern"
	MatchFuzzy   MatchKind = "fuzzy"
)

// Match is the metric a label or tag resolved to.
type Match struct {
	Metric models.Metric
	Kind   MatchKind
	Score  float64 // 1 for tag and pattern matches
}

// Exact reports whether the match came from a tag or pattern rather than the fuzzy fallback.
func (m Match) Exact() bool {
	return m.Kind != MatchFuzzy
}

// Entry is one metric row of the table as written in the file.
type Entry struct {
	Metric   models.Metric  `yaml:"metric" json:"metric"`
	Measure  models.Measure `yaml:"measure" json:"measure"`
	Summable bool           `yaml:"summable" json:"summable"`
	Tags     []string       `yaml:"tags" json:"tags"`
	Patterns []string       `yaml:"patterns" json:"patterns"`
	Excludes []string       `yaml:"excludes" json:"excludes"`
	Aliases  []string       `yaml:"aliases" json:"aliases"`
}

// Table is the file format of a synonym dictionary.
type Table struct {
	Version        int     `yaml:"version" json:"version"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" json:"fuzzy_threshold"`
	Metrics        []Entry `yaml:"metrics" json:"metrics"`
}

type compiledEntry struct {
	Entry
	patterns []*regexp.Regexp
	excludes []*regexp.Regexp
	aliases  []string
}

// Dictionary is an immutable, compiled synonym table. Safe for concurrent use.
type Dictionary struct {
	entries   []compiledEntry
	byMetric  map[models.Metric]int
	byTag     map[string]models.Metric
	threshold float64
	digest    string
}

var (
	defaultOnce sync.Once
	defaultDict *Dictionary
	defaultErr  error
)

// Default returns the dictionary built from the embedded table.
func Default() *Dictionary {
	defaultOnce.Do(func() {
		defaultDict, defaultErr = Parse(defaultTable, "yaml")
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded synonym table is invalid: %v", defaultErr))
	}
	return defaultDict
}

// Load reads a table from path. The format follows the extension:
// .yaml/.yml via YAML, .hjson/.json via HJSON.
func Load(path string) (*Dictionary, error) {
	table, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	return Compile(table)
}

// LoadWithOverrides merges the table at path over the embedded defaults.
// An entry for a metric that already exists has its tags, patterns, excludes
// and aliases prepended, so overrides are tried first.
func LoadWithOverrides(path string) (*Dictionary, error) {
	base, err := parseTable(defaultTable, "yaml")
	if err != nil {
		return nil, err
	}
	overrides, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	return Compile(MergeTables(base, overrides))
}

// ReadTable reads and decodes a table file without compiling it.
func ReadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to read synonym table: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return parseTable(data, format)
}

// Parse decodes and compiles a table. format is "yaml", "yml", "hjson" or "json".
func Parse(data []byte, format string) (*Dictionary, error) {
	table, err := parseTable(data, format)
	if err != nil {
		return nil, err
	}
	return Compile(table)
}

func parseTable(data []byte, format string) (Table, error) {
	var table Table
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &table); err != nil {
			return Table{}, fmt.Errorf("failed to parse synonym yaml: %w", err)
		}
	case "hjson", "json":
		if err := hjson.Unmarshal(data, &table); err != nil {
			return Table{}, fmt.Errorf("failed to parse synonym hjson: %w", err)
		}
	default:
		return Table{}, fmt.Errorf("unsupported synonym table format %q", format)
	}
	return table, nil
}

// MergeTables applies overrides on top of base.
func MergeTables(base, overrides Table) Table {
	merged := Table{Version: base.Version, FuzzyThreshold: base.FuzzyThreshold}
	if overrides.FuzzyThreshold > 0 {
		merged.FuzzyThreshold = overrides.FuzzyThreshold
	}

	index := make(map[models.Metric]int)
	for _, e := range base.Metrics {
		index[e.Metric] = len(merged.Metrics)
		merged.Metrics = append(merged.Metrics, e)
	}
	for _, o := range overrides.Metrics {
		i, ok := index[o.Metric]
		if !ok {
			index[o.Metric] = len(merged.Metrics)
			merged.Metrics = append(merged.Metrics, o)
			continue
		}
		e := merged.Metrics[i]
		e.Tags = append(append([]string{}, o.Tags...), e.Tags...)
		e.Patterns = append(append([]string{}, o.Patterns...), e.Patterns...)
		e.Excludes = append(append([]string{}, o.Excludes...), e.Excludes...)
		e.Aliases = append(append([]string{}, o.Aliases...), e.Aliases...)
		if o.Measure != "" {
			e.Measure = o.Measure
		}
		merged.Metrics[i] = e
	}
	return merged
}

// Compile validates a table and compiles its regular expressions.
func Compile(table Table) (*Dictionary, error) {
	d := &Dictionary{
		byMetric:  make(map[models.Metric]int),
		byTag:     make(map[string]models.Metric),
		threshold: table.FuzzyThreshold,
	}
	if d.threshold <= 0 || d.threshold > 1 {
		d.threshold = DefaultFuzzyThreshold
	}

	for _, e := range table.Metrics {
		if !models.IsKnownMetric(e.Metric) {
			return nil, fmt.Errorf("unknown metric %q in synonym table", e.Metric)
		}
		if _, dup := d.byMetric[e.Metric]; dup {
			return nil, fmt.Errorf("metric %q listed twice in synonym table", e.Metric)
		}
		if e.Measure == "" {
			e.Measure = models.MeasureCurrency
		}

		ce := compiledEntry{Entry: e}
		for _, p := range e.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("metric %s: bad pattern %q: %w", e.Metric, p, err)
			}
			ce.patterns = append(ce.patterns, re)
		}
		for _, p := range e.Excludes {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("metric %s: bad exclude %q: %w", e.Metric, p, err)
			}
			ce.excludes = append(ce.excludes, re)
		}
		for _, a := range e.Aliases {
			ce.aliases = append(ce.aliases, NormalizeLabel(a))
		}
		for _, tag := range e.Tags {
			local := localName(tag)
			if other, taken := d.byTag[local]; taken && other != e.Metric {
				return nil, fmt.Errorf("tag %q mapped to both %s and %s", local, other, e.Metric)
			}
			d.byTag[local] = e.Metric
		}

		d.byMetric[e.Metric] = len(d.entries)
		d.entries = append(d.entries, ce)
	}

	raw, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode synonym table: %w", err)
	}
	sum := sha256.Sum256(raw)
	d.digest = hex.EncodeToString(sum[:])
	return d, nil
}

// MatchTag maps an XBRL concept ("us-gaap:Revenues" or "Revenues") to its metric.
func (d *Dictionary) MatchTag(tag string) (Match, bool) {
	m, ok := d.byTag[localName(tag)]
	if !ok {
		return Match{}, false
	}
	return Match{Metric: m, Kind: MatchTag, Score: 1}, true
}

// MatchLabel maps a row label to its metric: patterns first, in table order,
// then the fuzzy fallback if the best alias similarity reaches the threshold.
func (d *Dictionary) MatchLabel(label string) (Match, bool) {
	norm := NormalizeLabel(label)
	if norm == "" {
		return Match{}, false
	}

	for _, e := range d.entries {
		if e.excluded(norm) {
			continue
		}
		for _, re := range e.patterns {
			if re.MatchString(norm) {
				return Match{Metric: e.Metric, Kind: MatchPattern, Score: 1}, true
			}
		}
	}

	best := Match{}
	for _, e := range d.entries {
		if e.excluded(norm) {
			continue
		}
		for _, alias := range e.aliases {
			if score := Similarity(norm, alias); score > best.Score {
				best = Match{Metric: e.Metric, Kind: MatchFuzzy, Score: score}
			}
		}
	}
	if best.Score >= d.threshold {
		return best, true
	}
	return Match{}, false
}

// Measure returns the dimension a metric is reported in.
func (d *Dictionary) Measure(m models.Metric) models.Measure {
	if i, ok := d.byMetric[m]; ok {
		return d.entries[i].Measure
	}
	return models.MeasureCurrency
}

// Summable reports whether quarterly values of m add up to a longer period.
func (d *Dictionary) Summable(m models.Metric) bool {
	if i, ok := d.byMetric[m]; ok {
		return d.entries[i].Summable
	}
	return false
}

// Threshold returns the fuzzy match threshold.
func (d *Dictionary) Threshold() float64 {
	return d.threshold
}

// Fingerprint identifies the table the dictionary was compiled from. Two
// dictionaries with the same fingerprint map every label the same way.
func (d *Dictionary) Fingerprint() string {
	return d.digest
}

// Metrics lists the metrics the dictionary knows, in table order.
func (d *Dictionary) Metrics() []models.Metric {
	out := make([]models.Metric, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.Metric)
	}
	return out
}

func (e compiledEntry) excluded(norm string) bool {
	for _, re := range e.excludes {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

var (
	lossPattern     = regexp.MustCompile(`(?i)\((loss|losses|deficit)\)`)
	footnotePattern = regexp.MustCompile(`\(\s*[0-9a-z]{1,2}\s*\)`)
	nonWordPattern  = regexp.MustCompile(`[^a-z0-9]+`)
)

// NormalizeLabel lower-cases a label, drops "(loss)" qualifiers and footnote
// markers, and reduces punctuation to single spaces.
func NormalizeLabel(label string) string {
	s := strings.ToLower(label)
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "’", "'")
	s = strings.ReplaceAll(s, "'s", "s")
	s = lossPattern.ReplaceAllString(s, " ")
	s = footnotePattern.ReplaceAllString(s, " ")
	s = nonWordPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
