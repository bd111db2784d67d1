package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CELL VALUES - Clean and parse reported numbers
// =============================================================================

var (
	numberPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	yearPattern   = regexp.MustCompile(`^(19|20)\d{2}$`)
	cellCleaner   = strings.NewReplacer("$", "", ",", "", " ", "", "€", "", "£", "")
)

// parseNumber parses a table cell as a reported number.
// Handles:
//
//	"(1,234)" → -1234 (parentheses = negative)
//	"(1,234" → not a number; splitNegative pairs it with a ")" cell
//	"$ 1,234.56" → 1234.56
//	"—", "-", "" → not a number
//	"12.5%" → not a number
func parseNumber(raw string) (float64, bool) {
	s := cellCleaner.Replace(strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}

	negative := false
	switch {
	case strings.HasPrefix(s, "("):
		if !strings.HasSuffix(s, ")") {
			return 0, false
		}
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	case strings.HasPrefix(s, "-"), strings.HasPrefix(s, "−"):
		negative = true
		s = strings.TrimLeft(s, "-−")
	}

	if !numberPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

func isYearCell(raw string) bool {
	return yearPattern.MatchString(strings.TrimSpace(raw))
}

// cleanText collapses all whitespace runs, including non-breaking spaces, to single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// SCALE DETECTION - "in millions", "in thousands", share scales
// =============================================================================

type tableScale struct {
	currency float64
	shares   float64
	declared bool
}

var (
	shareScalePattern    = regexp.MustCompile(`(?:number of )?shares?,?(?: which are)?(?: reflected| presented| stated| expressed)?\s+in\s+(thousands|millions|billions)`)
	currencyScalePattern = regexp.MustCompile(`\bin\s+(thousands|millions|billions)\b|\b(thousands|millions|billions)\s+of\s+(?:u\.?s\.?\s+)?dollars\b|\(\s*\$?\s*(000)'?s?\s*\)`)
	exceptSharesPattern  = regexp.MustCompile(`except(?:\s+for)?\s+(?:the\s+)?(?:number of shares|shares?(?:\s+and|\s*,|\s+data|\s+amounts|\s+outstanding))`)
)

// detectScale reads the unit scale a caption or header declares.
// Examples:
//
//	"(in millions, except per share amounts)" → currency 1e6, shares 1e6
//	"(In millions, except number of shares, which are reflected in thousands)" → currency 1e6, shares 1e3
//	"(in thousands, except share and per share data)" → currency 1e3, shares 1
func detectScale(text string) tableScale {
	s := tableScale{currency: 1, shares: 1}
	lower := strings.ToLower(text)

	shareMatch := shareScalePattern.FindStringSubmatch(lower)
	rest := shareScalePattern.ReplaceAllString(lower, " ")

	if m := currencyScalePattern.FindStringSubmatch(rest); m != nil {
		s.currency = scaleWord(firstNonEmpty(m[1:]))
		s.declared = true
		if !exceptSharesPattern.MatchString(rest) {
			s.shares = s.currency
		}
	}
	if shareMatch != nil {
		s.shares = scaleWord(shareMatch[1])
		s.declared = true
	}
	return s
}

func scaleWord(w string) float64 {
	switch w {
	case "thousands", "000":
		return 1e3
	case "millions":
		return 1e6
	case "billions":
		return 1e9
	}
	return 1
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// PERIOD HEADERS - "Three Months Ended December 30, 2023", "2023"
// =============================================================================

var (
	monthsEndedPattern = regexp.MustCompile(`\b(three|six|nine|twelve|3|6|9|12)\s+months?\s+end`)
	weeksEndedPattern  = regexp.MustCompile(`\b(thirteen|twenty-six|thirty-nine|fifty-two|fifty-three|13|26|39|52|53)\s+weeks?\s+end`)
	yearEndedPattern   = regexp.MustCompile(`\b(?:fiscal\s+)?years?\s+end`)
	quarterPattern     = regexp.MustCompile(`\bquarters?\s+end`)
	monthDatePattern   = regexp.MustCompile(`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+((?:19|20)\d{2})\b`)
	slashDatePattern   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/((?:19|20)\d{2})\b`)
	headerYearPattern  = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
)

var monthNumbers = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// durationMonths returns the span a header names, or 0 when it names none.
func durationMonths(header string) int {
	lower := strings.ToLower(header)
	if m := monthsEndedPattern.FindStringSubmatch(lower); m != nil {
		switch m[1] {
		case "three", "3":
			return 3
		case "six", "6":
			return 6
		case "nine", "9":
			return 9
		default:
			return 12
		}
	}
	if m := weeksEndedPattern.FindStringSubmatch(lower); m != nil {
		switch m[1] {
		case "thirteen", "13":
			return 3
		case "twenty-six", "26":
			return 6
		case "thirty-nine", "39":
			return 9
		default:
			return 12
		}
	}
	if yearEndedPattern.MatchString(lower) {
		return 12
	}
	if quarterPattern.MatchString(lower) {
		return 3
	}
	return 0
}

// headerDate finds the period end a header names. A bare year resolves
// against the declared period end of the filing.
func headerDate(header string, declared time.Time) (time.Time, bool) {
	lower := strings.ToLower(header)
	if m := monthDatePattern.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return time.Date(year, monthNumbers[m[1]], day, 0, 0, 0, 0, time.UTC), true
	}
	if m := slashDatePattern.FindStringSubmatch(lower); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
		}
	}
	if m := headerYearPattern.FindStringSubmatch(lower); m != nil {
		year, _ := strconv.Atoi(m[1])
		if declared.IsZero() {
			return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC), true
		}
		d := declared.UTC()
		return time.Date(year, d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// parsePeriod turns a column header into a period. Headers without a
// duration are instants unless defaultMonths says otherwise.
func parsePeriod(header string, defaultMonths int, declared time.Time) (start, end time.Time, ok bool) {
	end, ok = headerDate(header, declared)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	months := durationMonths(header)
	if months == 0 {
		months = defaultMonths
	}
	if months == 0 {
		return end, end, true
	}
	return end.AddDate(0, -months, 1), end, true
}
