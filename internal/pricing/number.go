package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// maxNumberLen bounds a cleaned numeric input, separators included.
const maxNumberLen = 32

// ParseNumber reads a human-entered number as found in spreadsheet cells and
// form fields. Surrounding whitespace and inner spaces are ignored. When both
// '.' and ',' occur, the one appearing last is the decimal separator and the
// other one groups thousands. A lone ',' is a decimal separator; repeated
// commas group thousands. Exponent notation and inputs longer than
// maxNumberLen are rejected.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" || len(s) > maxNumberLen || strings.ContainsAny(s, "eE") {
		return decimal.Zero, false
	}
	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// CanonicalQuantity trims a tier breakpoint for storage. Unparsable input is
// returned trimmed so validation errors can echo it.
func CanonicalQuantity(s string) string {
	d, ok := ParseNumber(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	return d.String()
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatFixed renders d with exactly places decimals for display.
func FormatFixed(d decimal.Decimal, places int32) string {
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}
