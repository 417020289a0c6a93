package scraper

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice converts an Argentine formatted amount such as "$ 1.250,50" to
// minor units (125050). A dot followed by exactly three digits at the end is
// read as a thousands separator, so "$1.250" is 125000.
func ParsePrice(text string) (int64, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return 0, fmt.Errorf("%w: %q", ErrPriceNotFound, text)
	}

	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		if i := strings.LastIndex(s, ","); i >= 0 {
			s = strings.ReplaceAll(s[:i], ",", "") + "." + s[i+1:]
		}
	} else if i := strings.LastIndex(s, "."); i >= 0 {
		if len(s)-i-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		} else {
			s = strings.ReplaceAll(s[:i], ".", "") + s[i:]
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrPriceNotFound, text, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func parseSplitPrice(integer, fraction string) (int64, error) {
	var digits strings.Builder
	for _, r := range fraction {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ParsePrice(integer)
	}
	return ParsePrice(strings.TrimSpace(integer) + "," + digits.String())
}
