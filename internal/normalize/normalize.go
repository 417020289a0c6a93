// Package normalize canonicalizes free text into stable cache and lock keys.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// GeneralLocation is used when a city or province is missing.
const GeneralLocation = "GENERAL"

// eñe survives accent stripping by passing through a private-use rune.
const enePlaceholder = '\uE000'

// maxFoldPasses bounds how often Text re-folds its own output.
const maxFoldPasses = 4

var eneReplacer = strings.NewReplacer("ñ", string(enePlaceholder), "Ñ", string(enePlaceholder))

// Text removes diacritics except Ñ, upper-cases s and collapses whitespace.
// The result is a fixed point: Text(Text(s)) == Text(s).
func Text(s string) string {
	out := fold(s)
	for i := 1; i < maxFoldPasses; i++ {
		next := fold(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func fold(s string) string {
	s = eneReplacer.Replace(norm.NFC.String(s))

	// A transform.Chain keeps state, so each call builds its own.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripMarks, s)
	if err != nil {
		stripped = s
	}

	stripped = strings.ToUpper(stripped)
	stripped = strings.ReplaceAll(stripped, string(enePlaceholder), "Ñ")
	return strings.Join(strings.Fields(stripped), " ")
}

// Query returns the cache form of a search query: trimmed, lower-cased,
// single spaced.
func Query(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Location returns the key form of a city or province, e.g. "Mar del Plata"
// becomes "MAR_DEL_PLATA".
func Location(s string) string {
	t := Text(s)
	if t == "" {
		return GeneralLocation
	}
	return strings.ReplaceAll(t, " ", "_")
}

// LockKey builds the per-location admission key for a query.
func LockKey(query, province, city string) string {
	return Query(query) + ":" + Location(province) + ":" + Location(city)
}
