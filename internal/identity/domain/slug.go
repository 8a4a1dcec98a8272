package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify normalizes free text into a lower_snake_case identifier fragment.
// Unicode letters are decomposed and stripped of combining marks so "Café"
// and "Cafe" slug identically; runs of non-alphanumerics collapse into a
// single underscore. Returns "" when nothing survives.
func Slugify(value string) string {
	folded, _, err := transform.String(deaccent, value)
	if err != nil {
		folded = value
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	lastUnderscore := true
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
