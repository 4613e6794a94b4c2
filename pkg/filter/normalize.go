// Package filter implements the multi-stage semantic filter that decides
// which consolidated procurement notices belong to a sector.
package filter

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var accentStripper = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeText lowercases, strips accents (NFD), converts punctuation to
// spaces, and collapses whitespace. All keyword matching happens on this
// normalized form.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	if stripped, _, err := transform.String(accentStripper, s); err == nil {
		s = stripped
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// containsWord reports whether needle occurs in normalized text with word
// boundaries on both sides. Multi-word needles match as normalized phrases.
func containsWord(normalized, needle string) bool {
	needle = NormalizeText(needle)
	if needle == "" {
		return false
	}
	idx := 0
	for {
		i := strings.Index(normalized[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		startOK := start == 0 || normalized[start-1] == ' '
		endOK := end == len(normalized) || normalized[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
		if idx >= len(normalized) {
			return false
		}
	}
}

// countWordOccurrences counts boundary-respecting occurrences of needle.
func countWordOccurrences(normalized, needle string) int {
	needle = NormalizeText(needle)
	if needle == "" {
		return 0
	}
	count := 0
	idx := 0
	for {
		i := strings.Index(normalized[idx:], needle)
		if i < 0 {
			return count
		}
		start := idx + i
		end := start + len(needle)
		startOK := start == 0 || normalized[start-1] == ' '
		endOK := end == len(normalized) || normalized[end] == ' '
		if startOK && endOK {
			count++
			idx = end
		} else {
			idx = start + 1
		}
		if idx >= len(normalized) {
			return count
		}
	}
}

// wordsWithin reports whether b occurs within window words of a in the
// normalized text. Used by the proximity-context rescue pass.
func wordsWithin(normalized, a, b string, window int) bool {
	words := strings.Fields(normalized)
	aIdx, bIdx := -1, -1
	for i, w := range words {
		if w == a {
			aIdx = i
			if bIdx >= 0 && aIdx-bIdx <= window {
				return true
			}
		}
		if w == b {
			bIdx = i
			if aIdx >= 0 && bIdx-aIdx <= window {
				return true
			}
		}
	}
	return false
}
