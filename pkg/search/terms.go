package search

import "strings"

// Portuguese stopwords stripped from single-word custom terms. Multi-word
// phrases are preserved verbatim.
var stopwords = map[string]bool{
	"a": true, "o": true, "e": true, "de": true, "da": true, "do": true,
	"das": true, "dos": true, "em": true, "para": true, "com": true,
	"por": true, "um": true, "uma": true, "no": true, "na": true,
	"nos": true, "nas": true, "ao": true, "aos": true, "as": true,
	"os": true, "que": true, "se": true, "ou": true,
}

// ParseCustomTerms splits the user's free-text term string. Comma mode when
// any comma is present, whitespace mode otherwise. Stopwords are stripped
// only from single-word terms; multi-word phrases pass through verbatim.
// Duplicates are removed preserving first occurrence.
func ParseCustomTerms(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var parts []string
	if strings.Contains(raw, ",") {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	} else {
		parts = strings.Fields(raw)
	}

	seen := make(map[string]bool, len(parts))
	var terms []string
	for _, p := range parts {
		lower := strings.ToLower(p)
		if !strings.Contains(p, " ") && stopwords[lower] {
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, p)
	}
	return terms
}
