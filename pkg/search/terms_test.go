package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCustomTerms(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{"empty", "", nil},
		{"only whitespace", "   ", nil},
		{"single term", "notebook", []string{"notebook"}},
		{"whitespace mode", "notebook impressora toner", []string{"notebook", "impressora", "toner"}},
		{"comma mode", "merenda escolar, hortifruti", []string{"merenda escolar", "hortifruti"}},
		{"comma mode trims spaces", " notebook ,  toner ", []string{"notebook", "toner"}},
		{"empty segments dropped", "notebook,,toner,", []string{"notebook", "toner"}},
		{"stopword stripped from single words", "de notebook para toner", []string{"notebook", "toner"}},
		{"stopword kept inside phrase", "material de limpeza, toner", []string{"material de limpeza", "toner"}},
		{"duplicates removed case-insensitively", "Toner, toner, TONER, papel", []string{"Toner", "papel"}},
		{"only stopwords", "de para com", nil},
		{"comma wins over whitespace", "merenda escolar, material de limpeza", []string{"merenda escolar", "material de limpeza"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCustomTerms(tt.raw))
		})
	}
}
