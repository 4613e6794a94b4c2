package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"lowercases", "UNIFORME Escolar", "uniforme escolar"},
		{"strips accents", "Aquisição de Confecção", "aquisicao de confeccao"},
		{"punctuation to spaces", "camiseta,calça;jaleco", "camiseta calca jaleco"},
		{"collapses whitespace", "uniforme   escolar\t\ncamiseta", "uniforme escolar camiseta"},
		{"keeps digits", "Pregão 12/2026", "pregao 12 2026"},
		{"empty", "", ""},
		{"only punctuation", "--- !!! ---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeText(tt.in))
		})
	}
}

func TestContainsWord(t *testing.T) {
	tests := []struct {
		name       string
		normalized string
		needle     string
		expected   bool
	}{
		{"exact word", "aquisicao de uniforme escolar", "uniforme", true},
		{"word at start", "uniforme escolar", "uniforme", true},
		{"word at end", "aquisicao de uniforme", "uniforme", true},
		{"substring is not a word", "uniformes escolares", "uniforme", false},
		{"prefix boundary", "desuniforme total", "uniforme", false},
		{"multi-word phrase", "compra de merenda escolar municipal", "merenda escolar", true},
		{"phrase broken by word", "merenda para escolar", "merenda escolar", false},
		{"needle is normalized too", "aquisicao de confeccao", "Confecção", true},
		{"empty needle", "qualquer texto", "", false},
		{"absent", "compra de papel", "uniforme", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, containsWord(tt.normalized, tt.needle))
		})
	}
}

func TestCountWordOccurrences(t *testing.T) {
	assert.Equal(t, 2, countWordOccurrences("uniforme escolar e uniforme social", "uniforme"))
	assert.Equal(t, 0, countWordOccurrences("uniformes escolares", "uniforme"))
	assert.Equal(t, 1, countWordOccurrences("uniforme", "uniforme"))
	assert.Equal(t, 0, countWordOccurrences("", "uniforme"))
}

func TestWordsWithin(t *testing.T) {
	text := "aquisicao de tecido para confeccao de uniforme escolar"
	assert.True(t, wordsWithin(text, "tecido", "confeccao", 5))
	assert.True(t, wordsWithin(text, "confeccao", "tecido", 5))
	assert.False(t, wordsWithin(text, "tecido", "escolar", 3))
	assert.False(t, wordsWithin(text, "tecido", "ausente", 5))
}
