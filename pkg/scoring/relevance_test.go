package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/licitahub/radar/pkg/models"
)

func TestRelevance(t *testing.T) {
	tests := []struct {
		name       string
		matched    int
		total      int
		phraseHits int
		expected   float64
	}{
		{"all terms matched", 4, 4, 0, 1.0},
		{"half matched", 2, 4, 0, 0.5},
		{"phrase bonus", 1, 4, 1, 0.4},
		{"capped at one", 4, 4, 3, 1.0},
		{"zero terms counts as one", 1, 0, 0, 1.0},
		{"nothing matched", 0, 5, 0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Relevance(tt.matched, tt.total, tt.phraseHits), 0.0001)
		})
	}
}

func TestUrgencia(t *testing.T) {
	tests := []struct {
		dias     int
		expected string
	}{
		{-1, "indefinida"},
		{0, "alta"},
		{3, "alta"},
		{4, "media"},
		{10, "media"},
		{11, "baixa"},
		{60, "baixa"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Urgencia(tt.dias), "dias=%d", tt.dias)
	}
}

func TestSort(t *testing.T) {
	opps := []models.Opportunity{
		{PncpID: "low", Confidence: models.ConfidenceLow, RelevanceScore: 1.0, Valor: 900},
		{PncpID: "high-cheap", Confidence: models.ConfidenceHigh, RelevanceScore: 0.5, Valor: 100},
		{PncpID: "high-rich", Confidence: models.ConfidenceHigh, RelevanceScore: 0.5, Valor: 500},
		{PncpID: "high-relevant", Confidence: models.ConfidenceHigh, RelevanceScore: 0.9, Valor: 50},
		{PncpID: "medium", Confidence: models.ConfidenceMedium, RelevanceScore: 0.9, Valor: 999},
	}
	Sort(opps)

	var order []string
	for _, o := range opps {
		order = append(order, o.PncpID)
	}
	assert.Equal(t, []string{"high-relevant", "high-rich", "high-cheap", "medium", "low"}, order)
}
