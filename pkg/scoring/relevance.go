// Package scoring ranks accepted opportunities: a relevance score for
// ordering and a deterministic 0-100 viability score.
package scoring

import (
	"sort"

	"github.com/licitahub/radar/pkg/models"
)

// Relevance computes min(1, matched/total + 0.15*phraseHits).
func Relevance(matchedCount, totalTerms, phraseHits int) float64 {
	if totalTerms == 0 {
		totalTerms = 1
	}
	score := float64(matchedCount)/float64(totalTerms) + 0.15*float64(phraseHits)
	if score > 1 {
		return 1
	}
	return score
}

// confidenceRank orders tiers for sorting; lower sorts earlier.
func confidenceRank(c models.Confidence) int {
	switch c {
	case models.ConfidenceHigh:
		return 0
	case models.ConfidenceMedium:
		return 1
	case models.ConfidenceLow:
		return 2
	default:
		return 3
	}
}

// Sort orders opportunities by confidence tier, then relevance descending,
// then value descending.
func Sort(opps []models.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		ri, rj := confidenceRank(opps[i].Confidence), confidenceRank(opps[j].Confidence)
		if ri != rj {
			return ri < rj
		}
		if opps[i].RelevanceScore != opps[j].RelevanceScore {
			return opps[i].RelevanceScore > opps[j].RelevanceScore
		}
		return opps[i].Valor > opps[j].Valor
	})
}

// Urgencia buckets dias_restantes into the client-facing urgency label.
func Urgencia(diasRestantes int) string {
	switch {
	case diasRestantes < 0:
		return "indefinida"
	case diasRestantes <= 3:
		return "alta"
	case diasRestantes <= 10:
		return "media"
	default:
		return "baixa"
	}
}
