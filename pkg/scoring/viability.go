package scoring

import (
	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/models"
)

// Viability weights. Must sum to 100.
const (
	weightModalidade = 30
	weightTimeline   = 25
	weightValueFit   = 25
	weightGeography  = 20
)

// modalidadeAccessibility maps modality codes to how accessible the process
// is for a typical small supplier. Pregão eletrônico scores highest.
var modalidadeAccessibility = map[int]int{
	6: 100, // Pregão Eletrônico
	8: 90,  // Dispensa Eletrônica
	7: 70,  // Pregão Presencial
	5: 60,  // Concorrência Eletrônica
	4: 50,  // Concorrência Presencial
	9: 40,  // Inexigibilidade
	1: 30,  // Leilão Eletrônico
}

// macroRegion maps each UF to its macro-region for the geography factor.
var macroRegion = map[string]string{
	"AC": "N", "AP": "N", "AM": "N", "PA": "N", "RO": "N", "RR": "N", "TO": "N",
	"AL": "NE", "BA": "NE", "CE": "NE", "MA": "NE", "PB": "NE", "PE": "NE",
	"PI": "NE", "RN": "NE", "SE": "NE",
	"DF": "CO", "GO": "CO", "MT": "CO", "MS": "CO",
	"ES": "SE", "MG": "SE", "RJ": "SE", "SP": "SE",
	"PR": "S", "RS": "S", "SC": "S",
}

// ViabilityBand labels the 0-100 score.
func ViabilityBand(score int) string {
	switch {
	case score > 70:
		return "Alta"
	case score >= 40:
		return "Média"
	default:
		return "Baixa"
	}
}

// Viability computes the deterministic 0-100 score from four weighted
// factors: modality accessibility, timeline, value fit, and geography.
func Viability(rec *models.UnifiedProcurement, sector *config.Sector, userUFs []string, diasRestantes int) int {
	score := 0
	score += weightModalidade * modalidadeScore(rec.ModalidadeCode) / 100
	score += weightTimeline * timelineScore(diasRestantes) / 100
	score += weightValueFit * valueFitScore(rec.ValorEstimado, sector.IdealValueRange) / 100
	score += weightGeography * geographyScore(rec.UF, userUFs) / 100
	return score
}

func modalidadeScore(code int) int {
	if s, ok := modalidadeAccessibility[code]; ok {
		return s
	}
	return 50
}

// timelineScore buckets days until deadline: enough time to prepare a bid
// scores high, imminent or unknown deadlines score low.
func timelineScore(dias int) int {
	switch {
	case dias < 0:
		return 30
	case dias <= 2:
		return 20
	case dias <= 5:
		return 50
	case dias <= 15:
		return 100
	case dias <= 30:
		return 80
	default:
		return 60
	}
}

// valueFitScore measures distance from the sector's ideal value band.
func valueFitScore(valor float64, ideal config.ValueRange) int {
	if ideal.Max <= 0 {
		return 50
	}
	switch {
	case valor >= ideal.Min && valor <= ideal.Max:
		return 100
	case valor < ideal.Min:
		if ideal.Min == 0 {
			return 100
		}
		ratio := valor / ideal.Min
		return int(40 + 60*ratio)
	default:
		ratio := ideal.Max / valor
		return int(100 * ratio)
	}
}

// geographyScore gives full credit inside the user's UFs and half credit
// elsewhere in the same macro-region.
func geographyScore(uf string, userUFs []string) int {
	for _, u := range userUFs {
		if u == uf {
			return 100
		}
	}
	region := macroRegion[uf]
	if region == "" {
		return 0
	}
	for _, u := range userUFs {
		if macroRegion[u] == region {
			return 50
		}
	}
	return 0
}
