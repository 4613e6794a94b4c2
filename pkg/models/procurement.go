// Package models holds the typed domain records shared across packages.
// Everything past the adapter boundary works exclusively with these types;
// raw upstream payloads never leave pkg/sources un-normalized.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Esfera identifies the government sphere that published a notice.
type Esfera string

// Government spheres.
const (
	EsferaFederal   Esfera = "F"
	EsferaEstadual  Esfera = "E"
	EsferaMunicipal Esfera = "M"
)

// ProcurementItem is one line item of a notice, populated only when the
// source exposes item-level detail.
type ProcurementItem struct {
	Descricao     string  `json:"descricao"`
	Quantidade    float64 `json:"quantidade"`
	UnidadeMedida string  `json:"unidade_medida"`
	ValorUnitario float64 `json:"valor_unitario"`
	NCM           string  `json:"ncm,omitempty"`
}

// UnifiedProcurement is the canonical record yielded by every source adapter.
// Records are immutable after Normalize: downstream stages read, never write.
type UnifiedProcurement struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	DedupKey   string `json:"dedup_key"`

	Objeto         string `json:"objeto"`
	Orgao          string `json:"orgao"`
	OrgaoCNPJ      string `json:"orgao_cnpj"`
	UF             string `json:"uf"`
	Municipio      string `json:"municipio"`
	Esfera         Esfera `json:"esfera"`
	ModalidadeCode int    `json:"modalidade_code"`
	ModalidadeName string `json:"modalidade_name"`

	ValorEstimado   float64  `json:"valor_estimado"`
	ValorHomologado *float64 `json:"valor_homologado,omitempty"`

	DataPublicacao   time.Time  `json:"data_publicacao"`
	DataAbertura     *time.Time `json:"data_abertura,omitempty"`
	DataEncerramento *time.Time `json:"data_encerramento,omitempty"`

	SituacaoCode int    `json:"situacao_code"`
	SituacaoText string `json:"situacao_text"`
	LinkPortal   string `json:"link_portal"`

	Items []ProcurementItem `json:"items,omitempty"`

	// RawData carries the opaque source payload for debugging and item
	// inspection. Excluded from dedup and filtering.
	RawData map[string]any `json:"raw_data,omitempty"`
}

// ComputeDedupKey hashes the identity triple that is stable for the same
// real-world notice across sources.
func ComputeDedupKey(buyerCNPJ, procurementCode string, publicacao time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", buyerCNPJ, procurementCode, publicacao.Format("2006-01-02"))))
	return hex.EncodeToString(h[:16])
}

// DiasRestantes returns whole days until DataEncerramento, or -1 when the
// deadline is unknown or already past.
func (p *UnifiedProcurement) DiasRestantes(now time.Time) int {
	if p.DataEncerramento == nil {
		return -1
	}
	d := int(p.DataEncerramento.Sub(now).Hours() / 24)
	if d < 0 {
		return -1
	}
	return d
}
