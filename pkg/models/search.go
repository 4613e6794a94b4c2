package models

import "time"

// ModoBusca selects which notice population a search targets.
const (
	ModoAbertas    = "abertas"
	ModoPublicadas = "publicadas"
	ModoEncerradas = "encerradas"
)

// SearchParams is the canonical search request accepted by POST /search.
type SearchParams struct {
	SetorID     string   `json:"setor_id" binding:"required"`
	UFs         []string `json:"ufs" binding:"required,min=1,dive,len=2"`
	DataInicial string   `json:"data_inicial" binding:"required"`
	DataFinal   string   `json:"data_final" binding:"required"`
	ModoBusca   string   `json:"modo_busca"`
	Ordenacao   string   `json:"ordenacao,omitempty"`
	ValorMin    *float64 `json:"valor_min,omitempty"`
	ValorMax    *float64 `json:"valor_max,omitempty"`
	CustomTerms string   `json:"custom_terms,omitempty"`
	Modalidades []int    `json:"modalidades,omitempty"`
	// SearchID lets the client pre-register the id it will use for the SSE
	// progress subscription. Generated server-side when absent.
	SearchID string `json:"search_id,omitempty"`
}

// Confidence indicates which classification path accepted an opportunity.
type Confidence string

// Confidence tiers, highest first.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Opportunity is one accepted, enriched procurement in the response envelope.
type Opportunity struct {
	PncpID           string     `json:"pncp_id"`
	Objeto           string     `json:"objeto"`
	Orgao            string     `json:"orgao"`
	UF               string     `json:"uf"`
	Modalidade       string     `json:"modalidade,omitempty"`
	Valor            float64    `json:"valor"`
	Link             string     `json:"link"`
	DataPublicacao   string     `json:"data_publicacao"`
	DataAbertura     string     `json:"data_abertura,omitempty"`
	DataEncerramento string     `json:"data_encerramento,omitempty"`
	DiasRestantes    int        `json:"dias_restantes"`
	Urgencia         string     `json:"urgencia"`
	RelevanceScore   float64    `json:"relevance_score"`
	ViabilityScore   int        `json:"viability_score"`
	ViabilityBand    string     `json:"viability_band"`
	MatchedTerms     []string   `json:"matched_terms"`
	Confidence       Confidence `json:"confidence,omitempty"`
}

// Resumo is the executive summary block of the response envelope.
type Resumo struct {
	ResumoExecutivo    string   `json:"resumo_executivo"`
	TotalOportunidades int      `json:"total_oportunidades"`
	ValorTotal         float64  `json:"valor_total"`
	Destaques          []string `json:"destaques"`
	AlertaUrgencia     string   `json:"alerta_urgencia,omitempty"`
}

// FilterStats is the rejection-reason histogram surfaced to the client.
type FilterStats struct {
	RejeitadasUF       int `json:"rejeitadas_uf"`
	RejeitadasValor    int `json:"rejeitadas_valor"`
	RejeitadasKeyword  int `json:"rejeitadas_keyword"`
	RejeitadasMinMatch int `json:"rejeitadas_min_match"`
	RejeitadasPrazo    int `json:"rejeitadas_prazo"`
	RejeitadasOutros   int `json:"rejeitadas_outros"`
}

// ResponseState classifies how the result set was produced.
const (
	StateLive         = "live"
	StateCached       = "cached"
	StateDegraded     = "degraded"
	StateEmptyFailure = "empty_failure"
)

// SearchResponse is the canonical envelope returned by POST /search.
// Every status code returns a valid JSON body; this is the 200 shape.
type SearchResponse struct {
	Resumo         Resumo        `json:"resumo"`
	Licitacoes     []Opportunity `json:"licitacoes"`
	ExcelAvailable bool          `json:"excel_available"`
	DownloadURL    *string       `json:"download_url"`
	QuotaUsed      int           `json:"quota_used"`
	QuotaRemaining int           `json:"quota_remaining"`
	TotalRaw       int           `json:"total_raw"`
	TotalFiltrado  int           `json:"total_filtrado"`
	FilterStats    FilterStats   `json:"filter_stats"`
	FilterRelaxed  bool          `json:"filter_relaxed,omitempty"`

	ResponseState string  `json:"response_state"`
	Cached        bool    `json:"cached"`
	CachedAt      *string `json:"cached_at,omitempty"`
	CacheStatus   string  `json:"cache_status,omitempty"` // fresh | stale | expired

	IsPartial           bool     `json:"is_partial"`
	FailedUFs           []string `json:"failed_ufs"`
	SucceededUFs        []string `json:"succeeded_ufs"`
	DegradationGuidance string   `json:"degradation_guidance,omitempty"`

	SearchID string `json:"search_id"`
}

// SearchSession is the persisted audit row written at pipeline stage 7.
type SearchSession struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SearchID       string    `json:"search_id"`
	SetorID        string    `json:"setor_id"`
	UFs            []string  `json:"ufs"`
	DataInicial    string    `json:"data_inicial"`
	DataFinal      string    `json:"data_final"`
	CustomKeywords []string  `json:"custom_keywords"`
	TotalRaw       int       `json:"total_raw"`
	TotalFiltrado  int       `json:"total_filtrado"`
	ResponseState  string    `json:"response_state"`
	State          string    `json:"state"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
