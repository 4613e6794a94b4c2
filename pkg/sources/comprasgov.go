package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/licitahub/radar/pkg/models"
)

const (
	comprasGovCode     = "comprasgov"
	comprasGovPageSize = 100
	comprasGovMaxPages = 30
)

// ComprasGovAdapter fetches from the federal ComprasGov portal.
// Speaks DD/MM/YYYY dates and filters UF server-side; no item detail.
type ComprasGovAdapter struct {
	meta    models.SourceMetadata
	client  *portalClient
	formats *DateFormatMemory
	limiter localLimiter
}

// NewComprasGovAdapter constructs the adapter.
func NewComprasGovAdapter(baseURL string, formats *DateFormatMemory) *ComprasGovAdapter {
	meta := models.SourceMetadata{
		Name:             "ComprasGov",
		Code:             comprasGovCode,
		BaseURL:          baseURL,
		Priority:         2,
		RateLimitPerMin:  60,
		DefaultTimeoutMS: 25000,
		Capabilities: []models.SourceCapability{
			models.CapUFFilter, models.CapDateRange, models.CapPagination,
		},
	}
	return &ComprasGovAdapter{
		meta:    meta,
		client:  newPortalClient(comprasGovCode, time.Duration(meta.DefaultTimeoutMS)*time.Millisecond),
		formats: formats,
		limiter: newLocalLimiter(meta.RateLimitPerMin),
	}
}

// Metadata implements Adapter.
func (a *ComprasGovAdapter) Metadata() models.SourceMetadata { return a.meta }

// HealthCheck implements Adapter.
func (a *ComprasGovAdapter) HealthCheck(ctx context.Context) models.SourceStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.meta.BaseURL+"/modulo-legado/1_consultarLicitacao?pagina=1", nil)
	if err != nil {
		return models.SourceUnavailable
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return models.SourceUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return models.SourceDegraded
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity {
		return models.SourceUnavailable
	}
	return models.SourceAvailable
}

type comprasGovPage struct {
	Items []map[string]any `json:"resultado"`
	Count int              `json:"count"`
}

// Fetch implements Adapter. The portal filters one UF per request, so the
// adapter loops the requested UFs sequentially within the same stream.
func (a *ComprasGovAdapter) Fetch(ctx context.Context, filter FetchFilter) (<-chan FetchResult, *StreamInfo) {
	out := make(chan FetchResult, 32)
	info := &StreamInfo{}

	ufs := filter.UFs
	if len(ufs) == 0 {
		ufs = []string{""}
	}

	go func() {
		defer close(out)
		for _, uf := range ufs {
			if err := a.fetchUF(ctx, filter, uf, out, info); err != nil {
				out <- FetchResult{Err: err}
				return
			}
		}
	}()

	return out, info
}

func (a *ComprasGovAdapter) fetchUF(ctx context.Context, filter FetchFilter, uf string, out chan<- FetchResult, info *StreamInfo) error {
	for page := 1; page <= comprasGovMaxPages; page++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil
		}

		body, err := a.fetchPage(ctx, filter, uf, page)
		if err != nil {
			return err
		}
		info.PagesFetched++

		for _, raw := range body.Items {
			rec, err := a.Normalize(raw)
			if err != nil {
				slog.Warn("Skipping unparseable ComprasGov record", "error", err)
				continue
			}
			if !matchesClientSide(&rec, filter, a.meta) {
				continue
			}
			select {
			case out <- FetchResult{Record: rec}:
			case <-ctx.Done():
				return nil
			}
		}

		if len(body.Items) < comprasGovPageSize {
			return nil
		}
	}
	info.WasTruncated = true
	return nil
}

// fetchPage queries one page, retrying with the alternate date layout when
// the portal rejects the format.
func (a *ComprasGovAdapter) fetchPage(ctx context.Context, filter FetchFilter, uf string, page int) (*comprasGovPage, error) {
	var lastErr error
	for _, layout := range a.formats.Candidates(ctx, comprasGovCode, FormatBR) {
		params := url.Values{}
		params.Set("data_publicacao_inicial", filter.DataInicial.Format(layout))
		params.Set("data_publicacao_final", filter.DataFinal.Format(layout))
		params.Set("pagina", strconv.Itoa(page))
		params.Set("tamanho_pagina", strconv.Itoa(comprasGovPageSize))
		if uf != "" {
			params.Set("uf", uf)
		}

		var body comprasGovPage
		err := a.client.getJSON(ctx, a.meta.BaseURL+"/modulo-legado/1_consultarLicitacao", params, &body)
		if err == nil {
			a.formats.Remember(ctx, comprasGovCode, layout)
			return &body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			// Format rejection: retry with the alternative layout.
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// Normalize converts one raw ComprasGov payload into the canonical record.
func (a *ComprasGovAdapter) Normalize(raw map[string]any) (models.UnifiedProcurement, error) {
	pubStr := str(raw, "data_publicacao")
	pub, ok := ParseFlexible(pubStr)
	if !ok {
		return models.UnifiedProcurement{}, &ParseError{Source: comprasGovCode, Field: "data_publicacao", Value: pubStr}
	}
	code := str(raw, "identificador")
	if code == "" {
		code = str(raw, "numero_aviso")
	}
	if code == "" {
		return models.UnifiedProcurement{}, &ParseError{Source: comprasGovCode, Field: "identificador", Value: ""}
	}
	cnpj := str(raw, "cnpj_orgao")

	rec := models.UnifiedProcurement{
		SourceID:       code,
		SourceName:     a.meta.Name,
		DedupKey:       models.ComputeDedupKey(cnpj, code, pub),
		Objeto:         str(raw, "objeto"),
		Orgao:          str(raw, "nome_orgao"),
		OrgaoCNPJ:      cnpj,
		UF:             str(raw, "uf"),
		Municipio:      str(raw, "municipio"),
		Esfera:         models.EsferaFederal,
		ModalidadeCode: intVal(raw, "codigo_modalidade"),
		ModalidadeName: str(raw, "modalidade"),
		ValorEstimado:  floatVal(raw, "valor_estimado"),
		DataPublicacao: pub,
		SituacaoCode:   intVal(raw, "situacao_codigo"),
		SituacaoText:   str(raw, "situacao"),
		LinkPortal:     fmt.Sprintf("https://compras.gov.br/edital/%s", code),
		RawData:        raw,
	}
	if t, ok := ParseFlexible(str(raw, "data_abertura_proposta")); ok {
		rec.DataAbertura = &t
	}
	if t, ok := ParseFlexible(str(raw, "data_entrega_proposta")); ok {
		rec.DataEncerramento = &t
	}
	return rec, nil
}

// Close implements Adapter.
func (a *ComprasGovAdapter) Close() error {
	a.client.close()
	return nil
}
