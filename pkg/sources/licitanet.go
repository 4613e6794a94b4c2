package sources

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/licitahub/radar/pkg/models"
)

const (
	licitaNetCode     = "licitanet"
	licitaNetPageSize = 50
	licitaNetMaxPages = 20
)

// LicitaNetAdapter is the fallback aggregator source. Coverage overlaps the
// primaries but lags them; it is only invoked when all primaries fail.
// Cannot filter UF or modality server-side.
type LicitaNetAdapter struct {
	meta    models.SourceMetadata
	client  *portalClient
	formats *DateFormatMemory
	limiter localLimiter
}

// NewLicitaNetAdapter constructs the fallback adapter.
func NewLicitaNetAdapter(baseURL string, formats *DateFormatMemory) *LicitaNetAdapter {
	meta := models.SourceMetadata{
		Name:             "LicitaNet",
		Code:             licitaNetCode,
		BaseURL:          baseURL,
		Priority:         9,
		RateLimitPerMin:  30,
		DefaultTimeoutMS: 30000,
		Capabilities: []models.SourceCapability{
			models.CapDateRange, models.CapPagination,
		},
	}
	return &LicitaNetAdapter{
		meta:    meta,
		client:  newPortalClient(licitaNetCode, time.Duration(meta.DefaultTimeoutMS)*time.Millisecond),
		formats: formats,
		limiter: newLocalLimiter(meta.RateLimitPerMin),
	}
}

// Metadata implements Adapter.
func (a *LicitaNetAdapter) Metadata() models.SourceMetadata { return a.meta }

// HealthCheck implements Adapter.
func (a *LicitaNetAdapter) HealthCheck(ctx context.Context) models.SourceStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.meta.BaseURL+"/api/editais?page=1&per_page=1", nil)
	if err != nil {
		return models.SourceUnavailable
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return models.SourceUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return models.SourceUnavailable
	}
	return models.SourceAvailable
}

type licitaNetPage struct {
	Editais []map[string]any `json:"editais"`
	HasMore bool             `json:"has_more"`
}

// Fetch implements Adapter.
func (a *LicitaNetAdapter) Fetch(ctx context.Context, filter FetchFilter) (<-chan FetchResult, *StreamInfo) {
	out := make(chan FetchResult, 32)
	info := &StreamInfo{}

	go func() {
		defer close(out)
		for page := 1; page <= licitaNetMaxPages; page++ {
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}

			body, err := a.fetchPage(ctx, filter, page)
			if err != nil {
				out <- FetchResult{Err: err}
				return
			}
			info.PagesFetched = page

			for _, raw := range body.Editais {
				rec, err := a.Normalize(raw)
				if err != nil {
					slog.Warn("Skipping unparseable LicitaNet record", "error", err)
					continue
				}
				if !matchesClientSide(&rec, filter, a.meta) {
					continue
				}
				select {
				case out <- FetchResult{Record: rec}:
				case <-ctx.Done():
					return
				}
			}

			if !body.HasMore {
				return
			}
		}
		info.WasTruncated = true
	}()

	return out, info
}

// fetchPage queries one page, falling back to the other date layout when the
// aggregator rejects the one sent.
func (a *LicitaNetAdapter) fetchPage(ctx context.Context, filter FetchFilter, page int) (*licitaNetPage, error) {
	var lastErr error
	for _, layout := range a.formats.Candidates(ctx, licitaNetCode, FormatISO) {
		params := url.Values{}
		params.Set("data_inicio", filter.DataInicial.Format(layout))
		params.Set("data_fim", filter.DataFinal.Format(layout))
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(licitaNetPageSize))

		var body licitaNetPage
		err := a.client.getJSON(ctx, a.meta.BaseURL+"/api/editais", params, &body)
		if err == nil {
			a.formats.Remember(ctx, licitaNetCode, layout)
			return &body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// Normalize converts one raw LicitaNet payload into the canonical record.
func (a *LicitaNetAdapter) Normalize(raw map[string]any) (models.UnifiedProcurement, error) {
	pubStr := str(raw, "publicado_em")
	pub, ok := ParseFlexible(pubStr)
	if !ok {
		return models.UnifiedProcurement{}, &ParseError{Source: licitaNetCode, Field: "publicado_em", Value: pubStr}
	}
	code := str(raw, "codigo")
	if code == "" {
		return models.UnifiedProcurement{}, &ParseError{Source: licitaNetCode, Field: "codigo", Value: ""}
	}
	cnpj := str(raw, "comprador_cnpj")

	rec := models.UnifiedProcurement{
		SourceID:       code,
		SourceName:     a.meta.Name,
		DedupKey:       models.ComputeDedupKey(cnpj, code, pub),
		Objeto:         str(raw, "objeto"),
		Orgao:          str(raw, "comprador"),
		OrgaoCNPJ:      cnpj,
		UF:             str(raw, "uf"),
		Municipio:      str(raw, "cidade"),
		Esfera:         models.EsferaMunicipal,
		ModalidadeCode: intVal(raw, "modalidade_codigo"),
		ModalidadeName: str(raw, "modalidade"),
		ValorEstimado:  floatVal(raw, "valor_referencia"),
		DataPublicacao: pub,
		SituacaoText:   str(raw, "situacao"),
		LinkPortal:     str(raw, "url"),
		RawData:        raw,
	}
	if t, ok := ParseFlexible(str(raw, "abertura")); ok {
		rec.DataAbertura = &t
	}
	if t, ok := ParseFlexible(str(raw, "encerramento")); ok {
		rec.DataEncerramento = &t
	}
	return rec, nil
}

// Close implements Adapter.
func (a *LicitaNetAdapter) Close() error {
	a.client.close()
	return nil
}
