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
	pncpCode = "pncp"
	// Upstream rejects tamanhoPagina above 50; start there and back off on
	// repeated 422s.
	pncpMaxPageSize = 50
	pncpMaxPages    = 40
)

// PNCPAdapter fetches from the national procurement portal (PNCP).
// Highest-priority source: richest schema, item-level detail available.
type PNCPAdapter struct {
	meta     models.SourceMetadata
	client   *portalClient
	formats  *DateFormatMemory
	pageSize int
	limiter  localLimiter
}

// NewPNCPAdapter constructs the adapter. formats may be shared across
// adapters.
func NewPNCPAdapter(baseURL string, formats *DateFormatMemory) *PNCPAdapter {
	meta := models.SourceMetadata{
		Name:             "Portal Nacional de Contratações Públicas",
		Code:             pncpCode,
		BaseURL:          baseURL,
		Priority:         1,
		RateLimitPerMin:  120,
		DefaultTimeoutMS: 20000,
		Capabilities: []models.SourceCapability{
			models.CapUFFilter, models.CapModalityFilter,
			models.CapDateRange, models.CapPagination, models.CapItemDetail,
		},
	}
	return &PNCPAdapter{
		meta:     meta,
		client:   newPortalClient(pncpCode, time.Duration(meta.DefaultTimeoutMS)*time.Millisecond),
		formats:  formats,
		pageSize: pncpMaxPageSize,
		limiter:  newLocalLimiter(meta.RateLimitPerMin),
	}
}

// Metadata implements Adapter.
func (a *PNCPAdapter) Metadata() models.SourceMetadata { return a.meta }

// HealthCheck implements Adapter. Bounded at 5s; never returns an error.
func (a *PNCPAdapter) HealthCheck(ctx context.Context) models.SourceStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.meta.BaseURL+"/v1/contratacoes/publicacao?pagina=1&tamanhoPagina=1", nil)
	if err != nil {
		return models.SourceUnavailable
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return models.SourceUnavailable
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 400:
		return models.SourceAvailable
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.SourceDegraded
	default:
		return models.SourceUnavailable
	}
}

type pncpPage struct {
	Data         []map[string]any `json:"data"`
	TotalPaginas int              `json:"totalPaginas"`
	Empty        bool             `json:"empty"`
}

// Fetch implements Adapter.
func (a *PNCPAdapter) Fetch(ctx context.Context, filter FetchFilter) (<-chan FetchResult, *StreamInfo) {
	out := make(chan FetchResult, 32)
	info := &StreamInfo{}

	go func() {
		defer close(out)

		for page := 1; page <= pncpMaxPages; page++ {
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}

			body, err := a.fetchPage(ctx, filter, page)
			if err != nil {
				out <- FetchResult{Err: err}
				return
			}
			info.PagesFetched = page

			for _, raw := range body.Data {
				rec, err := a.Normalize(raw)
				if err != nil {
					slog.Warn("Skipping unparseable PNCP record", "error", err)
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

			if body.Empty || page >= body.TotalPaginas {
				return
			}
		}
		info.WasTruncated = true
	}()

	return out, info
}

// fetchPage queries one page, negotiating the date format on a 422 format
// rejection and shrinking the page size on a page-size rejection.
func (a *PNCPAdapter) fetchPage(ctx context.Context, filter FetchFilter, page int) (*pncpPage, error) {
	var lastErr error
	for _, layout := range a.formats.Candidates(ctx, pncpCode, FormatISO) {
		params := url.Values{}
		params.Set("dataInicial", filter.DataInicial.Format(layout))
		params.Set("dataFinal", filter.DataFinal.Format(layout))
		params.Set("pagina", strconv.Itoa(page))
		params.Set("tamanhoPagina", strconv.Itoa(a.pageSize))
		if len(filter.UFs) == 1 {
			params.Set("uf", filter.UFs[0])
		}
		if len(filter.Modalidades) == 1 {
			params.Set("codigoModalidadeContratacao", strconv.Itoa(filter.Modalidades[0]))
		}
		for k, v := range filter.Extra {
			params.Set(k, v)
		}

		var body pncpPage
		err := a.client.getJSON(ctx, a.meta.BaseURL+"/v1/contratacoes/publicacao", params, &body)
		if err == nil {
			a.formats.Remember(ctx, pncpCode, layout)
			return &body, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
			if a.pageSize > 10 && pageSizeRejected(apiErr) {
				a.pageSize /= 2
				slog.Warn("PNCP rejected page size, reducing", "new_size", a.pageSize)
				continue
			}
			// Format rejection: retry with the alternative layout.
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func pageSizeRejected(err *APIError) bool {
	return containsFold(err.Body, "tamanhoPagina")
}

// Normalize converts one raw PNCP payload into the canonical record.
// Pure function: no I/O, deterministic for the same input.
func (a *PNCPAdapter) Normalize(raw map[string]any) (models.UnifiedProcurement, error) {
	pub, ok := ParseFlexible(str(raw, "dataPublicacaoPncp"))
	if !ok {
		return models.UnifiedProcurement{}, &ParseError{Source: pncpCode, Field: "dataPublicacaoPncp", Value: str(raw, "dataPublicacaoPncp")}
	}

	orgao, _ := raw["orgaoEntidade"].(map[string]any)
	unidade, _ := raw["unidadeOrgao"].(map[string]any)
	cnpj := str(orgao, "cnpj")
	code := str(raw, "numeroControlePNCP")
	if code == "" {
		return models.UnifiedProcurement{}, &ParseError{Source: pncpCode, Field: "numeroControlePNCP", Value: ""}
	}

	rec := models.UnifiedProcurement{
		SourceID:       code,
		SourceName:     a.meta.Name,
		DedupKey:       models.ComputeDedupKey(cnpj, code, pub),
		Objeto:         str(raw, "objetoCompra"),
		Orgao:          str(orgao, "razaoSocial"),
		OrgaoCNPJ:      cnpj,
		UF:             str(unidade, "ufSigla"),
		Municipio:      str(unidade, "municipioNome"),
		Esfera:         esferaFromPoder(str(orgao, "esferaId")),
		ModalidadeCode: intVal(raw, "modalidadeId"),
		ModalidadeName: str(raw, "modalidadeNome"),
		ValorEstimado:  floatVal(raw, "valorTotalEstimado"),
		DataPublicacao: pub,
		SituacaoCode:   intVal(raw, "situacaoCompraId"),
		SituacaoText:   str(raw, "situacaoCompraNome"),
		LinkPortal:     fmt.Sprintf("https://pncp.gov.br/app/editais/%s", code),
		RawData:        raw,
	}
	if v := floatVal(raw, "valorTotalHomologado"); v > 0 {
		rec.ValorHomologado = &v
	}
	if t, ok := ParseFlexible(str(raw, "dataAberturaProposta")); ok {
		rec.DataAbertura = &t
	}
	if t, ok := ParseFlexible(str(raw, "dataEncerramentoProposta")); ok {
		rec.DataEncerramento = &t
	}
	return rec, nil
}

// FetchItems retrieves line items for one notice; used by the filter
// engine's item-inspection stage.
func (a *PNCPAdapter) FetchItems(ctx context.Context, sourceID string) ([]models.ProcurementItem, error) {
	var rawItems []map[string]any
	err := a.client.getJSON(ctx, fmt.Sprintf("%s/v1/contratacoes/%s/itens", a.meta.BaseURL, url.PathEscape(sourceID)), nil, &rawItems)
	if err != nil {
		return nil, err
	}
	items := make([]models.ProcurementItem, 0, len(rawItems))
	for _, ri := range rawItems {
		items = append(items, models.ProcurementItem{
			Descricao:     str(ri, "descricao"),
			Quantidade:    floatVal(ri, "quantidade"),
			UnidadeMedida: str(ri, "unidadeMedida"),
			ValorUnitario: floatVal(ri, "valorUnitarioEstimado"),
			NCM:           str(ri, "ncmNbsCodigo"),
		})
	}
	return items, nil
}

// Close implements Adapter.
func (a *PNCPAdapter) Close() error {
	a.client.close()
	return nil
}

func esferaFromPoder(id string) models.Esfera {
	switch id {
	case "F":
		return models.EsferaFederal
	case "E":
		return models.EsferaEstadual
	case "M":
		return models.EsferaMunicipal
	default:
		return models.EsferaFederal
	}
}
