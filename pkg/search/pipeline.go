package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/licitahub/radar/pkg/cache"
	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/consolidation"
	"github.com/licitahub/radar/pkg/filter"
	"github.com/licitahub/radar/pkg/llm"
	"github.com/licitahub/radar/pkg/metrics"
	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/scoring"
	"github.com/licitahub/radar/pkg/services"
	"github.com/licitahub/radar/pkg/sources"
)

// maxDateRangeDays bounds the requested publication window.
const maxDateRangeDays = 90

// abertasWindowDays is the publication lookback applied when modo_busca is
// "abertas": the client asks for currently open notices, not a date range.
const abertasWindowDays = 15

var validUF = map[string]bool{
	"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true,
	"DF": true, "ES": true, "GO": true, "MA": true, "MT": true, "MS": true,
	"MG": true, "PA": true, "PB": true, "PR": true, "PE": true, "PI": true,
	"RJ": true, "RN": true, "RS": true, "RO": true, "RR": true, "SC": true,
	"SP": true, "SE": true, "TO": true,
}

// ValidationError is a 400-class rejection of the search parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrSearchTimeout is returned when the overall search deadline fired before
// any servable result existed.
var ErrSearchTimeout = errors.New("search exceeded maximum duration")

// JobDispatcher hands heavy post-search work to the background queue. When
// the queue is unreachable the pipeline falls back to inline generation.
type JobDispatcher interface {
	Available(ctx context.Context) bool
	EnqueueSummary(ctx context.Context, searchID string, input llm.SummaryInput) error
	EnqueueReport(ctx context.Context, searchID string, sectorName string, opps []models.Opportunity) error
}

// ReportRenderer builds the Excel workbook inline when no queue can take the
// job. Satisfied by report.Renderer.
type ReportRenderer interface {
	Render(ctx context.Context, searchID, sectorName string, opps []models.Opportunity) (string, error)
}

// Pipeline runs the seven-stage search flow. One instance serves all
// requests; per-search state lives in the run context.
type Pipeline struct {
	settings     *config.Settings
	sectors      *config.SectorRegistry
	consolidator *consolidation.Service
	store        *cache.MultiLevel
	engine       *filter.Engine
	model        *llm.Client
	quota        *services.QuotaService
	sessions     *services.SessionService
	hub          *ProgressHub
	jobs         JobDispatcher
	reports      ReportRenderer
	observer     StateDurationObserver
	mx           *metrics.Metrics
}

// SetMetrics attaches the Prometheus instruments. Optional; a nil receiver
// set is fine in tests.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) { p.mx = m }

// NewPipeline wires the pipeline. model, jobs and reports may be nil; quota
// and sessions may be nil only in tests.
func NewPipeline(
	settings *config.Settings,
	sectors *config.SectorRegistry,
	consolidator *consolidation.Service,
	store *cache.MultiLevel,
	engine *filter.Engine,
	model *llm.Client,
	quota *services.QuotaService,
	sessions *services.SessionService,
	hub *ProgressHub,
	jobs JobDispatcher,
	reports ReportRenderer,
	observer StateDurationObserver,
) *Pipeline {
	return &Pipeline{
		settings:     settings,
		sectors:      sectors,
		consolidator: consolidator,
		store:        store,
		engine:       engine,
		model:        model,
		quota:        quota,
		sessions:     sessions,
		hub:          hub,
		jobs:         jobs,
		reports:      reports,
		observer:     observer,
	}
}

// run is the per-search context bag threaded through the stages.
type run struct {
	searchID string
	userID   string
	params   models.SearchParams
	sector   *config.Sector
	machine  *Machine
	started  time.Time

	dataInicial time.Time
	dataFinal   time.Time
	customTerms []string
	paramsHash  string
	quotaStatus *services.QuotaStatus

	records    []models.UnifiedProcurement
	fetchRes   *consolidation.Result
	cachedRow  *cache.Row
	cacheState cache.Status
	fromCache  bool
	// degraded marks a cache serve forced by total live-fetch failure, as
	// opposed to an ordinary fresh or stale hit.
	degraded bool

	filterRes *filter.Result
	opps      []models.Opportunity
	resumo    models.Resumo
	response  *models.SearchResponse
}

// Run executes a search end to end. The returned response is the complete
// envelope; errors map to HTTP status at the boundary (ValidationError 400,
// services.ErrQuotaExceeded 429, ErrSearchTimeout 504).
func (p *Pipeline) Run(ctx context.Context, userID string, params models.SearchParams) (*models.SearchResponse, error) {
	searchID := strings.TrimSpace(params.SearchID)
	if searchID == "" {
		searchID = uuid.NewString()
	}

	r := &run{
		searchID: searchID,
		userID:   userID,
		params:   params,
		machine:  NewMachine(searchID, p.observer),
		started:  time.Now(),
	}
	p.hub.Register(searchID)

	ctx, cancel := context.WithTimeout(ctx, p.settings.SearchMaxDuration)
	defer cancel()

	resp, err := p.execute(ctx, r)
	if err != nil {
		p.failTerminal(ctx, r, err)
		return resp, err
	}
	return resp, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) (*models.SearchResponse, error) {
	if err := p.stageValidate(ctx, r); err != nil {
		return nil, err
	}
	if err := p.stageFetch(ctx, r); err != nil {
		return nil, err
	}
	p.stageFilter(ctx, r)
	p.stageEnrich(ctx, r)
	p.stageGenerate(ctx, r)
	if err := p.stagePersist(ctx, r); err != nil {
		return r.response, err
	}

	_ = r.machine.TransitionTo(StateCompleted, models.StageComplete, map[string]any{
		"total_filtrado": len(r.opps),
	})
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageComplete, 100, "Busca concluída", map[string]any{
			"total_filtrado": len(r.opps),
			"response_state": r.response.ResponseState,
		}))
	return r.response, nil
}

// stageValidate parses and bounds the parameters, resolves the sector, and
// charges quota.
func (p *Pipeline) stageValidate(ctx context.Context, r *run) error {
	_ = r.machine.TransitionTo(StateValidating, models.StageValidating, nil)
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageValidating, 5, "Validando parâmetros", nil))

	params := &r.params

	sector, err := p.sectors.Get(strings.TrimSpace(params.SetorID))
	if err != nil {
		return &ValidationError{Field: "setor_id", Reason: "unknown sector"}
	}
	r.sector = sector

	for i, uf := range params.UFs {
		params.UFs[i] = strings.ToUpper(strings.TrimSpace(uf))
		if !validUF[params.UFs[i]] {
			return &ValidationError{Field: "ufs", Reason: fmt.Sprintf("unknown UF %q", uf)}
		}
	}

	if params.ModoBusca == "" {
		params.ModoBusca = models.ModoAbertas
	}
	switch params.ModoBusca {
	case models.ModoAbertas, models.ModoPublicadas, models.ModoEncerradas:
	default:
		return &ValidationError{Field: "modo_busca", Reason: "must be abertas, publicadas or encerradas"}
	}

	now := time.Now()
	if params.ModoBusca == models.ModoAbertas {
		// Open-notices mode ignores the client range: fetch the recent
		// publication window and let the deadline filter keep open bids.
		r.dataFinal = now
		r.dataInicial = now.AddDate(0, 0, -abertasWindowDays)
	} else {
		var err error
		r.dataInicial, err = time.Parse(sources.FormatISO, params.DataInicial)
		if err != nil {
			return &ValidationError{Field: "data_inicial", Reason: "must be YYYY-MM-DD"}
		}
		r.dataFinal, err = time.Parse(sources.FormatISO, params.DataFinal)
		if err != nil {
			return &ValidationError{Field: "data_final", Reason: "must be YYYY-MM-DD"}
		}
		if r.dataFinal.Before(r.dataInicial) {
			return &ValidationError{Field: "data_final", Reason: "before data_inicial"}
		}
		if r.dataFinal.Sub(r.dataInicial) > maxDateRangeDays*24*time.Hour {
			return &ValidationError{Field: "data_final", Reason: fmt.Sprintf("range exceeds %d days", maxDateRangeDays)}
		}
	}

	if params.ValorMin != nil && params.ValorMax != nil && *params.ValorMax < *params.ValorMin {
		return &ValidationError{Field: "valor_max", Reason: "below valor_min"}
	}

	r.customTerms = ParseCustomTerms(params.CustomTerms)
	r.paramsHash = cache.ParamsHash(*params)

	if p.quota != nil {
		status, err := p.quota.Check(ctx, r.userID)
		if err != nil {
			if errors.Is(err, services.ErrQuotaExceeded) {
				_ = r.machine.TransitionTo(StateRateLimited, models.StageValidating, nil)
			}
			return err
		}
		r.quotaStatus = status
	}
	return nil
}

// stageFetch resolves records: cache first, then the consolidated live
// fetch, then degraded fallbacks.
func (p *Pipeline) stageFetch(ctx context.Context, r *run) error {
	_ = r.machine.TransitionTo(StateFetching, models.StageFetching, map[string]any{
		"params_hash": r.paramsHash,
	})

	lookup := p.store.Get(ctx, r.paramsHash)
	if p.mx != nil {
		if lookup != nil {
			p.mx.CacheLookups.WithLabelValues(lookup.Tier, string(lookup.Status)).Inc()
		} else {
			p.mx.CacheLookups.WithLabelValues("none", "miss").Inc()
		}
	}
	if lookup != nil && lookup.Status == cache.StatusFresh {
		p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
			models.StageFetching, 40, "Resultados recentes encontrados em cache", map[string]any{
				"tier": lookup.Tier,
			}))
		r.records = lookup.Row.Results
		r.cachedRow = lookup.Row
		r.cacheState = cache.StatusFresh
		r.fromCache = true
		return nil
	}

	if lookup != nil && lookup.Status == cache.StatusStale {
		// Serve stale now, refresh in the background. An entry still inside
		// its degradation window skips the refresh: the sources were failing
		// moments ago and the backoff has not elapsed.
		p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
			models.StageFetching, 40, "Servindo cache e atualizando em segundo plano", map[string]any{
				"tier": lookup.Tier,
			}))
		r.records = lookup.Row.Results
		r.cachedRow = lookup.Row
		r.cacheState = cache.StatusStale
		r.fromCache = true
		if !lookup.Row.Degraded(time.Now()) {
			go p.revalidate(r.searchID, r.paramsHash, r.params, p.fetchFilter(r))
		}
		return nil
	}

	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageFetching, 15, "Consultando portais de compras", map[string]any{
			"ufs": r.params.UFs,
		}))

	fctx, cancel := context.WithTimeout(ctx, p.settings.SearchFetchTimeout)
	defer cancel()
	res, err := p.consolidator.Fetch(fctx, p.fetchFilter(r))
	if err != nil {
		return fmt.Errorf("consolidated fetch: %w", err)
	}
	r.fetchRes = res
	if p.mx != nil {
		for _, sr := range res.SourceResults {
			p.mx.SourceFetchTotal.WithLabelValues(sr.Code, sr.Status).Inc()
		}
	}

	if res.AllFailed() {
		p.store.RecordFetchFailure(ctx, r.paramsHash)
		if salvage := p.store.GetAny(ctx, r.paramsHash); salvage != nil {
			// Any entry, expired included, beats an empty failure.
			slog.Warn("All sources failed, serving degraded cache",
				"search_id", r.searchID, "params_hash", r.paramsHash,
				"cache_status", salvage.Status)
			r.records = salvage.Row.Results
			r.cachedRow = salvage.Row
			r.cacheState = salvage.Status
			r.fromCache = true
			r.degraded = true
			return nil
		}
		if ctx.Err() != nil {
			return ErrSearchTimeout
		}
		// empty_failure: no data, no cache. Stages continue so the client
		// gets a complete, honest envelope.
		r.records = nil
		return nil
	}

	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageFetching, 45, fmt.Sprintf("%d editais coletados", len(res.Records)), map[string]any{
			"sources": len(res.SourceResults),
		}))

	r.records = res.Records
	p.storeFetch(ctx, r, res)
	return nil
}

// storeFetch persists a successful live fetch into the cache cascade.
func (p *Pipeline) storeFetch(ctx context.Context, r *run, res *consolidation.Result) {
	var sourceCodes []string
	for _, sr := range res.SourceResults {
		sourceCodes = append(sourceCodes, sr.Code)
	}
	row := &cache.Row{
		ParamsHash:   r.paramsHash,
		UserID:       r.userID,
		Results:      res.Records,
		SearchParams: r.params,
		Sources:      sourceCodes,
		FetchedAt:    time.Now(),
		Coverage: map[string]any{
			"succeeded_ufs": res.SucceededUFs,
			"failed_ufs":    res.FailedUFs,
			"is_partial":    res.IsPartial,
		},
		FetchDurationMS: res.Duration.Milliseconds(),
	}
	if err := p.store.Put(ctx, row); err != nil {
		slog.Warn("Cache write failed after live fetch", "search_id", r.searchID, "error", err)
	}
	p.store.RecordFetchSuccess(ctx, r.paramsHash)
}

// revalidate refreshes a stale entry after the response was already served.
// Subscribers still on the progress stream get a refresh_available frame.
func (p *Pipeline) revalidate(searchID, paramsHash string, params models.SearchParams, filter sources.FetchFilter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.settings.SearchFetchTimeout)
	defer cancel()

	res, err := p.consolidator.Fetch(ctx, filter)
	if err != nil || res.AllFailed() {
		p.store.RecordFetchFailure(ctx, paramsHash)
		slog.Warn("Background cache revalidation failed", "params_hash", paramsHash, "error", err)
		return
	}

	var sourceCodes []string
	for _, sr := range res.SourceResults {
		sourceCodes = append(sourceCodes, sr.Code)
	}
	row := &cache.Row{
		ParamsHash:      paramsHash,
		Results:         res.Records,
		SearchParams:    params,
		Sources:         sourceCodes,
		FetchedAt:       time.Now(),
		FetchDurationMS: res.Duration.Milliseconds(),
	}
	if err := p.store.Put(ctx, row); err != nil {
		slog.Warn("Cache write failed after revalidation", "error", err)
		return
	}
	p.store.RecordFetchSuccess(ctx, paramsHash)
	p.hub.Publish(ctx, searchID, models.NewProgressEvent(
		models.StageRefreshAvailable, 100, "Dados atualizados disponíveis", map[string]any{
			"records": len(res.Records),
		}))
}

func (p *Pipeline) fetchFilter(r *run) sources.FetchFilter {
	return sources.FetchFilter{
		DataInicial: r.dataInicial,
		DataFinal:   r.dataFinal,
		UFs:         r.params.UFs,
		Modalidades: r.params.Modalidades,
	}
}

// stageFilter runs the staged keyword engine.
func (p *Pipeline) stageFilter(ctx context.Context, r *run) {
	_ = r.machine.TransitionTo(StateFiltering, models.StageFiltering, map[string]any{
		"total_raw": len(r.records),
	})
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageFiltering, 55, fmt.Sprintf("Filtrando %d editais", len(r.records)), nil))

	r.filterRes = p.engine.Run(ctx, filter.Request{
		Sector:           r.sector,
		Records:          r.records,
		UFs:              r.params.UFs,
		ValorMin:         r.params.ValorMin,
		ValorMax:         r.params.ValorMax,
		Modalidades:      r.params.Modalidades,
		CustomTerms:      r.customTerms,
		ArbiterEnabled:   p.settings.LLMArbiterEnabled,
		ZeroMatchEnabled: p.settings.LLMZeroMatchEnabled,
		ArbiterBudget:    p.settings.ArbiterBudget,
		ItemFetchBudget:  p.settings.ItemFetchBudget,
	})

	if p.mx != nil {
		for reason, n := range r.filterRes.Histogram {
			p.mx.FilterDecisions.WithLabelValues(reason).Add(float64(n))
		}
		p.mx.FilterDecisions.WithLabelValues("accepted").Add(float64(len(r.filterRes.Accepted)))
	}
}

// stageEnrich scores, labels, and orders the accepted opportunities.
func (p *Pipeline) stageEnrich(ctx context.Context, r *run) {
	_ = r.machine.TransitionTo(StateEnriching, models.StageEnriching, map[string]any{
		"accepted": len(r.filterRes.Accepted),
	})
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageEnriching, 70, fmt.Sprintf("Enriquecendo %d oportunidades", len(r.filterRes.Accepted)), nil))

	now := time.Now()
	totalTerms := len(r.sector.Keywords) + len(r.customTerms)
	opps := make([]models.Opportunity, 0, len(r.filterRes.Accepted))
	for _, d := range r.filterRes.Accepted {
		rec := d.Record
		dias := rec.DiasRestantes(now)
		opp := models.Opportunity{
			PncpID:         rec.SourceID,
			Objeto:         rec.Objeto,
			Orgao:          rec.Orgao,
			UF:             rec.UF,
			Modalidade:     rec.ModalidadeName,
			Valor:          rec.ValorEstimado,
			Link:           rec.LinkPortal,
			DataPublicacao: rec.DataPublicacao.Format(sources.FormatISO),
			DiasRestantes:  dias,
			Urgencia:       scoring.Urgencia(dias),
			RelevanceScore: scoring.Relevance(len(d.MatchedTerms), totalTerms, d.PhraseHits),
			ViabilityScore: scoring.Viability(&rec, r.sector, r.params.UFs, dias),
			MatchedTerms:   d.MatchedTerms,
			Confidence:     d.Confidence,
		}
		opp.ViabilityBand = scoring.ViabilityBand(opp.ViabilityScore)
		if rec.DataAbertura != nil {
			opp.DataAbertura = rec.DataAbertura.Format(sources.FormatISO)
		}
		if rec.DataEncerramento != nil {
			opp.DataEncerramento = rec.DataEncerramento.Format(sources.FormatISO)
		}
		opps = append(opps, opp)
	}

	switch r.params.Ordenacao {
	case "valor":
		sort.SliceStable(opps, func(i, j int) bool { return opps[i].Valor > opps[j].Valor })
	case "prazo":
		sort.SliceStable(opps, func(i, j int) bool {
			di, dj := opps[i].DiasRestantes, opps[j].DiasRestantes
			if di < 0 {
				di = 1 << 30
			}
			if dj < 0 {
				dj = 1 << 30
			}
			return di < dj
		})
	default:
		scoring.Sort(opps)
	}
	r.opps = opps
}

// stageGenerate assembles the envelope. The deterministic resumo ships
// inline; the LLM summary and the Excel workbook run as background jobs
// announced on the progress stream. When no queue is reachable both are
// produced inline instead, at synchronous-latency cost.
func (p *Pipeline) stageGenerate(ctx context.Context, r *run) {
	_ = r.machine.TransitionTo(StateGenerating, models.StageGenerating, nil)
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageGenerating, 85, "Gerando resumo e relatório", nil))

	input := llm.SummaryInput{
		SectorName:    r.sector.Name,
		UFs:           r.params.UFs,
		Opportunities: r.opps,
		TotalRaw:      len(r.records),
	}
	r.resumo = llm.FallbackResumo(input)

	excelQueued := false
	var downloadURL string
	if p.jobs != nil && p.jobs.Available(ctx) {
		if len(r.opps) > 0 && p.model != nil {
			if err := p.jobs.EnqueueSummary(ctx, r.searchID, input); err != nil {
				slog.Warn("Summary job enqueue failed", "search_id", r.searchID, "error", err)
			}
		}
		if err := p.jobs.EnqueueReport(ctx, r.searchID, r.sector.Name, r.opps); err != nil {
			slog.Warn("Report job enqueue failed", "search_id", r.searchID, "error", err)
		} else {
			excelQueued = true
		}
	} else {
		if p.model != nil && len(r.opps) > 0 {
			r.resumo = p.model.Summarize(ctx, input)
		}
		if p.reports != nil {
			url, err := p.reports.Render(ctx, r.searchID, r.sector.Name, r.opps)
			if err != nil {
				slog.Warn("Inline report generation failed", "search_id", r.searchID, "error", err)
			} else {
				downloadURL = url
			}
		}
	}

	r.response = p.buildResponse(r, excelQueued, downloadURL)
}

func (p *Pipeline) buildResponse(r *run, excelQueued bool, downloadURL string) *models.SearchResponse {
	resp := &models.SearchResponse{
		Resumo:         r.resumo,
		Licitacoes:     r.opps,
		ExcelAvailable: excelQueued,
		TotalRaw:       len(r.records),
		TotalFiltrado:  len(r.opps),
		FilterStats:    r.filterRes.Stats(),
		FilterRelaxed:  r.filterRes.Relaxed,
		SearchID:       r.searchID,
		FailedUFs:      []string{},
		SucceededUFs:   append([]string(nil), r.params.UFs...),
	}
	if downloadURL != "" {
		resp.ExcelAvailable = true
		resp.DownloadURL = &downloadURL
	}
	if r.quotaStatus != nil {
		resp.QuotaUsed = r.quotaStatus.Used + 1
		resp.QuotaRemaining = r.quotaStatus.Remaining - 1
		if r.quotaStatus.IsAdmin {
			resp.QuotaRemaining = r.quotaStatus.Remaining
		}
	}

	switch {
	case r.degraded:
		resp.ResponseState = models.StateDegraded
		resp.Cached = true
		resp.CacheStatus = string(r.cacheState)
		resp.DegradationGuidance = "Os portais de origem estão instáveis; exibindo os últimos dados conhecidos."
	case r.fromCache && r.cacheState == cache.StatusFresh:
		resp.ResponseState = models.StateCached
		resp.Cached = true
		resp.CacheStatus = string(cache.StatusFresh)
	case r.fromCache:
		resp.ResponseState = models.StateCached
		resp.Cached = true
		resp.CacheStatus = string(cache.StatusStale)
		resp.DegradationGuidance = "Resultados de uma busca recente; uma atualização foi iniciada em segundo plano."
	case r.fetchRes != nil && len(r.records) == 0 && r.fetchRes.AllFailed():
		resp.ResponseState = models.StateEmptyFailure
		resp.SucceededUFs = []string{}
		resp.FailedUFs = append([]string(nil), r.params.UFs...)
		resp.DegradationGuidance = "Nenhuma fonte respondeu; tente novamente em alguns minutos."
	default:
		resp.ResponseState = models.StateLive
	}

	if r.fromCache && r.cachedRow != nil {
		ts := r.cachedRow.FetchedAt.UTC().Format(time.RFC3339)
		resp.CachedAt = &ts
	}
	if r.fetchRes != nil && resp.ResponseState == models.StateLive {
		resp.IsPartial = r.fetchRes.IsPartial
		if len(r.fetchRes.SucceededUFs) > 0 {
			resp.SucceededUFs = r.fetchRes.SucceededUFs
		}
		if len(r.fetchRes.FailedUFs) > 0 {
			resp.FailedUFs = r.fetchRes.FailedUFs
			resp.DegradationGuidance = fmt.Sprintf(
				"Sem dados para %s; os demais estados foram pesquisados normalmente.",
				strings.Join(r.fetchRes.FailedUFs, ", "))
		}
	}
	return resp
}

// stagePersist writes the audit session row.
func (p *Pipeline) stagePersist(ctx context.Context, r *run) error {
	_ = r.machine.TransitionTo(StatePersisting, models.StagePersisting, nil)
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StagePersisting, 95, "Gravando sessão", nil))

	if p.sessions == nil {
		return nil
	}
	session := &models.SearchSession{
		ID:             uuid.NewString(),
		UserID:         r.userID,
		SearchID:       r.searchID,
		SetorID:        r.sector.ID,
		UFs:            r.params.UFs,
		DataInicial:    r.dataInicial.Format(sources.FormatISO),
		DataFinal:      r.dataFinal.Format(sources.FormatISO),
		CustomKeywords: r.customTerms,
		TotalRaw:       len(r.records),
		TotalFiltrado:  len(r.opps),
		ResponseState:  r.response.ResponseState,
		State:          string(StateCompleted),
		DurationMS:     time.Since(r.started).Milliseconds(),
		CreatedAt:      time.Now(),
	}
	if err := p.sessions.Record(ctx, session, r.response); err != nil {
		// The user already has their results; losing the audit row is not
		// worth failing the search.
		slog.Error("Failed to persist search session", "search_id", r.searchID, "error", err)
	}
	return nil
}

// failTerminal drives the machine into the right terminal state and closes
// the progress stream with an error frame.
func (p *Pipeline) failTerminal(ctx context.Context, r *run, err error) {
	current := r.machine.Current()
	if !current.Terminal() {
		to := StateFailed
		if errors.Is(err, ErrSearchTimeout) {
			to = StateTimedOut
		}
		if terr := r.machine.TransitionTo(to, models.StageError, map[string]any{"error": err.Error()}); terr != nil {
			// TIMED_OUT is only reachable from FETCHING; elsewhere fall
			// back to FAILED.
			_ = r.machine.TransitionTo(StateFailed, models.StageError, map[string]any{"error": err.Error()})
		}
	}

	var verr *ValidationError
	msg := "Busca falhou"
	switch {
	case errors.As(err, &verr):
		msg = "Parâmetros inválidos"
	case errors.Is(err, services.ErrQuotaExceeded):
		msg = "Cota mensal de buscas esgotada"
	case errors.Is(err, ErrSearchTimeout):
		msg = "Busca excedeu o tempo limite"
	}
	p.hub.Publish(ctx, r.searchID, models.NewProgressEvent(
		models.StageError, -1, msg, map[string]any{"error": err.Error()}))
}
