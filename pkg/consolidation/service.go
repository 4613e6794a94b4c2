// Package consolidation fans a search out to every enabled source adapter,
// merges the streams, and deduplicates the result.
package consolidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/reporting"
	"github.com/licitahub/radar/pkg/resilience"
	"github.com/licitahub/radar/pkg/sources"
)

const healthProbeTimeout = 5 * time.Second

// Result is the outcome of a consolidated fetch.
type Result struct {
	Records       []models.UnifiedProcurement
	SourceResults []models.SourceResult
	SucceededUFs  []string
	FailedUFs     []string
	Duration      time.Duration
	IsPartial     bool
}

// AllFailed reports whether no source, fallback included, produced a usable
// stream. A clean fetch with zero notices is not a failure.
func (r *Result) AllFailed() bool {
	if len(r.SourceResults) == 0 {
		return true
	}
	for _, sr := range r.SourceResults {
		if sr.Status != "failed" {
			return false
		}
	}
	return true
}

// Guard bundles the resilience primitives protecting one adapter.
type Guard struct {
	Breaker *resilience.CircuitBreaker
	Timeout *resilience.AdaptiveTimeout
}

// Service drains enabled adapters concurrently and consolidates their
// streams. Failure in one adapter never cancels the others.
type Service struct {
	adapters []sources.Adapter
	fallback sources.Adapter
	guards   map[string]Guard
	maxConc  int
}

// NewService constructs the service, verifying each adapter satisfies the
// full contract up front. A nil adapter or missing metadata is a
// construction error, never a runtime surprise.
func NewService(adapters []sources.Adapter, fallback sources.Adapter, guards map[string]Guard) (*Service, error) {
	for i, a := range adapters {
		if err := VerifyAdapter(a); err != nil {
			return nil, fmt.Errorf("adapter %d: %w", i, err)
		}
	}
	if fallback != nil {
		if err := VerifyAdapter(fallback); err != nil {
			return nil, fmt.Errorf("fallback adapter: %w", err)
		}
	}
	return &Service{
		adapters: adapters,
		fallback: fallback,
		guards:   guards,
		maxConc:  4,
	}, nil
}

// VerifyAdapter checks the adapter contract at construction time.
func VerifyAdapter(a sources.Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	meta := a.Metadata()
	if meta.Code == "" {
		return fmt.Errorf("adapter %T has empty source code", a)
	}
	if meta.BaseURL == "" {
		return fmt.Errorf("adapter %s has empty base URL", meta.Code)
	}
	return nil
}

// fetchUnit is one guarded fetch call: an adapter plus the UF slice that
// call covers. An empty ufs slice means the unit covers every requested UF.
type fetchUnit struct {
	adapter sources.Adapter
	filter  sources.FetchFilter
	ufs     []string
}

type unitOutcome struct {
	meta      models.SourceMetadata
	ufs       []string
	records   []models.UnifiedProcurement
	truncated bool
	duration  time.Duration
	err       error
}

// Fetch runs the consolidated fetch. The context bounds the whole fan-out;
// when it fires, whatever was already collected is returned with
// IsPartial set.
func (s *Service) Fetch(ctx context.Context, filter sources.FetchFilter) (*Result, error) {
	start := time.Now()
	log := slog.With("ufs", filter.UFs)

	// 1. Probe health; skip UNAVAILABLE adapters but remember them.
	live, skipped := s.probe(ctx, filter.UFs)
	log.Info("Source health probed", "live", len(live), "skipped", len(skipped))

	// 2. Drain surviving adapters concurrently, one unit per UF where the
	// portal filters UF server-side so a single slow state fails alone.
	outcomes := s.drainAll(ctx, planUnits(live, filter))
	outcomes = append(outcomes, skipped...)

	// 3. Fallback supplements only when every primary call failed. A clean
	// fetch with zero notices is a success, not a trigger.
	allFailed := true
	for _, o := range outcomes {
		if o.err == nil {
			allFailed = false
			break
		}
	}
	if allFailed && s.fallback != nil {
		log.Warn("All primary sources failed, invoking fallback", "fallback", s.fallback.Metadata().Code)
		fb := s.drainOne(ctx, fetchUnit{adapter: s.fallback, filter: filter, ufs: filter.UFs})
		outcomes = append(outcomes, fb)
	}

	// 4. Deduplicate and assemble.
	res := s.assemble(outcomes, filter.UFs)
	res.Duration = time.Since(start)
	res.IsPartial = res.IsPartial || ctx.Err() != nil
	return res, nil
}

// planUnits splits the fan-out into fetch units. Adapters that filter UF
// server-side get one unit per requested UF; the rest cover the whole
// request in a single unit and filter client-side.
func planUnits(adapters []sources.Adapter, filter sources.FetchFilter) []fetchUnit {
	var units []fetchUnit
	for _, a := range adapters {
		meta := a.Metadata()
		if len(filter.UFs) > 1 && meta.HasCapability(models.CapUFFilter) {
			for _, uf := range filter.UFs {
				f := filter
				f.UFs = []string{uf}
				units = append(units, fetchUnit{adapter: a, filter: f, ufs: []string{uf}})
			}
			continue
		}
		units = append(units, fetchUnit{adapter: a, filter: filter, ufs: filter.UFs})
	}
	return units
}

// probe health-checks each adapter with a hard 5s bound.
func (s *Service) probe(ctx context.Context, requestedUFs []string) (live []sources.Adapter, skipped []unitOutcome) {
	type probeResult struct {
		adapter sources.Adapter
		status  models.SourceStatus
	}
	results := make([]probeResult, len(s.adapters))
	var wg sync.WaitGroup
	for i, a := range s.adapters {
		wg.Add(1)
		go func(i int, a sources.Adapter) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()
			results[i] = probeResult{adapter: a, status: a.HealthCheck(pctx)}
		}(i, a)
	}
	wg.Wait()

	for _, r := range results {
		if r.status == models.SourceUnavailable {
			skipped = append(skipped, unitOutcome{
				meta: r.adapter.Metadata(),
				ufs:  requestedUFs,
				err:  fmt.Errorf("health check reported unavailable"),
			})
			continue
		}
		live = append(live, r.adapter)
	}
	return live, skipped
}

// drainAll runs drainOne for each unit under a bounded errgroup. Errors
// are captured per unit, never propagated to the group.
func (s *Service) drainAll(ctx context.Context, units []fetchUnit) []unitOutcome {
	outcomes := make([]unitOutcome, len(units))
	// Plain group, not WithContext: one unit failing must not cancel the
	// peers.
	var g errgroup.Group
	g.SetLimit(s.maxConc)

	for i, u := range units {
		g.Go(func() error {
			outcomes[i] = s.drainOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// drainOne consumes a single unit stream under the adapter's breaker and
// adaptive deadline.
func (s *Service) drainOne(ctx context.Context, u fetchUnit) unitOutcome {
	meta := u.adapter.Metadata()
	out := unitOutcome{meta: meta, ufs: u.ufs}
	start := time.Now()

	guard, guarded := s.guards[meta.Code]
	if guarded && guard.Breaker != nil && !guard.Breaker.CanExecute(ctx) {
		out.err = fmt.Errorf("circuit breaker open for %s", meta.Code)
		return out
	}

	deadline := time.Duration(meta.DefaultTimeoutMS) * time.Millisecond
	if guarded && guard.Timeout != nil {
		deadline = guard.Timeout.Effective()
	}
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	stream, info := u.adapter.Fetch(actx, u.filter)
	for r := range stream {
		if r.Err != nil {
			out.err = r.Err
			break
		}
		out.records = append(out.records, r.Record)
	}
	out.truncated = info.WasTruncated
	out.duration = time.Since(start)

	if guarded {
		if out.err != nil {
			if guard.Breaker != nil {
				guard.Breaker.RecordFailure(ctx)
			}
		} else {
			if guard.Breaker != nil {
				guard.Breaker.RecordSuccess(ctx)
			}
			if guard.Timeout != nil {
				guard.Timeout.Observe(out.duration)
			}
		}
	}

	if out.err != nil {
		// A timeout with records already collected is a partial success:
		// keep what we have.
		if len(out.records) > 0 && actx.Err() != nil {
			slog.Warn("Source timed out mid-stream, keeping partial records",
				"source", meta.Code, "ufs", u.ufs, "records", len(out.records))
		} else {
			reporting.Report(out.err, "Source fetch unit failed",
				"source", meta.Code, "ufs", u.ufs)
		}
	}
	return out
}

// assemble deduplicates by dedup_key and computes per-source and per-UF
// status. On a key collision the record from the lower-priority-number
// source wins; equal priority prefers the later data_publicacao. Non-empty
// fields from the discarded record are merged into the kept one.
func (s *Service) assemble(outcomes []unitOutcome, requestedUFs []string) *Result {
	res := &Result{}
	kept := make(map[string]*models.UnifiedProcurement)
	priority := make(map[string]int)
	ufOK := make(map[string]bool)

	// Per-source rollup across that source's units, in first-seen order.
	type rollup struct {
		meta      models.SourceMetadata
		records   int
		failed    int
		succeeded int
		truncated bool
		duration  time.Duration
		firstErr  error
	}
	var order []string
	bySource := make(map[string]*rollup)

	for _, o := range outcomes {
		r, ok := bySource[o.meta.Code]
		if !ok {
			r = &rollup{meta: o.meta}
			bySource[o.meta.Code] = r
			order = append(order, o.meta.Code)
		}
		r.records += len(o.records)
		if o.err != nil {
			r.failed++
			if r.firstErr == nil {
				r.firstErr = o.err
			}
		} else {
			r.succeeded++
			// A unit that completed marks every UF it covers as served,
			// even when it yielded zero notices.
			if len(o.ufs) == 0 {
				for _, uf := range requestedUFs {
					ufOK[uf] = true
				}
			}
			for _, uf := range o.ufs {
				ufOK[uf] = true
			}
		}
		r.truncated = r.truncated || o.truncated
		if o.duration > r.duration {
			r.duration = o.duration
		}

		for i := range o.records {
			rec := &o.records[i]
			existing, ok := kept[rec.DedupKey]
			if !ok {
				cp := *rec
				kept[rec.DedupKey] = &cp
				priority[rec.DedupKey] = o.meta.Priority
				continue
			}
			if shouldReplace(existing, rec, priority[rec.DedupKey], o.meta.Priority) {
				merged := *rec
				mergeFields(&merged, existing)
				kept[rec.DedupKey] = &merged
				priority[rec.DedupKey] = o.meta.Priority
			} else {
				mergeFields(existing, rec)
			}
		}
	}

	for _, code := range order {
		r := bySource[code]
		status := "success"
		switch {
		case r.succeeded == 0 && r.records == 0:
			status = "failed"
		case r.failed > 0:
			status = "degraded"
		case r.truncated:
			status = "truncated"
		}
		res.SourceResults = append(res.SourceResults, models.SourceResult{
			Code:       code,
			Status:     status,
			Records:    r.records,
			DurationMS: r.duration.Milliseconds(),
			Error:      errString(r.firstErr),
		})
		if status == "degraded" || status == "truncated" {
			res.IsPartial = true
		}
	}

	for _, rec := range kept {
		res.Records = append(res.Records, *rec)
	}

	for _, uf := range requestedUFs {
		if ufOK[uf] {
			res.SucceededUFs = append(res.SucceededUFs, uf)
		} else {
			res.FailedUFs = append(res.FailedUFs, uf)
		}
	}
	if len(res.FailedUFs) > 0 && len(res.SucceededUFs) > 0 {
		res.IsPartial = true
	}
	return res
}

func shouldReplace(existing, candidate *models.UnifiedProcurement, existingPrio, candidatePrio int) bool {
	if candidatePrio != existingPrio {
		return candidatePrio < existingPrio
	}
	return candidate.DataPublicacao.After(existing.DataPublicacao)
}

// mergeFields copies non-empty fields from src into dst without overwriting
// populated ones.
func mergeFields(dst, src *models.UnifiedProcurement) {
	if dst.Objeto == "" {
		dst.Objeto = src.Objeto
	}
	if dst.Orgao == "" {
		dst.Orgao = src.Orgao
	}
	if dst.Municipio == "" {
		dst.Municipio = src.Municipio
	}
	if dst.ModalidadeName == "" {
		dst.ModalidadeName = src.ModalidadeName
	}
	if dst.ValorEstimado == 0 {
		dst.ValorEstimado = src.ValorEstimado
	}
	if dst.ValorHomologado == nil {
		dst.ValorHomologado = src.ValorHomologado
	}
	if dst.DataAbertura == nil {
		dst.DataAbertura = src.DataAbertura
	}
	if dst.DataEncerramento == nil {
		dst.DataEncerramento = src.DataEncerramento
	}
	if dst.SituacaoText == "" {
		dst.SituacaoText = src.SituacaoText
	}
	if dst.LinkPortal == "" {
		dst.LinkPortal = src.LinkPortal
	}
	if len(dst.Items) == 0 {
		dst.Items = src.Items
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
