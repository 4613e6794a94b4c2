package filter

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/models"
)

// Density gate thresholds: above High accepts outright, below Low rejects,
// between the two is the gray zone handed to the arbiter.
const (
	DensityHigh = 0.05
	DensityLow  = 0.01
)

// Request carries everything one filter run needs.
type Request struct {
	Sector      *config.Sector
	Records     []models.UnifiedProcurement
	UFs         []string
	ValorMin    *float64
	ValorMax    *float64
	Modalidades []int
	CustomTerms []string

	// ArbiterEnabled gates stage E; ZeroMatchEnabled gates the
	// anti-false-negative pass. Snapshotted at request entry.
	ArbiterEnabled   bool
	ZeroMatchEnabled bool
	ArbiterBudget    int
	ItemFetchBudget  int
}

// Decision explains how one record was accepted.
type Decision struct {
	Record       models.UnifiedProcurement
	MatchedTerms []string
	PhraseHits   int
	Confidence   models.Confidence
}

// Result is the filter run outcome.
type Result struct {
	Accepted []Decision
	// Histogram counts rejections by reason code.
	Histogram map[string]int
	Relaxed   bool
}

// Stats projects the histogram onto the client-facing FilterStats shape.
func (r *Result) Stats() models.FilterStats {
	keyword := r.Histogram[ReasonKeyword] + r.Histogram[ReasonExclusion] + r.Histogram[ReasonCoOccur] +
		r.Histogram[ReasonDensity] + r.Histogram[ReasonArbiter] + r.Histogram[ReasonItems]
	return models.FilterStats{
		RejeitadasUF:       r.Histogram[ReasonUF],
		RejeitadasValor:    r.Histogram[ReasonValue],
		RejeitadasKeyword:  keyword,
		RejeitadasMinMatch: r.Histogram[ReasonMinMatch],
		RejeitadasPrazo:    r.Histogram[ReasonPrazo],
		RejeitadasOutros:   r.Histogram[ReasonStatus] + r.Histogram[ReasonModality],
	}
}

// Engine runs the staged filter over a consolidated record list.
type Engine struct {
	arbiter   *CachedArbiter
	inspector *ItemInspector
	tracker   *RejectionTracker
}

// NewEngine assembles the engine. arbiter and inspector may be nil, which
// disables their stages.
func NewEngine(arbiter *CachedArbiter, inspector *ItemInspector, tracker *RejectionTracker) *Engine {
	if tracker == nil {
		tracker = NewRejectionTracker()
	}
	return &Engine{arbiter: arbiter, inspector: inspector, tracker: tracker}
}

// Tracker exposes the rejection tracker for the admin endpoint.
func (e *Engine) Tracker() *RejectionTracker { return e.tracker }

// Run executes the staged filter. When the strict pass accepts nothing, it
// reruns once with the sector's relaxed exclusion set and flags the result.
func (e *Engine) Run(ctx context.Context, req Request) *Result {
	res := e.runPass(ctx, req, req.Sector.Exclusions)
	if len(res.Accepted) == 0 && len(req.Records) > 0 && len(req.Sector.RelaxedExclusions) < len(req.Sector.Exclusions) {
		slog.Info("Strict filter pass accepted nothing, relaxing exclusions",
			"sector", req.Sector.ID)
		res = e.runPass(ctx, req, req.Sector.RelaxedExclusions)
		res.Relaxed = true
	}
	return res
}

func (e *Engine) runPass(ctx context.Context, req Request, exclusions []string) *Result {
	res := &Result{Histogram: make(map[string]int)}
	budget := &budgets{
		arbiterCalls: req.ArbiterBudget,
		itemFetches:  req.ItemFetchBudget,
	}
	now := time.Now()

	for i := range req.Records {
		rec := &req.Records[i]
		decision, reason := e.evaluate(ctx, req, rec, exclusions, budget, now)
		if reason != "" {
			res.Histogram[reason]++
			e.tracker.Record(reason, req.Sector.ID, rec.Objeto, rec.SourceID)
			continue
		}
		res.Accepted = append(res.Accepted, *decision)
	}
	return res
}

type budgets struct {
	arbiterCalls int
	itemFetches  int
}

// evaluate runs one record through stages A-H. Returns the decision or the
// rejection reason code.
func (e *Engine) evaluate(ctx context.Context, req Request, rec *models.UnifiedProcurement, exclusions []string, budget *budgets, now time.Time) (*Decision, string) {
	sector := req.Sector

	// Stage A: hard filters.
	if reason := hardFilters(req, rec, now); reason != "" {
		return nil, reason
	}

	normalized := NormalizeText(rec.Objeto)

	// Stage B: exclusions first, then keyword matching with
	// context-required generics.
	for _, excl := range exclusions {
		if containsWord(normalized, excl) {
			return nil, ReasonExclusion
		}
	}
	matched := matchKeywords(normalized, sector)

	// Stage C: co-occurrence rules.
	for _, rule := range sector.CoOccurrenceRules {
		if violatesCoOccurrence(normalized, rule) {
			return nil, ReasonCoOccur
		}
	}

	// Stage H: min-match floor for custom terms, with exact-phrase
	// override.
	customMatched, phraseHits, ok := customTermFloor(normalized, req.CustomTerms)
	if !ok {
		return nil, ReasonMinMatch
	}
	matched = append(matched, customMatched...)

	confidence := models.ConfidenceHigh

	if len(matched) == 0 {
		// Zero keyword match: optional anti-false-negative arbiter pass.
		if !req.ZeroMatchEnabled || e.arbiter == nil || budget.arbiterCalls <= 0 {
			return nil, ReasonKeyword
		}
		budget.arbiterCalls--
		if !e.arbiter.Judge(ctx, sector.ID, sector.Name, normalized, true) {
			return nil, ReasonKeyword
		}
		return &Decision{Record: *rec, Confidence: models.ConfidenceLow, PhraseHits: phraseHits}, ""
	}

	// Stage D: density gate.
	density := keywordDensity(normalized, matched)
	switch {
	case density > DensityHigh:
		// Accept outright.
	case density < DensityLow:
		return nil, ReasonDensity
	default:
		// Gray zone: stage F item inspection, then stage E arbiter,
		// then stage G proximity rescue.
		if e.inspector.Enabled() && budget.itemFetches > 0 {
			budget.itemFetches--
			if accept, inspected := e.inspector.Inspect(ctx, rec, sector.Keywords); inspected {
				if !accept {
					return nil, ReasonItems
				}
				confidence = models.ConfidenceMedium
				break
			}
		}
		if req.ArbiterEnabled && e.arbiter != nil {
			if budget.arbiterCalls <= 0 {
				// Budget exhausted: conservative reject.
				return nil, ReasonArbiter
			}
			budget.arbiterCalls--
			if !e.arbiter.Judge(ctx, sector.ID, sector.Name, normalized, false) {
				return nil, ReasonArbiter
			}
			confidence = models.ConfidenceMedium
			break
		}
		if !proximityRescue(normalized, sector) {
			return nil, ReasonDensity
		}
		confidence = models.ConfidenceMedium
	}

	return &Decision{
		Record:       *rec,
		MatchedTerms: dedupeTerms(matched),
		PhraseHits:   phraseHits,
		Confidence:   confidence,
	}, ""
}

// hardFilters applies stage A: UF, status, modality, value bounds, and
// sector value ceiling.
func hardFilters(req Request, rec *models.UnifiedProcurement, now time.Time) string {
	if len(req.UFs) > 0 {
		found := false
		for _, uf := range req.UFs {
			if rec.UF == uf {
				found = true
				break
			}
		}
		if !found {
			return ReasonUF
		}
	}
	if len(req.Modalidades) > 0 {
		found := false
		for _, m := range req.Modalidades {
			if rec.ModalidadeCode == m {
				found = true
				break
			}
		}
		if !found {
			return ReasonModality
		}
	}
	if rec.DataEncerramento != nil && rec.DataEncerramento.Before(now) {
		return ReasonPrazo
	}
	v := rec.ValorEstimado
	if req.ValorMin != nil && v < *req.ValorMin {
		return ReasonValue
	}
	if req.ValorMax != nil && v > *req.ValorMax {
		return ReasonValue
	}
	if req.Sector.MaxContractValue > 0 && v > req.Sector.MaxContractValue {
		return ReasonValue
	}
	return ""
}

// matchKeywords returns the sector keywords present in the normalized text.
// Generic keywords listed in ContextRequired only count when a confirming
// term co-occurs. Synonyms count as their canonical keyword.
func matchKeywords(normalized string, sector *config.Sector) []string {
	var matched []string
	for _, kw := range sector.Keywords {
		hit := containsWord(normalized, kw)
		if !hit {
			for _, syn := range sector.Synonyms[kw] {
				if containsWord(normalized, syn) {
					hit = true
					break
				}
			}
		}
		if !hit {
			continue
		}
		if confirmers, generic := sector.ContextRequired[kw]; generic {
			confirmed := false
			for _, c := range confirmers {
				if c != kw && containsWord(normalized, c) {
					confirmed = true
					break
				}
			}
			if !confirmed {
				continue
			}
		}
		matched = append(matched, kw)
	}
	return matched
}

func violatesCoOccurrence(normalized string, rule config.CoOccurrenceRule) bool {
	if !containsWord(normalized, rule.Trigger) {
		return false
	}
	negative := false
	for _, neg := range rule.NegativeContexts {
		if containsWord(normalized, neg) {
			negative = true
			break
		}
	}
	if !negative {
		return false
	}
	for _, pos := range rule.PositiveSignals {
		if containsWord(normalized, pos) {
			return false
		}
	}
	return true
}

// keywordDensity is matched unique keyword occurrences over word count.
func keywordDensity(normalized string, matched []string) float64 {
	words := len(strings.Fields(normalized))
	if words == 0 {
		return 0
	}
	occurrences := 0
	for _, kw := range dedupeTerms(matched) {
		occurrences += countWordOccurrences(normalized, kw)
	}
	return float64(occurrences) / float64(words)
}

// customTermFloor enforces stage H: with N user terms the bid must match at
// least min(ceil(N/3), 3) of them, unless an exact multi-word phrase
// matches (strong signal override).
func customTermFloor(normalized string, terms []string) (matched []string, phraseHits int, ok bool) {
	if len(terms) == 0 {
		return nil, 0, true
	}
	for _, term := range terms {
		if containsWord(normalized, term) {
			matched = append(matched, term)
			if strings.Contains(term, " ") {
				phraseHits++
			}
		}
	}
	if phraseHits > 0 {
		return matched, phraseHits, true
	}
	floor := int(math.Ceil(float64(len(terms)) / 3))
	if floor > 3 {
		floor = 3
	}
	if len(matched) < floor {
		return nil, 0, false
	}
	return matched, phraseHits, true
}

// proximityRescue is stage G: a keyword within a five-word window of a
// confirming context term rescues a near-miss.
func proximityRescue(normalized string, sector *config.Sector) bool {
	for kw, confirmers := range sector.ContextRequired {
		for _, c := range confirmers {
			if wordsWithin(normalized, NormalizeText(kw), NormalizeText(c), 5) {
				return true
			}
		}
	}
	return false
}

func dedupeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
