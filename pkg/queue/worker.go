package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/llm"
	"github.com/licitahub/radar/pkg/metrics"
	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/report"
	"github.com/licitahub/radar/pkg/reporting"
	"github.com/licitahub/radar/pkg/search"
)

const (
	popTimeout  = 5 * time.Second
	maxAttempts = 2
)

// Worker drains the job queue: summaries go to the LLM, reports to the
// workbook builder. Finished outputs land under result:<search_id>:* keys
// and subscribers get a ready frame on the progress stream.
type Worker struct {
	queue   *Queue
	rdb     *redis.Client
	model   *llm.Client
	reports *report.Renderer
	hub     *search.ProgressHub
	conc    int
	mx      *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker wires the worker. model may be nil, in which case summary jobs
// complete with the deterministic fallback.
func NewWorker(q *Queue, rdb *redis.Client, model *llm.Client, store report.ObjectStore, hub *search.ProgressHub, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 2
	}
	return &Worker{
		queue:   q,
		rdb:     rdb,
		model:   model,
		reports: report.NewRenderer(store),
		hub:     hub,
		conc:    concurrency,
		done:    make(chan struct{}),
	}
}

// SetMetrics attaches the job outcome counter.
func (w *Worker) SetMetrics(m *metrics.Metrics) { w.mx = m }

// Start launches the worker goroutines. Idempotent.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		var wg sync.WaitGroup
		for i := 0; i < w.conc; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				w.loop(ctx, id)
			}(i)
		}
		go func() {
			wg.Wait()
			close(w.done)
		}()
		slog.Info("Job workers started", "concurrency", w.conc)
	})
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		slog.Info("Job workers stopped")
	})
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Job pop failed, backing off", "worker", id, "error", err)
			// Jittered backoff so workers do not hammer a sick Redis in
			// lockstep.
			select {
			case <-time.After(2*time.Second + time.Duration(rand.Intn(2000))*time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	start := time.Now()
	var err error
	switch job.Type {
	case JobSummary:
		err = w.runSummary(ctx, job)
	case JobReport:
		err = w.runReport(ctx, job)
	default:
		slog.Error("Unknown job type dropped", "type", job.Type, "job_id", job.ID)
		return
	}

	if err != nil {
		job.Attempts++
		if job.Attempts < maxAttempts && ctx.Err() == nil {
			slog.Warn("Job failed, requeueing",
				"type", job.Type, "job_id", job.ID, "attempt", job.Attempts, "error", err)
			if perr := w.queue.push(ctx, *job); perr != nil {
				slog.Error("Job requeue failed", "job_id", job.ID, "error", perr)
			}
			return
		}
		reporting.Report(err, "Job failed permanently",
			"type", job.Type, "job_id", job.ID, "attempts", job.Attempts+1)
		if w.mx != nil {
			w.mx.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		}
		return
	}
	if w.mx != nil {
		w.mx.JobsProcessed.WithLabelValues(job.Type, "ok").Inc()
	}
	slog.Info("Job completed",
		"type", job.Type, "search_id", job.SearchID, "duration_ms", time.Since(start).Milliseconds())
}

func (w *Worker) runSummary(ctx context.Context, job *Job) error {
	var payload SummaryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding summary payload: %w", err)
	}

	resumo := llm.FallbackResumo(payload.Input)
	if w.model != nil {
		resumo = w.model.Summarize(ctx, payload.Input)
	}

	raw, err := json.Marshal(resumo)
	if err != nil {
		return fmt.Errorf("encoding resumo: %w", err)
	}
	if err := w.rdb.Set(ctx, SummaryResultKey(job.SearchID), raw, ResultTTL).Err(); err != nil {
		return fmt.Errorf("storing summary result: %w", err)
	}

	w.hub.Publish(ctx, job.SearchID, models.NewProgressEvent(
		models.StageLLMReady, 100, "Resumo executivo disponível", nil))
	return nil
}

func (w *Worker) runReport(ctx context.Context, job *Job) error {
	var payload ReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding report payload: %w", err)
	}

	url, err := w.reports.Render(ctx, job.SearchID, payload.SectorName, payload.Opportunities)
	if err != nil {
		return err
	}
	if err := w.rdb.Set(ctx, ReportResultKey(job.SearchID), url, ResultTTL).Err(); err != nil {
		return fmt.Errorf("storing report result: %w", err)
	}

	w.hub.Publish(ctx, job.SearchID, models.NewProgressEvent(
		models.StageExcelReady, 100, "Relatório Excel disponível", map[string]any{
			"download_url": url,
		}))
	return nil
}
