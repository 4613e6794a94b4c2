// Package queue implements the Redis-backed background job queue for the
// heavy post-search work: LLM executive summaries and Excel reports. Search
// latency never waits on either.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/llm"
	"github.com/licitahub/radar/pkg/models"
)

// Job types.
const (
	JobSummary = "summary"
	JobReport  = "report"
)

const (
	jobsKey = "jobs:search"
	// ResultTTL bounds how long job outputs stay fetchable.
	ResultTTL = time.Hour
)

// Job is one queued unit of work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SearchID   string          `json:"search_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// SummaryPayload is the body of a summary job.
type SummaryPayload struct {
	Input llm.SummaryInput `json:"input"`
}

// ReportPayload is the body of a report job.
type ReportPayload struct {
	SectorName    string               `json:"sector_name"`
	Opportunities []models.Opportunity `json:"opportunities"`
}

// SummaryResultKey is where a finished summary job leaves its output.
func SummaryResultKey(searchID string) string { return "result:" + searchID + ":summary" }

// ReportResultKey is where a finished report job leaves the download URL.
func ReportResultKey(searchID string) string { return "result:" + searchID + ":report" }

// Queue enqueues and dequeues jobs over a Redis list. Implements
// search.JobDispatcher.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates the queue. rdb must not be nil.
func NewQueue(rdb *redis.Client) *Queue {
	if rdb == nil {
		panic("NewQueue: rdb must not be nil")
	}
	return &Queue{rdb: rdb}
}

// Available probes Redis so the pipeline can fall back to inline generation
// when the queue is unreachable.
func (q *Queue) Available(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return q.rdb.Ping(pctx).Err() == nil
}

// EnqueueSummary queues the LLM executive summary job.
func (q *Queue) EnqueueSummary(ctx context.Context, searchID string, input llm.SummaryInput) error {
	payload, err := json.Marshal(SummaryPayload{Input: input})
	if err != nil {
		return fmt.Errorf("encoding summary payload: %w", err)
	}
	return q.push(ctx, Job{
		ID:         uuid.NewString(),
		Type:       JobSummary,
		SearchID:   searchID,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
}

// EnqueueReport queues the Excel workbook job.
func (q *Queue) EnqueueReport(ctx context.Context, searchID, sectorName string, opps []models.Opportunity) error {
	payload, err := json.Marshal(ReportPayload{SectorName: sectorName, Opportunities: opps})
	if err != nil {
		return fmt.Errorf("encoding report payload: %w", err)
	}
	return q.push(ctx, Job{
		ID:         uuid.NewString(),
		Type:       JobReport,
		SearchID:   searchID,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (q *Queue) push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rdb.LPush(ctx, jobsKey, raw).Err(); err != nil {
		return fmt.Errorf("pushing job %s: %w", job.Type, err)
	}
	return nil
}

// pop blocks up to timeout for the next job. A nil job with nil error means
// the wait timed out.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, jobsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping job: %w", err)
	}
	// BRPOP returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// Depth reports the queue length for health endpoints.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, jobsKey).Result()
}
