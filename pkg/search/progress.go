package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/models"
)

const (
	progressQueueCap = 128
	trackerTTL       = 10 * time.Minute
)

func progressChannel(searchID string) string { return "progress:" + searchID }

// ProgressHub fans search progress events out to SSE subscribers. Events go
// to the in-process tracker queue and, when Redis is configured, to a
// pub/sub channel keyed by search id so any replica can serve the SSE
// stream. Trackers expire on terminal events or TTL.
type ProgressHub struct {
	rdb *redis.Client

	mu       sync.Mutex
	trackers map[string]*tracker
}

type tracker struct {
	events    chan models.ProgressEvent
	createdAt time.Time
	done      bool
}

// NewProgressHub creates the hub. rdb may be nil (single-replica mode).
func NewProgressHub(rdb *redis.Client) *ProgressHub {
	h := &ProgressHub{
		rdb:      rdb,
		trackers: make(map[string]*tracker),
	}
	go h.expireLoop()
	return h
}

// Register creates the per-search tracker. Idempotent.
func (h *ProgressHub) Register(searchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.trackers[searchID]; ok {
		return
	}
	h.trackers[searchID] = &tracker{
		events:    make(chan models.ProgressEvent, progressQueueCap),
		createdAt: time.Now(),
	}
}

// Publish appends an event to the search's stream. Never blocks: when the
// bounded queue is full the oldest event is dropped in favor of the new
// one. Cross-replica delivery goes through Redis pub/sub best-effort.
func (h *ProgressHub) Publish(ctx context.Context, searchID string, ev models.ProgressEvent) {
	h.mu.Lock()
	t, ok := h.trackers[searchID]
	if ok && !t.done {
		select {
		case t.events <- ev:
		default:
			select {
			case <-t.events:
			default:
			}
			select {
			case t.events <- ev:
			default:
			}
		}
		if ev.Terminal() {
			t.done = true
			close(t.events)
		}
	}
	h.mu.Unlock()

	if h.rdb != nil {
		raw, err := json.Marshal(ev)
		if err == nil {
			if err := h.rdb.Publish(ctx, progressChannel(searchID), raw).Err(); err != nil {
				slog.Warn("Progress pub/sub publish failed", "search_id", searchID, "error", err)
			}
		}
	}
}

// Subscribe returns the local event channel for a search, or nil when no
// tracker exists on this replica.
func (h *ProgressHub) Subscribe(searchID string) <-chan models.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.trackers[searchID]; ok {
		return t.events
	}
	return nil
}

// SubscribeRemote attaches to the Redis pub/sub channel for searches being
// processed on another replica. The returned cancel must be called to
// release the subscription.
func (h *ProgressHub) SubscribeRemote(ctx context.Context, searchID string) (<-chan models.ProgressEvent, func()) {
	if h.rdb == nil {
		return nil, func() {}
	}
	sub := h.rdb.Subscribe(ctx, progressChannel(searchID))
	out := make(chan models.ProgressEvent, progressQueueCap)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// Remove drops a tracker (terminal state handled or abandoned).
func (h *ProgressHub) Remove(searchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.trackers[searchID]; ok {
		if !t.done {
			t.done = true
			close(t.events)
		}
		delete(h.trackers, searchID)
	}
}

// expireLoop drops trackers older than the TTL so abandoned searches do not
// leak channels.
func (h *ProgressHub) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-trackerTTL)
		h.mu.Lock()
		for id, t := range h.trackers {
			if t.createdAt.Before(cutoff) {
				if !t.done {
					t.done = true
					close(t.events)
				}
				delete(h.trackers, id)
			}
		}
		h.mu.Unlock()
	}
}
