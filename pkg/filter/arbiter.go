package filter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Arbiter is the LLM judgment the gray-zone stage delegates to.
// Conservative mode carries a lower prior of acceptance and is used for
// zero-match bids.
type Arbiter interface {
	Judge(ctx context.Context, sectorName, objeto string, conservative bool) (belongs bool, err error)
}

const arbiterAnswerTTL = 24 * time.Hour

// CachedArbiter wraps an Arbiter with a Redis answer cache keyed by
// (sector_id, normalized objeto hash). On arbiter failure the answer is a
// conservative reject; a broken LLM must not fail the search.
type CachedArbiter struct {
	inner Arbiter
	rdb   *redis.Client
}

// NewCachedArbiter wraps inner. rdb may be nil (no answer caching).
func NewCachedArbiter(inner Arbiter, rdb *redis.Client) *CachedArbiter {
	return &CachedArbiter{inner: inner, rdb: rdb}
}

func arbiterKey(sectorID, normalizedObjeto string, conservative bool) string {
	sum := sha256.Sum256([]byte(normalizedObjeto))
	mode := "std"
	if conservative {
		mode = "strict"
	}
	return fmt.Sprintf("arbiter:%s:%s:%s", sectorID, mode, hex.EncodeToString(sum[:16]))
}

// Judge returns the cached answer when present, otherwise asks the inner
// arbiter and caches the result for 24h.
func (a *CachedArbiter) Judge(ctx context.Context, sectorID, sectorName, normalizedObjeto string, conservative bool) bool {
	key := arbiterKey(sectorID, normalizedObjeto, conservative)

	if a.rdb != nil {
		if v, err := a.rdb.Get(ctx, key).Result(); err == nil {
			return v == "1"
		}
	}

	if a.inner == nil {
		return false
	}
	belongs, err := a.inner.Judge(ctx, sectorName, normalizedObjeto, conservative)
	if err != nil {
		slog.Warn("LLM arbiter unavailable, rejecting conservatively", "error", err)
		return false
	}

	if a.rdb != nil {
		v := "0"
		if belongs {
			v = "1"
		}
		if err := a.rdb.Set(ctx, key, v, arbiterAnswerTTL).Err(); err != nil {
			slog.Warn("Failed to cache arbiter answer", "error", err)
		}
	}
	return belongs
}
