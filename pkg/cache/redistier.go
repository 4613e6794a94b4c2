package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cache:"

// Redis TTLs by priority: hot entries stay longest.
var redisTTLByPriority = map[Priority]time.Duration{
	PriorityHot:  12 * time.Hour,
	PriorityWarm: 6 * time.Hour,
	PriorityCold: 2 * time.Hour,
}

// RedisTier is the shared mid-latency tier.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier wraps the shared client.
func NewRedisTier(rdb *redis.Client) *RedisTier {
	return &RedisTier{rdb: rdb}
}

// Get reads a row by params_hash.
func (t *RedisTier) Get(ctx context.Context, paramsHash string) (*Row, error) {
	raw, err := t.rdb.Get(ctx, redisKeyPrefix+paramsHash).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache read: %w", err)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding redis cache row: %w", err)
	}
	return &row, nil
}

// Put writes a row with a TTL keyed to its priority.
func (t *RedisTier) Put(ctx context.Context, row *Row) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding redis cache row: %w", err)
	}
	ttl, ok := redisTTLByPriority[row.Priority]
	if !ok {
		ttl = redisTTLByPriority[PriorityCold]
	}
	if err := t.rdb.Set(ctx, redisKeyPrefix+row.ParamsHash, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache write: %w", err)
	}
	return nil
}

// Ping verifies tier reachability.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
