package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoCache is an advisory read-through cache for idempotency records placed
// in front of the Store. It is rebuildable from storage at any time; a cache
// miss or Redis outage degrades to a store read, never to a wrong answer.
type MemoCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMemoCache wraps a Redis client. ttl bounds how long memoized responses
// stay hot; the durable record in the Store is the source of truth.
func NewMemoCache(rdb *redis.Client, ttl time.Duration) *MemoCache {
	return &MemoCache{rdb: rdb, ttl: ttl}
}

func memoKey(tenantID, key, routeBindingHash string) string {
	return "settld:idem:" + tenantID + ":" + routeBindingHash + ":" + key
}

// Get returns the cached record, or nil on miss or cache error.
func (c *MemoCache) Get(ctx context.Context, tenantID, key, routeBindingHash string) *Idempotency {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, memoKey(tenantID, key, routeBindingHash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("memo cache read failed", "err", err)
		}
		return nil
	}
	var rec Idempotency
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	return &rec
}

// Put stores the record best-effort.
func (c *MemoCache) Put(ctx context.Context, rec *Idempotency) {
	if c == nil || c.rdb == nil || rec == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, memoKey(rec.TenantID, rec.Key, rec.RouteBindingHash), raw, c.ttl).Err(); err != nil {
		slog.Debug("memo cache write failed", "err", err)
	}
}
