// Package cache layers Redis over the slow parts of the ledger read
// path. Both caches degrade to pass-through when no client is
// configured, so callers never branch on deployment shape.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Thresholds is a read-through cache over a ledger.ThresholdSource.
// Misses are cached too; threshold edits take effect within the TTL or
// after Forget.
type Thresholds struct {
	source ledger.ThresholdSource
	client *redis.Client
	ttl    time.Duration
}

// NewThresholds wraps source with a Redis cache.
func NewThresholds(source ledger.ThresholdSource, client *redis.Client, ttl time.Duration) *Thresholds {
	return &Thresholds{source: source, client: client, ttl: ttl}
}

type cachedThreshold struct {
	Threshold ledger.Threshold
	Found     bool
}

// Lookup resolves the threshold for key, consulting Redis first. Cache
// failures fall back to the source rather than failing the lookup.
func (t *Thresholds) Lookup(ctx context.Context, key ledger.Key) (ledger.Threshold, bool, error) {
	if t.client == nil {
		return t.source.Lookup(ctx, key)
	}
	cacheKey := thresholdKey(key)
	if payload, err := t.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var entry cachedThreshold
		if err := json.Unmarshal(payload, &entry); err == nil {
			return entry.Threshold, entry.Found, nil
		}
	}
	th, ok, err := t.source.Lookup(ctx, key)
	if err != nil {
		return ledger.Threshold{}, false, err
	}
	if raw, err := json.Marshal(cachedThreshold{Threshold: th, Found: ok}); err == nil {
		t.client.Set(ctx, cacheKey, raw, t.ttl)
	}
	return th, ok, nil
}

// Forget drops the cached entry for key, forcing the next lookup back
// to the source.
func (t *Thresholds) Forget(ctx context.Context, key ledger.Key) error {
	if t.client == nil {
		return nil
	}
	return t.client.Del(ctx, thresholdKey(key)).Err()
}

func thresholdKey(key ledger.Key) string {
	return fmt.Sprintf("ledger:threshold:%d:%d", key.ProductID, key.LocationID)
}
