package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Valuation caches historical valuation reports. Reports as of a past
// instant are immutable, because events only ever append with the
// current timestamp, so they cache until TTL; current reports always
// pass through.
type Valuation struct {
	inner  ledger.ValuerPort
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

// NewValuation wraps inner with a Redis cache for historical reports.
// A zero ttl keeps them until Redis evicts.
func NewValuation(inner ledger.ValuerPort, client *redis.Client, ttl time.Duration) *Valuation {
	return &Valuation{
		inner:  inner,
		client: client,
		ttl:    ttl,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// ValueAt serves historical reports from Redis when possible and
// delegates everything else. Cache failures degrade to computing the
// report; errors are never cached.
func (v *Valuation) ValueAt(ctx context.Context, asOf time.Time, scope ledger.Scope) (ledger.ValuationReport, error) {
	if v.client == nil || asOf.IsZero() || !asOf.Before(v.clock()) {
		return v.inner.ValueAt(ctx, asOf, scope)
	}
	cacheKey := valuationKey(asOf, scope)
	if payload, err := v.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var report ledger.ValuationReport
		if err := json.Unmarshal(payload, &report); err == nil {
			return report, nil
		}
	}
	report, err := v.inner.ValueAt(ctx, asOf, scope)
	if err != nil {
		return ledger.ValuationReport{}, err
	}
	if raw, err := json.Marshal(report); err == nil {
		v.client.Set(ctx, cacheKey, raw, v.ttl)
	}
	return report, nil
}

func valuationKey(asOf time.Time, scope ledger.Scope) string {
	return fmt.Sprintf("ledger:valuation:%d:%d:%d", asOf.UTC().UnixNano(), scope.ProductID, scope.LocationID)
}
