package memory

import (
	"context"
	"sync"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Thresholds is an in-process ledger.ThresholdSource. A threshold with
// LocationID zero applies to every location of the product; a
// location-specific entry wins over it.
type Thresholds struct {
	mu        sync.RWMutex
	byKey     map[ledger.Key]ledger.Threshold
	byProduct map[int64]ledger.Threshold
}

// NewThresholds builds an empty source.
func NewThresholds() *Thresholds {
	return &Thresholds{
		byKey:     make(map[ledger.Key]ledger.Threshold),
		byProduct: make(map[int64]ledger.Threshold),
	}
}

// Set stores or replaces a threshold.
func (t *Thresholds) Set(th ledger.Threshold) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if th.LocationID == 0 {
		t.byProduct[th.ProductID] = th
		return
	}
	t.byKey[ledger.Key{ProductID: th.ProductID, LocationID: th.LocationID}] = th
}

// Lookup resolves the threshold for key.
func (t *Thresholds) Lookup(ctx context.Context, key ledger.Key) (ledger.Threshold, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if th, ok := t.byKey[key]; ok {
		return th, true, nil
	}
	if th, ok := t.byProduct[key.ProductID]; ok {
		return th, true, nil
	}
	return ledger.Threshold{}, false, nil
}
