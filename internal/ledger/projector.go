package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/kardex-erp/kardex/internal/observability"
)

// readPageSize bounds event pages during catch-up and replay scans.
const readPageSize = 256

// Projector folds adjustment events into per-key aggregates. All
// writes to an aggregate happen under that key's lock; keys project
// independently and in parallel.
//
// The projector tolerates lag: an event recorded but not yet folded
// (a caller gone away mid-flight) is picked up by the next Apply or
// CurrentState on the key. The event log stays authoritative, so a
// projection is never repaired in place, only refolded.
type Projector struct {
	events   EventStore
	aggs     AggregateStore
	locks    *keyMutex
	group    singleflight.Group
	allowNeg bool
	metrics  *observability.LedgerMetrics
	clock    func() time.Time

	mu       sync.Mutex
	faults   map[Key]*ConsistencyFault
	rejected map[Key]map[int64]error
}

// NewProjector builds a Projector. allowBackorders permits folds that
// drive quantity below zero; metrics may be nil.
func NewProjector(events EventStore, aggs AggregateStore, allowBackorders bool, metrics *observability.LedgerMetrics) *Projector {
	return &Projector{
		events:   events,
		aggs:     aggs,
		locks:    newKeyMutex(),
		allowNeg: allowBackorders,
		metrics:  metrics,
		faults:   make(map[Key]*ConsistencyFault),
		rejected: make(map[Key]map[int64]error),
	}
}

func (p *Projector) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return time.Now().UTC()
}

// Apply folds ev into its key's aggregate. Events recorded between the
// aggregate's cursor and ev fold first, under the key lock, so
// same-key events always fold in id order no matter how callers race.
// A rejected event returns ErrInsufficientStock; the aggregate's
// business state is untouched and the event stays in the log.
func (p *Projector) Apply(ctx context.Context, ev StockEvent) (StockAggregate, error) {
	key := ev.Key()
	unlock := p.locks.Lock(key)
	defer unlock()

	if f := p.Fault(key); f != nil {
		return StockAggregate{}, f
	}
	agg, err := p.loadLocked(ctx, key)
	if err != nil {
		return StockAggregate{}, err
	}
	if ev.ID <= agg.Cursor {
		// already processed, possibly by another caller's catch-up
		if rej := p.takeRejection(key, ev.ID); rej != nil {
			return agg, rej
		}
		return agg, nil
	}
	agg, err = p.foldRange(ctx, agg, key, ev.ID-1)
	if err != nil {
		return agg, err
	}
	var foldErr error
	agg, foldErr = p.foldOne(agg, ev)
	agg.UpdatedAt = p.now()
	if err := p.aggs.Put(ctx, agg); err != nil {
		return agg, err
	}
	return agg, foldErr
}

// CurrentState returns the projected state for key, folding any events
// the projection has not seen yet. Concurrent readers of a lagging key
// collapse into a single catch-up.
func (p *Projector) CurrentState(ctx context.Context, key Key) (StockAggregate, error) {
	if f := p.Fault(key); f != nil {
		return StockAggregate{}, f
	}
	head, err := p.events.Head(ctx, key)
	if err != nil {
		return StockAggregate{}, err
	}
	if head == 0 {
		return StockAggregate{}, fmt.Errorf("%w: no stock recorded for %s", ErrNotFound, key)
	}
	agg, err := p.aggs.Get(ctx, key)
	if err == nil && agg.Cursor >= head {
		return agg, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return StockAggregate{}, err
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		// the fold must finish even if the triggering reader goes away
		ctx := context.WithoutCancel(ctx)
		unlock := p.locks.Lock(key)
		defer unlock()

		agg, err := p.loadLocked(ctx, key)
		if err != nil {
			return StockAggregate{}, err
		}
		if agg.Cursor >= head {
			return agg, nil
		}
		if agg, err = p.foldRange(ctx, agg, key, head); err != nil {
			return agg, err
		}
		agg.UpdatedAt = p.now()
		if err := p.aggs.Put(ctx, agg); err != nil {
			return agg, err
		}
		return agg, nil
	})
	if err != nil {
		return StockAggregate{}, err
	}
	return v.(StockAggregate), nil
}

// Rebuild refolds key from its first event and overwrites the stored
// aggregate. The log is authoritative, so a full replay is also the
// manual reconciliation step: it clears any quarantine on the key.
func (p *Projector) Rebuild(ctx context.Context, key Key) (StockAggregate, error) {
	unlock := p.locks.Lock(key)
	defer unlock()

	agg := p.emptyState(key)
	for {
		events, err := p.events.ReadSince(ctx, key, agg.Cursor, readPageSize)
		if err != nil {
			return StockAggregate{}, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			// rejections replay as deterministic no-ops
			agg, _ = p.foldOne(agg, ev)
		}
	}
	agg.UpdatedAt = p.now()
	if err := p.aggs.Put(ctx, agg); err != nil {
		return StockAggregate{}, err
	}
	p.clearFault(key)
	p.metrics.RebuildRan()
	return agg, nil
}

// Verify replays key's history, recomputes the checksum chain and
// compares the replay against the stored aggregate at the cursor the
// store last persisted. Divergence or a broken chain quarantines the
// key: Apply and CurrentState fail with the fault until Rebuild.
func (p *Projector) Verify(ctx context.Context, key Key) error {
	unlock := p.locks.Lock(key)
	defer unlock()
	p.metrics.VerifyRan()

	stored, err := p.aggs.Get(ctx, key)
	hasStored := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	replayed := p.emptyState(key)
	atCursor := replayed
	var prev []byte
	for {
		events, err := p.events.ReadSince(ctx, key, replayed.Cursor, readPageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if want := EventChecksum(prev, ev); !bytes.Equal(want, ev.Checksum) {
				return p.quarantine(key, stored, replayed, fmt.Sprintf("checksum mismatch at event %d", ev.ID))
			}
			prev = ev.Checksum
			replayed, _ = p.foldOne(replayed, ev)
			if hasStored && replayed.Cursor == stored.Cursor {
				atCursor = replayed
			}
		}
	}
	if !hasStored {
		return nil
	}
	if atCursor.Cursor != stored.Cursor {
		return p.quarantine(key, stored, replayed, fmt.Sprintf("stored cursor %d not present in the log", stored.Cursor))
	}
	if atCursor.Quantity != stored.Quantity || !atCursor.AvgCost.Equal(stored.AvgCost) || atCursor.AppliedEventID != stored.AppliedEventID {
		return p.quarantine(key, stored, atCursor, fmt.Sprintf("stored state diverges from replay at event %d", stored.Cursor))
	}
	return nil
}

// Fault returns the active consistency fault for key, nil when healthy.
func (p *Projector) Fault(key Key) *ConsistencyFault {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faults[key]
}

// Faults lists quarantined keys in key order.
func (p *Projector) Faults() []*ConsistencyFault {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ConsistencyFault, 0, len(p.faults))
	for _, f := range p.faults {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ProductID != out[j].Key.ProductID {
			return out[i].Key.ProductID < out[j].Key.ProductID
		}
		return out[i].Key.LocationID < out[j].Key.LocationID
	})
	return out
}

func (p *Projector) emptyState(key Key) StockAggregate {
	return StockAggregate{ProductID: key.ProductID, LocationID: key.LocationID, AvgCost: decimal.Zero}
}

func (p *Projector) loadLocked(ctx context.Context, key Key) (StockAggregate, error) {
	agg, err := p.aggs.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return p.emptyState(key), nil
	}
	return agg, err
}

// foldOne processes a single event: on success business state and both
// watermarks advance, on rejection only the cursor does.
func (p *Projector) foldOne(agg StockAggregate, ev StockEvent) (StockAggregate, error) {
	qty, avg, err := foldEvent(agg.Quantity, agg.AvgCost, ev, p.allowNeg)
	agg.Cursor = ev.ID
	if err != nil {
		p.metrics.EventRejected()
		return agg, err
	}
	agg.Quantity = qty
	agg.AvgCost = avg
	agg.AppliedEventID = ev.ID
	return agg, nil
}

// foldRange folds stored events with id in (agg.Cursor, upTo]. When a
// racing submitter's event is rejected here, the rejection is
// remembered so that submitter still learns the outcome.
func (p *Projector) foldRange(ctx context.Context, agg StockAggregate, key Key, upTo int64) (StockAggregate, error) {
	for agg.Cursor < upTo {
		events, err := p.events.ReadSince(ctx, key, agg.Cursor, readPageSize)
		if err != nil {
			return agg, err
		}
		if len(events) == 0 {
			return agg, nil
		}
		for _, ev := range events {
			if ev.ID > upTo {
				return agg, nil
			}
			var foldErr error
			agg, foldErr = p.foldOne(agg, ev)
			if foldErr != nil {
				p.rememberRejection(key, ev.ID, foldErr)
			}
		}
	}
	return agg, nil
}

func (p *Projector) quarantine(key Key, stored, replayed StockAggregate, reason string) *ConsistencyFault {
	fault := &ConsistencyFault{
		Key:        key,
		Stored:     stored,
		Replayed:   replayed,
		Reason:     reason,
		DetectedAt: p.now(),
	}
	p.mu.Lock()
	p.faults[key] = fault
	size := len(p.faults)
	p.mu.Unlock()
	p.metrics.FaultDetected()
	p.metrics.QuarantineSize(size)
	return fault
}

func (p *Projector) clearFault(key Key) {
	p.mu.Lock()
	delete(p.faults, key)
	delete(p.rejected, key)
	size := len(p.faults)
	p.mu.Unlock()
	p.metrics.QuarantineSize(size)
}

func (p *Projector) rememberRejection(key Key, id int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.rejected[key]
	if m == nil {
		m = make(map[int64]error)
		p.rejected[key] = m
	}
	m[id] = err
}

func (p *Projector) takeRejection(key Key, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.rejected[key]
	err := m[id]
	if err != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(p.rejected, key)
		}
	}
	return err
}
