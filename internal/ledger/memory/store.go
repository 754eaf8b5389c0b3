// Package memory provides in-process ledger stores for tests and
// embedded deployments. A single mutex guards the store; appends get
// ids from one global sequence, so per-key order matches append order.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Store keeps the event log and projected aggregates in process. It
// implements ledger.EventStore and ledger.AggregateStore.
type Store struct {
	// Clock overrides the wall clock stamped on appended events.
	// Tests use it; nil means time.Now in UTC.
	Clock func() time.Time

	mu     sync.RWMutex
	nextID int64
	events map[ledger.Key][]ledger.StockEvent
	byReq  map[uuid.UUID]ledger.StockEvent
	aggs   map[ledger.Key]ledger.StockAggregate
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		events: make(map[ledger.Key][]ledger.StockEvent),
		byReq:  make(map[uuid.UUID]ledger.StockEvent),
		aggs:   make(map[ledger.Key]ledger.StockAggregate),
	}
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// Append assigns identity and checksum and records the event. A known
// RequestID returns the previously stored event unchanged.
func (s *Store) Append(ctx context.Context, ev ledger.StockEvent) (ledger.StockEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.RequestID != uuid.Nil {
		if prev, ok := s.byReq[ev.RequestID]; ok {
			return prev, nil
		}
	}
	key := ev.Key()
	s.nextID++
	ev.ID = s.nextID
	ev.UID = uuid.New()
	ev.RecordedAt = s.now()
	var prev []byte
	if log := s.events[key]; len(log) > 0 {
		prev = log[len(log)-1].Checksum
	}
	ev.Checksum = ledger.EventChecksum(prev, ev)
	s.events[key] = append(s.events[key], ev)
	if ev.RequestID != uuid.Nil {
		s.byReq[ev.RequestID] = ev
	}
	return ev, nil
}

// ReadSince returns up to limit events for key with id > afterID in
// ascending id order. A non-positive limit returns everything.
func (s *Store) ReadSince(ctx context.Context, key ledger.Key, afterID int64, limit int) ([]ledger.StockEvent, error) {
	return s.read(key, afterID, limit, func(ledger.StockEvent) bool { return true })
}

// ReadWindow is ReadSince restricted to RecordedAt within [from, to].
func (s *Store) ReadWindow(ctx context.Context, key ledger.Key, from, to time.Time, afterID int64, limit int) ([]ledger.StockEvent, error) {
	return s.read(key, afterID, limit, func(ev ledger.StockEvent) bool {
		if !from.IsZero() && ev.RecordedAt.Before(from) {
			return false
		}
		if !to.IsZero() && ev.RecordedAt.After(to) {
			return false
		}
		return true
	})
}

func (s *Store) read(key ledger.Key, afterID int64, limit int, keep func(ledger.StockEvent) bool) ([]ledger.StockEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[key]
	i := sort.Search(len(log), func(i int) bool { return log[i].ID > afterID })
	if limit <= 0 {
		limit = len(log)
	}
	out := make([]ledger.StockEvent, 0, min(limit, len(log)-i))
	for ; i < len(log) && len(out) < limit; i++ {
		if keep(log[i]) {
			out = append(out, log[i])
		}
	}
	return out, nil
}

// Head returns the highest recorded event id for key, zero when none.
func (s *Store) Head(ctx context.Context, key ledger.Key) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[key]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ID, nil
}

// Keys lists keys with recorded events inside scope, ordered by
// product then location.
func (s *Store) Keys(ctx context.Context, scope ledger.Scope) ([]ledger.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Key, 0, len(s.events))
	for key, log := range s.events {
		if len(log) == 0 || !scope.Matches(key) {
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out, nil
}

// Get returns the stored aggregate for key.
func (s *Store) Get(ctx context.Context, key ledger.Key) (ledger.StockAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggs[key]
	if !ok {
		return ledger.StockAggregate{}, fmt.Errorf("%w: aggregate %s", ledger.ErrNotFound, key)
	}
	return agg, nil
}

// Put stores the aggregate, replacing any previous state.
func (s *Store) Put(ctx context.Context, agg ledger.StockAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aggs[agg.Key()] = agg
	return nil
}

// Tamper overwrites a stored event in place. Only tests use it, to
// exercise checksum verification; production stores have no such path.
func (s *Store) Tamper(key ledger.Key, id int64, mutate func(*ledger.StockEvent)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[key]
	for i := range log {
		if log[i].ID == id {
			mutate(&log[i])
			return true
		}
	}
	return false
}
