package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kardex-erp/kardex/internal/ledger"
)

func event(product, location, delta int64) ledger.StockEvent {
	ev := ledger.StockEvent{ProductID: product, LocationID: location, Delta: delta, Kind: ledger.KindRestock, ActorID: 1}
	if delta > 0 {
		ev.UnitCost = decimal.NewFromInt(10)
	} else {
		ev.Kind = ledger.KindSale
	}
	return ev
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	b, err := s.Append(ctx, event(2, 1, 5))
	require.NoError(t, err)
	c, err := s.Append(ctx, event(1, 1, -2))
	require.NoError(t, err)

	require.EqualValues(t, 1, a.ID)
	require.EqualValues(t, 2, b.ID)
	require.EqualValues(t, 3, c.ID)
	require.NotEqual(t, a.UID, b.UID)
	require.False(t, a.RecordedAt.IsZero())
}

func TestAppendChainsChecksums(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key := ledger.Key{ProductID: 1, LocationID: 1}

	_, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(1, 1, -2))
	require.NoError(t, err)
	// a second key must not disturb the first chain
	_, err = s.Append(ctx, event(2, 2, 9))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(1, 1, 7))
	require.NoError(t, err)

	log, err := s.ReadSince(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	require.NoError(t, ledger.VerifyChecksumChain(nil, log))
}

func TestAppendDeduplicatesRequestID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	ev := event(1, 1, 5)
	ev.RequestID = uuid.New()

	first, err := s.Append(ctx, ev)
	require.NoError(t, err)
	second, err := s.Append(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.UID, second.UID)

	head, err := s.Head(ctx, ledger.Key{ProductID: 1, LocationID: 1})
	require.NoError(t, err)
	require.Equal(t, first.ID, head)
}

func TestAppendWithoutRequestIDNeverDeduplicates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	first, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	second, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestReadSinceResumesFromCursor(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key := ledger.Key{ProductID: 1, LocationID: 1}

	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, event(1, 1, 1))
		require.NoError(t, err)
	}

	var got []ledger.StockEvent
	var after int64
	for {
		page, err := s.ReadSince(ctx, key, after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		after = page[len(page)-1].ID
	}
	require.Len(t, got, 7)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].ID, got[i-1].ID)
	}
}

func TestReadWindowFiltersByRecordedAt(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.Clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}
	ctx := context.Background()
	key := ledger.Key{ProductID: 1, LocationID: 1}

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, event(1, 1, 1))
		require.NoError(t, err)
	}

	got, err := s.ReadWindow(ctx, key, base.Add(2*time.Hour), base.Add(4*time.Hour), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3, "window bounds are inclusive")

	got, err = s.ReadWindow(ctx, key, time.Time{}, base.Add(2*time.Hour), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "open lower bound")
}

func TestKeysHonorsScope(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(1, 2, 5))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(2, 1, 5))
	require.NoError(t, err)

	all, err := s.Keys(ctx, ledger.Scope{})
	require.NoError(t, err)
	require.Equal(t, []ledger.Key{{ProductID: 1, LocationID: 1}, {ProductID: 1, LocationID: 2}, {ProductID: 2, LocationID: 1}}, all)

	byProduct, err := s.Keys(ctx, ledger.Scope{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, byProduct, 2)

	byLocation, err := s.Keys(ctx, ledger.Scope{LocationID: 2})
	require.NoError(t, err)
	require.Equal(t, []ledger.Key{{ProductID: 1, LocationID: 2}}, byLocation)
}

func TestAggregateRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	key := ledger.Key{ProductID: 1, LocationID: 1}

	_, err := s.Get(ctx, key)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	agg := ledger.StockAggregate{ProductID: 1, LocationID: 1, Quantity: 30, AvgCost: decimal.NewFromInt(65), AppliedEventID: 2, Cursor: 2}
	require.NoError(t, s.Put(ctx, agg))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, agg, got)
}
