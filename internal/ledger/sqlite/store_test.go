package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kardex-erp/kardex/internal/ledger"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kardex.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func event(product, location, delta int64) ledger.StockEvent {
	ev := ledger.StockEvent{ProductID: product, LocationID: location, Delta: delta, Kind: ledger.KindRestock, ActorID: 1}
	if delta > 0 {
		ev.UnitCost = decimal.RequireFromString("12.50")
	} else {
		ev.Kind = ledger.KindSale
	}
	return ev
}

// requireSameEvent compares events field-wise; decimals with equal
// value may differ in representation after a text round trip.
func requireSameEvent(t *testing.T, want, got ledger.StockEvent) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.UID, got.UID)
	require.Equal(t, want.RequestID, got.RequestID)
	require.Equal(t, want.Key(), got.Key())
	require.Equal(t, want.Delta, got.Delta)
	require.True(t, want.UnitCost.Equal(got.UnitCost), "unit cost %s vs %s", want.UnitCost, got.UnitCost)
	require.Equal(t, want.Kind, got.Kind)
	require.Equal(t, want.Reason, got.Reason)
	require.Equal(t, want.ActorID, got.ActorID)
	require.Equal(t, want.Forced, got.Forced)
	require.True(t, want.RecordedAt.Equal(got.RecordedAt))
	require.Equal(t, want.Checksum, got.Checksum)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kardex.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestAppendAndReadBack(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	key := ledger.Key{ProductID: 1, LocationID: 1}

	first, err := s.Append(ctx, event(1, 1, 50))
	require.NoError(t, err)
	require.EqualValues(t, 1, first.ID)
	require.NotEmpty(t, first.Checksum)

	_, err = s.Append(ctx, event(1, 1, -20))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(2, 1, 5))
	require.NoError(t, err)

	log, err := s.ReadSince(ctx, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	requireSameEvent(t, first, log[0])
	require.NoError(t, ledger.VerifyChecksumChain(nil, log))

	head, err := s.Head(ctx, key)
	require.NoError(t, err)
	require.Equal(t, log[1].ID, head)
}

func TestAppendDeduplicatesRequestID(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	ev := event(1, 1, 50)
	ev.RequestID = uuid.New()

	first, err := s.Append(ctx, ev)
	require.NoError(t, err)
	second, err := s.Append(ctx, ev)
	require.NoError(t, err)
	requireSameEvent(t, first, second)

	head, err := s.Head(ctx, ledger.Key{ProductID: 1, LocationID: 1})
	require.NoError(t, err)
	require.Equal(t, first.ID, head)
}

func TestReadWindowUsesRecordedAt(t *testing.T) {
	s, _ := openStore(t)
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
	require.Len(t, got, 3)

	got, err = s.ReadWindow(ctx, key, time.Time{}, base.Add(2*time.Hour), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kardex.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	stored, err := s.Append(ctx, event(1, 1, 50))
	require.NoError(t, err)
	agg := ledger.StockAggregate{
		ProductID: 1, LocationID: 1, Quantity: 50,
		AvgCost: decimal.RequireFromString("12.50"),
		AppliedEventID: stored.ID, Cursor: stored.ID,
		UpdatedAt: stored.RecordedAt,
	}
	require.NoError(t, s.Put(ctx, agg))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	log, err := s.ReadSince(ctx, ledger.Key{ProductID: 1, LocationID: 1}, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	requireSameEvent(t, stored, log[0])

	got, err := s.Get(ctx, ledger.Key{ProductID: 1, LocationID: 1})
	require.NoError(t, err)
	require.EqualValues(t, 50, got.Quantity)
	require.True(t, got.AvgCost.Equal(agg.AvgCost))
	require.Equal(t, agg.UpdatedAt, got.UpdatedAt)
}

func TestAggregateGetMissing(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.Get(context.Background(), ledger.Key{ProductID: 7, LocationID: 7})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestThresholdLookupPrefersLocationRow(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetThreshold(ctx, ledger.Threshold{ProductID: 1, LocationID: 0, MinLevel: 10}))
	require.NoError(t, s.SetThreshold(ctx, ledger.Threshold{ProductID: 1, LocationID: 2, MinLevel: 4, MaxLevel: 90, HasMax: true}))

	th, ok, err := s.Lookup(ctx, ledger.Key{ProductID: 1, LocationID: 2})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 4, th.MinLevel)
	require.True(t, th.HasMax)
	require.EqualValues(t, 90, th.MaxLevel)

	th, ok, err = s.Lookup(ctx, ledger.Key{ProductID: 1, LocationID: 5})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, th.MinLevel, "falls back to the product-wide row")
	require.False(t, th.HasMax)

	_, ok, err = s.Lookup(ctx, ledger.Key{ProductID: 9, LocationID: 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeysHonorScope(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event(1, 1, 5))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(1, 2, 5))
	require.NoError(t, err)
	_, err = s.Append(ctx, event(2, 1, 5))
	require.NoError(t, err)

	all, err := s.Keys(ctx, ledger.Scope{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	scoped, err := s.Keys(ctx, ledger.Scope{ProductID: 1, LocationID: 2})
	require.NoError(t, err)
	require.Equal(t, []ledger.Key{{ProductID: 1, LocationID: 2}}, scoped)
}
