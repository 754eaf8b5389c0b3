package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLowStockBoundaryIsInclusive(t *testing.T) {
	th := Threshold{ProductID: 1, LocationID: 1, MinLevel: 10}
	at := time.Now()

	sig, ok := EvaluateThreshold(StockAggregate{ProductID: 1, LocationID: 1, Quantity: 10}, th, at)
	require.True(t, ok)
	require.Equal(t, AlertLowStock, sig.Kind)
	require.EqualValues(t, 10, sig.Quantity)
	require.EqualValues(t, 10, sig.Threshold)

	_, ok = EvaluateThreshold(StockAggregate{ProductID: 1, LocationID: 1, Quantity: 11}, th, at)
	require.False(t, ok)
}

func TestOverstockRequiresConfiguredMax(t *testing.T) {
	at := time.Now()
	unbounded := Threshold{ProductID: 1, LocationID: 1, MinLevel: 5}

	_, ok := EvaluateThreshold(StockAggregate{ProductID: 1, LocationID: 1, Quantity: 100000}, unbounded, at)
	require.False(t, ok, "no max configured, overstock must never fire")

	capped := Threshold{ProductID: 1, LocationID: 1, MinLevel: 5, MaxLevel: 500, HasMax: true}
	sig, ok := EvaluateThreshold(StockAggregate{ProductID: 1, LocationID: 1, Quantity: 500}, capped, at)
	require.True(t, ok)
	require.Equal(t, AlertOverstock, sig.Kind)
	require.EqualValues(t, 500, sig.Threshold)
}

func TestLowStockWinsOnDegenerateThreshold(t *testing.T) {
	// min above max can only happen through misconfiguration; the
	// evaluator still emits a single signal
	th := Threshold{ProductID: 1, LocationID: 1, MinLevel: 20, MaxLevel: 10, HasMax: true}
	sig, ok := EvaluateThreshold(StockAggregate{ProductID: 1, LocationID: 1, Quantity: 15}, th, time.Now())
	require.True(t, ok)
	require.Equal(t, AlertLowStock, sig.Kind)
}
