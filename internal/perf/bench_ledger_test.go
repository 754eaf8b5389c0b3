// Benchmarks for the hot paths of the ledger engine: the serialized
// same-key fold, independent keys in parallel, and as-of replay.
package perf

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kardex-erp/kardex/internal/ledger"
	"github.com/kardex-erp/kardex/internal/ledger/memory"
)

func newBenchService(b *testing.B) *ledger.Service {
	b.Helper()
	store := memory.NewStore()
	svc, err := ledger.NewService(ledger.ServiceParams{
		Events:     store,
		Aggregates: store,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, ledger.ServiceConfig{AllowBackorders: true})
	if err != nil {
		b.Fatalf("init service: %v", err)
	}
	return svc
}

func BenchmarkSubmitAdjustmentSameKey(b *testing.B) {
	svc := newBenchService(b)
	ctx := context.Background()
	cost := decimal.RequireFromString("10.00")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := svc.SubmitAdjustment(ctx, ledger.AdjustmentInput{
			ProductID:  1,
			LocationID: 1,
			Delta:      1,
			UnitCost:   cost,
			Kind:       ledger.KindRestock,
			ActorID:    1,
		})
		if err != nil {
			b.Fatalf("submit: %v", err)
		}
	}
}

func BenchmarkSubmitAdjustmentIndependentKeys(b *testing.B) {
	svc := newBenchService(b)
	cost := decimal.RequireFromString("10.00")
	var next atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		product := next.Add(1)
		for pb.Next() {
			_, err := svc.SubmitAdjustment(ctx, ledger.AdjustmentInput{
				ProductID:  product,
				LocationID: 1,
				Delta:      1,
				UnitCost:   cost,
				Kind:       ledger.KindRestock,
				ActorID:    1,
			})
			if err != nil {
				b.Errorf("submit: %v", err)
				return
			}
		}
	})
}

func BenchmarkAsOfReplayValuation(b *testing.B) {
	store := memory.NewStore()
	svc, err := ledger.NewService(ledger.ServiceParams{
		Events:     store,
		Aggregates: store,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, ledger.ServiceConfig{Costing: ledger.CostingAsOfReplay})
	if err != nil {
		b.Fatalf("init service: %v", err)
	}
	ctx := context.Background()
	cost := decimal.RequireFromString("10.00")
	for i := 0; i < 1000; i++ {
		if _, err := svc.SubmitAdjustment(ctx, ledger.AdjustmentInput{
			ProductID:  1,
			LocationID: 1,
			Delta:      1,
			UnitCost:   cost,
			Kind:       ledger.KindRestock,
			ActorID:    1,
		}); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}
	asOf := time.Now().UTC()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Valuation(ctx, asOf, ledger.Scope{ProductID: 1}); err != nil {
			b.Fatalf("valuation: %v", err)
		}
	}
}
