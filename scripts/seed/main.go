// Seeds a demo stock ledger through the service API: a few products
// across two locations, thresholds for the alert evaluator, and enough
// movement history to make valuation and history reports interesting.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"github.com/kardex-erp/kardex/internal/app"
	"github.com/kardex-erp/kardex/internal/catalog"
	"github.com/kardex-erp/kardex/internal/ledger"
	ledgerdb "github.com/kardex-erp/kardex/internal/ledger/db"
	"github.com/kardex-erp/kardex/internal/ledger/notify"
	"github.com/kardex-erp/kardex/internal/ledger/sqlite"
	"github.com/kardex-erp/kardex/internal/platform/db"
)

// thresholdWriter is satisfied by both persistent stores.
type thresholdWriter interface {
	SetThreshold(ctx context.Context, th ledger.Threshold) error
}

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	var (
		events     ledger.EventStore
		aggregates ledger.AggregateStore
		thresholds ledger.ThresholdSource
		writer     thresholdWriter
	)
	switch cfg.LedgerBackend {
	case app.BackendPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pool.Close()
		store := ledgerdb.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		events, aggregates, thresholds, writer = store, store, store, store
	case app.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer store.Close()
		events, aggregates, thresholds, writer = store, store, store, store
	default:
		log.Fatalf("seed needs a persistent backend, got %q", cfg.LedgerBackend)
	}

	service, err := ledger.NewService(ledger.ServiceParams{
		Events:     events,
		Aggregates: aggregates,
		Thresholds: thresholds,
		Catalog:    catalog.NewStatic([]int64{1, 2, 3}, []int64{1, 2}),
		Sink:       notify.NewLogSink(logger),
		Logger:     logger,
	}, ledger.ServiceConfig{
		AllowBackorders: cfg.AllowBackorders,
		Costing:         ledger.CostingMethod(cfg.CostingMethod),
	})
	if err != nil {
		log.Fatalf("init ledger service: %v", err)
	}

	fmt.Println("→ Seeding thresholds...")
	if err := seedThresholds(ctx, writer); err != nil {
		log.Fatalf("seed thresholds: %v", err)
	}

	fmt.Println("→ Seeding stock movements...")
	if err := seedMovements(ctx, service); err != nil {
		log.Fatalf("seed movements: %v", err)
	}

	fmt.Println("→ Verifying ledger...")
	report, err := service.VerifyAll(ctx, ledger.Scope{}, cfg.VerifyParallelism)
	if err != nil {
		log.Fatalf("verify ledger: %v", err)
	}
	if len(report.Faults) > 0 {
		log.Fatalf("seeded ledger has %d consistency faults", len(report.Faults))
	}

	summary, err := service.Summary(ctx, ledger.Scope{})
	if err != nil {
		log.Fatalf("summarise ledger: %v", err)
	}
	for _, agg := range summary {
		logger.Info("seeded key",
			slog.Int64("product_id", agg.ProductID),
			slog.Int64("location_id", agg.LocationID),
			slog.Int64("quantity", agg.Quantity),
			slog.String("avg_cost", agg.AvgCost.String()))
	}
	fmt.Printf("Done: %d keys seeded.\n", len(summary))
	os.Exit(0)
}

func seedThresholds(ctx context.Context, writer thresholdWriter) error {
	rows := []ledger.Threshold{
		{ProductID: 1, LocationID: 0, MinLevel: 10},
		{ProductID: 2, LocationID: 1, MinLevel: 5, MaxLevel: 500, HasMax: true},
		{ProductID: 3, LocationID: 0, MinLevel: 25},
	}
	for _, th := range rows {
		if err := writer.SetThreshold(ctx, th); err != nil {
			return err
		}
	}
	return nil
}

func seedMovements(ctx context.Context, service *ledger.Service) error {
	type step struct {
		product  int64
		location int64
		delta    int64
		cost     string
		kind     ledger.AdjustmentKind
		reason   string
	}
	steps := []step{
		{1, 1, 120, "65.00", ledger.KindRestock, "Opening stock"},
		{1, 1, -35, "", ledger.KindSale, "Walk-in sales"},
		{1, 2, 60, "67.50", ledger.KindRestock, "Opening stock"},
		{2, 1, 200, "12.25", ledger.KindRestock, "Opening stock"},
		{2, 1, -180, "", ledger.KindSale, "Wholesale order"},
		{2, 1, 40, "13.10", ledger.KindRestock, "Replenishment"},
		{3, 1, 80, "240.00", ledger.KindRestock, "Opening stock"},
		{3, 1, -4, "", ledger.KindWriteOff, "Damaged in transit"},
		{3, 2, 30, "235.00", ledger.KindRestock, "Opening stock"},
	}
	for _, st := range steps {
		input := ledger.AdjustmentInput{
			ProductID:  st.product,
			LocationID: st.location,
			Delta:      st.delta,
			Kind:       st.kind,
			Reason:     st.reason,
			ActorID:    1,
		}
		if st.cost != "" {
			input.UnitCost = decimal.RequireFromString(st.cost)
		}
		if _, err := service.SubmitAdjustment(ctx, input); err != nil {
			return fmt.Errorf("adjust %d@%d by %d: %w", st.product, st.location, st.delta, err)
		}
	}
	// Move a slice of product 1 between locations through the paired
	// transfer path.
	if _, _, err := service.SubmitTransfer(ctx, ledger.TransferInput{
		ProductID:   1,
		SrcLocation: 1,
		DstLocation: 2,
		Quantity:    15,
		Reason:      "Rebalance to branch",
		ActorID:     1,
	}); err != nil {
		return fmt.Errorf("transfer product 1: %w", err)
	}
	return nil
}
