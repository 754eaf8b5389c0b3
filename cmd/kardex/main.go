// Command kardex is the operational CLI for the stock ledger engine:
// current stock and summary queries, movement history, valuation
// reports, consistency verification, aggregate rebuilds and manual job
// management against the shared queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardex-erp/kardex/cmd/kardex/cli"
	"github.com/kardex-erp/kardex/internal/app"
	"github.com/kardex-erp/kardex/internal/catalog"
	"github.com/kardex-erp/kardex/internal/ledger"
	ledgerdb "github.com/kardex-erp/kardex/internal/ledger/db"
	"github.com/kardex-erp/kardex/internal/ledger/memory"
	"github.com/kardex-erp/kardex/internal/ledger/notify"
	"github.com/kardex-erp/kardex/internal/ledger/sqlite"
	"github.com/kardex-erp/kardex/internal/platform/db"
	"github.com/kardex-erp/kardex/jobs"
)

const usage = `usage: kardex <command> [flags]

commands:
  current    projected stock for one product at one location
  summary    projected stock for every key in scope
  history    movement history for one key, oldest first
  low-stock  keys at or below their minimum threshold
  valuation  valuation report for a scope
  verify     consistency check (one key, or a sweep with zero ids)
  faults     list currently quarantined keys
  rebuild    replay one key from scratch
  jobs       trigger or inspect background jobs
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	if command == "jobs" {
		if err := runJobs(ctx, cfg, args); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("init ledger engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	ledgerCLI, err := cli.NewLedgerCLI(engine, os.Stdout)
	if err != nil {
		logger.Error("init ledger cli", slog.Any("error", err))
		os.Exit(1)
	}

	if err := runLedger(ctx, ledgerCLI, cfg, command, args); err != nil {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func runLedger(ctx context.Context, ledgerCLI *cli.LedgerCLI, cfg *app.Config, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	product := fs.Int64("product", 0, "product id (0 selects every product where allowed)")
	location := fs.Int64("location", 0, "location id (0 selects every location where allowed)")
	from := fs.String("from", "", "window start, RFC3339")
	to := fs.String("to", "", "window end, RFC3339")
	asOf := fs.String("as-of", "", "valuation instant, RFC3339; empty means now")
	afterID := fs.Int64("after", 0, "resume history after this event id")
	limit := fs.Int("limit", 0, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch command {
	case "current":
		return ledgerCLI.Current(ctx, *product, *location)
	case "summary":
		return ledgerCLI.Summary(ctx, *product, *location)
	case "history":
		return ledgerCLI.History(ctx, *product, *location, *from, *to, *afterID, *limit)
	case "low-stock":
		return ledgerCLI.LowStock(ctx, *product, *location)
	case "valuation":
		return ledgerCLI.Valuation(ctx, *asOf, *product, *location)
	case "verify":
		return ledgerCLI.Verify(ctx, *product, *location, cfg.VerifyParallelism)
	case "faults":
		return ledgerCLI.Faults(ctx)
	case "rebuild":
		return ledgerCLI.Rebuild(ctx, *product, *location)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	trigger := fs.String("trigger", "", "enqueue a job by name, e.g. "+jobs.TaskLedgerReconcile)
	stats := fs.Bool("stats", false, "print queue statistics")
	scheduled := fs.Int("scheduled", 0, "list up to N scheduled tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	switch {
	case *trigger != "":
		info, err := jobsCLI.Trigger(ctx, *trigger)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", *trigger, info.ID, info.Queue)
	case *stats:
		queueStats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			queueStats.Queue, queueStats.Pending, queueStats.Active, queueStats.Scheduled, queueStats.Retry)
	case *scheduled > 0:
		tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Printf("%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt)
		}
	default:
		fs.Usage()
	}
	return nil
}

func buildEngine(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*ledger.Service, func(), error) {
	var (
		events     ledger.EventStore
		aggregates ledger.AggregateStore
		thresholds ledger.ThresholdSource
		cat        ledger.Catalog
		cleanup    = func() {}
	)
	switch cfg.LedgerBackend {
	case app.BackendPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		store := ledgerdb.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		events, aggregates, thresholds = store, store, store
		cat = catalog.NewPG(pool)
		cleanup = pool.Close
	case app.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		events, aggregates, thresholds = store, store, store
		cleanup = func() { _ = store.Close() }
	default:
		store := memory.NewStore()
		events, aggregates = store, store
		thresholds = memory.NewThresholds()
	}

	service, err := ledger.NewService(ledger.ServiceParams{
		Events:     events,
		Aggregates: aggregates,
		Thresholds: thresholds,
		Catalog:    cat,
		Sink:       notify.NewLogSink(logger),
		Logger:     logger,
	}, ledger.ServiceConfig{
		AllowBackorders: cfg.AllowBackorders,
		Costing:         ledger.CostingMethod(cfg.CostingMethod),
		StrictScope:     cfg.StrictScope,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}
