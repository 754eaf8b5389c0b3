// Package cli implements the operational helpers behind the kardex
// binary: ledger queries and maintenance plus manual job management.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// Engine is the slice of the ledger service the CLI drives.
type Engine interface {
	CurrentStock(ctx context.Context, productID, locationID int64) (ledger.StockAggregate, error)
	Summary(ctx context.Context, scope ledger.Scope) ([]ledger.StockAggregate, error)
	MovementHistory(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.StockEvent, error)
	Valuation(ctx context.Context, asOf time.Time, scope ledger.Scope) (ledger.ValuationReport, error)
	LowStockItems(ctx context.Context, scope ledger.Scope) ([]ledger.AlertSignal, error)
	Verify(ctx context.Context, key ledger.Key) error
	VerifyAll(ctx context.Context, scope ledger.Scope, parallelism int) (ledger.VerifyReport, error)
	Rebuild(ctx context.Context, key ledger.Key) (ledger.StockAggregate, error)
	Faults() []*ledger.ConsistencyFault
}

// LedgerCLI renders ledger queries and maintenance actions as JSON on
// the provided writer.
type LedgerCLI struct {
	engine Engine
	out    io.Writer
}

// NewLedgerCLI constructs the helper around an engine instance.
func NewLedgerCLI(engine Engine, out io.Writer) (*LedgerCLI, error) {
	if engine == nil {
		return nil, errors.New("ledger cli: engine not configured")
	}
	return &LedgerCLI{engine: engine, out: out}, nil
}

type aggregateOut struct {
	ProductID      int64  `json:"product_id"`
	LocationID     int64  `json:"location_id"`
	Quantity       int64  `json:"quantity"`
	AvgCost        string `json:"avg_cost"`
	AppliedEventID int64  `json:"applied_event_id"`
}

type eventOut struct {
	ID         int64     `json:"id"`
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Delta      int64     `json:"delta"`
	UnitCost   string    `json:"unit_cost,omitempty"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	ActorID    int64     `json:"actor_id"`
	Forced     bool      `json:"forced,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func aggregateView(agg ledger.StockAggregate) aggregateOut {
	return aggregateOut{
		ProductID:      agg.ProductID,
		LocationID:     agg.LocationID,
		Quantity:       agg.Quantity,
		AvgCost:        agg.AvgCost.String(),
		AppliedEventID: agg.AppliedEventID,
	}
}

func eventView(ev ledger.StockEvent) eventOut {
	out := eventOut{
		ID:         ev.ID,
		ProductID:  ev.ProductID,
		LocationID: ev.LocationID,
		Delta:      ev.Delta,
		Kind:       string(ev.Kind),
		Reason:     ev.Reason,
		ActorID:    ev.ActorID,
		Forced:     ev.Forced,
		RecordedAt: ev.RecordedAt,
	}
	if !ev.UnitCost.IsZero() {
		out.UnitCost = ev.UnitCost.String()
	}
	return out
}

func (c *LedgerCLI) render(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Current prints the projected state of one key.
func (c *LedgerCLI) Current(ctx context.Context, productID, locationID int64) error {
	agg, err := c.engine.CurrentStock(ctx, productID, locationID)
	if err != nil {
		return err
	}
	return c.render(aggregateView(agg))
}

// Summary prints projected state for every key in scope.
func (c *LedgerCLI) Summary(ctx context.Context, productID, locationID int64) error {
	aggs, err := c.engine.Summary(ctx, ledger.Scope{ProductID: productID, LocationID: locationID})
	if err != nil {
		return err
	}
	views := make([]aggregateOut, 0, len(aggs))
	for _, agg := range aggs {
		views = append(views, aggregateView(agg))
	}
	return c.render(views)
}

// History prints movement history for one key, oldest first.
func (c *LedgerCLI) History(ctx context.Context, productID, locationID int64, fromRaw, toRaw string, afterID int64, limit int) error {
	filter := ledger.HistoryFilter{
		ProductID:  productID,
		LocationID: locationID,
		AfterID:    afterID,
		Limit:      limit,
	}
	var err error
	if filter.From, err = parseInstant(fromRaw); err != nil {
		return fmt.Errorf("ledger cli: from: %w", err)
	}
	if filter.To, err = parseInstant(toRaw); err != nil {
		return fmt.Errorf("ledger cli: to: %w", err)
	}
	events, err := c.engine.MovementHistory(ctx, filter)
	if err != nil {
		return err
	}
	views := make([]eventOut, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView(ev))
	}
	return c.render(views)
}

// Valuation prints a valuation report for the scope. An empty asOf
// prices the stock now.
func (c *LedgerCLI) Valuation(ctx context.Context, asOfRaw string, productID, locationID int64) error {
	asOf, err := parseInstant(asOfRaw)
	if err != nil {
		return fmt.Errorf("ledger cli: as-of: %w", err)
	}
	report, err := c.engine.Valuation(ctx, asOf, ledger.Scope{ProductID: productID, LocationID: locationID})
	if err != nil {
		return err
	}
	type lineOut struct {
		ProductID  int64  `json:"product_id"`
		LocationID int64  `json:"location_id"`
		Quantity   int64  `json:"quantity"`
		UnitCost   string `json:"unit_cost"`
		Value      string `json:"value"`
	}
	type reportOut struct {
		AsOf   time.Time `json:"as_of"`
		Method string    `json:"method"`
		Lines  []lineOut `json:"lines"`
		Total  string    `json:"total"`
	}
	out := reportOut{AsOf: report.AsOf, Method: string(report.Method), Total: report.Total.String()}
	for _, line := range report.Lines {
		out.Lines = append(out.Lines, lineOut{
			ProductID:  line.ProductID,
			LocationID: line.LocationID,
			Quantity:   line.Quantity,
			UnitCost:   line.UnitCost.String(),
			Value:      line.Value.String(),
		})
	}
	return c.render(out)
}

// LowStock prints every key in scope at or below its minimum level.
func (c *LedgerCLI) LowStock(ctx context.Context, productID, locationID int64) error {
	signals, err := c.engine.LowStockItems(ctx, ledger.Scope{ProductID: productID, LocationID: locationID})
	if err != nil {
		return err
	}
	type signalOut struct {
		ProductID  int64  `json:"product_id"`
		LocationID int64  `json:"location_id"`
		Kind       string `json:"kind"`
		Quantity   int64  `json:"quantity"`
		Threshold  int64  `json:"threshold"`
	}
	views := make([]signalOut, 0, len(signals))
	for _, sig := range signals {
		views = append(views, signalOut{
			ProductID:  sig.ProductID,
			LocationID: sig.LocationID,
			Kind:       string(sig.Kind),
			Quantity:   sig.Quantity,
			Threshold:  sig.Threshold,
		})
	}
	return c.render(views)
}

// Verify checks one key, or with zero ids sweeps the whole scope, and
// prints the detected faults.
func (c *LedgerCLI) Verify(ctx context.Context, productID, locationID int64, parallelism int) error {
	if productID > 0 && locationID > 0 {
		err := c.engine.Verify(ctx, ledger.Key{ProductID: productID, LocationID: locationID})
		var fault *ledger.ConsistencyFault
		if errors.As(err, &fault) {
			return c.render(map[string]any{"checked": 1, "faults": []string{fault.Error()}})
		}
		if err != nil {
			return err
		}
		return c.render(map[string]any{"checked": 1, "faults": []string{}})
	}
	report, err := c.engine.VerifyAll(ctx, ledger.Scope{ProductID: productID, LocationID: locationID}, parallelism)
	if err != nil {
		return err
	}
	faults := make([]string, 0, len(report.Faults))
	for _, fault := range report.Faults {
		faults = append(faults, fault.Error())
	}
	return c.render(map[string]any{"checked": report.Checked, "faults": faults})
}

// Faults prints the currently quarantined keys.
func (c *LedgerCLI) Faults(ctx context.Context) error {
	type faultOut struct {
		ProductID  int64     `json:"product_id"`
		LocationID int64     `json:"location_id"`
		Reason     string    `json:"reason"`
		DetectedAt time.Time `json:"detected_at"`
	}
	faults := c.engine.Faults()
	views := make([]faultOut, 0, len(faults))
	for _, fault := range faults {
		views = append(views, faultOut{
			ProductID:  fault.Key.ProductID,
			LocationID: fault.Key.LocationID,
			Reason:     fault.Reason,
			DetectedAt: fault.DetectedAt,
		})
	}
	return c.render(views)
}

// Rebuild replays one key from scratch and prints the repaired state.
func (c *LedgerCLI) Rebuild(ctx context.Context, productID, locationID int64) error {
	agg, err := c.engine.Rebuild(ctx, ledger.Key{ProductID: productID, LocationID: locationID})
	if err != nil {
		return err
	}
	return c.render(aggregateView(agg))
}

func parseInstant(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
