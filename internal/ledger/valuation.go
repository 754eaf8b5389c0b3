package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Valuer prices the stock inside a scope. The costing method is fixed
// at construction so every report a deployment produces is
// method-consistent; mixing methods across reports is not supported.
type Valuer struct {
	events   EventStore
	states   StateReader
	method   CostingMethod
	strict   bool
	allowNeg bool
}

// NewValuer builds a Valuer. states serves current projected state for
// the weighted-average method; allowBackorders must match the
// projector's policy so as-of replays reproduce the same folds.
func NewValuer(events EventStore, states StateReader, method CostingMethod, strictScope, allowBackorders bool) *Valuer {
	return &Valuer{
		events:   events,
		states:   states,
		method:   method,
		strict:   strictScope,
		allowNeg: allowBackorders,
	}
}

// ValueAt reports the monetary stock value inside scope. A zero asOf
// means now. The weighted-average method reads projected aggregates
// and therefore rejects historical instants; as-of-replay refolds each
// key's events up to asOf. Line value is quantity times unit cost,
// totalled per product and overall.
func (v *Valuer) ValueAt(ctx context.Context, asOf time.Time, scope Scope) (ValuationReport, error) {
	if !v.method.Valid() {
		return ValuationReport{}, fmt.Errorf("%w: unknown costing method %q", ErrValidation, v.method)
	}
	if v.method == CostingWeightedAverage && !asOf.IsZero() {
		return ValuationReport{}, fmt.Errorf("%w: weighted-average valuation is current-only, use as-of-replay for historical instants", ErrValidation)
	}
	keys, err := v.events.Keys(ctx, scope)
	if err != nil {
		return ValuationReport{}, err
	}
	if len(keys) == 0 {
		if v.strict {
			return ValuationReport{}, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
		}
		return emptyReport(asOf, v.method, scope), nil
	}

	report := emptyReport(asOf, v.method, scope)
	for _, key := range keys {
		var line ValuationLine
		var err error
		switch v.method {
		case CostingWeightedAverage:
			line, err = v.currentLine(ctx, key)
		case CostingAsOfReplay:
			line, err = v.replayLine(ctx, key, asOf)
		}
		if err != nil {
			return ValuationReport{}, err
		}
		if line.Quantity == 0 {
			continue
		}
		report.Lines = append(report.Lines, line)
	}
	finishReport(&report)
	return report, nil
}

func (v *Valuer) currentLine(ctx context.Context, key Key) (ValuationLine, error) {
	agg, err := v.states.CurrentState(ctx, key)
	if err != nil {
		return ValuationLine{}, err
	}
	return valuationLine(key, agg.Quantity, agg.AvgCost), nil
}

// replayLine folds the key's events recorded up to asOf from empty
// state. A zero asOf folds the whole log.
func (v *Valuer) replayLine(ctx context.Context, key Key, asOf time.Time) (ValuationLine, error) {
	var (
		qty   int64
		avg   = decimal.Zero
		after int64
	)
	for {
		events, err := v.events.ReadSince(ctx, key, after, readPageSize)
		if err != nil {
			return ValuationLine{}, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			after = ev.ID
			if !asOf.IsZero() && ev.RecordedAt.After(asOf) {
				continue
			}
			// rejected folds stay rejected on replay
			if next, nextAvg, err := foldEvent(qty, avg, ev, v.allowNeg); err == nil {
				qty, avg = next, nextAvg
			}
		}
	}
	return valuationLine(key, qty, avg), nil
}

func valuationLine(key Key, qty int64, avg decimal.Decimal) ValuationLine {
	return ValuationLine{
		ProductID:  key.ProductID,
		LocationID: key.LocationID,
		Quantity:   qty,
		UnitCost:   avg,
		Value:      decimal.NewFromInt(qty).Mul(avg),
	}
}

func emptyReport(asOf time.Time, method CostingMethod, scope Scope) ValuationReport {
	return ValuationReport{
		AsOf:   asOf,
		Method: method,
		Scope:  scope,
		Total:  decimal.Zero,
	}
}

// finishReport orders lines, totals products and sums the report.
func finishReport(report *ValuationReport) {
	sort.Slice(report.Lines, func(i, j int) bool {
		if report.Lines[i].ProductID != report.Lines[j].ProductID {
			return report.Lines[i].ProductID < report.Lines[j].ProductID
		}
		return report.Lines[i].LocationID < report.Lines[j].LocationID
	})
	byProduct := make(map[int64]*ProductValue)
	var order []int64
	for _, line := range report.Lines {
		pv, ok := byProduct[line.ProductID]
		if !ok {
			pv = &ProductValue{ProductID: line.ProductID, Value: decimal.Zero}
			byProduct[line.ProductID] = pv
			order = append(order, line.ProductID)
		}
		pv.Quantity += line.Quantity
		pv.Value = pv.Value.Add(line.Value)
		report.Total = report.Total.Add(line.Value)
	}
	for _, productID := range order {
		report.ByProduct = append(report.ByProduct, *byProduct[productID])
	}
}
