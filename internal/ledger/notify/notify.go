// Package notify ships threshold breach signals to downstream
// consumers. Sinks only transport; deciding when a signal fires stays
// in the ledger.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// LogSink writes each signal to the structured log. It is the default
// sink, always configured, so breaches are visible even when no broker
// is.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink constructs the sink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "alerts"))}
}

// Publish logs the signal.
func (s *LogSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	s.log.WarnContext(ctx, "stock threshold breached",
		slog.String("kind", string(sig.Kind)),
		slog.Int64("product_id", sig.ProductID),
		slog.Int64("location_id", sig.LocationID),
		slog.Int64("quantity", sig.Quantity),
		slog.Int64("threshold", sig.Threshold),
	)
	return nil
}

// MultiSink fans a signal out to every sink and reports all failures
// together. A failing sink never stops the others.
type MultiSink []ledger.AlertSink

// Publish delivers the signal to each sink in order.
func (m MultiSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
