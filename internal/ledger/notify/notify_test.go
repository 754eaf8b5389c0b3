package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kardex-erp/kardex/internal/ledger"
)

func signal() ledger.AlertSignal {
	return ledger.AlertSignal{
		ProductID:  1,
		LocationID: 2,
		Kind:       ledger.AlertLowStock,
		Quantity:   3,
		Threshold:  10,
		At:         time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, sink.Publish(context.Background(), signal()))

	out := buf.String()
	require.Contains(t, out, "stock threshold breached")
	require.Contains(t, out, "kind=LOW_STOCK")
	require.Contains(t, out, "product_id=1")
	require.Contains(t, out, "location_id=2")
}

type recordSink struct {
	signals []ledger.AlertSignal
}

func (r *recordSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	r.signals = append(r.signals, sig)
	return nil
}

type failingSink struct{ err error }

func (f failingSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	return f.err
}

func TestMultiSinkDeliversPastFailures(t *testing.T) {
	boom := errors.New("broker down")
	rec := &recordSink{}
	multi := MultiSink{failingSink{err: boom}, rec}

	err := multi.Publish(context.Background(), signal())
	require.ErrorIs(t, err, boom)
	require.Len(t, rec.signals, 1, "later sinks still receive the signal")
}

func TestMultiSinkNoError(t *testing.T) {
	rec := &recordSink{}
	multi := MultiSink{rec, rec}

	require.NoError(t, multi.Publish(context.Background(), signal()))
	require.Len(t, rec.signals, 2)
}

func TestRedisSinkAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "", 0)
	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, signal()))
	require.NoError(t, sink.Publish(ctx, signal()))

	entries, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "LOW_STOCK", entries[0].Values["kind"])
	require.Equal(t, "1", entries[0].Values["product_id"])
	require.Equal(t, "2", entries[0].Values["location_id"])
}
