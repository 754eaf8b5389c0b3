package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// DefaultStream is the Redis stream alerts are appended to when no
// other name is configured.
const DefaultStream = "ledger.alerts"

// RedisSink appends signals to a Redis stream, one entry per signal.
// Consumers read with consumer groups and keep their own offsets.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink constructs the sink. maxLen caps the stream with
// approximate trimming; zero keeps everything.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the signal to the stream.
func (s *RedisSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"kind":        string(sig.Kind),
			"product_id":  sig.ProductID,
			"location_id": sig.LocationID,
			"quantity":    sig.Quantity,
			"threshold":   sig.Threshold,
			"at":          sig.At.UTC().UnixNano(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", s.stream, err)
	}
	return nil
}
