package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kardex-erp/kardex/internal/ledger"
)

// DefaultTopic is the Kafka topic alerts are produced to when no other
// name is configured.
const DefaultTopic = "ledger.alerts"

// KafkaSink produces signals to a Kafka topic. Messages are keyed by
// ledger key, so signals for one product and location stay in order
// within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink constructs the sink and its writer.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

type alertMessage struct {
	Kind       string    `json:"kind"`
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Quantity   int64     `json:"quantity"`
	Threshold  int64     `json:"threshold"`
	At         time.Time `json:"at"`
}

// Publish produces the signal.
func (s *KafkaSink) Publish(ctx context.Context, sig ledger.AlertSignal) error {
	payload, err := json.Marshal(alertMessage{
		Kind:       string(sig.Kind),
		ProductID:  sig.ProductID,
		LocationID: sig.LocationID,
		Quantity:   sig.Quantity,
		Threshold:  sig.Threshold,
		At:         sig.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sig.Key().String()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("notify: produce to %s: %w", s.writer.Topic, err)
	}
	return nil
}

// Close flushes and releases the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
