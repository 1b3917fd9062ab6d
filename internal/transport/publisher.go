package transport

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/traceline-io/traceline/internal/schema"
)

// Publisher writes serialized lineage events to the Kafka topic.
//
// Messages are keyed by runId with a hash balancer, so all events of one run
// land on one partition and keep their per-producer order. Global ordering
// across runs is intentionally not guaranteed.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka publisher for lineage events.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Publisher{writer: writer}, nil
}

// Publish encodes and writes a single event. Blocks until the broker
// acknowledges the write or ctx is done; the emitter wraps this call with its
// own bounded retry and drop policy.
func (p *Publisher) Publish(ctx context.Context, event *schema.LineageEvent) error {
	data, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Run.ID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish lineage event: %w", err)
	}

	return nil
}

// Close flushes pending writes and releases the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
