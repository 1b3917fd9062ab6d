package transport

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Message is one fetched transport record. It carries the raw payload plus
// the source coordinates sinks need for dead-letter bookkeeping, and the
// underlying Kafka message for commits.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64

	raw kafka.Message
}

// Consumer reads the lineage topic through one consumer group.
//
// Offsets are committed explicitly: a sink calls Commit only after the
// message's content has been durably persisted (or dead-lettered), so a crash
// between fetch and commit results in redelivery, never loss. Each sink owns
// its own Consumer with its own group ID; groups share nothing.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a Kafka consumer for the given consumer group.
func NewConsumer(cfg *Config, groupID string) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  groupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})

	return &Consumer{reader: reader}, nil
}

// Fetch blocks until the next message is available or ctx is done.
// The message is NOT considered consumed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("failed to fetch transport message: %w", err)
	}

	return Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		raw:       msg,
	}, nil
}

// Commit acknowledges messages as durably processed. Kafka commits the
// highest offset per partition, so callers must only commit a message after
// every message before it in the same batch has been persisted.
func (c *Consumer) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	raw := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		raw[i] = m.raw
	}

	if err := c.reader.CommitMessages(ctx, raw...); err != nil {
		return fmt.Errorf("failed to commit transport offsets: %w", err)
	}

	return nil
}

// Close releases the reader and its group membership.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
