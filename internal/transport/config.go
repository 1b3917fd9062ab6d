// Package transport provides the durable publish/subscribe channel carrying
// serialized lineage events from producers to independent consumer groups.
//
// The channel is a single Kafka topic with at-least-once delivery. Each sink
// consumes through its own consumer group, so cursors and backpressure are
// fully independent: an outage in one sink's backing store never slows the
// other. Ordering is only preserved per producer connection (messages are
// keyed by runId); consumers must tolerate redelivery and reordering.
package transport

import (
	"errors"
	"time"

	"github.com/traceline-io/traceline/internal/config"
)

const (
	// DefaultTopic is the single logical lineage event channel.
	DefaultTopic = "traceline.lineage.events"

	// GroupEventStore is the event store sink's consumer group.
	GroupEventStore = "traceline-eventstore"

	// GroupCatalog is the freshness catalog sink's consumer group.
	GroupCatalog = "traceline-catalog"

	defaultBatchTimeout = 100 * time.Millisecond
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 << 20 // 10 MiB
	defaultMaxWait      = 500 * time.Millisecond
)

// ErrNoBrokers is returned when no Kafka brokers are configured.
var ErrNoBrokers = errors.New("at least one Kafka broker is required")

// Config holds Kafka connection configuration shared by publisher and consumers.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // Writer linger before flushing a produce batch
	MinBytes     int           // Reader fetch floor
	MaxBytes     int           // Reader fetch ceiling
	MaxWait      time.Duration // Reader long-poll wait
}

// LoadKafkaConfig loads Kafka configuration from environment variables with
// fallback to defaults.
func LoadKafkaConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", DefaultTopic),
		BatchTimeout: config.GetEnvDuration("KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
		MinBytes:     config.GetEnvInt("KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes:     config.GetEnvInt("KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:      config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),
	}
}

// Validate checks if the Kafka configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	return nil
}
