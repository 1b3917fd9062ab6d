package eventstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/traceline-io/traceline/internal/config"
)

const (
	// DefaultBatchSize is the number of events buffered before a flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval bounds how long a partial batch may wait.
	DefaultFlushInterval = 2 * time.Second

	// DefaultRetentionTTL is how long events are kept before their
	// partition becomes eligible for removal (roughly 13 months).
	DefaultRetentionTTL = 395 * 24 * time.Hour
)

// ErrInvalidBatchSize indicates a non-positive sink batch size.
var ErrInvalidBatchSize = errors.New("batch size must be positive")

// ErrInvalidFlushInterval indicates a non-positive sink flush interval.
var ErrInvalidFlushInterval = errors.New("flush interval must be positive")

// SinkConfig holds tuning for the event store sink loop.
type SinkConfig struct {
	// BatchSize triggers a flush once this many events are buffered.
	BatchSize int

	// FlushInterval triggers a flush for partial batches.
	FlushInterval time.Duration

	// RetentionTTL is the age past which event partitions are dropped.
	RetentionTTL time.Duration
}

// LoadSinkConfig builds a SinkConfig from SINK_* environment variables,
// falling back to defaults for anything unset.
func LoadSinkConfig() SinkConfig {
	return SinkConfig{
		BatchSize:     config.GetEnvInt("SINK_BATCH_SIZE", DefaultBatchSize),
		FlushInterval: config.GetEnvDuration("SINK_FLUSH_INTERVAL", DefaultFlushInterval),
		RetentionTTL:  config.GetEnvDuration("SINK_RETENTION_TTL", DefaultRetentionTTL),
	}
}

// Validate checks the sink configuration for misconfiguration.
func (c SinkConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.BatchSize)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFlushInterval, c.FlushInterval)
	}

	if c.RetentionTTL <= 0 {
		return fmt.Errorf("retention TTL must be positive: %s", c.RetentionTTL)
	}

	return nil
}
