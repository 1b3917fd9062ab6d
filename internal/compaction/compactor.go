// Package compaction maintains the event log in the background: it merges
// undersized segments inside closed monthly partitions and drops partitions
// past the retention horizon. Coordination across replicas uses PostgreSQL
// advisory locks, so running multiple compactors is safe.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/eventstore"
)

const (
	// DefaultSchedule is how often a full compaction pass runs.
	DefaultSchedule = 168 * time.Hour

	// DefaultSegmentMergeThreshold marks segments below this row count as
	// merge candidates.
	DefaultSegmentMergeThreshold = 1000
)

// ErrInvalidSchedule indicates a non-positive compaction schedule.
var ErrInvalidSchedule = errors.New("compaction schedule must be positive")

type (
	// EventLog is the slice of the event store the compactor needs.
	EventLog interface {
		Partitions(ctx context.Context) ([]eventstore.Partition, error)
		MergeSmallSegments(ctx context.Context, partition string, threshold int) (int64, error)
		DropPartition(ctx context.Context, partition string) error
		TryAdvisoryLock(ctx context.Context, name string) (bool, error)
		AdvisoryUnlock(ctx context.Context, name string) error
	}

	// Config holds compactor tuning.
	Config struct {
		Schedule              time.Duration
		SegmentMergeThreshold int
		RetentionTTL          time.Duration
	}

	// Compactor runs scheduled maintenance passes over the event log.
	Compactor struct {
		log    EventLog
		logger *slog.Logger
		config Config

		// now is swappable in tests.
		now func() time.Time

		closeOnce sync.Once
		stop      chan struct{}
		done      chan struct{}
	}

	// PassReport summarizes one compaction pass.
	PassReport struct {
		PartitionsSeen    int
		PartitionsSkipped int // lock contention or still open
		RowsRelabeled     int64
		PartitionsDropped int
	}
)

// LoadConfig builds a compactor Config from COMPACTION_* environment
// variables, falling back to defaults.
func LoadConfig() Config {
	return Config{
		Schedule:              config.GetEnvDuration("COMPACTION_SCHEDULE", DefaultSchedule),
		SegmentMergeThreshold: config.GetEnvInt("COMPACTION_SEGMENT_MERGE_THRESHOLD", DefaultSegmentMergeThreshold),
		RetentionTTL:          config.GetEnvDuration("SINK_RETENTION_TTL", eventstore.DefaultRetentionTTL),
	}
}

// Validate checks the compactor configuration.
func (c Config) Validate() error {
	if c.Schedule <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, c.Schedule)
	}

	if c.SegmentMergeThreshold <= 0 {
		return fmt.Errorf("segment merge threshold must be positive: %d", c.SegmentMergeThreshold)
	}

	if c.RetentionTTL <= 0 {
		return fmt.Errorf("retention TTL must be positive: %s", c.RetentionTTL)
	}

	return nil
}

// New creates a Compactor. Start must be called to begin scheduled passes.
func New(log EventLog, cfg Config, logger *slog.Logger) (*Compactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compaction config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Compactor{
		log:    log,
		logger: logger,
		config: cfg,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the scheduling goroutine. An initial pass runs immediately.
func (c *Compactor) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		c.logger.Info("compactor started",
			"schedule", c.config.Schedule,
			"merge_threshold", c.config.SegmentMergeThreshold,
			"retention_ttl", c.config.RetentionTTL,
		)

		ticker := time.NewTicker(c.config.Schedule)
		defer ticker.Stop()

		c.runPass(ctx)

		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPass(ctx)
			}
		}
	}()
}

// Close stops the scheduler and waits for an in-flight pass to finish.
func (c *Compactor) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.logger.Info("compactor stopped")
	})
}

func (c *Compactor) runPass(ctx context.Context) {
	report, err := c.RunOnce(ctx)
	if err != nil {
		c.logger.Error("compaction pass failed", "error", err)

		return
	}

	c.logger.Info("compaction pass complete",
		"partitions_seen", report.PartitionsSeen,
		"partitions_skipped", report.PartitionsSkipped,
		"rows_relabeled", report.RowsRelabeled,
		"partitions_dropped", report.PartitionsDropped,
	)
}

// RunOnce executes a single compaction pass: retention first, then segment
// merging on the surviving closed partitions. The open (current month)
// partition is never touched.
func (c *Compactor) RunOnce(ctx context.Context) (PassReport, error) {
	var report PassReport

	partitions, err := c.log.Partitions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list partitions: %w", err)
	}

	now := c.now().UTC()
	horizon := now.Add(-c.config.RetentionTTL)

	report.PartitionsSeen = len(partitions)

	for _, part := range partitions {
		if !part.To.Before(now) {
			// Still receiving writes.
			report.PartitionsSkipped++

			continue
		}

		if err := c.compactPartition(ctx, part, horizon, &report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (c *Compactor) compactPartition(ctx context.Context, part eventstore.Partition, horizon time.Time, report *PassReport) error {
	acquired, err := c.log.TryAdvisoryLock(ctx, part.Name)
	if err != nil {
		return fmt.Errorf("failed to lock partition %s: %w", part.Name, err)
	}

	if !acquired {
		// Another compactor replica owns this partition right now.
		c.logger.Debug("partition locked elsewhere, skipping", "partition", part.Name)
		report.PartitionsSkipped++

		return nil
	}

	defer func() {
		if unlockErr := c.log.AdvisoryUnlock(ctx, part.Name); unlockErr != nil {
			c.logger.Warn("failed to release partition lock",
				"partition", part.Name,
				"error", unlockErr,
			)
		}
	}()

	// Every event in the partition is older than the horizon exactly when
	// the partition's upper bound is.
	if !part.To.After(horizon) {
		if err = c.log.DropPartition(ctx, part.Name); err != nil {
			return fmt.Errorf("failed to drop expired partition %s: %w", part.Name, err)
		}

		report.PartitionsDropped++

		return nil
	}

	relabeled, err := c.log.MergeSmallSegments(ctx, part.Name, c.config.SegmentMergeThreshold)
	if err != nil {
		return fmt.Errorf("failed to merge segments in %s: %w", part.Name, err)
	}

	report.RowsRelabeled += relabeled

	return nil
}
