package compaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline-io/traceline/internal/eventstore"
)

type fakeEventLog struct {
	partitions []eventstore.Partition

	// lockDenied lists partitions whose advisory lock is held elsewhere.
	lockDenied map[string]bool

	// relabeled is the row count MergeSmallSegments reports per partition.
	relabeled map[string]int64

	merged   []string
	dropped  []string
	locked   []string
	unlocked []string

	dropErr error
}

func (l *fakeEventLog) Partitions(context.Context) ([]eventstore.Partition, error) {
	return l.partitions, nil
}

func (l *fakeEventLog) MergeSmallSegments(_ context.Context, partition string, _ int) (int64, error) {
	l.merged = append(l.merged, partition)

	return l.relabeled[partition], nil
}

func (l *fakeEventLog) DropPartition(_ context.Context, partition string) error {
	if l.dropErr != nil {
		return l.dropErr
	}

	l.dropped = append(l.dropped, partition)

	return nil
}

func (l *fakeEventLog) TryAdvisoryLock(_ context.Context, name string) (bool, error) {
	if l.lockDenied[name] {
		return false, nil
	}

	l.locked = append(l.locked, name)

	return true, nil
}

func (l *fakeEventLog) AdvisoryUnlock(_ context.Context, name string) error {
	l.unlocked = append(l.unlocked, name)

	return nil
}

func monthPartition(year int, month time.Month) eventstore.Partition {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)

	return eventstore.Partition{
		Name: eventstore.PartitionName(from),
		From: from,
		To:   from.AddDate(0, 1, 0),
	}
}

func testConfig() Config {
	return Config{
		Schedule:              DefaultSchedule,
		SegmentMergeThreshold: DefaultSegmentMergeThreshold,
		RetentionTTL:          395 * 24 * time.Hour,
	}
}

func newTestCompactor(t *testing.T, log EventLog, now time.Time) *Compactor {
	t.Helper()

	c, err := New(log, testConfig(), nil)
	require.NoError(t, err)

	c.now = func() time.Time { return now }

	return c
}

func TestRunOnceSkipsOpenPartition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	log := &fakeEventLog{partitions: []eventstore.Partition{
		monthPartition(2026, time.February),
		monthPartition(2026, time.March),
	}}

	c := newTestCompactor(t, log, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.PartitionsSeen)
	assert.Equal(t, 1, report.PartitionsSkipped)
	assert.Equal(t, []string{"lineage_events_y2026m02"}, log.merged)
	assert.Empty(t, log.dropped)
}

func TestRunOnceSkipsLockedPartition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	log := &fakeEventLog{
		partitions: []eventstore.Partition{
			monthPartition(2026, time.January),
			monthPartition(2026, time.February),
		},
		lockDenied: map[string]bool{"lineage_events_y2026m01": true},
	}

	c := newTestCompactor(t, log, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.PartitionsSkipped)
	assert.Equal(t, []string{"lineage_events_y2026m02"}, log.merged)
}

func TestRunOnceDropsExpiredPartition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// With retention at 395 days from 2026-03-15, everything up to and
	// including January 2025 is past the horizon.
	log := &fakeEventLog{partitions: []eventstore.Partition{
		monthPartition(2024, time.December),
		monthPartition(2025, time.January),
		monthPartition(2025, time.March),
	}}

	c := newTestCompactor(t, log, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.PartitionsDropped)
	assert.ElementsMatch(t, []string{"lineage_events_y2024m12", "lineage_events_y2025m01"}, log.dropped)
	assert.Equal(t, []string{"lineage_events_y2025m03"}, log.merged, "surviving partitions are merged, not dropped")
}

func TestRunOnceAccumulatesRelabeledRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	log := &fakeEventLog{
		partitions: []eventstore.Partition{
			monthPartition(2026, time.January),
			monthPartition(2026, time.February),
		},
		relabeled: map[string]int64{
			"lineage_events_y2026m01": 340,
			"lineage_events_y2026m02": 1200,
		},
	}

	c := newTestCompactor(t, log, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1540), report.RowsRelabeled)
}

func TestRunOnceReleasesLocks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	log := &fakeEventLog{
		partitions: []eventstore.Partition{monthPartition(2025, time.January)},
		dropErr:    errors.New("drop failed"),
	}

	c := newTestCompactor(t, log, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)

	// The lock is released even when the partition operation fails.
	assert.Equal(t, log.locked, log.unlocked)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := New(&fakeEventLog{}, Config{}, nil)

	assert.ErrorIs(t, err, ErrInvalidSchedule)
}
