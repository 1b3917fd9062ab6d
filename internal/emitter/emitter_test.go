package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline-io/traceline/internal/schema"
)

// fakePublisher records published events and can fail a configured number of
// times before succeeding.
type fakePublisher struct {
	mu        sync.Mutex
	events    []*schema.LineageEvent
	failures  int
	attempts  int
	published chan struct{}
}

func newFakePublisher(failures int) *fakePublisher {
	return &fakePublisher{
		failures:  failures,
		published: make(chan struct{}, 64),
	}
}

func (p *fakePublisher) Publish(_ context.Context, event *schema.LineageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++

	if p.failures > 0 {
		p.failures--
		return errors.New("broker unreachable")
	}

	p.events = append(p.events, event)
	p.published <- struct{}{}

	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.events)
}

func (p *fakePublisher) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.attempts
}

func waitPublished(t *testing.T, p *fakePublisher, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-p.published:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for publish %d of %d", i+1, n)
		}
	}
}

func TestEmitRunEventDelivers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	publisher := newFakePublisher(0)
	e := New("https://github.com/traceline-io/traceline-airflow/tree/0.4.1", publisher)
	defer e.Close()

	runID := e.NewRunID()
	e.EmitRunEvent(schema.EventTypeStart, runID, "airflow://prod", "orders_daily", nil, nil, nil, nil)

	waitPublished(t, publisher, 1)

	require.Equal(t, 1, publisher.count())

	event := publisher.events[0]
	assert.Equal(t, schema.EventTypeStart, event.EventType)
	assert.Equal(t, runID, event.Run.ID)
	assert.Equal(t, "airflow://prod", event.Job.Namespace)
	assert.Equal(t, "orders_daily", event.Job.Name)
	assert.Equal(t, schema.SchemaVersion, event.SchemaVersion)
	assert.False(t, event.EventTime.IsZero())
	assert.Equal(t, uint64(0), e.Dropped())
}

func TestEmitNeverBlocksWhenQueueFull(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// A publisher that never succeeds keeps the drain goroutine busy in its
	// retry loop while we overfill the queue.
	publisher := newFakePublisher(int(^uint(0) >> 1))
	e := New("test-producer", publisher,
		WithQueueSize(2),
		WithRetryPolicy(10, time.Second),
		WithDrainGrace(50*time.Millisecond),
	)
	defer e.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 50; i++ {
			e.EmitRunEvent(schema.EventTypeRunning, e.NewRunID(), "airflow://prod", "orders_daily", nil, nil, nil, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked with a full queue")
	}

	assert.Greater(t, e.Dropped(), uint64(0))
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	publisher := newFakePublisher(2)
	e := New("test-producer", publisher, WithRetryPolicy(3, time.Millisecond))
	defer e.Close()

	e.EmitRunEvent(schema.EventTypeComplete, e.NewRunID(), "airflow://prod", "orders_daily", nil, nil, nil, nil)

	waitPublished(t, publisher, 1)

	assert.Equal(t, 1, publisher.count())
	assert.Equal(t, uint64(0), e.Dropped())
}

func TestPublishDropsAfterRetryBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	publisher := newFakePublisher(10)
	e := New("test-producer", publisher, WithRetryPolicy(1, time.Millisecond), WithDrainGrace(time.Second))

	e.EmitRunEvent(schema.EventTypeComplete, e.NewRunID(), "airflow://prod", "orders_daily", nil, nil, nil, nil)
	e.Close()

	assert.Equal(t, 0, publisher.count())
	assert.Equal(t, uint64(1), e.Dropped())
}

func TestCloseCutsRetryBudgetToOneAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// The long backoff parks the drain goroutine between attempts, so Close
	// lands while a retry is pending.
	publisher := newFakePublisher(int(^uint(0) >> 1))
	e := New("test-producer", publisher,
		WithRetryPolicy(10, time.Hour),
		WithDrainGrace(5*time.Second),
	)

	e.EmitRunEvent(schema.EventTypeComplete, e.NewRunID(), "airflow://prod", "orders_daily", nil, nil, nil, nil)

	deadline := time.Now().Add(5 * time.Second)
	for publisher.attemptCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first publish attempt")
		}

		time.Sleep(time.Millisecond)
	}

	e.Close()

	// Shutdown grants one final immediate attempt instead of walking the
	// rest of the retry budget.
	assert.Equal(t, 2, publisher.attemptCount())
	assert.Equal(t, uint64(1), e.Dropped())
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	publisher := newFakePublisher(0)
	e := New("test-producer", publisher, WithQueueSize(16))

	for i := 0; i < 5; i++ {
		e.EmitRunEvent(schema.EventTypeRunning, e.NewRunID(), "airflow://prod", "orders_daily", nil, nil, nil, nil)
	}

	e.Close()

	assert.Equal(t, 5, publisher.count())
	assert.Equal(t, uint64(0), e.Dropped())
}

func TestCloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := New("test-producer", newFakePublisher(0))

	e.Close()
	e.Close()
}
