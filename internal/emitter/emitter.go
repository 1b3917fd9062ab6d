// Package emitter provides the lineage emission library linked into every
// producing pipeline.
//
// Lineage is observability, not a control-flow dependency: EmitRunEvent never
// blocks and never returns an error to the caller. Events go onto a bounded
// in-process queue drained by one background goroutine; when the transport is
// unreachable after a few short retries, or the queue is full, the event is
// dropped and counted. On shutdown the drain gets a short grace period and
// then the remainder is dropped — lineage loss is acceptable, delaying the
// producing pipeline's exit is not.
package emitter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/schema"
)

const (
	defaultQueueSize    = 1024
	defaultMaxRetries   = 3
	defaultRetryBackoff = 100 * time.Millisecond
	defaultDrainGrace   = 5 * time.Second
	drainPublishTimeout = 2 * time.Second
)

type (
	// Publisher is the transport write surface the emitter drains into.
	// transport.Publisher satisfies it; tests substitute fakes.
	Publisher interface {
		Publish(ctx context.Context, event *schema.LineageEvent) error
	}

	// Emitter constructs and publishes lineage events asynchronously.
	// Safe for concurrent use from any number of in-process call sites.
	Emitter struct {
		publisher Publisher
		logger    *slog.Logger
		producer  string

		queue     chan *schema.LineageEvent
		dropped   atomic.Uint64
		closeOnce sync.Once
		stop      chan struct{} // Signal to stop the drain goroutine
		done      chan struct{} // Signal the drain goroutine has stopped

		maxRetries   int
		retryBackoff time.Duration
		drainGrace   time.Duration
	}

	// Option configures optional Emitter behavior.
	Option func(*Emitter)
)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(size int) Option {
	return func(e *Emitter) {
		if size > 0 {
			e.queue = make(chan *schema.LineageEvent, size)
		}
	}
}

// WithRetryPolicy overrides the bounded publish retry policy.
func WithRetryPolicy(maxRetries int, backoff time.Duration) Option {
	return func(e *Emitter) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}

		if backoff > 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithDrainGrace overrides the shutdown drain grace period.
func WithDrainGrace(grace time.Duration) Option {
	return func(e *Emitter) {
		if grace > 0 {
			e.drainGrace = grace
		}
	}
}

// New creates an Emitter identified as producer and starts its background
// drain goroutine. The caller owns the publisher's lifecycle.
func New(producer string, publisher Publisher, opts ...Option) *Emitter {
	e := &Emitter{
		publisher:    publisher,
		logger:       config.NewLogger("emitter"),
		producer:     producer,
		queue:        make(chan *schema.LineageEvent, defaultQueueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		drainGrace:   defaultDrainGrace,
	}

	for _, opt := range opts {
		opt(e)
	}

	go e.drain()

	return e
}

// NewRunID generates a run identifier for a new pipeline run.
// Time-ordered with a random suffix; collision-resistant under concurrency.
func (e *Emitter) NewRunID() string {
	return schema.NewRunID()
}

// EmitRunEvent enqueues one run state transition for asynchronous publishing.
//
// Never blocks and never surfaces an error to the caller: if the queue is
// full the event is dropped and the drop counter incremented. Facet bags may
// be nil.
func (e *Emitter) EmitRunEvent(
	eventType schema.EventType,
	runID string,
	jobNamespace, jobName string,
	inputs, outputs []schema.DatasetRef,
	runFacets, jobFacets schema.FacetBag,
) {
	event := &schema.LineageEvent{
		EventType:     eventType,
		EventTime:     time.Now().UTC(),
		Run:           schema.Run{ID: runID, Facets: runFacets},
		Job:           schema.Job{Namespace: jobNamespace, Name: jobName, Facets: jobFacets},
		Inputs:        inputs,
		Outputs:       outputs,
		Producer:      e.producer,
		SchemaVersion: schema.SchemaVersion,
	}

	e.Emit(event)
}

// Emit enqueues a fully constructed event. Same non-blocking contract as
// EmitRunEvent.
func (e *Emitter) Emit(event *schema.LineageEvent) {
	select {
	case e.queue <- event:
	default:
		// Queue full: drop rather than apply backpressure to the producer.
		e.dropped.Add(1)
		e.logger.Warn("emitter queue full, event dropped",
			slog.String("run_id", event.Run.ID),
			slog.String("event_type", string(event.EventType)),
			slog.Uint64("dropped_total", e.dropped.Load()),
		)
	}
}

// Dropped returns the number of events dropped since creation, whether from
// queue overflow or exhausted publish retries.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close stops accepting the drain loop, gives queued events the configured
// grace period to flush, then drops the remainder. Safe to call multiple
// times. Never takes longer than the grace period.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)

		select {
		case <-e.done:
			e.logger.Info("emitter drained cleanly", slog.Uint64("dropped_total", e.dropped.Load()))
		case <-time.After(e.drainGrace):
			remaining := uint64(len(e.queue))
			e.dropped.Add(remaining)
			e.logger.Warn("emitter drain grace expired, dropping queued events",
				slog.Uint64("dropped_now", remaining),
				slog.Uint64("dropped_total", e.dropped.Load()),
			)
		}
	})
}

// drain is the background goroutine moving events from the queue to the
// transport. Runs until stop is signalled and the queue is empty.
func (e *Emitter) drain() {
	defer close(e.done)

	for {
		select {
		case event := <-e.queue:
			e.publish(event)
		case <-e.stop:
			// Final flush: drain whatever is queued, then exit.
			for {
				select {
				case event := <-e.queue:
					e.publish(event)
				default:
					return
				}
			}
		}
	}
}

// publish attempts delivery with a small, bounded retry budget, then drops.
func (e *Emitter) publish(event *schema.LineageEvent) {
	var (
		lastErr  error
		stopping bool
	)

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.retryBackoff * time.Duration(attempt)):
			case <-e.stop:
				// Shutting down: one last immediate attempt, no more waiting.
				stopping = true
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), drainPublishTimeout)
		lastErr = e.publisher.Publish(ctx, event)

		cancel()

		if lastErr == nil {
			return
		}

		if stopping {
			break
		}
	}

	e.dropped.Add(1)
	e.logger.Warn("transport unreachable, event dropped after retries",
		slog.String("run_id", event.Run.ID),
		slog.String("event_type", string(event.EventType)),
		slog.String("error", lastErr.Error()),
		slog.Uint64("dropped_total", e.dropped.Load()),
	)
}
