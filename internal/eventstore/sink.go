package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/traceline-io/traceline/internal/schema"
	"github.com/traceline-io/traceline/internal/transport"
)

// errorPause is how long the sink backs off after a persistence failure
// before refetching, so a struggling database is not hammered.
const errorPause = time.Second

type (
	// MessageSource is the transport side the sink reads from.
	MessageSource interface {
		Fetch(ctx context.Context) (transport.Message, error)
		Commit(ctx context.Context, msgs ...transport.Message) error
	}

	// EventWriter is the storage side the sink writes to.
	EventWriter interface {
		StoreBatch(ctx context.Context, events []*schema.LineageEvent) []StoreResult
		StoreDeadLetter(ctx context.Context, payload []byte, reason string, partition int, offset int64) error
	}

	// Sink consumes lineage events from the transport and persists them in
	// batches. Offsets are committed only after the batch is durably stored,
	// so a crash between fetch and flush replays rather than loses events.
	Sink struct {
		source    MessageSource
		writer    EventWriter
		validator *schema.Validator
		logger    *slog.Logger
		config    SinkConfig

		buffer    []pendingEvent
		closeOnce sync.Once
		done      chan struct{}
	}

	pendingEvent struct {
		event   *schema.LineageEvent
		message transport.Message

		// failure marks a message destined for the dead letter table
		// (decode or validation error, or a terminal conflict).
		failure error

		// handled means the message is durable (stored or dead-lettered)
		// and only waits for its offset commit.
		handled bool
	}
)

// NewSink creates a Sink. Run must be called to start consumption.
func NewSink(source MessageSource, writer EventWriter, cfg SinkConfig, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sink config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{
		source:    source,
		writer:    writer,
		validator: schema.NewValidator(),
		logger:    logger,
		config:    cfg,
		buffer:    make([]pendingEvent, 0, cfg.BatchSize),
		done:      make(chan struct{}),
	}, nil
}

// Run consumes until ctx is cancelled. Before returning it flushes whatever
// is buffered so already-fetched events are not left uncommitted.
func (s *Sink) Run(ctx context.Context) error {
	defer s.closeOnce.Do(func() { close(s.done) })

	s.logger.Info("event store sink started",
		"batch_size", s.config.BatchSize,
		"flush_interval", s.config.FlushInterval,
	)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			s.logger.Info("event store sink stopped")

			return ctx.Err()
		case <-ticker.C:
			if err := s.flush(ctx); err != nil {
				s.logger.Error("interval flush failed", "error", err)
				s.pause(ctx)
			}
		default:
			if err := s.step(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}

				s.logger.Error("sink step failed", "error", err)
				s.pause(ctx)
			}
		}
	}
}

// Done is closed once Run has returned and the final flush completed.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// step fetches one message, buffers it, and flushes when the batch is full.
// Malformed messages are buffered too; flush dead-letters them, so their
// offsets commit in order with their neighbors.
func (s *Sink) step(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.FlushInterval)
	defer cancel()

	msg, err := s.source.Fetch(fetchCtx)
	if err != nil {
		return err
	}

	event, err := transport.DecodeEvent(msg.Value)
	if err == nil {
		err = s.validator.ValidateEvent(event)
	}

	s.buffer = append(s.buffer, pendingEvent{event: event, message: msg, failure: err})

	if len(s.buffer) >= s.config.BatchSize {
		return s.flush(ctx)
	}

	return nil
}

// flush persists the buffered batch, then commits offsets. Committing an
// offset acknowledges every earlier offset of that partition, so only the
// contiguous prefix of durably handled messages per partition is committed;
// anything at or after the first unpersisted message stays buffered for the
// next attempt, even when it was stored successfully itself.
func (s *Sink) flush(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	var (
		events  []*schema.LineageEvent
		indices []int
	)

	for i, pending := range s.buffer {
		if pending.handled || pending.failure != nil {
			continue
		}

		events = append(events, pending.event)
		indices = append(indices, i)
	}

	var results []StoreResult
	if len(events) > 0 {
		results = s.writer.StoreBatch(ctx, events)
	}

	var (
		stored    int
		duplicate int
		retriable bool
	)

	for r, result := range results {
		pending := &s.buffer[indices[r]]

		switch {
		case result.Error == nil:
			if result.Duplicate {
				duplicate++
			} else {
				stored++
			}

			pending.handled = true
		case errors.Is(result.Error, ErrTerminalConflict):
			pending.failure = result.Error
		default:
			// Likely transient (connection, partition DDL race). Keep the
			// event buffered and retry it next flush.
			retriable = true
		}
	}

	for i := range s.buffer {
		pending := &s.buffer[i]
		if pending.handled || pending.failure == nil {
			continue
		}

		if err := s.deadLetter(ctx, pending.message, pending.failure); err != nil {
			s.logger.Error("dead-letter write failed, retrying next flush", "error", err)

			retriable = true

			continue
		}

		pending.handled = true
	}

	var (
		commit    []transport.Message
		committed = make(map[int]bool)
		blocked   = make(map[int]bool)
	)

	for i, pending := range s.buffer {
		if !pending.handled {
			blocked[pending.message.Partition] = true

			continue
		}

		if !blocked[pending.message.Partition] {
			commit = append(commit, pending.message)
			committed[i] = true
		}
	}

	if len(commit) > 0 {
		if err := s.source.Commit(ctx, commit...); err != nil {
			// Handled flags survive; the next flush retries the commit
			// without re-storing anything.
			return fmt.Errorf("failed to commit offsets: %w", err)
		}
	}

	remaining := s.buffer[:0]
	for i, pending := range s.buffer {
		if !committed[i] {
			remaining = append(remaining, pending)
		}
	}

	s.buffer = remaining

	s.logger.Debug("flushed event batch",
		"stored", stored,
		"duplicate", duplicate,
		"retained", len(remaining),
	)

	if retriable {
		return fmt.Errorf("flush retained %d events after storage errors", len(remaining))
	}

	return nil
}

// deadLetter writes one message to the dead letter table. Its offset is
// committed by flush, subject to the same contiguous-prefix rule as stored
// events.
func (s *Sink) deadLetter(ctx context.Context, msg transport.Message, cause error) error {
	s.logger.Warn("dead-lettering event",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"reason", cause.Error(),
	)

	if err := s.writer.StoreDeadLetter(ctx, msg.Value, cause.Error(), msg.Partition, msg.Offset); err != nil {
		return fmt.Errorf("failed to dead-letter event at %d/%d: %w", msg.Partition, msg.Offset, err)
	}

	return nil
}

// finalFlush makes a bounded last attempt to persist the buffer on shutdown.
func (s *Sink) finalFlush() {
	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.flush(ctx); err != nil {
		s.logger.Error("final flush failed, events will replay on restart",
			"buffered", len(s.buffer),
			"error", err,
		)
	}
}

func (s *Sink) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(errorPause):
	}
}
