package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/traceline-io/traceline/internal/governance"
	"github.com/traceline-io/traceline/internal/schema"
	"github.com/traceline-io/traceline/internal/transport"
)

// errorPause is the backoff after a persistence failure.
const errorPause = time.Second

type (
	// MessageSource is the transport side the sink reads from.
	MessageSource interface {
		Fetch(ctx context.Context) (transport.Message, error)
		Commit(ctx context.Context, msgs ...transport.Message) error
	}

	// ProfileWriter is the storage side the sink writes to.
	ProfileWriter interface {
		UpsertProfile(ctx context.Context, profile *DatasetProfile) error
	}

	// Sink consumes lineage events and folds COMPLETE events into the
	// dataset catalog. Every other event type is acknowledged and skipped;
	// freshness is defined by successful completions only.
	Sink struct {
		source     MessageSource
		writer     ProfileWriter
		governance *governance.Resolver
		validator  *schema.Validator
		logger     *slog.Logger

		closeOnce sync.Once
		done      chan struct{}
	}
)

// NewSink creates a catalog Sink. A nil resolver disables governance
// defaults without disabling the sink.
func NewSink(source MessageSource, writer ProfileWriter, resolver *governance.Resolver, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	if resolver == nil {
		resolver = governance.NewResolver(nil)
	}

	return &Sink{
		source:     source,
		writer:     writer,
		governance: resolver,
		validator:  schema.NewValidator(),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	defer s.closeOnce.Do(func() { close(s.done) })

	s.logger.Info("catalog sink started", "governance_rules", s.governance.RuleCount())

	for {
		if ctx.Err() != nil {
			s.logger.Info("catalog sink stopped")

			return ctx.Err()
		}

		if err := s.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			s.logger.Error("catalog sink step failed", "error", err)
			s.pause(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) step(ctx context.Context) error {
	msg, err := s.source.Fetch(ctx)
	if err != nil {
		return err
	}

	event, err := transport.DecodeEvent(msg.Value)
	if err == nil {
		err = s.validator.ValidateEvent(event)
	}

	if err != nil {
		// The event store sink owns dead-lettering; the catalog just
		// moves past events it cannot use.
		s.logger.Warn("skipping undecodable event",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)

		return s.source.Commit(ctx, msg)
	}

	if event.EventType == schema.EventTypeComplete {
		if err = s.applyEvent(ctx, event); err != nil {
			// Not committed; the event will be refetched and the upsert
			// retried. LWW semantics make the retry safe.
			return err
		}
	}

	return s.source.Commit(ctx, msg)
}

// applyEvent upserts one profile per output dataset of a COMPLETE event.
func (s *Sink) applyEvent(ctx context.Context, event *schema.LineageEvent) error {
	for i := range event.Outputs {
		profile := s.buildProfile(event, &event.Outputs[i])

		if err := s.writer.UpsertProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to apply event %s: %w", event.Run.ID, err)
		}
	}

	return nil
}

// buildProfile extracts the catalog fields an output dataset's facets carry,
// falling back to governance rules for missing classification.
func (s *Sink) buildProfile(event *schema.LineageEvent, output *schema.DatasetRef) *DatasetProfile {
	profile := &DatasetProfile{
		Namespace:        output.Namespace,
		Name:             output.Name,
		LastLoadTime:     event.EventTime,
		LastModifiedTime: event.EventTime,
		LastEventTime:    event.EventTime,
	}

	// When the producer reports when the write finished, that is the more
	// precise modification time.
	if timing, ok := schema.DecodeTimingFacet(output.Facets); ok && timing.EndedAt != nil {
		profile.LastModifiedTime = *timing.EndedAt
	}

	if stats, ok := schema.DecodeStatsFacet(output.Facets); ok {
		profile.RowCount = stats.RowCount
		profile.SizeBytes = stats.SizeBytes
	}

	if schemaFacet, ok := schema.DecodeSchemaFacet(output.Facets); ok {
		profile.SchemaFields = schemaFacet.Fields
	}

	if quality, ok := schema.DecodeDataQualityFacet(output.Facets); ok {
		profile.QualityScore = quality.QualityScore
		profile.TestPassRate = quality.TestPassRate
	}

	if gov, ok := schema.DecodeGovernanceFacet(output.Facets); ok {
		profile.GDPRCategory = gov.GDPRCategory
		profile.Residency = gov.Residency
	}

	if profile.GDPRCategory == "" || profile.Residency == "" {
		if rule, ok := s.governance.Resolve(output.Namespace); ok {
			if profile.GDPRCategory == "" {
				profile.GDPRCategory = rule.GDPRCategory
			}

			if profile.Residency == "" {
				profile.Residency = rule.Residency
			}
		}
	}

	return profile
}

func (s *Sink) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(errorPause):
	}
}
