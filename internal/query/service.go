// Package query is the read side: dataset profiles, event history, run
// status, and backward lineage traversal over the edge index. It never
// writes; every answer is computed from what the sinks have persisted.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traceline-io/traceline/internal/catalog"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/eventstore"
	"github.com/traceline-io/traceline/internal/schema"
)

const (
	// DefaultMaxDepth bounds lineage traversal when the caller does not
	// choose a depth.
	DefaultMaxDepth = 10

	// MaxTraversalDepth is the hard ceiling on requested depth.
	MaxTraversalDepth = 50

	// DefaultOrphanTimeout is how long a run may sit in a non-terminal
	// state before reads classify it as orphaned.
	DefaultOrphanTimeout = 24 * time.Hour

	// DefaultProfileListLimit caps ListProfilesSince result sets.
	DefaultProfileListLimit = 500
)

// StatusOrphaned is the read-time classification for runs that stopped
// reporting without a terminal event. It exists only in query responses;
// stored run state is never rewritten.
const StatusOrphaned = "ORPHANED"

// ErrInvalidDepth indicates a traversal depth outside [1, MaxTraversalDepth].
var ErrInvalidDepth = errors.New("invalid traversal depth")

type (
	// EventReader is the slice of the event store the query side needs.
	EventReader interface {
		EventsByRun(ctx context.Context, runID string) ([]eventstore.StoredEvent, error)
		EventsByJob(ctx context.Context, namespace, name string, from, to time.Time) ([]eventstore.StoredEvent, error)
		RunStateByID(ctx context.Context, runID string) (eventstore.RunState, error)
		ProducingRuns(ctx context.Context, datasetURN string) ([]string, error)
		RunInputs(ctx context.Context, runID string) ([]eventstore.Edge, error)
	}

	// ProfileReader is the slice of the catalog the query side needs.
	ProfileReader interface {
		GetProfile(ctx context.Context, namespace, name string) (*catalog.DatasetProfile, error)
		ListProfilesSince(ctx context.Context, since time.Time, limit int) ([]*catalog.DatasetProfile, error)
	}

	// Service answers read queries over both stores.
	Service struct {
		events   EventReader
		profiles ProfileReader
		logger   *slog.Logger

		orphanTimeout time.Duration
		now           func() time.Time
	}

	// RunStatus is the externally visible state of one run.
	RunStatus struct {
		RunID        string
		JobNamespace string
		JobName      string

		// Status is the stored state, or StatusOrphaned when a
		// non-terminal run has gone quiet past the orphan timeout.
		Status string

		LastEventTime time.Time
		StartedAt     *time.Time
	}

	// LineageNode is one dataset reached during backward traversal.
	LineageNode struct {
		URN       string
		Namespace string
		Name      string

		// Depth is the distance from the root dataset.
		Depth int

		// ProducedBy is the completed run whose inputs were followed,
		// empty when no completed producer exists.
		ProducedBy string

		// Inputs are the URNs of the datasets that run consumed.
		Inputs []string
	}

	// Cycle records an edge pointing back at one of the dataset's own
	// ancestors in the traversal tree. Edges into datasets reached along a
	// different path are ordinary joins, not cycles.
	Cycle struct {
		From string
		To   string
	}

	// LineageGraph is the result of a backward traversal.
	LineageGraph struct {
		Root     string
		MaxDepth int

		// Truncated is true if the depth limit stopped expansion before
		// the graph was exhausted.
		Truncated bool

		Nodes  []*LineageNode
		Cycles []Cycle
	}

	// Option configures a Service.
	Option func(*Service)
)

// WithOrphanTimeout overrides the orphan classification window.
func WithOrphanTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.orphanTimeout = d
		}
	}
}

// NewService creates the read-side service.
func NewService(events EventReader, profiles ProfileReader, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		events:        events,
		profiles:      profiles,
		logger:        logger,
		orphanTimeout: config.GetEnvDuration("QUERY_ORPHAN_TIMEOUT", DefaultOrphanTimeout),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GetProfile returns the catalog profile for one dataset.
func (s *Service) GetProfile(ctx context.Context, namespace, name string) (*catalog.DatasetProfile, error) {
	return s.profiles.GetProfile(ctx, namespace, name)
}

// ListProfilesSince returns profiles updated at or after since.
func (s *Service) ListProfilesSince(ctx context.Context, since time.Time) ([]*catalog.DatasetProfile, error) {
	return s.profiles.ListProfilesSince(ctx, since, DefaultProfileListLimit)
}

// EventsByRun returns the stored event history of one run.
func (s *Service) EventsByRun(ctx context.Context, runID string) ([]eventstore.StoredEvent, error) {
	return s.events.EventsByRun(ctx, runID)
}

// EventsByJob returns a job's events within [from, to).
func (s *Service) EventsByJob(ctx context.Context, namespace, name string, from, to time.Time) ([]eventstore.StoredEvent, error) {
	return s.events.EventsByJob(ctx, namespace, name, from, to)
}

// RunStatus returns the run's state, classifying quiet non-terminal runs as
// orphaned at read time.
func (s *Service) RunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	state, err := s.events.RunStateByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	status := string(state.CurrentState)

	if !state.CurrentState.IsTerminal() {
		cutoff := s.now().UTC().Add(-s.orphanTimeout)
		if state.EventTime.Before(cutoff) {
			status = StatusOrphaned
		}
	}

	return &RunStatus{
		RunID:         state.RunID,
		JobNamespace:  state.JobNamespace,
		JobName:       state.JobName,
		Status:        status,
		LastEventTime: state.EventTime,
		StartedAt:     state.StartedAt,
	}, nil
}

// Lineage walks upstream from a dataset: for each dataset it finds the most
// recent completed run that produced it, then follows that run's inputs.
// Depth 0 requests the default. Already-expanded datasets are never expanded
// twice; an edge back to an ancestor on the dataset's own upstream path is
// reported as a cycle, while an edge into a dataset reached along a sibling
// path is a plain join.
func (s *Service) Lineage(ctx context.Context, namespace, name string, maxDepth int) (*LineageGraph, error) {
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}

	if maxDepth < 1 || maxDepth > MaxTraversalDepth {
		return nil, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidDepth, maxDepth, MaxTraversalDepth)
	}

	root := schema.DatasetURN(namespace, name)
	graph := &LineageGraph{Root: root, MaxDepth: maxDepth}

	visited := make(map[string]*LineageNode)

	// parent records the tree edge each dataset was first reached by, so
	// ancestor checks can walk the path back to the root.
	parent := make(map[string]string)

	type frontierEntry struct {
		urn       string
		namespace string
		name      string
		depth     int
	}

	frontier := []frontierEntry{{urn: root, namespace: namespace, name: name, depth: 0}}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		node, seen := visited[current.urn]
		if seen {
			continue
		}

		node = &LineageNode{
			URN:       current.urn,
			Namespace: current.namespace,
			Name:      current.name,
			Depth:     current.depth,
		}
		visited[current.urn] = node
		graph.Nodes = append(graph.Nodes, node)

		if current.depth >= maxDepth {
			graph.Truncated = true

			continue
		}

		inputs, producedBy, err := s.expand(ctx, current.urn)
		if err != nil {
			return nil, err
		}

		node.ProducedBy = producedBy

		for _, input := range inputs {
			node.Inputs = append(node.Inputs, input.URN)

			if _, already := visited[input.URN]; already {
				if isAncestor(parent, current.urn, input.URN) {
					graph.Cycles = append(graph.Cycles, Cycle{From: current.urn, To: input.URN})
				}

				continue
			}

			if _, queued := parent[input.URN]; !queued {
				parent[input.URN] = current.urn
			}

			frontier = append(frontier, frontierEntry{
				urn:       input.URN,
				namespace: input.Namespace,
				name:      input.Name,
				depth:     current.depth + 1,
			})
		}
	}

	return graph, nil
}

// isAncestor reports whether candidate lies on node's path to the root,
// node itself included (a self-loop is a cycle).
func isAncestor(parent map[string]string, node, candidate string) bool {
	for urn := node; ; {
		if urn == candidate {
			return true
		}

		next, ok := parent[urn]
		if !ok {
			return false
		}

		urn = next
	}
}

// expand finds the newest completed run producing the dataset and returns
// that run's inputs.
func (s *Service) expand(ctx context.Context, datasetURN string) ([]eventstore.Edge, string, error) {
	runIDs, err := s.events.ProducingRuns(ctx, datasetURN)
	if err != nil {
		return nil, "", fmt.Errorf("failed to expand %s: %w", datasetURN, err)
	}

	if len(runIDs) == 0 {
		// Source dataset, or its producer never completed.
		return nil, "", nil
	}

	runID := runIDs[0]

	inputs, err := s.events.RunInputs(ctx, runID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read inputs of run %s: %w", runID, err)
	}

	return inputs, runID, nil
}
