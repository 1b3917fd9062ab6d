// Package eventstore provides the append-only lineage event store: a
// transport sink performing idempotent batched writes into a month-partitioned
// PostgreSQL log, the dataset edge index used for lineage lookup, the run
// state register, and the dead-letter path for malformed events.
package eventstore

import (
	"time"

	"github.com/traceline-io/traceline/internal/schema"
)

type (
	// StoredEvent is one persisted lineage event row.
	StoredEvent struct {
		RunID         string
		EventType     schema.EventType
		EventTime     time.Time
		JobNamespace  string
		JobName       string
		Producer      string
		SchemaVersion string
		Event         *schema.LineageEvent // Decoded payload
	}

	// RunState is the current state of one run as tracked by the runs table.
	RunState struct {
		RunID        string
		JobNamespace string
		JobName      string
		CurrentState schema.EventType
		EventTime    time.Time // Event time of the newest applied event
		StartedAt    *time.Time
		UpdatedAt    time.Time
	}

	// Edge is one lineage edge: a run reading or writing a dataset.
	Edge struct {
		RunID     string
		URN       string
		EdgeType  EdgeType
		Namespace string
		Name      string
	}

	// EdgeType distinguishes input from output edges.
	EdgeType string

	// StoreResult reports the outcome of storing a single event.
	StoreResult struct {
		Event *schema.LineageEvent

		// Stored is true if the event was newly written.
		Stored bool

		// Duplicate is true if an identical event (same runId, eventType,
		// eventTime) was already present. Duplicates are success, not error.
		Duplicate bool

		Error error
	}

	// Partition describes one monthly partition of the event log.
	Partition struct {
		Name string
		From time.Time
		To   time.Time
	}
)

const (
	// EdgeInput marks a dataset consumed by a run.
	EdgeInput EdgeType = "input"

	// EdgeOutput marks a dataset produced by a run.
	EdgeOutput EdgeType = "output"
)
