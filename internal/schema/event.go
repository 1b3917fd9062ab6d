// Package schema provides the lineage event domain model.
//
// A LineageEvent records one state transition of one pipeline run: which job
// ran, which datasets it read and wrote, and when. Events are produced by the
// emitter, carried over the transport, and persisted by the sinks. This is a
// pure domain model without JSON tags; the transport layer owns the wire
// representation and maps to these types.
package schema

import (
	"time"
)

type (
	// LineageEvent represents one run state transition.
	//
	// Events describe the execution of a job and are emitted at runtime when
	// runs start, progress, complete, or fail. Each event can carry details
	// about the run, the job definition, and the input and output datasets
	// involved.
	LineageEvent struct {
		// EventTime is the producer-assigned timestamp of this transition.
		// Used for ordering, not arrival time (handles out-of-order delivery).
		EventTime time.Time

		// EventType is the run state: START, RUNNING, COMPLETE, or FAIL.
		// Terminal states (COMPLETE, FAIL) are immutable once recorded.
		EventType EventType

		// Run identifies this specific run instance.
		Run Run

		// Job identifies the job definition this run executes.
		Job Job

		// Inputs are datasets consumed by this run (optional).
		Inputs []DatasetRef

		// Outputs are datasets produced by this run.
		// Typically populated on the COMPLETE event.
		Outputs []DatasetRef

		// Producer is the identity string of the emitting service.
		Producer string

		// SchemaVersion is the event schema version for forward compatibility.
		SchemaVersion string
	}

	// EventType represents lineage run states.
	EventType string

	// FacetBag is an open map of facet name to facet payload.
	//
	// A small set of well-known facet shapes (schema fields, row/byte
	// statistics, timing, error, column lineage) have typed decode helpers in
	// facets.go. Unknown facets are preserved opaquely, never rejected; this
	// is what lets the schema evolve without breaking old consumers.
	FacetBag map[string]interface{}

	// Run represents a single execution instance of a Job.
	Run struct {
		// ID is a globally unique, collision-resistant run identifier.
		// Producers must keep the same ID across the whole run lifecycle
		// (START through terminal). Generated via NewRunID.
		ID string

		// Facets are extensible metadata about this run instance.
		Facets FacetBag
	}

	// Job represents a recurring data transformation identified by a unique
	// name within a namespace: a connector sync, a report build, a metric
	// aggregation.
	Job struct {
		// Namespace identifies the owning orchestrator or service group.
		Namespace string

		// Name is unique within the namespace.
		Name string

		// Facets are extensible metadata about the job definition.
		Facets FacetBag
	}

	// DatasetRef references a named, namespaced logical data resource that a
	// run reads or writes: a table, a report artifact, a metric series.
	DatasetRef struct {
		// Namespace identifies the data source.
		Namespace string

		// Name is the hierarchical path of the dataset within the namespace.
		Name string

		// Facets are extensible metadata attached to this reference.
		Facets FacetBag
	}
)

// SchemaVersion is the current event schema version stamped on new events.
const SchemaVersion = "1.0"

const (
	// EventTypeStart indicates the beginning of a run.
	EventTypeStart EventType = "START"

	// EventTypeRunning provides additional information about a running job.
	// Zero or more RUNNING events may occur between START and a terminal.
	EventTypeRunning EventType = "RUNNING"

	// EventTypeComplete signifies that the run concluded successfully.
	// Terminal state.
	EventTypeComplete EventType = "COMPLETE"

	// EventTypeFail signifies that the run failed. Terminal state.
	EventTypeFail EventType = "FAIL"
)

// ValidEventTypes returns all valid lineage event types.
func ValidEventTypes() []EventType {
	return []EventType{
		EventTypeStart,
		EventTypeRunning,
		EventTypeComplete,
		EventTypeFail,
	}
}

// IsValid checks if the EventType is a recognized run state.
func (et EventType) IsValid() bool {
	for _, valid := range ValidEventTypes() {
		if et == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the event type is a terminal state.
// Terminal states (COMPLETE, FAIL) are immutable: for a given run at most one
// terminal event may ever exist, and no further transitions are allowed.
func (et EventType) IsTerminal() bool {
	return et == EventTypeComplete || et == EventTypeFail
}

// URN returns the canonical URN for this dataset reference.
//
// Format: {namespace}/{name}
//
// Example:
//
//	ref := DatasetRef{Namespace: "warehouse", Name: "reports.daily_sroi"}
//	ref.URN()  // "warehouse/reports.daily_sroi"
func (d *DatasetRef) URN() string {
	return DatasetURN(d.Namespace, d.Name)
}
