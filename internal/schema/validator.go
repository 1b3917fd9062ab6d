package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrNilEvent                = errors.New("event cannot be nil")
	ErrInvalidEventType        = errors.New("invalid eventType")
	ErrMissingEventTime        = errors.New("eventTime is required")
	ErrMissingProducer         = errors.New("producer is required")
	ErrMissingSchemaVersion    = errors.New("schemaVersion is required")
	ErrMissingRunID            = errors.New("run.runId is required")
	ErrMissingJobNamespace     = errors.New("job.namespace is required")
	ErrMissingJobName          = errors.New("job.name is required")
	ErrDatasetMissingNamespace = errors.New("dataset.namespace is required")
	ErrDatasetMissingName      = errors.New("dataset.name is required")
)

// Validator performs semantic validation of lineage events.
//
// Strategy: required-field and enum checks only. Facets are never validated
// beyond JSON well-formedness; an event is never rejected solely for carrying
// an unrecognized facet.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateEvent validates that a LineageEvent contains all required fields.
//
// Required:
//   - eventType: must be START, RUNNING, COMPLETE, or FAIL
//   - eventTime: must not be zero
//   - producer: must not be empty
//   - schemaVersion: must not be empty
//   - run.runId, job.namespace, job.name: must not be empty
//
// Optional:
//   - inputs/outputs: may be empty or nil (especially for START events)
//   - facets: may be nil or contain unknown entries (extensibility)
func (v *Validator) ValidateEvent(event *LineageEvent) error {
	if event == nil {
		return ErrNilEvent
	}

	if !event.EventType.IsValid() {
		return fmt.Errorf("%w: %s (valid: START, RUNNING, COMPLETE, FAIL)",
			ErrInvalidEventType, event.EventType)
	}

	if event.EventTime.IsZero() {
		return ErrMissingEventTime
	}

	if event.Producer == "" {
		return ErrMissingProducer
	}

	if event.SchemaVersion == "" {
		return ErrMissingSchemaVersion
	}

	if event.Run.ID == "" {
		return ErrMissingRunID
	}

	if event.Job.Namespace == "" {
		return ErrMissingJobNamespace
	}

	if event.Job.Name == "" {
		return ErrMissingJobName
	}

	for i := range event.Inputs {
		if err := v.ValidateDatasetRef(&event.Inputs[i]); err != nil {
			return fmt.Errorf("inputs[%d]: %w", i, err)
		}
	}

	for i := range event.Outputs {
		if err := v.ValidateDatasetRef(&event.Outputs[i]); err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
	}

	return nil
}

// ValidateDatasetRef validates that a DatasetRef carries both key components.
// The (namespace, name) pair is the dataset's identity everywhere downstream:
// the edge index, the freshness catalog, and traversal.
func (v *Validator) ValidateDatasetRef(ref *DatasetRef) error {
	if ref.Namespace == "" {
		return ErrDatasetMissingNamespace
	}

	if ref.Name == "" {
		return ErrDatasetMissingName
	}

	return nil
}
