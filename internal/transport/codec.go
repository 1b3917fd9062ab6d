package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/traceline-io/traceline/internal/schema"
)

type (
	// wireEvent is the JSON wire representation of a lineage event.
	// This is separate from the domain model (schema.LineageEvent) to keep
	// the wire contract stable independently of internal types.
	wireEvent struct {
		EventType     string        `json:"eventType"`
		EventTime     time.Time     `json:"eventTime"`
		Run           wireRun       `json:"run"`
		Job           wireJob       `json:"job"`
		Inputs        []wireDataset `json:"inputs"`
		Outputs       []wireDataset `json:"outputs"`
		Producer      string        `json:"producer"`
		SchemaVersion string        `json:"schemaVersion"`
	}

	wireRun struct {
		RunID  string                 `json:"runId"`
		Facets map[string]interface{} `json:"facets,omitempty"`
	}

	wireJob struct {
		Namespace string                 `json:"namespace"`
		Name      string                 `json:"name"`
		Facets    map[string]interface{} `json:"facets,omitempty"`
	}

	wireDataset struct {
		Namespace string                 `json:"namespace"`
		Name      string                 `json:"name"`
		Facets    map[string]interface{} `json:"facets,omitempty"`
	}
)

// EncodeEvent serializes a lineage event into its wire representation.
func EncodeEvent(event *schema.LineageEvent) ([]byte, error) {
	wire := wireEvent{
		EventType:     string(event.EventType),
		EventTime:     event.EventTime.UTC(),
		Run:           wireRun{RunID: event.Run.ID, Facets: event.Run.Facets},
		Job:           wireJob{Namespace: event.Job.Namespace, Name: event.Job.Name, Facets: event.Job.Facets},
		Inputs:        toWireDatasets(event.Inputs),
		Outputs:       toWireDatasets(event.Outputs),
		Producer:      event.Producer,
		SchemaVersion: event.SchemaVersion,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lineage event: %w", err)
	}

	return data, nil
}

// DecodeEvent deserializes a wire message into the domain model.
//
// Unknown facet entries survive the round trip untouched; Inputs/Outputs are
// normalized to non-nil slices because the storage layer iterates them.
func DecodeEvent(data []byte) (*schema.LineageEvent, error) {
	var wire wireEvent

	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode lineage event: %w", err)
	}

	return &schema.LineageEvent{
		EventType:     schema.EventType(wire.EventType),
		EventTime:     wire.EventTime,
		Run:           schema.Run{ID: wire.Run.RunID, Facets: normalizeFacets(wire.Run.Facets)},
		Job:           schema.Job{Namespace: wire.Job.Namespace, Name: wire.Job.Name, Facets: normalizeFacets(wire.Job.Facets)},
		Inputs:        fromWireDatasets(wire.Inputs),
		Outputs:       fromWireDatasets(wire.Outputs),
		Producer:      wire.Producer,
		SchemaVersion: wire.SchemaVersion,
	}, nil
}

func toWireDatasets(refs []schema.DatasetRef) []wireDataset {
	wire := make([]wireDataset, len(refs))

	for i, ref := range refs {
		wire[i] = wireDataset{Namespace: ref.Namespace, Name: ref.Name, Facets: ref.Facets}
	}

	return wire
}

func fromWireDatasets(wire []wireDataset) []schema.DatasetRef {
	refs := make([]schema.DatasetRef, len(wire))

	for i, ds := range wire {
		refs[i] = schema.DatasetRef{Namespace: ds.Namespace, Name: ds.Name, Facets: normalizeFacets(ds.Facets)}
	}

	return refs
}

func normalizeFacets(facets map[string]interface{}) schema.FacetBag {
	if facets == nil {
		return schema.FacetBag{}
	}

	return facets
}
