package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/traceline-io/traceline/internal/schema"
)

func sampleEvent() *schema.LineageEvent {
	return &schema.LineageEvent{
		EventType: schema.EventTypeComplete,
		EventTime: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Run: schema.Run{
			ID:     "0194f9a2-7c3e-7000-8000-5b6a12c90de4",
			Facets: schema.FacetBag{"nominalTime": map[string]interface{}{"nominalStartTime": "2026-03-14T00:00:00Z"}},
		},
		Job: schema.Job{
			Namespace: "airflow://prod",
			Name:      "orders_daily",
			Facets:    schema.FacetBag{},
		},
		Inputs: []schema.DatasetRef{
			{Namespace: "postgres://warehouse", Name: "public.raw_orders", Facets: schema.FacetBag{}},
		},
		Outputs: []schema.DatasetRef{
			{
				Namespace: "postgres://warehouse",
				Name:      "public.orders",
				Facets: schema.FacetBag{
					schema.FacetStats: map[string]interface{}{"rowCount": float64(1200)},
				},
			},
		},
		Producer:      "https://github.com/traceline-io/traceline-airflow/tree/0.4.1",
		SchemaVersion: schema.SchemaVersion,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	original := sampleEvent()

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.EventType != original.EventType {
		t.Errorf("event type changed: %s", decoded.EventType)
	}

	if !decoded.EventTime.Equal(original.EventTime) {
		t.Errorf("event time changed: %s", decoded.EventTime)
	}

	if decoded.Run.ID != original.Run.ID {
		t.Errorf("run ID changed: %s", decoded.Run.ID)
	}

	if decoded.Job.Namespace != original.Job.Namespace || decoded.Job.Name != original.Job.Name {
		t.Errorf("job identity changed: %s/%s", decoded.Job.Namespace, decoded.Job.Name)
	}

	if decoded.Producer != original.Producer || decoded.SchemaVersion != original.SchemaVersion {
		t.Errorf("provenance changed: %s %s", decoded.Producer, decoded.SchemaVersion)
	}

	if len(decoded.Inputs) != 1 || decoded.Inputs[0].Name != "public.raw_orders" {
		t.Errorf("inputs changed: %+v", decoded.Inputs)
	}

	if len(decoded.Outputs) != 1 || decoded.Outputs[0].Name != "public.orders" {
		t.Errorf("outputs changed: %+v", decoded.Outputs)
	}

	stats, ok := schema.DecodeStatsFacet(decoded.Outputs[0].Facets)
	if !ok || stats.RowCount == nil || *stats.RowCount != 1200 {
		t.Errorf("stats facet did not survive the round trip: %+v", stats)
	}
}

func TestEncodeEventWireFieldNames(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data, err := EncodeEvent(sampleEvent())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("encoded payload is not valid JSON: %v", err)
	}

	for _, key := range []string{"eventType", "eventTime", "run", "job", "inputs", "outputs", "producer", "schemaVersion"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("missing wire field %q", key)
		}
	}

	run, ok := wire["run"].(map[string]interface{})
	if !ok {
		t.Fatal("run is not an object")
	}

	if _, ok := run["runId"]; !ok {
		t.Error("missing run.runId wire field")
	}
}

func TestDecodeEventNormalizesNilCollections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := []byte(`{
		"eventType": "START",
		"eventTime": "2026-03-14T09:00:00Z",
		"run": {"runId": "0194f9a2-7c3e-7000-8000-5b6a12c90de4"},
		"job": {"namespace": "airflow://prod", "name": "orders_daily"},
		"producer": "https://github.com/traceline-io/traceline-airflow/tree/0.4.1",
		"schemaVersion": "1.0"
	}`)

	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if event.Inputs == nil || event.Outputs == nil {
		t.Error("expected non-nil dataset slices")
	}

	if event.Run.Facets == nil || event.Job.Facets == nil {
		t.Error("expected non-nil facet bags")
	}
}

func TestDecodeEventInvalidJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := DecodeEvent([]byte("{not json")); err == nil {
		t.Error("expected decode error for malformed payload")
	}
}

func TestDecodeEventPreservesUnknownFacets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	original := sampleEvent()
	original.Run.Facets["customVendorFacet"] = map[string]interface{}{"key": "value"}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	custom, ok := decoded.Run.Facets["customVendorFacet"].(map[string]interface{})
	if !ok || custom["key"] != "value" {
		t.Errorf("unknown facet did not survive: %+v", decoded.Run.Facets)
	}
}
