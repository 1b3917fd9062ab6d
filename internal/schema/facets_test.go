package schema

import (
	"testing"
	"time"
)

func TestDecodeSchemaFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetSchema: map[string]interface{}{
			"fields": []interface{}{
				map[string]interface{}{"name": "order_id", "type": "bigint", "nullable": false},
				map[string]interface{}{"name": "amount", "type": "numeric", "nullable": true},
				map[string]interface{}{"type": "ignored, no name"},
				"not a map",
			},
		},
	}

	facet, ok := DecodeSchemaFacet(facets)
	if !ok {
		t.Fatal("expected schema facet to decode")
	}

	if len(facet.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(facet.Fields))
	}

	if facet.Fields[0].Name != "order_id" || facet.Fields[0].Type != "bigint" || facet.Fields[0].Nullable {
		t.Errorf("unexpected first field: %+v", facet.Fields[0])
	}

	if facet.Fields[1].Name != "amount" || !facet.Fields[1].Nullable {
		t.Errorf("unexpected second field: %+v", facet.Fields[1])
	}
}

func TestDecodeSchemaFacetAbsentOrMalformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		facets FacetBag
	}{
		{name: "nil bag", facets: nil},
		{name: "missing facet", facets: FacetBag{FacetStats: map[string]interface{}{}}},
		{name: "payload not a map", facets: FacetBag{FacetSchema: "oops"}},
		{name: "fields not a list", facets: FacetBag{FacetSchema: map[string]interface{}{"fields": "oops"}}},
		{name: "no usable fields", facets: FacetBag{FacetSchema: map[string]interface{}{"fields": []interface{}{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := DecodeSchemaFacet(tt.facets); ok {
				t.Error("expected decode to report absence")
			}
		})
	}
}

func TestDecodeStatsFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// JSON decoding hands numbers over as float64.
	facets := FacetBag{
		FacetStats: map[string]interface{}{
			"rowCount":  float64(120000),
			"sizeBytes": int64(52428800),
		},
	}

	facet, ok := DecodeStatsFacet(facets)
	if !ok {
		t.Fatal("expected stats facet to decode")
	}

	if facet.RowCount == nil || *facet.RowCount != 120000 {
		t.Errorf("unexpected row count: %v", facet.RowCount)
	}

	if facet.SizeBytes == nil || *facet.SizeBytes != 52428800 {
		t.Errorf("unexpected size: %v", facet.SizeBytes)
	}
}

func TestDecodeStatsFacetPartial(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetStats: map[string]interface{}{
			"rowCount":  float64(42),
			"sizeBytes": "not a number",
		},
	}

	facet, ok := DecodeStatsFacet(facets)
	if !ok {
		t.Fatal("expected stats facet to decode")
	}

	if facet.RowCount == nil || *facet.RowCount != 42 {
		t.Errorf("unexpected row count: %v", facet.RowCount)
	}

	if facet.SizeBytes != nil {
		t.Errorf("expected absent size, got %v", *facet.SizeBytes)
	}
}

func TestDecodeErrorFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetError: map[string]interface{}{
			"message":    "division by zero",
			"stackTrace": "frame 1\nframe 2",
		},
	}

	facet, ok := DecodeErrorFacet(facets)
	if !ok {
		t.Fatal("expected error facet to decode")
	}

	if facet.Message != "division by zero" {
		t.Errorf("unexpected message: %q", facet.Message)
	}

	if facet.StackTrace != "frame 1\nframe 2" {
		t.Errorf("unexpected stack trace: %q", facet.StackTrace)
	}
}

func TestDecodeErrorFacetRequiresMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetError: map[string]interface{}{"stackTrace": "frame 1"},
	}

	if _, ok := DecodeErrorFacet(facets); ok {
		t.Error("expected decode to fail without a message")
	}
}

func TestDecodeDataQualityFacetClampsScores(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		score    interface{}
		expected float64
	}{
		{name: "in range", score: 0.97, expected: 0.97},
		{name: "above one", score: 1.5, expected: 1},
		{name: "negative", score: -0.2, expected: 0},
		{name: "integer", score: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facets := FacetBag{
				FacetDataQuality: map[string]interface{}{"qualityScore": tt.score},
			}

			facet, ok := DecodeDataQualityFacet(facets)
			if !ok {
				t.Fatal("expected data quality facet to decode")
			}

			if facet.QualityScore == nil || *facet.QualityScore != tt.expected {
				t.Errorf("unexpected quality score: %v", facet.QualityScore)
			}

			if facet.TestPassRate != nil {
				t.Errorf("expected absent pass rate, got %v", *facet.TestPassRate)
			}
		})
	}
}

func TestDecodeGovernanceFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetGovernance: map[string]interface{}{
			"gdprCategory": "personal",
			"residency":    "eu-west-1",
		},
	}

	facet, ok := DecodeGovernanceFacet(facets)
	if !ok {
		t.Fatal("expected governance facet to decode")
	}

	if facet.GDPRCategory != "personal" || facet.Residency != "eu-west-1" {
		t.Errorf("unexpected governance facet: %+v", facet)
	}
}

func TestDecodeGovernanceFacetEmpty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetGovernance: map[string]interface{}{"gdprCategory": "", "residency": ""},
	}

	if _, ok := DecodeGovernanceFacet(facets); ok {
		t.Error("expected decode to report absence for empty fields")
	}
}

func TestDecodeTimingFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetTiming: map[string]interface{}{
			"startedAt": "2026-03-14T09:00:00Z",
			"endedAt":   "2026-03-14T09:30:00.5Z",
		},
	}

	facet, ok := DecodeTimingFacet(facets)
	if !ok {
		t.Fatal("expected timing facet to decode")
	}

	wantStart := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if facet.StartedAt == nil || !facet.StartedAt.Equal(wantStart) {
		t.Errorf("unexpected start: %v", facet.StartedAt)
	}

	wantEnd := time.Date(2026, 3, 14, 9, 30, 0, 500000000, time.UTC)
	if facet.EndedAt == nil || !facet.EndedAt.Equal(wantEnd) {
		t.Errorf("unexpected end: %v", facet.EndedAt)
	}
}

func TestDecodeTimingFacetUnparseableTimestamps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetTiming: map[string]interface{}{
			"startedAt": "yesterday",
			"endedAt":   "2026-03-14T09:30:00Z",
		},
	}

	facet, ok := DecodeTimingFacet(facets)
	if !ok {
		t.Fatal("expected timing facet to decode")
	}

	if facet.StartedAt != nil {
		t.Errorf("expected unparseable start to be absent, got %v", *facet.StartedAt)
	}

	if facet.EndedAt == nil {
		t.Error("expected end to decode")
	}

	if _, ok := DecodeTimingFacet(FacetBag{
		FacetTiming: map[string]interface{}{"startedAt": "yesterday"},
	}); ok {
		t.Error("expected decode to report absence when nothing parses")
	}
}

func TestDecodeColumnLineageFacet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	facets := FacetBag{
		FacetColumnLineage: map[string]interface{}{
			"fields": map[string]interface{}{
				"total": map[string]interface{}{
					"inputFields": []interface{}{
						map[string]interface{}{"namespace": "postgres://warehouse", "name": "public.line_items", "field": "amount"},
						map[string]interface{}{"namespace": "postgres://warehouse", "name": "public.line_items", "field": "quantity"},
					},
				},
				"customer_id": map[string]interface{}{
					"inputFields": []interface{}{
						map[string]interface{}{"namespace": "postgres://warehouse", "name": "public.orders", "field": "customer_id"},
					},
				},
				"derived": map[string]interface{}{
					"inputFields": []interface{}{
						map[string]interface{}{"namespace": "", "name": "incomplete", "field": "x"},
					},
				},
			},
		},
	}

	facet, ok := DecodeColumnLineageFacet(facets)
	if !ok {
		t.Fatal("expected column lineage facet to decode")
	}

	// Sorted by output column; "derived" has no usable sources and is skipped.
	if len(facet.Mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(facet.Mappings))
	}

	if facet.Mappings[0].OutputColumn != "customer_id" || facet.Mappings[1].OutputColumn != "total" {
		t.Errorf("unexpected mapping order: %q, %q",
			facet.Mappings[0].OutputColumn, facet.Mappings[1].OutputColumn)
	}

	if len(facet.Mappings[1].Sources) != 2 {
		t.Fatalf("expected 2 sources for total, got %d", len(facet.Mappings[1].Sources))
	}

	if facet.Mappings[1].Sources[0].Field != "amount" {
		t.Errorf("unexpected source: %+v", facet.Mappings[1].Sources[0])
	}
}

func TestDecodeColumnLineageFacetMalformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		facets FacetBag
	}{
		{name: "nil bag", facets: nil},
		{name: "payload not a map", facets: FacetBag{FacetColumnLineage: "oops"}},
		{name: "fields not a map", facets: FacetBag{FacetColumnLineage: map[string]interface{}{"fields": "oops"}}},
		{name: "no usable mappings", facets: FacetBag{FacetColumnLineage: map[string]interface{}{
			"fields": map[string]interface{}{"total": "oops"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := DecodeColumnLineageFacet(tt.facets); ok {
				t.Error("expected decode to report absence")
			}
		})
	}
}
