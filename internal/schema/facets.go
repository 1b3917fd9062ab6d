package schema

import (
	"sort"
	"time"
)

// Well-known facet names. Payloads under these keys have typed decode
// helpers; anything else in a FacetBag is passed through untouched.
const (
	// FacetSchema carries the dataset's field list.
	FacetSchema = "schema"

	// FacetStats carries row/byte output statistics.
	FacetStats = "stats"

	// FacetTiming carries run timing information.
	FacetTiming = "timing"

	// FacetError carries the failure message and stack trace on FAIL events.
	FacetError = "error"

	// FacetColumnLineage maps output columns to their source columns.
	FacetColumnLineage = "columnLineage"

	// FacetDataQuality carries aggregate quality signals for a dataset.
	FacetDataQuality = "dataQuality"

	// FacetGovernance carries governance tags for a dataset.
	FacetGovernance = "governance"
)

type (
	// SchemaField describes one field of a dataset schema facet.
	SchemaField struct {
		Name     string
		Type     string
		Nullable bool
	}

	// SchemaFacet is the typed shape of the "schema" facet.
	SchemaFacet struct {
		Fields []SchemaField
	}

	// StatsFacet is the typed shape of the "stats" facet.
	// Row count and size are pointers: absent means unknown, not zero.
	StatsFacet struct {
		RowCount  *int64
		SizeBytes *int64
	}

	// ErrorFacet is the typed shape of the "error" facet.
	ErrorFacet struct {
		Message    string
		StackTrace string
	}

	// DataQualityFacet is the typed shape of the "dataQuality" facet.
	// Scores are fractions in [0,1]; absent means not measured.
	DataQualityFacet struct {
		QualityScore *float64
		TestPassRate *float64
	}

	// GovernanceFacet is the typed shape of the "governance" facet.
	GovernanceFacet struct {
		GDPRCategory string
		Residency    string
	}

	// TimingFacet is the typed shape of the "timing" facet.
	// Times are pointers: absent means not reported.
	TimingFacet struct {
		StartedAt *time.Time
		EndedAt   *time.Time
	}

	// ColumnSource identifies one input column feeding an output column.
	ColumnSource struct {
		Namespace string
		Name      string
		Field     string
	}

	// ColumnMapping lists the input columns one output column derives from.
	ColumnMapping struct {
		OutputColumn string
		Sources      []ColumnSource
	}

	// ColumnLineageFacet is the typed shape of the "columnLineage" facet.
	// Mappings are sorted by output column for stable iteration.
	ColumnLineageFacet struct {
		Mappings []ColumnMapping
	}
)

// DecodeSchemaFacet extracts the typed schema facet from a FacetBag.
// Returns (zero, false) when the facet is absent or malformed; malformed
// well-known facets are treated the same as unknown ones, never rejected.
func DecodeSchemaFacet(facets FacetBag) (SchemaFacet, bool) {
	raw, ok := facetMap(facets, FacetSchema)
	if !ok {
		return SchemaFacet{}, false
	}

	fieldsRaw, ok := raw["fields"].([]interface{})
	if !ok {
		return SchemaFacet{}, false
	}

	facet := SchemaFacet{Fields: make([]SchemaField, 0, len(fieldsRaw))}

	for _, fieldRaw := range fieldsRaw {
		field, ok := fieldRaw.(map[string]interface{})
		if !ok {
			continue
		}

		name, _ := field["name"].(string)
		if name == "" {
			continue
		}

		typ, _ := field["type"].(string)
		nullable, _ := field["nullable"].(bool)

		facet.Fields = append(facet.Fields, SchemaField{
			Name:     name,
			Type:     typ,
			Nullable: nullable,
		})
	}

	return facet, len(facet.Fields) > 0
}

// DecodeStatsFacet extracts the typed stats facet from a FacetBag.
func DecodeStatsFacet(facets FacetBag) (StatsFacet, bool) {
	raw, ok := facetMap(facets, FacetStats)
	if !ok {
		return StatsFacet{}, false
	}

	var facet StatsFacet

	if v, ok := facetInt64(raw, "rowCount"); ok {
		facet.RowCount = &v
	}

	if v, ok := facetInt64(raw, "sizeBytes"); ok {
		facet.SizeBytes = &v
	}

	return facet, facet.RowCount != nil || facet.SizeBytes != nil
}

// DecodeErrorFacet extracts the typed error facet from a FacetBag.
func DecodeErrorFacet(facets FacetBag) (ErrorFacet, bool) {
	raw, ok := facetMap(facets, FacetError)
	if !ok {
		return ErrorFacet{}, false
	}

	message, _ := raw["message"].(string)
	if message == "" {
		return ErrorFacet{}, false
	}

	stackTrace, _ := raw["stackTrace"].(string)

	return ErrorFacet{Message: message, StackTrace: stackTrace}, true
}

// DecodeDataQualityFacet extracts the typed data quality facet from a FacetBag.
// Scores outside [0,1] are clamped rather than rejected.
func DecodeDataQualityFacet(facets FacetBag) (DataQualityFacet, bool) {
	raw, ok := facetMap(facets, FacetDataQuality)
	if !ok {
		return DataQualityFacet{}, false
	}

	var facet DataQualityFacet

	if v, ok := facetFloat64(raw, "qualityScore"); ok {
		v = clampFraction(v)
		facet.QualityScore = &v
	}

	if v, ok := facetFloat64(raw, "testPassRate"); ok {
		v = clampFraction(v)
		facet.TestPassRate = &v
	}

	return facet, facet.QualityScore != nil || facet.TestPassRate != nil
}

// DecodeGovernanceFacet extracts the typed governance facet from a FacetBag.
func DecodeGovernanceFacet(facets FacetBag) (GovernanceFacet, bool) {
	raw, ok := facetMap(facets, FacetGovernance)
	if !ok {
		return GovernanceFacet{}, false
	}

	gdprCategory, _ := raw["gdprCategory"].(string)
	residency, _ := raw["residency"].(string)

	if gdprCategory == "" && residency == "" {
		return GovernanceFacet{}, false
	}

	return GovernanceFacet{GDPRCategory: gdprCategory, Residency: residency}, true
}

// DecodeTimingFacet extracts the typed timing facet from a FacetBag.
// Timestamps are RFC 3339 strings; unparseable values are treated as absent.
func DecodeTimingFacet(facets FacetBag) (TimingFacet, bool) {
	raw, ok := facetMap(facets, FacetTiming)
	if !ok {
		return TimingFacet{}, false
	}

	var facet TimingFacet

	if v, ok := facetTime(raw, "startedAt"); ok {
		facet.StartedAt = &v
	}

	if v, ok := facetTime(raw, "endedAt"); ok {
		facet.EndedAt = &v
	}

	return facet, facet.StartedAt != nil || facet.EndedAt != nil
}

// DecodeColumnLineageFacet extracts the typed column lineage facet from a
// FacetBag. The wire shape maps each output column to its input fields:
//
//	{"fields": {"total": {"inputFields": [{"namespace": ..., "name": ..., "field": ...}]}}}
func DecodeColumnLineageFacet(facets FacetBag) (ColumnLineageFacet, bool) {
	raw, ok := facetMap(facets, FacetColumnLineage)
	if !ok {
		return ColumnLineageFacet{}, false
	}

	fieldsRaw, ok := raw["fields"].(map[string]interface{})
	if !ok {
		return ColumnLineageFacet{}, false
	}

	facet := ColumnLineageFacet{Mappings: make([]ColumnMapping, 0, len(fieldsRaw))}

	for column, mappingRaw := range fieldsRaw {
		mapping, ok := mappingRaw.(map[string]interface{})
		if !ok {
			continue
		}

		inputsRaw, ok := mapping["inputFields"].([]interface{})
		if !ok {
			continue
		}

		sources := make([]ColumnSource, 0, len(inputsRaw))

		for _, inputRaw := range inputsRaw {
			input, ok := inputRaw.(map[string]interface{})
			if !ok {
				continue
			}

			namespace, _ := input["namespace"].(string)
			name, _ := input["name"].(string)
			field, _ := input["field"].(string)

			if namespace == "" || name == "" || field == "" {
				continue
			}

			sources = append(sources, ColumnSource{
				Namespace: namespace,
				Name:      name,
				Field:     field,
			})
		}

		if len(sources) == 0 {
			continue
		}

		facet.Mappings = append(facet.Mappings, ColumnMapping{
			OutputColumn: column,
			Sources:      sources,
		})
	}

	sort.Slice(facet.Mappings, func(i, j int) bool {
		return facet.Mappings[i].OutputColumn < facet.Mappings[j].OutputColumn
	})

	return facet, len(facet.Mappings) > 0
}

// facetMap looks up a facet payload as a map.
func facetMap(facets FacetBag, name string) (map[string]interface{}, bool) {
	if facets == nil {
		return nil, false
	}

	raw, ok := facets[name]
	if !ok {
		return nil, false
	}

	m, ok := raw.(map[string]interface{})

	return m, ok
}

// facetInt64 reads an integer facet field tolerating the numeric types JSON
// decoding produces (float64) alongside native ints.
func facetInt64(raw map[string]interface{}, key string) (int64, bool) {
	switch v := raw[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func facetFloat64(raw map[string]interface{}, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func facetTime(raw map[string]interface{}, key string) (time.Time, bool) {
	s, ok := raw[key].(string)
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
