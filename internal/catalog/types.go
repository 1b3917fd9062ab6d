// Package catalog maintains the dataset freshness catalog: one mutable
// profile row per dataset, kept current by a transport sink that folds in
// COMPLETE run events with last-writer-wins semantics by event time.
package catalog

import (
	"time"

	"github.com/traceline-io/traceline/internal/schema"
)

// DatasetProfile is the current snapshot for one dataset.
type DatasetProfile struct {
	Namespace string
	Name      string

	// LastLoadTime is the event time of the newest COMPLETE run that
	// produced this dataset.
	LastLoadTime time.Time

	// LastModifiedTime is when the dataset's content last changed, as
	// reported by the producer's timing facet, falling back to the event
	// time when no facet is present.
	LastModifiedTime time.Time

	// LastEventTime orders concurrent writers; only newer events may
	// overwrite profile fields.
	LastEventTime time.Time

	RowCount  *int64
	SizeBytes *int64

	SchemaFields []schema.SchemaField

	QualityScore *float64
	TestPassRate *float64

	GDPRCategory string
	Residency    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// URN returns the dataset's canonical identifier.
func (p *DatasetProfile) URN() string {
	return schema.DatasetURN(p.Namespace, p.Name)
}
