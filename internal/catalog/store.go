package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/traceline-io/traceline/internal/schema"
	"github.com/traceline-io/traceline/internal/storage"
)

// ErrProfileNotFound indicates a dataset with no catalog entry.
var ErrProfileNotFound = errors.New("dataset profile not found")

// Store reads and writes dataset profile rows.
type Store struct {
	conn *storage.Connection
}

// NewStore creates a Store on an established database connection.
func NewStore(conn *storage.Connection) *Store {
	return &Store{conn: conn}
}

// UpsertProfile folds a profile update into the catalog. Field updates only
// apply when the incoming event time is not older than the stored one, so
// replays and out-of-order deliveries cannot roll the profile backwards.
// Nil or empty incoming fields never erase stored values.
func (s *Store) UpsertProfile(ctx context.Context, profile *DatasetProfile) error {
	schemaJSON, err := marshalSchemaFields(profile.SchemaFields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO dataset_profiles
			(namespace, name, last_load_time, last_modified_time, last_event_time,
			 row_count, size_bytes, schema_fields,
			 quality_score, test_pass_rate, gdpr_category, residency,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (namespace, name) DO UPDATE SET
			last_load_time = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN EXCLUDED.last_load_time
				ELSE dataset_profiles.last_load_time END,
			last_modified_time = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN EXCLUDED.last_modified_time
				ELSE dataset_profiles.last_modified_time END,
			row_count = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(EXCLUDED.row_count, dataset_profiles.row_count)
				ELSE dataset_profiles.row_count END,
			size_bytes = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(EXCLUDED.size_bytes, dataset_profiles.size_bytes)
				ELSE dataset_profiles.size_bytes END,
			schema_fields = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(EXCLUDED.schema_fields, dataset_profiles.schema_fields)
				ELSE dataset_profiles.schema_fields END,
			quality_score = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(EXCLUDED.quality_score, dataset_profiles.quality_score)
				ELSE dataset_profiles.quality_score END,
			test_pass_rate = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(EXCLUDED.test_pass_rate, dataset_profiles.test_pass_rate)
				ELSE dataset_profiles.test_pass_rate END,
			gdpr_category = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(NULLIF(EXCLUDED.gdpr_category, ''), dataset_profiles.gdpr_category)
				ELSE dataset_profiles.gdpr_category END,
			residency = CASE
				WHEN EXCLUDED.last_event_time >= dataset_profiles.last_event_time
				THEN COALESCE(NULLIF(EXCLUDED.residency, ''), dataset_profiles.residency)
				ELSE dataset_profiles.residency END,
			last_event_time = GREATEST(EXCLUDED.last_event_time, dataset_profiles.last_event_time),
			updated_at = NOW()`

	if _, err = s.conn.ExecContext(ctx, query,
		profile.Namespace,
		profile.Name,
		profile.LastLoadTime,
		profile.LastModifiedTime,
		profile.LastEventTime,
		profile.RowCount,
		profile.SizeBytes,
		schemaJSON,
		profile.QualityScore,
		profile.TestPassRate,
		profile.GDPRCategory,
		profile.Residency,
	); err != nil {
		return fmt.Errorf("failed to upsert profile for %s: %w", profile.URN(), err)
	}

	return nil
}

// GetProfile returns the current profile for one dataset.
func (s *Store) GetProfile(ctx context.Context, namespace, name string) (*DatasetProfile, error) {
	query := selectProfileColumns + `
		FROM dataset_profiles
		WHERE namespace = $1 AND name = $2`

	profile, err := scanProfile(s.conn.QueryRowContext(ctx, query, namespace, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, schema.DatasetURN(namespace, name))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	return profile, nil
}

// ListProfilesSince returns profiles updated at or after since, most
// recently updated first.
func (s *Store) ListProfilesSince(ctx context.Context, since time.Time, limit int) ([]*DatasetProfile, error) {
	query := selectProfileColumns + `
		FROM dataset_profiles
		WHERE updated_at >= $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*DatasetProfile

	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}

		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}

const selectProfileColumns = `
		SELECT namespace, name, last_load_time, last_modified_time, last_event_time,
		       row_count, size_bytes, schema_fields,
		       quality_score, test_pass_rate, gdpr_category, residency,
		       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*DatasetProfile, error) {
	var (
		profile      DatasetProfile
		rowCount     sql.NullInt64
		sizeBytes    sql.NullInt64
		schemaJSON   []byte
		qualityScore sql.NullFloat64
		testPassRate sql.NullFloat64
		gdprCategory sql.NullString
		residency    sql.NullString
	)

	if err := row.Scan(
		&profile.Namespace,
		&profile.Name,
		&profile.LastLoadTime,
		&profile.LastModifiedTime,
		&profile.LastEventTime,
		&rowCount,
		&sizeBytes,
		&schemaJSON,
		&qualityScore,
		&testPassRate,
		&gdprCategory,
		&residency,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if rowCount.Valid {
		profile.RowCount = &rowCount.Int64
	}

	if sizeBytes.Valid {
		profile.SizeBytes = &sizeBytes.Int64
	}

	if qualityScore.Valid {
		profile.QualityScore = &qualityScore.Float64
	}

	if testPassRate.Valid {
		profile.TestPassRate = &testPassRate.Float64
	}

	profile.GDPRCategory = gdprCategory.String
	profile.Residency = residency.String

	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &profile.SchemaFields); err != nil {
			return nil, fmt.Errorf("failed to decode schema fields: %w", err)
		}
	}

	return &profile, nil
}

func marshalSchemaFields(fields []schema.SchemaField) ([]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema fields: %w", err)
	}

	return data, nil
}
