package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/traceline-io/traceline/internal/schema"
	"github.com/traceline-io/traceline/internal/storage"
	"github.com/traceline-io/traceline/internal/transport"
)

const partitionTimeFormat = "2006-01-02"

var (
	// ErrTerminalConflict indicates an event that would record a second,
	// different terminal state for a run that already finished. The stored
	// terminal outcome wins; the conflicting event is not retriable.
	ErrTerminalConflict = errors.New("run already has a terminal state")

	// ErrRunNotFound indicates a run ID with no recorded events.
	ErrRunNotFound = errors.New("run not found")
)

// Store persists lineage events into the partitioned event log and keeps the
// run state register and dataset edge index in sync with each write.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger

	// Partition existence cache so steady-state writes skip DDL.
	partitionMu sync.Mutex
	partitions  map[string]struct{}

	// Advisory locks are session-scoped, so each held lock pins the pool
	// connection it was acquired on until its unlock.
	lockMu    sync.Mutex
	lockConns map[string]*sql.Conn
}

// NewStore creates a Store on an established database connection.
func NewStore(conn *storage.Connection, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		conn:       conn,
		logger:     logger,
		partitions: make(map[string]struct{}),
		lockConns:  make(map[string]*sql.Conn),
	}
}

// StoreBatch persists a batch of events under a single segment ID, one
// transaction per event so a bad event never poisons its neighbors. The
// returned results are positionally aligned with the input batch.
func (s *Store) StoreBatch(ctx context.Context, events []*schema.LineageEvent) []StoreResult {
	segment := uuid.NewString()
	results := make([]StoreResult, len(events))

	for i, event := range events {
		stored, duplicate, err := s.storeEvent(ctx, event, segment)
		results[i] = StoreResult{
			Event:     event,
			Stored:    stored,
			Duplicate: duplicate,
			Error:     err,
		}
	}

	return results
}

// storeEvent writes one event: event log row, run state upsert, and edge
// index rows, atomically. Returns (stored, duplicate, error).
func (s *Store) storeEvent(ctx context.Context, event *schema.LineageEvent, segment string) (bool, bool, error) {
	if event == nil {
		return false, false, schema.ErrNilEvent
	}

	if err := s.ensurePartition(ctx, event.EventTime); err != nil {
		return false, false, fmt.Errorf("failed to ensure partition: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err = s.upsertRun(ctx, tx, event); err != nil {
		return false, false, err
	}

	stored, err := s.insertEvent(ctx, tx, event, segment)
	if err != nil {
		return false, false, err
	}

	if stored {
		if err = s.insertEdges(ctx, tx, event); err != nil {
			return false, false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stored, !stored, nil
}

// insertEvent appends the event row. A conflict on the natural key means the
// exact event was seen before; the insert is skipped and duplicate reported.
func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, event *schema.LineageEvent, segment string) (bool, error) {
	payload, err := transport.EncodeEvent(event)
	if err != nil {
		return false, fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `
		INSERT INTO lineage_events
			(run_id, event_type, event_time, job_namespace, job_name,
			 producer, schema_version, payload, segment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, event_type, event_time) DO NOTHING`

	result, err := tx.ExecContext(ctx, query,
		event.Run.ID,
		string(event.EventType),
		event.EventTime,
		event.Job.Namespace,
		event.Job.Name,
		event.Producer,
		event.SchemaVersion,
		payload,
		segment,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return rows > 0, nil
}

// upsertRun advances the run state register. The current row is locked for
// the duration of the transaction so concurrent events for the same run
// serialize, and terminal states are immutable once recorded.
func (s *Store) upsertRun(ctx context.Context, tx *sql.Tx, event *schema.LineageEvent) error {
	current, found, err := s.fetchRunState(ctx, tx, event.Run.ID)
	if err != nil {
		return err
	}

	if found {
		if err = schema.ValidateStateTransition(current.CurrentState, event.EventType); err != nil {
			// Only a second, different terminal outcome conflicts. A
			// non-terminal event arriving after the terminal one is an
			// out-of-order delivery: the event row is still appended, the
			// register just never moves backwards.
			if errors.Is(err, schema.ErrTerminalStateImmutable) && event.EventType.IsTerminal() {
				return fmt.Errorf("%w: run %s is %s, rejected %s",
					ErrTerminalConflict, event.Run.ID, current.CurrentState, event.EventType)
			}

			s.logger.Debug("ignoring stale state transition",
				"run_id", event.Run.ID,
				"current_state", current.CurrentState,
				"event_type", event.EventType,
			)

			return nil
		}

		// A replayed event carrying an older eventTime must not move the
		// register backwards.
		if !event.EventTime.After(current.EventTime) && event.EventType == current.CurrentState {
			return nil
		}
	}

	var startedAt *time.Time
	if event.EventType == schema.EventTypeStart {
		t := event.EventTime
		startedAt = &t
	}

	query := `
		INSERT INTO runs
			(run_id, job_namespace, job_name, current_state, event_time, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			event_time    = EXCLUDED.event_time,
			started_at    = COALESCE(runs.started_at, EXCLUDED.started_at),
			updated_at    = NOW()`

	if _, err = tx.ExecContext(ctx, query,
		event.Run.ID,
		event.Job.Namespace,
		event.Job.Name,
		string(event.EventType),
		event.EventTime,
		startedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert run state: %w", err)
	}

	return nil
}

// fetchRunState reads the run state row with a row lock inside tx.
func (s *Store) fetchRunState(ctx context.Context, tx *sql.Tx, runID string) (RunState, bool, error) {
	query := `
		SELECT run_id, job_namespace, job_name, current_state, event_time, started_at, updated_at
		FROM runs
		WHERE run_id = $1
		FOR UPDATE`

	var (
		state     RunState
		stateStr  string
		startedAt sql.NullTime
	)

	err := tx.QueryRowContext(ctx, query, runID).Scan(
		&state.RunID,
		&state.JobNamespace,
		&state.JobName,
		&stateStr,
		&state.EventTime,
		&startedAt,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, false, nil
	}

	if err != nil {
		return RunState{}, false, fmt.Errorf("failed to fetch run state: %w", err)
	}

	state.CurrentState = schema.EventType(stateStr)
	if startedAt.Valid {
		state.StartedAt = &startedAt.Time
	}

	return state, true, nil
}

// insertEdges records the run's dataset inputs and outputs in the edge index.
func (s *Store) insertEdges(ctx context.Context, tx *sql.Tx, event *schema.LineageEvent) error {
	query := `
		INSERT INTO lineage_edges
			(run_id, dataset_urn, edge_type, dataset_namespace, dataset_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, dataset_urn, edge_type) DO NOTHING`

	insert := func(refs []schema.DatasetRef, edgeType EdgeType) error {
		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx, query,
				event.Run.ID, ref.URN(), string(edgeType), ref.Namespace, ref.Name,
			); err != nil {
				return fmt.Errorf("failed to insert %s edge for %s: %w", edgeType, ref.URN(), err)
			}
		}

		return nil
	}

	if err := insert(event.Inputs, EdgeInput); err != nil {
		return err
	}

	return insert(event.Outputs, EdgeOutput)
}

// StoreDeadLetter records an event that could not be persisted, with the
// reason and its transport coordinates, so nothing is silently discarded.
func (s *Store) StoreDeadLetter(ctx context.Context, payload []byte, reason string, partition int, offset int64) error {
	query := `
		INSERT INTO dead_letter_events (payload, reason, source_partition, source_offset)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.conn.ExecContext(ctx, query, payload, reason, partition, offset); err != nil {
		return fmt.Errorf("failed to store dead letter event: %w", err)
	}

	return nil
}

// EventsByRun returns every stored event for a run, ordered by event time.
func (s *Store) EventsByRun(ctx context.Context, runID string) ([]StoredEvent, error) {
	query := `
		SELECT run_id, event_type, event_time, job_namespace, job_name,
		       producer, schema_version, payload
		FROM lineage_events
		WHERE run_id = $1
		ORDER BY event_time ASC, event_type ASC`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by run: %w", err)
	}
	defer rows.Close()

	return scanStoredEvents(rows)
}

// EventsByJob returns events for a job within [from, to), ordered by event
// time. A zero `to` means no upper bound.
func (s *Store) EventsByJob(ctx context.Context, namespace, name string, from, to time.Time) ([]StoredEvent, error) {
	query := `
		SELECT run_id, event_type, event_time, job_namespace, job_name,
		       producer, schema_version, payload
		FROM lineage_events
		WHERE job_namespace = $1 AND job_name = $2
		  AND event_time >= $3
		  AND ($4::timestamptz IS NULL OR event_time < $4)
		ORDER BY event_time ASC`

	var upper interface{}
	if !to.IsZero() {
		upper = to
	}

	rows, err := s.conn.QueryContext(ctx, query, namespace, name, from, upper)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by job: %w", err)
	}
	defer rows.Close()

	return scanStoredEvents(rows)
}

// RunStateByID returns the run state register entry for a run.
func (s *Store) RunStateByID(ctx context.Context, runID string) (RunState, error) {
	query := `
		SELECT run_id, job_namespace, job_name, current_state, event_time, started_at, updated_at
		FROM runs
		WHERE run_id = $1`

	var (
		state     RunState
		stateStr  string
		startedAt sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, query, runID).Scan(
		&state.RunID,
		&state.JobNamespace,
		&state.JobName,
		&stateStr,
		&state.EventTime,
		&startedAt,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err != nil {
		return RunState{}, fmt.Errorf("failed to query run state: %w", err)
	}

	state.CurrentState = schema.EventType(stateStr)
	if startedAt.Valid {
		state.StartedAt = &startedAt.Time
	}

	return state, nil
}

// ProducingRuns returns the IDs of completed runs that wrote the dataset,
// newest first. This is the backward step of lineage traversal.
func (s *Store) ProducingRuns(ctx context.Context, datasetURN string) ([]string, error) {
	query := `
		SELECT e.run_id
		FROM lineage_edges e
		JOIN runs r ON r.run_id = e.run_id
		WHERE e.dataset_urn = $1
		  AND e.edge_type = 'output'
		  AND r.current_state = 'COMPLETE'
		ORDER BY r.event_time DESC`

	rows, err := s.conn.QueryContext(ctx, query, datasetURN)
	if err != nil {
		return nil, fmt.Errorf("failed to query producing runs: %w", err)
	}
	defer rows.Close()

	var runIDs []string

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}

		runIDs = append(runIDs, id)
	}

	return runIDs, rows.Err()
}

// RunInputs returns the dataset edges a run consumed.
func (s *Store) RunInputs(ctx context.Context, runID string) ([]Edge, error) {
	return s.runEdges(ctx, runID, EdgeInput)
}

// RunOutputs returns the dataset edges a run produced.
func (s *Store) RunOutputs(ctx context.Context, runID string) ([]Edge, error) {
	return s.runEdges(ctx, runID, EdgeOutput)
}

func (s *Store) runEdges(ctx context.Context, runID string, edgeType EdgeType) ([]Edge, error) {
	query := `
		SELECT run_id, dataset_urn, edge_type, dataset_namespace, dataset_name
		FROM lineage_edges
		WHERE run_id = $1 AND edge_type = $2
		ORDER BY dataset_urn ASC`

	rows, err := s.conn.QueryContext(ctx, query, runID, string(edgeType))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s edges: %w", edgeType, err)
	}
	defer rows.Close()

	var edges []Edge

	for rows.Next() {
		var (
			edge Edge
			et   string
		)

		if err = rows.Scan(&edge.RunID, &edge.URN, &et, &edge.Namespace, &edge.Name); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}

		edge.EdgeType = EdgeType(et)
		edges = append(edges, edge)
	}

	return edges, rows.Err()
}

// StaleRunningRuns returns runs still in a non-terminal state whose last
// event is older than the cutoff. Read-time classification only; the rows
// themselves are never rewritten.
func (s *Store) StaleRunningRuns(ctx context.Context, cutoff time.Time, limit int) ([]RunState, error) {
	query := `
		SELECT run_id, job_namespace, job_name, current_state, event_time, started_at, updated_at
		FROM runs
		WHERE current_state IN ('START', 'RUNNING')
		  AND event_time < $1
		ORDER BY event_time ASC
		LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", err)
	}
	defer rows.Close()

	var states []RunState

	for rows.Next() {
		var (
			state     RunState
			stateStr  string
			startedAt sql.NullTime
		)

		if err = rows.Scan(
			&state.RunID, &state.JobNamespace, &state.JobName,
			&stateStr, &state.EventTime, &startedAt, &state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stale run: %w", err)
		}

		state.CurrentState = schema.EventType(stateStr)
		if startedAt.Valid {
			state.StartedAt = &startedAt.Time
		}

		states = append(states, state)
	}

	return states, rows.Err()
}

// ensurePartition creates the monthly partition covering t if it does not
// exist yet. Creation is idempotent and cached per process.
func (s *Store) ensurePartition(ctx context.Context, t time.Time) error {
	name := PartitionName(t)

	s.partitionMu.Lock()
	_, known := s.partitions[name]
	s.partitionMu.Unlock()

	if known {
		return nil
	}

	from, to := monthBounds(t)

	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF lineage_events FOR VALUES FROM ('%s') TO ('%s')`,
		pq.QuoteIdentifier(name),
		from.Format(partitionTimeFormat),
		to.Format(partitionTimeFormat),
	)

	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	s.partitionMu.Lock()
	s.partitions[name] = struct{}{}
	s.partitionMu.Unlock()

	s.logger.Info("created event log partition", "partition", name)

	return nil
}

// PartitionName returns the partition table name covering t,
// e.g. lineage_events_y2026m08.
func PartitionName(t time.Time) string {
	t = t.UTC()

	return fmt.Sprintf("lineage_events_y%04dm%02d", t.Year(), int(t.Month()))
}

func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)

	return from, from.AddDate(0, 1, 0)
}

// Partitions lists the existing monthly partitions of the event log,
// oldest first. Partitions with unparseable names are skipped.
func (s *Store) Partitions(ctx context.Context) ([]Partition, error) {
	query := `
		SELECT inhrelid::regclass::text
		FROM pg_inherits
		WHERE inhparent = 'lineage_events'::regclass
		ORDER BY 1`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []Partition

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan partition name: %w", err)
		}

		part, ok := parsePartitionName(name)
		if !ok {
			continue
		}

		partitions = append(partitions, part)
	}

	return partitions, rows.Err()
}

func parsePartitionName(name string) (Partition, bool) {
	name = strings.TrimPrefix(name, "public.")

	var year, month int
	if _, err := fmt.Sscanf(name, "lineage_events_y%04dm%02d", &year, &month); err != nil {
		return Partition{}, false
	}

	if month < 1 || month > 12 {
		return Partition{}, false
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)

	return Partition{Name: name, From: from, To: from.AddDate(0, 1, 0)}, true
}

// MergeSmallSegments rewrites the segment IDs of undersized segments inside
// one partition into a single fresh segment. Event rows are untouched apart
// from the segment column.
func (s *Store) MergeSmallSegments(ctx context.Context, partition string, threshold int) (int64, error) {
	table := pq.QuoteIdentifier(partition)

	query := fmt.Sprintf(`
		SELECT segment
		FROM %s
		GROUP BY segment
		HAVING COUNT(*) < $1`, table)

	rows, err := s.conn.QueryContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to find small segments in %s: %w", partition, err)
	}
	defer rows.Close()

	var segments []string

	for rows.Next() {
		var seg string
		if err = rows.Scan(&seg); err != nil {
			return 0, fmt.Errorf("failed to scan segment id: %w", err)
		}

		segments = append(segments, seg)
	}

	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate segments: %w", err)
	}

	// Nothing to merge, or a single small segment that a merge would not
	// improve.
	if len(segments) < 2 {
		return 0, nil
	}

	merged := uuid.NewString()

	update := fmt.Sprintf(`UPDATE %s SET segment = $1 WHERE segment = ANY($2)`, table)

	result, err := s.conn.ExecContext(ctx, update, merged, pq.Array(segments))
	if err != nil {
		return 0, fmt.Errorf("failed to merge segments in %s: %w", partition, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read merged row count: %w", err)
	}

	s.logger.Info("merged event segments",
		"partition", partition,
		"segments", len(segments),
		"rows", affected,
	)

	return affected, nil
}

// DropPartition detaches and removes one partition, discarding its events.
func (s *Store) DropPartition(ctx context.Context, partition string) error {
	query := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(partition))

	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", partition, err)
	}

	s.logger.Info("dropped expired event log partition", "partition", partition)

	return nil
}

// TryAdvisoryLock attempts a session advisory lock scoped to the given name.
// Returns false without blocking when another holder owns it. The lock is
// taken on a dedicated connection held until AdvisoryUnlock, because the
// unlock must reach the same session or it is a silent no-op.
func (s *Store) TryAdvisoryLock(ctx context.Context, name string) (bool, error) {
	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check out lock connection for %s: %w", name, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, name,
	).Scan(&acquired); err != nil {
		_ = conn.Close()

		return false, fmt.Errorf("failed to acquire advisory lock %s: %w", name, err)
	}

	if !acquired {
		_ = conn.Close()

		return false, nil
	}

	s.lockMu.Lock()
	s.lockConns[name] = conn
	s.lockMu.Unlock()

	return true, nil
}

// AdvisoryUnlock releases an advisory lock taken by TryAdvisoryLock and
// returns its connection to the pool. Closing the connection releases the
// lock even when the unlock statement itself fails.
func (s *Store) AdvisoryUnlock(ctx context.Context, name string) error {
	s.lockMu.Lock()
	conn, held := s.lockConns[name]
	delete(s.lockConns, name)
	s.lockMu.Unlock()

	if !held {
		return fmt.Errorf("advisory lock %s is not held", name)
	}

	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name)

	if closeErr := conn.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("failed to release advisory lock %s: %w", name, err)
	}

	return nil
}

func scanStoredEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent

	for rows.Next() {
		var (
			stored  StoredEvent
			etStr   string
			payload []byte
		)

		if err := rows.Scan(
			&stored.RunID, &etStr, &stored.EventTime,
			&stored.JobNamespace, &stored.JobName,
			&stored.Producer, &stored.SchemaVersion, &payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		stored.EventType = schema.EventType(etStr)

		event, err := transport.DecodeEvent(payload)
		if err != nil {
			// A stored payload failing to decode points at a schema
			// migration gap; surface it instead of dropping the row.
			return nil, fmt.Errorf("failed to decode stored payload for run %s: %w", stored.RunID, err)
		}

		stored.Event = event
		events = append(events, stored)
	}

	return events, rows.Err()
}
