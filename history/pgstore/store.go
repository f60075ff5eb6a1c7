// Package pgstore provides a PostgreSQL-based history store implementation.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/status"
)

// Schema creates the history table. Hosts that manage their own migrations
// can embed this statement; CreateSchema applies it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS durable_events (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	type TEXT NOT NULL,
	name TEXT,
	task_id BIGINT NOT NULL DEFAULT 0,
	data JSONB,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT durable_events_instance_sequence UNIQUE (instance_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_durable_events_instance_id ON durable_events (instance_id, sequence);
`

// CreateSchema applies the history table schema.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// Store implements history.Store with PostgreSQL. It also provides
// transactional variants so hosts can append history atomically with their
// own writes (such as job inserts).
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL history store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append adds a single event to the store.
func (s *Store) Append(ctx context.Context, e history.Event) error {
	return s.AppendBatch(ctx, []history.Event{e})
}

// AppendBatch adds multiple events atomically.
func (s *Store) AppendBatch(ctx context.Context, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendBatchInTx(ctx, tx, events); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AppendBatchTx adds events within the given pgx transaction, so history
// writes commit atomically with the caller's other writes.
func (s *Store) AppendBatchTx(ctx context.Context, tx pgx.Tx, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.appendBatchInTx(ctx, tx, events)
}

func (s *Store) appendBatchInTx(ctx context.Context, tx pgx.Tx, events []history.Event) error {
	// Group events by instance to validate sequences.
	byInstance := make(map[string][]history.Event)
	for _, e := range events {
		byInstance[e.InstanceID] = append(byInstance[e.InstanceID], e)
	}

	for instanceID, instanceEvents := range byInstance {
		// Advisory lock serializes concurrent appends for the same
		// instance without FOR UPDATE on an aggregate.
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		var lastSeq int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence), 0)
			FROM durable_events
			WHERE instance_id = $1
		`, instanceID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("get last sequence: %w", err)
		}

		expectedSeq := lastSeq + 1
		for _, e := range instanceEvents {
			if e.Sequence != expectedSeq {
				return &history.SequenceConflictError{
					InstanceID: instanceID,
					Expected:   expectedSeq,
					Actual:     e.Sequence,
				}
			}
			expectedSeq++
		}
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO durable_events (id, instance_id, sequence, version, type, name, task_id, data, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.InstanceID, e.Sequence, e.Version, string(e.Type), e.Name, e.TaskID, e.Data, e.Metadata, e.Timestamp)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return history.ErrDuplicateEvent
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return nil
}

// Load retrieves all events for an instance, ordered by sequence.
func (s *Store) Load(ctx context.Context, instanceID string) ([]history.Event, error) {
	return s.loadEvents(ctx, s.pool, instanceID, 0)
}

// LoadTx loads an instance's events within the given pgx transaction.
func (s *Store) LoadTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]history.Event, error) {
	return s.loadEvents(ctx, tx, instanceID, 0)
}

// LoadSince retrieves events with sequence > afterSequence, ordered by
// sequence.
func (s *Store) LoadSince(ctx context.Context, instanceID string, afterSequence int64) ([]history.Event, error) {
	return s.loadEvents(ctx, s.pool, instanceID, afterSequence)
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) loadEvents(ctx context.Context, q querier, instanceID string, afterSequence int64) ([]history.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, instance_id, sequence, version, type, name, task_id, data, metadata, timestamp
		FROM durable_events
		WHERE instance_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, instanceID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []history.Event
	for rows.Next() {
		var e history.Event
		var eventType string
		var name *string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Sequence, &e.Version, &eventType, &name, &e.TaskID, &e.Data, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = history.EventType(eventType)
		if name != nil {
			e.Name = *name
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// GetLastSequence returns the highest sequence number for an instance.
func (s *Store) GetLastSequence(ctx context.Context, instanceID string) (int64, error) {
	var lastSeq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM durable_events
		WHERE instance_id = $1
	`, instanceID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

// GetLastSequenceTx returns the highest sequence number for an instance
// within the given pgx transaction, serialized against concurrent appends.
func (s *Store) GetLastSequenceTx(ctx context.Context, tx pgx.Tx, instanceID string) (int64, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}
	var lastSeq int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM durable_events
		WHERE instance_id = $1
	`, instanceID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

// Purge removes all events for an instance.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM durable_events WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("purge instance: %w", err)
	}
	return nil
}

// PurgeTx removes all events for an instance within the given transaction.
func (s *Store) PurgeTx(ctx context.Context, tx pgx.Tx, instanceID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM durable_events WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("purge instance: %w", err)
	}
	return nil
}

// ListInstances returns the IDs of all instances with at least one event.
// Implements history.InstanceLister.
func (s *Store) ListInstances(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT instance_id FROM durable_events`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return ids, nil
}

// QueryChildren returns instance IDs of sub-orchestrations created by
// parentInstanceID. Implements status.ChildQuerier.
func (s *Store) QueryChildren(ctx context.Context, parentInstanceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data->>'instance_id'
		FROM durable_events
		WHERE instance_id = $1 AND type = $2
		ORDER BY sequence ASC
	`, parentInstanceID, string(history.EventSubOrchestrationCreated))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id *string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		if id != nil && *id != "" {
			ids = append(ids, *id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return ids, nil
}

// QueryParent returns the parent instance ID recorded in a child's
// execution.started event, or an empty string for root instances.
// Implements status.ParentQuerier.
func (s *Store) QueryParent(ctx context.Context, childInstanceID string) (string, error) {
	var parent *string
	err := s.pool.QueryRow(ctx, `
		SELECT data->>'parent_instance_id'
		FROM durable_events
		WHERE instance_id = $1 AND type = $2
		ORDER BY sequence ASC
		LIMIT 1
	`, childInstanceID, string(history.EventExecutionStarted)).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query parent: %w", err)
	}
	if parent == nil {
		return "", nil
	}
	return *parent, nil
}

// CountInstances returns the number of instances matching the filter,
// computed in SQL without loading histories. The filter's Limit and Offset
// are ignored for counting. Implements status.InstanceCounter.
func (s *Store) CountInstances(ctx context.Context, filter status.InstanceFilter) (int64, error) {
	// Mirrors the status.Instance projection: name and parent come from
	// execution.started, the runtime status from the terminal markers.
	var count int64
	err := s.pool.QueryRow(ctx, `
		WITH summary AS (
			SELECT
				instance_id,
				MAX(data->>'orchestrator_name') FILTER (WHERE type = 'execution.started') AS name,
				MAX(data->>'parent_instance_id') FILTER (WHERE type = 'execution.started') AS parent,
				BOOL_OR(type = 'execution.started') AS started,
				BOOL_OR(type = 'execution.completed') AS completed,
				BOOL_OR(type = 'execution.failed') AS failed,
				BOOL_OR(type = 'execution.terminated') AS terminated,
				BOOL_OR(type = 'execution.continuedasnew') AS continued
			FROM durable_events
			GROUP BY instance_id
		)
		SELECT COUNT(*)
		FROM summary
		WHERE ($1 = '' OR name = $1)
		  AND ($2 = '' OR CASE
				WHEN terminated THEN 'terminated'
				WHEN failed THEN 'failed'
				WHEN completed THEN 'completed'
				WHEN continued THEN 'continuedasnew'
				WHEN started THEN 'running'
				ELSE 'pending' END = $2)
		  AND (NOT $3 OR COALESCE(parent, '') = '')
	`, filter.Name, string(filter.Status), filter.RootOnly).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return count, nil
}

// isUniqueViolation checks for the PostgreSQL unique_violation error code.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
