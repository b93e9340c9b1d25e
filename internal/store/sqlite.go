package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/launchpad/internal/model"

	_ "modernc.org/sqlite"
)

const createItemsTable = `
CREATE TABLE IF NOT EXISTS run_queue_items (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    project     TEXT NOT NULL,
    jobset      TEXT NOT NULL,
    state       TEXT NOT NULL,
    run_spec    BLOB NOT NULL,
    agent_id    TEXT NOT NULL DEFAULT '',
    run_id      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    claimed_at  DATETIME,
    acked_at    DATETIME
)`

const createItemsIndex = `
CREATE INDEX IF NOT EXISTS run_queue_items_pending
    ON run_queue_items (entity, project, jobset, state)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    item_id         TEXT NOT NULL,
    entity          TEXT NOT NULL,
    project         TEXT NOT NULL,
    jobset          TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    backend         TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    failed_to_start INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    finished_at     DATETIME
)`

const itemColumns = `id, entity, project, jobset, state, run_spec, agent_id, run_id,
	error, created_at, claimed_at, acked_at`

const runColumns = `id, item_id, entity, project, jobset, name, backend, status,
	failed_to_start, error, created_at, updated_at, finished_at`

// ErrNotFound is returned when a queue item or run does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createItemsTable, createItemsIndex, createRunsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.QueueItemRecord, error) {
	it := &model.QueueItemRecord{}
	var spec []byte
	err := row.Scan(
		&it.ID, &it.JobSet.Entity, &it.JobSet.Project, &it.JobSet.Name, &it.State, &spec,
		&it.AgentID, &it.RunID, &it.Error, &it.CreatedAt, &it.ClaimedAt, &it.AckedAt,
	)
	if err != nil {
		return nil, err
	}
	it.RunSpec = json.RawMessage(spec)
	it.QueueID = it.JobSet.Name
	return it, nil
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	r := &model.RunRecord{}
	err := row.Scan(
		&r.ID, &r.ItemID, &r.JobSet.Entity, &r.JobSet.Project, &r.JobSet.Name, &r.Name,
		&r.Backend, &r.Status, &r.FailedToStart, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// EnqueueItem inserts a pending item carrying runSpec.
func (s *SQLiteStore) EnqueueItem(ctx context.Context, js model.JobSet, runSpec json.RawMessage) (*model.QueueItemRecord, error) {
	it := &model.QueueItemRecord{
		QueueItem: model.QueueItem{ID: model.NewID(), RunSpec: runSpec, QueueID: js.Name},
		JobSet:    js,
		State:     model.ItemPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_queue_items (id, entity, project, jobset, state, run_spec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, js.Entity, js.Project, js.Name, it.State, []byte(runSpec), it.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run queue item: %w", err)
	}
	return it, nil
}

// GetItem retrieves an item of js by ID.
func (s *SQLiteStore) GetItem(ctx context.Context, js model.JobSet, id string) (*model.QueueItemRecord, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM run_queue_items
		WHERE id = ? AND entity = ? AND project = ? AND jobset = ?`,
		id, js.Entity, js.Project, js.Name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run queue item: %w", err)
	}
	return it, nil
}

// ListPendingItems returns the pending items of js, oldest first.
func (s *SQLiteStore) ListPendingItems(ctx context.Context, js model.JobSet) ([]*model.QueueItemRecord, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM run_queue_items
		WHERE entity = ? AND project = ? AND jobset = ? AND state = ?
		ORDER BY rowid ASC`,
		js.Entity, js.Project, js.Name, model.ItemPending,
	)
}

// ListItems returns up to limit items of js in any state, newest first.
func (s *SQLiteStore) ListItems(ctx context.Context, js model.JobSet, limit int) ([]*model.QueueItemRecord, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM run_queue_items
		WHERE entity = ? AND project = ? AND jobset = ?
		ORDER BY rowid DESC LIMIT ?`,
		js.Entity, js.Project, js.Name, limit,
	)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]*model.QueueItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run queue items: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItemRecord
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run queue item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run queue items: %w", err)
	}
	return items, nil
}

// PopItem claims the oldest pending item of js in a single statement, so two
// agents popping at once never receive the same item.
func (s *SQLiteStore) PopItem(ctx context.Context, js model.JobSet, agentID string) (*model.QueueItemRecord, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`UPDATE run_queue_items SET state = ?, agent_id = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM run_queue_items
			WHERE entity = ? AND project = ? AND jobset = ? AND state = ?
			ORDER BY rowid ASC LIMIT 1
		) AND state = ?
		RETURNING `+itemColumns,
		model.ItemClaimed, agentID, time.Now().UTC(),
		js.Entity, js.Project, js.Name, model.ItemPending, model.ItemPending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop run queue item: %w", err)
	}
	return it, nil
}

// LeaseItem claims a specific pending item for agentID. It returns
// ErrInvalidTransition when the item is no longer pending.
func (s *SQLiteStore) LeaseItem(ctx context.Context, js model.JobSet, id, agentID string) error {
	return s.transition(ctx, js, id, model.ItemClaimed,
		"agent_id = ?, claimed_at = ?", agentID, time.Now().UTC())
}

// AckItem records that the claimed item id was launched as runID.
func (s *SQLiteStore) AckItem(ctx context.Context, js model.JobSet, id, runID string) (*model.QueueItemRecord, error) {
	if err := s.transition(ctx, js, id, model.ItemAcked,
		"run_id = ?, acked_at = ?", runID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.GetItem(ctx, js, id)
}

// FailItem marks an item as permanently failed with reason.
func (s *SQLiteStore) FailItem(ctx context.Context, js model.JobSet, id, reason string) error {
	return s.transition(ctx, js, id, model.ItemFailed, "error = ?", reason)
}

// transition moves item id to state "to" if the move is valid from its
// current state, applying the extra SET clause in the same statement.
func (s *SQLiteStore) transition(ctx context.Context, js model.JobSet, id, to, set string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM run_queue_items
		WHERE id = ? AND entity = ? AND project = ? AND jobset = ?`,
		id, js.Entity, js.Project, js.Name,
	).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read item state: %w", err)
	}
	if !model.ValidItemTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	params := append([]any{to}, args...)
	params = append(params, id, from)
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_queue_items SET state = ?, `+set+` WHERE id = ? AND state = ?`,
		params...,
	); err != nil {
		return fmt.Errorf("update item state: %w", err)
	}
	return tx.Commit()
}

// RequeueStale implements Store.
func (s *SQLiteStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_queue_items SET state = ?, agent_id = '', claimed_at = NULL
		WHERE state = ? AND claimed_at < ?`,
		model.ItemPending, model.ItemClaimed, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// UpsertRun inserts or replaces the tracking record for a run. An empty name
// keeps the stored one, so a tracker that never saw the project can still
// report status.
func (s *SQLiteStore) UpsertRun(ctx context.Context, r model.RunRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN runs.name ELSE excluded.name END,
			backend = excluded.backend,
			status = excluded.status,
			failed_to_start = excluded.failed_to_start,
			error = excluded.error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		r.ID, r.ItemID, r.JobSet.Entity, r.JobSet.Project, r.JobSet.Name, r.Name,
		r.Backend, r.Status, r.FailedToStart, r.Error, r.CreatedAt.UTC(), r.UpdatedAt.UTC(), r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs of js, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, js model.JobSet, limit int) ([]*model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE entity = ? AND project = ? AND jobset = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		js.Entity, js.Project, js.Name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetStats returns item and run counts grouped by state, status and backend.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		ItemsByState:  make(map[string]int),
		RunsByStatus:  make(map[string]int),
		RunsByBackend: make(map[string]int),
	}

	groups := []struct {
		query string
		into  map[string]int
		total *int
	}{
		{"SELECT state, COUNT(*) FROM run_queue_items GROUP BY state", stats.ItemsByState, &stats.TotalItems},
		{"SELECT status, COUNT(*) FROM runs GROUP BY status", stats.RunsByStatus, &stats.TotalRuns},
		{"SELECT backend, COUNT(*) FROM runs GROUP BY backend", stats.RunsByBackend, nil},
	}
	for _, g := range groups {
		if err := countInto(ctx, tx, g.query, g.into, g.total); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, query string, into map[string]int, total *int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}
