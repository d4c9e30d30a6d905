// Package cache provides the durable local record store.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WASM build)
// holding every document the client has seen or created, keyed by
// (resource, id) and tagged synced or pending. It is the only persistence
// layer of the client: the request router reads and writes it, the
// reconciler drains its pending rows, and settings such as the active scope
// and the session token live next to the records.
//
// Architecture:
//   - Database file: ~/.local/share/mezgeb/cache.db by default
//   - WAL mode: concurrent readers while the daemon writes
//   - Tables: records, settings, leases
//   - Writes that must be atomic (batch refresh, pending replacement) run in
//     one IMMEDIATE transaction
//
// Refresh semantics: a full listing replaces one scope of one resource by
// stamping every row of the batch with a new generation and then evicting
// the synced rows of that scope with an older generation. Pending rows are
// never evicted and other scopes are never touched.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mezgeb/mezgeb/internal/schema"
)

// ErrNotFound is returned when a record or setting does not exist.
var ErrNotFound = errors.New("not found")

// ErrInFlight is returned when a pending record is changed while the
// reconciler is sending it.
var ErrInFlight = errors.New("record is being synced")

// Store wraps the SQLite connection pool.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the store at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := cache.Open(filepath.Join(dir, "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(ctx); err != nil {
//	    return err
//	}
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{conn: conn, path: path, now: time.Now}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the pool. Safe to call twice.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		resource TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		seq INTEGER NOT NULL,        -- creation order, never reassigned
		fetched_at INTEGER NOT NULL DEFAULT 0,  -- refresh generation
		updated_at TEXT NOT NULL,
		claimed_at INTEGER NOT NULL DEFAULT 0,  -- unix ms while a replay is in flight
		PRIMARY KEY (resource, id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL  -- unix milliseconds
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(resource, status, seq);
	CREATE INDEX IF NOT EXISTS idx_records_scope ON records(resource, group_id, status);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Caches created before claims existed lack the column.
	var hasClaims int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'claimed_at'`).Scan(&hasClaims)
	if err != nil {
		return fmt.Errorf("failed to inspect records table: %w", err)
	}
	if hasClaims == 0 {
		if _, err := s.conn.ExecContext(ctx,
			`ALTER TABLE records ADD COLUMN claimed_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add claimed_at column: %w", err)
		}
	}

	return nil
}

// ReplaceOptions controls UpsertMany.
type ReplaceOptions struct {
	// Replace evicts synced records of Scope that are absent from the batch.
	Replace bool
	// Scope limits eviction. Only read when Replace is set.
	Scope schema.Scope
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertQuery = `
	INSERT INTO records (resource, id, status, group_id, payload, seq, fetched_at, updated_at)
	VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records), ?, ?)
	ON CONFLICT(resource, id) DO UPDATE SET
		status = excluded.status,
		group_id = excluded.group_id,
		payload = excluded.payload,
		fetched_at = excluded.fetched_at,
		updated_at = excluded.updated_at
	`

func (s *Store) upsert(ctx context.Context, ex execer, rec schema.Record, generation int64) error {
	if rec.Status == "" {
		rec.Status = schema.StatusSynced
	}
	if !rec.Status.IsValid() {
		return fmt.Errorf("invalid status %q for %s %s", rec.Status, rec.Resource, rec.ID)
	}
	if rec.ID == "" {
		return fmt.Errorf("cannot store %s record without id", rec.Resource)
	}

	_, err := ex.ExecContext(ctx, upsertQuery,
		string(rec.Resource),
		rec.ID,
		string(rec.Status),
		rec.GroupID,
		string(rec.Payload),
		generation,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Resource, rec.ID, err)
	}
	return nil
}

// UpsertMany inserts or replaces records in one transaction.
//
// Records without a status are stored as synced. With opts.Replace set,
// synced records of opts.Scope that the batch does not mention are evicted.
func (s *Store) UpsertMany(ctx context.Context, resource schema.Resource, records []schema.Record, opts ReplaceOptions) error {
	for _, rec := range records {
		if rec.Resource != resource {
			return fmt.Errorf("record %s belongs to %s, not %s", rec.ID, rec.Resource, resource)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var generation int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(fetched_at), 0) + 1 FROM records WHERE resource = ?`,
		string(resource)).Scan(&generation)
	if err != nil {
		return fmt.Errorf("failed to allocate refresh generation: %w", err)
	}

	for _, rec := range records {
		if err := s.upsert(ctx, tx, rec, generation); err != nil {
			return err
		}
	}

	if opts.Replace {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM records
			WHERE resource = ? AND group_id = ? AND status = ? AND fetched_at < ?`,
			string(resource), opts.Scope.GroupID, string(schema.StatusSynced), generation)
		if err != nil {
			return fmt.Errorf("failed to evict stale %s: %w", resource, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertOne inserts or replaces a single record.
func (s *Store) UpsertOne(ctx context.Context, rec schema.Record) error {
	return s.upsert(ctx, s.conn, rec, 0)
}

// DeleteOne removes a record. Returns nil if it doesn't exist.
func (s *Store) DeleteOne(ctx context.Context, resource schema.Resource, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE resource = ? AND id = ?`, string(resource), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", resource, id, err)
	}
	return nil
}

// Get returns one record or ErrNotFound.
func (s *Store) Get(ctx context.Context, resource schema.Resource, id string) (schema.Record, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT resource, id, status, group_id, payload, seq, updated_at
		FROM records WHERE resource = ? AND id = ?`, string(resource), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Record{}, fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
	}
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to get %s %s: %w", resource, id, err)
	}
	return rec, nil
}

// QueryByStatus returns records of one status in creation order.
func (s *Store) QueryByStatus(ctx context.Context, resource schema.Resource, status schema.Status) ([]schema.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT resource, id, status, group_id, payload, seq, updated_at
		FROM records WHERE resource = ? AND status = ?
		ORDER BY seq`, string(resource), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", status, resource, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// QueryByScope returns the pending and synced records of exactly one scope,
// in creation order.
func (s *Store) QueryByScope(ctx context.Context, resource schema.Resource, scope schema.Scope) ([]schema.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT resource, id, status, group_id, payload, seq, updated_at
		FROM records WHERE resource = ? AND group_id = ?
		ORDER BY seq`, string(resource), scope.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s in %s: %w", resource, scope, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ReplacePending swaps a pending record for its synced counterpart in one
// transaction. The synced record is written even if the pending row is
// already gone.
func (s *Store) ReplacePending(ctx context.Context, resource schema.Resource, pendingID string, synced schema.Record) error {
	if synced.Resource != resource {
		return fmt.Errorf("record %s belongs to %s, not %s", synced.ID, synced.Resource, resource)
	}
	synced.Status = schema.StatusSynced

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM records WHERE resource = ? AND id = ? AND status = ?`,
		string(resource), pendingID, string(schema.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to delete pending %s %s: %w", resource, pendingID, err)
	}

	if err := s.upsert(ctx, tx, synced, 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ClaimPending marks a pending record as in flight and returns its current
// payload. While claimed, UpdatePending and DeletePending refuse to touch
// it. Returns ErrNotFound when the record is gone or no longer pending.
func (s *Store) ClaimPending(ctx context.Context, resource schema.Resource, id string) (schema.Record, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET claimed_at = ? WHERE resource = ? AND id = ? AND status = ?`,
		s.now().UnixMilli(), string(resource), id, string(schema.StatusPending))
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to claim %s %s: %w", resource, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.Record{}, fmt.Errorf("pending %s %s: %w", resource, id, ErrNotFound)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT resource, id, status, group_id, payload, seq, updated_at
		FROM records WHERE resource = ? AND id = ?`, string(resource), id))
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to read claimed %s %s: %w", resource, id, err)
	}

	if err := tx.Commit(); err != nil {
		return schema.Record{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// UnclaimPending clears the in-flight mark of a record left pending.
func (s *Store) UnclaimPending(ctx context.Context, resource schema.Resource, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET claimed_at = 0 WHERE resource = ? AND id = ?`, string(resource), id)
	if err != nil {
		return fmt.Errorf("failed to unclaim %s %s: %w", resource, id, err)
	}
	return nil
}

// ClearClaims drops every in-flight mark. Called by the lease holder at the
// start of a pass to recover from a holder that crashed mid-replay.
func (s *Store) ClearClaims(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `UPDATE records SET claimed_at = 0 WHERE claimed_at != 0`); err != nil {
		return fmt.Errorf("failed to clear claims: %w", err)
	}
	return nil
}

// UpdatePending rewrites the payload of an unclaimed pending record.
// Returns ErrInFlight when it is claimed and ErrNotFound when it is no
// longer pending.
func (s *Store) UpdatePending(ctx context.Context, rec schema.Record) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET group_id = ?, payload = ?, updated_at = ?
		WHERE resource = ? AND id = ? AND status = ? AND claimed_at = 0`,
		rec.GroupID, string(rec.Payload), s.now().UTC().Format(time.RFC3339Nano),
		string(rec.Resource), rec.ID, string(schema.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update pending %s %s: %w", rec.Resource, rec.ID, err)
	}
	return s.pendingWriteResult(ctx, res, rec.Resource, rec.ID)
}

// DeletePending removes an unclaimed pending record, with the same errors
// as UpdatePending.
func (s *Store) DeletePending(ctx context.Context, resource schema.Resource, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE resource = ? AND id = ? AND status = ? AND claimed_at = 0`,
		string(resource), id, string(schema.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to delete pending %s %s: %w", resource, id, err)
	}
	return s.pendingWriteResult(ctx, res, resource, id)
}

func (s *Store) pendingWriteResult(ctx context.Context, res sql.Result, resource schema.Resource, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var claimed int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT claimed_at FROM records WHERE resource = ? AND id = ? AND status = ?`,
		string(resource), id, string(schema.StatusPending)).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pending %s %s: %w", resource, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read pending %s %s: %w", resource, id, err)
	}
	return fmt.Errorf("%s %s: %w", resource, id, ErrInFlight)
}

// RemapPendingField rewrites a top-level string field on pending records
// from oldValue to newValue and returns how many records changed.
func (s *Store) RemapPendingField(ctx context.Context, resource schema.Resource, field, oldValue, newValue string) (int, error) {
	path := "$." + field
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records
		SET payload = json_set(payload, ?, ?), updated_at = ?
		WHERE resource = ? AND status = ? AND json_extract(payload, ?) = ?`,
		path, newValue, s.now().UTC().Format(time.RFC3339Nano),
		string(resource), string(schema.StatusPending), path, oldValue)
	if err != nil {
		return 0, fmt.Errorf("failed to remap %s.%s: %w", resource, field, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count remapped rows: %w", err)
	}
	return int(n), nil
}

// StatusCounts is the number of records per status.
type StatusCounts struct {
	Synced  int `json:"synced" yaml:"synced"`
	Pending int `json:"pending" yaml:"pending"`
}

// Counts returns per-resource record counts.
func (s *Store) Counts(ctx context.Context) (map[schema.Resource]StatusCounts, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT resource, status, COUNT(*) FROM records GROUP BY resource, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := map[schema.Resource]StatusCounts{
		schema.ResourceExpenses:   {},
		schema.ResourceCategories: {},
		schema.ResourceGroups:     {},
	}
	for rows.Next() {
		var resource, status string
		var n int
		if err := rows.Scan(&resource, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		c := counts[schema.Resource(resource)]
		switch schema.Status(status) {
		case schema.StatusSynced:
			c.Synced = n
		case schema.StatusPending:
			c.Pending = n
		}
		counts[schema.Resource(resource)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// PendingTotal returns the number of pending records across resources.
func (s *Store) PendingTotal(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE status = ?`, string(schema.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (schema.Record, error) {
	var (
		rec       schema.Record
		resource  string
		status    string
		payload   string
		updatedAt string
	)
	if err := row.Scan(&resource, &rec.ID, &status, &rec.GroupID, &payload, &rec.Seq, &updatedAt); err != nil {
		return schema.Record{}, err
	}
	rec.Resource = schema.Resource(resource)
	rec.Status = schema.Status(status)
	rec.Payload = []byte(payload)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]schema.Record, error) {
	var records []schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
