package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/rendis/stepwise/pkg/schema"
)

// Supported database/sql drivers.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements Store over database/sql. Both drivers speak the SQLite
// dialect, so one implementation serves libSQL and the pure-Go sqlite driver.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/stepwise.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	return Open(DriverLibSQL, dbPath)
}

// NewSQLiteStore opens a database with the CGO-free sqlite driver.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(DriverSQLite, dbPath)
}

// Open opens a store with the named driver.
func Open(driver, dbPath string) (*SQLStore, error) {
	if driver != DriverLibSQL && driver != DriverSQLite {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown database driver %q", driver)
	}
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name.
func (s *SQLStore) Driver() string { return s.driver }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *SQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Snapshots ---

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot requires a run id")
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	data, err := json.Marshal(snap)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal snapshot %s: %s", snap.RunID, err).WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, parent_run_id, workflow_name, entity_id, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, data=excluded.data, updated_at=excluded.updated_at`,
		snap.RunID, nullStr(snap.ParentRunID), nullStr(snap.WorkflowName), nullStr(snap.EntityID),
		string(snap.Status), string(data), formatTime(snap.CreatedAt), formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save snapshot %s: %s", snap.RunID, err).WithCause(err)
	}
	return nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, runID string) (*schema.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE run_id = ?`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get snapshot %s: %s", runID, err).WithCause(err)
	}
	return decodeSnapshot(data)
}

func (s *SQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.Snapshot, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.TopLevel {
		where = append(where, "parent_run_id IS NULL")
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT data FROM snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list snapshots: %s", err).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSnapshot(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, runID); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeSnapshot(data string) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode snapshot: %s", err).WithCause(err)
	}
	return &snap, nil
}

// --- Events ---

// AppendEvent assigns the next per-run sequence number inside one transaction.
// The single open connection serialises writers.
func (s *SQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	var payload any
	if len(event.Payload) > 0 {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(raw)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, event_type, step_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.StepID), payload, formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *SQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, step_id, payload, timestamp
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &stepID, &payload, &ts); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
			}
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of event %d: %w", e.ID, err)
		}
		e.Timestamp = t
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.StepwiseError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
