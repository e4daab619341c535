// Package db provides the relational task stores.
//
// The local store is an embedded SQLite database (ncruces/go-sqlite3, WAL
// mode). The optional shared store is a libSQL/Turso database reached over
// the network. Both use the same schema and implement types.Store, so the
// sync engine treats them identically.
//
// Architecture:
//   - Local file: <data_dir>/<account>.db
//   - WAL mode: concurrent readers while the engine writes
//   - Schema: tasks, sync_state, remote_dbs tables
//   - Tombstones: deleted tasks stay as status='deleted' rows until purged
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// DB wraps a relational task store connection.
type DB struct {
	conn *sql.DB
	path string

	// remote is true for libSQL network connections, which do not accept
	// the local PRAGMAs.
	remote bool
}

var _ types.Store = (*DB)(nil)
var _ types.Counter = (*DB)(nil)

// Open creates or opens the local embedded store at path.
//
// The database is opened with WAL for concurrent reads and the schema is
// created if missing. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "me@example.com.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database location (file path or remote URL).
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. Local stores checkpoint the WAL
// first so every change is in the main file.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.remote {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		canonical_id TEXT,
		service_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		notes TEXT,
		due TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		tasklist_id TEXT,
		source TEXT,
		sync_version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		target TEXT PRIMARY KEY,
		last_synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS remote_dbs (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		last_synced_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_canonical ON tasks(canonical_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_service ON tasks(service_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_modified ON tasks(modified_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// InitSchema creates the schema if it doesn't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	// libSQL over HTTP runs one statement per request
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, canonical_id, service_id, title, description, notes, due,
	created_at, modified_at, completed_at, status, tasklist_id, source, sync_version`

const upsertSQL = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		canonical_id = excluded.canonical_id,
		service_id = COALESCE(NULLIF(excluded.service_id, ''), tasks.service_id),
		title = excluded.title,
		description = excluded.description,
		notes = excluded.notes,
		due = excluded.due,
		created_at = excluded.created_at,
		modified_at = excluded.modified_at,
		completed_at = excluded.completed_at,
		status = excluded.status,
		tasklist_id = excluded.tasklist_id,
		source = excluded.source,
		sync_version = excluded.sync_version
	WHERE excluded.modified_at >= tasks.modified_at
`

// UpsertTask inserts or updates a single task.
func (db *DB) UpsertTask(task *types.Task) error {
	return db.UpsertMany(context.Background(), []types.Task{*task})
}

// UpsertMany writes all tasks in one transaction. A row is never
// overwritten with an older modified_at.
func (db *DB) UpsertMany(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return fmt.Errorf("invalid task %s: %w", tasks[i].ID, err)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		_, err := stmt.ExecContext(ctx,
			t.ID,
			nullString(t.CanonicalID),
			nullString(t.ServiceID),
			t.Title,
			t.Description,
			t.Notes,
			timeToNullString(t.Due),
			formatTime(t.CreatedAt),
			formatTime(t.ModifiedAt),
			timeToNullString(t.CompletedAt),
			string(t.Status),
			nullString(t.TaskListID),
			string(t.Source),
			t.SyncVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// DeleteTask removes a task row. Returns nil if it doesn't exist.
func (db *DB) DeleteTask(taskID string) error {
	return db.DeleteMany(context.Background(), []string{taskID})
}

// DeleteMany purges rows by native id in one transaction. Missing ids are
// ignored.
func (db *DB) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// LinkService records service native ids on every row of the given
// canonical ids.
func (db *DB) LinkService(ctx context.Context, links map[string]string) error {
	if len(links) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE tasks SET service_id = ? WHERE COALESCE(NULLIF(canonical_id, ''), id) = ?`
	for canonical, serviceID := range links {
		if _, err := tx.ExecContext(ctx, query, serviceID, canonical); err != nil {
			return fmt.Errorf("failed to link %s to service task %s: %w", canonical, serviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit links: %w", err)
	}
	return nil
}

// LoadAll returns every row, tombstones included, ordered by id.
func (db *DB) LoadAll(ctx context.Context) ([]types.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskByID retrieves a single task. Returns types.ErrNotFound when the
// row doesn't exist.
func (db *DB) GetTaskByID(ctx context.Context, id string) (*types.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	return &tasks[0], nil
}

// ModifiedSince returns rows changed at or after since.
func (db *DB) ModifiedSince(ctx context.Context, since time.Time) ([]types.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE modified_at >= ? ORDER BY modified_at, id`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query modified tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Count returns the total number of rows, tombstones included.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// StatusCounts returns the number of rows per status.
func (db *DB) StatusCounts(ctx context.Context) (map[types.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

// LastSyncedAt returns the watermark of a target, or the zero time.
func (db *DB) LastSyncedAt(ctx context.Context, target string) (time.Time, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_state WHERE target = ?`, target).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark %s: %w", target, err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse watermark %s: %w", target, err)
	}
	return t, nil
}

// SetLastSyncedAt stores the watermark of a target.
func (db *DB) SetLastSyncedAt(ctx context.Context, target string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_state (target, last_synced_at) VALUES (?, ?)
		ON CONFLICT(target) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		target, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to store watermark %s: %w", target, err)
	}
	return nil
}

// Watermarks returns every stored watermark.
func (db *DB) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT target, last_synced_at FROM sync_state ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var target, value string
		if err := rows.Scan(&target, &value); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			out[target] = t
		}
	}
	return out, rows.Err()
}

// scanTasks is a helper function to scan multiple tasks from query results.
func scanTasks(rows *sql.Rows) ([]types.Task, error) {
	var tasks []types.Task
	for rows.Next() {
		var (
			t                                  types.Task
			canonical, serviceID, list, source sql.NullString
			description, notes                 sql.NullString
			due, completed                     sql.NullString
			created, modified, status          string
		)
		err := rows.Scan(
			&t.ID, &canonical, &serviceID, &t.Title, &description, &notes, &due,
			&created, &modified, &completed, &status, &list, &source, &t.SyncVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		t.CanonicalID = canonical.String
		t.ServiceID = serviceID.String
		t.Description = description.String
		t.Notes = notes.String
		t.TaskListID = list.String
		t.Source = types.Source(source.String)
		t.Status = types.Status(status)
		t.Due = nullStringToTime(due)
		t.CompletedAt = nullStringToTime(completed)

		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of %s: %w", t.ID, err)
		}
		if t.ModifiedAt, err = time.Parse(time.RFC3339Nano, modified); err != nil {
			return nil, fmt.Errorf("failed to parse modified_at of %s: %w", t.ID, err)
		}

		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tasks, nil
}

// timeLayout has a fixed-width fraction so that text comparison in SQL
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
