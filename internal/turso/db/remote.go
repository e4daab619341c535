package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// OpenRemote connects to a shared libSQL database such as a Turso cloud
// database (libsql://<db>.turso.io). authToken may be empty for servers
// without authentication. The schema is created if missing.
func OpenRemote(ctx context.Context, rawURL, authToken string) (*DB, error) {
	dsn, err := remoteDSN(rawURL, authToken)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach remote database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetConnMaxIdleTime(time.Minute)

	db := &DB{conn: conn, path: rawURL, remote: true}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// remoteDSN validates the URL and attaches the auth token.
func remoteDSN(rawURL, authToken string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote database URL: %w", err)
	}
	switch u.Scheme {
	case "libsql", "https", "http", "wss", "ws":
	default:
		return "", fmt.Errorf("invalid remote database URL %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid remote database URL %q: missing host", rawURL)
	}
	if authToken != "" {
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// AddRemote registers a remote database. The first remote becomes active.
func (db *DB) AddRemote(ctx context.Context, rawURL, name string) (*types.RemoteDBConfig, error) {
	if _, err := remoteDSN(rawURL, ""); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("remote name is required")
	}

	var existing int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM remote_dbs`).Scan(&existing); err != nil {
		return nil, fmt.Errorf("failed to count remotes: %w", err)
	}

	cfg := &types.RemoteDBConfig{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Name:     name,
		IsActive: existing == 0,
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO remote_dbs (id, url, name, is_active) VALUES (?, ?, ?, ?)`,
		cfg.ID, cfg.URL, cfg.Name, boolToInt(cfg.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to add remote %s: %w", name, err)
	}
	return cfg, nil
}

// ListRemotes returns every registered remote, active first.
func (db *DB) ListRemotes(ctx context.Context) ([]types.RemoteDBConfig, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, url, name, last_synced_at, is_active FROM remote_dbs ORDER BY is_active DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}
	defer rows.Close()

	var out []types.RemoteDBConfig
	for rows.Next() {
		var (
			cfg    types.RemoteDBConfig
			synced sql.NullString
			active int
		)
		if err := rows.Scan(&cfg.ID, &cfg.URL, &cfg.Name, &synced, &active); err != nil {
			return nil, fmt.Errorf("failed to scan remote: %w", err)
		}
		cfg.LastSyncedAt = nullStringToTime(synced)
		cfg.IsActive = active != 0
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ActiveRemote returns the active remote, or nil when none is configured.
func (db *DB) ActiveRemote(ctx context.Context) (*types.RemoteDBConfig, error) {
	remotes, err := db.ListRemotes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range remotes {
		if remotes[i].IsActive {
			return &remotes[i], nil
		}
	}
	return nil, nil
}

// SetActiveRemote makes the remote with the given id or name the only
// active one.
func (db *DB) SetActiveRemote(ctx context.Context, idOrName string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE remote_dbs SET is_active = 0`); err != nil {
		return fmt.Errorf("failed to deactivate remotes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE remote_dbs SET is_active = 1 WHERE id = ? OR name = ?`, idOrName, idOrName)
	if err != nil {
		return fmt.Errorf("failed to activate remote %s: %w", idOrName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remote %s: %w", idOrName, types.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote selection: %w", err)
	}
	return nil
}

// TouchRemote records a successful sync against a remote.
func (db *DB) TouchRemote(ctx context.Context, id string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE remote_dbs SET last_synced_at = ? WHERE id = ?`, formatTime(t), id)
	if err != nil {
		return fmt.Errorf("failed to update remote %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
