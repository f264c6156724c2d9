// Package registry provides the durable service registry backed by SQLite.
// It persists service definitions, issued API keys, and the settings
// key-value façade consumed by collaborators.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    entry_point           TEXT NOT NULL,
    working_dir           TEXT NOT NULL,
    source                TEXT NOT NULL DEFAULT '',
    args                  TEXT NOT NULL DEFAULT '[]',
    env                   TEXT NOT NULL DEFAULT '{}',
    proxy_path            TEXT NOT NULL UNIQUE,
    rate_limit            INTEGER NOT NULL DEFAULT 100,
    cache_ttl             INTEGER NOT NULL DEFAULT 0,
    no_cache              INTEGER NOT NULL DEFAULT 0,
    timeout_ms            INTEGER NOT NULL,
    auto_restart          INTEGER NOT NULL DEFAULT 0,
    max_restarts          INTEGER NOT NULL DEFAULT 5,
    health_check_interval INTEGER NOT NULL DEFAULT 30,
    desired_status        TEXT NOT NULL DEFAULT 'stopped',
    created_at            TIMESTAMP NOT NULL,
    updated_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    hash       TEXT NOT NULL UNIQUE,
    active     INTEGER NOT NULL DEFAULT 1,
    last_used  TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key       TEXT PRIMARY KEY,
    value     TEXT NOT NULL,
    encrypted INTEGER NOT NULL DEFAULT 0,
    category  TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed registry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the registry database at dsn and applies the
// schema. The dsn is a file path or any DSN the sqlite driver accepts.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids SQLITE_BUSY
	// without a busy-timeout dance.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		logger.Warn("failed to enable WAL journal mode", "error", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateService inserts a new definition. The id is expected to be set by
// the caller. A duplicate proxy path yields service.ErrDuplicateProxyPath.
func (s *Store) CreateService(ctx context.Context, def *service.Definition) error {
	args, env, err := encodeArgsEnv(def)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, entry_point, working_dir, source, args, env, proxy_path,
			rate_limit, cache_ttl, no_cache, timeout_ms, auto_restart, max_restarts,
			health_check_interval, desired_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.EntryPoint, def.WorkingDir, def.Source, args, env, def.ProxyPath,
		def.RateLimit, def.CacheTTL, boolToInt(def.NoCache), def.Timeout,
		boolToInt(def.AutoRestart), def.MaxRestarts, def.HealthCheckInterval,
		def.DesiredStatus, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create service %s: %w", def.ID, service.ErrDuplicateProxyPath)
		}
		return fmt.Errorf("create service %s: %w", def.ID, err)
	}
	return nil
}

// GetService loads a definition by id.
func (s *Store) GetService(ctx context.Context, id string) (*service.Definition, error) {
	row := s.db.QueryRowContext(ctx, selectServices+` WHERE id = ?`, id)
	def, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get service %s: %w", id, service.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", id, err)
	}
	return def, nil
}

// ListServices returns all definitions ordered by creation time.
func (s *Store) ListServices(ctx context.Context) ([]*service.Definition, error) {
	rows, err := s.db.QueryContext(ctx, selectServices+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*service.Definition
	for rows.Next() {
		def, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("list services: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return defs, nil
}

// UpdateService replaces the stored definition for def.ID.
func (s *Store) UpdateService(ctx context.Context, def *service.Definition) error {
	args, env, err := encodeArgsEnv(def)
	if err != nil {
		return err
	}
	def.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET name = ?, entry_point = ?, working_dir = ?, source = ?, args = ?,
			env = ?, proxy_path = ?, rate_limit = ?, cache_ttl = ?, no_cache = ?,
			timeout_ms = ?, auto_restart = ?, max_restarts = ?, health_check_interval = ?,
			desired_status = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, def.EntryPoint, def.WorkingDir, def.Source, args, env, def.ProxyPath,
		def.RateLimit, def.CacheTTL, boolToInt(def.NoCache), def.Timeout,
		boolToInt(def.AutoRestart), def.MaxRestarts, def.HealthCheckInterval,
		def.DesiredStatus, def.UpdatedAt, def.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update service %s: %w", def.ID, service.ErrDuplicateProxyPath)
		}
		return fmt.Errorf("update service %s: %w", def.ID, err)
	}
	return requireRow(res, def.ID)
}

// DeleteService removes a definition by id.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetDesiredStatus records the durable desired status ("running" or
// "stopped") for a service. The management API is the single writer of this
// column; supervisor events never touch it.
func (s *Store) SetDesiredStatus(ctx context.Context, id, desired string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET desired_status = ?, updated_at = ? WHERE id = ?`,
		desired, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set desired status for %s: %w", id, err)
	}
	return requireRow(res, id)
}

const selectServices = `
	SELECT id, name, entry_point, working_dir, source, args, env, proxy_path,
	       rate_limit, cache_ttl, no_cache, timeout_ms, auto_restart,
	       max_restarts, health_check_interval, desired_status,
	       created_at, updated_at
	FROM services`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*service.Definition, error) {
	var (
		def         service.Definition
		args, env   string
		noCache     int
		autoRestart int
	)
	err := row.Scan(&def.ID, &def.Name, &def.EntryPoint, &def.WorkingDir, &def.Source, &args, &env,
		&def.ProxyPath, &def.RateLimit, &def.CacheTTL, &noCache, &def.Timeout,
		&autoRestart, &def.MaxRestarts, &def.HealthCheckInterval, &def.DesiredStatus,
		&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.NoCache = noCache != 0
	def.AutoRestart = autoRestart != 0
	if err := json.Unmarshal([]byte(args), &def.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &def.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return &def, nil
}

func encodeArgsEnv(def *service.Definition) (args, env string, err error) {
	a, err := json.Marshal(def.Args)
	if err != nil {
		return "", "", fmt.Errorf("encode args: %w", err)
	}
	if def.Args == nil {
		a = []byte("[]")
	}
	e, err := json.Marshal(def.Env)
	if err != nil {
		return "", "", fmt.Errorf("encode env: %w", err)
	}
	if def.Env == nil {
		e = []byte("{}")
	}
	return string(a), string(e), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("service %s: %w", id, service.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects a UNIQUE constraint failure from the sqlite
// driver, which surfaces it as an error string rather than a typed error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
