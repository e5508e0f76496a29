// Package journal keeps an audit trail of MCP tool calls in SQLite, plus a
// heartbeat table so concurrent servers on one desktop can notice each
// other.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// aliveWindow is how recent a heartbeat must be to count as alive.
const aliveWindow = 30 * time.Second

// Journal wraps the SQLite database.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type Journal struct {
	db  *sql.DB
	pid int
}

// Entry is one recorded tool call.
type Entry struct {
	ID       string
	Tool     string
	Session  string
	Args     json.RawMessage
	OK       bool
	Error    string
	Duration time.Duration
	At       time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// One connection keeps the per-connection pragmas below in effect.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ name, stmt string }{
		{"wal mode", "PRAGMA journal_mode=WAL"},
		{"busy timeout", "PRAGMA busy_timeout=5000"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p.name, err)
		}
	}

	return &Journal{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (j *Journal) Close() error {
	_, _ = j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.db.Close()
}

// Migrate creates tables if they don't exist and records the schema version.
func (j *Journal) Migrate() error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct{ name, sql string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"operations", `
			CREATE TABLE IF NOT EXISTS operations (
				id          TEXT PRIMARY KEY,
				tool        TEXT NOT NULL,
				session     TEXT NOT NULL DEFAULT '',
				args        TEXT NOT NULL DEFAULT '{}',
				ok          INTEGER NOT NULL,
				error       TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0,
				at          INTEGER NOT NULL
			)`},
		{"operations index", `CREATE INDEX IF NOT EXISTS operations_at ON operations (at)`},
		{"heartbeats", `
			CREATE TABLE IF NOT EXISTS server_heartbeats (
				pid       INTEGER PRIMARY KEY,
				started   INTEGER NOT NULL,
				heartbeat INTEGER NOT NULL
			)`},
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.sql); err != nil {
			return fmt.Errorf("journal: create %s: %w", s.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("journal: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Operations ---

// Record stores e and returns its id. A missing id or timestamp is filled in.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	args := e.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	ok := 0
	if e.OK {
		ok = 1
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO operations (id, tool, session, args, ok, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Tool, e.Session, string(args), ok, e.Error, e.Duration.Milliseconds(), e.At.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("journal: record %s: %w", e.Tool, err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, tool, session, args, ok, error, duration_ms, at
		FROM operations ORDER BY at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			args       string
			ok         int
			durationMs int64
			atMs       int64
		)
		if err := rows.Scan(&e.ID, &e.Tool, &e.Session, &args, &ok, &e.Error, &durationMs, &atMs); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Args = json.RawMessage(args)
		e.OK = ok == 1
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.At = time.UnixMilli(atMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than olderThan and returns how many were removed.
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := j.db.Exec("DELETE FROM operations WHERE at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// --- Heartbeat ---

// RegisterServer records this process as a running server.
func (j *Journal) RegisterServer() error {
	now := time.Now().Unix()
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO server_heartbeats (pid, started, heartbeat)
		VALUES (?, ?, ?)
	`, j.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (j *Journal) Heartbeat() error {
	_, err := j.db.Exec(
		"UPDATE server_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), j.pid,
	)
	return err
}

// UnregisterServer removes this process from the heartbeat table.
func (j *Journal) UnregisterServer() error {
	_, err := j.db.Exec("DELETE FROM server_heartbeats WHERE pid = ?", j.pid)
	return err
}

// AliveServerCount returns how many servers, this one included, have fresh heartbeats.
func (j *Journal) AliveServerCount() (int, error) {
	var count int
	cutoff := time.Now().Add(-aliveWindow).Unix()
	err := j.db.QueryRow(
		"SELECT COUNT(*) FROM server_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (j *Journal) SetMeta(key, value string) error {
	_, err := j.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (j *Journal) GetMeta(key string) (string, error) {
	var value string
	err := j.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
