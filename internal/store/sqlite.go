// Package store persists events, alerts and threat intel in a single SQLite
// database opened in WAL mode. Readers see either the state before or after a
// committed batch and never block the writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/1sec-project/siem/internal/core"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned by point lookups for a missing row.
	ErrNotFound = errors.New("not found")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// DB is the shared database handle. The event store, alert store and
// aggregator all use it so correlation reads see the batch just committed.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(cfg core.StoreConfig, logger zerolog.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, storageErr("opening database", err)
	}

	d := &DB{db: db, logger: logger.With().Str("component", "store").Logger()}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	d.logger.Info().Str("path", cfg.Path).Msg("database opened")
	return d, nil
}

func dsn(cfg core.StoreConfig) string {
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return cfg.Path + "?" + q.Encode()
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping reports whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp REAL NOT NULL,
  source_ip TEXT,
  dest_ip TEXT,
  dest_port INTEGER,
  protocol TEXT,
  event_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  severity_score INTEGER DEFAULT 0,
  raw_log TEXT,
  message TEXT,
  username TEXT,
  country TEXT,
  city TEXT,
  latitude REAL,
  longitude REAL,
  mitre_tactic TEXT,
  mitre_technique TEXT,
  flagged INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS alerts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp REAL NOT NULL,
  alert_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  severity_score INTEGER DEFAULT 0,
  source_ip TEXT,
  description TEXT,
  mitre_tactic TEXT,
  mitre_technique TEXT,
  event_count INTEGER DEFAULT 1,
  acknowledged INTEGER DEFAULT 0,
  analyst_notes TEXT DEFAULT ''
);
CREATE TABLE IF NOT EXISTS threat_intel (
  ip TEXT PRIMARY KEY,
  threat_type TEXT,
  confidence INTEGER,
  first_seen REAL,
  last_seen REAL,
  hit_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ev_ts ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_ev_src ON events(source_ip);
CREATE INDEX IF NOT EXISTS idx_ev_sev ON events(severity);
CREATE INDEX IF NOT EXISTS idx_ev_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_al_ts ON alerts(timestamp);
CREATE INDEX IF NOT EXISTS idx_al_ack ON alerts(acknowledged);
`)
	if err != nil {
		return storageErr("migrating schema", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx so queries can run inside a
// snapshot transaction or directly.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
