// Package store persists certificates, telemetry events, signed credentials
// and the node registry. SQLite (modernc) is the default backend; PostgreSQL
// is reached through the pgx stdlib driver. Both share one schema and one
// set of queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and connection setup.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	// ErrUnknownDialect is returned for an unsupported database type
	ErrUnknownDialect = errors.New("unknown database type")

	// ErrNodeNotFound is returned when a node is not registered
	ErrNodeNotFound = errors.New("node not registered")

	// ErrCredentialNotFound is returned when no credential is stored
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrTelemetryNotFound is returned when no telemetry event is stored
	ErrTelemetryNotFound = errors.New("telemetry event not found")
)

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
    node_id        TEXT PRIMARY KEY,
    hostname       TEXT NOT NULL DEFAULT '',
    region         TEXT NOT NULL,
    public_key_pem TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS telemetry_events (
    inference_id    TEXT PRIMARY KEY,
    node_id         TEXT NOT NULL,
    model_id        TEXT NOT NULL,
    timestamp       TEXT NOT NULL,
    energy_kwh      DOUBLE PRECISION NOT NULL,
    gpu_utilization DOUBLE PRECISION NOT NULL,
    signature       TEXT NOT NULL,
    verified        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS certificates (
    certificate_id            TEXT PRIMARY KEY,
    inference_id              TEXT NOT NULL UNIQUE,
    node_id                   TEXT NOT NULL,
    model_id                  TEXT NOT NULL,
    timestamp                 TEXT NOT NULL,
    energy_used_kwh           DOUBLE PRECISION NOT NULL,
    carbon_intensity_gco2_kwh DOUBLE PRECISION NOT NULL,
    carbon_source             TEXT NOT NULL,
    total_emissions_gco2      DOUBLE PRECISION NOT NULL,
    grid_region               TEXT NOT NULL,
    issuer                    TEXT NOT NULL,
    issued_at                 TEXT NOT NULL,
    content_hash              TEXT NOT NULL,
    signed_content            TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_model ON certificates(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_issued ON certificates(issued_at)`,
	`CREATE TABLE IF NOT EXISTS credentials (
    inference_id   TEXT PRIMARY KEY,
    certificate_id TEXT NOT NULL,
    document       TEXT NOT NULL,
    created_at     TEXT NOT NULL
)`,
}

// Config selects and locates the database.
type Config struct {
	// Type is sqlite or postgres (default: sqlite)
	Type string

	// SQLitePath is the database file for sqlite
	SQLitePath string

	// PostgresDSN is the connection string for postgres
	PostgresDSN string
}

// Store is the oracle's persistence layer. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch Dialect(cfg.Type) {
	case "", DialectSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case DialectPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, cfg.Type)
	}
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	// busy_timeout must hold on every pooled connection, so it goes in the DSN
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL lets API reads proceed while the write-back worker writes
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	return openWith(ctx, db, DialectSQLite)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return openWith(ctx, db, DialectPostgres)
}

func openWith(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := New(db, d)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without migrating it.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the backend in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $1, $2 ... for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
