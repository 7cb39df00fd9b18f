// Package store provides SQL persistence for commitments, commands and the
// append-only annotation and capture log. SQLite is used for a local
// single-machine setup and Postgres for a shared deployment.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialects understood by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a *sql.DB with dialect-aware queries.
type Store struct {
	db      *sql.DB
	dialect string
}

// New opens a SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newStore(db, DialectSQLite)
}

// Open connects to dsn using dialect. For sqlite the dsn is a file path.
func Open(dialect, dsn string) (*Store, error) {
	switch dialect {
	case DialectSQLite, "":
		return New(dsn)
	case DialectPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db.SetMaxOpenConns(10)
		return newStore(db, DialectPostgres)
	default:
		return nil, fmt.Errorf("unknown store dialect %q", dialect)
	}
}

// NewWithDB wraps an existing connection without migrating. Used with sqlmock.
func NewWithDB(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

func newStore(db *sql.DB, dialect string) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() string {
	return s.dialect
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
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

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS commitments (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	owner TEXT,
	claimed_at DATETIME,
	meta TEXT NOT NULL DEFAULT '{}',
	outcome TEXT,
	closed_reason TEXT,
	closed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	command_type TEXT NOT NULL DEFAULT 'spawn',
	prompt TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL DEFAULT '',
	flags TEXT NOT NULL DEFAULT '[]',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	target_machine_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_by_machine_id TEXT,
	claimed_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	approval_required INTEGER NOT NULL DEFAULT 0,
	approval_status TEXT NOT NULL DEFAULT 'not_required',
	on_approve TEXT,
	commitment_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS command_results (
	id TEXT PRIMARY KEY,
	command_id TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	stdout_truncated INTEGER NOT NULL DEFAULT 0,
	stderr_truncated INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	FOREIGN KEY (command_id) REFERENCES commands(id)
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	body TEXT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	kind TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '{}',
	meta_hash TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commitments_state ON commitments(state, created_at);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status, created_at);
CREATE INDEX IF NOT EXISTS idx_commands_claimed_by ON commands(claimed_by_machine_id, status);
CREATE INDEX IF NOT EXISTS idx_command_results_command_id ON command_results(command_id);
CREATE INDEX IF NOT EXISTS idx_annotations_target_id ON annotations(target_id);
CREATE INDEX IF NOT EXISTS idx_captures_kind ON captures(kind);
`

// The notify triggers feed wake.PQListener.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS commitments (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	owner TEXT,
	claimed_at TIMESTAMPTZ,
	meta TEXT NOT NULL DEFAULT '{}',
	outcome TEXT,
	closed_reason TEXT,
	closed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	command_type TEXT NOT NULL DEFAULT 'spawn',
	prompt TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL DEFAULT '',
	flags TEXT NOT NULL DEFAULT '[]',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	target_machine_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_by_machine_id TEXT,
	claimed_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	approval_required BOOLEAN NOT NULL DEFAULT FALSE,
	approval_status TEXT NOT NULL DEFAULT 'not_required',
	on_approve TEXT,
	commitment_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS command_results (
	id TEXT PRIMARY KEY,
	command_id TEXT NOT NULL REFERENCES commands(id),
	status TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	stdout_truncated BOOLEAN NOT NULL DEFAULT FALSE,
	stderr_truncated BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	body TEXT NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	kind TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '{}',
	meta_hash TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commitments_state ON commitments(state, created_at);
CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status, created_at);
CREATE INDEX IF NOT EXISTS idx_commands_claimed_by ON commands(claimed_by_machine_id, status);
CREATE INDEX IF NOT EXISTS idx_command_results_command_id ON command_results(command_id);
CREATE INDEX IF NOT EXISTS idx_annotations_target_id ON annotations(target_id);
CREATE INDEX IF NOT EXISTS idx_captures_kind ON captures(kind);

CREATE OR REPLACE FUNCTION bridge_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(TG_ARGV[0], NEW.id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS bridge_commands_notify ON commands;
CREATE TRIGGER bridge_commands_notify AFTER INSERT OR UPDATE OF status ON commands
	FOR EACH ROW EXECUTE FUNCTION bridge_notify('bridge_commands');

DROP TRIGGER IF EXISTS bridge_commitments_notify ON commitments;
CREATE TRIGGER bridge_commitments_notify AFTER INSERT OR UPDATE OF state, owner ON commitments
	FOR EACH ROW EXECUTE FUNCTION bridge_notify('bridge_commitments');
`
