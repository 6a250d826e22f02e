package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported values for the driver argument of Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// DB wraps the SQL connection used for run history.
type DB struct {
	conn   *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects to the database. driver is "sqlite" (dsn is a file path or
// ":memory:") or "postgres" (dsn is a libpq/pgx connection string).
func Open(driver, dsn string) (*DB, error) {
	var conn *sqlx.DB
	var err error

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create directory %s: %w", dir, err)
				}
			}
		}
		conn, err = sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		conn.SetMaxOpenConns(1)
	case DriverPostgres:
		conn, err = sqlx.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
			}
		}
	}

	return &DB{conn: conn, driver: driver, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping checks the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Driver returns the driver name the DB was opened with.
func (d *DB) Driver() string {
	return d.driver
}

func (d *DB) timestamp() string {
	return d.now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp column value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_runs (
    id               {{pk}},
    repo_name        TEXT NOT NULL,
    branch           TEXT NOT NULL,
    commit_sha       TEXT NOT NULL,
    status           TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed')),
    total_findings   INTEGER NOT NULL DEFAULT 0,
    error_count      INTEGER NOT NULL DEFAULT 0,
    warning_count    INTEGER NOT NULL DEFAULT 0,
    info_count       INTEGER NOT NULL DEFAULT 0,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_runs_repo ON scan_runs(repo_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_scan_runs_created ON scan_runs(created_at DESC);

CREATE TABLE IF NOT EXISTS findings (
    id               {{pk}},
    run_id           BIGINT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
    rule_id          TEXT NOT NULL,
    severity         TEXT NOT NULL,
    file_path        TEXT NOT NULL,
    line_number      INTEGER NOT NULL,
    message          TEXT NOT NULL,
    code_snippet     TEXT NOT NULL DEFAULT '',
    cwe_ids          TEXT NOT NULL DEFAULT '[]',
    owasp_categories TEXT NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL DEFAULT 'open',
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);

CREATE TABLE IF NOT EXISTS analyses (
    id                  {{pk}},
    run_id              BIGINT NOT NULL UNIQUE REFERENCES scan_runs(id) ON DELETE CASCADE,
    executive_summary   TEXT NOT NULL,
    critical_issues     TEXT NOT NULL DEFAULT '[]',
    recommended_actions TEXT NOT NULL DEFAULT '[]',
    tools_to_use        TEXT NOT NULL DEFAULT '[]',
    raw_response        TEXT NOT NULL DEFAULT '',
    fallback            BOOLEAN NOT NULL DEFAULT FALSE,
    created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS remediation_issues (
    id           {{pk}},
    run_id       BIGINT NOT NULL UNIQUE REFERENCES scan_runs(id) ON DELETE CASCADE,
    repo_name    TEXT NOT NULL,
    issue_number INTEGER NOT NULL,
    issue_url    TEXT NOT NULL,
    title        TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','closed')),
    created_at   TEXT NOT NULL,
    closed_at    TEXT
);

CREATE TABLE IF NOT EXISTS run_events (
    id         {{pk}},
    run_id     BIGINT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
    state      TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);

CREATE TABLE IF NOT EXISTS compliance_logs (
    id         {{pk}},
    run_id     BIGINT REFERENCES scan_runs(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    frameworks TEXT NOT NULL DEFAULT '[]',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compliance_run ON compliance_logs(run_id);
`

// allTables lists tables in drop order (children first).
var allTables = []string{
	"compliance_logs", "run_events", "remediation_issues", "analyses", "findings", "scan_runs", "schema_version",
}

func (d *DB) schema() string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(schemaV1, "{{pk}}", pk)
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.Get(&count, "SELECT COUNT(*) FROM schema_version WHERE version = 1")
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// pgx runs one statement per Exec in extended protocol, so split.
	for _, stmt := range strings.Split(d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), d.timestamp()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range allTables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
