// Package db opens the SQLite database that backs the audit trail.
//
// One database file holds every persistent table of the subsystem:
//
//	audit_events        append-only hash chain, keyed by chain_index
//	audit_tombstones    hashes of purged events, so linkage stays verifiable
//	retention_policies  retention / archive windows per event type and risk
//	integrity_checks    one row per verification run
//	job_leases          single-runner leases and claimed schedule ticks
//
// Rows in audit_events are protected by triggers: content columns can never
// be updated, and a row can only be deleted once its tombstone exists.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	chain_index        INTEGER PRIMARY KEY,
	id                 TEXT    NOT NULL UNIQUE,
	event_type         TEXT    NOT NULL,
	entity_type        TEXT    NOT NULL DEFAULT '',
	entity_id          TEXT    NOT NULL DEFAULT '',
	actor_id           TEXT    NOT NULL DEFAULT '',
	actor_name         TEXT    NOT NULL DEFAULT '',
	facility_code      TEXT    NOT NULL DEFAULT '',
	source_ip          TEXT    NOT NULL DEFAULT '',
	user_agent         TEXT    NOT NULL DEFAULT '',
	session_id         TEXT    NOT NULL DEFAULT '',
	endpoint           TEXT    NOT NULL DEFAULT '',
	operation_verb     TEXT    NOT NULL DEFAULT '',
	request_snapshot   TEXT    NOT NULL DEFAULT '',
	outcome_status     INTEGER NOT NULL DEFAULT 0,
	risk_score         INTEGER NOT NULL DEFAULT 0,
	risk_factors       TEXT    NOT NULL DEFAULT '[]',
	alert_triggered    INTEGER NOT NULL DEFAULT 0,
	processing_time_ms INTEGER,
	compliance_tags    TEXT    NOT NULL DEFAULT '[]',
	event_hash         TEXT    NOT NULL UNIQUE,
	previous_hash      TEXT    UNIQUE,
	ts                 INTEGER NOT NULL,
	archived_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON audit_events(event_type, ts);
CREATE INDEX IF NOT EXISTS idx_events_actor ON audit_events(actor_id);
CREATE INDEX IF NOT EXISTS idx_events_entity ON audit_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_events_ts ON audit_events(ts);

CREATE TABLE IF NOT EXISTS audit_tombstones (
	chain_index   INTEGER PRIMARY KEY,
	id            TEXT    NOT NULL,
	event_type    TEXT    NOT NULL,
	event_hash    TEXT    NOT NULL,
	previous_hash TEXT,
	ts            INTEGER NOT NULL,
	purged_at     INTEGER NOT NULL,
	policy        TEXT    NOT NULL DEFAULT ''
);

CREATE TRIGGER IF NOT EXISTS audit_events_append_only
BEFORE UPDATE OF chain_index, id, event_type, entity_type, entity_id, actor_id, actor_name,
	facility_code, source_ip, user_agent, session_id, endpoint, operation_verb,
	request_snapshot, outcome_status, risk_score, risk_factors, alert_triggered,
	processing_time_ms, compliance_tags, event_hash, previous_hash, ts
ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_governed_delete
BEFORE DELETE ON audit_events
WHEN NOT EXISTS (SELECT 1 FROM audit_tombstones WHERE chain_index = OLD.chain_index)
BEGIN
	SELECT RAISE(ABORT, 'audit events can only be removed by a governed purge');
END;

CREATE TABLE IF NOT EXISTS retention_policies (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	name                   TEXT    NOT NULL UNIQUE,
	event_types            TEXT    NOT NULL,
	risk_score_threshold   INTEGER NOT NULL DEFAULT 0,
	retention_period_days  INTEGER NOT NULL,
	archive_after_days     INTEGER,
	compliance_tag         TEXT    NOT NULL DEFAULT '',
	active                 INTEGER NOT NULL DEFAULT 1,
	created_by             TEXT    NOT NULL DEFAULT '',
	last_modified          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_checks (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	total_events_scanned INTEGER NOT NULL,
	last_valid_index     INTEGER NOT NULL,
	chain_valid          INTEGER NOT NULL,
	corrupted_event_ids  TEXT    NOT NULL DEFAULT '[]',
	duration_ms          INTEGER NOT NULL,
	performed_by         TEXT    NOT NULL DEFAULT '',
	ts                   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_leases (
	name         TEXT    PRIMARY KEY,
	holder       TEXT    NOT NULL,
	expires_at   INTEGER NOT NULL,
	completed_at INTEGER
);
`

// Open opens (or creates) the SQLite database at path and applies the schema.
// WAL mode lets batch scans read while capture keeps appending.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	// A single connection per handle serializes writers inside this process.
	// Writers in other processes are handled by the append retry loop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	if err := addColumn(db, "job_leases", "completed_at", "INTEGER"); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// addColumn adds a column that databases created by older versions lack.
func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("migrating %s.%s: %w", table, column, err)
	}
	return nil
}
