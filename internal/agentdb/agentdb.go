// Package agentdb implements the Agent Database (spec.md §4.C4): a thin
// typed wrapper around the embedded datalog store each agent owns.
// Grounded on the teacher's internal/db.Store — dual SQLite/PostgreSQL
// driver detection, WAL pragmas, and idempotent CREATE-TABLE-IF-NOT-EXISTS
// migrations — generalized from a single shared federation store to one
// handle per agent, and from named ActivityPub/Nostr tables to the
// relation-oriented node/edge schema the Indexing Pipeline (C9) and
// Memory Consolidator (C10) address.
package agentdb

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// DB is the per-agent datalog handle. Owned by the agent for its entire
// active lifetime (spec.md §5): the broker, subconscious, and indexing
// pipeline all share this same handle, never closing it themselves.
type DB struct {
	sqlDB  *sql.DB
	driver string

	mu         sync.Mutex
	schemaInit bool
}

// Open opens the agent's database. url follows the teacher's convention:
// a bare path or "sqlite://..." for the embedded store, "postgres://..."
// for the optional shared backend.
func Open(url string) (*DB, error) {
	driver, dsn := detectDriver(url)

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "open agent database", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, core.Wrap(core.KindTransient, "ping agent database", err)
	}

	if driver == "sqlite" {
		const maxConns = 4
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				return nil, core.Wrapf(core.KindTransient, "sqlite pragma (%s)", err, pragma)
			}
		}
	}

	return &DB{sqlDB: sqlDB, driver: driver}, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// schemaMigrations is the node/edge relation schema every agent database
// shares: files/functions/components nodes (§4.C9) and the memory/
// conversation tables (§4.C10, §3).
var schemaMigrations = []string{
	`CREATE TABLE IF NOT EXISTS node_files (
		path TEXT NOT NULL UNIQUE,
		hash TEXT,
		mtime INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS node_functions (
		id TEXT NOT NULL UNIQUE,
		file_path TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_components (
		id TEXT NOT NULL UNIQUE,
		file_path TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS edge_imports (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_calls (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_extends (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_includes (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_associations (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_serializes (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS edge_declares (src TEXT NOT NULL, dst TEXT NOT NULL, UNIQUE(src, dst))`,
	`CREATE TABLE IF NOT EXISTS conversations (
		jsonl_file TEXT NOT NULL UNIQUE,
		project_path TEXT,
		session_id TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		first_message_at TEXT,
		last_message_at TEXT,
		first_user_message TEXT,
		model_names TEXT,
		git_branch TEXT,
		last_indexed_at TEXT,
		last_indexed_message_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		model TEXT,
		line_index INTEGER NOT NULL,
		timestamp TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation ON messages(conversation_id)`,
	`CREATE TABLE IF NOT EXISTS memories (
		memory_id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		system INTEGER NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		context TEXT,
		confidence REAL NOT NULL,
		reinforcement_count INTEGER NOT NULL DEFAULT 1,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_reinforced_at TEXT,
		source_conversations TEXT,
		source_message_ids TEXT,
		promoted_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS memory_embeddings (
		memory_id TEXT NOT NULL UNIQUE,
		vector BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_edges (
		from_memory_id TEXT NOT NULL,
		to_memory_id TEXT NOT NULL,
		relationship TEXT NOT NULL,
		confidence REAL NOT NULL,
		UNIQUE(from_memory_id, to_memory_id, relationship)
	)`,
	`CREATE TABLE IF NOT EXISTS consolidation_runs (
		run_id TEXT NOT NULL UNIQUE,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		memories_created INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS file_metadata_initialized (agent_id TEXT PRIMARY KEY)`,
}

// InitializeSchema runs every migration. Idempotent: repeated invocations
// are a no-op (spec.md §8 invariant 4), guarded both by CREATE-IF-NOT-EXISTS
// DDL and by an in-process flag to skip re-running once per process.
func (d *DB) InitializeSchema() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schemaInit {
		return nil
	}
	for _, stmt := range schemaMigrations {
		if _, err := d.sqlDB.Exec(stmt); err != nil {
			if d.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return core.Wrapf(core.KindTransient, "agent db migration failed: %s", err, stmt)
		}
	}
	d.schemaInit = true
	return nil
}

// Conn exposes the underlying *sql.DB for query helpers in sibling
// packages (indexing, memory) that need bespoke SQL this wrapper doesn't
// generalize.
func (d *DB) Conn() *sql.DB { return d.sqlDB }

// Driver reports which backend this handle talks to ("sqlite" or "postgres").
func (d *DB) Driver() string { return d.driver }

// Close releases the underlying connection. Only the owning agent's
// teardown path may call this (spec.md §5: "callers must not close it").
func (d *DB) Close() error { return d.sqlDB.Close() }

// EscapeLiteral escapes a string for safe interpolation into a datalog
// literal, the small SQL-injection guard spec.md §4.C4 requires for the
// handful of query paths that cannot use parameter binding (dynamic
// relation/column names assembled from the code-graph schema).
func EscapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// RelationNotFound reports whether err represents a missing-relation
// condition that queries against not-yet-migrated schema MUST tolerate
// (spec.md §4.C4, §7 schema-not-ready).
func RelationNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || // sqlite
		strings.Contains(msg, "does not exist") // postgres
}

// WrapQueryError classifies a query error as schema-not-ready when it is a
// missing-relation failure, or wraps it as transient otherwise.
func WrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if RelationNotFound(err) {
		return core.Wrap(core.KindSchemaNotReady, op, err)
	}
	return core.Wrap(core.KindTransient, op, err)
}

// Placeholder returns the positional SQL placeholder token for argument
// index n (1-based): "?" for SQLite, "$n" for PostgreSQL.
func (d *DB) Placeholder(n int) string {
	if d.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
