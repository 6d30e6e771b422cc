// Package store provides SQLite-backed persistence for Kaiba.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to the Kaiba SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL keeps readers off the writer's back; sqlite time format keeps
	// DATETIME columns comparable as text.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
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

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		manifest TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS persona_states (
		persona_id TEXT PRIMARY KEY,
		token_budget INTEGER NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		energy_level INTEGER NOT NULL,
		energy_regen_per_hour INTEGER NOT NULL,
		mood TEXT NOT NULL,
		last_active_at DATETIME,
		last_learn_at DATETIME,
		last_digest_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (persona_id) REFERENCES personas(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS backends (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		model_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_fallback INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS persona_backends (
		persona_id TEXT NOT NULL,
		backend_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (persona_id, backend_id),
		FOREIGN KEY (persona_id) REFERENCES personas(id) ON DELETE CASCADE,
		FOREIGN KEY (backend_id) REFERENCES backends(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		events TEXT NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		max_retries INTEGER NOT NULL,
		timeout_ms INTEGER NOT NULL,
		payload_format TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		event TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at DATETIME,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		digested_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		persona_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_webhooks_persona_id ON webhooks(persona_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_subscription_id ON webhook_deliveries(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries(status);
	CREATE INDEX IF NOT EXISTS idx_memories_persona_type ON memories(persona_id, memory_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_persona_id ON pdr(persona_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.ensureColumn("memories", "digested_at", "DATETIME"); err != nil {
		return err
	}
	return s.migrateMemorySearch()
}

// migrateMemorySearch creates the full-text index over memory content and
// fills it when it is new.
func (s *Store) migrateMemorySearch() error {
	var exists int
	if err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'memories_fts'`).Scan(&exists); err != nil {
		return fmt.Errorf("check memories_fts: %w", err)
	}

	_, err := s.db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content);

	CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts (memory_id, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content ON memories BEGIN
		UPDATE memories_fts SET content = new.content WHERE memory_id = old.id;
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
		DELETE FROM memories_fts WHERE memory_id = old.id;
	END;
	`)
	if err != nil {
		return fmt.Errorf("create memories_fts: %w", err)
	}
	if exists == 0 {
		if _, err := s.db.Exec(`INSERT INTO memories_fts (memory_id, content) SELECT id, content FROM memories`); err != nil {
			return fmt.Errorf("backfill memories_fts: %w", err)
		}
	}
	return nil
}

// ensureColumn adds a column missing from a table created by an older
// schema.
func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
