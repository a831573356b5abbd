package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic. The database is
// strictly a cache: deleting the file forces a full rebuild from the remote
// store on the next warm-up, with no data loss.
type DB struct {
	*sql.DB
}

// Open creates or opens the cache database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite handles one writer at a time; concurrent writers (extraction,
	// maintenance, access recording) serialize at the engine level.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS memory_cache (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  content TEXT NOT NULL,
  summary TEXT,
  memory_type TEXT NOT NULL,
  category TEXT,
  symbols TEXT,
  strategies TEXT,
  embedding BLOB,
  embedding_model TEXT,
  importance_score REAL NOT NULL DEFAULT 0.5,
  decay_factor REAL NOT NULL DEFAULT 0.95,
  access_count INTEGER NOT NULL DEFAULT 0,
  last_accessed_at INTEGER,
  protection_level INTEGER NOT NULL DEFAULT 2,
  financial_impact REAL,
  source TEXT,
  confidence REAL NOT NULL DEFAULT 0.8,
  related_ids TEXT,
  contradicts_ids TEXT,
  supersedes_ids TEXT,
  regime_context TEXT,
  content_hash TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  archived INTEGER NOT NULL DEFAULT 0,
  synced_at INTEGER NOT NULL,
  pending_sync INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_workspace ON memory_cache(workspace_id);
CREATE INDEX IF NOT EXISTS idx_cache_content_hash ON memory_cache(workspace_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_cache_importance ON memory_cache(workspace_id, importance_score);
CREATE INDEX IF NOT EXISTS idx_cache_synced_at ON memory_cache(synced_at);
CREATE INDEX IF NOT EXISTS idx_cache_pending ON memory_cache(pending_sync);

CREATE TABLE IF NOT EXISTS query_cache (
  query_key TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  result_ids TEXT NOT NULL,
  hit_count INTEGER NOT NULL DEFAULT 0,
  avg_response_ms REAL NOT NULL DEFAULT 0,
  cached_at INTEGER NOT NULL,
  PRIMARY KEY (query_key, workspace_id)
);

CREATE TABLE IF NOT EXISTS extraction_state (
  session_id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  last_turn_seq INTEGER NOT NULL DEFAULT 0,
  turns_processed INTEGER NOT NULL DEFAULT 0,
  memories_extracted INTEGER NOT NULL DEFAULT 0,
  last_run_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS turns (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  seq INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);

CREATE TABLE IF NOT EXISTS embedding_cache (
  content_hash TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  model TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	// FTS5 virtual table and sync triggers are created separately since
	// IF NOT EXISTS isn't always supported for virtual tables in older SQLite.
	fts := `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_cache_fts USING fts5(
  content, summary, category,
  content='memory_cache', content_rowid='rowid',
  tokenize='porter unicode61'
);
`
	if _, err := db.Exec(fts); err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_cache_ai AFTER INSERT ON memory_cache BEGIN
  INSERT INTO memory_cache_fts(rowid, content, summary, category)
  VALUES (NEW.rowid, NEW.content, NEW.summary, NEW.category);
END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_cache_ad AFTER DELETE ON memory_cache BEGIN
  INSERT INTO memory_cache_fts(memory_cache_fts, rowid, content, summary, category)
  VALUES ('delete', OLD.rowid, OLD.content, OLD.summary, OLD.category);
END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_cache_au AFTER UPDATE ON memory_cache BEGIN
  INSERT INTO memory_cache_fts(memory_cache_fts, rowid, content, summary, category)
  VALUES ('delete', OLD.rowid, OLD.content, OLD.summary, OLD.category);
  INSERT INTO memory_cache_fts(rowid, content, summary, category)
  VALUES (NEW.rowid, NEW.content, NEW.summary, NEW.category);
END;`,
	}

	for _, t := range triggers {
		if _, err := db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}

	return nil
}

// EntryCount returns the total number of cached memories.
func (db *DB) EntryCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM memory_cache").Scan(&count)
	return count, err
}
