package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the whole engine state in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Prototyping before migrating to MySQL
//
// WAL mode is enabled so readers do not block the single writer.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flowrun.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./flowrun.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlStore: sqlStore{db: db}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it does not exist. Index set follows
// the read paths: executions by workflow/status/created, execution-scoped
// children by execution id, chunks by document and corpus.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			definition TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_payload TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at)`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON execution_steps(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_node ON execution_steps(node_id)`,

		`CREATE TABLE IF NOT EXISTS execution_step_attempts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_execution ON execution_step_attempts(execution_id, node_id, attempt)`,

		`CREATE TABLE IF NOT EXISTS execution_context_snapshots (
			execution_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			reason TEXT NOT NULL,
			node_id TEXT,
			node_type TEXT,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		)`,

		`CREATE TABLE IF NOT EXISTS execution_retrieval_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			query TEXT NOT NULL,
			top_k INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			matches_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			scope_type TEXT,
			corpus_id TEXT,
			workflow_id_scope TEXT,
			execution_id_scope TEXT,
			strategy TEXT,
			retriever_key TEXT,
			branch_index INTEGER NOT NULL DEFAULT 0,
			selected INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_execution ON execution_retrieval_events(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_status ON execution_retrieval_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_strategy ON execution_retrieval_events(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_key ON execution_retrieval_events(retriever_key)`,

		`CREATE TABLE IF NOT EXISTS knowledge_corpora (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			scope_type TEXT NOT NULL,
			workflow_id TEXT,
			execution_id TEXT,
			status TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_corpora_user ON knowledge_corpora(user_id)`,

		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			corpus_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			title TEXT NOT NULL,
			mime_type TEXT,
			content_text TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_corpus ON knowledge_documents(corpus_id)`,

		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			corpus_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			embedding TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON knowledge_chunks(document_id, chunk_index)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_corpus ON knowledge_chunks(corpus_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
