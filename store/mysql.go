package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store for shared, multi-worker
// deployments.
//
// DSN format (go-sql-driver):
//
//	user:password@tcp(host:3306)/flowrun?parseTime=true
//
// parseTime=true is required so TIMESTAMP columns scan into time.Time.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore opens (and migrates) a MySQL-backed store.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			status VARCHAR(16) NOT NULL,
			definition MEDIUMTEXT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_workflows_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			trigger_payload MEDIUMTEXT,
			started_at TIMESTAMP(6) NULL,
			finished_at TIMESTAMP(6) NULL,
			error_message TEXT,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_executions_workflow (workflow_id),
			INDEX idx_executions_status (status),
			INDEX idx_executions_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS execution_steps (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			node_type VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			input MEDIUMTEXT,
			output MEDIUMTEXT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_steps_execution (execution_id),
			INDEX idx_steps_node (node_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS execution_step_attempts (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			node_type VARCHAR(64) NOT NULL,
			attempt INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			reason TEXT,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_attempts_execution (execution_id, node_id, attempt)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS execution_context_snapshots (
			execution_id VARCHAR(64) NOT NULL,
			sequence INT NOT NULL,
			reason VARCHAR(16) NOT NULL,
			node_id VARCHAR(128),
			node_type VARCHAR(64),
			state MEDIUMTEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS execution_retrieval_events (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			node_type VARCHAR(64) NOT NULL,
			query TEXT NOT NULL,
			top_k INT NOT NULL,
			attempt INT NOT NULL,
			max_attempts INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			matches_count INT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			scope_type VARCHAR(16),
			corpus_id VARCHAR(64),
			workflow_id_scope VARCHAR(64),
			execution_id_scope VARCHAR(64),
			strategy VARCHAR(32),
			retriever_key VARCHAR(128),
			branch_index INT NOT NULL DEFAULT 0,
			selected BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_retrieval_execution (execution_id),
			INDEX idx_retrieval_status (status),
			INDEX idx_retrieval_strategy (strategy),
			INDEX idx_retrieval_key (retriever_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS knowledge_corpora (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			scope_type VARCHAR(16) NOT NULL,
			workflow_id VARCHAR(64),
			execution_id VARCHAR(64),
			status VARCHAR(16) NOT NULL,
			metadata MEDIUMTEXT,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_corpora_user (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id VARCHAR(64) PRIMARY KEY,
			corpus_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			source_type VARCHAR(16) NOT NULL,
			title VARCHAR(512) NOT NULL,
			mime_type VARCHAR(128),
			content_text MEDIUMTEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			error TEXT,
			metadata MEDIUMTEXT,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_documents_corpus (corpus_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id VARCHAR(64) PRIMARY KEY,
			corpus_id VARCHAR(64) NOT NULL,
			document_id VARCHAR(64) NOT NULL,
			chunk_index INT NOT NULL,
			content MEDIUMTEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			embedding TEXT NOT NULL,
			embedding_model VARCHAR(64) NOT NULL,
			metadata MEDIUMTEXT,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_chunks_document (document_id, chunk_index),
			INDEX idx_chunks_corpus (corpus_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
