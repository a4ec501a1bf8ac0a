package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sqlStore implements Store over database/sql. Both the SQLite and MySQL
// drivers use ? placeholders, so the statements are shared; only the DDL
// and connection setup differ (see sqlite.go and mysql.go).
type sqlStore struct {
	db *sql.DB
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func rawOrNull(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func rawFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// SaveWorkflow upserts a workflow row.
func (s *sqlStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		REPLACE INTO workflows (id, user_id, name, description, status, definition, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, nullStr(wf.Description), wf.Status,
		string(wf.Definition), wf.Version, wf.CreatedAt.UTC(), wf.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row interface{ Scan(...any) error }) (*Workflow, error) {
	var wf Workflow
	var desc sql.NullString
	var def string
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &desc, &wf.Status, &def, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Definition = json.RawMessage(def)
	return &wf, nil
}

// GetWorkflow returns a workflow by id.
func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, status, definition, version, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListActiveWorkflows returns all active workflows ordered by id.
func (s *sqlStore) ListActiveWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, status, definition, version, created_at, updated_at
		FROM workflows WHERE status = ? ORDER BY id`, WorkflowActive)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	defer rows.Close()
	out := make([]*Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// CreateExecution inserts a new execution row.
func (s *sqlStore) CreateExecution(ctx context.Context, ex *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, status, trigger_payload, started_at, finished_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.UserID, ex.Status, rawOrNull(ex.TriggerPayload),
		nullTime(ex.StartedAt), nullTime(ex.FinishedAt), nullStr(ex.ErrorMessage), ex.CreatedAt.UTC())
	if err != nil {
		if isDuplicateErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// isDuplicateErr reports whether the driver error indicates a primary key
// collision. Matching on message text keeps this portable across the two
// drivers without importing driver-specific error types.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var ex Execution
	var payload, errMsg sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.UserID, &ex.Status, &payload, &started, &finished, &errMsg, &ex.CreatedAt); err != nil {
		return nil, err
	}
	ex.TriggerPayload = rawFrom(payload)
	ex.StartedAt = timePtr(started)
	ex.FinishedAt = timePtr(finished)
	ex.ErrorMessage = errMsg.String
	return &ex, nil
}

// GetExecution returns an execution by id.
func (s *sqlStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, user_id, status, trigger_payload, started_at, finished_at, error_message, created_at
		FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

// UpdateExecution replaces the mutable fields of an execution row.
func (s *sqlStore) UpdateExecution(ctx context.Context, ex *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, started_at = ?, finished_at = ?, error_message = ?
		WHERE id = ?`,
		ex.Status, nullTime(ex.StartedAt), nullTime(ex.FinishedAt), nullStr(ex.ErrorMessage), ex.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		// RowsAffected can be 0 on a no-change update in MySQL; verify.
		if _, getErr := s.GetExecution(ctx, ex.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListExecutionsByWorkflow returns executions newest first.
func (s *sqlStore) ListExecutionsByWorkflow(ctx context.Context, workflowID string, page Page) ([]*Execution, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, user_id, status, trigger_payload, started_at, finished_at, error_message, created_at
		FROM executions WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		workflowID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	out := make([]*Execution, 0)
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SaveStep inserts a terminal step record.
func (s *sqlStore) SaveStep(ctx context.Context, step *ExecutionStep) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (id, execution_id, node_id, node_type, status, input, output, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, step.NodeType, step.Status,
		rawOrNull(step.Input), rawOrNull(step.Output), step.DurationMS, nullStr(step.Error), step.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// ListSteps returns all step records for an execution in insertion order.
func (s *sqlStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, node_type, status, input, output, duration_ms, error, created_at
		FROM execution_steps WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	out := make([]*ExecutionStep, 0)
	for rows.Next() {
		var st ExecutionStep
		var input, output, errMsg sql.NullString
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &st.NodeType, &st.Status, &input, &output, &st.DurationMS, &errMsg, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Input = rawFrom(input)
		st.Output = rawFrom(output)
		st.Error = errMsg.String
		out = append(out, &st)
	}
	return out, rows.Err()
}

// SaveStepAttempt inserts an attempt record.
func (s *sqlStore) SaveStepAttempt(ctx context.Context, a *StepAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_step_attempts (execution_id, node_id, node_type, attempt, status, duration_ms, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ExecutionID, a.NodeID, a.NodeType, a.Attempt, a.Status, a.DurationMS, nullStr(a.Reason), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save step attempt: %w", err)
	}
	return nil
}

// ListStepAttempts returns attempts ordered by (node_id, attempt).
func (s *sqlStore) ListStepAttempts(ctx context.Context, executionID string, page Page) ([]*StepAttempt, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, node_type, attempt, status, duration_ms, reason, created_at
		FROM execution_step_attempts WHERE execution_id = ?
		ORDER BY node_id, attempt LIMIT ? OFFSET ?`,
		executionID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list step attempts: %w", err)
	}
	defer rows.Close()
	out := make([]*StepAttempt, 0)
	for rows.Next() {
		var a StepAttempt
		var reason sql.NullString
		if err := rows.Scan(&a.ExecutionID, &a.NodeID, &a.NodeType, &a.Attempt, &a.Status, &a.DurationMS, &reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step attempt: %w", err)
		}
		a.Reason = reason.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveContextSnapshot inserts a context snapshot.
func (s *sqlStore) SaveContextSnapshot(ctx context.Context, snap *ContextSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_context_snapshots (execution_id, sequence, reason, node_id, node_type, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ExecutionID, snap.Sequence, snap.Reason, nullStr(snap.NodeID), nullStr(snap.NodeType),
		string(snap.State), snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save context snapshot: %w", err)
	}
	return nil
}

// ListContextSnapshots returns snapshots ordered by sequence.
func (s *sqlStore) ListContextSnapshots(ctx context.Context, executionID string, page Page) ([]*ContextSnapshot, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, sequence, reason, node_id, node_type, state, created_at
		FROM execution_context_snapshots WHERE execution_id = ?
		ORDER BY sequence LIMIT ? OFFSET ?`,
		executionID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list context snapshots: %w", err)
	}
	defer rows.Close()
	out := make([]*ContextSnapshot, 0)
	for rows.Next() {
		var snap ContextSnapshot
		var nodeID, nodeType sql.NullString
		var state string
		if err := rows.Scan(&snap.ExecutionID, &snap.Sequence, &snap.Reason, &nodeID, &nodeType, &state, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context snapshot: %w", err)
		}
		snap.NodeID = nodeID.String
		snap.NodeType = nodeType.String
		snap.State = json.RawMessage(state)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// SaveRetrievalEvent inserts a retrieval event.
func (s *sqlStore) SaveRetrievalEvent(ctx context.Context, ev *RetrievalEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_retrieval_events
		(execution_id, node_id, node_type, query, top_k, attempt, max_attempts, status, matches_count,
		 duration_ms, error_message, scope_type, corpus_id, workflow_id_scope, execution_id_scope,
		 strategy, retriever_key, branch_index, selected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.NodeID, ev.NodeType, ev.Query, ev.TopK, ev.Attempt, ev.MaxAttempts,
		ev.Status, ev.MatchesCount, ev.DurationMS, nullStr(ev.ErrorMessage), nullStr(ev.ScopeType),
		nullStr(ev.CorpusID), nullStr(ev.WorkflowIDScope), nullStr(ev.ExecutionIDScope),
		nullStr(ev.Strategy), nullStr(ev.RetrieverKey), ev.BranchIndex, ev.Selected, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save retrieval event: %w", err)
	}
	return nil
}

// ListRetrievalEvents returns retrieval events in emission order.
func (s *sqlStore) ListRetrievalEvents(ctx context.Context, executionID string, page Page) ([]*RetrievalEvent, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, node_type, query, top_k, attempt, max_attempts, status, matches_count,
		       duration_ms, error_message, scope_type, corpus_id, workflow_id_scope, execution_id_scope,
		       strategy, retriever_key, branch_index, selected, created_at
		FROM execution_retrieval_events WHERE execution_id = ?
		ORDER BY seq LIMIT ? OFFSET ?`,
		executionID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list retrieval events: %w", err)
	}
	defer rows.Close()
	out := make([]*RetrievalEvent, 0)
	for rows.Next() {
		var ev RetrievalEvent
		var errMsg, scope, corpus, wfScope, exScope, strategy, key sql.NullString
		if err := rows.Scan(&ev.ExecutionID, &ev.NodeID, &ev.NodeType, &ev.Query, &ev.TopK, &ev.Attempt,
			&ev.MaxAttempts, &ev.Status, &ev.MatchesCount, &ev.DurationMS, &errMsg, &scope, &corpus,
			&wfScope, &exScope, &strategy, &key, &ev.BranchIndex, &ev.Selected, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retrieval event: %w", err)
		}
		ev.ErrorMessage = errMsg.String
		ev.ScopeType = scope.String
		ev.CorpusID = corpus.String
		ev.WorkflowIDScope = wfScope.String
		ev.ExecutionIDScope = exScope.String
		ev.Strategy = strategy.String
		ev.RetrieverKey = key.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CreateCorpus inserts a corpus.
func (s *sqlStore) CreateCorpus(ctx context.Context, c *Corpus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_corpora (id, user_id, name, description, scope_type, workflow_id, execution_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, nullStr(c.Description), c.ScopeType, nullStr(c.WorkflowID),
		nullStr(c.ExecutionID), c.Status, rawOrNull(c.Metadata), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		if isDuplicateErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("create corpus: %w", err)
	}
	return nil
}

func scanCorpus(row interface{ Scan(...any) error }) (*Corpus, error) {
	var c Corpus
	var desc, wfID, exID, meta sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &desc, &c.ScopeType, &wfID, &exID, &c.Status, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.WorkflowID = wfID.String
	c.ExecutionID = exID.String
	c.Metadata = rawFrom(meta)
	return &c, nil
}

// GetCorpus returns a corpus by id.
func (s *sqlStore) GetCorpus(ctx context.Context, id string) (*Corpus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, scope_type, workflow_id, execution_id, status, metadata, created_at, updated_at
		FROM knowledge_corpora WHERE id = ?`, id)
	c, err := scanCorpus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get corpus: %w", err)
	}
	return c, nil
}

// UpdateCorpusStatus sets a corpus status.
func (s *sqlStore) UpdateCorpusStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_corpora SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update corpus status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := s.GetCorpus(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListCorpora returns a user's corpora, newest first.
func (s *sqlStore) ListCorpora(ctx context.Context, userID string, page Page) ([]*Corpus, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, scope_type, workflow_id, execution_id, status, metadata, created_at, updated_at
		FROM knowledge_corpora WHERE user_id = ?
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		userID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list corpora: %w", err)
	}
	defer rows.Close()
	return collectCorpora(rows)
}

// FindCorpora returns corpora matching the filter, ordered by id.
func (s *sqlStore) FindCorpora(ctx context.Context, f CorpusFilter) ([]*Corpus, error) {
	query := `SELECT id, user_id, name, description, scope_type, workflow_id, execution_id, status, metadata, created_at, updated_at
		FROM knowledge_corpora WHERE 1=1`
	args := make([]any, 0, 5)
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.CorpusID != "" {
		query += " AND id = ?"
		args = append(args, f.CorpusID)
	}
	if f.ScopeType != "" {
		query += " AND scope_type = ?"
		args = append(args, f.ScopeType)
	}
	if f.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, f.ExecutionID)
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find corpora: %w", err)
	}
	defer rows.Close()
	return collectCorpora(rows)
}

func collectCorpora(rows *sql.Rows) ([]*Corpus, error) {
	out := make([]*Corpus, 0)
	for rows.Next() {
		c, err := scanCorpus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan corpus: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateDocument inserts a document.
func (s *sqlStore) CreateDocument(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, corpus_id, user_id, source_type, title, mime_type, content_text, status, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CorpusID, d.UserID, d.SourceType, d.Title, nullStr(d.MimeType), d.ContentText,
		d.Status, nullStr(d.Error), rawOrNull(d.Metadata), d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		if isDuplicateErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var mime, errMsg, meta sql.NullString
	if err := row.Scan(&d.ID, &d.CorpusID, &d.UserID, &d.SourceType, &d.Title, &mime, &d.ContentText, &d.Status, &errMsg, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.MimeType = mime.String
	d.Error = errMsg.String
	d.Metadata = rawFrom(meta)
	return &d, nil
}

// GetDocument returns a document by id.
func (s *sqlStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, corpus_id, user_id, source_type, title, mime_type, content_text, status, error, metadata, created_at, updated_at
		FROM knowledge_documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// UpdateDocument replaces the mutable fields of a document row.
func (s *sqlStore) UpdateDocument(ctx context.Context, d *Document) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_documents SET status = ?, error = ?, title = ?, content_text = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		d.Status, nullStr(d.Error), d.Title, d.ContentText, rawOrNull(d.Metadata), d.UpdatedAt.UTC(), d.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := s.GetDocument(ctx, d.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListDocuments returns a corpus's documents in creation order.
func (s *sqlStore) ListDocuments(ctx context.Context, corpusID string, page Page) ([]*Document, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, corpus_id, user_id, source_type, title, mime_type, content_text, status, error, metadata, created_at, updated_at
		FROM knowledge_documents WHERE corpus_id = ?
		ORDER BY created_at, id LIMIT ? OFFSET ?`,
		corpusID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	out := make([]*Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplaceChunks deletes a document's chunks and inserts the new set in one
// transaction.
func (s *sqlStore) ReplaceChunks(ctx context.Context, documentID string, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace chunks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	for _, c := range chunks {
		embedding, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_chunks (id, corpus_id, document_id, chunk_index, content, token_count, embedding, embedding_model, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.CorpusID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount,
			string(embedding), c.EmbeddingModel, rawOrNull(c.Metadata), c.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace chunks: %w", err)
	}
	return nil
}

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var embedding string
	var meta sql.NullString
	if err := row.Scan(&c.ID, &c.CorpusID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &embedding, &c.EmbeddingModel, &meta, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(embedding), &c.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	c.Metadata = rawFrom(meta)
	return &c, nil
}

// ListChunks returns a document's chunks ordered by chunk index.
func (s *sqlStore) ListChunks(ctx context.Context, documentID string, page Page) ([]*Chunk, error) {
	p := page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, corpus_id, document_id, chunk_index, content, token_count, embedding, embedding_model, metadata, created_at
		FROM knowledge_chunks WHERE document_id = ?
		ORDER BY chunk_index LIMIT ? OFFSET ?`,
		documentID, p.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ChunksByCorpora returns up to limit candidate chunks for the query path in
// a stable (corpus_id, document_id, chunk_index) order.
func (s *sqlStore) ChunksByCorpora(ctx context.Context, corpusIDs []string, limit int) ([]*Chunk, error) {
	if len(corpusIDs) == 0 {
		return []*Chunk{}, nil
	}
	placeholders := strings.Repeat("?,", len(corpusIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(corpusIDs)+1)
	for _, id := range corpusIDs {
		args = append(args, id)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, corpus_id, document_id, chunk_index, content, token_count, embedding, embedding_model, metadata, created_at
		FROM knowledge_chunks WHERE corpus_id IN (`+placeholders+`)
		ORDER BY corpus_id, document_id, chunk_index LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks by corpora: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	out := make([]*Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
