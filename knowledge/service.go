package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/store"
)

// Retrieval query clamps.
const (
	minTopK           = 1
	maxTopK           = 50
	maxCandidateLimit = 1000
)

// Service runs the knowledge ingestion pipeline and the retrieval query
// path. It is consumed synchronously by the knowledge-ingest node and
// asynchronously by the ingestion queue consumer; Retrieve and Ingest
// satisfy the engine's capability signatures.
type Service struct {
	store    store.Store
	embedder Embedder
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEmbedder replaces the built-in deterministic embedder.
func WithEmbedder(e Embedder) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.embedder = e
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGen injects the id generator for corpora, documents and chunks.
func WithIDGen(newID func() string) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService creates a knowledge service over the persistence gateway.
func NewService(st store.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		embedder: DeterministicEmbedder{Dim: DefaultEmbeddingDim},
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCorpusRequest creates a corpus scoped to a user, workflow or
// execution.
type CreateCorpusRequest struct {
	UserID      string
	Name        string
	Description string
	ScopeType   string
	WorkflowID  string
	ExecutionID string
}

// CreateCorpus validates the scope invariants and persists a new corpus.
// A workflow-scoped corpus requires a workflow id, an execution-scoped one
// an execution id; user scope carries neither.
func (s *Service) CreateCorpus(ctx context.Context, req CreateCorpusRequest) (*store.Corpus, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("corpus requires a user id")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("corpus requires a name")
	}
	scope := req.ScopeType
	if scope == "" {
		scope = store.ScopeUser
	}
	switch scope {
	case store.ScopeUser:
		req.WorkflowID, req.ExecutionID = "", ""
	case store.ScopeWorkflow:
		if req.WorkflowID == "" {
			return nil, fmt.Errorf("workflow-scoped corpus requires a workflow id")
		}
		req.ExecutionID = ""
	case store.ScopeExecution:
		if req.ExecutionID == "" {
			return nil, fmt.Errorf("execution-scoped corpus requires an execution id")
		}
	default:
		return nil, fmt.Errorf("unknown corpus scope %q", scope)
	}

	now := s.now()
	corpus := &store.Corpus{
		ID:          s.newID(),
		UserID:      req.UserID,
		Name:        req.Name,
		Description: req.Description,
		ScopeType:   scope,
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		Status:      store.CorpusReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCorpus(ctx, corpus); err != nil {
		return nil, err
	}
	return corpus, nil
}

// CreateDocumentRequest adds a pending document to a corpus.
type CreateDocumentRequest struct {
	CorpusID    string
	UserID      string
	Title       string
	ContentText string
	SourceType  string
	MimeType    string
}

// CreateDocument persists a pending document, ready for ingestion.
func (s *Service) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*store.Document, error) {
	if req.CorpusID == "" {
		return nil, fmt.Errorf("document requires a corpus id")
	}
	if req.ContentText == "" {
		return nil, fmt.Errorf("document requires content")
	}
	corpus, err := s.store.GetCorpus(ctx, req.CorpusID)
	if err != nil {
		return nil, err
	}
	if corpus.UserID != req.UserID {
		return nil, store.ErrNotFound
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = "text"
	}
	title := req.Title
	if title == "" {
		title = "untitled"
	}
	now := s.now()
	doc := &store.Document{
		ID:          s.newID(),
		CorpusID:    req.CorpusID,
		UserID:      req.UserID,
		SourceType:  sourceType,
		Title:       title,
		MimeType:    req.MimeType,
		ContentText: req.ContentText,
		Status:      store.DocumentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// IngestDocument runs the ingestion pipeline for one document: lock it,
// chunk, embed, replace the chunk set, then roll the corpus status. Errors
// mark the document failed (sanitized message), the corpus failed, and are
// rethrown so the queue retries the job.
func (s *Service) IngestDocument(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	doc.Status = store.DocumentProcessing
	doc.Error = ""
	doc.UpdatedAt = s.now()
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		return err
	}
	if err := s.store.UpdateCorpusStatus(ctx, doc.CorpusID, store.CorpusIngesting); err != nil {
		return err
	}

	chunkCount, err := s.ingest(ctx, doc)
	if err != nil {
		doc.Status = store.DocumentFailed
		doc.Error = flow.SanitizeError(err)
		doc.UpdatedAt = s.now()
		if uerr := s.store.UpdateDocument(ctx, doc); uerr != nil {
			s.logger.Error().Err(uerr).Str("documentId", doc.ID).Msg("failed to mark document failed")
		}
		if uerr := s.store.UpdateCorpusStatus(ctx, doc.CorpusID, store.CorpusFailed); uerr != nil {
			s.logger.Error().Err(uerr).Str("corpusId", doc.CorpusID).Msg("failed to mark corpus failed")
		}
		return err
	}

	doc.Status = store.DocumentReady
	doc.UpdatedAt = s.now()
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		return err
	}
	if err := s.rollCorpusStatus(ctx, doc.CorpusID); err != nil {
		return err
	}

	s.logger.Info().
		Str("documentId", doc.ID).
		Str("corpusId", doc.CorpusID).
		Int("chunks", chunkCount).
		Msg("document ingested")
	return nil
}

// ingest chunks and embeds the document, replacing its chunk set.
func (s *Service) ingest(ctx context.Context, doc *store.Document) (int, error) {
	spans := ChunkText(doc.ContentText, ChunkOptions{})
	chunks := make([]*store.Chunk, 0, len(spans))
	for _, span := range spans {
		embedding, err := s.embedder.Embed(ctx, span.Content)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d: %w", span.Index, err)
		}
		chunks = append(chunks, &store.Chunk{
			ID:             s.newID(),
			CorpusID:       doc.CorpusID,
			DocumentID:     doc.ID,
			ChunkIndex:     span.Index,
			Content:        span.Content,
			TokenCount:     TokenCount(span.Content),
			Embedding:      embedding,
			EmbeddingModel: s.embedder.Model(),
			CreatedAt:      s.now(),
		})
	}
	if err := s.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// rollCorpusStatus recomputes the corpus status from its documents: failed
// if any document failed, ingesting if any is pending or processing, ready
// otherwise.
func (s *Service) rollCorpusStatus(ctx context.Context, corpusID string) error {
	status := store.CorpusReady
	page := store.Page{Page: 1, Limit: 200}
	for {
		docs, err := s.store.ListDocuments(ctx, corpusID, page)
		if err != nil {
			return err
		}
		for _, d := range docs {
			switch d.Status {
			case store.DocumentFailed:
				return s.store.UpdateCorpusStatus(ctx, corpusID, store.CorpusFailed)
			case store.DocumentPending, store.DocumentProcessing:
				status = store.CorpusIngesting
			}
		}
		if len(docs) < page.Limit {
			break
		}
		page.Page++
	}
	return s.store.UpdateCorpusStatus(ctx, corpusID, status)
}

// QueryRequest is one retrieval query. TopK is clamped to [1, 50]; the
// remaining fields narrow the corpus scope.
type QueryRequest struct {
	UserID      string
	Query       string
	TopK        int
	CorpusID    string
	ScopeType   string
	WorkflowID  string
	ExecutionID string
}

// Query ranks candidate chunks by cosine similarity to the query embedding
// and returns the top matches. Non-finite scores are discarded.
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]flow.Match, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("query requires a user id")
	}
	if req.Query == "" {
		return nil, fmt.Errorf("query requires text")
	}
	topK := clampTopK(req.TopK)

	corpora, err := s.store.FindCorpora(ctx, store.CorpusFilter{
		UserID:      req.UserID,
		CorpusID:    req.CorpusID,
		ScopeType:   req.ScopeType,
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	if len(corpora) == 0 {
		return []flow.Match{}, nil
	}
	corpusIDs := make([]string, len(corpora))
	for i, c := range corpora {
		corpusIDs[i] = c.ID
	}

	chunks, err := s.store.ChunksByCorpora(ctx, corpusIDs, candidateLimit(topK))
	if err != nil {
		return nil, err
	}

	queryEmbedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	matches := make([]flow.Match, 0, len(chunks))
	for _, c := range chunks {
		score := CosineSimilarity(queryEmbedding, c.Embedding)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		matches = append(matches, flow.Match{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			CorpusID:   c.CorpusID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Score:      score,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Retrieve adapts Query to the engine's retrieval capability signature.
func (s *Service) Retrieve(ctx context.Context, req flow.RetrieveRequest) ([]flow.Match, error) {
	return s.Query(ctx, QueryRequest{
		UserID:      req.UserID,
		Query:       req.Query,
		TopK:        req.TopK,
		CorpusID:    req.CorpusID,
		ScopeType:   req.ScopeType,
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
	})
}

// Ingest adapts the engine's synchronous ingestion capability: it resolves
// or creates the target corpus, creates one document per spec and ingests
// each in-line. The first document failure aborts and propagates so the
// node's retry policy applies.
func (s *Service) Ingest(ctx context.Context, req flow.IngestRequest) (flow.IngestResult, error) {
	var result flow.IngestResult
	if len(req.Documents) == 0 {
		return result, fmt.Errorf("ingest request has no documents")
	}

	corpusID := req.CorpusID
	if corpusID == "" {
		scope := req.ScopeType
		if scope == "" {
			scope = store.ScopeExecution
		}
		name := req.CorpusName
		if name == "" {
			name = "corpus-" + req.ExecutionID
		}
		corpus, err := s.CreateCorpus(ctx, CreateCorpusRequest{
			UserID:      req.UserID,
			Name:        name,
			ScopeType:   scope,
			WorkflowID:  req.WorkflowID,
			ExecutionID: req.ExecutionID,
		})
		if err != nil {
			return result, err
		}
		corpusID = corpus.ID
	}
	result.CorpusID = corpusID

	for _, spec := range req.Documents {
		doc, err := s.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID:    corpusID,
			UserID:      req.UserID,
			Title:       spec.Title,
			ContentText: spec.Content,
			SourceType:  spec.SourceType,
			MimeType:    spec.MimeType,
		})
		if err != nil {
			return result, err
		}
		if err := s.IngestDocument(ctx, doc.ID); err != nil {
			return result, err
		}
		refreshed, err := s.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return result, err
		}
		chunkCount := 0
		for page := (store.Page{Page: 1, Limit: 200}); ; page.Page++ {
			chunks, err := s.store.ListChunks(ctx, doc.ID, page)
			if err != nil {
				return result, err
			}
			chunkCount += len(chunks)
			if len(chunks) < page.Limit {
				break
			}
		}
		result.Documents = append(result.Documents, flow.IngestedDocument{
			CorpusID:   corpusID,
			DocumentID: doc.ID,
			ChunkCount: chunkCount,
			Status:     refreshed.Status,
		})
	}
	return result, nil
}

// clampTopK bounds a requested topK to [1, 50].
func clampTopK(k int) int {
	if k < minTopK {
		return minTopK
	}
	if k > maxTopK {
		return maxTopK
	}
	return k
}

// candidateLimit is the chunk candidate pool size: topK*40 clamped to
// [topK*5, 1000].
func candidateLimit(topK int) int {
	limit := topK * 40
	if limit < topK*5 {
		limit = topK * 5
	}
	if limit > maxCandidateLimit {
		limit = maxCandidateLimit
	}
	return limit
}
