package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/knowledge"
	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/store"
)

// Knowledge is the corpus-management facade. Document ingestion goes through
// the knowledge-ingestion queue; the ingestion worker drives the pipeline.
type Knowledge struct {
	store   store.Store
	service *knowledge.Service
	queue   queue.Queue
	logger  zerolog.Logger
}

// KnowledgeOption configures the facade.
type KnowledgeOption func(*Knowledge)

// WithKnowledgeLogger sets the logger.
func WithKnowledgeLogger(l zerolog.Logger) KnowledgeOption {
	return func(s *Knowledge) { s.logger = l }
}

// NewKnowledge builds the facade.
func NewKnowledge(st store.Store, svc *knowledge.Service, q queue.Queue, opts ...KnowledgeOption) *Knowledge {
	s := &Knowledge{store: st, service: svc, queue: q, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCorpus persists a new corpus.
func (s *Knowledge) CreateCorpus(ctx context.Context, req knowledge.CreateCorpusRequest) (*store.Corpus, error) {
	return s.service.CreateCorpus(ctx, req)
}

// IngestDocument persists a pending document and enqueues its ingestion.
// The returned document is still pending; the worker moves it to ready or
// failed.
func (s *Knowledge) IngestDocument(ctx context.Context, req knowledge.CreateDocumentRequest) (*store.Document, error) {
	doc, err := s.service.CreateDocument(ctx, req)
	if err != nil {
		return nil, err
	}
	job, err := queue.NewIngestDocumentJob(queue.IngestDocumentPayload{
		CorpusID:   doc.CorpusID,
		DocumentID: doc.ID,
		UserID:     doc.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.QueueKnowledgeIngestion, job); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	s.logger.Info().
		Str("documentId", doc.ID).
		Str("corpusId", doc.CorpusID).
		Msg("document ingestion enqueued")
	return doc, nil
}

// ListCorpora pages a user's corpora.
func (s *Knowledge) ListCorpora(ctx context.Context, userID string, page store.Page) ([]*store.Corpus, error) {
	return s.store.ListCorpora(ctx, userID, page.Normalize())
}

// ListDocuments pages a corpus's documents.
func (s *Knowledge) ListDocuments(ctx context.Context, corpusID string, page store.Page) ([]*store.Document, error) {
	return s.store.ListDocuments(ctx, corpusID, page.Normalize())
}

// ListChunks pages a document's chunks in chunk-index order.
func (s *Knowledge) ListChunks(ctx context.Context, documentID string, page store.Page) ([]*store.Chunk, error) {
	return s.store.ListChunks(ctx, documentID, page.Normalize())
}

// Query runs a similarity query over the user's corpora.
func (s *Knowledge) Query(ctx context.Context, req knowledge.QueryRequest) ([]flow.Match, error) {
	return s.service.Query(ctx, req)
}
