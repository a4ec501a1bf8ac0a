package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/knowledge"
	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/store"
)

// IngestionWorker dequeues ingest-knowledge-document jobs and runs the
// chunk-embed-persist pipeline. Ingestion failures mark the document failed
// and still propagate so the queue retries; a missing document drops the
// job.
type IngestionWorker struct {
	service     *knowledge.Service
	queue       queue.Queue
	logger      zerolog.Logger
	queueName   string
	concurrency int
}

// IngestionWorkerOption configures the worker.
type IngestionWorkerOption func(*IngestionWorker)

// WithIngestionConcurrency overrides consumer parallelism.
func WithIngestionConcurrency(n int) IngestionWorkerOption {
	return func(w *IngestionWorker) { w.concurrency = n }
}

// WithIngestionLogger sets the logger.
func WithIngestionLogger(l zerolog.Logger) IngestionWorkerOption {
	return func(w *IngestionWorker) { w.logger = l }
}

// NewIngestionWorker builds the worker.
func NewIngestionWorker(svc *knowledge.Service, q queue.Queue, opts ...IngestionWorkerOption) *IngestionWorker {
	w := &IngestionWorker{
		service:     svc,
		queue:       q,
		logger:      zerolog.Nop(),
		queueName:   queue.QueueKnowledgeIngestion,
		concurrency: queue.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the ingestion queue until ctx is done.
func (w *IngestionWorker) Run(ctx context.Context) error {
	return w.queue.Consume(ctx, w.queueName, w.concurrency, w.Handle)
}

// Handle processes one ingest-knowledge-document job.
func (w *IngestionWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.IngestDocumentPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Str("jobId", job.ID).Msg("malformed ingestion job payload")
		return nil
	}

	err := w.service.IngestDocument(ctx, payload.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn().Str("documentId", payload.DocumentID).Msg("document missing, dropping job")
		return nil
	}
	if err != nil {
		w.logger.Error().Err(err).
			Str("documentId", payload.DocumentID).
			Int("attempt", job.Attempt).
			Msg("ingestion failed")
		return err
	}
	w.logger.Info().Str("documentId", payload.DocumentID).Msg("document ingested")
	return nil
}
