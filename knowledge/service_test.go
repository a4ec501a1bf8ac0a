package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/store"
)

func testService(t *testing.T, opts ...ServiceOption) (*Service, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	n := 0
	base := []ServiceOption{
		WithIDGen(func() string { n++; return fmt.Sprintf("id-%03d", n) }),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	svc := NewService(st, append(base, opts...)...)
	return svc, st
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, errors.New("embedder rejected request: token=abcd1234efgh")
}

func (failingEmbedder) Model() string { return "failing" }

func TestCreateCorpus(t *testing.T) {
	ctx := context.Background()

	t.Run("user scope drops workflow and execution ids", func(t *testing.T) {
		svc, _ := testService(t)
		corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{
			UserID:      "u1",
			Name:        "notes",
			WorkflowID:  "wf-1",
			ExecutionID: "ex-1",
		})
		require.NoError(t, err)
		assert.Equal(t, store.ScopeUser, corpus.ScopeType)
		assert.Empty(t, corpus.WorkflowID)
		assert.Empty(t, corpus.ExecutionID)
		assert.Equal(t, store.CorpusReady, corpus.Status)
	})

	t.Run("workflow scope requires workflow id", func(t *testing.T) {
		svc, _ := testService(t)
		_, err := svc.CreateCorpus(ctx, CreateCorpusRequest{
			UserID: "u1", Name: "n", ScopeType: store.ScopeWorkflow,
		})
		assert.Error(t, err)

		corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{
			UserID: "u1", Name: "n", ScopeType: store.ScopeWorkflow,
			WorkflowID: "wf-1", ExecutionID: "ex-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "wf-1", corpus.WorkflowID)
		assert.Empty(t, corpus.ExecutionID, "workflow scope drops the execution id")
	})

	t.Run("execution scope requires execution id", func(t *testing.T) {
		svc, _ := testService(t)
		_, err := svc.CreateCorpus(ctx, CreateCorpusRequest{
			UserID: "u1", Name: "n", ScopeType: store.ScopeExecution,
		})
		assert.Error(t, err)
	})

	t.Run("rejects unknown scope and missing fields", func(t *testing.T) {
		svc, _ := testService(t)
		_, err := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "n", ScopeType: "planet"})
		assert.Error(t, err)
		_, err = svc.CreateCorpus(ctx, CreateCorpusRequest{Name: "n"})
		assert.Error(t, err)
		_, err = svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1"})
		assert.Error(t, err)
	})
}

func TestCreateDocument(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t)
	corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
	require.NoError(t, err)

	t.Run("defaults applied", func(t *testing.T) {
		doc, err := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", ContentText: "body",
		})
		require.NoError(t, err)
		assert.Equal(t, "untitled", doc.Title)
		assert.Equal(t, "text", doc.SourceType)
		assert.Equal(t, store.DocumentPending, doc.Status)
	})

	t.Run("other user's corpus looks missing", func(t *testing.T) {
		_, err := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "intruder", ContentText: "body",
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("content required", func(t *testing.T) {
		_, err := svc.CreateDocument(ctx, CreateDocumentRequest{CorpusID: corpus.ID, UserID: "u1"})
		assert.Error(t, err)
	})
}

func TestIngestDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("pipeline produces ready document and chunks", func(t *testing.T) {
		svc, st := testService(t)
		corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		require.NoError(t, err)
		doc, err := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", Title: "guide",
			ContentText: strings.Repeat("refund policy details ", 150),
		})
		require.NoError(t, err)

		require.NoError(t, svc.IngestDocument(ctx, doc.ID))

		refreshed, err := st.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, store.DocumentReady, refreshed.Status)

		chunks, err := st.ListChunks(ctx, doc.ID, store.Page{Page: 1, Limit: 200})
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		for i, c := range chunks {
			assert.Equal(t, i, c.ChunkIndex)
			assert.Len(t, c.Embedding, DefaultEmbeddingDim)
			assert.Equal(t, DeterministicModel, c.EmbeddingModel)
			assert.Positive(t, c.TokenCount)
		}

		updated, err := st.GetCorpus(ctx, corpus.ID)
		require.NoError(t, err)
		assert.Equal(t, store.CorpusReady, updated.Status)
	})

	t.Run("reingestion replaces the chunk set", func(t *testing.T) {
		svc, st := testService(t)
		corpus, _ := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		doc, _ := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", ContentText: "stable content",
		})

		require.NoError(t, svc.IngestDocument(ctx, doc.ID))
		first, err := st.ListChunks(ctx, doc.ID, store.Page{Page: 1, Limit: 200})
		require.NoError(t, err)

		require.NoError(t, svc.IngestDocument(ctx, doc.ID))
		second, err := st.ListChunks(ctx, doc.ID, store.Page{Page: 1, Limit: 200})
		require.NoError(t, err)

		require.Len(t, second, len(first))
		for i := range first {
			assert.Equal(t, first[i].Content, second[i].Content)
			assert.Equal(t, first[i].Embedding, second[i].Embedding)
		}
	})

	t.Run("embed failure marks document and corpus failed", func(t *testing.T) {
		svc, st := testService(t, WithEmbedder(failingEmbedder{}))
		corpus, _ := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		doc, _ := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", ContentText: "body",
		})

		err := svc.IngestDocument(ctx, doc.ID)
		require.Error(t, err)

		refreshed, _ := st.GetDocument(ctx, doc.ID)
		assert.Equal(t, store.DocumentFailed, refreshed.Status)
		assert.NotEmpty(t, refreshed.Error)
		assert.NotContains(t, refreshed.Error, "abcd1234efgh", "document error must be sanitized")

		updated, _ := st.GetCorpus(ctx, corpus.ID)
		assert.Equal(t, store.CorpusFailed, updated.Status)
	})

	t.Run("pending sibling keeps corpus ingesting", func(t *testing.T) {
		svc, st := testService(t)
		corpus, _ := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		first, _ := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", ContentText: "one",
		})
		_, err := svc.CreateDocument(ctx, CreateDocumentRequest{
			CorpusID: corpus.ID, UserID: "u1", ContentText: "two",
		})
		require.NoError(t, err)

		require.NoError(t, svc.IngestDocument(ctx, first.ID))

		updated, _ := st.GetCorpus(ctx, corpus.ID)
		assert.Equal(t, store.CorpusIngesting, updated.Status)
	})

	t.Run("unknown document", func(t *testing.T) {
		svc, _ := testService(t)
		assert.ErrorIs(t, svc.IngestDocument(ctx, "ghost"), store.ErrNotFound)
	})
}

func TestQuery(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, svc *Service, contents ...string) string {
		t.Helper()
		corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		require.NoError(t, err)
		for _, content := range contents {
			doc, err := svc.CreateDocument(ctx, CreateDocumentRequest{
				CorpusID: corpus.ID, UserID: "u1", ContentText: content,
			})
			require.NoError(t, err)
			require.NoError(t, svc.IngestDocument(ctx, doc.ID))
		}
		return corpus.ID
	}

	t.Run("exact text ranks first", func(t *testing.T) {
		svc, _ := testService(t)
		seed(t, svc, "refund policy for enterprise accounts", "office lunch menu")

		matches, err := svc.Query(ctx, QueryRequest{
			UserID: "u1",
			Query:  "refund policy for enterprise accounts",
			TopK:   5,
		})
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, "refund policy for enterprise accounts", matches[0].Content)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
		for i := 1; i < len(matches); i++ {
			assert.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
		}
	})

	t.Run("topK clamped to minimum", func(t *testing.T) {
		svc, _ := testService(t)
		seed(t, svc, "alpha", "beta", "gamma")

		matches, err := svc.Query(ctx, QueryRequest{UserID: "u1", Query: "alpha", TopK: 0})
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("corpus filter narrows results", func(t *testing.T) {
		svc, _ := testService(t)
		corpusA := seed(t, svc, "alpha content")
		seed(t, svc, "beta content")

		matches, err := svc.Query(ctx, QueryRequest{
			UserID: "u1", Query: "content", TopK: 10, CorpusID: corpusA,
		})
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		for _, m := range matches {
			assert.Equal(t, corpusA, m.CorpusID)
		}
	})

	t.Run("no corpora yields empty result", func(t *testing.T) {
		svc, _ := testService(t)
		matches, err := svc.Query(ctx, QueryRequest{UserID: "nobody", Query: "anything"})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("validation", func(t *testing.T) {
		svc, _ := testService(t)
		_, err := svc.Query(ctx, QueryRequest{Query: "q"})
		assert.Error(t, err)
		_, err = svc.Query(ctx, QueryRequest{UserID: "u1"})
		assert.Error(t, err)
	})
}

func TestIngestCapability(t *testing.T) {
	ctx := context.Background()

	t.Run("creates execution-scoped corpus by default", func(t *testing.T) {
		svc, st := testService(t)
		result, err := svc.Ingest(ctx, flow.IngestRequest{
			UserID:      "u1",
			WorkflowID:  "wf-1",
			ExecutionID: "ex-1",
			Documents: []flow.IngestDocumentSpec{
				{Title: "doc", Content: "some ingestable content"},
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, result.CorpusID)
		require.Len(t, result.Documents, 1)
		assert.Equal(t, store.DocumentReady, result.Documents[0].Status)
		assert.Positive(t, result.Documents[0].ChunkCount)

		corpus, err := st.GetCorpus(ctx, result.CorpusID)
		require.NoError(t, err)
		assert.Equal(t, store.ScopeExecution, corpus.ScopeType)
		assert.Equal(t, "ex-1", corpus.ExecutionID)
		assert.Equal(t, "corpus-ex-1", corpus.Name)
	})

	t.Run("reuses an existing corpus", func(t *testing.T) {
		svc, _ := testService(t)
		corpus, err := svc.CreateCorpus(ctx, CreateCorpusRequest{UserID: "u1", Name: "kb"})
		require.NoError(t, err)

		result, err := svc.Ingest(ctx, flow.IngestRequest{
			UserID:   "u1",
			CorpusID: corpus.ID,
			Documents: []flow.IngestDocumentSpec{
				{Content: "first"}, {Content: "second"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, corpus.ID, result.CorpusID)
		assert.Len(t, result.Documents, 2)
	})

	t.Run("no documents", func(t *testing.T) {
		svc, _ := testService(t)
		_, err := svc.Ingest(ctx, flow.IngestRequest{UserID: "u1", ExecutionID: "ex-1"})
		assert.Error(t, err)
	})
}

func TestClamps(t *testing.T) {
	assert.Equal(t, 1, clampTopK(0))
	assert.Equal(t, 1, clampTopK(-3))
	assert.Equal(t, 25, clampTopK(25))
	assert.Equal(t, 50, clampTopK(500))

	assert.Equal(t, 200, candidateLimit(5))
	assert.Equal(t, 1000, candidateLimit(50))
	assert.Equal(t, 40, candidateLimit(1))
}
