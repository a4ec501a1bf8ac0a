package node

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/flowrun/flow"
)

func TestKnowledgeIngestNode_Validate(t *testing.T) {
	n := &KnowledgeIngestNode{}
	if v := n.Validate(map[string]any{"contentPath": "doc.body"}); !v.Valid {
		t.Errorf("valid config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("missing document source accepted")
	}
	if v := n.Validate(map[string]any{"contentPath": "x", "scopeType": "galaxy"}); v.Valid {
		t.Error("unknown scopeType accepted")
	}
}

func TestKnowledgeIngestNode_Execute(t *testing.T) {
	n := &KnowledgeIngestNode{}

	newIngestCap := func(captured *flow.IngestRequest) flow.IngestFunc {
		return func(ctx context.Context, req flow.IngestRequest) (flow.IngestResult, error) {
			*captured = req
			docs := make([]flow.IngestedDocument, len(req.Documents))
			for i := range req.Documents {
				docs[i] = flow.IngestedDocument{
					CorpusID:   "corpus-1",
					DocumentID: "doc-1",
					ChunkCount: 3,
					Status:     "ready",
				}
			}
			return flow.IngestResult{CorpusID: "corpus-1", Documents: docs}, nil
		}
	}

	t.Run("documents list", func(t *testing.T) {
		rc := testRC(t)
		var captured flow.IngestRequest
		rc.Caps.IngestKnowledge = newIngestCap(&captured)

		data := map[string]any{"docs": []any{
			map[string]any{"title": "one", "content": "first body"},
			map[string]any{"title": "two", "content": "second body"},
		}}
		config := map[string]any{
			"documentsPath": "docs",
			"corpusName":    "support-kb",
			"scopeType":     "workflow",
		}
		out, err := n.Execute(context.Background(), nodeInput(data, config), rc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}

		if len(captured.Documents) != 2 {
			t.Fatalf("capability got %d documents", len(captured.Documents))
		}
		if captured.Documents[0].Title != "one" || captured.Documents[0].Content != "first body" {
			t.Errorf("document 0 = %+v", captured.Documents[0])
		}
		if captured.ScopeType != "workflow" || captured.CorpusName != "support-kb" {
			t.Errorf("request scope = %+v", captured)
		}
		if captured.UserID != "user-1" || captured.WorkflowID != "wf-1" {
			t.Errorf("request identity = %+v", captured)
		}

		if out.Data["corpusId"] != "corpus-1" {
			t.Errorf("corpusId = %v", out.Data["corpusId"])
		}
		docs := out.Data["documents"].([]any)
		if len(docs) != 2 {
			t.Fatalf("documents = %v", docs)
		}
		first := docs[0].(map[string]any)
		if first["chunkCount"] != 3 || first["status"] != "ready" {
			t.Errorf("document output = %v", first)
		}

		if v, _ := rc.State.GetMemory("knowledge.activeCorpusId"); v != "corpus-1" {
			t.Errorf("activeCorpusId = %v", v)
		}
	})

	t.Run("single document from template", func(t *testing.T) {
		rc := testRC(t)
		var captured flow.IngestRequest
		rc.Caps.IngestKnowledge = newIngestCap(&captured)

		data := map[string]any{"subject": "billing", "body": "the document body"}
		config := map[string]any{
			"contentTemplate": "note: {{body}}",
			"titleTemplate":   "ticket about {{subject}}",
		}
		if _, err := n.Execute(context.Background(), nodeInput(data, config), rc); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(captured.Documents) != 1 {
			t.Fatalf("documents = %d", len(captured.Documents))
		}
		doc := captured.Documents[0]
		if doc.Content != "note: the document body" || doc.Title != "ticket about billing" {
			t.Errorf("document = %+v", doc)
		}
		if doc.SourceType != "text" {
			t.Errorf("sourceType = %q", doc.SourceType)
		}
	})

	t.Run("content path missing fails", func(t *testing.T) {
		rc := testRC(t)
		rc.Caps.IngestKnowledge = newIngestCap(&flow.IngestRequest{})
		config := map[string]any{"contentPath": "ghost"}
		if _, err := n.Execute(context.Background(), nodeInput(map[string]any{}, config), rc); err == nil {
			t.Fatal("expected error for missing contentPath")
		}
	})

	t.Run("capability missing", func(t *testing.T) {
		config := map[string]any{"contentTemplate": "x"}
		_, err := n.Execute(context.Background(), nodeInput(nil, config), testRC(t))
		if !errors.Is(err, flow.ErrCapabilityMissing) {
			t.Errorf("err = %v, want ErrCapabilityMissing", err)
		}
	})

	t.Run("ingest failure wraps", func(t *testing.T) {
		rc := testRC(t)
		rc.Caps.IngestKnowledge = func(ctx context.Context, req flow.IngestRequest) (flow.IngestResult, error) {
			return flow.IngestResult{}, errors.New("embedder down")
		}
		config := map[string]any{"contentTemplate": "x"}
		if _, err := n.Execute(context.Background(), nodeInput(nil, config), rc); err == nil {
			t.Fatal("expected wrapped ingest error")
		}
	})
}

func TestKnowledgeRetrieveNode_Validate(t *testing.T) {
	n := &KnowledgeRetrieveNode{}
	config := map[string]any{"retrieval": map[string]any{
		"retrievers": []any{map[string]any{"key": "kb", "query": "{{question}}"}},
	}}
	if v := n.Validate(config); !v.Valid {
		t.Errorf("valid config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("missing retrieval block accepted")
	}
	if v := n.Validate(map[string]any{"retrieval": map[string]any{"strategy": "psychic"}}); v.Valid {
		t.Error("unknown strategy accepted")
	}
}

func TestKnowledgeRetrieveNode_Execute(t *testing.T) {
	n := &KnowledgeRetrieveNode{}
	rc := testRC(t)

	var gotQuery string
	rc.Caps.RetrieveKnowledge = func(ctx context.Context, req flow.RetrieveRequest) ([]flow.Match, error) {
		gotQuery = req.Query
		return []flow.Match{
			{ChunkID: "c1", DocumentID: "d1", CorpusID: "k1", Content: "relevant", Score: 0.8},
		}, nil
	}

	data := map[string]any{"question": "how do refunds work"}
	config := map[string]any{"retrieval": map[string]any{
		"retrievers": []any{map[string]any{"key": "kb", "query": "{{question}}"}},
	}}
	out, err := n.Execute(context.Background(), nodeInput(data, config), rc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotQuery != "how do refunds work" {
		t.Errorf("query not interpolated: %q", gotQuery)
	}

	payload := out.Data["_knowledge"].(map[string]any)
	matches := payload["matches"].([]any)
	if len(matches) != 1 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].(map[string]any)["chunkId"] != "c1" {
		t.Errorf("match = %v", matches[0])
	}
	orch := payload["orchestration"].(map[string]any)
	if orch["strategy"] != flow.StrategySingle {
		t.Errorf("strategy = %v", orch["strategy"])
	}
	if out.Data["question"] != "how do refunds work" {
		t.Error("input not passed through")
	}
}
