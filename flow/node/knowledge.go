package node

import (
	"context"

	"github.com/dshills/flowrun/flow"
)

// KnowledgeIngestNode ingests documents into a corpus synchronously during
// execution. Documents come either from an input path holding a list of
// {title, content} objects, or from content/title paths and templates
// describing a single document.
type KnowledgeIngestNode struct{}

// Type returns "knowledge-ingest".
func (n *KnowledgeIngestNode) Type() string { return TypeKnowledgeIngest }

// Validate requires a document source.
func (n *KnowledgeIngestNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "documentsPath") == "" &&
		configString(config, "contentPath") == "" &&
		configString(config, "contentTemplate") == "" {
		return flow.Invalid("knowledge-ingest requires documentsPath, contentPath or contentTemplate")
	}
	switch configString(config, "scopeType") {
	case "", "user", "workflow", "execution":
	default:
		return flow.Invalid("scopeType must be user, workflow or execution")
	}
	return flow.ValidOK()
}

// Execute builds the ingest request and runs it through the engine's
// ingestion capability. The resulting corpus id is recorded in memory under
// "knowledge.activeCorpusId".
func (n *KnowledgeIngestNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	if rc.Caps.IngestKnowledge == nil {
		return flow.NodeOutput{}, flow.ErrCapabilityMissing
	}
	config := input.Metadata.NodeConfig

	docs, err := n.collectDocuments(config, input.Data, rc)
	if err != nil {
		return flow.NodeOutput{}, err
	}

	req := flow.IngestRequest{
		UserID:      rc.UserID,
		WorkflowID:  rc.WorkflowID,
		ExecutionID: rc.ExecutionID,
		CorpusID:    configString(config, "corpusId"),
		CorpusName:  flow.Interpolate(configString(config, "corpusName"), input.Data),
		ScopeType:   configString(config, "scopeType"),
		Documents:   docs,
	}
	result, err := rc.Caps.IngestKnowledge(ctx, req)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "ingest")
	}

	rc.State.SetMemory("knowledge.activeCorpusId", result.CorpusID)

	ingested := make([]any, len(result.Documents))
	for i, d := range result.Documents {
		ingested[i] = map[string]any{
			"corpusId":   d.CorpusID,
			"documentId": d.DocumentID,
			"chunkCount": d.ChunkCount,
			"status":     d.Status,
		}
	}
	return flow.NodeOutput{Data: map[string]any{
		"corpusId":  result.CorpusID,
		"documents": ingested,
	}}, nil
}

// collectDocuments resolves the configured document source against the
// input data.
func (n *KnowledgeIngestNode) collectDocuments(config, data map[string]any, rc *flow.RunContext) ([]flow.IngestDocumentSpec, error) {
	sourceType := configString(config, "sourceType")
	if sourceType == "" {
		sourceType = "text"
	}

	if path := configString(config, "documentsPath"); path != "" {
		raw, found := flow.LookupPath(data, path)
		if !found {
			return nil, execErr(rc, "documentsPath %q not found in input", path)
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, execErr(rc, "documentsPath %q must hold a list", path)
		}
		docs := make([]flow.IngestDocumentSpec, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, execErr(rc, "documentsPath[%d] must be an object", i)
			}
			content, _ := m["content"].(string)
			if content == "" {
				return nil, execErr(rc, "documentsPath[%d] has no content", i)
			}
			title, _ := m["title"].(string)
			docs = append(docs, flow.IngestDocumentSpec{Title: title, Content: content, SourceType: sourceType})
		}
		if len(docs) == 0 {
			return nil, execErr(rc, "documentsPath %q holds no documents", path)
		}
		return docs, nil
	}

	var content string
	if path := configString(config, "contentPath"); path != "" {
		raw, found := flow.LookupPath(data, path)
		if !found {
			return nil, execErr(rc, "contentPath %q not found in input", path)
		}
		content, _ = raw.(string)
	} else {
		content = flow.Interpolate(configString(config, "contentTemplate"), data)
	}
	if content == "" {
		return nil, execErr(rc, "resolved document content is empty")
	}

	title := configString(config, "title")
	if path := configString(config, "titlePath"); path != "" {
		if raw, found := flow.LookupPath(data, path); found {
			title, _ = raw.(string)
		}
	} else if tmpl := configString(config, "titleTemplate"); tmpl != "" {
		title = flow.Interpolate(tmpl, data)
	}

	return []flow.IngestDocumentSpec{{Title: title, Content: content, SourceType: sourceType}}, nil
}

// KnowledgeRetrieveNode runs a multi-branch retrieval orchestration and
// attaches the result under "_knowledge".
type KnowledgeRetrieveNode struct{}

// Type returns "knowledge-retrieve".
func (n *KnowledgeRetrieveNode) Type() string { return TypeKnowledgeRetrieve }

// Validate parses the retrieval block.
func (n *KnowledgeRetrieveNode) Validate(config map[string]any) flow.ValidationResult {
	raw, ok := config["retrieval"]
	if !ok {
		return flow.Invalid("knowledge-retrieve requires a retrieval block")
	}
	if _, err := flow.ParseRetrievalSpec(raw); err != nil {
		return flow.Invalid(err.Error())
	}
	return flow.ValidOK()
}

// Execute orchestrates the retrieval. Branch queries are interpolated
// against the input data before running.
func (n *KnowledgeRetrieveNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	spec, err := flow.ParseRetrievalSpec(input.Metadata.NodeConfig["retrieval"])
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "parse retrieval block")
	}
	for i := range spec.Retrievers {
		spec.Retrievers[i].Query = flow.Interpolate(spec.Retrievers[i].Query, input.Data)
	}

	result, err := flow.Orchestrate(ctx, rc, spec)
	if err != nil {
		return flow.NodeOutput{}, err
	}

	rc.State.SetKnowledge("retrieval.lastMatches", len(result.Matches))

	out := passthrough(input.Data)
	out["_knowledge"] = result.Payload()
	return flow.NodeOutput{Data: out}, nil
}
