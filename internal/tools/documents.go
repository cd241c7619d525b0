package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/rag"
)

const defaultSearchTopK = 5

type searchDocumentsParams struct {
	Query string   `json:"query" jsonschema:"description=Text to search the knowledge base for"`
	TopK  int      `json:"top_k,omitempty" jsonschema:"description=Maximum number of chunks to return"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Restrict results to chunks carrying any of these tags"`
}

// SearchDocumentsTool retrieves knowledge-base chunks for the calling
// skill. Results are scoped to the skill running the loop: the skill
// only sees chunks it is entitled to.
type SearchDocumentsTool struct {
	store rag.Store
}

// NewSearchDocumentsTool creates the retrieval tool.
func NewSearchDocumentsTool(store rag.Store) *SearchDocumentsTool {
	return &SearchDocumentsTool{store: store}
}

func (t *SearchDocumentsTool) Name() string { return "search_documents" }

func (t *SearchDocumentsTool) Description() string {
	return "Search the knowledge base for text relevant to a query. Returns the best-matching chunks with sources."
}

func (t *SearchDocumentsTool) Schema() json.RawMessage {
	return schemaFor(&searchDocumentsParams{})
}

func (t *SearchDocumentsTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args searchDocumentsParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid search arguments: %w", err)
	}
	topK := args.TopK
	if topK <= 0 {
		topK = defaultSearchTopK
	}

	req := rag.SearchRequest{
		Query: args.Query,
		Tags:  args.Tags,
		TopK:  topK,
	}
	if skill := agent.SkillNameFrom(ctx); skill != "" {
		req.Skills = []string{skill}
	}

	results, err := t.store.Search(ctx, req)
	if err != nil {
		return agent.ErrorResult("search failed: %v", err), nil
	}
	if len(results) == 0 {
		return &agent.ToolResult{Content: "no matching documents found"}, nil
	}

	type hit struct {
		Source string  `json:"source"`
		Score  float32 `json:"score"`
		Text   string  `json:"text"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{
			Source: r.Chunk.Metadata.Source,
			Score:  r.Score,
			Text:   r.Chunk.Text,
		})
	}
	return jsonResult(hits, false)
}

type ingestDocumentParams struct {
	Text   string   `json:"text" jsonschema:"description=Document text to index"`
	Source string   `json:"source" jsonschema:"description=Source label stored with every chunk"`
	Tags   []string `json:"tags,omitempty" jsonschema:"description=Tags stored with every chunk"`
}

// IngestDocumentTool indexes text into the knowledge base, scoped to
// the calling skill so it can retrieve what it stored.
type IngestDocumentTool struct {
	store rag.Store
}

// NewIngestDocumentTool creates the ingestion tool.
func NewIngestDocumentTool(store rag.Store) *IngestDocumentTool {
	return &IngestDocumentTool{store: store}
}

func (t *IngestDocumentTool) Name() string { return "ingest_document" }

func (t *IngestDocumentTool) Description() string {
	return "Store a document in the knowledge base so it can be retrieved later."
}

func (t *IngestDocumentTool) Schema() json.RawMessage {
	return schemaFor(&ingestDocumentParams{})
}

func (t *IngestDocumentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args ingestDocumentParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid ingest arguments: %w", err)
	}

	req := rag.IngestRequest{
		Source: args.Source,
		Text:   args.Text,
		Tags:   args.Tags,
	}
	if skill := agent.SkillNameFrom(ctx); skill != "" {
		req.Skills = []string{skill}
	}

	count, err := t.store.Ingest(ctx, req)
	if err != nil {
		return agent.ErrorResult("ingest failed: %v", err), nil
	}
	return jsonResult(map[string]any{
		"status": "ok",
		"source": args.Source,
		"chunks": count,
	}, false)
}
