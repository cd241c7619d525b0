package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/skills"
)

type stubResolver map[string]*skills.Skill

func (r stubResolver) Get(name string) (*skills.Skill, bool) {
	s, ok := r[name]
	return s, ok
}

type stubRunner struct {
	result string
	calls  []struct {
		skill string
		input string
		depth int
	}
	run func(ctx context.Context, skill, input string, depth int) (string, error)
}

func (r *stubRunner) RunSubAgent(ctx context.Context, skill, input string, depth int) (string, error) {
	r.calls = append(r.calls, struct {
		skill string
		input string
		depth int
	}{skill, input, depth})
	if r.run != nil {
		return r.run(ctx, skill, input, depth)
	}
	return r.result, nil
}

func TestDelegateSuccess(t *testing.T) {
	resolver := stubResolver{"researcher": {Name: "researcher"}}
	runner := &stubRunner{result: "found it"}
	tool := NewDelegateTool(resolver, runner, 3)

	ctx := agent.WithDepth(context.Background(), 0)
	result, err := tool.Execute(ctx, json.RawMessage(`{"skill_name":"researcher","task":"look up X","context":"background"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var payload struct {
		Status string `json:"status"`
		Skill  string `json:"skill"`
		Result string `json:"result"`
		Depth  int    `json:"depth"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "ok" || payload.Skill != "researcher" || payload.Result != "found it" || payload.Depth != 1 {
		t.Errorf("payload = %+v", payload)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times", len(runner.calls))
	}
	call := runner.calls[0]
	if call.depth != 1 {
		t.Errorf("sub-agent depth = %d, want 1", call.depth)
	}
	if call.input != "background\n\nlook up X" {
		t.Errorf("sub-agent input = %q", call.input)
	}
}

func TestDelegateUnknownSkill(t *testing.T) {
	tool := NewDelegateTool(stubResolver{}, &stubRunner{}, 3)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"skill_name":"ghost","task":"boo"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Content, "unknown skill") {
		t.Errorf("result = %+v", result)
	}
}

func TestDelegateDepthChain(t *testing.T) {
	resolver := stubResolver{
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	runner := &stubRunner{}
	tool := NewDelegateTool(resolver, runner, 1)

	// The sub-agent's own delegation attempt runs inside the runner with
	// the sub-agent's depth ambient.
	runner.run = func(ctx context.Context, skill, input string, depth int) (string, error) {
		inner, err := tool.Execute(agent.WithDepth(ctx, depth), json.RawMessage(`{"skill_name":"b","task":"recurse"}`))
		if err != nil {
			return "", err
		}
		return inner.Content, nil
	}

	outer, err := tool.Execute(agent.WithDepth(context.Background(), 0), json.RawMessage(`{"skill_name":"b","task":"start"}`))
	if err != nil {
		t.Fatal(err)
	}
	if outer.IsError {
		t.Fatalf("outer delegation failed: %s", outer.Content)
	}

	var payload struct {
		Depth  int    `json:"depth"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(outer.Content), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Depth != 1 {
		t.Errorf("outer depth = %d, want 1", payload.Depth)
	}

	var inner struct {
		Error        string `json:"error"`
		CurrentDepth int    `json:"current_depth"`
	}
	if err := json.Unmarshal([]byte(payload.Result), &inner); err != nil {
		t.Fatal(err)
	}
	if inner.Error == "" || inner.CurrentDepth != 1 {
		t.Errorf("inner payload = %+v", inner)
	}
}

type captureRAG struct {
	rag.Store
	searchReq rag.SearchRequest
	ingestReq rag.IngestRequest
	results   []rag.ScoredChunk
}

func (c *captureRAG) Search(_ context.Context, req rag.SearchRequest) ([]rag.ScoredChunk, error) {
	c.searchReq = req
	return c.results, nil
}

func (c *captureRAG) Ingest(_ context.Context, req rag.IngestRequest) (int, error) {
	c.ingestReq = req
	return 2, nil
}

func TestSearchDocumentsScopedToCallingSkill(t *testing.T) {
	store := &captureRAG{}
	tool := NewSearchDocumentsTool(store)

	ctx := agent.WithSkillName(context.Background(), "librarian")
	result, err := tool.Execute(ctx, json.RawMessage(`{"query":"indexing"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("error result: %s", result.Content)
	}
	if len(store.searchReq.Skills) != 1 || store.searchReq.Skills[0] != "librarian" {
		t.Errorf("skills filter = %v", store.searchReq.Skills)
	}
	if store.searchReq.TopK != defaultSearchTopK {
		t.Errorf("top_k = %d", store.searchReq.TopK)
	}
}

func TestIngestDocumentScopedToCallingSkill(t *testing.T) {
	store := &captureRAG{}
	tool := NewIngestDocumentTool(store)

	ctx := agent.WithSkillName(context.Background(), "librarian")
	result, err := tool.Execute(ctx, json.RawMessage(`{"text":"some notes","source":"notes.txt","tags":["ops"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("error result: %s", result.Content)
	}
	if len(store.ingestReq.Skills) != 1 || store.ingestReq.Skills[0] != "librarian" {
		t.Errorf("skills = %v", store.ingestReq.Skills)
	}
	if store.ingestReq.Source != "notes.txt" {
		t.Errorf("source = %q", store.ingestReq.Source)
	}
	if !strings.Contains(result.Content, `"chunks":2`) {
		t.Errorf("content = %s", result.Content)
	}
}

func TestReadFileConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(root)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"hello.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || result.Content != "hi" {
		t.Errorf("result = %+v", result)
	}

	for _, path := range []string{"../secret", "a/../../secret", "/../secret"} {
		raw, _ := json.Marshal(map[string]string{"path": path})
		result, err := tool.Execute(context.Background(), raw)
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsError {
			t.Errorf("path %q was not rejected", path)
		}
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewListFilesTool(root)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("error result: %s", result.Content)
	}
	if result.Content != "b.txt\nsub/" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestValidateSelect(t *testing.T) {
	valid := []string{
		"SELECT * FROM sessions",
		"select id from messages;",
		"WITH recent AS (SELECT * FROM messages) SELECT * FROM recent",
	}
	for _, q := range valid {
		if err := validateSelect(q); err != nil {
			t.Errorf("validateSelect(%q) = %v", q, err)
		}
	}

	invalid := []string{
		"",
		"DELETE FROM sessions",
		"UPDATE sessions SET skill = 'x'",
		"SELECT 1; DROP TABLE sessions",
		"PRAGMA journal_mode",
	}
	for _, q := range invalid {
		if err := validateSelect(q); err == nil {
			t.Errorf("validateSelect(%q) accepted", q)
		}
	}
}

func TestSchemasAreObjects(t *testing.T) {
	schemas := []json.RawMessage{
		NewDelegateTool(stubResolver{}, &stubRunner{}, 3).Schema(),
		NewSearchDocumentsTool(&captureRAG{}).Schema(),
		NewIngestDocumentTool(&captureRAG{}).Schema(),
		NewReadFileTool(".").Schema(),
		NewListFilesTool(".").Schema(),
	}
	for i, raw := range schemas {
		var schema struct {
			Type       string                     `json:"type"`
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			t.Fatalf("schema %d: %v", i, err)
		}
		if schema.Type != "object" || len(schema.Properties) == 0 {
			t.Errorf("schema %d = %s", i, raw)
		}
	}
}
