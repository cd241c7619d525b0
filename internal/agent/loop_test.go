package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/sessions"
	"github.com/tomluvoe/agentgw/internal/skills"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// scriptedProvider replays pre-built chunk sequences, one per Stream
// call, and records the requests it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]Chunk
	requests []Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var turn []Chunk
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	} else {
		turn = []Chunk{{Finish: &Finish{Reason: FinishStop}}}
	}
	p.mu.Unlock()

	chunks := make(chan Chunk, len(turn))
	for _, c := range turn {
		chunks <- c
	}
	close(chunks)
	return chunks, nil
}

func textTurn(parts ...string) []Chunk {
	var turn []Chunk
	for _, p := range parts {
		turn = append(turn, Chunk{Text: p})
	}
	return append(turn, Chunk{Finish: &Finish{Reason: FinishStop}})
}

func toolTurn(text string, calls ...models.ToolCall) []Chunk {
	var turn []Chunk
	if text != "" {
		turn = append(turn, Chunk{Text: text})
	}
	return append(turn, Chunk{Finish: &Finish{Reason: FinishToolCalls, ToolCalls: calls}})
}

type loopFixture struct {
	store    *sessions.MemoryStore
	registry *ToolRegistry
	provider *scriptedProvider
	skill    *skills.Skill
	session  *models.Session
}

func newLoopFixture(t *testing.T, turns [][]Chunk) *loopFixture {
	t.Helper()
	store := sessions.NewMemoryStore()
	session, err := store.CreateSession(context.Background(), "helper")
	if err != nil {
		t.Fatal(err)
	}
	registry := NewToolRegistry()
	if err := registry.Register(addTool()); err != nil {
		t.Fatal(err)
	}
	return &loopFixture{
		store:    store,
		registry: registry,
		provider: &scriptedProvider{turns: turns},
		skill: &skills.Skill{
			Name:         "helper",
			Description:  "test skill",
			SystemPrompt: "You are helpful.",
			Tools:        []string{"add"},
		},
		session: session,
	}
}

func (f *loopFixture) newLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := NewLoop(LoopConfig{
		Skill:       f.skill,
		Session:     f.session,
		Provider:    f.provider,
		Registry:    f.registry,
		Store:       f.store,
		Model:       "test-model",
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	return loop
}

func (f *loopFixture) history(t *testing.T) []*models.Message {
	t.Helper()
	history, err := f.store.History(context.Background(), f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	return history
}

func TestLoopSimpleCompletion(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{textTurn("Hello", ", world")})
	loop := f.newLoop(t)

	events, err := loop.Run(context.Background(), "hi there")
	if err != nil {
		t.Fatal(err)
	}

	var streamed strings.Builder
	var done *DoneEvent
	for ev := range events {
		switch {
		case ev.Err != nil:
			t.Fatalf("unexpected error event: %v", ev.Err)
		case ev.Text != "":
			streamed.WriteString(ev.Text)
		case ev.Done != nil:
			done = ev.Done
		}
	}
	if done == nil {
		t.Fatal("no done event")
	}
	if done.Text != "Hello, world" || streamed.String() != "Hello, world" {
		t.Errorf("done = %q, streamed = %q", done.Text, streamed.String())
	}

	history := f.history(t)
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].Content != "Hello, world" {
		t.Errorf("assistant content = %q", history[1].Content)
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)}
	f := newLoopFixture(t, [][]Chunk{
		toolTurn("Let me compute that.", call),
		textTurn("The answer is 5."),
	})
	loop := f.newLoop(t)

	events, err := loop.Run(context.Background(), "what is 2+3?")
	if err != nil {
		t.Fatal(err)
	}

	var toolEvents []*ToolEvent
	var done *DoneEvent
	for ev := range events {
		switch {
		case ev.Err != nil:
			t.Fatalf("unexpected error event: %v", ev.Err)
		case ev.Tool != nil:
			toolEvents = append(toolEvents, ev.Tool)
		case ev.Done != nil:
			done = ev.Done
		}
	}
	if len(toolEvents) != 1 || toolEvents[0].Name != "add" || toolEvents[0].Result != "5" {
		t.Fatalf("tool events = %+v", toolEvents)
	}
	if done == nil || done.Text != "The answer is 5." {
		t.Fatalf("done = %+v", done)
	}

	history := f.history(t)
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("history = %d messages, want %d", len(history), len(wantRoles))
	}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("history[%d].Role = %s, want %s", i, history[i].Role, want)
		}
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", history[1].ToolCalls)
	}
	if history[2].ToolCallID != "call_1" || history[2].Content != "5" {
		t.Errorf("tool message = %+v", history[2])
	}
}

func TestLoopRejectsToolOutsideAllowList(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":1}`)}
	f := newLoopFixture(t, [][]Chunk{
		toolTurn("", call),
		textTurn("done"),
	})
	f.skill.Tools = nil // nothing allowed
	loop := f.newLoop(t)

	events, err := loop.Run(context.Background(), "compute")
	if err != nil {
		t.Fatal(err)
	}

	var toolEvent *ToolEvent
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Tool != nil {
			toolEvent = ev.Tool
		}
	}
	if toolEvent == nil || !toolEvent.IsError {
		t.Fatalf("tool event = %+v, want error result", toolEvent)
	}
	if !strings.Contains(toolEvent.Result, "not allowed") {
		t.Errorf("result = %q", toolEvent.Result)
	}
}

func TestLoopIterationOverflow(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":1}`)}
	var turns [][]Chunk
	for i := 0; i < 5; i++ {
		turns = append(turns, toolTurn("", call))
	}
	f := newLoopFixture(t, turns)
	f.skill.MaxIterations = 2
	loop := f.newLoop(t)

	final, err := loop.RunToCompletion(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if final != "maximum iterations reached" {
		t.Errorf("final = %q", final)
	}

	history := f.history(t)
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || last.Content != "maximum iterations reached" {
		t.Errorf("last message = %+v", last)
	}
}

func TestLoopDegradesOnProviderError(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{
		{{Text: "partial answer"}, {Err: errors.New("stream broke")}},
	})
	loop := f.newLoop(t)

	final, err := loop.RunToCompletion(context.Background(), "tell me")
	if err != nil {
		t.Fatal(err)
	}
	if final != "partial answer [interrupted]" {
		t.Errorf("final = %q", final)
	}

	history := f.history(t)
	if history[len(history)-1].Content != "partial answer [interrupted]" {
		t.Errorf("persisted = %q", history[len(history)-1].Content)
	}
}

func TestLoopDegradesWithNoPartialText(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{
		{{Err: errors.New("connection reset")}},
	})
	loop := f.newLoop(t)

	final, err := loop.RunToCompletion(context.Background(), "tell me")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(final, "[provider error:") {
		t.Errorf("final = %q", final)
	}
}

func TestLoopTruncationMarker(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{
		{{Text: "long answer cut"}, {Finish: &Finish{Reason: FinishLength}}},
	})
	loop := f.newLoop(t)

	final, err := loop.RunToCompletion(context.Background(), "write an essay")
	if err != nil {
		t.Fatal(err)
	}
	if final != "long answer cut [truncated]" {
		t.Errorf("final = %q", final)
	}
}

func TestLoopCancellationDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := newLoopFixture(t, [][]Chunk{
		toolTurn("", models.ToolCall{ID: "call_1", Name: "stop_here", Arguments: json.RawMessage(`{}`)}),
	})
	f.skill.Tools = []string{"stop_here"}
	err := f.registry.Register(&fakeTool{
		name:   "stop_here",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			cancel()
			return &ToolResult{Content: "never persisted"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	loop := f.newLoop(t)

	_, err = loop.RunToCompletion(ctx, "go")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The assistant turn with the pending call stands; its result does not.
	history := f.history(t)
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[1].Role != models.RoleAssistant || len(history[1].ToolCalls) != 1 {
		t.Errorf("history[1] = %+v", history[1])
	}

	// A fresh request on the same session must not replay the unanswered
	// call; the prompt drops it before reaching the provider.
	f.provider.turns = [][]Chunk{textTurn("recovered")}
	loop2 := f.newLoop(t)
	final, err := loop2.RunToCompletion(context.Background(), "still there?")
	if err != nil {
		t.Fatal(err)
	}
	if final != "recovered" {
		t.Errorf("final = %q", final)
	}

	f.provider.mu.Lock()
	req := f.provider.requests[len(f.provider.requests)-1]
	f.provider.mu.Unlock()
	for _, msg := range req.Messages {
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			t.Errorf("prompt still carries unanswered tool call: %+v", msg)
		}
	}
}

func TestLoopAdvertisesOnlyAllowedTools(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{textTurn("ok")})
	loop := f.newLoop(t)

	if _, err := loop.RunToCompletion(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	f.provider.mu.Lock()
	req := f.provider.requests[0]
	f.provider.mu.Unlock()
	if len(req.Tools) != 1 || req.Tools[0].Name != "add" {
		t.Errorf("advertised tools = %+v", req.Tools)
	}
}

func TestLoopPromptIncludesSystemAndExamples(t *testing.T) {
	f := newLoopFixture(t, [][]Chunk{textTurn("ok")})
	f.skill.Examples = []skills.Example{{User: "sample q", Assistant: "sample a"}}
	loop := f.newLoop(t)

	if _, err := loop.RunToCompletion(context.Background(), "real question"); err != nil {
		t.Fatal(err)
	}

	f.provider.mu.Lock()
	msgs := f.provider.requests[0].Messages
	f.provider.mu.Unlock()
	if len(msgs) != 4 {
		t.Fatalf("prompt = %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].Content != "You are helpful." {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Content != "sample q" || msgs[2].Content != "sample a" {
		t.Errorf("examples = %q, %q", msgs[1].Content, msgs[2].Content)
	}
	if msgs[3].Role != models.RoleUser || msgs[3].Content != "real question" {
		t.Errorf("msgs[3] = %+v", msgs[3])
	}
}

// recordingVectorStore serves canned search hits and records every query
// it received.
type recordingVectorStore struct {
	mu      sync.Mutex
	hits    []rag.ScoredChunk
	queries []rag.SearchRequest
}

func (s *recordingVectorStore) Search(ctx context.Context, req rag.SearchRequest) ([]rag.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, req)
	return s.hits, nil
}

func (s *recordingVectorStore) Ingest(context.Context, rag.IngestRequest) (int, error) {
	return 0, nil
}

func (s *recordingVectorStore) List(context.Context, rag.ListRequest) ([]rag.ChunkPreview, error) {
	return nil, nil
}

func (s *recordingVectorStore) Delete(context.Context, []string) (int, error)       { return 0, nil }
func (s *recordingVectorStore) DeleteBySource(context.Context, string) (int, error) { return 0, nil }
func (s *recordingVectorStore) Count(context.Context, string) (int64, error)        { return 0, nil }
func (s *recordingVectorStore) Close() error                                        { return nil }

func TestLoopRetrievesContextOnEveryProviderCall(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)}
	f := newLoopFixture(t, [][]Chunk{
		toolTurn("", call),
		textTurn("The answer is 5."),
	})
	f.skill.RAGContext = &skills.RAGContext{Enabled: true}
	vectors := &recordingVectorStore{hits: []rag.ScoredChunk{
		{Chunk: &models.Chunk{Text: "arithmetic facts"}, Score: 0.9},
	}}

	loop, err := NewLoop(LoopConfig{
		Skill:       f.skill,
		Session:     f.session,
		Provider:    f.provider,
		Registry:    f.registry,
		Store:       f.store,
		Vectors:     vectors,
		Model:       "test-model",
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.RunToCompletion(context.Background(), "what is 2+3?"); err != nil {
		t.Fatal(err)
	}

	// One search per provider round trip, each querying the user input.
	vectors.mu.Lock()
	queries := append([]rag.SearchRequest(nil), vectors.queries...)
	vectors.mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("searches = %d, want one per provider call", len(queries))
	}
	for i, q := range queries {
		if q.Query != "what is 2+3?" {
			t.Errorf("search %d query = %q", i+1, q.Query)
		}
	}

	// The retrieved context must reach the provider on the continuation
	// after tool execution, not just the first call.
	f.provider.mu.Lock()
	requests := append([]Request(nil), f.provider.requests...)
	f.provider.mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(requests))
	}
	for i, req := range requests {
		found := false
		for _, msg := range req.Messages {
			if msg.Role == models.RoleSystem &&
				strings.HasPrefix(msg.Content, "Relevant context retrieved for this request:") {
				if !strings.Contains(msg.Content, "arithmetic facts") {
					t.Errorf("call %d context message = %q", i+1, msg.Content)
				}
				found = true
			}
		}
		if !found {
			t.Errorf("provider call %d has no retrieved context message", i+1)
		}
	}
}

func TestCompactOrphanedToolCalls(t *testing.T) {
	orphan := &models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "add", Arguments: json.RawMessage(`{}`)}},
	}
	user := &models.Message{Role: models.RoleUser, Content: "next"}

	// Orphan directly before the fresh user message.
	out := compactOrphanedToolCalls([]*models.Message{
		{Role: models.RoleUser, Content: "first"},
		orphan,
		user,
	})
	if len(out) != 2 || out[1] != user {
		t.Errorf("compacted = %d messages", len(out))
	}

	// Trailing orphan with no user message after it.
	out = compactOrphanedToolCalls([]*models.Message{
		{Role: models.RoleUser, Content: "first"},
		orphan,
	})
	if len(out) != 1 {
		t.Errorf("compacted = %d messages", len(out))
	}

	// An answered call is left alone.
	answered := []*models.Message{
		{Role: models.RoleUser, Content: "first"},
		orphan,
		{Role: models.RoleTool, Content: "2", ToolCallID: "c1"},
	}
	out = compactOrphanedToolCalls(answered)
	if len(out) != 3 {
		t.Errorf("answered sequence compacted to %d messages", len(out))
	}
}
