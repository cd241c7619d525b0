package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/sessions"
	"github.com/tomluvoe/agentgw/internal/skills"
	"github.com/tomluvoe/agentgw/pkg/models"
)

type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]agent.Chunk
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, _ agent.Request) (<-chan agent.Chunk, error) {
	p.mu.Lock()
	var turn []agent.Chunk
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	} else {
		turn = []agent.Chunk{{Finish: &agent.Finish{Reason: agent.FinishStop}}}
	}
	p.mu.Unlock()

	chunks := make(chan agent.Chunk, len(turn))
	for _, c := range turn {
		chunks <- c
	}
	close(chunks)
	return chunks, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Emit(event models.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureSink) kinds() []models.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]models.EventKind, 0, len(c.events))
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func writeSkill(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	svc      *Service
	provider *scriptedProvider
	sink     *captureSink
	store    *sessions.MemoryStore
}

func newFixture(t *testing.T, maxDepth int, skillYAML map[string]string) *fixture {
	t.Helper()

	dir := t.TempDir()
	for name, body := range skillYAML {
		writeSkill(t, dir, name, body)
	}

	cfg := &config.Config{}
	cfg.LLM.Model = "test-model"
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxTokens = 1024
	cfg.Orchestration.MaxDepth = maxDepth
	cfg.Storage.DataDir = t.TempDir()
	cfg.RAG.Collection = "default"

	registry := agent.NewToolRegistry()
	loader := skills.NewLoader(dir, registry.Names, nil)
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{}
	sink := &captureSink{}

	svc, err := New(Options{
		Config:   cfg,
		Store:    store,
		Skills:   loader,
		Provider: provider,
		Registry: registry,
		Events:   sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.RegisterBuiltins(); err != nil {
		t.Fatal(err)
	}
	if err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, provider: provider, sink: sink, store: store}
}

const plainSkill = `
name: helper
description: answers questions
system_prompt: You are helpful.
`

func TestRunCreatesSessionAndEmitsEvents(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	f.provider.turns = [][]agent.Chunk{
		{{Text: "hi"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	final, session, err := f.svc.Run(context.Background(), "helper", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if final != "hi" {
		t.Errorf("final = %q", final)
	}
	if session == nil || session.Skill != "helper" {
		t.Fatalf("session = %+v", session)
	}

	history, err := f.store.History(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d messages", len(history))
	}

	kinds := f.sink.kinds()
	want := []models.EventKind{models.EventSessionCreated, models.EventAgentStarted, models.EventAgentCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("events[%d] = %s, want %s", i, kinds[i], k)
		}
	}
}

func TestRunUnknownSkill(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	if _, _, err := f.svc.Run(context.Background(), "ghost", "hi", ""); err == nil || !strings.Contains(err.Error(), "unknown skill") {
		t.Errorf("err = %v", err)
	}
}

func TestRunResumesExistingSession(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	f.provider.turns = [][]agent.Chunk{
		{{Text: "first"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
		{{Text: "second"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	_, session, err := f.svc.Run(context.Background(), "helper", "one", "")
	if err != nil {
		t.Fatal(err)
	}
	_, again, err := f.svc.Run(context.Background(), "helper", "two", session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != session.ID {
		t.Errorf("session ids differ: %s vs %s", again.ID, session.ID)
	}

	history, err := f.store.History(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Errorf("history = %d messages, want 4", len(history))
	}

	// Only the first run created a session.
	var created int
	for _, k := range f.sink.kinds() {
		if k == models.EventSessionCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("session.created emitted %d times", created)
	}
}

const delegatingSkillA = `
name: planner
description: plans and delegates
system_prompt: You delegate work.
tools: [delegate_to_agent]
`

const delegatingSkillB = `
name: worker
description: does the work
system_prompt: You work.
tools: [delegate_to_agent]
`

func delegateCall(id, skill, task string) agent.Chunk {
	args, _ := json.Marshal(map[string]string{"skill_name": skill, "task": task})
	return agent.Chunk{Finish: &agent.Finish{
		Reason: agent.FinishToolCalls,
		ToolCalls: []models.ToolCall{{
			ID:        id,
			Name:      "delegate_to_agent",
			Arguments: args,
		}},
	}}
}

func TestDelegationDepthLimit(t *testing.T) {
	f := newFixture(t, 1, map[string]string{
		"planner": delegatingSkillA,
		"worker":  delegatingSkillB,
	})

	// Provider calls arrive in this order: the planner's first turn, the
	// worker's first turn, the worker's wrap-up after its delegation is
	// refused, the planner's wrap-up.
	f.provider.turns = [][]agent.Chunk{
		{delegateCall("c1", "worker", "do the thing")},
		{delegateCall("c2", "worker", "recurse")},
		{{Text: "worker done"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
		{{Text: "planner done"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	final, session, err := f.svc.Run(context.Background(), "planner", "go", "")
	if err != nil {
		t.Fatal(err)
	}
	if final != "planner done" {
		t.Errorf("final = %q", final)
	}

	// The planner's tool message carries the successful depth-1 result.
	history, err := f.store.History(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	var outerResult string
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			outerResult = msg.Content
		}
	}
	var outer struct {
		Status string `json:"status"`
		Depth  int    `json:"depth"`
	}
	if err := json.Unmarshal([]byte(outerResult), &outer); err != nil {
		t.Fatalf("outer tool result %q: %v", outerResult, err)
	}
	if outer.Status != "ok" || outer.Depth != 1 {
		t.Errorf("outer = %+v", outer)
	}

	// The worker's own delegation attempt was refused with its depth.
	workerSessions, err := f.store.ListSessions(context.Background(), "worker", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(workerSessions) != 1 {
		t.Fatalf("worker sessions = %d", len(workerSessions))
	}
	workerHistory, err := f.store.History(context.Background(), workerSessions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	var innerResult string
	for _, msg := range workerHistory {
		if msg.Role == models.RoleTool {
			innerResult = msg.Content
		}
	}
	var inner struct {
		Error        string `json:"error"`
		CurrentDepth int    `json:"current_depth"`
	}
	if err := json.Unmarshal([]byte(innerResult), &inner); err != nil {
		t.Fatalf("inner tool result %q: %v", innerResult, err)
	}
	if inner.Error == "" || inner.CurrentDepth != 1 {
		t.Errorf("inner = %+v", inner)
	}
}

func TestRouteParsesDecision(t *testing.T) {
	f := newFixture(t, 3, map[string]string{
		"helper": plainSkill,
		"worker": delegatingSkillB,
	})
	f.provider.turns = [][]agent.Chunk{
		{{Text: `{"skill_name": "worker", "reason": "it is work"}`}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	decision, err := f.svc.Route(context.Background(), "please do some work")
	if err != nil {
		t.Fatal(err)
	}
	if decision.SkillName != "worker" || decision.Reason != "it is work" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestRouteFallsBackOnGarbage(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	f.provider.turns = [][]agent.Chunk{
		{{Text: "I cannot decide, sorry."}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	decision, err := f.svc.Route(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if decision.SkillName != "helper" {
		t.Errorf("fallback skill = %q", decision.SkillName)
	}
	if !strings.Contains(decision.Reason, "fallback") {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestRouteRejectsUnknownChoice(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	f.provider.turns = [][]agent.Chunk{
		{{Text: `{"skill_name": "ghost", "reason": "spooky"}`}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	decision, err := f.svc.Route(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if decision.SkillName != "helper" {
		t.Errorf("skill = %q", decision.SkillName)
	}
}

func TestSetFeedbackEmitsEvent(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	f.provider.turns = [][]agent.Chunk{
		{{Text: "hi"}, {Finish: &agent.Finish{Reason: agent.FinishStop}}},
	}

	_, session, err := f.svc.Run(context.Background(), "helper", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	history, err := f.store.History(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	assistant := history[len(history)-1]

	if err := f.svc.SetFeedback(context.Background(), assistant.ID, 1); err != nil {
		t.Fatal(err)
	}

	kinds := f.sink.kinds()
	if kinds[len(kinds)-1] != models.EventFeedbackReceived {
		t.Errorf("last event = %s", kinds[len(kinds)-1])
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 3, map[string]string{"helper": plainSkill})
	status := f.svc.Status()
	if status.Provider != "scripted" || status.Model != "test-model" {
		t.Errorf("status = %+v", status)
	}
	if len(status.Skills) != 1 || status.Skills[0] != "helper" {
		t.Errorf("skills = %v", status.Skills)
	}
	if status.MaxDepth != 3 {
		t.Errorf("max depth = %d", status.MaxDepth)
	}
}
