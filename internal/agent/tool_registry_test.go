package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
)

type fakeTool struct {
	name        string
	description string
	schema      json.RawMessage
	execute     func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *fakeTool) Name() string             { return t.name }
func (t *fakeTool) Description() string      { return t.description }
func (t *fakeTool) Schema() json.RawMessage  { return t.schema }
func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return &ToolResult{Content: "ok"}, nil
}

func addTool() *fakeTool {
	return &fakeTool{
		name:        "add",
		description: "adds two numbers",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["a", "b"]
		}`),
		execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			var args struct{ A, B float64 }
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return &ToolResult{Content: strconv.FormatFloat(args.A+args.B, 'f', -1, 64)}, nil
		},
	}
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(addTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := reg.Execute(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "5" {
		t.Errorf("result = %q, want 5", result.Content)
	}
}

func TestRegistryRejectsInvalidNames(t *testing.T) {
	reg := NewToolRegistry()
	for _, name := range []string{"", "bad name", "semi;colon", strings.Repeat("x", MaxToolNameLength+1)} {
		err := reg.Register(&fakeTool{name: name, schema: json.RawMessage(`{"type":"object"}`)})
		if err == nil {
			t.Errorf("Register(%q) succeeded, want error", name)
		}
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	reg := NewToolRegistry()
	err := reg.Register(&fakeTool{name: "broken", schema: json.RawMessage(`{"type": 42}`)})
	if err == nil {
		t.Error("expected schema compilation error")
	}
}

func TestRegistryUnknownToolReturnsErrorResult(t *testing.T) {
	reg := NewToolRegistry()
	result := reg.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if !result.IsError {
		t.Error("unknown tool should produce an error result")
	}
	if !strings.Contains(result.Content, "not found") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestRegistrySchemaValidationFailureIsErrorResult(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(addTool()); err != nil {
		t.Fatal(err)
	}

	result := reg.Execute(context.Background(), "add", json.RawMessage(`{"a":"two"}`))
	if !result.IsError {
		t.Error("schema violation should produce an error result")
	}

	result = reg.Execute(context.Background(), "add", json.RawMessage(`{"a":2,`))
	if !result.IsError {
		t.Error("malformed JSON should produce an error result")
	}
}

func TestRegistryHandlerErrorIsErrorResult(t *testing.T) {
	reg := NewToolRegistry()
	err := reg.Register(&fakeTool{
		name:   "boom",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("disk on fire")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	result := reg.Execute(context.Background(), "boom", json.RawMessage(`{}`))
	if !result.IsError || !strings.Contains(result.Content, "disk on fire") {
		t.Errorf("result = %+v", result)
	}
}

func TestRegistryEmptyParamsDefaultToObject(t *testing.T) {
	reg := NewToolRegistry()
	var seen string
	err := reg.Register(&fakeTool{
		name:   "noargs",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			seen = string(params)
			return &ToolResult{Content: "done"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg.Execute(context.Background(), "noargs", nil)
	if seen != "{}" {
		t.Errorf("params = %q, want {}", seen)
	}
}

func TestRegistryNamesAndSchemaFor(t *testing.T) {
	reg := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		err := reg.Register(&fakeTool{name: name, schema: json.RawMessage(`{"type":"object"}`)})
		if err != nil {
			t.Fatal(err)
		}
	}

	names := reg.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Errorf("Names() = %v", names)
	}

	schemas := reg.SchemaFor([]string{"mid", "missing", "alpha"})
	if len(schemas) != 2 {
		t.Fatalf("SchemaFor returned %d schemas, want 2", len(schemas))
	}
	if schemas[0].Name != "mid" || schemas[1].Name != "alpha" {
		t.Errorf("schema order = %s, %s", schemas[0].Name, schemas[1].Name)
	}
}

func TestRegistryReplaceKeepsLatest(t *testing.T) {
	reg := NewToolRegistry()
	first := &fakeTool{name: "dup", description: "first", schema: json.RawMessage(`{"type":"object"}`)}
	second := &fakeTool{name: "dup", description: "second", schema: json.RawMessage(`{"type":"object"}`)}
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatal(err)
	}
	tool, ok := reg.Get("dup")
	if !ok || tool.Description() != "second" {
		t.Errorf("Get returned %v", tool)
	}
}
