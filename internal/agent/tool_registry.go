package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxToolNameLength bounds registered tool names.
	MaxToolNameLength = 256

	// MaxToolParamsSize bounds the raw argument payload (10 MB).
	MaxToolParamsSize = 10 * 1024 * 1024
)

// Tool is a callable capability advertised to the model.
type Tool interface {
	// Name returns the tool's identifier.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Returning an error marks an infrastructure
	// failure; tool-level failures should be reported via ToolResult.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of a tool execution, fed back to the model
// as a tool message.
type ToolResult struct {
	Content string
	IsError bool
}

// ErrorResult builds a ToolResult describing a failure.
func ErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ToolRegistry maps tool names to implementations and provides the
// uniform invocation surface. Argument errors, unknown tools, and
// handler failures never escape as errors; they become error results
// the model can react to.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  slog.Default().With("component", "tool_registry"),
	}
}

// Register adds a tool, replacing any existing tool of the same name.
// Names must be non-empty identifiers ([a-zA-Z0-9_-]) within the length
// bound; the tool's schema must compile.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	if !isIdentifier(name) {
		return fmt.Errorf("tool name %q is not an identifier", name)
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", name, err)
	}

	r.mu.Lock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("replacing registered tool", "tool", name)
	}
	r.tools[name] = tool
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaFor returns the schemas to advertise to the model, filtered to
// the given allow-list. Unknown names are skipped.
func (r *ToolRegistry) SchemaFor(names []string) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolSchema
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return out
}

// Execute validates the arguments against the tool's schema and runs the
// handler. All failure modes come back as error results, never as a Go
// error: the model interprets them.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) *ToolResult {
	if len(params) > MaxToolParamsSize {
		return ErrorResult("tool %s: parameters exceed size limit", name)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("tool %s not found", name)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return ErrorResult("tool %s: invalid argument JSON: %v", name, err)
	}
	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return ErrorResult("tool %s: invalid arguments: %v", name, err)
		}
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return ErrorResult("tool %s failed: %v", name, err)
	}
	if result == nil {
		return &ToolResult{Content: ""}
	}
	return result
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "registry:///" + name + ".json"
	if err := compiler.AddResource(url, jsonReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func jsonReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}

func isIdentifier(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
