package agent

import (
	"context"
	"encoding/json"

	"github.com/tomluvoe/agentgw/pkg/models"
)

// Provider is the uniform surface over LLM vendors. Stream returns a
// channel of chunks that is closed when the completion ends; exactly one
// Finish or Err chunk precedes the close.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", "xai").
	Name() string

	// Stream starts a completion and returns its chunk stream. The
	// returned error covers request construction only; transport and
	// stream failures arrive as Err chunks.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Request is a single completion request.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []*models.Message
	Tools       []ToolSchema
}

// ToolSchema is the contract advertised to the model for one tool.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// FinishReason mirrors the vendor finish semantics after normalization.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage reports token accounting when the vendor provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Finish carries the end-of-completion state. Providers reconstruct
// complete tool-call tuples from fragmented deltas before emitting it.
type Finish struct {
	Reason    FinishReason
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Chunk is one element of a completion stream: a text delta, a raw
// tool-call fragment, the finish marker, or a terminal error.
type Chunk struct {
	Text          string
	ToolCallDelta *ToolCallDelta
	Finish        *Finish
	Err           error
}

// ToolCallDelta is a fragment of an in-progress tool call, keyed by the
// vendor's call index. Callers normally wait for the Finish chunk rather
// than assembling fragments themselves.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}
