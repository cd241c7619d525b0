// Package models defines the data types shared across agentgw components.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Session is a durable conversation bound to one skill for its lifetime.
type Session struct {
	ID         string    `json:"id"`
	Skill      string    `json:"skill"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// ToolCall is a structured request from the model to invoke a named tool.
// Arguments is the raw JSON object emitted by the provider.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one ordered record in a session transcript. Append-only once
// written. An assistant message may carry tool calls; a tool message
// references its originating call via ToolCallID.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Feedback is a mutable per-message rating. Value is +1 or -1;
// re-submitting overrides the previous value.
type Feedback struct {
	MessageID string    `json:"message_id"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkMetadata describes where a chunk came from and who may retrieve it.
// An empty Skills slice means the chunk is available to all skills.
type ChunkMetadata struct {
	Source      string   `json:"source"`
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	Skills      []string `json:"skills,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Collection  string   `json:"collection,omitempty"`
}

// Chunk is a unit of indexed text with its embedding and metadata.
type Chunk struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Embedding []float32     `json:"-"`
	Metadata  ChunkMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
}

// EventKind enumerates the lifecycle events the daemon can emit.
type EventKind string

const (
	EventAgentStarted     EventKind = "agent.started"
	EventAgentCompleted   EventKind = "agent.completed"
	EventAgentFailed      EventKind = "agent.failed"
	EventToolExecuted     EventKind = "tool.executed"
	EventSessionCreated   EventKind = "session.created"
	EventFeedbackReceived EventKind = "feedback.received"
)

// Event is a lifecycle notification fanned out to webhook subscribers.
type Event struct {
	Kind      EventKind      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}
