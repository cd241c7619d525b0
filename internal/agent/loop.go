package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/sessions"
	"github.com/tomluvoe/agentgw/internal/skills"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// Event is one element of a loop's output stream: a text delta, a tool
// execution report, the final completion, or a fatal error. Exactly one
// of the fields is set.
type Event struct {
	Text string
	Tool *ToolEvent
	Done *DoneEvent
	Err  error
}

// ToolEvent reports one tool execution inside the loop.
type ToolEvent struct {
	CallID   string
	Name     string
	Args     json.RawMessage
	Result   string
	IsError  bool
	Duration time.Duration
}

// DoneEvent carries the final assistant text for the request.
type DoneEvent struct {
	Text      string
	SessionID string
}

// LoopConfig assembles the collaborators for one in-flight request. The
// loop itself owns no persistent state.
type LoopConfig struct {
	Skill    *skills.Skill
	Session  *models.Session
	Provider Provider
	Registry *ToolRegistry
	Store    sessions.Store
	Vectors  rag.Store // optional; required only when the skill enables retrieval

	Model       string
	Temperature float64
	MaxTokens   int
	Depth       int

	Logger *slog.Logger
}

// Loop is the reason-act controller for a single request.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger
}

// NewLoop creates a loop for one request.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Skill == nil {
		return nil, fmt.Errorf("skill is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent_loop", "skill", cfg.Skill.Name, "session", cfg.Session.ID, "depth", cfg.Depth)
	return &Loop{cfg: cfg, logger: logger}, nil
}

// Run starts the loop for one user input and streams events until the
// request completes, degrades, or is cancelled. The channel is closed
// when the loop exits.
func (l *Loop) Run(ctx context.Context, userInput string) (<-chan Event, error) {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		l.run(ctx, userInput, events)
	}()
	return events, nil
}

// RunToCompletion drains the loop and returns the final text.
func (l *Loop) RunToCompletion(ctx context.Context, userInput string) (string, error) {
	events, err := l.Run(ctx, userInput)
	if err != nil {
		return "", err
	}
	var final string
	for ev := range events {
		switch {
		case ev.Err != nil:
			return "", ev.Err
		case ev.Done != nil:
			final = ev.Done.Text
		}
	}
	if err := ctx.Err(); err != nil {
		return final, err
	}
	return final, nil
}

func (l *Loop) run(ctx context.Context, userInput string, events chan<- Event) {
	// Ambient values observed by tool handlers for the duration of the run.
	ctx = WithDepth(ctx, l.cfg.Depth)
	ctx = WithSkillName(ctx, l.cfg.Skill.Name)

	skill := l.cfg.Skill
	session := l.cfg.Session

	userMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   userInput,
	}
	if err := l.cfg.Store.Append(ctx, userMsg); err != nil {
		events <- Event{Err: &LoopError{Phase: PhaseInit, Cause: err}}
		return
	}

	conversation, err := l.assemblePrompt(ctx, userInput)
	if err != nil {
		events <- Event{Err: &LoopError{Phase: PhaseInit, Cause: err}}
		return
	}

	maxIterations := skill.MaxIterations
	if maxIterations <= 0 {
		maxIterations = skills.DefaultMaxIterations
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			l.logger.Info("run cancelled", "iteration", iteration)
			return
		}

		text, finish, err := l.streamOnce(ctx, conversation, events)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("run cancelled during stream", "iteration", iteration)
				return
			}
			l.degrade(ctx, events, text, err, iteration)
			return
		}

		switch {
		case finish.Reason == FinishLength:
			text += " [truncated]"
			if ok := l.persistAssistant(ctx, events, text, nil, iteration); ok {
				events <- Event{Done: &DoneEvent{Text: text, SessionID: session.ID}}
			}
			return

		case len(finish.ToolCalls) > 0:
			// Text interleaved with tool calls still belongs to this
			// assistant turn, ahead of the tool messages.
			if ok := l.persistAssistant(ctx, events, text, finish.ToolCalls, iteration); !ok {
				return
			}
			if ok := l.executeTools(ctx, events, finish.ToolCalls, iteration); !ok {
				return
			}
			conversation, err = l.assemblePrompt(ctx, userInput)
			if err != nil {
				events <- Event{Err: &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}}
				return
			}

		default:
			if ok := l.persistAssistant(ctx, events, text, nil, iteration); ok {
				events <- Event{Done: &DoneEvent{Text: text, SessionID: session.ID}}
			}
			return
		}
	}

	// Iteration overflow.
	const overflowText = "maximum iterations reached"
	l.logger.Warn("loop hit iteration limit", "max_iterations", maxIterations)
	if ok := l.persistAssistant(ctx, events, overflowText, nil, maxIterations); ok {
		events <- Event{Done: &DoneEvent{Text: overflowText, SessionID: session.ID}}
	}
}

// streamOnce performs one provider round trip, forwarding text deltas as
// they arrive. It returns the accumulated text and the finish state, or
// the provider error.
func (l *Loop) streamOnce(ctx context.Context, conversation []*models.Message, events chan<- Event) (string, *Finish, error) {
	req := Request{
		Model:       l.cfg.Model,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		Messages:    conversation,
		Tools:       l.cfg.Registry.SchemaFor(l.cfg.Skill.Tools),
	}

	chunks, err := l.cfg.Provider.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return text.String(), nil, chunk.Err
		case chunk.Finish != nil:
			return text.String(), chunk.Finish, nil
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			select {
			case events <- Event{Text: chunk.Text}:
			case <-ctx.Done():
				return text.String(), nil, ctx.Err()
			}
		}
	}
	// Stream closed without a finish marker; treat as a clean stop.
	return text.String(), &Finish{Reason: FinishStop}, nil
}

// executeTools dispatches the turn's tool calls sequentially in emission
// order. Returns false if the run must abort (cancellation or a
// persistence failure).
func (l *Loop) executeTools(ctx context.Context, events chan<- Event, calls []models.ToolCall, iteration int) bool {
	allowed := make(map[string]struct{}, len(l.cfg.Skill.Tools))
	for _, name := range l.cfg.Skill.Tools {
		allowed[name] = struct{}{}
	}

	for _, call := range calls {
		// Cancellation between tools aborts without persisting the
		// in-flight result; already-persisted messages stand.
		if ctx.Err() != nil {
			l.logger.Info("run cancelled before tool", "tool", call.Name)
			return false
		}

		var result *ToolResult
		start := time.Now()
		if _, ok := allowed[call.Name]; !ok {
			result = ErrorResult("tool %s is not allowed for skill %s", call.Name, l.cfg.Skill.Name)
		} else {
			result = l.cfg.Registry.Execute(ctx, call.Name, call.Arguments)
		}
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			l.logger.Info("run cancelled during tool", "tool", call.Name)
			return false
		}

		toolMsg := &models.Message{
			SessionID:  l.cfg.Session.ID,
			Role:       models.RoleTool,
			Content:    result.Content,
			ToolCallID: call.ID,
		}
		if err := l.cfg.Store.Append(ctx, toolMsg); err != nil {
			events <- Event{Err: &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}}
			return false
		}

		events <- Event{Tool: &ToolEvent{
			CallID:   call.ID,
			Name:     call.Name,
			Args:     call.Arguments,
			Result:   result.Content,
			IsError:  result.IsError,
			Duration: elapsed,
		}}
		l.logger.Debug("tool executed", "tool", call.Name, "error", result.IsError, "duration", elapsed)
	}
	return true
}

// degrade handles a provider failure: whatever text was received is
// persisted with a marker, and the loop ends with a degraded Done.
func (l *Loop) degrade(ctx context.Context, events chan<- Event, partial string, cause error, iteration int) {
	l.logger.Warn("provider error, degrading", "iteration", iteration, "error", cause)

	text := partial
	if text != "" {
		text += " [interrupted]"
	} else {
		text = fmt.Sprintf("[provider error: %v]", cause)
	}
	if ok := l.persistAssistant(ctx, events, text, nil, iteration); ok {
		events <- Event{Done: &DoneEvent{Text: text, SessionID: l.cfg.Session.ID}}
	}
}

func (l *Loop) persistAssistant(ctx context.Context, events chan<- Event, text string, calls []models.ToolCall, iteration int) bool {
	msg := &models.Message{
		SessionID: l.cfg.Session.ID,
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	}
	if err := l.cfg.Store.Append(ctx, msg); err != nil {
		events <- Event{Err: &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}}
		return false
	}
	return true
}

// assemblePrompt builds the provider message sequence: system prompt,
// optional retrieved context, few-shot examples, stored history (which
// already includes the just-persisted user message). It is called before
// every provider round trip, including continuations after tool
// execution, so retrieval runs fresh each time against the user input.
func (l *Loop) assemblePrompt(ctx context.Context, userInput string) ([]*models.Message, error) {
	skill := l.cfg.Skill
	var conversation []*models.Message

	conversation = append(conversation, &models.Message{
		Role:    models.RoleSystem,
		Content: skill.SystemPrompt,
	})

	if skill.RAGContext != nil && skill.RAGContext.Enabled {
		retrieved, err := l.retrieveContext(ctx, userInput)
		if err != nil {
			// Retrieval failure degrades to an unaugmented prompt.
			l.logger.Warn("retrieval failed, continuing without context", "error", err)
		} else if retrieved != "" {
			conversation = append(conversation, &models.Message{
				Role:    models.RoleSystem,
				Content: "Relevant context retrieved for this request:\n\n" + retrieved,
			})
		}
	}

	for _, example := range skill.Examples {
		conversation = append(conversation,
			&models.Message{Role: models.RoleUser, Content: example.User},
			&models.Message{Role: models.RoleAssistant, Content: example.Assistant},
		)
	}

	history, err := l.cfg.Store.History(ctx, l.cfg.Session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	conversation = append(conversation, compactOrphanedToolCalls(history)...)
	return conversation, nil
}

func (l *Loop) retrieveContext(ctx context.Context, query string) (string, error) {
	rc := l.cfg.Skill.RAGContext
	if l.cfg.Vectors == nil {
		return "", fmt.Errorf("retrieval enabled but no vector store configured")
	}

	skillFilter := rc.Skills
	if len(skillFilter) == 0 {
		skillFilter = []string{l.cfg.Skill.Name}
	}
	topK := rc.TopK
	if topK <= 0 {
		topK = skills.DefaultRAGTopK
	}

	results, err := l.cfg.Vectors.Search(ctx, rag.SearchRequest{
		Query:  query,
		Skills: skillFilter,
		Tags:   rc.Tags,
		TopK:   topK,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, result := range results {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		sb.WriteString(result.Chunk.Text)
	}
	return sb.String(), nil
}

// compactOrphanedToolCalls drops a trailing assistant message whose tool
// calls were never answered (a cancelled run's leftovers); providers
// reject conversations ending in an unanswered tool call.
func compactOrphanedToolCalls(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}
	// The trailing message is the fresh user input; look behind it.
	for len(history) > 0 {
		last := history[len(history)-1]
		if last.Role == models.RoleAssistant && len(last.ToolCalls) > 0 {
			history = history[:len(history)-1]
			continue
		}
		if last.Role == models.RoleUser && len(history) >= 2 {
			prev := history[len(history)-2]
			if prev.Role == models.RoleAssistant && len(prev.ToolCalls) > 0 {
				history = append(history[:len(history)-2], last)
				continue
			}
		}
		break
	}
	return history
}
