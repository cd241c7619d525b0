// Package service assembles the daemon's singletons and exposes the
// operations every surface (HTTP, CLI, scheduler, delegation) goes
// through. A single Service instance is shared by all of them.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/sessions"
	"github.com/tomluvoe/agentgw/internal/skills"
	"github.com/tomluvoe/agentgw/internal/tools"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// ErrUnknownSkill indicates a request named a skill that is not loaded.
var ErrUnknownSkill = fmt.Errorf("unknown skill")

// EventSink receives lifecycle events. Emit must not block the caller;
// the webhook dispatcher satisfies this with a buffered queue.
type EventSink interface {
	Emit(event models.Event)
}

// Options carries the collaborators a Service is built from.
type Options struct {
	Config   *config.Config
	Store    sessions.Store
	Vectors  rag.Store
	Skills   *skills.Loader
	Provider agent.Provider
	Registry *agent.ToolRegistry
	Events   EventSink
	Logger   *slog.Logger
}

// Service owns the shared state of the daemon.
type Service struct {
	cfg      *config.Config
	store    sessions.Store
	vectors  rag.Store
	skills   *skills.Loader
	provider agent.Provider
	registry *agent.ToolRegistry
	events   EventSink
	locker   *sessions.Locker
	logger   *slog.Logger
	started  time.Time
}

// New wires a service from its collaborators.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Skills == nil {
		return nil, fmt.Errorf("skill loader is required")
	}
	if opts.Provider == nil {
		return nil, agent.ErrNoProvider
	}
	registry := opts.Registry
	if registry == nil {
		registry = agent.NewToolRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		vectors:  opts.Vectors,
		skills:   opts.Skills,
		provider: opts.Provider,
		registry: registry,
		events:   opts.Events,
		locker:   sessions.NewLocker(),
		logger:   logger.With("component", "service"),
		started:  time.Now(),
	}, nil
}

// RegisterBuiltins installs the builtin tools. Delegation needs the
// service itself as its runner, so this runs after construction.
func (s *Service) RegisterBuiltins() error {
	builtins := []agent.Tool{
		tools.NewDelegateTool(s.skills, s, s.cfg.Orchestration.MaxDepth),
		tools.NewReadFileTool(s.cfg.Storage.DataDir),
		tools.NewListFilesTool(s.cfg.Storage.DataDir),
	}
	if s.vectors != nil {
		builtins = append(builtins,
			tools.NewSearchDocumentsTool(s.vectors),
			tools.NewIngestDocumentTool(s.vectors),
		)
	}
	if db, ok := s.store.(*sessions.SQLiteStore); ok {
		builtins = append(builtins, tools.NewQueryDBTool(db.DB()))
	}
	for _, tool := range builtins {
		if err := s.registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// Registry exposes the tool registry, primarily for skill validation.
func (s *Service) Registry() *agent.ToolRegistry { return s.registry }

// Skills exposes the skill loader.
func (s *Service) Skills() *skills.Loader { return s.skills }

// Store exposes the session store.
func (s *Service) Store() sessions.Store { return s.store }

// Chat starts an agent run and streams its events. The returned channel
// closes when the run ends; the per-session lock is held until then.
func (s *Service) Chat(ctx context.Context, skillName, message, sessionID string) (<-chan agent.Event, *models.Session, error) {
	skill, err := s.resolveSkill(skillName)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.ensureSession(ctx, skill.Name, sessionID)
	if err != nil {
		return nil, nil, err
	}

	events, err := s.startLoop(ctx, skill, session, message, 0)
	if err != nil {
		return nil, nil, err
	}
	return events, session, nil
}

// Run executes a request to completion and returns the final text.
func (s *Service) Run(ctx context.Context, skillName, message, sessionID string) (string, *models.Session, error) {
	events, session, err := s.Chat(ctx, skillName, message, sessionID)
	if err != nil {
		return "", nil, err
	}

	var final string
	for ev := range events {
		switch {
		case ev.Err != nil:
			return "", session, ev.Err
		case ev.Done != nil:
			final = ev.Done.Text
		}
	}
	if err := ctx.Err(); err != nil {
		return final, session, err
	}
	return final, session, nil
}

// RunSubAgent runs a delegated task in a fresh session at the given
// orchestration depth. The parent's context flows through, so
// cancelling the parent cancels the whole delegation chain.
func (s *Service) RunSubAgent(ctx context.Context, skillName, input string, depth int) (string, error) {
	skill, err := s.resolveSkill(skillName)
	if err != nil {
		return "", err
	}

	session, err := s.ensureSession(ctx, skill.Name, "")
	if err != nil {
		return "", err
	}

	events, err := s.startLoop(ctx, skill, session, input, depth)
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

// startLoop acquires the session lock, builds the loop, and relays its
// events, emitting lifecycle notifications along the way.
func (s *Service) startLoop(ctx context.Context, skill *skills.Skill, session *models.Session, message string, depth int) (<-chan agent.Event, error) {
	if err := s.locker.Lock(ctx, session.ID); err != nil {
		return nil, err
	}

	model := skill.Model
	if model == "" {
		model = s.cfg.LLM.Model
	}
	temperature := s.cfg.LLM.Temperature
	if skill.Temperature != nil {
		temperature = *skill.Temperature
	}

	loop, err := agent.NewLoop(agent.LoopConfig{
		Skill:       skill,
		Session:     session,
		Provider:    s.provider,
		Registry:    s.registry,
		Store:       s.store,
		Vectors:     s.vectors,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   s.cfg.LLM.MaxTokens,
		Depth:       depth,
		Logger:      s.logger,
	})
	if err != nil {
		s.locker.Unlock(session.ID)
		return nil, err
	}

	inner, err := loop.Run(ctx, message)
	if err != nil {
		s.locker.Unlock(session.ID)
		return nil, err
	}

	s.emit(models.EventAgentStarted, map[string]any{
		"skill":      skill.Name,
		"session_id": session.ID,
		"depth":      depth,
	})

	out := make(chan agent.Event, 16)
	go func() {
		defer close(out)
		defer s.locker.Unlock(session.ID)
		for ev := range inner {
			switch {
			case ev.Tool != nil:
				s.emit(models.EventToolExecuted, map[string]any{
					"skill":       skill.Name,
					"session_id":  session.ID,
					"tool":        ev.Tool.Name,
					"is_error":    ev.Tool.IsError,
					"duration_ms": ev.Tool.Duration.Milliseconds(),
				})
			case ev.Done != nil:
				s.emit(models.EventAgentCompleted, map[string]any{
					"skill":      skill.Name,
					"session_id": session.ID,
					"result":     ev.Done.Text,
				})
			case ev.Err != nil:
				s.emit(models.EventAgentFailed, map[string]any{
					"skill":      skill.Name,
					"session_id": session.ID,
					"error":      ev.Err.Error(),
				})
			}
			out <- ev
		}
	}()
	return out, nil
}

// SetFeedback records a thumbs-up or thumbs-down on a message.
func (s *Service) SetFeedback(ctx context.Context, messageID string, value int) error {
	if err := s.store.SetFeedback(ctx, messageID, value); err != nil {
		return err
	}
	s.emit(models.EventFeedbackReceived, map[string]any{
		"message_id": messageID,
		"value":      value,
	})
	return nil
}

// ListSessions lists sessions, optionally filtered by skill.
func (s *Service) ListSessions(ctx context.Context, skill string, limit int) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, skill, limit)
}

// SessionMessages returns a session's ordered transcript.
func (s *Service) SessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, sessionID)
}

// Status describes the running daemon.
type Status struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Skills     []string  `json:"skills"`
	MaxDepth   int       `json:"max_orchestration_depth"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs int64     `json:"uptime_seconds"`
}

// Status reports provider, model, and loaded skills.
func (s *Service) Status() Status {
	loaded := s.skills.List()
	names := make([]string, 0, len(loaded))
	for _, skill := range loaded {
		names = append(names, skill.Name)
	}
	return Status{
		Provider:   s.provider.Name(),
		Model:      s.cfg.LLM.Model,
		Skills:     names,
		MaxDepth:   s.cfg.Orchestration.MaxDepth,
		StartedAt:  s.started,
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
}

// Close releases the service's stores.
func (s *Service) Close() error {
	var firstErr error
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Service) resolveSkill(name string) (*skills.Skill, error) {
	skill, ok := s.skills.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	return skill, nil
}

// ensureSession loads an existing session or creates a fresh one.
func (s *Service) ensureSession(ctx context.Context, skillName, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		return s.store.GetSession(ctx, sessionID)
	}
	session, err := s.store.CreateSession(ctx, skillName)
	if err != nil {
		return nil, err
	}
	s.emit(models.EventSessionCreated, map[string]any{
		"session_id": session.ID,
		"skill":      skillName,
	})
	return session, nil
}

func (s *Service) emit(kind models.EventKind, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(models.Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
