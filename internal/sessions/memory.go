package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
// All returned values are clones; callers cannot mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	feedback map[string]*models.Feedback
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		feedback: make(map[string]*models.Feedback),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, skill string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:         uuid.NewString(),
		Skill:      skill,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = cloneSession(session)
	s.mu.Unlock()

	return session, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastUsedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, skill string, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if skill != "" && session.Skill != skill {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], cloneMessage(msg))
	session.LastUsedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) History(_ context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (s *MemoryStore) SetFeedback(_ context.Context, messageID string, value int) error {
	if value != 1 && value != -1 {
		return ErrInvalidFeedback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.messageExists(messageID) {
		return ErrMessageNotFound
	}
	s.feedback[messageID] = &models.Feedback{
		MessageID: messageID,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) GetFeedback(_ context.Context, messageID string) (*models.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fb, ok := s.feedback[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	clone := *fb
	return &clone, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) messageExists(id string) bool {
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return true
			}
		}
	}
	return false
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	return &clone
}
