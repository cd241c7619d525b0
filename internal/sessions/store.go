// Package sessions persists conversation transcripts and feedback.
//
// Messages are append-only: once written they are never mutated or
// reordered. Feedback is the one mutable record, keyed by message id.
package sessions

import (
	"context"
	"errors"

	"github.com/tomluvoe/agentgw/pkg/models"
)

var (
	// ErrSessionNotFound indicates the session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates the message id does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidFeedback indicates a feedback value outside {+1, -1}.
	ErrInvalidFeedback = errors.New("feedback value must be +1 or -1")

	// ErrLockTimeout indicates a session lock could not be acquired in time.
	ErrLockTimeout = errors.New("session lock timeout")
)

// Store is the persistence interface for sessions, messages, and feedback.
type Store interface {
	// CreateSession creates a new session bound to the given skill.
	CreateSession(ctx context.Context, skill string) (*models.Session, error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// TouchSession updates the session's last-used timestamp.
	TouchSession(ctx context.Context, id string) error

	// ListSessions returns sessions ordered by last use, newest first.
	// An empty skill matches all skills; limit <= 0 means no limit.
	ListSessions(ctx context.Context, skill string, limit int) ([]*models.Session, error)

	// Append adds a message to its session's transcript. The message id
	// and timestamp are filled in when empty.
	Append(ctx context.Context, msg *models.Message) error

	// History returns the session's messages in append order.
	History(ctx context.Context, sessionID string) ([]*models.Message, error)

	// SetFeedback records a rating for a message. Re-submitting replaces
	// the previous value.
	SetFeedback(ctx context.Context, messageID string, value int) error

	// GetFeedback returns the feedback for a message, or ErrMessageNotFound.
	GetFeedback(ctx context.Context, messageID string) (*models.Feedback, error)

	// Close releases the store's resources.
	Close() error
}
