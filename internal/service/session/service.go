// Package session owns creation, resolution, mutation and soft-expiry of
// conversation sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/store"
)

var (
	ErrSessionNotFound   = store.ErrSessionNotFound
	ErrInvalidRole       = errors.New("invalid message role")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const greetingText = "Hola, soy tu asistente de obra. Envíame fotos o documentos del avance y te ayudo a documentar la fase actual."

// Service is the session lifecycle manager. It is the only writer of session
// documents; all state lives in the backing store, never in the process.
type Service struct {
	store   store.Store
	log     zerolog.Logger
	onReset func(sessionID string)
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithResetHook registers a callback fired after a session reset, used to
// re-arm external workflow state keyed by the session.
func WithResetHook(fn func(sessionID string)) Option {
	return func(s *Service) { s.onReset = fn }
}

// NewService builds a lifecycle manager over the given store.
func NewService(st store.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		log:   log.With().Str("component", "session").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession allocates a new active session. The greeting is only
// synthesized when asked for: connection handshakes must not create greeted
// sessions, so they never call this. A session materializes on the first
// real message through AppendMessage, which passes addGreeting=false.
func (s *Service) CreateSession(ctx context.Context, userID string, addGreeting bool) (chat.Session, error) {
	now := s.now().UTC()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.InsertSession(ctx, session); err != nil {
		return chat.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	if addGreeting {
		greeting := chat.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      chat.RoleAssistant,
			Content:   greetingText,
			CreatedAt: now,
		}
		if err := s.store.AppendMessage(ctx, greeting); err != nil {
			return chat.Session{}, fmt.Errorf("failed to append greeting: %w", err)
		}
	}

	s.log.Info().Str("session", session.ID).Str("user", userID).
		Bool("greeted", addGreeting).Msg("session created")
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// Transcript returns the session's messages in arrival order.
func (s *Service) Transcript(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	return s.store.ListMessages(ctx, sessionID, limit)
}

// AppendMessage appends one immutable message. This is the only path that
// may implicitly create a session: an unknown sessionID materializes a new
// active, ungreeted session owned by userID before the append.
func (s *Service) AppendMessage(ctx context.Context, sessionID, userID string, role chat.Role, content string, attachments []chat.Attachment) (chat.Message, error) {
	if !chat.ValidRole(role) {
		return chat.Message{}, ErrInvalidRole
	}

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			return chat.Message{}, err
		}
		now := s.now().UTC()
		created := chat.Session{
			ID:        sessionID,
			UserID:    userID,
			Status:    chat.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// Concurrent first messages may race on creation; the loser
		// appends into the winner's session.
		if err := s.store.InsertSession(ctx, created); err != nil && !errors.Is(err, store.ErrDuplicateID) {
			return chat.Message{}, fmt.Errorf("failed to create session on first message: %w", err)
		}
		s.log.Info().Str("session", sessionID).Str("user", userID).
			Msg("session created lazily on first message")
	}

	message := chat.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, message); err != nil {
		return chat.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return message, nil
}

// ResetSession clears the transcript, re-arms the session to active and
// fires the reset hook so workflow state keyed by the session starts over.
func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteMessages(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, chat.StatusActive, s.now().UTC()); err != nil {
		return err
	}
	if s.onReset != nil {
		s.onReset(sessionID)
	}
	s.log.Info().Str("session", sessionID).Msg("session reset")
	return nil
}

// RecordUsage accumulates token and cost totals onto the session. opID names
// the logical operation; retried deliveries with the same opID are dropped
// instead of double counting. An empty opID gets a generated one, which
// keeps this call safe but leaves caller-side retries unprotected.
func (s *Service) RecordUsage(ctx context.Context, sessionID, opID string, inputTokens, outputTokens int, cost float64) error {
	if opID == "" {
		opID = uuid.NewString()
	}

	applied, err := s.store.AddUsage(ctx, sessionID, opID, chat.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if !applied {
		s.log.Debug().Str("session", sessionID).Str("op", opID).
			Msg("duplicate usage op dropped")
	}
	return nil
}

// Complete transitions an active session to completed.
func (s *Service) Complete(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, chat.StatusCompleted)
}

// Resume re-activates an inactive session.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, chat.StatusActive)
}

func (s *Service) transition(ctx context.Context, sessionID string, next chat.Status) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == next {
		return nil
	}
	if !session.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, next)
	}
	return s.store.UpdateSessionStatus(ctx, sessionID, next, s.now().UTC())
}

// ExpireIdle soft-expires active sessions without activity for olderThan.
// Nothing is deleted; retention is an external batch concern.
func (s *Service) ExpireIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	ids, err := s.store.IdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan idle sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := s.store.UpdateSessionStatus(ctx, id, chat.StatusInactive, s.now().UTC()); err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("failed to expire session")
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info().Int("count", expired).Msg("idle sessions expired")
	}
	return expired, nil
}
