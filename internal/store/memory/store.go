// Package memory provides the map-backed Store used by tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/store"
)

// Store keeps sessions and transcripts in process memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	usageOps map[string]map[string]struct{} // sessionID -> applied opIDs
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		usageOps: make(map[string]map[string]struct{}),
	}
}

func (s *Store) InsertSession(_ context.Context, session chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return store.ErrDuplicateID
	}

	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.usageOps[session.ID] = make(map[string]struct{})
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, sessionID string, status chat.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}

	session.Status = status
	session.UpdatedAt = at
	s.sessions[sessionID] = session
	return nil
}

func (s *Store) AppendMessage(_ context.Context, message chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[message.SessionID]
	if !ok {
		return store.ErrSessionNotFound
	}

	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	session.UpdatedAt = message.CreatedAt
	s.sessions[message.SessionID] = session
	return nil
}

func (s *Store) ListMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}

	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}

	copied := make([]chat.Message, len(messages)-start)
	copy(copied, messages[start:])
	return copied, nil
}

func (s *Store) DeleteMessages(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return store.ErrSessionNotFound
	}

	s.messages[sessionID] = s.messages[sessionID][:0]
	return nil
}

func (s *Store) AddUsage(_ context.Context, sessionID, opID string, usage chat.Usage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, store.ErrSessionNotFound
	}

	ops := s.usageOps[sessionID]
	if _, seen := ops[opID]; seen {
		return false, nil
	}
	ops[opID] = struct{}{}

	session.Usage.InputTokens += usage.InputTokens
	session.Usage.OutputTokens += usage.OutputTokens
	session.Usage.Cost += usage.Cost
	session.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = session
	return true, nil
}

func (s *Store) IdleSessions(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, session := range s.sessions {
		if session.Status == chat.StatusActive && session.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) Rollup(_ context.Context) (store.Rollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rollup := store.Rollup{SessionsByStatus: make(map[chat.Status]int)}
	for _, session := range s.sessions {
		rollup.SessionsByStatus[session.Status]++
		rollup.InputTokens += session.Usage.InputTokens
		rollup.OutputTokens += session.Usage.OutputTokens
		rollup.Cost += session.Usage.Cost
	}
	for _, msgs := range s.messages {
		rollup.Messages += len(msgs)
	}
	return rollup, nil
}

func (s *Store) Close() error { return nil }
