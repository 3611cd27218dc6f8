// Package store defines the document-store boundary for sessions and
// transcripts. Two implementations exist: an in-memory store for tests and
// single-process deployments, and a SQLite store for durable setups.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dromero/obralink/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDuplicateID     = errors.New("duplicate id")
)

// Rollup aggregates dashboard figures across all sessions.
type Rollup struct {
	SessionsByStatus map[chat.Status]int `json:"sessionsByStatus"`
	Messages         int                 `json:"messages"`
	InputTokens      int                 `json:"inputTokens"`
	OutputTokens     int                 `json:"outputTokens"`
	Cost             float64             `json:"cost"`
}

// Store is the persistence contract for the session lifecycle manager.
//
// AddUsage is idempotent: the opID names one logical usage-recording
// operation, and a retried call with the same opID must not accumulate
// twice. Implementations report whether the operation was applied.
type Store interface {
	InsertSession(ctx context.Context, session chat.Session) error
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status chat.Status, at time.Time) error

	AppendMessage(ctx context.Context, message chat.Message) error
	// ListMessages returns messages in arrival order. limit <= 0 means all.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	DeleteMessages(ctx context.Context, sessionID string) error

	AddUsage(ctx context.Context, sessionID, opID string, usage chat.Usage) (applied bool, err error)

	// IdleSessions returns IDs of active sessions not updated since cutoff.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	Rollup(ctx context.Context) (Rollup, error)

	Close() error
}
