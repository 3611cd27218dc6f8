package chat

import "time"

// Status tracks where a session is in its lifecycle. Sessions are never hard
// deleted; idle ones are soft-expired to inactive and a reset re-arms them.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusCompleted Status = "completed"
)

// Usage accumulates token and cost totals across the lifetime of a session.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Session captures one documentation interview with a site user.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Status    Status            `json:"status"`
	Usage     Usage             `json:"usage"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CanTransition reports whether moving to next is a legal lifecycle step.
// Allowed: active<->inactive and active->completed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusInactive || next == StatusCompleted
	case StatusInactive:
		return next == StatusActive
	default:
		return false
	}
}
