package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment references an uploaded photo or document tied to a message.
type Attachment struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"` // "photo" or "document"
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Message persists one turn of a session transcript. Messages are immutable
// once appended and keep strict arrival order.
type Message struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId"`
	Role         Role         `json:"role"`
	Content      string       `json:"content"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	InputTokens  int          `json:"inputTokens,omitempty"`
	OutputTokens int          `json:"outputTokens,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}
