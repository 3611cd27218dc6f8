package registry

import "time"

// Envelope is the outbound wire frame shared by every message the registry
// pushes over a connection.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope types.
const (
	TypeConnected   = "connected"
	TypePing        = "ping"
	TypeError       = "error"
	TypeMessage     = "message"
	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
)

// StreamStartData opens a three-phase stream over one connection.
type StreamStartData struct {
	StreamID string `json:"streamId"`
}

// StreamChunkData carries one incremental piece of a streamed response.
type StreamChunkData struct {
	StreamID string `json:"streamId"`
	Content  string `json:"content"`
}

// StreamEndData closes a stream. Completed distinguishes a finished stream
// from one aborted mid-flight; Reason is set on aborts.
type StreamEndData struct {
	StreamID  string `json:"streamId"`
	Completed bool   `json:"completed"`
	Reason    string `json:"reason,omitempty"`
}

func newEnvelope(envType, sessionID string, data any) Envelope {
	return Envelope{
		Type:      envType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}
