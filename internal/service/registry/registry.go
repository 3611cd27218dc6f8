// Package registry tracks live bidirectional streaming connections and
// routes outbound messages to the right subset of them. It is the only
// writer of its connection indices.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrConnectionNotFound is returned when a connection ID is unknown,
// typically because the connection was already reaped.
var ErrConnectionNotFound = errors.New("connection not found")

// Transport is the bidirectional channel behind one connection. Send failures
// are the registry's only liveness signal: a failed Send reaps the
// connection. A receiver that stops consuming but keeps the transport
// half-open is not detected until the next Send fails; that gap is accepted
// here instead of tracking pongs.
type Transport interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Info is the mirrorable snapshot of one connection.
type Info struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Mirror optionally persists connection state outside the process so the
// registry's contents can be inspected or reconciled after a restart. Only
// metadata survives; live sockets never do.
type Mirror interface {
	Save(ctx context.Context, info Info) error
	Remove(ctx context.Context, connID string) error
}

type entry struct {
	info      Info
	transport Transport
	cancel    context.CancelFunc
}

// Registry owns all connection indices. Transport sends happen outside the
// lock; no lock is held across a suspension point.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	bySession map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}

	heartbeat time.Duration
	mirror    Mirror
	log       zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeat overrides the default 30s ping interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(r *Registry) { r.heartbeat = interval }
}

// WithMirror enables the durable connection-state mirror.
func WithMirror(mirror Mirror) Option {
	return func(r *Registry) { r.mirror = mirror }
}

// New builds an empty registry.
func New(log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*entry),
		bySession: make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		heartbeat: 30 * time.Second,
		log:       log.With().Str("component", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a transport under the session and user indices, sends a
// connected acknowledgement, and starts the per-connection heartbeat task.
func (r *Registry) Connect(transport Transport, sessionID, userID string) string {
	now := time.Now().UTC()
	connID := uuid.NewString()

	hbCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		info: Info{
			ID:            connID,
			SessionID:     sessionID,
			UserID:        userID,
			Active:        true,
			CreatedAt:     now,
			LastHeartbeat: now,
		},
		transport: transport,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.conns[connID] = e
	addIndex(r.bySession, sessionID, connID)
	addIndex(r.byUser, userID, connID)
	r.mu.Unlock()

	r.mirrorSave(e.info)
	r.log.Info().Str("conn", connID).Str("session", sessionID).Str("user", userID).
		Msg("connection registered")

	r.Send(connID, newEnvelope(TypeConnected, sessionID, map[string]string{"connectionId": connID}))

	go r.heartbeatLoop(hbCtx, connID)
	return connID
}

// Disconnect cancels the heartbeat, drops the connection from every index
// and closes the transport. Calling it again for the same ID is a no-op.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	dropIndex(r.bySession, e.info.SessionID, connID)
	dropIndex(r.byUser, e.info.UserID, connID)
	r.mu.Unlock()

	e.cancel()
	if err := e.transport.Close(1000, "disconnect"); err != nil {
		r.log.Debug().Err(err).Str("conn", connID).Msg("transport close failed")
	}
	r.mirrorRemove(connID)
	r.log.Info().Str("conn", connID).Msg("connection unregistered")
}

// Send delivers a payload to one connection. Best effort: a transport
// failure reaps the connection so no dangling registry entry remains.
func (r *Registry) Send(connID string, payload any) error {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	if err := e.transport.Send(payload); err != nil {
		r.log.Warn().Err(err).Str("conn", connID).Msg("send failed, reaping connection")
		r.Disconnect(connID)
		return err
	}
	return nil
}

// SendToSession fans a payload out to every connection of one session.
func (r *Registry) SendToSession(sessionID string, payload any) {
	for _, connID := range r.snapshot(r.bySession, sessionID) {
		_ = r.Send(connID, payload)
	}
}

// SendToUser fans a payload out to every connection of one user.
func (r *Registry) SendToUser(userID string, payload any) {
	for _, connID := range r.snapshot(r.byUser, userID) {
		_ = r.Send(connID, payload)
	}
}

// Broadcast sends a payload to every connection except the excluded IDs.
func (r *Registry) Broadcast(payload any, exclude map[string]struct{}) {
	r.mu.RLock()
	connIDs := make([]string, 0, len(r.conns))
	for connID := range r.conns {
		if _, skip := exclude[connID]; !skip {
			connIDs = append(connIDs, connID)
		}
	}
	r.mu.RUnlock()

	for _, connID := range connIDs {
		_ = r.Send(connID, payload)
	}
}

// StreamStart opens a three-phase stream on one connection.
func (r *Registry) StreamStart(connID, sessionID, streamID string) error {
	return r.Send(connID, newEnvelope(TypeStreamStart, sessionID, StreamStartData{StreamID: streamID}))
}

// StreamChunk delivers one incremental piece of a stream.
func (r *Registry) StreamChunk(connID, sessionID, streamID, content string) error {
	return r.Send(connID, newEnvelope(TypeStreamChunk, sessionID, StreamChunkData{
		StreamID: streamID,
		Content:  content,
	}))
}

// StreamEnd closes a stream. It always carries completion metadata so the
// receiver can tell an aborted stream from a finished one.
func (r *Registry) StreamEnd(connID, sessionID, streamID string, completed bool, reason string) error {
	return r.Send(connID, newEnvelope(TypeStreamEnd, sessionID, StreamEndData{
		StreamID:  streamID,
		Completed: completed,
		Reason:    reason,
	}))
}

// Connection returns the snapshot for one connection ID.
func (r *Registry) Connection(connID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionConnections returns how many connections share a session.
func (r *Registry) SessionConnections(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

// UserConnections returns how many connections a user holds.
func (r *Registry) UserConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Shutdown disconnects everything, cancelling all heartbeat tasks.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	connIDs := make([]string, 0, len(r.conns))
	for connID := range r.conns {
		connIDs = append(connIDs, connID)
	}
	r.mu.RUnlock()

	for _, connID := range connIDs {
		r.Disconnect(connID)
	}
}

func (r *Registry) heartbeatLoop(ctx context.Context, connID string) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Send reaps the connection on failure, which cancels ctx.
			if err := r.Send(connID, newEnvelope(TypePing, "", nil)); err != nil {
				return
			}
			r.touch(connID)
		}
	}
}

func (r *Registry) touch(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if ok {
		e.info.LastHeartbeat = time.Now().UTC()
	}
	r.mu.Unlock()

	if ok {
		r.mirrorSave(e.info)
	}
}

func (r *Registry) snapshot(index map[string]map[string]struct{}, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connIDs := make([]string, 0, len(index[key]))
	for connID := range index[key] {
		connIDs = append(connIDs, connID)
	}
	return connIDs
}

func (r *Registry) mirrorSave(info Info) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Save(ctx, info); err != nil {
		r.log.Warn().Err(err).Str("conn", info.ID).Msg("mirror save failed")
	}
}

func (r *Registry) mirrorRemove(connID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Remove(ctx, connID); err != nil {
		r.log.Warn().Err(err).Str("conn", connID).Msg("mirror remove failed")
	}
}

func addIndex(index map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][connID] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
