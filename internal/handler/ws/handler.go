package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/middleware"
	chatmodel "github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/registry"
	"github.com/dromero/obralink/backend/internal/service/session"
	"github.com/dromero/obralink/backend/internal/service/workflow"
)

const readWait = 60 * time.Second

// Handler upgrades chat connections and drives the message workflow over
// them. Writes go through the registry; reads stay here.
type Handler struct {
	reg      *registry.Registry
	sessions *session.Service
	coord    *workflow.Coordinator
	limiter  *ratelimit.MessageLimiter
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates the websocket handler.
func New(reg *registry.Registry, sessions *session.Service, coord *workflow.Coordinator, limiter *ratelimit.MessageLimiter, log zerolog.Logger) *Handler {
	return &Handler{
		reg:      reg,
		sessions: sessions,
		coord:    coord,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type messageData struct {
	Content     string                 `json:"content"`
	Attachments []chatmodel.Attachment `json:"attachments"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	userID := middleware.UserID(r.Context())
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "user identity is required", http.StatusUnauthorized)
		return
	}

	// Connecting never materializes a session; it is created lazily by the
	// first real message.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	transport := registry.NewWSTransport(conn)
	connID := h.reg.Connect(transport, sessionID, userID)
	defer h.reg.Disconnect(connID)

	h.log.Info().Str("conn", connID).Str("session", sessionID).Str("user", userID).Msg("connection opened")

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("conn", connID).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		// Malformed frames get a typed error without tearing down the
		// connection.
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(connID, sessionID, "malformed message")
			continue
		}

		if msg.SessionID != "" && msg.SessionID != sessionID {
			h.sendError(connID, sessionID, "session mismatch")
			continue
		}

		h.handleMessage(r.Context(), connID, sessionID, userID, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, connID, sessionID, userID string, msg *inboundMessage) {
	switch msg.Type {
	case "message":
		h.handleUserMessage(ctx, connID, sessionID, userID, msg.Data)
	case "ping":
		_ = h.reg.Send(connID, registry.Envelope{
			Type:      registry.TypePing,
			SessionID: sessionID,
			Timestamp: time.Now().Unix(),
		})
	default:
		h.sendError(connID, sessionID, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) handleUserMessage(ctx context.Context, connID, sessionID, userID string, raw json.RawMessage) {
	var data messageData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(connID, sessionID, "invalid message payload")
		return
	}
	if data.Content == "" && len(data.Attachments) == 0 {
		h.sendError(connID, sessionID, "empty message")
		return
	}

	if h.coord == nil {
		h.sendError(connID, sessionID, "assistant unavailable")
		return
	}

	category := ratelimit.CategoryMessage
	if len(data.Attachments) > 0 {
		category = ratelimit.CategoryAttachment
	}
	if !h.limiter.Allow(ctx, userID, category) {
		h.sendError(connID, sessionID, "message rate limit exceeded")
		return
	}

	if _, err := h.sessions.AppendMessage(ctx, sessionID, userID, chatmodel.RoleUser, data.Content, data.Attachments); err != nil {
		h.sendError(connID, sessionID, "failed to save message")
		return
	}

	transcript, err := h.sessions.Transcript(ctx, sessionID, 0)
	if err != nil {
		h.sendError(connID, sessionID, "failed to load transcript")
		return
	}

	// Streamed delivery draws from its own budget; once exhausted the
	// reply arrives as a single message envelope instead.
	runID := uuid.NewString()
	streaming := h.limiter.Allow(ctx, userID, ratelimit.CategoryStreamStart)
	execCtx := ctx
	if streaming {
		if err := h.reg.StreamStart(connID, sessionID, runID); err != nil {
			return
		}
		execCtx = workflow.WithChunkSink(ctx, func(stage, content string) {
			_ = h.reg.StreamChunk(connID, sessionID, runID, content)
		})
	}

	run, err := h.coord.Execute(execCtx, runID, workflow.Input{
		SessionID:   sessionID,
		UserID:      userID,
		Content:     data.Content,
		Attachments: data.Attachments,
		Transcript:  transcript,
	})
	if err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Str("run", runID).Msg("workflow failed")
		if streaming {
			_ = h.reg.StreamEnd(connID, sessionID, runID, false, "workflow failed")
		} else {
			h.sendError(connID, sessionID, "workflow failed")
		}
		h.recordUsage(ctx, sessionID, runID, run)
		return
	}

	report, _ := run.Results[workflow.StageReport].(workflow.ReportResult)
	saved, err := h.sessions.AppendMessage(ctx, sessionID, userID, chatmodel.RoleAssistant, report.Report, nil)
	if err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("failed to save reply")
	}

	if streaming {
		_ = h.reg.StreamEnd(connID, sessionID, runID, true, "")
	}
	h.reg.SendToSession(sessionID, registry.Envelope{
		Type:      registry.TypeMessage,
		SessionID: sessionID,
		Data:      saved,
		Timestamp: time.Now().Unix(),
	})

	h.recordUsage(ctx, sessionID, runID, run)
}

// recordUsage books the run's token spend against the session. The run ID
// doubles as the operation ID so retries never double-count.
func (h *Handler) recordUsage(ctx context.Context, sessionID, runID string, run *workflow.Run) {
	if run == nil || (run.Usage.InputTokens == 0 && run.Usage.OutputTokens == 0) {
		return
	}

	cost := estimateCost(run.Usage.InputTokens, run.Usage.OutputTokens)
	if err := h.sessions.RecordUsage(ctx, sessionID, runID, run.Usage.InputTokens, run.Usage.OutputTokens, cost); err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Str("run", runID).Msg("failed to record usage")
	}
}

// Flat per-token pricing until billing carries real model rates.
const (
	inputCostPerToken  = 0.0000008
	outputCostPerToken = 0.0000020
)

func estimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*inputCostPerToken + float64(outputTokens)*outputCostPerToken
}

func (h *Handler) sendError(connID, sessionID, message string) {
	_ = h.reg.Send(connID, registry.Envelope{
		Type:      registry.TypeError,
		SessionID: sessionID,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().Unix(),
	})
}
