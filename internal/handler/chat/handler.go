package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/middleware"
	chatmodel "github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/session"
	"github.com/dromero/obralink/backend/pkg/utils"
)

// Handler exposes session lifecycle and message endpoints.
type Handler struct {
	sessions *session.Service
	limiter  *ratelimit.MessageLimiter
	log      zerolog.Logger
}

// New creates a chat handler.
func New(sessions *session.Service, limiter *ratelimit.MessageLimiter, log zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		limiter:  limiter,
		log:      log.With().Str("component", "chat_handler").Logger(),
	}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}", h.handleGetSession)
	r.Get("/session/{sessionID}/messages", h.handleListMessages)
	r.Post("/session/{sessionID}/reset", h.handleResetSession)
	r.Post("/session/{sessionID}/complete", h.handleComplete)
	r.Post("/session/{sessionID}/resume", h.handleResume)
	r.Post("/session/{sessionID}/usage", h.handleRecordUsage)
	r.Get("/quota", h.handleQuota)
	r.Post("/messages", h.handleSaveMessage)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AddGreeting bool `json:"addGreeting"`
	}

	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	userID := middleware.UserID(r.Context())
	created, err := h.sessions.CreateSession(r.Context(), userID, payload.AddGreeting)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	found, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, found)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.sessions.Transcript(r.Context(), sessionID, limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  messages,
	})
}

func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID   string                 `json:"sessionId"`
		Role        string                 `json:"role"`
		Content     string                 `json:"content"`
		Attachments []chatmodel.Attachment `json:"attachments"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if payload.Role == "" {
		payload.Role = string(chatmodel.RoleUser)
	}

	userID := middleware.UserID(r.Context())
	category := ratelimit.CategoryMessage
	if len(payload.Attachments) > 0 {
		category = ratelimit.CategoryAttachment
	}
	if !h.limiter.Allow(r.Context(), userID, category) {
		quota := h.limiter.Quota(r.Context(), userID, category)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(quota.ResetIn.Seconds())))
		utils.RespondError(w, http.StatusTooManyRequests, "message rate limit exceeded")
		return
	}

	saved, err := h.sessions.AppendMessage(r.Context(), payload.SessionID, userID,
		chatmodel.Role(payload.Role), payload.Content, payload.Attachments)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, saved)
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.ResetSession(r.Context(), sessionID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.Complete(r.Context(), sessionID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.Resume(r.Context(), sessionID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		OpID         string  `json:"opId"`
		InputTokens  int     `json:"inputTokens"`
		OutputTokens int     `json:"outputTokens"`
		Cost         float64 `json:"cost"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.sessions.RecordUsage(r.Context(), sessionID, payload.OpID,
		payload.InputTokens, payload.OutputTokens, payload.Cost)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	category := ratelimit.Category(r.URL.Query().Get("category"))
	if category == "" {
		category = ratelimit.CategoryMessage
	}

	quota := h.limiter.Quota(r.Context(), userID, category)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"category":  category,
		"used":      quota.Used,
		"limit":     quota.Limit,
		"remaining": quota.Remaining,
		"resetIn":   int(quota.ResetIn.Seconds()),
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidRole):
		utils.RespondError(w, http.StatusBadRequest, "invalid message role")
	case errors.Is(err, session.ErrInvalidTransition):
		utils.RespondError(w, http.StatusConflict, "invalid status transition")
	default:
		h.log.Error().Err(err).Msg("request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
