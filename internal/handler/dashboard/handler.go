package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/registry"
	"github.com/dromero/obralink/backend/internal/store"
	"github.com/dromero/obralink/backend/pkg/utils"
)

// Handler serves aggregate project metrics and the IP ban list.
type Handler struct {
	store     store.Store
	reg       *registry.Registry
	ipLimiter *ratelimit.IPLimiter
	banTTL    time.Duration
	log       zerolog.Logger
}

// New creates a dashboard handler.
func New(st store.Store, reg *registry.Registry, ipLimiter *ratelimit.IPLimiter, banTTL time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		store:     st,
		reg:       reg,
		ipLimiter: ipLimiter,
		banTTL:    banTTL,
		log:       log.With().Str("component", "dashboard_handler").Logger(),
	}
}

// RegisterRoutes mounts the dashboard routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/dashboard/rollup", h.handleRollup)
	r.Post("/admin/ban", h.handleBan)
	r.Post("/admin/unban", h.handleUnban)
}

func (h *Handler) handleRollup(w http.ResponseWriter, r *http.Request) {
	rollup, err := h.store.Rollup(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("rollup failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionsByStatus": rollup.SessionsByStatus,
		"messages":         rollup.Messages,
		"inputTokens":      rollup.InputTokens,
		"outputTokens":     rollup.OutputTokens,
		"cost":             rollup.Cost,
		"connections":      h.reg.ConnectionCount(),
	})
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.decodeIP(w, r)
	if !ok {
		return
	}

	if err := h.ipLimiter.Ban(r.Context(), ip, h.banTTL); err != nil {
		h.log.Error().Err(err).Str("ip", ip).Msg("ban failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "banned", "ip": ip})
}

func (h *Handler) handleUnban(w http.ResponseWriter, r *http.Request) {
	ip, ok := h.decodeIP(w, r)
	if !ok {
		return
	}

	if err := h.ipLimiter.Unban(r.Context(), ip); err != nil {
		h.log.Error().Err(err).Str("ip", ip).Msg("unban failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "ip": ip})
}

func (h *Handler) decodeIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.IP == "" {
		utils.RespondError(w, http.StatusBadRequest, "ip is required")
		return "", false
	}
	return payload.IP, true
}
