package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rs/zerolog"

	chathandler "github.com/dromero/obralink/backend/internal/handler/chat"
	dashboardhandler "github.com/dromero/obralink/backend/internal/handler/dashboard"
	wshandler "github.com/dromero/obralink/backend/internal/handler/ws"
	"github.com/dromero/obralink/backend/internal/middleware"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/store"
	"github.com/dromero/obralink/backend/pkg/utils"
)

// Deps carries everything the router wires together.
type Deps struct {
	Chat           *chathandler.Handler
	WS             *wshandler.Handler
	Dashboard      *dashboardhandler.Handler
	IPLimiter      *ratelimit.IPLimiter
	Store          store.Store
	AllowedOrigins []string
	Log            zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(deps.AllowedOrigins))
	if deps.IPLimiter != nil {
		r.Use(middleware.RateLimitIP(deps.IPLimiter))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Group(func(authed chi.Router) {
			authed.Use(middleware.Auth)
			deps.Chat.RegisterRoutes(authed)
			deps.Dashboard.RegisterRoutes(authed)
		})

		// The websocket endpoint resolves identity itself so browser
		// clients can pass it as a query parameter.
		deps.WS.RegisterRoutes(api)
	})

	return r
}
