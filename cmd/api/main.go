package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dromero/obralink/backend/internal/config"
	"github.com/dromero/obralink/backend/internal/handler"
	chathandler "github.com/dromero/obralink/backend/internal/handler/chat"
	dashboardhandler "github.com/dromero/obralink/backend/internal/handler/dashboard"
	wshandler "github.com/dromero/obralink/backend/internal/handler/ws"
	"github.com/dromero/obralink/backend/internal/logging"
	"github.com/dromero/obralink/backend/internal/service/ai"
	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/internal/service/registry"
	"github.com/dromero/obralink/backend/internal/service/session"
	"github.com/dromero/obralink/backend/internal/service/workflow"
	"github.com/dromero/obralink/backend/internal/store"
	memorystore "github.com/dromero/obralink/backend/internal/store/memory"
	sqlitestore "github.com/dromero/obralink/backend/internal/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional; system environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatalf("failed to load configuration: %v", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fatalf("failed to initialize logger: %v", err)
	}

	// Redis backs rate limiting and the connection mirror when configured;
	// otherwise everything runs on in-process stores.
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, falling back to in-process stores")
			redisClient = nil
		}
	}

	var countingStore ratelimit.CountingStore
	var flagStore ratelimit.FlagStore
	if redisClient != nil {
		countingStore = ratelimit.NewRedisCountingStore(redisClient)
		flagStore = ratelimit.NewRedisFlagStore(redisClient)
	} else {
		countingStore = ratelimit.NewMemoryCountingStore()
		flagStore = ratelimit.NewMemoryFlagStore()
	}

	baseLimiter := ratelimit.NewLimiter(countingStore, "rl", log)
	messageLimiter := ratelimit.NewMessageLimiter(baseLimiter, ratelimit.DefaultMessageRules())
	ipLimiter := ratelimit.NewIPLimiter(baseLimiter, flagStore, cfg.RateLimit.IPLimit, cfg.RateLimit.IPWindow, log)

	sessionStore, err := openStore(cfg.Store)
	if err != nil {
		fatalf("failed to open store: %v", err)
	}
	defer sessionStore.Close()

	regOpts := []registry.Option{registry.WithHeartbeat(cfg.Registry.HeartbeatInterval)}
	if redisClient != nil {
		mirror := registry.NewRedisMirror(redisClient, cfg.Registry.MirrorTTL)
		reconciled, err := mirror.Reconcile(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("mirror reconcile failed")
		} else if reconciled > 0 {
			log.Info().Int("connections", reconciled).Msg("stale mirror entries marked inactive")
		}
		regOpts = append(regOpts, registry.WithMirror(mirror))
	}
	reg := registry.New(log, regOpts...)
	defer reg.Shutdown()

	sessions := session.NewService(sessionStore, log, session.WithResetHook(func(sessionID string) {
		reg.SendToSession(sessionID, registry.Envelope{
			Type:      registry.TypeMessage,
			SessionID: sessionID,
			Data:      map[string]string{"event": "session_reset"},
			Timestamp: time.Now().Unix(),
		})
	}))

	var coord *workflow.Coordinator
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, cfg.AI, log)
		if err != nil {
			log.Warn().Err(err).Msg("AI service unavailable, continuing without the assistant")
		} else {
			coord = workflow.NewCoordinator(log, workflow.DefaultStages(aiSvc)...)
		}
	} else {
		log.Warn().Msg("ark credentials not configured, assistant disabled")
	}

	go idleSweep(ctx, log, sessions, cfg.Session)

	router := handler.NewRouter(handler.Deps{
		Chat:           chathandler.New(sessions, messageLimiter, log),
		WS:             wshandler.New(reg, sessions, coord, messageLimiter, log),
		Dashboard:      dashboardhandler.New(sessionStore, reg, ipLimiter, cfg.RateLimit.BanTTL, log),
		IPLimiter:      ipLimiter,
		Store:          sessionStore,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
	})

	startServer(ctx, log, cfg.Server, router)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Backend == "sqlite" {
		return sqlitestore.New(cfg.Path)
	}
	return memorystore.New(), nil
}

// idleSweep marks sessions inactive after the configured idle period.
func idleSweep(ctx context.Context, log zerolog.Logger, sessions *session.Service, cfg config.SessionConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := sessions.ExpireIdle(ctx, cfg.IdleExpiry)
			if err != nil {
				log.Error().Err(err).Msg("idle sweep failed")
				continue
			}
			if expired > 0 {
				log.Info().Int("expired", expired).Msg("idle sessions marked inactive")
			}
		}
	}
}

func startServer(ctx context.Context, log zerolog.Logger, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("obralink backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func fatalf(format string, args ...any) {
	l := zerolog.New(os.Stderr)
	l.Fatal().Msgf(format, args...)
}
