// agentstream - streaming tool-calling agent server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentstream/internal/agent"
	"github.com/ashureev/agentstream/internal/api"
	"github.com/ashureev/agentstream/internal/config"
	"github.com/ashureev/agentstream/internal/healthcheck"
	"github.com/ashureev/agentstream/internal/identity"
	"github.com/ashureev/agentstream/internal/metrics"
	"github.com/ashureev/agentstream/internal/middleware"
	"github.com/ashureev/agentstream/internal/model"
	"github.com/ashureev/agentstream/internal/model/bedrock"
	"github.com/ashureev/agentstream/internal/server"
	"github.com/ashureev/agentstream/internal/store"
	"github.com/ashureev/agentstream/internal/tool"
	"github.com/ashureev/agentstream/internal/tool/builtin"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Model.Provider)

	m := metrics.New()

	registry := tool.NewRegistry(cfg.Agent.ToolTimeout, logger)
	if err := builtin.RegisterAll(registry, builtin.FetchConfig{
		MaxBytes: cfg.Fetch.MaxBytes,
		CacheTTL: cfg.Fetch.CacheTTL,
		Timeout:  cfg.Fetch.Timeout,
		Logger:   logger,
	}); err != nil {
		return err
	}
	registry.Freeze()

	gateway, modelID, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	slog.Info("Model gateway ready", "provider", cfg.Model.Provider, "model_id", modelID)

	loop := agent.NewLoop(gateway, registry, agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Defaults:      model.Params{Temperature: cfg.Model.DefaultTemperature},
		ModelTimeout:  cfg.Model.Timeout,
	}, logger)
	loop.SetMetrics(m)

	// threads stays a nil interface when memory is off so handlers can tell.
	var threads store.ThreadRepository
	if cfg.MemoryEnabled {
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("database health check: %w", err)
		}
		slog.Info("Database connected", "path", cfg.DBPath)

		threads = repo
		loop.SetMemory(repo)
		store.StartJanitor(ctx, repo, cfg.ThreadTTL, store.DefaultJanitorInterval, m.ThreadsPurged)
	} else {
		slog.Info("Thread memory disabled")
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:    cfg.ConversationLog.Enabled,
		Dir:        cfg.ConversationLog.Dir,
		GlobalFile: globalLogPath(cfg.ConversationLog),
		QueueSize:  cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()
	loop.SetConversationLogger(conversationLogger)

	sm := agent.NewSessionManager()

	limiter := server.NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateBurst)
	limiter.StartEviction(ctx)

	wsHandler := server.NewWebSocketHandler(loop, sm, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDev:          cfg.IsDevelopment(),
		RateLimiter:    limiter,
	}, logger)
	wsHandler.SetMetrics(m)

	apiHandler := api.NewHandler(threads, loop, sm, api.Options{
		Provider:  cfg.Model.Provider,
		ModelID:   modelID,
		ThreadTTL: cfg.ThreadTTL,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Handle("/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.AuthJWTSecret, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCHealthPort != "" {
		var probe healthcheck.Probe
		if threads != nil {
			probe = threads.Ping
		}
		hs := healthcheck.New(probe, healthcheck.DefaultInterval, logger)
		g.Go(func() error {
			return hs.ListenAndServe(gctx, ":"+cfg.GRPCHealthPort)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		// Hijacked WebSocket connections are not closed by Shutdown.
		sm.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (model.Gateway, string, error) {
	switch cfg.Model.Provider {
	case config.ProviderBedrock:
		gw, err := bedrock.New(ctx, bedrock.Config{
			Region:           cfg.Model.AWSRegion,
			ModelID:          cfg.Model.BedrockModelID,
			AccessKey:        cfg.Model.AWSAccessKeyID,
			SecretKey:        cfg.Model.AWSSecretAccessKey,
			DefaultMaxTokens: cfg.Model.DefaultMaxTokens,
		}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("initialize bedrock gateway: %w", err)
		}
		return gw, cfg.Model.BedrockModelID, nil
	default:
		return model.NewEchoGateway(cfg.Model.EchoDelay), "echo", nil
	}
}

func globalLogPath(c config.ConversationLogConfig) string {
	if !c.GlobalEnabled {
		return ""
	}
	return c.GlobalPath
}
