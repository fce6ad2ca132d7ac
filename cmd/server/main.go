// Couplet - private relay and memory server for couples
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetin/couplet/internal/api"
	"github.com/evetin/couplet/internal/auth"
	"github.com/evetin/couplet/internal/config"
	"github.com/evetin/couplet/internal/messages"
	"github.com/evetin/couplet/internal/middleware"
	"github.com/evetin/couplet/internal/relay"
	"github.com/evetin/couplet/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize relay components.
	registry := relay.NewRegistry()
	notifier := relay.NewNotifier(registry, repo)
	router := relay.NewRouter(registry, repo)
	monitor := relay.NewMonitor(registry, notifier, cfg.HeartbeatInterval)

	authn := auth.NewAuthenticator(repo)
	msgService := messages.NewService(repo, cfg.EphemeralTTL)

	wsHandler := relay.NewWebSocketHandler(authn, repo, registry, notifier, router)
	restHandler := api.NewHandler(repo, msgService)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	if cfg.AllowedOrigin != "" {
		r.Use(middleware.CORS([]string{cfg.AllowedOrigin}))
	}

	// REST collaborator routes behind session auth.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authn))
		restHandler.RegisterRoutes(r)
	})

	// Relay endpoint. The handshake does its own session validation.
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: relay connections are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start heartbeat monitor; cancelled with the signal context on shutdown.
	monitor.Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
