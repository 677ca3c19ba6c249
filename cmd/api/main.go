// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/call"
	"github.com/hometrade-app/messaging-platform/internal/config"
	"github.com/hometrade-app/messaging-platform/internal/handler"
	"github.com/hometrade-app/messaging-platform/internal/middleware"
	natsclient "github.com/hometrade-app/messaging-platform/internal/nats"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/internal/store"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer natsClient.Close()

	// Ensure the conversations stream exists
	messageStore := store.NewStreamStore(natsClient, log)
	if err := messageStore.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", zap.Error(err))
		os.Exit(1)
	}

	// Realtime bus and subscription channel
	bus := realtime.NewNATSBus(natsClient)
	channel := realtime.NewChannel(bus, log)

	// Presence store: Redis for multi-instance deployments, in-process
	// otherwise
	var presence call.PresenceStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to Redis", zap.Error(err))
			os.Exit(1)
		}
		defer rdb.Close()
		presence = call.NewRedisPresence(rdb)
	} else {
		presence = call.NewMemoryPresence()
	}

	// Call session registry
	registry := call.NewRegistry(bus, presence, log, cfg.CallJoinLockTTL)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	messageHandler := handler.NewMessageHandler(messageStore, log)
	callHandler := handler.NewCallHandler(registry, log)
	streamHandler := handler.NewStreamHandler(messageStore, channel, log)
	callWSHandler := handler.NewCallWSHandler(registry, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/messages", messageHandler.List)
			r.Post("/messages", messageHandler.Send)
			r.Get("/stream", streamHandler.Stream)
		})
		r.Post("/messages/{id}/read", messageHandler.MarkRead)

		// Calls
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", callHandler.Start)
			r.Post("/schedule", callHandler.Schedule)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", callHandler.Get)
				r.Post("/join", callHandler.Join)
				r.Post("/end", callHandler.End)
				r.Post("/cancel", callHandler.Cancel)
				r.Post("/mute", callHandler.Mute)
				r.Post("/video", callHandler.Video)
				r.Post("/screen-share", callHandler.ScreenShare)
				r.Post("/recording", callHandler.Recording)
				r.Get("/ws", callWSHandler.Connect)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
