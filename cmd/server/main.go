package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackside/internal/bus"
	"github.com/trackside/internal/config"
	"github.com/trackside/internal/correlator"
	"github.com/trackside/internal/handler"
	"github.com/trackside/internal/postgres"
	"github.com/trackside/internal/presence"
	"github.com/trackside/internal/redis"
	"github.com/trackside/internal/telemetry"
	"github.com/trackside/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis presence store
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	presenceStore, err := redis.NewPresenceStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer presenceStore.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize the domain event bus
	eventBus := bus.New(cfg.Engine.BusBuffer, logger)
	defer eventBus.Close()

	// Initialize the live feed hub and its bus relay
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	relay := websocket.NewRelay(wsHub, eventBus, logger)
	relay.Start()
	logger.Info("live feed initialized")

	// Initialize the presence tracker
	tracker := presence.NewTracker(presenceStore, eventBus, &cfg.Presence, logger)
	if cfg.Presence.Enabled {
		if err := tracker.Start(ctx); err != nil {
			logger.Error("failed to start presence tracker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize the correlation engine
	engine := correlator.NewEngine(repo, repo, repo, repo, eventBus, &cfg.Engine, logger)

	// Initialize telemetry consumer
	var consumer *telemetry.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing telemetry consumer", "brokers", cfg.Kafka.Brokers)
		consumer, err = telemetry.NewConsumer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create telemetry consumer, continuing without telemetry", "error", err)
		} else {
			if err := consumer.Start(); err != nil {
				logger.Warn("failed to start telemetry consumer, continuing without telemetry", "error", err)
				consumer = nil
			} else {
				go engine.Run(ctx, consumer.Streams())
				logger.Info("telemetry consumer started")
			}
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(engine, repo, presenceStore, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("live feed endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop telemetry consumer first so the engine drains cleanly
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("failed to stop telemetry consumer", "error", err)
		}
	}
	cancel()

	// Stop bus consumers
	relay.Stop()
	if cfg.Presence.Enabled {
		if err := tracker.Stop(); err != nil {
			logger.Error("failed to stop presence tracker", "error", err)
		}
	}
	wsHub.Stop()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
