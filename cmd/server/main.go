package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acc-tracker/internal/auth"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/handler"
	"github.com/acc-tracker/internal/kafka"
	"github.com/acc-tracker/internal/redis"
	"github.com/acc-tracker/internal/service"
	"github.com/acc-tracker/internal/storage"
	"github.com/acc-tracker/internal/vision"
	"github.com/acc-tracker/internal/websocket"
	"github.com/acc-tracker/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults and environment", "path", *configPath)
		cfg, err = config.FromEnv()
	}
	if err != nil {
		slog.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend, chosen once
	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage backend", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	// WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	opts := []service.Option{service.WithBroadcaster(wsHub)}

	// Redis leaderboard cache is optional; ranks fall back to storage
	var (
		syncWorker  *worker.SyncWorker
		cachePinger handler.Pinger
	)
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		cache, err := redis.NewLeaderboardCache(ctx, &cfg.Redis, logger)
		if err != nil {
			logger.Warn("failed to connect to Redis, continuing without cache", "error", err)
		} else {
			defer cache.Close()
			opts = append(opts, service.WithCache(cache))
			cachePinger = cache

			syncWorker = worker.NewSyncWorker(backend, cache, &cfg.Sync, logger)
			logger.Info("syncing leaderboards from storage to Redis")
			if failed := syncWorker.RunOnce(ctx); failed > 0 {
				logger.Warn("startup sync incomplete", "failed_tracks", failed)
			}
			if cfg.Sync.Enabled {
				if err := syncWorker.Start(ctx); err != nil {
					logger.Error("failed to start sync worker", "error", err)
					os.Exit(1)
				}
			}
		}
	}

	lapService := service.NewLapService(backend, &cfg.Leaderboard, logger, opts...)
	wsHub.SetBoardSource(lapService)

	// Auth
	sessions, err := auth.NewSessionManager(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Issuer, logger)
	if err != nil {
		logger.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	var provider auth.Provider
	switch cfg.Auth.Provider {
	case config.ProviderRemote:
		provider = auth.NewRemoteProvider(cfg.Auth.BaseURL, cfg.Auth.APIKey, cfg.Auth.Timeout, logger)
	default:
		logger.Warn("using local verification codes; codes are written to the log")
		provider = auth.NewLocalProvider(cfg.Auth.Issuer, cfg.Auth.CodePeriod, auth.LogNotifier{Logger: logger})
	}
	authService := auth.NewService(backend, provider, sessions, cfg.Auth.AdminEmail, cfg.Auth.FlowTTL, logger)

	visionClient := vision.NewClient(&cfg.Vision, logger)
	if !visionClient.Configured() {
		logger.Warn("vision API key missing, screenshot analysis disabled")
	}

	// Kafka consumer for laps recorded outside the web app
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, lapService, backend, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		}
	}

	httpHandler := handler.NewHandler(lapService, authService, visionClient, wsHub, backend, &cfg.Server, logger)
	if cachePinger != nil {
		httpHandler.SetCache(cachePinger)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if syncWorker != nil {
		if err := syncWorker.Stop(); err != nil {
			logger.Error("failed to stop sync worker", "error", err)
		}
	}

	logger.Info("server stopped")
}
