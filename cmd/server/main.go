package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/actorkit/backend/internal/actor"
	"github.com/actorkit/backend/internal/config"
	"github.com/actorkit/backend/internal/machine/todomachine"
	"github.com/actorkit/backend/internal/registry"
	"github.com/actorkit/backend/internal/storage"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(os.Getenv("ACTOR_KIT_CONFIG"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, actor.Config{
		QueueSize:      cfg.Runtime.QueueSize,
		CacheTTL:       time.Duration(cfg.Runtime.CacheTTLSeconds) * time.Second,
		Env:            cfg.Server.Env,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}, logger)
	reg.Register(todomachine.ActorType, todomachine.New().Factory())

	srv := registry.NewServer(reg, []byte(cfg.Auth.SigningKey), logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
		defer cancel()

		reg.Shutdown()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("actorkit server starting",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Backend,
		"actorTypes", reg.ActorTypes(),
	)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
	default:
		logger.Warn("using in-memory storage; actor state will not survive restarts")
		return storage.NewMemoryStore(), nil
	}
}
