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

	"github.com/blackmichael/activity-feeds/internal/authz"
	"github.com/blackmichael/activity-feeds/internal/config"
	"github.com/blackmichael/activity-feeds/internal/domain"
	"github.com/blackmichael/activity-feeds/internal/httpserver"
	"github.com/blackmichael/activity-feeds/internal/realtime"
	"github.com/blackmichael/activity-feeds/internal/sqlite"
	"github.com/blackmichael/activity-feeds/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	repo, err := sqlite.NewRepository(cfg.Database.Path, cfg.Feed.DefaultLimit)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.Database.Path)

	tokens, err := authz.NewTokenManager(cfg.Auth.Secret)
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}
	guard, err := authz.NewGuard(tokens, cfg.Auth.PolicyPath)
	if err != nil {
		return fmt.Errorf("create access guard: %w", err)
	}

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	// New activities reach realtime subscribers only after they are stored.
	hub := realtime.NewHub(realtime.DefaultBuffer, logger)
	store := realtime.NewPublishingStore(repo, hub)
	feedService := domain.NewFeedService(store, guard, validator, hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go repo.RunRetention(ctx, cfg.Retention.Interval, cfg.Retention.MaxAge, logger)

	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
			stop()
		}
	}()

	logger.Info("server started", "port", cfg.Server.Port)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
