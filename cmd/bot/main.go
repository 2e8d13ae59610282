package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/fansite-mirror/internal/config"
	"github.com/blackmichael/fansite-mirror/internal/domain"
	"github.com/blackmichael/fansite-mirror/internal/feedapi"
	"github.com/blackmichael/fansite-mirror/internal/httpserver"
	"github.com/blackmichael/fansite-mirror/internal/messenger"
	"github.com/blackmichael/fansite-mirror/internal/pipeline"
	"github.com/blackmichael/fansite-mirror/internal/postgres"
	"github.com/blackmichael/fansite-mirror/internal/stream"
)

const (
	dbConnectAttempts = 5
	dbConnectDelay    = 3 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up repository (implements the follow, quota and filter ports).
	// Startup is all-or-nothing: no degraded mode.
	repo, err := connectRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("connected to database")

	feedClient := feedapi.NewClient(cfg.FeedAPIURL, cfg.FeedPublicURL, cfg.FeedToken)
	msgr := messenger.NewClient(cfg.MessengerURL, cfg.MessengerToken)

	// Probe the streaming service's control plane so bad credentials abort
	// here instead of surfacing as endless reconnects.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, err = feedClient.ActiveRules(probeCtx)
	probeCancel()
	if err != nil {
		return fmt.Errorf("authenticate to feed: %w", err)
	}

	followService := domain.NewFollowService(repo, repo, feedClient, msgr, cfg.GuildUnlockedFollowLimit, logger)
	filters := domain.NewFilterResolver(repo)
	renderer := pipeline.NewRenderer(filters, msgr, nil, logger)
	dispatcher := pipeline.NewDispatcher(repo, msgr, renderer, logger)

	session := stream.NewSession(stream.SessionConfig{
		StreamURL:  cfg.FeedStreamURL,
		Token:      cfg.FeedToken,
		PublicBase: cfg.FeedPublicURL,
		Rules:      feedClient,
		Handle:     dispatcher.HandlePost,
		OnRulesApplied: func(accountCount int) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := msgr.SetPresence(ctx, fmt.Sprintf("%d accounts", accountCount)); err != nil {
				logger.Warn("presence update failed", "error", err)
			}
		},
		Logger: logger,
	})

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the feed session in the background
	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed session exited with error", "error", err)
		}
	}()

	// The reconciliation loop holds its first tick until the messaging
	// platform answers.
	ready := make(chan struct{})
	go waitForMessenger(ctx, msgr, logger, ready)

	reconciler := stream.NewReconciler(session, feedClient, repo, cfg.ReconcileInterval, logger)
	go reconciler.Run(ctx, ready)

	// Start the admin HTTP server
	server := httpserver.NewServer(cfg.AdminPort, followService, repo, renderer, feedClient, session, msgr, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server exited with error", "error", err)
		}
	}()

	logger.Info("bot started", "admin_port", cfg.AdminPort)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	session.Close()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down admin server", "error", err)
	}

	return nil
}

// connectRepository retries the initial database connection a bounded number
// of times before giving up.
func connectRepository(cfg *config.Config, logger *slog.Logger) (*postgres.Repository, error) {
	var lastErr error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		repo, err := postgres.NewRepository(cfg.DatabaseURL, cfg.GuildFollowLimit)
		if err == nil {
			return repo, nil
		}
		lastErr = err
		logger.Warn("database connection failed, retrying",
			"attempt", attempt,
			"max_attempts", dbConnectAttempts,
			"error", err,
		)
		time.Sleep(dbConnectDelay)
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", dbConnectAttempts, lastErr)
}

// waitForMessenger closes ready once the messaging platform answers a
// presence update, signalling that deliveries can start.
func waitForMessenger(ctx context.Context, msgr domain.Messenger, logger *slog.Logger, ready chan<- struct{}) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := msgr.SetPresence(callCtx, "starting up")
		cancel()
		if err == nil {
			logger.Info("messaging platform ready")
			close(ready)
			return
		}
		logger.Warn("messaging platform not ready", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
