// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/candorchat/candor/internal/auth"
	"github.com/candorchat/candor/internal/chat"
	"github.com/candorchat/candor/internal/config"
	"github.com/candorchat/candor/internal/logging"
	"github.com/candorchat/candor/internal/observability"
	"github.com/candorchat/candor/internal/store"
	"github.com/candorchat/candor/internal/ws"
)

// connectAttempts bounds the initial database connect before giving up.
const connectAttempts = 5

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the chat server: the WebSocket endpoint for clients plus the
metrics and health endpoints for operators.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd)
		},
	}

	// Flag names mirror the config file keys; explicitly set flags take
	// precedence over the file.
	def := config.Default()
	flags := cmd.Flags()
	flags.String("listen_addr", def.ListenAddr, "WebSocket listen address")
	flags.String("observability_addr", def.ObservabilityAddr, "metrics/health HTTP address")
	flags.String("database_url", "", "PostgreSQL connection string")
	flags.Int("rate_limit", def.RateLimit, "max messages per user per window")
	flags.Duration("rate_window", def.RateWindow, "rate limit window")
	flags.String("log_level", def.LogLevel, "log level (debug, info, warn, error)")
	flags.String("log_format", def.LogFormat, "log format (json or text)")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("candor", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting chat server",
		"listen_addr", cfg.ListenAddr,
		"observability_addr", cfg.ObservabilityAddr,
	)

	chatStore, err := connectStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer chatStore.Close()

	slog.Info("connected to database")

	registry := prometheus.NewRegistry()
	metrics := chat.NewMetrics(registry)

	limiter := chat.NewSendLimiter(chat.SendLimiterConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	}, metrics)
	defer limiter.Close()

	hub := chat.NewHub(metrics)
	cache := chat.NewUserDetailCache(chatStore, cfg.UserCacheTTL)

	core := &ws.Core{
		Registry: chat.NewSessionRegistry(metrics),
		Hub:      hub,
		Router:   chat.NewRouter(chatStore, hub),
		Presence: chat.NewPresence(chatStore, cache, hub),
		Pipeline: chat.NewPipeline(chatStore, hub, limiter, cfg.MaxContentLen),
		Typing:   chat.NewTypingRelay(hub),
		Verifier: auth.NewJWTVerifier([]byte(cfg.JWTSecret)),
	}

	server := ws.NewServer(cfg.ListenAddr, core)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The database is connected and the core is wired by this point, so the
	// process is ready as soon as the endpoints are listening.
	obsServer := observability.NewServer(cfg.ObservabilityAddr, registry, func() bool { return true })
	obsErrChan, err := obsServer.Start()
	if err != nil {
		return oops.Code("SERVER_START_FAILED").With("operation", "start observability server").Wrap(err)
	}
	// Monitor observability server errors - cancel context on error
	go monitorServerErrors(ctx, cancel, obsErrChan, "observability")

	cmd.Println("Chat server started")

	runErr := server.Run(ctx)

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
		slog.Warn("error stopping observability server", "error", stopErr)
	}

	slog.Info("shutdown complete")
	return runErr
}

// connectStore connects to PostgreSQL, retrying with exponential backoff so a
// database still coming up does not fail the whole process.
func connectStore(ctx context.Context, databaseURL string) (*store.PostgresChatStore, error) {
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(time.Second))

	var chatStore *store.PostgresChatStore
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var connectErr error
		chatStore, connectErr = store.NewPostgresChatStore(ctx, databaseURL)
		if connectErr != nil {
			slog.Warn("database connect failed, retrying", "error", connectErr)
			return retry.RetryableError(connectErr)
		}
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // caller attaches the error code
	}
	return chatStore, nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
