// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tillware/go-possync/possync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync authority HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides listen_addr)")
	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(viper.GetString("log_level"))

	jwtSecret := viper.GetString("jwt_secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt_secret must be set (config or POSSYNC_JWT_SECRET)")
	}

	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, viper.GetString("database_url"))
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	service, err := possync.NewSyncService(pool, &possync.ServiceConfig{
		AppName:          viper.GetString("app_name"),
		RegisteredTables: viper.GetStringSlice("tables"),
		MaxBatchSize:     viper.GetInt("max_batch_size"),
		MaxPayloadBytes:  viper.GetInt("max_payload_bytes"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync service: %w", err)
	}
	defer service.Close()

	auth := possync.NewJWTAuth(jwtSecret)
	handlers := possync.NewHTTPSyncHandlers(service, auth, logger)

	mux := http.NewServeMux()
	mux.Handle("/sync/push", auth.Middleware(http.HandlerFunc(handlers.HandlePush)))
	mux.HandleFunc("/sync/status", handlers.HandleStatus)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen_addr"),
		Handler:      mux,
		ReadTimeout:  120 * time.Second, // large batch uploads
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting sync authority",
			"addr", httpServer.Addr,
			"tables", viper.GetStringSlice("tables"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
