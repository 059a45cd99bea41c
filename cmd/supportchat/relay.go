package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/supportchat/internal/relay"
	"github.com/ashureev/supportchat/internal/store"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the development chat server",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Relay.DBPath), 0o755); err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.Relay.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(cmd.Context()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.Relay.DBPath)
	if cfg.Relay.AdminToken == "" {
		slog.Warn("RELAY_ADMIN_TOKEN not set, staff routes are open")
	}

	srv := relay.NewServer(relay.ServerConfig{
		Repo:           repo,
		AdminToken:     cfg.Relay.AdminToken,
		UploadDir:      cfg.Relay.UploadDir,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		RequestLog:     true,
		Logger:         slog.Default(),
	})

	httpSrv := &http.Server{
		Addr:        ":" + cfg.Relay.Port,
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
		// Websocket connections are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Relay listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("Relay stopped")
	return nil
}
