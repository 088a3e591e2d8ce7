package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"linechain/config"
	"linechain/gateway"
	"linechain/gateway/auth"
	"linechain/node"
	"linechain/observability/logging"
	"linechain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("lined failed: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup("lined", cfg.Environment)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "line.db"), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := node.New(cfg, store, logger)
	if err != nil {
		return err
	}

	authenticator := auth.New(cfg.AdminAPIKeys)
	if !authenticator.Enabled() {
		logger.Warn("admin routes are unauthenticated, set AdminAPIKeys in the config")
	}
	server := gateway.NewServer(n, logger, authenticator)
	obs := gateway.NewObservability("linechain")
	limiter := gateway.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(obs, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("admin", cfg.AdminAddress),
			slog.String("custody", cfg.CustodyAddress),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
