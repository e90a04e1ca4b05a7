package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"vcvault/internal/edvserver"
	"vcvault/internal/platform/config"
	"vcvault/internal/platform/httpserver"
	"vcvault/internal/platform/logger"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Vault semantics live in internal/edvserver.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing edv server", "addr", cfg.Addr)

	vault := edvserver.New([]byte(cfg.CapabilityKey), edvserver.WithLogger(log))
	srv := httpserver.New(cfg.Addr, vault.Router())

	log.Info("starting http server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	log.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
