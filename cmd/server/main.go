// Package main is the entry point for the Sentinel trading core. It loads
// configuration, boots the vault/persistence/audit/session-store subsystems
// via internal/orchestrator, starts the thin HTTP control surface, and
// blocks until an interrupt signal triggers graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/orchestrator"
	"github.com/aristath/sentinel/internal/server"
	"github.com/aristath/sentinel/pkg/logger"
)

func main() {
	// Load configuration first so the real log level is known before the
	// first structured log line is written.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.Pretty})
	logger.SetGlobalLogger(log)

	log.Info().Msg("starting sentinel trading core")

	// Boot the vault, persistence, audit, session-store, health, and
	// scheduler subsystems. The broker connection and market-data session
	// are opened lazily, once an operator calls StartTrading.
	rt, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to boot trading core")
	}

	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		Runtime: rt,
		DevMode: false,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("sentinel started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, draining trading core")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("trading core did not shut down cleanly")
	}

	log.Info().Msg("sentinel stopped")
}
