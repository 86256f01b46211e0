// ccsd runs the messaging bridge: it holds the broker connection,
// dispatches inbound application messages to the document store and
// sends the replies back downstream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := service.LoadConfigWithEnv()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := service.NewBridgeService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build bridge service.")
	}

	if err := bridge.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start bridge service.")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors.")
		os.Exit(1)
	}
}
