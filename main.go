package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giovaniif/stock-reservations/cmd/api"
	"github.com/giovaniif/stock-reservations/infra/config"
	"github.com/giovaniif/stock-reservations/infra/logging"
	"github.com/giovaniif/stock-reservations/infra/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, flushLogs := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LokiURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	runErr := api.StartServer(ctx, cfg, logger)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer flush failed")
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("stock reservations stopped")
		flushLogs()
		os.Exit(1)
	}
	logger.Info().Msg("stock reservations stopped")
	flushLogs()
}
