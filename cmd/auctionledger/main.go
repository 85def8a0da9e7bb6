package main

import (
	"AuctionLedger/internal/app"
	"AuctionLedger/internal/config"
	"AuctionLedger/internal/observability"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("auctionledger", cfg.Log.Level)
	logger.Info().Msg("AuctionLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("shutting down after failure")
		a.Close()
		os.Exit(1)
	}
	logger.Info().Msg("AuctionLedger stopped")
}
