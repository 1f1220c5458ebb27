package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wyckoff-signal-bot/config"
	"wyckoff-signal-bot/internal/bot"
	"wyckoff-signal-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     "stdout",
		JSONFormat: cfg.Logging.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	logger.Info("starting signal bot",
		"symbols", len(cfg.Signals.Symbols),
		"timeframes", len(cfg.Signals.Timeframes))

	b, err := bot.New(cfg)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err.Error())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("signal received, shutting down", "signal", sig.String())

	cancel()
	b.Stop()
}
