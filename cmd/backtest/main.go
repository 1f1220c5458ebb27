// Command backtest replays persisted candles for one symbol and
// timeframe through the signal pipeline and prints outcome statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"wyckoff-signal-bot/config"
	"wyckoff-signal-bot/internal/backtest"
	"wyckoff-signal-bot/internal/database"
	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to replay")
	timeframe := flag.String("timeframe", "1h", "timeframe to replay")
	from := flag.String("from", "", "start date (YYYY-MM-DD, optional)")
	to := flag.String("to", "", "end date (YYYY-MM-DD, optional)")
	jsonOut := flag.Bool("json", false, "print the full report as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetDefault(logging.New(&logging.Config{
		Level:     "WARN",
		Output:    "stderr",
		Component: "backtest",
	}))

	fromMs, err := parseDate(*from)
	if err != nil {
		log.Fatalf("Invalid -from date: %v", err)
	}
	toMs, err := parseDate(*to)
	if err != nil {
		log.Fatalf("Invalid -to date: %v", err)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	engine := backtest.NewEngine(database.NewRepository(db))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := engine.Run(ctx, backtest.Config{
		Symbol:     *symbol,
		Timeframe:  *timeframe,
		FromMs:     fromMs,
		ToMs:       toMs,
		WindowSize: cfg.Signals.WindowSize,
		Fuser: fuser.Config{
			MinCandles:            cfg.Signals.MinCandles,
			MinConfidence:         cfg.Signals.MinConfidence,
			Cooldown:              time.Duration(cfg.Signals.CooldownSeconds) * time.Second,
			ConflictWindow:        time.Duration(cfg.Signals.ConflictWindowSeconds) * time.Second,
			PreventConflicts:      cfg.Signals.PreventConflicts,
			ATRPeriod:             cfg.Signals.ATRPeriod,
			StopATRMult:           cfg.Signals.StopATRMult,
			TargetATRMult:         cfg.Signals.TargetATRMult,
			RSISoloConfidence:     cfg.Signals.RSISoloConfidence,
			MACDSoloConfidence:    cfg.Signals.MACDSoloConfidence,
			WyckoffSoloConfidence: cfg.Signals.WyckoffSoloConfidence,
			ElliottSoloConfidence: cfg.Signals.ElliottSoloConfidence,
		},
	})
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}

	fmt.Printf("Backtest %s %s\n", report.Symbol, report.Timeframe)
	fmt.Printf("  Candles:  %d\n", report.Candles)
	fmt.Printf("  Signals:  %d\n", report.Signals)
	fmt.Printf("  Wins:     %d (TP1 hit)\n", report.Wins)
	fmt.Printf("  Losses:   %d (stopped out)\n", report.Losses)
	fmt.Printf("  Open:     %d\n", report.Open)
	if report.Wins+report.Losses > 0 {
		fmt.Printf("  Win rate: %.1f%%\n", report.WinRate*100)
	}
	for tier, count := range report.ByTier {
		fmt.Printf("  Tier %s:  %d\n", tier, count)
	}
}

func parseDate(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
