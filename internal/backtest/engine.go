// Package backtest replays stored candles through the live analyzer and
// fusion pipeline and scores the emitted signals against subsequent
// price action.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"wyckoff-signal-bot/internal/analyzers"
	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
	"wyckoff-signal-bot/internal/market"
)

// Outcome classifies how a signal resolved during the replay.
type Outcome string

const (
	OutcomeTP1  Outcome = "tp1"
	OutcomeStop Outcome = "stop"
	OutcomeOpen Outcome = "open" // data ran out before SL or TP1
)

// CandleSource loads historical candles for one key.
type CandleSource interface {
	CandleRange(ctx context.Context, symbol, timeframe string, fromMs, toMs int64, limit int) ([]market.Candle, error)
}

// Config describes one backtest run.
type Config struct {
	Symbol     string
	Timeframe  string
	FromMs     int64
	ToMs       int64
	WindowSize int
	MaxCandles int

	Fuser fuser.Config
}

// TradeResult pairs an emitted signal with its replay outcome.
type TradeResult struct {
	Signal   fuser.Signal `json:"signal"`
	Outcome  Outcome      `json:"outcome"`
	BarsHeld int          `json:"bars_held"`
}

// Report aggregates a completed run.
type Report struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Candles   int            `json:"candles"`
	Signals   int            `json:"signals"`
	Wins      int            `json:"wins"`
	Losses    int            `json:"losses"`
	Open      int            `json:"open"`
	WinRate   float64        `json:"win_rate"`
	ByTier    map[string]int `json:"by_tier"`
	Trades    []TradeResult  `json:"trades"`
}

// Engine replays history through a fresh fuser per run.
type Engine struct {
	source CandleSource
	log    *logging.Logger
}

// NewEngine creates a backtest engine over a candle source.
func NewEngine(source CandleSource) *Engine {
	return &Engine{
		source: source,
		log:    logging.WithComponent("backtest"),
	}
}

// capturingPublisher records signals with the replay index they fired at.
type capturingPublisher struct {
	index   int
	signals []fuser.Signal
	indices []int
}

func (p *capturingPublisher) PublishSignal(sig *fuser.Signal) {
	p.signals = append(p.signals, *sig)
	p.indices = append(p.indices, p.index)
}

type nopStore struct{}

func (nopStore) InsertSignal(context.Context, *fuser.Signal) error { return nil }

// Run replays the configured range. The fuser clock follows candle close
// times so cooldown and conflict windows behave as they would have live.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 500
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = 50000
	}

	candles, err := e.source.CandleRange(ctx, cfg.Symbol, cfg.Timeframe, cfg.FromMs, cfg.ToMs, cfg.MaxCandles)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s %s in range", cfg.Symbol, cfg.Timeframe)
	}

	all := []analyzers.Analyzer{
		analyzers.NewWyckoffAnalyzer(),
		analyzers.NewElliottAnalyzer(),
		analyzers.NewRSIAnalyzer(),
		analyzers.NewMACDAnalyzer(),
	}

	pub := &capturingPublisher{}
	f := fuser.New(cfg.Fuser, all, nopStore{}, pub, zerolog.Nop())

	var simClock time.Time
	f.SetClock(func() time.Time { return simClock })

	for i, c := range candles {
		pub.index = i
		simClock = time.UnixMilli(c.CloseTime).UTC()

		start := i + 1 - cfg.WindowSize
		if start < 0 {
			start = 0
		}
		f.OnCandleClose(c, candles[start:i+1])
	}

	report := &Report{
		Symbol:    cfg.Symbol,
		Timeframe: cfg.Timeframe,
		Candles:   len(candles),
		Signals:   len(pub.signals),
		ByTier:    make(map[string]int),
	}

	for i, sig := range pub.signals {
		result := scoreSignal(sig, candles, pub.indices[i])
		report.Trades = append(report.Trades, result)
		report.ByTier[sig.Tier]++
		switch result.Outcome {
		case OutcomeTP1:
			report.Wins++
		case OutcomeStop:
			report.Losses++
		default:
			report.Open++
		}
	}
	if closed := report.Wins + report.Losses; closed > 0 {
		report.WinRate = float64(report.Wins) / float64(closed)
	}

	e.log.Info("backtest complete",
		"symbol", cfg.Symbol, "timeframe", cfg.Timeframe,
		"candles", report.Candles, "signals", report.Signals,
		"wins", report.Wins, "losses", report.Losses)
	return report, nil
}

// scoreSignal walks forward from the emission bar until SL or TP1 is
// touched. A bar that touches both counts as a stop.
func scoreSignal(sig fuser.Signal, candles []market.Candle, emittedAt int) TradeResult {
	long := sig.Direction == analyzers.DirectionLong

	for i := emittedAt + 1; i < len(candles); i++ {
		c := candles[i]
		var stopped, won bool
		if long {
			stopped = c.Low <= sig.StopLoss
			won = c.High >= sig.TP1
		} else {
			stopped = c.High >= sig.StopLoss
			won = c.Low <= sig.TP1
		}

		switch {
		case stopped:
			return TradeResult{Signal: sig, Outcome: OutcomeStop, BarsHeld: i - emittedAt}
		case won:
			return TradeResult{Signal: sig, Outcome: OutcomeTP1, BarsHeld: i - emittedAt}
		}
	}
	return TradeResult{Signal: sig, Outcome: OutcomeOpen, BarsHeld: len(candles) - 1 - emittedAt}
}
