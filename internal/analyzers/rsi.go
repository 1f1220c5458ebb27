package analyzers

import (
	"wyckoff-signal-bot/internal/indicators"
	"wyckoff-signal-bot/internal/market"
)

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// RSIAnalyzer votes on oversold/overbought RSI extremes.
type RSIAnalyzer struct {
	Period int
}

// NewRSIAnalyzer returns an RSI(14) analyzer.
func NewRSIAnalyzer() *RSIAnalyzer {
	return &RSIAnalyzer{Period: 14}
}

func (a *RSIAnalyzer) Name() string { return "rsi" }

// Analyze votes LONG below 30 and SHORT above 70. Confidence grows
// linearly with the distance past the band edge: 0.5 at the edge, 1.0 at
// RSI 15 (long) or 85 (short).
func (a *RSIAnalyzer) Analyze(window []market.Candle) Result {
	period := a.Period
	if period <= 0 {
		period = 14
	}

	rsi, err := indicators.RSI(market.Closes(window), period)
	if err != nil {
		return None()
	}

	details := map[string]float64{"rsi": rsi}
	switch {
	case rsi < rsiOversold:
		conf := clamp(0.5+(rsiOversold-rsi)/rsiOversold, 0, 1)
		return Result{
			Direction:  DirectionLong,
			Confidence: conf,
			Pattern:    "oversold",
			Details:    details,
		}
	case rsi > rsiOverbought:
		conf := clamp(0.5+(rsi-rsiOverbought)/(100-rsiOverbought), 0, 1)
		return Result{
			Direction:  DirectionShort,
			Confidence: conf,
			Pattern:    "overbought",
			Details:    details,
		}
	default:
		r := None()
		r.Details = details
		return r
	}
}
