package analyzers

import (
	"wyckoff-signal-bot/internal/indicators"
	"wyckoff-signal-bot/internal/market"
)

// MACDAnalyzer votes on MACD(12,26,9) histogram crossovers.
type MACDAnalyzer struct{}

// NewMACDAnalyzer returns the standard MACD analyzer.
func NewMACDAnalyzer() *MACDAnalyzer {
	return &MACDAnalyzer{}
}

func (a *MACDAnalyzer) Name() string { return "macd" }

// Analyze fires only on the bar where the histogram changes sign. The
// confidence base of 0.5 is raised by histogram magnitude (capped at
// +0.4) and by whether the MACD line sits on the favorable side of zero
// (+0.2, otherwise +0.1).
func (a *MACDAnalyzer) Analyze(window []market.Candle) Result {
	res, err := indicators.MACD(market.Closes(window))
	if err != nil {
		return None()
	}

	details := map[string]float64{
		"macd":           res.MACD,
		"signal":         res.Signal,
		"histogram":      res.Histogram,
		"prev_histogram": res.PrevHistogram,
	}

	switch {
	case res.PrevHistogram <= 0 && res.Histogram > 0:
		bonus := 0.1
		if res.MACD > 0 {
			bonus = 0.2
		}
		conf := clamp(0.5+min(abs(res.Histogram)*100, 0.4)+bonus, 0, 1)
		return Result{
			Direction:  DirectionLong,
			Confidence: conf,
			Pattern:    "bullish_crossover",
			Details:    details,
		}
	case res.PrevHistogram >= 0 && res.Histogram < 0:
		bonus := 0.1
		if res.MACD < 0 {
			bonus = 0.2
		}
		conf := clamp(0.5+min(abs(res.Histogram)*100, 0.4)+bonus, 0, 1)
		return Result{
			Direction:  DirectionShort,
			Confidence: conf,
			Pattern:    "bearish_crossover",
			Details:    details,
		}
	default:
		r := None()
		r.Details = details
		return r
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
