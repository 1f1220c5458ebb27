// Package analyzers contains the pure pattern analyzers that feed the
// signal fuser. An analyzer maps a candle window to a directional vote;
// it never mutates the window and never touches clock, randomness or I/O,
// so the same window always yields the same Result.
package analyzers

import "wyckoff-signal-bot/internal/market"

// Direction is an analyzer's directional vote.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// Opposite returns the reverse direction; NONE has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNone
	}
}

// Result is one analyzer's verdict over a window.
type Result struct {
	Direction  Direction          `json:"direction"`
	Confidence float64            `json:"confidence"`
	Pattern    string             `json:"pattern,omitempty"`
	Details    map[string]float64 `json:"details,omitempty"`
}

// None is the empty verdict.
func None() Result {
	return Result{Direction: DirectionNone}
}

// Actionable reports whether the result carries a directional vote.
func (r Result) Actionable() bool {
	return r.Direction == DirectionLong || r.Direction == DirectionShort
}

// Analyzer is implemented by every pattern detector.
type Analyzer interface {
	Name() string
	Analyze(window []market.Candle) Result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
