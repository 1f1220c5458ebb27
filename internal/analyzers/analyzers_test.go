package analyzers

import (
	"math"
	"reflect"
	"testing"

	"wyckoff-signal-bot/internal/market"
)

const hourMs = int64(3600000)

// candlesFromValues builds point candles (O=H=L=C) from a value path.
func candlesFromValues(values []float64) []market.Candle {
	base := int64(1704067200000)
	out := make([]market.Candle, len(values))
	for i, v := range values {
		out[i] = market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  base + int64(i)*hourMs,
			Open:      v,
			High:      v,
			Low:       v,
			Close:     v,
			Volume:    100,
			IsFinal:   true,
		}
	}
	return out
}

// interpolate renders a piecewise-linear path through (index, value)
// anchor points.
func interpolate(anchors [][2]float64) []float64 {
	last := int(anchors[len(anchors)-1][0])
	out := make([]float64, last+1)
	for a := 0; a < len(anchors)-1; a++ {
		i0, v0 := int(anchors[a][0]), anchors[a][1]
		i1, v1 := int(anchors[a+1][0]), anchors[a+1][1]
		for i := i0; i <= i1; i++ {
			if i1 == i0 {
				out[i] = v1
				continue
			}
			t := float64(i-i0) / float64(i1-i0)
			out[i] = v0 + t*(v1-v0)
		}
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ----------------------------------------------------------------------------
// RSI
// ----------------------------------------------------------------------------

func TestRSIAnalyzerDirections(t *testing.T) {
	a := NewRSIAnalyzer()

	falling := make([]float64, 120)
	for i := range falling {
		falling[i] = 200 - float64(i)
	}
	res := a.Analyze(candlesFromValues(falling))
	if res.Direction != DirectionLong {
		t.Fatalf("falling market: direction = %s, want LONG", res.Direction)
	}
	if res.Pattern != "oversold" {
		t.Errorf("pattern = %q", res.Pattern)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 at RSI 0", res.Confidence)
	}

	rising := make([]float64, 120)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	res = a.Analyze(candlesFromValues(rising))
	if res.Direction != DirectionShort {
		t.Fatalf("rising market: direction = %s, want SHORT", res.Direction)
	}
	if res.Pattern != "overbought" {
		t.Errorf("pattern = %q", res.Pattern)
	}

	flat := make([]float64, 120)
	for i := range flat {
		// Balanced up/down steps keep RSI near 50.
		flat[i] = 100 + float64(i%2)
	}
	res = a.Analyze(candlesFromValues(flat))
	if res.Direction != DirectionNone {
		t.Errorf("flat market: direction = %s, want NONE", res.Direction)
	}
}

func TestRSIAnalyzerShortWindow(t *testing.T) {
	a := NewRSIAnalyzer()
	res := a.Analyze(candlesFromValues([]float64{1, 2, 3}))
	if res.Direction != DirectionNone {
		t.Errorf("short window: direction = %s, want NONE", res.Direction)
	}
}

// ----------------------------------------------------------------------------
// MACD
// ----------------------------------------------------------------------------

func TestMACDAnalyzerBullishCrossover(t *testing.T) {
	a := NewMACDAnalyzer()

	// Decline pushes the histogram negative, then a recovery walks it
	// back up. The analyzer must fire exactly once, on the sign change.
	closes := make([]float64, 0, 200)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 15; i++ {
		closes = append(closes, 100-float64(i+1))
	}

	fired := false
	price := closes[len(closes)-1]
	for i := 0; i < 60; i++ {
		price += 1.5
		closes = append(closes, price)
		res := a.Analyze(candlesFromValues(closes))
		if res.Direction == DirectionShort {
			t.Fatalf("unexpected SHORT during recovery at bar %d", i)
		}
		if res.Direction == DirectionLong {
			fired = true
			if res.Pattern != "bullish_crossover" {
				t.Errorf("pattern = %q", res.Pattern)
			}
			if res.Confidence < 0.6 || res.Confidence > 1.0 {
				t.Errorf("confidence = %v outside [0.6, 1.0]", res.Confidence)
			}
			// The very next bar is no longer a crossover.
			price += 1.5
			closes = append(closes, price)
			next := a.Analyze(candlesFromValues(closes))
			if next.Direction == DirectionLong {
				t.Error("crossover fired on consecutive bars")
			}
			break
		}
	}
	if !fired {
		t.Fatal("bullish crossover never fired during recovery")
	}
}

func TestMACDAnalyzerNeutralOnFlat(t *testing.T) {
	a := NewMACDAnalyzer()
	flat := make([]float64, 80)
	for i := range flat {
		flat[i] = 100
	}
	res := a.Analyze(candlesFromValues(flat))
	if res.Direction != DirectionNone {
		t.Errorf("flat market: direction = %s, want NONE", res.Direction)
	}
}

// ----------------------------------------------------------------------------
// Wyckoff
// ----------------------------------------------------------------------------

// rangeBound builds 60 range-bound candles (lows 100/101, highs 103/104,
// range width 4) plus one event candle supplied by the caller. Volume picks
// up over the last five bars so the range reads as absorption; closeDrift
// tilts the closes per bar, deciding accumulation (>= 0) vs distribution
// (< 0). The 20-bar volume SMA the event candle is judged against is 112.5.
func rangeBound(event market.Candle, closeDrift float64) []market.Candle {
	base := int64(1704067200000)
	out := make([]market.Candle, 0, 61)
	for i := 0; i < 60; i++ {
		low := 100.0
		high := 103.0
		if i%2 == 1 {
			low = 101.0
			high = 104.0
		}
		vol := 100.0
		if i >= 55 {
			vol = 150.0
		}
		out = append(out, market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  base + int64(i)*hourMs,
			Open:      low + 1,
			High:      high,
			Low:       low,
			Close:     102 + closeDrift*float64(i),
			Volume:    vol,
			IsFinal:   true,
		})
	}
	event.Symbol = "BTCUSDT"
	event.Timeframe = "1h"
	event.OpenTime = base + 60*hourMs
	event.IsFinal = true
	return append(out, event)
}

// rangeWindow is an accumulation range: flat closes, rising volume.
func rangeWindow(event market.Candle) []market.Candle {
	return rangeBound(event, 0)
}

// distributionWindow drifts the closes down so the range reads as
// distribution.
func distributionWindow(event market.Candle) []market.Candle {
	return rangeBound(event, -0.02)
}

// trendWindow builds 60 trending candles from start to end (well past the
// 5% range cutoff) plus one event candle, for markup/markdown phases.
func trendWindow(event market.Candle, start, end float64) []market.Candle {
	base := int64(1704067200000)
	out := make([]market.Candle, 0, 61)
	for i := 0; i < 60; i++ {
		v := start + (end-start)*float64(i)/59
		out = append(out, market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  base + int64(i)*hourMs,
			Open:      v,
			High:      v + 0.5,
			Low:       v - 0.5,
			Close:     v,
			Volume:    100,
			IsFinal:   true,
		})
	}
	event.Symbol = "BTCUSDT"
	event.Timeframe = "1h"
	event.OpenTime = base + 60*hourMs
	event.IsFinal = true
	return append(out, event)
}

func TestWyckoffSpring(t *testing.T) {
	a := NewWyckoffAnalyzer()

	// Pierce 0.2 below the 100..104 range on 1.8x volume, close inside.
	window := rangeWindow(market.Candle{
		Open: 100.2, High: 100.8, Low: 99.8, Close: 100.5, Volume: 202.5,
	})
	res := a.Analyze(window)
	if res.Direction != DirectionLong {
		t.Fatalf("direction = %s, want LONG", res.Direction)
	}
	if res.Pattern != "spring" {
		t.Errorf("pattern = %q, want spring", res.Pattern)
	}
	// penetration = 0.2/4 = 0.05; conf = 0.35 + 0.1 + 0.25*0.8 = 0.65.
	if !almostEqual(res.Confidence, 0.65) {
		t.Errorf("confidence = %v, want 0.65", res.Confidence)
	}
}

func TestWyckoffSpringConfidenceClamped(t *testing.T) {
	a := NewWyckoffAnalyzer()

	window := rangeWindow(market.Candle{
		Open: 100.5, High: 101, Low: 98, Close: 101, Volume: 300,
	})
	res := a.Analyze(window)
	if res.Direction != DirectionLong {
		t.Fatalf("direction = %s, want LONG", res.Direction)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamp at 1.0", res.Confidence)
	}
}

func TestWyckoffUpthrust(t *testing.T) {
	a := NewWyckoffAnalyzer()

	window := distributionWindow(market.Candle{
		Open: 103.8, High: 104.2, Low: 103.2, Close: 103.5, Volume: 202.5,
	})
	res := a.Analyze(window)
	if res.Direction != DirectionShort {
		t.Fatalf("direction = %s, want SHORT", res.Direction)
	}
	if res.Pattern != "upthrust" {
		t.Errorf("pattern = %q, want upthrust", res.Pattern)
	}
	if !almostEqual(res.Confidence, 0.65) {
		t.Errorf("confidence = %v, want 0.65", res.Confidence)
	}
}

func TestWyckoffRequiresVolumeSpike(t *testing.T) {
	a := NewWyckoffAnalyzer()

	// Same spring shape but on quiet volume: no signal.
	window := rangeWindow(market.Candle{
		Open: 100.2, High: 100.8, Low: 99.8, Close: 100.5, Volume: 120,
	})
	res := a.Analyze(window)
	if res.Direction != DirectionNone {
		t.Errorf("direction = %s, want NONE without volume spike", res.Direction)
	}
}

func TestWyckoffRequiresMatchingPhase(t *testing.T) {
	a := NewWyckoffAnalyzer()

	tests := []struct {
		name   string
		window []market.Candle
	}{
		{
			// Piercing the low of a markdown and closing back inside is
			// the downtrend pausing, not a spring.
			"spring shape in markdown",
			trendWindow(market.Candle{
				Open: 100.4, High: 100.5, Low: 99.5, Close: 100.3, Volume: 300,
			}, 120, 100.5),
		},
		{
			// An upthrust shape in a markup is a trend high, not supply.
			"upthrust shape in markup",
			trendWindow(market.Candle{
				Open: 120.2, High: 121.0, Low: 119.9, Close: 120.2, Volume: 300,
			}, 100, 120),
		},
		{
			// A poke above an accumulation range is not an upthrust.
			"upthrust shape in accumulation",
			rangeWindow(market.Candle{
				Open: 103.8, High: 104.2, Low: 103.2, Close: 103.5, Volume: 202.5,
			}),
		},
		{
			// A poke below a distribution range is not a spring.
			"spring shape in distribution",
			distributionWindow(market.Candle{
				Open: 100.2, High: 100.8, Low: 99.8, Close: 100.5, Volume: 202.5,
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Analyze(tt.window)
			if res.Direction != DirectionNone {
				t.Errorf("direction = %s (%s), want NONE outside the matching phase",
					res.Direction, res.Pattern)
			}
		})
	}
}

func TestWyckoffRequiresCloseBackInside(t *testing.T) {
	a := NewWyckoffAnalyzer()

	// Breaks down and stays down: a breakdown, not a spring.
	window := rangeWindow(market.Candle{
		Open: 100.2, High: 100.3, Low: 98, Close: 98.5, Volume: 300,
	})
	res := a.Analyze(window)
	if res.Direction != DirectionNone {
		t.Errorf("direction = %s, want NONE on breakdown", res.Direction)
	}
}

func TestWyckoffShortWindow(t *testing.T) {
	a := NewWyckoffAnalyzer()
	res := a.Analyze(rangeWindow(market.Candle{
		Open: 100.2, High: 100.8, Low: 99.8, Close: 100.5, Volume: 180,
	})[:30])
	if res.Direction != DirectionNone {
		t.Errorf("short window: direction = %s, want NONE", res.Direction)
	}
}

// ----------------------------------------------------------------------------
// Elliott
// ----------------------------------------------------------------------------

func TestElliottCompletedUpImpulse(t *testing.T) {
	a := NewElliottAnalyzer()

	// Five-wave advance: pivots low 100, high 110, low 105, high 125,
	// low 118, high 130, then a fade so the last high registers.
	values := interpolate([][2]float64{
		{0, 105}, {10, 100}, {20, 110}, {30, 105},
		{40, 125}, {50, 118}, {60, 130}, {66, 124},
	})
	res := a.Analyze(candlesFromValues(values))
	if res.Direction != DirectionShort {
		t.Fatalf("direction = %s, want SHORT after completed up-impulse", res.Direction)
	}
	if res.Pattern != "impulse_up_complete" {
		t.Errorf("pattern = %q", res.Pattern)
	}
	// w1=10, w3=20, w5=12: longest wave 3 (+0.2), extended 3 (+0.15),
	// truncated 5 (+0.15) on the 0.5 base.
	if !almostEqual(res.Confidence, 1.0) {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
}

func TestElliottCompletedDownImpulse(t *testing.T) {
	a := NewElliottAnalyzer()

	values := interpolate([][2]float64{
		{0, 125}, {10, 130}, {20, 120}, {30, 125},
		{40, 105}, {50, 112}, {60, 100}, {66, 106},
	})
	res := a.Analyze(candlesFromValues(values))
	if res.Direction != DirectionLong {
		t.Fatalf("direction = %s, want LONG after completed down-impulse", res.Direction)
	}
	if res.Pattern != "impulse_down_complete" {
		t.Errorf("pattern = %q", res.Pattern)
	}
}

func TestElliottABCCorrection(t *testing.T) {
	a := NewElliottAnalyzer()

	// Uptrend into a falling zigzag: A = 10, B = 7 (70% retrace),
	// C = 11 (110% of A), then recovery.
	values := interpolate([][2]float64{
		{0, 100}, {10, 120}, {20, 110}, {30, 117}, {40, 106}, {46, 112},
	})
	res := a.Analyze(candlesFromValues(values))
	if res.Direction != DirectionLong {
		t.Fatalf("direction = %s, want LONG continuation", res.Direction)
	}
	if res.Pattern != "abc_correction_down" {
		t.Errorf("pattern = %q", res.Pattern)
	}
	if !almostEqual(res.Confidence, 0.5) {
		t.Errorf("confidence = %v, want 0.5", res.Confidence)
	}
}

func TestElliottRejectsWaveFourOverlap(t *testing.T) {
	a := NewElliottAnalyzer()

	// Wave 4 (pivot at 108) dips below the wave-1 high (110): the
	// impulse is invalid and the leftover pivots are no clean zigzag.
	values := interpolate([][2]float64{
		{0, 105}, {10, 100}, {20, 110}, {30, 105},
		{40, 125}, {50, 108}, {60, 130}, {66, 124},
	})
	res := a.Analyze(candlesFromValues(values))
	if res.Pattern == "impulse_up_complete" {
		t.Errorf("overlapping wave 4 accepted as impulse")
	}
}

func TestElliottNeutralWithoutPivots(t *testing.T) {
	a := NewElliottAnalyzer()
	flat := make([]float64, 80)
	for i := range flat {
		flat[i] = 100
	}
	res := a.Analyze(candlesFromValues(flat))
	if res.Direction != DirectionNone {
		t.Errorf("flat market: direction = %s, want NONE", res.Direction)
	}
}

// ----------------------------------------------------------------------------
// Purity
// ----------------------------------------------------------------------------

func TestAnalyzersArePure(t *testing.T) {
	window := rangeWindow(market.Candle{
		Open: 100.2, High: 100.8, Low: 99.8, Close: 100.5, Volume: 180,
	})
	original := make([]market.Candle, len(window))
	copy(original, window)

	all := []Analyzer{
		NewWyckoffAnalyzer(),
		NewElliottAnalyzer(),
		NewRSIAnalyzer(),
		NewMACDAnalyzer(),
	}
	for _, a := range all {
		first := a.Analyze(window)
		second := a.Analyze(window)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: repeated analysis differs: %+v vs %+v", a.Name(), first, second)
		}
	}
	if !reflect.DeepEqual(window, original) {
		t.Error("analyzer mutated its input window")
	}
}
