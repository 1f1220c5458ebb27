package analyzers

import (
	"wyckoff-signal-bot/internal/market"
)

// ElliottAnalyzer detects completed five-wave impulses and ABC
// corrections from swing pivots.
type ElliottAnalyzer struct {
	PivotWindow int // candles on each side that a pivot must dominate
}

// NewElliottAnalyzer returns the analyzer with the standard pivot window.
func NewElliottAnalyzer() *ElliottAnalyzer {
	return &ElliottAnalyzer{PivotWindow: 5}
}

func (a *ElliottAnalyzer) Name() string { return "elliott" }

type pivot struct {
	index  int
	price  float64
	isHigh bool
}

// Analyze looks for a completed impulse in the last six alternating
// pivots; a completed up-impulse votes SHORT (exhaustion reversal) and a
// down-impulse votes LONG. Failing that, a falling ABC correction votes
// LONG and a rising one SHORT (continuation of the prior trend).
func (a *ElliottAnalyzer) Analyze(window []market.Candle) Result {
	w := a.PivotWindow
	if w <= 0 {
		w = 5
	}
	if len(window) < 6*w {
		return None()
	}

	pivots := findPivots(window, w)
	alt := lastAlternating(pivots)

	if len(alt) >= 6 {
		if res, ok := a.impulse(alt[len(alt)-6:]); ok {
			return res
		}
	}
	if len(alt) >= 4 {
		if res, ok := a.correction(alt[len(alt)-4:]); ok {
			return res
		}
	}
	return None()
}

// impulse validates the classic rules over pivots P0..P5: wave 2 must not
// retrace past the start of wave 1, wave 3 must not be the shortest of
// {1,3,5}, and wave 4 must not overlap wave 1 territory.
func (a *ElliottAnalyzer) impulse(p []pivot) (Result, bool) {
	up := !p[0].isHigh && p[1].isHigh && !p[2].isHigh && p[3].isHigh && !p[4].isHigh && p[5].isHigh
	down := p[0].isHigh && !p[1].isHigh && p[2].isHigh && !p[3].isHigh && p[4].isHigh && !p[5].isHigh
	if !up && !down {
		return Result{}, false
	}

	sign := 1.0
	if down {
		sign = -1.0
	}

	w1 := sign * (p[1].price - p[0].price)
	w3 := sign * (p[3].price - p[2].price)
	w5 := sign * (p[5].price - p[4].price)
	if w1 <= 0 || w3 <= 0 || w5 <= 0 {
		return Result{}, false
	}
	// Wave 2 retrace stays above the wave-1 origin.
	if sign*(p[2].price-p[0].price) <= 0 {
		return Result{}, false
	}
	// Wave 3 not the shortest motive wave.
	if w3 < w1 && w3 < w5 {
		return Result{}, false
	}
	// Wave 4 does not enter wave-1 territory.
	if sign*(p[4].price-p[1].price) <= 0 {
		return Result{}, false
	}

	conf := 0.5
	if w3 >= w1 && w3 >= w5 {
		conf += 0.2
	}
	if w3 > 1.618*w1 {
		conf += 0.15
	}
	if w5 < w3 {
		conf += 0.15
	}
	conf = clamp(conf, 0, 1)

	details := map[string]float64{
		"wave1": w1,
		"wave3": w3,
		"wave5": w5,
	}

	// A completed impulse is an exhaustion setup: fade it.
	if up {
		return Result{
			Direction:  DirectionShort,
			Confidence: conf,
			Pattern:    "impulse_up_complete",
			Details:    details,
		}, true
	}
	return Result{
		Direction:  DirectionLong,
		Confidence: conf,
		Pattern:    "impulse_down_complete",
		Details:    details,
	}, true
}

// correction validates an ABC zigzag over pivots P0..P3: wave B retraces
// 50-100% of wave A and wave C extends 100-161.8% of wave A.
func (a *ElliottAnalyzer) correction(p []pivot) (Result, bool) {
	falling := p[0].isHigh && !p[1].isHigh && p[2].isHigh && !p[3].isHigh
	rising := !p[0].isHigh && p[1].isHigh && !p[2].isHigh && p[3].isHigh
	if !falling && !rising {
		return Result{}, false
	}

	waveA := abs(p[1].price - p[0].price)
	waveB := abs(p[2].price - p[1].price)
	waveC := abs(p[3].price - p[2].price)
	if waveA <= 0 {
		return Result{}, false
	}

	bRetrace := waveB / waveA
	cExt := waveC / waveA
	if bRetrace < 0.5 || bRetrace > 1.0 {
		return Result{}, false
	}
	if cExt < 1.0 || cExt > 1.618 {
		return Result{}, false
	}

	conf := 0.5
	if cExt >= 0.95 && cExt <= 1.05 {
		conf += 0.3
	}
	conf = clamp(conf, 0, 0.8)

	details := map[string]float64{
		"wave_a":    waveA,
		"b_retrace": bRetrace,
		"c_ext":     cExt,
	}

	// The correction runs against the prior trend; a finished correction
	// resumes it.
	if falling {
		return Result{
			Direction:  DirectionLong,
			Confidence: conf,
			Pattern:    "abc_correction_down",
			Details:    details,
		}, true
	}
	return Result{
		Direction:  DirectionShort,
		Confidence: conf,
		Pattern:    "abc_correction_up",
		Details:    details,
	}, true
}

// findPivots returns swing points whose high (or low) strictly dominates
// every candle within w bars on both sides.
func findPivots(window []market.Candle, w int) []pivot {
	var pivots []pivot
	for i := w; i < len(window)-w; i++ {
		isHigh := true
		isLow := true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if window[j].High >= window[i].High {
				isHigh = false
			}
			if window[j].Low <= window[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh == isLow {
			continue
		}
		if isHigh {
			pivots = append(pivots, pivot{index: i, price: window[i].High, isHigh: true})
		} else {
			pivots = append(pivots, pivot{index: i, price: window[i].Low, isHigh: false})
		}
	}
	return pivots
}

// lastAlternating returns the longest strictly alternating suffix of the
// pivot sequence.
func lastAlternating(pivots []pivot) []pivot {
	if len(pivots) == 0 {
		return nil
	}
	end := len(pivots) - 1
	start := end
	for start > 0 && pivots[start-1].isHigh != pivots[start].isHigh {
		start--
	}
	return pivots[start : end+1]
}
