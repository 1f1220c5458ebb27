package analyzers

import (
	"wyckoff-signal-bot/internal/indicators"
	"wyckoff-signal-bot/internal/market"
)

// Phase is a coarse Wyckoff market phase classification.
type Phase string

const (
	PhaseAccumulation Phase = "ACCUMULATION"
	PhaseDistribution Phase = "DISTRIBUTION"
	PhaseMarkup       Phase = "MARKUP"
	PhaseMarkdown     Phase = "MARKDOWN"
	PhaseUnknown      Phase = "UNKNOWN"
)

// WyckoffAnalyzer detects springs and upthrusts against a trailing
// trading range.
type WyckoffAnalyzer struct {
	RangeLookback   int     // candles forming the reference range
	VolumePeriod    int     // volume SMA period for the spike test
	VolumeSpikeMult float64 // required volume multiple on the event bar
}

// NewWyckoffAnalyzer returns the analyzer with standard parameters.
func NewWyckoffAnalyzer() *WyckoffAnalyzer {
	return &WyckoffAnalyzer{
		RangeLookback:   50,
		VolumePeriod:    20,
		VolumeSpikeMult: 1.5,
	}
}

func (a *WyckoffAnalyzer) Name() string { return "wyckoff" }

// Analyze inspects the newest closed candle against the range formed by
// the RangeLookback candles before it. A spring pierces the range low and
// closes back inside it on a volume spike (LONG); an upthrust mirrors
// that at the range high (SHORT). Confidence scales with penetration
// depth relative to range width and with the volume multiple, clamped to
// [0.35, 1.0].
func (a *WyckoffAnalyzer) Analyze(window []market.Candle) Result {
	lookback := a.RangeLookback
	if lookback <= 0 {
		lookback = 50
	}
	volPeriod := a.VolumePeriod
	if volPeriod <= 0 {
		volPeriod = 20
	}
	spikeMult := a.VolumeSpikeMult
	if spikeMult <= 0 {
		spikeMult = 1.5
	}

	if len(window) < lookback+1 || len(window) < volPeriod+1 {
		return None()
	}

	cur := window[len(window)-1]
	rangeCandles := window[len(window)-1-lookback : len(window)-1]

	rangeLow := rangeCandles[0].Low
	rangeHigh := rangeCandles[0].High
	for _, c := range rangeCandles[1:] {
		if c.Low < rangeLow {
			rangeLow = c.Low
		}
		if c.High > rangeHigh {
			rangeHigh = c.High
		}
	}
	width := rangeHigh - rangeLow
	if width <= 0 {
		return None()
	}

	volSMA, err := indicators.SMA(market.Volumes(window[:len(window)-1]), volPeriod)
	if err != nil || volSMA <= 0 {
		return None()
	}
	volMult := cur.Volume / volSMA

	phase := a.classifyPhase(rangeCandles)
	details := map[string]float64{
		"range_low":   rangeLow,
		"range_high":  rangeHigh,
		"volume_mult": volMult,
	}

	// Spring: pierce below the range low, close back inside, on volume.
	// Only valid inside an accumulation range; the same bar shape during a
	// markdown is just the trend continuing.
	if phase == PhaseAccumulation &&
		cur.Low < rangeLow && cur.Close >= rangeLow && volMult > spikeMult {
		penetration := (rangeLow - cur.Low) / width
		conf := clamp(0.35+2.0*penetration+0.25*(volMult-1), 0.35, 1.0)
		details["penetration"] = penetration
		return Result{
			Direction:  DirectionLong,
			Confidence: conf,
			Pattern:    "spring",
			Details:    details,
		}
	}

	// Upthrust: the mirror image, valid only inside distribution.
	if phase == PhaseDistribution &&
		cur.High > rangeHigh && cur.Close <= rangeHigh && volMult > spikeMult {
		penetration := (cur.High - rangeHigh) / width
		conf := clamp(0.35+2.0*penetration+0.25*(volMult-1), 0.35, 1.0)
		details["penetration"] = penetration
		return Result{
			Direction:  DirectionShort,
			Confidence: conf,
			Pattern:    "upthrust",
			Details:    details,
		}
	}

	r := None()
	r.Pattern = string(phase)
	r.Details = details
	return r
}

// classifyPhase labels the range candles. A narrow range with rising
// volume reads as accumulation when price holds or drifts up, otherwise
// distribution; a trending range reads as markup or markdown.
func (a *WyckoffAnalyzer) classifyPhase(candles []market.Candle) Phase {
	if len(candles) < 10 {
		return PhaseUnknown
	}

	low := candles[0].Low
	high := candles[0].High
	for _, c := range candles[1:] {
		if c.Low < low {
			low = c.Low
		}
		if c.High > high {
			high = c.High
		}
	}
	if low <= 0 {
		return PhaseUnknown
	}
	rangePct := (high - low) / low * 100

	half := len(candles) / 2
	firstAvg := avgClose(candles[:half])
	secondAvg := avgClose(candles[half:])
	if firstAvg <= 0 {
		return PhaseUnknown
	}
	trendPct := (secondAvg - firstAvg) / firstAvg * 100

	volumes := market.Volumes(candles)
	volAvg := mean(volumes)
	volRecent := mean(volumes[len(volumes)-5:])
	volRising := volAvg > 0 && volRecent/volAvg > 1.2

	if rangePct < 5 {
		if !volRising {
			return PhaseUnknown
		}
		if trendPct >= 0 {
			return PhaseAccumulation
		}
		return PhaseDistribution
	}
	if trendPct > 0 {
		return PhaseMarkup
	}
	return PhaseMarkdown
}

func avgClose(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
