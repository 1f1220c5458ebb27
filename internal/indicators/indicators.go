// Package indicators provides pure technical indicator math over candle
// and price series. No function mutates its input or touches clock,
// randomness or I/O.
package indicators

import (
	"fmt"

	"wyckoff-signal-bot/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma: period %d is not positive", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("sma: need %d values, have %d", period, len(values))
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMASeries returns the exponential moving average series, seeded with the
// SMA of the first period values. out[0] corresponds to values[period-1].
func EMASeries(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ema: period %d is not positive", period)
	}
	if len(values) < period {
		return nil, fmt.Errorf("ema: need %d values, have %d", period, len(values))
	}

	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out = append(out, ema)

	k := 2.0 / (float64(period) + 1.0)
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
		out = append(out, ema)
	}
	return out, nil
}

// EMA returns the latest exponential moving average value.
func EMA(values []float64, period int) (float64, error) {
	series, err := EMASeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// RSI returns the Wilder-smoothed relative strength index of the closes.
// The seed averages use an SMA over the first period deltas; subsequent
// averages use avg = (prev*(period-1) + current) / period. All-gain input
// returns 100, all-loss returns 0.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi: period %d is not positive", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("rsi: need %d closes, have %d", period+1, len(closes))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACDResult carries the latest MACD state plus the previous histogram
// value for crossover detection.
type MACDResult struct {
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// MACDPeriods are the classic 12/26/9 parameters.
const (
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
)

// MACD computes MACD(12,26,9) over the closes. The signal line is a true
// EMA of the MACD line, which requires at least slow+signal closes.
func MACD(closes []float64) (MACDResult, error) {
	minLen := MACDSlowPeriod + MACDSignalPeriod + 1
	if len(closes) < minLen {
		return MACDResult{}, fmt.Errorf("macd: need %d closes, have %d", minLen, len(closes))
	}

	fast, err := EMASeries(closes, MACDFastPeriod)
	if err != nil {
		return MACDResult{}, err
	}
	slow, err := EMASeries(closes, MACDSlowPeriod)
	if err != nil {
		return MACDResult{}, err
	}

	offset := MACDSlowPeriod - MACDFastPeriod
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i+offset] - slow[i]
	}

	signal, err := EMASeries(line, MACDSignalPeriod)
	if err != nil {
		return MACDResult{}, err
	}

	histOffset := MACDSignalPeriod - 1
	n := len(signal)
	cur := line[n-1+histOffset] - signal[n-1]
	prev := line[n-2+histOffset] - signal[n-2]

	return MACDResult{
		MACD:          line[len(line)-1],
		Signal:        signal[n-1],
		Histogram:     cur,
		PrevHistogram: prev,
	}, nil
}

// ============================================================================
// VOLATILITY
// ============================================================================

// ATR returns the Wilder-smoothed average true range of the candles.
func ATR(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period %d is not positive", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr: need %d candles, have %d", period+1, len(candles))
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

func trueRange(c market.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
