package market

import (
	"fmt"
	"strings"
	"time"
)

// Supported kline timeframes, matching Binance interval tags. Tags are
// case sensitive: "1m" is one minute, "1M" one month. The month entry is
// a nominal 30 days; Binance aligns the actual candle boundaries.
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// ParseTimeframe returns the duration for a timeframe tag like "15m" or "4h".
func ParseTimeframe(tf string) (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return d, nil
}

// ValidTimeframe reports whether tf is a supported interval tag.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// CandleOpenTime floors a millisecond timestamp to the open time of the
// candle that contains it.
func CandleOpenTime(tsMs int64, tf string) (int64, error) {
	d, err := ParseTimeframe(tf)
	if err != nil {
		return 0, err
	}
	ms := d.Milliseconds()
	return (tsMs / ms) * ms, nil
}

// StreamName builds the Binance combined-stream name for a kline
// subscription, e.g. "btcusdt@kline_1h". Only the symbol is lowercased;
// the interval tag keeps its case ("1M" subscribes monthly klines).
func StreamName(symbol, tf string) string {
	return strings.ToLower(symbol) + "@kline_" + tf
}
