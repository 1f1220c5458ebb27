package market

import (
	"fmt"
	"time"
)

// Candle is a single OHLCV bar for a symbol/timeframe pair.
// OpenTime and CloseTime are Binance-style millisecond timestamps.
type Candle struct {
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	OpenTime    int64   `json:"open_time"`
	CloseTime   int64   `json:"close_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Trades      int64   `json:"trades"`
	IsFinal     bool    `json:"is_final"`
}

// Key returns the aggregation key for the candle.
func (c Candle) Key() string {
	return c.Symbol + ":" + c.Timeframe
}

// OpenAt returns the candle open time as UTC time.
func (c Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Validate checks structural consistency of the candle.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle: empty symbol")
	}
	if _, err := ParseTimeframe(c.Timeframe); err != nil {
		return err
	}
	if c.OpenTime <= 0 {
		return fmt.Errorf("candle %s: open_time %d is not positive", c.Key(), c.OpenTime)
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s@%d: high %.8f below open/close", c.Key(), c.OpenTime, c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle %s@%d: low %.8f above open/close", c.Key(), c.OpenTime, c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%d: negative volume %.8f", c.Key(), c.OpenTime, c.Volume)
	}
	return nil
}

// Closes extracts the close series from a window.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volume series from a window.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
