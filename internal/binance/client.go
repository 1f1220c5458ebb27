package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wyckoff-signal-bot/internal/market"
	"wyckoff-signal-bot/internal/metrics"
)

const (
	// MaxKlinesPerRequest is the Binance Futures hard cap for /fapi/v1/klines.
	MaxKlinesPerRequest = 1500

	defaultHistoryLimit = 500
	requestTimeout      = 10 * time.Second
	maxRetries          = 3
)

// Client is a minimal Binance Futures REST client for kline history.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client. baseURL defaults to the Futures API.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// GetKlines fetches up to limit closed candles for symbol/interval, oldest
// first. limit is clamped to [1, MaxKlinesPerRequest]; 0 means the default
// of 500. Transport errors and 5xx/429 responses are retried with backoff.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if !market.ValidTimeframe(interval) {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/fapi/v1/klines?%s", c.baseURL, params.Encode())

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * 2 * time.Second
			log.Printf("[BINANCE] Retrying klines request for %s %s in %v (attempt %d/%d)",
				symbol, interval, backoff, attempt, maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		candles, retryable, err := c.fetchKlines(ctx, endpoint, symbol, interval)
		if err == nil {
			metrics.HistoryRequests.WithLabelValues("ok").Inc()
			return candles, nil
		}
		lastErr = err
		metrics.HistoryRequests.WithLabelValues("error").Inc()
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("get klines %s %s: %w", symbol, interval, lastErr)
}

func (c *Client) fetchKlines(ctx context.Context, endpoint, symbol, interval string) ([]market.Candle, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false, fmt.Errorf("parse klines response: %w", err)
	}

	candles := make([]market.Candle, 0, len(raw))
	for i, row := range raw {
		candle, err := parseKlineRow(row, symbol, interval)
		if err != nil {
			return nil, false, fmt.Errorf("row %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, false, nil
}

// parseKlineRow converts one Binance kline array row:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...]
func parseKlineRow(row []interface{}, symbol, interval string) (market.Candle, error) {
	if len(row) < 9 {
		return market.Candle{}, fmt.Errorf("short kline row (%d fields)", len(row))
	}

	openTime, ok := row[0].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("open time is not a number")
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("close time is not a number")
	}
	trades, ok := row[8].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("trade count is not a number")
	}

	open, err := parseFloat(row[1])
	if err != nil {
		return market.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := parseFloat(row[2])
	if err != nil {
		return market.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := parseFloat(row[3])
	if err != nil {
		return market.Candle{}, fmt.Errorf("low: %w", err)
	}
	clos, err := parseFloat(row[4])
	if err != nil {
		return market.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, err := parseFloat(row[5])
	if err != nil {
		return market.Candle{}, fmt.Errorf("volume: %w", err)
	}
	quoteVolume, err := parseFloat(row[7])
	if err != nil {
		return market.Candle{}, fmt.Errorf("quote volume: %w", err)
	}

	return market.Candle{
		Symbol:      symbol,
		Timeframe:   interval,
		OpenTime:    int64(openTime),
		CloseTime:   int64(closeTime),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       clos,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		Trades:      int64(trades),
		IsFinal:     true,
	}, nil
}

func parseFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
