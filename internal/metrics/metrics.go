// Package metrics exposes Prometheus collectors for the signal pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_emitted_total",
		Help: "Signals emitted, by symbol, direction and tier.",
	}, []string{"symbol", "direction", "tier"})

	SignalRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_rejects_total",
		Help: "Signal candidates rejected, by reason.",
	}, []string{"reason"})

	CandlesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candles_closed_total",
		Help: "Closed candles committed by the aggregator, by timeframe.",
	}, []string{"timeframe"})

	CandlesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candles_dropped_total",
		Help: "Stale or duplicate candle updates dropped by the aggregator.",
	})

	WSMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_total",
		Help: "WebSocket messages received.",
	})

	WSMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_malformed_total",
		Help: "WebSocket messages dropped as malformed.",
	})

	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_reconnects_total",
		Help: "WebSocket reconnect attempts.",
	})

	HistoryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_requests_total",
		Help: "REST kline history requests, by result.",
	}, []string{"result"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_duration_seconds",
		Help:    "Time spent analyzing one closed candle.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
