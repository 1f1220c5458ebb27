package binance

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wyckoff-signal-bot/internal/market"
	"wyckoff-signal-bot/internal/metrics"
)

const (
	// MaxStreamsPerConnection is the Binance combined-stream limit.
	MaxStreamsPerConnection = 200

	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second

	readTimeout  = 3 * time.Minute
	writeTimeout = 10 * time.Second
)

// KlineHandler receives every parsed kline update, final or not.
type KlineHandler func(candle market.Candle)

// StreamStatus is a point-in-time view of the stream connection.
type StreamStatus struct {
	Connected   bool      `json:"connected"`
	Streams     int       `json:"streams"`
	Reconnects  uint64    `json:"reconnects"`
	LastMessage time.Time `json:"last_message"`
}

// StreamClient consumes Binance combined kline streams and forwards parsed
// candles to a handler. It reconnects forever with capped exponential
// backoff until Stop is called.
type StreamClient struct {
	wsURL   string
	streams []string
	handler KlineHandler

	mu          sync.RWMutex
	conn        *websocket.Conn
	connected   bool
	reconnects  uint64
	lastMessage time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// combinedFrame is the envelope of /stream?streams=... payloads.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent and klinePayload spell out every key Binance sends, even the
// unused ones. encoding/json matches keys case-insensitively when no exact
// tag exists, so leaving e.g. "E" (event time, number) untagged would route
// it into the "e" (event type, string) field and fail the whole unmarshal.
type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime      int64  `json:"t"`
	CloseTime     int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	FirstTradeID  int64  `json:"f"`
	LastTradeID   int64  `json:"L"`
	Open          string `json:"o"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Close         string `json:"c"`
	Volume        string `json:"v"`
	QuoteVolume   string `json:"q"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
	Trades        int64  `json:"n"`
	IsFinal       bool   `json:"x"`
}

// NewStreamClient builds a client for the given subscriptions. Each entry
// of subscriptions is a (symbol, timeframe) pair already rendered as a
// stream name (see market.StreamName). Fails if the combined-stream limit
// would be exceeded.
func NewStreamClient(wsURL string, streams []string, handler KlineHandler) (*StreamClient, error) {
	if wsURL == "" {
		wsURL = "wss://fstream.binance.com"
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no streams to subscribe")
	}
	if len(streams) > MaxStreamsPerConnection {
		return nil, fmt.Errorf("%d streams exceed the per-connection limit of %d",
			len(streams), MaxStreamsPerConnection)
	}
	if handler == nil {
		return nil, fmt.Errorf("nil kline handler")
	}
	return &StreamClient{
		wsURL:    strings.TrimRight(wsURL, "/"),
		streams:  streams,
		handler:  handler,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// URL returns the combined-stream endpoint this client dials.
func (s *StreamClient) URL() string {
	return s.wsURL + "/stream?streams=" + strings.Join(s.streams, "/")
}

// Start launches the connect/read loop in the background.
func (s *StreamClient) Start() {
	go s.run()
}

// Stop terminates the stream. Idempotent; returns after the run loop exits.
func (s *StreamClient) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

// Status reports the current connection state.
func (s *StreamClient) Status() StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StreamStatus{
		Connected:   s.connected,
		Streams:     len(s.streams),
		Reconnects:  s.reconnects,
		LastMessage: s.lastMessage,
	}
}

func (s *StreamClient) run() {
	defer close(s.done)

	delay := initialReconnectDelay
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		handled, err := s.connectAndRead()
		if s.isStopped() {
			return
		}
		if err != nil {
			log.Printf("[WS] Stream error: %v", err)
		}

		// A connection that delivered at least one message restarts the
		// backoff ladder from the bottom.
		if handled {
			delay = initialReconnectDelay
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		metrics.WSReconnects.Inc()

		log.Printf("[WS] Reconnecting in %v", delay)
		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// connectAndRead dials the combined stream and reads until error or stop.
// Reports whether at least one message was received on this connection.
func (s *StreamClient) connectAndRead() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: writeTimeout}
	conn, _, err := dialer.Dial(s.URL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	log.Printf("[WS] Connected (%d streams)", len(s.streams))

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	handled := false
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return handled, err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return handled, fmt.Errorf("read: %w", err)
		}

		handled = true
		metrics.WSMessages.Inc()
		s.mu.Lock()
		s.lastMessage = time.Now()
		s.mu.Unlock()

		candle, ok := parseStreamMessage(payload)
		if !ok {
			log.Printf("[WS] Dropping malformed message: %.200s", string(payload))
			metrics.WSMalformed.Inc()
			continue
		}
		s.handler(candle)
	}
}

func (s *StreamClient) isStopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// parseStreamMessage parses a combined-stream kline frame. Non-kline events
// and structurally invalid payloads report !ok.
func parseStreamMessage(payload []byte) (market.Candle, bool) {
	var frame combinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame.Data) == 0 {
		return market.Candle{}, false
	}

	var ev klineEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return market.Candle{}, false
	}
	if ev.EventType != "kline" {
		return market.Candle{}, false
	}

	k := ev.Kline
	open, err1 := parseFloat(k.Open)
	high, err2 := parseFloat(k.High)
	low, err3 := parseFloat(k.Low)
	clos, err4 := parseFloat(k.Close)
	volume, err5 := parseFloat(k.Volume)
	quote, err6 := parseFloat(k.QuoteVolume)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return market.Candle{}, false
	}

	candle := market.Candle{
		Symbol:      strings.ToUpper(k.Symbol),
		Timeframe:   k.Interval,
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       clos,
		Volume:      volume,
		QuoteVolume: quote,
		Trades:      k.Trades,
		IsFinal:     k.IsFinal,
	}
	if err := candle.Validate(); err != nil {
		return market.Candle{}, false
	}
	return candle, true
}
