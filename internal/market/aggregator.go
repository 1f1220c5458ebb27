package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"wyckoff-signal-bot/internal/logging"
	"wyckoff-signal-bot/internal/metrics"
)

// CloseHandler is invoked once for every committed (closed) candle. The
// window slice is a private snapshot ending at the committed candle.
type CloseHandler func(candle Candle, window []Candle)

// CandleStore persists committed candles. Implementations must treat a
// duplicate (symbol, timeframe, open_time) as success.
type CandleStore interface {
	UpsertCandle(ctx context.Context, c Candle) error
}

// AggregatorConfig tunes window and dispatch behavior.
type AggregatorConfig struct {
	WindowSize int // candles retained per key
	Workers    int // close-event workers
	QueueSize  int // per-worker queue depth
}

// KeyStats is a point-in-time view of one aggregation key.
type KeyStats struct {
	WindowLen    int    `json:"window_len"`
	Committed    uint64 `json:"committed"`
	DroppedStale uint64 `json:"dropped_stale"`
	LastOpenTime int64  `json:"last_open_time"`
	HasPending   bool   `json:"has_pending"`
}

type keyState struct {
	mu            sync.Mutex
	window        []Candle
	pending       *Candle
	lastCommitted int64
	committed     uint64
	droppedStale  uint64
}

type closeEvent struct {
	candle Candle
	window []Candle
}

// Aggregator maintains rolling candle windows per (symbol, timeframe) key
// and emits exactly one close event per (key, open_time). Events for the
// same key are processed in order by routing the key to a fixed worker;
// distinct keys proceed concurrently.
type Aggregator struct {
	cfg   AggregatorConfig
	store CandleStore

	mu       sync.RWMutex
	keys     map[string]*keyState
	handlers []CloseHandler

	queues  []chan closeEvent
	quit    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	committedTotal uint64
	droppedTotal   uint64

	onCommit func(candle Candle) // metrics hook
}

// NewAggregator creates an aggregator. store may be nil (no persistence).
func NewAggregator(cfg AggregatorConfig, store CandleStore) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	a := &Aggregator{
		cfg:   cfg,
		store: store,
		keys:  make(map[string]*keyState),
		quit:  make(chan struct{}),
	}

	a.queues = make([]chan closeEvent, cfg.Workers)
	for i := range a.queues {
		a.queues[i] = make(chan closeEvent, cfg.QueueSize)
		a.wg.Add(1)
		go a.worker(a.queues[i])
	}
	return a
}

// OnClose registers a close handler. Register before feeding updates.
func (a *Aggregator) OnClose(h CloseHandler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

// SetCommitHook installs an optional per-commit callback (metrics).
func (a *Aggregator) SetCommitHook(fn func(candle Candle)) {
	a.onCommit = fn
}

// WarmStart seeds a key's window from historical candles (ascending
// open_time). The newest candle is kept as the uncommitted pending bar so
// its live final update still produces exactly one close event. Warm-start
// candles never fire close handlers.
func (a *Aggregator) WarmStart(candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return fmt.Errorf("warm start %s: candles not strictly ascending at index %d", candles[i].Key(), i)
		}
	}

	ks := a.state(candles[0].Key())
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.lastCommitted != 0 || ks.pending != nil {
		return fmt.Errorf("warm start %s: key already seeded", candles[0].Key())
	}

	head := candles[:len(candles)-1]
	tail := candles[len(candles)-1]

	if len(head) > a.cfg.WindowSize {
		head = head[len(head)-a.cfg.WindowSize:]
	}
	ks.window = append(ks.window, head...)
	if len(ks.window) > 0 {
		ks.lastCommitted = ks.window[len(ks.window)-1].OpenTime
	}
	pending := tail
	ks.pending = &pending

	logging.KeyContext(tail.Symbol, tail.Timeframe).Info("warm start complete",
		"window", len(ks.window), "pending_open_time", tail.OpenTime)
	return nil
}

// Update feeds a live candle update. Stale updates (open_time at or before
// the last committed bar) are dropped. A close is committed when either the
// update's final flag is set or a newer open_time supersedes the pending bar.
func (a *Aggregator) Update(c Candle) error {
	if a.stopped.Load() {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}

	ks := a.state(c.Key())
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if c.OpenTime <= ks.lastCommitted {
		ks.droppedStale++
		atomic.AddUint64(&a.droppedTotal, 1)
		metrics.CandlesDropped.Inc()
		return nil
	}

	switch {
	case ks.pending == nil || c.OpenTime == ks.pending.OpenTime:
		pending := c
		ks.pending = &pending
		if c.IsFinal {
			a.commitLocked(ks)
		}
	case c.OpenTime < ks.pending.OpenTime:
		ks.droppedStale++
		atomic.AddUint64(&a.droppedTotal, 1)
		metrics.CandlesDropped.Inc()
	default:
		// Newer bar arrived before the pending one flagged final; the
		// pending bar closes with its last-known values.
		a.commitLocked(ks)
		pending := c
		ks.pending = &pending
		if c.IsFinal {
			a.commitLocked(ks)
		}
	}
	return nil
}

// commitLocked commits the pending bar. Caller holds ks.mu.
func (a *Aggregator) commitLocked(ks *keyState) {
	if ks.pending == nil {
		return
	}
	bar := *ks.pending
	ks.pending = nil
	if bar.OpenTime <= ks.lastCommitted {
		return
	}
	bar.IsFinal = true

	ks.window = append(ks.window, bar)
	if len(ks.window) > a.cfg.WindowSize {
		ks.window = ks.window[len(ks.window)-a.cfg.WindowSize:]
	}
	ks.lastCommitted = bar.OpenTime
	ks.committed++
	atomic.AddUint64(&a.committedTotal, 1)

	if a.onCommit != nil {
		a.onCommit(bar)
	}

	snapshot := make([]Candle, len(ks.window))
	copy(snapshot, ks.window)
	a.dispatch(closeEvent{candle: bar, window: snapshot})
}

// dispatch routes the event to the worker owning the key. Blocks when the
// worker queue is full, which backpressures the single stream reader.
func (a *Aggregator) dispatch(ev closeEvent) {
	h := fnv.New32a()
	h.Write([]byte(ev.candle.Key()))
	a.queues[h.Sum32()%uint32(len(a.queues))] <- ev
}

func (a *Aggregator) worker(q chan closeEvent) {
	defer a.wg.Done()
	for {
		select {
		case ev := <-q:
			a.process(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-q:
					a.process(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) process(ev closeEvent) {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.store.UpsertCandle(ctx, ev.candle); err != nil {
			logging.KeyContext(ev.candle.Symbol, ev.candle.Timeframe).Error("candle upsert failed",
				"open_time", ev.candle.OpenTime, "error", err)
		}
		cancel()
	}

	a.mu.RLock()
	handlers := a.handlers
	a.mu.RUnlock()
	for _, h := range handlers {
		h(ev.candle, ev.window)
	}
}

// Window returns a copy of the committed window for a key.
func (a *Aggregator) Window(symbol, timeframe string) []Candle {
	a.mu.RLock()
	ks, ok := a.keys[symbol+":"+timeframe]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]Candle, len(ks.window))
	copy(out, ks.window)
	return out
}

// Stats returns per-key statistics.
func (a *Aggregator) Stats() map[string]KeyStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]KeyStats, len(a.keys))
	for k, ks := range a.keys {
		ks.mu.Lock()
		out[k] = KeyStats{
			WindowLen:    len(ks.window),
			Committed:    ks.committed,
			DroppedStale: ks.droppedStale,
			LastOpenTime: ks.lastCommitted,
			HasPending:   ks.pending != nil,
		}
		ks.mu.Unlock()
	}
	return out
}

// CommittedTotal returns the total number of committed candles.
func (a *Aggregator) CommittedTotal() uint64 {
	return atomic.LoadUint64(&a.committedTotal)
}

// Drain stops intake and waits up to timeout for queued close events to be
// processed. Returns false if the timeout elapsed first.
func (a *Aggregator) Drain(timeout time.Duration) bool {
	if a.stopped.Swap(true) {
		return true
	}
	close(a.quit)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (a *Aggregator) state(key string) *keyState {
	a.mu.RLock()
	ks, ok := a.keys[key]
	a.mu.RUnlock()
	if ok {
		return ks
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ks, ok = a.keys[key]; ok {
		return ks
	}
	ks = &keyState{}
	a.keys[key] = ks
	return ks
}
