// Package fuser combines analyzer votes into trade signals through a
// tier ladder, applies cooldown and conflict gates, and attaches
// ATR-based risk levels.
package fuser

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wyckoff-signal-bot/internal/analyzers"
	"wyckoff-signal-bot/internal/indicators"
	"wyckoff-signal-bot/internal/market"
	"wyckoff-signal-bot/internal/metrics"
)

// Reject reasons, exported through signal_rejects_total.
const (
	RejectInsufficientData = "insufficient-data"
	RejectCooldown         = "cooldown"
	RejectNoAgreement      = "no-agreement"
	RejectContradicted     = "contradicted"
	RejectLowConfidence    = "low-confidence"
	RejectConflict         = "conflict"
	RejectDegenerateLevels = "degenerate-levels"
)

// Signal is an emitted trade signal.
type Signal struct {
	ID         string                      `json:"id"`
	Symbol     string                      `json:"symbol"`
	Timeframe  string                      `json:"timeframe"`
	Direction  analyzers.Direction         `json:"direction"`
	Tier       string                      `json:"tier"`
	Confidence float64                     `json:"confidence"`
	Entry      float64                     `json:"entry"`
	StopLoss   float64                     `json:"stop_loss"`
	TP1        float64                     `json:"tp1"`
	TP2        float64                     `json:"tp2"`
	TP3        float64                     `json:"tp3"`
	ATR        float64                     `json:"atr"`
	Analyzers  map[string]analyzers.Result `json:"analyzers"`
	CreatedAt  time.Time                   `json:"created_at"`
}

// SignalStore persists emitted signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig *Signal) error
}

// Publisher delivers emitted signals to external consumers. Delivery is
// best effort; implementations must not block indefinitely.
type Publisher interface {
	PublishSignal(sig *Signal)
}

// Config tunes the fusion pipeline. Zero values fall back to defaults.
type Config struct {
	MinCandles     int
	MinConfidence  float64
	Cooldown       time.Duration
	ConflictWindow time.Duration

	PreventConflicts bool

	ATRPeriod     int
	StopATRMult   float64
	TargetATRMult float64

	// Solo-tier confidence gates.
	RSISoloConfidence     float64
	MACDSoloConfidence    float64
	WyckoffSoloConfidence float64
	ElliottSoloConfidence float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinCandles:            100,
		MinConfidence:         0.55,
		Cooldown:              300 * time.Second,
		ConflictWindow:        3600 * time.Second,
		PreventConflicts:      true,
		ATRPeriod:             14,
		StopATRMult:           2.0,
		TargetATRMult:         3.0,
		RSISoloConfidence:     0.80,
		MACDSoloConfidence:    0.75,
		WyckoffSoloConfidence: 0.75,
		ElliottSoloConfidence: 0.75,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinCandles <= 0 {
		c.MinCandles = d.MinCandles
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = d.ConflictWindow
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = d.ATRPeriod
	}
	if c.StopATRMult <= 0 {
		c.StopATRMult = d.StopATRMult
	}
	if c.TargetATRMult <= 0 {
		c.TargetATRMult = d.TargetATRMult
	}
	if c.RSISoloConfidence <= 0 {
		c.RSISoloConfidence = d.RSISoloConfidence
	}
	if c.MACDSoloConfidence <= 0 {
		c.MACDSoloConfidence = d.MACDSoloConfidence
	}
	if c.WyckoffSoloConfidence <= 0 {
		c.WyckoffSoloConfidence = d.WyckoffSoloConfidence
	}
	if c.ElliottSoloConfidence <= 0 {
		c.ElliottSoloConfidence = d.ElliottSoloConfidence
	}
	return c
}

type symbolStamp struct {
	direction analyzers.Direction
	at        time.Time
}

// Status is a point-in-time snapshot of fuser state.
type Status struct {
	Emitted      uint64               `json:"emitted"`
	Rejected     map[string]uint64    `json:"rejected"`
	LastByKey    map[string]time.Time `json:"last_by_key"`
	LastBySymbol map[string]string    `json:"last_by_symbol"`
}

// Fuser evaluates candle windows and emits signals. Evaluation for the
// same symbol is linearized so conflict checks always observe the
// previous emission.
type Fuser struct {
	cfg       Config
	analyzers []analyzers.Analyzer
	store     SignalStore
	publisher Publisher
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	symbolLocks  map[string]*sync.Mutex
	lastByKey    map[string]time.Time
	lastBySymbol map[string]symbolStamp
	emitted      uint64
	rejected     map[string]uint64
}

// New creates a fuser. store and publisher may be nil.
func New(cfg Config, all []analyzers.Analyzer, store SignalStore, publisher Publisher, log zerolog.Logger) *Fuser {
	return &Fuser{
		cfg:          cfg.withDefaults(),
		analyzers:    all,
		store:        store,
		publisher:    publisher,
		log:          log,
		now:          time.Now,
		symbolLocks:  make(map[string]*sync.Mutex),
		lastByKey:    make(map[string]time.Time),
		lastBySymbol: make(map[string]symbolStamp),
		rejected:     make(map[string]uint64),
	}
}

// SetClock overrides the time source (tests).
func (f *Fuser) SetClock(now func() time.Time) {
	f.now = now
}

// Restore seeds cooldown and conflict stamps, typically from the last
// persisted signal per symbol after a restart.
func (f *Fuser) Restore(symbol, timeframe string, direction analyzers.Direction, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastByKey[symbol+":"+timeframe] = at
	if cur, ok := f.lastBySymbol[symbol]; !ok || at.After(cur.at) {
		f.lastBySymbol[symbol] = symbolStamp{direction: direction, at: at}
	}
}

// OnCandleClose is the aggregator close handler.
func (f *Fuser) OnCandleClose(candle market.Candle, window []market.Candle) {
	start := time.Now()
	sig, reason := f.Evaluate(candle.Symbol, candle.Timeframe, window)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	if sig != nil {
		f.log.Info().
			Str("symbol", sig.Symbol).
			Str("timeframe", sig.Timeframe).
			Str("direction", string(sig.Direction)).
			Str("tier", sig.Tier).
			Float64("confidence", sig.Confidence).
			Float64("entry", sig.Entry).
			Msg("signal emitted")
		return
	}
	if reason != RejectNoAgreement && reason != RejectInsufficientData {
		f.log.Debug().
			Str("symbol", candle.Symbol).
			Str("timeframe", candle.Timeframe).
			Str("reason", reason).
			Msg("signal candidate rejected")
	}
}

// Evaluate runs the full pipeline over a closed-candle window. It returns
// the emitted signal, or nil plus the reject reason.
func (f *Fuser) Evaluate(symbol, timeframe string, window []market.Candle) (*Signal, string) {
	if len(window) < f.cfg.MinCandles {
		return nil, f.reject(RejectInsufficientData)
	}

	lock := f.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	now := f.now()
	key := symbol + ":" + timeframe

	// Cooldown first: within the window we do not even analyze.
	f.mu.Lock()
	last, hasLast := f.lastByKey[key]
	f.mu.Unlock()
	if hasLast && now.Sub(last) < f.cfg.Cooldown {
		return nil, f.reject(RejectCooldown)
	}

	results := make(map[string]analyzers.Result, len(f.analyzers))
	for _, a := range f.analyzers {
		results[a.Name()] = a.Analyze(window)
	}

	direction, tier, confidence := f.fuse(results)
	if tier == "" {
		return nil, f.reject(RejectNoAgreement)
	}
	for _, r := range results {
		if r.Actionable() && r.Direction == direction.Opposite() {
			return nil, f.reject(RejectContradicted)
		}
	}
	if confidence < f.cfg.MinConfidence {
		return nil, f.reject(RejectLowConfidence)
	}

	if f.cfg.PreventConflicts {
		f.mu.Lock()
		stamp, ok := f.lastBySymbol[symbol]
		f.mu.Unlock()
		if ok && stamp.direction == direction.Opposite() && now.Sub(stamp.at) < f.cfg.ConflictWindow {
			return nil, f.reject(RejectConflict)
		}
	}

	entry := window[len(window)-1].Close
	atr, err := indicators.ATR(window, f.cfg.ATRPeriod)
	if err != nil {
		return nil, f.reject(RejectDegenerateLevels)
	}
	levels, ok := computeLevels(direction, entry, atr, f.cfg.StopATRMult, f.cfg.TargetATRMult)
	if !ok {
		return nil, f.reject(RejectDegenerateLevels)
	}

	sig := &Signal{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Timeframe:  timeframe,
		Direction:  direction,
		Tier:       tier,
		Confidence: confidence,
		Entry:      entry,
		StopLoss:   levels.stop,
		TP1:        levels.tp1,
		TP2:        levels.tp2,
		TP3:        levels.tp3,
		ATR:        atr,
		Analyzers:  results,
		CreatedAt:  now,
	}

	if f.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := f.store.InsertSignal(ctx, sig); err != nil {
			f.log.Error().Err(err).Str("symbol", symbol).Msg("signal insert failed")
		}
		cancel()
	}
	if f.publisher != nil {
		f.publisher.PublishSignal(sig)
	}

	f.mu.Lock()
	f.lastByKey[key] = now
	f.lastBySymbol[symbol] = symbolStamp{direction: direction, at: now}
	f.emitted++
	f.mu.Unlock()
	metrics.SignalsEmitted.WithLabelValues(symbol, string(direction), tier).Inc()

	return sig, ""
}

// fuse walks the tier ladder; the first matching tier wins.
func (f *Fuser) fuse(results map[string]analyzers.Result) (analyzers.Direction, string, float64) {
	w := results["wyckoff"]
	e := results["elliott"]
	r := results["rsi"]
	m := results["macd"]

	// Tier 1: both structural analyzers agree; agreeing indicators add a
	// small bonus each, capped at 0.95.
	if w.Actionable() && e.Actionable() && w.Direction == e.Direction {
		dir := w.Direction
		conf := (w.Confidence + e.Confidence) / 2
		if r.Direction == dir {
			conf += 0.05
		}
		if m.Direction == dir {
			conf += 0.05
		}
		return dir, "1", math.Min(0.95, conf)
	}

	// Tiers 2 and 3 need both indicators in agreement; tier 2 adds one
	// agreeing structural analyzer. Confidence is the plain average of the
	// agreeing votes.
	if r.Actionable() && m.Actionable() && r.Direction == m.Direction {
		dir := r.Direction
		if w.Direction == dir || e.Direction == dir {
			sum := r.Confidence + m.Confidence
			n := 2.0
			if w.Direction == dir {
				sum += w.Confidence
				n++
			}
			if e.Direction == dir {
				sum += e.Confidence
				n++
			}
			return dir, "2", clamp01(sum / n)
		}
		return dir, "3", clamp01((r.Confidence + m.Confidence) / 2)
	}

	// Tier 3.5: a single strong indicator, discounted.
	if r.Actionable() && r.Confidence >= f.cfg.RSISoloConfidence {
		return r.Direction, "3.5", clamp01(0.85 * r.Confidence)
	}
	if m.Actionable() && m.Confidence >= f.cfg.MACDSoloConfidence {
		return m.Direction, "3.5", clamp01(0.85 * m.Confidence)
	}

	// Tier 4: a strong structural analyzer on its own, Wyckoff first.
	if w.Actionable() && w.Confidence >= f.cfg.WyckoffSoloConfidence {
		return w.Direction, "4", clamp01(0.9 * w.Confidence)
	}
	if e.Actionable() && e.Confidence >= f.cfg.ElliottSoloConfidence {
		return e.Direction, "4", clamp01(0.9 * e.Confidence)
	}

	return analyzers.DirectionNone, "", 0
}

type levelSet struct {
	stop, tp1, tp2, tp3 float64
}

// computeLevels derives the stop and the take-profit ladder from ATR.
// The ordering must be strict: stop < entry < tp1 < tp2 < tp3 for LONG,
// mirrored for SHORT.
func computeLevels(dir analyzers.Direction, entry, atr, stopMult, targetMult float64) (levelSet, bool) {
	if !finite(entry) || !finite(atr) || atr <= 0 || entry <= 0 {
		return levelSet{}, false
	}

	stopDist := stopMult * atr
	tpDist := targetMult * atr

	var ls levelSet
	switch dir {
	case analyzers.DirectionLong:
		ls = levelSet{
			stop: entry - stopDist,
			tp1:  entry + tpDist,
			tp2:  entry + 2*tpDist,
			tp3:  entry + 3*tpDist,
		}
		if !(ls.stop < entry && entry < ls.tp1 && ls.tp1 < ls.tp2 && ls.tp2 < ls.tp3) {
			return levelSet{}, false
		}
	case analyzers.DirectionShort:
		ls = levelSet{
			stop: entry + stopDist,
			tp1:  entry - tpDist,
			tp2:  entry - 2*tpDist,
			tp3:  entry - 3*tpDist,
		}
		if !(ls.stop > entry && entry > ls.tp1 && ls.tp1 > ls.tp2 && ls.tp2 > ls.tp3) {
			return levelSet{}, false
		}
	default:
		return levelSet{}, false
	}

	for _, v := range []float64{ls.stop, ls.tp1, ls.tp2, ls.tp3} {
		if !finite(v) {
			return levelSet{}, false
		}
	}
	return ls, true
}

// Status returns a snapshot of counters and stamps.
func (f *Fuser) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := Status{
		Emitted:      f.emitted,
		Rejected:     make(map[string]uint64, len(f.rejected)),
		LastByKey:    make(map[string]time.Time, len(f.lastByKey)),
		LastBySymbol: make(map[string]string, len(f.lastBySymbol)),
	}
	for k, v := range f.rejected {
		st.Rejected[k] = v
	}
	for k, v := range f.lastByKey {
		st.LastByKey[k] = v
	}
	for k, v := range f.lastBySymbol {
		st.LastBySymbol[k] = string(v.direction)
	}
	return st
}

func (f *Fuser) reject(reason string) string {
	f.mu.Lock()
	f.rejected[reason]++
	f.mu.Unlock()
	metrics.SignalRejects.WithLabelValues(reason).Inc()
	return reason
}

func (f *Fuser) symbolLock(symbol string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		f.symbolLocks[symbol] = lock
	}
	return lock
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
