package fuser

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wyckoff-signal-bot/internal/analyzers"
	"wyckoff-signal-bot/internal/market"
)

type stubAnalyzer struct {
	name   string
	result analyzers.Result
}

func (s stubAnalyzer) Name() string                           { return s.name }
func (s stubAnalyzer) Analyze([]market.Candle) analyzers.Result { return s.result }

func vote(name string, dir analyzers.Direction, conf float64) stubAnalyzer {
	return stubAnalyzer{name: name, result: analyzers.Result{Direction: dir, Confidence: conf}}
}

func silent(name string) stubAnalyzer {
	return stubAnalyzer{name: name, result: analyzers.None()}
}

type recordingStore struct {
	mu      sync.Mutex
	signals []*Signal
	fail    bool
}

func (s *recordingStore) InsertSignal(_ context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

type recordingPublisher struct {
	mu      sync.Mutex
	signals []*Signal
}

func (p *recordingPublisher) PublishSignal(sig *Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

// flatWindow yields n candles closing at price with a constant true range
// of 2, so ATR(14) is exactly 2.
func flatWindow(n int, price float64) []market.Candle {
	base := int64(1704067200000)
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  base + int64(i)*3600000,
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    100,
			IsFinal:   true,
		}
	}
	return out
}

type fixture struct {
	fuser *Fuser
	store *recordingStore
	pub   *recordingPublisher
	now   time.Time
}

func newFixture(t *testing.T, cfg Config, all []analyzers.Analyzer) *fixture {
	t.Helper()
	fx := &fixture{
		store: &recordingStore{},
		pub:   &recordingPublisher{},
		now:   time.Unix(1700000000, 0).UTC(),
	}
	fx.fuser = New(cfg, all, fx.store, fx.pub, zerolog.Nop())
	fx.fuser.SetClock(func() time.Time { return fx.now })
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	fx.now = fx.now.Add(d)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTierLadder(t *testing.T) {
	long := analyzers.DirectionLong
	short := analyzers.DirectionShort

	tests := []struct {
		name      string
		analyzers []analyzers.Analyzer
		wantTier  string
		wantDir   analyzers.Direction
		wantConf  float64
		wantErr   string
	}{
		{
			name: "tier 1 structural agreement with indicator bonuses",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.70), vote("elliott", long, 0.76),
				vote("rsi", long, 0.6), vote("macd", long, 0.6),
			},
			wantTier: "1", wantDir: long, wantConf: 0.83,
		},
		{
			name: "tier 1 without indicator bonuses",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.70), vote("elliott", long, 0.76),
				silent("rsi"), silent("macd"),
			},
			wantTier: "1", wantDir: long, wantConf: 0.73,
		},
		{
			name: "tier 1 confidence capped at 0.95",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.95), vote("elliott", long, 0.95),
				vote("rsi", long, 0.6), vote("macd", long, 0.6),
			},
			wantTier: "1", wantDir: long, wantConf: 0.95,
		},
		{
			name: "tier 2 one structural plus both indicators",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.8), silent("elliott"),
				vote("rsi", long, 0.7), vote("macd", long, 0.6),
			},
			wantTier: "2", wantDir: long, wantConf: (0.8 + 0.7 + 0.6) / 3,
		},
		{
			name: "tier 3 indicators only",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), silent("elliott"),
				vote("rsi", long, 0.7), vote("macd", long, 0.8),
			},
			wantTier: "3", wantDir: long, wantConf: 0.75,
		},
		{
			name: "tier 3.5 strong rsi alone",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), silent("elliott"),
				vote("rsi", short, 0.85), silent("macd"),
			},
			wantTier: "3.5", wantDir: short, wantConf: 0.85 * 0.85,
		},
		{
			name: "tier 3.5 strong macd alone",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), silent("elliott"),
				silent("rsi"), vote("macd", short, 0.8),
			},
			wantTier: "3.5", wantDir: short, wantConf: 0.85 * 0.8,
		},
		{
			name: "weak rsi alone does not reach tier 3.5",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), silent("elliott"),
				vote("rsi", long, 0.7), silent("macd"),
			},
			wantErr: RejectNoAgreement,
		},
		{
			// The ladder picks tier 3.5 on the strong RSI even though a
			// weak MACD is active; the contradiction sweep then kills it.
			name: "strong rsi against weak opposite macd is contradicted",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), silent("elliott"),
				vote("rsi", long, 0.85), vote("macd", short, 0.6),
			},
			wantErr: RejectContradicted,
		},
		{
			name: "tier 4 strong wyckoff alone",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.8), silent("elliott"),
				silent("rsi"), silent("macd"),
			},
			wantTier: "4", wantDir: long, wantConf: 0.9 * 0.8,
		},
		{
			name: "tier 4 strong elliott alone",
			analyzers: []analyzers.Analyzer{
				silent("wyckoff"), vote("elliott", short, 0.8),
				silent("rsi"), silent("macd"),
			},
			wantTier: "4", wantDir: short, wantConf: 0.9 * 0.8,
		},
		{
			name: "weak wyckoff alone does not reach tier 4",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.7), silent("elliott"),
				silent("rsi"), silent("macd"),
			},
			wantErr: RejectNoAgreement,
		},
		{
			name: "tier 3 contradicted by opposite wyckoff",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", short, 0.9), silent("elliott"),
				vote("rsi", long, 0.9), vote("macd", long, 0.9),
			},
			wantErr: RejectContradicted,
		},
		{
			name: "tier 1 contradicted by opposite macd",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.9), vote("elliott", long, 0.9),
				silent("rsi"), vote("macd", short, 0.9),
			},
			wantErr: RejectContradicted,
		},
		{
			name: "structural disagreement falls through",
			analyzers: []analyzers.Analyzer{
				vote("wyckoff", long, 0.7), vote("elliott", short, 0.7),
				silent("rsi"), silent("macd"),
			},
			wantErr: RejectNoAgreement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, DefaultConfig(), tt.analyzers)
			sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))

			if tt.wantErr != "" {
				if sig != nil {
					t.Fatalf("expected reject %q, got signal %+v", tt.wantErr, sig)
				}
				if reason != tt.wantErr {
					t.Fatalf("reason = %q, want %q", reason, tt.wantErr)
				}
				if fx.store.count() != 0 || fx.pub.count() != 0 {
					t.Error("rejected candidate produced side effects")
				}
				return
			}

			if sig == nil {
				t.Fatalf("expected signal, got reject %q", reason)
			}
			if sig.Tier != tt.wantTier {
				t.Errorf("tier = %s, want %s", sig.Tier, tt.wantTier)
			}
			if sig.Direction != tt.wantDir {
				t.Errorf("direction = %s, want %s", sig.Direction, tt.wantDir)
			}
			if !almostEqual(sig.Confidence, tt.wantConf) {
				t.Errorf("confidence = %v, want %v", sig.Confidence, tt.wantConf)
			}
		})
	}
}

func TestConfidenceThreshold(t *testing.T) {
	below := []analyzers.Analyzer{
		silent("wyckoff"), silent("elliott"),
		vote("rsi", analyzers.DirectionLong, 0.52), vote("macd", analyzers.DirectionLong, 0.54),
	}
	fx := newFixture(t, DefaultConfig(), below)
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig != nil || reason != RejectLowConfidence {
		t.Fatalf("0.53 confidence: sig=%v reason=%q, want low-confidence reject", sig, reason)
	}
	if fx.store.count() != 0 {
		t.Error("rejected candidate was persisted")
	}

	above := []analyzers.Analyzer{
		silent("wyckoff"), silent("elliott"),
		vote("rsi", analyzers.DirectionLong, 0.56), vote("macd", analyzers.DirectionLong, 0.56),
	}
	fx = newFixture(t, DefaultConfig(), above)
	sig, _ = fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig == nil {
		t.Fatal("0.56 confidence above threshold not emitted")
	}
}

func TestCooldownPerKey(t *testing.T) {
	all := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), all)
	window := flatWindow(120, 100)

	sig, _ := fx.fuser.Evaluate("BTCUSDT", "1h", window)
	if sig == nil {
		t.Fatal("first candidate not emitted")
	}

	fx.advance(200 * time.Second)
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", window)
	if sig != nil || reason != RejectCooldown {
		t.Fatalf("within cooldown: sig=%v reason=%q, want cooldown reject", sig, reason)
	}
	if fx.store.count() != 1 || fx.pub.count() != 1 {
		t.Error("cooldown reject produced side effects")
	}

	// A different timeframe for the same symbol has its own cooldown.
	sig, _ = fx.fuser.Evaluate("BTCUSDT", "4h", window)
	if sig == nil {
		t.Fatal("other timeframe blocked by unrelated cooldown")
	}

	fx.advance(101 * time.Second) // 301s since the 1h emission
	sig, _ = fx.fuser.Evaluate("BTCUSDT", "1h", window)
	if sig == nil {
		t.Fatal("candidate after cooldown expiry not emitted")
	}
}

func TestConflictPrevention(t *testing.T) {
	long := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	short := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionShort, 0.8), vote("elliott", analyzers.DirectionShort, 0.8),
		silent("rsi"), silent("macd"),
	}

	fx := newFixture(t, DefaultConfig(), long)
	window := flatWindow(120, 100)

	if sig, _ := fx.fuser.Evaluate("BTCUSDT", "1h", window); sig == nil {
		t.Fatal("initial LONG not emitted")
	}

	// Opposite direction on another timeframe within the window: blocked.
	shortFuser := fx.fuser
	shortFuser.analyzers = short
	fx.advance(400 * time.Second)
	sig, reason := shortFuser.Evaluate("BTCUSDT", "15m", window)
	if sig != nil || reason != RejectConflict {
		t.Fatalf("opposite within window: sig=%v reason=%q, want conflict reject", sig, reason)
	}

	// Other symbols are unaffected.
	if sig, _ := shortFuser.Evaluate("ETHUSDT", "15m", window); sig == nil {
		t.Fatal("conflict leaked across symbols")
	}

	// Same direction within the window is allowed and refreshes the stamp.
	shortFuser.analyzers = long
	fx.advance(2800 * time.Second) // t0+3200s
	if sig, _ := shortFuser.Evaluate("BTCUSDT", "4h", window); sig == nil {
		t.Fatal("same-direction emission within window blocked")
	}

	// 1000s after the refresh (t0+4200s, past the original stamp): the
	// refreshed stamp must still block an opposite signal.
	shortFuser.analyzers = short
	fx.advance(1000 * time.Second)
	sig, reason = shortFuser.Evaluate("BTCUSDT", "30m", window)
	if sig != nil || reason != RejectConflict {
		t.Fatalf("refreshed stamp not honored: sig=%v reason=%q", sig, reason)
	}

	// Past the refreshed window the opposite direction flows again.
	fx.advance(3700 * time.Second)
	if sig, _ := shortFuser.Evaluate("BTCUSDT", "30m", window); sig == nil {
		t.Fatal("opposite signal blocked after conflict window expiry")
	}
}

func TestLevelComputation(t *testing.T) {
	long := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), long)

	sig, _ := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig == nil {
		t.Fatal("signal not emitted")
	}
	// ATR is exactly 2: SL = 100-4, TP ladder = 106/112/118.
	if !almostEqual(sig.ATR, 2) {
		t.Fatalf("ATR = %v, want 2", sig.ATR)
	}
	if !almostEqual(sig.Entry, 100) || !almostEqual(sig.StopLoss, 96) ||
		!almostEqual(sig.TP1, 106) || !almostEqual(sig.TP2, 112) || !almostEqual(sig.TP3, 118) {
		t.Errorf("levels = entry %v sl %v tp %v/%v/%v, want 100/96/106/112/118",
			sig.Entry, sig.StopLoss, sig.TP1, sig.TP2, sig.TP3)
	}

	short := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionShort, 0.8), vote("elliott", analyzers.DirectionShort, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx = newFixture(t, DefaultConfig(), short)
	sig, _ = fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig == nil {
		t.Fatal("short signal not emitted")
	}
	if !almostEqual(sig.StopLoss, 104) ||
		!almostEqual(sig.TP1, 94) || !almostEqual(sig.TP2, 88) || !almostEqual(sig.TP3, 82) {
		t.Errorf("short levels = sl %v tp %v/%v/%v, want 104/94/88/82",
			sig.StopLoss, sig.TP1, sig.TP2, sig.TP3)
	}
}

func TestDegenerateLevelsRejected(t *testing.T) {
	long := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), long)

	// Zero-range candles: ATR is 0, no usable levels.
	window := flatWindow(120, 100)
	for i := range window {
		window[i].High = 100
		window[i].Low = 100
	}
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", window)
	if sig != nil || reason != RejectDegenerateLevels {
		t.Fatalf("zero ATR: sig=%v reason=%q, want degenerate-levels", sig, reason)
	}
	if fx.store.count() != 0 || fx.pub.count() != 0 {
		t.Error("degenerate candidate produced side effects")
	}
}

func TestInsufficientDataSkipsAnalysis(t *testing.T) {
	all := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.9), vote("elliott", analyzers.DirectionLong, 0.9),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), all)
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(50, 100))
	if sig != nil || reason != RejectInsufficientData {
		t.Fatalf("short window: sig=%v reason=%q", sig, reason)
	}
}

// A solo RSI extreme (RSI 25 -> confidence 0.5 + 5/30) emits a tier 3.5
// signal at 0.85 * 0.6667 = 0.5667 when the solo gate is configured low
// enough to admit it.
func TestSoloRSIScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RSISoloConfidence = 0.60

	rsiConf := 0.5 + 5.0/30.0
	all := []analyzers.Analyzer{
		silent("wyckoff"), silent("elliott"),
		vote("rsi", analyzers.DirectionLong, rsiConf), silent("macd"),
	}
	fx := newFixture(t, cfg, all)
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig == nil {
		t.Fatalf("expected tier 3.5 emission, got %q", reason)
	}
	if sig.Tier != "3.5" {
		t.Errorf("tier = %s, want 3.5", sig.Tier)
	}
	if !almostEqual(sig.Confidence, 0.85*rsiConf) {
		t.Errorf("confidence = %v, want %v", sig.Confidence, 0.85*rsiConf)
	}
}

func TestStoreFailureDoesNotBlockEmission(t *testing.T) {
	all := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), all)
	fx.store.fail = true

	sig, _ := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100))
	if sig == nil {
		t.Fatal("store failure suppressed the signal")
	}
	if fx.pub.count() != 1 {
		t.Error("publisher not invoked despite store failure")
	}

	// Stamps were still recorded: cooldown applies.
	fx.advance(100 * time.Second)
	if sig, reason := fx.fuser.Evaluate("BTCUSDT", "1h", flatWindow(120, 100)); sig != nil || reason != RejectCooldown {
		t.Errorf("cooldown not armed after store failure: sig=%v reason=%q", sig, reason)
	}
}

func TestRestoreSeedsStamps(t *testing.T) {
	short := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionShort, 0.8), vote("elliott", analyzers.DirectionShort, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), short)

	// A LONG persisted 10 minutes before restart still blocks a SHORT.
	fx.fuser.Restore("BTCUSDT", "1h", analyzers.DirectionLong, fx.now.Add(-10*time.Minute))
	sig, reason := fx.fuser.Evaluate("BTCUSDT", "4h", flatWindow(120, 100))
	if sig != nil || reason != RejectConflict {
		t.Fatalf("restored stamp ignored: sig=%v reason=%q", sig, reason)
	}
}

func TestStatusSnapshot(t *testing.T) {
	all := []analyzers.Analyzer{
		vote("wyckoff", analyzers.DirectionLong, 0.8), vote("elliott", analyzers.DirectionLong, 0.8),
		silent("rsi"), silent("macd"),
	}
	fx := newFixture(t, DefaultConfig(), all)
	window := flatWindow(120, 100)

	if sig, _ := fx.fuser.Evaluate("BTCUSDT", "1h", window); sig == nil {
		t.Fatal("signal not emitted")
	}
	fx.advance(10 * time.Second)
	fx.fuser.Evaluate("BTCUSDT", "1h", window) // cooldown reject

	st := fx.fuser.Status()
	if st.Emitted != 1 {
		t.Errorf("emitted = %d, want 1", st.Emitted)
	}
	if st.Rejected[RejectCooldown] != 1 {
		t.Errorf("cooldown rejects = %d, want 1", st.Rejected[RejectCooldown])
	}
	if st.LastBySymbol["BTCUSDT"] != string(analyzers.DirectionLong) {
		t.Errorf("last direction = %q, want LONG", st.LastBySymbol["BTCUSDT"])
	}
	if _, ok := st.LastByKey["BTCUSDT:1h"]; !ok {
		t.Error("missing cooldown stamp for BTCUSDT:1h")
	}
}
