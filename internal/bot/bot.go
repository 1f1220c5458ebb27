// Package bot wires the pipeline together: history warm start, websocket
// ingestion, candle aggregation, signal fusion, persistence, caching,
// notifications and the status API.
package bot

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wyckoff-signal-bot/config"
	"wyckoff-signal-bot/internal/analyzers"
	"wyckoff-signal-bot/internal/api"
	"wyckoff-signal-bot/internal/binance"
	"wyckoff-signal-bot/internal/cache"
	"wyckoff-signal-bot/internal/database"
	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
	"wyckoff-signal-bot/internal/market"
	"wyckoff-signal-bot/internal/metrics"
	"wyckoff-signal-bot/internal/notification"
)

// Bot owns the pipeline components and their lifecycle.
type Bot struct {
	cfg *config.Config
	log *logging.Logger

	db       *database.DB
	repo     *database.Repository
	cache    *cache.SignalCache
	notifier *notification.Manager

	aggregator *market.Aggregator
	fuser      *fuser.Fuser
	client     *binance.Client
	stream     *binance.StreamClient
	apiServer  *api.Server

	started time.Time
}

type nopCandleStore struct{}

func (nopCandleStore) UpsertCandle(context.Context, market.Candle) error { return nil }

type nopSignalStore struct{}

func (nopSignalStore) InsertSignal(context.Context, *fuser.Signal) error { return nil }

// signalPublisher fans an emitted signal out to notifiers and the Redis
// mirror. Both sides are best effort.
type signalPublisher struct {
	notifier *notification.Manager
	cache    *cache.SignalCache
}

func (p *signalPublisher) PublishSignal(sig *fuser.Signal) {
	p.notifier.PublishSignal(sig)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.cache.RecordSignal(ctx, sig)
}

// New builds the pipeline from configuration. Nothing starts running
// until Start is called.
func New(cfg *config.Config) (*Bot, error) {
	b := &Bot{
		cfg: cfg,
		log: logging.WithComponent("bot"),
	}

	var candleStore market.CandleStore = nopCandleStore{}
	var signalStore fuser.SignalStore = nopSignalStore{}

	if cfg.Database.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		b.db = db
		b.repo = database.NewRepository(db)
		candleStore = b.repo
		signalStore = b.repo
	} else {
		b.log.Warn("database disabled, candles and signals will not be persisted")
	}

	sc, err := cache.NewSignalCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("init signal cache: %w", err)
	}
	b.cache = sc

	b.notifier = notification.NewManager()
	b.notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
		Enabled:  cfg.Notifications.Telegram.Enabled,
	}))
	b.notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		WebhookURL: cfg.Notifications.Discord.WebhookURL,
		Enabled:    cfg.Notifications.Discord.Enabled,
	}))

	b.aggregator = market.NewAggregator(market.AggregatorConfig{
		WindowSize: cfg.Signals.WindowSize,
		Workers:    cfg.Signals.Workers,
	}, candleStore)
	b.aggregator.SetCommitHook(func(c market.Candle) {
		metrics.CandlesClosed.WithLabelValues(c.Timeframe).Inc()
	})

	fuserLog := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("component", "fuser").
		Logger()

	b.fuser = fuser.New(fuser.Config{
		MinCandles:            cfg.Signals.MinCandles,
		MinConfidence:         cfg.Signals.MinConfidence,
		Cooldown:              time.Duration(cfg.Signals.CooldownSeconds) * time.Second,
		ConflictWindow:        time.Duration(cfg.Signals.ConflictWindowSeconds) * time.Second,
		PreventConflicts:      cfg.Signals.PreventConflicts,
		ATRPeriod:             cfg.Signals.ATRPeriod,
		StopATRMult:           cfg.Signals.StopATRMult,
		TargetATRMult:         cfg.Signals.TargetATRMult,
		RSISoloConfidence:     cfg.Signals.RSISoloConfidence,
		MACDSoloConfidence:    cfg.Signals.MACDSoloConfidence,
		WyckoffSoloConfidence: cfg.Signals.WyckoffSoloConfidence,
		ElliottSoloConfidence: cfg.Signals.ElliottSoloConfidence,
	}, buildAnalyzers(cfg), signalStore, &signalPublisher{notifier: b.notifier, cache: b.cache}, fuserLog)

	b.aggregator.OnClose(b.fuser.OnCandleClose)

	b.client = binance.NewClient(cfg.Binance.BaseURL)

	if cfg.API.Enabled {
		b.apiServer = api.NewServer(api.ServerConfig{
			Listen:         cfg.API.Listen,
			ProductionMode: true,
		}, b)
	}

	return b, nil
}

func buildAnalyzers(cfg *config.Config) []analyzers.Analyzer {
	var all []analyzers.Analyzer
	if cfg.Signals.EnableWyckoff {
		all = append(all, analyzers.NewWyckoffAnalyzer())
	}
	if cfg.Signals.EnableElliott {
		all = append(all, analyzers.NewElliottAnalyzer())
	}
	if cfg.Signals.EnableRSI {
		all = append(all, analyzers.NewRSIAnalyzer())
	}
	if cfg.Signals.EnableMACD {
		all = append(all, analyzers.NewMACDAnalyzer())
	}
	return all
}

// Start restores conflict state, warm-starts every window from REST
// history and opens the websocket stream.
func (b *Bot) Start(ctx context.Context) error {
	b.started = time.Now()

	if b.repo != nil {
		b.restoreSignalState(ctx)
	}

	if err := b.warmStart(ctx); err != nil {
		return err
	}

	streams := make([]string, 0, len(b.cfg.Signals.Symbols)*len(b.cfg.Signals.Timeframes))
	for _, symbol := range b.cfg.Signals.Symbols {
		for _, tf := range b.cfg.Signals.Timeframes {
			streams = append(streams, market.StreamName(symbol, tf))
		}
	}

	stream, err := binance.NewStreamClient(b.cfg.Binance.WSURL, streams, func(c market.Candle) {
		if err := b.aggregator.Update(c); err != nil {
			b.log.Warn("candle update rejected", "key", c.Key(), "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("create stream client: %w", err)
	}
	b.stream = stream
	b.stream.Start()

	if b.apiServer != nil {
		if err := b.apiServer.Start(); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
	}

	b.log.Info("pipeline started",
		"symbols", len(b.cfg.Signals.Symbols),
		"timeframes", len(b.cfg.Signals.Timeframes),
		"streams", len(streams))
	b.notifier.SendInfo("Signal bot started",
		fmt.Sprintf("Watching %s on %s",
			strings.Join(b.cfg.Signals.Symbols, ", "),
			strings.Join(b.cfg.Signals.Timeframes, ", ")))
	return nil
}

// restoreSignalState reseeds conflict stamps from the newest persisted
// signal per symbol so a restart does not forget recent emissions.
func (b *Bot) restoreSignalState(ctx context.Context) {
	signals, err := b.repo.LatestSignalPerSymbol(ctx)
	if err != nil {
		b.log.Warn("signal state restore failed", "error", err.Error())
		return
	}

	window := time.Duration(b.cfg.Signals.ConflictWindowSeconds) * time.Second
	restored := 0
	for _, sig := range signals {
		if time.Since(sig.CreatedAt) > window {
			continue
		}
		b.fuser.Restore(sig.Symbol, sig.Timeframe, sig.Direction, sig.CreatedAt)
		logging.SignalContext(sig.Symbol, sig.Timeframe, string(sig.Direction), sig.Confidence).
			Info("conflict stamp restored", "created_at", sig.CreatedAt)
		restored++
	}
	if restored > 0 {
		b.log.Info("signal state restored", "symbols", restored)
	}
}

func (b *Bot) warmStart(ctx context.Context) error {
	for _, symbol := range b.cfg.Signals.Symbols {
		for _, tf := range b.cfg.Signals.Timeframes {
			candles, err := b.client.GetKlines(ctx, symbol, tf, b.cfg.Signals.HistoryLimit)
			if err != nil {
				// A key without history starts cold and fills from the
				// stream; the fuser's min-candle gate holds it back.
				b.log.Warn("history fetch failed, starting cold",
					"symbol", symbol, "timeframe", tf, "error", err.Error())
				continue
			}

			if err := b.aggregator.WarmStart(candles); err != nil {
				b.log.Warn("warm start rejected",
					"symbol", symbol, "timeframe", tf, "error", err.Error())
				continue
			}

			if b.repo != nil && len(candles) > 1 {
				// Persist all but the newest candle; the newest is still
				// pending and will be stored when it commits.
				if err := b.repo.BulkUpsertCandles(ctx, candles[:len(candles)-1]); err != nil {
					b.log.Warn("history persistence failed",
						"symbol", symbol, "timeframe", tf, "error", err.Error())
				}
			}

			b.log.Info("window warmed",
				"symbol", symbol, "timeframe", tf, "candles", len(candles))
		}
	}
	return nil
}

// Stop shuts the pipeline down in dependency order: stream first so no
// new events arrive, then the aggregator drains in-flight closes.
func (b *Bot) Stop() {
	b.log.Info("shutting down")

	if b.stream != nil {
		b.stream.Stop()
	}
	if !b.aggregator.Drain(5 * time.Second) {
		b.log.Warn("aggregator drain timed out, some close events may be lost")
	}

	if b.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.apiServer.Shutdown(ctx); err != nil {
			b.log.Warn("api shutdown", "error", err.Error())
		}
		cancel()
	}

	b.notifier.SendInfo("Signal bot stopped", "Shutting down cleanly")

	if b.cache != nil {
		b.cache.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
	b.log.Info("shutdown complete")
}

// Status implements the API's pipeline view.
func (b *Bot) Status() map[string]interface{} {
	status := map[string]interface{}{
		"uptime":     time.Since(b.started).Round(time.Second).String(),
		"symbols":    b.cfg.Signals.Symbols,
		"timeframes": b.cfg.Signals.Timeframes,
		"candles":    b.aggregator.Stats(),
		"committed":  b.aggregator.CommittedTotal(),
		"signals":    b.fuser.Status(),
		"database":   b.repo != nil,
		"cache":      b.cache.Enabled(),
	}
	if b.stream != nil {
		status["stream"] = b.stream.Status()
	}
	return status
}

// RecentSignals serves the API's signal listing. Falls back to the Redis
// mirror when the database is disabled.
func (b *Bot) RecentSignals(ctx context.Context, symbol, timeframe string, limit int) ([]fuser.Signal, error) {
	if b.repo != nil {
		return b.repo.RecentSignals(ctx, symbol, timeframe, limit)
	}

	cached := b.cache.RecentSignals(ctx, limit)
	if symbol == "" && timeframe == "" {
		return cached, nil
	}
	filtered := cached[:0]
	for _, sig := range cached {
		if symbol != "" && sig.Symbol != symbol {
			continue
		}
		if timeframe != "" && sig.Timeframe != timeframe {
			continue
		}
		filtered = append(filtered, sig)
	}
	return filtered, nil
}
