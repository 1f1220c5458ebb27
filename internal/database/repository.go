package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"wyckoff-signal-bot/internal/analyzers"
	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
	"wyckoff-signal-bot/internal/market"
)

// Repository provides data access for candles and signals
type Repository struct {
	db  *DB
	log *logging.Logger

	mu        sync.RWMutex
	symbolIDs map[string]int
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:        db,
		log:       logging.WithComponent("repository"),
		symbolIDs: make(map[string]int),
	}
}

// SymbolID interns a symbol and returns its id. Results are cached for
// the life of the process.
func (r *Repository) SymbolID(ctx context.Context, symbol string) (int, error) {
	r.mu.RLock()
	id, ok := r.symbolIDs[symbol]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO symbols (symbol) VALUES ($1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id
	`, symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("intern symbol %s: %w", symbol, err)
	}

	r.mu.Lock()
	r.symbolIDs[symbol] = id
	r.mu.Unlock()
	return id, nil
}

// UpsertCandle inserts a closed candle. A candle that already exists for
// the same (symbol, timeframe, open_time) is treated as success.
func (r *Repository) UpsertCandle(ctx context.Context, c market.Candle) error {
	symbolID, err := r.SymbolID(ctx, c.Symbol)
	if err != nil {
		return err
	}

	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO candles (symbol_id, timeframe, open_time, close_time,
			open, high, low, close, volume, quote_volume, trades)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol_id, timeframe, open_time) DO NOTHING
	`, symbolID, c.Timeframe, c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.Trades)
	if err != nil {
		return fmt.Errorf("upsert candle %s@%d: %w", c.Key(), c.OpenTime, err)
	}

	if tag.RowsAffected() == 0 {
		r.log.Info("duplicate candle ignored",
			"key", c.Key(), "open_time", c.OpenTime)
	}
	return nil
}

// BulkUpsertCandles inserts a batch of candles (warm-start persistence).
// Duplicates are skipped silently.
func (r *Repository) BulkUpsertCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	symbolID, err := r.SymbolID(ctx, candles[0].Symbol)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO candles (symbol_id, timeframe, open_time, close_time,
				open, high, low, close, volume, quote_volume, trades)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol_id, timeframe, open_time) DO NOTHING
		`, symbolID, c.Timeframe, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.Trades)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bulk upsert candles: %w", err)
		}
	}
	return nil
}

// CandleRange returns closed candles for a key ordered by open_time
// ascending, bounded by [fromMs, toMs) when non-zero.
func (r *Repository) CandleRange(ctx context.Context, symbol, timeframe string, fromMs, toMs int64, limit int) ([]market.Candle, error) {
	symbolID, err := r.SymbolID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10000
	}
	if toMs == 0 {
		toMs = 1<<63 - 1
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trades
		FROM candles
		WHERE symbol_id = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC
		LIMIT $5
	`, symbolID, timeframe, fromMs, toMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query candle range: %w", err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		c := market.Candle{Symbol: symbol, Timeframe: timeframe, IsFinal: true}
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low,
			&c.Close, &c.Volume, &c.QuoteVolume, &c.Trades); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// DeleteCandlesBefore removes candles older than cutoffMs (retention).
func (r *Repository) DeleteCandlesBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM candles WHERE open_time < $1`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete candles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertSignal persists an emitted signal.
func (r *Repository) InsertSignal(ctx context.Context, sig *fuser.Signal) error {
	analyzersJSON, err := json.Marshal(sig.Analyzers)
	if err != nil {
		return fmt.Errorf("marshal analyzer results: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO signals (id, symbol, timeframe, direction, tier, confidence,
			entry, stop_loss, tp1, tp2, tp3, atr, analyzers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sig.ID, sig.Symbol, sig.Timeframe, string(sig.Direction), sig.Tier, sig.Confidence,
		sig.Entry, sig.StopLoss, sig.TP1, sig.TP2, sig.TP3, sig.ATR, analyzersJSON, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// RecentSignals returns the newest signals, optionally filtered by symbol
// and timeframe.
func (r *Repository) RecentSignals(ctx context.Context, symbol, timeframe string, limit int) ([]fuser.Signal, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, symbol, timeframe, direction, tier, confidence,
			entry, stop_loss, tp1, tp2, tp3, atr, analyzers, created_at
		FROM signals
	`
	args := []interface{}{}
	where := ""
	if symbol != "" {
		args = append(args, symbol)
		where = fmt.Sprintf("WHERE symbol = $%d", len(args))
	}
	if timeframe != "" {
		args = append(args, timeframe)
		if where == "" {
			where = fmt.Sprintf("WHERE timeframe = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND timeframe = $%d", len(args))
		}
	}
	args = append(args, limit)
	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// LatestSignalPerSymbol returns each symbol's newest signal, used to
// restore conflict stamps after a restart.
func (r *Repository) LatestSignalPerSymbol(ctx context.Context) ([]fuser.Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (symbol)
			id, symbol, timeframe, direction, tier, confidence,
			entry, stop_loss, tp1, tp2, tp3, atr, analyzers, created_at
		FROM signals
		ORDER BY symbol, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func scanSignals(rows pgx.Rows) ([]fuser.Signal, error) {
	var signals []fuser.Signal
	for rows.Next() {
		var sig fuser.Signal
		var direction string
		var analyzersJSON []byte
		if err := rows.Scan(&sig.ID, &sig.Symbol, &sig.Timeframe, &direction, &sig.Tier,
			&sig.Confidence, &sig.Entry, &sig.StopLoss, &sig.TP1, &sig.TP2, &sig.TP3,
			&sig.ATR, &analyzersJSON, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Direction = analyzers.Direction(direction)
		if len(analyzersJSON) > 0 {
			if err := json.Unmarshal(analyzersJSON, &sig.Analyzers); err != nil {
				return nil, fmt.Errorf("unmarshal analyzer results: %w", err)
			}
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}
