// Package cache mirrors recent signal state to Redis. The cache is an
// accelerator, never a source of truth: when Redis is unavailable every
// operation degrades to a no-op and the service keeps running.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wyckoff-signal-bot/internal/fuser"
	"wyckoff-signal-bot/internal/logging"
)

const (
	lastSignalKeyPrefix = "signal:last:"
	recentSignalsKey    = "signals:recent"
	recentSignalsCap    = 100
	lastSignalTTL       = 24 * time.Hour
	probeInterval       = 30 * time.Second
)

// SignalCache stores the latest signal per symbol and a capped list of
// recent signals.
type SignalCache struct {
	client *redis.Client
	log    *logging.Logger

	mu        sync.Mutex
	healthy   bool
	lastProbe time.Time
}

// NewSignalCache connects to Redis. An empty URL disables the cache.
func NewSignalCache(redisURL string) (*SignalCache, error) {
	c := &SignalCache{log: logging.WithComponent("signal-cache")}
	if redisURL == "" {
		c.log.Info("redis not configured, signal cache disabled")
		return c, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	c.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		// Degraded from the start; periodic probes may recover it.
		c.log.Warn("redis unreachable, starting degraded", "error", err.Error())
		return c, nil
	}

	c.healthy = true
	c.log.Info("signal cache connected")
	return c, nil
}

// Enabled reports whether a Redis client is configured at all.
func (c *SignalCache) Enabled() bool {
	return c.client != nil
}

// available checks health, re-probing the connection at most once per
// probe interval after a failure.
func (c *SignalCache) available(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		return true
	}
	if time.Since(c.lastProbe) < probeInterval {
		return false
	}
	c.lastProbe = time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return false
	}
	c.healthy = true
	c.log.Info("signal cache recovered")
	return true
}

func (c *SignalCache) markUnhealthy(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		c.log.Warn("signal cache degraded", "error", err.Error())
	}
	c.healthy = false
	c.lastProbe = time.Now()
}

// RecordSignal mirrors an emitted signal. Best effort.
func (c *SignalCache) RecordSignal(ctx context.Context, sig *fuser.Signal) {
	if !c.available(ctx) {
		return
	}

	data, err := json.Marshal(sig)
	if err != nil {
		c.log.Error("marshal signal for cache", "error", err.Error())
		return
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, lastSignalKeyPrefix+sig.Symbol, data, lastSignalTTL)
	pipe.LPush(ctx, recentSignalsKey, data)
	pipe.LTrim(ctx, recentSignalsKey, 0, recentSignalsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.markUnhealthy(err)
	}
}

// LastSignal returns the newest cached signal for a symbol, or nil.
func (c *SignalCache) LastSignal(ctx context.Context, symbol string) *fuser.Signal {
	if !c.available(ctx) {
		return nil
	}

	data, err := c.client.Get(ctx, lastSignalKeyPrefix+symbol).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.markUnhealthy(err)
		}
		return nil
	}

	var sig fuser.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Error("corrupt cached signal dropped", "symbol", symbol, "error", err.Error())
		return nil
	}
	return &sig
}

// RecentSignals returns up to limit cached signals, newest first.
func (c *SignalCache) RecentSignals(ctx context.Context, limit int) []fuser.Signal {
	if !c.available(ctx) {
		return nil
	}
	if limit <= 0 || limit > recentSignalsCap {
		limit = recentSignalsCap
	}

	raw, err := c.client.LRange(ctx, recentSignalsKey, 0, int64(limit-1)).Result()
	if err != nil {
		c.markUnhealthy(err)
		return nil
	}

	signals := make([]fuser.Signal, 0, len(raw))
	for _, item := range raw {
		var sig fuser.Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			continue
		}
		signals = append(signals, sig)
	}
	return signals
}

// Close releases the Redis connection.
func (c *SignalCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
