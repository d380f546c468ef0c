package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"GapSentinel/internal/model"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCache shares series between scanner processes through Redis.
// Entries are JSON-encoded and expire through Redis TTL.
type RedisCache struct {
	cli    redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisCache connects to Redis.
func NewRedisCache(cfg RedisConfig, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisCacheWithClient(rdb, cfg.Prefix, ttl)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(cli redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "gapsentinel"
	}
	return &RedisCache{cli: cli, ttl: ttl, prefix: prefix, now: time.Now}
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisCache) Close() error {
	return r.cli.Close()
}

func (r *RedisCache) key(pair model.Pair) string {
	return fmt.Sprintf("%s:series:%s:%s", r.prefix, pair.Symbol, pair.Timeframe)
}

// Get treats Redis errors as a miss so an unreachable cache degrades to
// direct fetching.
func (r *RedisCache) Get(ctx context.Context, pair model.Pair) (model.CandleSeries, bool) {
	b, err := r.cli.Get(ctx, r.key(pair)).Bytes()
	if err != nil {
		return model.CandleSeries{}, false
	}
	var s model.CandleSeries
	if err := json.Unmarshal(b, &s); err != nil {
		return model.CandleSeries{}, false
	}
	if r.now().Sub(s.FetchedAt) >= r.ttl {
		return model.CandleSeries{}, false
	}
	return s, true
}

func (r *RedisCache) Put(ctx context.Context, series model.CandleSeries) error {
	remaining := r.ttl - r.now().Sub(series.FetchedAt)
	if remaining <= 0 {
		return nil
	}
	b, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal series: %w", err)
	}
	if err := r.cli.Set(ctx, r.key(series.Pair()), b, remaining).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
