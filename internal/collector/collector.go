// Package collector acquires candle series for many (symbol, timeframe)
// pairs concurrently, serving what it can from the cache.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"GapSentinel/internal/cache"
	"GapSentinel/internal/candles"
	"GapSentinel/internal/model"
)

// Options configure fetching.
type Options struct {
	Workers          int
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	AttemptTimeout   time.Duration
	Lookback         int
	AllowSessionGaps bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:          5,
		MaxAttempts:      3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		AttemptTimeout:   15 * time.Second,
		Lookback:         100,
		AllowSessionGaps: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = d.AttemptTimeout
	}
	if o.Lookback < candles.MinLength {
		o.Lookback = d.Lookback
	}
	return o
}

// Outcome is the result of acquiring one pair. Exactly one of Series and
// Err is meaningful.
type Outcome struct {
	Series    model.CandleSeries
	Err       error
	Attempts  int
	FromCache bool
	Duration  time.Duration
}

// Collector orchestrates cache lookups, provider fetches and validation.
type Collector struct {
	provider Provider
	cache    cache.SeriesCache
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewCollector creates a new Collector. A nil cache disables caching.
func NewCollector(p Provider, c cache.SeriesCache, opts Options, log zerolog.Logger) *Collector {
	return &Collector{
		provider: p,
		cache:    c,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "collector").Str("provider", p.Name()).Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source used to stamp fetched series.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Provider returns the upstream source.
func (c *Collector) Provider() Provider { return c.provider }

// FetchAll returns one outcome per requested pair. Pairs are fetched by a
// bounded pool; one pair's failure never affects its siblings. FetchAll
// returns only after every pair has an outcome.
func (c *Collector) FetchAll(ctx context.Context, pairs []model.Pair) map[model.Pair]Outcome {
	results := make([]Outcome, len(pairs))

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, pair := range pairs {
		if c.cache != nil {
			if s, ok := c.cache.Get(ctx, pair); ok {
				results[i] = Outcome{Series: s, FromCache: true}
				continue
			}
		}
		g.Go(func() error {
			results[i] = c.fetchOne(ctx, pair)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[model.Pair]Outcome, len(pairs))
	for i, pair := range pairs {
		out[pair] = results[i]
	}
	return out
}

func (c *Collector) fetchOne(ctx context.Context, pair model.Pair) Outcome {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Outcome{Err: classify(err, pair.Symbol, pair.Timeframe)}
	}

	var rows []model.Candle
	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
		r, err := c.provider.FetchCandles(actx, pair.Symbol, pair.Timeframe, c.opts.Lookback)
		if err != nil {
			fe := classify(err, pair.Symbol, pair.Timeframe)
			if !fe.Retryable() || ctx.Err() != nil {
				return backoff.Permanent(fe)
			}
			return fe
		}
		rows = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("pair", pair.String()).Int("attempt", attempts).
			Dur("retry_in", wait).Msg("fetch failed, retrying")
	})
	if err != nil {
		fe := classify(err, pair.Symbol, pair.Timeframe)
		fe.Attempts = attempts
		c.log.Error().Err(fe).Str("pair", pair.String()).Str("kind", string(fe.Kind)).Msg("fetch failed")
		return Outcome{Err: fe, Attempts: attempts, Duration: time.Since(start)}
	}

	series, err := candles.Build(pair.Symbol, pair.Timeframe, rows, c.now(),
		candles.Options{AllowSessionGaps: c.opts.AllowSessionGaps})
	if err != nil {
		c.log.Error().Err(err).Str("pair", pair.String()).Msg("rejected series")
		return Outcome{Err: err, Attempts: attempts, Duration: time.Since(start)}
	}

	if c.cache != nil {
		if err := c.cache.Put(ctx, series); err != nil {
			c.log.Warn().Err(err).Str("pair", pair.String()).Msg("cache put failed")
		}
	}
	c.log.Debug().Str("pair", pair.String()).Int("candles", series.Len()).Int("attempts", attempts).
		Dur("took", time.Since(start)).Msg("fetched")
	return Outcome{Series: series, Attempts: attempts, Duration: time.Since(start)}
}

// ErrorKindOf returns the fetch failure kind of err, "data_quality" for a
// rejected series, or "" for nil.
func ErrorKindOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	var dq *candles.DataQualityError
	if errors.As(err, &dq) {
		return "data_quality"
	}
	return string(KindPermanent)
}
