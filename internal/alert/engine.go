// Package alert turns newly detected patterns into alert records, applying
// cooldown per (symbol, timeframe, kind, direction).
package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GapSentinel/internal/model"
)

// Options configure the engine.
type Options struct {
	Cooldown      time.Duration
	MaxAgeCandles int
	StrongPct     float64
	MediumPct     float64
	HistorySize   int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Cooldown:      5 * time.Minute,
		MaxAgeCandles: 10,
		StrongPct:     0.005,
		MediumPct:     0.003,
		HistorySize:   500,
	}
}

// Engine evaluates candidates. It is safe for concurrent use; the cooldown
// table is updated under the same lock that checks it, so two candidates
// with one key can never both fire.
type Engine struct {
	mu      sync.Mutex
	opts    Options
	last    map[model.CooldownKey]time.Time
	history []model.AlertRecord
	stats   model.AlertStats
	now     func() time.Time
	log     zerolog.Logger
}

// NewEngine creates an engine with empty cooldown state.
func NewEngine(opts Options, log zerolog.Logger) *Engine {
	d := DefaultOptions()
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.MaxAgeCandles <= 0 {
		opts.MaxAgeCandles = d.MaxAgeCandles
	}
	if opts.StrongPct <= 0 {
		opts.StrongPct = d.StrongPct
	}
	if opts.MediumPct <= 0 {
		opts.MediumPct = d.MediumPct
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = d.HistorySize
	}
	return &Engine{
		opts: opts,
		last: make(map[model.CooldownKey]time.Time),
		now:  time.Now,
		log:  log.With().Str("component", "alert").Logger(),
	}
}

// WithClock replaces the time source; used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Classify maps a gap percentage to advisory strength.
func (e *Engine) Classify(pct float64) model.Strength {
	switch {
	case pct >= e.opts.StrongPct:
		return model.StrengthStrong
	case pct >= e.opts.MediumPct:
		return model.StrengthMedium
	default:
		return model.StrengthWeak
	}
}

// KeyOf returns the cooldown key of a pattern.
func KeyOf(p model.Pattern) model.CooldownKey {
	return model.CooldownKey{
		Symbol:    p.Symbol(),
		Timeframe: p.Timeframe(),
		Kind:      p.Kind,
		Direction: p.Direction(),
	}
}

// Recent keeps the patterns confirmed within the last MaxAgeCandles candles
// of series.
func (e *Engine) Recent(series model.CandleSeries, patterns []model.Pattern) []model.Pattern {
	c := series.Candles
	floor := len(c) - e.opts.MaxAgeCandles
	var out []model.Pattern
	for _, p := range patterns {
		ts := p.Time()
		idx := sort.Search(len(c), func(i int) bool { return !c[i].Time.Before(ts) })
		if idx < len(c) && c[idx].Time.Equal(ts) && idx >= floor {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate emits a record for every candidate not suppressed by cooldown.
// Emission time is recorded before returning.
func (e *Engine) Evaluate(candidates []model.Pattern) []model.AlertRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.AlertRecord
	for _, p := range candidates {
		now := e.now()
		key := KeyOf(p)
		if last, ok := e.last[key]; ok && now.Sub(last) < e.opts.Cooldown {
			e.stats.Suppressed++
			e.log.Debug().Str("key", key.String()).Dur("since_last", now.Sub(last)).Msg("alert suppressed by cooldown")
			continue
		}
		e.last[key] = now

		rec := model.AlertRecord{
			ID:          uuid.NewString(),
			Symbol:      p.Symbol(),
			Timeframe:   p.Timeframe(),
			Kind:        p.Kind,
			Direction:   p.Direction(),
			Size:        p.Size(),
			Percentage:  p.Percentage(),
			Price:       p.Price(),
			Strength:    e.Classify(p.Percentage()),
			PatternTime: p.Time(),
			EmittedAt:   now,
			CooldownKey: key.String(),
		}
		e.record(rec)
		out = append(out, rec)
		e.log.Info().Str("symbol", rec.Symbol).Str("timeframe", string(rec.Timeframe)).
			Str("kind", string(rec.Kind)).Str("direction", string(rec.Direction)).
			Float64("pct", rec.Percentage).Str("strength", string(rec.Strength)).Msg("alert")
	}
	return out
}

// caller holds the lock
func (e *Engine) record(rec model.AlertRecord) {
	e.history = append(e.history, rec)
	if over := len(e.history) - e.opts.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.stats.Total++
	if rec.Kind == model.KindGap {
		e.stats.Gaps++
	} else {
		e.stats.Inversions++
	}
	if rec.Direction == model.Bullish {
		e.stats.Bullish++
	} else {
		e.stats.Bearish++
	}
}

// History returns up to limit records, newest first. A non-positive limit
// returns everything retained.
func (e *Engine) History(limit int) []model.AlertRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AlertRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Stats returns aggregate counts since start.
func (e *Engine) Stats() model.AlertStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SampleRecord builds a synthetic alert used to exercise transports.
func SampleRecord(now time.Time) model.AlertRecord {
	key := model.CooldownKey{Symbol: "TEST", Timeframe: model.TF5m, Kind: model.KindGap, Direction: model.Bullish}
	return model.AlertRecord{
		ID:          uuid.NewString(),
		Symbol:      key.Symbol,
		Timeframe:   key.Timeframe,
		Kind:        key.Kind,
		Direction:   key.Direction,
		Size:        0.5,
		Percentage:  0.0042,
		Price:       120.25,
		Strength:    model.StrengthMedium,
		PatternTime: now,
		EmittedAt:   now,
		CooldownKey: key.String(),
	}
}
