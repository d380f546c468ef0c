// Package tracker keeps the lifecycle of detected gaps across scan cycles.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"GapSentinel/internal/model"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultMaxPerKey = 50
)

// Options bound what the tracker retains.
type Options struct {
	// Retention is how long a filled gap is kept after its fill time.
	Retention time.Duration
	// MaxPerKey caps unfilled gaps per (symbol, timeframe); the oldest
	// unfilled gap is evicted first.
	MaxPerKey int
}

// Tracker owns every tracked gap and is the only place gap status changes.
// Status moves from unfilled to filled and never back.
type Tracker struct {
	mu   sync.RWMutex
	opts Options
	byID map[string]*model.Gap
	keys map[model.Pair][]*model.Gap // ordered by FormedAt
	// evicted remembers dropped gaps while their formation candle can still
	// appear in a fetched window, so they are not ingested again.
	evicted map[model.Pair]map[string]time.Time
	// latest is the newest inversion per pair, kept while its gap is tracked.
	latest map[model.Pair]model.Inversion
	log    zerolog.Logger
}

// New creates an empty tracker.
func New(opts Options, log zerolog.Logger) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxPerKey <= 0 {
		opts.MaxPerKey = DefaultMaxPerKey
	}
	return &Tracker{
		opts: opts,
		byID:    make(map[string]*model.Gap),
		keys:    make(map[model.Pair][]*model.Gap),
		evicted: make(map[model.Pair]map[string]time.Time),
		latest:  make(map[model.Pair]model.Inversion),
		log:     log.With().Str("component", "tracker").Logger(),
	}
}

// Ingest adds gaps not seen before and returns only those. Identity is
// symbol, timeframe and formation time.
func (t *Tracker) Ingest(gaps []model.Gap) []model.Gap {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []model.Gap
	touched := make(map[model.Pair]bool)
	for _, g := range gaps {
		if g.ID == "" {
			g.ID = model.GapID(g.Symbol, g.Timeframe, g.FormedAt)
		}
		key := model.Pair{Symbol: g.Symbol, Timeframe: g.Timeframe}
		if _, ok := t.byID[g.ID]; ok {
			continue
		}
		if _, ok := t.evicted[key][g.ID]; ok {
			continue
		}
		g.Status = model.GapUnfilled
		g.FilledAt = nil
		g.Inverted = false

		stored := g
		t.byID[g.ID] = &stored
		t.keys[key] = append(t.keys[key], &stored)
		touched[key] = true
		added = append(added, g)
	}
	for key := range touched {
		list := t.keys[key]
		sort.SliceStable(list, func(i, j int) bool { return list[i].FormedAt.Before(list[j].FormedAt) })
		t.enforceCap(key)
	}
	// a batch larger than the cap loses its oldest members immediately
	kept := added[:0]
	for _, g := range added {
		if _, ok := t.byID[g.ID]; ok {
			kept = append(kept, g)
		}
	}
	return kept
}

// MarkInverted flags the inverted gaps and fills them. It returns how many
// gaps changed.
func (t *Tracker) MarkInverted(invs []model.Inversion) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, inv := range invs {
		g, ok := t.byID[inv.GapID]
		if !ok || g.Inverted {
			continue
		}
		g.Inverted = true
		key := model.Pair{Symbol: g.Symbol, Timeframe: g.Timeframe}
		if cur, ok := t.latest[key]; !ok || inv.ConfirmedAt.After(cur.ConfirmedAt) {
			t.latest[key] = inv
		}
		if g.Status != model.GapFilled {
			at := inv.ConfirmedAt
			g.Status = model.GapFilled
			g.FilledAt = &at
		}
		n++
	}
	return n
}

// Refresh checks the series against the unfilled gaps of its pair and
// returns the gaps filled by it. A bullish gap fills when a later candle's
// low reaches the lower bound, a bearish one when a later high reaches the
// upper bound.
func (t *Tracker) Refresh(s model.CandleSeries) []model.Gap {
	t.mu.Lock()
	defer t.mu.Unlock()

	if first, ok := s.First(); ok {
		for id, formedAt := range t.evicted[s.Pair()] {
			if formedAt.Before(first.Time) {
				delete(t.evicted[s.Pair()], id)
			}
		}
	}

	var filled []model.Gap
	for _, g := range t.keys[s.Pair()] {
		if g.Status == model.GapFilled {
			continue
		}
		for _, c := range s.Candles {
			if !c.Time.After(g.FormedAt) {
				continue
			}
			if (g.Direction == model.Bullish && c.Low <= g.Lower) ||
				(g.Direction == model.Bearish && c.High >= g.Upper) {
				at := c.Time
				g.Status = model.GapFilled
				g.FilledAt = &at
				filled = append(filled, *g)
				break
			}
		}
	}
	return filled
}

// Evict drops filled gaps past retention and trims every key to capacity.
// It returns the number of gaps removed.
func (t *Tracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.opts.Retention)
	removed := 0
	for key, list := range t.keys {
		kept := list[:0]
		for _, g := range list {
			if g.Status == model.GapFilled && g.FilledAt != nil && g.FilledAt.Before(cutoff) {
				t.forget(key, g)
				removed++
				continue
			}
			kept = append(kept, g)
		}
		t.keys[key] = kept
		removed += t.enforceCap(key)
		if len(t.keys[key]) == 0 {
			delete(t.keys, key)
		}
	}
	if removed > 0 {
		t.log.Debug().Int("removed", removed).Int("retained", len(t.byID)).Msg("evicted gaps")
	}
	return removed
}

// enforceCap evicts the oldest unfilled gaps of key beyond MaxPerKey.
// Caller holds the lock.
func (t *Tracker) enforceCap(key model.Pair) int {
	list := t.keys[key]
	unfilled := 0
	for _, g := range list {
		if g.Status == model.GapUnfilled {
			unfilled++
		}
	}
	excess := unfilled - t.opts.MaxPerKey
	if excess <= 0 {
		return 0
	}
	kept := list[:0]
	for _, g := range list {
		if excess > 0 && g.Status == model.GapUnfilled {
			t.forget(key, g)
			excess--
			continue
		}
		kept = append(kept, g)
	}
	removed := len(list) - len(kept)
	t.keys[key] = kept
	return removed
}

func (t *Tracker) forget(key model.Pair, g *model.Gap) {
	delete(t.byID, g.ID)
	if inv, ok := t.latest[key]; ok && inv.GapID == g.ID {
		delete(t.latest, key)
	}
	if t.evicted[key] == nil {
		t.evicted[key] = make(map[string]time.Time)
	}
	t.evicted[key][g.ID] = g.FormedAt
}

func (t *Tracker) collect(key model.Pair, keep func(*model.Gap) bool) []model.Gap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.Gap
	for _, g := range t.keys[key] {
		if keep(g) {
			out = append(out, *g)
		}
	}
	return out
}

// Unfilled returns copies of the unfilled gaps of key, oldest first.
func (t *Tracker) Unfilled(key model.Pair) []model.Gap {
	return t.collect(key, func(g *model.Gap) bool { return g.Status == model.GapUnfilled })
}

// Open returns copies of the gaps of key that have not been inverted yet,
// filled or not. These are the candidates for inversion detection.
func (t *Tracker) Open(key model.Pair) []model.Gap {
	return t.collect(key, func(g *model.Gap) bool { return !g.Inverted })
}

// LatestInversion returns the newest inversion recorded for key, or nil once
// its gap has been evicted.
func (t *Tracker) LatestInversion(key model.Pair) *model.Inversion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.latest[key]
	if !ok {
		return nil
	}
	return &inv
}

// ActiveCount returns the number of unfilled gaps of key.
func (t *Tracker) ActiveCount(key model.Pair) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, g := range t.keys[key] {
		if g.Status == model.GapUnfilled {
			n++
		}
	}
	return n
}

// Get returns a copy of the gap with the given ID.
func (t *Tracker) Get(id string) (model.Gap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.byID[id]
	if !ok {
		return model.Gap{}, false
	}
	return *g, true
}

// Len returns the number of retained gaps.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
