// Package scanner drives scan cycles end to end: fetch, detect, track,
// alert and aggregate.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"GapSentinel/internal/alert"
	"GapSentinel/internal/collector"
	"GapSentinel/internal/detector"
	"GapSentinel/internal/metrics"
	"GapSentinel/internal/model"
	"GapSentinel/internal/recorder"
	"GapSentinel/internal/tracker"
)

// State is the phase of the current cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDetecting
	StateTracking
	StateAlerting
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateDetecting:
		return "detecting"
	case StateTracking:
		return "tracking"
	case StateAlerting:
		return "alerting"
	default:
		return "idle"
	}
}

var (
	// ErrCycleFailed wraps every fatal cycle error.
	ErrCycleFailed = errors.New("scan cycle failed")
	// ErrNoPairs is returned when no (symbol, timeframe) pair is configured.
	ErrNoPairs = fmt.Errorf("%w: no symbols or timeframes configured", ErrCycleFailed)
	// ErrScanInProgress is returned when a cycle is requested while one runs.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrStopped is returned when the scanner stopped during the cycle.
	ErrStopped = errors.New("scanner stopped")
	// ErrAlreadyRunning is returned by Start* while a loop is active.
	ErrAlreadyRunning = errors.New("scanner already running")
)

// Fetcher acquires candle series for a set of pairs.
type Fetcher interface {
	FetchAll(ctx context.Context, pairs []model.Pair) map[model.Pair]collector.Outcome
}

// Dispatcher receives emitted alerts; delivery must not block the cycle.
type Dispatcher interface {
	Dispatch(recs []model.AlertRecord)
}

// Config holds the scan targets.
type Config struct {
	Symbols    []string
	Timeframes []model.Timeframe
}

// Deps are the collaborators of a Scanner. Metrics, Dispatcher and Recorder
// are optional.
type Deps struct {
	Fetcher    Fetcher
	Detector   *detector.Detector
	Tracker    *tracker.Tracker
	Alerts     *alert.Engine
	Metrics    *metrics.Recorder
	Dispatcher Dispatcher
	Recorder   recorder.Recorder
	Log        zerolog.Logger
}

// Scanner owns the per-cycle pipeline. At most one cycle is in flight.
type Scanner struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	state   atomic.Int32
	running atomic.Bool // a cycle is in flight
	scanNum atomic.Uint64
	latest  atomic.Pointer[model.ScanResult]

	mu       sync.Mutex
	stopCh   chan struct{}
	loopDone chan struct{}
	cron     *cron.Cron
	onResult func(*model.ScanResult)
}

// New creates a Scanner.
func New(cfg Config, deps Deps) *Scanner {
	if deps.Recorder == nil {
		deps.Recorder = recorder.NewNoopRecorder()
	}
	return &Scanner{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With().Str("component", "scanner").Logger(),
		now:  time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// OnResult registers a hook called with every completed result.
func (s *Scanner) OnResult(fn func(*model.ScanResult)) {
	s.mu.Lock()
	s.onResult = fn
	s.mu.Unlock()
}

// State returns the phase of the current cycle.
func (s *Scanner) State() State { return State(s.state.Load()) }

// Latest returns the last completed result, or nil.
func (s *Scanner) Latest() *model.ScanResult { return s.latest.Load() }

// Alerts returns the alert engine.
func (s *Scanner) Alerts() *alert.Engine { return s.deps.Alerts }

// Pairs returns every configured (symbol, timeframe) pair in order.
func (s *Scanner) Pairs() []model.Pair {
	pairs := make([]model.Pair, 0, len(s.cfg.Symbols)*len(s.cfg.Timeframes))
	for _, sym := range s.cfg.Symbols {
		for _, tf := range s.cfg.Timeframes {
			pairs = append(pairs, model.Pair{Symbol: sym, Timeframe: tf})
		}
	}
	return pairs
}

func (s *Scanner) setState(st State) { s.state.Store(int32(st)) }

// stopRequested reports whether Stop was called on the active loop.
func (s *Scanner) stopRequested() bool {
	s.mu.Lock()
	ch := s.stopCh
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Scan runs one cycle. It returns ErrScanInProgress when another cycle is
// in flight and a wrapped ErrCycleFailed when the cycle could not start.
// Per-pair failures are reported inside the result.
func (s *Scanner) Scan(ctx context.Context) (*model.ScanResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)
	defer s.setState(StateIdle)

	started := s.now()
	res, err := s.cycle(ctx, started)
	elapsed := s.now().Sub(started)
	if err != nil {
		if !errors.Is(err, ErrStopped) {
			s.deps.Metrics.RecordScan(false, elapsed.Seconds(), 0, 0)
			s.log.Error().Err(err).Msg("scan cycle failed")
		}
		return nil, err
	}

	s.latest.Store(res)
	s.deps.Metrics.RecordScan(true, elapsed.Seconds(), res.Stats.FailureCount, float64(res.CompletedAt.Unix()))
	if err := s.deps.Recorder.RecordScan(res); err != nil {
		s.log.Error().Err(err).Msg("record scan")
	}

	s.mu.Lock()
	hook := s.onResult
	s.mu.Unlock()
	if hook != nil {
		hook(res)
	}

	s.log.Info().Uint64("scan", res.ScanNumber).Int("ok", res.Stats.SuccessCount).
		Int("failed", res.Stats.FailureCount).Int("alerts", res.Stats.AlertsEmitted).
		Int64("ms", res.Stats.DurationMs).Msg("scan complete")
	return res, nil
}

type pairResult struct {
	series model.CandleSeries
	gaps   []model.Gap
	added  []model.Gap
	invs   []model.Inversion
}

func (s *Scanner) cycle(ctx context.Context, started time.Time) (*model.ScanResult, error) {
	pairs := s.Pairs()
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCycleFailed, err)
	}
	num := s.scanNum.Add(1)

	s.setState(StateFetching)
	outcomes := s.deps.Fetcher.FetchAll(ctx, pairs)
	if s.stopRequested() {
		s.log.Info().Uint64("scan", num).Msg("scanner stopped during fetch, discarding results")
		return nil, ErrStopped
	}

	res := &model.ScanResult{
		ScanNumber: num,
		StartedAt:  started,
		PerSymbol:  make(map[string]model.SymbolSnapshot, len(s.cfg.Symbols)),
	}
	failed := make(map[string]string)
	work := make(map[model.Pair]*pairResult, len(pairs))

	for _, p := range pairs {
		out := outcomes[p]
		if out.FromCache {
			res.Stats.CacheHits++
		} else {
			s.deps.Metrics.RecordFetch(fetchKind(out.Err), out.Duration.Seconds())
		}
		s.deps.Metrics.RecordCache(out.FromCache)
		if out.Err != nil {
			if _, seen := failed[p.Symbol]; !seen {
				failed[p.Symbol] = fmt.Sprintf("%s: %v", p.Timeframe, out.Err)
			}
			continue
		}
		work[p] = &pairResult{series: out.Series}
	}

	s.setState(StateDetecting)
	for _, p := range pairs {
		if w, ok := work[p]; ok {
			w.gaps = s.deps.Detector.DetectGaps(w.series)
		}
	}

	s.setState(StateTracking)
	for _, p := range pairs {
		w, ok := work[p]
		if !ok {
			continue
		}
		w.added = s.deps.Tracker.Ingest(w.gaps)
		w.invs = s.deps.Detector.DetectInversions(w.series, s.deps.Tracker.Open(p))
		s.deps.Tracker.MarkInverted(w.invs)
		s.deps.Tracker.Refresh(w.series)

		for _, g := range w.added {
			s.deps.Metrics.RecordGap(string(g.Timeframe), string(g.Direction))
		}
		for _, inv := range w.invs {
			s.deps.Metrics.RecordInversion(string(inv.Timeframe), string(inv.Direction))
		}
	}
	s.deps.Tracker.Evict(s.now())

	s.setState(StateAlerting)
	var candidates []model.Pattern
	for _, p := range pairs {
		w, ok := work[p]
		if !ok {
			continue
		}
		var pats []model.Pattern
		for _, g := range w.added {
			pats = append(pats, model.GapPattern(g))
		}
		for _, inv := range w.invs {
			pats = append(pats, model.InversionPattern(inv))
		}
		candidates = append(candidates, s.deps.Alerts.Recent(w.series, pats)...)
	}
	// newest first so the latest pattern wins a shared cooldown key
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[j].Time().Before(candidates[i].Time()) })
	recs := s.deps.Alerts.Evaluate(candidates)
	res.Stats.AlertsEmitted = len(recs)
	for i := range recs {
		s.deps.Metrics.RecordAlert(string(recs[i].Kind))
		if err := s.deps.Recorder.RecordAlert(&recs[i]); err != nil {
			s.log.Error().Err(err).Msg("record alert")
		}
	}
	if len(recs) > 0 && s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Dispatch(recs)
	}

	for _, p := range pairs {
		snap := model.TimeframeSnapshot{}
		if w, ok := work[p]; ok {
			if last, ok := w.series.Last(); ok {
				snap.Price = last.Close
			}
			snap.RecentGap = detector.Recent(w.gaps)
			snap.RecentInversion = s.deps.Tracker.LatestInversion(p)
		} else if out := outcomes[p]; out.Err != nil {
			snap.Error = out.Err.Error()
		}
		snap.ActiveCount = s.deps.Tracker.ActiveCount(p)
		s.deps.Metrics.SetActiveGaps(p.Symbol, string(p.Timeframe), snap.ActiveCount)

		sym, ok := res.PerSymbol[p.Symbol]
		if !ok {
			sym = model.SymbolSnapshot{PerTimeframe: make(map[model.Timeframe]model.TimeframeSnapshot, len(s.cfg.Timeframes))}
		}
		sym.PerTimeframe[p.Timeframe] = snap
		res.PerSymbol[p.Symbol] = sym
	}

	for _, sym := range s.cfg.Symbols {
		if _, bad := failed[sym]; !bad {
			res.Stats.SuccessCount++
		}
	}
	res.Stats.FailureCount = len(failed)
	if len(failed) > 0 {
		res.Stats.Failures = failed
	}
	res.CompletedAt = s.now()
	res.Stats.DurationMs = res.CompletedAt.Sub(started).Milliseconds()
	return res, nil
}

func fetchKind(err error) string {
	if err == nil {
		return "ok"
	}
	return collector.ErrorKindOf(err)
}
