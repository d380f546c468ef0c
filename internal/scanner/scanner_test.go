package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GapSentinel/internal/alert"
	"GapSentinel/internal/collector"
	"GapSentinel/internal/detector"
	"GapSentinel/internal/metrics"
	"GapSentinel/internal/model"
	"GapSentinel/internal/tracker"
)

var t0 = time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC)

type captureDispatcher struct {
	mu   sync.Mutex
	recs []model.AlertRecord
}

func (c *captureDispatcher) Dispatch(recs []model.AlertRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, recs...)
	c.mu.Unlock()
}

func (c *captureDispatcher) all() []model.AlertRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.AlertRecord(nil), c.recs...)
}

type gateFetcher struct {
	inner   Fetcher
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGateFetcher(inner Fetcher) *gateFetcher {
	return &gateFetcher{inner: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateFetcher) FetchAll(ctx context.Context, pairs []model.Pair) map[model.Pair]collector.Outcome {
	g.calls.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.FetchAll(ctx, pairs)
}

func mockCollector(p *collector.MockProvider) *collector.Collector {
	opts := collector.Options{
		Workers:          3,
		MaxAttempts:      2,
		InitialBackoff:   time.Millisecond,
		AttemptTimeout:   time.Second,
		Lookback:         30,
		AllowSessionGaps: true,
	}
	return collector.NewCollector(p, nil, opts, zerolog.Nop()).WithClock(func() time.Time { return t0.Add(2 * time.Hour) })
}

func newScanner(f Fetcher, symbols []string, tfs ...model.Timeframe) (*Scanner, *captureDispatcher) {
	if len(tfs) == 0 {
		tfs = []model.Timeframe{model.TF5m}
	}
	disp := &captureDispatcher{}
	s := New(Config{Symbols: symbols, Timeframes: tfs}, Deps{
		Fetcher:    f,
		Detector:   detector.New(detector.DefaultThreshold, detector.DefaultLookahead),
		Tracker:    tracker.New(tracker.Options{}, zerolog.Nop()),
		Alerts:     alert.NewEngine(alert.DefaultOptions(), zerolog.Nop()),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Dispatcher: disp,
		Log:        zerolog.Nop(),
	})
	return s.WithClock(func() time.Time { return t0.Add(2 * time.Hour) }), disp
}

// flat returns n quiet candles around 100 starting at t0.
func flat(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{Time: t0.Add(time.Duration(i) * 5 * time.Minute), Open: 100, High: 100.2, Low: 99.8, Close: 100, Volume: 10}
	}
	return out
}

func at(i int, open, high, low, cl float64) model.Candle {
	return model.Candle{Time: t0.Add(time.Duration(i) * 5 * time.Minute), Open: open, High: high, Low: low, Close: cl, Volume: 10}
}

func TestScan_PartialFailure(t *testing.T) {
	p := collector.NewMockProvider(100)
	p.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	p.SetError("ZZZZ", &collector.FetchError{Kind: collector.KindNotFound, Err: errors.New("unknown symbol")})
	s, _ := newScanner(mockCollector(p), []string{"AAPL", "ZZZZ", "MSFT"}, model.TF5m, model.TF15m)

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ScanNumber)
	assert.Equal(t, 2, res.Stats.SuccessCount)
	assert.Equal(t, 1, res.Stats.FailureCount)
	assert.Contains(t, res.Stats.Failures, "ZZZZ")

	for _, sym := range []string{"AAPL", "MSFT"} {
		snap := res.PerSymbol[sym]
		require.Len(t, snap.PerTimeframe, 2, sym)
		for tf, slot := range snap.PerTimeframe {
			assert.Greater(t, slot.Price, 0.0, "%s@%s", sym, tf)
			assert.Empty(t, slot.Error)
		}
	}
	bad := res.PerSymbol["ZZZZ"].PerTimeframe[model.TF5m]
	assert.NotEmpty(t, bad.Error)
	assert.Zero(t, bad.Price)

	// not found is permanent: one call per timeframe
	assert.Equal(t, 1, p.Calls(model.Pair{Symbol: "ZZZZ", Timeframe: model.TF5m}))
	assert.Same(t, res, s.Latest())
	assert.Equal(t, StateIdle, s.State())
}

func TestScan_GapAlertedOnce(t *testing.T) {
	p := collector.NewMockProvider(100)
	pair := model.Pair{Symbol: "AAPL", Timeframe: model.TF5m}
	rows := append(flat(10),
		at(10, 100.2, 101, 100.1, 100.9),
		at(11, 101.6, 102, 101.5, 101.8),
	)
	p.SetCandles(pair, rows)
	s, disp := newScanner(mockCollector(p), []string{"AAPL"})

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.AlertsEmitted)
	slot := res.PerSymbol["AAPL"].PerTimeframe[model.TF5m]
	require.NotNil(t, slot.RecentGap)
	assert.Equal(t, model.Bullish, slot.RecentGap.Direction)
	assert.Equal(t, 100.2, slot.RecentGap.Lower)
	assert.Equal(t, 101.5, slot.RecentGap.Upper)
	assert.Equal(t, 1, slot.ActiveCount)
	assert.Equal(t, 101.8, slot.Price)

	// the same gap seen again is neither re-tracked nor re-alerted
	res, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.ScanNumber)
	assert.Zero(t, res.Stats.AlertsEmitted)
	assert.Equal(t, 1, res.PerSymbol["AAPL"].PerTimeframe[model.TF5m].ActiveCount)

	recs := disp.all()
	require.Len(t, recs, 1)
	assert.Equal(t, model.KindGap, recs[0].Kind)
	assert.Equal(t, "AAPL|5m|gap|bullish", recs[0].CooldownKey)
}

func TestScan_FillThenInvertAcrossCycles(t *testing.T) {
	p := collector.NewMockProvider(100)
	pair := model.Pair{Symbol: "SPY", Timeframe: model.TF5m}
	rows := append(flat(10),
		at(10, 99.8, 99.9, 99.0, 99.1),
		at(11, 98.8, 98.9, 98.5, 98.6),
	)
	p.SetCandles(pair, rows)
	s, disp := newScanner(mockCollector(p), []string{"SPY"})

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	slot := res.PerSymbol["SPY"].PerTimeframe[model.TF5m]
	require.NotNil(t, slot.RecentGap)
	assert.Equal(t, model.Bearish, slot.RecentGap.Direction)
	assert.Equal(t, 1, slot.ActiveCount)

	// price trades back into the zone, then closes above its upper bound
	rows = append(rows,
		at(12, 98.8, 99.2, 98.7, 99.1),
		at(13, 99.1, 100.3, 98.95, 100.1),
	)
	p.SetCandles(pair, rows)

	res, err = s.Scan(context.Background())
	require.NoError(t, err)
	slot = res.PerSymbol["SPY"].PerTimeframe[model.TF5m]
	require.NotNil(t, slot.RecentInversion)
	assert.Equal(t, model.Bullish, slot.RecentInversion.Direction)
	assert.Equal(t, 0, slot.ActiveCount)
	assert.Equal(t, 1, res.Stats.AlertsEmitted)

	recs := disp.all()
	require.Len(t, recs, 2)
	assert.Equal(t, model.KindGap, recs[0].Kind)
	assert.Equal(t, model.KindInversion, recs[1].Kind)
	assert.Equal(t, model.Bullish, recs[1].Direction)
}

func TestScan_InversionReportedOnRepeatScans(t *testing.T) {
	p := collector.NewMockProvider(100)
	pair := model.Pair{Symbol: "SPY", Timeframe: model.TF5m}
	p.SetCandles(pair, append(flat(10),
		at(10, 99.8, 99.9, 99.0, 99.1),
		at(11, 98.8, 98.9, 98.5, 98.6),
		at(12, 98.8, 99.2, 98.7, 99.1),
		at(13, 99.1, 100.3, 98.95, 100.1),
	))
	s, disp := newScanner(mockCollector(p), []string{"SPY"})

	for i := 1; i <= 3; i++ {
		res, err := s.Scan(context.Background())
		require.NoError(t, err)
		slot := res.PerSymbol["SPY"].PerTimeframe[model.TF5m]
		require.NotNil(t, slot.RecentInversion, "scan %d", i)
		assert.Equal(t, model.Bullish, slot.RecentInversion.Direction, "scan %d", i)
		assert.Equal(t, t0.Add(65*time.Minute), slot.RecentInversion.ConfirmedAt, "scan %d", i)
	}

	inversions := 0
	for _, rec := range disp.all() {
		if rec.Kind == model.KindInversion {
			inversions++
		}
	}
	assert.Equal(t, 1, inversions)
}

func TestScan_NewestCandidateWinsCooldownKey(t *testing.T) {
	p := collector.NewMockProvider(100)
	pair := model.Pair{Symbol: "AAPL", Timeframe: model.TF5m}
	p.SetCandles(pair, append(flat(10),
		at(10, 100.2, 101, 100.1, 100.9),
		at(11, 101.6, 102, 101.5, 101.8),
		at(12, 102.6, 103, 102.5, 102.8),
	))
	s, disp := newScanner(mockCollector(p), []string{"AAPL"})

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Stats.AlertsEmitted)
	assert.Equal(t, 2, res.PerSymbol["AAPL"].PerTimeframe[model.TF5m].ActiveCount)

	recs := disp.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "AAPL|5m|gap|bullish", recs[0].CooldownKey)
	assert.Equal(t, t0.Add(60*time.Minute), recs[0].PatternTime)
}

func TestScan_NoPairs(t *testing.T) {
	s, _ := newScanner(mockCollector(collector.NewMockProvider(1)), nil)
	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrNoPairs)
	assert.ErrorIs(t, err, ErrCycleFailed)
}

func TestScan_CancelledBeforeFanOut(t *testing.T) {
	p := collector.NewMockProvider(100)
	s, _ := newScanner(mockCollector(p), []string{"AAPL"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Scan(ctx)
	assert.ErrorIs(t, err, ErrCycleFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.TotalCalls())
}

func TestScan_SingleFlight(t *testing.T) {
	p := collector.NewMockProvider(100)
	gate := newGateFetcher(mockCollector(p))
	s, _ := newScanner(gate, []string{"AAPL"})

	errc := make(chan error, 1)
	go func() {
		_, err := s.Scan(context.Background())
		errc <- err
	}()
	<-gate.entered
	assert.Equal(t, StateFetching, s.State())

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(gate.release)
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), gate.calls.Load())
}

func TestStop_IdempotentAndNoopWhenIdle(t *testing.T) {
	s, _ := newScanner(mockCollector(collector.NewMockProvider(100)), []string{"AAPL"})
	s.Stop()

	require.NoError(t, s.StartContinuous(context.Background(), time.Hour))
	assert.ErrorIs(t, s.StartContinuous(context.Background(), time.Hour), ErrAlreadyRunning)
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, StateIdle, s.State())
}

func TestStop_DiscardsInFlightCycle(t *testing.T) {
	gate := newGateFetcher(mockCollector(collector.NewMockProvider(100)))
	s, _ := newScanner(gate, []string{"AAPL"})
	require.NoError(t, s.StartContinuous(context.Background(), time.Hour))
	<-gate.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	require.Eventually(t, s.stopRequested, time.Second, time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight cycle finished")
	default:
	}
	close(gate.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Nil(t, s.Latest())
	assert.Equal(t, int32(1), gate.calls.Load())
}

func TestStartContinuous_RepeatsFromCycleStart(t *testing.T) {
	s, _ := newScanner(mockCollector(collector.NewMockProvider(100)), []string{"AAPL"})
	var results atomic.Int32
	s.OnResult(func(*model.ScanResult) { results.Add(1) })

	require.NoError(t, s.StartContinuous(context.Background(), 10*time.Millisecond))
	require.Eventually(t, func() bool { return results.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	n := results.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, results.Load(), "no cycle runs after Stop returns")
	assert.Equal(t, uint64(n), s.Latest().ScanNumber)

	assert.Error(t, s.StartContinuous(context.Background(), 0))
}

type slowFetcher struct {
	inner    Fetcher
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu     sync.Mutex
	starts []time.Time
}

func (f *slowFetcher) FetchAll(ctx context.Context, pairs []model.Pair) map[model.Pair]collector.Outcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()

	time.Sleep(f.delay)
	return f.inner.FetchAll(ctx, pairs)
}

func (f *slowFetcher) startTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

func TestStartContinuous_OverrunStartsNextCycleImmediately(t *testing.T) {
	const (
		delay    = 60 * time.Millisecond
		interval = 40 * time.Millisecond
	)
	f := &slowFetcher{inner: mockCollector(collector.NewMockProvider(100)), delay: delay}
	s, _ := newScanner(f, []string{"AAPL"})

	require.NoError(t, s.StartContinuous(context.Background(), interval))
	require.Eventually(t, func() bool { return len(f.startTimes()) >= 5 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), f.maxSeen.Load(), "cycles never overlap")
	starts := f.startTimes()[:5]
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), delay, "cycle %d started before the previous one finished", i)
	}
	// back to back: no interval is added after an overrunning cycle
	avg := starts[4].Sub(starts[0]) / 4
	assert.Less(t, avg, delay+interval/2)
}

func TestStartCron(t *testing.T) {
	s, _ := newScanner(mockCollector(collector.NewMockProvider(100)), []string{"AAPL"})
	assert.Error(t, s.StartCron(context.Background(), "not a schedule", nil))
	assert.False(t, s.Running())

	var results atomic.Int32
	s.OnResult(func(*model.ScanResult) { results.Add(1) })
	require.NoError(t, s.StartCron(context.Background(), "@every 1s", time.UTC))
	require.Eventually(t, func() bool { return results.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	assert.False(t, s.Running())
}

func TestHandleCommand(t *testing.T) {
	p := collector.NewMockProvider(100)
	s, _ := newScanner(mockCollector(p), []string{"AAPL"})
	ctx := context.Background()

	assert.Contains(t, s.HandleCommand(ctx, "/help"), "/scan")
	assert.Contains(t, s.HandleCommand(ctx, "/status"), "No scan has completed yet.")

	out := s.HandleCommand(ctx, "/scan@GapSentinelBot")
	assert.Contains(t, out, "Scan #1")
	assert.Contains(t, s.HandleCommand(ctx, "/STATUS"), "State: idle")
	assert.Contains(t, s.HandleCommand(ctx, "/alerts"), "Alerts")
	assert.Contains(t, s.HandleCommand(ctx, "hello"), "Available commands")
}
