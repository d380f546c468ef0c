package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GapSentinel/internal/cache"
	"GapSentinel/internal/candles"
	"GapSentinel/internal/model"
)

var testEnd = time.Date(2025, 3, 4, 16, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Workers:        3,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
		Lookback:       20,
	}
}

func newTestProvider() *MockProvider {
	p := NewMockProvider(100)
	p.Now = func() time.Time { return testEnd }
	return p
}

func TestFetchAll_PartialFailure(t *testing.T) {
	p := newTestProvider()
	p.SetError("ZZZZ", newFetchError(KindNotFound, "no such symbol"))
	c := NewCollector(p, nil, testOptions(), zerolog.Nop())

	pairs := []model.Pair{
		{Symbol: "AAPL", Timeframe: model.TF5m},
		{Symbol: "ZZZZ", Timeframe: model.TF5m},
		{Symbol: "MSFT", Timeframe: model.TF5m},
	}
	out := c.FetchAll(context.Background(), pairs)
	require.Len(t, out, 3)

	assert.NoError(t, out[pairs[0]].Err)
	assert.Equal(t, 20, out[pairs[0]].Series.Len())
	assert.NoError(t, out[pairs[2]].Err)

	bad := out[pairs[1]]
	require.Error(t, bad.Err)
	assert.True(t, IsNotFound(bad.Err))
	// not found is permanent: exactly one attempt
	assert.Equal(t, 1, bad.Attempts)
	assert.Equal(t, 1, p.Calls(pairs[1]))
}

func TestFetchAll_RetriesTransient(t *testing.T) {
	p := newTestProvider()
	pair := model.Pair{Symbol: "NVDA", Timeframe: model.TF15m}
	p.QueueErrors(pair,
		newFetchError(KindTransient, "connection reset"),
		newFetchError(KindRateLimited, "slow down"))
	c := NewCollector(p, nil, testOptions(), zerolog.Nop())

	out := c.FetchAll(context.Background(), []model.Pair{pair})[pair]
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, p.Calls(pair))
}

func TestFetchAll_GivesUpAfterMaxAttempts(t *testing.T) {
	p := newTestProvider()
	pair := model.Pair{Symbol: "TSLA", Timeframe: model.TF5m}
	p.SetError("TSLA", newFetchError(KindTransient, "timeout"))
	c := NewCollector(p, nil, testOptions(), zerolog.Nop())

	out := c.FetchAll(context.Background(), []model.Pair{pair})[pair]
	require.Error(t, out.Err)
	var fe *FetchError
	require.True(t, errors.As(out.Err, &fe))
	assert.Equal(t, KindTransient, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, "TSLA", fe.Symbol)
	assert.Equal(t, 3, p.Calls(pair))
}

func TestFetchAll_DataQualityNotRetried(t *testing.T) {
	p := newTestProvider()
	pair := model.Pair{Symbol: "AMD", Timeframe: model.TF5m}
	p.SetCandles(pair, GenerateCandles(testEnd, model.TF5m, 2, 50))
	c := NewCollector(p, nil, testOptions(), zerolog.Nop())

	out := c.FetchAll(context.Background(), []model.Pair{pair})[pair]
	var dq *candles.DataQualityError
	require.True(t, errors.As(out.Err, &dq))
	assert.Equal(t, candles.InsufficientLength, dq.Violation)
	assert.Equal(t, 1, p.Calls(pair))
	assert.Equal(t, "data_quality", ErrorKindOf(out.Err))
}

func TestFetchAll_ServesFromCache(t *testing.T) {
	p := newTestProvider()
	mc := cache.NewMemoryCache(30 * time.Second).WithClock(func() time.Time { return testEnd })
	c := NewCollector(p, mc, testOptions(), zerolog.Nop()).WithClock(func() time.Time { return testEnd })
	pair := model.Pair{Symbol: "AAPL", Timeframe: model.TF1h}

	first := c.FetchAll(context.Background(), []model.Pair{pair})[pair]
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)

	second := c.FetchAll(context.Background(), []model.Pair{pair})[pair]
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, p.Calls(pair))
	assert.Equal(t, first.Series.Candles, second.Series.Candles)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	p := newTestProvider()
	c := NewCollector(p, nil, testOptions(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pair := model.Pair{Symbol: "AAPL", Timeframe: model.TF5m}
	out := c.FetchAll(ctx, []model.Pair{pair})
	require.Contains(t, out, pair)
	assert.ErrorIs(t, out[pair].Err, context.Canceled)
	assert.Zero(t, p.TotalCalls())
}

func TestFetchAll_BoundedConcurrency(t *testing.T) {
	p := newTestProvider()
	p.Delay = 20 * time.Millisecond
	opts := testOptions()
	opts.Workers = 2
	c := NewCollector(p, nil, opts, zerolog.Nop())

	var pairs []model.Pair
	for _, s := range []string{"A", "B", "C", "D"} {
		pairs = append(pairs, model.Pair{Symbol: s, Timeframe: model.TF5m})
	}
	start := time.Now()
	out := c.FetchAll(context.Background(), pairs)
	elapsed := time.Since(start)

	assert.Len(t, out, 4)
	// four 20ms fetches over two workers need at least two rounds
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestClassify(t *testing.T) {
	fe := classify(context.DeadlineExceeded, "AAPL", model.TF5m)
	assert.Equal(t, KindTransient, fe.Kind)
	assert.True(t, fe.Retryable())

	fe = classify(errors.New("boom"), "AAPL", model.TF5m)
	assert.Equal(t, KindPermanent, fe.Kind)
	assert.False(t, fe.Retryable())

	fe = classify(statusError("x", http.StatusTooManyRequests, nil), "AAPL", model.TF5m)
	assert.Equal(t, KindRateLimited, fe.Kind)
	assert.Equal(t, "AAPL", fe.Symbol)
}

func TestRESTFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bars", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if r.URL.Query().Get("symbol") == "NOPE" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "5m", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"timestamp":1741104600,"open":2,"high":3,"low":1,"close":2.5,"volume":10},
			{"timestamp":1741104300,"open":2,"high":3,"low":1,"close":2.2,"volume":12}
		]`))
	}))
	defer srv.Close()

	f := NewRESTFetcher(srv.URL, "k", "")
	bars, err := f.FetchCandles(context.Background(), "AAPL", model.TF5m, 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Time.Before(bars[1].Time))
	assert.Equal(t, 2.5, bars[1].Close)

	_, err = f.FetchCandles(context.Background(), "NOPE", model.TF5m, 10)
	assert.True(t, IsNotFound(err))
}
