package collector

import (
	"context"
	"math"
	"sync"
	"time"

	"GapSentinel/internal/model"
)

// MockProvider returns controllable data for development and testing.
// Programmed candles win over the generator; errors are checked first.
type MockProvider struct {
	Price float64
	Now   func() time.Time
	Delay time.Duration

	mu      sync.Mutex
	candles map[model.Pair][]model.Candle
	errs    map[string]error
	queued  map[model.Pair][]error
	calls   map[model.Pair]int
}

// NewMockProvider creates a provider generating bars around price.
func NewMockProvider(price float64) *MockProvider {
	return &MockProvider{
		Price:   price,
		Now:     time.Now,
		candles: make(map[model.Pair][]model.Candle),
		errs:    make(map[string]error),
		queued:  make(map[model.Pair][]error),
		calls:   make(map[model.Pair]int),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// SetCandles programs the rows returned for a pair.
func (m *MockProvider) SetCandles(pair model.Pair, rows []model.Candle) {
	m.mu.Lock()
	m.candles[pair] = rows
	m.mu.Unlock()
}

// SetError makes every fetch for symbol fail with err.
func (m *MockProvider) SetError(symbol string, err error) {
	m.mu.Lock()
	m.errs[symbol] = err
	m.mu.Unlock()
}

// QueueErrors makes the next len(errs) fetches for pair fail in order.
func (m *MockProvider) QueueErrors(pair model.Pair, errs ...error) {
	m.mu.Lock()
	m.queued[pair] = append(m.queued[pair], errs...)
	m.mu.Unlock()
}

// Calls returns how many times pair was fetched.
func (m *MockProvider) Calls(pair model.Pair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[pair]
}

// TotalCalls returns the number of fetches across all pairs.
func (m *MockProvider) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *MockProvider) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, lookback int) ([]model.Candle, error) {
	pair := model.Pair{Symbol: symbol, Timeframe: tf}

	m.mu.Lock()
	m.calls[pair]++
	var err error
	if q := m.queued[pair]; len(q) > 0 {
		err, m.queued[pair] = q[0], q[1:]
	} else if e, ok := m.errs[symbol]; ok {
		err = e
	}
	rows, programmed := m.candles[pair]
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if programmed {
		out := make([]model.Candle, len(rows))
		copy(out, rows)
		return out, nil
	}
	return GenerateCandles(m.Now(), tf, lookback, m.Price), nil
}

// GenerateCandles builds count evenly spaced bars ending at the last full
// timeframe boundary before end. The walk is deterministic and produces an
// occasional gap.
func GenerateCandles(end time.Time, tf model.Timeframe, count int, base float64) []model.Candle {
	step := tf.Duration()
	if step <= 0 || count <= 0 {
		return nil
	}
	last := end.Truncate(step)
	bars := make([]model.Candle, count)
	prev := base
	for i := 0; i < count; i++ {
		p := base * (1 + 0.004*math.Sin(float64(i)/3) + 0.003*math.Sin(float64(i)/11))
		open := prev
		hi, lo := math.Max(open, p), math.Min(open, p)
		bars[i] = model.Candle{
			Time:   last.Add(-time.Duration(count-1-i) * step),
			Open:   open,
			High:   hi * 1.0005,
			Low:    lo * 0.9995,
			Close:  p,
			Volume: 1000 + int64(i%7)*100,
		}
		prev = p
	}
	return bars
}
