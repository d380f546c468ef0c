package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GapSentinel/internal/model"
)

var t0 = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func sampleAlert(dir model.Direction) model.AlertRecord {
	return model.AlertRecord{
		ID: "id-1", Symbol: "AAPL", Timeframe: model.TF5m, Kind: model.KindGap,
		Direction: dir, Size: 0.42, Percentage: 0.0042, Price: 101.25,
		Strength: model.StrengthMedium, PatternTime: t0, EmittedAt: t0,
	}
}

func newTestTelegram(url string) *TelegramNotifier {
	tn := NewTelegramNotifier("TOKEN", "42", "", zerolog.Nop())
	tn.BaseURL = url
	tn.RetryInterval = time.Millisecond
	return tn
}

func TestTelegram_Deliver(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tn := newTestTelegram(srv.URL)
	require.NoError(t, tn.Deliver(context.Background(), sampleAlert(model.Bullish)))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Contains(t, got["text"], "Symbol: <b>AAPL</b>")
	assert.Contains(t, got["text"], "Gap %: 0.42% (medium)")
}

func TestTelegram_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tn := newTestTelegram(srv.URL)
	require.NoError(t, tn.SendWithRetry(context.Background(), "hi", 3))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTelegram_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tn := newTestTelegram(srv.URL)
	err := tn.SendWithRetry(context.Background(), "hi", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegram_Polling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getUpdates":
			if r.URL.Query().Get("offset") != "0" {
				_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":10,"message":{"text":"/status","chat":{"id":7}}},
				{"update_id":11,"message":{"text":" /help ","chat":{"id":42}}}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	tn := newTestTelegram(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	var commands []string
	done := make(chan struct{})
	go func() {
		tn.StartPolling(ctx, func(_ context.Context, cmd string) string {
			commands = append(commands, cmd)
			cancel()
			return "reply to " + cmd
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not stop")
	}
	// the command from an unknown chat is ignored
	assert.Equal(t, []string{"/help"}, commands)
}

func TestConsoleAndBell(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewConsoleTransport(&buf).Deliver(context.Background(), sampleAlert(model.Bullish)))
	assert.Contains(t, buf.String(), "TRADING ALERT")
	assert.Contains(t, buf.String(), "Symbol: AAPL")

	buf.Reset()
	bell := NewBellTransport(&buf)
	require.NoError(t, bell.Deliver(context.Background(), sampleAlert(model.Bullish)))
	require.NoError(t, bell.Deliver(context.Background(), sampleAlert(model.Bearish)))
	assert.Equal(t, "\a\a\a", buf.String())
}

type fakeTransport struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.AlertRecord
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Deliver(_ context.Context, rec model.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rec)
	return f.err
}

func TestDispatcher(t *testing.T) {
	ok := &fakeTransport{name: "ok"}
	broken := &fakeTransport{name: "broken", err: errors.New("down")}
	d := NewDispatcher(zerolog.Nop(), 10, broken, ok)

	var failures atomic.Int32
	d.OnFailure(func(string, error) { failures.Add(1) })

	d.Dispatch([]model.AlertRecord{sampleAlert(model.Bullish), sampleAlert(model.Bearish)})
	require.NoError(t, d.Close(context.Background()))

	// a failing transport does not stop delivery to the others
	assert.Len(t, ok.got, 2)
	assert.Len(t, broken.got, 2)
	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, []string{"broken", "ok"}, d.Transports())

	// dispatching after close is a no-op and Close is idempotent
	d.Dispatch([]model.AlertRecord{sampleAlert(model.Bullish)})
	assert.NoError(t, d.Close(context.Background()))
	assert.Len(t, ok.got, 2)
}

func TestFormatScanSummary(t *testing.T) {
	assert.Equal(t, "No scan has completed yet.", FormatScanSummary(nil))

	g := &model.Gap{Symbol: "AAPL"}
	res := &model.ScanResult{
		ScanNumber:  3,
		CompletedAt: t0,
		PerSymbol: map[string]model.SymbolSnapshot{
			"AAPL": {PerTimeframe: map[model.Timeframe]model.TimeframeSnapshot{
				model.TF5m:  {RecentGap: g, ActiveCount: 2},
				model.TF15m: {ActiveCount: 1},
			}},
		},
		Stats: model.ScanStats{SuccessCount: 1, FailureCount: 1, Failures: map[string]string{"ZZZZ": "not_found"}},
	}
	out := FormatScanSummary(res)
	assert.Contains(t, out, "Scan #3")
	assert.Contains(t, out, "With recent FVG: 1")
	assert.Contains(t, out, "Active gaps: 3")
	assert.Contains(t, out, "ZZZZ: not_found")
}
