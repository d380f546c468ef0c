package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GapSentinel/internal/metrics"
	"GapSentinel/internal/model"
	"GapSentinel/internal/scanner"
)

type fakeScans struct {
	latest *model.ScanResult
	err    error
	calls  int
}

func (f *fakeScans) Latest() *model.ScanResult { return f.latest }

func (f *fakeScans) Scan(context.Context) (*model.ScanResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.latest, nil
}

type fakeAlerts struct {
	recs      []model.AlertRecord
	lastLimit int
}

func (f *fakeAlerts) History(limit int) []model.AlertRecord {
	f.lastLimit = limit
	if limit < len(f.recs) {
		return f.recs[:limit]
	}
	return f.recs
}

func (f *fakeAlerts) Stats() model.AlertStats {
	return model.AlertStats{Total: len(f.recs), Gaps: len(f.recs)}
}

func sampleResult() *model.ScanResult {
	at := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	return &model.ScanResult{
		ScanNumber:  7,
		StartedAt:   at,
		CompletedAt: at.Add(800 * time.Millisecond),
		PerSymbol: map[string]model.SymbolSnapshot{
			"AAPL": {PerTimeframe: map[model.Timeframe]model.TimeframeSnapshot{
				model.TF5m: {Price: 187.2, ActiveCount: 2},
			}},
		},
		Stats: model.ScanStats{DurationMs: 800, SuccessCount: 1},
	}
}

func do(t *testing.T, s *Server, method, target string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestLatestScan(t *testing.T) {
	scans := &fakeScans{}
	s := New(":0", scans, &fakeAlerts{}, nil, zerolog.Nop())

	rec, _ := do(t, s, http.MethodGet, "/api/v1/scan/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	scans.latest = sampleResult()
	rec, _ = do(t, s, http.MethodGet, "/api/v1/scan/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data model.ScanResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, uint64(7), out.Data.ScanNumber)
	assert.Equal(t, 187.2, out.Data.PerSymbol["AAPL"].PerTimeframe[model.TF5m].Price)
}

func TestSummaryAndHealth(t *testing.T) {
	scans := &fakeScans{latest: sampleResult()}
	s := New(":0", scans, &fakeAlerts{}, nil, zerolog.Nop())

	rec, _ := do(t, s, http.MethodGet, "/api/v1/scan/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Data model.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Data.TotalSymbols)
	assert.Equal(t, 2, out.Data.TotalActiveGaps)

	rec, body := do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, data["lastScan"])
}

func TestTriggerScan(t *testing.T) {
	scans := &fakeScans{latest: sampleResult()}
	s := New(":0", scans, &fakeAlerts{}, nil, zerolog.Nop())

	rec, _ := do(t, s, http.MethodPost, "/api/v1/scan")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, scans.calls)

	scans.err = scanner.ErrScanInProgress
	rec, _ = do(t, s, http.MethodPost, "/api/v1/scan")
	assert.Equal(t, http.StatusConflict, rec.Code)

	scans.err = scanner.ErrNoPairs
	rec, _ = do(t, s, http.MethodPost, "/api/v1/scan")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAlertHistory(t *testing.T) {
	alerts := &fakeAlerts{recs: make([]model.AlertRecord, 80)}
	s := New(":0", &fakeScans{}, alerts, nil, zerolog.Nop())

	rec, _ := do(t, s, http.MethodGet, "/api/v1/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, alerts.lastLimit)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/alerts?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, alerts.lastLimit)

	var out struct {
		Data struct {
			Alerts []model.AlertRecord `json:"alerts"`
			Stats  model.AlertStats    `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Data.Alerts, 5)
	assert.Equal(t, 80, out.Data.Stats.Total)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/alerts?limit=1000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/alerts?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.RecordAlert("gap")
	s := New(":0", &fakeScans{}, &fakeAlerts{}, m.Handler(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gapsentinel_")
}
