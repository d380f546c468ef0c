package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GapSentinel/internal/model"
)

func fixture() *model.ScanResult {
	at := time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC)
	gap := &model.Gap{
		Symbol: "AAPL", Timeframe: model.TF5m, Direction: model.Bullish,
		Lower: 100, Upper: 100.4, Percentage: 0.004, FormedAt: at.Add(-15 * time.Minute),
	}
	inv := &model.Inversion{
		Symbol: "MSFT", Timeframe: model.TF15m, Direction: model.Bearish, ConfirmedAt: at.Add(-30 * time.Minute),
	}
	return &model.ScanResult{
		ScanNumber:  3,
		StartedAt:   at.Add(-time.Second),
		CompletedAt: at,
		PerSymbol: map[string]model.SymbolSnapshot{
			"AAPL": {PerTimeframe: map[model.Timeframe]model.TimeframeSnapshot{
				model.TF5m:  {Price: 187.2, RecentGap: gap, ActiveCount: 1},
				model.TF15m: {Price: 187.1},
			}},
			"MSFT": {PerTimeframe: map[model.Timeframe]model.TimeframeSnapshot{
				model.TF5m:  {Error: "fetch MSFT@5m: transient"},
				model.TF15m: {Price: 410.5, RecentInversion: inv, ActiveCount: 2},
			}},
		},
		Stats: model.ScanStats{
			DurationMs:   1200,
			SuccessCount: 1,
			FailureCount: 1,
			Failures:     map[string]string{"MSFT": "fetch MSFT@5m: transient"},
		},
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	WriteTable(&buf, fixture(), Options{Timeframes: []model.Timeframe{model.TF5m, model.TF15m}})
	out := buf.String()

	assert.Contains(t, out, "Scan #3")
	assert.Contains(t, out, "5m FVG")
	assert.Contains(t, out, "15m iFVG")
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "187.20")
	assert.Contains(t, out, "▲ 0.40%")
	assert.Contains(t, out, "error")
	// a failed slot falls back to the next healthy timeframe for the price
	assert.Contains(t, out, "410.50")
	assert.Less(t, strings.Index(out, "AAPL"), strings.Index(out, "MSFT"))
}

func TestWriteTable_NoResult(t *testing.T) {
	var buf bytes.Buffer
	WriteTable(&buf, nil, Options{})
	assert.Equal(t, "No scan has completed yet.\n", buf.String())
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	WriteStats(&buf, fixture())
	out := buf.String()

	assert.Contains(t, out, "Symbols with FVG")
	assert.Contains(t, out, "Symbols with iFVG")
	assert.Contains(t, out, "1.2s")
	assert.Contains(t, out, "Failed symbol")
	assert.Contains(t, out, "fetch MSFT@5m: transient")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, fixture()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)

	assert.Equal(t, "symbol", records[0][2])
	assert.Len(t, records[0], len(csvHeader))

	// AAPL 5m, AAPL 15m, MSFT 5m, MSFT 15m
	aapl5 := records[1]
	assert.Equal(t, []string{"AAPL", "5m", "187.2", "bullish", "100", "100.4", "0.4000"}, aapl5[2:9])
	assert.Equal(t, "1", aapl5[12])

	msft5 := records[3]
	assert.Equal(t, "MSFT", msft5[2])
	assert.Equal(t, "fetch MSFT@5m: transient", msft5[13])

	msft15 := records[4]
	assert.Equal(t, "bearish", msft15[10])
	assert.Equal(t, "2025-03-04T15:00:00Z", msft15[11])
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.csv")
	require.NoError(t, ExportCSV(path, fixture()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "scan,completed_at,symbol"))
}
