// Package report renders scan results as terminal tables and CSV.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"GapSentinel/internal/model"
)

// Options controls table rendering.
type Options struct {
	Timeframes []model.Timeframe // column order; derived from the result when empty
	Color      bool
}

// WriteTable renders one row per symbol with the latest price and, for every
// timeframe, the most recent gap and inversion.
func WriteTable(w io.Writer, res *model.ScanResult, opts Options) {
	if res == nil {
		fmt.Fprintln(w, "No scan has completed yet.")
		return
	}
	tfs := opts.Timeframes
	if len(tfs) == 0 {
		tfs = timeframesOf(res)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	t.SetTitle(fmt.Sprintf("Scan #%d  %s", res.ScanNumber, res.CompletedAt.Local().Format(time.DateTime)))

	header := table.Row{"Symbol", "Price"}
	for _, tf := range tfs {
		header = append(header, string(tf)+" FVG", string(tf)+" iFVG")
	}
	header = append(header, "Active")
	t.AppendHeader(header)

	for _, sym := range symbolsOf(res) {
		snap := res.PerSymbol[sym]
		row := table.Row{sym, formatPrice(latestPrice(snap, tfs))}
		active := 0
		for _, tf := range tfs {
			slot, ok := snap.PerTimeframe[tf]
			switch {
			case !ok:
				row = append(row, "-", "-")
			case slot.Error != "":
				row = append(row, paint(opts.Color, text.FgYellow, "error"), "-")
			default:
				row = append(row, gapCell(slot.RecentGap, opts.Color), inversionCell(slot.RecentInversion, opts.Color))
				active += slot.ActiveCount
			}
		}
		row = append(row, active)
		t.AppendRow(row)
	}
	t.Render()
}

// WriteStats renders the aggregate counts of a scan.
func WriteStats(w io.Writer, res *model.ScanResult) {
	if res == nil {
		return
	}
	s := res.Summarize()
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Statistics")
	t.AppendRows([]table.Row{
		{"Symbols scanned", s.TotalSymbols},
		{"Succeeded", s.SuccessCount},
		{"Failed", s.FailureCount},
		{"Symbols with FVG", s.SymbolsWithGap},
		{"Symbols with iFVG", s.SymbolsWithInv},
		{"Active gaps", s.TotalActiveGaps},
		{"Alerts emitted", res.Stats.AlertsEmitted},
		{"Cache hits", res.Stats.CacheHits},
		{"Duration", (time.Duration(s.DurationMs) * time.Millisecond).String()},
	})
	t.Render()

	if len(res.Stats.Failures) == 0 {
		return
	}
	ft := table.NewWriter()
	ft.SetOutputMirror(w)
	ft.SetStyle(table.StyleLight)
	ft.Style().Format.Header = text.FormatDefault
	ft.AppendHeader(table.Row{"Failed symbol", "Reason"})
	syms := make([]string, 0, len(res.Stats.Failures))
	for sym := range res.Stats.Failures {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		ft.AppendRow(table.Row{sym, res.Stats.Failures[sym]})
	}
	ft.Render()
}

var csvHeader = table.Row{
	"scan", "completed_at", "symbol", "timeframe", "price",
	"gap_direction", "gap_lower", "gap_upper", "gap_pct", "gap_formed_at",
	"inversion_direction", "inversion_confirmed_at", "active_gaps", "error",
}

// WriteCSV writes one record per (symbol, timeframe) slot.
func WriteCSV(w io.Writer, res *model.ScanResult) error {
	t := table.NewWriter()
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(csvHeader)
	if res != nil {
		for _, sym := range symbolsOf(res) {
			snap := res.PerSymbol[sym]
			for _, tf := range sortedTimeframes(snap) {
				t.AppendRow(csvRow(res, sym, tf, snap.PerTimeframe[tf]))
			}
		}
	}
	_, err := io.WriteString(w, t.RenderCSV()+"\n")
	return err
}

// ExportCSV writes the result to path, replacing any existing file.
func ExportCSV(path string, res *model.ScanResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if err := WriteCSV(f, res); err != nil {
		f.Close()
		return fmt.Errorf("write export: %w", err)
	}
	return f.Close()
}

func csvRow(res *model.ScanResult, sym string, tf model.Timeframe, slot model.TimeframeSnapshot) table.Row {
	row := table.Row{
		res.ScanNumber, res.CompletedAt.UTC().Format(time.RFC3339), sym, string(tf), formatFloat(slot.Price),
	}
	if g := slot.RecentGap; g != nil {
		row = append(row, string(g.Direction), formatFloat(g.Lower), formatFloat(g.Upper),
			strconv.FormatFloat(g.Percentage*100, 'f', 4, 64), g.FormedAt.UTC().Format(time.RFC3339))
	} else {
		row = append(row, "", "", "", "", "")
	}
	if inv := slot.RecentInversion; inv != nil {
		row = append(row, string(inv.Direction), inv.ConfirmedAt.UTC().Format(time.RFC3339))
	} else {
		row = append(row, "", "")
	}
	return append(row, slot.ActiveCount, slot.Error)
}

func gapCell(g *model.Gap, color bool) string {
	if g == nil {
		return "-"
	}
	cell := fmt.Sprintf("%s %.2f%%", arrow(g.Direction), g.Percentage*100)
	return paint(color, directionColor(g.Direction), cell)
}

func inversionCell(inv *model.Inversion, color bool) string {
	if inv == nil {
		return "-"
	}
	return paint(color, directionColor(inv.Direction), arrow(inv.Direction)+" "+inv.ConfirmedAt.Local().Format("15:04"))
}

func arrow(d model.Direction) string {
	if d == model.Bullish {
		return "▲"
	}
	return "▼"
}

func directionColor(d model.Direction) text.Color {
	if d == model.Bullish {
		return text.FgGreen
	}
	return text.FgRed
}

func paint(enabled bool, c text.Color, s string) string {
	if !enabled {
		return s
	}
	return c.Sprint(s)
}

// latestPrice picks the price of the first healthy slot in column order.
func latestPrice(snap model.SymbolSnapshot, tfs []model.Timeframe) float64 {
	for _, tf := range tfs {
		if slot, ok := snap.PerTimeframe[tf]; ok && slot.Error == "" && slot.Price > 0 {
			return slot.Price
		}
	}
	return 0
}

func formatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func symbolsOf(res *model.ScanResult) []string {
	syms := make([]string, 0, len(res.PerSymbol))
	for sym := range res.PerSymbol {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

func sortedTimeframes(snap model.SymbolSnapshot) []model.Timeframe {
	tfs := make([]model.Timeframe, 0, len(snap.PerTimeframe))
	for tf := range snap.PerTimeframe {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })
	return tfs
}

func timeframesOf(res *model.ScanResult) []model.Timeframe {
	seen := make(map[model.Timeframe]bool)
	var tfs []model.Timeframe
	for _, snap := range res.PerSymbol {
		for tf := range snap.PerTimeframe {
			if !seen[tf] {
				seen[tf] = true
				tfs = append(tfs, tf)
			}
		}
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })
	return tfs
}
