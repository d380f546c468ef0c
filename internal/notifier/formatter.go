package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"GapSentinel/internal/model"
)

const timeLayout = "2006-01-02 15:04:05"

func kindLabel(k model.PatternKind) string {
	if k == model.KindInversion {
		return "iFVG"
	}
	return "FVG"
}

func kindEmoji(k model.PatternKind) string {
	if k == model.KindInversion {
		return "🔄"
	}
	return "🔥"
}

func directionEmoji(d model.Direction) string {
	if d == model.Bullish {
		return "🟢"
	}
	return "🔴"
}

// FormatAlert formats an alert as a Telegram HTML message.
func FormatAlert(rec model.AlertRecord) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s <b>%s Alert</b> %s\n\n", kindEmoji(rec.Kind), kindLabel(rec.Kind), directionEmoji(rec.Direction)))
	b.WriteString(fmt.Sprintf("Symbol: <b>%s</b>\n", html.EscapeString(rec.Symbol)))
	b.WriteString(fmt.Sprintf("Timeframe: %s\n", rec.Timeframe))
	b.WriteString(fmt.Sprintf("Direction: %s\n", rec.Direction))
	b.WriteString(fmt.Sprintf("Gap Size: %.4f\n", rec.Size))
	b.WriteString(fmt.Sprintf("Gap %%: %.2f%% (%s)\n", rec.Percentage*100, rec.Strength))
	b.WriteString(fmt.Sprintf("Price: $%.2f\n", rec.Price))
	b.WriteString(fmt.Sprintf("Time: %s", rec.PatternTime.Format(timeLayout)))
	return b.String()
}

// FormatAlertPlain formats an alert for a terminal.
func FormatAlertPlain(rec model.AlertRecord) string {
	return fmt.Sprintf("%s %s Alert! %s\nSymbol: %s\nTimeframe: %s\nDirection: %s\nGap Size: %.4f\nGap %%: %.2f%% (%s)\nPrice: $%.2f\nTime: %s",
		kindEmoji(rec.Kind), kindLabel(rec.Kind), directionEmoji(rec.Direction),
		rec.Symbol, rec.Timeframe, rec.Direction, rec.Size, rec.Percentage*100, rec.Strength,
		rec.Price, rec.PatternTime.Format(timeLayout))
}

// FormatScanSummary formats scan statistics for a status reply.
func FormatScanSummary(res *model.ScanResult) string {
	if res == nil {
		return "No scan has completed yet."
	}
	sum := res.Summarize()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>Scan #%d</b> | %s\n\n", res.ScanNumber, res.CompletedAt.Format(timeLayout)))
	b.WriteString(fmt.Sprintf("Symbols: %d (ok %d, failed %d)\n", sum.TotalSymbols, sum.SuccessCount, sum.FailureCount))
	b.WriteString(fmt.Sprintf("With recent FVG: %d\n", sum.SymbolsWithGap))
	b.WriteString(fmt.Sprintf("With recent iFVG: %d\n", sum.SymbolsWithInv))
	b.WriteString(fmt.Sprintf("Active gaps: %d\n", sum.TotalActiveGaps))
	b.WriteString(fmt.Sprintf("Alerts: %d | Cache hits: %d\n", res.Stats.AlertsEmitted, res.Stats.CacheHits))
	b.WriteString(fmt.Sprintf("Duration: %dms\n", sum.DurationMs))

	if len(res.Stats.Failures) > 0 {
		syms := make([]string, 0, len(res.Stats.Failures))
		for s := range res.Stats.Failures {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		b.WriteString("\n⚠️ <b>Failures:</b>\n")
		for _, s := range syms {
			b.WriteString(fmt.Sprintf("  %s: %s\n", html.EscapeString(s), html.EscapeString(res.Stats.Failures[s])))
		}
	}
	return b.String()
}

// FormatAlertHistory lists recent alerts, newest first.
func FormatAlertHistory(recs []model.AlertRecord, stats model.AlertStats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🚨 <b>Alerts</b> | total %d (FVG %d, iFVG %d, bull %d, bear %d, suppressed %d)\n\n",
		stats.Total, stats.Gaps, stats.Inversions, stats.Bullish, stats.Bearish, stats.Suppressed))
	if len(recs) == 0 {
		b.WriteString("No alerts yet.")
		return b.String()
	}
	for _, r := range recs {
		b.WriteString(fmt.Sprintf("%s %s %s@%s %.2f%% at %s\n",
			directionEmoji(r.Direction), kindLabel(r.Kind), html.EscapeString(r.Symbol), r.Timeframe,
			r.Percentage*100, r.EmittedAt.Format("01-02 15:04")))
	}
	return b.String()
}

// HelpText lists the supported commands.
func HelpText() string {
	return "Available commands:\n• /scan run a scan now\n• /status last scan summary\n• /alerts recent alerts\n• /help this message"
}
