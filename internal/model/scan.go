package model

import "time"

// TimeframeSnapshot is the per-(symbol, timeframe) slot of a scan result.
type TimeframeSnapshot struct {
	Price           float64    `json:"price"`
	RecentGap       *Gap       `json:"recentGap"`
	RecentInversion *Inversion `json:"recentInversion"`
	ActiveCount     int        `json:"activeCount"`
	Error           string     `json:"error,omitempty"`
}

// SymbolSnapshot groups the timeframe slots of one symbol.
type SymbolSnapshot struct {
	PerTimeframe map[Timeframe]TimeframeSnapshot `json:"perTimeframe"`
}

// ScanStats aggregates one cycle. Success and failure are counted per
// symbol: a symbol fails when any of its timeframes failed.
type ScanStats struct {
	DurationMs    int64             `json:"durationMs"`
	SuccessCount  int               `json:"successCount"`
	FailureCount  int               `json:"failureCount"`
	Failures      map[string]string `json:"failures,omitempty"`
	AlertsEmitted int               `json:"alertsEmitted"`
	CacheHits     int               `json:"cacheHits"`
}

// ScanResult is created fresh each cycle and never modified after it is
// returned.
type ScanResult struct {
	ScanNumber  uint64                    `json:"scanNumber"`
	StartedAt   time.Time                 `json:"startedAt"`
	CompletedAt time.Time                 `json:"completedAt"`
	PerSymbol   map[string]SymbolSnapshot `json:"perSymbol"`
	Stats       ScanStats                 `json:"stats"`
}

// Summary holds derived counts used by reports and status commands.
type Summary struct {
	ScanNumber      uint64 `json:"scanNumber"`
	TotalSymbols    int    `json:"totalSymbols"`
	SymbolsWithGap  int    `json:"symbolsWithGap"`
	SymbolsWithInv  int    `json:"symbolsWithInversion"`
	TotalRecentGaps int    `json:"totalRecentGaps"`
	TotalRecentInvs int    `json:"totalRecentInversions"`
	TotalActiveGaps int    `json:"totalActiveGaps"`
	SuccessCount    int    `json:"successCount"`
	FailureCount    int    `json:"failureCount"`
	DurationMs      int64  `json:"durationMs"`
}

// Summarize computes scan statistics over the per-symbol snapshots.
func (r *ScanResult) Summarize() Summary {
	s := Summary{
		ScanNumber:   r.ScanNumber,
		TotalSymbols: len(r.PerSymbol),
		SuccessCount: r.Stats.SuccessCount,
		FailureCount: r.Stats.FailureCount,
		DurationMs:   r.Stats.DurationMs,
	}
	for _, sym := range r.PerSymbol {
		var hasGap, hasInv bool
		for _, tf := range sym.PerTimeframe {
			if tf.RecentGap != nil {
				hasGap = true
				s.TotalRecentGaps++
			}
			if tf.RecentInversion != nil {
				hasInv = true
				s.TotalRecentInvs++
			}
			s.TotalActiveGaps += tf.ActiveCount
		}
		if hasGap {
			s.SymbolsWithGap++
		}
		if hasInv {
			s.SymbolsWithInv++
		}
	}
	return s
}
