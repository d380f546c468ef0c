// Package detector finds Fair Value Gaps and their inversions in a candle
// series.
//
// A bullish gap forms when candle[i-2].High < candle[i].Low and a bearish gap
// when candle[i-2].Low > candle[i].High. Both comparisons are strict, so
// touching bounds never form a gap. An inversion is confirmed when price
// enters a gap's zone and a later candle, within the lookahead window,
// closes beyond the far bound.
//
// Detection is pure: the same series always yields identical results.
package detector

import (
	"sort"

	"GapSentinel/internal/model"
)

const (
	DefaultThreshold = 0.001
	DefaultLookahead = 5
)

// Detector holds detection parameters. The zero value is not usable; build
// with New.
type Detector struct {
	Threshold float64
	Lookahead int
}

// New creates a detector. Non-positive lookahead falls back to the default;
// a negative threshold is treated as zero.
func New(threshold float64, lookahead int) *Detector {
	if threshold < 0 {
		threshold = 0
	}
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Detector{Threshold: threshold, Lookahead: lookahead}
}

// DetectGaps returns every qualifying gap in formation order.
func (d *Detector) DetectGaps(s model.CandleSeries) []model.Gap {
	c := s.Candles
	if len(c) < 3 {
		return nil
	}
	var gaps []model.Gap
	for i := 2; i < len(c); i++ {
		first, third := c[i-2], c[i]

		var g model.Gap
		switch {
		case first.High < third.Low:
			g = model.Gap{
				Direction:      model.Bullish,
				Lower:          first.High,
				Upper:          third.Low,
				ReferencePrice: third.Low,
			}
		case first.Low > third.High:
			g = model.Gap{
				Direction:      model.Bearish,
				Lower:          third.High,
				Upper:          first.Low,
				ReferencePrice: third.High,
			}
		default:
			continue
		}

		g.Size = g.Upper - g.Lower
		g.Percentage = g.Size / g.ReferencePrice
		if g.Percentage < d.Threshold {
			continue
		}
		g.ID = model.GapID(s.Symbol, s.Timeframe, third.Time)
		g.Symbol = s.Symbol
		g.Timeframe = s.Timeframe
		g.FormationIndex = i
		g.FormedAt = third.Time
		g.PriceAtDetection = third.Close
		g.DetectedAt = s.FetchedAt
		g.Status = model.GapUnfilled
		gaps = append(gaps, g)
	}
	return gaps
}

// Recent returns the most recently formed gap, or nil.
func Recent(gaps []model.Gap) *model.Gap {
	var out *model.Gap
	for i := range gaps {
		if out == nil || gaps[i].FormedAt.After(out.FormedAt) {
			g := gaps[i]
			out = &g
		}
	}
	return out
}

// DetectInversions runs the second pass over previously tracked gaps. Gaps
// already inverted, or belonging to another series, are skipped. A gap
// yields at most one inversion.
func (d *Detector) DetectInversions(s model.CandleSeries, gaps []model.Gap) []model.Inversion {
	c := s.Candles
	if len(c) < 3 {
		return nil
	}
	var out []model.Inversion
	for _, g := range gaps {
		if g.Inverted || g.Symbol != s.Symbol || g.Timeframe != s.Timeframe {
			continue
		}
		if inv, ok := d.invert(s, g); ok {
			out = append(out, inv)
		}
	}
	return out
}

func (d *Detector) invert(s model.CandleSeries, g model.Gap) (model.Inversion, bool) {
	c := s.Candles
	// Locate by time: the gap may come from an earlier, shifted window.
	start := sort.Search(len(c), func(i int) bool { return c[i].Time.After(g.FormedAt) })

	entry := -1
	for j := start; j < len(c); j++ {
		if entry >= 0 && j-entry <= d.Lookahead && rejects(g, c[j]) {
			return model.Inversion{
				GapID:        g.ID,
				Gap:          g,
				Symbol:       g.Symbol,
				Timeframe:    g.Timeframe,
				Direction:    g.Direction.Opposite(),
				EntryIndex:   entry,
				EntryPrice:   c[entry].Close,
				ConfirmIndex: j,
				ConfirmedAt:  c[j].Time,
				ClosePrice:   c[j].Close,
			}, true
		}
		if g.Intersects(c[j]) {
			entry = j
		}
	}
	return model.Inversion{}, false
}

// rejects reports a close beyond the far bound, against the gap's direction.
func rejects(g model.Gap, c model.Candle) bool {
	if g.Direction == model.Bearish {
		return c.Close > g.Upper
	}
	return c.Close < g.Lower
}
