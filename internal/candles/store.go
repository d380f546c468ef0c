// Package candles validates raw provider rows into candle series.
package candles

import (
	"fmt"
	"time"

	"GapSentinel/internal/model"
)

// MinLength is the shortest series a three-candle window can run over.
const MinLength = 3

// Violation names the invariant a rejected series broke.
type Violation string

const (
	InsufficientLength    Violation = "insufficient_length"
	NonMonotonicTimestamp Violation = "non_monotonic_timestamp"
	UnevenSpacing         Violation = "uneven_spacing"
	NonPositivePrice      Violation = "non_positive_price"
	NegativeVolume        Violation = "negative_volume"
	InconsistentRange     Violation = "inconsistent_range"
	UnknownTimeframe      Violation = "unknown_timeframe"
)

// DataQualityError reports a malformed series. It is never retried.
type DataQualityError struct {
	Symbol    string
	Timeframe model.Timeframe
	Violation Violation
	Index     int
	Detail    string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s@%s: %s at index %d: %s",
		e.Symbol, e.Timeframe, e.Violation, e.Index, e.Detail)
}

// Options tune validation.
type Options struct {
	// AllowSessionGaps accepts deltas that are whole multiples of the
	// timeframe, so overnight and weekend breaks are not rejected.
	AllowSessionGaps bool
}

// Build validates rows and returns them as an immutable series. Rows are
// copied; the caller's slice is never retained.
func Build(symbol string, tf model.Timeframe, rows []model.Candle, fetchedAt time.Time, opts Options) (model.CandleSeries, error) {
	fail := func(v Violation, idx int, format string, args ...any) (model.CandleSeries, error) {
		return model.CandleSeries{}, &DataQualityError{
			Symbol:    symbol,
			Timeframe: tf,
			Violation: v,
			Index:     idx,
			Detail:    fmt.Sprintf(format, args...),
		}
	}

	step := tf.Duration()
	if step <= 0 {
		return fail(UnknownTimeframe, -1, "timeframe %q has no duration", tf)
	}
	if len(rows) < MinLength {
		return fail(InsufficientLength, len(rows), "got %d candles, need at least %d", len(rows), MinLength)
	}

	for i, c := range rows {
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			return fail(NonPositivePrice, i, "o=%g h=%g l=%g c=%g", c.Open, c.High, c.Low, c.Close)
		}
		if c.Volume < 0 {
			return fail(NegativeVolume, i, "volume=%d", c.Volume)
		}
		if c.High < c.Low || c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
			return fail(InconsistentRange, i, "o=%g h=%g l=%g c=%g", c.Open, c.High, c.Low, c.Close)
		}
		if i == 0 {
			continue
		}
		delta := c.Time.Sub(rows[i-1].Time)
		if delta <= 0 {
			return fail(NonMonotonicTimestamp, i, "%s follows %s",
				c.Time.Format(time.RFC3339), rows[i-1].Time.Format(time.RFC3339))
		}
		if !spacingOK(delta, step, opts.AllowSessionGaps) {
			return fail(UnevenSpacing, i, "delta %s for timeframe %s", delta, tf)
		}
	}

	out := make([]model.Candle, len(rows))
	copy(out, rows)
	return model.CandleSeries{
		Symbol:    symbol,
		Timeframe: tf,
		Candles:   out,
		FetchedAt: fetchedAt,
	}, nil
}

func spacingOK(delta, step time.Duration, allowSessionGaps bool) bool {
	if delta == step {
		return true
	}
	if !allowSessionGaps {
		return false
	}
	// Daily bars are stamped at the session open, which moves by an hour
	// across daylight-saving switches.
	var tolerance time.Duration
	if step >= 24*time.Hour {
		tolerance = time.Hour
	}
	rem := delta % step
	return rem <= tolerance || step-rem <= tolerance
}
