package model

import (
	"fmt"
	"time"
)

// Direction of a gap or inversion.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Bullish {
		return Bearish
	}
	return Bullish
}

// GapStatus is the fill state of a tracked gap. The only legal transition is
// GapUnfilled -> GapFilled.
type GapStatus string

const (
	GapUnfilled GapStatus = "unfilled"
	GapFilled   GapStatus = "filled"
)

// Gap is a Fair Value Gap: the untraded zone between candle[i-2] and
// candle[i] of a three-candle window.
type Gap struct {
	ID               string     `json:"id"`
	Symbol           string     `json:"symbol"`
	Timeframe        Timeframe  `json:"timeframe"`
	Direction        Direction  `json:"direction"`
	FormationIndex   int        `json:"formationIndex"`
	FormedAt         time.Time  `json:"formedAt"`
	Upper            float64    `json:"upper"`
	Lower            float64    `json:"lower"`
	Size             float64    `json:"size"`
	Percentage       float64    `json:"percentage"`
	ReferencePrice   float64    `json:"referencePrice"`
	PriceAtDetection float64    `json:"priceAtDetection"`
	DetectedAt       time.Time  `json:"detectedAt"`
	Status           GapStatus  `json:"status"`
	FilledAt         *time.Time `json:"filledAt,omitempty"`
	Inverted         bool       `json:"inverted"`
}

// GapID builds the identity of a gap. The formation candle's timestamp is
// stable across refetches, unlike its index inside a sliding window.
func GapID(symbol string, tf Timeframe, formedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, formedAt.Unix())
}

// IsFilled reports whether the gap reached its terminal state.
func (g Gap) IsFilled() bool { return g.Status == GapFilled }

// Intersects reports whether a candle's range overlaps the gap zone.
func (g Gap) Intersects(c Candle) bool {
	return c.Low <= g.Upper && c.High >= g.Lower
}

// Inversion (iFVG) records a gap that was entered by price and then
// rejected through its far bound, reversing the original direction.
type Inversion struct {
	GapID        string    `json:"gapId"`
	Gap          Gap       `json:"gap"`
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	Direction    Direction `json:"direction"`
	EntryIndex   int       `json:"entryIndex"`
	EntryPrice   float64   `json:"entryPrice"`
	ConfirmIndex int       `json:"confirmIndex"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
	ClosePrice   float64   `json:"closePrice"`
}

// PatternKind tags the Pattern variant.
type PatternKind string

const (
	KindGap       PatternKind = "gap"
	KindInversion PatternKind = "inversion"
)

// Pattern is either a Gap or an Inversion, consumed uniformly by alerting
// and display. Exactly one of Gap and Inversion is set, matching Kind.
type Pattern struct {
	Kind      PatternKind
	Gap       *Gap
	Inversion *Inversion
}

// GapPattern wraps a gap.
func GapPattern(g Gap) Pattern { return Pattern{Kind: KindGap, Gap: &g} }

// InversionPattern wraps an inversion.
func InversionPattern(inv Inversion) Pattern {
	return Pattern{Kind: KindInversion, Inversion: &inv}
}

func (p Pattern) Symbol() string {
	if p.Kind == KindInversion {
		return p.Inversion.Symbol
	}
	return p.Gap.Symbol
}

func (p Pattern) Timeframe() Timeframe {
	if p.Kind == KindInversion {
		return p.Inversion.Timeframe
	}
	return p.Gap.Timeframe
}

func (p Pattern) Direction() Direction {
	if p.Kind == KindInversion {
		return p.Inversion.Direction
	}
	return p.Gap.Direction
}

// Size and Percentage of an inversion are those of the gap it inverts.
func (p Pattern) Size() float64 {
	if p.Kind == KindInversion {
		return p.Inversion.Gap.Size
	}
	return p.Gap.Size
}

func (p Pattern) Percentage() float64 {
	if p.Kind == KindInversion {
		return p.Inversion.Gap.Percentage
	}
	return p.Gap.Percentage
}

// Time is the candle time at which the pattern was confirmed.
func (p Pattern) Time() time.Time {
	if p.Kind == KindInversion {
		return p.Inversion.ConfirmedAt
	}
	return p.Gap.FormedAt
}

// Price is the close of the confirming candle.
func (p Pattern) Price() float64 {
	if p.Kind == KindInversion {
		return p.Inversion.ClosePrice
	}
	return p.Gap.PriceAtDetection
}
