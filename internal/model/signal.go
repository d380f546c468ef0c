package model

import "time"

// Strength is advisory metadata derived from gap percentage.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// CooldownKey groups alerts that suppress each other.
type CooldownKey struct {
	Symbol    string
	Timeframe Timeframe
	Kind      PatternKind
	Direction Direction
}

func (k CooldownKey) String() string {
	return k.Symbol + "|" + string(k.Timeframe) + "|" + string(k.Kind) + "|" + string(k.Direction)
}

// AlertRecord is emitted by the alert engine and pushed to transports.
type AlertRecord struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Timeframe   Timeframe   `json:"timeframe"`
	Kind        PatternKind `json:"kind"`
	Direction   Direction   `json:"direction"`
	Size        float64     `json:"size"`
	Percentage  float64     `json:"percentage"`
	Price       float64     `json:"price"`
	Strength    Strength    `json:"strength"`
	PatternTime time.Time   `json:"patternTime"`
	EmittedAt   time.Time   `json:"emittedAt"`
	CooldownKey string      `json:"cooldownKey"`
}

// AlertStats summarizes emitted alerts.
type AlertStats struct {
	Total      int `json:"total"`
	Gaps       int `json:"gaps"`
	Inversions int `json:"inversions"`
	Bullish    int `json:"bullish"`
	Bearish    int `json:"bearish"`
	Suppressed int `json:"suppressed"`
}
