package domain

import (
	"math"
	"time"
)

// Bar is one OHLCV observation for an instrument.
type Bar struct {
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// Valid reports whether the bar carries a usable close price.
func (b Bar) Valid() bool {
	return !math.IsNaN(b.Close) && !math.IsInf(b.Close, 0) && b.Close > 0 && !b.Time.IsZero()
}

// Range returns the low and high of the bar, falling back to the close for
// missing or inconsistent extremes.
func (b Bar) Range() (low, high float64) {
	low, high = b.Close, b.Close
	if b.Low > 0 && b.Low < low {
		low = b.Low
	}
	if b.High > 0 && b.High > high {
		high = b.High
	}
	return low, high
}
