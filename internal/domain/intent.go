package domain

import "time"

// TradeIntent is a sized entry request waiting in an instrument's submission
// queue.
type TradeIntent struct {
	ID             string // UUID for dedup
	Instrument     string
	StrategyID     string
	Side           Side
	Size           float64 // fraction of equity
	Signal         float64
	Weight         float64
	ReferencePrice float64
	Equity         float64
	Barriers       BarrierConfig
	CreatedAt      time.Time
	ExpiresAt      time.Time
}
