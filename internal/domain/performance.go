package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Metric is a numeric result that may be undefined, e.g. a Sharpe ratio of a
// zero-variance series. Undefined metrics marshal as JSON null.
type Metric struct {
	Value   float64
	Defined bool
}

// NewMetric wraps v, reporting NaN and Inf as undefined.
func NewMetric(v float64) Metric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Metric{}
	}
	return Metric{Value: v, Defined: true}
}

// Undefined is the zero Metric.
func Undefined() Metric { return Metric{} }

// MarshalJSON implements json.Marshaler.
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metric) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Metric{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = NewMetric(v)
	return nil
}

// TradeOutcome is the realized result of one closed position.
type TradeOutcome struct {
	PositionID string    `json:"position_id"`
	Instrument string    `json:"instrument"`
	StrategyID string    `json:"strategy_id"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Barrier    Barrier   `json:"barrier"`
	ReturnPct  float64   `json:"return_pct"`
	// Shadow marks the virtual trade of a demoted strategy. It moves no
	// capital and only feeds the strategy's evaluation.
	Shadow bool `json:"shadow,omitempty"`
}

// Evaluation is the set of skill metrics derived from a return series.
type Evaluation struct {
	Trades   int    `json:"trades"`
	Trials   int    `json:"trials"`
	Mean     Metric `json:"mean"`
	StdDev   Metric `json:"std_dev"`
	Sharpe   Metric `json:"sharpe"`
	Skewness Metric `json:"skewness"`
	Kurtosis Metric `json:"kurtosis"`
	PSR      Metric `json:"psr"`
	DSR      Metric `json:"dsr"`
	MinTRL   Metric `json:"min_trl"`
	Eligible bool   `json:"eligible"`
}

// PerformanceRecord is the accumulating history of one strategy on one
// instrument. Returns are append-only.
type PerformanceRecord struct {
	Instrument string     `json:"instrument"`
	StrategyID string     `json:"strategy_id"`
	Returns    []float64  `json:"returns"`
	Evaluation Evaluation `json:"evaluation"`
	Demoted    bool       `json:"demoted"`
	Probation  bool       `json:"probation"`
	WinRate    Metric     `json:"win_rate"`
	DemotedAt  *time.Time `json:"demoted_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
