package domain

import "time"

// Snapshot is the periodic monitoring view of one instrument's controller.
// DrawdownLevel and Drawdown describe the portfolio drawdown breaker.
type Snapshot struct {
	Instrument    string              `json:"instrument"`
	Regime        RegimeState         `json:"regime"`
	Allocation    AllocationWeights   `json:"allocation"`
	Positions     []Position          `json:"positions"`
	Performance   []PerformanceRecord `json:"performance"`
	Halted        bool                `json:"halted"`
	Equity        float64             `json:"equity"`
	DrawdownLevel string              `json:"drawdown_level,omitempty"`
	Drawdown      float64             `json:"drawdown,omitempty"`
	Cycles        int64               `json:"cycles"`
	Timestamp     time.Time           `json:"timestamp"`
}
