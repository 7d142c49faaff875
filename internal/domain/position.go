package domain

import "time"

// Side is the direction of an exposure.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// PositionState is a node of the triple-barrier state machine.
type PositionState string

const (
	StatePendingEntry      PositionState = "PENDING_ENTRY"
	StateActive            PositionState = "ACTIVE"
	StateClosingTakeProfit PositionState = "CLOSING_TAKE_PROFIT"
	StateClosingStopLoss   PositionState = "CLOSING_STOP_LOSS"
	StateClosingTimeLimit  PositionState = "CLOSING_TIME_LIMIT"
	StateClosed            PositionState = "CLOSED"
)

// Closing reports whether the state is one of the CLOSING_* states.
func (s PositionState) Closing() bool {
	switch s {
	case StateClosingTakeProfit, StateClosingStopLoss, StateClosingTimeLimit:
		return true
	}
	return false
}

// Barrier names the exit condition that closed a position.
type Barrier string

const (
	BarrierNone       Barrier = ""
	BarrierTakeProfit Barrier = "take_profit"
	BarrierStopLoss   Barrier = "stop_loss"
	BarrierTimeLimit  Barrier = "time_limit"
)

// ClosingState maps a barrier to its CLOSING_* state.
func (b Barrier) ClosingState() PositionState {
	switch b {
	case BarrierTakeProfit:
		return StateClosingTakeProfit
	case BarrierStopLoss:
		return StateClosingStopLoss
	case BarrierTimeLimit:
		return StateClosingTimeLimit
	}
	return ""
}

// BarrierConfig holds the three exit conditions of a position.
type BarrierConfig struct {
	TakeProfitPct float64       `json:"take_profit_pct"`
	StopLossPct   float64       `json:"stop_loss_pct"`
	TimeLimit     time.Duration `json:"time_limit"`
}

// Position is one market exposure managed by the risk executor.
type Position struct {
	ID             string        `json:"id"`
	Instrument     string        `json:"instrument"`
	StrategyID     string        `json:"strategy_id"`
	Side           Side          `json:"side"`
	Size           float64       `json:"size"`
	Quantity       float64       `json:"quantity"`
	Notional       float64       `json:"notional"`
	EntryPrice     float64       `json:"entry_price"`
	EntryTime      time.Time     `json:"entry_time"`
	Barriers       BarrierConfig `json:"barriers"`
	State          PositionState `json:"state"`
	ExitReason     Barrier       `json:"exit_reason,omitempty"`
	ExitPrice      float64       `json:"exit_price,omitempty"`
	ExitTime       *time.Time    `json:"exit_time,omitempty"`
	ExitAttempts   int           `json:"exit_attempts"`
	PendingOrderID string        `json:"pending_order_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PnLPct returns the signed PnL fraction of the position at price.
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	r := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		return -r
	}
	return r
}

// Open reports whether the position has not reached CLOSED.
func (p Position) Open() bool {
	return p.State != StateClosed
}
