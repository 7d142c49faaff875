package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntrySide returns the order side that opens an exposure in direction s.
func EntrySide(s Side) OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes an exposure in direction s.
func ExitSide(s Side) OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType indicates how the venue should work the order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderPurpose distinguishes entry orders from exit orders. A cancel request
// targets the order named by OrderRequest.CancelOrderID; the venue answers it
// with a cancelled report for the target, or not at all when the target has
// already reached a terminal state.
type OrderPurpose string

const (
	PurposeEntry  OrderPurpose = "entry"
	PurposeExit   OrderPurpose = "exit"
	PurposeCancel OrderPurpose = "cancel"
)

// OrderRequest is what the controller hands to an order venue.
type OrderRequest struct {
	ID             string       `json:"id"`
	PositionID     string       `json:"position_id"`
	Instrument     string       `json:"instrument"`
	Side           OrderSide    `json:"side"`
	Type           OrderType    `json:"type"`
	Quantity       float64      `json:"quantity"`
	ReferencePrice float64      `json:"reference_price"`
	Purpose        OrderPurpose `json:"purpose"`
	CancelOrderID  string       `json:"cancel_order_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ReportKind is the outcome a venue reports for an order.
type ReportKind string

const (
	ReportFilled    ReportKind = "filled"
	ReportRejected  ReportKind = "rejected"
	ReportCancelled ReportKind = "cancelled"
)

// ExecutionReport is an asynchronous venue callback for one order.
type ExecutionReport struct {
	OrderID    string       `json:"order_id"`
	PositionID string       `json:"position_id"`
	Instrument string       `json:"instrument"`
	Purpose    OrderPurpose `json:"purpose"`
	Kind       ReportKind   `json:"kind"`
	Price      float64      `json:"price"`
	Quantity   float64      `json:"quantity"`
	Message    string       `json:"message,omitempty"`
	Time       time.Time    `json:"time"`
}
