package models

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind distinguishes limit from market orders.
type Kind string

const (
	KindLimit  Kind = "limit"
	KindMarket Kind = "market"
)

// OrderState follows the venue's order lifecycle vocabulary. Transitions
// are one-directional: submitted -> {partial-filled, filled, canceled,
// partial-canceled}. Terminal states are immutable once reached.
type OrderState string

const (
	StateSubmitted       OrderState = "submitted"
	StatePartialFilled   OrderState = "partial-filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StatePartialCanceled OrderState = "partial-canceled"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StatePartialCanceled:
		return true
	}
	return false
}

// Filled reports whether any base quantity has been executed in this state.
func (s OrderState) Filled() bool {
	switch s {
	case StateFilled, StatePartialFilled, StatePartialCanceled:
		return true
	}
	return false
}

// Order is one order as tracked through its lifecycle. Requested price and
// quantity are what was sent to the venue; the Filled* fields reflect the
// venue's view from the last poll.
type Order struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Kind           Kind       `json:"kind"`
	Price          float64    `json:"price"`
	Quantity       float64    `json:"quantity"`
	State          OrderState `json:"state"`
	FilledQuantity float64    `json:"filled_quantity"`
	FilledCash     float64    `json:"filled_cash"`
	FilledFees     float64    `json:"filled_fees"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AvgPrice returns the realized average fill price, or the requested price
// when nothing has been filled yet.
func (o *Order) AvgPrice() float64 {
	if o.FilledQuantity > 0 {
		return o.FilledCash / o.FilledQuantity
	}
	return o.Price
}

// Remaining returns the unfilled base quantity.
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}
