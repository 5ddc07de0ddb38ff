package domain

import "time"

// OrderKind distinguishes taker orders routed through the hybrid matcher from
// maker orders that rest on the book at a fixed price.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending" // resting on the book with remaining > 0
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a single buy of outcome shares in one market by one user.
// Amount is gross; Fee is deducted up front, so NetAmount is what actually
// enters the pool or the book. Payout is zero until settlement and is written
// exactly once when the market resolves.
type Order struct {
	ID         string
	MarketID   string
	UserID     string
	Side       Outcome
	Amount     float64
	Fee        float64
	Kind       OrderKind
	LimitPrice *float64
	Remaining  float64 // unfilled net amount, only meaningful for resting limit orders
	Shares     float64
	Payout     float64
	Status     OrderStatus
	CreatedAt  time.Time
	SettledAt  *time.Time
}

// NetAmount returns the stake net of fees.
func (o Order) NetAmount() float64 {
	return o.Amount - o.Fee
}

// Fill records one resting limit order consumed during matching.
type Fill struct {
	OrderID string
	UserID  string
	Side    Outcome // the resting order's side
	Amount  float64 // net amount consumed from the resting order
	Shares  float64 // shares acquired by the taker at the maker's price
	Price   float64 // the maker's limit price
}

// MatchResult is the outcome of routing one order through the hybrid matcher:
// how much was crossed with other users, how much the pool absorbed, and the
// blended execution price.
type MatchResult struct {
	FilledByUsers float64
	FilledByPool  float64
	TotalShares   float64
	AvgPrice      float64
	Fills         []Fill
	PoolShares    float64 // shares of TotalShares that came from the pool
}
