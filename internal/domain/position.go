package domain

import "time"

// PositionStatus tracks whether a position is still live.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position aggregates a user's net shares of one outcome in one market.
// Every position tied to a resolved market ends closed, win or lose.
type Position struct {
	ID       string
	MarketID string
	UserID   string
	Side     Outcome
	Shares   float64
	AvgPrice float64
	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time
}

// AddShares folds an additional fill into the position, keeping AvgPrice the
// cost-weighted average entry price.
func (p *Position) AddShares(shares, cost float64) {
	if shares <= 0 {
		return
	}
	total := p.Shares + shares
	p.AvgPrice = (p.AvgPrice*p.Shares + cost) / total
	p.Shares = total
}
