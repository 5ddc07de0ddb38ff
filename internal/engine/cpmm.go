// Package engine implements the constant-product pricing kernel, the
// order-book depth and liquidity health estimators derived from it, and the
// hybrid matcher that crosses incoming orders against resting limit orders
// before routing the remainder through the pool.
package engine

import (
	"math"

	"github.com/yesnolabs/marketd/internal/domain"
)

const (
	// seedReserve is the per-side default an empty pool is seeded with so a
	// fresh market still quotes a defined 50/50 price.
	seedReserve = 1000.0

	// minExecutionPrice / maxExecutionPrice clamp reported execution prices
	// away from degenerate extreme quotes.
	minExecutionPrice = 0.01
	maxExecutionPrice = 0.99

	// shareScale rounds issued shares to 4 decimal places so repeating
	// decimals never propagate into storage.
	shareScale = 10000

	// KDriftTolerance bounds acceptable drift of the reserve product across
	// a fill. Drift beyond this indicates a kernel bug and is surfaced to
	// operators, never silently ignored.
	KDriftTolerance = 0.01
)

// Quote is the result of pricing one trade against the pool.
type Quote struct {
	Shares         float64
	NewReserveYes  float64
	NewReserveNo   float64
	ExecutionPrice float64
	K              float64 // reserve product before the trade
	KDrift         float64 // |post-trade product - K|
}

// CurrentPrice returns the pool's quoted price for one side:
// reserveSide / (reserveYes + reserveNo). An empty pool quotes 0.5.
func CurrentPrice(reserveYes, reserveNo float64, side domain.Outcome) float64 {
	total := reserveYes + reserveNo
	if total <= 0 {
		return 0.5
	}
	if side == domain.OutcomeYes {
		return reserveYes / total
	}
	return reserveNo / total
}

// Price quotes buying `amount` of `side` against the pool.
//
// The pool holds its liquidity as a delta-neutral YES+NO bundle: buying YES
// hands the trader YES shares while the pool keeps the NO leg, so the
// opposite reserve grows by the stake and shares solve
// K = (reserveSide - shares) * (reserveOpposite + amount).
// Numerical edge cases (near-empty reserves, non-finite or over-large
// solutions) fall back to shares = amount / max(0.01, currentPrice) with the
// reserve updates clamped to stay non-negative.
func Price(reserveYes, reserveNo float64, side domain.Outcome, amount float64) Quote {
	if reserveYes <= 0 && reserveNo <= 0 {
		reserveYes, reserveNo = seedReserve, seedReserve
	}

	k := reserveYes * reserveNo
	current := CurrentPrice(reserveYes, reserveNo, side)

	same, opp := reserveYes, reserveNo
	if side == domain.OutcomeNo {
		same, opp = reserveNo, reserveYes
	}

	newOpp := opp + amount
	var shares, newSame float64

	if newOpp > 0 && k > 0 {
		shares = same - k/newOpp
		if shares <= 0 || shares > same || !isFinite(shares) {
			shares = amount / math.Max(minExecutionPrice, current)
			newSame = math.Max(0, same-shares)
		} else {
			newSame = same - shares
		}
	} else {
		shares = amount / math.Max(minExecutionPrice, current)
		newSame = math.Max(0, same-shares)
	}

	execution := current
	if shares > 0 {
		execution = amount / shares
	}

	newYes, newNo := newSame, newOpp
	if side == domain.OutcomeNo {
		newYes, newNo = newOpp, newSame
	}

	q := Quote{
		Shares:         math.Max(0, roundShares(shares)),
		NewReserveYes:  math.Max(0, newYes),
		NewReserveNo:   math.Max(0, newNo),
		ExecutionPrice: clampPrice(execution),
		K:              k,
	}
	if k > 0 {
		// Exact arithmetic conserves the product; residual drift beyond the
		// tolerance means the fallback fired or the kernel is wrong.
		q.KDrift = math.Abs(q.NewReserveYes*q.NewReserveNo - k)
	}
	return q
}

func roundShares(s float64) float64 {
	return math.Round(s*shareScale) / shareScale
}

func clampPrice(p float64) float64 {
	return math.Max(minExecutionPrice, math.Min(maxExecutionPrice, p))
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
