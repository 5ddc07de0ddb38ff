package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesnolabs/marketd/internal/domain"
)

func TestCurrentPrice(t *testing.T) {
	assert.Equal(t, 0.5, CurrentPrice(0, 0, domain.OutcomeYes))
	assert.Equal(t, 0.5, CurrentPrice(0, 0, domain.OutcomeNo))
	assert.InDelta(t, 0.6, CurrentPrice(600, 400, domain.OutcomeYes), 1e-9)
	assert.InDelta(t, 0.4, CurrentPrice(600, 400, domain.OutcomeNo), 1e-9)
}

func TestPriceSeedsEmptyPool(t *testing.T) {
	q := Price(0, 0, domain.OutcomeYes, 100)

	// Seeded to 1000/1000: shares = 1000 - 1,000,000/1100.
	require.Greater(t, q.Shares, 0.0)
	assert.InDelta(t, 90.9091, q.Shares, 1e-4)
	assert.InDelta(t, 1100, q.NewReserveNo, 1e-9)
	assert.InDelta(t, 909.0909, q.NewReserveYes, 1e-3)
	assert.GreaterOrEqual(t, q.ExecutionPrice, 0.01)
	assert.LessOrEqual(t, q.ExecutionPrice, 0.99)
}

func TestPriceBalancedPoolLargeBuy(t *testing.T) {
	q := Price(1000, 1000, domain.OutcomeYes, 500)

	assert.InDelta(t, 1500, q.NewReserveNo, 1e-9)
	assert.InDelta(t, 333.3333, q.Shares, 1e-4)
	// Raw execution price 500/333.33 = 1.50, clamped to the cap.
	assert.Equal(t, 0.99, q.ExecutionPrice)
	assert.InDelta(t, 1_000_000, q.K, 1e-9)
	assert.Less(t, q.KDrift, KDriftTolerance)
}

func TestPriceNoSideSymmetry(t *testing.T) {
	qYes := Price(1000, 1000, domain.OutcomeYes, 500)
	qNo := Price(1000, 1000, domain.OutcomeNo, 500)

	assert.InDelta(t, qYes.Shares, qNo.Shares, 1e-9)
	assert.InDelta(t, qYes.NewReserveYes, qNo.NewReserveNo, 1e-9)
	assert.InDelta(t, qYes.NewReserveNo, qNo.NewReserveYes, 1e-9)
}

func TestPriceConservesProduct(t *testing.T) {
	cases := []struct {
		name    string
		yes, no float64
		side    domain.Outcome
		amount  float64
	}{
		{"balanced small", 1000, 1000, domain.OutcomeYes, 10},
		{"balanced large", 1000, 1000, domain.OutcomeNo, 800},
		{"skewed yes", 5000, 500, domain.OutcomeYes, 250},
		{"skewed no", 200, 3000, domain.OutcomeNo, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := Price(tc.yes, tc.no, tc.side, tc.amount)
			assert.Less(t, q.KDrift, KDriftTolerance)
			assert.GreaterOrEqual(t, q.NewReserveYes, 0.0)
			assert.GreaterOrEqual(t, q.NewReserveNo, 0.0)
			assert.Greater(t, q.Shares, 0.0)
		})
	}
}

func TestPriceFallbackOnZeroReserve(t *testing.T) {
	// One side empty: K = 0, so the constant-product solution is undefined and
	// the simplified price-based formula takes over.
	q := Price(0, 1000, domain.OutcomeYes, 100)

	// currentPrice = 0, floored to 0.01.
	assert.InDelta(t, 10000, q.Shares, 1e-9)
	assert.Equal(t, 0.01, q.ExecutionPrice)
	assert.Equal(t, 0.0, q.NewReserveYes)
	assert.InDelta(t, 1100, q.NewReserveNo, 1e-9)
}

func TestPriceSharesRoundedToFourDecimals(t *testing.T) {
	q := Price(1000, 1000, domain.OutcomeYes, 500)
	scaled := q.Shares * 10000
	assert.InDelta(t, math.Round(scaled), scaled, 1e-6)
}

func TestPriceExecutionPriceClamped(t *testing.T) {
	for _, amount := range []float64{1, 50, 500, 5000} {
		q := Price(1000, 1000, domain.OutcomeYes, amount)
		assert.GreaterOrEqual(t, q.ExecutionPrice, 0.01, "amount %v", amount)
		assert.LessOrEqual(t, q.ExecutionPrice, 0.99, "amount %v", amount)
	}
}

func TestPriceNeverReturnsNegativeShares(t *testing.T) {
	q := Price(0.0001, 0.0001, domain.OutcomeYes, 1000)
	assert.GreaterOrEqual(t, q.Shares, 0.0)
	assert.GreaterOrEqual(t, q.NewReserveYes, 0.0)
	assert.GreaterOrEqual(t, q.NewReserveNo, 0.0)
}
