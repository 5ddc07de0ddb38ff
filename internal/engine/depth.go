package engine

import (
	"math"

	"github.com/yesnolabs/marketd/internal/domain"
)

const (
	// depthProbeAmount is the nominal trade used to probe each price level.
	depthProbeAmount = 100.0

	// Probe trades for the health estimator.
	healthProbeSmall = 100.0
	healthProbeLarge = 500.0

	// Slippage thresholds, in percent. Healthy when the large probe slips
	// under 5%, depleted when even the small probe slips over 20%.
	healthySlippagePct  = 5.0
	depletedSlippagePct = 20.0
)

// DefaultPriceLevels are the levels the depth endpoint reports by default.
var DefaultPriceLevels = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// Depth estimates, per target price level, how many shares a nominal trade
// could acquire at that level. Purely observational: the kernel is invoked on
// copies of the reserves and nothing is mutated.
func Depth(reserveYes, reserveNo float64, priceLevels []float64) []domain.DepthLevel {
	if len(priceLevels) == 0 {
		priceLevels = DefaultPriceLevels
	}

	levels := make([]domain.DepthLevel, 0, len(priceLevels))
	for _, price := range priceLevels {
		side := domain.OutcomeYes
		if price <= 0.5 {
			side = domain.OutcomeNo
		}

		shares := 0.0
		if price > 0 {
			// Probe the kernel first: a level is only quotable when the
			// pool can actually issue shares there.
			if q := Price(reserveYes, reserveNo, side, depthProbeAmount); q.Shares > 0 {
				shares = depthProbeAmount / price
			}
		}

		levels = append(levels, domain.DepthLevel{Price: price, Shares: shares, Side: side})
	}
	return levels
}

// Health scores a market's liquidity depth by running the kernel with two
// probe amounts on an empty-pool-safe copy of the reserves and measuring
// slippage against the pre-trade price. A pool with both reserves depleted is
// always DEPLETED with score 0.
func Health(reserveYes, reserveNo float64, side domain.Outcome) domain.HealthScore {
	if reserveYes <= 0 && reserveNo <= 0 {
		return domain.HealthScore{
			Status:        domain.HealthDepleted,
			Score:         0,
			SlippageSmall: 100,
			SlippageLarge: 100,
		}
	}

	current := CurrentPrice(reserveYes, reserveNo, side)
	small := slippagePct(reserveYes, reserveNo, side, healthProbeSmall, current)
	large := slippagePct(reserveYes, reserveNo, side, healthProbeLarge, current)

	var status domain.HealthStatus
	var score float64

	switch {
	case large < healthySlippagePct:
		status = domain.HealthHealthy
		score = math.Max(80, 100-large*2)
	case small > depletedSlippagePct:
		status = domain.HealthDepleted
		score = math.Max(0, 40-(small-depletedSlippagePct))
	default:
		status = domain.HealthWarning
		score = 40 + (large-healthySlippagePct)*2
	}

	return domain.HealthScore{
		Status:        status,
		Score:         int(math.Round(score)),
		SlippageSmall: small,
		SlippageLarge: large,
	}
}

func slippagePct(reserveYes, reserveNo float64, side domain.Outcome, probe, current float64) float64 {
	if current <= 0 {
		return 0
	}
	q := Price(reserveYes, reserveNo, side, probe)
	return math.Abs(q.ExecutionPrice-current) / current * 100
}
