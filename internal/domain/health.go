package domain

// HealthStatus classifies a market's liquidity depth.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthDepleted HealthStatus = "DEPLETED"
)

// HealthScore is the result of probing a market's pool with nominal trades.
// Score runs 0-100, higher is healthier; slippages are percentages.
type HealthScore struct {
	Status        HealthStatus
	Score         int
	SlippageSmall float64 // slippage of the small probe trade
	SlippageLarge float64 // slippage of the large probe trade
}

// DepthLevel estimates how many shares a nominal trade could acquire at one
// target price level.
type DepthLevel struct {
	Price  float64
	Shares float64
	Side   Outcome
}
