package domain

// SettleResult summarises one completed settlement.
type SettleResult struct {
	MarketID      string
	Outcome       Outcome
	TotalOrders   int
	WinningOrders int
	TotalPool     float64
	WinningPool   float64
	TotalPayout   float64
	UsersPaid     int
	Recovered     float64 // pool capital returned to the liquidity reserve
	ProfitLoss    float64 // recovered minus initial liquidity, when booked
	BadDebt       float64 // initial liquidity written off when the pool account cannot cover
}

// ScanFailure is one market the settlement scanner could not settle.
type ScanFailure struct {
	MarketID string
	Kind     ErrorKind
	Reason   string
}

// ScanReport is the explicit per-item result of one scanner pass. A failure
// on one market never hides behind an aggregate error: callers get the full
// list.
type ScanReport struct {
	Scanned  int
	Settled  int
	Failures []ScanFailure
}
