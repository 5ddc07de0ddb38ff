package domain

import "time"

// AccountRole identifies the three reserved system accounts alongside
// ordinary user accounts. System accounts are plain rows resolved by role at
// the start of settlement, never process-wide globals.
type AccountRole string

const (
	RoleUser             AccountRole = "user"
	RoleFee              AccountRole = "fee"
	RoleAMMPool          AccountRole = "amm_pool"
	RoleLiquidityReserve AccountRole = "liquidity_reserve"
)

// Well-known stable keys for the system account rows seeded by migration.
const (
	AccountIDFee              = "system:fee"
	AccountIDAMMPool          = "system:amm_pool"
	AccountIDLiquidityReserve = "system:liquidity_reserve"
)

// Account is a single ledger balance. User accounts have Role == RoleUser and
// a non-empty UserID; system accounts use the reserved roles above.
type Account struct {
	ID        string
	UserID    string
	Role      AccountRole
	Balance   float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TxType tags a ledger entry with the business event that produced it.
type TxType string

const (
	TxTypeTrade              TxType = "trade"
	TxTypeFee                TxType = "fee"
	TxTypePayout             TxType = "payout"
	TxTypeLiquidityInjection TxType = "liquidity_injection"
	TxTypeLiquidityRecovery  TxType = "liquidity_recovery"
	TxTypeProfitLoss         TxType = "profit_loss"
	TxTypeBadDebt            TxType = "bad_debt"
)

// TxStatus tracks a ledger entry's state.
type TxStatus string

const (
	TxStatusCompleted TxStatus = "completed"
	TxStatusFailed    TxStatus = "failed"
)

// Transaction is one append-only ledger entry. Transfer entries (trade, fee,
// payout, liquidity movements) reconcile with account balances; profit_loss
// and bad_debt entries are bookings that record an outcome without moving
// money.
type Transaction struct {
	ID        string
	AccountID string
	Amount    float64 // signed: credits positive, debits negative
	Type      TxType
	Reason    string
	Status    TxStatus
	CreatedAt time.Time
}
