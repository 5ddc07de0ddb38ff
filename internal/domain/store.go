package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets. Reserve mutations go through UpdateReserves,
// which applies an optimistic version check so two concurrent fills cannot
// both apply deltas from the same stale base.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListSettleable returns automatically-resolved markets that are past
	// their closing time by the grace window (cutoff), not yet resolved or
	// cancelled, and without an assigned outcome.
	ListSettleable(ctx context.Context, cutoff time.Time) ([]Market, error)
	// UpdateReserves writes new reserves if and only if the stored version
	// still equals version; otherwise it returns ErrVersionConflict.
	UpdateReserves(ctx context.Context, id string, reserveYes, reserveNo float64, version int64) error
	// Resolve transitions the market to resolved with the given outcome and
	// zeroes its reserves, conditioned on the market not already being
	// resolved. A lost race returns a KindAlreadySettled error.
	Resolve(ctx context.Context, id string, outcome Outcome) error
	// MarkClosedUnresolved flips the market to closed with no outcome so it
	// is flagged for manual handling instead of retried forever.
	MarkClosedUnresolved(ctx context.Context, id string) error
}

// OrderStore persists orders and the resting limit book.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByMarket(ctx context.Context, marketID string) ([]Order, error)
	// ListRestingLimit returns open limit orders on the given side priced at
	// or better than maxPrice, best price first then oldest first.
	ListRestingLimit(ctx context.Context, marketID string, side Outcome, maxPrice float64, limit int) ([]Order, error)
	// Consume reduces a resting order's remaining amount, marking it filled
	// once nothing remains.
	Consume(ctx context.Context, id string, amount float64) error
	// SetPayout writes the order's settlement payout exactly once.
	SetPayout(ctx context.Context, id string, payout float64) error
}

// PositionStore persists aggregated per-user, per-side positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	GetForUpdate(ctx context.Context, userID, marketID string, side Outcome) (Position, error)
	ListOpenByMarket(ctx context.Context, marketID string) ([]Position, error)
	// CloseAllForMarket closes every still-open position in the market and
	// returns how many were closed.
	CloseAllForMarket(ctx context.Context, marketID string) (int64, error)
}

// AccountStore persists ledger balances. Add must be an atomic in-database
// increment: the system accounts are contention points under concurrent
// settlements and must never be mutated read-modify-write in application
// code.
type AccountStore interface {
	Create(ctx context.Context, a Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	GetByUser(ctx context.Context, userID string) (Account, error)
	GetByRole(ctx context.Context, role AccountRole) (Account, error)
	Add(ctx context.Context, id string, delta float64) error
}

// TransactionStore persists the append-only ledger.
type TransactionStore interface {
	Create(ctx context.Context, t Transaction) error
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Transaction, error)
	// SumByAccount returns the signed sum of completed entries, used to
	// reconcile an account's balance against its ledger.
	SumByAccount(ctx context.Context, accountID string) (float64, error)
}

// Tx bundles every store behind one transactional boundary.
type Tx interface {
	Markets() MarketStore
	Orders() OrderStore
	Positions() PositionStore
	Accounts() AccountStore
	Transactions() TransactionStore
}

// Store is the root persistence interface. Direct calls through the embedded
// Tx auto-commit per statement; WithinTx runs fn inside a single atomic,
// isolated unit and rolls everything back if fn returns an error.
type Store interface {
	Tx
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
