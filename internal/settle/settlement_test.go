package settle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEngine(store domain.Store) *Engine {
	return NewEngine(store, nil, nil, nil, nil, Config{}, testLogger())
}

// seedMarket inserts a past-close auto-resolved market with the given snapshot
// and pool reserves.
func seedMarket(t *testing.T, store domain.Store, id string, snapshot *domain.PriceSnapshot, yes, no, initialLiquidity float64) {
	t.Helper()
	require.NoError(t, store.Markets().Create(context.Background(), domain.Market{
		ID:               id,
		Question:         "test market " + id,
		ReserveYes:       yes,
		ReserveNo:        no,
		InitialLiquidity: initialLiquidity,
		Status:           domain.MarketStatusOpen,
		AutoResolve:      true,
		Snapshot:         snapshot,
		ClosesAt:         time.Now().Add(-time.Hour),
	}))
}

func seedUser(t *testing.T, store domain.Store, userID string, balance float64) string {
	t.Helper()
	id := "acct-" + userID
	require.NoError(t, store.Accounts().Create(context.Background(), domain.Account{
		ID:      id,
		UserID:  userID,
		Role:    domain.RoleUser,
		Balance: balance,
	}))
	return id
}

func seedOrder(t *testing.T, store domain.Store, id, marketID, userID string, side domain.Outcome, amount, fee float64) {
	t.Helper()
	require.NoError(t, store.Orders().Create(context.Background(), domain.Order{
		ID:       id,
		MarketID: marketID,
		UserID:   userID,
		Side:     side,
		Amount:   amount,
		Fee:      fee,
		Kind:     domain.OrderKindMarket,
		Status:   domain.OrderStatusFilled,
	}))
}

func fundAMM(t *testing.T, store domain.Store, amount float64) {
	t.Helper()
	require.NoError(t, store.Accounts().Add(context.Background(), domain.AccountIDAMMPool, amount))
}

func TestSettleParimutuelPayouts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	u1 := seedUser(t, store, "u1", 0)
	u2 := seedUser(t, store, "u2", 0)
	u3 := seedUser(t, store, "u3", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)
	seedOrder(t, store, "o2", "m1", "u2", domain.OutcomeYes, 200, 0)
	seedOrder(t, store, "o3", "m1", "u3", domain.OutcomeNo, 150, 0)

	res, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.Equal(t, 3, res.TotalOrders)
	assert.Equal(t, 2, res.WinningOrders)
	assert.InDelta(t, 450, res.TotalPool, 1e-9)
	assert.InDelta(t, 300, res.WinningPool, 1e-9)
	assert.InDelta(t, 450, res.TotalPayout, 1e-9)
	assert.Equal(t, 2, res.UsersPaid)

	// Winners split the entire pool pro rata; the loser gets nothing.
	for id, want := range map[string]float64{u1: 150, u2: 300, u3: 0} {
		acct, err := store.Accounts().GetByID(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, want, acct.Balance, 1e-9, "account %s", id)
	}

	// Payouts are written on every order, zero included.
	orders, err := store.Orders().ListByMarket(ctx, "m1")
	require.NoError(t, err)
	for _, o := range orders {
		require.NotNil(t, o.SettledAt, "order %s", o.ID)
		switch o.ID {
		case "o1":
			assert.InDelta(t, 150, o.Payout, 1e-9)
		case "o2":
			assert.InDelta(t, 300, o.Payout, 1e-9)
		case "o3":
			assert.Equal(t, 0.0, o.Payout)
		}
	}

	m, err := store.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	require.NotNil(t, m.ResolvedOutcome)
	assert.Equal(t, domain.OutcomeYes, *m.ResolvedOutcome)
	assert.Equal(t, 0.0, m.ReserveYes)
	assert.Equal(t, 0.0, m.ReserveNo)
}

func TestSettleRecoversLiquidityWithProfit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	// Occupied capital 1100 against 1000 injected: 100 of spread profit.
	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.8, No: 0.2}, 550, 550, 1000)
	fundAMM(t, store, 2000)
	seedUser(t, store, "u1", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)

	res, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	assert.InDelta(t, 1100, res.Recovered, 1e-9)
	assert.InDelta(t, 100, res.ProfitLoss, 1e-9)
	assert.Equal(t, 0.0, res.BadDebt)

	amm, err := store.Accounts().GetByID(ctx, domain.AccountIDAMMPool)
	require.NoError(t, err)
	assert.InDelta(t, 900, amm.Balance, 1e-9)

	reserve, err := store.Accounts().GetByID(ctx, domain.AccountIDLiquidityReserve)
	require.NoError(t, err)
	assert.InDelta(t, 1100, reserve.Balance, 1e-9)

	// The p/l booking is an entry, not a transfer: the ledger carries it but
	// no balance moved for it.
	sum, err := store.Transactions().SumByAccount(ctx, domain.AccountIDAMMPool)
	require.NoError(t, err)
	assert.InDelta(t, -1100+100, sum, 1e-9)
}

func TestSettleBadDebtWhenPoolCannotCover(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.9, No: 0.1}, 500, 500, 1000)
	seedUser(t, store, "u1", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)

	res, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	assert.InDelta(t, 1000, res.BadDebt, 1e-9)
	assert.Equal(t, 0.0, res.Recovered)

	// Write-off is booking-only: the empty pool account is not driven
	// further negative and the reserve is untouched.
	amm, err := store.Accounts().GetByID(ctx, domain.AccountIDAMMPool)
	require.NoError(t, err)
	assert.Equal(t, 0.0, amm.Balance)
	reserve, err := store.Accounts().GetByID(ctx, domain.AccountIDLiquidityReserve)
	require.NoError(t, err)
	assert.Equal(t, 0.0, reserve.Balance)

	entries, err := store.Transactions().ListByAccount(ctx, domain.AccountIDAMMPool, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TxTypeBadDebt, entries[0].Type)
	assert.InDelta(t, -1000, entries[0].Amount, 1e-9)
}

func TestSettleAmbiguousSnapshotNeedsAdjudication(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.51, No: 0.49}, 500, 500, 1000)
	seedUser(t, store, "u1", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)

	_, err := eng.Settle(ctx, "m1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindAmbiguousOutcome, domain.KindOf(err))

	// Market flips to closed with no outcome; nothing was paid out.
	m, err := store.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, m.Status)
	assert.Nil(t, m.ResolvedOutcome)

	o, err := store.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, o.SettledAt)
	assert.Equal(t, 0.0, o.Payout)
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	u1 := seedUser(t, store, "u1", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)

	_, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	_, err = eng.Settle(ctx, "m1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindAlreadySettled, domain.KindOf(err))

	// The balance from the first settlement is untouched.
	acct, err := store.Accounts().GetByID(ctx, u1)
	require.NoError(t, err)
	assert.InDelta(t, 100, acct.Balance, 1e-9)
}

func TestSettleForcedOutcomeOverridesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.9, No: 0.1}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	seedUser(t, store, "u1", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeNo, 100, 0)

	forced := domain.OutcomeNo
	res, err := eng.Settle(ctx, "m1", &forced)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, res.Outcome)
	assert.Equal(t, 1, res.WinningOrders)
}

func TestSettleManualMarketRequiresForcedOutcome(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID:       "m1",
		Question: "manual market",
		Status:   domain.MarketStatusOpen,
		ClosesAt: time.Now().Add(-time.Hour),
	}))

	_, err := eng.Settle(ctx, "m1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSettleMissingSnapshotIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID:          "m1",
		Question:    "fresh market",
		Status:      domain.MarketStatusOpen,
		AutoResolve: true,
		ClosesAt:    time.Now().Add(-30 * time.Minute),
	}))

	_, err := eng.Settle(ctx, "m1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindRetryable, domain.KindOf(err))

	// Half an hour past close: not overdue yet, so the market stays open for
	// the snapshot to arrive.
	m, err := store.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
}

func TestSettleOverdueMissingSnapshotFlagsMarket(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID:          "m1",
		Question:    "stale market",
		Status:      domain.MarketStatusOpen,
		AutoResolve: true,
		ClosesAt:    time.Now().Add(-3 * time.Hour),
	}))

	_, err := eng.Settle(ctx, "m1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindRetryable, domain.KindOf(err))

	m, err := store.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, m.Status)
}

func TestSettleZeroOrdersJustResolves(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)

	res, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalOrders)
	assert.Equal(t, 0.0, res.TotalPayout)

	m, err := store.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
}

func TestSettleClosesAllPositions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	seedUser(t, store, "u1", 0)
	seedUser(t, store, "u2", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)
	seedOrder(t, store, "o2", "m1", "u2", domain.OutcomeNo, 50, 0)
	require.NoError(t, store.Positions().Create(ctx, domain.Position{
		ID: "p1", MarketID: "m1", UserID: "u1", Side: domain.OutcomeYes,
		Shares: 200, AvgPrice: 0.5, Status: domain.PositionStatusOpen,
	}))
	require.NoError(t, store.Positions().Create(ctx, domain.Position{
		ID: "p2", MarketID: "m1", UserID: "u2", Side: domain.OutcomeNo,
		Shares: 100, AvgPrice: 0.5, Status: domain.PositionStatusOpen,
	}))

	_, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	open, err := store.Positions().ListOpenByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

type capturingArchiver struct {
	market domain.Market
	result domain.SettleResult
	orders []domain.Order
	calls  int
}

func (a *capturingArchiver) ArchiveMarket(_ context.Context, m domain.Market, res domain.SettleResult, orders []domain.Order) error {
	a.market = m
	a.result = res
	a.orders = orders
	a.calls++
	return nil
}

func TestSettleArchivesSettledPayouts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	archiver := &capturingArchiver{}
	eng := NewEngine(store, nil, nil, nil, archiver, Config{}, testLogger())

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	seedUser(t, store, "u1", 0)
	seedUser(t, store, "u2", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 0)
	seedOrder(t, store, "o2", "m1", "u2", domain.OutcomeNo, 150, 0)

	_, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, archiver.calls)

	// The archived snapshot must carry the payouts as settled, not the
	// pre-settlement reads.
	assert.Equal(t, "m1", archiver.market.ID)
	assert.Equal(t, domain.OutcomeYes, archiver.result.Outcome)
	require.Len(t, archiver.orders, 2)
	for _, o := range archiver.orders {
		require.NotNil(t, o.SettledAt, "order %s", o.ID)
		switch o.ID {
		case "o1":
			assert.InDelta(t, 250, o.Payout, 1e-9)
		case "o2":
			assert.Equal(t, 0.0, o.Payout)
		}
	}
}

func TestSettleFeesExcludedFromPool(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	eng := newTestEngine(store)

	seedMarket(t, store, "m1", &domain.PriceSnapshot{Yes: 0.7, No: 0.3}, 500, 500, 1000)
	fundAMM(t, store, 1000)
	seedUser(t, store, "u1", 0)
	seedUser(t, store, "u2", 0)
	seedOrder(t, store, "o1", "m1", "u1", domain.OutcomeYes, 100, 2)
	seedOrder(t, store, "o2", "m1", "u2", domain.OutcomeNo, 100, 2)

	res, err := eng.Settle(ctx, "m1", nil)
	require.NoError(t, err)

	// Pools are built from net stakes (amount minus fee).
	assert.InDelta(t, 196, res.TotalPool, 1e-9)
	assert.InDelta(t, 98, res.WinningPool, 1e-9)
	assert.InDelta(t, 196, res.TotalPayout, 1e-9)
}
