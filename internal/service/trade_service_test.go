package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/engine"
	"github.com/yesnolabs/marketd/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTradeService(store domain.Store, limiter domain.RateLimiter) *TradeService {
	logger := testLogger()
	matcher := engine.NewMatcher(store, nil, engine.MatcherConfig{}, logger)
	return NewTradeService(store, matcher, limiter, nil, TradeConfig{}, logger)
}

func seedOpenMarket(t *testing.T, store domain.Store, yes, no float64) string {
	t.Helper()
	id := "mkt-1"
	require.NoError(t, store.Markets().Create(context.Background(), domain.Market{
		ID:               id,
		Question:         "will it ship this quarter",
		ReserveYes:       yes,
		ReserveNo:        no,
		InitialLiquidity: yes + no,
		Status:           domain.MarketStatusOpen,
		ClosesAt:         time.Now().Add(24 * time.Hour),
	}))
	return id
}

func seedTrader(t *testing.T, store domain.Store, userID string, balance float64) string {
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

func TestPlaceMarketOrderDebitsAndFills(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedOpenMarket(t, store, 1000, 1000)
	acctID := seedTrader(t, store, "u1", 1000)

	res, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID: "mkt-1",
		UserID:   "u1",
		Side:     domain.OutcomeYes,
		Amount:   100,
		Kind:     domain.OrderKindMarket,
	})
	require.NoError(t, err)

	// 2% fee off the top, 98 into the pool.
	assert.InDelta(t, 2, res.Order.Fee, 1e-9)
	assert.Equal(t, domain.OrderStatusFilled, res.Order.Status)
	assert.InDelta(t, 89.2532, res.Order.Shares, 1e-4)
	assert.Equal(t, 98.0, res.Match.FilledByPool)

	acct, err := store.Accounts().GetByID(ctx, acctID)
	require.NoError(t, err)
	assert.InDelta(t, 900, acct.Balance, 1e-9)

	feeAcct, err := store.Accounts().GetByID(ctx, domain.AccountIDFee)
	require.NoError(t, err)
	assert.InDelta(t, 2, feeAcct.Balance, 1e-9)

	// User ledger carries the trade and the fee as separate entries.
	entries, err := store.Transactions().ListByAccount(ctx, acctID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TxTypeTrade, entries[0].Type)
	assert.InDelta(t, -98, entries[0].Amount, 1e-9)
	assert.Equal(t, domain.TxTypeFee, entries[1].Type)
	assert.InDelta(t, -2, entries[1].Amount, 1e-9)

	pos, err := store.Positions().GetForUpdate(ctx, "u1", "mkt-1", domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, res.Order.Shares, pos.Shares, 1e-9)
	assert.InDelta(t, 98/res.Order.Shares, pos.AvgPrice, 1e-9)

	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.InDelta(t, 1098, m.ReserveNo, 1e-9)
}

func TestPlaceOrderInsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedOpenMarket(t, store, 1000, 1000)
	acctID := seedTrader(t, store, "u1", 50)

	_, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID: "mkt-1",
		UserID:   "u1",
		Side:     domain.OutcomeYes,
		Amount:   100,
		Kind:     domain.OrderKindMarket,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	acct, err := store.Accounts().GetByID(ctx, acctID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, acct.Balance)

	entries, err := store.Transactions().ListByAccount(ctx, acctID, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	orders, err := store.Orders().ListByMarket(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceLimitOrderRestsOnBook(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedOpenMarket(t, store, 1000, 1000)
	seedTrader(t, store, "maker", 1000)

	price := 0.5
	res, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID:   "mkt-1",
		UserID:     "maker",
		Side:       domain.OutcomeNo,
		Amount:     100,
		Kind:       domain.OrderKindLimit,
		LimitPrice: &price,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, res.Order.Status)
	assert.InDelta(t, 98, res.Order.Remaining, 1e-9)
	assert.Equal(t, 0.0, res.Match.TotalShares)

	// Resting makers touch neither pool nor positions until crossed.
	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Version)
	_, err = store.Positions().GetForUpdate(ctx, "maker", "mkt-1", domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceOrderCrossesRestingMaker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedOpenMarket(t, store, 1000, 1000)
	seedTrader(t, store, "maker", 1000)
	seedTrader(t, store, "taker", 1000)

	makerPrice := 0.5
	maker, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID:   "mkt-1",
		UserID:     "maker",
		Side:       domain.OutcomeNo,
		Amount:     100,
		Kind:       domain.OrderKindLimit,
		LimitPrice: &makerPrice,
	})
	require.NoError(t, err)

	takerLimit := 0.6
	taker, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID:   "mkt-1",
		UserID:     "taker",
		Side:       domain.OutcomeYes,
		Amount:     100,
		Kind:       domain.OrderKindMarket,
		LimitPrice: &takerLimit,
	})
	require.NoError(t, err)

	// Both net 98: the maker's resting amount exactly absorbs the taker.
	assert.Equal(t, 98.0, taker.Match.FilledByUsers)
	assert.Equal(t, 0.0, taker.Match.FilledByPool)
	assert.InDelta(t, 196, taker.Order.Shares, 1e-9)

	rested, err := store.Orders().GetByID(ctx, maker.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, rested.Status)
	assert.Equal(t, 0.0, rested.Remaining)

	// Maker accrues NO shares at their own limit price.
	makerPos, err := store.Positions().GetForUpdate(ctx, "maker", "mkt-1", domain.OutcomeNo)
	require.NoError(t, err)
	assert.InDelta(t, 196, makerPos.Shares, 1e-9)
	assert.InDelta(t, 0.5, makerPos.AvgPrice, 1e-9)

	takerPos, err := store.Positions().GetForUpdate(ctx, "taker", "mkt-1", domain.OutcomeYes)
	require.NoError(t, err)
	assert.InDelta(t, 196, takerPos.Shares, 1e-9)

	// Fully crossed, pool untouched.
	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Version)
}

func TestPlaceOrderRejectsClosedOrExpiredMarket(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedTrader(t, store, "u1", 1000)

	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID: "closed", Question: "q", Status: domain.MarketStatusClosed,
		ClosesAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID: "expired", Question: "q", Status: domain.MarketStatusOpen,
		ClosesAt: time.Now().Add(-time.Minute),
	}))

	for _, marketID := range []string{"closed", "expired", "missing"} {
		_, err := svc.PlaceOrder(ctx, PlaceOrderParams{
			MarketID: marketID,
			UserID:   "u1",
			Side:     domain.OutcomeYes,
			Amount:   100,
			Kind:     domain.OrderKindMarket,
		})
		require.Error(t, err, "market %s", marketID)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err), "market %s", marketID)
	}
}

func TestPlaceOrderValidatesParams(t *testing.T) {
	svc := newTradeService(memory.New(), nil)
	price := 0.5
	bad := 1.5

	cases := []struct {
		name   string
		params PlaceOrderParams
	}{
		{"limit without price", PlaceOrderParams{MarketID: "m", UserID: "u", Side: domain.OutcomeYes, Amount: 1, Kind: domain.OrderKindLimit}},
		{"unknown kind", PlaceOrderParams{MarketID: "m", UserID: "u", Side: domain.OutcomeYes, Amount: 1, Kind: "stop"}},
		{"zero amount", PlaceOrderParams{MarketID: "m", UserID: "u", Side: domain.OutcomeYes, Kind: domain.OrderKindMarket}},
		{"bad side", PlaceOrderParams{MarketID: "m", UserID: "u", Side: "MAYBE", Amount: 1, Kind: domain.OrderKindMarket}},
		{"limit price out of range", PlaceOrderParams{MarketID: "m", UserID: "u", Side: domain.OutcomeYes, Amount: 1, Kind: domain.OrderKindLimit, LimitPrice: &bad}},
		{"missing market id", PlaceOrderParams{UserID: "u", Side: domain.OutcomeYes, Amount: 1, Kind: domain.OrderKindLimit, LimitPrice: &price}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(context.Background(), tc.params)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

type stubLimiter struct {
	allowed bool
	lastKey string
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.lastKey = key
	return l.allowed, nil
}

func TestPlaceOrderRateLimited(t *testing.T) {
	store := memory.New()
	limiter := &stubLimiter{allowed: false}
	svc := newTradeService(store, limiter)
	seedOpenMarket(t, store, 1000, 1000)
	seedTrader(t, store, "u1", 1000)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderParams{
		MarketID: "mkt-1",
		UserID:   "u1",
		Side:     domain.OutcomeYes,
		Amount:   100,
		Kind:     domain.OrderKindMarket,
	})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, "orders:u1", limiter.lastKey)
}

func TestTransactionsListsUserLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTradeService(store, nil)
	seedOpenMarket(t, store, 1000, 1000)
	seedTrader(t, store, "u1", 1000)

	_, err := svc.PlaceOrder(ctx, PlaceOrderParams{
		MarketID: "mkt-1",
		UserID:   "u1",
		Side:     domain.OutcomeYes,
		Amount:   100,
		Kind:     domain.OrderKindMarket,
	})
	require.NoError(t, err)

	entries, err := svc.Transactions(ctx, "u1", domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TxTypeTrade, entries[0].Type)
	assert.Equal(t, domain.TxTypeFee, entries[1].Type)

	_, err = svc.Transactions(ctx, "ghost", domain.ListOpts{})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
