package engine

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

func newTestMarket(t *testing.T, store domain.Store, yes, no float64) domain.Market {
	t.Helper()
	m := domain.Market{
		ID:               "mkt-1",
		Question:         "will it rain tomorrow",
		ReserveYes:       yes,
		ReserveNo:        no,
		InitialLiquidity: yes + no,
		Status:           domain.MarketStatusOpen,
		ClosesAt:         time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, store.Markets().Create(context.Background(), m))
	return m
}

func restLimit(t *testing.T, store domain.Store, id, userID string, side domain.Outcome, price, remaining float64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Orders().Create(context.Background(), domain.Order{
		ID:         id,
		MarketID:   "mkt-1",
		UserID:     userID,
		Side:       side,
		Amount:     remaining,
		Kind:       domain.OrderKindLimit,
		LimitPrice: &price,
		Remaining:  remaining,
		Status:     domain.OrderStatusPending,
		CreatedAt:  createdAt,
	}))
}

func TestMatchPoolOnlyWithoutLimitPrice(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	newTestMarket(t, store, 1000, 1000)
	matcher := NewMatcher(store, nil, MatcherConfig{}, testLogger())

	res, err := matcher.Match(ctx, MatchRequest{
		MarketID:  "mkt-1",
		UserID:    "u1",
		Side:      domain.OutcomeYes,
		NetAmount: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.FilledByUsers)
	assert.Equal(t, 100.0, res.FilledByPool)
	assert.InDelta(t, 90.9091, res.TotalShares, 1e-4)
	assert.Equal(t, res.PoolShares, res.TotalShares)
	assert.Empty(t, res.Fills)

	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.InDelta(t, 1100, m.ReserveNo, 1e-9)
	assert.Equal(t, int64(1), m.Version)
}

func TestMatchCrossesRestingBookInPriceTimeOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	newTestMarket(t, store, 1000, 1000)
	matcher := NewMatcher(store, nil, MatcherConfig{}, testLogger())

	base := time.Now().Add(-time.Hour)
	restLimit(t, store, "rest-cheap", "maker1", domain.OutcomeNo, 0.50, 30, base)
	restLimit(t, store, "rest-mid", "maker2", domain.OutcomeNo, 0.55, 100, base.Add(time.Minute))
	restLimit(t, store, "rest-expensive", "maker3", domain.OutcomeNo, 0.70, 100, base)

	limit := 0.60
	res, err := matcher.Match(ctx, MatchRequest{
		MarketID:   "mkt-1",
		UserID:     "taker",
		Side:       domain.OutcomeYes,
		NetAmount:  100,
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	// 30 at 0.50 then 70 at 0.55; 0.70 is above the taker's limit.
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "rest-cheap", res.Fills[0].OrderID)
	assert.Equal(t, "rest-mid", res.Fills[1].OrderID)
	assert.Equal(t, 100.0, res.FilledByUsers)
	assert.Equal(t, 0.0, res.FilledByPool)
	assert.InDelta(t, 30/0.50+70/0.55, res.TotalShares, 1e-9)
	assert.InDelta(t, 100/res.TotalShares, res.AvgPrice, 1e-9)

	// Book state: cheap order fully consumed, mid order partially.
	cheap, err := store.Orders().GetByID(ctx, "rest-cheap")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, cheap.Status)
	assert.Equal(t, 0.0, cheap.Remaining)

	mid, err := store.Orders().GetByID(ctx, "rest-mid")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, mid.Status)
	assert.InDelta(t, 30, mid.Remaining, 1e-9)

	// Fully crossed: the pool was never touched.
	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Version)
	assert.Equal(t, 1000.0, m.ReserveYes)
}

func TestMatchResidualRoutesToPool(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	newTestMarket(t, store, 1000, 1000)
	matcher := NewMatcher(store, nil, MatcherConfig{}, testLogger())

	restLimit(t, store, "rest-1", "maker1", domain.OutcomeNo, 0.50, 30, time.Now().Add(-time.Hour))

	limit := 0.60
	res, err := matcher.Match(ctx, MatchRequest{
		MarketID:   "mkt-1",
		UserID:     "taker",
		Side:       domain.OutcomeYes,
		NetAmount:  100,
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	assert.Equal(t, 30.0, res.FilledByUsers)
	assert.Equal(t, 70.0, res.FilledByPool)
	assert.Greater(t, res.PoolShares, 0.0)
	assert.InDelta(t, 30/0.50+res.PoolShares, res.TotalShares, 1e-9)

	m, err := store.Markets().GetByID(ctx, "mkt-1")
	require.NoError(t, err)
	assert.InDelta(t, 1070, m.ReserveNo, 1e-9)
}

func TestMatchNeverCrossesOwnOrders(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	newTestMarket(t, store, 1000, 1000)
	matcher := NewMatcher(store, nil, MatcherConfig{}, testLogger())

	restLimit(t, store, "rest-own", "taker", domain.OutcomeNo, 0.50, 100, time.Now().Add(-time.Hour))

	limit := 0.60
	res, err := matcher.Match(ctx, MatchRequest{
		MarketID:   "mkt-1",
		UserID:     "taker",
		Side:       domain.OutcomeYes,
		NetAmount:  50,
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Fills)
	assert.Equal(t, 50.0, res.FilledByPool)

	own, err := store.Orders().GetByID(ctx, "rest-own")
	require.NoError(t, err)
	assert.Equal(t, 100.0, own.Remaining)
}

func TestMatchRejectsClosedMarket(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID:       "mkt-closed",
		Question: "done",
		Status:   domain.MarketStatusClosed,
		ClosesAt: time.Now().Add(-time.Hour),
	}))
	matcher := NewMatcher(store, nil, MatcherConfig{}, testLogger())

	_, err := matcher.Match(ctx, MatchRequest{
		MarketID:  "mkt-closed",
		UserID:    "u1",
		Side:      domain.OutcomeYes,
		NetAmount: 100,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestMatchValidatesRequest(t *testing.T) {
	matcher := NewMatcher(memory.New(), nil, MatcherConfig{}, testLogger())

	cases := []struct {
		name string
		req  MatchRequest
	}{
		{"missing market", MatchRequest{UserID: "u", Side: domain.OutcomeYes, NetAmount: 1}},
		{"missing user", MatchRequest{MarketID: "m", Side: domain.OutcomeYes, NetAmount: 1}},
		{"bad side", MatchRequest{MarketID: "m", UserID: "u", Side: "MAYBE", NetAmount: 1}},
		{"zero amount", MatchRequest{MarketID: "m", UserID: "u", Side: domain.OutcomeYes}},
		{"bad limit", MatchRequest{MarketID: "m", UserID: "u", Side: domain.OutcomeYes, NetAmount: 1, LimitPrice: ptr(1.5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := matcher.Match(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestMatchRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	newTestMarket(t, inner, 1000, 1000)
	store := &conflictingStore{Store: inner, conflicts: 2}
	matcher := NewMatcher(store, nil, MatcherConfig{Retries: 3}, testLogger())

	res, err := matcher.Match(ctx, MatchRequest{
		MarketID:  "mkt-1",
		UserID:    "u1",
		Side:      domain.OutcomeYes,
		NetAmount: 100,
	})
	require.NoError(t, err)
	assert.Greater(t, res.TotalShares, 0.0)
	assert.Equal(t, 0, store.conflicts)
}

func TestMatchGivesUpAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	newTestMarket(t, inner, 1000, 1000)
	store := &conflictingStore{Store: inner, conflicts: 10}
	matcher := NewMatcher(store, nil, MatcherConfig{Retries: 3}, testLogger())

	_, err := matcher.Match(ctx, MatchRequest{
		MarketID:  "mkt-1",
		UserID:    "u1",
		Side:      domain.OutcomeYes,
		NetAmount: 100,
	})
	require.ErrorIs(t, err, domain.ErrVersionConflict)
}

func ptr(f float64) *float64 { return &f }

// conflictingStore fails the first N reserve updates with a version conflict
// to exercise the matcher's retry loop.
type conflictingStore struct {
	*memory.Store
	conflicts int
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, &conflictingTx{Tx: tx, store: s})
	})
}

type conflictingTx struct {
	domain.Tx
	store *conflictingStore
}

func (t *conflictingTx) Markets() domain.MarketStore {
	return &conflictingMarkets{MarketStore: t.Tx.Markets(), store: t.store}
}

type conflictingMarkets struct {
	domain.MarketStore
	store *conflictingStore
}

func (m *conflictingMarkets) UpdateReserves(ctx context.Context, id string, yes, no float64, version int64) error {
	if m.store.conflicts > 0 {
		m.store.conflicts--
		return domain.ErrVersionConflict
	}
	return m.MarketStore.UpdateReserves(ctx, id, yes, no, version)
}
