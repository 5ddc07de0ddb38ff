package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/store/memory"
)

func validCreateParams() CreateMarketParams {
	return CreateMarketParams{
		Question:         "will the rollout finish by friday",
		InitialLiquidity: 1000,
		YesProb:          0.6,
		AutoResolve:      true,
		ClosesAt:         time.Now().Add(48 * time.Hour),
	}
}

func TestCreateMarketFundedFromReserve(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Accounts().Add(ctx, domain.AccountIDLiquidityReserve, 5000))
	svc := NewMarketService(store, nil, testLogger())

	m, err := svc.Create(ctx, validCreateParams())
	require.NoError(t, err)

	assert.Equal(t, domain.MarketStatusOpen, m.Status)
	assert.True(t, m.AutoResolve)
	// 60/40 split, floored to cents, summing exactly to the injection.
	assert.InDelta(t, 600, m.ReserveYes, 1e-9)
	assert.InDelta(t, 400, m.ReserveNo, 1e-9)
	assert.InDelta(t, 1000, m.InitialLiquidity, 1e-9)

	reserve, err := store.Accounts().GetByID(ctx, domain.AccountIDLiquidityReserve)
	require.NoError(t, err)
	assert.InDelta(t, 4000, reserve.Balance, 1e-9)

	amm, err := store.Accounts().GetByID(ctx, domain.AccountIDAMMPool)
	require.NoError(t, err)
	assert.InDelta(t, 1000, amm.Balance, 1e-9)

	// Mirrored injection entries on both system accounts.
	for _, acctID := range []string{domain.AccountIDLiquidityReserve, domain.AccountIDAMMPool} {
		entries, err := store.Transactions().ListByAccount(ctx, acctID, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, entries, 1, "account %s", acctID)
		assert.Equal(t, domain.TxTypeLiquidityInjection, entries[0].Type)
	}
}

func TestCreateMarketUnfundedWhenReserveShort(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewMarketService(store, nil, testLogger())

	m, err := svc.Create(ctx, validCreateParams())
	require.NoError(t, err)

	// Market exists with its nominal reserves, but no money moved.
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
	amm, err := store.Accounts().GetByID(ctx, domain.AccountIDAMMPool)
	require.NoError(t, err)
	assert.Equal(t, 0.0, amm.Balance)

	entries, err := store.Transactions().ListByAccount(ctx, domain.AccountIDAMMPool, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateMarketValidatesParams(t *testing.T) {
	svc := NewMarketService(memory.New(), nil, testLogger())

	cases := []struct {
		name   string
		mutate func(p *CreateMarketParams)
	}{
		{"empty question", func(p *CreateMarketParams) { p.Question = "" }},
		{"zero liquidity", func(p *CreateMarketParams) { p.InitialLiquidity = 0 }},
		{"prob at zero", func(p *CreateMarketParams) { p.YesProb = 0 }},
		{"prob at one", func(p *CreateMarketParams) { p.YesProb = 1 }},
		{"closes in the past", func(p *CreateMarketParams) { p.ClosesAt = time.Now().Add(-time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validCreateParams()
			tc.mutate(&params)
			_, err := svc.Create(context.Background(), params)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestGetMarketNotFound(t *testing.T) {
	svc := NewMarketService(memory.New(), nil, testLogger())

	_, err := svc.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestDepthReadsMarketReserves(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID: "m1", Question: "q", ReserveYes: 1000, ReserveNo: 1000,
		Status: domain.MarketStatusOpen, ClosesAt: time.Now().Add(time.Hour),
	}))
	svc := NewMarketService(store, nil, testLogger())

	levels, err := svc.Depth(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, levels, 9)
}

type stubHealthCache struct {
	scores map[string]domain.HealthScore
	sets   int
}

func (c *stubHealthCache) Set(_ context.Context, marketID string, h domain.HealthScore) error {
	if c.scores == nil {
		c.scores = make(map[string]domain.HealthScore)
	}
	c.scores[marketID] = h
	c.sets++
	return nil
}

func (c *stubHealthCache) Get(_ context.Context, marketID string) (domain.HealthScore, error) {
	h, ok := c.scores[marketID]
	if !ok {
		return domain.HealthScore{}, errors.New("miss")
	}
	return h, nil
}

func TestHealthComputesThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Markets().Create(ctx, domain.Market{
		ID: "m1", Question: "q", ReserveYes: 100000, ReserveNo: 61800,
		Status: domain.MarketStatusOpen, ClosesAt: time.Now().Add(time.Hour),
	}))
	cache := &stubHealthCache{}
	svc := NewMarketService(store, cache, testLogger())

	first, err := svc.Health(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, first.Status)
	assert.Equal(t, 1, cache.sets)

	second, err := svc.Health(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// Served from cache, not recomputed.
	assert.Equal(t, 1, cache.sets)
}
