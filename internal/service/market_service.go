// Package service composes the engine, stores, and cache layers into the
// operations the server exposes: market lifecycle and order placement.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/engine"
)

// CreateMarketParams describes a new market. YesProb splits the initial
// liquidity between the two reserves.
type CreateMarketParams struct {
	Question         string
	InitialLiquidity float64
	YesProb          float64
	AutoResolve      bool
	ClosesAt         time.Time
}

func (p CreateMarketParams) validate(now time.Time) error {
	if p.Question == "" {
		return domain.Errorf(domain.KindValidation, "question is required")
	}
	if p.InitialLiquidity <= 0 {
		return domain.Errorf(domain.KindValidation, "initial liquidity must be positive, got %v", p.InitialLiquidity)
	}
	if p.YesProb <= 0 || p.YesProb >= 1 {
		return domain.Errorf(domain.KindValidation, "yes probability must be in (0, 1), got %v", p.YesProb)
	}
	if !p.ClosesAt.After(now) {
		return domain.Errorf(domain.KindValidation, "closing time must be in the future")
	}
	return nil
}

// MarketService manages market lifecycle plus the depth and health read
// paths.
type MarketService struct {
	store  domain.Store
	health domain.HealthCache
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketService builds a MarketService. health may be nil; scores are then
// recomputed on every call.
func NewMarketService(store domain.Store, health domain.HealthCache, logger *slog.Logger) *MarketService {
	return &MarketService{
		store:  store,
		health: health,
		logger: logger.With(slog.String("component", "market_service")),
		now:    time.Now,
	}
}

// Create opens a new market and injects its initial liquidity from the
// liquidity reserve into the AMM pool, with mirrored ledger entries. A
// reserve account that cannot cover the injection still creates the market,
// unfunded, and warns the operator log.
func (s *MarketService) Create(ctx context.Context, params CreateMarketParams) (domain.Market, error) {
	if err := params.validate(s.now()); err != nil {
		return domain.Market{}, err
	}

	// Split to cents so the two reserves sum exactly to the injection.
	reserveYes := math.Floor(params.InitialLiquidity*params.YesProb*100) / 100
	reserveNo := params.InitialLiquidity - reserveYes

	m := domain.Market{
		ID:               uuid.NewString(),
		Question:         params.Question,
		ReserveYes:       reserveYes,
		ReserveNo:        reserveNo,
		InitialLiquidity: params.InitialLiquidity,
		Status:           domain.MarketStatusOpen,
		AutoResolve:      params.AutoResolve,
		ClosesAt:         params.ClosesAt,
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		reserve, err := tx.Accounts().GetByRole(ctx, domain.RoleLiquidityReserve)
		if err != nil {
			return domain.WrapError(domain.KindRetryable, err, "load liquidity reserve account")
		}
		amm, err := tx.Accounts().GetByRole(ctx, domain.RoleAMMPool)
		if err != nil {
			return domain.WrapError(domain.KindRetryable, err, "load amm pool account")
		}

		if reserve.Balance < params.InitialLiquidity {
			s.logger.WarnContext(ctx, "liquidity reserve cannot fund market, creating unfunded",
				slog.String("market_id", m.ID),
				slog.Float64("reserve_balance", reserve.Balance),
				slog.Float64("requested", params.InitialLiquidity),
			)
		} else {
			if err := tx.Accounts().Add(ctx, reserve.ID, -params.InitialLiquidity); err != nil {
				return domain.WrapError(domain.KindRetryable, err, "debit liquidity reserve")
			}
			if err := tx.Accounts().Add(ctx, amm.ID, params.InitialLiquidity); err != nil {
				return domain.WrapError(domain.KindRetryable, err, "credit amm pool")
			}
			reason := fmt.Sprintf("liquidity injection, market %s", m.ID)
			for _, entry := range []domain.Transaction{
				{AccountID: reserve.ID, Amount: -params.InitialLiquidity, Type: domain.TxTypeLiquidityInjection, Reason: reason},
				{AccountID: amm.ID, Amount: params.InitialLiquidity, Type: domain.TxTypeLiquidityInjection, Reason: reason},
			} {
				if err := tx.Transactions().Create(ctx, entry); err != nil {
					return domain.WrapError(domain.KindRetryable, err, "record liquidity injection")
				}
			}
		}

		if err := tx.Markets().Create(ctx, m); err != nil {
			return domain.WrapError(domain.KindRetryable, err, "create market %s", m.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.Float64("reserve_yes", m.ReserveYes),
		slog.Float64("reserve_no", m.ReserveNo),
	)
	return s.Get(ctx, m.ID)
}

// Get loads one market.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.store.Markets().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, domain.WrapError(domain.KindValidation, err, "market %s", id)
		}
		return domain.Market{}, domain.WrapError(domain.KindRetryable, err, "load market %s", id)
	}
	return m, nil
}

// List returns markets newest first.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.store.Markets().List(ctx, opts)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, err, "list markets")
	}
	return markets, nil
}

// Depth estimates available shares per price level for one market.
func (s *MarketService) Depth(ctx context.Context, id string) ([]domain.DepthLevel, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return engine.Depth(m.ReserveYes, m.ReserveNo, nil), nil
}

// Health scores a market's liquidity depth, serving from cache when fresh.
func (s *MarketService) Health(ctx context.Context, id string) (domain.HealthScore, error) {
	if s.health != nil {
		if h, err := s.health.Get(ctx, id); err == nil {
			return h, nil
		}
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return domain.HealthScore{}, err
	}

	// Probe the leading side; it carries the pool's directional exposure.
	side := domain.OutcomeYes
	if engine.CurrentPrice(m.ReserveYes, m.ReserveNo, domain.OutcomeYes) < 0.5 {
		side = domain.OutcomeNo
	}
	h := engine.Health(m.ReserveYes, m.ReserveNo, side)

	if s.health != nil {
		if err := s.health.Set(ctx, id, h); err != nil {
			s.logger.WarnContext(ctx, "cache health score failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return h, nil
}
