package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/yesnolabs/marketd/internal/domain"
)

const (
	// defaultMaxRestingOrders bounds how many resting orders one incoming
	// order may cross before the residual goes to the pool.
	defaultMaxRestingOrders = 10

	// defaultMatchRetries is how many times a match is re-run after losing an
	// optimistic reserve-version race.
	defaultMatchRetries = 3
)

// Notifier delivers operator alerts. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MatchRequest describes one incoming order to route through the matcher.
// NetAmount is the stake net of fees. LimitPrice, when set, enables
// user-to-user crossing against the resting book at or better than that
// price; without it the full amount routes to the pool.
type MatchRequest struct {
	MarketID   string
	UserID     string
	Side       domain.Outcome
	NetAmount  float64
	LimitPrice *float64
}

func (r MatchRequest) validate() error {
	if r.MarketID == "" {
		return domain.Errorf(domain.KindValidation, "market id is required")
	}
	if r.UserID == "" {
		return domain.Errorf(domain.KindValidation, "user id is required")
	}
	if !r.Side.Valid() {
		return domain.Errorf(domain.KindValidation, "invalid side %q", r.Side)
	}
	if r.NetAmount <= 0 {
		return domain.Errorf(domain.KindValidation, "net amount must be positive, got %v", r.NetAmount)
	}
	if r.LimitPrice != nil && (*r.LimitPrice <= 0 || *r.LimitPrice >= 1) {
		return domain.Errorf(domain.KindValidation, "limit price must be in (0, 1), got %v", *r.LimitPrice)
	}
	return nil
}

// MatcherConfig tunes the hybrid matcher.
type MatcherConfig struct {
	MaxRestingOrders int
	Retries          int
}

func (c *MatcherConfig) applyDefaults() {
	if c.MaxRestingOrders <= 0 {
		c.MaxRestingOrders = defaultMaxRestingOrders
	}
	if c.Retries <= 0 {
		c.Retries = defaultMatchRetries
	}
}

// Matcher routes incoming orders: resting opposite-side limit orders first,
// price-time priority, then the remainder through the pool. An order is never
// rejected for lack of liquidity; the pool absorbs any residual.
type Matcher struct {
	store    domain.Store
	notifier Notifier
	cfg      MatcherConfig
	logger   *slog.Logger
}

// NewMatcher builds a Matcher. notifier may be nil.
func NewMatcher(store domain.Store, notifier Notifier, cfg MatcherConfig, logger *slog.Logger) *Matcher {
	cfg.applyDefaults()
	return &Matcher{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "matcher")),
	}
}

// Match executes the request in its own transaction. A lost reserve-version
// race rolls the whole attempt back and re-runs it against fresh state, up to
// the configured retry budget.
func (m *Matcher) Match(ctx context.Context, req MatchRequest) (domain.MatchResult, error) {
	var res domain.MatchResult
	var err error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		err = m.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var txErr error
			res, txErr = m.MatchTx(ctx, tx, req)
			return txErr
		})
		if !errors.Is(err, domain.ErrVersionConflict) {
			return res, err
		}
		m.logger.DebugContext(ctx, "reserve version conflict, retrying",
			slog.String("market_id", req.MarketID),
			slog.Int("attempt", attempt),
		)
	}
	return domain.MatchResult{}, fmt.Errorf("engine: match market %s: retries exhausted: %w", req.MarketID, err)
}

// MatchTx executes the request inside the caller's transaction. It performs a
// single attempt; version conflicts propagate so the caller decides whether
// to re-run its unit of work.
func (m *Matcher) MatchTx(ctx context.Context, tx domain.Tx, req MatchRequest) (domain.MatchResult, error) {
	if err := req.validate(); err != nil {
		return domain.MatchResult{}, err
	}

	mkt, err := tx.Markets().GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.MatchResult{}, fmt.Errorf("engine: load market %s: %w", req.MarketID, err)
	}
	if mkt.Status != domain.MarketStatusOpen {
		return domain.MatchResult{}, domain.Errorf(domain.KindValidation, "market %s is %s, not open", mkt.ID, mkt.Status)
	}

	var res domain.MatchResult
	remaining := req.NetAmount
	totalCost := 0.0

	if req.LimitPrice != nil {
		resting, err := tx.Orders().ListRestingLimit(ctx, req.MarketID, req.Side.Opposite(), *req.LimitPrice, m.cfg.MaxRestingOrders)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("engine: list resting orders: %w", err)
		}
		for _, o := range resting {
			if remaining <= 0 {
				break
			}
			if o.UserID == req.UserID {
				continue // no self-matching
			}
			if o.LimitPrice == nil || *o.LimitPrice <= 0 {
				continue
			}
			matched := math.Min(remaining, o.Remaining)
			if matched <= 0 {
				continue
			}
			shares := matched / *o.LimitPrice
			if err := tx.Orders().Consume(ctx, o.ID, matched); err != nil {
				return domain.MatchResult{}, fmt.Errorf("engine: consume resting order %s: %w", o.ID, err)
			}
			res.Fills = append(res.Fills, domain.Fill{
				OrderID: o.ID,
				UserID:  o.UserID,
				Side:    o.Side,
				Amount:  matched,
				Shares:  shares,
				Price:   *o.LimitPrice,
			})
			res.FilledByUsers += matched
			res.TotalShares += shares
			totalCost += matched
			remaining -= matched
		}
	}

	if remaining > 0 {
		q := Price(mkt.ReserveYes, mkt.ReserveNo, req.Side, remaining)
		if q.KDrift > KDriftTolerance {
			m.reportDrift(ctx, mkt.ID, q)
		}
		if err := tx.Markets().UpdateReserves(ctx, mkt.ID, q.NewReserveYes, q.NewReserveNo, mkt.Version); err != nil {
			return domain.MatchResult{}, err
		}
		res.FilledByPool = remaining
		res.PoolShares = q.Shares
		res.TotalShares += q.Shares
		totalCost += remaining
	}

	if res.TotalShares > 0 {
		res.AvgPrice = totalCost / res.TotalShares
	}
	return res, nil
}

// reportDrift surfaces out-of-tolerance constant-product drift. Log-only plus
// an operator alert; the fill itself is never blocked.
func (m *Matcher) reportDrift(ctx context.Context, marketID string, q Quote) {
	m.logger.WarnContext(ctx, "constant-product drift beyond tolerance",
		slog.String("market_id", marketID),
		slog.Float64("k", q.K),
		slog.Float64("drift", q.KDrift),
	)
	if m.notifier != nil {
		msg := fmt.Sprintf("market %s: product drifted by %.6f (k=%.4f)", marketID, q.KDrift, q.K)
		if err := m.notifier.Notify(ctx, "k_drift", "Pricing kernel drift", msg); err != nil {
			m.logger.WarnContext(ctx, "drift alert failed", slog.String("error", err.Error()))
		}
	}
}
