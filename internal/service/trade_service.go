package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/engine"
)

const (
	defaultFeeBps          = 200 // 2%
	defaultOrderRateLimit  = 10
	defaultOrderRateWindow = time.Minute
)

// TradeConfig tunes order placement.
type TradeConfig struct {
	FeeBps          int
	OrderRateLimit  int
	OrderRateWindow time.Duration
	MatchRetries    int
}

func (c *TradeConfig) applyDefaults() {
	if c.FeeBps <= 0 {
		c.FeeBps = defaultFeeBps
	}
	if c.OrderRateLimit <= 0 {
		c.OrderRateLimit = defaultOrderRateLimit
	}
	if c.OrderRateWindow <= 0 {
		c.OrderRateWindow = defaultOrderRateWindow
	}
	if c.MatchRetries <= 0 {
		c.MatchRetries = 3
	}
}

// PlaceOrderParams describes one incoming order. Amount is gross; the fee is
// deducted before anything reaches the book or the pool.
type PlaceOrderParams struct {
	MarketID   string
	UserID     string
	Side       domain.Outcome
	Amount     float64
	Kind       domain.OrderKind
	LimitPrice *float64
}

func (p PlaceOrderParams) validate() error {
	if p.MarketID == "" {
		return domain.Errorf(domain.KindValidation, "market id is required")
	}
	if p.UserID == "" {
		return domain.Errorf(domain.KindValidation, "user id is required")
	}
	if !p.Side.Valid() {
		return domain.Errorf(domain.KindValidation, "invalid side %q", p.Side)
	}
	if p.Amount <= 0 {
		return domain.Errorf(domain.KindValidation, "amount must be positive, got %v", p.Amount)
	}
	switch p.Kind {
	case domain.OrderKindMarket:
	case domain.OrderKindLimit:
		if p.LimitPrice == nil {
			return domain.Errorf(domain.KindValidation, "limit orders require a limit price")
		}
	default:
		return domain.Errorf(domain.KindValidation, "invalid order kind %q", p.Kind)
	}
	if p.LimitPrice != nil && (*p.LimitPrice <= 0 || *p.LimitPrice >= 1) {
		return domain.Errorf(domain.KindValidation, "limit price must be in (0, 1), got %v", *p.LimitPrice)
	}
	return nil
}

// PlaceOrderResult is the persisted order plus, for taker orders, how it was
// filled.
type PlaceOrderResult struct {
	Order domain.Order
	Match domain.MatchResult
}

// TradeService places orders: debits the user, books the fee, then either
// rests the order on the book (limit) or routes it through the hybrid matcher
// (market). Everything for one order happens in a single transaction.
type TradeService struct {
	store   domain.Store
	matcher *engine.Matcher
	limiter domain.RateLimiter
	bus     domain.SignalBus
	cfg     TradeConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewTradeService builds a TradeService. limiter and bus may be nil.
func NewTradeService(store domain.Store, matcher *engine.Matcher, limiter domain.RateLimiter, bus domain.SignalBus, cfg TradeConfig, logger *slog.Logger) *TradeService {
	cfg.applyDefaults()
	return &TradeService{
		store:   store,
		matcher: matcher,
		limiter: limiter,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "trade_service")),
		now:     time.Now,
	}
}

// PlaceOrder executes one order end to end. Taker orders that lose the
// optimistic reserve race are re-run as a whole unit, so the balance debit
// and the fill always commit together.
func (s *TradeService) PlaceOrder(ctx context.Context, params PlaceOrderParams) (PlaceOrderResult, error) {
	if err := params.validate(); err != nil {
		return PlaceOrderResult{}, err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "orders:"+params.UserID, s.cfg.OrderRateLimit, s.cfg.OrderRateWindow)
		if err != nil {
			return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "rate limit check")
		}
		if !allowed {
			return PlaceOrderResult{}, domain.WrapError(domain.KindValidation, domain.ErrRateLimited, "user %s", params.UserID)
		}
	}

	var result PlaceOrderResult
	var err error
	for attempt := 1; attempt <= s.cfg.MatchRetries; attempt++ {
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var txErr error
			result, txErr = s.placeTx(ctx, tx, params)
			return txErr
		})
		if !errors.Is(err, domain.ErrVersionConflict) {
			break
		}
		s.logger.DebugContext(ctx, "order lost reserve race, retrying",
			slog.String("market_id", params.MarketID),
			slog.Int("attempt", attempt),
		)
	}
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "market %s too contended", params.MarketID)
		}
		return PlaceOrderResult{}, err
	}

	s.publishFill(ctx, result)
	return result, nil
}

func (s *TradeService) placeTx(ctx context.Context, tx domain.Tx, params PlaceOrderParams) (PlaceOrderResult, error) {
	mkt, err := tx.Markets().GetByID(ctx, params.MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return PlaceOrderResult{}, domain.WrapError(domain.KindValidation, err, "market %s", params.MarketID)
		}
		return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "load market %s", params.MarketID)
	}
	if mkt.Status != domain.MarketStatusOpen {
		return PlaceOrderResult{}, domain.Errorf(domain.KindValidation, "market %s is %s, not open", mkt.ID, mkt.Status)
	}
	if !s.now().Before(mkt.ClosesAt) {
		return PlaceOrderResult{}, domain.Errorf(domain.KindValidation, "market %s is past its closing time", mkt.ID)
	}

	fee := params.Amount * float64(s.cfg.FeeBps) / 10000
	net := params.Amount - fee

	acct, err := tx.Accounts().GetByUser(ctx, params.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return PlaceOrderResult{}, domain.WrapError(domain.KindValidation, err, "no account for user %s", params.UserID)
		}
		return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "load account for user %s", params.UserID)
	}
	if acct.Balance < params.Amount {
		return PlaceOrderResult{}, domain.WrapError(domain.KindValidation, domain.ErrInsufficientFunds,
			"user %s: balance %.2f, order %.2f", params.UserID, acct.Balance, params.Amount)
	}

	if err := s.debit(ctx, tx, acct, params, fee, net); err != nil {
		return PlaceOrderResult{}, err
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		MarketID:   params.MarketID,
		UserID:     params.UserID,
		Side:       params.Side,
		Amount:     params.Amount,
		Fee:        fee,
		Kind:       params.Kind,
		LimitPrice: params.LimitPrice,
	}

	// Limit orders rest on the book as makers; nothing routes to the pool
	// until a taker crosses them.
	if params.Kind == domain.OrderKindLimit {
		order.Remaining = net
		order.Status = domain.OrderStatusPending
		if err := tx.Orders().Create(ctx, order); err != nil {
			return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "create order")
		}
		return PlaceOrderResult{Order: order}, nil
	}

	match, err := s.matcher.MatchTx(ctx, tx, engine.MatchRequest{
		MarketID:   params.MarketID,
		UserID:     params.UserID,
		Side:       params.Side,
		NetAmount:  net,
		LimitPrice: params.LimitPrice,
	})
	if err != nil {
		return PlaceOrderResult{}, err
	}

	order.Shares = match.TotalShares
	order.Status = domain.OrderStatusFilled
	if err := tx.Orders().Create(ctx, order); err != nil {
		return PlaceOrderResult{}, domain.WrapError(domain.KindRetryable, err, "create order")
	}

	if err := s.applyPosition(ctx, tx, params.UserID, params.MarketID, params.Side, match.TotalShares, net); err != nil {
		return PlaceOrderResult{}, err
	}
	// Makers whose resting orders were consumed accrue shares at their own
	// limit price.
	for _, fill := range match.Fills {
		makerShares := fill.Amount / fill.Price
		if err := s.applyPosition(ctx, tx, fill.UserID, params.MarketID, fill.Side, makerShares, fill.Amount); err != nil {
			return PlaceOrderResult{}, err
		}
	}

	return PlaceOrderResult{Order: order, Match: match}, nil
}

// debit takes the gross amount from the user and books the fee to the fee
// account, one ledger entry per movement.
func (s *TradeService) debit(ctx context.Context, tx domain.Tx, acct domain.Account, params PlaceOrderParams, fee, net float64) error {
	if err := tx.Accounts().Add(ctx, acct.ID, -params.Amount); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "debit user %s", params.UserID)
	}
	reason := fmt.Sprintf("order, market %s, side %s", params.MarketID, params.Side)
	if err := tx.Transactions().Create(ctx, domain.Transaction{
		AccountID: acct.ID,
		Amount:    -net,
		Type:      domain.TxTypeTrade,
		Reason:    reason,
	}); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "record trade debit")
	}
	if fee <= 0 {
		return nil
	}
	if err := tx.Transactions().Create(ctx, domain.Transaction{
		AccountID: acct.ID,
		Amount:    -fee,
		Type:      domain.TxTypeFee,
		Reason:    reason,
	}); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "record fee debit")
	}
	feeAcct, err := tx.Accounts().GetByRole(ctx, domain.RoleFee)
	if err != nil {
		return domain.WrapError(domain.KindRetryable, err, "load fee account")
	}
	if err := tx.Accounts().Add(ctx, feeAcct.ID, fee); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "credit fee account")
	}
	if err := tx.Transactions().Create(ctx, domain.Transaction{
		AccountID: feeAcct.ID,
		Amount:    fee,
		Type:      domain.TxTypeFee,
		Reason:    reason,
	}); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "record fee credit")
	}
	return nil
}

// applyPosition folds a fill into the user's open position on that side,
// creating it on first touch.
func (s *TradeService) applyPosition(ctx context.Context, tx domain.Tx, userID, marketID string, side domain.Outcome, shares, cost float64) error {
	if shares <= 0 {
		return nil
	}
	pos, err := tx.Positions().GetForUpdate(ctx, userID, marketID, side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			avg := 0.0
			if shares > 0 {
				avg = cost / shares
			}
			return tx.Positions().Create(ctx, domain.Position{
				ID:       uuid.NewString(),
				MarketID: marketID,
				UserID:   userID,
				Side:     side,
				Shares:   shares,
				AvgPrice: avg,
				Status:   domain.PositionStatusOpen,
			})
		}
		return domain.WrapError(domain.KindRetryable, err, "load position for user %s", userID)
	}
	pos.AddShares(shares, cost)
	if err := tx.Positions().Update(ctx, pos); err != nil {
		return domain.WrapError(domain.KindRetryable, err, "update position for user %s", userID)
	}
	return nil
}

// Transactions lists a user's ledger entries, paginated via opts.
func (s *TradeService) Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	if userID == "" {
		return nil, domain.Errorf(domain.KindValidation, "user id is required")
	}
	acct, err := s.store.Accounts().GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.WrapError(domain.KindValidation, err, "no account for user %s", userID)
		}
		return nil, domain.WrapError(domain.KindRetryable, err, "load account for user %s", userID)
	}
	entries, err := s.store.Transactions().ListByAccount(ctx, acct.ID, opts)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, err, "list ledger for user %s", userID)
	}
	return entries, nil
}

// publishFill fans the fill out on the signal bus, best effort.
func (s *TradeService) publishFill(ctx context.Context, result PlaceOrderResult) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"order_id":  result.Order.ID,
		"market_id": result.Order.MarketID,
		"user_id":   result.Order.UserID,
		"side":      result.Order.Side,
		"kind":      result.Order.Kind,
		"shares":    result.Match.TotalShares,
		"avg_price": result.Match.AvgPrice,
		"status":    result.Order.Status,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, "fills", payload); err != nil {
		s.logger.WarnContext(ctx, "publish fill failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, "fills", payload); err != nil {
		s.logger.WarnContext(ctx, "append fill stream failed", slog.String("error", err.Error()))
	}
}
