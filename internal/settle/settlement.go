// Package settle implements pari-mutuel settlement of resolved markets: one
// atomic unit per market covering payout booking, position closure, user
// credits, market resolution, and pool liquidity recovery, plus the periodic
// scanner that drives overdue auto-resolved markets through it.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/yesnolabs/marketd/internal/domain"
)

const (
	defaultTieThreshold      = 0.05
	defaultOverdueAfter      = time.Hour
	defaultRoundingTolerance = 0.01
	defaultLockTTL           = 30 * time.Second
)

// Notifier delivers operator alerts. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Archiver persists a post-settlement snapshot of the market's ledger.
// Invoked after commit, best effort.
type Archiver interface {
	ArchiveMarket(ctx context.Context, m domain.Market, res domain.SettleResult, orders []domain.Order) error
}

// Config tunes settlement policy. The tie threshold and grace/overdue windows
// are policy choices, not algorithmic law, so they are configurable.
type Config struct {
	TieThreshold      float64
	OverdueAfter      time.Duration
	RoundingTolerance float64
	LockTTL           time.Duration
}

func (c *Config) applyDefaults() {
	if c.TieThreshold <= 0 {
		c.TieThreshold = defaultTieThreshold
	}
	if c.OverdueAfter <= 0 {
		c.OverdueAfter = defaultOverdueAfter
	}
	if c.RoundingTolerance <= 0 {
		c.RoundingTolerance = defaultRoundingTolerance
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
}

// Engine settles markets. All mutations for one settlement happen inside a
// single store transaction; a distributed per-market lock keeps concurrent
// settle calls from racing the idempotency guard.
type Engine struct {
	store    domain.Store
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	archiver Archiver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine builds an Engine. locks, bus, notifier and archiver may each be
// nil; the corresponding step is skipped.
func NewEngine(store domain.Store, locks domain.LockManager, bus domain.SignalBus, notifier Notifier, archiver Archiver, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    store,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settlement")),
		now:      time.Now,
	}
}

// Settle resolves one market and pays out its pari-mutuel pool. A forced
// outcome overrides automatic outcome determination; manual markets require
// one. Re-settling a resolved market returns an already-settled error and
// changes nothing.
func (e *Engine) Settle(ctx context.Context, marketID string, forced *domain.Outcome) (domain.SettleResult, error) {
	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "settle:"+marketID, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.SettleResult{}, domain.WrapError(domain.KindRetryable, err, "settlement in progress for market %s", marketID)
			}
			return domain.SettleResult{}, domain.WrapError(domain.KindRetryable, err, "acquire settlement lock for market %s", marketID)
		}
		defer unlock()
	}

	mkt, err := e.store.Markets().GetByID(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SettleResult{}, domain.WrapError(domain.KindValidation, err, "market %s", marketID)
		}
		return domain.SettleResult{}, domain.WrapError(domain.KindRetryable, err, "load market %s", marketID)
	}
	if mkt.Status == domain.MarketStatusResolved {
		return domain.SettleResult{}, domain.Errorf(domain.KindAlreadySettled, "market %s already settled", marketID)
	}

	outcome, err := e.determineOutcome(ctx, mkt, forced)
	if err != nil {
		return domain.SettleResult{}, err
	}

	var (
		result domain.SettleResult
		orders []domain.Order
	)
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var txErr error
		result, orders, txErr = e.settleTx(ctx, tx, mkt, outcome)
		return txErr
	})
	if err != nil {
		return domain.SettleResult{}, err
	}

	e.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.Int("orders", result.TotalOrders),
		slog.Float64("total_payout", result.TotalPayout),
		slog.Float64("recovered", result.Recovered),
		slog.Float64("bad_debt", result.BadDebt),
	)

	e.afterCommit(ctx, mkt, result, orders)
	return result, nil
}

// determineOutcome picks the winning side: forced override first, then the
// normalized probability snapshot for auto-resolved markets. Manual markets
// without a forced outcome are a caller error.
func (e *Engine) determineOutcome(ctx context.Context, mkt domain.Market, forced *domain.Outcome) (domain.Outcome, error) {
	if forced != nil {
		if !forced.Valid() {
			return "", domain.Errorf(domain.KindValidation, "invalid forced outcome %q", *forced)
		}
		return *forced, nil
	}

	if !mkt.AutoResolve {
		return "", domain.Errorf(domain.KindValidation, "manual market %s requires an explicit outcome", mkt.ID)
	}

	if mkt.Snapshot == nil {
		if mkt.Overdue(e.now(), e.cfg.OverdueAfter) {
			// Flag for manual handling instead of retrying forever.
			if err := e.store.Markets().MarkClosedUnresolved(ctx, mkt.ID); err != nil {
				e.logger.ErrorContext(ctx, "flag overdue market failed",
					slog.String("market_id", mkt.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return "", domain.Errorf(domain.KindRetryable, "market %s has no usable price snapshot", mkt.ID)
	}

	if mkt.Snapshot.Diff() < e.cfg.TieThreshold {
		if err := e.store.Markets().MarkClosedUnresolved(ctx, mkt.ID); err != nil {
			e.logger.ErrorContext(ctx, "flag ambiguous market failed",
				slog.String("market_id", mkt.ID),
				slog.String("error", err.Error()),
			)
		}
		e.alert(ctx, "ambiguous_outcome", "Ambiguous settlement outcome",
			fmt.Sprintf("market %s: yes=%.4f no=%.4f differ by less than %.2f, needs manual adjudication",
				mkt.ID, mkt.Snapshot.Yes, mkt.Snapshot.No, e.cfg.TieThreshold))
		return "", domain.Errorf(domain.KindAmbiguousOutcome,
			"market %s: prices %.4f/%.4f too close to call", mkt.ID, mkt.Snapshot.Yes, mkt.Snapshot.No)
	}

	return mkt.Snapshot.Leader(), nil
}

// settleTx applies steps that must be atomic: payouts, position closure, user
// credits, resolution, and liquidity recovery. Runs inside one transaction;
// any error rolls the whole unit back.
func (e *Engine) settleTx(ctx context.Context, tx domain.Tx, mkt domain.Market, outcome domain.Outcome) (domain.SettleResult, []domain.Order, error) {
	result := domain.SettleResult{MarketID: mkt.ID, Outcome: outcome}

	orders, err := tx.Orders().ListByMarket(ctx, mkt.ID)
	if err != nil {
		return result, nil, domain.WrapError(domain.KindRetryable, err, "list orders for market %s", mkt.ID)
	}
	result.TotalOrders = len(orders)

	// Zero orders: nothing to pay out, just close the book and resolve.
	if len(orders) == 0 {
		if _, err := tx.Positions().CloseAllForMarket(ctx, mkt.ID); err != nil {
			return result, nil, domain.WrapError(domain.KindRetryable, err, "close positions for market %s", mkt.ID)
		}
		if err := tx.Markets().Resolve(ctx, mkt.ID, outcome); err != nil {
			return result, nil, err
		}
		return result, nil, nil
	}

	var totalPool, winningPool float64
	for _, o := range orders {
		net := o.NetAmount()
		totalPool += net
		if o.Side == outcome {
			winningPool += net
			result.WinningOrders++
		}
	}
	result.TotalPool = totalPool
	result.WinningPool = winningPool

	// Pari-mutuel: winners split the entire pool in proportion to stake. The
	// slice is updated in place so the post-commit archive snapshot carries
	// the settled payouts, not the pre-settlement reads.
	settledAt := e.now()
	payoutByUser := make(map[string]float64)
	for i, o := range orders {
		payout := 0.0
		if o.Side == outcome && winningPool > 0 {
			payout = o.NetAmount() * (totalPool / winningPool)
		}
		if err := tx.Orders().SetPayout(ctx, o.ID, payout); err != nil {
			return result, nil, domain.WrapError(domain.KindRetryable, err, "set payout on order %s", o.ID)
		}
		orders[i].Payout = payout
		orders[i].SettledAt = &settledAt
		if payout > 0 {
			payoutByUser[o.UserID] += payout
			result.TotalPayout += payout
		}
	}

	if _, err := tx.Positions().CloseAllForMarket(ctx, mkt.ID); err != nil {
		return result, nil, domain.WrapError(domain.KindRetryable, err, "close positions for market %s", mkt.ID)
	}

	// Credit winners in stable order so concurrent settlements touching the
	// same users cannot deadlock on row lock ordering.
	userIDs := make([]string, 0, len(payoutByUser))
	for id := range payoutByUser {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)
	for _, userID := range userIDs {
		payout := payoutByUser[userID]
		acct, err := tx.Accounts().GetByUser(ctx, userID)
		if err != nil {
			return result, nil, domain.WrapError(domain.KindRetryable, err, "load account for user %s", userID)
		}
		if err := tx.Accounts().Add(ctx, acct.ID, payout); err != nil {
			return result, nil, domain.WrapError(domain.KindRetryable, err, "credit user %s", userID)
		}
		if err := tx.Transactions().Create(ctx, domain.Transaction{
			AccountID: acct.ID,
			Amount:    payout,
			Type:      domain.TxTypePayout,
			Reason:    fmt.Sprintf("settlement payout, market %s, outcome %s", mkt.ID, outcome),
			Status:    domain.TxStatusCompleted,
		}); err != nil {
			return result, nil, domain.WrapError(domain.KindRetryable, err, "record payout for user %s", userID)
		}
		result.UsersPaid++
	}

	// Re-read inside the transaction: occupied capital must reflect the
	// reserves as of this unit, captured before Resolve zeroes them.
	fresh, err := tx.Markets().GetByID(ctx, mkt.ID)
	if err != nil {
		return result, nil, domain.WrapError(domain.KindRetryable, err, "reload market %s", mkt.ID)
	}
	occupied := fresh.OccupiedCapital()

	if err := tx.Markets().Resolve(ctx, mkt.ID, outcome); err != nil {
		return result, nil, err
	}

	if err := e.recoverLiquidity(ctx, tx, fresh, occupied, &result); err != nil {
		return result, nil, err
	}

	return result, orders, nil
}

// recoverLiquidity returns the market's occupied pool capital from the AMM
// account to the liquidity reserve and books realized profit or loss. An AMM
// account that cannot cover anything downgrades to a bad-debt booking; user
// payouts are never blocked by pool accounting.
func (e *Engine) recoverLiquidity(ctx context.Context, tx domain.Tx, mkt domain.Market, occupied float64, result *domain.SettleResult) error {
	amm, err := tx.Accounts().GetByRole(ctx, domain.RoleAMMPool)
	if err != nil {
		return domain.WrapError(domain.KindRetryable, err, "load amm pool account")
	}

	if amm.Balance <= 0 {
		result.BadDebt = mkt.InitialLiquidity
		if err := tx.Transactions().Create(ctx, domain.Transaction{
			AccountID: amm.ID,
			Amount:    -mkt.InitialLiquidity,
			Type:      domain.TxTypeBadDebt,
			Reason:    fmt.Sprintf("liquidity write-off, market %s", mkt.ID),
			Status:    domain.TxStatusCompleted,
		}); err != nil {
			return domain.WrapError(domain.KindRetryable, err, "record bad debt for market %s", mkt.ID)
		}
		return nil
	}

	reserve, err := tx.Accounts().GetByRole(ctx, domain.RoleLiquidityReserve)
	if err != nil {
		return domain.WrapError(domain.KindRetryable, err, "load liquidity reserve account")
	}

	recovered := math.Min(occupied, amm.Balance)
	if recovered > 0 {
		if err := tx.Accounts().Add(ctx, amm.ID, -recovered); err != nil {
			return domain.WrapError(domain.KindRetryable, err, "debit amm pool")
		}
		if err := tx.Accounts().Add(ctx, reserve.ID, recovered); err != nil {
			return domain.WrapError(domain.KindRetryable, err, "credit liquidity reserve")
		}
		reason := fmt.Sprintf("liquidity recovery, market %s", mkt.ID)
		for _, entry := range []domain.Transaction{
			{AccountID: amm.ID, Amount: -recovered, Type: domain.TxTypeLiquidityRecovery, Reason: reason, Status: domain.TxStatusCompleted},
			{AccountID: reserve.ID, Amount: recovered, Type: domain.TxTypeLiquidityRecovery, Reason: reason, Status: domain.TxStatusCompleted},
		} {
			if err := tx.Transactions().Create(ctx, entry); err != nil {
				return domain.WrapError(domain.KindRetryable, err, "record liquidity recovery for market %s", mkt.ID)
			}
		}
	}
	result.Recovered = recovered

	pnl := recovered - mkt.InitialLiquidity
	if math.Abs(pnl) > e.cfg.RoundingTolerance {
		result.ProfitLoss = pnl
		if err := tx.Transactions().Create(ctx, domain.Transaction{
			AccountID: amm.ID,
			Amount:    pnl,
			Type:      domain.TxTypeProfitLoss,
			Reason:    fmt.Sprintf("realized p/l, market %s", mkt.ID),
			Status:    domain.TxStatusCompleted,
		}); err != nil {
			return domain.WrapError(domain.KindRetryable, err, "record p/l for market %s", mkt.ID)
		}
	}

	return nil
}

// afterCommit handles the best-effort tail of a settlement: event fan-out,
// operator alerts, and ledger archival. Failures here are logged, never
// surfaced, the settlement has already committed.
func (e *Engine) afterCommit(ctx context.Context, mkt domain.Market, result domain.SettleResult, orders []domain.Order) {
	if e.bus != nil {
		payload, err := json.Marshal(result)
		if err == nil {
			if err := e.bus.Publish(ctx, "settlements", payload); err != nil {
				e.logger.WarnContext(ctx, "publish settlement event failed", slog.String("error", err.Error()))
			}
			if err := e.bus.StreamAppend(ctx, "settlements", payload); err != nil {
				e.logger.WarnContext(ctx, "append settlement stream failed", slog.String("error", err.Error()))
			}
		}
	}

	if result.BadDebt > 0 {
		e.alert(ctx, "bad_debt", "Settlement bad debt",
			fmt.Sprintf("market %s: amm pool could not cover recovery, wrote off %.2f", result.MarketID, result.BadDebt))
	}

	if e.archiver != nil {
		if err := e.archiver.ArchiveMarket(ctx, mkt, result, orders); err != nil {
			e.logger.WarnContext(ctx, "settlement archive failed",
				slog.String("market_id", result.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "operator alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
