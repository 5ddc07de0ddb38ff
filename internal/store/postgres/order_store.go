package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yesnolabs/marketd/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	q Querier
}

const orderCols = `id, market_id, user_id, side, amount, fee, kind,
	limit_price, remaining, shares, payout, status, created_at, settled_at`

// Create inserts a new order, assigning an id when none is set.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO orders (
			id, market_id, user_id, side, amount, fee, kind,
			limit_price, remaining, shares, payout, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`

	_, err := s.q.Exec(ctx, query,
		o.ID, o.MarketID, o.UserID, string(o.Side), o.Amount, o.Fee, string(o.Kind),
		o.LimitPrice, o.Remaining, o.Shares, o.Payout, string(o.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o          domain.Order
		side, kind string
		status     string
	)
	err := row.Scan(
		&o.ID, &o.MarketID, &o.UserID, &side, &o.Amount, &o.Fee, &kind,
		&o.LimitPrice, &o.Remaining, &o.Shares, &o.Payout, &status,
		&o.CreatedAt, &o.SettledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Outcome(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// GetByID retrieves an order by primary key.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByMarket returns every order in the market, oldest first.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Order, error) {
	const query = `SELECT ` + orderCols + ` FROM orders WHERE market_id = $1 ORDER BY created_at ASC`

	rows, err := s.q.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for market %s: %w", marketID, err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListRestingLimit returns open limit orders on side priced at or better than
// maxPrice, price-time priority.
func (s *OrderStore) ListRestingLimit(ctx context.Context, marketID string, side domain.Outcome, maxPrice float64, limit int) ([]domain.Order, error) {
	const query = `
		SELECT ` + orderCols + ` FROM orders
		WHERE market_id = $1
		  AND side = $2
		  AND kind = 'limit'
		  AND status = 'pending'
		  AND remaining > 0
		  AND limit_price <= $3
		ORDER BY limit_price ASC, created_at ASC
		LIMIT $4`

	rows, err := s.q.Query(ctx, query, marketID, string(side), maxPrice, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resting orders for market %s: %w", marketID, err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: order rows: %w", err)
	}
	return orders, nil
}

// Consume reduces a resting order's remaining amount in place, flipping it to
// filled once exhausted.
func (s *OrderStore) Consume(ctx context.Context, id string, amount float64) error {
	const query = `
		UPDATE orders
		SET remaining = GREATEST(remaining - $2, 0),
		    status = CASE WHEN remaining - $2 <= 1e-9 THEN 'filled' ELSE status END
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("postgres: consume order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetPayout writes the order's settlement payout and stamps settled_at.
func (s *OrderStore) SetPayout(ctx context.Context, id string, payout float64) error {
	const query = `UPDATE orders SET payout = $2, settled_at = NOW() WHERE id = $1`

	tag, err := s.q.Exec(ctx, query, id, payout)
	if err != nil {
		return fmt.Errorf("postgres: set payout on order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
