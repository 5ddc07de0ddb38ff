package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yesnolabs/marketd/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	q Querier
}

const positionCols = `id, market_id, user_id, side, shares, avg_price,
	status, opened_at, closed_at`

// Create inserts a new position, assigning an id when none is set.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO positions (
			id, market_id, user_id, side, shares, avg_price, status, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err := s.q.Exec(ctx, query,
		p.ID, p.MarketID, p.UserID, string(p.Side), p.Shares, p.AvgPrice, string(p.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites a position's mutable fields.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions
		SET shares = $2, avg_price = $3, status = $4, closed_at = $5
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query, p.ID, p.Shares, p.AvgPrice, string(p.Status), p.ClosedAt)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p            domain.Position
		side, status string
	)
	err := row.Scan(
		&p.ID, &p.MarketID, &p.UserID, &side, &p.Shares, &p.AvgPrice,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Outcome(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// GetForUpdate loads the user's open position on one side with a row lock so
// concurrent fills serialize their read-modify-write.
func (s *PositionStore) GetForUpdate(ctx context.Context, userID, marketID string, side domain.Outcome) (domain.Position, error) {
	const query = `
		SELECT ` + positionCols + ` FROM positions
		WHERE user_id = $1 AND market_id = $2 AND side = $3 AND status = 'open'
		FOR UPDATE`

	row := s.q.QueryRow(ctx, query, userID, marketID, string(side))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position for %s in market %s: %w", userID, marketID, err)
	}
	return p, nil
}

// ListOpenByMarket returns all open positions in the market, oldest first.
func (s *PositionStore) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	const query = `
		SELECT ` + positionCols + ` FROM positions
		WHERE market_id = $1 AND status = 'open'
		ORDER BY opened_at ASC`

	rows, err := s.q.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for market %s: %w", marketID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

// CloseAllForMarket closes every still-open position in the market, winners
// and losers alike, and reports how many were closed.
func (s *PositionStore) CloseAllForMarket(ctx context.Context, marketID string) (int64, error) {
	const query = `
		UPDATE positions
		SET status = 'closed', closed_at = NOW()
		WHERE market_id = $1 AND status = 'open'`

	tag, err := s.q.Exec(ctx, query, marketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: close positions for market %s: %w", marketID, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
