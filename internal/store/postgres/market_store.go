package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yesnolabs/marketd/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	q Querier
}

const marketCols = `id, question, reserve_yes, reserve_no, initial_liquidity,
	status, resolved_outcome, auto_resolve, outcome_prices, closes_at,
	version, created_at, updated_at`

// Create inserts a new market, assigning an id when none is set.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var outcome *string
	if m.ResolvedOutcome != nil {
		v := string(*m.ResolvedOutcome)
		outcome = &v
	}
	var prices *string
	if m.Snapshot != nil {
		v := fmt.Sprintf("[%v, %v]", m.Snapshot.Yes, m.Snapshot.No)
		prices = &v
	}

	const query = `
		INSERT INTO markets (
			id, question, reserve_yes, reserve_no, initial_liquidity,
			status, resolved_outcome, auto_resolve, outcome_prices, closes_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`

	_, err := s.q.Exec(ctx, query,
		m.ID, m.Question, m.ReserveYes, m.ReserveNo, m.InitialLiquidity,
		string(m.Status), outcome, m.AutoResolve, prices, m.ClosesAt,
		m.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// scanMarket maps one row, normalizing the raw outcome_prices encoding into
// an explicit snapshot. An unparseable encoding leaves Snapshot nil, which
// settlement treats the same as a missing snapshot.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		status  string
		outcome *string
		prices  *string
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.ReserveYes, &m.ReserveNo, &m.InitialLiquidity,
		&status, &outcome, &m.AutoResolve, &prices, &m.ClosesAt,
		&m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.ResolvedOutcome = &o
	}
	if prices != nil {
		if snap, err := domain.ParsePriceSnapshot([]byte(*prices)); err == nil {
			m.Snapshot = snap
		}
	}
	return m, nil
}

// GetByID retrieves a market by primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.q.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first with pagination and optional creation
// time filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

// ListSettleable returns auto-resolved markets past their closing time by the
// grace window, not yet resolved or cancelled and without an assigned
// outcome, oldest close first.
func (s *MarketStore) ListSettleable(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	const query = `
		SELECT ` + marketCols + ` FROM markets
		WHERE auto_resolve = TRUE
		  AND status NOT IN ('resolved', 'cancelled')
		  AND resolved_outcome IS NULL
		  AND closes_at <= $1
		ORDER BY closes_at ASC`

	rows, err := s.q.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settleable markets: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market rows: %w", err)
	}
	return markets, nil
}

// UpdateReserves writes new reserves conditioned on the stored version. A row
// that moved on since the caller read it returns ErrVersionConflict.
func (s *MarketStore) UpdateReserves(ctx context.Context, id string, reserveYes, reserveNo float64, version int64) error {
	const query = `
		UPDATE markets
		SET reserve_yes = $2, reserve_no = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $4`

	tag, err := s.q.Exec(ctx, query, id, reserveYes, reserveNo, version)
	if err != nil {
		return fmt.Errorf("postgres: update reserves for market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

// Resolve transitions the market to resolved and zeroes its reserves in one
// conditional write. Losing the race to another settlement surfaces as an
// already-settled error, not a silent second resolution.
func (s *MarketStore) Resolve(ctx context.Context, id string, outcome domain.Outcome) error {
	const query = `
		UPDATE markets
		SET status = 'resolved', resolved_outcome = $2,
		    reserve_yes = 0, reserve_no = 0,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status <> 'resolved'`

	tag, err := s.q.Exec(ctx, query, id, string(outcome))
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.Errorf(domain.KindAlreadySettled, "market %s already resolved", id)
	}
	return nil
}

// MarkClosedUnresolved flips the market to closed with no outcome so it gets
// picked up manually instead of retried forever.
func (s *MarketStore) MarkClosedUnresolved(ctx context.Context, id string) error {
	const query = `
		UPDATE markets
		SET status = 'closed', resolved_outcome = NULL, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: mark market %s closed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
