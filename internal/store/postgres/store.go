package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yesnolabs/marketd/internal/domain"
)

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store. Direct calls auto-commit against the pool;
// WithinTx runs the callback's statements inside one database transaction.
type Store struct {
	client *Client
}

// NewStore wraps a connected Client.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

func (s *Store) Markets() domain.MarketStore   { return &MarketStore{q: s.client.pool} }
func (s *Store) Orders() domain.OrderStore     { return &OrderStore{q: s.client.pool} }
func (s *Store) Positions() domain.PositionStore {
	return &PositionStore{q: s.client.pool}
}
func (s *Store) Accounts() domain.AccountStore { return &AccountStore{q: s.client.pool} }
func (s *Store) Transactions() domain.TransactionStore {
	return &TransactionStore{q: s.client.pool}
}

// WithinTx begins a transaction, hands fn a Tx view bound to it, and commits
// only if fn returns nil. Any error rolls back every statement in the unit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	pgtx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(ctx, &txView{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

var _ domain.Store = (*Store)(nil)

// txView exposes the stores over one open transaction.
type txView struct {
	q Querier
}

func (t *txView) Markets() domain.MarketStore           { return &MarketStore{q: t.q} }
func (t *txView) Orders() domain.OrderStore             { return &OrderStore{q: t.q} }
func (t *txView) Positions() domain.PositionStore       { return &PositionStore{q: t.q} }
func (t *txView) Accounts() domain.AccountStore         { return &AccountStore{q: t.q} }
func (t *txView) Transactions() domain.TransactionStore { return &TransactionStore{q: t.q} }

// isUniqueViolation reports whether err is a primary key or unique index
// conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
