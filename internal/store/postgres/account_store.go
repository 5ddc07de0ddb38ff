package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yesnolabs/marketd/internal/domain"
)

// AccountStore implements domain.AccountStore.
type AccountStore struct {
	q Querier
}

const accountCols = `id, user_id, role, balance, created_at, updated_at`

// Create inserts a new account, assigning an id when none is set.
func (s *AccountStore) Create(ctx context.Context, a domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO accounts (id, user_id, role, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`

	_, err := s.q.Exec(ctx, query, a.ID, a.UserID, string(a.Role), a.Balance)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create account %s: %w", a.ID, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a    domain.Account
		role string
	)
	err := row.Scan(&a.ID, &a.UserID, &role, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	a.Role = domain.AccountRole(role)
	return a, nil
}

// GetByID retrieves an account by primary key.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	row := s.q.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

// GetByUser retrieves a user's ledger account.
func (s *AccountStore) GetByUser(ctx context.Context, userID string) (domain.Account, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id = $1 AND role = 'user'`, userID)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account for user %s: %w", userID, err)
	}
	return a, nil
}

// GetByRole retrieves one of the system accounts by its reserved role.
func (s *AccountStore) GetByRole(ctx context.Context, role domain.AccountRole) (domain.Account, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE role = $1 LIMIT 1`, string(role))
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account for role %s: %w", role, err)
	}
	return a, nil
}

// Add applies a signed delta to the balance as one in-database increment. The
// system accounts are hot rows under concurrent settlements; never widen this
// into a read-modify-write.
func (s *AccountStore) Add(ctx context.Context, id string, delta float64) error {
	const query = `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE id = $1`

	tag, err := s.q.Exec(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("postgres: adjust account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.AccountStore = (*AccountStore)(nil)
