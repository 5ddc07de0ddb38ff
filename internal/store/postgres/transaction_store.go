package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yesnolabs/marketd/internal/domain"
)

// TransactionStore implements domain.TransactionStore. The ledger is
// append-only; there are no update or delete paths.
type TransactionStore struct {
	q Querier
}

// Create appends one ledger entry, assigning an id when none is set.
func (s *TransactionStore) Create(ctx context.Context, t domain.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TxStatusCompleted
	}

	const query = `
		INSERT INTO transactions (id, account_id, amount, type, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	_, err := s.q.Exec(ctx, query,
		t.ID, t.AccountID, t.Amount, string(t.Type), t.Reason, string(t.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create transaction %s: %w", t.ID, err)
	}
	return nil
}

// ListByAccount returns an account's entries newest first with pagination and
// optional time filtering.
func (s *TransactionStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query := `SELECT id, account_id, amount, type, reason, status, created_at
		FROM transactions WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list transactions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []domain.Transaction
	for rows.Next() {
		var (
			t           domain.Transaction
			typ, status string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &typ, &t.Reason, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Type = domain.TxType(typ)
		t.Status = domain.TxStatus(status)
		entries = append(entries, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: transaction rows: %w", err)
	}
	return entries, nil
}

// SumByAccount returns the signed sum of completed entries for one account.
func (s *TransactionStore) SumByAccount(ctx context.Context, accountID string) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = $1 AND status = 'completed'`

	var sum float64
	if err := s.q.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres: sum transactions for account %s: %w", accountID, err)
	}
	return sum, nil
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
