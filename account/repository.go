package account

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested account does not exist.
var ErrNotFound = errors.New("account: not found")

// Repository provides access to account balances outside of agreement operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByPrincipal fetches one account.
func (r *Repository) GetByPrincipal(ctx context.Context, principal string) (Account, error) {
	const query = `
		SELECT principal, balance, updated_at
		FROM accounts
		WHERE principal = $1
	`

	var (
		acct    Account
		balance int64
	)
	err := r.pool.QueryRow(ctx, query, principal).Scan(&acct.Principal, &balance, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("account: query by principal: %w", err)
	}
	acct.Balance = uint64(balance)

	return acct, nil
}

// List fetches up to limit accounts ordered by principal.
func (r *Repository) List(ctx context.Context, limit int) ([]Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT principal, balance, updated_at
		FROM accounts
		ORDER BY principal ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0, limit)
	for rows.Next() {
		var (
			acct    Account
			balance int64
		)
		if err := rows.Scan(&acct.Principal, &balance, &acct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("account: scan: %w", err)
		}
		acct.Balance = uint64(balance)
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: iterate: %w", err)
	}

	return accounts, nil
}

// Credit mints amount into the principal's account, creating it when missing.
func (r *Repository) Credit(ctx context.Context, principal string, amount uint64) (Account, error) {
	if principal == "" || amount == 0 || amount > math.MaxInt64 {
		return Account{}, fmt.Errorf("%w: credit %d to %q", ErrInvalidTransfer, amount, principal)
	}

	const query = `
		INSERT INTO accounts (principal, balance)
		VALUES ($1, $2)
		ON CONFLICT (principal) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance,
		    updated_at = NOW()
		RETURNING principal, balance, updated_at
	`

	var (
		acct    Account
		balance int64
	)
	if err := r.pool.QueryRow(ctx, query, principal, int64(amount)).Scan(&acct.Principal, &balance, &acct.UpdatedAt); err != nil {
		return Account{}, fmt.Errorf("account: credit: %w", err)
	}
	acct.Balance = uint64(balance)

	return acct, nil
}
