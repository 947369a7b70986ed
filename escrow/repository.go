package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

// TxRepository reads and writes escrow balances inside an open transaction.
type TxRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the repository to tx.
func NewTxRepository(tx pgx.Tx) *TxRepository {
	return &TxRepository{tx: tx}
}

func (r *TxRepository) Balance(ctx context.Context, agreementID uint64) (uint64, error) {
	var balance int64
	err := r.tx.QueryRow(ctx, `SELECT balance FROM escrow_balances WHERE agreement_id = $1`, int64(agreementID)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("escrow: load balance: %w", err)
	}
	return uint64(balance), nil
}

func (r *TxRepository) SetBalance(ctx context.Context, agreementID uint64, amount uint64) error {
	if amount > math.MaxInt64 {
		return fmt.Errorf("escrow: balance %d exceeds ledger range", amount)
	}

	const upsertSQL = `
INSERT INTO escrow_balances (agreement_id, balance)
VALUES ($1, $2)
ON CONFLICT (agreement_id) DO UPDATE
SET balance = EXCLUDED.balance,
    updated_at = NOW()
`
	if _, err := r.tx.Exec(ctx, upsertSQL, int64(agreementID), int64(amount)); err != nil {
		return fmt.Errorf("escrow: store balance: %w", err)
	}
	return nil
}
