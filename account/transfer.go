package account

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("account: insufficient funds")
	// ErrInvalidTransfer rejects zero, oversized or self transfers.
	ErrInvalidTransfer = errors.New("account: invalid transfer")
)

// Transferer moves value between two principals. Implementations must either
// apply both sides of the movement or neither.
type Transferer interface {
	Transfer(ctx context.Context, amount uint64, from, to string) error
}

// ValidateTransfer checks the arguments every Transferer rejects up front.
func ValidateTransfer(amount uint64, from, to string) error {
	if amount == 0 || amount > math.MaxInt64 {
		return fmt.Errorf("%w: amount %d", ErrInvalidTransfer, amount)
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: missing principal", ErrInvalidTransfer)
	}
	if from == to {
		return fmt.Errorf("%w: %s to itself", ErrInvalidTransfer, from)
	}
	return nil
}

// TxTransferer performs transfers inside the caller's transaction so a
// later failure in the same operation rolls the movement back.
type TxTransferer struct {
	tx pgx.Tx
}

// NewTxTransferer binds a transferer to an open transaction.
func NewTxTransferer(tx pgx.Tx) *TxTransferer {
	return &TxTransferer{tx: tx}
}

func (t *TxTransferer) Transfer(ctx context.Context, amount uint64, from, to string) error {
	if err := ValidateTransfer(amount, from, to); err != nil {
		return err
	}

	const debitSQL = `
UPDATE accounts
SET balance = balance - $1,
    updated_at = NOW()
WHERE principal = $2 AND balance >= $1
`
	tag, err := t.tx.Exec(ctx, debitSQL, int64(amount), from)
	if err != nil {
		return fmt.Errorf("account: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, from)
	}

	const creditSQL = `
INSERT INTO accounts (principal, balance)
VALUES ($1, $2)
ON CONFLICT (principal) DO UPDATE
SET balance = accounts.balance + EXCLUDED.balance,
    updated_at = NOW()
`
	if _, err := t.tx.Exec(ctx, creditSQL, to, int64(amount)); err != nil {
		return fmt.Errorf("account: credit %s: %w", to, err)
	}

	return nil
}
