package escrow

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidPercentage rejects refund percentages above 100.
var ErrInvalidPercentage = errors.New("escrow: refund percentage out of range")

// Repository tracks the escrowed balance of each agreement. Missing balances
// read as zero.
type Repository interface {
	Balance(ctx context.Context, agreementID uint64) (uint64, error)
	SetBalance(ctx context.Context, agreementID uint64, amount uint64) error
}

// Split divides balance into the client refund and the provider payout for a
// settlement. The refund is floor(balance*pct/100); the truncated remainder
// stays on the provider leg, so refund+provider always equals balance.
func Split(balance uint64, clientRefundPct uint8) (refund, provider uint64, err error) {
	if clientRefundPct > 100 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidPercentage, clientRefundPct)
	}
	pct := uint64(clientRefundPct)
	// balance = 100q + r, so balance*pct/100 = q*pct + r*pct/100 without overflow.
	refund = (balance/100)*pct + (balance%100)*pct/100
	return refund, balance - refund, nil
}
