package account

import "time"

// Account is a principal's spendable balance in the ledger that escrow
// transfers move funds between.
type Account struct {
	Principal string
	Balance   uint64
	UpdatedAt time.Time
}
