package agreement

import (
	"context"

	"escrowflow/account"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Repository stores agreement records.
type Repository interface {
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, id uint64) (Agreement, error)
	// Insert returns ErrAlreadyExists when the id is taken.
	Insert(ctx context.Context, a Agreement) error
	Update(ctx context.Context, a Agreement) error
}

// Timeline appends business events for an agreement.
type Timeline interface {
	Append(ctx context.Context, ev Event) error
}

// Session exposes the stores of one unit of work. Everything written through
// a session is committed together or not at all.
type Session interface {
	Agreements() Repository
	Escrow() escrow.Repository
	Disputes() dispute.Store
	Funds() account.Transferer
	Timeline() Timeline
}

// UnitOfWork runs fn with exclusive access to one agreement id. Writes made
// through the session are committed iff fn returns nil.
type UnitOfWork interface {
	Within(ctx context.Context, agreementID uint64, fn func(ctx context.Context, s Session) error) error
}
