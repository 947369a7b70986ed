package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// TxBeginner is satisfied by *pgxpool.Pool and by test fakes.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UnitOfWork runs agreement operations in one Postgres transaction each,
// serialised per agreement id by a transaction-scoped advisory lock.
type UnitOfWork struct {
	pool TxBeginner
}

func NewUnitOfWork(pool TxBeginner) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

func (u *UnitOfWork) Within(ctx context.Context, agreementID uint64, fn func(ctx context.Context, s agreement.Session) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(agreementID)); err != nil {
		return fmt.Errorf("db: lock agreement %d: %w", agreementID, err)
	}

	if err := fn(ctx, newSession(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit tx: %w", err)
	}
	return nil
}

// session hands out repositories bound to a single transaction.
type session struct {
	agreements *agreement.TxRepository
	escrow     *escrow.TxRepository
	disputes   *dispute.TxRepository
	funds      *account.TxTransferer
	timeline   *agreement.TxTimeline
}

func newSession(tx pgx.Tx) *session {
	return &session{
		agreements: agreement.NewTxRepository(tx),
		escrow:     escrow.NewTxRepository(tx),
		disputes:   dispute.NewTxRepository(tx),
		funds:      account.NewTxTransferer(tx),
		timeline:   agreement.NewTxTimeline(tx),
	}
}

func (s *session) Agreements() agreement.Repository { return s.agreements }
func (s *session) Escrow() escrow.Repository        { return s.escrow }
func (s *session) Disputes() dispute.Store          { return s.disputes }
func (s *session) Funds() account.Transferer        { return s.funds }
func (s *session) Timeline() agreement.Timeline     { return s.timeline }
