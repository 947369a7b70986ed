package memstore

import (
	"context"
	"fmt"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

type transfer struct {
	amount   uint64
	from, to string
}

// session stages writes for one Within call. Reads fall through to committed
// state when nothing is staged.
type session struct {
	store      *Store
	agreements map[uint64]agreement.Agreement
	escrow     map[uint64]uint64
	disputes   map[uint64]dispute.Record
	transfers  []transfer
	events     []agreement.Event
}

func newSession(s *Store) *session {
	return &session{
		store:      s,
		agreements: make(map[uint64]agreement.Agreement),
		escrow:     make(map[uint64]uint64),
		disputes:   make(map[uint64]dispute.Record),
	}
}

func (s *session) Agreements() agreement.Repository { return agreementRepo{s} }
func (s *session) Escrow() escrow.Repository        { return escrowRepo{s} }
func (s *session) Disputes() dispute.Store          { return disputeRepo{s} }
func (s *session) Funds() account.Transferer        { return funds{s} }
func (s *session) Timeline() agreement.Timeline     { return timeline{s} }

type agreementRepo struct{ s *session }

func (r agreementRepo) Get(_ context.Context, id uint64) (agreement.Agreement, error) {
	if a, ok := r.s.agreements[id]; ok {
		return a, nil
	}
	r.s.store.mu.Lock()
	defer r.s.store.mu.Unlock()
	a, ok := r.s.store.agreements[id]
	if !ok {
		return agreement.Agreement{}, fmt.Errorf("%w: %d", agreement.ErrNotFound, id)
	}
	return a, nil
}

func (r agreementRepo) Insert(ctx context.Context, a agreement.Agreement) error {
	if _, err := r.Get(ctx, a.ID); err == nil {
		return fmt.Errorf("%w: %d", agreement.ErrAlreadyExists, a.ID)
	}
	r.s.agreements[a.ID] = a
	return nil
}

func (r agreementRepo) Update(ctx context.Context, a agreement.Agreement) error {
	if _, err := r.Get(ctx, a.ID); err != nil {
		return err
	}
	r.s.agreements[a.ID] = a
	return nil
}

type escrowRepo struct{ s *session }

func (r escrowRepo) Balance(_ context.Context, id uint64) (uint64, error) {
	if bal, ok := r.s.escrow[id]; ok {
		return bal, nil
	}
	r.s.store.mu.Lock()
	defer r.s.store.mu.Unlock()
	return r.s.store.escrow[id], nil
}

func (r escrowRepo) SetBalance(_ context.Context, id uint64, amount uint64) error {
	r.s.escrow[id] = amount
	return nil
}

type disputeRepo struct{ s *session }

func (r disputeRepo) Get(_ context.Context, id uint64) (dispute.Record, error) {
	if rec, ok := r.s.disputes[id]; ok {
		return rec, nil
	}
	r.s.store.mu.Lock()
	defer r.s.store.mu.Unlock()
	rec, ok := r.s.store.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

func (r disputeRepo) Put(_ context.Context, rec dispute.Record) error {
	r.s.disputes[rec.AgreementID] = rec
	return nil
}

type funds struct{ s *session }

// Transfer checks the movement against committed balances plus everything
// staged so far. Commit replays the staged transfers again, so a concurrent
// operation on another agreement cannot overdraw a shared account.
func (f funds) Transfer(_ context.Context, amount uint64, from, to string) error {
	if err := account.ValidateTransfer(amount, from, to); err != nil {
		return err
	}

	st := f.s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.fault != nil {
		if err := st.fault(amount, from, to); err != nil {
			return err
		}
	}

	next := append(append([]transfer(nil), f.s.transfers...), transfer{amount: amount, from: from, to: to})
	if _, err := st.replayLocked(next); err != nil {
		return err
	}
	f.s.transfers = next
	return nil
}

type timeline struct{ s *session }

func (t timeline) Append(_ context.Context, ev agreement.Event) error {
	t.s.events = append(t.s.events, ev)
	return nil
}
