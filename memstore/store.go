// Package memstore keeps every store in process memory. It backs local runs
// with STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/outbox"
)

var (
	_ agreement.UnitOfWork = (*Store)(nil)
	_ account.Store        = (*Store)(nil)
	_ dispute.Lister       = (*Store)(nil)
	_ outbox.Source        = (*Store)(nil)
)

// TransferFault lets tests make the ledger decline a movement.
type TransferFault func(amount uint64, from, to string) error

type outboxEntry struct {
	msg     outbox.Message
	status  string
	lastErr string
}

// Store holds committed state. Operations on one agreement are serialised by a
// per-id lock; committed state is guarded by mu.
type Store struct {
	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex

	mu         sync.Mutex
	agreements map[uint64]agreement.Agreement
	escrow     map[uint64]uint64
	disputes   map[uint64]dispute.Record
	accounts   map[string]account.Account
	timeline   map[uint64][]agreement.Event
	outbox     []*outboxEntry
	fault      TransferFault

	relayMu     sync.Mutex
	maxAttempts int
	now         func() time.Time
}

func New() *Store {
	return &Store{
		locks:       make(map[uint64]*sync.Mutex),
		agreements:  make(map[uint64]agreement.Agreement),
		escrow:      make(map[uint64]uint64),
		disputes:    make(map[uint64]dispute.Record),
		accounts:    make(map[string]account.Account),
		timeline:    make(map[uint64][]agreement.Event),
		maxAttempts: outbox.DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetTransferFault installs fn as a pre-check on every transfer. Pass nil to clear.
func (s *Store) SetTransferFault(fn TransferFault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) lockFor(id uint64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Within runs fn against a staged session and commits its writes iff fn
// returns nil.
func (s *Store) Within(ctx context.Context, agreementID uint64, fn func(ctx context.Context, sess agreement.Session) error) error {
	l := s.lockFor(agreementID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sess := newSession(s)
	if err := fn(ctx, sess); err != nil {
		return err
	}
	return s.commit(sess)
}

func (s *Store) commit(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balances, err := s.replayLocked(sess.transfers)
	if err != nil {
		return fmt.Errorf("%w: %w", agreement.ErrTransferFailed, err)
	}

	type pendingMessage struct {
		ev      agreement.Event
		payload []byte
	}
	messages := make([]pendingMessage, 0, len(sess.events))
	for _, ev := range sess.events {
		payload, err := agreement.EncodePayload(ev)
		if err != nil {
			return err
		}
		messages = append(messages, pendingMessage{ev: ev, payload: payload})
	}

	now := s.now()
	for principal, bal := range balances {
		s.accounts[principal] = account.Account{Principal: principal, Balance: bal, UpdatedAt: now}
	}
	for id, a := range sess.agreements {
		s.agreements[id] = a
	}
	for id, bal := range sess.escrow {
		s.escrow[id] = bal
	}
	for id, rec := range sess.disputes {
		s.disputes[id] = rec
	}
	for _, m := range messages {
		s.timeline[m.ev.AgreementID] = append(s.timeline[m.ev.AgreementID], m.ev)
		s.outbox = append(s.outbox, &outboxEntry{
			msg: outbox.Message{
				ID:        uuid.New(),
				Topic:     m.ev.Type.Topic(),
				Payload:   m.payload,
				CreatedAt: now,
			},
			status: outbox.StatusPending,
		})
	}
	return nil
}

// replayLocked applies transfers to the committed balances of the principals
// they touch and returns the resulting balances. s.mu must be held.
func (s *Store) replayLocked(transfers []transfer) (map[string]uint64, error) {
	balances := make(map[string]uint64)
	balanceOf := func(p string) uint64 {
		if b, ok := balances[p]; ok {
			return b
		}
		return s.accounts[p].Balance
	}
	for _, t := range transfers {
		from := balanceOf(t.from)
		if from < t.amount {
			return nil, fmt.Errorf("%w: %s holds %d, needs %d", account.ErrInsufficientFunds, t.from, from, t.amount)
		}
		to := balanceOf(t.to)
		if to > math.MaxInt64-t.amount {
			return nil, fmt.Errorf("%w: %s balance would overflow", account.ErrInvalidTransfer, t.to)
		}
		balances[t.from] = from - t.amount
		balances[t.to] = to + t.amount
	}
	return balances, nil
}

// Events returns the committed timeline of an agreement in append order.
func (s *Store) Events(agreementID uint64) []agreement.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agreement.Event(nil), s.timeline[agreementID]...)
}

// OutboxStatus counts outbox messages by status.
func (s *Store) OutboxStatus() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, 3)
	for _, e := range s.outbox {
		counts[e.status]++
	}
	return counts
}

// TotalEscrow sums every agreement's escrow balance.
func (s *Store) TotalEscrow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, bal := range s.escrow {
		total += bal
	}
	return total
}

// GetByPrincipal implements account.Store.
func (s *Store) GetByPrincipal(_ context.Context, principal string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[principal]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return acct, nil
}

// List implements account.Store. Accounts are ordered by principal.
func (s *Store) List(_ context.Context, limit int) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Credit implements account.Store.
func (s *Store) Credit(_ context.Context, principal string, amount uint64) (account.Account, error) {
	if principal == "" || amount == 0 || amount > math.MaxInt64 {
		return account.Account{}, fmt.Errorf("%w: credit %d to %q", account.ErrInvalidTransfer, amount, principal)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[principal]
	if acct.Balance > math.MaxInt64-amount {
		return account.Account{}, fmt.Errorf("%w: %s balance would overflow", account.ErrInvalidTransfer, principal)
	}
	acct.Principal = principal
	acct.Balance += amount
	acct.UpdatedAt = s.now()
	s.accounts[principal] = acct
	return acct, nil
}

// ListForParty implements dispute.Lister.
func (s *Store) ListForParty(_ context.Context, principal string) ([]dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispute.Record
	for id, rec := range s.disputes {
		if s.agreements[id].IsParty(principal) {
			out = append(out, rec)
		}
	}
	sortDisputes(out)
	return out, nil
}

// ListAll implements dispute.Lister.
func (s *Store) ListAll(_ context.Context) ([]dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispute.Record, 0, len(s.disputes))
	for _, rec := range s.disputes {
		out = append(out, rec)
	}
	sortDisputes(out)
	return out, nil
}

func sortDisputes(recs []dispute.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].AgreementID < recs[j].AgreementID })
}

// Process implements outbox.Source.
func (s *Store) Process(ctx context.Context, limit int, handle outbox.Handler) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	s.mu.Lock()
	var batch []*outboxEntry
	for _, e := range s.outbox {
		if e.status != outbox.StatusPending {
			continue
		}
		batch = append(batch, e)
		if len(batch) == limit {
			break
		}
	}
	msgs := make([]outbox.Message, len(batch))
	for i, e := range batch {
		msgs[i] = e.msg
	}
	s.mu.Unlock()

	published := 0
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		herr := handle(ctx, msg)

		s.mu.Lock()
		e := batch[i]
		if herr != nil {
			e.msg.Attempts++
			e.lastErr = herr.Error()
			if e.msg.Attempts >= s.maxAttempts {
				e.status = outbox.StatusDead
			}
		} else {
			e.status = outbox.StatusProcessed
			published++
		}
		s.mu.Unlock()
	}
	return published, nil
}
