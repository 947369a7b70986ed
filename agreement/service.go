package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/account"
	"escrowflow/clock"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/logger"
)

// DefaultEscrowAccount is the principal holding escrowed funds when none is configured.
const DefaultEscrowAccount = "escrow"

// Config carries the deployment-time parameters of the service.
type Config struct {
	// Admin is the single principal allowed to resolve disputes.
	Admin string
	// EscrowAccount holds client funds between deposit and disbursement.
	EscrowAccount string
	// DisputeWindow is added to an agreement's end time to form its dispute
	// deadline, in the clock's unit.
	DisputeWindow uint64
}

// Settlement is the outcome of a resolved dispute.
type Settlement struct {
	Agreement      Agreement
	Dispute        dispute.Record
	Refund         uint64
	ProviderAmount uint64
}

type Service struct {
	uow     UnitOfWork
	clock   clock.Clock
	cfg     Config
	log     *logger.Logger
	wallNow func() time.Time
}

func NewService(uow UnitOfWork, clk clock.Clock, cfg Config, log *logger.Logger) *Service {
	if cfg.EscrowAccount == "" {
		cfg.EscrowAccount = DefaultEscrowAccount
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		uow:     uow,
		clock:   clk,
		cfg:     cfg,
		log:     log.With("component", "agreement"),
		wallNow: func() time.Time { return time.Now().UTC() },
	}
}

// Admin returns the configured administrator principal.
func (s *Service) Admin() string {
	return s.cfg.Admin
}

// CreateAgreement registers a new agreement with caller as the client.
func (s *Service) CreateAgreement(ctx context.Context, caller string, params CreateParams) (Agreement, error) {
	if caller == "" {
		return Agreement{}, fmt.Errorf("%w: missing caller", ErrUnauthorized)
	}
	if params.ID == 0 || params.ID > MaxAmount {
		return Agreement{}, fmt.Errorf("%w: agreement id %d out of range", ErrInvalidArgument, params.ID)
	}
	if params.Provider == "" {
		return Agreement{}, fmt.Errorf("%w: provider required", ErrInvalidArgument)
	}
	if caller == s.cfg.EscrowAccount || params.Provider == s.cfg.EscrowAccount {
		return Agreement{}, fmt.Errorf("%w: the escrow account %q cannot be a party", ErrInvalidArgument, s.cfg.EscrowAccount)
	}

	var created Agreement
	err := s.uow.Within(ctx, params.ID, func(ctx context.Context, sess Session) error {
		_, err := sess.Agreements().Get(ctx, params.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %d", ErrAlreadyExists, params.ID)
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		if params.TotalCost == 0 {
			return fmt.Errorf("%w: total cost must be positive", ErrInsufficientPayment)
		}
		if params.TotalCost > MaxAmount {
			return fmt.Errorf("%w: total cost %d exceeds %d", ErrInvalidArgument, params.TotalCost, uint64(MaxAmount))
		}

		now, err := s.clock.Now(ctx)
		if err != nil {
			return fmt.Errorf("agreement: read clock: %w", err)
		}
		end, ok := addUint64(now, params.Duration)
		if !ok {
			return fmt.Errorf("%w: duration %d overflows", ErrInvalidArgument, params.Duration)
		}
		deadline, ok := addUint64(end, s.cfg.DisputeWindow)
		if !ok || deadline > MaxAmount {
			return fmt.Errorf("%w: dispute deadline overflows", ErrInvalidArgument)
		}

		milestones := params.Milestones
		for i := range milestones {
			if milestones[i].PaymentShare > MaxAmount {
				return fmt.Errorf("%w: milestone %d share %d", ErrInvalidArgument, i, milestones[i].PaymentShare)
			}
			milestones[i].Completed = false
		}

		wall := s.wallNow()
		created = Agreement{
			ID:              params.ID,
			Client:          caller,
			Provider:        params.Provider,
			TotalCost:       params.TotalCost,
			Status:          StatusAwaitingPayment,
			StartTime:       now,
			EndTime:         end,
			DisputeDeadline: deadline,
			Milestones:      milestones,
			CreatedAt:       wall,
			UpdatedAt:       wall,
		}
		if err := sess.Agreements().Insert(ctx, created); err != nil {
			return err
		}
		if err := sess.Escrow().SetBalance(ctx, created.ID, 0); err != nil {
			return err
		}

		return sess.Timeline().Append(ctx, Event{
			AgreementID: created.ID,
			Type:        EventAgreementCreated,
			Actor:       caller,
			Payload: map[string]any{
				"client":           created.Client,
				"provider":         created.Provider,
				"total_cost":       created.TotalCost,
				"start_time":       created.StartTime,
				"end_time":         created.EndTime,
				"dispute_deadline": created.DisputeDeadline,
			},
		})
	})
	if err != nil {
		return Agreement{}, err
	}

	s.log.Info("agreement created", "agreement_id", created.ID, "client", created.Client, "provider", created.Provider, "total_cost", created.TotalCost)
	return created, nil
}

// DepositPayment moves amount from the client into escrow. The agreement
// becomes active once the escrowed total reaches its cost; deposits beyond
// the cost are accepted.
func (s *Service) DepositPayment(ctx context.Context, caller string, id uint64, amount uint64) (Agreement, error) {
	if amount == 0 || amount > MaxAmount {
		return Agreement{}, fmt.Errorf("%w: deposit amount %d", ErrInvalidArgument, amount)
	}

	var (
		updated Agreement
		balance uint64
	)
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Client {
			return fmt.Errorf("%w: only the client may deposit", ErrUnauthorized)
		}
		if err := a.requireStatus(StatusAwaitingPayment); err != nil {
			return err
		}

		current, err := sess.Escrow().Balance(ctx, id)
		if err != nil {
			return err
		}
		next, ok := addUint64(current, amount)
		if !ok || next > MaxAmount {
			return fmt.Errorf("%w: escrow balance overflow", ErrInvalidArgument)
		}

		if err := s.transfer(ctx, sess, amount, caller, s.cfg.EscrowAccount); err != nil {
			return err
		}
		if err := sess.Escrow().SetBalance(ctx, id, next); err != nil {
			return err
		}
		if err := sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventPaymentDeposited,
			Actor:       caller,
			Payload:     map[string]any{"amount": amount, "escrow_balance": next},
		}); err != nil {
			return err
		}

		if next >= a.TotalCost {
			if err := a.transition(StatusActive); err != nil {
				return err
			}
			a.UpdatedAt = s.wallNow()
			if err := sess.Agreements().Update(ctx, a); err != nil {
				return err
			}
			if err := sess.Timeline().Append(ctx, Event{
				AgreementID: id,
				Type:        EventAgreementActivated,
				Actor:       caller,
				Payload:     map[string]any{"escrow_balance": next, "total_cost": a.TotalCost},
			}); err != nil {
				return err
			}
		}

		updated, balance = a, next
		return nil
	})
	if err != nil {
		return Agreement{}, err
	}

	s.log.Info("payment deposited", "agreement_id", id, "amount", amount, "escrow_balance", balance, "status", updated.Status)
	return updated, nil
}

// TerminateAgreement cancels an unfunded or partially funded agreement and
// refunds whatever the client has escrowed.
func (s *Service) TerminateAgreement(ctx context.Context, caller string, id uint64) (Agreement, error) {
	var (
		updated  Agreement
		refunded uint64
	)
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsParty(caller) && !s.isAdmin(caller) {
			return fmt.Errorf("%w: only the parties or the administrator may terminate", ErrUnauthorized)
		}
		if err := a.requireStatus(StatusAwaitingPayment); err != nil {
			return err
		}

		balance, err := sess.Escrow().Balance(ctx, id)
		if err != nil {
			return err
		}
		if err := s.transfer(ctx, sess, balance, s.cfg.EscrowAccount, a.Client); err != nil {
			return err
		}
		if err := sess.Escrow().SetBalance(ctx, id, 0); err != nil {
			return err
		}
		if err := a.transition(StatusTerminated); err != nil {
			return err
		}
		a.UpdatedAt = s.wallNow()
		if err := sess.Agreements().Update(ctx, a); err != nil {
			return err
		}
		if err := sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventAgreementTerminated,
			Actor:       caller,
			Payload:     map[string]any{"refund": balance},
		}); err != nil {
			return err
		}

		updated, refunded = a, balance
		return nil
	})
	if err != nil {
		return Agreement{}, err
	}

	s.log.Info("agreement terminated", "agreement_id", id, "by", caller, "refund", refunded)
	return updated, nil
}

// MarkMilestoneComplete records delivery of one milestone. Completing the last
// outstanding milestone delivers the agreement in the same commit.
func (s *Service) MarkMilestoneComplete(ctx context.Context, caller string, id uint64, index int) (Agreement, error) {
	var (
		updated Agreement
		changed bool
	)
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Provider {
			return fmt.Errorf("%w: only the provider may complete milestones", ErrUnauthorized)
		}
		if err := a.requireStatus(StatusActive); err != nil {
			return err
		}

		changed, err = a.Milestones.Complete(index)
		if err != nil {
			return err
		}
		if !changed {
			updated = a
			return nil
		}

		delivered := a.Milestones.AllComplete()
		if delivered {
			if err := a.transition(StatusDelivered); err != nil {
				return err
			}
		}
		a.UpdatedAt = s.wallNow()
		if err := sess.Agreements().Update(ctx, a); err != nil {
			return err
		}
		if err := sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventMilestoneCompleted,
			Actor:       caller,
			Payload:     map[string]any{"index": index, "completed": a.Milestones.CompletedCount()},
		}); err != nil {
			return err
		}
		if delivered {
			if err := sess.Timeline().Append(ctx, Event{
				AgreementID: id,
				Type:        EventAgreementDelivered,
				Actor:       caller,
			}); err != nil {
				return err
			}
		}

		updated = a
		return nil
	})
	if err != nil {
		return Agreement{}, err
	}

	if changed {
		s.log.Info("milestone completed", "agreement_id", id, "index", index, "status", updated.Status)
	}
	return updated, nil
}

// ReleaseEscrowedPayment pays the provider everything held for a delivered
// agreement.
func (s *Service) ReleaseEscrowedPayment(ctx context.Context, caller string, id uint64) (Agreement, uint64, error) {
	var (
		updated  Agreement
		released uint64
	)
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Client {
			return fmt.Errorf("%w: only the client may release payment", ErrUnauthorized)
		}
		if err := a.requireStatus(StatusDelivered); err != nil {
			return err
		}

		balance, err := sess.Escrow().Balance(ctx, id)
		if err != nil {
			return err
		}
		if err := s.transfer(ctx, sess, balance, s.cfg.EscrowAccount, a.Provider); err != nil {
			return err
		}
		if err := sess.Escrow().SetBalance(ctx, id, 0); err != nil {
			return err
		}
		if err := sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventPaymentReleased,
			Actor:       caller,
			Payload:     map[string]any{"amount": balance, "provider": a.Provider},
		}); err != nil {
			return err
		}

		updated, released = a, balance
		return nil
	})
	if err != nil {
		return Agreement{}, 0, err
	}

	s.log.Info("payment released", "agreement_id", id, "provider", updated.Provider, "amount", released)
	return updated, released, nil
}

// InitiateDispute flags an active agreement for administrator settlement. It
// must be filed before the agreement's dispute deadline.
func (s *Service) InitiateDispute(ctx context.Context, caller string, id uint64, reason string) (dispute.Record, error) {
	var rec dispute.Record
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsParty(caller) && !s.isAdmin(caller) {
			return fmt.Errorf("%w: only the parties or the administrator may dispute", ErrUnauthorized)
		}

		now, err := s.clock.Now(ctx)
		if err != nil {
			return fmt.Errorf("agreement: read clock: %w", err)
		}
		if now >= a.DisputeDeadline {
			return fmt.Errorf("%w: dispute window closed at %d (now %d)", ErrInvalidStatus, a.DisputeDeadline, now)
		}
		if err := a.requireStatus(StatusActive); err != nil {
			return err
		}

		if err := a.transition(StatusUnderDispute); err != nil {
			return err
		}
		wall := s.wallNow()
		a.UpdatedAt = wall
		if err := sess.Agreements().Update(ctx, a); err != nil {
			return err
		}

		rec = dispute.Record{
			AgreementID: id,
			Reason:      reason,
			Initiator:   caller,
			OpenedAt:    wall,
		}
		if err := sess.Disputes().Put(ctx, rec); err != nil {
			return err
		}

		return sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventDisputeOpened,
			Actor:       caller,
			Payload:     map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return dispute.Record{}, err
	}

	s.log.Info("dispute opened", "agreement_id", id, "initiator", caller)
	return rec, nil
}

// ResolveDisputeClaim settles a dispute: clientRefundPct percent of the escrow
// (rounded down) goes back to the client and the rest to the provider.
func (s *Service) ResolveDisputeClaim(ctx context.Context, caller string, id uint64, resolution string, clientRefundPct uint8) (Settlement, error) {
	if !s.isAdmin(caller) {
		return Settlement{}, fmt.Errorf("%w: only the administrator may resolve disputes", ErrUnauthorized)
	}
	if clientRefundPct > 100 {
		return Settlement{}, fmt.Errorf("%w: refund percentage %d", ErrInvalidArgument, clientRefundPct)
	}

	var out Settlement
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		a, err := sess.Agreements().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := a.requireStatus(StatusUnderDispute); err != nil {
			return err
		}

		rec, err := sess.Disputes().Get(ctx, id)
		if err != nil {
			if errors.Is(err, dispute.ErrNotFound) {
				return fmt.Errorf("%w: no dispute recorded for agreement %d", ErrNotFound, id)
			}
			return err
		}

		balance, err := sess.Escrow().Balance(ctx, id)
		if err != nil {
			return err
		}
		refund, providerAmount, err := escrow.Split(balance, clientRefundPct)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		if err := s.transfer(ctx, sess, refund, s.cfg.EscrowAccount, a.Client); err != nil {
			return err
		}
		if err := s.transfer(ctx, sess, providerAmount, s.cfg.EscrowAccount, a.Provider); err != nil {
			return err
		}

		wall := s.wallNow()
		text := resolution
		pct := clientRefundPct
		rec.Resolution = &text
		rec.ClientRefundPct = &pct
		rec.ResolvedAt = &wall
		if err := sess.Disputes().Put(ctx, rec); err != nil {
			return err
		}

		if err := sess.Escrow().SetBalance(ctx, id, 0); err != nil {
			return err
		}
		if err := a.transition(StatusDelivered); err != nil {
			return err
		}
		a.UpdatedAt = wall
		if err := sess.Agreements().Update(ctx, a); err != nil {
			return err
		}
		if err := sess.Timeline().Append(ctx, Event{
			AgreementID: id,
			Type:        EventDisputeResolved,
			Actor:       caller,
			Payload: map[string]any{
				"resolution":        resolution,
				"client_refund_pct": clientRefundPct,
				"refund":            refund,
				"provider_amount":   providerAmount,
			},
		}); err != nil {
			return err
		}

		out = Settlement{Agreement: a, Dispute: rec, Refund: refund, ProviderAmount: providerAmount}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	s.log.Info("dispute resolved", "agreement_id", id, "refund", out.Refund, "provider_amount", out.ProviderAmount)
	return out, nil
}

// Get returns the agreement record for id.
func (s *Service) Get(ctx context.Context, id uint64) (Agreement, error) {
	var a Agreement
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		var err error
		a, err = sess.Agreements().Get(ctx, id)
		return err
	})
	return a, err
}

// EscrowBalance returns the escrowed amount for id, zero when nothing is held.
func (s *Service) EscrowBalance(ctx context.Context, id uint64) (uint64, error) {
	var balance uint64
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		var err error
		balance, err = sess.Escrow().Balance(ctx, id)
		return err
	})
	return balance, err
}

// Dispute returns the dispute recorded for id.
func (s *Service) Dispute(ctx context.Context, id uint64) (dispute.Record, error) {
	var rec dispute.Record
	err := s.uow.Within(ctx, id, func(ctx context.Context, sess Session) error {
		var err error
		rec, err = sess.Disputes().Get(ctx, id)
		if errors.Is(err, dispute.ErrNotFound) {
			return fmt.Errorf("%w: no dispute for agreement %d", ErrNotFound, id)
		}
		return err
	})
	return rec, err
}

func (s *Service) isAdmin(principal string) bool {
	return principal != "" && principal == s.cfg.Admin
}

// transfer moves amount through the session's ledger. Zero amounts are skipped.
func (s *Service) transfer(ctx context.Context, sess Session, amount uint64, from, to string) error {
	if amount == 0 {
		return nil
	}
	if err := sess.Funds().Transfer(ctx, amount, from, to); err != nil {
		if errors.Is(err, account.ErrInsufficientFunds) || errors.Is(err, account.ErrInvalidTransfer) {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		return fmt.Errorf("agreement: transfer %d %s -> %s: %w", amount, from, to, err)
	}
	return nil
}

func addUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
