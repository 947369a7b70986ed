package db_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/clock"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/test/infra"
)

const (
	admin    = "admin"
	client   = "alice"
	provider = "bob"
)

func newHarness(t *testing.T) (*infra.Harness, context.Context) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	h, err := infra.NewHarness(ctx, infra.Options{
		DSN:     os.Getenv("DATABASE_URL"),
		Isolate: true,
		Pool:    config.DBConfig{MaxConns: 8, ApplicationName: "escrowflow-it"},
	})
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	return h, ctx
}

func newService(h *infra.Harness, clk clock.Clock) *agreement.Service {
	return agreement.NewService(db.NewUnitOfWork(h.Pool()), clk, agreement.Config{
		Admin:         admin,
		EscrowAccount: agreement.DefaultEscrowAccount,
		DisputeWindow: 100,
	}, nil)
}

func fund(t *testing.T, ctx context.Context, h *infra.Harness, principal string, amount uint64) {
	t.Helper()
	if _, err := account.NewRepository(h.Pool()).Credit(ctx, principal, amount); err != nil {
		t.Fatalf("credit %s: %v", principal, err)
	}
}

func balance(t *testing.T, ctx context.Context, h *infra.Harness, principal string) uint64 {
	t.Helper()
	acct, err := account.NewRepository(h.Pool()).GetByPrincipal(ctx, principal)
	if errors.Is(err, account.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("balance %s: %v", principal, err)
	}
	return acct.Balance
}

func milestones() agreement.Milestones {
	var ms agreement.Milestones
	for i := range ms {
		ms[i] = agreement.Milestone{Description: "phase", PaymentShare: 200}
	}
	return ms
}

func TestUnitOfWork_LifecycleOnPostgres(t *testing.T) {
	h, ctx := newHarness(t)
	svc := newService(h, clock.NewManual(1000))
	fund(t, ctx, h, client, 5000)

	created, err := svc.CreateAgreement(ctx, client, agreement.CreateParams{
		ID: 1, Provider: provider, TotalCost: 1000, Duration: 50, Milestones: milestones(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.DisputeDeadline != 1150 {
		t.Fatalf("deadline = %d, want 1150", created.DisputeDeadline)
	}

	if _, err := svc.CreateAgreement(ctx, client, agreement.CreateParams{ID: 1, Provider: provider, TotalCost: 10}); !errors.Is(err, agreement.ErrAlreadyExists) {
		t.Fatalf("duplicate create err = %v, want ErrAlreadyExists", err)
	}

	if _, err := svc.DepositPayment(ctx, client, 1, 400); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	a, err := svc.DepositPayment(ctx, client, 1, 600)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if a.Status != agreement.StatusActive {
		t.Fatalf("status = %s, want active", a.Status)
	}

	for i := 0; i < agreement.MilestoneCount; i++ {
		if a, err = svc.MarkMilestoneComplete(ctx, provider, 1, i); err != nil {
			t.Fatalf("milestone %d: %v", i, err)
		}
	}
	if a.Status != agreement.StatusDelivered {
		t.Fatalf("status = %s, want delivered", a.Status)
	}

	got, err := svc.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Milestones.AllComplete() || got.Client != client || got.TotalCost != 1000 {
		t.Fatalf("reloaded agreement = %+v", got)
	}

	_, released, err := svc.ReleaseEscrowedPayment(ctx, client, 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 1000 {
		t.Fatalf("released = %d, want 1000", released)
	}
	if b := balance(t, ctx, h, provider); b != 1000 {
		t.Fatalf("provider balance = %d, want 1000", b)
	}
	if b := balance(t, ctx, h, client); b != 4000 {
		t.Fatalf("client balance = %d, want 4000", b)
	}
	if b := balance(t, ctx, h, agreement.DefaultEscrowAccount); b != 0 {
		t.Fatalf("escrow account = %d, want 0", b)
	}

	var events, pending int
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = 1`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	// created, 2 deposits, activated, 5 milestones, delivered, released
	if events != 11 || pending != events {
		t.Fatalf("events = %d, pending outbox = %d, want 11 each", events, pending)
	}
}

func TestUnitOfWork_FailedTransferRollsBack(t *testing.T) {
	h, ctx := newHarness(t)
	svc := newService(h, clock.NewManual(1000))
	fund(t, ctx, h, client, 100)

	if _, err := svc.CreateAgreement(ctx, client, agreement.CreateParams{
		ID: 7, Provider: provider, TotalCost: 1000, Duration: 50, Milestones: milestones(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := svc.DepositPayment(ctx, client, 7, 500)
	if !errors.Is(err, agreement.ErrTransferFailed) || !errors.Is(err, account.ErrInsufficientFunds) {
		t.Fatalf("deposit err = %v, want ErrTransferFailed wrapping ErrInsufficientFunds", err)
	}

	held, err := svc.EscrowBalance(ctx, 7)
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if held != 0 {
		t.Fatalf("escrow = %d, want 0", held)
	}
	if b := balance(t, ctx, h, client); b != 100 {
		t.Fatalf("client balance = %d, want 100", b)
	}
	var events int
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = 7`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("events = %d, want only the creation event", events)
	}
}

func TestUnitOfWork_DisputeSettlement(t *testing.T) {
	h, ctx := newHarness(t)
	clk := clock.NewManual(1000)
	svc := newService(h, clk)
	fund(t, ctx, h, client, 999)

	if _, err := svc.CreateAgreement(ctx, client, agreement.CreateParams{
		ID: 3, Provider: provider, TotalCost: 999, Duration: 50, Milestones: milestones(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.DepositPayment(ctx, client, 3, 999); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.InitiateDispute(ctx, provider, 3, "client unresponsive"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	open, err := dispute.NewService(dispute.NewRepository(h.Pool()), admin).List(ctx, client)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Status() != dispute.StatusOpen {
		t.Fatalf("disputes = %+v, want one open", open)
	}

	settled, err := svc.ResolveDisputeClaim(ctx, admin, 3, "split", 33)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settled.Refund != 329 || settled.ProviderAmount != 670 {
		t.Fatalf("split = %d/%d, want 329/670", settled.Refund, settled.ProviderAmount)
	}
	if settled.Agreement.Status != agreement.StatusDelivered {
		t.Fatalf("status = %s, want delivered", settled.Agreement.Status)
	}

	rec, err := svc.Dispute(ctx, 3)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if rec.Resolution == nil || *rec.Resolution != "split" || rec.ClientRefundPct == nil || *rec.ClientRefundPct != 33 {
		t.Fatalf("record = %+v", rec)
	}
	if b := balance(t, ctx, h, client); b != 329 {
		t.Fatalf("client balance = %d, want 329", b)
	}
	if b := balance(t, ctx, h, provider); b != 670 {
		t.Fatalf("provider balance = %d, want 670", b)
	}
}

func TestPostgresSource_MarksOutcomes(t *testing.T) {
	h, ctx := newHarness(t)
	svc := newService(h, clock.NewManual(1000))

	if _, err := svc.CreateAgreement(ctx, client, agreement.CreateParams{
		ID: 9, Provider: provider, TotalCost: 10, Duration: 5, Milestones: milestones(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.TerminateAgreement(ctx, provider, 9); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	src := outbox.NewPostgresSource(h.Pool(), 1)
	var topics []string
	n, err := src.Process(ctx, 10, func(_ context.Context, msg outbox.Message) error {
		topics = append(topics, msg.Topic)
		if msg.Topic == "agreement.agreement_terminated" {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 || len(topics) != 2 || topics[0] != "agreement.agreement_created" {
		t.Fatalf("published = %d, topics = %v", n, topics)
	}

	var processed, dead int
	if err := h.Pool().QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = 'processed'),
		COUNT(*) FILTER (WHERE status = 'dead')
		FROM outbox`).Scan(&processed, &dead); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if processed != 1 || dead != 1 {
		t.Fatalf("processed = %d, dead = %d, want 1 each", processed, dead)
	}
}
