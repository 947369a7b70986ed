package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"escrowflow/agreement"
	"escrowflow/clock"
	"escrowflow/outbox"
)

// Registry hands out agreement ids and remembers the ones that were created.
type Registry struct {
	next atomic.Uint64
	mu   sync.Mutex
	ids  []uint64
}

func NewRegistry(start uint64) *Registry {
	r := &Registry{}
	r.next.Store(start)
	return r
}

func (r *Registry) NextID() uint64 {
	return r.next.Add(1)
}

func (r *Registry) Add(id uint64) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Pick returns a random known agreement id.
func (r *Registry) Pick() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return 0, false
	}
	return r.ids[rand.Intn(len(r.ids))], true
}

// Stats counts operation outcomes across all actors.
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d failed=%d", s.OK.Load(), s.Rejected.Load(), s.Failed.Load())
}

var domainErrors = []error{
	agreement.ErrUnauthorized,
	agreement.ErrInvalidStatus,
	agreement.ErrAlreadyExists,
	agreement.ErrNotFound,
	agreement.ErrInsufficientPayment,
	agreement.ErrInvalidMilestoneIndex,
	agreement.ErrInvalidArgument,
	agreement.ErrTransferFailed,
}

// record classifies err. Domain rejections are expected under contention;
// anything else (killed backends, deadlock victims) is counted as a failure
// and left for the oracles to judge.
func (s *Stats) record(err error) {
	if err == nil {
		s.OK.Add(1)
		return
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			s.Rejected.Add(1)
			return
		}
	}
	s.Failed.Add(1)
}

// Env is shared by every actor in a run.
type Env struct {
	Service   *agreement.Service
	Registry  *Registry
	Stats     *Stats
	Clients   []string
	Providers []string
	Admin     string
}

func pick(names []string) string {
	return names[rand.Intn(len(names))]
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// repeat runs step until ctx is done or stop is closed, sleeping pause between iterations.
func repeat(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(pause())
	}
}

// Creator opens agreements between random parties. A small share of
// attempts reuses an existing id to exercise the duplicate path.
func Creator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(20, 40) }, func() {
		id := env.Registry.NextID()
		if rand.Intn(10) == 0 {
			if existing, ok := env.Registry.Pick(); ok {
				id = existing
			}
		}

		var ms agreement.Milestones
		cost := uint64(10 + rand.Intn(90))
		for i := range ms {
			ms[i] = agreement.Milestone{
				Description:  fmt.Sprintf("phase %d", i+1),
				PaymentShare: cost / agreement.MilestoneCount,
			}
		}
		_, err := env.Service.CreateAgreement(ctx, pick(env.Clients), agreement.CreateParams{
			ID:         id,
			Provider:   pick(env.Providers),
			TotalCost:  cost,
			Duration:   uint64(5 + rand.Intn(20)),
			Milestones: ms,
		})
		env.Stats.record(err)
		if err == nil {
			env.Registry.Add(id)
		}
	})
}

// Depositor funds awaiting agreements from their clients in random
// instalments, occasionally overshooting the cost.
func Depositor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(10, 30) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		a, err := env.Service.Get(ctx, id)
		if err != nil {
			env.Stats.record(err)
			return
		}
		amount := 1 + uint64(rand.Int63n(int64(a.TotalCost)))
		_, err = env.Service.DepositPayment(ctx, a.Client, id, amount)
		env.Stats.record(err)
	})
}

// Provider marks random milestones complete, sometimes as the wrong party.
func Provider(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(10, 30) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		a, err := env.Service.Get(ctx, id)
		if err != nil {
			env.Stats.record(err)
			return
		}
		caller := a.Provider
		if rand.Intn(8) == 0 {
			caller = a.Client
		}
		_, err = env.Service.MarkMilestoneComplete(ctx, caller, id, rand.Intn(agreement.MilestoneCount+1))
		env.Stats.record(err)
	})
}

// Releaser pays out delivered agreements.
func Releaser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(20, 40) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		a, err := env.Service.Get(ctx, id)
		if err != nil {
			env.Stats.record(err)
			return
		}
		_, _, err = env.Service.ReleaseEscrowedPayment(ctx, a.Client, id)
		env.Stats.record(err)
	})
}

// Terminator cancels agreements that are still waiting for payment.
func Terminator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(100, 200) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		a, err := env.Service.Get(ctx, id)
		if err != nil {
			env.Stats.record(err)
			return
		}
		callers := []string{a.Client, a.Provider, env.Admin}
		_, err = env.Service.TerminateAgreement(ctx, pick(callers), id)
		env.Stats.record(err)
	})
}

// Disputer raises disputes as either party.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(50, 100) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		a, err := env.Service.Get(ctx, id)
		if err != nil {
			env.Stats.record(err)
			return
		}
		caller := a.Client
		if rand.Intn(2) == 0 {
			caller = a.Provider
		}
		_, err = env.Service.InitiateDispute(ctx, caller, id, "work not as agreed")
		env.Stats.record(err)
	})
}

// Resolver settles open disputes as the administrator with a random split.
func Resolver(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return jitter(50, 100) }, func() {
		id, ok := env.Registry.Pick()
		if !ok {
			return
		}
		_, err := env.Service.ResolveDisputeClaim(ctx, env.Admin, id, "settled", uint8(rand.Intn(101)))
		env.Stats.record(err)
	})
}

// Ticker advances the agreement clock so dispute windows close during the run.
func Ticker(ctx context.Context, clk *clock.Manual, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return 250 * time.Millisecond }, func() {
		clk.Advance(1)
	})
}

// FlakyPublisher fails a tenth of publishes and counts the rest.
type FlakyPublisher struct {
	Published atomic.Int64
}

func (p *FlakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	p.Published.Add(1)
	return nil
}

func (p *FlakyPublisher) Close() error { return nil }

// OutboxWorker drains the outbox through the relay; failed batches are retried next tick.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	return repeat(ctx, stop, func() time.Duration { return 100 * time.Millisecond }, func() {
		_, _ = relay.RunOnce(ctx)
	})
}
