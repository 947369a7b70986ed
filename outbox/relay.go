package outbox

import (
	"context"
	"errors"
	"time"

	"escrowflow/logger"
)

// Relay periodically drains a Source into a Publisher.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batch     int
	log       *logger.Logger
}

func NewRelay(source Source, publisher Publisher, interval time.Duration, log *logger.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batch:     50,
		log:       log.With("component", "outbox"),
	}
}

// RunOnce drains one batch and returns the number of messages published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	return r.source.Process(ctx, r.batch, func(ctx context.Context, msg Message) error {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.log.Warn("publish failed", "id", msg.ID.String(), "topic", msg.Topic, "attempt", msg.Attempts+1, "error", err)
			return err
		}
		return nil
	})
}

// Run drains until ctx is cancelled. A full batch is followed immediately by
// another pass; otherwise the relay waits for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.log.Error("relay pass failed", "error", err)
		}
		if n >= r.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
