// Package outbox relays committed agreement events to an external publisher.
//
// Events are written to the outbox in the same transaction as the state change
// that produced them. A Relay later claims pending messages from a Source and
// hands each to a Publisher; failures are retried until MaxAttempts, after
// which the message is marked dead.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// DefaultMaxAttempts bounds redelivery of a failing message.
const DefaultMaxAttempts = 5

// Message is one outbox row.
type Message struct {
	ID        uuid.UUID
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Handler publishes a claimed message. A non-nil error counts as a failed attempt.
type Handler func(ctx context.Context, msg Message) error

// Source hands pending messages to a handler and records the outcome.
type Source interface {
	// Process claims up to limit pending messages in creation order and
	// returns how many were published successfully.
	Process(ctx context.Context, limit int, handle Handler) (int, error)
}

// Publisher delivers a message to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
