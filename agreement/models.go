package agreement

import (
	"math"
	"time"
)

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusActive          Status = "active"
	StatusDelivered       Status = "delivered"
	StatusUnderDispute    Status = "under_dispute"
	StatusTerminated      Status = "terminated"
)

// MilestoneCount is the fixed number of milestone slots per agreement.
const MilestoneCount = 5

// MaxAmount bounds every amount so it fits the signed 64-bit ledger columns.
const MaxAmount = math.MaxInt64

// Milestone is one unit of deliverable work. Its position in the agreement is
// its identity.
type Milestone struct {
	Description  string
	PaymentShare uint64
	Completed    bool
}

// Milestones is the ordered, fixed-capacity milestone sequence.
type Milestones [MilestoneCount]Milestone

// Agreement mirrors the agreements table plus its milestone rows.
type Agreement struct {
	ID              uint64
	Client          string
	Provider        string
	TotalCost       uint64
	Status          Status
	StartTime       uint64
	EndTime         uint64
	DisputeDeadline uint64
	Milestones      Milestones
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsParty reports whether principal is the client or the provider.
func (a Agreement) IsParty(principal string) bool {
	return principal != "" && (principal == a.Client || principal == a.Provider)
}

// CreateParams enumerates the caller-supplied fields of a new agreement.
type CreateParams struct {
	ID         uint64
	Provider   string
	TotalCost  uint64
	Duration   uint64
	Milestones Milestones
}

// EventType names a timeline event.
type EventType string

const (
	EventAgreementCreated    EventType = "AGREEMENT_CREATED"
	EventPaymentDeposited    EventType = "PAYMENT_DEPOSITED"
	EventAgreementActivated  EventType = "AGREEMENT_ACTIVATED"
	EventMilestoneCompleted  EventType = "MILESTONE_COMPLETED"
	EventAgreementDelivered  EventType = "AGREEMENT_DELIVERED"
	EventPaymentReleased     EventType = "PAYMENT_RELEASED"
	EventDisputeOpened       EventType = "DISPUTE_OPENED"
	EventDisputeResolved     EventType = "DISPUTE_RESOLVED"
	EventAgreementTerminated EventType = "AGREEMENT_TERMINATED"
)

// Event captures an immutable business event for an agreement. It is written
// to the timeline and the outbox in the operation's transaction.
type Event struct {
	AgreementID uint64
	Type        EventType
	Actor       string
	Payload     map[string]any
}
