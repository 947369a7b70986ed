package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record mirrors the disputes table. There is at most one per agreement; a
// new filing replaces the previous record.
type Record struct {
	AgreementID     uint64
	Reason          string
	Initiator       string
	Resolution      *string
	ClientRefundPct *uint8
	OpenedAt        time.Time
	ResolvedAt      *time.Time
}

// Status derives the lifecycle state from the resolution field.
func (r Record) Status() Status {
	if r.Resolution != nil {
		return StatusResolved
	}
	return StatusOpen
}
