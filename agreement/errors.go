package agreement

import "errors"

// Every failed operation yields one of these, matched with errors.Is.
var (
	// ErrUnauthorized is returned when the caller is not a permitted party.
	ErrUnauthorized = errors.New("agreement: unauthorized")
	// ErrInvalidStatus is returned when the agreement is in the wrong status
	// for the operation, or the dispute window has closed.
	ErrInvalidStatus = errors.New("agreement: invalid status")
	// ErrInsufficientPayment rejects creation with a zero total cost.
	ErrInsufficientPayment = errors.New("agreement: insufficient payment")
	// ErrAlreadyExists rejects creation with a duplicate identifier.
	ErrAlreadyExists = errors.New("agreement: already exists")
	// ErrNotFound is returned when no agreement (or dispute) exists for the id.
	ErrNotFound = errors.New("agreement: not found")
	// ErrInvalidMilestoneIndex rejects milestone indexes outside the sequence.
	ErrInvalidMilestoneIndex = errors.New("agreement: invalid milestone index")
	// ErrTransferFailed wraps a declined value transfer.
	ErrTransferFailed = errors.New("agreement: transfer failed")
	// ErrInvalidArgument rejects malformed input such as a zero id or amount.
	ErrInvalidArgument = errors.New("agreement: invalid argument")
)
