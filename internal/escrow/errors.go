package escrow

import "errors"

// Validation and business-rule errors returned synchronously to the
// caller. They are never retried.
var (
	ErrInvalidAmount         = errors.New("escrow: amount must be greater than zero")
	ErrInvalidInput          = errors.New("escrow: invalid input")
	ErrDuplicateEscrow       = errors.New("escrow: contract already has an active escrow")
	ErrNotFound              = errors.New("escrow: not found")
	ErrMilestoneNotCompleted = errors.New("escrow: milestone not completed")
	ErrEscrowNotFunded       = errors.New("escrow: escrow not funded")
	ErrAlreadyReleased       = errors.New("escrow: milestone already released")
	ErrEscrowDisputed        = errors.New("escrow: escrow is under dispute")
	ErrEscrowNotDisputed     = errors.New("escrow: escrow is not under dispute")
	ErrRefundConflict        = errors.New("escrow: refund conflicts with queued payout")
	ErrRefundTooLarge        = errors.New("escrow: refund exceeds remaining balance")
	ErrChargeDeclined        = errors.New("escrow: funding charge declined")
	ErrProviderUnavailable   = errors.New("escrow: payment provider unavailable")
	// ErrInconsistent marks a detected invariant violation. The escrow
	// is frozen in disputed pending manual resolution; never silently
	// repaired.
	ErrInconsistent = errors.New("escrow: ledger inconsistency detected")
)
