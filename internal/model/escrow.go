package model

import "time"

// Escrow statuses
const (
	EscrowPending           = "pending"
	EscrowFunded            = "funded"
	EscrowPartiallyReleased = "partially_released"
	EscrowCompleted         = "completed"
	EscrowRefunded          = "refunded"
	EscrowDisputed          = "disputed"
)

// Milestone statuses
const (
	MilestonePending   = "pending"
	MilestoneCompleted = "completed"
	MilestoneReleased  = "released"
)

// Escrow holds hirer funds against one contract. Amounts are integer
// minor units (pesewas for GHS).
type Escrow struct {
	ID             string     `json:"id"`
	EscrowNumber   string     `json:"escrow_number"`
	ContractID     string     `json:"contract_id"`
	HirerID        string     `json:"hirer_id"`
	WorkerID       string     `json:"worker_id"`
	Currency       string     `json:"currency"`
	TotalAmount    int64      `json:"total_amount"`
	RefundedAmount int64      `json:"refunded_amount"`
	Status         string     `json:"status"`
	// PriorStatus records the state a dispute froze, so resolution can
	// return to it before re-entering release/refund logic.
	PriorStatus    string     `json:"prior_status,omitempty"`
	DisputeReason  string     `json:"dispute_reason,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	FundedAt       *time.Time `json:"funded_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether no further money movement is possible.
func (e *Escrow) Terminal() bool {
	return e.Status == EscrowCompleted || e.Status == EscrowRefunded
}

// Releasable reports whether milestone releases are currently allowed.
func (e *Escrow) Releasable() bool {
	return e.Status == EscrowFunded || e.Status == EscrowPartiallyReleased
}

// Milestone is an independently releasable portion of an escrow.
type Milestone struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrow_id"`
	Title       string     `json:"title"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}
