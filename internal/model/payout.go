package model

import "time"

// Payout queue entry statuses
const (
	PayoutQueued     = "queued"
	PayoutProcessing = "processing"
	PayoutCompleted  = "completed"
	PayoutFailed     = "failed"
	PayoutCancelled  = "cancelled"
)

// PayoutQueueEntry is a durable work item for one outbound payment.
// Workers claim an entry by CAS on status with a lease expiry; a crashed
// worker's entry is requeued by the sweeper once the lease lapses.
type PayoutQueueEntry struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Provider        string     `json:"provider"`
	PaymentMethodID string     `json:"payment_method_id"`
	TransactionID   string     `json:"transaction_id"`
	EscrowID        string     `json:"escrow_id,omitempty"`
	MilestoneID     string     `json:"milestone_id,omitempty"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
