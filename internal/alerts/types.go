package alerts

import "time"

// Task type constants
const (
	TaskUserNotify    = "notify:user"
	TaskOperatorAlert = "notify:operator"
)

// Notification is the envelope handed to the external messaging
// collaborator. Delivery is fire and forget; failures are logged and
// never block a ledger transition.
type Notification struct {
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notification types emitted by the engine
const (
	TypeEscrowFunded      = "escrow:funded"
	TypeEscrowRefunded    = "escrow:refunded"
	TypeEscrowDisputed    = "escrow:disputed"
	TypeMilestoneReleased = "milestone:released"
	TypePayoutCompleted   = "payout:completed"
	TypePayoutFailed      = "payout:failed"
)

// OperatorAlertPayload is routed to the on-call queue.
type OperatorAlertPayload struct {
	Severity string    `json:"severity"` // info|warning|critical
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}
