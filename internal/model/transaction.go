package model

import "time"

// Transaction types
const (
	TxnFund    = "fund"
	TxnRelease = "release"
	TxnRefund  = "refund"
	TxnPayout  = "payout"
	TxnFee     = "fee"
)

// Transaction statuses
const (
	TxnPending    = "pending"
	TxnProcessing = "processing"
	TxnCompleted  = "completed"
	TxnFailed     = "failed"
	TxnCancelled  = "cancelled"
	TxnRefunded   = "refunded"
)

// statusOrdinal orders transaction statuses so that only forward
// transitions apply. Stale or duplicate provider webhooks compare lower
// or equal and are discarded.
var statusOrdinal = map[string]int{
	TxnPending:    0,
	TxnProcessing: 1,
	TxnCompleted:  2,
	TxnFailed:     2,
	TxnCancelled:  2,
	TxnRefunded:   3,
}

// CanTransition reports whether a transaction may move from one status
// to another. Terminal states only move forward to refunded, and only
// from completed.
func CanTransition(from, to string) bool {
	fo, ok := statusOrdinal[from]
	if !ok {
		return false
	}
	po, ok := statusOrdinal[to]
	if !ok {
		return false
	}
	if po <= fo {
		return false
	}
	if to == TxnRefunded && from != TxnCompleted {
		return false
	}
	return true
}

// Transaction is an immutable ledger entry recording one money movement.
// Rows are append-only; only status, provider reference, error details
// and completion time mutate, and status moves monotonically.
type Transaction struct {
	ID                    string     `json:"id"`
	Type                  string     `json:"type"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	SenderID              string     `json:"sender_id,omitempty"`
	RecipientID           string     `json:"recipient_id,omitempty"`
	RelatedEscrowID       string     `json:"related_escrow_id,omitempty"`
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
	IdempotencyKey        string     `json:"idempotency_key,omitempty"`
	ErrorDetails          string     `json:"error_details,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}
