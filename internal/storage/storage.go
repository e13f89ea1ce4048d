// Package storage defines the durable state surface shared by the
// escrow state machine, the payout worker, and the reconciliation
// guard. All cross-worker coordination happens through conditional
// updates here, never through in-process locks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict signals a lost conditional update: the row moved
	// under the caller (version bump, status CAS, or lease claim).
	ErrConflict = errors.New("storage: conflict")
)

type Store interface {
	// Escrows and milestones; writes owned by the escrow state machine.
	CreateEscrow(ctx context.Context, e *model.Escrow, milestones []*model.Milestone) error
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	FindActiveEscrowByContract(ctx context.Context, contractID string) (*model.Escrow, error)
	// UpdateEscrow applies an optimistic version check and bumps the
	// version on success; ErrConflict on a stale read.
	UpdateEscrow(ctx context.Context, e *model.Escrow) error
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	ListMilestones(ctx context.Context, escrowID string) ([]*model.Milestone, error)
	// UpdateMilestone writes the milestone with a CAS on its current
	// status; ErrConflict when the status moved under the caller.
	UpdateMilestone(ctx context.Context, m *model.Milestone, from string) error

	// Transactions; append-only, shared between state machine and worker.
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerTxnID string) (*model.Transaction, error)
	ListEscrowTransactions(ctx context.Context, escrowID string) ([]*model.Transaction, error)
	// UpdateTransactionStatus moves a transaction from one status to
	// another with a CAS on the current status. providerTxnID and
	// errDetails overwrite only when non-empty.
	UpdateTransactionStatus(ctx context.Context, id, from, to, providerTxnID, errDetails string, completedAt *time.Time) error
	// CountStaleProcessingTransactions counts transactions still in
	// processing that were created before the cutoff.
	CountStaleProcessingTransactions(ctx context.Context, before time.Time) (int, error)

	// Payout queue; status transitions owned by the worker.
	EnqueuePayout(ctx context.Context, p *model.PayoutQueueEntry) error
	GetPayout(ctx context.Context, id string) (*model.PayoutQueueEntry, error)
	GetPayoutByTransaction(ctx context.Context, transactionID string) (*model.PayoutQueueEntry, error)
	// ClaimNextPayout atomically moves the oldest due queued entry to
	// processing with the given lease; ErrNotFound when the queue is idle.
	ClaimNextPayout(ctx context.Context, now, leaseUntil time.Time) (*model.PayoutQueueEntry, error)
	// UpdatePayout writes the entry with a CAS on its current status.
	UpdatePayout(ctx context.Context, p *model.PayoutQueueEntry, fromStatus string) error
	ListPayouts(ctx context.Context, status string, limit int) ([]*model.PayoutQueueEntry, error)
	// RequeueExpiredLeases returns processing entries with lapsed leases
	// to queued, preserving attempt counts. Returns how many moved.
	RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error)
	CountOpenPayoutsForEscrow(ctx context.Context, escrowID string) (int, error)

	// Idempotency keys; conditional insert, duplicate returns the
	// original result reference.
	PutIdempotencyKey(ctx context.Context, key, operation, ref string) (existingRef string, inserted bool, err error)
}
