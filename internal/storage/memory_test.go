package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/model"
)

func seedEscrow(t *testing.T, s *Memory) *model.Escrow {
	t.Helper()
	e := &model.Escrow{
		ID:           "escrow-1",
		EscrowNumber: "ESC-20260829-TEST0001",
		ContractID:   "contract-1",
		HirerID:      "hirer-1",
		WorkerID:     "worker-1",
		Currency:     "GHS",
		TotalAmount:  1000,
		Status:       model.EscrowFunded,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateEscrow(context.Background(), e, nil); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestUpdateEscrowOptimisticVersion(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedEscrow(t, s)

	a, _ := s.GetEscrow(ctx, "escrow-1")
	b, _ := s.GetEscrow(ctx, "escrow-1")

	a.Status = model.EscrowPartiallyReleased
	if err := s.UpdateEscrow(ctx, a); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	// second writer still holds the old version
	b.Status = model.EscrowRefunded
	if err := s.UpdateEscrow(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale writer: err = %v, want ErrConflict", err)
	}

	got, _ := s.GetEscrow(ctx, "escrow-1")
	if got.Status != model.EscrowPartiallyReleased {
		t.Errorf("status = %s, the stale write leaked through", got.Status)
	}
}

func TestUpdateTransactionStatusCAS(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	txn := &model.Transaction{
		ID:        "txn-1",
		Type:      model.TxnFund,
		Amount:    1000,
		Currency:  "GHS",
		Status:    model.TxnPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateTransaction(ctx, txn); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateTransactionStatus(ctx, "txn-1", model.TxnPending, model.TxnProcessing, "ref-1", "", nil); err != nil {
		t.Fatal(err)
	}
	// the from-status no longer matches
	if err := s.UpdateTransactionStatus(ctx, "txn-1", model.TxnPending, model.TxnFailed, "", "late", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _ := s.GetTransaction(ctx, "txn-1")
	if got.Status != model.TxnProcessing || got.ProviderTransactionID != "ref-1" {
		t.Errorf("txn = %s ref=%q", got.Status, got.ProviderTransactionID)
	}
	if _, err := s.GetTransactionByProviderRef(ctx, "ref-1"); err != nil {
		t.Errorf("lookup by provider ref: %v", err)
	}
}

func TestClaimOrderAndDueTime(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	older := &model.PayoutQueueEntry{
		ID: "p-old", Status: model.PayoutQueued,
		NextAttemptAt: now, CreatedAt: now.Add(-time.Hour),
	}
	newer := &model.PayoutQueueEntry{
		ID: "p-new", Status: model.PayoutQueued,
		NextAttemptAt: now, CreatedAt: now,
	}
	future := &model.PayoutQueueEntry{
		ID: "p-future", Status: model.PayoutQueued,
		NextAttemptAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Hour),
	}
	for _, p := range []*model.PayoutQueueEntry{newer, older, future} {
		if err := s.EnqueuePayout(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ClaimNextPayout(ctx, now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "p-old" {
		t.Errorf("claimed %s first, want the oldest due entry", first.ID)
	}
	if first.Status != model.PayoutProcessing || first.LeaseExpiresAt == nil {
		t.Errorf("claimed entry = %s lease=%v, want processing with a lease", first.Status, first.LeaseExpiresAt)
	}

	second, err := s.ClaimNextPayout(ctx, now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "p-new" {
		t.Errorf("claimed %s second, want p-new; p-future is not due yet", second.ID)
	}

	if _, err := s.ClaimNextPayout(ctx, now, now.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound with nothing due", err)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	entry := &model.PayoutQueueEntry{
		ID: "p-1", Status: model.PayoutQueued,
		NextAttemptAt: now, CreatedAt: now,
	}
	if err := s.EnqueuePayout(ctx, entry); err != nil {
		t.Fatal(err)
	}
	// claim with a lease that is already lapsed, as if the worker died
	if _, err := s.ClaimNextPayout(ctx, now, now.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	n, err := s.RequeueExpiredLeases(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d entries, want 1", n)
	}
	got, _ := s.GetPayout(ctx, "p-1")
	if got.Status != model.PayoutQueued || got.LeaseExpiresAt != nil {
		t.Errorf("entry = %s lease=%v, want queued with no lease", got.Status, got.LeaseExpiresAt)
	}

	// a live lease is left alone
	if _, err := s.ClaimNextPayout(ctx, now, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.RequeueExpiredLeases(ctx, now); n != 0 {
		t.Errorf("requeued %d entries with a live lease, want 0", n)
	}
}

func TestCountStaleProcessingTransactions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	old := &model.Transaction{ID: "t-old", Type: model.TxnFund, Status: model.TxnProcessing, CreatedAt: now.Add(-time.Hour)}
	fresh := &model.Transaction{ID: "t-fresh", Type: model.TxnFund, Status: model.TxnProcessing, CreatedAt: now}
	done := &model.Transaction{ID: "t-done", Type: model.TxnFund, Status: model.TxnCompleted, CreatedAt: now.Add(-time.Hour)}
	for _, txn := range []*model.Transaction{old, fresh, done} {
		if err := s.CreateTransaction(ctx, txn); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountStaleProcessingTransactions(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("stale count = %d, want 1 (only the old processing txn)", n)
	}
}

func TestIdempotencyKeyScopedByOperation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ref, inserted, err := s.PutIdempotencyKey(ctx, "key-1", "fund", "ref-a")
	if err != nil || !inserted || ref != "ref-a" {
		t.Fatalf("first insert: ref=%q inserted=%v err=%v", ref, inserted, err)
	}

	// replay returns the original reference
	ref, inserted, err = s.PutIdempotencyKey(ctx, "key-1", "fund", "ref-b")
	if err != nil || inserted || ref != "ref-a" {
		t.Fatalf("replay: ref=%q inserted=%v err=%v, want the original ref-a", ref, inserted, err)
	}

	// same key under another operation is independent
	ref, inserted, err = s.PutIdempotencyKey(ctx, "key-1", "release", "ref-c")
	if err != nil || !inserted || ref != "ref-c" {
		t.Fatalf("other operation: ref=%q inserted=%v err=%v", ref, inserted, err)
	}
}
