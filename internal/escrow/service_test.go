package escrow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/model"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []alerts.Notification
	opsAlerts []string
}

func (f *fakeNotifier) Notify(n alerts.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func (f *fakeNotifier) OperatorAlert(severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opsAlerts = append(f.opsAlerts, severity+": "+message)
}

func newTestService(t *testing.T, opts Options) (*Service, *storage.Memory, *provider.Mock, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemory()
	mock := provider.NewMock("mock")
	notifier := &fakeNotifier{}
	svc := NewService(store, provider.NewRegistry(mock), notifier, opts)
	return svc, store, mock, notifier
}

func fundInput(contractID string, amount int64, milestones ...MilestoneInput) FundInput {
	return FundInput{
		ContractID:      contractID,
		HirerID:         "hirer-1",
		WorkerID:        "worker-1",
		Provider:        "mock",
		PaymentMethodID: "pm-1",
		Amount:          amount,
		Milestones:      milestones,
	}
}

func TestFundEscrowSuccess(t *testing.T) {
	svc, store, _, notifier := newTestService(t, Options{})
	ctx := context.Background()

	e, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	if err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if e.Status != model.EscrowFunded {
		t.Fatalf("status = %s, want funded", e.Status)
	}
	if e.FundedAt == nil {
		t.Error("FundedAt not set")
	}
	if e.EscrowNumber == "" {
		t.Error("EscrowNumber not assigned")
	}

	txns, err := store.ListEscrowTransactions(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(txns))
	}
	if txns[0].Type != model.TxnFund || txns[0].Status != model.TxnCompleted {
		t.Errorf("fund txn = %s/%s, want fund/completed", txns[0].Type, txns[0].Status)
	}
	if txns[0].Amount != 1000 {
		t.Errorf("fund amount = %d, want 1000", txns[0].Amount)
	}

	// a milestone covering the full amount is synthesized
	ms, _ := store.ListMilestones(ctx, e.ID)
	if len(ms) != 1 || ms[0].Amount != 1000 {
		t.Fatalf("milestones = %+v, want one of 1000", ms)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("funded notifications = %d, want 2 (hirer and worker)", len(notifier.sent))
	}
}

func TestFundEscrowIdempotentReplay(t *testing.T) {
	svc, _, mock, _ := newTestService(t, Options{})
	ctx := context.Background()

	in := fundInput("contract-1", 1000)
	in.IdempotencyKey = "key-1"
	first, err := svc.FundEscrow(ctx, in)
	if err != nil {
		t.Fatalf("first fund: %v", err)
	}
	second, err := svc.FundEscrow(ctx, in)
	if err != nil {
		t.Fatalf("replay fund: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay returned a different escrow: %s vs %s", first.ID, second.ID)
	}
	if mock.ChargeCalls != 1 {
		t.Errorf("ChargeCalls = %d, want 1 (replay of a settled charge must not re-charge)", mock.ChargeCalls)
	}
}

func TestFundEscrowDuplicateContract(t *testing.T) {
	svc, _, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	in := fundInput("contract-1", 1000)
	in.IdempotencyKey = "key-a"
	if _, err := svc.FundEscrow(ctx, in); err != nil {
		t.Fatal(err)
	}

	in.IdempotencyKey = "key-b"
	if _, err := svc.FundEscrow(ctx, in); !errors.Is(err, ErrDuplicateEscrow) {
		t.Fatalf("err = %v, want ErrDuplicateEscrow", err)
	}
}

func TestFundEscrowDeclined(t *testing.T) {
	svc, store, mock, _ := newTestService(t, Options{})
	mock.ScriptCharge(provider.Failed("INSUFFICIENT_FUNDS", "balance too low", false), nil)
	ctx := context.Background()

	e, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	if !errors.Is(err, ErrChargeDeclined) {
		t.Fatalf("err = %v, want ErrChargeDeclined", err)
	}

	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowPending {
		t.Errorf("escrow status = %s, want pending", got.Status)
	}
	txns, _ := store.ListEscrowTransactions(ctx, e.ID)
	if len(txns) != 1 || txns[0].Status != model.TxnFailed {
		t.Errorf("fund txn should be failed, got %+v", txns)
	}
}

func TestFundEscrowProviderDown(t *testing.T) {
	svc, _, mock, _ := newTestService(t, Options{})
	mock.ScriptCharge(provider.Outcome{}, &provider.TransientError{Provider: "mock", Op: "charge", Err: errors.New("timeout")})
	ctx := context.Background()

	if _, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000)); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestFundEscrowAsyncConfirmation(t *testing.T) {
	svc, store, mock, _ := newTestService(t, Options{})
	mock.ScriptCharge(provider.Pending("prov-ref-1"), nil)
	ctx := context.Background()

	e, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	if err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowPending {
		t.Fatalf("status = %s, want pending while charge settles", got.Status)
	}
	txns, _ := store.ListEscrowTransactions(ctx, e.ID)
	if txns[0].Status != model.TxnProcessing || txns[0].ProviderTransactionID != "prov-ref-1" {
		t.Fatalf("fund txn = %s ref=%q, want processing with provider ref", txns[0].Status, txns[0].ProviderTransactionID)
	}

	if err := svc.ConfirmFunding(ctx, e.ID, "prov-ref-1"); err != nil {
		t.Fatalf("ConfirmFunding: %v", err)
	}
	got, _ = store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowFunded {
		t.Errorf("status = %s, want funded after confirmation", got.Status)
	}

	// repeat confirmations are no-ops
	if err := svc.ConfirmFunding(ctx, e.ID, "prov-ref-1"); err != nil {
		t.Errorf("repeat ConfirmFunding: %v", err)
	}
	txns, _ = store.ListEscrowTransactions(ctx, e.ID)
	if len(txns) != 1 {
		t.Errorf("ledger grew to %d entries on repeat confirmation", len(txns))
	}
}

func TestFundEscrowValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.FundEscrow(ctx, fundInput("c", 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v", err)
	}
	if _, err := svc.FundEscrow(ctx, fundInput("c", -5)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: err = %v", err)
	}

	in := fundInput("c", 1000)
	in.WorkerID = ""
	if _, err := svc.FundEscrow(ctx, in); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing worker: err = %v", err)
	}

	// milestone amounts must sum to the total
	bad := fundInput("c", 1000, MilestoneInput{Title: "a", Amount: 400}, MilestoneInput{Title: "b", Amount: 500})
	if _, err := svc.FundEscrow(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("mismatched milestones: err = %v", err)
	}
}

func TestReleaseLifecycle(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000,
		MilestoneInput{Title: "design", Amount: 400},
		MilestoneInput{Title: "build", Amount: 600}))
	if err != nil {
		t.Fatal(err)
	}
	ms, _ := store.ListMilestones(ctx, e.ID)
	design, build := ms[0], ms[1]
	if design.Amount != 400 {
		design, build = build, design
	}

	// releasing before approval is rejected
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: design.ID, IdempotencyKey: "early"}); !errors.Is(err, ErrMilestoneNotCompleted) {
		t.Fatalf("premature release: err = %v", err)
	}

	if _, err := svc.CompleteMilestone(ctx, e.ID, design.ID); err != nil {
		t.Fatal(err)
	}
	txn, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: design.ID})
	if err != nil {
		t.Fatalf("release design: %v", err)
	}
	if txn.Type != model.TxnRelease || txn.Amount != 400 {
		t.Errorf("release txn = %s/%d, want release/400", txn.Type, txn.Amount)
	}

	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowPartiallyReleased {
		t.Errorf("status = %s, want partially_released", got.Status)
	}

	entries, _ := store.ListPayouts(ctx, model.PayoutQueued, 10)
	if len(entries) != 1 || entries[0].Amount != 400 || entries[0].TransactionID != txn.ID {
		t.Fatalf("payout queue = %+v, want one queued entry of 400 for the release txn", entries)
	}

	if _, err := svc.CompleteMilestone(ctx, e.ID, build.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: build.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowCompleted {
		t.Errorf("status = %s, want completed after releasing everything", got.Status)
	}
	if got.ReleasedAt == nil {
		t.Error("ReleasedAt not set on completion")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}

	first, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID})
	if err != nil {
		t.Fatalf("replayed release: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created a second transaction: %s vs %s", first.ID, second.ID)
	}

	var releases int
	txns, _ := store.ListEscrowTransactions(ctx, e.ID)
	for _, tx := range txns {
		if tx.Type == model.TxnRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Errorf("ledger has %d release transactions, want exactly 1", releases)
	}
	entries, _ := store.ListPayouts(ctx, "", 10)
	if len(entries) != 1 {
		t.Errorf("payout queue has %d entries, want exactly 1", len(entries))
	}
}

func TestPlatformFee(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{FeeBps: 1000}) // 10%
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}
	txn, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	// release txn records the full amount; the payout is net of fee
	if txn.Amount != 1000 {
		t.Errorf("release amount = %d, want 1000", txn.Amount)
	}
	entries, _ := store.ListPayouts(ctx, "", 10)
	if len(entries) != 1 || entries[0].Amount != 900 {
		t.Fatalf("payout = %+v, want 900 net of fee", entries)
	}

	var fee int64
	txns, _ := store.ListEscrowTransactions(ctx, e.ID)
	for _, tx := range txns {
		if tx.Type == model.TxnFee {
			fee += tx.Amount
		}
	}
	if fee != 100 {
		t.Errorf("fee ledger entries sum to %d, want 100", fee)
	}
}

func TestRefundFullBeforeRelease(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 500))
	txn, err := svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID, Reason: "job cancelled"})
	if err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	if txn.Type != model.TxnRefund || txn.Amount != 500 || txn.Status != model.TxnCompleted {
		t.Errorf("refund txn = %+v", txn)
	}

	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}
	if got.RefundedAmount != 500 {
		t.Errorf("RefundedAmount = %d, want 500", got.RefundedAmount)
	}
	entries, _ := store.ListPayouts(ctx, "", 10)
	if len(entries) != 0 {
		t.Errorf("refund created %d payout entries, want none", len(entries))
	}
}

func TestRefundBlockedByOpenPayout(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000,
		MilestoneInput{Title: "a", Amount: 400},
		MilestoneInput{Title: "b", Amount: 600}))
	ms, _ := store.ListMilestones(ctx, e.ID)
	target := ms[0]
	if target.Amount != 400 {
		target = ms[1]
	}
	if _, err := svc.CompleteMilestone(ctx, e.ID, target.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: target.ID}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID}); !errors.Is(err, ErrRefundConflict) {
		t.Fatalf("refund with open payout: err = %v, want ErrRefundConflict", err)
	}

	// settle the payout, then the remainder refunds and the escrow closes
	entries, _ := store.ListPayouts(ctx, model.PayoutQueued, 10)
	entry := entries[0]
	entry.Status = model.PayoutCompleted
	if err := store.UpdatePayout(ctx, entry, model.PayoutQueued); err != nil {
		t.Fatal(err)
	}

	txn, err := svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID})
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	if txn.Amount != 600 {
		t.Errorf("refund amount = %d, want remaining 600", txn.Amount)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowCompleted {
		t.Errorf("status = %s, want completed (part released, part refunded)", got.Status)
	}
}

func TestRefundTooLarge(t *testing.T) {
	svc, _, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 500))
	if _, err := svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID, Amount: 501}); !errors.Is(err, ErrRefundTooLarge) {
		t.Fatalf("err = %v, want ErrRefundTooLarge", err)
	}
}

func TestDisputeFreezesEscrow(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := svc.OpenDispute(ctx, e.ID, "work not delivered"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowDisputed || got.PriorStatus != model.EscrowFunded {
		t.Fatalf("escrow = %s (prior %s), want disputed with prior funded", got.Status, got.PriorStatus)
	}

	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID}); !errors.Is(err, ErrEscrowDisputed) {
		t.Errorf("release under dispute: err = %v", err)
	}
	if _, err := svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID, IdempotencyKey: "r2"}); !errors.Is(err, ErrEscrowDisputed) {
		t.Errorf("refund under dispute: err = %v", err)
	}

	// opening again is a no-op
	if err := svc.OpenDispute(ctx, e.ID, "again"); err != nil {
		t.Errorf("repeat dispute: %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000,
		MilestoneInput{Title: "a", Amount: 400},
		MilestoneInput{Title: "b", Amount: 600}))
	if err := svc.OpenDispute(ctx, e.ID, "disagreement"); err != nil {
		t.Fatal(err)
	}

	if err := svc.ResolveDispute(ctx, ResolveInput{EscrowID: e.ID, Outcome: "release"}); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	ms, _ := store.ListMilestones(ctx, e.ID)
	for _, m := range ms {
		if m.Status != model.MilestoneReleased {
			t.Errorf("milestone %q = %s, want released", m.Title, m.Status)
		}
	}
	entries, _ := store.ListPayouts(ctx, model.PayoutQueued, 10)
	if len(entries) != 2 {
		t.Errorf("payout entries = %d, want 2", len(entries))
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	if err := svc.OpenDispute(ctx, e.ID, "disagreement"); err != nil {
		t.Fatal(err)
	}
	if err := svc.ResolveDispute(ctx, ResolveInput{EscrowID: e.ID, Outcome: "refund"}); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}

	// resolving a non-disputed escrow is rejected
	if err := svc.ResolveDispute(ctx, ResolveInput{EscrowID: e.ID, Outcome: "refund"}); !errors.Is(err, ErrEscrowNotDisputed) {
		t.Errorf("repeat resolve: err = %v", err)
	}
}

func TestCompensatePayoutFailure(t *testing.T) {
	svc, store, _, notifier := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID}); err != nil {
		t.Fatal(err)
	}

	if err := svc.CompensatePayoutFailure(ctx, e.ID, ms[0].ID, "provider rejected account"); err != nil {
		t.Fatalf("CompensatePayoutFailure: %v", err)
	}
	m, _ := store.GetMilestone(ctx, ms[0].ID)
	if m.Status != model.MilestoneCompleted {
		t.Errorf("milestone = %s, want back to completed", m.Status)
	}
	got, _ := store.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowFunded {
		t.Errorf("escrow = %s, want funded again", got.Status)
	}
	if len(notifier.opsAlerts) == 0 {
		t.Error("no operator alert raised for the compensation")
	}

	// the milestone can be released again afterwards
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID, IdempotencyKey: "retry-release"}); err != nil {
		t.Errorf("re-release after compensation: %v", err)
	}
}

func TestReleaseInvariantViolationFreezes(t *testing.T) {
	svc, store, _, notifier := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}

	// corrupt the ledger so the release would overdraw the escrow
	got, _ := store.GetEscrow(ctx, e.ID)
	got.RefundedAmount = 700
	if err := store.UpdateEscrow(ctx, got); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID}); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("err = %v, want ErrInconsistent", err)
	}
	frozen, _ := store.GetEscrow(ctx, e.ID)
	if frozen.Status != model.EscrowDisputed {
		t.Errorf("escrow = %s, want frozen in disputed", frozen.Status)
	}
	var critical bool
	for _, a := range notifier.opsAlerts {
		if len(a) >= 8 && a[:8] == "critical" {
			critical = true
		}
	}
	if !critical {
		t.Error("no critical operator alert raised")
	}
}

func TestFundRetryAfterDecline(t *testing.T) {
	svc, store, mock, _ := newTestService(t, Options{})
	mock.ScriptCharge(provider.Failed("INSUFFICIENT_FUNDS", "balance too low", false), nil)
	ctx := context.Background()

	in := fundInput("contract-1", 1000)
	if _, err := svc.FundEscrow(ctx, in); !errors.Is(err, ErrChargeDeclined) {
		t.Fatalf("first fund: err = %v, want ErrChargeDeclined", err)
	}

	// the same request tries the charge again instead of replaying the
	// decline
	e, err := svc.FundEscrow(ctx, in)
	if err != nil {
		t.Fatalf("retry fund: %v", err)
	}
	if e.Status != model.EscrowFunded {
		t.Fatalf("escrow status after retry = %s, want funded", e.Status)
	}
	if mock.ChargeCalls != 2 {
		t.Errorf("ChargeCalls = %d, want 2", mock.ChargeCalls)
	}

	var failed, completed int
	txns, _ := store.ListEscrowTransactions(ctx, e.ID)
	for _, tx := range txns {
		if tx.Type != model.TxnFund {
			continue
		}
		switch tx.Status {
		case model.TxnFailed:
			failed++
		case model.TxnCompleted:
			completed++
		}
	}
	if failed != 1 || completed != 1 {
		t.Errorf("fund ledger = %d failed / %d completed, want 1 / 1", failed, completed)
	}
}

func TestFundFreshKeyAfterDecline(t *testing.T) {
	svc, _, mock, _ := newTestService(t, Options{})
	mock.ScriptCharge(provider.Failed("INSUFFICIENT_FUNDS", "balance too low", false), nil)
	ctx := context.Background()

	in := fundInput("contract-1", 1000)
	in.IdempotencyKey = "key-a"
	first, err := svc.FundEscrow(ctx, in)
	if !errors.Is(err, ErrChargeDeclined) {
		t.Fatalf("err = %v, want ErrChargeDeclined", err)
	}

	// a fresh key picks up the stalled escrow rather than locking the
	// contract behind ErrDuplicateEscrow
	in.IdempotencyKey = "key-b"
	e, err := svc.FundEscrow(ctx, in)
	if err != nil {
		t.Fatalf("fund under a fresh key: %v", err)
	}
	if e.ID != first.ID {
		t.Errorf("second escrow %s created for the contract, want retry on %s", e.ID, first.ID)
	}
	if e.Status != model.EscrowFunded {
		t.Errorf("status = %s, want funded", e.Status)
	}
}

func TestReleaseRetryAfterPrematureAttempt(t *testing.T) {
	svc, store, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	e, _ := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	ms, _ := store.ListMilestones(ctx, e.ID)

	// both attempts derive the same key; the rejected first try must not
	// poison the later legitimate release
	if _, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID}); !errors.Is(err, ErrMilestoneNotCompleted) {
		t.Fatalf("premature release: err = %v", err)
	}
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}
	txn, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID})
	if err != nil {
		t.Fatalf("release after completion: %v", err)
	}
	if txn.Amount != 1000 {
		t.Errorf("release amount = %d, want 1000", txn.Amount)
	}
	entries, _ := store.ListPayouts(ctx, model.PayoutQueued, 10)
	if len(entries) != 1 {
		t.Fatalf("payout queue has %d entries, want 1", len(entries))
	}
}

// conflictingStore loses a configurable number of escrow updates to
// simulate concurrent version bumps.
type conflictingStore struct {
	storage.Store
	conflicts int
}

func (s *conflictingStore) UpdateEscrow(ctx context.Context, e *model.Escrow) error {
	if s.conflicts > 0 {
		s.conflicts--
		return storage.ErrConflict
	}
	return s.Store.UpdateEscrow(ctx, e)
}

func TestReleaseFinishesAfterVersionConflict(t *testing.T) {
	cs := &conflictingStore{Store: storage.NewMemory()}
	mock := provider.NewMock("mock")
	svc := NewService(cs, provider.NewRegistry(mock), &fakeNotifier{}, Options{})
	ctx := context.Background()

	e, err := svc.FundEscrow(ctx, fundInput("contract-1", 1000))
	if err != nil {
		t.Fatal(err)
	}
	ms, _ := cs.ListMilestones(ctx, e.ID)
	if _, err := svc.CompleteMilestone(ctx, e.ID, ms[0].ID); err != nil {
		t.Fatal(err)
	}

	// lose the escrow update once mid-release; the retry must finish the
	// release instead of stranding a released milestone with no payout
	cs.conflicts = 1
	txn, err := svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: ms[0].ID})
	if err != nil {
		t.Fatalf("release with a lost version race: %v", err)
	}

	got, _ := cs.GetEscrow(ctx, e.ID)
	if got.Status != model.EscrowCompleted {
		t.Errorf("escrow = %s, want completed", got.Status)
	}
	var releases int
	txns, _ := cs.ListEscrowTransactions(ctx, e.ID)
	for _, tx := range txns {
		if tx.Type == model.TxnRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Errorf("ledger has %d release transactions, want 1", releases)
	}
	entries, _ := cs.ListPayouts(ctx, model.PayoutQueued, 10)
	if len(entries) != 1 || entries[0].TransactionID != txn.ID {
		t.Fatalf("payout queue = %+v, want one entry for the release txn", entries)
	}
}

// TestMoneyConservation drives a random mix of operations and checks
// after every step that released plus refunded funds never exceed the
// escrow total.
func TestMoneyConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		svc, store, _, _ := newTestService(t, Options{})
		ctx := context.Background()

		total := int64(100 + rng.Intn(10000))
		a := total / 3
		b := total - a
		e, err := svc.FundEscrow(ctx, fundInput("contract-1", total,
			MilestoneInput{Title: "a", Amount: a},
			MilestoneInput{Title: "b", Amount: b}))
		if err != nil {
			t.Fatal(err)
		}
		ms, _ := store.ListMilestones(ctx, e.ID)

		for step := 0; step < 20; step++ {
			switch rng.Intn(4) {
			case 0:
				m := ms[rng.Intn(len(ms))]
				_, _ = svc.CompleteMilestone(ctx, e.ID, m.ID)
			case 1:
				m := ms[rng.Intn(len(ms))]
				_, _ = svc.ReleaseMilestone(ctx, ReleaseInput{EscrowID: e.ID, MilestoneID: m.ID})
			case 2:
				amt := int64(rng.Intn(int(total)))
				_, _ = svc.RefundEscrow(ctx, RefundInput{EscrowID: e.ID, Amount: amt, IdempotencyKey: "r" + string(rune('a'+step))})
			case 3:
				// settle any queued payouts so refunds can proceed
				entries, _ := store.ListPayouts(ctx, model.PayoutQueued, 10)
				for _, entry := range entries {
					entry.Status = model.PayoutCompleted
					_ = store.UpdatePayout(ctx, entry, model.PayoutQueued)
				}
			}

			cur, err := store.GetEscrow(ctx, e.ID)
			if err != nil {
				t.Fatal(err)
			}
			var released int64
			milestones, _ := store.ListMilestones(ctx, e.ID)
			for _, m := range milestones {
				if m.Status == model.MilestoneReleased {
					released += m.Amount
				}
			}
			if released+cur.RefundedAmount > cur.TotalAmount {
				t.Fatalf("trial %d step %d: released %d + refunded %d exceeds total %d",
					trial, step, released, cur.RefundedAmount, cur.TotalAmount)
			}
		}
	}
}
