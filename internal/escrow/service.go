package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/model"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

// Notifier is the outbound notification collaborator. Sends are fire
// and forget; implementations must never block a transition.
type Notifier interface {
	Notify(n alerts.Notification)
	OperatorAlert(severity, message string)
}

// Options tune platform-level behavior.
type Options struct {
	Currency        string
	FeeBps          int64
	ProviderTimeout time.Duration
}

// Service owns every Escrow and Milestone write. Transitions validate
// preconditions, append exactly one ledger transaction, and only then
// notify. Concurrent mutations of the same escrow are serialized by the
// store's optimistic version check.
type Service struct {
	store     storage.Store
	providers *provider.Registry
	notifier  Notifier
	opts      Options
}

func NewService(store storage.Store, providers *provider.Registry, notifier Notifier, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "GHS"
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	return &Service{store: store, providers: providers, notifier: notifier, opts: opts}
}

// versionRetries bounds optimistic-lock retry loops.
const versionRetries = 3

type MilestoneInput struct {
	Title  string `json:"title"`
	Amount int64  `json:"amount"`
}

type FundInput struct {
	ContractID      string           `json:"contract_id"`
	HirerID         string           `json:"hirer_id"`
	WorkerID        string           `json:"worker_id"`
	Provider        string           `json:"provider"`
	PaymentMethodID string           `json:"payment_method_id"`
	Amount          int64            `json:"amount"`
	Milestones      []MilestoneInput `json:"milestones,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
}

// FundEscrow creates an escrow in pending and initiates the provider
// charge. The escrow becomes funded only once the charge is confirmed,
// either inline (synchronous providers) or through a webhook. A replay
// with the same idempotency key returns the original escrow and, when
// the charge never reached the provider, retries it.
func (s *Service) FundEscrow(ctx context.Context, in FundInput) (*model.Escrow, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.ContractID == "" || in.HirerID == "" || in.WorkerID == "" || in.Provider == "" {
		return nil, ErrInvalidInput
	}
	var milestoneSum int64
	for _, m := range in.Milestones {
		if m.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		milestoneSum += m.Amount
	}
	if len(in.Milestones) > 0 && milestoneSum != in.Amount {
		return nil, fmt.Errorf("%w: milestone amounts must sum to the escrow total", ErrInvalidInput)
	}

	key := in.IdempotencyKey
	if key == "" {
		key = in.ContractID
	}
	escrowID := uuid.New().String()
	ref, inserted, err := s.store.PutIdempotencyKey(ctx, key, "fund", escrowID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if e, gerr := s.store.GetEscrow(ctx, ref); gerr == nil {
			return s.resumeFund(ctx, e, in, key)
		} else if !errors.Is(gerr, storage.ErrNotFound) {
			return nil, gerr
		}
		// The prior attempt under this key failed before the escrow was
		// created; run the operation again.
	}

	existing, err := s.store.FindActiveEscrowByContract(ctx, in.ContractID)
	switch {
	case err == nil:
		if existing.Status == model.EscrowPending {
			// A stalled funding attempt holds the contract, typically
			// after a declined charge. Retry the charge on it instead of
			// locking the contract out.
			return s.resumeFund(ctx, existing, in, key)
		}
		if txn, terr := s.fundTransaction(ctx, existing.ID); terr == nil && txn.IdempotencyKey == key {
			return existing, nil
		}
		return nil, ErrDuplicateEscrow
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	now := time.Now()
	e := &model.Escrow{
		ID:           escrowID,
		EscrowNumber: newEscrowNumber(now),
		ContractID:   in.ContractID,
		HirerID:      in.HirerID,
		WorkerID:     in.WorkerID,
		Currency:     s.opts.Currency,
		TotalAmount:  in.Amount,
		Status:       model.EscrowPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	inputs := in.Milestones
	if len(inputs) == 0 {
		// A contract without explicit milestones gets one covering the
		// full amount so release logic stays uniform.
		inputs = []MilestoneInput{{Title: "full amount", Amount: in.Amount}}
	}
	var milestones []*model.Milestone
	for _, mi := range inputs {
		milestones = append(milestones, &model.Milestone{
			ID:       uuid.New().String(),
			EscrowID: escrowID,
			Title:    mi.Title,
			Amount:   mi.Amount,
			Status:   model.MilestonePending,
		})
	}
	if err := s.store.CreateEscrow(ctx, e, milestones); err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		ID:              uuid.New().String(),
		Type:            model.TxnFund,
		Amount:          in.Amount,
		Currency:        s.opts.Currency,
		Status:          model.TxnPending,
		SenderID:        in.HirerID,
		RelatedEscrowID: escrowID,
		IdempotencyKey:  key,
		CreatedAt:       now,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	if err := s.charge(ctx, e, txn, in); err != nil {
		return e, err
	}
	return s.store.GetEscrow(ctx, e.ID)
}

// resumeFund retries funding on an escrow stuck in pending. A charge
// awaiting its webhook is left alone; a charge that failed or never
// reached the provider is attempted again under a fresh ledger entry.
func (s *Service) resumeFund(ctx context.Context, e *model.Escrow, in FundInput, key string) (*model.Escrow, error) {
	if e.Status != model.EscrowPending {
		return e, nil
	}
	txn, err := s.fundTransaction(ctx, e.ID)
	if errors.Is(err, storage.ErrNotFound) {
		txn = &model.Transaction{
			ID:              uuid.New().String(),
			Type:            model.TxnFund,
			Amount:          e.TotalAmount,
			Currency:        e.Currency,
			Status:          model.TxnPending,
			SenderID:        e.HirerID,
			RelatedEscrowID: e.ID,
			IdempotencyKey:  key,
			CreatedAt:       time.Now(),
		}
		if err := s.store.CreateTransaction(ctx, txn); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if txn.Status == model.TxnPending && txn.ProviderTransactionID == "" {
		if err := s.charge(ctx, e, txn, in); err != nil {
			return e, err
		}
		return s.store.GetEscrow(ctx, e.ID)
	}
	return e, nil
}

func (s *Service) fundTransaction(ctx context.Context, escrowID string) (*model.Transaction, error) {
	txns, err := s.store.ListEscrowTransactions(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		if t.Type == model.TxnFund && t.Status != model.TxnFailed {
			return t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Service) charge(ctx context.Context, e *model.Escrow, txn *model.Transaction, in FundInput) error {
	adapter, err := s.providers.Get(in.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()
	out, err := adapter.Charge(cctx, provider.ChargeRequest{
		Reference:       txn.ID,
		HirerID:         e.HirerID,
		PaymentMethodID: in.PaymentMethodID,
		Currency:        e.Currency,
		Amount:          txn.Amount,
	})
	if err != nil {
		logger.Warn("funding charge transient failure escrow=%s provider=%s: %v", e.ID, in.Provider, err)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch out.State {
	case provider.StateSucceeded:
		return s.ConfirmFunding(ctx, e.ID, out.ProviderTxnID)
	case provider.StatePending:
		return s.store.UpdateTransactionStatus(ctx, txn.ID,
			model.TxnPending, model.TxnProcessing, out.ProviderTxnID, "", nil)
	default:
		detail := out.Code
		if out.Message != "" {
			detail = out.Code + ": " + out.Message
		}
		if err := s.store.UpdateTransactionStatus(ctx, txn.ID,
			txn.Status, model.TxnFailed, out.ProviderTxnID, detail, nil); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrChargeDeclined, detail)
	}
}

// ConfirmFunding moves the fund transaction to completed and the escrow
// to funded. Invoked inline for synchronous charges and by the
// reconciliation guard for webhook confirmations; repeat calls are
// no-ops.
func (s *Service) ConfirmFunding(ctx context.Context, escrowID, providerTxnID string) error {
	for attempt := 0; attempt < versionRetries; attempt++ {
		e, err := s.store.GetEscrow(ctx, escrowID)
		if err != nil {
			return translateNotFound(err)
		}
		if e.Status != model.EscrowPending {
			return nil
		}
		txn, err := s.fundTransaction(ctx, escrowID)
		if err != nil {
			return translateNotFound(err)
		}
		if txn.Status != model.TxnCompleted {
			now := time.Now()
			if err := s.store.UpdateTransactionStatus(ctx, txn.ID,
				txn.Status, model.TxnCompleted, providerTxnID, "", &now); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return err
			}
		}
		now := time.Now()
		e.Status = model.EscrowFunded
		e.FundedAt = &now
		if err := s.store.UpdateEscrow(ctx, e); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}
		s.notifier.Notify(alerts.Notification{
			UserID: e.HirerID,
			Type:   alerts.TypeEscrowFunded,
			Title:  "Escrow funded",
			Body:   fmt.Sprintf("Escrow %s is funded and work can begin.", e.EscrowNumber),
			Data:   map[string]string{"escrow_id": e.ID},
		})
		s.notifier.Notify(alerts.Notification{
			UserID: e.WorkerID,
			Type:   alerts.TypeEscrowFunded,
			Title:  "Escrow funded",
			Body:   fmt.Sprintf("Funds for escrow %s are now held for your contract.", e.EscrowNumber),
			Data:   map[string]string{"escrow_id": e.ID},
		})
		return nil
	}
	return storage.ErrConflict
}

// CompleteMilestone marks work on a milestone as approved. No money
// moves here.
func (s *Service) CompleteMilestone(ctx context.Context, escrowID, milestoneID string) (*model.Milestone, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if e.Status == model.EscrowDisputed {
		return nil, ErrEscrowDisputed
	}
	if !e.Releasable() {
		return nil, ErrEscrowNotFunded
	}
	m, err := s.milestoneOf(ctx, e, milestoneID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case model.MilestoneReleased:
		return nil, ErrAlreadyReleased
	case model.MilestoneCompleted:
		return m, nil
	}
	now := time.Now()
	m.Status = model.MilestoneCompleted
	m.CompletedAt = &now
	if err := s.store.UpdateMilestone(ctx, m, model.MilestonePending); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// lost to a concurrent transition; reassess from fresh state
			return s.CompleteMilestone(ctx, escrowID, milestoneID)
		}
		return nil, err
	}
	return m, nil
}

type ReleaseInput struct {
	EscrowID        string `json:"escrow_id"`
	MilestoneID     string `json:"milestone_id"`
	Provider        string `json:"provider"`
	PaymentMethodID string `json:"payment_method_id"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// ReleaseMilestone moves a completed milestone's funds out of escrow:
// one release transaction plus a queued payout for the worker, net of
// the platform fee. Releasing an already released milestone replays the
// original transaction without creating a second one. A retry of an
// attempt that failed a precondition runs the operation again rather
// than replaying the failure.
func (s *Service) ReleaseMilestone(ctx context.Context, in ReleaseInput) (*model.Transaction, error) {
	key := in.IdempotencyKey
	if key == "" {
		key = in.EscrowID + ":" + in.MilestoneID
	}
	txnID := uuid.New().String()
	ref, inserted, err := s.store.PutIdempotencyKey(ctx, key, "release", txnID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Reuse the originally reserved transaction id: a committed
		// prior attempt replays, an uncommitted one re-executes.
		txnID = ref
	}

	for attempt := 0; attempt < versionRetries; attempt++ {
		txn, err := s.releaseOnce(ctx, in, txnID)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return txn, err
	}
	return nil, storage.ErrConflict
}

func (s *Service) releaseOnce(ctx context.Context, in ReleaseInput, txnID string) (*model.Transaction, error) {
	e, err := s.store.GetEscrow(ctx, in.EscrowID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	m, err := s.milestoneOf(ctx, e, in.MilestoneID)
	if err != nil {
		return nil, err
	}

	txn, err := s.store.GetTransaction(ctx, txnID)
	switch {
	case err == nil:
		// The ledger entry already exists; this attempt owns the release
		// and only has to finish the escrow update and the enqueue.
		if _, perr := s.store.GetPayoutByTransaction(ctx, txnID); perr == nil {
			return txn, nil
		} else if !errors.Is(perr, storage.ErrNotFound) {
			return nil, perr
		}
		if e.Status == model.EscrowDisputed {
			return nil, ErrEscrowDisputed
		}
	case errors.Is(err, storage.ErrNotFound):
		if e.Status == model.EscrowDisputed {
			return nil, ErrEscrowDisputed
		}
		if !e.Releasable() {
			return nil, ErrEscrowNotFunded
		}
		if m.Status == model.MilestoneReleased {
			return nil, ErrAlreadyReleased
		}
		if m.Status != model.MilestoneCompleted {
			return nil, ErrMilestoneNotCompleted
		}

		all, lerr := s.store.ListMilestones(ctx, e.ID)
		if lerr != nil {
			return nil, lerr
		}
		released := releasedSum(all)
		if released+m.Amount+e.RefundedAmount > e.TotalAmount {
			return nil, s.markInconsistent(ctx, e, fmt.Sprintf(
				"release of %d would exceed escrow total (released=%d refunded=%d total=%d)",
				m.Amount, released, e.RefundedAmount, e.TotalAmount))
		}

		now := time.Now()
		// Flipping the milestone is the commit point: concurrent releases
		// of the same milestone race on this CAS and only the winner goes
		// on to write ledger entries.
		m.Status = model.MilestoneReleased
		m.ReleasedAt = &now
		if err := s.store.UpdateMilestone(ctx, m, model.MilestoneCompleted); err != nil {
			return nil, err
		}

		txn = &model.Transaction{
			ID:              txnID,
			Type:            model.TxnRelease,
			Amount:          m.Amount,
			Currency:        e.Currency,
			Status:          model.TxnPending,
			SenderID:        e.HirerID,
			RecipientID:     e.WorkerID,
			RelatedEscrowID: e.ID,
			IdempotencyKey:  in.EscrowID + ":" + in.MilestoneID + ":release",
			CreatedAt:       now,
		}
		if err := s.store.CreateTransaction(ctx, txn); err != nil {
			return nil, err
		}
		if fee := m.Amount * s.opts.FeeBps / 10000; fee > 0 {
			feeTxn := &model.Transaction{
				ID:              uuid.New().String(),
				Type:            model.TxnFee,
				Amount:          fee,
				Currency:        e.Currency,
				Status:          model.TxnCompleted,
				SenderID:        e.WorkerID,
				RelatedEscrowID: e.ID,
				CreatedAt:       now,
				CompletedAt:     &now,
			}
			if err := s.store.CreateTransaction(ctx, feeTxn); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	// The milestone is released and the ledger entry exists; the escrow
	// status write and the payout enqueue still have to land. A lost
	// escrow version CAS re-enters here and finishes.
	all, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	released := releasedSum(all)
	now := time.Now()
	if released+e.RefundedAmount >= e.TotalAmount {
		e.Status = model.EscrowCompleted
		e.ReleasedAt = &now
	} else {
		e.Status = model.EscrowPartiallyReleased
	}
	if err := s.store.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	fee := txn.Amount * s.opts.FeeBps / 10000
	prov := in.Provider
	if prov == "" {
		prov = "momo"
	}
	entry := &model.PayoutQueueEntry{
		ID:              uuid.New().String(),
		UserID:          e.WorkerID,
		Amount:          txn.Amount - fee,
		Currency:        e.Currency,
		Provider:        prov,
		PaymentMethodID: in.PaymentMethodID,
		TransactionID:   txn.ID,
		EscrowID:        e.ID,
		MilestoneID:     m.ID,
		Status:          model.PayoutQueued,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.EnqueuePayout(ctx, entry); err != nil {
		return nil, err
	}

	s.notifier.Notify(alerts.Notification{
		UserID: e.WorkerID,
		Type:   alerts.TypeMilestoneReleased,
		Title:  "Milestone released",
		Body:   fmt.Sprintf("Milestone %q on escrow %s was released; your payout is on the way.", m.Title, e.EscrowNumber),
		Data:   map[string]string{"escrow_id": e.ID, "milestone_id": m.ID, "transaction_id": txn.ID},
	})
	return txn, nil
}

type RefundInput struct {
	EscrowID       string `json:"escrow_id"`
	Amount         int64  `json:"amount"` // 0 refunds the full remaining balance
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RefundEscrow returns unreleased funds to the hirer. A refund of the
// full remaining balance before any release moves the escrow to
// refunded; a partial refund leaves it partially released.
func (s *Service) RefundEscrow(ctx context.Context, in RefundInput) (*model.Transaction, error) {
	key := in.IdempotencyKey
	if key == "" {
		key = in.EscrowID + ":refund"
	}
	txnID := uuid.New().String()
	ref, inserted, err := s.store.PutIdempotencyKey(ctx, key, "refund", txnID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A committed prior attempt replays its transaction; one that
		// failed a precondition runs again under the reserved id.
		txnID = ref
	}

	for attempt := 0; attempt < versionRetries; attempt++ {
		txn, err := s.refundOnce(ctx, in, txnID)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return txn, err
	}
	return nil, storage.ErrConflict
}

func (s *Service) refundOnce(ctx context.Context, in RefundInput, txnID string) (*model.Transaction, error) {
	if txn, err := s.store.GetTransaction(ctx, txnID); err == nil {
		return txn, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	e, err := s.store.GetEscrow(ctx, in.EscrowID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if e.Status == model.EscrowDisputed {
		return nil, ErrEscrowDisputed
	}
	if !e.Releasable() {
		return nil, ErrEscrowNotFunded
	}
	open, err := s.store.CountOpenPayoutsForEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, ErrRefundConflict
	}

	all, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	released := releasedSum(all)
	remaining := e.TotalAmount - released - e.RefundedAmount
	amount := in.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if amount > remaining {
		return nil, ErrRefundTooLarge
	}

	// The escrow version CAS is the serialization point; a lost race
	// retries from a fresh read with nothing written yet.
	now := time.Now()
	e.RefundedAmount += amount
	switch {
	case e.RefundedAmount+released >= e.TotalAmount && released == 0:
		e.Status = model.EscrowRefunded
	case e.RefundedAmount+released >= e.TotalAmount:
		// Everything moved, part released and part refunded
		e.Status = model.EscrowCompleted
		e.ReleasedAt = &now
	default:
		e.Status = model.EscrowPartiallyReleased
	}
	if err := s.store.UpdateEscrow(ctx, e); err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		ID:              txnID,
		Type:            model.TxnRefund,
		Amount:          amount,
		Currency:        e.Currency,
		Status:          model.TxnCompleted,
		RecipientID:     e.HirerID,
		RelatedEscrowID: e.ID,
		ErrorDetails:    in.Reason,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	s.notifier.Notify(alerts.Notification{
		UserID: e.HirerID,
		Type:   alerts.TypeEscrowRefunded,
		Title:  "Escrow refunded",
		Body:   fmt.Sprintf("%d minor units from escrow %s were returned to you.", amount, e.EscrowNumber),
		Data:   map[string]string{"escrow_id": e.ID, "transaction_id": txn.ID},
	})
	return txn, nil
}

// OpenDispute freezes all release and refund operations on the escrow.
func (s *Service) OpenDispute(ctx context.Context, escrowID, reason string) error {
	for attempt := 0; attempt < versionRetries; attempt++ {
		e, err := s.store.GetEscrow(ctx, escrowID)
		if err != nil {
			return translateNotFound(err)
		}
		if e.Status == model.EscrowDisputed {
			return nil
		}
		if e.Terminal() {
			return ErrEscrowNotFunded
		}
		e.PriorStatus = e.Status
		e.Status = model.EscrowDisputed
		e.DisputeReason = reason
		if err := s.store.UpdateEscrow(ctx, e); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}
		for _, uid := range []string{e.HirerID, e.WorkerID} {
			s.notifier.Notify(alerts.Notification{
				UserID: uid,
				Type:   alerts.TypeEscrowDisputed,
				Title:  "Escrow disputed",
				Body:   fmt.Sprintf("Escrow %s is frozen pending dispute resolution.", e.EscrowNumber),
				Data:   map[string]string{"escrow_id": e.ID},
			})
		}
		return nil
	}
	return storage.ErrConflict
}

type ResolveInput struct {
	EscrowID string `json:"escrow_id"`
	// Outcome is "release" or "refund"
	Outcome         string `json:"outcome"`
	Provider        string `json:"provider,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// ResolveDispute unfreezes the escrow and applies the explicit outcome
// by re-entering the normal release or refund logic.
func (s *Service) ResolveDispute(ctx context.Context, in ResolveInput) error {
	e, err := s.store.GetEscrow(ctx, in.EscrowID)
	if err != nil {
		return translateNotFound(err)
	}
	if e.Status != model.EscrowDisputed {
		return ErrEscrowNotDisputed
	}
	prior := e.PriorStatus
	if prior == "" {
		prior = model.EscrowFunded
	}
	e.Status = prior
	e.PriorStatus = ""
	if err := s.store.UpdateEscrow(ctx, e); err != nil {
		return err
	}

	switch in.Outcome {
	case "release":
		all, err := s.store.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Status == model.MilestoneReleased {
				continue
			}
			if m.Status == model.MilestonePending {
				if _, err := s.CompleteMilestone(ctx, e.ID, m.ID); err != nil {
					return err
				}
			}
			if _, err := s.ReleaseMilestone(ctx, ReleaseInput{
				EscrowID:        e.ID,
				MilestoneID:     m.ID,
				Provider:        in.Provider,
				PaymentMethodID: in.PaymentMethodID,
				IdempotencyKey:  "resolve:" + e.ID + ":" + m.ID,
			}); err != nil && !errors.Is(err, ErrAlreadyReleased) {
				return err
			}
		}
		return nil
	case "refund":
		_, err := s.RefundEscrow(ctx, RefundInput{
			EscrowID:       e.ID,
			Reason:         "dispute resolved in hirer's favor",
			IdempotencyKey: "resolve:" + e.ID + ":refund",
		})
		return err
	default:
		return fmt.Errorf("%w: outcome must be release or refund", ErrInvalidInput)
	}
}

// CompensatePayoutFailure returns a terminally failed payout's funds to
// the escrow: the milestone drops back to completed and the escrow
// reopens for another release or a refund.
func (s *Service) CompensatePayoutFailure(ctx context.Context, escrowID, milestoneID, reason string) error {
	for attempt := 0; attempt < versionRetries; attempt++ {
		e, err := s.store.GetEscrow(ctx, escrowID)
		if err != nil {
			return translateNotFound(err)
		}
		m, err := s.milestoneOf(ctx, e, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != model.MilestoneReleased {
			return nil
		}
		m.Status = model.MilestoneCompleted
		m.ReleasedAt = nil
		if err := s.store.UpdateMilestone(ctx, m, model.MilestoneReleased); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}

		all, err := s.store.ListMilestones(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.Status == model.EscrowCompleted || e.Status == model.EscrowPartiallyReleased {
			if releasedSum(all) == 0 && e.RefundedAmount == 0 {
				e.Status = model.EscrowFunded
			} else {
				e.Status = model.EscrowPartiallyReleased
			}
			e.ReleasedAt = nil
			if err := s.store.UpdateEscrow(ctx, e); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return err
			}
		}
		s.notifier.OperatorAlert("warning", fmt.Sprintf(
			"payout for escrow %s milestone %s failed terminally and was returned to escrow: %s",
			escrowID, milestoneID, reason))
		return nil
	}
	return storage.ErrConflict
}

// Get returns the escrow with its milestones.
func (s *Service) Get(ctx context.Context, escrowID string) (*model.Escrow, []*model.Milestone, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, nil, translateNotFound(err)
	}
	ms, err := s.store.ListMilestones(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	return e, ms, nil
}

// Transactions returns the escrow's ledger entries, oldest first.
func (s *Service) Transactions(ctx context.Context, escrowID string) ([]*model.Transaction, error) {
	if _, err := s.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, translateNotFound(err)
	}
	return s.store.ListEscrowTransactions(ctx, escrowID)
}

// markInconsistent freezes an escrow whose ledger no longer satisfies
// the release invariant and escalates to an operator.
func (s *Service) markInconsistent(ctx context.Context, e *model.Escrow, detail string) error {
	logger.Error("ledger inconsistency escrow=%s: %s", e.ID, detail)
	e.PriorStatus = e.Status
	e.Status = model.EscrowDisputed
	e.DisputeReason = "internal inconsistency: " + detail
	if err := s.store.UpdateEscrow(ctx, e); err != nil && !errors.Is(err, storage.ErrConflict) {
		logger.Error("failed to freeze inconsistent escrow %s: %v", e.ID, err)
	}
	s.notifier.OperatorAlert("critical", fmt.Sprintf("escrow %s frozen: %s", e.ID, detail))
	return fmt.Errorf("%w: %s", ErrInconsistent, detail)
}

func (s *Service) milestoneOf(ctx context.Context, e *model.Escrow, milestoneID string) (*model.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if m.EscrowID != e.ID {
		return nil, ErrNotFound
	}
	return m, nil
}

func releasedSum(milestones []*model.Milestone) int64 {
	var sum int64
	for _, m := range milestones {
		if m.Status == model.MilestoneReleased {
			sum += m.Amount
		}
	}
	return sum
}

func translateNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func newEscrowNumber(t time.Time) string {
	return "ESC-" + t.UTC().Format("20060102") + "-" +
		strings.ToUpper(uuid.New().String()[:8])
}
