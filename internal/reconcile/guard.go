// Package reconcile merges asynchronous provider confirmations into
// the ledger without double-crediting or double-charging. Webhooks and
// worker polling race freely; only forward status transitions apply,
// and exact duplicates collapse on the idempotency key.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/model"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

// Funder confirms escrow funding; implemented by the escrow service.
type Funder interface {
	ConfirmFunding(ctx context.Context, escrowID, providerTxnID string) error
}

// Compensator returns failed payout funds to escrow; implemented by
// the escrow service.
type Compensator interface {
	CompensatePayoutFailure(ctx context.Context, escrowID, milestoneID, reason string) error
}

type Notifier interface {
	Notify(n alerts.Notification)
	OperatorAlert(severity, message string)
}

type Guard struct {
	store    storage.Store
	funder   Funder
	comp     Compensator
	notifier Notifier
}

func NewGuard(store storage.Store, funder Funder, comp Compensator, notifier Notifier) *Guard {
	return &Guard{store: store, funder: funder, comp: comp, notifier: notifier}
}

func outcomeStatus(out provider.Outcome) string {
	switch out.State {
	case provider.StateSucceeded:
		return model.TxnCompleted
	case provider.StatePending:
		return model.TxnProcessing
	default:
		return model.TxnFailed
	}
}

// ApplyOutcome applies a normalized provider event to the ledger.
// Unknown references and stale or duplicate events are logged and
// dropped; both are normal under at-least-once webhook delivery.
func (g *Guard) ApplyOutcome(ctx context.Context, providerName string, out provider.Outcome) error {
	if out.ProviderTxnID == "" {
		return fmt.Errorf("reconcile: outcome missing provider transaction id")
	}
	target := outcomeStatus(out)

	// Exact duplicates (same reference, same resulting status) are
	// no-op successes.
	key := out.ProviderTxnID + ":" + target
	if _, inserted, err := g.store.PutIdempotencyKey(ctx, key, "webhook", key); err != nil {
		return err
	} else if !inserted {
		logger.Info("duplicate webhook discarded provider=%s ref=%s status=%s", providerName, out.ProviderTxnID, target)
		return nil
	}

	txn, err := g.findTransaction(ctx, out.ProviderTxnID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("webhook for unknown reference provider=%s ref=%s", providerName, out.ProviderTxnID)
			return nil
		}
		return err
	}

	if !model.CanTransition(txn.Status, target) {
		logger.Info("stale webhook discarded provider=%s txn=%s %s->%s", providerName, txn.ID, txn.Status, target)
		return nil
	}

	var completedAt *time.Time
	if target == model.TxnCompleted || target == model.TxnFailed {
		now := time.Now()
		completedAt = &now
	}
	detail := ""
	if out.State == provider.StateFailed {
		detail = out.Code + ": " + out.Message
	}
	if err := g.store.UpdateTransactionStatus(ctx, txn.ID, txn.Status, target, out.ProviderTxnID, detail, completedAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// The worker moved the row first; its transition wins.
			logger.Info("webhook lost race on txn=%s, discarded", txn.ID)
			return nil
		}
		return err
	}

	switch txn.Type {
	case model.TxnFund:
		if target == model.TxnCompleted {
			return g.funder.ConfirmFunding(ctx, txn.RelatedEscrowID, out.ProviderTxnID)
		}
		return nil
	case model.TxnRelease, model.TxnPayout:
		return g.settlePayout(ctx, txn, target, detail)
	default:
		return nil
	}
}

// settlePayout finishes the queue entry behind a payout transaction
// that a webhook just resolved.
func (g *Guard) settlePayout(ctx context.Context, txn *model.Transaction, target, detail string) error {
	entry, err := g.store.GetPayoutByTransaction(ctx, txn.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("payout transaction %s has no queue entry", txn.ID)
			return nil
		}
		return err
	}
	if entry.Status == model.PayoutCompleted || entry.Status == model.PayoutFailed || entry.Status == model.PayoutCancelled {
		return nil
	}

	from := entry.Status
	entry.LeaseExpiresAt = nil
	if target == model.TxnCompleted {
		entry.Status = model.PayoutCompleted
		entry.LastError = ""
	} else {
		entry.Status = model.PayoutFailed
		entry.LastError = detail
	}
	if err := g.store.UpdatePayout(ctx, entry, from); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Info("webhook lost race on payout entry=%s, discarded", entry.ID)
			return nil
		}
		return err
	}

	if target == model.TxnCompleted {
		g.notifier.Notify(alerts.Notification{
			UserID: entry.UserID,
			Type:   alerts.TypePayoutCompleted,
			Title:  "Payout completed",
			Body:   fmt.Sprintf("Your payout of %d minor units was confirmed by %s.", entry.Amount, entry.Provider),
			Data:   map[string]string{"payout_id": entry.ID, "transaction_id": txn.ID},
		})
		return nil
	}

	if entry.EscrowID != "" && entry.MilestoneID != "" {
		if err := g.comp.CompensatePayoutFailure(ctx, entry.EscrowID, entry.MilestoneID, detail); err != nil {
			g.notifier.OperatorAlert("critical", fmt.Sprintf(
				"webhook-failed payout %s: compensation failed for escrow %s: %v", entry.ID, entry.EscrowID, err))
			return err
		}
	}
	g.notifier.OperatorAlert("warning", fmt.Sprintf("payout %s failed via webhook: %s", entry.ID, detail))
	g.notifier.Notify(alerts.Notification{
		UserID: entry.UserID,
		Type:   alerts.TypePayoutFailed,
		Title:  "Payout failed",
		Body:   "Your payout could not be completed. The funds were returned to escrow.",
		Data:   map[string]string{"payout_id": entry.ID},
	})
	return nil
}

// findTransaction resolves a provider reference. The engine uses the
// ledger transaction id as the provider reference, so try that first,
// then the stored provider reference for providers that assign their
// own.
func (g *Guard) findTransaction(ctx context.Context, ref string) (*model.Transaction, error) {
	txn, err := g.store.GetTransaction(ctx, ref)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return g.store.GetTransactionByProviderRef(ctx, ref)
}
