// Package payout drains the durable payout queue. Workers claim
// entries by CAS with a lease, call the provider adapter, and apply
// retry policy; the sweeper returns entries whose worker died. Multiple
// processes may run workers against the same queue.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/model"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

var (
	ErrNotCancellable = errors.New("payout: entry is processing and cannot be cancelled")
	ErrNotFound       = errors.New("payout: entry not found")
)

type Notifier interface {
	Notify(n alerts.Notification)
	OperatorAlert(severity, message string)
}

// Compensator returns a terminally failed payout's funds to its escrow.
// Implemented by the escrow service.
type Compensator interface {
	CompensatePayoutFailure(ctx context.Context, escrowID, milestoneID, reason string) error
}

type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	MaxAttempts     int
	ProviderTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
}

type Worker struct {
	store     storage.Store
	providers *provider.Registry
	notifier  Notifier
	comp      Compensator
	cfg       Config

	pool   *ants.Pool
	stopCh chan struct{}
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewWorker(store storage.Store, providers *provider.Registry, notifier Notifier, comp Compensator, cfg Config) (*Worker, error) {
	cfg.withDefaults()
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	return &Worker{
		store:     store,
		providers: providers,
		notifier:  notifier,
		comp:      comp,
		cfg:       cfg,
		pool:      pool,
		stopCh:    make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start launches the claim loop. Claimed entries run on the pool so a
// slow provider call never stalls claiming.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop waits for in-flight entries to reach a durable state.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.pool.Release()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims due entries until the queue is idle or the pool is full.
func (w *Worker) drain(ctx context.Context) {
	for {
		now := time.Now()
		entry, err := w.store.ClaimNextPayout(ctx, now, now.Add(w.cfg.LeaseDuration))
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Error("payout claim failed: %v", err)
			}
			return
		}
		w.wg.Add(1)
		e := entry
		if err := w.pool.Submit(func() {
			defer w.wg.Done()
			w.ProcessEntry(ctx, e)
		}); err != nil {
			// Pool saturated or released; put the entry back for the
			// next pass rather than holding the claim.
			w.wg.Done()
			e.Status = model.PayoutQueued
			e.LeaseExpiresAt = nil
			e.NextAttemptAt = now
			if uerr := w.store.UpdatePayout(ctx, e, model.PayoutProcessing); uerr != nil {
				logger.Error("payout unclaim failed id=%s: %v", e.ID, uerr)
			}
			return
		}
	}
}

// ProcessEntry runs one claimed entry to a durable outcome. The entry
// must be in processing, as returned by ClaimNextPayout.
func (w *Worker) ProcessEntry(ctx context.Context, entry *model.PayoutQueueEntry) {
	adapter, err := w.providers.Get(entry.Provider)
	if err != nil {
		w.failTerminal(ctx, entry, "UNKNOWN_PROVIDER", err.Error())
		return
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	// The ledger transaction id doubles as the provider reference, so
	// replays of the same entry dedupe on the provider side and
	// webhooks map straight back to the transaction.
	out, err := adapter.Payout(cctx, provider.PayoutRequest{
		Reference:       entry.TransactionID,
		UserID:          entry.UserID,
		PaymentMethodID: entry.PaymentMethodID,
		Currency:        entry.Currency,
		Amount:          entry.Amount,
	})
	if err != nil {
		logger.Warn("payout transient failure id=%s provider=%s: %v", entry.ID, entry.Provider, err)
		w.retry(ctx, entry, err.Error())
		return
	}

	switch out.State {
	case provider.StateSucceeded:
		w.complete(ctx, entry, out.ProviderTxnID)
	case provider.StatePending:
		w.awaitConfirmation(ctx, entry, out.ProviderTxnID)
	default:
		if out.Retryable {
			w.retry(ctx, entry, out.Code+": "+out.Message)
			return
		}
		w.failTerminal(ctx, entry, out.Code, out.Message)
	}
}

// retry reschedules the entry with exponential backoff, or fails it
// terminally once attempts are exhausted. The failed attempt itself is
// counted here.
func (w *Worker) retry(ctx context.Context, entry *model.PayoutQueueEntry, lastErr string) {
	entry.Attempts++
	if entry.Attempts >= w.cfg.MaxAttempts {
		w.failTerminal(ctx, entry, "RETRIES_EXHAUSTED",
			fmt.Sprintf("gave up after %d attempts: %s", entry.Attempts, lastErr))
		return
	}
	w.rngMu.Lock()
	delay := backoff(entry.Attempts, w.rng)
	w.rngMu.Unlock()

	entry.Status = model.PayoutQueued
	entry.LastError = lastErr
	entry.LeaseExpiresAt = nil
	entry.NextAttemptAt = time.Now().Add(delay)
	if err := w.store.UpdatePayout(ctx, entry, model.PayoutProcessing); err != nil {
		logger.Error("payout reschedule failed id=%s: %v", entry.ID, err)
	}
}

func (w *Worker) complete(ctx context.Context, entry *model.PayoutQueueEntry, providerTxnID string) {
	entry.Status = model.PayoutCompleted
	entry.LastError = ""
	entry.LeaseExpiresAt = nil
	if err := w.store.UpdatePayout(ctx, entry, model.PayoutProcessing); err != nil {
		// A webhook beat us to it; the guard already finished the entry.
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		logger.Error("payout complete write failed id=%s: %v", entry.ID, err)
		return
	}
	w.completeTransaction(ctx, entry.TransactionID, providerTxnID)
	w.notifier.Notify(alerts.Notification{
		UserID: entry.UserID,
		Type:   alerts.TypePayoutCompleted,
		Title:  "Payout completed",
		Body:   fmt.Sprintf("Your payout of %d minor units was sent via %s.", entry.Amount, entry.Provider),
		Data:   map[string]string{"payout_id": entry.ID, "transaction_id": entry.TransactionID},
	})
}

// completeTransaction walks the ledger transaction forward to
// completed, whatever intermediate status it is in.
func (w *Worker) completeTransaction(ctx context.Context, txnID, providerTxnID string) {
	now := time.Now()
	for _, from := range []string{model.TxnPending, model.TxnProcessing} {
		err := w.store.UpdateTransactionStatus(ctx, txnID, from, model.TxnCompleted, providerTxnID, "", &now)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			if err != nil {
				logger.Error("transaction complete write failed id=%s: %v", txnID, err)
			}
			return
		}
	}
}

// awaitConfirmation parks a provider-pending entry: the transaction
// carries the provider reference, the lease is extended, and the
// webhook (or the sweeper after the extended lease) finishes the job.
func (w *Worker) awaitConfirmation(ctx context.Context, entry *model.PayoutQueueEntry, providerTxnID string) {
	if err := w.store.UpdateTransactionStatus(ctx, entry.TransactionID,
		model.TxnPending, model.TxnProcessing, providerTxnID, "", nil); err != nil &&
		!errors.Is(err, storage.ErrConflict) {
		logger.Error("transaction processing write failed id=%s: %v", entry.TransactionID, err)
	}
	lease := time.Now().Add(5 * w.cfg.LeaseDuration)
	entry.LeaseExpiresAt = &lease
	if err := w.store.UpdatePayout(ctx, entry, model.PayoutProcessing); err != nil &&
		!errors.Is(err, storage.ErrConflict) {
		logger.Error("payout lease extension failed id=%s: %v", entry.ID, err)
	}
}

func (w *Worker) failTerminal(ctx context.Context, entry *model.PayoutQueueEntry, code, message string) {
	entry.Status = model.PayoutFailed
	entry.LastError = code + ": " + message
	entry.LeaseExpiresAt = nil
	if err := w.store.UpdatePayout(ctx, entry, model.PayoutProcessing); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		logger.Error("payout fail write failed id=%s: %v", entry.ID, err)
		return
	}
	now := time.Now()
	for _, from := range []string{model.TxnPending, model.TxnProcessing} {
		err := w.store.UpdateTransactionStatus(ctx, entry.TransactionID, from, model.TxnFailed, "", entry.LastError, &now)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			break
		}
	}

	if entry.EscrowID != "" && entry.MilestoneID != "" {
		if err := w.comp.CompensatePayoutFailure(ctx, entry.EscrowID, entry.MilestoneID, entry.LastError); err != nil {
			logger.Error("payout compensation failed escrow=%s: %v", entry.EscrowID, err)
			w.notifier.OperatorAlert("critical", fmt.Sprintf(
				"payout %s failed AND compensation failed for escrow %s: %v", entry.ID, entry.EscrowID, err))
		}
	}
	w.notifier.OperatorAlert("warning", fmt.Sprintf("payout %s failed terminally: %s", entry.ID, entry.LastError))
	w.notifier.Notify(alerts.Notification{
		UserID: entry.UserID,
		Type:   alerts.TypePayoutFailed,
		Title:  "Payout failed",
		Body:   "Your payout could not be completed. The funds were returned to escrow.",
		Data:   map[string]string{"payout_id": entry.ID},
	})
}

// Cancel withdraws a payout that has not been claimed yet. Processing
// entries cannot be cancelled; the provider outcome or lease expiry
// decides their fate.
func (w *Worker) Cancel(ctx context.Context, entryID string) error {
	entry, err := w.store.GetPayout(ctx, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	switch entry.Status {
	case model.PayoutQueued:
	case model.PayoutProcessing:
		return ErrNotCancellable
	default:
		return nil
	}
	entry.Status = model.PayoutCancelled
	entry.LeaseExpiresAt = nil
	if err := w.store.UpdatePayout(ctx, entry, model.PayoutQueued); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrNotCancellable
		}
		return err
	}
	for _, from := range []string{model.TxnPending, model.TxnProcessing} {
		err := w.store.UpdateTransactionStatus(ctx, entry.TransactionID, from, model.TxnCancelled, "", "cancelled by operator", nil)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			break
		}
	}
	return nil
}
