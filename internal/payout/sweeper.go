package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

// staleTxnAge is how long a ledger transaction may sit in processing
// before the sweeper escalates it. Provider confirmations normally land
// within minutes; anything older means a lost webhook.
const staleTxnAge = 30 * time.Minute

// Sweeper runs the periodic maintenance jobs: requeueing processing
// entries whose lease lapsed (entries claimed by a crashed worker), and
// flagging ledger transactions stuck in processing. Singleton mode
// keeps overlapping runs from piling up.
type Sweeper struct {
	scheduler gocron.Scheduler
	store     storage.Store
	notifier  Notifier
	interval  time.Duration
}

func NewSweeper(store storage.Store, notifier Notifier, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{scheduler: s, store: store, notifier: notifier, interval: interval}, nil
}

func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweepLeases),
		gocron.WithName("payout-lease-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	_, err = s.scheduler.NewJob(
		gocron.DurationJob(10*s.interval),
		gocron.NewTask(s.sweepStaleTransactions),
		gocron.WithName("stale-transaction-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	s.scheduler.Start()
	logger.Info("payout sweeper started (interval=%s)", s.interval)
	return nil
}

func (s *Sweeper) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		logger.Error("failed to shut down sweeper: %v", err)
	}
}

func (s *Sweeper) sweepLeases() {
	n, err := s.store.RequeueExpiredLeases(context.Background(), time.Now())
	if err != nil {
		logger.Error("lease sweep failed: %v", err)
		return
	}
	if n > 0 {
		logger.Warn("lease sweep requeued %d expired payout claims", n)
	}
}

func (s *Sweeper) sweepStaleTransactions() {
	n, err := s.store.CountStaleProcessingTransactions(context.Background(), time.Now().Add(-staleTxnAge))
	if err != nil {
		logger.Error("stale transaction sweep failed: %v", err)
		return
	}
	if n > 0 {
		logger.Warn("%d transactions stuck in processing for over %s", n, staleTxnAge)
		if s.notifier != nil {
			s.notifier.OperatorAlert("warning", fmt.Sprintf(
				"%d ledger transactions have been processing for over %s; check provider webhooks", n, staleTxnAge))
		}
	}
}
