package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/model"
)

// Memory is an in-process Store used by unit tests and local runs
// without Postgres. It mirrors the conditional-update semantics of the
// SQL implementation, including version checks and status CAS.
type Memory struct {
	mu           sync.Mutex
	escrows      map[string]*model.Escrow
	milestones   map[string]*model.Milestone
	transactions map[string]*model.Transaction
	payouts      map[string]*model.PayoutQueueEntry
	idempotency  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		escrows:      make(map[string]*model.Escrow),
		milestones:   make(map[string]*model.Milestone),
		transactions: make(map[string]*model.Transaction),
		payouts:      make(map[string]*model.PayoutQueueEntry),
		idempotency:  make(map[string]string),
	}
}

func copyEscrow(e *model.Escrow) *model.Escrow {
	c := *e
	return &c
}

func copyMilestone(m *model.Milestone) *model.Milestone {
	c := *m
	return &c
}

func copyTxn(t *model.Transaction) *model.Transaction {
	c := *t
	return &c
}

func copyPayout(p *model.PayoutQueueEntry) *model.PayoutQueueEntry {
	c := *p
	return &c
}

func (s *Memory) CreateEscrow(_ context.Context, e *model.Escrow, milestones []*model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return ErrConflict
	}
	s.escrows[e.ID] = copyEscrow(e)
	for _, m := range milestones {
		s.milestones[m.ID] = copyMilestone(m)
	}
	return nil
}

func (s *Memory) GetEscrow(_ context.Context, id string) (*model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(e), nil
}

func (s *Memory) FindActiveEscrowByContract(_ context.Context, contractID string) (*model.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.ContractID == contractID && !e.Terminal() {
			return copyEscrow(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) UpdateEscrow(_ context.Context, e *model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	next := copyEscrow(e)
	next.Version++
	next.UpdatedAt = time.Now()
	s.escrows[e.ID] = next
	e.Version = next.Version
	return nil
}

func (s *Memory) GetMilestone(_ context.Context, id string) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMilestone(m), nil
}

func (s *Memory) ListMilestones(_ context.Context, escrowID string) ([]*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Milestone
	for _, m := range s.milestones {
		if m.EscrowID == escrowID {
			out = append(out, copyMilestone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) UpdateMilestone(_ context.Context, m *model.Milestone, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.milestones[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	s.milestones[m.ID] = copyMilestone(m)
	return nil
}

func (s *Memory) CreateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; ok {
		return ErrConflict
	}
	s.transactions[t.ID] = copyTxn(t)
	return nil
}

func (s *Memory) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTxn(t), nil
}

func (s *Memory) GetTransactionByProviderRef(_ context.Context, providerTxnID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.ProviderTransactionID == providerTxnID && providerTxnID != "" {
			return copyTxn(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ListEscrowTransactions(_ context.Context, escrowID string) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, t := range s.transactions {
		if t.RelatedEscrowID == escrowID {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) UpdateTransactionStatus(_ context.Context, id, from, to, providerTxnID, errDetails string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return ErrConflict
	}
	t.Status = to
	if providerTxnID != "" {
		t.ProviderTransactionID = providerTxnID
	}
	if errDetails != "" {
		t.ErrorDetails = errDetails
	}
	if completedAt != nil {
		t.CompletedAt = completedAt
	}
	return nil
}

func (s *Memory) CountStaleProcessingTransactions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transactions {
		if t.Status == model.TxnProcessing && t.CreatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) EnqueuePayout(_ context.Context, p *model.PayoutQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[p.ID]; ok {
		return ErrConflict
	}
	s.payouts[p.ID] = copyPayout(p)
	return nil
}

func (s *Memory) GetPayout(_ context.Context, id string) (*model.PayoutQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayout(p), nil
}

func (s *Memory) GetPayoutByTransaction(_ context.Context, transactionID string) (*model.PayoutQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payouts {
		if p.TransactionID == transactionID {
			return copyPayout(p), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ClaimNextPayout(_ context.Context, now, leaseUntil time.Time) (*model.PayoutQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.PayoutQueueEntry
	for _, p := range s.payouts {
		if p.Status == model.PayoutQueued && !p.NextAttemptAt.After(now) {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	p := due[0]
	p.Status = model.PayoutProcessing
	lease := leaseUntil
	p.LeaseExpiresAt = &lease
	p.UpdatedAt = now
	return copyPayout(p), nil
}

func (s *Memory) UpdatePayout(_ context.Context, p *model.PayoutQueueEntry, fromStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payouts[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != fromStatus {
		return ErrConflict
	}
	next := copyPayout(p)
	next.UpdatedAt = time.Now()
	s.payouts[p.ID] = next
	return nil
}

func (s *Memory) ListPayouts(_ context.Context, status string, limit int) ([]*model.PayoutQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutQueueEntry
	for _, p := range s.payouts {
		if status == "" || p.Status == status {
			out = append(out, copyPayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) RequeueExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payouts {
		if p.Status == model.PayoutProcessing && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.Before(now) {
			p.Status = model.PayoutQueued
			p.LeaseExpiresAt = nil
			p.NextAttemptAt = now
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountOpenPayoutsForEscrow(_ context.Context, escrowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payouts {
		if p.EscrowID == escrowID && (p.Status == model.PayoutQueued || p.Status == model.PayoutProcessing) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) PutIdempotencyKey(_ context.Context, key, operation, ref string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := operation + ":" + key
	if existing, ok := s.idempotency[full]; ok {
		return existing, false, nil
	}
	s.idempotency[full] = ref
	return ref, true, nil
}
