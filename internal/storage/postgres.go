package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kelmah-platform/escrow-engine/internal/model"
)

// Postgres implements Store over a pgx pool. Claims and status moves
// use conditional UPDATEs so multiple worker processes can share the
// same tables safely.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const escrowColumns = `id, escrow_number, contract_id, hirer_id, worker_id, currency,
	total_amount, refunded_amount, status, COALESCE(prior_status, ''), COALESCE(dispute_reason, ''),
	version, created_at, funded_at, released_at, updated_at`

func scanEscrow(row pgx.Row) (*model.Escrow, error) {
	var e model.Escrow
	err := row.Scan(&e.ID, &e.EscrowNumber, &e.ContractID, &e.HirerID, &e.WorkerID, &e.Currency,
		&e.TotalAmount, &e.RefundedAmount, &e.Status, &e.PriorStatus, &e.DisputeReason,
		&e.Version, &e.CreatedAt, &e.FundedAt, &e.ReleasedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) CreateEscrow(ctx context.Context, e *model.Escrow, milestones []*model.Milestone) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO escrows (id, escrow_number, contract_id, hirer_id, worker_id, currency,
		   total_amount, refunded_amount, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		e.ID, e.EscrowNumber, e.ContractID, e.HirerID, e.WorkerID, e.Currency,
		e.TotalAmount, e.RefundedAmount, e.Status, e.Version, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	for _, m := range milestones {
		_, err = tx.Exec(ctx,
			`INSERT INTO milestones (id, escrow_id, title, amount, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.EscrowID, m.Title, m.Amount, m.Status,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (s *Postgres) FindActiveEscrowByContract(ctx context.Context, contractID string) (*model.Escrow, error) {
	return scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		 WHERE contract_id = $1 AND status NOT IN ('completed', 'refunded')
		 ORDER BY created_at DESC LIMIT 1`, contractID))
}

func (s *Postgres) UpdateEscrow(ctx context.Context, e *model.Escrow) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrows
		 SET status = $1, refunded_amount = $2, prior_status = NULLIF($3, ''),
		     dispute_reason = NULLIF($4, ''), funded_at = $5, released_at = $6,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $7 AND version = $8`,
		e.Status, e.RefundedAmount, e.PriorStatus, e.DisputeReason,
		e.FundedAt, e.ReleasedAt, e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	e.Version++
	return nil
}

func (s *Postgres) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	var m model.Milestone
	err := s.pool.QueryRow(ctx,
		`SELECT id, escrow_id, title, amount, status, completed_at, released_at
		 FROM milestones WHERE id = $1`, id,
	).Scan(&m.ID, &m.EscrowID, &m.Title, &m.Amount, &m.Status, &m.CompletedAt, &m.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Postgres) ListMilestones(ctx context.Context, escrowID string) ([]*model.Milestone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, escrow_id, title, amount, status, completed_at, released_at
		 FROM milestones WHERE escrow_id = $1 ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Milestone
	for rows.Next() {
		var m model.Milestone
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Title, &m.Amount, &m.Status, &m.CompletedAt, &m.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateMilestone(ctx context.Context, m *model.Milestone, from string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE milestones SET status = $1, completed_at = $2, released_at = $3
		 WHERE id = $4 AND status = $5`,
		m.Status, m.CompletedAt, m.ReleasedAt, m.ID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, type, amount, currency, status, sender_id, recipient_id,
		   related_escrow_id, provider_transaction_id, idempotency_key, error_details, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
		   NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13)`,
		t.ID, t.Type, t.Amount, t.Currency, t.Status, t.SenderID, t.RecipientID,
		t.RelatedEscrowID, t.ProviderTransactionID, t.IdempotencyKey, t.ErrorDetails,
		t.CreatedAt, t.CompletedAt,
	)
	return err
}

const txnColumns = `id, type, amount, currency, status, COALESCE(sender_id, ''),
	COALESCE(recipient_id, ''), COALESCE(related_escrow_id, ''), COALESCE(provider_transaction_id, ''),
	COALESCE(idempotency_key, ''), COALESCE(error_details, ''), created_at, completed_at`

func scanTxn(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(&t.ID, &t.Type, &t.Amount, &t.Currency, &t.Status, &t.SenderID,
		&t.RecipientID, &t.RelatedEscrowID, &t.ProviderTransactionID,
		&t.IdempotencyKey, &t.ErrorDetails, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return scanTxn(s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *Postgres) GetTransactionByProviderRef(ctx context.Context, providerTxnID string) (*model.Transaction, error) {
	return scanTxn(s.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE provider_transaction_id = $1`, providerTxnID))
}

func (s *Postgres) ListEscrowTransactions(ctx context.Context, escrowID string) ([]*model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE related_escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateTransactionStatus(ctx context.Context, id, from, to, providerTxnID, errDetails string, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $1,
		     provider_transaction_id = COALESCE(NULLIF($2, ''), provider_transaction_id),
		     error_details = COALESCE(NULLIF($3, ''), error_details),
		     completed_at = COALESCE($4, completed_at)
		 WHERE id = $5 AND status = $6`,
		to, providerTxnID, errDetails, completedAt, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) CountStaleProcessingTransactions(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE status = 'processing' AND created_at < $1`,
		before).Scan(&n)
	return n, err
}

func (s *Postgres) EnqueuePayout(ctx context.Context, p *model.PayoutQueueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payout_queue (id, user_id, amount, currency, provider, payment_method_id,
		   transaction_id, escrow_id, milestone_id, status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13, $13)`,
		p.ID, p.UserID, p.Amount, p.Currency, p.Provider, p.PaymentMethodID,
		p.TransactionID, p.EscrowID, p.MilestoneID, p.Status, p.Attempts, p.NextAttemptAt, p.CreatedAt,
	)
	return err
}

const payoutColumns = `id, user_id, amount, currency, provider, payment_method_id, transaction_id,
	COALESCE(escrow_id, ''), COALESCE(milestone_id, ''), status, attempts, COALESCE(last_error, ''),
	lease_expires_at, next_attempt_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*model.PayoutQueueEntry, error) {
	var p model.PayoutQueueEntry
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.Provider, &p.PaymentMethodID,
		&p.TransactionID, &p.EscrowID, &p.MilestoneID, &p.Status, &p.Attempts, &p.LastError,
		&p.LeaseExpiresAt, &p.NextAttemptAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) GetPayout(ctx context.Context, id string) (*model.PayoutQueueEntry, error) {
	return scanPayout(s.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payout_queue WHERE id = $1`, id))
}

func (s *Postgres) GetPayoutByTransaction(ctx context.Context, transactionID string) (*model.PayoutQueueEntry, error) {
	return scanPayout(s.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payout_queue WHERE transaction_id = $1`, transactionID))
}

func (s *Postgres) ClaimNextPayout(ctx context.Context, now, leaseUntil time.Time) (*model.PayoutQueueEntry, error) {
	return scanPayout(s.pool.QueryRow(ctx,
		`UPDATE payout_queue
		 SET status = 'processing', lease_expires_at = $1, updated_at = $2
		 WHERE id = (
		   SELECT id FROM payout_queue
		   WHERE status = 'queued' AND next_attempt_at <= $2
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+payoutColumns, leaseUntil, now))
}

func (s *Postgres) UpdatePayout(ctx context.Context, p *model.PayoutQueueEntry, fromStatus string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payout_queue
		 SET status = $1, attempts = $2, last_error = NULLIF($3, ''),
		     lease_expires_at = $4, next_attempt_at = $5, updated_at = NOW()
		 WHERE id = $6 AND status = $7`,
		p.Status, p.Attempts, p.LastError, p.LeaseExpiresAt, p.NextAttemptAt, p.ID, fromStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) ListPayouts(ctx context.Context, status string, limit int) ([]*model.PayoutQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payout_queue
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PayoutQueueEntry
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payout_queue
		 SET status = 'queued', lease_expires_at = NULL, next_attempt_at = $1, updated_at = $1
		 WHERE status = 'processing' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CountOpenPayoutsForEscrow(ctx context.Context, escrowID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payout_queue
		 WHERE escrow_id = $1 AND status IN ('queued', 'processing')`, escrowID).Scan(&n)
	return n, err
}

func (s *Postgres) PutIdempotencyKey(ctx context.Context, key, operation, ref string) (string, bool, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, operation, result_ref, created_at)
		 VALUES ($1, $2, $3, NOW())`, key, operation, ref)
	if err == nil {
		return ref, true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		var existing string
		if qerr := s.pool.QueryRow(ctx,
			`SELECT result_ref FROM idempotency_keys WHERE key = $1 AND operation = $2`,
			key, operation).Scan(&existing); qerr != nil {
			return "", false, qerr
		}
		return existing, false, nil
	}
	return "", false, err
}
