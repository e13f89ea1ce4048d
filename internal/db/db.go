package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kelmah-platform/escrow-engine/internal/config"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
)

var Conn *pgxpool.Pool

// Init connects to Postgres and ensures the ledger schema
func Init(cfg config.DatabaseConfig) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode,
	)

	var err error
	Conn, err = pgxpool.New(context.Background(), dsn)
	if err != nil {
		logger.Fatal("Unable to connect to database: %v", err)
	}

	if err = Conn.Ping(context.Background()); err != nil {
		logger.Fatal("Unable to ping database: %v", err)
	}

	logger.Info("Connected to Postgres successfully")

	ensureEscrowTables()
	ensurePayoutQueueTable()
	ensureIdempotencyTable()
}

// ensureEscrowTables creates escrows, milestones and transactions if missing
func ensureEscrowTables() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS escrows (
            id UUID PRIMARY KEY,
            escrow_number TEXT NOT NULL UNIQUE,
            contract_id UUID NOT NULL,
            hirer_id UUID NOT NULL,
            worker_id UUID NOT NULL,
            currency TEXT NOT NULL DEFAULT 'GHS',
            total_amount BIGINT NOT NULL CHECK (total_amount > 0),
            refunded_amount BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (
                'pending', 'funded', 'partially_released', 'completed', 'refunded', 'disputed'
            )),
            prior_status TEXT NULL,
            dispute_reason TEXT NULL,
            version BIGINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            funded_at TIMESTAMP WITH TIME ZONE NULL,
            released_at TIMESTAMP WITH TIME ZONE NULL,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_escrows_contract ON escrows(contract_id);
        CREATE INDEX IF NOT EXISTS idx_escrows_status_created ON escrows(status, created_at);
    `)
	if err != nil {
		logger.Error("failed to ensure escrows table: %v", err)
	}

	_, err = Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS milestones (
            id UUID PRIMARY KEY,
            escrow_id UUID NOT NULL REFERENCES escrows(id) ON DELETE CASCADE,
            title TEXT NOT NULL DEFAULT '',
            amount BIGINT NOT NULL CHECK (amount > 0),
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed', 'released')),
            completed_at TIMESTAMP WITH TIME ZONE NULL,
            released_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_milestones_escrow ON milestones(escrow_id);
    `)
	if err != nil {
		logger.Error("failed to ensure milestones table: %v", err)
	}

	_, err = Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS transactions (
            id UUID PRIMARY KEY,
            type TEXT NOT NULL CHECK (type IN ('fund', 'release', 'refund', 'payout', 'fee')),
            amount BIGINT NOT NULL,
            currency TEXT NOT NULL DEFAULT 'GHS',
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (
                'pending', 'processing', 'completed', 'failed', 'cancelled', 'refunded'
            )),
            sender_id UUID NULL,
            recipient_id UUID NULL,
            related_escrow_id UUID NULL,
            provider_transaction_id TEXT NULL,
            idempotency_key TEXT NULL,
            error_details TEXT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_transactions_escrow ON transactions(related_escrow_id);
        CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions(status, created_at);
        CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_provider_ref
            ON transactions(provider_transaction_id) WHERE provider_transaction_id IS NOT NULL;
    `)
	if err != nil {
		logger.Error("failed to ensure transactions table: %v", err)
	}
}

// ensurePayoutQueueTable creates the durable payout queue if missing
func ensurePayoutQueueTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS payout_queue (
            id UUID PRIMARY KEY,
            user_id UUID NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            currency TEXT NOT NULL DEFAULT 'GHS',
            provider TEXT NOT NULL,
            payment_method_id TEXT NOT NULL,
            transaction_id UUID NOT NULL REFERENCES transactions(id),
            escrow_id UUID NULL,
            milestone_id UUID NULL,
            status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN (
                'queued', 'processing', 'completed', 'failed', 'cancelled'
            )),
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NULL,
            lease_expires_at TIMESTAMP WITH TIME ZONE NULL,
            next_attempt_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_payout_queue_status_created ON payout_queue(status, created_at);
        CREATE INDEX IF NOT EXISTS idx_payout_queue_escrow ON payout_queue(escrow_id);
    `)
	if err != nil {
		logger.Error("failed to ensure payout_queue table: %v", err)
	}
}

// ensureIdempotencyTable creates the idempotency key table if missing
func ensureIdempotencyTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS idempotency_keys (
            key TEXT NOT NULL,
            operation TEXT NOT NULL,
            result_ref TEXT NOT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (key, operation)
        );
    `)
	if err != nil {
		logger.Error("failed to ensure idempotency_keys table: %v", err)
	}
}
