package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
	internal_reference TEXT PRIMARY KEY,
	correlation_id     TEXT,
	status             TEXT NOT NULL,
	data               JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS transactions_correlation_id_idx
	ON transactions (correlation_id) WHERE correlation_id <> '';
`

const upsertTransaction = `
INSERT INTO transactions (internal_reference, correlation_id, status, data, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (internal_reference) DO UPDATE
SET correlation_id = EXCLUDED.correlation_id,
    status         = EXCLUDED.status,
    data           = EXCLUDED.data,
    updated_at     = now()
`

// PostgresMirror stores each transaction as a JSONB row with its keys
// broken out for indexing.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

func NewPostgresMirror(pool *pgxpool.Pool) *PostgresMirror {
	return &PostgresMirror{pool: pool}
}

// Migrate creates the transactions table if it does not exist.
func (m *PostgresMirror) Migrate(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, createTransactionsTable); err != nil {
		return fmt.Errorf("failed to migrate transactions table: %w", err)
	}
	return nil
}

func (m *PostgresMirror) Save(ctx context.Context, tx models.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, err = m.pool.Exec(ctx, upsertTransaction,
		tx.InternalReference, tx.CorrelationID, string(tx.Status), data, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (m *PostgresMirror) LoadAll(ctx context.Context) ([]models.Transaction, error) {
	rows, err := m.pool.Query(ctx, `SELECT data FROM transactions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var tx models.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}

func (m *PostgresMirror) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}
