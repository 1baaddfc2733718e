package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// PostgresArchive stores batch receipts in Postgres for multi-host audit
// deployments.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive wraps an existing database handle. Schema migration
// is owned by the deployment, not the archive.
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// Migrate creates the receipt_archive table if it does not exist.
func (s *PostgresArchive) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipt_archive (
		batch_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		entries JSONB NOT NULL,
		total_actions INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		highest_risk_tier INTEGER NOT NULL,
		total_elapsed_ms BIGINT NOT NULL,
		content_hash TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: migrate postgres archive: %w", err)
	}
	return nil
}

// Save inserts one flushed receipt.
func (s *PostgresArchive) Save(ctx context.Context, receipt *contracts.BatchReceipt) error {
	entries, err := json.Marshal(receipt.Entries)
	if err != nil {
		return fmt.Errorf("store: encode entries for %s: %w", receipt.BatchID, err)
	}
	query := `
	INSERT INTO receipt_archive
		(batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.ExecContext(ctx, query,
		receipt.BatchID, receipt.TaskID, receipt.CreatedAt, entries,
		receipt.Summary.TotalActions, receipt.Summary.Succeeded, receipt.Summary.Failed,
		receipt.Summary.HighestRiskTier, receipt.Summary.TotalElapsedMs, receipt.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("store: save batch %s: %w", receipt.BatchID, err)
	}
	return nil
}

// Get returns one archived receipt by batch ID.
func (s *PostgresArchive) Get(ctx context.Context, batchID string) (*contracts.BatchReceipt, error) {
	query := `
	SELECT batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash
	FROM receipt_archive
	WHERE batch_id = $1`
	row := s.db.QueryRowContext(ctx, query, batchID)
	return scanReceipt(row.Scan)
}

// ListByTask returns the most recent receipts for a task.
func (s *PostgresArchive) ListByTask(ctx context.Context, taskID string, limit int) ([]*contracts.BatchReceipt, error) {
	query := `
	SELECT batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash
	FROM receipt_archive
	WHERE task_id = $1
	ORDER BY created_at DESC
	LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	return collectReceipts(rows)
}

var _ ReceiptArchive = (*PostgresArchive)(nil)
var _ ReceiptArchive = (*SQLiteArchive)(nil)
