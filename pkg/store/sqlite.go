package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// SQLiteArchive stores batch receipts in a local SQLite database.
type SQLiteArchive struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite archive at path. Use ":memory:"
// for an ephemeral archive.
func OpenSQLite(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	s := &SQLiteArchive{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteArchive wraps an existing database handle.
func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	s := &SQLiteArchive{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipt_archive (
		batch_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		entries JSON NOT NULL,
		total_actions INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		highest_risk_tier INTEGER NOT NULL,
		total_elapsed_ms INTEGER NOT NULL,
		content_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipt_archive_task ON receipt_archive (task_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite archive: %w", err)
	}
	return nil
}

// Save inserts one flushed receipt. Receipts are immutable, so a conflict
// on batch_id is an error.
func (s *SQLiteArchive) Save(ctx context.Context, receipt *contracts.BatchReceipt) error {
	entries, err := json.Marshal(receipt.Entries)
	if err != nil {
		return fmt.Errorf("store: encode entries for %s: %w", receipt.BatchID, err)
	}
	query := `
	INSERT INTO receipt_archive
		(batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
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
func (s *SQLiteArchive) Get(ctx context.Context, batchID string) (*contracts.BatchReceipt, error) {
	query := `
	SELECT batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash
	FROM receipt_archive
	WHERE batch_id = ?`
	row := s.db.QueryRowContext(ctx, query, batchID)
	return scanReceipt(row.Scan)
}

// ListByTask returns the most recent receipts for a task.
func (s *SQLiteArchive) ListByTask(ctx context.Context, taskID string, limit int) ([]*contracts.BatchReceipt, error) {
	query := `
	SELECT batch_id, task_id, created_at, entries, total_actions, succeeded, failed, highest_risk_tier, total_elapsed_ms, content_hash
	FROM receipt_archive
	WHERE task_id = ?
	ORDER BY created_at DESC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}
	return collectReceipts(rows)
}

// Close closes the underlying database.
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}
