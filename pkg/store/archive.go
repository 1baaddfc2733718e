// Package store provides secondary archives for flushed batch receipts.
//
// The flat batch_<id>.json files written by the receipt buffer remain the
// source of truth; the archive is a queryable index for audits. Archive
// writes are best-effort from the buffer's point of view.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// ErrNotFound is returned when a batch receipt is not in the archive.
var ErrNotFound = errors.New("store: batch receipt not found")

// ReceiptArchive persists and queries flushed batch receipts.
type ReceiptArchive interface {
	Save(ctx context.Context, receipt *contracts.BatchReceipt) error
	Get(ctx context.Context, batchID string) (*contracts.BatchReceipt, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]*contracts.BatchReceipt, error)
}

// scanReceipt decodes one archive row. Entries are stored as a JSON blob;
// summary fields are first-class columns so audits can filter on them.
func scanReceipt(scan func(dest ...any) error) (*contracts.BatchReceipt, error) {
	var r contracts.BatchReceipt
	var entries []byte
	err := scan(
		&r.BatchID, &r.TaskID, &r.CreatedAt, &entries,
		&r.Summary.TotalActions, &r.Summary.Succeeded, &r.Summary.Failed,
		&r.Summary.HighestRiskTier, &r.Summary.TotalElapsedMs, &r.ContentHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(entries, &r.Entries); err != nil {
		return nil, fmt.Errorf("store: decode entries for %s: %w", r.BatchID, err)
	}
	return &r, nil
}

func collectReceipts(rows *sql.Rows) ([]*contracts.BatchReceipt, error) {
	defer func() { _ = rows.Close() }()

	var receipts []*contracts.BatchReceipt
	for rows.Next() {
		r, err := scanReceipt(rows.Scan)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}
