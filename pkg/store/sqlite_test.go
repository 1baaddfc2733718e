package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

func sampleReceipt(batchID, taskID string, createdAt time.Time) *contracts.BatchReceipt {
	return &contracts.BatchReceipt{
		BatchID:   batchID,
		TaskID:    taskID,
		CreatedAt: createdAt,
		Entries: []contracts.ReceiptEntry{
			{
				EntryIndex: 0,
				Timestamp:  createdAt,
				Capability: "fs.read",
				ToolID:     "tool-1",
				RiskTier:   contracts.TierInert,
				InputHash:  "aa11",
				OutputHash: "bb22",
				Success:    true,
			},
			{
				EntryIndex: 1,
				Timestamp:  createdAt,
				Capability: "fs.write",
				ToolID:     "tool-2",
				RiskTier:   contracts.TierReversible,
				InputHash:  "cc33",
				OutputHash: "dd44",
				Success:    false,
				Error:      "disk full",
			},
		},
		Summary: contracts.BatchSummary{
			TotalActions:    2,
			Succeeded:       1,
			Failed:          1,
			HighestRiskTier: contracts.TierReversible,
			TotalElapsedMs:  420,
		},
		ContentHash: "deadbeef",
	}
}

func openTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	archive, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}

func TestSQLiteArchive_RoundTrip(t *testing.T) {
	archive := openTestArchive(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	receipt := sampleReceipt("batch-1", "task-1", created)

	require.NoError(t, archive.Save(ctx, receipt))

	got, err := archive.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", got.BatchID)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "deadbeef", got.ContentHash)
	assert.Equal(t, receipt.Summary, got.Summary)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "disk full", got.Entries[1].Error)
}

func TestSQLiteArchive_SaveRejectsDuplicateBatchID(t *testing.T) {
	archive := openTestArchive(t)
	ctx := context.Background()

	receipt := sampleReceipt("batch-1", "task-1", time.Now().UTC())
	require.NoError(t, archive.Save(ctx, receipt))
	// Receipts are immutable: a second insert under the same ID must fail.
	assert.Error(t, archive.Save(ctx, receipt))
}

func TestSQLiteArchive_GetMissing(t *testing.T) {
	archive := openTestArchive(t)
	_, err := archive.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteArchive_ListByTask(t *testing.T) {
	archive := openTestArchive(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := sampleReceipt("batch-"+string(rune('a'+i)), "task-1", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, archive.Save(ctx, r))
	}
	require.NoError(t, archive.Save(ctx, sampleReceipt("other", "task-2", base)))

	receipts, err := archive.ListByTask(ctx, "task-1", 2)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	// Most recent first.
	assert.Equal(t, "batch-c", receipts[0].BatchID)
	assert.Equal(t, "batch-b", receipts[1].BatchID)
}
