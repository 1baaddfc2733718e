// Package receipts accumulates hashed audit records of low-risk actions
// and flushes them as immutable batch receipt files.
//
// Entry input/output hashes are plain SHA-256 over the UTF-8 bytes of the
// raw strings, so any holder of the original data can reproduce them. The
// receipt's own content hash is computed over its RFC 8785 canonical JSON
// form, making the flushed file independently verifiable.
package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// ErrNotBatchable is returned when a T2/T3 entry is appended. Controlled
// and irreversible actions carry individual records, never batch entries.
var ErrNotBatchable = errors.New("receipts: tier is not batchable")

// Archive is an optional secondary index for flushed receipts. The JSON
// file on disk remains the source of truth; archive failures are logged
// and never drop state.
type Archive interface {
	Save(ctx context.Context, receipt *contracts.BatchReceipt) error
}

// Config bounds one buffer.
type Config struct {
	Dir                 string
	TaskID              string
	BufferSize          int
	FlushOnTierBoundary bool
}

// Buffer is the in-memory receipt accumulator for one task session.
// Close flushes whatever remains, so scoped usage (defer buffer.Close())
// guarantees a non-empty buffer is not silently dropped on normal exit.
type Buffer struct {
	mu        sync.Mutex
	cfg       Config
	entries   []contracts.ReceiptEntry
	startedAt time.Time
	archive   Archive
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a buffer writing flushed receipts into cfg.Dir.
func New(cfg Config) (*Buffer, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("receipts: buffer size must be positive, got %d", cfg.BufferSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("receipts: create dir %s: %w", cfg.Dir, err)
	}
	return &Buffer{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "receipts", "task_id", cfg.TaskID),
	}, nil
}

// WithArchive attaches a secondary receipt archive.
func (b *Buffer) WithArchive(a Archive) *Buffer {
	b.archive = a
	return b
}

// WithClock overrides the clock for deterministic testing.
func (b *Buffer) WithClock(clock func() time.Time) *Buffer {
	b.clock = clock
	return b
}

// HashString returns the SHA-256 hex digest of the UTF-8 encoding of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Append records one T0/T1 action. When the buffer reaches the configured
// size the append auto-flushes and returns the flushed receipt; otherwise
// it returns nil.
func (b *Buffer) Append(capability, toolID string, tier contracts.RiskTier, input, output string, success bool, errMsg string) (*contracts.BatchReceipt, error) {
	if !tier.Classification().BatchableReceipt {
		return nil, fmt.Errorf("%w: %s", ErrNotBatchable, tier)
	}

	b.mu.Lock()
	if len(b.entries) == 0 {
		b.startedAt = b.clock()
	}
	b.entries = append(b.entries, contracts.ReceiptEntry{
		EntryIndex: len(b.entries),
		Timestamp:  b.clock().UTC(),
		Capability: capability,
		ToolID:     toolID,
		RiskTier:   tier,
		InputHash:  HashString(input),
		OutputHash: HashString(output),
		Success:    success,
		Error:      errMsg,
	})
	full := len(b.entries) >= b.cfg.BufferSize
	b.mu.Unlock()

	if !full {
		return nil, nil
	}
	return b.Flush()
}

// Flush converts the buffer into one immutable BatchReceipt, persists it
// as a JSON file, and resets the buffer. Flushing an empty buffer is a
// no-op returning (nil, nil) and writes no file. A failed write keeps the
// in-memory entries intact.
func (b *Buffer) Flush() (*contracts.BatchReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// FlushIfTierBoundary flushes only when the incoming tier crosses into
// controlled/irreversible territory (>= T2). For T0/T1 incoming tiers it
// is a no-op regardless of buffer contents.
func (b *Buffer) FlushIfTierBoundary(incoming contracts.RiskTier) (*contracts.BatchReceipt, error) {
	if incoming < contracts.TierControlled {
		return nil, nil
	}
	if !b.cfg.FlushOnTierBoundary {
		return nil, nil
	}
	return b.Flush()
}

// Close flushes any remaining entries. Safe to call multiple times.
func (b *Buffer) Close() error {
	_, err := b.Flush()
	return err
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) flushLocked() (*contracts.BatchReceipt, error) {
	if len(b.entries) == 0 {
		return nil, nil
	}

	now := b.clock().UTC()
	receipt := &contracts.BatchReceipt{
		BatchID:   uuid.New().String(),
		TaskID:    b.cfg.TaskID,
		CreatedAt: now,
		Entries:   b.entries,
		Summary:   summarize(b.entries, now.Sub(b.startedAt)),
	}

	hash, err := ContentHash(receipt)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash batch: %w", err)
	}
	receipt.ContentHash = hash

	if err := b.writeFile(receipt); err != nil {
		// The entries stay buffered: a failed flush must never silently
		// discard in-memory state.
		return nil, err
	}

	b.entries = nil
	b.logger.Info("batch receipt flushed",
		"batch_id", receipt.BatchID,
		"entries", receipt.Summary.TotalActions,
		"highest_tier", receipt.Summary.HighestRiskTier.String())

	if b.archive != nil {
		if err := b.archive.Save(context.Background(), receipt); err != nil {
			b.logger.Error("receipt archive save failed",
				"batch_id", receipt.BatchID, "error", err)
		}
	}
	return receipt, nil
}

func (b *Buffer) writeFile(receipt *contracts.BatchReceipt) error {
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return fmt.Errorf("receipts: marshal batch %s: %w", receipt.BatchID, err)
	}

	path := filepath.Join(b.cfg.Dir, FileName(receipt.BatchID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("receipts: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("receipts: finalize %s: %w", path, err)
	}
	return nil
}

// FileName returns the deterministic on-disk name for a batch ID.
func FileName(batchID string) string {
	return "batch_" + batchID + ".json"
}

// ContentHash computes the SHA-256 hex digest of the RFC 8785 canonical
// JSON form of the receipt with ContentHash cleared.
func ContentHash(receipt *contracts.BatchReceipt) (string, error) {
	clone := *receipt
	clone.ContentHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func summarize(entries []contracts.ReceiptEntry, elapsed time.Duration) contracts.BatchSummary {
	summary := contracts.BatchSummary{
		TotalActions:   len(entries),
		TotalElapsedMs: elapsed.Milliseconds(),
	}
	for _, e := range entries {
		if e.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		if e.RiskTier > summary.HighestRiskTier {
			summary.HighestRiskTier = e.RiskTier
		}
	}
	return summary
}
