package contracts

import "time"

// ReceiptEntry is one hashed audit record inside a batch receipt.
// InputHash and OutputHash are SHA-256 hex digests (64 chars) over the
// UTF-8 encoding of the raw input/output strings; they are reproducible
// independently and serve tamper-evidence, not confidentiality.
type ReceiptEntry struct {
	EntryIndex int       `json:"entry_index"`
	Timestamp  time.Time `json:"timestamp"`
	Capability string    `json:"capability"`
	ToolID     string    `json:"tool_id"`
	RiskTier   RiskTier  `json:"risk_tier"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// BatchSummary aggregates a flushed batch.
type BatchSummary struct {
	TotalActions    int      `json:"total_actions"`
	Succeeded       int      `json:"succeeded"`
	Failed          int      `json:"failed"`
	HighestRiskTier RiskTier `json:"highest_risk_tier"`
	TotalElapsedMs  int64    `json:"total_elapsed_ms"`
}

// BatchReceipt is the immutable audit record produced by one flush of a
// non-empty receipt buffer. ContentHash is the SHA-256 hex digest of the
// RFC 8785 canonical JSON form of the receipt with ContentHash itself
// empty, so any holder of the file can recompute and compare it.
type BatchReceipt struct {
	BatchID     string         `json:"batch_id"`
	TaskID      string         `json:"task_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Entries     []ReceiptEntry `json:"entries"`
	Summary     BatchSummary   `json:"summary"`
	ContentHash string         `json:"content_hash,omitempty"`
}
