package contracts

// VerificationStatus describes the outcome of a verification job.
type VerificationStatus string

// Verification status constants.
const (
	StatusAsyncPassed VerificationStatus = "ASYNC_PASSED"
	StatusAsyncFailed VerificationStatus = "ASYNC_FAILED"
	// Sync variants are produced when a full queue falls back to
	// in-place synchronous execution.
	StatusSyncPassed VerificationStatus = "SYNC_PASSED"
	StatusSyncFailed VerificationStatus = "SYNC_FAILED"
)

// VerificationJob is one deferred post-hoc verification of a reversible
// action. RollbackAction, when present, is invoked exactly once if the
// verification fails.
type VerificationJob struct {
	JobID          string       `json:"job_id"`
	Capability     string       `json:"capability"`
	Output         string       `json:"output,omitempty"`
	RollbackAction func() error `json:"-"`
}

// VerificationResult is the single result a job produces when processed.
type VerificationResult struct {
	JobID      string             `json:"job_id"`
	Capability string             `json:"capability"`
	Passed     bool               `json:"passed"`
	Status     VerificationStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	RolledBack bool               `json:"rolled_back,omitempty"`
}

// DrainResult summarizes a synchronous drain of the verification queue.
// TimedOut signals partial completion: the boundary is NOT cleared and the
// caller must not proceed to a T2/T3 action.
type DrainResult struct {
	DrainedCount int  `json:"drained_count"`
	Passed       int  `json:"passed"`
	Failed       int  `json:"failed"`
	TimedOut     bool `json:"timed_out"`
}

// Clear reports whether the drain left the boundary safe to cross.
func (d *DrainResult) Clear() bool {
	return !d.TimedOut && d.Failed == 0
}
