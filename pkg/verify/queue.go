// Package verify buffers post-hoc verification of reversible actions.
//
// Jobs are logically deferred work, not concurrently-executing threads:
// the queue processes its backlog synchronously, in submission order, under
// the caller's goroutine. Drain is the tier-boundary operation — it must
// complete before any controlled or irreversible action executes.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// ErrQueueFull is returned by Submit when the queue is at capacity and
// synchronous fallback is disabled.
var ErrQueueFull = errors.New("verification queue at capacity")

// Func decides whether a capability's output verifies. A nil Func means
// every job auto-passes. A returned error (or a panic) produces a failed
// result carrying the error text; it is never propagated to the caller.
type Func func(capability, output string) (bool, error)

// Config bounds the queue.
type Config struct {
	MaxDepth           int
	FallbackToSyncFull bool
	// VerifyRatePerSec optionally bounds verification throughput during
	// processing. Zero means unlimited.
	VerifyRatePerSec float64
}

// ResultHook observes each finalized verification result, including sync
// fallback results. Hooks must not block; they run on the processing
// goroutine.
type ResultHook func(*contracts.VerificationResult)

// Queue is the asynchronous verification queue for one task session.
type Queue struct {
	mu       sync.Mutex
	pending  []*contracts.VerificationJob
	results  []*contracts.VerificationResult
	rolled   map[string]bool
	verifyFn Func
	cfg      Config
	limiter  *rate.Limiter
	hook     ResultHook
	logger   *slog.Logger
}

// New creates a queue with the given verification function, which may be
// nil.
func New(cfg Config, verifyFn Func) *Queue {
	q := &Queue{
		rolled:   make(map[string]bool),
		verifyFn: verifyFn,
		cfg:      cfg,
		logger:   slog.Default().With("component", "verify"),
	}
	if cfg.VerifyRatePerSec > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.VerifyRatePerSec), 1)
	}
	return q
}

// WithResultHook registers fn to run after every processed job. Set it
// before the first Submit.
func (q *Queue) WithResultHook(fn ResultHook) *Queue {
	q.hook = fn
	return q
}

// Submit appends a job to the pending queue. At capacity it either returns
// ErrQueueFull or, when sync fallback is configured, executes the job
// in-place and stores its result without growing the queue.
func (q *Queue) Submit(job *contracts.VerificationJob) error {
	q.mu.Lock()
	if q.cfg.MaxDepth > 0 && len(q.pending) >= q.cfg.MaxDepth {
		if !q.cfg.FallbackToSyncFull {
			q.mu.Unlock()
			return fmt.Errorf("%w (depth=%d)", ErrQueueFull, q.cfg.MaxDepth)
		}
		q.mu.Unlock()
		result := q.runJob(job, true)
		q.mu.Lock()
		q.results = append(q.results, result)
		q.mu.Unlock()
		return nil
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	return nil
}

// ProcessPending drains the current backlog in submission order and
// returns the results produced by this call.
func (q *Queue) ProcessPending(ctx context.Context) []*contracts.VerificationResult {
	summary := q.drain(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	start := len(q.results) - summary.DrainedCount
	processed := make([]*contracts.VerificationResult, summary.DrainedCount)
	copy(processed, q.results[start:])
	return processed
}

// Drain synchronously flushes the backlog and summarizes the outcome.
// This is the operation invoked at a tier boundary: a caller observing
// TimedOut or a nonzero Failed count must treat the boundary as NOT
// cleared. On timeout, unprocessed jobs remain pending in order.
func (q *Queue) Drain(ctx context.Context) *contracts.DrainResult {
	return q.drain(ctx)
}

func (q *Queue) drain(ctx context.Context) *contracts.DrainResult {
	q.mu.Lock()
	backlog := q.pending
	q.pending = nil
	q.mu.Unlock()

	summary := &contracts.DrainResult{}
	for i, job := range backlog {
		if err := q.waitTurn(ctx); err != nil {
			summary.TimedOut = true
			q.mu.Lock()
			q.pending = append(backlog[i:], q.pending...)
			q.mu.Unlock()
			break
		}
		result := q.runJob(job, false)
		q.mu.Lock()
		q.results = append(q.results, result)
		q.mu.Unlock()
		summary.DrainedCount++
		if result.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	return summary
}

func (q *Queue) waitTurn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.limiter == nil {
		return nil
	}
	return q.limiter.Wait(ctx)
}

// runJob executes one verification. A nil verify function auto-passes.
// On failure, the job's rollback action is invoked exactly once before the
// result is finalized.
func (q *Queue) runJob(job *contracts.VerificationJob, sync bool) *contracts.VerificationResult {
	result := &contracts.VerificationResult{
		JobID:      job.JobID,
		Capability: job.Capability,
	}

	passed, err := q.callVerify(job)
	result.Passed = passed && err == nil
	if err != nil {
		result.Error = err.Error()
	}

	switch {
	case result.Passed && sync:
		result.Status = contracts.StatusSyncPassed
	case result.Passed:
		result.Status = contracts.StatusAsyncPassed
	case sync:
		result.Status = contracts.StatusSyncFailed
	default:
		result.Status = contracts.StatusAsyncFailed
	}

	if !result.Passed && job.RollbackAction != nil {
		q.mu.Lock()
		fired := q.rolled[job.JobID]
		q.rolled[job.JobID] = true
		q.mu.Unlock()
		if !fired {
			if rbErr := job.RollbackAction(); rbErr != nil {
				q.logger.Error("rollback action failed",
					"job_id", job.JobID,
					"capability", job.Capability,
					"error", rbErr)
			} else {
				result.RolledBack = true
			}
		}
	}
	if q.hook != nil {
		q.hook(result)
	}
	return result
}

// callVerify isolates verify function faults: both returned errors and
// panics become failed results.
func (q *Queue) callVerify(job *contracts.VerificationJob) (passed bool, err error) {
	if q.verifyFn == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("verify function panicked: %v", r)
		}
	}()
	return q.verifyFn(job.Capability, job.Output)
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HasFailures reports whether any processed job failed. The boundary
// enforcement logic reads this to decide whether to block.
func (q *Queue) HasFailures() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// FailedResults returns all failed results in processing order.
func (q *Queue) FailedResults() []*contracts.VerificationResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	var failed []*contracts.VerificationResult
	for _, r := range q.results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Results returns all results in processing order.
func (q *Queue) Results() []*contracts.VerificationResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*contracts.VerificationResult, len(q.results))
	copy(out, q.results)
	return out
}
