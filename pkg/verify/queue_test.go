package verify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

func job(id string, rollback func() error) *contracts.VerificationJob {
	return &contracts.VerificationJob{
		JobID:          id,
		Capability:     "fs.write",
		Output:         "output-" + id,
		RollbackAction: rollback,
	}
}

func TestDrain_AllFailuresRollBack(t *testing.T) {
	rollbacks := map[string]int{}
	failAll := func(capability, output string) (bool, error) { return false, nil }
	q := New(Config{MaxDepth: 8}, failAll)

	for _, id := range []string{"a", "b"} {
		id := id
		if err := q.Submit(job(id, func() error { rollbacks[id]++; return nil })); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	if q.Depth() != 2 {
		t.Fatalf("Depth = %d, want 2", q.Depth())
	}

	summary := q.Drain(context.Background())
	if summary.DrainedCount != 2 || summary.Passed != 0 || summary.Failed != 2 || summary.TimedOut {
		t.Fatalf("Drain summary = %+v, want {2 0 2 false}", summary)
	}
	if summary.Clear() {
		t.Error("summary with failures reported Clear")
	}
	if q.Depth() != 0 {
		t.Errorf("Depth after drain = %d", q.Depth())
	}

	for _, id := range []string{"a", "b"} {
		if rollbacks[id] != 1 {
			t.Errorf("rollback for %s fired %d times, want exactly 1", id, rollbacks[id])
		}
	}
	for _, r := range q.Results() {
		if r.Status != contracts.StatusAsyncFailed {
			t.Errorf("job %s status = %s, want ASYNC_FAILED", r.JobID, r.Status)
		}
		if !r.RolledBack {
			t.Errorf("job %s not marked rolled back", r.JobID)
		}
	}
}

func TestDrain_PassesInSubmissionOrder(t *testing.T) {
	q := New(Config{MaxDepth: 8}, nil) // nil verify fn auto-passes

	for i := 0; i < 3; i++ {
		if err := q.Submit(job(fmt.Sprintf("j%d", i), nil)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	summary := q.Drain(context.Background())
	if summary.DrainedCount != 3 || summary.Failed != 0 || !summary.Clear() {
		t.Fatalf("Drain summary = %+v", summary)
	}

	results := q.Results()
	for i, r := range results {
		if want := fmt.Sprintf("j%d", i); r.JobID != want {
			t.Errorf("result %d is %s, want %s", i, r.JobID, want)
		}
		if r.Status != contracts.StatusAsyncPassed {
			t.Errorf("job %s status = %s", r.JobID, r.Status)
		}
	}
	if q.HasFailures() {
		t.Error("HasFailures true after all-pass drain")
	}
}

func TestDrain_EmptyQueue(t *testing.T) {
	q := New(Config{}, nil)
	summary := q.Drain(context.Background())
	if summary.DrainedCount != 0 || !summary.Clear() {
		t.Errorf("empty drain = %+v", summary)
	}
}

func TestDrain_TimeoutKeepsRemainderPending(t *testing.T) {
	// Rate-limit to force the second job to wait past the deadline.
	q := New(Config{MaxDepth: 8, VerifyRatePerSec: 0.5}, nil)
	for i := 0; i < 3; i++ {
		if err := q.Submit(job(fmt.Sprintf("j%d", i), nil)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary := q.Drain(ctx)

	if !summary.TimedOut {
		t.Fatalf("expected timed-out drain, got %+v", summary)
	}
	if summary.Clear() {
		t.Error("timed-out drain reported Clear")
	}
	if summary.DrainedCount+q.Depth() != 3 {
		t.Errorf("drained %d + pending %d != 3", summary.DrainedCount, q.Depth())
	}
	if q.Depth() == 0 {
		t.Error("timed-out drain left no jobs pending")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	q := New(Config{MaxDepth: 1}, nil)
	if err := q.Submit(job("a", nil)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := q.Submit(job("b", nil))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit over capacity = %v, want ErrQueueFull", err)
	}
	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", q.Depth())
	}
}

func TestSubmit_SyncFallbackOnFull(t *testing.T) {
	q := New(Config{MaxDepth: 1, FallbackToSyncFull: true}, func(capability, output string) (bool, error) {
		return true, nil
	})
	if err := q.Submit(job("a", nil)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := q.Submit(job("b", nil)); err != nil {
		t.Fatalf("fallback Submit: %v", err)
	}

	// "b" ran synchronously; "a" is still pending.
	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", q.Depth())
	}
	results := q.Results()
	if len(results) != 1 || results[0].JobID != "b" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Status != contracts.StatusSyncPassed {
		t.Errorf("fallback status = %s, want SYNC_PASSED", results[0].Status)
	}
}

func TestRunJob_VerifyErrorAndPanicAreFailures(t *testing.T) {
	calls := 0
	q := New(Config{MaxDepth: 8}, func(capability, output string) (bool, error) {
		calls++
		switch calls {
		case 1:
			return true, errors.New("probe failed")
		default:
			panic("verifier exploded")
		}
	})
	if err := q.Submit(job("err", nil)); err != nil {
		t.Fatal(err)
	}
	if err := q.Submit(job("panic", nil)); err != nil {
		t.Fatal(err)
	}

	summary := q.Drain(context.Background())
	if summary.Failed != 2 {
		t.Fatalf("Failed = %d, want 2", summary.Failed)
	}

	failed := q.FailedResults()
	if len(failed) != 2 {
		t.Fatalf("FailedResults = %d entries", len(failed))
	}
	if failed[0].Error != "probe failed" {
		t.Errorf("error text = %q", failed[0].Error)
	}
	if failed[1].Error == "" {
		t.Error("panic produced no error text")
	}
}

func TestHasFailures(t *testing.T) {
	q := New(Config{MaxDepth: 8}, func(capability, output string) (bool, error) {
		return output != "bad", nil
	})
	good := job("g", nil)
	good.Output = "good"
	bad := job("b", nil)
	bad.Output = "bad"

	if err := q.Submit(good); err != nil {
		t.Fatal(err)
	}
	q.Drain(context.Background())
	if q.HasFailures() {
		t.Error("HasFailures true with only passes")
	}

	if err := q.Submit(bad); err != nil {
		t.Fatal(err)
	}
	q.Drain(context.Background())
	if !q.HasFailures() {
		t.Error("HasFailures false after a failed job")
	}
}

func TestWithResultHook_ObservesEveryResult(t *testing.T) {
	var observed []*contracts.VerificationResult
	q := New(Config{MaxDepth: 1, FallbackToSyncFull: true}, func(capability, output string) (bool, error) {
		return output != "output-bad", nil
	}).WithResultHook(func(r *contracts.VerificationResult) {
		observed = append(observed, r)
	})

	rolled := false
	if err := q.Submit(job("bad", func() error { rolled = true; return nil })); err != nil {
		t.Fatal(err)
	}
	// Queue is at capacity; this submit runs synchronously and must still
	// reach the hook.
	if err := q.Submit(job("good", nil)); err != nil {
		t.Fatal(err)
	}
	q.Drain(context.Background())

	if len(observed) != 2 {
		t.Fatalf("hook observed %d results, want 2", len(observed))
	}
	if observed[0].Status != contracts.StatusSyncPassed {
		t.Errorf("first result status = %s, want SYNC_PASSED", observed[0].Status)
	}
	if observed[1].Status != contracts.StatusAsyncFailed || !observed[1].RolledBack {
		t.Errorf("second result = %+v, want rolled-back ASYNC_FAILED", observed[1])
	}
	if !rolled {
		t.Error("rollback did not fire before the hook saw the result")
	}
}
