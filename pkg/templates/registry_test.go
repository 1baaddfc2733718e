package templates

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

func newTestRegistry(t *testing.T, threshold int) *Registry {
	t.Helper()
	r, err := New(Config{
		Path:                filepath.Join(t.TempDir(), "intent_templates.json"),
		PromotionThreshold:  threshold,
		MaxTemplateRiskTier: contracts.TierReversible,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func lowRiskSteps() []contracts.PlanStepTemplate {
	return []contracts.PlanStepTemplate{
		{Capability: "fs.read", RiskTier: contracts.TierInert},
		{Capability: "fs.write", RiskTier: contracts.TierReversible},
	}
}

func TestCreateCandidate_RejectsHighRiskSteps(t *testing.T) {
	r := newTestRegistry(t, 3)

	steps := []contracts.PlanStepTemplate{
		{Capability: "fs.read", RiskTier: contracts.TierInert},
		{Capability: "shell.exec", RiskTier: contracts.TierControlled},
	}
	_, err := r.CreateCandidate("deploy the service", steps)
	if !errors.Is(err, ErrStepTierTooHigh) {
		t.Fatalf("CreateCandidate = %v, want ErrStepTierTooHigh", err)
	}
	if r.Len() != 0 {
		t.Errorf("rejected candidate was stored, Len = %d", r.Len())
	}
}

func TestCreateCandidate_InputValidation(t *testing.T) {
	r := newTestRegistry(t, 3)

	if _, err := r.CreateCandidate("   ", lowRiskSteps()); !errors.Is(err, ErrEmptyIntent) {
		t.Errorf("blank intent: %v, want ErrEmptyIntent", err)
	}
	if _, err := r.CreateCandidate("do something", nil); !errors.Is(err, ErrNoSteps) {
		t.Errorf("no steps: %v, want ErrNoSteps", err)
	}
}

func TestPromotion_AtThreshold(t *testing.T) {
	r := newTestRegistry(t, 3)

	id, err := r.CreateCandidate("summarize the readme", lowRiskSteps())
	if err != nil {
		t.Fatalf("CreateCandidate: %v", err)
	}

	// Creation counts as the first success; the candidate is not active yet.
	tpl, err := r.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if tpl.SuccessCount != 1 || tpl.Active {
		t.Fatalf("fresh candidate: successes=%d active=%v", tpl.SuccessCount, tpl.Active)
	}
	if r.Match("summarize the readme") != nil {
		t.Error("inactive candidate matched")
	}

	if err := r.RecordSuccess(id); err != nil {
		t.Fatal(err)
	}
	if tpl, _ = r.Get(id); tpl.Active {
		t.Error("promoted below threshold")
	}

	if err := r.RecordSuccess(id); err != nil {
		t.Fatal(err)
	}
	tpl, _ = r.Get(id)
	if !tpl.Active {
		t.Errorf("not promoted at threshold: successes=%d", tpl.SuccessCount)
	}
}

func TestRecordFailure_DeactivatesWhenFailuresExceedSuccesses(t *testing.T) {
	r := newTestRegistry(t, 1)

	id, err := r.CreateCandidate("lint the project", lowRiskSteps())
	if err != nil {
		t.Fatal(err)
	}
	if tpl, _ := r.Get(id); !tpl.Active {
		t.Fatal("threshold 1 should activate at creation")
	}

	// failures == successes: still active.
	if err := r.RecordFailure(id); err != nil {
		t.Fatal(err)
	}
	if tpl, _ := r.Get(id); !tpl.Active {
		t.Fatal("deactivated while failures == successes")
	}

	// failures > successes: deactivated.
	if err := r.RecordFailure(id); err != nil {
		t.Fatal(err)
	}
	tpl, _ := r.Get(id)
	if tpl.Active {
		t.Error("still active with failures > successes")
	}
	if tpl.InvalidationReason == "" {
		t.Error("deactivation recorded no reason")
	}
	if r.Match("lint the project") != nil {
		t.Error("deactivated template matched")
	}
}

func TestMatch_CaseInsensitiveSubstring(t *testing.T) {
	r := newTestRegistry(t, 1)

	id, err := r.CreateCandidate("Update Dependencies", lowRiskSteps())
	if err != nil {
		t.Fatal(err)
	}

	tpl := r.Match("please update dependencies in the backend repo")
	if tpl == nil {
		t.Fatal("case-insensitive substring did not match")
	}
	if tpl.TemplateID != id {
		t.Errorf("matched %s, want %s", tpl.TemplateID, id)
	}
	if tpl.LastUsed == nil {
		t.Error("match did not stamp LastUsed")
	}

	if r.Match("unrelated request") != nil {
		t.Error("non-matching intent returned a template")
	}
}

func TestMatch_PrefersMoreSuccessfulTemplate(t *testing.T) {
	r := newTestRegistry(t, 1)

	weak, err := r.CreateCandidate("update deps", lowRiskSteps())
	if err != nil {
		t.Fatal(err)
	}
	strong, err := r.CreateCandidate("update", lowRiskSteps())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.RecordSuccess(strong); err != nil {
			t.Fatal(err)
		}
	}

	got := r.Match("update deps for the release")
	if got == nil || got.TemplateID != strong {
		t.Errorf("matched %v, want the higher-success template %s (other: %s)", got, strong, weak)
	}
}

func TestInvalidateAll(t *testing.T) {
	r := newTestRegistry(t, 1)
	for _, intent := range []string{"build", "test", "release"} {
		if _, err := r.CreateCandidate(intent, lowRiskSteps()); err != nil {
			t.Fatal(err)
		}
	}

	n := r.InvalidateAll("policy overlay changed")
	if n != 3 {
		t.Errorf("InvalidateAll deactivated %d, want 3", n)
	}
	for _, intent := range []string{"build", "test", "release"} {
		if r.Match(intent) != nil {
			t.Errorf("invalidated template for %q still matches", intent)
		}
	}
	// Idempotent: nothing left to deactivate.
	if n := r.InvalidateAll("again"); n != 0 {
		t.Errorf("second InvalidateAll deactivated %d", n)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_templates.json")
	cfg := Config{Path: path, PromotionThreshold: 2, MaxTemplateRiskTier: contracts.TierReversible}

	r1, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	id, err := r1.CreateCandidate("rebuild the index", lowRiskSteps())
	if err != nil {
		t.Fatal(err)
	}
	if err := r1.RecordSuccess(id); err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same file sees identical state.
	r2, err := New(cfg)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	tpl, err := r2.Get(id)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if tpl.SuccessCount != 2 || !tpl.Active {
		t.Errorf("reloaded state: successes=%d active=%v", tpl.SuccessCount, tpl.Active)
	}
	if len(tpl.PlanSkeleton) != 2 || tpl.PlanSkeleton[1].Capability != "fs.write" {
		t.Errorf("plan skeleton lost in round trip: %+v", tpl.PlanSkeleton)
	}
}

func TestCleanupStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_templates.json")
	r, err := New(Config{
		Path:                path,
		PromotionThreshold:  1,
		MaxTemplateRiskTier: contracts.TierReversible,
		StaleAfter:          time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return now })
	if _, err := r.CreateCandidate("old task", lowRiskSteps()); err != nil {
		t.Fatal(err)
	}

	// Two hours later the unused template is past the window.
	r.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	if pruned := r.CleanupStale(); pruned != 1 {
		t.Errorf("CleanupStale pruned %d, want 1", pruned)
	}
	if r.Len() != 0 {
		t.Errorf("Len after cleanup = %d", r.Len())
	}
}
