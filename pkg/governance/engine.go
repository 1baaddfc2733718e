// Package governance composes the risk-tiered execution path.
//
// The Engine owns one classifier, policy cache, verification queue,
// receipt buffer, rollback manager, template registry, and approval gate
// per task session, and enforces the tier boundary: before any controlled
// or irreversible action executes, pending batch receipts are flushed and
// pending verifications are drained, and irreversible actions additionally
// pass the approval gate.
//
// All collaborators are explicitly constructed and injected; there are no
// package-level registries.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lancelot-labs/lancelot/core/pkg/approval"
	"github.com/lancelot-labs/lancelot/core/pkg/classifier"
	"github.com/lancelot-labs/lancelot/core/pkg/config"
	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
	"github.com/lancelot-labs/lancelot/core/pkg/observability"
	"github.com/lancelot-labs/lancelot/core/pkg/policycache"
	"github.com/lancelot-labs/lancelot/core/pkg/receipts"
	"github.com/lancelot-labs/lancelot/core/pkg/rollback"
	"github.com/lancelot-labs/lancelot/core/pkg/soul"
	"github.com/lancelot-labs/lancelot/core/pkg/templates"
	"github.com/lancelot-labs/lancelot/core/pkg/verify"
)

// Engine errors.
var (
	// ErrBoundaryBlocked is returned when pending low-risk work could not
	// be reconciled before a T2/T3 action: the drain timed out or left
	// failed verifications. The action was not taken.
	ErrBoundaryBlocked = errors.New("governance: tier boundary not cleared")

	// ErrApprovalRequired is returned for a T3 action arriving without a
	// redeemable approval token. The action was not taken.
	ErrApprovalRequired = errors.New("governance: approval required")
)

// ExecFunc performs the actual side effect of a step and returns its raw
// output. The executor (tool layer) supplies it.
type ExecFunc func(ctx context.Context) (string, error)

// StepResult reports what the engine did for one step.
type StepResult struct {
	Profile    *contracts.ActionRiskProfile `json:"profile"`
	CacheHit   bool                         `json:"cache_hit"`
	Output     string                       `json:"output,omitempty"`
	Success    bool                         `json:"success"`
	Error      string                       `json:"error,omitempty"`
	SnapshotID string                       `json:"snapshot_id,omitempty"`
	// Flushed is the batch receipt produced by a boundary crossing, if
	// any.
	Flushed *contracts.BatchReceipt `json:"flushed,omitempty"`
	// Drained summarizes the queue drain at a boundary crossing.
	Drained *contracts.DrainResult `json:"drained,omitempty"`
}

// Engine is the governance execution path for one task session.
type Engine struct {
	cfg        *config.Config
	classifier *classifier.Classifier
	cache      *policycache.Cache
	queue      *verify.Queue
	buffer     *receipts.Buffer
	rollback   *rollback.Manager
	templates  *templates.Registry
	approvals  *approval.Gate
	obs        *observability.Provider
	logger     *slog.Logger
}

// Options carries the engine's injected collaborators. Classifier, Queue,
// Buffer, Rollback and Approvals are required; Cache, Templates and
// Observability are optional.
type Options struct {
	Classifier    *classifier.Classifier
	Cache         *policycache.Cache
	Queue         *verify.Queue
	Buffer        *receipts.Buffer
	Rollback      *rollback.Manager
	Templates     *templates.Registry
	Approvals     *approval.Gate
	Observability *observability.Provider
}

// NewEngine wires a governance engine from validated config and
// explicitly constructed collaborators.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Classifier == nil || opts.Queue == nil || opts.Buffer == nil || opts.Rollback == nil || opts.Approvals == nil {
		return nil, errors.New("governance: classifier, queue, buffer, rollback and approvals are required")
	}

	e := &Engine{
		cfg:        cfg,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		queue:      opts.Queue,
		buffer:     opts.Buffer,
		rollback:   opts.Rollback,
		templates:  opts.Templates,
		approvals:  opts.Approvals,
		obs:        opts.Observability,
		logger:     slog.Default().With("component", "governance"),
	}
	if e.cache != nil {
		e.cache.Recompile(e.classifier, e.classifier.SoulVersion())
	}
	if e.obs != nil {
		e.queue.WithResultHook(func(r *contracts.VerificationResult) {
			ctx := context.Background()
			e.obs.RecordVerification(ctx, r.Status)
			if r.RolledBack {
				e.obs.RecordRollback(ctx, r.Capability)
			}
		})
	}
	return e, nil
}

// Classify resolves the risk profile of a step, consulting the policy
// cache first for precompiled low-risk decisions. T2/T3 is always freshly
// evaluated because those decisions are never cached.
func (e *Engine) Classify(ctx context.Context, step contracts.StepRequest) (*contracts.ActionRiskProfile, bool) {
	if e.cache != nil && step.Target == "" {
		if decision := e.cache.Lookup(step.Capability, step.Scope); decision != nil {
			if e.obs != nil {
				e.obs.RecordCacheLookup(ctx, true)
				e.obs.RecordClassification(ctx, decision.Tier)
			}
			return &contracts.ActionRiskProfile{
				Tier:         decision.Tier,
				Capability:   step.Capability,
				Scope:        step.Scope,
				ClassifiedAt: time.Now().UTC(),
				Reversible:   decision.Tier.Reversible(),
			}, true
		}
		if e.obs != nil {
			e.obs.RecordCacheLookup(ctx, false)
		}
	}

	profile := e.classifier.Classify(step.Capability, step.Scope, step.Target)
	if e.obs != nil {
		e.obs.RecordClassification(ctx, profile.Tier)
	}
	return profile, false
}

// ExecuteStep runs one plan step through the full gated path: classify,
// enforce the tier boundary, snapshot, execute, and record.
func (e *Engine) ExecuteStep(ctx context.Context, step contracts.StepRequest, exec ExecFunc) (*StepResult, error) {
	ctx, span := e.obs.StartSpan(ctx, "governance.execute_step")
	defer span.End()

	profile, cacheHit := e.Classify(ctx, step)
	result := &StepResult{Profile: profile, CacheHit: cacheHit}

	if profile.Tier >= contracts.TierControlled {
		if err := e.enforceBoundary(ctx, profile.Tier, result); err != nil {
			return result, err
		}
	}
	if profile.Tier == contracts.TierIrreversible {
		if step.ApprovalToken == "" {
			e.recordApproval(ctx, "missing_token")
			return result, fmt.Errorf("%w: %s %s", ErrApprovalRequired, step.Capability, step.Target)
		}
		if err := e.approvals.Redeem(step.ApprovalToken, step.Capability, step.Target); err != nil {
			e.recordApproval(ctx, "rejected")
			return result, fmt.Errorf("%w: %v", ErrApprovalRequired, err)
		}
		e.recordApproval(ctx, "redeemed")
	}

	var rollbackAction func() error
	if profile.Tier == contracts.TierReversible {
		snap, err := e.rollback.CreateSnapshot(step.TaskID, step.StepIndex, step.Capability, step.Target, nil)
		if err != nil {
			return result, fmt.Errorf("governance: snapshot before %s: %w", step.Capability, err)
		}
		result.SnapshotID = snap.SnapshotID
		rollbackAction = e.rollback.RollbackAction(snap.SnapshotID)
	}

	output, execErr := exec(ctx)
	result.Output = output
	result.Success = execErr == nil
	if execErr != nil {
		result.Error = execErr.Error()
	}

	if profile.Tier.Classification().BatchableReceipt {
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		if _, err := e.buffer.Append(step.Capability, step.ToolID, profile.Tier, step.Input, output, execErr == nil, errMsg); err != nil {
			e.logger.Error("receipt append failed", "capability", step.Capability, "error", err)
		}
	}

	if profile.Tier == contracts.TierReversible && execErr == nil {
		job := &contracts.VerificationJob{
			JobID:          uuid.New().String(),
			Capability:     step.Capability,
			Output:         output,
			RollbackAction: rollbackAction,
		}
		if err := e.queue.Submit(job); err != nil {
			return result, fmt.Errorf("governance: submit verification: %w", err)
		}
		if e.obs != nil {
			e.obs.RecordQueueDelta(ctx, 1)
		}
	}

	return result, execErr
}

// enforceBoundary reconciles pending low-risk work before a T2/T3 action.
// Any timed-out drain or failed verification blocks the boundary: the
// caller must surface "action not taken, pending verification".
func (e *Engine) enforceBoundary(ctx context.Context, incoming contracts.RiskTier, result *StepResult) error {
	flushed, err := e.buffer.FlushIfTierBoundary(incoming)
	if err != nil {
		return fmt.Errorf("governance: boundary flush: %w", err)
	}
	result.Flushed = flushed
	if flushed != nil && e.obs != nil {
		e.obs.RecordBoundaryFlush(ctx, int64(flushed.Summary.TotalActions))
	}

	drained := e.queue.Drain(ctx)
	result.Drained = drained
	if e.obs != nil {
		e.obs.RecordQueueDelta(ctx, -int64(drained.DrainedCount))
	}

	if !drained.Clear() || e.queue.HasFailures() {
		e.logger.Warn("tier boundary blocked",
			"incoming_tier", incoming.String(),
			"drained", drained.DrainedCount,
			"failed", drained.Failed,
			"timed_out", drained.TimedOut)
		return fmt.Errorf("%w: drained=%d failed=%d timed_out=%t",
			ErrBoundaryBlocked, drained.DrainedCount, drained.Failed, drained.TimedOut)
	}
	return nil
}

// UpdateSoul swaps the dynamic policy overlay and invalidates every
// derived artifact: the policy cache is recompiled under the new version
// and all active intent templates are deactivated.
func (e *Engine) UpdateSoul(overlay *soul.Overlay) error {
	if err := e.classifier.UpdateSoul(overlay); err != nil {
		return err
	}
	version := e.classifier.SoulVersion()
	if e.cache != nil {
		e.cache.Invalidate()
		e.cache.Recompile(e.classifier, version)
	}
	if e.templates != nil {
		e.templates.InvalidateAll("soul overlay changed to " + version)
	}
	e.logger.Info("soul updated", "version", version)
	return nil
}

// MatchTemplate returns a cached plan skeleton for the intent text, if an
// active template matches.
func (e *Engine) MatchTemplate(intentText string) *contracts.IntentTemplate {
	if e.templates == nil {
		return nil
	}
	return e.templates.Match(intentText)
}

// Close flushes the receipt buffer. Call on normal session exit.
func (e *Engine) Close() error {
	return e.buffer.Close()
}

func (e *Engine) recordApproval(ctx context.Context, outcome string) {
	e.obs.RecordApproval(ctx, outcome)
}
