// Package contracts defines the shared data contracts of the Lancelot
// governance core: risk tiers, action profiles, verification results,
// rollback snapshots, batch receipts, and intent templates.
//
// Everything here is a plain serializable value. Behavior lives in the
// subsystem packages (classifier, policycache, verify, rollback, receipts,
// templates, governance).
package contracts

import "time"

// RiskTier is the ordered classification of an action's blast radius.
// Tiers are totally ordered: T0 < T1 < T2 < T3.
type RiskTier int

// Risk tier constants.
const (
	TierInert        RiskTier = iota // T0: read-only, no side effects
	TierReversible                   // T1: side effects with a rollback path
	TierControlled                   // T2: state mutation requiring verification
	TierIrreversible                 // T3: irreversible, requires approval
)

// String returns the canonical tier name, e.g. "T2_CONTROLLED".
func (t RiskTier) String() string {
	switch t {
	case TierInert:
		return "T0_INERT"
	case TierReversible:
		return "T1_REVERSIBLE"
	case TierControlled:
		return "T2_CONTROLLED"
	case TierIrreversible:
		return "T3_IRREVERSIBLE"
	}
	return "T3_IRREVERSIBLE"
}

// Label returns the short human label for the tier.
func (t RiskTier) Label() string {
	switch t {
	case TierInert:
		return "inert"
	case TierReversible:
		return "reversible"
	case TierControlled:
		return "controlled"
	}
	return "irreversible"
}

// Valid reports whether t is inside the closed range T0..T3.
func (t RiskTier) Valid() bool {
	return t >= TierInert && t <= TierIrreversible
}

// Reversible reports whether actions at this tier have a rollback path.
func (t RiskTier) Reversible() bool {
	return t <= TierReversible
}

// Classification holds the execution requirements derived from a tier.
// It is a pure function of the tier and is never independently settable;
// construct it only via RiskTier.Classification.
type Classification struct {
	Tier               RiskTier `json:"tier"`
	RequiresSyncVerify bool     `json:"requires_sync_verify"`
	RequiresApproval   bool     `json:"requires_approval"`
	BatchableReceipt   bool     `json:"batchable_receipt"`
	Label              string   `json:"label"`
}

// Classification derives the execution requirements for the tier.
func (t RiskTier) Classification() Classification {
	return Classification{
		Tier:               t,
		RequiresSyncVerify: t >= TierControlled,
		RequiresApproval:   t == TierIrreversible,
		BatchableReceipt:   t <= TierReversible,
		Label:              t.Label(),
	}
}

// ActionRiskProfile is the immutable result of one classification call.
type ActionRiskProfile struct {
	Tier           RiskTier  `json:"tier"`
	Capability     string    `json:"capability"`
	Scope          string    `json:"scope,omitempty"`
	Target         string    `json:"target,omitempty"`
	ClassifiedAt   time.Time `json:"classified_at"`
	Reversible     bool      `json:"reversible"`
	SoulEscalation string    `json:"soul_escalation,omitempty"`
}

// StepRequest describes one plan step as handed to the governance core by
// the plan executor.
type StepRequest struct {
	TaskID        string `json:"task_id"`
	StepIndex     int    `json:"step_index"`
	Capability    string `json:"capability"`
	Scope         string `json:"scope,omitempty"`
	Target        string `json:"target,omitempty"`
	ToolID        string `json:"tool_id"`
	Input         string `json:"input,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}
