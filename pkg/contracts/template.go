package contracts

import "time"

// PlanStepTemplate is one step of a cached plan skeleton.
type PlanStepTemplate struct {
	Capability string   `json:"capability"`
	RiskTier   RiskTier `json:"risk_tier"`
}

// IntentTemplate is a cached, risk-capped plan skeleton reused for
// recurring intents once proven reliable.
//
// Lifecycle: created inactive; promoted to active when SuccessCount
// reaches the configured promotion threshold; deactivated when
// FailureCount exceeds SuccessCount or on explicit invalidation.
type IntentTemplate struct {
	TemplateID         string             `json:"template_id"`
	IntentPattern      string             `json:"intent_pattern"`
	PlanSkeleton       []PlanStepTemplate `json:"plan_skeleton"`
	MaxRiskTier        RiskTier           `json:"max_risk_tier"`
	SuccessCount       int                `json:"success_count"`
	FailureCount       int                `json:"failure_count"`
	Active             bool               `json:"active"`
	InvalidationReason string             `json:"invalidation_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	LastUsed           *time.Time         `json:"last_used,omitempty"`
}
