// Package config holds the governance core's typed configuration.
//
// Configuration is read once at boot — environment variables layered over
// defaults, optionally overridden by a YAML governance profile — and
// validated with explicit bounds checks before any subsystem is built.
// Validation failures are fatal at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lancelot-labs/lancelot/core/pkg/classifier"
	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Config is the governance configuration object.
type Config struct {
	// Classification policy: defaults table plus escalation rules.
	Classifier classifier.Config `yaml:"classifier"`

	// Verification queue.
	QueueMaxDepth        int  `yaml:"queue_max_depth"`
	FallbackToSyncOnFull bool `yaml:"fallback_to_sync_on_full"`
	// MaxWorkers is reserved for a future worker-pool substrate; the
	// queue currently drains synchronously on the caller's goroutine.
	MaxWorkers       int     `yaml:"max_workers"`
	VerifyRatePerSec float64 `yaml:"verify_rate_per_sec"`

	// Batch receipt buffer.
	ReceiptDir          string `yaml:"receipt_dir"`
	BufferSize          int    `yaml:"buffer_size"`
	FlushOnTierBoundary bool   `yaml:"flush_on_tier_boundary"`

	// Intent templates.
	TemplatePath        string             `yaml:"template_path"`
	PromotionThreshold  int                `yaml:"promotion_threshold"`
	MaxTemplateRiskTier contracts.RiskTier `yaml:"max_template_risk_tier"`
	TemplateStaleAfter  time.Duration      `yaml:"template_stale_after"`

	// Policy cache.
	ValidateSoulVersion bool     `yaml:"validate_soul_version"`
	CacheScopes         []string `yaml:"cache_scopes"`

	// Approval gate.
	ApprovalTTL        time.Duration `yaml:"approval_ttl"`
	ApprovalSigningKey string        `yaml:"approval_signing_key"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the reference deployment configuration.
func Default() *Config {
	return &Config{
		Classifier:           classifier.DefaultConfig(),
		QueueMaxDepth:        64,
		FallbackToSyncOnFull: true,
		MaxWorkers:           1,
		ReceiptDir:           "receipts",
		BufferSize:           10,
		FlushOnTierBoundary:  true,
		TemplatePath:         "intent_templates.json",
		PromotionThreshold:   3,
		MaxTemplateRiskTier:  contracts.TierReversible,
		TemplateStaleAfter:   30 * 24 * time.Hour,
		ValidateSoulVersion:  true,
		CacheScopes:          []string{"workspace"},
		ApprovalTTL:          5 * time.Minute,
		LogLevel:             "INFO",
	}
}

// Load builds the configuration from defaults overridden by environment
// variables.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("LANCELOT_RECEIPT_DIR"); v != "" {
		cfg.ReceiptDir = v
	}
	if v := os.Getenv("LANCELOT_TEMPLATE_PATH"); v != "" {
		cfg.TemplatePath = v
	}
	if v := os.Getenv("LANCELOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LANCELOT_APPROVAL_SIGNING_KEY"); v != "" {
		cfg.ApprovalSigningKey = v
	}
	if v, ok := lookupInt("LANCELOT_QUEUE_MAX_DEPTH"); ok {
		cfg.QueueMaxDepth = v
	}
	if v, ok := lookupInt("LANCELOT_BUFFER_SIZE"); ok {
		cfg.BufferSize = v
	}
	if v, ok := lookupInt("LANCELOT_PROMOTION_THRESHOLD"); ok {
		cfg.PromotionThreshold = v
	}
	if v, ok := lookupInt("LANCELOT_MAX_WORKERS"); ok {
		cfg.MaxWorkers = v
	}
	if v := os.Getenv("LANCELOT_FALLBACK_TO_SYNC_ON_FULL"); v != "" {
		cfg.FallbackToSyncOnFull = v == "true"
	}
	if v := os.Getenv("LANCELOT_FLUSH_ON_TIER_BOUNDARY"); v != "" {
		cfg.FlushOnTierBoundary = v == "true"
	}
	if v := os.Getenv("LANCELOT_VALIDATE_SOUL_VERSION"); v != "" {
		cfg.ValidateSoulVersion = v == "true"
	}
	return cfg
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate bounds-checks every field. It is called once at boot; any
// error is fatal.
func (c *Config) Validate() error {
	if c.QueueMaxDepth < 0 {
		return fmt.Errorf("config: queue_max_depth must be >= 0, got %d", c.QueueMaxDepth)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.VerifyRatePerSec < 0 {
		return fmt.Errorf("config: verify_rate_per_sec must be >= 0, got %g", c.VerifyRatePerSec)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.PromotionThreshold < 1 {
		return fmt.Errorf("config: promotion_threshold must be >= 1, got %d", c.PromotionThreshold)
	}
	if !c.MaxTemplateRiskTier.Valid() {
		return fmt.Errorf("config: max_template_risk_tier out of range: %d", c.MaxTemplateRiskTier)
	}
	if c.TemplateStaleAfter < 0 {
		return fmt.Errorf("config: template_stale_after must be >= 0")
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("config: approval_ttl must be positive, got %s", c.ApprovalTTL)
	}
	if c.ReceiptDir == "" {
		return fmt.Errorf("config: receipt_dir must not be empty")
	}
	if c.TemplatePath == "" {
		return fmt.Errorf("config: template_path must not be empty")
	}
	for capability, tier := range c.Classifier.Defaults {
		if !tier.Valid() {
			return fmt.Errorf("config: default tier for %q out of range: %d", capability, tier)
		}
	}
	for _, rule := range c.Classifier.ScopeRules {
		if !rule.EscalateTo.Valid() {
			return fmt.Errorf("config: scope rule %q/%q escalate_to out of range: %d", rule.Capability, rule.Scope, rule.EscalateTo)
		}
	}
	for _, rule := range c.Classifier.TargetRules {
		if !rule.EscalateTo.Valid() {
			return fmt.Errorf("config: target rule %q escalate_to out of range: %d", rule.Pattern, rule.EscalateTo)
		}
	}
	return nil
}
