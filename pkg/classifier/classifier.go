// Package classifier assigns a risk tier to every requested capability.
//
// Classification is fail-closed: any capability string outside the known
// default table — including empty, injected, path-traversal, or
// homoglyph-obfuscated strings — resolves to T3_IRREVERSIBLE. Escalation
// rules (static scope rules, target patterns, and the dynamic Soul overlay)
// can only raise a tier, never lower it.
package classifier

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
	"github.com/lancelot-labs/lancelot/core/pkg/soul"
)

// ScopeRule escalates a capability executed in a specific scope.
// Capability supports "*" glob segments (e.g. "fs.*").
type ScopeRule struct {
	Capability string             `json:"capability" yaml:"capability"`
	Scope      string             `json:"scope" yaml:"scope"`
	EscalateTo contracts.RiskTier `json:"escalate_to" yaml:"escalate_to"`
}

// TargetRule escalates actions whose target matches a glob pattern,
// independent of scope (e.g. "*.secret", ".env*").
type TargetRule struct {
	Capability string             `json:"capability,omitempty" yaml:"capability,omitempty"` // empty = any
	Pattern    string             `json:"pattern" yaml:"pattern"`
	EscalateTo contracts.RiskTier `json:"escalate_to" yaml:"escalate_to"`
}

// Config holds the static classification policy.
type Config struct {
	Defaults    map[string]contracts.RiskTier `json:"defaults" yaml:"defaults"`
	ScopeRules  []ScopeRule                   `json:"scope_rules" yaml:"scope_rules"`
	TargetRules []TargetRule                  `json:"target_rules" yaml:"target_rules"`
}

// DefaultConfig returns the reference deployment's classification policy:
// the 14-capability default table plus the stock escalation rules.
func DefaultConfig() Config {
	return Config{
		Defaults: map[string]contracts.RiskTier{
			"fs.read":      contracts.TierInert,
			"fs.list":      contracts.TierInert,
			"fs.write":     contracts.TierReversible,
			"fs.append":    contracts.TierReversible,
			"fs.delete":    contracts.TierControlled,
			"git.status":   contracts.TierInert,
			"git.diff":     contracts.TierInert,
			"git.commit":   contracts.TierReversible,
			"git.push":     contracts.TierControlled,
			"shell.exec":   contracts.TierControlled,
			"net.fetch":    contracts.TierReversible,
			"net.request":  contracts.TierControlled,
			"memory.read":  contracts.TierInert,
			"memory.write": contracts.TierReversible,
		},
		ScopeRules: []ScopeRule{
			{Capability: "fs.*", Scope: "outside_workspace", EscalateTo: contracts.TierIrreversible},
			{Capability: "shell.exec", Scope: "unrestricted", EscalateTo: contracts.TierIrreversible},
			{Capability: "memory.write", Scope: "global", EscalateTo: contracts.TierControlled},
			{Capability: "net.*", Scope: "external", EscalateTo: contracts.TierControlled},
		},
		TargetRules: []TargetRule{
			{Pattern: "*.secret", EscalateTo: contracts.TierIrreversible},
			{Pattern: ".env*", EscalateTo: contracts.TierIrreversible},
			{Pattern: "*.pem", EscalateTo: contracts.TierIrreversible},
			{Pattern: "*id_rsa*", EscalateTo: contracts.TierIrreversible},
		},
	}
}

type compiledScopeRule struct {
	capability *regexp.Regexp
	scope      string
	escalateTo contracts.RiskTier
}

type compiledTargetRule struct {
	capability *regexp.Regexp // nil = any
	pattern    *regexp.Regexp
	escalateTo contracts.RiskTier
}

type compiledSoulRule struct {
	rule    soul.EscalationRule
	pattern *regexp.Regexp // nil when rule has no pattern
	program cel.Program    // nil when rule has no expression
}

// Classifier maps (capability, scope, target) to an ActionRiskProfile.
type Classifier struct {
	mu          sync.RWMutex
	defaults    map[string]contracts.RiskTier
	scopeRules  []compiledScopeRule
	targetRules []compiledTargetRule
	soulVersion string
	soulRules   []compiledSoulRule
	env         *cel.Env
	programs    map[string]cel.Program
	clock       func() time.Time
	logger      *slog.Logger
}

// New creates a classifier from a static policy config.
func New(cfg Config) (*Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("capability", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("classifier: create CEL environment: %w", err)
	}

	c := &Classifier{
		defaults: make(map[string]contracts.RiskTier, len(cfg.Defaults)),
		env:      env,
		programs: make(map[string]cel.Program),
		clock:    time.Now,
		logger:   slog.Default().With("component", "classifier"),
	}
	for capability, tier := range cfg.Defaults {
		if !tier.Valid() {
			return nil, fmt.Errorf("classifier: default tier for %q out of range: %d", capability, tier)
		}
		c.defaults[capability] = tier
	}
	for _, rule := range cfg.ScopeRules {
		if !rule.EscalateTo.Valid() {
			return nil, fmt.Errorf("classifier: scope rule %q escalate_to out of range", rule.Capability)
		}
		c.scopeRules = append(c.scopeRules, compiledScopeRule{
			capability: compileGlob(rule.Capability),
			scope:      rule.Scope,
			escalateTo: rule.EscalateTo,
		})
	}
	for _, rule := range cfg.TargetRules {
		if !rule.EscalateTo.Valid() {
			return nil, fmt.Errorf("classifier: target rule %q escalate_to out of range", rule.Pattern)
		}
		compiled := compiledTargetRule{
			pattern:    compileGlob(rule.Pattern),
			escalateTo: rule.EscalateTo,
		}
		if rule.Capability != "" {
			compiled.capability = compileGlob(rule.Capability)
		}
		c.targetRules = append(c.targetRules, compiled)
	}
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Classifier) WithClock(clock func() time.Time) *Classifier {
	c.clock = clock
	return c
}

// Classify maps a (capability, scope, target) triple to an immutable
// ActionRiskProfile. Unknown capabilities default to T3 — never fail-open.
func (c *Classifier) Classify(capability, scope, target string) *contracts.ActionRiskProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profile := &contracts.ActionRiskProfile{
		Capability:   capability,
		Scope:        scope,
		Target:       target,
		ClassifiedAt: c.clock().UTC(),
	}

	tier, known := c.defaults[capability]
	if !known {
		profile.Tier = contracts.TierIrreversible
		profile.Reversible = false
		return profile
	}

	for _, rule := range c.scopeRules {
		if scope != "" && rule.scope == scope && rule.capability.MatchString(capability) {
			tier = maxTier(tier, rule.escalateTo)
		}
	}

	for _, rule := range c.targetRules {
		if target == "" || !rule.pattern.MatchString(target) {
			continue
		}
		if rule.capability != nil && !rule.capability.MatchString(capability) {
			continue
		}
		tier = maxTier(tier, rule.escalateTo)
	}

	for _, sr := range c.soulRules {
		escalated, reason := c.soulRuleApplies(sr, capability, scope, target)
		if !escalated {
			continue
		}
		// Additive-only: a Soul rule below the current tier is ignored.
		if sr.rule.EscalateTo > tier {
			tier = sr.rule.EscalateTo
			profile.SoulEscalation = reason
		}
	}

	profile.Tier = tier
	profile.Reversible = tier.Reversible()
	return profile
}

// KnownCapabilities returns the sorted default capability set, used by the
// policy cache for precompilation.
func (c *Classifier) KnownCapabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	caps := make([]string, 0, len(c.defaults))
	for capability := range c.defaults {
		caps = append(caps, capability)
	}
	sort.Strings(caps)
	return caps
}

// SoulVersion returns the version of the active Soul overlay, or "" when
// no overlay is installed.
func (c *Classifier) SoulVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.soulVersion
}

// UpdateSoul swaps the dynamic policy overlay. All CEL expressions are
// compiled up front so a malformed overlay is rejected wholesale rather
// than failing rule-by-rule at classification time.
func (c *Classifier) UpdateSoul(overlay *soul.Overlay) error {
	if overlay == nil {
		c.mu.Lock()
		c.soulVersion = ""
		c.soulRules = nil
		c.mu.Unlock()
		return nil
	}

	compiled := make([]compiledSoulRule, 0, len(overlay.Governance.Escalations))
	for i, rule := range overlay.Governance.Escalations {
		if !rule.EscalateTo.Valid() {
			return fmt.Errorf("classifier: soul rule %d escalate_to out of range: %d", i, rule.EscalateTo)
		}
		sr := compiledSoulRule{rule: rule}
		if rule.Pattern != "" {
			sr.pattern = compileGlob(rule.Pattern)
		}
		if rule.Expression != "" {
			program, err := c.compileExpression(rule.Expression)
			if err != nil {
				return fmt.Errorf("classifier: soul rule %d: %w", i, err)
			}
			sr.program = program
		}
		compiled = append(compiled, sr)
	}

	c.mu.Lock()
	c.soulVersion = overlay.Version
	c.soulRules = compiled
	c.mu.Unlock()

	c.logger.Info("soul overlay installed",
		"version", overlay.Version,
		"escalations", len(compiled))
	return nil
}

func (c *Classifier) soulRuleApplies(sr compiledSoulRule, capability, scope, target string) (bool, string) {
	if sr.rule.Capability != capability {
		return false, ""
	}
	if sr.rule.Scope != "" && sr.rule.Scope != scope {
		return false, ""
	}
	if sr.pattern != nil && !sr.pattern.MatchString(target) {
		return false, ""
	}
	if sr.program != nil {
		out, _, err := sr.program.Eval(map[string]any{
			"capability": capability,
			"scope":      scope,
			"target":     target,
		})
		if err != nil {
			// Fail-closed: an expression we cannot evaluate counts as a
			// match so the escalation still applies.
			c.logger.Warn("soul expression evaluation failed, escalating",
				"capability", capability, "error", err)
			return true, fmt.Sprintf("soul rule (expression error: %v)", err)
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			return false, ""
		}
	}

	reason := sr.rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("soul escalation for %s", sr.rule.Capability)
	}
	return true, reason
}

func (c *Classifier) compileExpression(expr string) (cel.Program, error) {
	c.mu.RLock()
	program, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, issues.Err())
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program expression %q: %w", expr, err)
	}
	c.mu.Lock()
	c.programs[expr] = program
	c.mu.Unlock()
	return program, nil
}

// compileGlob converts a "*"-glob into an anchored regexp, the same way
// hosts are matched in perimeter policies.
func compileGlob(pattern string) *regexp.Regexp {
	escaped := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), "\\*", ".*") + "$"
	return regexp.MustCompile(escaped)
}

func maxTier(a, b contracts.RiskTier) contracts.RiskTier {
	if b > a {
		return b
	}
	return a
}
