// Package templates caches risk-capped plan skeletons for recurring
// intents.
//
// A template starts as an inactive candidate, is promoted to active once
// its success count reaches the promotion threshold, and is deactivated
// when failures outnumber successes or on explicit invalidation (e.g. a
// Soul swap). Candidates whose steps exceed the configured risk ceiling
// are rejected at creation: cached plans can never silently escalate risk.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Registry errors.
var (
	ErrTemplateNotFound = errors.New("templates: template not found")
	ErrStepTierTooHigh  = errors.New("templates: step risk tier exceeds template ceiling")
	ErrEmptyIntent      = errors.New("templates: intent pattern is empty")
	ErrNoSteps          = errors.New("templates: plan skeleton is empty")
)

// Config bounds the registry.
type Config struct {
	// Path of the persisted intent_templates.json file.
	Path string
	// PromotionThreshold is the success count at which a candidate
	// becomes active.
	PromotionThreshold int
	// MaxTemplateRiskTier is the highest step tier a template may encode.
	MaxTemplateRiskTier contracts.RiskTier
	// StaleAfter prunes templates unused for this long. Zero disables
	// age-based pruning.
	StaleAfter time.Duration
}

// Registry is the intent template store for one deployment. State
// persists to disk as JSON and reloads identically on restart.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	templates map[string]*contracts.IntentTemplate
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a registry, loading any previously persisted state.
func New(cfg Config) (*Registry, error) {
	if cfg.PromotionThreshold < 1 {
		return nil, fmt.Errorf("templates: promotion threshold must be >= 1, got %d", cfg.PromotionThreshold)
	}
	if !cfg.MaxTemplateRiskTier.Valid() {
		return nil, fmt.Errorf("templates: max template risk tier out of range: %d", cfg.MaxTemplateRiskTier)
	}

	r := &Registry{
		cfg:       cfg,
		templates: make(map[string]*contracts.IntentTemplate),
		clock:     time.Now,
		logger:    slog.Default().With("component", "templates"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// CreateCandidate registers an inactive template for an intent. The
// initial success count is 1: a candidate only exists because its plan
// just succeeded once. Any step above the configured risk ceiling is a
// hard, caller-visible rejection — silently truncating or downgrading a
// risk-bearing step would be a safety violation.
func (r *Registry) CreateCandidate(intent string, steps []contracts.PlanStepTemplate) (string, error) {
	if strings.TrimSpace(intent) == "" {
		return "", ErrEmptyIntent
	}
	if len(steps) == 0 {
		return "", ErrNoSteps
	}
	for i, step := range steps {
		if step.RiskTier > r.cfg.MaxTemplateRiskTier {
			return "", fmt.Errorf("%w: step %d (%s) is %s, ceiling is %s",
				ErrStepTierTooHigh, i, step.Capability, step.RiskTier, r.cfg.MaxTemplateRiskTier)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tpl := &contracts.IntentTemplate{
		TemplateID:    uuid.New().String(),
		IntentPattern: intent,
		PlanSkeleton:  append([]contracts.PlanStepTemplate(nil), steps...),
		MaxRiskTier:   r.cfg.MaxTemplateRiskTier,
		SuccessCount:  1,
		CreatedAt:     r.clock().UTC(),
	}
	r.promoteLocked(tpl)
	r.templates[tpl.TemplateID] = tpl

	if err := r.persistLocked(); err != nil {
		delete(r.templates, tpl.TemplateID)
		return "", err
	}
	return tpl.TemplateID, nil
}

// RecordSuccess increments a template's success count, promoting it when
// the count first reaches the promotion threshold.
func (r *Registry) RecordSuccess(templateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl, ok := r.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	tpl.SuccessCount++
	r.promoteLocked(tpl)
	return r.persistLocked()
}

// RecordFailure increments a template's failure count, deactivating it
// once failures exceed successes.
func (r *Registry) RecordFailure(templateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl, ok := r.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	tpl.FailureCount++
	if tpl.FailureCount > tpl.SuccessCount && tpl.Active {
		tpl.Active = false
		tpl.InvalidationReason = "failure count exceeded success count"
		r.logger.Info("template deactivated",
			"template_id", tpl.TemplateID,
			"successes", tpl.SuccessCount,
			"failures", tpl.FailureCount)
	}
	return r.persistLocked()
}

// Match returns the active template whose pattern occurs, case-
// insensitively, as a substring of the intent text. Inactive templates
// never match. Ties go to the template with the most successes, then the
// longest pattern. Matching stamps LastUsed.
func (r *Registry) Match(intentText string) *contracts.IntentTemplate {
	lowered := strings.ToLower(intentText)

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *contracts.IntentTemplate
	for _, tpl := range r.templates {
		if !tpl.Active {
			continue
		}
		if !strings.Contains(lowered, strings.ToLower(tpl.IntentPattern)) {
			continue
		}
		if best == nil || better(tpl, best) {
			best = tpl
		}
	}
	if best == nil {
		return nil
	}

	now := r.clock().UTC()
	best.LastUsed = &now
	if err := r.persistLocked(); err != nil {
		r.logger.Error("persist after match failed", "error", err)
	}

	clone := *best
	return &clone
}

// Get returns a template by ID.
func (r *Registry) Get(templateID string) (*contracts.IntentTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tpl, ok := r.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	clone := *tpl
	return &clone, nil
}

// Invalidate deactivates one template with a reason.
func (r *Registry) Invalidate(templateID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl, ok := r.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	tpl.Active = false
	tpl.InvalidationReason = reason
	return r.persistLocked()
}

// InvalidateAll deactivates every active template (e.g. on a policy/Soul
// change) and returns how many were deactivated.
func (r *Registry) InvalidateAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, tpl := range r.templates {
		if tpl.Active {
			tpl.Active = false
			tpl.InvalidationReason = reason
			count++
		}
	}
	if count > 0 {
		if err := r.persistLocked(); err != nil {
			r.logger.Error("persist after invalidate_all failed", "error", err)
		}
	}
	r.logger.Info("templates invalidated", "count", count, "reason", reason)
	return count
}

// CleanupStale removes templates unused for longer than the configured
// window (falling back to creation time for never-used templates) and
// returns how many were pruned.
func (r *Registry) CleanupStale() int {
	if r.cfg.StaleAfter <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().UTC().Add(-r.cfg.StaleAfter)
	pruned := 0
	for id, tpl := range r.templates {
		last := tpl.CreatedAt
		if tpl.LastUsed != nil && tpl.LastUsed.After(last) {
			last = *tpl.LastUsed
		}
		if last.Before(cutoff) {
			delete(r.templates, id)
			pruned++
		}
	}
	if pruned > 0 {
		if err := r.persistLocked(); err != nil {
			r.logger.Error("persist after cleanup failed", "error", err)
		}
	}
	return pruned
}

// Len returns the number of stored templates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.templates)
}

func (r *Registry) promoteLocked(tpl *contracts.IntentTemplate) {
	if !tpl.Active && tpl.InvalidationReason == "" && tpl.SuccessCount >= r.cfg.PromotionThreshold {
		tpl.Active = true
		r.logger.Info("template promoted",
			"template_id", tpl.TemplateID,
			"pattern", tpl.IntentPattern,
			"successes", tpl.SuccessCount)
	}
}

func better(a, b *contracts.IntentTemplate) bool {
	if a.SuccessCount != b.SuccessCount {
		return a.SuccessCount > b.SuccessCount
	}
	return len(a.IntentPattern) > len(b.IntentPattern)
}

// load reads the persisted template file, tolerating a missing file on
// first boot.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("templates: read %s: %w", r.cfg.Path, err)
	}

	var records []*contracts.IntentTemplate
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("templates: parse %s: %w", r.cfg.Path, err)
	}
	for _, tpl := range records {
		r.templates[tpl.TemplateID] = tpl
	}
	return nil
}

// persistLocked rewrites the whole template file. Records are sorted by
// creation time then ID so the file is deterministic.
func (r *Registry) persistLocked() error {
	records := make([]*contracts.IntentTemplate, 0, len(r.templates))
	for _, tpl := range r.templates {
		records = append(records, tpl)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].TemplateID < records[j].TemplateID
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("templates: marshal registry: %w", err)
	}
	tmp := r.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("templates: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.cfg.Path); err != nil {
		return fmt.Errorf("templates: finalize %s: %w", r.cfg.Path, err)
	}
	return nil
}
