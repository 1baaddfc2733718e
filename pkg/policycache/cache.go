// Package policycache precompiles low-risk policy decisions.
//
// At boot (and after every Soul swap) the cache runs every known T0/T1
// capability × scope combination through the classifier and stores the
// resulting allow decisions. T2/T3 decisions are structurally uncacheable:
// the insert path refuses them, so controlled and irreversible actions are
// always freshly evaluated.
package policycache

import (
	"log/slog"
	"sync"

	"github.com/lancelot-labs/lancelot/core/pkg/classifier"
	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Decision is one precompiled allow decision for a T0/T1 capability.
type Decision struct {
	Capability  string             `json:"capability"`
	Scope       string             `json:"scope,omitempty"`
	Tier        contracts.RiskTier `json:"tier"`
	Decision    string             `json:"decision"`
	SoulVersion string             `json:"soul_version,omitempty"`
}

// VersionSource reports the live Soul version, used to detect stale
// entries when validation is enabled. *classifier.Classifier satisfies it.
type VersionSource interface {
	SoulVersion() string
}

// Cache is a per-session lookup table of precompiled policy decisions.
type Cache struct {
	mu                  sync.RWMutex
	entries             map[string]*Decision
	scopes              []string
	hits                int64
	misses              int64
	soulVersion         string
	validateSoulVersion bool
	liveVersion         VersionSource
	logger              *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithScopes sets the scope set enumerated at compile time. The empty
// scope is always included.
func WithScopes(scopes ...string) Option {
	return func(c *Cache) { c.scopes = scopes }
}

// WithSoulValidation makes every lookup compare the entry's stored Soul
// version against the live version from src; a mismatch is a miss.
func WithSoulValidation(src VersionSource) Option {
	return func(c *Cache) {
		c.validateSoulVersion = true
		c.liveVersion = src
	}
}

// New creates an empty policy cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Decision),
		logger:  slog.Default().With("component", "policycache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recompile rebuilds the cache from scratch against the classifier and
// records the Soul version the entries were compiled under. Returns the
// number of entries cached.
func (c *Cache) Recompile(cls *classifier.Classifier, soulVersion string) int {
	scopes := append([]string{""}, c.scopes...)

	fresh := make(map[string]*Decision)
	for _, capability := range cls.KnownCapabilities() {
		for _, scope := range scopes {
			profile := cls.Classify(capability, scope, "")
			entry, ok := newDecision(profile, soulVersion)
			if !ok {
				continue
			}
			fresh[cacheKey(capability, scope)] = entry
		}
	}

	c.mu.Lock()
	c.entries = fresh
	c.soulVersion = soulVersion
	c.mu.Unlock()

	c.logger.Info("policy cache recompiled",
		"entries", len(fresh),
		"soul_version", soulVersion)
	return len(fresh)
}

// Lookup returns the cached decision for (capability, scope), or nil on a
// miss. Every call increments exactly one of the hit/miss counters. When
// Soul validation is enabled, an entry compiled under a different Soul
// version than the live one is never served.
func (c *Cache) Lookup(capability, scope string) *Decision {
	live := ""
	if c.validateSoulVersion && c.liveVersion != nil {
		live = c.liveVersion.SoulVersion()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(capability, scope)]
	if !ok || entry.Tier > contracts.TierReversible {
		c.misses++
		return nil
	}
	if c.validateSoulVersion && entry.SoulVersion != live {
		c.misses++
		return nil
	}
	c.hits++
	return entry
}

// Invalidate clears all entries and resets the hit/miss counters.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Decision)
	c.hits = 0
	c.misses = 0
	c.soulVersion = ""
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits returns the hit counter.
func (c *Cache) Hits() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits
}

// Misses returns the miss counter.
func (c *Cache) Misses() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.misses
}

// HitRate returns hits / (hits + misses), or 0 when no lookups happened.
func (c *Cache) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// SoulVersion returns the Soul version the current entries were compiled
// under.
func (c *Cache) SoulVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.soulVersion
}

// newDecision converts a classification into a cacheable decision. It is
// the only constructor for Decision values entering the cache and refuses
// T2/T3 profiles, so higher tiers cannot appear in the table regardless of
// classifier output.
func newDecision(profile *contracts.ActionRiskProfile, soulVersion string) (*Decision, bool) {
	if profile.Tier > contracts.TierReversible {
		return nil, false
	}
	return &Decision{
		Capability:  profile.Capability,
		Scope:       profile.Scope,
		Tier:        profile.Tier,
		Decision:    "allow",
		SoulVersion: soulVersion,
	}, true
}

func cacheKey(capability, scope string) string {
	return capability + "\x00" + scope
}
