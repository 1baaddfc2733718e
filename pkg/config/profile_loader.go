package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Profile is a named governance posture (e.g. "strict", "standard") that
// overrides parts of the base configuration. Zero-valued fields leave the
// base untouched.
type Profile struct {
	Name                string   `yaml:"name"`
	BufferSize          int      `yaml:"buffer_size,omitempty"`
	QueueMaxDepth       int      `yaml:"queue_max_depth,omitempty"`
	PromotionThreshold  int      `yaml:"promotion_threshold,omitempty"`
	MaxTemplateRiskTier *int     `yaml:"max_template_risk_tier,omitempty"`
	FlushOnTierBoundary *bool    `yaml:"flush_on_tier_boundary,omitempty"`
	ValidateSoulVersion *bool    `yaml:"validate_soul_version,omitempty"`
	CacheScopes         []string `yaml:"cache_scopes,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays the profile's set fields onto the configuration. The
// result must still pass Validate.
func (p *Profile) Apply(cfg *Config) {
	if p.BufferSize > 0 {
		cfg.BufferSize = p.BufferSize
	}
	if p.QueueMaxDepth > 0 {
		cfg.QueueMaxDepth = p.QueueMaxDepth
	}
	if p.PromotionThreshold > 0 {
		cfg.PromotionThreshold = p.PromotionThreshold
	}
	if p.MaxTemplateRiskTier != nil {
		cfg.MaxTemplateRiskTier = contracts.RiskTier(*p.MaxTemplateRiskTier)
	}
	if p.FlushOnTierBoundary != nil {
		cfg.FlushOnTierBoundary = *p.FlushOnTierBoundary
	}
	if p.ValidateSoulVersion != nil {
		cfg.ValidateSoulVersion = *p.ValidateSoulVersion
	}
	if len(p.CacheScopes) > 0 {
		cfg.CacheScopes = p.CacheScopes
	}
}
