// Package soul defines the dynamic policy overlay ("Soul") and its loader.
//
// A Soul overlay is a versioned document of escalation rules layered on top
// of the static risk classification defaults. Rules are additive-only: a
// rule can raise a capability's tier above its static default but can never
// lower it. Overlays are swapped live via Classifier.UpdateSoul.
package soul

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// EscalationRule raises the tier of matching actions. A rule matches when
// the capability equals Capability, the scope (if Scope is set) equals
// Scope, the target (if Pattern is set) matches the glob Pattern, and the
// CEL Expression (if set) evaluates true over {capability, scope, target}.
type EscalationRule struct {
	Capability string             `json:"capability"`
	Pattern    string             `json:"pattern,omitempty"`
	Scope      string             `json:"scope,omitempty"`
	Expression string             `json:"expression,omitempty"`
	EscalateTo contracts.RiskTier `json:"escalate_to"`
	Reason     string             `json:"reason,omitempty"`
}

// Governance holds the governance section of an overlay.
type Governance struct {
	Escalations []EscalationRule `json:"escalations"`
}

// Overlay is one versioned Soul document.
type Overlay struct {
	Version    string     `json:"version"`
	Governance Governance `json:"governance"`
}

// overlaySchema validates the raw document shape before decoding. Tier
// values are constrained to the closed range 0..3 here so a malformed
// overlay fails at load time, not at classification time.
const overlaySchema = `{
  "type": "object",
  "required": ["version", "governance"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "governance": {
      "type": "object",
      "required": ["escalations"],
      "properties": {
        "escalations": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["capability", "escalate_to"],
            "properties": {
              "capability": {"type": "string", "minLength": 1},
              "pattern": {"type": "string"},
              "scope": {"type": "string"},
              "expression": {"type": "string"},
              "escalate_to": {"type": "integer", "minimum": 0, "maximum": 3},
              "reason": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("soul_overlay.json", overlaySchema)

// Parse validates and decodes a raw overlay document.
func Parse(data []byte) (*Overlay, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("soul: parse overlay: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("soul: overlay failed schema validation: %w", err)
	}

	var overlay Overlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("soul: decode overlay: %w", err)
	}
	if _, err := semver.NewVersion(overlay.Version); err != nil {
		return nil, fmt.Errorf("soul: overlay version %q is not semver: %w", overlay.Version, err)
	}
	return &overlay, nil
}

// Loader loads Soul overlays from disk and guards against version
// regressions: once an overlay is loaded, a later load with a lower semver
// version is rejected.
type Loader struct {
	mu       sync.Mutex
	current  *Overlay
	onReload func(*Overlay)
}

// NewLoader creates a Soul overlay loader.
func NewLoader() *Loader {
	return &Loader{}
}

// OnReload registers a callback invoked after every successful load. The
// engine uses this to invalidate the policy cache and intent templates.
func (l *Loader) OnReload(fn func(*Overlay)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadFile loads one overlay JSON file, rejecting version downgrades.
func (l *Loader) LoadFile(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("soul: read %s: %w", path, err)
	}
	overlay, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("soul: load %s: %w", filepath.Base(path), err)
	}
	return l.install(overlay)
}

// LoadDir loads the highest-versioned *.json overlay from a directory.
func (l *Loader) LoadDir(dir string) (*Overlay, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	var best *Overlay
	for _, path := range matches {
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("soul: read %s: %w", path, err)
		}
		overlay, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("soul: load %s: %w", filepath.Base(path), err)
		}
		if best == nil || mustVersion(overlay.Version).GreaterThan(mustVersion(best.Version)) {
			best = overlay
		}
	}
	if best == nil {
		return nil, fmt.Errorf("soul: no overlay files in %s", dir)
	}
	return l.install(best)
}

// Current returns the active overlay, or nil if none is loaded.
func (l *Loader) Current() *Overlay {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) install(overlay *Overlay) (*Overlay, error) {
	l.mu.Lock()
	if l.current != nil {
		cur := mustVersion(l.current.Version)
		next := mustVersion(overlay.Version)
		if next.LessThan(cur) {
			l.mu.Unlock()
			return nil, fmt.Errorf("soul: version regression %s -> %s rejected", l.current.Version, overlay.Version)
		}
	}
	l.current = overlay
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(overlay)
	}
	return overlay, nil
}

func mustVersion(v string) *semver.Version {
	// Parse already validated the version string.
	parsed, _ := semver.NewVersion(v)
	return parsed
}
