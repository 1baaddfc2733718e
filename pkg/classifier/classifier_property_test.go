//go:build property
// +build property

package classifier_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lancelot-labs/lancelot/core/pkg/classifier"
	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
	"github.com/lancelot-labs/lancelot/core/pkg/soul"
)

// TestClassify_UnknownAlwaysIrreversible verifies the fail-closed default.
// Property: any capability outside the default table classifies T3.
func TestClassify_UnknownAlwaysIrreversible(t *testing.T) {
	c, err := classifier.New(classifier.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	known := map[string]bool{}
	for _, capability := range c.KnownCapabilities() {
		known[capability] = true
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unknown capabilities classify as T3", prop.ForAll(
		func(capability, scope, target string) bool {
			if known[capability] {
				return true
			}
			return c.Classify(capability, scope, target).Tier == contracts.TierIrreversible
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestClassify_DeterministicAndPure verifies classification is a pure
// function of its inputs.
func TestClassify_DeterministicAndPure(t *testing.T) {
	c, err := classifier.New(classifier.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Classify(x) == Classify(x)", prop.ForAll(
		func(capability, scope, target string) bool {
			a := c.Classify(capability, scope, target)
			b := c.Classify(capability, scope, target)
			return a.Tier == b.Tier && a.Reversible == b.Reversible
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestSoulOverlay_NeverLowersTier verifies the additive-only rule:
// for any overlay, the classified tier is >= the tier without it.
func TestSoulOverlay_NeverLowersTier(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	capabilities := []string{"fs.read", "fs.write", "fs.delete", "shell.exec", "net.fetch", "memory.write"}

	properties.Property("overlay tiers are monotonically non-decreasing", prop.ForAll(
		func(capIdx int, escalateTo int, scope string) bool {
			base, err := classifier.New(classifier.DefaultConfig())
			if err != nil {
				return false
			}
			capability := capabilities[capIdx%len(capabilities)]
			before := base.Classify(capability, scope, "").Tier

			overlay := &soul.Overlay{
				Version: "1.0.0",
				Governance: soul.Governance{
					Escalations: []soul.EscalationRule{
						{Capability: capability, EscalateTo: contracts.RiskTier(escalateTo % 4)},
					},
				},
			}
			if err := base.UpdateSoul(overlay); err != nil {
				return false
			}
			after := base.Classify(capability, scope, "").Tier
			return after >= before
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 3),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
