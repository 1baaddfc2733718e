package contracts

import "testing"

func TestRiskTier_Ordering(t *testing.T) {
	if !(TierInert < TierReversible && TierReversible < TierControlled && TierControlled < TierIrreversible) {
		t.Fatal("tier ordering broken")
	}
}

func TestRiskTier_String(t *testing.T) {
	cases := map[RiskTier]string{
		TierInert:        "T0_INERT",
		TierReversible:   "T1_REVERSIBLE",
		TierControlled:   "T2_CONTROLLED",
		TierIrreversible: "T3_IRREVERSIBLE",
		RiskTier(99):     "T3_IRREVERSIBLE", // out of range renders as the ceiling
	}
	for tier, want := range cases {
		if got := tier.String(); got != want {
			t.Errorf("(%d).String() = %q, want %q", int(tier), got, want)
		}
	}
}

func TestRiskTier_Valid(t *testing.T) {
	for tier := TierInert; tier <= TierIrreversible; tier++ {
		if !tier.Valid() {
			t.Errorf("%s reported invalid", tier)
		}
	}
	if RiskTier(-1).Valid() || RiskTier(4).Valid() {
		t.Error("out-of-range tier reported valid")
	}
}

func TestClassification_DerivedRequirements(t *testing.T) {
	cases := []struct {
		tier       RiskTier
		syncVerify bool
		approval   bool
		batchable  bool
	}{
		{TierInert, false, false, true},
		{TierReversible, false, false, true},
		{TierControlled, true, false, false},
		{TierIrreversible, true, true, false},
	}
	for _, tc := range cases {
		c := tc.tier.Classification()
		if c.RequiresSyncVerify != tc.syncVerify || c.RequiresApproval != tc.approval || c.BatchableReceipt != tc.batchable {
			t.Errorf("%s classification = %+v", tc.tier, c)
		}
		if c.Tier != tc.tier || c.Label != tc.tier.Label() {
			t.Errorf("%s classification identity fields wrong: %+v", tc.tier, c)
		}
	}
}

func TestDrainResult_Clear(t *testing.T) {
	cases := []struct {
		d    DrainResult
		want bool
	}{
		{DrainResult{DrainedCount: 3, Passed: 3}, true},
		{DrainResult{DrainedCount: 3, Passed: 2, Failed: 1}, false},
		{DrainResult{DrainedCount: 1, Passed: 1, TimedOut: true}, false},
		{DrainResult{}, true},
	}
	for _, tc := range cases {
		if got := tc.d.Clear(); got != tc.want {
			t.Errorf("Clear(%+v) = %v, want %v", tc.d, got, tc.want)
		}
	}
}
