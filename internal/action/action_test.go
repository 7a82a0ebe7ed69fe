package action

import "testing"

func TestKindOrdering(t *testing.T) {
	ordered := []Kind{KindObserve, KindProbe, KindPropose, KindWriteSandbox, KindWriteProd}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i].AtLeast(ordered[i-1]) {
			t.Errorf("%v should be at least %v", ordered[i], ordered[i-1])
		}
		if ordered[i-1].AtLeast(ordered[i]) {
			t.Errorf("%v should not be at least %v", ordered[i-1], ordered[i])
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindObserve, KindProbe, KindPropose, KindWriteSandbox, KindWriteProd} {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("round trip %v -> %v", k, parsed)
		}
	}

	if _, err := ParseKind("rm-rf"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRiskFor(t *testing.T) {
	cases := map[Kind]RiskLevel{
		KindObserve:      RiskLow,
		KindProbe:        RiskLow,
		KindPropose:      RiskMedium,
		KindWriteSandbox: RiskMedium,
		KindWriteProd:    RiskHigh,
	}
	for k, want := range cases {
		if got := RiskFor(k); got != want {
			t.Errorf("RiskFor(%v) = %v, want %v", k, got, want)
		}
	}
}
