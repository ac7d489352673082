package domain

import "testing"

func TestRuleBandContains(t *testing.T) {
	five, eight := 5.0, 8.0
	bands := []struct {
		name string
		band RuleBand
		in   []float64
		out  []float64
	}{
		{"Below", RuleBand{UpperLimit: &five}, []float64{0, 4.99}, []float64{5, -1}},
		{"Between", RuleBand{LowerLimit: &five, UpperLimit: &eight}, []float64{5, 7.5}, []float64{4.99, 8}},
		{"Above", RuleBand{LowerLimit: &eight}, []float64{8, 1e9}, []float64{7.99}},
	}

	for _, tt := range bands {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.in {
				if !tt.band.Contains(s) {
					t.Errorf("expected %v inside band", s)
				}
			}
			for _, s := range tt.out {
				if tt.band.Contains(s) {
					t.Errorf("expected %v outside band", s)
				}
			}
		})
	}
}

func TestRuleResultTriggered(t *testing.T) {
	for outcome, want := range map[string]bool{
		RuleOutcomePass:   false,
		RuleOutcomeReview: true,
		RuleOutcomeFail:   true,
		RuleOutcomeError:  false,
	} {
		if got := (RuleResult{Outcome: outcome}).Triggered(); got != want {
			t.Errorf("%s: Triggered() = %v, want %v", outcome, got, want)
		}
	}
}
