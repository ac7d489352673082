package domain

import "time"

// RuleConfig is an advisory CEL rule over a ticket's feature set. Hits are
// reported as reasons next to the model verdict; they never set is_scalper.
type RuleConfig struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version"`
	Expression  string     `json:"expression"`
	Bands       []RuleBand `json:"bands"`
	Enabled     bool       `json:"enabled"`
}

// RuleBand maps the half-open score range [LowerLimit, UpperLimit) to an
// outcome. A nil lower limit is 0 and a nil upper limit is unbounded.
type RuleBand struct {
	LowerLimit *float64 `json:"lower_limit,omitempty"`
	UpperLimit *float64 `json:"upper_limit,omitempty"`
	Outcome    string   `json:"outcome"`
	Reason     string   `json:"reason,omitempty"`
}

// Contains reports whether score falls inside the band.
func (b RuleBand) Contains(score float64) bool {
	lower := 0.0
	if b.LowerLimit != nil {
		lower = *b.LowerLimit
	}
	if score < lower {
		return false
	}
	if b.UpperLimit != nil && score >= *b.UpperLimit {
		return false
	}
	return true
}

// Rule outcomes.
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeReview = ".review"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeError  = ".err"
)

// RuleResult is one rule evaluated against one request.
type RuleResult struct {
	RuleID   string        `json:"rule_id"`
	TxID     string        `json:"transaction_id,omitempty"`
	Outcome  string        `json:"outcome"`
	Score    float64       `json:"score"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Triggered reports whether the result should be surfaced as a reason.
func (r RuleResult) Triggered() bool {
	return r.Outcome == RuleOutcomeFail || r.Outcome == RuleOutcomeReview
}
