// Package decision combines the model verdict with advisory signals into the
// final assessment of a ticket purchase.
package decision

import (
	"fmt"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// DisplayScale converts a raw anomaly score into the displayed score.
const DisplayScale = -100

// Processor assembles assessments. Only the model label decides is_scalper;
// price, rule and velocity signals are attached as reasons.
type Processor struct {
	// VelocityThreshold is the purchase count within the velocity window
	// above which a velocity reason is attached. Zero disables it.
	VelocityThreshold int64
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		VelocityThreshold: 5,
	}
}

// Input holds everything known about one scored request.
type Input struct {
	TxID            string
	UserID          string
	Label           domain.Label
	Scoring         domain.ScoringResult
	PriceValidation domain.PriceValidation
	Features        *domain.FeatureSet
	RuleResults     []domain.RuleResult
	Velocity        int64
}

// Combine builds the assessment for a model verdict and price check.
func Combine(label domain.Label, scoring domain.ScoringResult, pv domain.PriceValidation, fs *domain.FeatureSet) *domain.Assessment {
	return NewProcessor().Process(&Input{
		Label:           label,
		Scoring:         scoring,
		PriceValidation: pv,
		Features:        fs,
	})
}

// Process produces the assessment for input.
func (p *Processor) Process(input *Input) *domain.Assessment {
	a := &domain.Assessment{
		TransactionID:   input.TxID,
		UserID:          input.UserID,
		Prediction:      input.Label,
		Score:           input.Scoring.RawScore * DisplayScale,
		RiskScore:       input.Scoring.RiskScore,
		RiskLevel:       input.Scoring.RiskLevel,
		IsScalper:       input.Label == domain.LabelAnomaly,
		PriceValidation: input.PriceValidation,
		Scoring:         input.Scoring,
		Features:        input.Features,
		Velocity:        input.Velocity,
	}
	if input.Features != nil {
		a.ModelFeatures = input.Features.Summary()
	}
	a.Reasons = p.reasons(input)
	return a
}

// Annotate attaches rule results and velocity to an existing assessment.
// The fraud flag is left untouched.
func (p *Processor) Annotate(a *domain.Assessment, results []domain.RuleResult, velocity int64) {
	a.Velocity = velocity
	a.Reasons = p.reasons(&Input{
		PriceValidation: a.PriceValidation,
		RuleResults:     results,
		Velocity:        velocity,
	})
}

func (p *Processor) reasons(input *Input) []string {
	var reasons []string

	pv := input.PriceValidation
	switch {
	case pv.ClassName == "Unknown":
		reasons = append(reasons, "unknown ticket class")
	case pv.IsSuspicious:
		reasons = append(reasons, fmt.Sprintf("price %.1f%% above %s maximum", pv.DeviationPercent, pv.ClassName))
	case !pv.IsValid && pv.DeviationPercent != 0:
		reasons = append(reasons, fmt.Sprintf("price outside %s range %s", pv.ClassName, pv.ExpectedRange))
	}

	reasons = append(reasons, GetReasons(input.RuleResults)...)

	if p.VelocityThreshold > 0 && input.Velocity > p.VelocityThreshold {
		reasons = append(reasons, fmt.Sprintf("%d purchases within velocity window", input.Velocity))
	}
	return reasons
}

// GetReasons extracts the reasons of triggered rules.
func GetReasons(results []domain.RuleResult) []string {
	var reasons []string
	for _, r := range results {
		if r.Triggered() && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}
