package rules

import "github.com/opensource-finance/canomaly/internal/domain"

func limit(v float64) *float64 { return &v }

// DefaultRules are seeded into an empty rule store on first start.
func DefaultRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "bulk-purchase",
			Name:        "Bulk purchase",
			Description: "Many tickets bought in one transaction",
			Version:     "1.0.0",
			Expression:  "num_tickets",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(5), Outcome: domain.RuleOutcomePass, Reason: "normal ticket count"},
				{LowerLimit: limit(5), UpperLimit: limit(8), Outcome: domain.RuleOutcomeReview, Reason: "large ticket count"},
				{LowerLimit: limit(8), Outcome: domain.RuleOutcomeFail, Reason: "bulk ticket purchase"},
			},
			Enabled: true,
		},
		{
			ID:          "price-markup",
			Name:        "Price markup",
			Description: "Final price far above the class base fare",
			Version:     "1.0.0",
			Expression:  "price_markup_ratio",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(1.5), Outcome: domain.RuleOutcomePass, Reason: "fare near base price"},
				{LowerLimit: limit(1.5), UpperLimit: limit(2.5), Outcome: domain.RuleOutcomeReview, Reason: "elevated fare markup"},
				{LowerLimit: limit(2.5), Outcome: domain.RuleOutcomeFail, Reason: "resale level fare markup"},
			},
			Enabled: true,
		},
		{
			ID:          "night-bulk",
			Name:        "Night bulk purchase",
			Description: "Several tickets bought late at night",
			Version:     "1.0.0",
			Expression:  "is_night && num_tickets >= 4",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(1), Outcome: domain.RuleOutcomePass, Reason: "no night bulk purchase"},
				{LowerLimit: limit(1), Outcome: domain.RuleOutcomeReview, Reason: "bulk purchase at night"},
			},
			Enabled: true,
		},
		{
			ID:          "purchase-velocity",
			Name:        "Purchase velocity",
			Description: "Repeated purchases by the same user within the velocity window",
			Version:     "1.0.0",
			Expression:  "velocity_count",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(5), Outcome: domain.RuleOutcomePass, Reason: "normal purchase rate"},
				{LowerLimit: limit(5), Outcome: domain.RuleOutcomeReview, Reason: "high purchase rate"},
			},
			Enabled: true,
		},
	}
}
