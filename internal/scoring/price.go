package scoring

import (
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/fareclass"
)

// Price tolerance multipliers applied to a class maximum.
const (
	ToleranceFactor  = 1.1
	SuspicionFactor  = 1.5
	unknownClassName = "Unknown"
)

// ValidatePrice checks a final price against the envelope of its fare class.
// It is independent of the model and never affects the fraud flag.
func ValidatePrice(registry *fareclass.Registry, classID int, finalPrice float64) domain.PriceValidation {
	profile, ok := registry.Lookup(classID)
	if !ok {
		return domain.PriceValidation{
			IsValid:       false,
			IsSuspicious:  true,
			ExpectedRange: "N/A",
			ClassName:     unknownClassName,
		}
	}

	var deviation float64
	switch {
	case finalPrice < profile.MinPrice:
		deviation = (profile.MinPrice - finalPrice) / profile.MinPrice * -100
	case finalPrice > profile.MaxPrice:
		deviation = (finalPrice - profile.MaxPrice) / profile.MaxPrice * 100
	}

	return domain.PriceValidation{
		IsValid:          finalPrice >= profile.MinPrice && finalPrice <= profile.MaxPrice*ToleranceFactor,
		IsSuspicious:     finalPrice > profile.MaxPrice*SuspicionFactor,
		DeviationPercent: deviation,
		ExpectedRange:    profile.ExpectedRange(),
		ClassName:        profile.Name,
	}
}
