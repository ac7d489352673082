package scoring

import (
	"math"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// Risk level lower bounds.
const (
	MediumFloor   = 30
	HighFloor     = 60
	CriticalFloor = 80
)

// NormalizeBatch maps raw to [0, 100] against the min and max of batch.
// Lower raw scores are more anomalous and map to higher risk. A batch whose
// scores are all equal, including any single-item batch, yields 0.
func NormalizeBatch(raw float64, batch []float64) float64 {
	if len(batch) == 0 {
		return 0
	}
	lo, hi := batch[0], batch[0]
	for _, v := range batch[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return normalize(raw, lo, hi)
}

// NormalizeAll normalizes every score of batch against the batch itself.
func NormalizeAll(batch []float64) []float64 {
	out := make([]float64, len(batch))
	for i, raw := range batch {
		out[i] = NormalizeBatch(raw, batch)
	}
	return out
}

// Normalizer maps raw scores against a fixed training-time range.
type Normalizer struct {
	Min float64
	Max float64
}

// Normalize returns the clamped risk score of raw.
func (n Normalizer) Normalize(raw float64) float64 {
	return clamp(normalize(raw, n.Min, n.Max))
}

func normalize(raw, lo, hi float64) float64 {
	if hi == lo {
		return 0
	}
	return 100 * (1 - (raw-lo)/(hi-lo))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// LevelFor buckets a risk score: [0,30) Low, [30,60) Medium, [60,80) High,
// [80,100] Critical.
func LevelFor(score float64) domain.RiskLevel {
	switch {
	case score < MediumFloor || math.IsNaN(score):
		return domain.RiskLow
	case score < HighFloor:
		return domain.RiskMedium
	case score < CriticalFloor:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}
