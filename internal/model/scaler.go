package model

// Scaler standardizes features with fitted mean and scale.
type Scaler struct {
	mean  []float64
	scale []float64
}

// NewScaler copies the fitted parameters. A zero scale is treated as 1.
func NewScaler(p ScalerParams) *Scaler {
	s := &Scaler{
		mean:  append([]float64(nil), p.Mean...),
		scale: make([]float64, len(p.Scale)),
	}
	for i, v := range p.Scale {
		if v == 0 {
			v = 1
		}
		s.scale[i] = v
	}
	return s
}

// Transform returns (x - mean) / scale as a new slice.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.mean[i]) / s.scale[i]
	}
	return out
}
