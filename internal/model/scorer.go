package model

import (
	"fmt"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// OutlierModel is the capability set the scorer needs from a trained model.
type OutlierModel interface {
	// Transform standardizes a raw feature vector.
	Transform(x []float64) []float64
	// ScoreSamples returns the raw anomaly score of a standardized vector.
	ScoreSamples(x []float64) float64
	// Predict returns the label of a standardized vector.
	Predict(x []float64) domain.Label
}

// Model is a loaded artifact: scaler plus isolation forest. It is immutable
// after construction and safe for concurrent use.
type Model struct {
	scaler        *Scaler
	forest        *Forest
	featureNames  []string
	contamination float64
	reference     *ReferenceRange
	version       int
}

// New validates an artifact and builds the model.
func New(art *Artifact) (*Model, error) {
	if err := art.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		scaler:        NewScaler(art.Scaler),
		forest:        NewForest(art.Forest),
		featureNames:  append([]string(nil), art.FeatureNames...),
		contamination: art.Contamination,
		version:       art.Version,
	}
	if art.Reference.Valid() {
		ref := *art.Reference
		m.reference = &ref
	}
	return m, nil
}

// Transform implements OutlierModel.
func (m *Model) Transform(x []float64) []float64 {
	return m.scaler.Transform(x)
}

// ScoreSamples implements OutlierModel.
func (m *Model) ScoreSamples(x []float64) float64 {
	return m.forest.ScoreSamples(x)
}

// Predict implements OutlierModel.
func (m *Model) Predict(x []float64) domain.Label {
	if m.forest.ScoreSamples(x)-m.forest.Offset() < 0 {
		return domain.LabelAnomaly
	}
	return domain.LabelNormal
}

// FeatureNames returns the ordered input columns.
func (m *Model) FeatureNames() []string {
	return append([]string(nil), m.featureNames...)
}

// Contamination is the expected anomaly share used at training time.
func (m *Model) Contamination() float64 {
	return m.contamination
}

// Reference returns the training score range, or nil when the artifact has none.
func (m *Model) Reference() *ReferenceRange {
	return m.reference
}

// Info describes a loaded model.
type Info struct {
	Version       int             `json:"version"`
	FeatureNames  []string        `json:"feature_names"`
	Contamination float64         `json:"contamination"`
	Trees         int             `json:"trees"`
	MaxSamples    int             `json:"max_samples"`
	Offset        float64         `json:"offset"`
	Reference     *ReferenceRange `json:"reference,omitempty"`
}

// Info returns model metadata.
func (m *Model) Info() Info {
	return Info{
		Version:       m.version,
		FeatureNames:  m.FeatureNames(),
		Contamination: m.contamination,
		Trees:         len(m.forest.trees),
		MaxSamples:    m.forest.maxSamples,
		Offset:        m.forest.Offset(),
		Reference:     m.reference,
	}
}

// Scorer produces raw scores and labels for feature vectors.
type Scorer struct {
	model OutlierModel
}

// NewScorer wraps an outlier model.
func NewScorer(m OutlierModel) *Scorer {
	return &Scorer{model: m}
}

// Score returns the raw anomaly score and label for one vector.
func (s *Scorer) Score(v domain.FeatureVector) (float64, domain.Label, error) {
	if s == nil || s.model == nil {
		return 0, "", ErrModelUnavailable
	}
	if len(v) != domain.FeatureCount {
		return 0, "", domain.Errorf(domain.KindInternal, "feature vector has %d values, want %d", len(v), domain.FeatureCount)
	}
	x := s.model.Transform(v)
	return s.model.ScoreSamples(x), s.model.Predict(x), nil
}

// ScoreBatch scores each vector in order.
func (s *Scorer) ScoreBatch(vs []domain.FeatureVector) ([]float64, []domain.Label, error) {
	raws := make([]float64, len(vs))
	labels := make([]domain.Label, len(vs))
	for i, v := range vs {
		raw, label, err := s.Score(v)
		if err != nil {
			return nil, nil, fmt.Errorf("item %d: %w", i, err)
		}
		raws[i] = raw
		labels[i] = label
	}
	return raws, labels, nil
}
