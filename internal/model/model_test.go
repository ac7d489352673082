package model_test

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/model"
	"github.com/opensource-finance/canomaly/internal/model/modeltest"
)

func vector(markup float64) domain.FeatureVector {
	v := make(domain.FeatureVector, domain.FeatureCount)
	v[3] = markup
	return v
}

func TestScorerLabels(t *testing.T) {
	s := model.NewScorer(modeltest.Model())

	raw, label, err := s.Score(vector(1.0))
	require.NoError(t, err)
	assert.Equal(t, domain.LabelNormal, label)
	assert.InDelta(t, -0.467, raw, 0.005)

	raw, label, err = s.Score(vector(3.0))
	require.NoError(t, err)
	assert.Equal(t, domain.LabelAnomaly, label)
	assert.InDelta(t, -0.935, raw, 0.005)
}

func TestScoreSamplesMatchesPathLength(t *testing.T) {
	m := modeltest.Model()
	c256 := 2*(math.Log(255)+0.5772156649015329) - 2*255.0/256.0
	c255 := 2*(math.Log(254)+0.5772156649015329) - 2*254.0/255.0

	want := -math.Pow(2, -(1+c255)/c256)
	assert.InDelta(t, want, m.ScoreSamples(vector(0)), 1e-12)

	want = -math.Pow(2, -1/c256)
	assert.InDelta(t, want, m.ScoreSamples(vector(2)), 1e-12)
}

func TestScorerIsDeterministic(t *testing.T) {
	s := model.NewScorer(modeltest.Model())
	a, _, err := s.Score(vector(2.2))
	require.NoError(t, err)
	b, _, err := s.Score(vector(2.2))
	require.NoError(t, err)
	assert.Equal(t, math.Float64bits(a), math.Float64bits(b))
}

func TestScorerRejectsWrongLength(t *testing.T) {
	s := model.NewScorer(modeltest.Model())
	_, _, err := s.Score(domain.FeatureVector{1, 2, 3})
	assert.Error(t, err)
}

func TestNilScorerIsUnavailable(t *testing.T) {
	var s *model.Scorer
	_, _, err := s.Score(vector(1))
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
}

func TestScoreBatch(t *testing.T) {
	s := model.NewScorer(modeltest.Model())
	raws, labels, err := s.ScoreBatch([]domain.FeatureVector{vector(1), vector(4)})
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, []domain.Label{domain.LabelNormal, domain.LabelAnomaly}, labels)
	assert.Less(t, raws[1], raws[0])
}

func TestScalerZeroScale(t *testing.T) {
	s := model.NewScaler(model.ScalerParams{Mean: []float64{1, 2}, Scale: []float64{2, 0}})
	assert.Equal(t, []float64{0.5, 3}, s.Transform([]float64{2, 5}))
}

func TestLoadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, model.Encode(&buf, modeltest.Artifact(), compress))
		if compress {
			assert.Equal(t, byte(0x1f), buf.Bytes()[0])
		}

		m, err := model.Load(&buf)
		require.NoError(t, err)
		assert.Equal(t, domain.FeatureNames, m.FeatureNames())
		assert.Equal(t, 0.05, m.Contamination())
		require.NotNil(t, m.Reference())
		assert.Equal(t, -0.95, m.Reference().Min)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canomaly.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, model.Encode(f, modeltest.Artifact(), true))
	require.NoError(t, f.Close())

	_, err = model.LoadFile(path)
	require.NoError(t, err)

	_, err = model.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
}

func TestLoadRejectsBadArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *model.Artifact)
	}{
		{"reordered features", func(a *model.Artifact) {
			a.FeatureNames[0], a.FeatureNames[1] = a.FeatureNames[1], a.FeatureNames[0]
		}},
		{"missing feature", func(a *model.Artifact) { a.FeatureNames = a.FeatureNames[:13] }},
		{"short scaler", func(a *model.Artifact) { a.Scaler.Mean = a.Scaler.Mean[:2] }},
		{"no trees", func(a *model.Artifact) { a.Forest.Trees = nil }},
		{"zero max samples", func(a *model.Artifact) { a.Forest.MaxSamples = 0 }},
		{"cyclic tree", func(a *model.Artifact) { a.Forest.Trees[0].Nodes[0].Left = 0 }},
		{"split feature out of range", func(a *model.Artifact) { a.Forest.Trees[0].Nodes[0].Feature = 14 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art := modeltest.Artifact()
			tt.mutate(art)
			_, err := model.New(art)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrModelUnavailable))
			assert.Equal(t, domain.KindModelUnavailable, domain.KindOf(err))
		})
	}

	_, err := model.Load(bytes.NewBufferString("{not json"))
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
}

func TestReferenceRangeIgnoredWhenDegenerate(t *testing.T) {
	art := modeltest.Artifact()
	art.Reference = &model.ReferenceRange{Min: -0.5, Max: -0.5}
	m, err := model.New(art)
	require.NoError(t, err)
	assert.Nil(t, m.Reference())
}

func TestModelInfo(t *testing.T) {
	info := modeltest.Model().Info()

	assert.Equal(t, 1, info.Version)
	assert.Equal(t, domain.FeatureNames, info.FeatureNames)
	assert.Equal(t, 1, info.Trees)
	assert.Equal(t, 256, info.MaxSamples)
	assert.Equal(t, -0.6, info.Offset)
	assert.InDelta(t, 0.05, info.Contamination, 1e-12)
	require.NotNil(t, info.Reference)
	assert.Equal(t, -0.95, info.Reference.Min)
}
