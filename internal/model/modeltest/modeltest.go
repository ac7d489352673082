// Package modeltest builds small, hand-checked model artifacts for tests.
package modeltest

import (
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/model"
)

// MarkupThreshold is the price_markup_ratio above which Artifact isolates a
// request after a single split.
const MarkupThreshold = 1.5

// Artifact returns a one-tree forest that splits on price_markup_ratio.
//
// Requests with markup <= 1.5 land in a leaf holding 255 samples and score
// about -0.467 (normal). Requests above it are isolated at depth 1 and score
// about -0.935 (anomaly). The scaler is the identity.
func Artifact() *model.Artifact {
	mean := make([]float64, domain.FeatureCount)
	scale := make([]float64, domain.FeatureCount)
	for i := range scale {
		scale[i] = 1
	}
	return &model.Artifact{
		Version:       1,
		FeatureNames:  append([]string(nil), domain.FeatureNames...),
		Contamination: 0.05,
		Scaler:        model.ScalerParams{Mean: mean, Scale: scale},
		Forest: model.ForestParams{
			MaxSamples: 256,
			Offset:     -0.6,
			Trees: []model.TreeParams{{Nodes: []model.Node{
				{Feature: 3, Threshold: MarkupThreshold, Left: 1, Right: 2, NSamples: 256},
				{Feature: -1, NSamples: 255},
				{Feature: -1, NSamples: 1},
			}}},
		},
		Reference: &model.ReferenceRange{Min: -0.95, Max: -0.45},
	}
}

// Model returns the model built from Artifact. It panics on error, which
// would mean Artifact itself is broken.
func Model() *model.Model {
	m, err := model.New(Artifact())
	if err != nil {
		panic(err)
	}
	return m
}
