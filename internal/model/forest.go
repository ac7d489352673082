package model

import "math"

const eulerGamma = 0.5772156649015329

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Forest is an immutable isolation forest.
type Forest struct {
	trees      []TreeParams
	offset     float64
	normalizer float64
	maxSamples int
}

// NewForest prepares a forest for scoring. Params must be validated.
func NewForest(p ForestParams) *Forest {
	return &Forest{
		trees:      p.Trees,
		offset:     p.Offset,
		normalizer: averagePathLength(p.MaxSamples),
		maxSamples: p.MaxSamples,
	}
}

// pathLength walks one tree and adds c(n_samples) at the leaf.
func pathLength(t TreeParams, x []float64) float64 {
	depth := 0
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return float64(depth) + averagePathLength(n.NSamples)
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// ScoreSamples returns -2^(-E[h(x)] / c(max_samples)). Lower is more anomalous.
func (f *Forest) ScoreSamples(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x)
	}
	mean := total / float64(len(f.trees))
	if f.normalizer == 0 {
		return -1
	}
	return -math.Pow(2, -mean/f.normalizer)
}

// Offset is the decision threshold on ScoreSamples.
func (f *Forest) Offset() float64 {
	return f.offset
}
