// Package model loads the pre-trained outlier model and scores feature vectors with it.
package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// ErrModelUnavailable is returned when the artifact is missing, corrupt or
// does not match the feature layout.
var ErrModelUnavailable = domain.ErrModelUnavailable

// Artifact is the serialized form of a trained model.
type Artifact struct {
	Version       int             `json:"version"`
	FeatureNames  []string        `json:"feature_names"`
	Contamination float64         `json:"contamination"`
	Scaler        ScalerParams    `json:"scaler"`
	Forest        ForestParams    `json:"forest"`
	Reference     *ReferenceRange `json:"reference,omitempty"`
}

// ScalerParams are the fitted standard-scaler statistics.
type ScalerParams struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// ForestParams describe a fitted isolation forest.
type ForestParams struct {
	MaxSamples int          `json:"max_samples"`
	Offset     float64      `json:"offset"`
	Trees      []TreeParams `json:"trees"`
}

// TreeParams is one isolation tree as a flat node array rooted at index 0.
type TreeParams struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split node, or a leaf when Feature < 0.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

// IsLeaf reports whether the node terminates a path.
func (n Node) IsLeaf() bool {
	return n.Feature < 0
}

// ReferenceRange is the min/max raw score observed on the training data.
type ReferenceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the range can be used for normalization.
func (r *ReferenceRange) Valid() bool {
	return r != nil && r.Max > r.Min
}

var gzipMagic = []byte{0x1f, 0x8b}

// LoadFile reads an artifact from disk. Gzip input is detected from its header.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", domain.WrapError(domain.KindModelUnavailable, err))
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates an artifact, returning a ready model.
func Load(r io.Reader) (*Model, error) {
	art, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return New(art)
}

// Decode parses an artifact, transparently handling gzip.
func Decode(r io.Reader) (*Artifact, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(2)

	var src io.Reader = br
	if bytes.Equal(head, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip artifact: %w", domain.WrapError(domain.KindModelUnavailable, err))
		}
		defer zr.Close()
		src = zr
	}

	var art Artifact
	if err := json.NewDecoder(src).Decode(&art); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", domain.WrapError(domain.KindModelUnavailable, err))
	}
	return &art, nil
}

// Encode writes an artifact as JSON, gzip-compressed when compress is set.
func Encode(w io.Writer, art *Artifact, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(art)
	}
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(art); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Validate checks the artifact against the feature layout the service extracts.
func (a *Artifact) Validate() error {
	if len(a.FeatureNames) != domain.FeatureCount {
		return fmt.Errorf("artifact has %d features, want %d: %w", len(a.FeatureNames), domain.FeatureCount, ErrModelUnavailable)
	}
	for i, name := range a.FeatureNames {
		if name != domain.FeatureNames[i] {
			return fmt.Errorf("feature %d is %q, want %q: %w", i, name, domain.FeatureNames[i], ErrModelUnavailable)
		}
	}
	if len(a.Scaler.Mean) != domain.FeatureCount || len(a.Scaler.Scale) != domain.FeatureCount {
		return fmt.Errorf("scaler dimensions do not match feature count: %w", ErrModelUnavailable)
	}
	if a.Forest.MaxSamples < 1 {
		return fmt.Errorf("forest max_samples must be positive: %w", ErrModelUnavailable)
	}
	if len(a.Forest.Trees) == 0 {
		return fmt.Errorf("forest has no trees: %w", ErrModelUnavailable)
	}
	for ti, tree := range a.Forest.Trees {
		if err := validateTree(tree); err != nil {
			return fmt.Errorf("tree %d: %v: %w", ti, err, ErrModelUnavailable)
		}
	}
	return nil
}

func validateTree(t TreeParams) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			continue
		}
		if n.Feature >= domain.FeatureCount {
			return fmt.Errorf("node %d splits on feature %d", i, n.Feature)
		}
		// Children always follow their parent, which also rules out cycles.
		if n.Left <= i || n.Left >= len(t.Nodes) || n.Right <= i || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}
