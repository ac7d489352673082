// Package scoring runs the risk pipeline: feature extraction, outlier scoring,
// risk normalization, price validation and the final decision.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/canomaly/internal/decision"
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/fareclass"
	"github.com/opensource-finance/canomaly/internal/features"
	"github.com/opensource-finance/canomaly/internal/model"
)

// Engine scores ticket requests. All of its state is read-only after
// construction, so a single engine serves concurrent requests.
type Engine struct {
	registry   *fareclass.Registry
	extractor  *features.Extractor
	scorer     *model.Scorer
	normalizer *Normalizer
	processor  *decision.Processor
}

// Option configures an Engine.
type Option func(*Engine)

// WithNormalizer scores single requests against a fixed reference range.
// Without it the engine uses batch normalization.
func WithNormalizer(n Normalizer) Option {
	return func(e *Engine) { e.normalizer = &n }
}

// WithClock sets the clock used for requests without transaction_time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.extractor.WithClock(now) }
}

// WithProcessor replaces the default decision processor.
func WithProcessor(p *decision.Processor) Option {
	return func(e *Engine) { e.processor = p }
}

// NewEngine creates an engine over a registry and a loaded scorer.
func NewEngine(registry *fareclass.Registry, scorer *model.Scorer, opts ...Option) *Engine {
	if registry == nil {
		registry = fareclass.Default()
	}
	e := &Engine{
		registry:  registry,
		extractor: features.NewExtractor(registry),
		scorer:    scorer,
		processor: decision.NewProcessor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode reports the active normalization mode.
func (e *Engine) Mode() domain.NormalizationMode {
	if e.normalizer != nil {
		return domain.NormalizeReference
	}
	return domain.NormalizeBatch
}

// Registry returns the fare-class registry.
func (e *Engine) Registry() *fareclass.Registry {
	return e.registry
}

// Processor returns the decision processor used to annotate assessments.
func (e *Engine) Processor() *decision.Processor {
	return e.processor
}

// ValidatePrice runs the price check for a request on its own.
func (e *Engine) ValidatePrice(req *domain.TicketRequest) domain.PriceValidation {
	return ValidatePrice(e.registry, req.ClassID(), req.FinalPrice())
}

// Assess scores a single request.
func (e *Engine) Assess(ctx context.Context, req *domain.TicketRequest) (*domain.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	fs, err := e.extractor.Extract(req)
	if err != nil {
		return nil, err
	}

	raw, label, err := e.scorer.Score(fs.Vector)
	if err != nil {
		return nil, err
	}

	var risk float64
	if e.normalizer != nil {
		risk = e.normalizer.Normalize(raw)
	} else {
		risk = NormalizeBatch(raw, []float64{raw})
	}

	return e.combine(req, fs, raw, label, risk), nil
}

// AssessBatch scores requests together. Risk scores are normalized against
// the batch's own min and max. Any invalid item fails the whole batch.
func (e *Engine) AssessBatch(ctx context.Context, reqs []*domain.TicketRequest) ([]*domain.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sets := make([]*domain.FeatureSet, len(reqs))
	vectors := make([]domain.FeatureVector, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		fs, err := e.extractor.Extract(req)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		sets[i] = fs
		vectors[i] = fs.Vector
	}

	raws, labels, err := e.scorer.ScoreBatch(vectors)
	if err != nil {
		return nil, err
	}
	risks := NormalizeAll(raws)

	out := make([]*domain.Assessment, len(reqs))
	for i, req := range reqs {
		out[i] = e.combine(req, sets[i], raws[i], labels[i], risks[i])
	}
	return out, nil
}

func (e *Engine) combine(req *domain.TicketRequest, fs *domain.FeatureSet, raw float64, label domain.Label, risk float64) *domain.Assessment {
	scoring := domain.ScoringResult{
		RawScore:  raw,
		Label:     label,
		RiskScore: risk,
		RiskLevel: LevelFor(risk),
	}
	return e.processor.Process(&decision.Input{
		TxID:            req.TransactionID,
		UserID:          req.UserID,
		Label:           label,
		Scoring:         scoring,
		PriceValidation: e.ValidatePrice(req),
		Features:        fs,
	})
}
