// Package purchase runs the ticket purchase flow: score, annotate, persist, publish.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/canomaly/internal/cache"
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/metrics"
	"github.com/opensource-finance/canomaly/internal/repository"
	"github.com/opensource-finance/canomaly/internal/rules"
	"github.com/opensource-finance/canomaly/internal/scoring"
	"github.com/opensource-finance/canomaly/internal/velocity"
)

// idNamespace derives transaction and ticket ids that stay stable across retries.
var idNamespace = uuid.MustParse("0b8f3f64-8a4e-4d8e-a1c7-5d7b1e9f2c30")

// Receipt is the response to a purchase.
type Receipt struct {
	*domain.Assessment
	TicketIDs []string `json:"ticket_ids"`

	// Replayed is set when the receipt was served from the idempotency cache
	// or the transaction had already been stored.
	Replayed bool `json:"replayed,omitempty"`
}

// Service executes purchases.
type Service struct {
	engine   *scoring.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	rules    *rules.Engine
	velocity *velocity.Service
	cfg      domain.PersistenceConfig
	now      func() time.Time
}

// Deps groups the collaborators of a Service. Engine and Repository are
// required; the rest are optional.
type Deps struct {
	Engine     *scoring.Engine
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Rules      *rules.Engine
	Velocity   *velocity.Service
	Config     domain.PersistenceConfig
}

// NewService creates a purchase service.
func NewService(d Deps) (*Service, error) {
	if d.Engine == nil {
		return nil, fmt.Errorf("scoring engine is required")
	}
	if d.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	cfg := d.Config
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		engine:   d.Engine,
		repo:     d.Repository,
		cache:    d.Cache,
		bus:      d.Bus,
		rules:    d.Rules,
		velocity: d.Velocity,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Engine returns the scoring engine.
func (s *Service) Engine() *scoring.Engine {
	return s.engine
}

// Buy scores a purchase, stores the transaction with one ticket per
// passenger, and publishes the outcome. idempotencyKey may be empty, in
// which case a client-supplied transaction id serves as the key.
func (s *Service) Buy(ctx context.Context, req *domain.TicketRequest, idempotencyKey string) (*Receipt, error) {
	if err := req.ValidatePurchase(); err != nil {
		return nil, err
	}

	r := *req
	key := idempotencyKey
	switch {
	case r.TransactionID == "" && key != "":
		r.TransactionID = uuid.NewSHA1(idNamespace, []byte("idem/"+key)).String()
	case r.TransactionID == "":
		r.TransactionID = uuid.New().String()
	case key == "":
		key = r.TransactionID
	}

	if receipt, ok := s.replay(ctx, key); ok {
		return receipt, nil
	}

	a, err := s.engine.Assess(ctx, &r)
	if err != nil {
		metrics.ObserveError(err)
		return nil, err
	}
	a.TransactionID = r.TransactionID
	a.UserID = r.UserID

	s.annotate(ctx, &r, a)

	tx := domain.NewTransaction(&r, a, s.now())
	tickets := buildTickets(&r, tx)

	duplicate, err := s.persist(ctx, tx, tickets)
	if err != nil {
		metrics.ObserveError(err)
		return nil, err
	}

	receipt := &Receipt{Assessment: a, Replayed: duplicate}
	for _, t := range tickets {
		receipt.TicketIDs = append(receipt.TicketIDs, t.ID)
	}

	if key != "" && s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, idempotencyCacheKey(key), receipt, s.cfg.IdempotencyTTL); err != nil {
			slog.Warn("failed to cache purchase receipt", "tx_id", tx.ID, "error", err)
		}
	}

	metrics.ObserveAssessment(a)
	if !duplicate {
		s.publish(ctx, tx, a)
	}

	slog.Info("purchase scored",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"prediction", a.Prediction,
		"risk_score", a.RiskScore,
		"risk_level", a.RiskLevel,
		"is_scalper", a.IsScalper,
		"tickets", len(tickets),
		"duplicate", duplicate,
	)
	return receipt, nil
}

// Score assesses requests as a batch without persisting them.
func (s *Service) Score(ctx context.Context, reqs []*domain.TicketRequest) ([]*domain.Assessment, error) {
	out, err := s.engine.AssessBatch(ctx, reqs)
	if err != nil {
		metrics.ObserveError(err)
		return nil, err
	}
	for i, a := range out {
		a.TransactionID = reqs[i].TransactionID
		a.UserID = reqs[i].UserID
		metrics.ObserveAssessment(a)
	}
	return out, nil
}

func (s *Service) replay(ctx context.Context, key string) (*Receipt, bool) {
	if key == "" || s.cache == nil {
		return nil, false
	}
	var receipt Receipt
	found, err := cache.GetJSON(ctx, s.cache, idempotencyCacheKey(key), &receipt)
	if err != nil {
		slog.Warn("idempotency lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !found || receipt.Assessment == nil {
		return nil, false
	}
	receipt.Replayed = true
	return &receipt, true
}

// annotate attaches velocity and advisory rule results. Failures here are
// logged and never block the purchase.
func (s *Service) annotate(ctx context.Context, r *domain.TicketRequest, a *domain.Assessment) {
	var count int64
	if s.velocity != nil {
		n, err := s.velocity.Record(ctx, r.UserID, r.DeviceFingerprint)
		if err != nil {
			slog.Warn("velocity update failed", "tx_id", r.TransactionID, "error", err)
		} else {
			count = n
		}
	}

	var results []domain.RuleResult
	if s.rules != nil {
		res, err := s.rules.EvaluateAll(ctx, &rules.EvaluateInput{
			TxID:     r.TransactionID,
			UserID:   r.UserID,
			Features: a.Features,
			Velocity: count,
		})
		if err != nil {
			slog.Warn("rule evaluation failed", "tx_id", r.TransactionID, "error", err)
		} else {
			results = res
		}
	}

	s.engine.Processor().Annotate(a, results, count)
}

// persist writes the purchase with bounded exponential retry. It reports
// whether the transaction had already been stored.
func (s *Service) persist(ctx context.Context, tx *domain.Transaction, tickets []*domain.Ticket) (bool, error) {
	var duplicate bool

	op := func() error {
		err := s.repo.SavePurchase(ctx, tx, tickets)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, repository.ErrDuplicate):
			duplicate = true
			return nil
		case errors.Is(err, repository.ErrInvalidInput):
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryBaseDelay
	exp.MaxInterval = 10 * s.cfg.RetryBaseDelay
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.RetryAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.PersistenceRetriesTotal.Inc()
		slog.Warn("retrying purchase write",
			"tx_id", tx.ID,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		metrics.PersistenceFailuresTotal.Inc()
		slog.Error("failed to persist purchase", "tx_id", tx.ID, "error", err)
		return false, domain.WrapError(domain.KindPersistenceFailure, err)
	}
	return duplicate, nil
}

func (s *Service) publish(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) {
	if s.bus == nil {
		return
	}

	event := domain.ScoredEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Prediction:    a.Prediction,
		AnomalyScore:  a.Scoring.RawScore,
		RiskScore:     a.RiskScore,
		RiskLevel:     a.RiskLevel,
		FraudFlag:     a.IsScalper,
		PriceValid:    a.PriceValidation.IsValid,
		StatusID:      tx.StatusID,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal scored event", "tx_id", tx.ID, "error", err)
		return
	}

	topics := []string{domain.TopicTicketScored}
	if a.IsScalper {
		topics = append(topics, domain.TopicTicketFlagged)
	}
	for _, topic := range topics {
		err := s.bus.Publish(ctx, topic, payload)
		metrics.ObservePublish(topic, err)
		if err != nil {
			slog.Error("failed to publish event", "tx_id", tx.ID, "topic", topic, "error", err)
		}
	}
}

// buildTickets issues one ticket per passenger. Each ticket carries an equal
// share of the final price.
func buildTickets(r *domain.TicketRequest, tx *domain.Transaction) []*domain.Ticket {
	n := r.NumTickets
	share := tx.TotalAmount / float64(n)

	tickets := make([]*domain.Ticket, n)
	for i := 0; i < n; i++ {
		t := &domain.Ticket{
			ID:            uuid.NewSHA1(idNamespace, []byte(tx.ID+"/ticket/"+strconv.Itoa(i))).String(),
			TransactionID: tx.ID,
			PassengerName: "Passenger " + strconv.Itoa(i+1),
			Price:         share,
			StatusID:      tx.StatusID,
			CreatedAt:     tx.CreatedAt,
		}
		if i < len(r.PassengerNames) && r.PassengerNames[i] != "" {
			t.PassengerName = r.PassengerNames[i]
		}
		if i < len(r.SeatNumbers) {
			t.SeatNumber = r.SeatNumbers[i]
		}
		tickets[i] = t
	}
	return tickets
}

func idempotencyCacheKey(key string) string {
	return "idempotency:" + key
}
