// Package worker consumes scoring events and maintains the transaction audit trail.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/metrics"
)

// ChangedBy is recorded on every log row the worker writes.
const ChangedBy = "canomaly-worker"

// logNamespace derives stable log ids so a redelivered event maps to the same row.
var logNamespace = uuid.MustParse("6f1c52a0-3c1e-4b7e-9d55-2f0f7c0d8a11")

// Worker appends transaction_logs rows for scored and flagged purchases.
type Worker struct {
	bus  domain.EventBus
	repo domain.Repository
	now  func() time.Time

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new audit worker.
func NewWorker(bus domain.EventBus, repo domain.Repository) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
}

// topicActions maps each subscribed topic to the log action it produces.
var topicActions = map[string]string{
	domain.TopicTicketScored:  domain.LogActionScored,
	domain.TopicTicketFlagged: domain.LogActionFlagged,
}

// Start subscribes to the scoring topics.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range []string{domain.TopicTicketScored, domain.TopicTicketFlagged} {
		action := topicActions[topic]
		sub, err := w.bus.Subscribe(w.ctx, topic, func(ctx context.Context, msg *domain.Message) error {
			return w.handle(ctx, action, msg)
		})
		if err != nil {
			for _, s := range w.subscriptions {
				_ = s.Unsubscribe()
			}
			w.subscriptions = nil
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("audit worker started", "topics", len(w.subscriptions))
	return nil
}

// handle writes one log row for an event.
func (w *Worker) handle(ctx context.Context, action string, msg *domain.Message) error {
	var event domain.ScoredEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse scored event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.TransactionID == "" {
		return fmt.Errorf("scored event %s has no transaction id", msg.ID)
	}

	status := event.StatusID
	if status == 0 {
		status = domain.StatusCompleted
	}

	entry := &domain.TransactionLog{
		ID:            LogID(event.TransactionID, action),
		TransactionID: event.TransactionID,
		StatusID:      status,
		Action:        action,
		ChangedBy:     ChangedBy,
		ChangedAt:     w.now(),
	}

	if err := w.repo.SaveTransactionLog(ctx, entry); err != nil {
		slog.Error("failed to save transaction log",
			"tx_id", event.TransactionID,
			"action", action,
			"error", err,
		)
		return err
	}
	metrics.AuditLogsTotal.WithLabelValues(action).Inc()

	slog.Debug("transaction log written",
		"tx_id", event.TransactionID,
		"action", action,
		"trace_id", event.TraceID,
	)
	return nil
}

// LogID returns the log row id for a transaction and action.
func LogID(txID, action string) string {
	return uuid.NewSHA1(logNamespace, []byte(txID+"/"+action)).String()
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("audit worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
