package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/canomaly/internal/bus"
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/repository"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func publishEvent(t *testing.T, b domain.EventBus, topic string, event domain.ScoredEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitForLogs(t *testing.T, repo domain.Repository, txID string, want int) []*domain.TransactionLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, err := repo.ListTransactionLogs(context.Background(), txID)
		if err != nil {
			t.Fatalf("list logs failed: %v", err)
		}
		if len(logs) >= want || time.Now().After(deadline) {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newTestRepo(t))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ScoredEventWritesLog", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newTestRepo(t)

		w := NewWorker(eventBus, repo)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishEvent(t, eventBus, domain.TopicTicketScored, domain.ScoredEvent{
			TransactionID: "tx-001",
			Prediction:    domain.LabelNormal,
			StatusID:      domain.StatusCompleted,
		})

		logs := waitForLogs(t, repo, "tx-001", 1)
		if len(logs) != 1 {
			t.Fatalf("expected 1 log, got %d", len(logs))
		}
		if logs[0].Action != domain.LogActionScored {
			t.Errorf("expected action %s, got %s", domain.LogActionScored, logs[0].Action)
		}
		if logs[0].ChangedBy != ChangedBy {
			t.Errorf("expected changed_by %s, got %s", ChangedBy, logs[0].ChangedBy)
		}
		if logs[0].ID != LogID("tx-001", domain.LogActionScored) {
			t.Errorf("unexpected log id %s", logs[0].ID)
		}
	})

	t.Run("FlaggedEventWritesSecondLog", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newTestRepo(t)

		w := NewWorker(eventBus, repo)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		event := domain.ScoredEvent{
			TransactionID: "tx-002",
			Prediction:    domain.LabelAnomaly,
			FraudFlag:     true,
		}
		publishEvent(t, eventBus, domain.TopicTicketScored, event)
		publishEvent(t, eventBus, domain.TopicTicketFlagged, event)

		logs := waitForLogs(t, repo, "tx-002", 2)
		if len(logs) != 2 {
			t.Fatalf("expected 2 logs, got %d", len(logs))
		}
		actions := map[string]bool{}
		for _, l := range logs {
			actions[l.Action] = true
			if l.StatusID != domain.StatusCompleted {
				t.Errorf("expected default status %d, got %d", domain.StatusCompleted, l.StatusID)
			}
		}
		if !actions[domain.LogActionScored] || !actions[domain.LogActionFlagged] {
			t.Errorf("expected scored and flagged actions, got %v", actions)
		}
	})

	t.Run("RedeliveryIsIdempotent", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newTestRepo(t)

		w := NewWorker(eventBus, repo)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		event := domain.ScoredEvent{TransactionID: "tx-003"}
		publishEvent(t, eventBus, domain.TopicTicketScored, event)
		publishEvent(t, eventBus, domain.TopicTicketScored, event)

		waitForLogs(t, repo, "tx-003", 1)
		time.Sleep(50 * time.Millisecond)

		logs, _ := repo.ListTransactionLogs(context.Background(), "tx-003")
		if len(logs) != 1 {
			t.Errorf("expected 1 log after redelivery, got %d", len(logs))
		}
	})
}

func TestHandleRejectsBadEvents(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), newTestRepo(t))
	ctx := context.Background()

	t.Run("InvalidJSON", func(t *testing.T) {
		err := w.handle(ctx, domain.LogActionScored, &domain.Message{ID: "m1", Payload: []byte("{")})
		if err == nil {
			t.Error("expected error for invalid payload")
		}
	})

	t.Run("MissingTransactionID", func(t *testing.T) {
		err := w.handle(ctx, domain.LogActionScored, &domain.Message{ID: "m2", Payload: []byte(`{}`)})
		if err == nil {
			t.Error("expected error for missing transaction id")
		}
	})
}

func TestLogIDStable(t *testing.T) {
	if LogID("tx", "scored") != LogID("tx", "scored") {
		t.Error("expected stable log id")
	}
	if LogID("tx", "scored") == LogID("tx", "flagged") {
		t.Error("expected distinct ids per action")
	}
}
