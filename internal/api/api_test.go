package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/canomaly/internal/bus"
	"github.com/opensource-finance/canomaly/internal/cache"
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/fareclass"
	"github.com/opensource-finance/canomaly/internal/model"
	"github.com/opensource-finance/canomaly/internal/model/modeltest"
	"github.com/opensource-finance/canomaly/internal/purchase"
	"github.com/opensource-finance/canomaly/internal/repository"
	"github.com/opensource-finance/canomaly/internal/rules"
	"github.com/opensource-finance/canomaly/internal/scoring"
	"github.com/opensource-finance/canomaly/internal/velocity"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	rules  *rules.Engine
}

// createTestServer wires a community-tier stack around the test model.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	ruleEngine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := ruleEngine.LoadRules(rules.DefaultRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	m := modeltest.Model()
	ref := m.Reference()
	engine := scoring.NewEngine(fareclass.Default(), model.NewScorer(m),
		scoring.WithNormalizer(scoring.Normalizer{Min: ref.Min, Max: ref.Max}))

	svc, err := purchase.NewService(purchase.Deps{
		Engine:     engine,
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Rules:      ruleEngine,
		Velocity:   velocity.NewService(lru, time.Hour),
		Config:     domain.PersistenceConfig{RetryAttempts: 2, RetryBaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to create purchase service: %v", err)
	}

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8000}, Deps{
		Purchases:  svc,
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Rules:      ruleEngine,
		Model:      m,
		Version:    "test",
	})
	return &testEnv{server: server, repo: repo, rules: ruleEngine}
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func scalperPurchase(txID string) map[string]any {
	return map[string]any{
		"transaction_id":     txID,
		"user_id":            "user-1",
		"price":              300000,
		"num_tickets":        8,
		"ticket_class_id":    1,
		"station_from_id":    1,
		"station_to_id":      2,
		"payment_method_id":  1,
		"booking_channel_id": 1,
		"is_refund":          0,
		"is_popular_route":   1,
		"passenger_name":     []string{"Ana", "Budi"},
		"seat_number":        []string{"1A", "1B"},
		"transaction_time":   "2025-03-14 10:00:00",
	}
}

func normalPurchase(txID string) map[string]any {
	p := scalperPurchase(txID)
	p["price"] = 100000
	p["num_tickets"] = 1
	p["passenger_name"] = []string{"Citra"}
	p["seat_number"] = []string{"2C"}
	return p
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	w := env.do("GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("expected version 'test', got %v", resp["version"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := createTestServer(t)

	w := env.do("GET", "/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	t.Run("NoModel", func(t *testing.T) {
		server := NewServer(domain.ServerConfig{}, Deps{Repository: env.repo})
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()
		server.Router().ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", w.Code)
		}
	})
}

func TestErrorBodiesHideInternals(t *testing.T) {
	env := createTestServer(t)
	env.repo.Close()

	t.Run("PersistenceFailure", func(t *testing.T) {
		w := env.do("POST", "/tickets/buy", normalPurchase("TX-CLOSED"))
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected status 502, got %d: %s", w.Code, w.Body.String())
		}
		if strings.Contains(w.Body.String(), "sql:") {
			t.Errorf("driver error leaked into response: %s", w.Body.String())
		}

		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Kind != domain.KindPersistenceFailure {
			t.Errorf("expected kind persistence_failure, got %s", resp.Kind)
		}
		if resp.Error != "persistence failure" {
			t.Errorf("expected fixed message, got %q", resp.Error)
		}
	})

	t.Run("Health", func(t *testing.T) {
		w := env.do("GET", "/health", nil)
		if strings.Contains(w.Body.String(), "sql:") {
			t.Errorf("driver error leaked into health: %s", w.Body.String())
		}

		var resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, w, &resp)
		if resp.Status != "degraded" {
			t.Errorf("expected degraded, got %s", resp.Status)
		}
		if resp.Checks["repository"] != "unavailable" {
			t.Errorf("expected repository unavailable, got %q", resp.Checks["repository"])
		}
	})
}

func TestWriteErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.Errorf(domain.KindInvalidRequest, "num_tickets must be at least 1"), "invalid_request: num_tickets must be at least 1"},
		{domain.Errorf(domain.KindModelUnavailable, "open /models/a.json: no such file"), "model unavailable"},
		{domain.Errorf(domain.KindPersistenceFailure, "sql: database is closed"), "persistence failure"},
		{context.Canceled, "internal server error"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeError(w, tt.err)

		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Error != tt.want {
			t.Errorf("writeError(%v) message = %q, want %q", tt.err, resp.Error, tt.want)
		}
	}
}

func TestModelEndpoint(t *testing.T) {
	env := createTestServer(t)

	w := env.do("GET", "/model", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		FeatureNames  []string `json:"feature_names"`
		Contamination float64  `json:"contamination"`
		Normalization string   `json:"normalization"`
		Trees         int      `json:"trees"`
	}
	decode(t, w, &resp)

	if len(resp.FeatureNames) != domain.FeatureCount {
		t.Errorf("expected %d feature names, got %d", domain.FeatureCount, len(resp.FeatureNames))
	}
	if resp.FeatureNames[3] != "price_markup_ratio" {
		t.Errorf("unexpected feature order: %v", resp.FeatureNames)
	}
	if resp.Normalization != string(domain.NormalizeReference) {
		t.Errorf("expected reference normalization, got %s", resp.Normalization)
	}
	if resp.Trees != 1 {
		t.Errorf("expected 1 tree, got %d", resp.Trees)
	}
}

func TestBuyTicketEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("Scalper", func(t *testing.T) {
		w := env.do("POST", "/tickets/buy", scalperPurchase("TX-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		var resp struct {
			TransactionID   string                 `json:"transaction_id"`
			Prediction      string                 `json:"prediction"`
			Score           float64                `json:"score"`
			RiskScore       float64                `json:"risk_score"`
			RiskLevel       string                 `json:"risk_level"`
			IsScalper       bool                   `json:"is_scalper"`
			PriceValidation domain.PriceValidation `json:"price_validation"`
			ModelFeatures   domain.ModelFeatures   `json:"model_features"`
			TicketIDs       []string               `json:"ticket_ids"`
			Reasons         []string               `json:"reasons"`
		}
		decode(t, w, &resp)

		if resp.TransactionID != "TX-1" {
			t.Errorf("expected transaction_id TX-1, got %s", resp.TransactionID)
		}
		if resp.Prediction != "anomaly" || !resp.IsScalper {
			t.Errorf("expected anomaly scalper, got %s/%v", resp.Prediction, resp.IsScalper)
		}
		if resp.RiskLevel != "Critical" {
			t.Errorf("expected Critical, got %s", resp.RiskLevel)
		}
		if resp.Score <= 0 {
			t.Errorf("expected positive display score, got %v", resp.Score)
		}
		if !resp.PriceValidation.IsSuspicious || resp.PriceValidation.ClassName != "Economy" {
			t.Errorf("unexpected price validation: %+v", resp.PriceValidation)
		}
		if resp.ModelFeatures.PriceMarkupRatio != 3 || resp.ModelFeatures.IsPriceAboveMax != 1 {
			t.Errorf("unexpected model features: %+v", resp.ModelFeatures)
		}
		if len(resp.TicketIDs) != 8 {
			t.Errorf("expected 8 tickets, got %d", len(resp.TicketIDs))
		}
		if len(resp.Reasons) == 0 {
			t.Error("expected advisory reasons")
		}
	})

	t.Run("Normal", func(t *testing.T) {
		w := env.do("POST", "/tickets/buy", normalPurchase("TX-2"))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]any
		decode(t, w, &resp)
		if resp["is_scalper"] != false {
			t.Errorf("expected is_scalper false, got %v", resp["is_scalper"])
		}
		if resp["risk_level"] != "Low" {
			t.Errorf("expected Low, got %v", resp["risk_level"])
		}
	})

	t.Run("UnknownClass", func(t *testing.T) {
		body := normalPurchase("TX-3")
		body["ticket_class_id"] = 99

		w := env.do("POST", "/tickets/buy", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", w.Code, w.Body.String())
		}

		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Kind != domain.KindUnknownFareClass {
			t.Errorf("expected kind unknown_fare_class, got %s", resp.Kind)
		}
		if resp.PriceValidation == nil || resp.PriceValidation.ClassName != "Unknown" {
			t.Errorf("expected price validation for unknown class, got %+v", resp.PriceValidation)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		w := env.do("POST", "/tickets/buy", "{invalid")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Kind != domain.KindFormat {
			t.Errorf("expected kind format_error, got %s", resp.Kind)
		}
	})

	t.Run("BadTransactionTime", func(t *testing.T) {
		body := normalPurchase("TX-4")
		body["transaction_time"] = "14/03/2025"
		w := env.do("POST", "/tickets/buy", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("ZeroTickets", func(t *testing.T) {
		body := normalPurchase("TX-5")
		body["num_tickets"] = 0
		w := env.do("POST", "/tickets/buy", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})
}

func TestBuyTicketIdempotency(t *testing.T) {
	env := createTestServer(t)

	body := normalPurchase("")
	first := env.do("POST", "/tickets/buy", body, IdempotencyKeyHeader, "order-42")
	second := env.do("POST", "/tickets/buy", body, IdempotencyKeyHeader, "order-42")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}

	var a, b map[string]any
	decode(t, first, &a)
	decode(t, second, &b)
	if a["transaction_id"] != b["transaction_id"] {
		t.Errorf("expected same transaction id, got %v and %v", a["transaction_id"], b["transaction_id"])
	}
	if b["replayed"] != true {
		t.Errorf("expected replayed response, got %v", b["replayed"])
	}

	t.Run("KeyTooLong", func(t *testing.T) {
		w := env.do("POST", "/tickets/buy", body, IdempotencyKeyHeader, strings.Repeat("k", 256))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})
}

func TestScoreTicketsEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("Wrapped", func(t *testing.T) {
		w := env.do("POST", "/tickets/score", map[string]any{
			"transactions": []any{normalPurchase("A"), scalperPurchase("B")},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		var resp ScoreResponse
		decode(t, w, &resp)
		if resp.Count != 2 {
			t.Fatalf("expected 2 results, got %d", resp.Count)
		}
		if resp.Results[0].RiskScore != 0 || resp.Results[1].RiskScore != 100 {
			t.Errorf("expected batch risk scores 0 and 100, got %v and %v",
				resp.Results[0].RiskScore, resp.Results[1].RiskScore)
		}
		if !resp.Results[1].IsScalper || resp.Results[1].TransactionID != "B" {
			t.Errorf("unexpected second result: %+v", resp.Results[1])
		}
		if resp.Normalization != "batch" {
			t.Errorf("expected batch normalization, got %s", resp.Normalization)
		}
	})

	t.Run("BareArray", func(t *testing.T) {
		w := env.do("POST", "/tickets/score", []any{normalPurchase("A")})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var resp ScoreResponse
		decode(t, w, &resp)
		if resp.Count != 1 || resp.Results[0].RiskScore != 0 {
			t.Errorf("expected single item with risk 0, got %+v", resp)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		w := env.do("POST", "/tickets/score", map[string]any{"transactions": []any{}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("NothingPersisted", func(t *testing.T) {
		txs, err := env.repo.ListTransactions(context.Background(), domain.TransactionFilter{})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected no persisted transactions, got %d", len(txs))
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	env := createTestServer(t)

	env.do("POST", "/tickets/buy", scalperPurchase("TX-S"))
	env.do("POST", "/tickets/buy", normalPurchase("TX-N"))

	t.Run("List", func(t *testing.T) {
		w := env.do("GET", "/transactions", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, w, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 transactions, got %d", resp.Count)
		}
	})

	t.Run("FraudOnly", func(t *testing.T) {
		w := env.do("GET", "/transactions?fraud_only=true", nil)
		var resp struct {
			Transactions []*domain.Transaction `json:"transactions"`
		}
		decode(t, w, &resp)
		if len(resp.Transactions) != 1 || resp.Transactions[0].ID != "TX-S" {
			t.Errorf("expected only TX-S, got %+v", resp.Transactions)
		}
	})

	t.Run("BadFilter", func(t *testing.T) {
		if w := env.do("GET", "/transactions?fraud_only=maybe", nil); w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if w := env.do("GET", "/transactions?limit=-1", nil); w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("Detail", func(t *testing.T) {
		w := env.do("GET", "/transactions/TX-S", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var detail TransactionDetail
		decode(t, w, &detail)
		if !detail.Transaction.FraudFlag {
			t.Error("expected fraud flag")
		}
		if len(detail.Tickets) != 8 {
			t.Errorf("expected 8 tickets, got %d", len(detail.Tickets))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		w := env.do("GET", "/transactions/missing", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Kind != domain.KindNotFound {
			t.Errorf("expected kind not_found, got %s", resp.Kind)
		}
	})

	t.Run("Tickets", func(t *testing.T) {
		w := env.do("GET", "/tickets?limit=5", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, w, &resp)
		if resp.Count != 5 {
			t.Errorf("expected 5 tickets, got %d", resp.Count)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		w := env.do("GET", "/anomalies/stats", nil)
		var stats domain.AnomalyStats
		decode(t, w, &stats)
		if stats.Total != 2 || stats.Anomalies != 1 {
			t.Errorf("expected total 2 anomalies 1, got %+v", stats)
		}
		if stats.ByRiskLevel[domain.RiskCritical] != 1 {
			t.Errorf("expected one critical, got %v", stats.ByRiskLevel)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		w := env.do("GET", "/rules", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, w, &resp)
		if resp.Count != len(rules.DefaultRules()) {
			t.Errorf("expected %d rules, got %d", len(rules.DefaultRules()), resp.Count)
		}
	})

	t.Run("Get", func(t *testing.T) {
		if w := env.do("GET", "/rules/bulk-purchase", nil); w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if w := env.do("GET", "/rules/nope", nil); w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		w := env.do("POST", "/rules", map[string]any{
			"id":         "broken",
			"name":       "Broken",
			"expression": "num_tickets >",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		w := env.do("POST", "/rules", map[string]any{
			"id":         "refund-check",
			"name":       "Refund",
			"expression": "is_refund",
			"enabled":    true,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}

		// Not applied until reload.
		if env.rules.RulesCount() != len(rules.DefaultRules()) {
			t.Errorf("rule applied before reload")
		}

		w = env.do("POST", "/rules/reload", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if env.rules.RulesCount() != 1 {
			t.Errorf("expected 1 rule after reload from store, got %d", env.rules.RulesCount())
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)
	env.do("GET", "/health", nil)

	w := env.do("GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "canomaly_http_requests_total") {
		t.Error("expected http request metrics")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	w := env.do("OPTIONS", "/tickets/buy", nil, "Origin", "http://localhost:3000")
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected allow origin %s", got)
	}
}

func TestTraceHeaders(t *testing.T) {
	env := createTestServer(t)

	w := env.do("GET", "/health", nil, RequestIDHeader, "req-123")
	if w.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("expected request id echoed, got %s", w.Header().Get(RequestIDHeader))
	}
	if w.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.KindFormat, "x"), http.StatusBadRequest},
		{domain.Errorf(domain.KindInvalidRequest, "x"), http.StatusBadRequest},
		{domain.Errorf(domain.KindUnknownFareClass, "x"), http.StatusUnprocessableEntity},
		{domain.Errorf(domain.KindModelUnavailable, "x"), http.StatusServiceUnavailable},
		{domain.Errorf(domain.KindPersistenceFailure, "x"), http.StatusBadGateway},
		{domain.Errorf(domain.KindNotFound, "x"), http.StatusNotFound},
		{repository.ErrNotFound, http.StatusNotFound},
		{context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
