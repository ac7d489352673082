//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Canomaly server.
//
// The scenarios drive the complete purchase pipeline:
//
//	Request → Features → Outlier model → Risk score → Price check → Persist → Audit log
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server must be started with a trained model artifact. Assertions avoid
// depending on a particular model: they check fare-class price validation,
// persistence, idempotency and the response contract, all of which are fixed.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("CANOMALY_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types (matching Canomaly's API contract)
// ============================================================================

type BuyRequest struct {
	TransactionID   string   `json:"transaction_id,omitempty"`
	UserID          string   `json:"user_id"`
	Price           float64  `json:"price"`
	NumTickets      int      `json:"num_tickets"`
	TicketClassID   int      `json:"ticket_class_id"`
	DiscountAmount  float64  `json:"discount_amount"`
	StationFromID   int      `json:"station_from_id"`
	StationToID     int      `json:"station_to_id"`
	PaymentMethodID int      `json:"payment_method_id"`
	BookingChannel  int      `json:"booking_channel_id"`
	IsRefund        bool     `json:"is_refund"`
	IsPopularRoute  bool     `json:"is_popular_route"`
	TransactionTime string   `json:"transaction_time"`
	PassengerNames  []string `json:"passenger_name"`
	SeatNumbers     []string `json:"seat_number"`
}

type PriceValidation struct {
	IsValid          bool    `json:"is_valid"`
	IsSuspicious     bool    `json:"is_suspicious"`
	DeviationPercent float64 `json:"deviation_percent"`
	ExpectedRange    string  `json:"expected_range"`
	ClassName        string  `json:"class_name"`
}

type BuyResponse struct {
	TransactionID   string          `json:"transaction_id"`
	Prediction      string          `json:"prediction"`
	Score           float64         `json:"score"`
	RiskScore       float64         `json:"risk_score"`
	RiskLevel       string          `json:"risk_level"`
	IsScalper       bool            `json:"is_scalper"`
	PriceValidation PriceValidation `json:"price_validation"`
	ModelFeatures   struct {
		PriceMarkupRatio float64 `json:"price_markup_ratio"`
		IsPriceAboveMax  int     `json:"is_price_above_max"`
		BasePrice        float64 `json:"base_price"`
		DiscountRatio    float64 `json:"discount_ratio"`
	} `json:"model_features"`
	TicketIDs []string `json:"ticket_ids"`
	Replayed  bool     `json:"replayed"`
}

type ErrorResponse struct {
	Error           string           `json:"error"`
	Kind            string           `json:"kind"`
	PriceValidation *PriceValidation `json:"price_validation"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func post(t *testing.T, config TestConfig, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, config.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return do(t, req)
}

func get(t *testing.T, config TestConfig, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, config.BaseURL+path, nil)
	require.NoError(t, err)
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err, "is the server running at %s?", req.URL.Host)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func buy(t *testing.T, config TestConfig, req BuyRequest) BuyResponse {
	t.Helper()
	status, body := post(t, config, "/tickets/buy", req, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var result BuyResponse
	require.NoError(t, json.Unmarshal(body, &result), string(body))
	return result
}

func normalRequest() BuyRequest {
	return BuyRequest{
		TransactionID:   uuid.NewString(),
		UserID:          "user-" + uuid.NewString()[:8],
		Price:           100000,
		NumTickets:      1,
		TicketClassID:   1,
		StationFromID:   1,
		StationToID:     2,
		PaymentMethodID: 1,
		BookingChannel:  1,
		TransactionTime: "2024-06-01 10:00:00",
		PassengerNames:  []string{"Ana"},
		SeatNumbers:     []string{"1A"},
	}
}

// ============================================================================
// SCENARIO 1: Fare inside the economy range
// ============================================================================

func TestNormalPurchase(t *testing.T) {
	config := getTestConfig()
	req := normalRequest()

	result := buy(t, config, req)

	assert.Equal(t, req.TransactionID, result.TransactionID)
	assert.True(t, result.PriceValidation.IsValid)
	assert.False(t, result.PriceValidation.IsSuspicious)
	assert.Equal(t, "Economy", result.PriceValidation.ClassName)
	assert.Equal(t, "80000 - 140000", result.PriceValidation.ExpectedRange)
	assert.Zero(t, result.PriceValidation.DeviationPercent)
	assert.Equal(t, 0, result.ModelFeatures.IsPriceAboveMax)
	assert.InDelta(t, 1.0, result.ModelFeatures.PriceMarkupRatio, 1e-9)
	assert.Len(t, result.TicketIDs, 1)
	assert.Contains(t, []string{"normal", "anomaly"}, result.Prediction)
	assert.Equal(t, result.Prediction == "anomaly", result.IsScalper)
	assert.GreaterOrEqual(t, result.RiskScore, 0.0)
	assert.LessOrEqual(t, result.RiskScore, 100.0)

	t.Logf("normal purchase: prediction=%s risk=%.1f level=%s",
		result.Prediction, result.RiskScore, result.RiskLevel)
}

// ============================================================================
// SCENARIO 2: Bulk purchase at resale price
// ============================================================================

func TestBulkResalePurchase(t *testing.T) {
	config := getTestConfig()
	req := normalRequest()
	req.Price = 300000
	req.NumTickets = 8
	req.TransactionTime = "2024-06-01 23:30:00"
	req.PassengerNames = []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	result := buy(t, config, req)

	// Price validation is fixed by the fare-class table.
	assert.False(t, result.PriceValidation.IsValid)
	assert.True(t, result.PriceValidation.IsSuspicious)
	assert.InDelta(t, 114.2857, result.PriceValidation.DeviationPercent, 1e-3)
	assert.Equal(t, 1, result.ModelFeatures.IsPriceAboveMax)
	assert.InDelta(t, 3.0, result.ModelFeatures.PriceMarkupRatio, 1e-9)
	assert.Len(t, result.TicketIDs, 8)

	t.Logf("bulk resale purchase: prediction=%s risk=%.1f level=%s scalper=%v",
		result.Prediction, result.RiskScore, result.RiskLevel, result.IsScalper)
}

// ============================================================================
// SCENARIO 3: Unknown fare class is refused
// ============================================================================

func TestUnknownFareClass(t *testing.T) {
	config := getTestConfig()
	req := normalRequest()
	req.TicketClassID = 99

	status, body := post(t, config, "/tickets/buy", req, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "unknown_fare_class", resp.Kind)
	require.NotNil(t, resp.PriceValidation)
	assert.Equal(t, "Unknown", resp.PriceValidation.ClassName)
	assert.Equal(t, "N/A", resp.PriceValidation.ExpectedRange)

	status, _ = get(t, config, "/transactions/"+req.TransactionID)
	assert.Equal(t, http.StatusNotFound, status, "refused purchase must not be persisted")
}

// ============================================================================
// SCENARIO 4: Retried purchase is idempotent
// ============================================================================

func TestIdempotentRetry(t *testing.T) {
	config := getTestConfig()
	req := normalRequest()
	req.TransactionID = ""
	key := uuid.NewString()
	headers := map[string]string{"Idempotency-Key": key}

	status, body := post(t, config, "/tickets/buy", req, headers)
	require.Equal(t, http.StatusOK, status, string(body))
	var first BuyResponse
	require.NoError(t, json.Unmarshal(body, &first))

	status, body = post(t, config, "/tickets/buy", req, headers)
	require.Equal(t, http.StatusOK, status, string(body))
	var second BuyResponse
	require.NoError(t, json.Unmarshal(body, &second))

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.TicketIDs, second.TicketIDs)
	assert.True(t, second.Replayed)
}

// ============================================================================
// SCENARIO 5: Persisted purchase gains an audit trail
// ============================================================================

func TestTransactionDetailAndAuditLog(t *testing.T) {
	config := getTestConfig()
	req := normalRequest()
	result := buy(t, config, req)

	var detail struct {
		Transaction struct {
			ID        string  `json:"id"`
			FraudFlag bool    `json:"fraud_flag"`
			RiskScore float64 `json:"risk_score"`
		} `json:"transaction"`
		Tickets []struct {
			ID            string `json:"id"`
			PassengerName string `json:"passenger_name"`
		} `json:"tickets"`
		Logs []struct {
			Action string `json:"action"`
		} `json:"logs"`
	}

	// The audit worker writes asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, body := get(t, config, "/transactions/"+result.TransactionID)
		require.Equal(t, http.StatusOK, status, string(body))
		require.NoError(t, json.Unmarshal(body, &detail))
		if len(detail.Logs) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	assert.Equal(t, result.TransactionID, detail.Transaction.ID)
	assert.Equal(t, result.IsScalper, detail.Transaction.FraudFlag)
	assert.InDelta(t, result.RiskScore, detail.Transaction.RiskScore, 1e-9)
	require.Len(t, detail.Tickets, 1)
	assert.Equal(t, "Ana", detail.Tickets[0].PassengerName)
	require.NotEmpty(t, detail.Logs, "expected audit log entries")
	assert.Equal(t, "scored", detail.Logs[0].Action)
}

// ============================================================================
// SCENARIO 6: Batch scoring normalizes within the batch
// ============================================================================

func TestBatchScoreSingleItem(t *testing.T) {
	config := getTestConfig()

	status, body := post(t, config, "/tickets/score", []BuyRequest{normalRequest()}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Results []struct {
			RiskScore float64 `json:"risk_score"`
			RiskLevel string  `json:"risk_level"`
		} `json:"results"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, 1, resp.Count)
	assert.Zero(t, resp.Results[0].RiskScore)
	assert.Equal(t, "Low", resp.Results[0].RiskLevel)
}

func TestBatchScoreSpansRange(t *testing.T) {
	config := getTestConfig()

	var reqs []BuyRequest
	for i := 0; i < 5; i++ {
		r := normalRequest()
		r.Price = float64(90000 + i*100000)
		r.NumTickets = 1 + i*3
		reqs = append(reqs, r)
	}

	status, body := post(t, config, "/tickets/score", map[string]any{"transactions": reqs}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Results []struct {
			RiskScore float64 `json:"risk_score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Results, len(reqs))

	lo, hi := 100.0, 0.0
	for _, r := range resp.Results {
		lo = min(lo, r.RiskScore)
		hi = max(hi, r.RiskScore)
	}
	if lo == hi {
		t.Skipf("model scored every item equally (%.1f)", lo)
	}
	assert.InDelta(t, 0, lo, 1e-9)
	assert.InDelta(t, 100, hi, 1e-9)
}

// ============================================================================
// SCENARIO 7: Service surface
// ============================================================================

func TestServiceEndpoints(t *testing.T) {
	config := getTestConfig()

	for _, path := range []string{"/health", "/ready", "/model", "/anomalies/stats", "/rules", "/tickets?limit=5"} {
		t.Run(path, func(t *testing.T) {
			status, body := get(t, config, path)
			assert.Equal(t, http.StatusOK, status, string(body))
		})
	}

	status, body := get(t, config, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "canomaly_assessments_total")
}
