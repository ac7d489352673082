package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/model"
	"github.com/opensource-finance/canomaly/internal/purchase"
	"github.com/opensource-finance/canomaly/internal/repository"
	"github.com/opensource-finance/canomaly/internal/rules"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Deps groups the collaborators of the API handlers.
type Deps struct {
	Purchases  *purchase.Service
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Rules      *rules.Engine
	Model      *model.Model
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	purchases *purchase.Service
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	rules     *rules.Engine
	model     *model.Model
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		purchases: d.Purchases,
		repo:      d.Repository,
		cache:     d.Cache,
		bus:       d.Bus,
		rules:     d.Rules,
		model:     d.Model,
		version:   d.Version,
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error           string                  `json:"error"`
	Kind            domain.ErrorKind        `json:"kind"`
	PriceValidation *domain.PriceValidation `json:"price_validation,omitempty"`
}

// BuyTicket handles POST /tickets/buy.
func (h *Handler) BuyTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	receipt, err := h.purchases.Buy(ctx, &req, GetIdempotencyKey(ctx))
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknownFareClass {
			pv := h.purchases.Engine().ValidatePrice(&req)
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:           err.Error(),
				Kind:            domain.KindUnknownFareClass,
				PriceValidation: &pv,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// ScoreRequest is the body of POST /tickets/score. A bare JSON array of
// ticket requests is accepted as well.
type ScoreRequest struct {
	Transactions []*domain.TicketRequest `json:"transactions"`
}

// ScoreItem is one entry of a batch scoring response.
type ScoreItem struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	Prediction    domain.Label     `json:"prediction"`
	Score         float64          `json:"score"`
	RiskScore     float64          `json:"risk_score"`
	RiskLevel     domain.RiskLevel `json:"risk_level"`
	IsScalper     bool             `json:"is_scalper"`
}

// ScoreResponse is the body returned by POST /tickets/score.
type ScoreResponse struct {
	Results       []ScoreItem `json:"results"`
	Count         int         `json:"count"`
	Normalization string      `json:"normalization"`
}

// ScoreTickets handles POST /tickets/score. Nothing is persisted and risk
// scores are normalized across the submitted batch.
func (h *Handler) ScoreTickets(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, err)
		return
	}

	var reqs []*domain.TicketRequest
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			writeError(w, domain.Errorf(domain.KindFormat, "invalid JSON request body: %v", err))
			return
		}
	} else {
		var body ScoreRequest
		if err := json.Unmarshal(trimmed, &body); err != nil {
			writeError(w, domain.Errorf(domain.KindFormat, "invalid JSON request body: %v", err))
			return
		}
		reqs = body.Transactions
	}

	if len(reqs) == 0 {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, "at least one transaction is required"))
		return
	}
	for i, req := range reqs {
		if req == nil {
			writeError(w, domain.Errorf(domain.KindInvalidRequest, "item %d is null", i))
			return
		}
	}

	assessments, err := h.purchases.Score(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ScoreResponse{
		Results:       make([]ScoreItem, len(assessments)),
		Count:         len(assessments),
		Normalization: string(domain.NormalizeBatch),
	}
	for i, a := range assessments {
		resp.Results[i] = ScoreItem{
			TransactionID: a.TransactionID,
			UserID:        a.UserID,
			Prediction:    a.Prediction,
			Score:         a.Score,
			RiskScore:     a.RiskScore,
			RiskLevel:     a.RiskLevel,
			IsScalper:     a.IsScalper,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTickets handles GET /tickets.
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	tickets, err := h.repo.ListTickets(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list tickets", "error", err)
		writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*domain.Ticket{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	filter := domain.TransactionFilter{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  limit,
	}
	if v := r.URL.Query().Get("fraud_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, domain.Errorf(domain.KindInvalidRequest, "fraud_only must be a boolean"))
			return
		}
		filter.FraudOnly = b
	}

	txs, err := h.repo.ListTransactions(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list transactions", "error", err)
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// TransactionDetail is the body returned by GET /transactions/{id}.
type TransactionDetail struct {
	Transaction *domain.Transaction      `json:"transaction"`
	Tickets     []*domain.Ticket         `json:"tickets"`
	Logs        []*domain.TransactionLog `json:"logs"`
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get transaction", "id", txID, "error", err)
		}
		writeError(w, err)
		return
	}

	tickets, err := h.repo.ListTicketsByTransaction(ctx, txID)
	if err != nil {
		slog.Error("failed to list tickets", "id", txID, "error", err)
		writeError(w, err)
		return
	}

	logs, err := h.repo.ListTransactionLogs(ctx, txID)
	if err != nil {
		slog.Error("failed to list transaction logs", "id", txID, "error", err)
		writeError(w, err)
		return
	}

	detail := TransactionDetail{Transaction: tx, Tickets: tickets, Logs: logs}
	if detail.Tickets == nil {
		detail.Tickets = []*domain.Ticket{}
	}
	if detail.Logs == nil {
		detail.Logs = []*domain.TransactionLog{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// AnomalyStats handles GET /anomalies/stats.
func (h *Handler) AnomalyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.AnomalyStats(r.Context())
	if err != nil {
		slog.Error("failed to compute anomaly stats", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			status = "degraded"
			checks[name] = "unavailable"
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("event_bus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the server can score traffic: a model is loaded and
// the repository answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.model == nil || h.purchases == nil {
		writeError(w, domain.Errorf(domain.KindModelUnavailable, "model not loaded"))
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "repository unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ModelResponse is the body returned by GET /model.
type ModelResponse struct {
	model.Info
	Normalization domain.NormalizationMode `json:"normalization"`
}

// ModelInfo handles GET /model.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		writeError(w, domain.Errorf(domain.KindModelUnavailable, "model not loaded"))
		return
	}
	resp := ModelResponse{Info: h.model.Info()}
	if h.purchases != nil {
		resp.Normalization = h.purchases.Engine().Mode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.rules.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.rules.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, domain.Errorf(domain.KindNotFound, "rule %s not found", ruleID))
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, "id, name, and expression are required"))
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := h.rules.ValidateRule(ruleConfig); err != nil {
		writeError(w, domain.Errorf(domain.KindInvalidRequest, "invalid CEL expression: %v", err))
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "version", ruleConfig.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, err)
		return
	}

	if err := h.rules.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, domain.Errorf(domain.KindInvalidRequest, "failed to reload rules: %v", err))
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.KindFormat, "request body is empty")
		}
		return domain.Errorf(domain.KindFormat, "invalid JSON request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.Errorf(domain.KindInvalidRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, repository.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindFormat, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindUnknownFareClass:
		return http.StatusUnprocessableEntity
	case domain.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindPersistenceFailure:
		return http.StatusBadGateway
	case domain.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: domain.KindOf(err)}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		resp.Kind = domain.KindNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		resp.Kind = domain.KindInvalidRequest
	}

	// Only caller mistakes echo their message; everything else gets a fixed text.
	switch resp.Kind {
	case domain.KindFormat, domain.KindInvalidRequest, domain.KindUnknownFareClass, domain.KindNotFound:
	default:
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", "kind", resp.Kind, "status", status, "error", err)
		}
		resp.Error = publicMessage(resp.Kind)
	}

	writeJSON(w, status, resp)
}

func publicMessage(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindPersistenceFailure:
		return "persistence failure"
	case domain.KindModelUnavailable:
		return "model unavailable"
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
