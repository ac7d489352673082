package domain

import (
	"time"
)

// Transaction status ids.
const (
	StatusCompleted = 1
	StatusRefunded  = 2
)

// Transaction is the persisted purchase record, including scoring outputs.
type Transaction struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	OriginID int    `json:"origin_id"`

	StationFromID    int     `json:"station_from_id"`
	StationToID      int     `json:"station_to_id"`
	TotalAmount      float64 `json:"total_amount"`
	PaymentMethodID  int     `json:"payment_method_id"`
	BookingChannelID int     `json:"booking_channel_id"`
	StatusID         int     `json:"status_id"`

	TicketClassID  int     `json:"ticket_class_id"`
	NumTickets     int     `json:"num_tickets"`
	DiscountAmount float64 `json:"discount_amount"`
	IsRefund       bool    `json:"is_refund"`
	IsPopularRoute bool    `json:"is_popular_route"`

	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`

	// Scoring outputs
	AnomalyScore   float64   `json:"anomaly_score"`
	AnomalyLabelID int       `json:"anomaly_label_id"`
	FraudFlag      bool      `json:"fraud_flag"`
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level"`

	Features map[string]any `json:"features,omitempty"`

	TransactionTime time.Time `json:"transaction_time"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Ticket is a single issued seat within a transaction.
type Ticket struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	PassengerName string    `json:"passenger_name"`
	SeatNumber    string    `json:"seat_number,omitempty"`
	Price         float64   `json:"price"`
	StatusID      int       `json:"status_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transaction log actions.
const (
	LogActionScored  = "scored"
	LogActionFlagged = "flagged"
)

// TransactionLog is an audit entry for a transaction.
type TransactionLog struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	StatusID      int       `json:"status_id"`
	Action        string    `json:"action"`
	ChangedBy     string    `json:"changed_by,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	FraudOnly bool
	UserID    string
	Limit     int
}

// AnomalyStats aggregates persisted scoring outputs.
type AnomalyStats struct {
	Total           int64               `json:"total"`
	Anomalies       int64               `json:"anomalies"`
	AvgAnomalyScore float64             `json:"avg_anomaly_score"`
	ByRiskLevel     map[RiskLevel]int64 `json:"by_risk_level"`
}

// NewTransaction builds the persisted record from a request and its assessment.
func NewTransaction(req *TicketRequest, a *Assessment, now time.Time) *Transaction {
	status := StatusCompleted
	if req.IsRefund {
		status = StatusRefunded
	}

	tx := &Transaction{
		ID:                a.TransactionID,
		UserID:            req.UserID,
		OriginID:          req.OriginID,
		StationFromID:     req.StationFromID,
		StationToID:       req.StationToID,
		TotalAmount:       req.FinalPrice(),
		PaymentMethodID:   req.PaymentMethodID,
		BookingChannelID:  req.BookingChannelID,
		StatusID:          status,
		TicketClassID:     req.ClassID(),
		NumTickets:        req.NumTickets,
		DiscountAmount:    req.DiscountAmount,
		IsRefund:          bool(req.IsRefund),
		IsPopularRoute:    bool(req.IsPopularRoute),
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		AnomalyScore:      a.Scoring.RawScore,
		AnomalyLabelID:    a.Prediction.ID(),
		FraudFlag:         a.FraudFlag(),
		RiskScore:         a.RiskScore,
		RiskLevel:         a.RiskLevel,
		TransactionTime:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if a.Features != nil {
		tx.Features = a.Features.Map()
		tx.TransactionTime = a.Features.TransactionTime
	}
	return tx
}
