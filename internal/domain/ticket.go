package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultTicketClassID is used when a request omits ticket_class_id.
const DefaultTicketClassID = 1

// TicketRequest is the purchase payload sent to POST /tickets/buy.
// It only lives for the duration of one request.
type TicketRequest struct {
	// Client-supplied transaction id. Doubles as the idempotency key for persistence.
	TransactionID string `json:"transaction_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	OriginID      int    `json:"origin_id,omitempty"`

	// Pricing
	Price          float64 `json:"price"`
	NumTickets     int     `json:"num_tickets"`
	TicketClassID  int     `json:"ticket_class_id"`
	DiscountAmount float64 `json:"discount_amount"`

	// Route and channel
	StationFromID    int  `json:"station_from_id"`
	StationToID      int  `json:"station_to_id"`
	PaymentMethodID  int  `json:"payment_method_id"`
	BookingChannelID int  `json:"booking_channel_id"`
	IsRefund         Flag `json:"is_refund"`
	IsPopularRoute   Flag `json:"is_popular_route"`

	// Free-form categories, mapped to bounded integers by the feature extractor
	PriceCategory   Categorical `json:"price_category,omitempty"`
	TicketsCategory Categorical `json:"tickets_category,omitempty"`

	// Passengers
	PassengerNames []string `json:"passenger_name"`
	SeatNumbers    []string `json:"seat_number"`

	// Client identifiers
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`

	// ISO-8601 or "YYYY-MM-DD HH:MM:SS"
	TransactionTime string `json:"transaction_time,omitempty"`
}

// ClassID returns the requested ticket class, defaulting to economy.
func (r *TicketRequest) ClassID() int {
	if r.TicketClassID == 0 {
		return DefaultTicketClassID
	}
	return r.TicketClassID
}

// FinalPrice is the price after discount, never negative.
func (r *TicketRequest) FinalPrice() float64 {
	p := r.Price - r.DiscountAmount
	if p < 0 {
		return 0
	}
	return p
}

// Validate checks the request fields that every scoring path relies on.
func (r *TicketRequest) Validate() error {
	if r.Price < 0 {
		return Errorf(KindInvalidRequest, "price must not be negative")
	}
	if r.DiscountAmount < 0 {
		return Errorf(KindInvalidRequest, "discount_amount must not be negative")
	}
	if r.TicketClassID < 0 {
		return Errorf(KindInvalidRequest, "ticket_class_id must not be negative")
	}
	return nil
}

// MaxTicketsPerPurchase caps the tickets issued by one purchase.
const MaxTicketsPerPurchase = 50

// ValidatePurchase adds the checks needed before tickets can be issued.
func (r *TicketRequest) ValidatePurchase() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.NumTickets < 1 {
		return Errorf(KindInvalidRequest, "num_tickets must be at least 1")
	}
	if r.NumTickets > MaxTicketsPerPurchase {
		return Errorf(KindInvalidRequest, "num_tickets must be at most %d", MaxTicketsPerPurchase)
	}
	if len(r.PassengerNames) > r.NumTickets {
		return Errorf(KindInvalidRequest, "passenger_name has more entries than num_tickets")
	}
	if len(r.SeatNumbers) > 0 && len(r.SeatNumbers) != len(r.PassengerNames) {
		return Errorf(KindInvalidRequest, "seat_number must match passenger_name length")
	}
	return nil
}

// Flag accepts JSON booleans as well as 0/1 numbers, quoted or not.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = bytes.TrimSpace([]byte(s))
	}
	switch strings.ToLower(string(data)) {
	case "true", "yes", "on":
		*f = true
		return nil
	case "false", "no", "off", "null":
		*f = false
		return nil
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid flag value %s", data)
	}
	*f = n != 0
	return nil
}

// Float returns 1 for true and 0 for false.
func (f Flag) Float() float64 {
	if f {
		return 1
	}
	return 0
}

// Categorical is a free-form category that may arrive as a JSON string or number.
type Categorical string

// UnmarshalJSON implements json.Unmarshaler.
func (c *Categorical) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Categorical(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid category value %s", data)
	}
	*c = Categorical(n.String())
	return nil
}
