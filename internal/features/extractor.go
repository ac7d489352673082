// Package features turns ticket requests into the model's feature vector.
package features

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/fareclass"
)

// ErrUnknownFareClass is returned for a ticket_class_id with no registered profile.
var ErrUnknownFareClass = domain.ErrUnknownFareClass

// Extractor converts ticket requests into feature sets.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	registry *fareclass.Registry
	now      func() time.Time
}

// NewExtractor creates an extractor over the given fare-class registry.
func NewExtractor(registry *fareclass.Registry) *Extractor {
	if registry == nil {
		registry = fareclass.Default()
	}
	return &Extractor{
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used when a request carries no transaction_time.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// Extract is a shorthand for NewExtractor(registry).Extract(req).
func Extract(req *domain.TicketRequest, registry *fareclass.Registry) (*domain.FeatureSet, error) {
	return NewExtractor(registry).Extract(req)
}

// Extract builds the feature set for one request.
//
// Fails with a format error when transaction_time cannot be parsed, and with
// an unknown_fare_class error when ticket_class_id has no profile. The class-1
// profile is never substituted.
func (e *Extractor) Extract(req *domain.TicketRequest) (*domain.FeatureSet, error) {
	ts := e.now()
	if req.TransactionTime != "" {
		parsed, err := ParseTransactionTime(req.TransactionTime)
		if err != nil {
			return nil, err
		}
		ts = parsed
	}

	classID := req.ClassID()
	profile, ok := e.registry.Lookup(classID)
	if !ok {
		return nil, fmt.Errorf("ticket_class_id %d: %w", classID, ErrUnknownFareClass)
	}

	finalPrice := req.FinalPrice()
	aboveMax := 0.0
	if finalPrice > profile.MaxPrice {
		aboveMax = 1
	}

	vector := domain.FeatureVector{
		finalPrice,
		profile.BasePrice,
		req.DiscountAmount,
		finalPrice / profile.BasePrice,
		float64(req.NumTickets),
		float64(classID),
		float64(req.StationFromID),
		float64(req.StationToID),
		float64(req.PaymentMethodID),
		float64(req.BookingChannelID),
		req.IsRefund.Float(),
		req.IsPopularRoute.Float(),
		aboveMax,
		req.DiscountAmount / profile.BasePrice,
	}

	hour := ts.Hour()
	day := dayOfWeek(ts)

	return &domain.FeatureSet{
		Vector:              vector,
		TransactionTime:     ts,
		Hour:                hour,
		DayOfWeek:           day,
		IsWeekend:           day >= 5,
		IsNight:             hour < 6 || hour >= 22,
		IsPeakHour:          isPeakHour(hour),
		PricePerTicket:      req.Price / math.Max(float64(req.NumTickets), 1), // misleading for num_tickets <= 0
		DeviceCode:          Code(req.DeviceFingerprint),
		IPCode:              Code(req.IPAddress),
		PriceCategoryCode:   Code(string(req.PriceCategory)),
		TicketsCategoryCode: Code(string(req.TicketsCategory)),
	}, nil
}
