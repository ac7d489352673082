package domain

import "time"

// FeatureNames is the column order of the trained model.
// Reordering silently corrupts predictions; artifacts are checked against it on load.
var FeatureNames = []string{
	"final_price",
	"base_price",
	"discount_amount",
	"price_markup_ratio",
	"num_tickets",
	"ticket_class_id",
	"station_from_id",
	"station_to_id",
	"payment_method_id",
	"booking_channel_id",
	"is_refund",
	"is_popular_route",
	"is_price_above_max",
	"discount_ratio",
}

// FeatureCount is len(FeatureNames).
const FeatureCount = 14

// FeatureVector is the model input in FeatureNames order.
type FeatureVector []float64

// FeatureSet holds the model vector plus derived features that are
// persisted and exposed to advisory rules but never fed to the model.
type FeatureSet struct {
	Vector FeatureVector `json:"vector"`

	TransactionTime time.Time `json:"transaction_time"`
	Hour            int       `json:"hour"`
	DayOfWeek       int       `json:"day_of_week"` // 0 = Monday
	IsWeekend       bool      `json:"is_weekend"`
	IsNight         bool      `json:"is_night"`
	IsPeakHour      bool      `json:"is_peak_hour"`

	PricePerTicket float64 `json:"price_per_ticket"`

	DeviceCode          int64 `json:"device_code"`
	IPCode              int64 `json:"ip_code"`
	PriceCategoryCode   int64 `json:"price_category_code"`
	TicketsCategoryCode int64 `json:"tickets_category_code"`
}

// Get returns a model feature by name, or 0 when unknown.
func (f *FeatureSet) Get(name string) float64 {
	for i, n := range FeatureNames {
		if n == name && i < len(f.Vector) {
			return f.Vector[i]
		}
	}
	return 0
}

// Summary returns the feature summary surfaced in API responses.
func (f *FeatureSet) Summary() ModelFeatures {
	return ModelFeatures{
		PriceMarkupRatio: f.Get("price_markup_ratio"),
		IsPriceAboveMax:  int(f.Get("is_price_above_max")),
		BasePrice:        f.Get("base_price"),
		DiscountRatio:    f.Get("discount_ratio"),
	}
}

// Map flattens model and derived features for persistence and rule evaluation.
func (f *FeatureSet) Map() map[string]any {
	m := make(map[string]any, len(FeatureNames)+10)
	for i, n := range FeatureNames {
		if i < len(f.Vector) {
			m[n] = f.Vector[i]
		}
	}
	m["hour"] = int64(f.Hour)
	m["day_of_week"] = int64(f.DayOfWeek)
	m["is_weekend"] = f.IsWeekend
	m["is_night"] = f.IsNight
	m["is_peak_hour"] = f.IsPeakHour
	m["price_per_ticket"] = f.PricePerTicket
	m["device_code"] = f.DeviceCode
	m["ip_code"] = f.IPCode
	m["price_category_code"] = f.PriceCategoryCode
	m["tickets_category_code"] = f.TicketsCategoryCode
	return m
}
