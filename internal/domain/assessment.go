package domain

// Label is the binary outcome of the outlier model.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelAnomaly Label = "anomaly"
)

// Anomaly label ids as stored in the anomaly_labels table.
const (
	AnomalyLabelNormal  = 1
	AnomalyLabelAnomaly = 2
)

// ID returns the anomaly_labels row id for the label.
func (l Label) ID() int {
	if l == LabelAnomaly {
		return AnomalyLabelAnomaly
	}
	return AnomalyLabelNormal
}

// RiskLevel is the categorical bucket of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// RiskLevels lists all levels from lowest to highest.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ScoringResult is the normalized output of the outlier scorer.
type ScoringResult struct {
	RawScore  float64   `json:"raw_score"` // lower = more anomalous
	Label     Label     `json:"label"`
	RiskScore float64   `json:"risk_score"` // 0-100
	RiskLevel RiskLevel `json:"risk_level"`
}

// PriceValidation is the rule-based fare-class price check.
type PriceValidation struct {
	IsValid          bool    `json:"is_valid"`
	IsSuspicious     bool    `json:"is_suspicious"`
	DeviationPercent float64 `json:"deviation_percent"`
	ExpectedRange    string  `json:"expected_range"`
	ClassName        string  `json:"class_name"`
}

// ModelFeatures is the feature summary returned to callers.
type ModelFeatures struct {
	PriceMarkupRatio float64 `json:"price_markup_ratio"`
	IsPriceAboveMax  int     `json:"is_price_above_max"`
	BasePrice        float64 `json:"base_price"`
	DiscountRatio    float64 `json:"discount_ratio"`
}

// Assessment is the combined verdict for one ticket request.
type Assessment struct {
	TransactionID string `json:"transaction_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`

	Prediction Label     `json:"prediction"`
	Score      float64   `json:"score"` // raw score rescaled by -100 for display
	RiskScore  float64   `json:"risk_score"`
	RiskLevel  RiskLevel `json:"risk_level"`
	IsScalper  bool      `json:"is_scalper"`

	PriceValidation PriceValidation `json:"price_validation"`
	ModelFeatures   ModelFeatures   `json:"model_features"`

	// Advisory signals. They never change IsScalper.
	Reasons  []string `json:"reasons,omitempty"`
	Velocity int64    `json:"velocity,omitempty"`

	Scoring  ScoringResult `json:"-"`
	Features *FeatureSet   `json:"-"`
}

// FraudFlag is the persisted name of IsScalper.
func (a *Assessment) FraudFlag() bool {
	return a.IsScalper
}
