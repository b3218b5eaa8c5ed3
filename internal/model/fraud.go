package model

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// FraudVerdict is the outcome of scoring one payment intent.
type FraudVerdict struct {
	Score           int       `json:"score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Reasons         []string  `json:"reasons"`
	Blocked         bool      `json:"blocked"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"`
	Skipped         bool      `json:"skipped,omitempty"`
}

// CustomerHistory is the aggregate snapshot the fraud engine scores against.
type CustomerHistory struct {
	Count24h       int64
	Sum24h         int64
	CountLastHour  int64
	Failed24h      int64
	LifetimeCount  int64
	LifetimeFailed int64
	AverageAmount  float64
}

func (h CustomerHistory) FailureRate() float64 {
	if h.LifetimeCount == 0 {
		return 0
	}
	return float64(h.LifetimeFailed) / float64(h.LifetimeCount)
}
