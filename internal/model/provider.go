package model

import "time"

// ProviderResult is a provider response normalized into the shared vocabulary.
type ProviderResult struct {
	ExternalID     string
	Status         Status
	ProviderStatus string
	Message        string
	PaymentURL     string
	USSDCode       string
	PaymentCode    string
	ExpiresAt      *time.Time
	Amount         int64
	Metadata       map[string]any
}

// WebhookNotification is a verified provider callback.
type WebhookNotification struct {
	Provider       Provider
	EventID        string
	TransactionID  string
	ExternalID     string
	Status         Status
	ProviderStatus string
	Amount         int64
	Reason         string
	Metadata       map[string]any
}

// DedupeKey identifies one delivery of a provider event.
func (n WebhookNotification) DedupeKey() string {
	id := n.EventID
	if id == "" {
		id = n.ExternalID + ":" + n.ProviderStatus
	}
	return string(n.Provider) + ":" + id
}

type RefundResult struct {
	ExternalID string
	Status     RefundStatus
	Message    string
}

// PaymentMethod is one rail offered to a payer.
type PaymentMethod struct {
	Provider  Provider `json:"provider"`
	Method    Method   `json:"method"`
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
	MinAmount int64    `json:"min_amount"`
	MaxAmount int64    `json:"max_amount"`
	Fees      *Fees    `json:"fees,omitempty"`
}

type ProviderHealth struct {
	Provider       Provider `json:"provider"`
	Status         string   `json:"status"`
	Enabled        bool     `json:"enabled"`
	SuccessRate    float64  `json:"success_rate"`
	AverageLatency float64  `json:"average_latency_ms"`
	TotalRequests  int64    `json:"total_requests"`
	LastError      string   `json:"last_error,omitempty"`
}
