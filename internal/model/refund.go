package model

import "time"

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

type Refund struct {
	ID                string       `json:"id"`
	TransactionID     string       `json:"transaction_id"`
	Amount            int64        `json:"amount"`
	Reason            string       `json:"reason,omitempty"`
	Status            RefundStatus `json:"status"`
	ExternalReference string       `json:"external_reference,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

type RefundRequest struct {
	TransactionID string `json:"-"`
	// Amount zero refunds everything still refundable.
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}
