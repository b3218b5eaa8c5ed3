package model

import "time"

type CashKind string

const (
	CashPickup CashKind = "pickup"
	CashCOD    CashKind = "cod"
)

type CashStatus string

const (
	CashStatusPending   CashStatus = "PENDING"
	CashStatusConfirmed CashStatus = "CONFIRMED"
	CashStatusCancelled CashStatus = "CANCELLED"
	CashStatusExpired   CashStatus = "EXPIRED"
)

// CashPayment tracks the out-of-band leg of a cash transaction.
type CashPayment struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Kind          CashKind   `json:"kind"`
	Code          string     `json:"code"`
	Amount        int64      `json:"amount"`
	Status        CashStatus `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy   string     `json:"confirmed_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type CashConfirmRequest struct {
	Code        string `json:"code"`
	ConfirmedBy string `json:"confirmed_by"`
}
