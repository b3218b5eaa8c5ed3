package model

import (
	"errors"
	"fmt"
	"time"
)

type Provider string

const (
	ProviderMTN    Provider = "mtn_mobile_money"
	ProviderOrange Provider = "orange_money"
	ProviderCash   Provider = "cash"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderMTN, ProviderOrange, ProviderCash:
		return true
	}
	return false
}

// Short is the three letter code used in transaction references.
func (p Provider) Short() string {
	switch p {
	case ProviderMTN:
		return "MTN"
	case ProviderOrange:
		return "ORG"
	case ProviderCash:
		return "CSH"
	}
	return "UNK"
}

type Method string

const (
	MethodMobileMoney    Method = "mobile_money"
	MethodCashOnDelivery Method = "cash_on_delivery"
	MethodCashPickup     Method = "cash_pickup"
)

const CurrencyXAF = "XAF"

type Transaction struct {
	ID                     string         `json:"id"`
	IdempotencyKey         string         `json:"idempotency_key"`
	OrderID                string         `json:"order_id"`
	CustomerID             string         `json:"customer_id"`
	MerchantID             string         `json:"merchant_id,omitempty"`
	Amount                 int64          `json:"amount"`
	Currency               string         `json:"currency"`
	Provider               Provider       `json:"provider"`
	Method                 Method         `json:"method"`
	Status                 Status         `json:"status"`
	Reference              string         `json:"reference"`
	ExternalReference      *string        `json:"external_reference,omitempty"`
	PhoneNumber            string         `json:"phone_number,omitempty"`
	Description            string         `json:"description,omitempty"`
	Fees                   int64          `json:"fees"`
	Taxes                  int64          `json:"taxes"`
	Commission             int64          `json:"commission"`
	NetAmount              int64          `json:"net_amount"`
	RefundedAmount         int64          `json:"refunded_amount"`
	FraudScore             int            `json:"fraud_score"`
	RiskLevel              RiskLevel      `json:"risk_level"`
	IPAddress              string         `json:"ip_address,omitempty"`
	UserAgent              string         `json:"user_agent,omitempty"`
	DeviceID               string         `json:"device_id,omitempty"`
	RetryCount             int            `json:"retry_count"`
	FailureReason          string         `json:"failure_reason,omitempty"`
	ProviderStatus         string         `json:"provider_status,omitempty"`
	PaymentURL             string         `json:"payment_url,omitempty"`
	USSDCode               string         `json:"ussd_code,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	ProcessingAt           *time.Time     `json:"processing_at,omitempty"`
	AwaitingConfirmationAt *time.Time     `json:"awaiting_confirmation_at,omitempty"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	FailedAt               *time.Time     `json:"failed_at,omitempty"`
	CancelledAt            *time.Time     `json:"cancelled_at,omitempty"`
	RefundedAt             *time.Time     `json:"refunded_at,omitempty"`
	ExpiredAt              *time.Time     `json:"expired_at,omitempty"`
	ExpiresAt              *time.Time     `json:"expires_at,omitempty"`
}

func (t *Transaction) ExternalRef() string {
	if t.ExternalReference == nil {
		return ""
	}
	return *t.ExternalReference
}

// RefundableAmount is what is left of the principal after non-failed refunds.
func (t *Transaction) RefundableAmount() int64 {
	return t.Amount - t.RefundedAmount
}

// PaymentRequest is a payment intent as submitted by a client or the USSD channel.
type PaymentRequest struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	OrderID        string         `json:"order_id"`
	CustomerID     string         `json:"customer_id"`
	MerchantID     string         `json:"merchant_id,omitempty"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency,omitempty"`
	Provider       Provider       `json:"provider"`
	Method         Method         `json:"method,omitempty"`
	PhoneNumber    string         `json:"phone_number,omitempty"`
	Description    string         `json:"description,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Key returns the explicit idempotency token or the one derived from the intent.
func (r PaymentRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%d", r.OrderID, r.CustomerID, r.Amount)
}

// Normalize fills defaults that depend only on the request itself.
func (r *PaymentRequest) Normalize() {
	if r.Currency == "" {
		r.Currency = CurrencyXAF
	}
	if r.Method == "" {
		switch r.Provider {
		case ProviderCash:
			r.Method = MethodCashPickup
		default:
			r.Method = MethodMobileMoney
		}
	}
}

func (r PaymentRequest) Validate() error {
	if r.OrderID == "" {
		return NewValidationError("order_id", "order_id is required")
	}
	if r.CustomerID == "" {
		return NewValidationError("customer_id", "customer_id is required")
	}
	if r.Amount <= 0 {
		return NewValidationError("amount", "amount must be positive")
	}
	if r.Provider == "" {
		return NewValidationError("provider", "provider is required")
	}
	if !r.Provider.Valid() {
		return NewValidationError("provider", fmt.Sprintf("unsupported provider %q", r.Provider))
	}
	if r.Currency != "" && r.Currency != CurrencyXAF {
		return NewValidationError("currency", fmt.Sprintf("unsupported currency %q", r.Currency))
	}
	switch r.Method {
	case "", MethodMobileMoney:
		if r.Provider == ProviderCash {
			return NewValidationError("method", "cash provider requires a cash method")
		}
	case MethodCashOnDelivery, MethodCashPickup:
		if r.Provider != ProviderCash {
			return NewValidationError("method", fmt.Sprintf("method %s requires the cash provider", r.Method))
		}
	default:
		return NewValidationError("method", fmt.Sprintf("unsupported method %q", r.Method))
	}
	return nil
}

// RequestContext carries caller attributes used by fraud scoring and auditing.
type RequestContext struct {
	IPAddress string
	UserAgent string
	DeviceID  string
	RequestID string
	Channel   string
}

// TransactionFilter controls List queries.
type TransactionFilter struct {
	CustomerID *string
	MerchantID *string
	Statuses   []Status
	Provider   *Provider
	From       *time.Time
	To         *time.Time
	Limit      int // default 50
	Offset     int
	Desc       bool
}

func (f TransactionFilter) Validate() error {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return errors.New("to must not be before from")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return errors.New("limit and offset must not be negative")
	}
	return nil
}
