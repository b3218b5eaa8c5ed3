package gateway

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=gateway

import (
	"context"
	"strings"

	"github.com/nimasrn/payment-gateway/internal/model"
)

// Provider is the adapter contract every payment rail implements. Adapters
// translate every failure into a *model.PaymentError.
type Provider interface {
	Name() model.Provider
	ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error)
	VerifyPayment(ctx context.Context, externalID string) (*model.ProviderResult, error)
	GetPaymentStatus(ctx context.Context, externalID string) (*model.ProviderResult, error)
	RefundPayment(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error)
}

// WebhookParser is implemented by rails that push asynchronous confirmations.
type WebhookParser interface {
	VerifySignature(body []byte, signature string) bool
	ParseWebhook(body []byte) (*model.WebhookNotification, error)
}

// Canceller is implemented by rails that can withdraw a pending payment upstream.
type Canceller interface {
	CancelPayment(ctx context.Context, txn *model.Transaction) error
}

// CashConfirmer is implemented by rails confirmed out of band by an operator.
type CashConfirmer interface {
	ConfirmPayment(ctx context.Context, txn *model.Transaction, code, confirmedBy string) (*model.ProviderResult, error)
}

// RefundStatusChecker is implemented by rails whose refunds may settle after
// the refund call returns.
type RefundStatusChecker interface {
	GetRefundStatus(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Expirer is implemented by rails that keep their own record of a payment
// which must be closed when the transaction expires.
type Expirer interface {
	Expire(ctx context.Context, txnID string) error
}

// StatusMap normalizes raw provider status codes. Lookups ignore case.
type StatusMap map[string]model.Status

// Normalize maps raw to a lifecycle status. Unknown codes become FAILED and
// the raw code is reported back in meta under provider_raw_status.
func (m StatusMap) Normalize(raw string) (model.Status, map[string]any) {
	if s, ok := m[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s, nil
	}
	return model.StatusFailed, map[string]any{"provider_raw_status": raw}
}

// Known reports whether raw has a mapping.
func (m StatusMap) Known(raw string) bool {
	_, ok := m[strings.ToUpper(strings.TrimSpace(raw))]
	return ok
}
