package repository

import (
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"gorm.io/datatypes"
)

type TransactionEntity struct {
	pg.Model
	IdempotencyKey         string            `gorm:"column:idempotency_key;type:varchar(255);not null;uniqueIndex"`
	OrderID                string            `gorm:"column:order_id;type:varchar(128);not null;index"`
	CustomerID             string            `gorm:"column:customer_id;type:varchar(128);not null;index"`
	MerchantID             string            `gorm:"column:merchant_id;type:varchar(128)"`
	Amount                 int64             `gorm:"column:amount;not null"`
	Currency               string            `gorm:"column:currency;type:varchar(3);not null"`
	Provider               string            `gorm:"column:provider;type:varchar(32);not null"`
	Method                 string            `gorm:"column:method;type:varchar(32);not null"`
	Status                 string            `gorm:"column:status;type:varchar(32);not null;index"`
	Reference              string            `gorm:"column:reference;type:varchar(128);not null;uniqueIndex"`
	ExternalReference      *string           `gorm:"column:external_reference;type:varchar(128);index"`
	PhoneNumber            string            `gorm:"column:phone_number;type:varchar(20)"`
	Description            string            `gorm:"column:description"`
	Fees                   int64             `gorm:"column:fees;not null;default:0"`
	Taxes                  int64             `gorm:"column:taxes;not null;default:0"`
	Commission             int64             `gorm:"column:commission;not null;default:0"`
	NetAmount              int64             `gorm:"column:net_amount;not null"`
	RefundedAmount         int64             `gorm:"column:refunded_amount;not null;default:0"`
	FraudScore             int               `gorm:"column:fraud_score;not null;default:0"`
	RiskLevel              string            `gorm:"column:risk_level;type:varchar(16)"`
	IPAddress              string            `gorm:"column:ip_address;type:varchar(64)"`
	UserAgent              string            `gorm:"column:user_agent"`
	DeviceID               string            `gorm:"column:device_id;type:varchar(128)"`
	RetryCount             int               `gorm:"column:retry_count;not null;default:0"`
	FailureReason          string            `gorm:"column:failure_reason"`
	ProviderStatus         string            `gorm:"column:provider_status;type:varchar(64)"`
	PaymentURL             string            `gorm:"column:payment_url"`
	USSDCode               string            `gorm:"column:ussd_code;type:varchar(32)"`
	Metadata               datatypes.JSONMap `gorm:"column:metadata"`
	ProcessingAt           *time.Time        `gorm:"column:processing_at"`
	AwaitingConfirmationAt *time.Time        `gorm:"column:awaiting_confirmation_at"`
	CompletedAt            *time.Time        `gorm:"column:completed_at"`
	FailedAt               *time.Time        `gorm:"column:failed_at"`
	CancelledAt            *time.Time        `gorm:"column:cancelled_at"`
	RefundedAt             *time.Time        `gorm:"column:refunded_at"`
	ExpiredAt              *time.Time        `gorm:"column:expired_at"`
	ExpiresAt              *time.Time        `gorm:"column:expires_at;index"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		Model:                  pg.Model{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		IdempotencyKey:         m.IdempotencyKey,
		OrderID:                m.OrderID,
		CustomerID:             m.CustomerID,
		MerchantID:             m.MerchantID,
		Amount:                 m.Amount,
		Currency:               m.Currency,
		Provider:               string(m.Provider),
		Method:                 string(m.Method),
		Status:                 string(m.Status),
		Reference:              m.Reference,
		ExternalReference:      m.ExternalReference,
		PhoneNumber:            m.PhoneNumber,
		Description:            m.Description,
		Fees:                   m.Fees,
		Taxes:                  m.Taxes,
		Commission:             m.Commission,
		NetAmount:              m.NetAmount,
		RefundedAmount:         m.RefundedAmount,
		FraudScore:             m.FraudScore,
		RiskLevel:              string(m.RiskLevel),
		IPAddress:              m.IPAddress,
		UserAgent:              m.UserAgent,
		DeviceID:               m.DeviceID,
		RetryCount:             m.RetryCount,
		FailureReason:          m.FailureReason,
		ProviderStatus:         m.ProviderStatus,
		PaymentURL:             m.PaymentURL,
		USSDCode:               m.USSDCode,
		Metadata:               datatypes.JSONMap(m.Metadata),
		ProcessingAt:           m.ProcessingAt,
		AwaitingConfirmationAt: m.AwaitingConfirmationAt,
		CompletedAt:            m.CompletedAt,
		FailedAt:               m.FailedAt,
		CancelledAt:            m.CancelledAt,
		RefundedAt:             m.RefundedAt,
		ExpiredAt:              m.ExpiredAt,
		ExpiresAt:              m.ExpiresAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:                     e.ID,
		IdempotencyKey:         e.IdempotencyKey,
		OrderID:                e.OrderID,
		CustomerID:             e.CustomerID,
		MerchantID:             e.MerchantID,
		Amount:                 e.Amount,
		Currency:               e.Currency,
		Provider:               model.Provider(e.Provider),
		Method:                 model.Method(e.Method),
		Status:                 model.Status(e.Status),
		Reference:              e.Reference,
		ExternalReference:      e.ExternalReference,
		PhoneNumber:            e.PhoneNumber,
		Description:            e.Description,
		Fees:                   e.Fees,
		Taxes:                  e.Taxes,
		Commission:             e.Commission,
		NetAmount:              e.NetAmount,
		RefundedAmount:         e.RefundedAmount,
		FraudScore:             e.FraudScore,
		RiskLevel:              model.RiskLevel(e.RiskLevel),
		IPAddress:              e.IPAddress,
		UserAgent:              e.UserAgent,
		DeviceID:               e.DeviceID,
		RetryCount:             e.RetryCount,
		FailureReason:          e.FailureReason,
		ProviderStatus:         e.ProviderStatus,
		PaymentURL:             e.PaymentURL,
		USSDCode:               e.USSDCode,
		Metadata:               map[string]any(e.Metadata),
		CreatedAt:              e.CreatedAt,
		UpdatedAt:              e.UpdatedAt,
		ProcessingAt:           e.ProcessingAt,
		AwaitingConfirmationAt: e.AwaitingConfirmationAt,
		CompletedAt:            e.CompletedAt,
		FailedAt:               e.FailedAt,
		CancelledAt:            e.CancelledAt,
		RefundedAt:             e.RefundedAt,
		ExpiredAt:              e.ExpiredAt,
		ExpiresAt:              e.ExpiresAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}

// statusTimestampColumn is the lifecycle column stamped when a row enters status.
func statusTimestampColumn(s model.Status) string {
	switch s {
	case model.StatusProcessing:
		return "processing_at"
	case model.StatusAwaitingConfirmation:
		return "awaiting_confirmation_at"
	case model.StatusCompleted:
		return "completed_at"
	case model.StatusFailed:
		return "failed_at"
	case model.StatusCancelled:
		return "cancelled_at"
	case model.StatusRefunded, model.StatusPartiallyRefunded:
		return "refunded_at"
	case model.StatusExpired:
		return "expired_at"
	}
	return ""
}
