package repository

import (
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
)

type CashPaymentEntity struct {
	pg.Model
	TransactionID string     `gorm:"column:transaction_id;type:varchar(36);not null;uniqueIndex"`
	Kind          string     `gorm:"column:kind;type:varchar(16);not null"`
	Code          string     `gorm:"column:code;type:varchar(64);not null;uniqueIndex"`
	Amount        int64      `gorm:"column:amount;not null"`
	Status        string     `gorm:"column:status;type:varchar(16);not null"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null"`
	ConfirmedAt   *time.Time `gorm:"column:confirmed_at"`
	ConfirmedBy   string     `gorm:"column:confirmed_by"`
}

func (CashPaymentEntity) TableName() string {
	return "cash_payments"
}

func toCashEntity(m *model.CashPayment) *CashPaymentEntity {
	return &CashPaymentEntity{
		Model:         pg.Model{ID: m.ID, CreatedAt: m.CreatedAt},
		TransactionID: m.TransactionID,
		Kind:          string(m.Kind),
		Code:          m.Code,
		Amount:        m.Amount,
		Status:        string(m.Status),
		ExpiresAt:     m.ExpiresAt,
		ConfirmedAt:   m.ConfirmedAt,
		ConfirmedBy:   m.ConfirmedBy,
	}
}

func toCashModel(e *CashPaymentEntity) *model.CashPayment {
	return &model.CashPayment{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		Kind:          model.CashKind(e.Kind),
		Code:          e.Code,
		Amount:        e.Amount,
		Status:        model.CashStatus(e.Status),
		ExpiresAt:     e.ExpiresAt,
		ConfirmedAt:   e.ConfirmedAt,
		ConfirmedBy:   e.ConfirmedBy,
		CreatedAt:     e.CreatedAt,
	}
}
