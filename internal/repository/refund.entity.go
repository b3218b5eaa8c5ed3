package repository

import (
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
)

type RefundEntity struct {
	pg.Model
	TransactionID     string     `gorm:"column:transaction_id;type:varchar(36);not null;index"`
	Amount            int64      `gorm:"column:amount;not null"`
	Reason            string     `gorm:"column:reason"`
	Status            string     `gorm:"column:status;type:varchar(16);not null"`
	ExternalReference string     `gorm:"column:external_reference;type:varchar(128)"`
	FailureReason     string     `gorm:"column:failure_reason"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
}

func (RefundEntity) TableName() string {
	return "refunds"
}

func toRefundEntity(m *model.Refund) *RefundEntity {
	if m == nil {
		return nil
	}
	return &RefundEntity{
		Model:             pg.Model{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		TransactionID:     m.TransactionID,
		Amount:            m.Amount,
		Reason:            m.Reason,
		Status:            string(m.Status),
		ExternalReference: m.ExternalReference,
		FailureReason:     m.FailureReason,
		CompletedAt:       m.CompletedAt,
	}
}

func toRefundModel(e *RefundEntity) *model.Refund {
	if e == nil {
		return nil
	}
	return &model.Refund{
		ID:                e.ID,
		TransactionID:     e.TransactionID,
		Amount:            e.Amount,
		Reason:            e.Reason,
		Status:            model.RefundStatus(e.Status),
		ExternalReference: e.ExternalReference,
		FailureReason:     e.FailureReason,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		CompletedAt:       e.CompletedAt,
	}
}

func toRefundModels(entities []*RefundEntity) []*model.Refund {
	models := make([]*model.Refund, len(entities))
	for i, e := range entities {
		models[i] = toRefundModel(e)
	}
	return models
}
