package repository

import (
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"gorm.io/datatypes"
)

type TransactionEventEntity struct {
	pg.Model
	TransactionID string `gorm:"column:transaction_id;type:varchar(36);not null;index"`
	FromStatus    string `gorm:"column:from_status;type:varchar(32);not null"`
	ToStatus      string `gorm:"column:to_status;type:varchar(32);not null"`
	Reason        string `gorm:"column:reason"`
	Source        string `gorm:"column:source;type:varchar(16);not null"`
}

func (TransactionEventEntity) TableName() string {
	return "transaction_events"
}

type AnomalyEntity struct {
	pg.Model
	TransactionID string            `gorm:"column:transaction_id;type:varchar(36);index"`
	Kind          string            `gorm:"column:kind;type:varchar(32);not null"`
	Source        string            `gorm:"column:source;type:varchar(32)"`
	Details       datatypes.JSONMap `gorm:"column:details"`
}

func (AnomalyEntity) TableName() string {
	return "transaction_anomalies"
}

func toEventModel(e *TransactionEventEntity) *model.TransactionEvent {
	return &model.TransactionEvent{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		From:          model.Status(e.FromStatus),
		To:            model.Status(e.ToStatus),
		Reason:        e.Reason,
		Source:        model.TransitionSource(e.Source),
		CreatedAt:     e.CreatedAt,
	}
}

func toAnomalyEntity(m *model.Anomaly) *AnomalyEntity {
	return &AnomalyEntity{
		Model:         pg.Model{ID: m.ID, CreatedAt: m.CreatedAt},
		TransactionID: m.TransactionID,
		Kind:          string(m.Kind),
		Source:        m.Source,
		Details:       datatypes.JSONMap(m.Details),
	}
}

func toAnomalyModel(e *AnomalyEntity) *model.Anomaly {
	return &model.Anomaly{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		Kind:          model.AnomalyKind(e.Kind),
		Source:        e.Source,
		Details:       map[string]any(e.Details),
		CreatedAt:     e.CreatedAt,
	}
}
