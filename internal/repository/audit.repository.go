package repository

import (
	"context"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
)

// AuditRepository reads the transition trail and stores anomalies.
type AuditRepository struct {
	*pg.DB
}

func NewAuditRepository(db *pg.DB) *AuditRepository {
	return &AuditRepository{
		db,
	}
}

func (r *AuditRepository) RecordAnomaly(ctx context.Context, a *model.Anomaly) error {
	return r.Write(ctx).WithContext(ctx).Create(toAnomalyEntity(a)).Error
}

func (r *AuditRepository) ListEvents(ctx context.Context, txnID string) ([]*model.TransactionEvent, error) {
	var entities []*TransactionEventEntity
	if err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("created_at ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}
	events := make([]*model.TransactionEvent, len(entities))
	for i, e := range entities {
		events[i] = toEventModel(e)
	}
	return events, nil
}

func (r *AuditRepository) ListAnomalies(ctx context.Context, txnID string) ([]*model.Anomaly, error) {
	var entities []*AnomalyEntity
	if err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("created_at ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}
	anomalies := make([]*model.Anomaly, len(entities))
	for i, e := range entities {
		anomalies[i] = toAnomalyModel(e)
	}
	return anomalies, nil
}
