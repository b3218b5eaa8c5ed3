package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrRefundNotFound       = errors.New("refund not found")
	ErrNotRefundable        = errors.New("transaction is not refundable in its current status")
	ErrRefundExceedsBalance = errors.New("refund exceeds the refundable amount")
	ErrRefundNotPending     = errors.New("refund is no longer pending")
)

type RefundRepository struct {
	*pg.DB
	txns *TransactionRepository
}

func NewRefundRepository(db *pg.DB, txns *TransactionRepository) *RefundRepository {
	return &RefundRepository{
		DB:   db,
		txns: txns,
	}
}

// Reserve records a PENDING refund under a row lock on the parent
// transaction, so concurrent refunds can never exceed its principal.
// An amount of zero reserves everything still refundable.
func (r *RefundRepository) Reserve(ctx context.Context, txnID string, amount int64, reason string) (*model.Refund, *model.Transaction, error) {
	var (
		refund *model.Refund
		txn    *model.Transaction
	)
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := r.txns.GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if locked.Status != model.StatusCompleted && locked.Status != model.StatusPartiallyRefunded {
			return ErrNotRefundable
		}

		reserved, err := r.sumActive(ctx, txnID)
		if err != nil {
			return err
		}
		remaining := locked.Amount - reserved
		if amount == 0 {
			amount = remaining
		}
		if amount <= 0 || amount > remaining {
			return ErrRefundExceedsBalance
		}

		entity := &RefundEntity{
			TransactionID: txnID,
			Amount:        amount,
			Reason:        reason,
			Status:        string(model.RefundPending),
		}
		if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
			return err
		}
		refund = toRefundModel(entity)
		txn = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return refund, txn, nil
}

// sumActive is the total of refunds that have not failed.
func (r *RefundRepository) sumActive(ctx context.Context, txnID string) (int64, error) {
	var total int64
	err := r.Write(ctx).WithContext(ctx).
		Model(&RefundEntity{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("transaction_id = ? AND status <> ?", txnID, string(model.RefundFailed)).
		Scan(&total).Error
	return total, err
}

// Complete moves a pending refund to COMPLETED and adds it to the
// transaction's refunded amount. It returns the updated transaction.
func (r *RefundRepository) Complete(ctx context.Context, refundID, externalRef string) (*model.Refund, *model.Transaction, error) {
	var (
		refund *model.Refund
		txn    *model.Transaction
	)
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		entity, err := r.getPending(ctx, refundID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]any{"status": string(model.RefundCompleted), "completed_at": now, "updated_at": now}
		if externalRef != "" {
			updates["external_reference"] = externalRef
		}
		if err := r.casStatus(ctx, refundID, updates); err != nil {
			return err
		}
		if err := r.Write(ctx).WithContext(ctx).
			Model(&TransactionEntity{}).
			Where("id = ?", entity.TransactionID).
			Update("refunded_amount", gorm.Expr("refunded_amount + ?", entity.Amount)).Error; err != nil {
			return err
		}
		if txn, err = r.txns.GetForUpdate(ctx, entity.TransactionID); err != nil {
			return err
		}
		refund, err = r.GetByID(ctx, refundID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return refund, txn, nil
}

// Fail releases the reservation held by a pending refund.
func (r *RefundRepository) Fail(ctx context.Context, refundID, reason string) (*model.Refund, error) {
	if _, err := r.getPending(ctx, refundID); err != nil {
		return nil, err
	}
	err := r.casStatus(ctx, refundID, map[string]any{
		"status":         string(model.RefundFailed),
		"failure_reason": reason,
		"updated_at":     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, refundID)
}

// SetExternalReference records the provider reference of a still pending refund.
func (r *RefundRepository) SetExternalReference(ctx context.Context, refundID, ref string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&RefundEntity{}).
		Where("id = ?", refundID).
		Updates(map[string]any{"external_reference": ref, "updated_at": time.Now().UTC()}).Error
}

func (r *RefundRepository) casStatus(ctx context.Context, refundID string, updates map[string]any) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&RefundEntity{}).
		Where("id = ? AND status = ?", refundID, string(model.RefundPending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRefundNotPending
	}
	return nil
}

func (r *RefundRepository) getPending(ctx context.Context, refundID string) (*RefundEntity, error) {
	var entity RefundEntity
	if err := r.Write(ctx).WithContext(ctx).Where("id = ?", refundID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	if entity.Status != string(model.RefundPending) {
		return nil, ErrRefundNotPending
	}
	return &entity, nil
}

func (r *RefundRepository) GetByID(ctx context.Context, id string) (*model.Refund, error) {
	var entity RefundEntity
	if err := r.Write(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return toRefundModel(&entity), nil
}

// ListPending returns refunds still PENDING that were created before cutoff,
// oldest first.
func (r *RefundRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*RefundEntity
	if err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND created_at < ?", string(model.RefundPending), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error; err != nil {
		return nil, err
	}
	return toRefundModels(entities), nil
}

func (r *RefundRepository) ListByTransaction(ctx context.Context, txnID string) ([]*model.Refund, error) {
	var entities []*RefundEntity
	if err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", txnID).
		Order("created_at ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}
	return toRefundModels(entities), nil
}
