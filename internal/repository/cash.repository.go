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
	ErrCashPaymentNotFound = errors.New("cash payment not found")
	ErrDuplicateCashCode   = errors.New("cash code already in use")
	ErrCashNotPending      = errors.New("cash payment is no longer pending")
)

type CashRepository struct {
	*pg.DB
}

func NewCashRepository(db *pg.DB) *CashRepository {
	return &CashRepository{
		db,
	}
}

func (r *CashRepository) Create(ctx context.Context, cp *model.CashPayment) (*model.CashPayment, error) {
	entity := toCashEntity(cp)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicateCashCode
		}
		return nil, err
	}
	return toCashModel(entity), nil
}

func (r *CashRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := r.Write(ctx).WithContext(ctx).Model(&CashPaymentEntity{}).Where("code = ?", code).Count(&n).Error
	return n > 0, err
}

func (r *CashRepository) GetByTransaction(ctx context.Context, txnID string) (*model.CashPayment, error) {
	return r.first(r.Write(ctx).WithContext(ctx).Where("transaction_id = ?", txnID))
}

func (r *CashRepository) GetByCode(ctx context.Context, code string) (*model.CashPayment, error) {
	return r.first(r.Write(ctx).WithContext(ctx).Where("code = ?", code))
}

func (r *CashRepository) first(q *gorm.DB) (*model.CashPayment, error) {
	var entity CashPaymentEntity
	if err := q.First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCashPaymentNotFound
		}
		return nil, err
	}
	return toCashModel(&entity), nil
}

// Confirm marks a pending cash payment as collected.
func (r *CashRepository) Confirm(ctx context.Context, txnID, confirmedBy string, at time.Time) error {
	return r.cas(ctx, txnID, map[string]any{
		"status":       string(model.CashStatusConfirmed),
		"confirmed_at": at,
		"confirmed_by": confirmedBy,
		"updated_at":   at,
	})
}

func (r *CashRepository) SetStatus(ctx context.Context, txnID string, status model.CashStatus) error {
	return r.cas(ctx, txnID, map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
}

func (r *CashRepository) cas(ctx context.Context, txnID string, updates map[string]any) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&CashPaymentEntity{}).
		Where("transaction_id = ? AND status = ?", txnID, string(model.CashStatusPending)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByTransaction(ctx, txnID); err != nil {
			return err
		}
		return ErrCashNotPending
	}
	return nil
}
