package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a transaction does not exist.
	ErrNotFound           = errors.New("transaction not found")
	ErrDuplicateKey       = errors.New("idempotency key already exists")
	ErrStatusConflict     = errors.New("transaction status changed concurrently")
	ErrReferenceConflict  = errors.New("external reference already set to a different value")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

const (
	maxRetries = 3
	baseDelay  = 2 * time.Millisecond
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

// TransitionUpdate is a guarded status change: it applies only while the row
// is still in From.
type TransitionUpdate struct {
	ID     string
	From   model.Status
	To     model.Status
	Reason string
	Source model.TransitionSource
	// Fields are extra columns written with the status change.
	Fields map[string]any
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	return r.first(r.Read(ctx).WithContext(ctx).Where("id = ?", id))
}

// GetByIdempotencyKey reads from the write handle so a racing creator sees
// the row that beat it.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	return r.first(r.Write(ctx).WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *TransactionRepository) GetByExternalReference(ctx context.Context, provider model.Provider, ref string) (*model.Transaction, error) {
	return r.first(r.Read(ctx).WithContext(ctx).
		Where("provider = ? AND external_reference = ?", string(provider), ref))
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *TransactionRepository) GetForUpdate(ctx context.Context, id string) (*model.Transaction, error) {
	return r.first(r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *TransactionRepository) first(q *gorm.DB) (*model.Transaction, error) {
	var entity TransactionEntity
	if err := q.First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// Transition applies a guarded status change and its audit event atomically,
// retrying transient storage errors with exponential backoff.
func (r *TransactionRepository) Transition(ctx context.Context, u TransitionUpdate) (*model.Transaction, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		txn, err := r.transitionAttempt(ctx, u)
		if err == nil {
			return txn, nil
		}

		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStatusConflict) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt) // 2ms, 4ms, 8ms
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
		err = fmt.Errorf("%w: failed after %d attempts: %v", ErrMaxRetriesExceeded, maxRetries+1, err)
		return nil, err
	}
	return nil, ErrMaxRetriesExceeded
}

func (r *TransactionRepository) transitionAttempt(ctx context.Context, u TransitionUpdate) (*model.Transaction, error) {
	var out *model.Transaction
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		updates := map[string]any{"status": string(u.To), "updated_at": now}
		if col := statusTimestampColumn(u.To); col != "" {
			updates[col] = now
		}
		for k, v := range u.Fields {
			updates[k] = v
		}
		if u.To == model.StatusFailed && u.Reason != "" {
			if _, ok := updates["failure_reason"]; !ok {
				updates["failure_reason"] = u.Reason
			}
		}

		res := r.Write(ctx).WithContext(ctx).
			Model(&TransactionEntity{}).
			Where("id = ? AND status = ?", u.ID, string(u.From)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := r.GetForUpdate(ctx, u.ID); err != nil {
				return err
			}
			return ErrStatusConflict
		}

		event := &TransactionEventEntity{
			TransactionID: u.ID,
			FromStatus:    string(u.From),
			ToStatus:      string(u.To),
			Reason:        u.Reason,
			Source:        string(u.Source),
		}
		if err := r.Write(ctx).WithContext(ctx).Create(event).Error; err != nil {
			return err
		}

		txn, err := r.GetForUpdate(ctx, u.ID)
		if err != nil {
			return err
		}
		out = txn
		return nil
	})
	return out, err
}

// SetExternalReference writes the provider reference once. A second write
// with the same value is a no-op; a different value is rejected.
func (r *TransactionRepository) SetExternalReference(ctx context.Context, id, ref string) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND (external_reference IS NULL OR external_reference = ?)", id, ref).
		Updates(map[string]any{"external_reference": ref, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrReferenceConflict
	}
	return nil
}

// UpdateFields writes non-status columns such as payment_url or provider_status.
func (r *TransactionRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if _, ok := fields["status"]; ok {
		return errors.New("status must change through Transition")
	}
	if m, ok := fields["metadata"].(map[string]any); ok {
		fields["metadata"] = datatypes.JSONMap(m)
	}
	fields["updated_at"] = time.Now().UTC()
	res := r.Write(ctx).WithContext(ctx).Model(&TransactionEntity{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TransactionRepository) IncrementRetryCount(ctx context.Context, id string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}
	if f.MerchantID != nil {
		q = q.Where("merchant_id = ?", *f.MerchantID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Provider != nil {
		q = q.Where("provider = ?", string(*f.Provider))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// ListExpired returns in-flight transactions whose deadline has passed.
func (r *TransactionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]string{string(model.StatusPending), string(model.StatusProcessing), string(model.StatusAwaitingConfirmation)}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

type historyRow struct {
	Count int64
	Total int64
}

// CustomerHistory aggregates the payer's recent activity for fraud scoring.
func (r *TransactionRepository) CustomerHistory(ctx context.Context, customerID string, now time.Time) (model.CustomerHistory, error) {
	var h model.CustomerHistory
	base := func() *gorm.DB {
		return r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{}).Where("customer_id = ?", customerID)
	}

	var day historyRow
	if err := base().Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("created_at >= ?", now.Add(-24*time.Hour)).
		Scan(&day).Error; err != nil {
		return h, err
	}
	h.Count24h, h.Sum24h = day.Count, day.Total

	if err := base().Where("created_at >= ?", now.Add(-time.Hour)).Count(&h.CountLastHour).Error; err != nil {
		return h, err
	}
	if err := base().Where("created_at >= ? AND status = ?", now.Add(-24*time.Hour), string(model.StatusFailed)).
		Count(&h.Failed24h).Error; err != nil {
		return h, err
	}

	var life historyRow
	if err := base().Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").Scan(&life).Error; err != nil {
		return h, err
	}
	h.LifetimeCount = life.Count
	if life.Count > 0 {
		h.AverageAmount = float64(life.Total) / float64(life.Count)
	}
	if err := base().Where("status = ?", string(model.StatusFailed)).Count(&h.LifetimeFailed).Error; err != nil {
		return h, err
	}
	return h, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
