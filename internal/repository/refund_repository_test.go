package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedTxn(t *testing.T, repo *TransactionRepository, key string, amount int64) *model.Transaction {
	t.Helper()
	txn := newTxn(key, amount)
	txn.Status = model.StatusCompleted
	created, err := repo.Create(context.Background(), txn)
	require.NoError(t, err)
	return created
}

func TestRefundRepository_Reserve(t *testing.T) {
	db := setupTestDB(t).DB
	txns := NewTransactionRepository(db)
	repo := NewRefundRepository(db, txns)
	ctx := context.Background()

	txn := completedTxn(t, txns, "r1", 10_000)

	t.Run("partial reservation", func(t *testing.T) {
		refund, locked, err := repo.Reserve(ctx, txn.ID, 4000, "damaged")
		require.NoError(t, err)
		assert.Equal(t, model.RefundPending, refund.Status)
		assert.Equal(t, int64(4000), refund.Amount)
		assert.Equal(t, txn.ID, locked.ID)
	})

	t.Run("cannot exceed remaining principal", func(t *testing.T) {
		_, _, err := repo.Reserve(ctx, txn.ID, 7000, "too much")
		assert.ErrorIs(t, err, ErrRefundExceedsBalance)
	})

	t.Run("zero reserves the rest", func(t *testing.T) {
		refund, _, err := repo.Reserve(ctx, txn.ID, 0, "rest")
		require.NoError(t, err)
		assert.Equal(t, int64(6000), refund.Amount)

		sum, err := repo.sumActive(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), sum)
	})

	t.Run("pending transaction is not refundable", func(t *testing.T) {
		pending, err := txns.Create(ctx, newTxn("r-pending", 1000))
		require.NoError(t, err)
		_, _, err = repo.Reserve(ctx, pending.ID, 100, "x")
		assert.ErrorIs(t, err, ErrNotRefundable)
	})
}

func TestRefundRepository_ConcurrentReservationsNeverOverRefund(t *testing.T) {
	db := setupTestDB(t).DB
	txns := NewTransactionRepository(db)
	repo := NewRefundRepository(db, txns)
	ctx := context.Background()

	txn := completedTxn(t, txns, "race", 10_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := repo.Reserve(ctx, txn.ID, 3000, "race"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	sum, err := repo.sumActive(ctx, txn.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, sum, txn.Amount)
}

func TestRefundRepository_CompleteAndFail(t *testing.T) {
	db := setupTestDB(t).DB
	txns := NewTransactionRepository(db)
	repo := NewRefundRepository(db, txns)
	ctx := context.Background()

	txn := completedTxn(t, txns, "cf", 10_000)

	first, _, err := repo.Reserve(ctx, txn.ID, 4000, "a")
	require.NoError(t, err)
	second, _, err := repo.Reserve(ctx, txn.ID, 6000, "b")
	require.NoError(t, err)

	done, updated, err := repo.Complete(ctx, first.ID, "mtn-ref")
	require.NoError(t, err)
	assert.Equal(t, model.RefundCompleted, done.Status)
	assert.Equal(t, "mtn-ref", done.ExternalReference)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(4000), updated.RefundedAmount)

	_, _, err = repo.Complete(ctx, first.ID, "mtn-ref")
	assert.ErrorIs(t, err, ErrRefundNotPending)

	failed, err := repo.Fail(ctx, second.ID, "provider rejected")
	require.NoError(t, err)
	assert.Equal(t, model.RefundFailed, failed.Status)

	sum, err := repo.sumActive(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), sum)

	list, err := repo.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = repo.Fail(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestRefundRepository_ListPending(t *testing.T) {
	db := setupTestDB(t).DB
	txns := NewTransactionRepository(db)
	repo := NewRefundRepository(db, txns)
	ctx := context.Background()

	txn := completedTxn(t, txns, "lp", 10_000)
	pending, _, err := repo.Reserve(ctx, txn.ID, 3000, "a")
	require.NoError(t, err)
	settled, _, err := repo.Reserve(ctx, txn.ID, 2000, "b")
	require.NoError(t, err)
	_, _, err = repo.Complete(ctx, settled.ID, "")
	require.NoError(t, err)

	list, err := repo.ListPending(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)

	list, err = repo.ListPending(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, list, "younger refunds are left alone")
}
