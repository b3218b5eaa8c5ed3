package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

// RefundTransaction refunds part or all of a settled transaction. The amount
// is reserved before the provider is called, so the refunds of one
// transaction never add up to more than it was paid.
func (s *TransactionService) RefundTransaction(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
	if req.Amount < 0 {
		return nil, model.NewValidationError("amount", "refund amount must be positive")
	}
	lease, err := s.lock(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	dbCtx, cancel := s.store(ctx)
	refund, txn, err := s.refunds.Reserve(dbCtx, req.TransactionID, req.Amount, strings.TrimSpace(req.Reason))
	cancel()
	switch {
	case errors.Is(err, repository.ErrNotRefundable):
		return nil, &model.PaymentError{Kind: model.KindValidation, Code: "NOT_REFUNDABLE", Field: "status",
			Message: "only completed payments can be refunded", Err: err}
	case errors.Is(err, repository.ErrRefundExceedsBalance):
		return nil, &model.PaymentError{Kind: model.KindValidation, Code: "REFUND_EXCEEDS_BALANCE", Field: "amount",
			Message: "refund exceeds the refundable amount", Err: err}
	case err != nil:
		return nil, fmt.Errorf("reserve refund: %w", err)
	}
	logger.Info("refund reserved", "refund_id", refund.ID, "transaction_id", txn.ID, "amount", refund.Amount)

	res, err := s.gateway.ProcessRefund(ctx, refund, txn)
	if err != nil {
		if model.IsAmbiguous(err) {
			// the provider may have acted; the reservation stays until the outcome is known
			logger.Warn("refund outcome unknown", "refund_id", refund.ID, "transaction_id", txn.ID, "error", err)
			prom.AddRefund(string(txn.Provider), string(model.RefundPending))
			return refund, nil
		}
		s.failRefund(ctx, refund.ID, txn.Provider, err.Error())
		return nil, err
	}

	if res.ExternalID != "" {
		if err := s.refunds.SetExternalReference(ctx, refund.ID, res.ExternalID); err != nil {
			logger.Warn("failed to store refund reference", "refund_id", refund.ID, "error", err)
		}
		refund.ExternalReference = res.ExternalID
	}

	switch res.Status {
	case model.RefundCompleted:
		return s.completeRefund(ctx, refund.ID, res.ExternalID)
	case model.RefundFailed:
		s.failRefund(ctx, refund.ID, txn.Provider, res.Message)
		return nil, &model.PaymentError{Kind: model.KindProvider, Code: "REFUND_REJECTED", Provider: txn.Provider,
			Message: res.Message}
	}
	prom.AddRefund(string(txn.Provider), string(model.RefundPending))
	return refund, nil
}

// CompleteRefund settles a pending refund of txnID, for rails that confirm
// refunds asynchronously or out of band.
func (s *TransactionService) CompleteRefund(ctx context.Context, txnID, refundID, externalRef string) (*model.Refund, error) {
	lease, err := s.lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	if _, err := s.pendingRefund(ctx, txnID, refundID); err != nil {
		return nil, err
	}
	return s.completeRefund(ctx, refundID, strings.TrimSpace(externalRef))
}

// FailRefund releases the reservation of a pending refund of txnID.
func (s *TransactionService) FailRefund(ctx context.Context, txnID, refundID, reason string) (*model.Refund, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.NewValidationError("reason", "reason is required")
	}
	lease, err := s.lock(ctx, txnID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	if _, err := s.pendingRefund(ctx, txnID, refundID); err != nil {
		return nil, err
	}
	txn, err := s.load(ctx, txnID)
	if err != nil {
		return nil, err
	}
	failed, err := s.refunds.Fail(ctx, refundID, reason)
	if err != nil {
		return nil, err
	}
	prom.AddRefund(string(txn.Provider), string(model.RefundFailed))
	logger.Warn("refund failed", "refund_id", refundID, "transaction_id", txn.ID, "reason", reason)
	return failed, nil
}

// pendingRefund loads a refund that belongs to txnID. Callers hold the
// transaction lease.
func (s *TransactionService) pendingRefund(ctx context.Context, txnID, refundID string) (*model.Refund, error) {
	dbCtx, cancel := s.store(ctx)
	defer cancel()
	refund, err := s.refunds.GetByID(dbCtx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.TransactionID != txnID {
		return nil, repository.ErrRefundNotFound
	}
	if refund.Status != model.RefundPending {
		return nil, repository.ErrRefundNotPending
	}
	return refund, nil
}

// ReconcileRefunds asks the provider how each refund left pending for longer
// than RefundSettleAfter ended, and settles the ones that did. Cash refunds
// are paid out at the counter and settle through CompleteRefund.
func (s *TransactionService) ReconcileRefunds(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.RefundSettleAfter)
	pending, err := s.refunds.ListPending(ctx, cutoff, s.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending refunds: %w", err)
	}

	settled := 0
	for _, refund := range pending {
		ok, err := s.settleRefund(ctx, refund)
		if err != nil {
			logger.Warn("failed to settle refund", "refund_id", refund.ID, "transaction_id", refund.TransactionID, "error", err)
			continue
		}
		if ok {
			settled++
		}
	}
	if settled > 0 {
		logger.Info("settled pending refunds", "count", settled)
	}
	return settled, nil
}

func (s *TransactionService) settleRefund(ctx context.Context, r *model.Refund) (bool, error) {
	lease, err := s.locks.AcquireLease(ctx, leaseKey(r.TransactionID), s.config.LeaseTTL, 0)
	if errors.Is(err, idempotency.ErrLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lease.KeepAlive(s.config.LeaseTTL)
	defer s.unlock(lease)

	refund, err := s.pendingRefund(ctx, r.TransactionID, r.ID)
	if errors.Is(err, repository.ErrRefundNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	txn, err := s.load(ctx, refund.TransactionID)
	if err != nil {
		return false, err
	}
	if txn.Provider == model.ProviderCash {
		return false, nil
	}

	res, err := s.gateway.RefundStatus(ctx, refund, txn)
	if err != nil {
		return false, err
	}
	switch res.Status {
	case model.RefundCompleted:
		if _, err := s.completeRefund(ctx, refund.ID, res.ExternalID); err != nil {
			return false, err
		}
		return true, nil
	case model.RefundFailed:
		s.failRefund(ctx, refund.ID, txn.Provider, res.Message)
		return true, nil
	}
	return false, nil
}

func (s *TransactionService) ListRefunds(ctx context.Context, txnID string) ([]*model.Refund, error) {
	if _, err := s.load(ctx, txnID); err != nil {
		return nil, err
	}
	return s.refunds.ListByTransaction(ctx, txnID)
}

func (s *TransactionService) completeRefund(ctx context.Context, refundID, externalRef string) (*model.Refund, error) {
	dbCtx, cancel := s.store(ctx)
	refund, txn, err := s.refunds.Complete(dbCtx, refundID, externalRef)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("complete refund: %w", err)
	}
	prom.AddRefund(string(txn.Provider), string(model.RefundCompleted))

	target := model.StatusPartiallyRefunded
	if txn.RefundedAmount >= txn.Amount {
		target = model.StatusRefunded
	}
	reason := fmt.Sprintf("refund %s of %d %s", refund.ID, refund.Amount, txn.Currency)
	if _, err := s.transition(ctx, txn, target, reason, model.SourceRefund, nil); err != nil {
		return nil, err
	}
	logger.Info("refund completed", "refund_id", refund.ID, "transaction_id", txn.ID,
		"refunded_amount", txn.RefundedAmount, "status", string(target))
	return refund, nil
}

func (s *TransactionService) failRefund(ctx context.Context, refundID string, provider model.Provider, reason string) {
	if _, err := s.refunds.Fail(ctx, refundID, reason); err != nil {
		logger.Error("failed to release refund reservation", "refund_id", refundID, "error", err)
		return
	}
	prom.AddRefund(string(provider), string(model.RefundFailed))
	logger.Warn("refund rejected", "refund_id", refundID, "provider", string(provider), "reason", reason)
}
