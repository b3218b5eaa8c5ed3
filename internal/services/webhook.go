package services

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

// HandleWebhook applies a provider callback. The payload is verified before
// anything is looked up; a delivery seen before returns the transaction as it
// stands.
func (s *TransactionService) HandleWebhook(ctx context.Context, provider model.Provider, body []byte, signature string) (*model.Transaction, error) {
	n, err := s.gateway.ParseWebhook(provider, body, signature)
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		logger.Warn("rejected unverified webhook", "provider", string(provider))
		return nil, ErrUnverifiedWebhook
	case errors.Is(err, gateway.ErrProviderNotFound), errors.Is(err, gateway.ErrUnsupported):
		return nil, model.NewValidationError("provider", err.Error())
	case err != nil:
		return nil, err
	}

	txn, err := s.resolve(ctx, n)
	if err != nil {
		return nil, err
	}

	pc, err := s.locks.AcquireProcessingLock(ctx, "webhook:"+n.DedupeKey())
	switch {
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		logger.Info("duplicate webhook ignored", "provider", string(provider), "transaction_id", txn.ID, "dedupe_key", n.DedupeKey())
		return txn, nil
	case errors.Is(err, idempotency.ErrLockAcquireFailed):
		return nil, ErrWebhookInProgress
	case err != nil:
		return nil, err
	}

	updated, err := s.applyWebhook(ctx, txn.ID, n)
	if err != nil {
		if mErr := s.locks.MarkFailure(ctx, pc, err); mErr != nil {
			logger.Warn("failed to record webhook failure", "dedupe_key", n.DedupeKey(), "error", mErr)
		}
		return nil, err
	}
	if err := s.locks.MarkSuccess(ctx, pc); err != nil {
		logger.Warn("failed to mark webhook processed", "dedupe_key", n.DedupeKey(), "error", err)
	}
	return updated, nil
}

func (s *TransactionService) applyWebhook(ctx context.Context, id string, n *model.WebhookNotification) (*model.Transaction, error) {
	lease, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Provider != n.Provider {
		s.anomaly(ctx, txn.ID, model.AnomalyReferenceMismatch, model.SourceWebhook, map[string]any{
			"stored_provider": string(txn.Provider), "reported_provider": string(n.Provider),
		})
		return txn, nil
	}

	logger.Info("webhook received", "provider", string(n.Provider), "transaction_id", txn.ID,
		"status", string(n.Status), "provider_status", n.ProviderStatus)
	return s.reconcile(ctx, txn, fromNotification(n), model.SourceWebhook)
}

// resolve finds the transaction a notification is about, by our id first and
// the provider reference otherwise.
func (s *TransactionService) resolve(ctx context.Context, n *model.WebhookNotification) (*model.Transaction, error) {
	if n.TransactionID != "" {
		txn, err := s.load(ctx, n.TransactionID)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if n.ExternalID != "" {
		dbCtx, cancel := s.store(ctx)
		defer cancel()
		txn, err := s.txns.GetByExternalReference(dbCtx, n.Provider, n.ExternalID)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	logger.Warn("webhook for unknown transaction", "provider", string(n.Provider),
		"transaction_id", n.TransactionID, "external_id", n.ExternalID)
	return nil, fmt.Errorf("webhook transaction %q / %q: %w", n.TransactionID, n.ExternalID, repository.ErrNotFound)
}
