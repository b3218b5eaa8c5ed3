package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnverifiedWebhook = errors.New("webhook signature could not be verified")
	ErrTransactionBusy   = errors.New("transaction is being processed by another request")
	ErrWebhookInProgress = errors.New("webhook delivery is already being processed")
	ErrPaymentExpired    = errors.New("payment window has elapsed")
)

const maxConflictRetries = 3

type TransactionStore interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	GetByExternalReference(ctx context.Context, provider model.Provider, ref string) (*model.Transaction, error)
	Transition(ctx context.Context, u repository.TransitionUpdate) (*model.Transaction, error)
	SetExternalReference(ctx context.Context, id, ref string) error
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	IncrementRetryCount(ctx context.Context, id string) error
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error)
}

type RefundStore interface {
	Reserve(ctx context.Context, txnID string, amount int64, reason string) (*model.Refund, *model.Transaction, error)
	Complete(ctx context.Context, refundID, externalRef string) (*model.Refund, *model.Transaction, error)
	Fail(ctx context.Context, refundID, reason string) (*model.Refund, error)
	SetExternalReference(ctx context.Context, refundID, ref string) error
	GetByID(ctx context.Context, id string) (*model.Refund, error)
	ListByTransaction(ctx context.Context, txnID string) ([]*model.Refund, error)
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Refund, error)
}

type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, a *model.Anomaly) error
	ListAnomalies(ctx context.Context, txnID string) ([]*model.Anomaly, error)
}

type FraudEvaluator interface {
	Evaluate(ctx context.Context, req *model.PaymentRequest, rc model.RequestContext) (*model.FraudVerdict, error)
}

type PaymentGateway interface {
	Validate(req *model.PaymentRequest) error
	Fees(provider model.Provider, amount int64) (model.Fees, error)
	ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error)
	GetStatus(ctx context.Context, provider model.Provider, externalID string) (*model.ProviderResult, error)
	ProcessRefund(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error)
	RefundStatus(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error)
	CancelPayment(ctx context.Context, txn *model.Transaction) error
	ExpirePayment(ctx context.Context, txn *model.Transaction) error
	ConfirmCashPayment(ctx context.Context, txn *model.Transaction, code, confirmedBy string) (*model.ProviderResult, error)
	ParseWebhook(provider model.Provider, body []byte, signature string) (*model.WebhookNotification, error)
}

// Locker serializes work on one transaction and dedupes webhook deliveries.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl, wait time.Duration) (*idempotency.Lease, error)
	AcquireProcessingLock(ctx context.Context, key string) (*idempotency.ProcessingContext, error)
	MarkSuccess(ctx context.Context, pc *idempotency.ProcessingContext) error
	MarkFailure(ctx context.Context, pc *idempotency.ProcessingContext, reason error) error
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type Config struct {
	TransactionTimeout  time.Duration
	CashExpiry          time.Duration
	StoreTimeout        time.Duration
	EventPublishTimeout time.Duration
	LeaseTTL            time.Duration
	LeaseWait           time.Duration
	ReferencePrefix     string
	SweepBatch          int
	// RefundSettleAfter is how long a refund stays pending before the sweep
	// asks the provider for its outcome.
	RefundSettleAfter time.Duration
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		TransactionTimeout:  c.TransactionTimeout,
		CashExpiry:          c.CashCodeExpiry,
		StoreTimeout:        c.StoreTimeout,
		EventPublishTimeout: c.EventPublishTimeout,
		LeaseTTL:            c.TransactionLeaseTTL,
		ReferencePrefix:     c.ReferencePrefix,
		RefundSettleAfter:   c.RefundSettleAfter,
	}
}

func (c Config) withDefaults() Config {
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 5 * time.Minute
	}
	if c.CashExpiry <= 0 {
		c.CashExpiry = 7 * 24 * time.Hour
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.EventPublishTimeout <= 0 {
		c.EventPublishTimeout = 2 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = 2 * time.Second
	}
	if c.ReferencePrefix == "" {
		c.ReferencePrefix = "OKD"
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.RefundSettleAfter <= 0 {
		c.RefundSettleAfter = time.Minute
	}
	return c
}

// TransactionService owns the transaction lifecycle. It is the only writer of
// transaction status.
type TransactionService struct {
	config  Config
	txns    TransactionStore
	refunds RefundStore
	audit   AnomalyRecorder
	gateway PaymentGateway
	fraud   FraudEvaluator
	locks   Locker
	events  EventPublisher
	now     func() time.Time
}

func NewTransactionService(
	cfg Config,
	txns TransactionStore,
	refunds RefundStore,
	audit AnomalyRecorder,
	gateway PaymentGateway,
	fraud FraudEvaluator,
	locks Locker,
	events EventPublisher,
) *TransactionService {
	return &TransactionService{
		config:  cfg.withDefaults(),
		txns:    txns,
		refunds: refunds,
		audit:   audit,
		gateway: gateway,
		fraud:   fraud,
		locks:   locks,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransaction records a PENDING transaction for req. A request whose
// idempotency key is already known returns the existing transaction.
// Validation and fraud rejections return before anything is stored.
func (s *TransactionService) CreateTransaction(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, error) {
	txn, _, err := s.create(ctx, req, rc)
	return txn, err
}

func (s *TransactionService) create(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, bool, error) {
	req.Normalize()
	key := req.Key()

	existing, err := s.byKey(ctx, key)
	if err == nil {
		if err := sameIntent(existing, req); err != nil {
			return nil, false, err
		}
		logger.Debug("idempotent replay", "idempotency_key", key, "transaction_id", existing.ID)
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if err := s.gateway.Validate(&req); err != nil {
		return nil, false, err
	}

	verdict, err := s.fraud.Evaluate(ctx, &req, rc)
	if err != nil {
		return nil, false, err
	}
	if verdict.Blocked {
		return nil, false, model.NewFraudError(verdict)
	}

	fees, err := s.gateway.Fees(req.Provider, req.Amount)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	expires := now.Add(s.config.TransactionTimeout)
	if req.Provider == model.ProviderCash {
		expires = now.Add(s.config.CashExpiry)
	}

	phone := req.PhoneNumber
	if phone != "" {
		if p, err := model.ParsePhone(phone); err == nil {
			phone = p.E164()
		}
	}

	txn := &model.Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       req.Provider,
		Method:         req.Method,
		Status:         model.StatusPending,
		Reference:      s.reference(req.Provider, req.OrderID, now),
		PhoneNumber:    phone,
		Description:    req.Description,
		Fees:           fees.Fees,
		Taxes:          fees.Taxes,
		Commission:     fees.Commission,
		NetAmount:      fees.NetAmount,
		FraudScore:     verdict.Score,
		RiskLevel:      verdict.RiskLevel,
		IPAddress:      rc.IPAddress,
		UserAgent:      rc.UserAgent,
		DeviceID:       rc.DeviceID,
		Metadata:       intakeMetadata(req, rc, verdict),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}

	dbCtx, cancel := s.store(ctx)
	created, err := s.txns.Create(dbCtx, txn)
	cancel()
	if errors.Is(err, repository.ErrDuplicateKey) {
		// lost the race against a concurrent request with the same key
		existing, err := s.byKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create transaction: %w", err)
	}

	logger.Info("transaction created", "transaction_id", created.ID, "reference", created.Reference,
		"provider", string(created.Provider), "amount", created.Amount, "fraud_score", verdict.Score)
	return created, true, nil
}

func sameIntent(existing *model.Transaction, req model.PaymentRequest) error {
	if existing.OrderID != req.OrderID || existing.Amount != req.Amount || existing.Provider != req.Provider {
		return &model.PaymentError{
			Kind:    model.KindValidation,
			Code:    "IDEMPOTENCY_KEY_REUSED",
			Field:   "idempotency_key",
			Message: "idempotency key was already used for a different payment",
		}
	}
	return nil
}

func intakeMetadata(req model.PaymentRequest, rc model.RequestContext, v *model.FraudVerdict) map[string]any {
	md := make(map[string]any, len(req.Metadata)+6)
	for k, val := range req.Metadata {
		md[k] = val
	}
	md["fraud_reasons"] = v.Reasons
	if len(v.Recommendations) > 0 {
		md["fraud_recommendations"] = v.Recommendations
	}
	if v.Degraded {
		md["fraud_degraded"] = true
	}
	if req.CallbackURL != "" {
		md["callback_url"] = req.CallbackURL
	}
	if rc.RequestID != "" {
		md["request_id"] = rc.RequestID
	}
	if rc.Channel != "" {
		md["channel"] = rc.Channel
	}
	return md
}

// reference builds PREFIX-PRV-order-ts36-rand.
func (s *TransactionService) reference(provider model.Provider, orderID string, now time.Time) string {
	order := strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' {
			return '_'
		}
		return r
	}, orderID)
	if len(order) > 32 {
		order = order[:32]
	}
	ts := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return strings.Join([]string{s.config.ReferencePrefix, provider.Short(), order, ts, random}, "-")
}

// ProcessPayment creates the transaction and dispatches it to its rail. When
// the rail rejects the payment the FAILED transaction is returned together
// with the error.
func (s *TransactionService) ProcessPayment(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, error) {
	txn, _, err := s.create(ctx, req, rc)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, txn)
}

// dispatch submits a PENDING transaction once. Mobile money moves to
// PROCESSING first and only the request that wins that change submits; cash
// stays PENDING and is submitted while it has no reference.
func (s *TransactionService) dispatch(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	lease, err := s.lock(ctx, txn.ID)
	if errors.Is(err, ErrTransactionBusy) {
		return s.load(ctx, txn.ID)
	}
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	current, err := s.load(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != model.StatusPending || current.ExternalRef() != "" {
		return current, nil
	}

	if current.Provider != model.ProviderCash {
		current, err = s.transition(ctx, current, model.StatusProcessing, "submitted to provider", model.SourceAPI, nil)
		if errors.Is(err, ErrInvalidTransition) {
			return s.load(ctx, txn.ID)
		}
		if err != nil {
			return nil, err
		}
	}

	result, err := s.gateway.ProcessPayment(ctx, current)
	if err != nil {
		return s.failDispatch(ctx, current, err)
	}
	return s.reconcile(ctx, current, fromResult(result), model.SourceProvider)
}

func (s *TransactionService) failDispatch(ctx context.Context, txn *model.Transaction, cause error) (*model.Transaction, error) {
	if err := s.txns.IncrementRetryCount(ctx, txn.ID); err != nil {
		logger.Warn("failed to count dispatch attempt", "transaction_id", txn.ID, "error", err)
	}

	reason := cause.Error()
	fields := map[string]any{}
	if pe, ok := model.AsPaymentError(cause); ok {
		reason = pe.Message
		if pe.Code != "" {
			fields["provider_status"] = pe.Code
		}
	}
	logger.Warn("payment submission failed", "transaction_id", txn.ID, "provider", string(txn.Provider), "error", cause)

	failed, err := s.transition(ctx, txn, model.StatusFailed, reason, model.SourceProvider, fields)
	if err != nil {
		logger.Error("failed to record submission failure", "transaction_id", txn.ID, "error", err)
		return txn, cause
	}
	return failed, cause
}

// Transition applies a manual status change.
func (s *TransactionService) Transition(ctx context.Context, id string, to model.Status, reason string) (*model.Transaction, error) {
	if !to.Valid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}
	lease, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, current, to, reason, model.SourceManual, nil)
}

// transition moves txn to `to` with a guarded write. A concurrent change is
// re-read and the move retried while still allowed. Rejected moves are
// recorded as anomalies.
func (s *TransactionService) transition(ctx context.Context, txn *model.Transaction, to model.Status, reason string,
	source model.TransitionSource, fields map[string]any) (*model.Transaction, error) {
	current := txn
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if current.Status == to {
			return current, nil
		}
		if !current.Status.CanTransition(to) {
			s.anomaly(ctx, current.ID, model.AnomalyRejectedTransition, source, map[string]any{
				"from": string(current.Status), "to": string(to), "reason": reason,
			})
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		from := current.Status
		dbCtx, cancel := s.store(ctx)
		updated, err := s.txns.Transition(dbCtx, repository.TransitionUpdate{
			ID:     current.ID,
			From:   from,
			To:     to,
			Reason: reason,
			Source: source,
			Fields: fields,
		})
		cancel()
		if err == nil {
			prom.AddTransition(string(from), string(to))
			logger.Info("transaction transitioned", "transaction_id", updated.ID, "from", string(from),
				"to", string(to), "source", string(source), "reason", reason)
			s.publish(ctx, updated, from, to, reason, source)
			return updated, nil
		}
		if !errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("transition %s %s -> %s: %w", current.ID, from, to, err)
		}

		if current, err = s.load(ctx, txn.ID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s kept changing", repository.ErrStatusConflict, txn.ID)
}

// observation is a provider outcome from a submission, a poll or a webhook.
type observation struct {
	Status         model.Status
	ProviderStatus string
	ExternalID     string
	Amount         int64
	Reason         string
	PaymentURL     string
	USSDCode       string
	ExpiresAt      *time.Time
	Metadata       map[string]any
}

func fromResult(r *model.ProviderResult) observation {
	return observation{
		Status:         r.Status,
		ProviderStatus: r.ProviderStatus,
		ExternalID:     r.ExternalID,
		Amount:         r.Amount,
		Reason:         r.Message,
		PaymentURL:     r.PaymentURL,
		USSDCode:       r.USSDCode,
		ExpiresAt:      r.ExpiresAt,
		Metadata:       r.Metadata,
	}
}

func fromNotification(n *model.WebhookNotification) observation {
	return observation{
		Status:         n.Status,
		ProviderStatus: n.ProviderStatus,
		ExternalID:     n.ExternalID,
		Amount:         n.Amount,
		Reason:         n.Reason,
		Metadata:       n.Metadata,
	}
}

// reconcile applies a provider outcome to txn. Disagreements with what is
// already recorded are kept as anomalies and not applied.
func (s *TransactionService) reconcile(ctx context.Context, txn *model.Transaction, obs observation, source model.TransitionSource) (*model.Transaction, error) {
	if obs.ExternalID != "" {
		switch stored := txn.ExternalRef(); {
		case stored == "":
			err := s.txns.SetExternalReference(ctx, txn.ID, obs.ExternalID)
			if errors.Is(err, repository.ErrReferenceConflict) {
				s.anomaly(ctx, txn.ID, model.AnomalyReferenceMismatch, source, map[string]any{"reported": obs.ExternalID})
				return s.load(ctx, txn.ID)
			}
			if err != nil {
				return nil, fmt.Errorf("set external reference: %w", err)
			}
			ref := obs.ExternalID
			txn.ExternalReference = &ref
		case stored != obs.ExternalID:
			s.anomaly(ctx, txn.ID, model.AnomalyReferenceMismatch, source, map[string]any{
				"stored": stored, "reported": obs.ExternalID, "status": string(obs.Status),
			})
			return txn, nil
		}
	}

	if obs.Amount > 0 && obs.Amount != txn.Amount {
		s.anomaly(ctx, txn.ID, model.AnomalyAmountMismatch, source, map[string]any{
			"expected": txn.Amount, "reported": obs.Amount, "status": string(obs.Status),
		})
		if obs.Status == model.StatusCompleted {
			return txn, nil
		}
	}

	if raw, ok := obs.Metadata["provider_raw_status"]; ok {
		s.anomaly(ctx, txn.ID, model.AnomalyUnknownStatus, source, map[string]any{"provider_status": raw})
	}

	target := obs.Status
	if txn.Status.IsSettled() {
		// a settled transaction keeps what it recorded
		if !agrees(txn.Status, target) {
			s.anomaly(ctx, txn.ID, model.AnomalyTerminalConflict, source, map[string]any{
				"stored": string(txn.Status), "reported": string(target), "provider_status": obs.ProviderStatus,
			})
		}
		return s.load(ctx, txn.ID)
	}

	if err := s.recordObservation(ctx, txn, obs); err != nil {
		return nil, err
	}

	if target.InFlight() {
		// the provider knows the payment, so it waits for the payer; later
		// in-flight reports change nothing
		if txn.Status != model.StatusProcessing {
			return s.load(ctx, txn.ID)
		}
		target = model.StatusAwaitingConfirmation
	}

	reason := obs.Reason
	if reason == "" {
		reason = fmt.Sprintf("provider reported %s", obs.ProviderStatus)
	}
	updated, err := s.transition(ctx, txn, target, reason, source, nil)
	if errors.Is(err, ErrInvalidTransition) {
		return s.load(ctx, txn.ID)
	}
	return updated, err
}

// agrees reports whether a provider outcome is consistent with a settled
// status. Refunds happen after the provider reported the payment completed.
func agrees(stored, reported model.Status) bool {
	switch {
	case stored == reported, reported.InFlight():
		return true
	case reported == model.StatusCompleted:
		return stored == model.StatusPartiallyRefunded || stored == model.StatusRefunded
	}
	return false
}

func (s *TransactionService) recordObservation(ctx context.Context, txn *model.Transaction, obs observation) error {
	fields := map[string]any{}
	if obs.ProviderStatus != "" && obs.ProviderStatus != txn.ProviderStatus {
		fields["provider_status"] = obs.ProviderStatus
	}
	if obs.PaymentURL != "" && obs.PaymentURL != txn.PaymentURL {
		fields["payment_url"] = obs.PaymentURL
	}
	if obs.USSDCode != "" && obs.USSDCode != txn.USSDCode {
		fields["ussd_code"] = obs.USSDCode
	}
	if obs.ExpiresAt != nil && txn.Status.InFlight() {
		fields["expires_at"] = obs.ExpiresAt.UTC()
	}
	if len(obs.Metadata) > 0 {
		md := make(map[string]any, len(txn.Metadata)+len(obs.Metadata))
		for k, v := range txn.Metadata {
			md[k] = v
		}
		for k, v := range obs.Metadata {
			md[k] = v
		}
		fields["metadata"] = md
	}
	if len(fields) == 0 {
		return nil
	}
	dbCtx, cancel := s.store(ctx)
	defer cancel()
	if err := s.txns.UpdateFields(dbCtx, txn.ID, fields); err != nil {
		return fmt.Errorf("record provider outcome: %w", err)
	}
	return nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.load(ctx, id)
}

func (s *TransactionService) GetByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	return s.byKey(ctx, key)
}

// GetTransactionStatus returns the stored transaction. With refresh an
// in-flight transaction is polled at its provider and reconciled first; a
// failed poll returns the stored state.
func (s *TransactionService) GetTransactionStatus(ctx context.Context, id string, refresh bool) (*model.Transaction, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !refresh || !txn.Status.InFlight() || txn.ExternalRef() == "" {
		return txn, nil
	}

	res, err := s.gateway.GetStatus(ctx, txn.Provider, txn.ExternalRef())
	if err != nil {
		logger.Warn("status refresh failed", "transaction_id", id, "provider", string(txn.Provider), "error", err)
		return txn, nil
	}

	lease, err := s.lock(ctx, id)
	if errors.Is(err, ErrTransactionBusy) {
		return txn, nil
	}
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, current, fromResult(res), model.SourcePoll)
}

func (s *TransactionService) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, model.NewValidationError("filter", err.Error())
	}
	return s.txns.List(ctx, f)
}

// ListAnomalies returns the provider disagreements recorded for a transaction,
// oldest first.
func (s *TransactionService) ListAnomalies(ctx context.Context, id string) ([]*model.Anomaly, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	dbCtx, cancel := s.store(ctx)
	defer cancel()
	return s.audit.ListAnomalies(dbCtx, id)
}

// CancelTransaction cancels a payment that has not been submitted or paid.
// Only PENDING transactions can be cancelled by a caller.
func (s *TransactionService) CancelTransaction(ctx context.Context, id, reason string) (*model.Transaction, error) {
	lease, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != model.StatusPending {
		s.anomaly(ctx, id, model.AnomalyRejectedTransition, model.SourceAPI, map[string]any{
			"from": string(txn.Status), "to": string(model.StatusCancelled), "reason": "cancel requested",
		})
		return nil, fmt.Errorf("%w: %s transactions cannot be cancelled", ErrInvalidTransition, txn.Status)
	}

	if err := s.gateway.CancelPayment(ctx, txn); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.transition(ctx, txn, model.StatusCancelled, reason, model.SourceAPI, nil)
}

// ConfirmCashPayment records that a cash payment was collected. A
// confirmation after the payment window expires the transaction instead.
func (s *TransactionService) ConfirmCashPayment(ctx context.Context, id, code, confirmedBy string) (*model.Transaction, error) {
	if strings.TrimSpace(confirmedBy) == "" {
		return nil, model.NewValidationError("confirmed_by", "confirmed_by is required")
	}
	lease, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.unlock(lease)

	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Provider != model.ProviderCash {
		return nil, model.NewValidationError("provider", "only cash payments can be confirmed manually")
	}
	if txn.Status != model.StatusPending {
		s.anomaly(ctx, id, model.AnomalyRejectedTransition, model.SourceManual, map[string]any{
			"from": string(txn.Status), "to": string(model.StatusCompleted), "reason": "cash confirmation",
		})
		return nil, fmt.Errorf("%w: %s cash payment cannot be confirmed", ErrInvalidTransition, txn.Status)
	}

	res, err := s.gateway.ConfirmCashPayment(ctx, txn, code, confirmedBy)
	if err != nil {
		return nil, err
	}

	if res.Status == model.StatusExpired {
		if _, err := s.transition(ctx, txn, model.StatusExpired, "cash confirmed after expiry", model.SourceManual, nil); err != nil {
			return nil, err
		}
		return nil, &model.PaymentError{
			Kind:    model.KindValidation,
			Code:    "PAYMENT_EXPIRED",
			Field:   "code",
			Message: "the cash payment window has elapsed",
			Err:     ErrPaymentExpired,
		}
	}
	return s.transition(ctx, txn, model.StatusCompleted, "cash collected by "+confirmedBy, model.SourceManual,
		map[string]any{"provider_status": res.ProviderStatus})
}

// ExpireStale expires in-flight transactions past their deadline. Providers
// are asked one last time before an awaiting payment is given up.
func (s *TransactionService) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.txns.ListExpired(ctx, now, s.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired transactions: %w", err)
	}

	expired := 0
	for _, txn := range stale {
		ok, err := s.expire(ctx, txn.ID, now)
		if err != nil {
			logger.Warn("failed to expire transaction", "transaction_id", txn.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		logger.Info("expired stale transactions", "count", expired)
	}
	return expired, nil
}

func (s *TransactionService) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	lease, err := s.locks.AcquireLease(ctx, leaseKey(id), s.config.LeaseTTL, 0)
	if errors.Is(err, idempotency.ErrLeaseHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lease.KeepAlive(s.config.LeaseTTL)
	defer s.unlock(lease)

	txn, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !txn.Status.InFlight() || txn.ExpiresAt == nil || txn.ExpiresAt.After(now) {
		return false, nil
	}

	if txn.ExternalRef() != "" {
		res, err := s.gateway.GetStatus(ctx, txn.Provider, txn.ExternalRef())
		switch {
		case err != nil:
			logger.Warn("final status check failed", "transaction_id", id, "error", err)
		case txn.Provider == model.ProviderCash && res.Status != model.StatusCompleted:
			// uncollected cash is expired below
		default:
			if txn, err = s.reconcile(ctx, txn, fromResult(res), model.SourcePoll); err != nil {
				return false, err
			}
			if !txn.Status.InFlight() {
				return false, nil
			}
		}
	}

	if txn.Status == model.StatusProcessing {
		// the submission outcome was never recorded
		if txn, err = s.transition(ctx, txn, model.StatusAwaitingConfirmation, "no provider outcome recorded", model.SourceSweep, nil); err != nil {
			return false, err
		}
	}

	if err := s.gateway.ExpirePayment(ctx, txn); err != nil {
		logger.Warn("failed to expire payment at provider", "transaction_id", id, "error", err)
	}
	if _, err := s.transition(ctx, txn, model.StatusExpired, "payment window elapsed", model.SourceSweep, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RunExpirySweep calls ExpireStale every interval until ctx is done.
func (s *TransactionService) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
			if _, err := s.ReconcileRefunds(ctx); err != nil {
				logger.Error("refund sweep failed", "error", err)
			}
		}
	}
}

func (s *TransactionService) load(ctx context.Context, id string) (*model.Transaction, error) {
	dbCtx, cancel := s.store(ctx)
	defer cancel()
	txn, err := s.txns.GetByID(dbCtx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return txn, nil
}

func (s *TransactionService) byKey(ctx context.Context, key string) (*model.Transaction, error) {
	dbCtx, cancel := s.store(ctx)
	defer cancel()
	return s.txns.GetByIdempotencyKey(dbCtx, key)
}

func (s *TransactionService) store(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.StoreTimeout)
}

func leaseKey(id string) string {
	return "txn:" + id
}

func (s *TransactionService) lock(ctx context.Context, id string) (*idempotency.Lease, error) {
	lease, err := s.locks.AcquireLease(ctx, leaseKey(id), s.config.LeaseTTL, s.config.LeaseWait)
	if errors.Is(err, idempotency.ErrLeaseHeld) {
		return nil, ErrTransactionBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire transaction lease: %w", err)
	}
	// provider calls under the lease may run longer than its ttl
	lease.KeepAlive(s.config.LeaseTTL)
	return lease, nil
}

func (s *TransactionService) unlock(lease *idempotency.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		logger.Warn("failed to release transaction lease", "error", err)
	}
}

func (s *TransactionService) anomaly(ctx context.Context, txnID string, kind model.AnomalyKind, source model.TransitionSource, details map[string]any) {
	prom.AddAnomaly(string(kind))
	logger.Warn("transaction anomaly", "transaction_id", txnID, "kind", string(kind), "source", string(source), "details", details)
	if s.audit == nil {
		return
	}
	err := s.audit.RecordAnomaly(ctx, &model.Anomaly{
		TransactionID: txnID,
		Kind:          kind,
		Source:        string(source),
		Details:       details,
		CreatedAt:     s.now(),
	})
	if err != nil {
		logger.Error("failed to record anomaly", "transaction_id", txnID, "kind", string(kind), "error", err)
	}
}

// publish emits the transition after it committed. A failed publish is
// logged; the transition stands.
func (s *TransactionService) publish(ctx context.Context, txn *model.Transaction, from, to model.Status, reason string, source model.TransitionSource) {
	if s.events == nil {
		return
	}
	event := model.TransitionEvent{
		EventID:       uuid.NewString(),
		TransactionID: txn.ID,
		OrderID:       txn.OrderID,
		CustomerID:    txn.CustomerID,
		MerchantID:    txn.MerchantID,
		Provider:      txn.Provider,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		From:          from,
		To:            to,
		Reason:        reason,
		Source:        source,
		OccurredAt:    s.now(),
	}
	if url, ok := txn.Metadata["callback_url"].(string); ok {
		event.CallbackURL = url
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.EventPublishTimeout)
	defer cancel()
	_, err := s.events.PublishJSON(pubCtx, event, map[string]string{
		"event":          "transaction." + strings.ToLower(string(to)),
		"transaction_id": txn.ID,
	})
	if err != nil {
		logger.Error("failed to publish transition event", "transaction_id", txn.ID, "to", string(to), "error", err)
	}
}
