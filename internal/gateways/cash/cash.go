package cash

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

const (
	codeDigits   = 8
	codeAttempts = 5

	DefaultExpiry = 7 * 24 * time.Hour
)

var (
	ErrInvalidCode = errors.New("payment code does not match")
	ErrCodeSpace   = errors.New("could not allocate a unique payment code")
)

// Store persists the out-of-band leg of cash payments.
type Store interface {
	Create(ctx context.Context, cp *model.CashPayment) (*model.CashPayment, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	GetByTransaction(ctx context.Context, txnID string) (*model.CashPayment, error)
	GetByCode(ctx context.Context, code string) (*model.CashPayment, error)
	Confirm(ctx context.Context, txnID, confirmedBy string, at time.Time) error
	SetStatus(ctx context.Context, txnID string, status model.CashStatus) error
}

type Config struct {
	Expiry time.Duration
}

// Adapter is the cash rail. Nothing leaves the process: pickup payments get a
// random code the payer presents at an agent, cash on delivery a marker the
// courier confirms against.
type Adapter struct {
	store  Store
	expiry time.Duration
	now    func() time.Time
	random func(max *big.Int) (*big.Int, error)
}

func New(store Store, config Config) *Adapter {
	if config.Expiry <= 0 {
		config.Expiry = DefaultExpiry
	}
	return &Adapter{
		store:  store,
		expiry: config.Expiry,
		now:    func() time.Time { return time.Now().UTC() },
		random: func(max *big.Int) (*big.Int, error) { return rand.Int(rand.Reader, max) },
	}
}

func (a *Adapter) Name() model.Provider {
	return model.ProviderCash
}

func (a *Adapter) ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error) {
	if existing, err := a.store.GetByTransaction(ctx, txn.ID); err == nil {
		return a.result(existing), nil
	} else if !errors.Is(err, repository.ErrCashPaymentNotFound) {
		return nil, err
	}

	cp := &model.CashPayment{
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Status:        model.CashStatusPending,
		ExpiresAt:     a.now().Add(a.expiry),
	}
	switch txn.Method {
	case model.MethodCashOnDelivery:
		cp.Kind = model.CashCOD
		cp.Code = "COD-" + txn.ID
	case model.MethodCashPickup, "":
		cp.Kind = model.CashPickup
	default:
		return nil, model.NewValidationError("method", fmt.Sprintf("method %s is not a cash method", txn.Method))
	}

	for attempt := 0; ; attempt++ {
		if cp.Kind == model.CashPickup {
			code, err := a.uniqueCode(ctx)
			if err != nil {
				return nil, err
			}
			cp.Code = code
		}
		created, err := a.store.Create(ctx, cp)
		if err == nil {
			logger.Info("cash payment created", "transaction_id", txn.ID, "kind", cp.Kind, "expires_at", cp.ExpiresAt)
			return a.result(created), nil
		}
		// a concurrent insert may have taken the code between the check and the insert
		if !errors.Is(err, repository.ErrDuplicateCashCode) || cp.Kind != model.CashPickup || attempt+1 >= codeAttempts {
			return nil, err
		}
	}
}

func (a *Adapter) uniqueCode(ctx context.Context) (string, error) {
	limit := big.NewInt(100_000_000)
	for i := 0; i < codeAttempts; i++ {
		n, err := a.random(limit)
		if err != nil {
			return "", fmt.Errorf("generate payment code: %w", err)
		}
		code := fmt.Sprintf("%0*d", codeDigits, n.Int64())
		exists, err := a.store.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeSpace
}

func (a *Adapter) result(cp *model.CashPayment) *model.ProviderResult {
	expires := cp.ExpiresAt
	res := &model.ProviderResult{
		ExternalID:     cp.Code,
		Status:         a.status(cp),
		ProviderStatus: string(cp.Status),
		ExpiresAt:      &expires,
		Amount:         cp.Amount,
		Metadata:       map[string]any{"cash_kind": string(cp.Kind)},
	}
	if cp.Kind == model.CashPickup {
		res.PaymentCode = cp.Code
		res.Message = "Present code " + cp.Code + " at an agent to pay in cash."
	} else {
		res.Message = "Pay the courier in cash on delivery."
	}
	return res
}

// status reports a pending payment past its expiry as expired without
// touching the stored row; the sweep and confirm paths persist it.
func (a *Adapter) status(cp *model.CashPayment) model.Status {
	switch cp.Status {
	case model.CashStatusConfirmed:
		return model.StatusCompleted
	case model.CashStatusCancelled:
		return model.StatusCancelled
	case model.CashStatusExpired:
		return model.StatusExpired
	}
	if a.now().After(cp.ExpiresAt) {
		return model.StatusExpired
	}
	return model.StatusPending
}

func (a *Adapter) GetPaymentStatus(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	cp, err := a.store.GetByCode(ctx, externalID)
	if err != nil {
		if errors.Is(err, repository.ErrCashPaymentNotFound) {
			return nil, model.NewProviderError(model.ProviderCash, "NOT_FOUND", "unknown payment code", false)
		}
		return nil, err
	}
	return a.result(cp), nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	return a.GetPaymentStatus(ctx, externalID)
}

// RefundPayment records a cash refund handed over out of band. It stays
// pending until an operator completes it.
func (a *Adapter) RefundPayment(_ context.Context, refund *model.Refund, _ *model.Transaction) (*model.RefundResult, error) {
	return &model.RefundResult{
		ExternalID: "CASH-REFUND-" + refund.ID,
		Status:     model.RefundPending,
		Message:    "cash refund to be handed over by an agent",
	}, nil
}

// ConfirmPayment records the collection of a cash payment. A confirmation
// after expiry marks the payment expired and reports it as such.
func (a *Adapter) ConfirmPayment(ctx context.Context, txn *model.Transaction, code, confirmedBy string) (*model.ProviderResult, error) {
	cp, err := a.store.GetByTransaction(ctx, txn.ID)
	if err != nil {
		if errors.Is(err, repository.ErrCashPaymentNotFound) {
			return nil, model.NewValidationError("transaction_id", "no cash payment for this transaction")
		}
		return nil, err
	}
	if cp.Kind == model.CashPickup && code != cp.Code {
		return nil, &model.PaymentError{
			Kind: model.KindValidation, Code: "INVALID_CODE", Field: "code",
			Message: "payment code does not match", Err: ErrInvalidCode,
		}
	}
	if cp.Kind == model.CashCOD && code != "" && code != cp.Code {
		return nil, &model.PaymentError{
			Kind: model.KindValidation, Code: "INVALID_CODE", Field: "code",
			Message: "delivery marker does not match", Err: ErrInvalidCode,
		}
	}
	if replay, ok := a.replay(cp, txn, confirmedBy); ok {
		return replay, nil
	}
	if cp.Status != model.CashStatusPending {
		return nil, model.NewValidationError("code", fmt.Sprintf("cash payment is %s", cp.Status))
	}

	now := a.now()
	if now.After(cp.ExpiresAt) {
		if err := a.store.SetStatus(ctx, txn.ID, model.CashStatusExpired); err != nil && !errors.Is(err, repository.ErrCashNotPending) {
			return nil, err
		}
		cp.Status = model.CashStatusExpired
		logger.Warn("cash confirmation after expiry", "transaction_id", txn.ID, "expires_at", cp.ExpiresAt)
		return a.result(cp), nil
	}

	if err := a.store.Confirm(ctx, txn.ID, confirmedBy, now); err != nil {
		if errors.Is(err, repository.ErrCashNotPending) {
			return nil, model.NewValidationError("code", "cash payment is no longer pending")
		}
		return nil, err
	}
	cp.Status = model.CashStatusConfirmed
	cp.ConfirmedAt = &now
	cp.ConfirmedBy = confirmedBy
	logger.Info("cash payment confirmed", "transaction_id", txn.ID, "confirmed_by", confirmedBy)

	res := a.result(cp)
	res.Metadata["confirmed_by"] = confirmedBy
	return res, nil
}

// replay returns the recorded outcome when the cash row was settled by an
// earlier confirmation whose ledger write did not land. The transaction is
// still PENDING in that case; a COMPLETED or EXPIRED ledger never gets here.
func (a *Adapter) replay(cp *model.CashPayment, txn *model.Transaction, confirmedBy string) (*model.ProviderResult, bool) {
	if txn.Status != model.StatusPending {
		return nil, false
	}
	switch {
	case cp.Status == model.CashStatusConfirmed && cp.ConfirmedBy == confirmedBy:
		logger.Warn("replaying cash confirmation", "transaction_id", txn.ID, "confirmed_by", confirmedBy)
		res := a.result(cp)
		res.Metadata["confirmed_by"] = confirmedBy
		return res, true
	case cp.Status == model.CashStatusExpired:
		return a.result(cp), true
	}
	return nil, false
}

// CancelPayment invalidates the code of a pending cash payment.
func (a *Adapter) CancelPayment(ctx context.Context, txn *model.Transaction) error {
	err := a.store.SetStatus(ctx, txn.ID, model.CashStatusCancelled)
	switch {
	case err == nil, errors.Is(err, repository.ErrCashPaymentNotFound):
		return nil
	case errors.Is(err, repository.ErrCashNotPending):
		return model.NewValidationError("status", "cash payment is no longer pending")
	}
	return err
}

// Expire marks the cash leg of txnID expired. Used by the expiry sweep.
func (a *Adapter) Expire(ctx context.Context, txnID string) error {
	err := a.store.SetStatus(ctx, txnID, model.CashStatusExpired)
	if errors.Is(err, repository.ErrCashPaymentNotFound) || errors.Is(err, repository.ErrCashNotPending) {
		return nil
	}
	return err
}
