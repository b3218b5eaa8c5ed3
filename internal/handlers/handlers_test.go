package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/internal/ussd"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) ProcessPayment(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, error) {
	args := m.Called(ctx, req, rc)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

func (m *MockPaymentService) GetTransactionStatus(ctx context.Context, id string, refresh bool) (*model.Transaction, error) {
	args := m.Called(ctx, id, refresh)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

func (m *MockPaymentService) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	args := m.Called(ctx, f)
	items, _ := args.Get(0).([]*model.Transaction)
	return items, args.Get(1).(int64), args.Error(2)
}

func (m *MockPaymentService) CancelTransaction(ctx context.Context, id, reason string) (*model.Transaction, error) {
	args := m.Called(ctx, id, reason)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

func (m *MockPaymentService) RefundTransaction(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
	args := m.Called(ctx, req)
	refund, _ := args.Get(0).(*model.Refund)
	return refund, args.Error(1)
}

func (m *MockPaymentService) ListRefunds(ctx context.Context, txnID string) ([]*model.Refund, error) {
	args := m.Called(ctx, txnID)
	refunds, _ := args.Get(0).([]*model.Refund)
	return refunds, args.Error(1)
}

func (m *MockPaymentService) CompleteRefund(ctx context.Context, txnID, refundID, externalRef string) (*model.Refund, error) {
	args := m.Called(ctx, txnID, refundID, externalRef)
	refund, _ := args.Get(0).(*model.Refund)
	return refund, args.Error(1)
}

func (m *MockPaymentService) FailRefund(ctx context.Context, txnID, refundID, reason string) (*model.Refund, error) {
	args := m.Called(ctx, txnID, refundID, reason)
	refund, _ := args.Get(0).(*model.Refund)
	return refund, args.Error(1)
}

func (m *MockPaymentService) ListAnomalies(ctx context.Context, txnID string) ([]*model.Anomaly, error) {
	args := m.Called(ctx, txnID)
	list, _ := args.Get(0).([]*model.Anomaly)
	return list, args.Error(1)
}

func (m *MockPaymentService) ConfirmCashPayment(ctx context.Context, id, code, confirmedBy string) (*model.Transaction, error) {
	args := m.Called(ctx, id, code, confirmedBy)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) HandleWebhook(ctx context.Context, provider model.Provider, body []byte, signature string) (*model.Transaction, error) {
	args := m.Called(ctx, provider, body, signature)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

type MockUSSDService struct {
	mock.Mock
}

func (m *MockUSSDService) HandleEvent(ctx context.Context, ev ussd.Event) (*ussd.Reply, error) {
	args := m.Called(ctx, ev)
	reply, _ := args.Get(0).(*ussd.Reply)
	return reply, args.Error(1)
}

func (m *MockUSSDService) Cancel(ctx context.Context, id string) (*ussd.Session, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*ussd.Session)
	return s, args.Error(1)
}

type methodsFunc func(phone string, amount int64) []model.PaymentMethod

func (f methodsFunc) GetAvailableMethods(phone string, amount int64) []model.PaymentMethod {
	return f(phone, amount)
}

type providersFunc func() []model.ProviderHealth

func (f providersFunc) GetProviderHealthStatus() []model.ProviderHealth { return f() }

func setupTestContext(method, path string, body []byte, params map[string]string) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.SetContentType("application/json")
	if body != nil {
		ctx.Request.SetBody(body)
	}
	for k, v := range params {
		ctx.SetUserValue(k, v)
	}
	return ctx
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ApiError       `json:"error"`
	Meta    Meta            `json:"meta"`
}

func decode(t *testing.T, ctx *xhttp.RequestCtx) envelope {
	var env envelope
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &env))
	return env
}

func TestPaymentHandler_CreatePayment(t *testing.T) {
	body := []byte(`{"order_id":"order-1","customer_id":"cust-1","amount":5000,"provider":"mtn_mobile_money","phone_number":"+237650000001"}`)

	t.Run("accepted while awaiting the payer", func(t *testing.T) {
		svc := new(MockPaymentService)
		h := NewPaymentHandler(svc, nil)

		svc.On("ProcessPayment", mock.Anything, mock.MatchedBy(func(req model.PaymentRequest) bool {
			return req.OrderID == "order-1" && req.Amount == 5000 && req.IdempotencyKey == "key-1"
		}), mock.MatchedBy(func(rc model.RequestContext) bool {
			return rc.Channel == "api" && rc.IPAddress == "41.202.219.1" && rc.UserAgent == "shop/1.0"
		})).Return(&model.Transaction{ID: "txn-1", Status: model.StatusAwaitingConfirmation}, nil)

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		ctx.Request.Header.Set("Idempotency-Key", "key-1")
		ctx.Request.Header.Set("X-Forwarded-For", "41.202.219.1, 10.0.0.1")
		ctx.Request.Header.SetUserAgent("shop/1.0")
		h.CreatePayment(ctx)

		assert.Equal(t, 202, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.True(t, env.Success)
		var txn model.Transaction
		require.NoError(t, json.Unmarshal(env.Data, &txn))
		assert.Equal(t, "txn-1", txn.ID)
		svc.AssertExpectations(t)
	})

	t.Run("settled payment is created", func(t *testing.T) {
		svc := new(MockPaymentService)
		svc.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(&model.Transaction{ID: "txn-2", Status: model.StatusCompleted}, nil)

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		NewPaymentHandler(svc, nil).CreatePayment(ctx)
		assert.Equal(t, 201, ctx.Response.StatusCode())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockPaymentService)
		ctx := setupTestContext("POST", "/api/v1/payments", []byte("nope"), nil)
		NewPaymentHandler(svc, nil).CreatePayment(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.False(t, env.Success)
		assert.Equal(t, "INVALID_JSON", env.Error.Code)
		svc.AssertNotCalled(t, "ProcessPayment", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("validation error names the field", func(t *testing.T) {
		svc := new(MockPaymentService)
		svc.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, model.NewValidationError("amount", "amount must be between 500 and 1000000 XAF"))

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		NewPaymentHandler(svc, nil).CreatePayment(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.Equal(t, "amount", env.Error.Field)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	})

	t.Run("fraud block is forbidden", func(t *testing.T) {
		svc := new(MockPaymentService)
		svc.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, model.NewFraudError(&model.FraudVerdict{Score: 90, RiskLevel: model.RiskCritical}))

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		NewPaymentHandler(svc, nil).CreatePayment(ctx)

		assert.Equal(t, 403, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.Equal(t, "FRAUD_DETECTED", env.Error.Code)
		assert.Equal(t, string(model.RiskCritical), env.Error.RiskLevel)
	})

	t.Run("provider rejection returns the failed transaction", func(t *testing.T) {
		svc := new(MockPaymentService)
		svc.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(&model.Transaction{ID: "txn-3", Status: model.StatusFailed},
				model.NewProviderError(model.ProviderMTN, "PAYER_NOT_FOUND", "payer not found", false))

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		NewPaymentHandler(svc, nil).CreatePayment(ctx)

		assert.Equal(t, 502, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.Equal(t, "PAYER_NOT_FOUND", env.Error.Code)
		assert.Equal(t, string(model.ProviderMTN), env.Error.Provider)
		assert.Contains(t, string(env.Data), "txn-3")
	})

	t.Run("infrastructure error is opaque", func(t *testing.T) {
		svc := new(MockPaymentService)
		svc.On("ProcessPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("pq: connection refused"))

		ctx := setupTestContext("POST", "/api/v1/payments", body, nil)
		ctx.SetUserValue(xhttp.RequestIDKey, "req-9")
		NewPaymentHandler(svc, nil).CreatePayment(ctx)

		assert.Equal(t, 500, ctx.Response.StatusCode())
		env := decode(t, ctx)
		assert.Equal(t, "internal error", env.Error.Message)
		assert.Equal(t, "req-9", env.Meta.RequestID)
	})
}

func TestPaymentHandler_GetPayment(t *testing.T) {
	svc := new(MockPaymentService)
	h := NewPaymentHandler(svc, nil)

	svc.On("GetTransactionStatus", mock.Anything, "txn-1", true).
		Return(&model.Transaction{ID: "txn-1", Status: model.StatusCompleted}, nil)
	svc.On("GetTransactionStatus", mock.Anything, "missing", false).
		Return(nil, fmt.Errorf("load transaction: %w", repository.ErrNotFound))

	ctx := setupTestContext("GET", "/api/v1/payments/txn-1?refresh=true", nil, map[string]string{"id": "txn-1"})
	h.GetPayment(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	ctx = setupTestContext("GET", "/api/v1/payments/missing", nil, map[string]string{"id": "missing"})
	h.GetPayment(ctx)
	assert.Equal(t, 404, ctx.Response.StatusCode())
	assert.Equal(t, "NOT_FOUND", decode(t, ctx).Error.Code)
	svc.AssertExpectations(t)
}

func TestPaymentHandler_ListPayments(t *testing.T) {
	svc := new(MockPaymentService)
	h := NewPaymentHandler(svc, nil)

	svc.On("ListTransactions", mock.Anything, mock.MatchedBy(func(f model.TransactionFilter) bool {
		return f.CustomerID != nil && *f.CustomerID == "cust-1" &&
			len(f.Statuses) == 2 && f.Statuses[0] == model.StatusCompleted && f.Statuses[1] == model.StatusFailed &&
			f.From != nil && f.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) &&
			f.Limit == 20 && f.Offset == 40 && f.Desc
	})).Return([]*model.Transaction{{ID: "txn-1"}}, int64(41), nil)

	ctx := setupTestContext("GET", "/api/v1/payments?customer_id=cust-1&status=completed,FAILED&from=2026-01-01&limit=20&offset=40&order=desc", nil, nil)
	h.ListPayments(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	var list listResponse[*model.Transaction]
	require.NoError(t, json.Unmarshal(decode(t, ctx).Data, &list))
	assert.Equal(t, int64(41), list.Total)
	assert.Len(t, list.Items, 1)

	ctx = setupTestContext("GET", "/api/v1/payments?to=yesterday", nil, nil)
	h.ListPayments(ctx)
	assert.Equal(t, 400, ctx.Response.StatusCode())
	svc.AssertExpectations(t)
}

func TestPaymentHandler_CancelAndRefund(t *testing.T) {
	svc := new(MockPaymentService)
	h := NewPaymentHandler(svc, nil)

	svc.On("CancelTransaction", mock.Anything, "txn-1", "changed my mind").
		Return(nil, fmt.Errorf("%w: COMPLETED transactions cannot be cancelled", services.ErrInvalidTransition))
	ctx := setupTestContext("POST", "/api/v1/payments/txn-1/cancel", []byte(`{"reason":"changed my mind"}`), map[string]string{"id": "txn-1"})
	h.CancelPayment(ctx)
	assert.Equal(t, 409, ctx.Response.StatusCode())
	assert.Equal(t, "INVALID_TRANSITION", decode(t, ctx).Error.Code)

	svc.On("RefundTransaction", mock.Anything, model.RefundRequest{TransactionID: "txn-1", Amount: 2000, Reason: "damaged"}).
		Return(&model.Refund{ID: "ref-1", Status: model.RefundCompleted, Amount: 2000}, nil)
	ctx = setupTestContext("POST", "/api/v1/payments/txn-1/refunds", []byte(`{"amount":2000,"reason":"damaged"}`), map[string]string{"id": "txn-1"})
	h.RefundPayment(ctx)
	assert.Equal(t, 201, ctx.Response.StatusCode())

	svc.On("RefundTransaction", mock.Anything, model.RefundRequest{TransactionID: "txn-2"}).
		Return(&model.Refund{ID: "ref-2", Status: model.RefundPending}, nil)
	ctx = setupTestContext("POST", "/api/v1/payments/txn-2/refunds", nil, map[string]string{"id": "txn-2"})
	h.RefundPayment(ctx)
	assert.Equal(t, 202, ctx.Response.StatusCode())

	svc.On("ListRefunds", mock.Anything, "txn-1").Return([]*model.Refund{{ID: "ref-1"}}, nil)
	ctx = setupTestContext("GET", "/api/v1/payments/txn-1/refunds", nil, map[string]string{"id": "txn-1"})
	h.ListRefunds(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	svc.AssertExpectations(t)
}

func TestPaymentHandler_SettleRefund(t *testing.T) {
	params := map[string]string{"id": "txn-1", "refund_id": "ref-1"}

	t.Run("complete", func(t *testing.T) {
		svc := new(MockPaymentService)
		h := NewPaymentHandler(svc, nil)

		svc.On("CompleteRefund", mock.Anything, "txn-1", "ref-1", "CI-889").
			Return(&model.Refund{ID: "ref-1", TransactionID: "txn-1", Status: model.RefundCompleted, ExternalReference: "CI-889"}, nil)
		ctx := setupTestContext("POST", "/api/v1/payments/txn-1/refunds/ref-1/complete", []byte(`{"external_reference":"CI-889"}`), params)
		h.CompleteRefund(ctx)
		assert.Equal(t, 200, ctx.Response.StatusCode())
		var refund model.Refund
		require.NoError(t, json.Unmarshal(decode(t, ctx).Data, &refund))
		assert.Equal(t, model.RefundCompleted, refund.Status)
		svc.AssertExpectations(t)
	})

	t.Run("already settled", func(t *testing.T) {
		svc := new(MockPaymentService)
		h := NewPaymentHandler(svc, nil)

		svc.On("CompleteRefund", mock.Anything, "txn-1", "ref-1", "").
			Return(nil, fmt.Errorf("complete refund: %w", repository.ErrRefundNotPending))
		ctx := setupTestContext("POST", "/api/v1/payments/txn-1/refunds/ref-1/complete", nil, params)
		h.CompleteRefund(ctx)
		assert.Equal(t, 409, ctx.Response.StatusCode())
		assert.Equal(t, "REFUND_NOT_PENDING", decode(t, ctx).Error.Code)
	})

	t.Run("fail", func(t *testing.T) {
		svc := new(MockPaymentService)
		h := NewPaymentHandler(svc, nil)

		svc.On("FailRefund", mock.Anything, "txn-1", "ref-1", "payer account closed").
			Return(&model.Refund{ID: "ref-1", Status: model.RefundFailed, FailureReason: "payer account closed"}, nil)
		ctx := setupTestContext("POST", "/api/v1/payments/txn-1/refunds/ref-1/fail", []byte(`{"reason":"payer account closed"}`), params)
		h.FailRefund(ctx)
		assert.Equal(t, 200, ctx.Response.StatusCode())

		svc.On("FailRefund", mock.Anything, "txn-2", "ref-1", "x").Return(nil, repository.ErrRefundNotFound)
		ctx = setupTestContext("POST", "/api/v1/payments/txn-2/refunds/ref-1/fail", []byte(`{"reason":"x"}`),
			map[string]string{"id": "txn-2", "refund_id": "ref-1"})
		h.FailRefund(ctx)
		assert.Equal(t, 404, ctx.Response.StatusCode())

		ctx = setupTestContext("POST", "/api/v1/payments/txn-1/refunds/ref-1/fail", []byte(`{`), params)
		h.FailRefund(ctx)
		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}

func TestPaymentHandler_ListAnomalies(t *testing.T) {
	svc := new(MockPaymentService)
	h := NewPaymentHandler(svc, nil)

	svc.On("ListAnomalies", mock.Anything, "txn-1").Return([]*model.Anomaly{
		{TransactionID: "txn-1", Kind: model.AnomalyTerminalConflict, Source: string(model.SourceWebhook)},
	}, nil)
	ctx := setupTestContext("GET", "/api/v1/payments/txn-1/anomalies", nil, map[string]string{"id": "txn-1"})
	h.ListAnomalies(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	var page struct {
		Items []model.Anomaly `json:"items"`
		Total int64           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(decode(t, ctx).Data, &page))
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, model.AnomalyTerminalConflict, page.Items[0].Kind)

	svc.On("ListAnomalies", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	ctx = setupTestContext("GET", "/api/v1/payments/missing/anomalies", nil, map[string]string{"id": "missing"})
	h.ListAnomalies(ctx)
	assert.Equal(t, 404, ctx.Response.StatusCode())
}

func TestPaymentHandler_ConfirmCash(t *testing.T) {
	svc := new(MockPaymentService)
	h := NewPaymentHandler(svc, nil)

	svc.On("ConfirmCashPayment", mock.Anything, "txn-1", "12345678", "agent-7").
		Return(&model.Transaction{ID: "txn-1", Status: model.StatusCompleted}, nil)
	ctx := setupTestContext("POST", "/api/v1/payments/txn-1/cash/confirm",
		[]byte(`{"code":"12345678","confirmed_by":"agent-7"}`), map[string]string{"id": "txn-1"})
	h.ConfirmCash(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	svc.On("ConfirmCashPayment", mock.Anything, "txn-2", "1", "agent-7").
		Return(nil, &model.PaymentError{Kind: model.KindValidation, Code: "PAYMENT_EXPIRED", Field: "code", Message: "the cash payment window has elapsed"})
	ctx = setupTestContext("POST", "/api/v1/payments/txn-2/cash/confirm",
		[]byte(`{"code":"1","confirmed_by":"agent-7"}`), map[string]string{"id": "txn-2"})
	h.ConfirmCash(ctx)
	assert.Equal(t, 400, ctx.Response.StatusCode())
	assert.Equal(t, "PAYMENT_EXPIRED", decode(t, ctx).Error.Code)
}

func TestPaymentHandler_ListMethods(t *testing.T) {
	h := NewPaymentHandler(nil, methodsFunc(func(phone string, amount int64) []model.PaymentMethod {
		return []model.PaymentMethod{{Provider: model.ProviderMTN, Available: phone == "650000001" && amount == 5000}}
	}))

	ctx := setupTestContext("GET", "/api/v1/payments/methods?phone=650000001&amount=5000", nil, nil)
	h.ListMethods(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Contains(t, string(decode(t, ctx).Data), `"available":true`)

	ctx = setupTestContext("GET", "/api/v1/payments/methods?amount=-1", nil, nil)
	h.ListMethods(ctx)
	assert.Equal(t, 400, ctx.Response.StatusCode())
}

func TestWebhookHandler_Receive(t *testing.T) {
	svc := new(MockWebhookService)
	h := NewWebhookHandler(svc)
	body := []byte(`{"referenceId":"txn-1","status":"SUCCESSFUL"}`)

	svc.On("HandleWebhook", mock.Anything, model.ProviderMTN, body, "abc123").
		Return(&model.Transaction{ID: "txn-1", Status: model.StatusCompleted}, nil)
	ctx := setupTestContext("POST", "/api/v1/webhooks/mtn_mobile_money", body, map[string]string{"provider": "mtn_mobile_money"})
	ctx.Request.Header.Set("X-Signature", "abc123")
	h.Receive(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Contains(t, string(decode(t, ctx).Data), `"status":"COMPLETED"`)

	svc.On("HandleWebhook", mock.Anything, model.ProviderOrange, mock.Anything, "").
		Return(nil, services.ErrUnverifiedWebhook)
	ctx = setupTestContext("POST", "/api/v1/webhooks/orange_money", body, map[string]string{"provider": "orange_money"})
	h.Receive(ctx)
	assert.Equal(t, 401, ctx.Response.StatusCode())
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, ctx).Error.Code)
	svc.AssertExpectations(t)
}

func TestUSSDHandler_Event(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		svc := new(MockUSSDService)
		svc.On("HandleEvent", mock.Anything, ussd.Event{SessionID: "s-1", Phone: "650000001", ServiceCode: "*126#", Input: "1"}).
			Return(&ussd.Reply{Text: "Enter amount (XAF):", Step: ussd.StepEnterAmount}, nil)

		ctx := setupTestContext("POST", "/api/v1/ussd",
			[]byte(`{"session_id":"s-1","phone_number":"650000001","service_code":"*126#","text":"1"}`), nil)
		NewUSSDHandler(svc).Event(ctx)
		assert.Equal(t, 200, ctx.Response.StatusCode())
		assert.Contains(t, string(decode(t, ctx).Data), "ENTER_AMOUNT")
	})

	t.Run("aggregator form", func(t *testing.T) {
		svc := new(MockUSSDService)
		svc.On("HandleEvent", mock.Anything, ussd.Event{SessionID: "s-2", Phone: "+237650000001", ServiceCode: "*126#", Input: "1*5000*1"}).
			Return(&ussd.Reply{Text: "Payment request sent.", End: true, Step: ussd.StepSubmitted}, nil)

		ctx := setupTestContext("POST", "/api/v1/ussd",
			[]byte("sessionId=s-2&phoneNumber=%2B237650000001&serviceCode=%2A126%23&text=1%2A5000%2A1"), nil)
		ctx.Request.Header.SetContentType("application/x-www-form-urlencoded")
		NewUSSDHandler(svc).Event(ctx)
		assert.Equal(t, 200, ctx.Response.StatusCode())
		assert.Equal(t, "END Payment request sent.", string(ctx.Response.Body()))
	})

	t.Run("expired session", func(t *testing.T) {
		svc := new(MockUSSDService)
		svc.On("HandleEvent", mock.Anything, mock.Anything).Return(nil, ussd.ErrSessionExpired)

		ctx := setupTestContext("POST", "/api/v1/ussd", []byte(`{"session_id":"s-3"}`), nil)
		NewUSSDHandler(svc).Event(ctx)
		assert.Equal(t, 410, ctx.Response.StatusCode())
		assert.Equal(t, "SESSION_EXPIRED", decode(t, ctx).Error.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		svc := new(MockUSSDService)
		svc.On("Cancel", mock.Anything, "s-4").Return(&ussd.Session{ID: "s-4", Step: ussd.StepCancelled}, nil)
		svc.On("Cancel", mock.Anything, "s-5").Return(nil, ussd.ErrSessionClosed)

		ctx := setupTestContext("DELETE", "/api/v1/ussd/s-4", nil, map[string]string{"session_id": "s-4"})
		NewUSSDHandler(svc).Cancel(ctx)
		assert.Equal(t, 200, ctx.Response.StatusCode())

		ctx = setupTestContext("DELETE", "/api/v1/ussd/s-5", nil, map[string]string{"session_id": "s-5"})
		NewUSSDHandler(svc).Cancel(ctx)
		assert.Equal(t, 409, ctx.Response.StatusCode())
	})
}

func TestHealthHandler(t *testing.T) {
	providers := providersFunc(func() []model.ProviderHealth {
		return []model.ProviderHealth{{Provider: model.ProviderMTN, Status: "healthy", Enabled: true}}
	})

	ok := NewHealthHandler(map[string]HealthCheck{"redis": func(context.Context) error { return nil }}, providers)
	ctx := setupTestContext("GET", "/api/v1/health", nil, nil)
	ok.GetHealth(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	down := NewHealthHandler(map[string]HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, providers)
	ctx = setupTestContext("GET", "/api/v1/health", nil, nil)
	down.GetHealth(ctx)
	assert.Equal(t, 503, ctx.Response.StatusCode())
	assert.Contains(t, string(decode(t, ctx).Data), `"postgres":"connection refused"`)

	ctx = setupTestContext("GET", "/api/v1/health/providers", nil, nil)
	ok.GetProviders(ctx)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Contains(t, string(decode(t, ctx).Data), `"healthy"`)
}
