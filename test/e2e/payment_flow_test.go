package e2e

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/payment-gateway/internal/fraud"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/gateways/cash"
	"github.com/nimasrn/payment-gateway/internal/gateways/mtn"
	"github.com/nimasrn/payment-gateway/internal/handlers"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/processor"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/test/fixtures"
	"github.com/nimasrn/payment-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

const mtnSecret = "mtn-secret"

// fakeMTN answers the collection and disbursement calls the adapter makes.
func fakeMTN(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case strings.HasSuffix(path, "/token/"):
		ctx.SetBodyString(`{"access_token":"tok","token_type":"access_token","expires_in":3600}`)
	case path == "/collection/v1_0/requesttopay", path == "/disbursement/v1_0/transfer":
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	case strings.HasPrefix(path, "/disbursement/v1_0/transfer/"):
		ctx.SetBodyString(`{"amount":"2000","currency":"XAF","status":"SUCCESSFUL"}`)
	case path == "/collection/v1_0/account/balance":
		ctx.SetBodyString(`{"availableBalance":"1000","currency":"XAF"}`)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type merchant struct {
	mu     sync.Mutex
	events []processor.Notification
	valid  bool
}

func (m *merchant) handle(ctx *fasthttp.RequestCtx) {
	var n processor.Notification
	_ = json.Unmarshal(ctx.PostBody(), &n)
	m.mu.Lock()
	m.events = append(m.events, n)
	m.valid = gateway.VerifySignature("merchant-secret", ctx.PostBody(), string(ctx.Request.Header.Peek("X-Signature")))
	m.mu.Unlock()
}

func (m *merchant) received(txnID string, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.events {
		if n.TransactionID == txnID && n.Event == event {
			return m.valid
		}
	}
	return false
}

type TestEnvironment struct {
	Service  *services.TransactionService
	Txns     *repository.TransactionRepository
	Merchant *merchant
	client   *fasthttp.Client
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	_, adapter := helpers.SetupTestRedis(t)

	txns := repository.NewTransactionRepository(db)
	refunds := repository.NewRefundRepository(db, txns)
	audit := repository.NewAuditRepository(db)
	cashRepo := repository.NewCashRepository(db)

	fees, err := model.NewFeeCalculator("0.1925", "0.025")
	require.NoError(t, err)
	gw := gateway.New(gateway.Config{WindowSize: 10, FailureThreshold: 5, CircuitOpenPeriod: time.Minute}, fees)
	pc := gateway.ProviderConfig{Enabled: true, Timeout: 2 * time.Second, MaxAttempts: 1}
	gw.Register(mtn.New(mtn.Config{
		BaseURL:         "http://mtn.test",
		SubscriptionKey: "sub",
		APIUser:         "user",
		APIKey:          "key",
		TargetEnv:       "sandbox",
		WebhookSecret:   mtnSecret,
		Timeout:         2 * time.Second,
	}, gateway.WithDial(helpers.ServeInMemory(t, fakeMTN))), pc)
	gw.Register(cash.New(cashRepo, cash.Config{}), pc)

	locks := idempotency.NewService(adapter, idempotency.DefaultConfig())
	engine := fraud.NewEngine(fraud.Config{Enabled: true, DenyPhones: []string{"650000666"}}, txns, nil)

	queueCfg := queue.QueueConfig{
		Name:              "e2e:payments:events",
		ConsumerGroup:     "notifier",
		ConsumerName:      "e2e",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         10,
		EnableDLQ:         true,
	}
	events, err := queue.NewQueue(adapter, queueCfg)
	require.NoError(t, err)

	svc := services.NewTransactionService(services.Config{}, txns, refunds, audit, gw, engine, locks, events)

	r := xhttp.CreateDefaultRouter()
	g := r.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, handlers.NewPaymentHandler(svc, gw))
	handlers.RegisterWebhookRoutes(g, handlers.NewWebhookHandler(svc))
	apiDial := helpers.ServeInMemory(t, xhttp.RequestIDMiddleware(r.Handler))

	m := &merchant{}
	notifier := processor.NewNotifier(processor.NotifierConfig{Secret: "merchant-secret", Timeout: time.Second},
		processor.WithNotifierDial(helpers.ServeInMemory(t, m.handle)))
	proc, err := processor.NewProcessorService(adapter, processor.ServiceConfig{
		Queue:     queueCfg,
		Consumers: 1,
		Workers:   2,
		Timeout:   2 * time.Second,
	}, processor.NewEventProcessor(notifier, idempotency.NewService(adapter, idempotency.DefaultConfig())))
	require.NoError(t, err)
	require.NoError(t, proc.Start())
	t.Cleanup(proc.Stop)

	return &TestEnvironment{
		Service:  svc,
		Txns:     txns,
		Merchant: m,
		client:   &fasthttp.Client{Dial: apiDial},
	}
}

type envelope struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   *handlers.ApiError `json:"error"`
}

func (e *TestEnvironment) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://api.test" + path)
	req.Header.SetMethod(method)
	switch b := body.(type) {
	case nil:
	case []byte:
		req.SetBody(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		req.SetBody(raw)
	}
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	require.NoError(t, e.client.DoTimeout(req, resp, 5*time.Second))
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body(), &env), string(resp.Body()))
	return resp.StatusCode(), env
}

func decodeTxn(t *testing.T, env envelope) model.Transaction {
	var txn model.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &txn))
	return txn
}

func TestE2E_MTNPaymentWebhookAndRefund(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, resp := env.do(t, fasthttp.MethodPost, "/api/v1/payments", fixtures.NewMTNPaymentRequest("order-1", 5000), nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	created := decodeTxn(t, resp)
	assert.True(t, created.Status.InFlight())
	assert.Equal(t, created.ID, created.ExternalRef())

	// replaying the same intent returns the same transaction
	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/payments", fixtures.NewMTNPaymentRequest("order-1", 5000), nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	assert.Equal(t, created.ID, decodeTxn(t, resp).ID)

	callback := fixtures.MTNCallback(created.ID, 5000, "SUCCESSFUL")
	status, _ = env.do(t, fasthttp.MethodPost, "/api/v1/webhooks/mtn_mobile_money", callback,
		map[string]string{"X-Signature": "deadbeef"})
	assert.Equal(t, fasthttp.StatusUnauthorized, status)

	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/webhooks/mtn_mobile_money", callback,
		map[string]string{"X-Signature": gateway.Sign(mtnSecret, callback)})
	require.Equal(t, fasthttp.StatusOK, status)

	stored, err := env.Txns.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.Merchant.received(created.ID, "transaction.completed")
	}, "merchant was not notified of the completed payment")

	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/refunds",
		map[string]any{"amount": 2000, "reason": "damaged item"}, nil)
	require.Equal(t, fasthttp.StatusCreated, status)
	var refund model.Refund
	require.NoError(t, json.Unmarshal(resp.Data, &refund))
	assert.Equal(t, model.RefundCompleted, refund.Status)

	status, resp = env.do(t, fasthttp.MethodGet, "/api/v1/payments/"+created.ID, nil, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	got := decodeTxn(t, resp)
	assert.Equal(t, model.StatusPartiallyRefunded, got.Status)
	assert.EqualValues(t, 2000, got.RefundedAmount)

	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/refunds",
		map[string]any{"amount": 5000}, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
}

func TestE2E_CashPickupConfirmation(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, resp := env.do(t, fasthttp.MethodPost, "/api/v1/payments",
		fixtures.NewCashPaymentRequest("order-cash", 15_000, model.MethodCashPickup), nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	created := decodeTxn(t, resp)
	code := created.ExternalRef()
	require.Len(t, code, 8)

	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/cash/confirm",
		map[string]string{"code": "00000000", "confirmed_by": "agent-7"}, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_CODE", resp.Error.Code)

	status, resp = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/cash/confirm",
		map[string]string{"code": code, "confirmed_by": "agent-7"}, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, model.StatusCompleted, decodeTxn(t, resp).Status)

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.Merchant.received(created.ID, "transaction.completed")
	}, "merchant was not notified of the cash payment")

	status, _ = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/cancel", nil, nil)
	assert.Equal(t, fasthttp.StatusConflict, status)
}

func TestE2E_CashRefundSettledByAgent(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, resp := env.do(t, fasthttp.MethodPost, "/api/v1/payments",
		fixtures.NewCashPaymentRequest("order-cash-refund", 15_000, model.MethodCashPickup), nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	created := decodeTxn(t, resp)
	status, _ = env.do(t, fasthttp.MethodPost, "/api/v1/payments/"+created.ID+"/cash/confirm",
		map[string]string{"code": created.ExternalRef(), "confirmed_by": "agent-7"}, nil)
	require.Equal(t, fasthttp.StatusOK, status)

	refundsPath := "/api/v1/payments/" + created.ID + "/refunds"
	status, resp = env.do(t, fasthttp.MethodPost, refundsPath, map[string]any{"amount": 5000, "reason": "returned"}, nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	var first model.Refund
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	assert.Equal(t, model.RefundPending, first.Status)

	status, resp = env.do(t, fasthttp.MethodPost, refundsPath, map[string]any{"amount": 10_000}, nil)
	require.Equal(t, fasthttp.StatusAccepted, status)
	var second model.Refund
	require.NoError(t, json.Unmarshal(resp.Data, &second))

	status, _ = env.do(t, fasthttp.MethodPost, "/api/v1/payments/other/refunds/"+first.ID+"/complete", nil, nil)
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, resp = env.do(t, fasthttp.MethodPost, refundsPath+"/"+first.ID+"/complete",
		map[string]string{"external_reference": "AGENT-7-0042"}, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var done model.Refund
	require.NoError(t, json.Unmarshal(resp.Data, &done))
	assert.Equal(t, model.RefundCompleted, done.Status)
	assert.Equal(t, "AGENT-7-0042", done.ExternalReference)

	status, resp = env.do(t, fasthttp.MethodPost, refundsPath+"/"+second.ID+"/fail",
		map[string]string{"reason": "customer did not show up"}, nil)
	require.Equal(t, fasthttp.StatusOK, status)

	status, resp = env.do(t, fasthttp.MethodPost, refundsPath+"/"+second.ID+"/complete", nil, nil)
	assert.Equal(t, fasthttp.StatusConflict, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "REFUND_NOT_PENDING", resp.Error.Code)

	status, resp = env.do(t, fasthttp.MethodGet, "/api/v1/payments/"+created.ID, nil, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	got := decodeTxn(t, resp)
	assert.Equal(t, model.StatusPartiallyRefunded, got.Status)
	assert.EqualValues(t, 5000, got.RefundedAmount)

	status, _ = env.do(t, fasthttp.MethodGet, "/api/v1/payments/"+created.ID+"/anomalies", nil, nil)
	assert.Equal(t, fasthttp.StatusOK, status)

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		return env.Merchant.received(created.ID, "transaction.partially_refunded")
	}, "merchant was not notified of the refund")
}

func TestE2E_FraudBlockedPaymentIsNotStored(t *testing.T) {
	env := setupE2EEnvironment(t)

	req := fixtures.NewMTNPaymentRequest("order-fraud", 5000)
	req.PhoneNumber = "650000666"
	status, resp := env.do(t, fasthttp.MethodPost, "/api/v1/payments", req, nil)
	require.Equal(t, fasthttp.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "FRAUD_DETECTED", resp.Error.Code)

	_, err := env.Txns.GetByIdempotencyKey(context.Background(), req.IdempotencyKey)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
