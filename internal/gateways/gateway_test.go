package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookProvider struct {
	*MockProvider
	*MockWebhookParser
}

type refundCheckedProvider struct {
	*MockProvider
	*MockRefundStatusChecker
}

type checkedProvider struct {
	*MockProvider
	*MockHealthChecker
}

func newMockProvider(ctrl *gomock.Controller, name model.Provider) *MockProvider {
	m := NewMockProvider(ctrl)
	m.EXPECT().Name().Return(name).AnyTimes()
	return m
}

func fastConfig() ProviderConfig {
	return ProviderConfig{
		Enabled:     true,
		Timeout:     time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newTestGateway(t *testing.T, threshold int64) *Gateway {
	fees, err := model.NewFeeCalculator("0.1925", "0.025")
	require.NoError(t, err)
	return New(Config{WindowSize: 10, FailureThreshold: threshold, CircuitOpenPeriod: time.Minute}, fees)
}

func mtnTxn() *model.Transaction {
	return &model.Transaction{
		ID:          "txn-1",
		Amount:      10000,
		Currency:    model.CurrencyXAF,
		Provider:    model.ProviderMTN,
		Method:      model.MethodMobileMoney,
		PhoneNumber: "+237650000001",
	}
}

func TestProviderConfig_Delay(t *testing.T) {
	c := ProviderConfig{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, c.Delay(0))
	assert.Equal(t, 2*time.Second, c.Delay(1))
	assert.Equal(t, 4*time.Second, c.Delay(2))
	assert.Equal(t, 5*time.Second, c.Delay(3))
	assert.Equal(t, 5*time.Second, c.Delay(10))
}

func TestGateway_Validate(t *testing.T) {
	ctrl := gomock.NewController(t)
	g := newTestGateway(t, 5)
	g.Register(newMockProvider(ctrl, model.ProviderMTN), fastConfig())
	g.Register(newMockProvider(ctrl, model.ProviderCash), fastConfig())
	disabled := fastConfig()
	disabled.Enabled = false
	g.Register(newMockProvider(ctrl, model.ProviderOrange), disabled)

	valid := func() *model.PaymentRequest {
		r := &model.PaymentRequest{
			OrderID:     "order-1",
			CustomerID:  "cust-1",
			Amount:      10000,
			Provider:    model.ProviderMTN,
			PhoneNumber: "+237650000001",
		}
		r.Normalize()
		return r
	}

	tests := []struct {
		name   string
		mutate func(r *model.PaymentRequest)
		field  string
	}{
		{"valid request", func(r *model.PaymentRequest) {}, ""},
		{"minimum amount is inclusive", func(r *model.PaymentRequest) { r.Amount = 500 }, ""},
		{"maximum amount is inclusive", func(r *model.PaymentRequest) { r.Amount = 1_000_000 }, ""},
		{"below minimum", func(r *model.PaymentRequest) { r.Amount = 499 }, "amount"},
		{"above maximum", func(r *model.PaymentRequest) { r.Amount = 1_000_001 }, "amount"},
		{"missing phone", func(r *model.PaymentRequest) { r.PhoneNumber = "" }, "phone_number"},
		{"malformed phone", func(r *model.PaymentRequest) { r.PhoneNumber = "12345" }, "phone_number"},
		{"orange number on mtn", func(r *model.PaymentRequest) { r.PhoneNumber = "+237690000001" }, "phone_number"},
		{"wrong currency", func(r *model.PaymentRequest) { r.Currency = "EUR" }, "currency"},
		{"disabled provider", func(r *model.PaymentRequest) {
			r.Provider = model.ProviderOrange
			r.PhoneNumber = "+237690000001"
		}, "provider"},
		{"cash over its own ceiling", func(r *model.PaymentRequest) {
			r.Provider = model.ProviderCash
			r.Method = model.MethodCashPickup
			r.PhoneNumber = ""
			r.Amount = 600_000
		}, "amount"},
		{"cash without phone", func(r *model.PaymentRequest) {
			r.Provider = model.ProviderCash
			r.Method = model.MethodCashOnDelivery
			r.PhoneNumber = ""
		}, ""},
		{"mobile money method on cash", func(r *model.PaymentRequest) {
			r.Provider = model.ProviderCash
		}, "method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := g.Validate(r)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			pe, ok := model.AsPaymentError(err)
			require.True(t, ok)
			assert.Equal(t, model.KindValidation, pe.Kind)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestGateway_ProcessPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		p := newMockProvider(ctrl, model.ProviderMTN)
		g := newTestGateway(t, 5)
		g.Register(p, fastConfig())

		p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).
			Return(&model.ProviderResult{ExternalID: "txn-1", Status: model.StatusPending}, nil)

		res, err := g.ProcessPayment(ctx, mtnTxn())
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, res.Status)
		assert.Equal(t, "txn-1", res.ExternalID)
	})

	t.Run("retries failures that never reached the provider", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		p := newMockProvider(ctrl, model.ProviderMTN)
		g := newTestGateway(t, 5)
		g.Register(p, fastConfig())

		dialErr := model.NewNetworkError(model.ProviderMTN, errors.New("connection refused"), false)
		gomock.InOrder(
			p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(nil, dialErr),
			p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(nil, dialErr),
			p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).
				Return(&model.ProviderResult{ExternalID: "txn-1", Status: model.StatusPending}, nil),
		)

		res, err := g.ProcessPayment(ctx, mtnTxn())
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, res.Status)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		p := newMockProvider(ctrl, model.ProviderMTN)
		g := newTestGateway(t, 10)
		g.Register(p, fastConfig())

		limited := model.NewProviderError(model.ProviderMTN, "RATE_LIMITED", "slow down", true)
		p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(nil, limited).Times(3)

		_, err := g.ProcessPayment(ctx, mtnTxn())
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.KindProvider))
	})

	t.Run("ambiguous failure is not retried and awaits confirmation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		p := newMockProvider(ctrl, model.ProviderMTN)
		g := newTestGateway(t, 5)
		g.Register(p, fastConfig())

		p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).
			Return(nil, model.NewTimeoutError(model.ProviderMTN, errors.New("read timeout"))).Times(1)

		res, err := g.ProcessPayment(ctx, mtnTxn())
		require.NoError(t, err)
		assert.Equal(t, model.StatusAwaitingConfirmation, res.Status)
		assert.Equal(t, "txn-1", res.ExternalID)
	})

	t.Run("business rejection is returned as is", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		p := newMockProvider(ctrl, model.ProviderMTN)
		g := newTestGateway(t, 1)
		g.Register(p, fastConfig())

		rejected := model.NewProviderError(model.ProviderMTN, "INVALID_REQUEST", "bad payer", false)
		p.EXPECT().ProcessPayment(gomock.Any(), gomock.Any()).Return(nil, rejected).Times(2)

		_, err := g.ProcessPayment(ctx, mtnTxn())
		assert.Equal(t, rejected, err)

		// rejections do not trip the breaker even with a threshold of one
		_, err = g.ProcessPayment(ctx, mtnTxn())
		assert.Equal(t, rejected, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		g := newTestGateway(t, 5)
		_, err := g.ProcessPayment(ctx, mtnTxn())
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestGateway_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	p := newMockProvider(ctrl, model.ProviderMTN)
	g := newTestGateway(t, 2)
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	g.Register(p, cfg)

	unavailable := model.NewProviderError(model.ProviderMTN, "SERVICE_UNAVAILABLE", "down", true)
	p.EXPECT().GetPaymentStatus(gomock.Any(), "ext-1").Return(nil, unavailable).Times(2)

	for i := 0; i < 2; i++ {
		_, err := g.GetStatus(ctx, model.ProviderMTN, "ext-1")
		require.Error(t, err)
	}

	// open circuit short-circuits without calling the adapter
	_, err := g.GetStatus(ctx, model.ProviderMTN, "ext-1")
	require.Error(t, err)
	pe, ok := model.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", pe.Code)
	assert.True(t, pe.Retryable)

	health := g.GetProviderHealthStatus()
	require.Len(t, health, 1)
	assert.Equal(t, "unhealthy", health[0].Status)
	assert.Equal(t, int64(2), health[0].TotalRequests)
	assert.Equal(t, 0.0, health[0].SuccessRate)
}

func TestGateway_GetStatusRetriesAmbiguousReads(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMockProvider(ctrl, model.ProviderMTN)
	g := newTestGateway(t, 10)
	g.Register(p, fastConfig())

	gomock.InOrder(
		p.EXPECT().GetPaymentStatus(gomock.Any(), "ext-1").
			Return(nil, model.NewTimeoutError(model.ProviderMTN, errors.New("timeout"))),
		p.EXPECT().GetPaymentStatus(gomock.Any(), "ext-1").
			Return(&model.ProviderResult{ExternalID: "ext-1", Status: model.StatusCompleted}, nil),
	)

	res, err := g.GetStatus(context.Background(), model.ProviderMTN, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
}

func TestGateway_ProcessRefund(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMockProvider(ctrl, model.ProviderMTN)
	g := newTestGateway(t, 10)
	g.Register(p, fastConfig())

	refund := &model.Refund{ID: "refund-1", Amount: 5000}
	p.EXPECT().RefundPayment(gomock.Any(), refund, gomock.Any()).
		Return(&model.RefundResult{ExternalID: "ref-ext", Status: model.RefundCompleted}, nil)

	res, err := g.ProcessRefund(context.Background(), refund, mtnTxn())
	require.NoError(t, err)
	assert.Equal(t, model.RefundCompleted, res.Status)
}

func TestGateway_RefundStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := refundCheckedProvider{newMockProvider(ctrl, model.ProviderMTN), NewMockRefundStatusChecker(ctrl)}
	g := newTestGateway(t, 10)
	g.Register(p, fastConfig())

	refund := &model.Refund{ID: "refund-1", Amount: 5000}
	gomock.InOrder(
		p.MockRefundStatusChecker.EXPECT().GetRefundStatus(gomock.Any(), refund, gomock.Any()).
			Return(nil, model.NewTimeoutError(model.ProviderMTN, errors.New("timeout"))),
		p.MockRefundStatusChecker.EXPECT().GetRefundStatus(gomock.Any(), refund, gomock.Any()).
			Return(&model.RefundResult{ExternalID: "refund-1", Status: model.RefundCompleted}, nil),
	)

	res, err := g.RefundStatus(context.Background(), refund, mtnTxn())
	require.NoError(t, err)
	assert.Equal(t, model.RefundCompleted, res.Status)

	g.Register(newMockProvider(ctrl, model.ProviderCash), fastConfig())
	txn := mtnTxn()
	txn.Provider = model.ProviderCash
	_, err = g.RefundStatus(context.Background(), refund, txn)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestGateway_ParseWebhook(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := webhookProvider{newMockProvider(ctrl, model.ProviderOrange), NewMockWebhookParser(ctrl)}
	g := newTestGateway(t, 5)
	g.Register(p, fastConfig())

	body := []byte(`{"status":"SUCCESS"}`)

	t.Run("rejects bad signature without parsing", func(t *testing.T) {
		p.MockWebhookParser.EXPECT().VerifySignature(body, "bad").Return(false)

		n, err := g.ParseWebhook(model.ProviderOrange, body, "bad")
		assert.ErrorIs(t, err, ErrInvalidSignature)
		assert.Nil(t, n)
	})

	t.Run("parses verified payload", func(t *testing.T) {
		p.MockWebhookParser.EXPECT().VerifySignature(body, "good").Return(true)
		p.MockWebhookParser.EXPECT().ParseWebhook(body).
			Return(&model.WebhookNotification{ExternalID: "pay-token", Status: model.StatusCompleted}, nil)

		n, err := g.ParseWebhook(model.ProviderOrange, body, "good")
		require.NoError(t, err)
		assert.Equal(t, model.ProviderOrange, n.Provider)
		assert.Equal(t, "pay-token", n.ExternalID)
	})

	t.Run("provider without webhooks", func(t *testing.T) {
		g.Register(newMockProvider(ctrl, model.ProviderCash), fastConfig())
		_, err := g.ParseWebhook(model.ProviderCash, body, "sig")
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestGateway_OptionalCapabilities(t *testing.T) {
	ctrl := gomock.NewController(t)
	g := newTestGateway(t, 5)
	g.Register(newMockProvider(ctrl, model.ProviderMTN), fastConfig())

	// rails without a cancel API have nothing to withdraw
	assert.NoError(t, g.CancelPayment(context.Background(), mtnTxn()))

	_, err := g.ConfirmCashPayment(context.Background(), mtnTxn(), "12345678", "agent")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestGateway_GetAvailableMethods(t *testing.T) {
	ctrl := gomock.NewController(t)
	g := newTestGateway(t, 5)
	g.Register(newMockProvider(ctrl, model.ProviderMTN), fastConfig())
	g.Register(newMockProvider(ctrl, model.ProviderOrange), fastConfig())
	g.Register(newMockProvider(ctrl, model.ProviderCash), fastConfig())

	methods := g.GetAvailableMethods("+237650000001", 10000)
	require.Len(t, methods, 4)

	byKey := map[string]model.PaymentMethod{}
	for _, m := range methods {
		byKey[string(m.Provider)+"/"+string(m.Method)] = m
	}

	assert.True(t, byKey["mtn_mobile_money/mobile_money"].Available)
	assert.False(t, byKey["orange_money/mobile_money"].Available)
	assert.Contains(t, byKey["orange_money/mobile_money"].Reason, "subscriber")
	assert.True(t, byKey["cash/cash_pickup"].Available)
	assert.True(t, byKey["cash/cash_on_delivery"].Available)

	require.NotNil(t, byKey["mtn_mobile_money/mobile_money"].Fees)
	assert.Equal(t, int64(10179), byKey["mtn_mobile_money/mobile_money"].Fees.NetAmount)

	big := g.GetAvailableMethods("+237650000001", 800_000)
	for _, m := range big {
		if m.Provider == model.ProviderCash {
			assert.False(t, m.Available)
			assert.Contains(t, m.Reason, "between")
		}
	}
}

func TestGateway_Fees(t *testing.T) {
	g := newTestGateway(t, 5)
	ctrl := gomock.NewController(t)
	g.Register(newMockProvider(ctrl, model.ProviderMTN), fastConfig())

	f, err := g.Fees(model.ProviderMTN, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(150), f.Fees)
	assert.Equal(t, int64(29), f.Taxes)

	_, err = g.Fees(model.ProviderOrange, 10000)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestGateway_PerformHealthChecks(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := checkedProvider{newMockProvider(ctrl, model.ProviderMTN), NewMockHealthChecker(ctrl)}
	g := newTestGateway(t, 5)
	g.Register(p, fastConfig())

	p.MockHealthChecker.EXPECT().HealthCheck(gomock.Any()).Return(errors.New("down"))
	g.performHealthChecks(context.Background())
	assert.Equal(t, "unhealthy", g.GetProviderHealthStatus()[0].Status)

	_, err := g.GetStatus(context.Background(), model.ProviderMTN, "ext")
	assert.True(t, model.IsRetryable(err))

	p.MockHealthChecker.EXPECT().HealthCheck(gomock.Any()).Return(nil)
	g.performHealthChecks(context.Background())
	assert.Equal(t, "degraded", g.GetProviderHealthStatus()[0].Status)
}

func TestGateway_StartClose(t *testing.T) {
	g := newTestGateway(t, 5)
	g.config.HealthCheckInterval = 10 * time.Millisecond
	g.Start()
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, g.Close())
	assert.NoError(t, g.Close())
}
