package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/gateways/mtn"
	"github.com/nimasrn/payment-gateway/internal/gateways/orange"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookSink struct {
	mu         sync.Mutex
	bodies     map[string][]byte
	signatures map[string]string
}

func (w *webhookSink) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rail := strings.TrimPrefix(r.URL.Path, "/")
	w.mu.Lock()
	w.bodies[rail] = body
	w.signatures[rail] = r.Header.Get("X-Signature")
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhookSink) get(rail string) ([]byte, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bodies[rail], w.signatures[rail]
}

func setupSandbox(t *testing.T) (*httptest.Server, *webhookSink) {
	gin.SetMode(gin.TestMode)

	sink := &webhookSink{bodies: map[string][]byte{}, signatures: map[string]string{}}
	hooks := httptest.NewServer(sink)
	t.Cleanup(hooks.Close)

	sbx := NewSandbox(&config.Config{
		SandboxSuccessRate:  1,
		SandboxSettleDelay:  10 * time.Millisecond,
		SandboxWebhookBase:  hooks.URL,
		MTNWebhookSecret:    "mtn-secret",
		OrangeWebhookSecret: "orange-secret",
	})
	srv := httptest.NewServer(SetupRouter(sbx))
	t.Cleanup(srv.Close)
	return srv, sink
}

func TestSandbox_MTNCollection(t *testing.T) {
	srv, sink := setupSandbox(t)
	client := mtn.New(mtn.Config{
		BaseURL:         srv.URL,
		SubscriptionKey: "sub",
		APIUser:         "user",
		APIKey:          "key",
		TargetEnv:       "sandbox",
		WebhookSecret:   "mtn-secret",
		Timeout:         time.Second,
	})
	ctx := context.Background()

	txn := &model.Transaction{
		ID:          uuid.NewString(),
		Reference:   "OKD-TEST-1",
		OrderID:     "order-1",
		Amount:      5000,
		Currency:    model.CurrencyXAF,
		PhoneNumber: "+237650000001",
	}
	res, err := client.ProcessPayment(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, res.ExternalID)

	require.Eventually(t, func() bool {
		body, _ := sink.get("mtn_mobile_money")
		return body != nil
	}, 2*time.Second, 10*time.Millisecond)

	body, sig := sink.get("mtn_mobile_money")
	require.True(t, client.VerifySignature(body, sig))
	n, err := client.ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, n.TransactionID)
	assert.Equal(t, model.StatusCompleted, n.Status)
	assert.EqualValues(t, 5000, n.Amount)

	status, err := client.GetPaymentStatus(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status.Status)
	assert.NoError(t, client.HealthCheck(ctx))
}

func TestSandbox_OrangeWebPay(t *testing.T) {
	srv, sink := setupSandbox(t)
	client := orange.New(orange.Config{
		BaseURL:       srv.URL,
		ClientID:      "id",
		ClientSecret:  "secret",
		MerchantKey:   "merchant",
		WebhookSecret: "orange-secret",
		Timeout:       time.Second,
	})
	ctx := context.Background()

	txn := &model.Transaction{
		ID:          uuid.NewString(),
		Reference:   "OKD-TEST-2",
		OrderID:     "order-2",
		Amount:      2500,
		Currency:    model.CurrencyXAF,
		PhoneNumber: "+237690000001",
	}
	res, err := client.ProcessPayment(ctx, txn)
	require.NoError(t, err)
	require.NotEmpty(t, res.ExternalID)
	assert.NotEmpty(t, res.PaymentURL)

	require.Eventually(t, func() bool {
		body, _ := sink.get("orange_money")
		return body != nil
	}, 2*time.Second, 10*time.Millisecond)

	body, sig := sink.get("orange_money")
	require.True(t, client.VerifySignature(body, sig))
	n, err := client.ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, res.ExternalID, n.ExternalID)
	assert.Equal(t, model.StatusCompleted, n.Status)

	verified, err := client.VerifyPayment(ctx, res.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, verified.Status)
}

func TestSandbox_RejectsBadRequests(t *testing.T) {
	srv, _ := setupSandbox(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/collection/v1_0/requesttopay", strings.NewReader(`{}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/collection/v1_0/requesttopay", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer x")
	req.Header.Set("X-Reference-Id", "not-a-uuid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
