package mtn

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	productCollection   = "collection"
	productDisbursement = "disbursement"

	// DialCode is the MTN Mobile Money USSD menu.
	DialCode = "*126#"
)

var Statuses = gateway.StatusMap{
	"PENDING":    model.StatusPending,
	"ONGOING":    model.StatusProcessing,
	"SUCCESSFUL": model.StatusCompleted,
	"FAILED":     model.StatusFailed,
	"REJECTED":   model.StatusFailed,
	"TIMEOUT":    model.StatusExpired,
}

type Config struct {
	BaseURL         string
	SubscriptionKey string
	DisbursementKey string
	APIUser         string
	APIKey          string
	TargetEnv       string
	CallbackURL     string
	WebhookSecret   string
	Timeout         time.Duration
}

type token struct {
	value     string
	expiresAt time.Time
}

// Client is the MTN MoMo adapter. Collections are addressed by the
// X-Reference-Id we choose, which is the transaction id.
type Client struct {
	config Config
	http   *gateway.HTTPClient

	mu     sync.Mutex
	tokens map[string]token
	now    func() time.Time
}

func New(config Config, opts ...gateway.ClientOption) *Client {
	if config.TargetEnv == "" {
		config.TargetEnv = "sandbox"
	}
	return &Client{
		config: config,
		http:   gateway.NewHTTPClient(model.ProviderMTN, config.BaseURL, config.Timeout, opts...),
		tokens: make(map[string]token),
		now:    time.Now,
	}
}

func (c *Client) Name() model.Provider {
	return model.ProviderMTN
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) subscriptionKey(product string) string {
	if product == productDisbursement && c.config.DisbursementKey != "" {
		return c.config.DisbursementKey
	}
	return c.config.SubscriptionKey
}

// accessToken returns a cached token, refreshed one minute before expiry.
func (c *Client) accessToken(ctx context.Context, product string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tokens[product]; ok && c.now().Before(t.expiresAt.Add(-time.Minute)) {
		return t.value, nil
	}

	resp, err := c.http.Do(ctx, gateway.Request{
		Method:    fasthttp.MethodPost,
		Path:      "/" + product + "/token/",
		Headers:   map[string]string{"Ocp-Apim-Subscription-Key": c.subscriptionKey(product)},
		BasicAuth: [2]string{c.config.APIUser, c.config.APIKey},
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		pe := gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
		if resp.StatusCode == fasthttp.StatusUnauthorized {
			pe.Code = "AUTH_FAILED"
		}
		return "", pe
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil || tr.AccessToken == "" {
		return "", model.NewProviderError(model.ProviderMTN, "AUTH_FAILED", "invalid token response", false)
	}
	c.tokens[product] = token{value: tr.AccessToken, expiresAt: c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)}
	logger.Info("mtn access token refreshed", "product", product, "expires_in", tr.ExpiresIn)
	return tr.AccessToken, nil
}

func (c *Client) do(ctx context.Context, product string, r gateway.Request) (*gateway.Response, error) {
	tok, err := c.accessToken(ctx, product)
	if err != nil {
		return nil, err
	}
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers["Ocp-Apim-Subscription-Key"] = c.subscriptionKey(product)
	r.Headers["X-Target-Environment"] = c.config.TargetEnv
	r.Bearer = tok
	return c.http.Do(ctx, r)
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        *party `json:"payer,omitempty"`
	Payee        *party `json:"payee,omitempty"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	ReferenceID            string          `json:"referenceId,omitempty"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Amount                 string          `json:"amount"`
	Currency               string          `json:"currency"`
	Payer                  party           `json:"payer"`
	Status                 string          `json:"status"`
	Reason                 json.RawMessage `json:"reason,omitempty"`
}

// reasonText accepts both the object and the bare string form.
func (s statusResponse) reasonText() string {
	if len(s.Reason) == 0 {
		return ""
	}
	var r reason
	if err := json.Unmarshal(s.Reason, &r); err == nil {
		if r.Message != "" {
			return r.Code + ": " + r.Message
		}
		return r.Code
	}
	var str string
	_ = json.Unmarshal(s.Reason, &str)
	return str
}

func msisdn(phone string) (string, error) {
	p, err := model.ParsePhone(phone)
	if err != nil {
		return "", err
	}
	return "237" + p.National, nil
}

func (c *Client) ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error) {
	payer, err := msisdn(txn.PhoneNumber)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(requestToPay{
		Amount:       strconv.FormatInt(txn.Amount, 10),
		Currency:     txn.Currency,
		ExternalID:   txn.Reference,
		Payer:        &party{PartyIDType: "MSISDN", PartyID: payer},
		PayerMessage: fmt.Sprintf("Payment for order %s", txn.OrderID),
		PayeeNote:    txn.Description,
	})

	headers := map[string]string{"X-Reference-Id": txn.ID}
	if c.config.CallbackURL != "" {
		headers["X-Callback-Url"] = c.config.CallbackURL
	}

	resp, err := c.do(ctx, productCollection, gateway.Request{
		Method:      fasthttp.MethodPost,
		Path:        "/collection/v1_0/requesttopay",
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	})
	if err != nil {
		logger.Warn("mtn request to pay failed", "transaction_id", txn.ID,
			"phone", model.MaskPhone(txn.PhoneNumber), "error", err)
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusAccepted {
		return nil, gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
	}

	logger.Info("mtn request to pay accepted", "transaction_id", txn.ID,
		"amount", txn.Amount, "phone", model.MaskPhone(txn.PhoneNumber))

	return &model.ProviderResult{
		ExternalID:     txn.ID,
		Status:         model.StatusPending,
		ProviderStatus: "PENDING",
		Message:        "Payment request sent. Approve the MTN Mobile Money prompt on your phone.",
		USSDCode:       DialCode,
		Amount:         txn.Amount,
	}, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	resp, err := c.do(ctx, productCollection, gateway.Request{
		Method: fasthttp.MethodGet,
		Path:   "/collection/v1_0/requesttopay/" + externalID,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return nil, gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
	}

	var sr statusResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, model.NewProviderError(model.ProviderMTN, "INVALID_RESPONSE", "unreadable status response", false)
	}
	return toResult(externalID, sr), nil
}

func toResult(externalID string, sr statusResponse) *model.ProviderResult {
	status, meta := Statuses.Normalize(sr.Status)
	if meta == nil {
		meta = map[string]any{}
	}
	if sr.FinancialTransactionID != "" {
		meta["financial_transaction_id"] = sr.FinancialTransactionID
	}
	amount, _ := strconv.ParseInt(sr.Amount, 10, 64)
	return &model.ProviderResult{
		ExternalID:     externalID,
		Status:         status,
		ProviderStatus: sr.Status,
		Message:        sr.reasonText(),
		Amount:         amount,
		Metadata:       meta,
	}
}

// VerifyPayment re-reads the collection; MTN has no separate verify call.
func (c *Client) VerifyPayment(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	return c.GetPaymentStatus(ctx, externalID)
}

// RefundPayment pays the amount back through a disbursement transfer,
// addressed by the refund id.
func (c *Client) RefundPayment(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error) {
	payee, err := msisdn(txn.PhoneNumber)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(requestToPay{
		Amount:       strconv.FormatInt(refund.Amount, 10),
		Currency:     txn.Currency,
		ExternalID:   "refund-" + refund.ID,
		Payee:        &party{PartyIDType: "MSISDN", PartyID: payee},
		PayerMessage: fmt.Sprintf("Refund for transaction %s", txn.Reference),
		PayeeNote:    refund.Reason,
	})

	resp, err := c.do(ctx, productDisbursement, gateway.Request{
		Method:      fasthttp.MethodPost,
		Path:        "/disbursement/v1_0/transfer",
		ContentType: "application/json",
		Headers:     map[string]string{"X-Reference-Id": refund.ID},
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusAccepted {
		return nil, gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
	}

	// the transfer usually settles at once; otherwise it stays pending and
	// the refund sweep asks again
	result, err := c.transferStatus(ctx, refund.ID)
	if err != nil {
		return &model.RefundResult{ExternalID: refund.ID, Status: model.RefundPending, Message: "transfer accepted"}, nil
	}
	return result, nil
}

// GetRefundStatus reads the disbursement transfer a refund was paid with.
// The transfer is addressed by the refund id.
func (c *Client) GetRefundStatus(ctx context.Context, refund *model.Refund, _ *model.Transaction) (*model.RefundResult, error) {
	return c.transferStatus(ctx, refund.ID)
}

func (c *Client) transferStatus(ctx context.Context, refundID string) (*model.RefundResult, error) {
	resp, err := c.do(ctx, productDisbursement, gateway.Request{
		Method: fasthttp.MethodGet,
		Path:   "/disbursement/v1_0/transfer/" + refundID,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return nil, gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
	}
	var sr statusResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, model.NewProviderError(model.ProviderMTN, "INVALID_RESPONSE", "unreadable transfer status", false)
	}

	result := &model.RefundResult{ExternalID: refundID, Status: model.RefundPending, Message: "transfer " + strings.ToLower(sr.Status)}
	switch status, _ := Statuses.Normalize(sr.Status); status {
	case model.StatusCompleted:
		result.Status = model.RefundCompleted
	case model.StatusFailed, model.StatusExpired:
		result.Status = model.RefundFailed
		result.Message = sr.reasonText()
	}
	return result, nil
}

func (c *Client) VerifySignature(body []byte, signature string) bool {
	return gateway.VerifySignature(c.config.WebhookSecret, body, signature)
}

// ParseWebhook decodes a collection callback. The callback carries the same
// document as the status endpoint.
func (c *Client) ParseWebhook(body []byte) (*model.WebhookNotification, error) {
	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, model.NewValidationError("body", "malformed MTN callback")
	}
	if sr.ReferenceID == "" || sr.Status == "" {
		return nil, model.NewValidationError("body", "MTN callback without referenceId or status")
	}
	res := toResult(sr.ReferenceID, sr)

	eventID := sr.FinancialTransactionID
	if eventID != "" {
		eventID += ":" + sr.Status
	}
	return &model.WebhookNotification{
		Provider:       model.ProviderMTN,
		EventID:        eventID,
		TransactionID:  sr.ReferenceID,
		ExternalID:     sr.ReferenceID,
		Status:         res.Status,
		ProviderStatus: sr.Status,
		Amount:         res.Amount,
		Reason:         res.Message,
		Metadata:       res.Metadata,
	}, nil
}

// HealthCheck reads the collection account balance.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, productCollection, gateway.Request{
		Method: fasthttp.MethodGet,
		Path:   "/collection/v1_0/account/balance",
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return gateway.StatusError(model.ProviderMTN, resp.StatusCode, resp.Body)
	}
	return nil
}
