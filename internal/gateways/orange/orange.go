package orange

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	// DialCode is the Orange Money USSD menu.
	DialCode = "*150#"

	paymentTTL = 15 * time.Minute
	formType   = "application/x-www-form-urlencoded"
)

var Statuses = gateway.StatusMap{
	"PENDING":    model.StatusPending,
	"INITIATED":  model.StatusPending,
	"PROCESSING": model.StatusProcessing,
	"SUCCESS":    model.StatusCompleted,
	"SUCCESSFUL": model.StatusCompleted,
	"COMPLETED":  model.StatusCompleted,
	"FAILED":     model.StatusFailed,
	"FAILURE":    model.StatusFailed,
	"CANCELLED":  model.StatusCancelled,
	"CANCELED":   model.StatusCancelled,
	"EXPIRED":    model.StatusExpired,
	"TIMEOUT":    model.StatusExpired,
}

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	MerchantKey   string
	ReturnURL     string
	CancelURL     string
	NotifyURL     string
	WebhookSecret string
	Timeout       time.Duration
}

// Client is the Orange Money WebPay adapter. Payments are addressed by the
// pay_token Orange returns.
type Client struct {
	config Config
	http   *gateway.HTTPClient

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func New(config Config, opts ...gateway.ClientOption) *Client {
	return &Client{
		config: config,
		http:   gateway.NewHTTPClient(model.ProviderOrange, config.BaseURL, config.Timeout, opts...),
		now:    time.Now,
	}
}

func (c *Client) Name() model.Provider {
	return model.ProviderOrange
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	resp, err := c.http.Do(ctx, gateway.Request{
		Method:      fasthttp.MethodPost,
		Path:        "/token",
		ContentType: formType,
		BasicAuth:   [2]string{c.config.ClientID, c.config.ClientSecret},
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		pe := gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
		if resp.StatusCode == fasthttp.StatusUnauthorized || resp.StatusCode == fasthttp.StatusBadRequest {
			pe.Code = "AUTH_FAILED"
		}
		return "", pe
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &tr); err != nil || tr.AccessToken == "" {
		return "", model.NewProviderError(model.ProviderOrange, "AUTH_FAILED", "invalid token response", false)
	}
	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	logger.Info("orange access token refreshed", "expires_in", tr.ExpiresIn)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, r gateway.Request) (*gateway.Response, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	r.Bearer = tok
	return c.http.Do(ctx, r)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*gateway.Response, error) {
	return c.do(ctx, gateway.Request{
		Method:      fasthttp.MethodPost,
		Path:        path,
		ContentType: formType,
		Body:        []byte(form.Encode()),
	})
}

type paymentResponse struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	PayToken   string `json:"pay_token"`
	PaymentURL string `json:"payment_url"`
	NotifToken string `json:"notif_token"`
}

// ProcessPayment opens a WebPay session. Orange's order_id carries our
// transaction id so a notification can be matched before the pay_token is
// known to us.
func (c *Client) ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error) {
	form := url.Values{
		"merchant_key": {c.config.MerchantKey},
		"currency":     {txn.Currency},
		"order_id":     {txn.ID},
		"amount":       {strconv.FormatInt(txn.Amount, 10)},
		"return_url":   {c.config.ReturnURL},
		"cancel_url":   {c.config.CancelURL},
		"notif_url":    {c.config.NotifyURL},
		"lang":         {"fr"},
		"reference":    {txn.Reference},
	}

	resp, err := c.postForm(ctx, "/webpayment", form)
	if err != nil {
		logger.Warn("orange payment initiation failed", "transaction_id", txn.ID,
			"phone", model.MaskPhone(txn.PhoneNumber), "error", err)
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK && resp.StatusCode != fasthttp.StatusCreated {
		return nil, gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}

	var pr paymentResponse
	if err := json.Unmarshal(resp.Body, &pr); err != nil || pr.PayToken == "" || pr.PaymentURL == "" {
		// accepted but unreadable: the payment may exist upstream
		pe := model.NewProviderError(model.ProviderOrange, "INVALID_RESPONSE", "webpayment response without pay_token", false)
		pe.Ambiguous = true
		return nil, pe
	}

	expires := c.now().Add(paymentTTL)
	logger.Info("orange payment initiated", "transaction_id", txn.ID, "amount", txn.Amount,
		"phone", model.MaskPhone(txn.PhoneNumber))

	return &model.ProviderResult{
		ExternalID:     pr.PayToken,
		Status:         model.StatusPending,
		ProviderStatus: "INITIATED",
		Message:        "Payment initiated. Complete it with the payment link or by dialing " + DialCode + ".",
		PaymentURL:     pr.PaymentURL,
		USSDCode:       DialCode,
		ExpiresAt:      &expires,
		Amount:         txn.Amount,
		Metadata:       map[string]any{"notif_token": pr.NotifToken},
	}, nil
}

type transactionResponse struct {
	OrderID       string          `json:"order_id"`
	PayToken      string          `json:"pay_token"`
	TxnID         string          `json:"txnid"`
	Amount        json.Number     `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	TransactionID string          `json:"transaction_id"`
	NotifToken    string          `json:"notif_token"`
	Extra         json.RawMessage `json:"extra,omitempty"`
}

func (tr transactionResponse) result(externalID string) *model.ProviderResult {
	status, meta := Statuses.Normalize(tr.Status)
	if meta == nil {
		meta = map[string]any{}
	}
	if tr.TxnID != "" {
		meta["txnid"] = tr.TxnID
	}
	amount, _ := tr.Amount.Int64()
	return &model.ProviderResult{
		ExternalID:     externalID,
		Status:         status,
		ProviderStatus: tr.Status,
		Message:        tr.Message,
		Amount:         amount,
		Metadata:       meta,
	}
}

func (c *Client) GetPaymentStatus(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	resp, err := c.do(ctx, gateway.Request{
		Method: fasthttp.MethodGet,
		Path:   "/payment/" + url.PathEscape(externalID),
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return nil, gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}

	var tr transactionResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, model.NewProviderError(model.ProviderOrange, "INVALID_RESPONSE", "unreadable status response", false)
	}
	return tr.result(externalID), nil
}

// VerifyPayment checks the payment through the transactionstatus endpoint,
// which Orange answers from its ledger rather than the WebPay session.
func (c *Client) VerifyPayment(ctx context.Context, externalID string) (*model.ProviderResult, error) {
	resp, err := c.postForm(ctx, "/transactionstatus", url.Values{
		"merchant_key": {c.config.MerchantKey},
		"pay_token":    {externalID},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK && resp.StatusCode != fasthttp.StatusCreated {
		return nil, gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}
	var tr transactionResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, model.NewProviderError(model.ProviderOrange, "INVALID_RESPONSE", "unreadable status response", false)
	}
	return tr.result(externalID), nil
}

func (c *Client) RefundPayment(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error) {
	resp, err := c.postForm(ctx, "/refund", url.Values{
		"merchant_key":     {c.config.MerchantKey},
		"order_id":         {txn.ID},
		"pay_token":        {txn.ExternalRef()},
		"amount":           {strconv.FormatInt(refund.Amount, 10)},
		"currency":         {txn.Currency},
		"reason":           {refund.Reason},
		"refund_reference": {"refund-" + refund.ID},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK && resp.StatusCode != fasthttp.StatusCreated {
		return nil, gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}

	return refundResult(resp.Body)
}

// GetRefundStatus reads a refund by the refund_id Orange assigned. A refund
// whose call never returned an id cannot be looked up and stays pending.
func (c *Client) GetRefundStatus(ctx context.Context, refund *model.Refund, _ *model.Transaction) (*model.RefundResult, error) {
	if refund.ExternalReference == "" {
		return &model.RefundResult{Status: model.RefundPending, Message: "no Orange refund reference"}, nil
	}
	resp, err := c.do(ctx, gateway.Request{
		Method: fasthttp.MethodGet,
		Path:   "/refund/" + url.PathEscape(refund.ExternalReference),
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return nil, gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}
	return refundResult(resp.Body)
}

func refundResult(body []byte) (*model.RefundResult, error) {
	var rr struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, model.NewProviderError(model.ProviderOrange, "INVALID_RESPONSE", "unreadable refund response", false)
	}

	result := &model.RefundResult{ExternalID: rr.RefundID, Status: model.RefundPending, Message: rr.Message}
	switch status, _ := Statuses.Normalize(rr.Status); status {
	case model.StatusCompleted:
		result.Status = model.RefundCompleted
	case model.StatusFailed, model.StatusCancelled, model.StatusExpired:
		result.Status = model.RefundFailed
	}
	return result, nil
}

// CancelPayment withdraws an unpaid WebPay session.
func (c *Client) CancelPayment(ctx context.Context, txn *model.Transaction) error {
	if txn.ExternalRef() == "" {
		return nil
	}
	resp, err := c.postForm(ctx, "/cancel", url.Values{
		"merchant_key": {c.config.MerchantKey},
		"pay_token":    {txn.ExternalRef()},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != fasthttp.StatusOK {
		return gateway.StatusError(model.ProviderOrange, resp.StatusCode, resp.Body)
	}
	return nil
}

func (c *Client) VerifySignature(body []byte, signature string) bool {
	return gateway.VerifySignature(c.config.WebhookSecret, body, signature)
}

// ParseWebhook decodes a notif_url callback.
func (c *Client) ParseWebhook(body []byte) (*model.WebhookNotification, error) {
	var n transactionResponse
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, model.NewValidationError("body", "malformed Orange Money notification")
	}
	if n.PayToken == "" || n.Status == "" {
		return nil, model.NewValidationError("body", "Orange Money notification without pay_token or status")
	}
	res := n.result(n.PayToken)

	eventID := ""
	if n.TxnID != "" {
		eventID = n.TxnID + ":" + n.Status
	}
	return &model.WebhookNotification{
		Provider:       model.ProviderOrange,
		EventID:        eventID,
		TransactionID:  n.OrderID,
		ExternalID:     n.PayToken,
		Status:         res.Status,
		ProviderStatus: n.Status,
		Amount:         res.Amount,
		Reason:         n.Message,
		Metadata:       res.Metadata,
	}, nil
}

// HealthCheck obtains a token, which exercises authentication and reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	_, err := c.accessToken(ctx)
	return err
}
