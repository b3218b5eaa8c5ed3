package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/valyala/fasthttp"
)

// ErrNotificationRejected marks a callback the merchant refused for good;
// redelivering it cannot succeed.
var ErrNotificationRejected = errors.New("merchant rejected notification")

type NotifierConfig struct {
	Timeout time.Duration
	Secret  string
	// DefaultURL receives events that carry no callback URL of their own.
	DefaultURL string
}

// Notification is the body posted to a merchant callback.
type Notification struct {
	Event         string                 `json:"event"`
	EventID       string                 `json:"event_id"`
	TransactionID string                 `json:"transaction_id"`
	OrderID       string                 `json:"order_id"`
	CustomerID    string                 `json:"customer_id"`
	MerchantID    string                 `json:"merchant_id,omitempty"`
	Provider      model.Provider         `json:"provider"`
	Amount        int64                  `json:"amount"`
	Currency      string                 `json:"currency"`
	Status        model.Status           `json:"status"`
	PreviousState model.Status           `json:"previous_status"`
	Reason        string                 `json:"reason,omitempty"`
	Source        model.TransitionSource `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
}

func EventName(to model.Status) string {
	return "transaction." + strings.ToLower(string(to))
}

// Notifier posts signed transition notifications to merchants. The body is
// signed with HMAC-SHA256 and the hex digest sent in X-Signature.
type Notifier struct {
	config NotifierConfig
	client *fasthttp.Client
}

type NotifierOption func(*fasthttp.Client)

// WithNotifierDial replaces the dialer, used by tests.
func WithNotifierDial(dial fasthttp.DialFunc) NotifierOption {
	return func(c *fasthttp.Client) {
		c.Dial = dial
	}
}

func NewNotifier(cfg NotifierConfig, opts ...NotifierOption) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &fasthttp.Client{
		Name:                "payment-gateway-notifier",
		MaxConnsPerHost:     256,
		ReadTimeout:         cfg.Timeout,
		WriteTimeout:        cfg.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Notifier{config: cfg, client: c}
}

// Target returns the callback URL for event, or "" when nobody listens.
func (n *Notifier) Target(event *model.TransitionEvent) string {
	if event.CallbackURL != "" {
		return event.CallbackURL
	}
	return n.config.DefaultURL
}

// Notify delivers one event. 2xx is success; 4xx other than 408 and 429 wraps
// ErrNotificationRejected; anything else is worth another delivery.
func (n *Notifier) Notify(ctx context.Context, event *model.TransitionEvent) error {
	target := n.Target(event)
	if target == "" {
		return nil
	}

	body, err := json.Marshal(Notification{
		Event:         EventName(event.To),
		EventID:       event.EventID,
		TransactionID: event.TransactionID,
		OrderID:       event.OrderID,
		CustomerID:    event.CustomerID,
		MerchantID:    event.MerchantID,
		Provider:      event.Provider,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Status:        event.To,
		PreviousState: event.From,
		Reason:        event.Reason,
		Source:        event.Source,
		Timestamp:     event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Event-Id", event.EventID)
	req.Header.Set("X-Event-Type", EventName(event.To))
	if n.config.Secret != "" {
		req.Header.Set("X-Signature", gateway.Sign(n.config.Secret, body))
	}
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(n.config.Timeout)
	}
	if err := n.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("post notification to %s: %w", target, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500 && status != fasthttp.StatusRequestTimeout && status != fasthttp.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrNotificationRejected, status)
	}
	return fmt.Errorf("notification endpoint returned status %d", status)
}
