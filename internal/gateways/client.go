package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/valyala/fasthttp"
)

// Request is one outgoing provider call.
type Request struct {
	Method      string
	Path        string
	ContentType string
	Headers     map[string]string
	Body        []byte
	// BasicAuth is sent as "user:password" when set.
	BasicAuth [2]string
	Bearer    string
}

type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPClient is the fasthttp transport shared by the HTTP rails. It turns
// transport failures into the payment error taxonomy.
type HTTPClient struct {
	provider model.Provider
	baseURL  string
	timeout  time.Duration
	client   *fasthttp.Client
}

type ClientOption func(*fasthttp.Client)

// WithDial replaces the dialer, used by tests to talk to in-memory servers.
func WithDial(dial fasthttp.DialFunc) ClientOption {
	return func(c *fasthttp.Client) {
		c.Dial = dial
	}
}

func NewHTTPClient(provider model.Provider, baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &fasthttp.Client{
		Name:                "payment-gateway",
		MaxConnsPerHost:     512,
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &HTTPClient{
		provider: provider,
		baseURL:  baseURL,
		timeout:  timeout,
		client:   c,
	}
}

func (c *HTTPClient) Do(ctx context.Context, r Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewNetworkError(c.provider, err, false)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + r.Path)
	req.Header.SetMethod(r.Method)
	if r.ContentType != "" {
		req.Header.SetContentType(r.ContentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.BasicAuth[0] != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(r.BasicAuth[0] + ":" + r.BasicAuth[1]))
		req.Header.Set("Authorization", "Basic "+creds)
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	if r.Body != nil {
		req.SetBody(r.Body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, classify(c.provider, err)
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())

	return &Response{StatusCode: resp.StatusCode(), Body: body}, nil
}

// classify decides whether a transport error may have reached the provider.
// Only failures to connect are safe to resubmit.
func classify(provider model.Provider, err error) error {
	var opErr *net.OpError
	switch {
	case errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrNoFreeConns),
		errors.As(err, &opErr) && opErr.Op == "dial":
		return model.NewNetworkError(provider, err, false)
	case errors.Is(err, fasthttp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.NewTimeoutError(provider, err)
	}
	return model.NewNetworkError(provider, err, true)
}

// StatusError maps an unexpected HTTP status to the taxonomy. 429 and 503 are
// refusals before processing and may be resubmitted; other 5xx are ambiguous.
func StatusError(provider model.Provider, status int, body []byte) *model.PaymentError {
	msg := fmt.Sprintf("unexpected status code: %d", status)
	if len(body) > 0 && len(body) <= 512 {
		msg += ", body: " + string(body)
	}

	var pe *model.PaymentError
	switch {
	case status == fasthttp.StatusBadRequest:
		pe = model.NewProviderError(provider, "INVALID_REQUEST", msg, false)
	case status == fasthttp.StatusUnauthorized:
		pe = model.NewProviderError(provider, "AUTH_FAILED", msg, false)
	case status == fasthttp.StatusForbidden:
		pe = model.NewProviderError(provider, "ACCESS_FORBIDDEN", msg, false)
	case status == fasthttp.StatusNotFound:
		pe = model.NewProviderError(provider, "NOT_FOUND", msg, false)
	case status == fasthttp.StatusConflict:
		pe = model.NewProviderError(provider, "DUPLICATE_TRANSACTION", msg, false)
	case status == fasthttp.StatusTooManyRequests:
		pe = model.NewProviderError(provider, "RATE_LIMITED", msg, true)
	case status == fasthttp.StatusServiceUnavailable:
		pe = model.NewProviderError(provider, "SERVICE_UNAVAILABLE", msg, true)
	case status >= fasthttp.StatusInternalServerError:
		pe = model.NewProviderError(provider, "SERVER_ERROR", msg, false)
		pe.Ambiguous = true
	default:
		pe = model.NewProviderError(provider, "UNEXPECTED_STATUS", msg, false)
	}
	return pe
}
