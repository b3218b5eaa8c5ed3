package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/internal/ussd"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/logger"
)

// ApiResponse is the envelope of every JSON response.
type ApiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
	Meta    Meta      `json:"meta"`
}

type ApiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Provider  string `json:"provider,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

type listResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func meta(ctx *xhttp.RequestCtx) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: xhttp.RequestID(ctx)}
}

func writeData(ctx *xhttp.RequestCtx, status int, data any) {
	writeJSON(ctx, status, ApiResponse{Success: true, Data: data, Meta: meta(ctx)})
}

func writeFailure(ctx *xhttp.RequestCtx, status int, code, msg string) {
	writeJSON(ctx, status, ApiResponse{Error: &ApiError{Code: code, Message: msg}, Meta: meta(ctx)})
}

// writeError maps err to a status and error body. data is attached when the
// call produced a resource despite failing, e.g. a FAILED transaction.
func writeError(ctx *xhttp.RequestCtx, err error, data any) {
	status, apiErr := classify(err)
	if status >= 500 && apiErr.Code == "INTERNAL_ERROR" {
		logger.Error("request failed", "request_id", xhttp.RequestID(ctx), "path", string(ctx.Path()), "error", err)
	}
	writeJSON(ctx, status, ApiResponse{Data: data, Error: apiErr, Meta: meta(ctx)})
}

func classify(err error) (int, *ApiError) {
	if pe, ok := model.AsPaymentError(err); ok {
		apiErr := &ApiError{
			Code:      pe.Code,
			Message:   pe.Message,
			Field:     pe.Field,
			Provider:  string(pe.Provider),
			RiskLevel: string(pe.RiskLevel),
			Retryable: pe.Retryable,
		}
		if apiErr.Code == "" {
			apiErr.Code = string(pe.Kind)
		}
		if pe.Kind == model.KindInternal {
			apiErr.Message = "internal error"
		}
		return pe.HTTPStatus(), apiErr
	}

	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrRefundNotFound),
		errors.Is(err, ussd.ErrSessionNotFound):
		return xhttp.StatusNotFound, &ApiError{Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, repository.ErrRefundNotPending):
		return xhttp.StatusConflict, &ApiError{Code: "REFUND_NOT_PENDING", Message: err.Error()}
	case errors.Is(err, services.ErrInvalidTransition):
		return xhttp.StatusConflict, &ApiError{Code: "INVALID_TRANSITION", Message: err.Error()}
	case errors.Is(err, services.ErrTransactionBusy), errors.Is(err, services.ErrWebhookInProgress),
		errors.Is(err, ussd.ErrSessionBusy):
		return xhttp.StatusConflict, &ApiError{Code: "BUSY", Message: err.Error(), Retryable: true}
	case errors.Is(err, services.ErrUnverifiedWebhook):
		return xhttp.StatusUnauthorized, &ApiError{Code: "INVALID_SIGNATURE", Message: err.Error()}
	case errors.Is(err, ussd.ErrSessionExpired):
		return xhttp.StatusGone, &ApiError{Code: "SESSION_EXPIRED", Message: err.Error()}
	case errors.Is(err, ussd.ErrSessionClosed):
		return xhttp.StatusConflict, &ApiError{Code: "SESSION_CLOSED", Message: err.Error()}
	}
	return xhttp.StatusInternalServerError, &ApiError{Code: "INTERNAL_ERROR", Message: "internal error"}
}

// requestContext collects the caller attributes used for fraud scoring.
func requestContext(ctx *xhttp.RequestCtx, channel string) model.RequestContext {
	ip := ""
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if remote := ctx.RemoteIP(); remote != nil && !remote.IsUnspecified() {
		ip = remote.String()
	}
	return model.RequestContext{
		IPAddress: ip,
		UserAgent: string(ctx.Request.Header.UserAgent()),
		DeviceID:  string(ctx.Request.Header.Peek("X-Device-Id")),
		RequestID: xhttp.RequestID(ctx),
		Channel:   channel,
	}
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func pathParam(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func queryInt(ctx *xhttp.RequestCtx, key string) (int, bool) {
	v := query(ctx, key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
