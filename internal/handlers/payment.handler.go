package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/payment-gateway/internal/model"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
)

type PaymentService interface {
	ProcessPayment(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, error)
	GetTransactionStatus(ctx context.Context, id string, refresh bool) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	CancelTransaction(ctx context.Context, id, reason string) (*model.Transaction, error)
	RefundTransaction(ctx context.Context, req model.RefundRequest) (*model.Refund, error)
	ListRefunds(ctx context.Context, txnID string) ([]*model.Refund, error)
	CompleteRefund(ctx context.Context, txnID, refundID, externalRef string) (*model.Refund, error)
	FailRefund(ctx context.Context, txnID, refundID, reason string) (*model.Refund, error)
	ListAnomalies(ctx context.Context, txnID string) ([]*model.Anomaly, error)
	ConfirmCashPayment(ctx context.Context, id, code, confirmedBy string) (*model.Transaction, error)
}

type MethodCatalog interface {
	GetAvailableMethods(phoneNumber string, amount int64) []model.PaymentMethod
}

type PaymentHandler struct {
	svc     PaymentService
	methods MethodCatalog
}

func RegisterPaymentRoutes(g *router.Group, h *PaymentHandler) {
	g.POST("/payments", h.CreatePayment)
	g.GET("/payments", h.ListPayments)
	g.GET("/payments/methods", h.ListMethods)
	g.GET("/payments/{id}", h.GetPayment)
	g.POST("/payments/{id}/cancel", h.CancelPayment)
	g.POST("/payments/{id}/refunds", h.RefundPayment)
	g.GET("/payments/{id}/refunds", h.ListRefunds)
	g.POST("/payments/{id}/refunds/{refund_id}/complete", h.CompleteRefund)
	g.POST("/payments/{id}/refunds/{refund_id}/fail", h.FailRefund)
	g.GET("/payments/{id}/anomalies", h.ListAnomalies)
	g.POST("/payments/{id}/cash/confirm", h.ConfirmCash)
}

func NewPaymentHandler(svc PaymentService, methods MethodCatalog) *PaymentHandler {
	return &PaymentHandler{svc: svc, methods: methods}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type settleRefundRequest struct {
	ExternalReference string `json:"external_reference"`
	Reason            string `json:"reason"`
}

type cashConfirmRequest struct {
	Code        string `json:"code"`
	ConfirmedBy string `json:"confirmed_by"`
}

func (h *PaymentHandler) CreatePayment(ctx *xhttp.RequestCtx) {
	var req model.PaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = string(ctx.Request.Header.Peek("Idempotency-Key"))
	}

	txn, err := h.svc.ProcessPayment(ctx, req, requestContext(ctx, "api"))
	if err != nil {
		writeError(ctx, err, txn)
		return
	}
	status := xhttp.StatusCreated
	if txn.Status.InFlight() {
		status = xhttp.StatusAccepted
	}
	writeData(ctx, status, txn)
}

func (h *PaymentHandler) GetPayment(ctx *xhttp.RequestCtx) {
	refresh, _ := strconv.ParseBool(query(ctx, "refresh"))
	txn, err := h.svc.GetTransactionStatus(ctx, pathParam(ctx, "id"), refresh)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, txn)
}

func (h *PaymentHandler) ListPayments(ctx *xhttp.RequestCtx) {
	var f model.TransactionFilter

	if v := query(ctx, "customer_id"); v != "" {
		f.CustomerID = &v
	}
	if v := query(ctx, "merchant_id"); v != "" {
		f.MerchantID = &v
	}
	if v := query(ctx, "provider"); v != "" {
		p := model.Provider(v)
		f.Provider = &p
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, model.Status(strings.ToUpper(part)))
			}
		}
	}
	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := query(ctx, bound.key); v != "" {
			t, err := parseTime(v)
			if err != nil {
				writeFailure(ctx, xhttp.StatusBadRequest, "VALIDATION_ERROR", bound.key+" must be RFC3339 or YYYY-MM-DD")
				return
			}
			*bound.dst = &t
		}
	}
	if n, ok := queryInt(ctx, "limit"); ok {
		f.Limit = n
	}
	if n, ok := queryInt(ctx, "offset"); ok {
		f.Offset = n
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.ListTransactions(ctx, f)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, listResponse[*model.Transaction]{Items: items, Total: total})
}

func (h *PaymentHandler) CancelPayment(ctx *xhttp.RequestCtx) {
	var req cancelRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
			return
		}
	}
	txn, err := h.svc.CancelTransaction(ctx, pathParam(ctx, "id"), req.Reason)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, txn)
}

func (h *PaymentHandler) RefundPayment(ctx *xhttp.RequestCtx) {
	var req model.RefundRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
			return
		}
	}
	req.TransactionID = pathParam(ctx, "id")

	refund, err := h.svc.RefundTransaction(ctx, req)
	if err != nil {
		writeError(ctx, err, refund)
		return
	}
	status := xhttp.StatusCreated
	if refund.Status == model.RefundPending {
		status = xhttp.StatusAccepted
	}
	writeData(ctx, status, refund)
}

func (h *PaymentHandler) ListRefunds(ctx *xhttp.RequestCtx) {
	refunds, err := h.svc.ListRefunds(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, listResponse[*model.Refund]{Items: refunds, Total: int64(len(refunds))})
}

// CompleteRefund records a refund the provider or a cash agent paid out.
func (h *PaymentHandler) CompleteRefund(ctx *xhttp.RequestCtx) {
	var req settleRefundRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
			return
		}
	}
	refund, err := h.svc.CompleteRefund(ctx, pathParam(ctx, "id"), pathParam(ctx, "refund_id"), req.ExternalReference)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, refund)
}

func (h *PaymentHandler) FailRefund(ctx *xhttp.RequestCtx) {
	var req settleRefundRequest
	if err := readJSON(ctx, &req); err != nil {
		writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
		return
	}
	refund, err := h.svc.FailRefund(ctx, pathParam(ctx, "id"), pathParam(ctx, "refund_id"), req.Reason)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, refund)
}

func (h *PaymentHandler) ListAnomalies(ctx *xhttp.RequestCtx) {
	anomalies, err := h.svc.ListAnomalies(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, listResponse[*model.Anomaly]{Items: anomalies, Total: int64(len(anomalies))})
}

func (h *PaymentHandler) ConfirmCash(ctx *xhttp.RequestCtx) {
	var req cashConfirmRequest
	if err := readJSON(ctx, &req); err != nil {
		writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
		return
	}
	txn, err := h.svc.ConfirmCashPayment(ctx, pathParam(ctx, "id"), req.Code, req.ConfirmedBy)
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, txn)
}

// ListMethods quotes every rail for a payer and amount, with the reason a
// rail is unavailable.
func (h *PaymentHandler) ListMethods(ctx *xhttp.RequestCtx) {
	amount, err := strconv.ParseInt(query(ctx, "amount"), 10, 64)
	if err != nil || amount <= 0 {
		writeFailure(ctx, xhttp.StatusBadRequest, "VALIDATION_ERROR", "amount must be a positive integer")
		return
	}
	writeData(ctx, xhttp.StatusOK, h.methods.GetAvailableMethods(query(ctx, "phone"), amount))
}
