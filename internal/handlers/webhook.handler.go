package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/payment-gateway/internal/model"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
)

const signatureHeader = "X-Signature"

type WebhookService interface {
	HandleWebhook(ctx context.Context, provider model.Provider, body []byte, signature string) (*model.Transaction, error)
}

type WebhookHandler struct {
	svc WebhookService
}

func RegisterWebhookRoutes(g *router.Group, h *WebhookHandler) {
	g.POST("/webhooks/{provider}", h.Receive)
}

func NewWebhookHandler(svc WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

type webhookAck struct {
	Received      bool         `json:"received"`
	TransactionID string       `json:"transaction_id"`
	Status        model.Status `json:"status"`
}

// Receive passes the raw body on untouched; the signature covers its exact bytes.
func (h *WebhookHandler) Receive(ctx *xhttp.RequestCtx) {
	provider := model.Provider(pathParam(ctx, "provider"))
	body := append([]byte(nil), ctx.PostBody()...)

	txn, err := h.svc.HandleWebhook(ctx, provider, body, string(ctx.Request.Header.Peek(signatureHeader)))
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, webhookAck{Received: true, TransactionID: txn.ID, Status: txn.Status})
}
