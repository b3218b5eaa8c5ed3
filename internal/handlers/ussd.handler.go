package handlers

import (
	"bytes"
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/payment-gateway/internal/ussd"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
)

type USSDService interface {
	HandleEvent(ctx context.Context, ev ussd.Event) (*ussd.Reply, error)
	Cancel(ctx context.Context, id string) (*ussd.Session, error)
}

type USSDHandler struct {
	svc USSDService
}

func RegisterUSSDRoutes(g *router.Group, h *USSDHandler) {
	g.POST("/ussd", h.Event)
	g.DELETE("/ussd/{session_id}", h.Cancel)
}

func NewUSSDHandler(svc USSDService) *USSDHandler {
	return &USSDHandler{svc: svc}
}

// Event takes JSON, or the form post of aggregators (sessionId, phoneNumber,
// serviceCode, text) which expect a plain "CON ..." / "END ..." body back.
func (h *USSDHandler) Event(ctx *xhttp.RequestCtx) {
	form := bytes.HasPrefix(ctx.Request.Header.ContentType(), []byte("application/x-www-form-urlencoded"))

	var ev ussd.Event
	if form {
		args := ctx.PostArgs()
		ev = ussd.Event{
			SessionID:   string(args.Peek("sessionId")),
			Phone:       string(args.Peek("phoneNumber")),
			ServiceCode: string(args.Peek("serviceCode")),
			Input:       string(args.Peek("text")),
		}
	} else if err := readJSON(ctx, &ev); err != nil {
		writeFailure(ctx, xhttp.StatusBadRequest, "INVALID_JSON", "invalid JSON: "+err.Error())
		return
	}

	reply, err := h.svc.HandleEvent(ctx, ev)
	if form {
		writeUSSDText(ctx, reply, err)
		return
	}
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, reply)
}

func writeUSSDText(ctx *xhttp.RequestCtx, reply *ussd.Reply, err error) {
	ctx.Response.Header.Set("Content-Type", "text/plain; charset=utf-8")
	ctx.Response.SetStatusCode(xhttp.StatusOK)
	if err != nil {
		status, apiErr := classify(err)
		if status >= 500 {
			ctx.Response.SetBodyString("END Service temporarily unavailable.")
			return
		}
		ctx.Response.SetBodyString("END " + apiErr.Message)
		return
	}
	prefix := "CON "
	if reply.End {
		prefix = "END "
	}
	ctx.Response.SetBodyString(prefix + reply.Text)
}

func (h *USSDHandler) Cancel(ctx *xhttp.RequestCtx) {
	session, err := h.svc.Cancel(ctx, pathParam(ctx, "session_id"))
	if err != nil {
		writeError(ctx, err, nil)
		return
	}
	writeData(ctx, xhttp.StatusOK, session)
}
