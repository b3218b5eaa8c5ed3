package xhttp

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
)

type Router = router.Router

// CreateDefaultRouter returns a router whose fallbacks answer with the same
// JSON error envelope the API handlers use.
func CreateDefaultRouter() *Router {
	r := router.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.SaveMatchedRoutePath = true
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	r.NotFound = func(ctx *RequestCtx) {
		WriteProblem(ctx, StatusNotFound, "NOT_FOUND", "route not found")
	}
	r.MethodNotAllowed = func(ctx *RequestCtx) {
		WriteProblem(ctx, StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
	return r
}

type problem struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"requestId,omitempty"`
	} `json:"meta"`
}

// WriteProblem writes an error envelope for failures raised outside the
// handlers: routing misses, timeouts, panics.
func WriteProblem(ctx *RequestCtx, status int, code, msg string) {
	var p problem
	p.Error.Code = code
	p.Error.Message = msg
	p.Meta.Timestamp = time.Now().UTC()
	p.Meta.RequestID = RequestID(ctx)

	b, _ := json.Marshal(p)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}
