package xhttp

import (
	"net"
	"os"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/prefork"
)

type Server = fasthttp.Server

// ServerOption is the subset of fasthttp tuning the payment API exposes
// through configuration.
type ServerOption struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ReadBufferSize     int
	WriteBufferSize    int
	MaxRequestBodySize int
	Concurrency        int
	MaxConnsPerIP      int
	Prefork            bool
	RecoverThreshold   int
}

// DefaultServerOption suits JSON APIs with small bodies; provider webhooks
// and payment requests are far below the body limit.
var DefaultServerOption = ServerOption{
	ReadTimeout:        5 * time.Second,
	WriteTimeout:       5 * time.Second,
	IdleTimeout:        30 * time.Second,
	ReadBufferSize:     16 * 1024,
	WriteBufferSize:    16 * 1024,
	MaxRequestBodySize: 1024 * 1024,
	Concurrency:        10_000,
	MaxConnsPerIP:      1_000,
	RecoverThreshold:   100,
}

type Engine struct {
	*Router
	*Server
	prefork *prefork.Prefork
	option  ServerOption
	middle  []MiddlewareFunc
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: &fasthttp.Server{
			Name:                  "payment-gateway",
			ReadTimeout:           options.ReadTimeout,
			WriteTimeout:          options.WriteTimeout,
			IdleTimeout:           options.IdleTimeout,
			ReadBufferSize:        options.ReadBufferSize,
			WriteBufferSize:       options.WriteBufferSize,
			MaxRequestBodySize:    options.MaxRequestBodySize,
			Concurrency:           options.Concurrency,
			MaxConnsPerIP:         options.MaxConnsPerIP,
			TCPKeepalive:          true,
			NoDefaultServerHeader: true,
			NoDefaultContentType:  true,
			CloseOnShutdown:       true,
			Logger:                logger.GetLogger(),
			ErrorHandler: func(ctx *RequestCtx, err error) {
				logger.Warn("http connection error", "remote", ctx.RemoteAddr().String(), "error", err)
				WriteProblem(ctx, StatusBadRequest, "BAD_REQUEST", err.Error())
			},
		},
		Router: CreateDefaultRouter(),
		option: options,
	}
}

// ListenAndServe builds the handler chain and serves addr, forking one child
// per CPU when Prefork is set.
func (e *Engine) ListenAndServe(addr string) error {
	e.build()
	if !e.option.Prefork {
		logger.Info("http server listening", "addr", addr)
		return e.Server.ListenAndServe(addr)
	}

	e.prefork = prefork.New(e.Server)
	e.prefork.Reuseport = true
	e.prefork.RecoverThreshold = e.option.RecoverThreshold
	e.prefork.Logger = e.Server.Logger
	logger.Info("http server listening (prefork)", "addr", addr, "child", prefork.IsChild())
	return e.prefork.ListenAndServe(addr)
}

// Serve is ListenAndServe over an existing listener.
func (e *Engine) Serve(ln net.Listener) error {
	e.build()
	return e.Server.Serve(ln)
}

// Use appends a middleware; the first registered one runs outermost.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

func (e *Engine) build() {
	for method, routes := range e.Router.List() {
		for _, path := range routes {
			logger.Debug("route registered", "method", method, "path", path)
		}
	}

	h := e.Router.Handler
	for _, m := range slices.Backward(e.middle) {
		h = m(h)
		logger.Debug("middleware registered", "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
	e.Server.Handler = h
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (e *Engine) Shutdown() {
	logger.Info("http server shutting down", "pid", os.Getpid())
	if e.prefork != nil {
		e.prefork.RecoverThreshold = 0
	}
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
}
