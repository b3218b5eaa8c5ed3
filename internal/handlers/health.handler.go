package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/payment-gateway/internal/model"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type ProviderHealthReporter interface {
	GetProviderHealthStatus() []model.ProviderHealth
}

type HealthHandler struct {
	checks    map[string]HealthCheck
	providers ProviderHealthReporter
}

func RegisterHealthRoutes(g *router.Group, h *HealthHandler) {
	g.GET("/health", h.GetHealth)
	g.GET("/health/providers", h.GetProviders)
}

func NewHealthHandler(checks map[string]HealthCheck, providers ProviderHealthReporter) *HealthHandler {
	return &HealthHandler{checks: checks, providers: providers}
}

type healthReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	report := healthReport{Status: "ok", Dependencies: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(c); err != nil {
			report.Status = "degraded"
			report.Dependencies[name] = err.Error()
			continue
		}
		report.Dependencies[name] = "ok"
	}
	if report.Status != "ok" {
		writeJSON(ctx, xhttp.StatusServiceUnavailable, ApiResponse{Data: report, Meta: meta(ctx)})
		return
	}
	writeData(ctx, xhttp.StatusOK, report)
}

func (h *HealthHandler) GetProviders(ctx *xhttp.RequestCtx) {
	writeData(ctx, xhttp.StatusOK, h.providers.GetProviderHealthStatus())
}
