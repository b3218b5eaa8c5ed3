package prom

import (
	"strconv"
	"sync/atomic"

	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

type metrics struct {
	transitions      *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerState    *prometheus.GaugeVec
	fraudVerdicts    *prometheus.CounterVec
	fraudScore       prometheus.Histogram
	ussdOutcomes     *prometheus.CounterVec
	eventDeliveries  *prometheus.CounterVec
}

// active is nil until Create succeeds; every recorder is a no-op before that
// so packages can be exercised in tests without a registry.
var active atomic.Pointer[metrics]

// Create registers the payment metrics on the default registry. host and env
// are attached to every series as constant labels.
func Create(host, env, namespace string) error {
	return CreateWith(prometheus.DefaultRegisterer, host, env, namespace)
}

func CreateWith(reg prometheus.Registerer, host, env, namespace string) error {
	labels := prometheus.Labels{"env": env, "instance": host}
	counter := func(subsystem, name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, keys)
	}

	m := &metrics{
		transitions:   counter("payments", "transitions_total", "Transaction status transitions.", "from", "to"),
		anomalies:     counter("payments", "anomalies_total", "Provider reports that disagree with a settled transaction.", "kind"),
		refunds:       counter("payments", "refunds_total", "Refund attempts by provider and resulting status.", "provider", "status"),
		providerCalls: counter("gateway", "provider_calls_total", "Calls made to payment providers.", "provider", "operation", "outcome"),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "provider_call_duration_seconds",
			Help:        "Latency of provider calls, retries included.",
			ConstLabels: labels,
			Buckets:     []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"provider", "operation"}),
		providerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "provider_state",
			Help:        "Provider availability: 0 healthy, 1 degraded, 2 unhealthy, 3 circuit open.",
			ConstLabels: labels,
		}, []string{"provider"}),
		fraudVerdicts: counter("fraud", "verdicts_total", "Fraud verdicts by risk level.", "level", "blocked"),
		fraudScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fraud", Name: "score",
			Help:        "Distribution of fraud risk scores.",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(0, 10, 11),
		}),
		ussdOutcomes:    counter("ussd", "session_outcomes_total", "USSD sessions by how they ended.", "outcome"),
		eventDeliveries: counter("events", "deliveries_total", "Payment event deliveries by outcome.", "event", "outcome"),
	}

	for _, c := range []prometheus.Collector{
		m.transitions, m.anomalies, m.refunds, m.providerCalls, m.providerDuration,
		m.providerState, m.fraudVerdicts, m.fraudScore, m.ussdOutcomes, m.eventDeliveries,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	active.Store(m)
	return nil
}

// ListenAndServer serves the default registry on addr. It blocks.
func ListenAndServer(addr, uri string) {
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.GET(uri, fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	logger.Info("metrics server listening", "addr", addr, "uri", uri)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func AddTransition(from, to string) {
	if m := active.Load(); m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func AddAnomaly(kind string) {
	if m := active.Load(); m != nil {
		m.anomalies.WithLabelValues(kind).Inc()
	}
}

func AddRefund(provider, status string) {
	if m := active.Load(); m != nil {
		m.refunds.WithLabelValues(provider, status).Inc()
	}
}

func AddProviderCall(provider, operation, outcome string, seconds float64) {
	if m := active.Load(); m != nil {
		m.providerCalls.WithLabelValues(provider, operation, outcome).Inc()
		m.providerDuration.WithLabelValues(provider, operation).Observe(seconds)
	}
}

func SetProviderState(provider string, state int) {
	if m := active.Load(); m != nil {
		m.providerState.WithLabelValues(provider).Set(float64(state))
	}
}

func AddFraudVerdict(level string, blocked bool, score float64) {
	if m := active.Load(); m != nil {
		m.fraudVerdicts.WithLabelValues(level, strconv.FormatBool(blocked)).Inc()
		m.fraudScore.Observe(score)
	}
}

func AddUSSDOutcome(outcome string) {
	if m := active.Load(); m != nil {
		m.ussdOutcomes.WithLabelValues(outcome).Inc()
	}
}

func AddEventDelivery(event, outcome string) {
	if m := active.Load(); m != nil {
		m.eventDeliveries.WithLabelValues(event, outcome).Inc()
	}
}
