package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
	"github.com/sethvargo/go-retry"
)

var (
	ErrProviderNotFound = errors.New("provider not registered")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrUnsupported      = errors.New("operation not supported by provider")
)

// ProviderConfig is the dispatch policy of one rail.
type ProviderConfig struct {
	Enabled     bool
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MinAmount   int64
	MaxAmount   int64
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Delay is the wait before retry number attempt (zero based).
func (c ProviderConfig) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

func (c ProviderConfig) backoff() retry.Backoff {
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := c.Delay(attempt)
		attempt++
		return d, false
	})
	return retry.WithMaxRetries(uint64(c.MaxAttempts-1), next)
}

// DefaultLimits are the accepted amount ranges per rail, in XAF.
var DefaultLimits = map[model.Provider][2]int64{
	model.ProviderMTN:    {500, 1_000_000},
	model.ProviderOrange: {500, 1_000_000},
	model.ProviderCash:   {500, 500_000},
}

type Config struct {
	HealthCheckInterval time.Duration
	WindowSize          int
	FailureThreshold    int64
	CircuitOpenPeriod   time.Duration
}

type registration struct {
	provider Provider
	config   ProviderConfig
	breaker  *breaker
}

// Gateway routes payment operations to the registered provider adapters,
// applying per-provider timeouts, retries and a circuit breaker.
type Gateway struct {
	config    Config
	fees      *model.FeeCalculator
	mu        sync.RWMutex
	providers map[model.Provider]*registration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(config Config, fees *model.FeeCalculator) *Gateway {
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	return &Gateway{
		config:    config,
		fees:      fees,
		providers: make(map[model.Provider]*registration),
		stopCh:    make(chan struct{}),
	}
}

// Register adds an adapter. Zero amount limits fall back to DefaultLimits.
func (g *Gateway) Register(p Provider, pc ProviderConfig) {
	pc = pc.withDefaults()
	if limits, ok := DefaultLimits[p.Name()]; ok {
		if pc.MinAmount == 0 {
			pc.MinAmount = limits[0]
		}
		if pc.MaxAmount == 0 {
			pc.MaxAmount = limits[1]
		}
	}

	g.mu.Lock()
	g.providers[p.Name()] = &registration{
		provider: p,
		config:   pc,
		breaker:  newBreaker(g.config.WindowSize, g.config.FailureThreshold, g.config.CircuitOpenPeriod),
	}
	g.mu.Unlock()

	logger.Info("payment provider registered", "provider", string(p.Name()), "enabled", pc.Enabled,
		"timeout", pc.Timeout, "max_attempts", pc.MaxAttempts)
}

func (g *Gateway) lookup(name model.Provider) (*registration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return reg, nil
}

func (g *Gateway) registrations() []*registration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	regs := make([]*registration, 0, len(g.providers))
	for _, r := range g.providers {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].provider.Name() < regs[j].provider.Name() })
	return regs
}

// Validate checks a normalized request against the registered rails without
// calling any provider.
func (g *Gateway) Validate(req *model.PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	reg, err := g.lookup(req.Provider)
	if err != nil || !reg.config.Enabled {
		return model.NewValidationError("provider", fmt.Sprintf("provider %s is not available", req.Provider))
	}

	if req.Amount < reg.config.MinAmount || req.Amount > reg.config.MaxAmount {
		return model.NewValidationError("amount", fmt.Sprintf("amount must be between %d and %d XAF for %s",
			reg.config.MinAmount, reg.config.MaxAmount, req.Provider))
	}

	if req.Method == model.MethodMobileMoney || req.Method == "" {
		if req.PhoneNumber == "" {
			return model.NewValidationError("phone_number", "phone number is required for mobile money")
		}
	}
	if req.PhoneNumber != "" {
		phone, err := model.ParsePhone(req.PhoneNumber)
		if err != nil {
			return err
		}
		if !req.Provider.CompatibleWith(phone) {
			return model.NewValidationError("phone_number",
				fmt.Sprintf("phone number belongs to %s and cannot pay with %s", phone.Operator, req.Provider))
		}
	}
	return nil
}

// Fees quotes the charges of amount on provider.
func (g *Gateway) Fees(provider model.Provider, amount int64) (model.Fees, error) {
	if _, err := g.lookup(provider); err != nil {
		return model.Fees{}, err
	}
	return g.fees.Compute(provider, amount), nil
}

// ProcessPayment submits txn to its rail. Failures known not to have reached
// the provider are retried. An ambiguous failure is not retried and yields an
// AWAITING_CONFIRMATION result so reconciliation can decide.
func (g *Gateway) ProcessPayment(ctx context.Context, txn *model.Transaction) (*model.ProviderResult, error) {
	reg, err := g.available(txn.Provider)
	if err != nil {
		return nil, err
	}

	var result *model.ProviderResult
	err = g.call(ctx, reg, "process", false, func(ctx context.Context) error {
		res, err := reg.provider.ProcessPayment(ctx, txn)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err != nil && model.IsAmbiguous(err) {
		logger.Warn("payment submission outcome unknown, awaiting confirmation",
			"transaction_id", txn.ID, "provider", string(txn.Provider), "error", err)
		return &model.ProviderResult{
			ExternalID:     ambiguousExternalID(txn),
			Status:         model.StatusAwaitingConfirmation,
			ProviderStatus: "UNKNOWN",
			Message:        err.Error(),
			Metadata:       map[string]any{"submission_error": err.Error()},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ambiguousExternalID keeps the reference when the rail is addressed by our
// own transaction id.
func ambiguousExternalID(txn *model.Transaction) string {
	if txn.Provider == model.ProviderMTN {
		return txn.ID
	}
	return ""
}

// GetStatus polls the rail. Reads are idempotent and retried on any
// transient failure.
func (g *Gateway) GetStatus(ctx context.Context, provider model.Provider, externalID string) (*model.ProviderResult, error) {
	reg, err := g.available(provider)
	if err != nil {
		return nil, err
	}
	var result *model.ProviderResult
	err = g.call(ctx, reg, "status", true, func(ctx context.Context) error {
		res, err := reg.provider.GetPaymentStatus(ctx, externalID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (g *Gateway) VerifyPayment(ctx context.Context, provider model.Provider, externalID string) (*model.ProviderResult, error) {
	reg, err := g.available(provider)
	if err != nil {
		return nil, err
	}
	var result *model.ProviderResult
	err = g.call(ctx, reg, "verify", true, func(ctx context.Context) error {
		res, err := reg.provider.VerifyPayment(ctx, externalID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (g *Gateway) ProcessRefund(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error) {
	reg, err := g.available(txn.Provider)
	if err != nil {
		return nil, err
	}
	var result *model.RefundResult
	err = g.call(ctx, reg, "refund", false, func(ctx context.Context) error {
		res, err := reg.provider.RefundPayment(ctx, refund, txn)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// RefundStatus asks the rail how a pending refund ended. Rails that settle
// refunds out of band return ErrUnsupported.
func (g *Gateway) RefundStatus(ctx context.Context, refund *model.Refund, txn *model.Transaction) (*model.RefundResult, error) {
	reg, err := g.available(txn.Provider)
	if err != nil {
		return nil, err
	}
	c, ok := reg.provider.(RefundStatusChecker)
	if !ok {
		return nil, ErrUnsupported
	}
	var result *model.RefundResult
	err = g.call(ctx, reg, "refund_status", true, func(ctx context.Context) error {
		res, err := c.GetRefundStatus(ctx, refund, txn)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// CancelPayment withdraws txn upstream when the rail supports it.
func (g *Gateway) CancelPayment(ctx context.Context, txn *model.Transaction) error {
	reg, err := g.lookup(txn.Provider)
	if err != nil {
		return err
	}
	c, ok := reg.provider.(Canceller)
	if !ok {
		return nil
	}
	return g.call(ctx, reg, "cancel", false, func(ctx context.Context) error {
		return c.CancelPayment(ctx, txn)
	})
}

// ExpirePayment closes the rail side of an expired transaction.
func (g *Gateway) ExpirePayment(ctx context.Context, txn *model.Transaction) error {
	reg, err := g.lookup(txn.Provider)
	if err != nil {
		return err
	}
	e, ok := reg.provider.(Expirer)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
	defer cancel()
	return e.Expire(callCtx, txn.ID)
}

func (g *Gateway) ConfirmCashPayment(ctx context.Context, txn *model.Transaction, code, confirmedBy string) (*model.ProviderResult, error) {
	reg, err := g.lookup(txn.Provider)
	if err != nil {
		return nil, err
	}
	c, ok := reg.provider.(CashConfirmer)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be confirmed manually", ErrUnsupported, txn.Provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
	defer cancel()
	return c.ConfirmPayment(callCtx, txn, code, confirmedBy)
}

// ParseWebhook verifies and decodes a provider callback. Nothing is returned
// for a payload whose signature does not verify.
func (g *Gateway) ParseWebhook(provider model.Provider, body []byte, signature string) (*model.WebhookNotification, error) {
	reg, err := g.lookup(provider)
	if err != nil {
		return nil, err
	}
	wp, ok := reg.provider.(WebhookParser)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no webhooks", ErrUnsupported, provider)
	}
	if !wp.VerifySignature(body, signature) {
		return nil, ErrInvalidSignature
	}
	n, err := wp.ParseWebhook(body)
	if err != nil {
		return nil, err
	}
	n.Provider = provider
	return n, nil
}

// GetAvailableMethods lists the rails a payer can use for amount, with the
// reason a rail is unavailable and a fee quote.
func (g *Gateway) GetAvailableMethods(phoneNumber string, amount int64) []model.PaymentMethod {
	var phone *model.Phone
	if phoneNumber != "" {
		if p, err := model.ParsePhone(phoneNumber); err == nil {
			phone = &p
		}
	}

	var methods []model.PaymentMethod
	for _, reg := range g.registrations() {
		name := reg.provider.Name()
		kinds := []model.Method{model.MethodMobileMoney}
		if name == model.ProviderCash {
			kinds = []model.Method{model.MethodCashPickup, model.MethodCashOnDelivery}
		}

		for _, method := range kinds {
			m := model.PaymentMethod{
				Provider:  name,
				Method:    method,
				MinAmount: reg.config.MinAmount,
				MaxAmount: reg.config.MaxAmount,
			}
			switch {
			case !reg.config.Enabled:
				m.Reason = "provider disabled"
			case !reg.breaker.Allow():
				m.Reason = "provider temporarily unavailable"
			case amount > 0 && (amount < reg.config.MinAmount || amount > reg.config.MaxAmount):
				m.Reason = fmt.Sprintf("amount must be between %d and %d XAF", reg.config.MinAmount, reg.config.MaxAmount)
			case method == model.MethodMobileMoney && phone == nil:
				m.Reason = "valid Cameroon phone number required"
			case method == model.MethodMobileMoney && !name.CompatibleWith(*phone):
				m.Reason = fmt.Sprintf("phone number is not a %s subscriber", name)
			default:
				m.Available = true
			}
			if amount > 0 {
				f := g.fees.Compute(name, amount)
				m.Fees = &f
			}
			methods = append(methods, m)
		}
	}
	return methods
}

// GetProviderHealthStatus reports every registered rail.
func (g *Gateway) GetProviderHealthStatus() []model.ProviderHealth {
	regs := g.registrations()
	out := make([]model.ProviderHealth, 0, len(regs))
	for _, reg := range regs {
		m := reg.breaker.metrics
		status := reg.breaker.State().String()
		if status == StateCircuitOpen.String() {
			status = StateUnhealthy.String()
		}
		out = append(out, model.ProviderHealth{
			Provider:       reg.provider.Name(),
			Status:         status,
			Enabled:        reg.config.Enabled,
			SuccessRate:    m.SuccessRate(),
			AverageLatency: m.AvgLatencyMs(),
			TotalRequests:  m.TotalRequests.Load(),
			LastError:      m.LastError(),
		})
	}
	return out
}

func (g *Gateway) available(provider model.Provider) (*registration, error) {
	reg, err := g.lookup(provider)
	if err != nil {
		return nil, err
	}
	if !reg.config.Enabled {
		return nil, model.NewProviderError(provider, "PROVIDER_DISABLED", "provider is disabled", false)
	}
	if !reg.breaker.Allow() {
		return nil, model.NewProviderError(provider, "PROVIDER_UNAVAILABLE", "provider temporarily unavailable", true)
	}
	return reg, nil
}

// call runs fn under the provider timeout and retry policy. Retryable errors
// are retried; ambiguous ones only when read is set.
func (g *Gateway) call(ctx context.Context, reg *registration, op string, read bool, fn func(ctx context.Context) error) error {
	name := string(reg.provider.Name())
	attempt := 0

	return retry.Do(ctx, reg.config.backoff(), func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
		defer cancel()

		start := time.Now()
		err := fn(callCtx)
		elapsed := time.Since(start)

		if err == nil {
			reg.breaker.success(elapsed)
			prom.AddProviderCall(name, op, "success", elapsed.Seconds())
			return nil
		}

		if !countsAgainstHealth(err) {
			prom.AddProviderCall(name, op, "rejected", elapsed.Seconds())
			return err
		}

		prom.AddProviderCall(name, op, "failure", elapsed.Seconds())
		if reg.breaker.failure(elapsed, err) {
			prom.SetProviderState(name, int(StateCircuitOpen))
			logger.Warn("circuit breaker opened", "provider", name,
				"consecutive_fails", reg.breaker.metrics.ConsecutiveFails.Load(), "open_for", reg.breaker.openPeriod)
		}

		if model.IsRetryable(err) || (read && model.IsAmbiguous(err)) {
			if !reg.breaker.Allow() {
				return err
			}
			logger.Warn("provider call failed, retrying", "provider", name, "operation", op,
				"attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// countsAgainstHealth separates transport and upstream failures from
// business rejections that say nothing about provider availability.
func countsAgainstHealth(err error) bool {
	pe, ok := model.AsPaymentError(err)
	if !ok {
		return true
	}
	switch pe.Kind {
	case model.KindNetwork, model.KindTimeout:
		return true
	case model.KindProvider:
		return pe.Retryable || pe.Ambiguous
	}
	return false
}

// Start runs the background health checker and evaluator until Close.
func (g *Gateway) Start() {
	g.wg.Add(2)
	go g.healthChecker()
	go g.metricsCollector()
}

func (g *Gateway) Close() error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
	logger.Info("payment gateway closed")
	return nil
}

func (g *Gateway) healthChecker() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performHealthChecks(context.Background())
		case <-g.stopCh:
			return
		}
	}
}

// performHealthChecks pings every adapter that implements HealthChecker.
func (g *Gateway) performHealthChecks(ctx context.Context) {
	for _, reg := range g.registrations() {
		hc, ok := reg.provider.(HealthChecker)
		if !ok || !reg.config.Enabled {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
		err := hc.HealthCheck(checkCtx)
		cancel()

		if state, changed := reg.breaker.checked(err == nil); changed {
			prom.SetProviderState(string(reg.provider.Name()), int(state))
			logger.Info("provider state changed", "provider", string(reg.provider.Name()),
				"new_state", state.String(), "error", err)
		}
	}
}

func (g *Gateway) metricsCollector() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.evaluateProviders()
		case <-g.stopCh:
			return
		}
	}
}

// evaluateProviders adjusts provider states from their rolling windows.
func (g *Gateway) evaluateProviders() {
	for _, reg := range g.registrations() {
		if state, changed := reg.breaker.evaluate(); changed {
			prom.SetProviderState(string(reg.provider.Name()), int(state))
			m := reg.breaker.metrics
			logger.Warn("provider state re-evaluated", "provider", string(reg.provider.Name()),
				"new_state", state.String(), "success_rate", m.SuccessRate(), "avg_latency_ms", m.AvgLatencyMs())
		}
	}
}
