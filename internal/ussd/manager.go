package ussd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/payment-gateway/internal/config"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Active(ctx context.Context) ([]string, error)
	Forget(ctx context.Context, id string) error
}

// Payments submits the payment a session assembled.
type Payments interface {
	ProcessPayment(ctx context.Context, req model.PaymentRequest, rc model.RequestContext) (*model.Transaction, error)
}

type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl, wait time.Duration) (*idempotency.Lease, error)
}

type Config struct {
	SessionTimeout time.Duration
	MaxAttempts    int
	LeaseTTL       time.Duration
	LeaseWait      time.Duration
	// Limits bounds the amount per rail; missing rails use gateway.DefaultLimits.
	Limits map[model.Provider][2]int64
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		SessionTimeout: c.USSDSessionTimeout,
		MaxAttempts:    c.USSDMaxAttempts,
		LeaseTTL:       c.USSDLeaseTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 3 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = time.Second
	}
	limits := make(map[model.Provider][2]int64, len(gateway.DefaultLimits))
	for p, l := range gateway.DefaultLimits {
		if custom, ok := c.Limits[p]; ok && custom[1] > 0 {
			l = custom
		}
		limits[p] = l
	}
	c.Limits = limits
	return c
}

// Manager drives USSD dialogues: START → SELECT_PROVIDER → ENTER_AMOUNT →
// CONFIRM → SUBMITTED, with CANCELLED and TIMED_OUT reachable from any open
// step. Each session is handled under its own lease.
type Manager struct {
	config   Config
	store    Store
	payments Payments
	locks    Locker
	now      func() time.Time
}

func NewManager(cfg Config, store Store, payments Payments, locks Locker) *Manager {
	return &Manager{
		config:   cfg.withDefaults(),
		store:    store,
		payments: payments,
		locks:    locks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent applies one input to its session, creating the session on the
// first event. Input on a closed session fails with ErrSessionClosed, on an
// expired one with ErrSessionExpired.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) (*Reply, error) {
	if strings.TrimSpace(ev.SessionID) == "" {
		return nil, model.NewValidationError("session_id", "session_id is required")
	}
	lease, err := m.lock(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(lease)

	session, err := m.store.Get(ctx, ev.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return m.start(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	mn, err := menuFor(session.ServiceCode)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(ctx, session); err != nil {
		return nil, err
	}

	input := lastInput(ev.Input)
	if input == "0" {
		return m.finish(ctx, session, StepCancelled, "cancelled by user", mn.Cancelled)
	}

	switch session.Step {
	case StepSelectProvider:
		return m.selectProvider(ctx, session, mn, input)
	case StepEnterAmount:
		return m.enterAmount(ctx, session, mn, input)
	case StepConfirm:
		return m.confirm(ctx, session, mn, input, ev)
	}
	return nil, fmt.Errorf("ussd session %s in unexpected step %s", session.ID, session.Step)
}

func (m *Manager) start(ctx context.Context, ev Event) (*Reply, error) {
	mn, err := menuFor(ev.ServiceCode)
	if err != nil {
		return nil, model.NewValidationError("service_code", err.Error())
	}
	phone, err := model.ParsePhone(ev.Phone)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &Session{
		ID:           ev.SessionID,
		Phone:        phone.E164(),
		ServiceCode:  strings.TrimSpace(ev.ServiceCode),
		Step:         StepStart,
		Inputs:       map[Step]string{StepStart: lastInput(ev.Input)},
		AttemptsLeft: m.config.MaxAttempts,
		ExpiresAt:    now.Add(m.config.SessionTimeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// START only shows the menu
	session.Step = StepSelectProvider
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	logger.Info("ussd session started", "session_id", session.ID, "phone", model.MaskPhone(session.Phone),
		"service_code", session.ServiceCode)
	return &Reply{Text: mn.prompt(session), Step: session.Step}, nil
}

func (m *Manager) selectProvider(ctx context.Context, s *Session, mn *menu, input string) (*Reply, error) {
	switch input {
	case "1":
		s.Provider, s.Method = mn.Provider, model.MethodMobileMoney
	case "2":
		s.Provider, s.Method = model.ProviderCash, model.MethodCashOnDelivery
	default:
		return m.invalid(ctx, s, mn, mn.Invalid)
	}
	return m.advance(ctx, s, mn, input, StepEnterAmount)
}

func (m *Manager) enterAmount(ctx context.Context, s *Session, mn *menu, input string) (*Reply, error) {
	amount, err := strconv.ParseInt(strings.ReplaceAll(input, " ", ""), 10, 64)
	if err != nil || amount <= 0 {
		return m.invalid(ctx, s, mn, mn.Invalid)
	}
	limits := m.config.Limits[s.Provider]
	if amount < limits[0] || amount > limits[1] {
		return m.invalid(ctx, s, mn, fmt.Sprintf(mn.AmountRange, formatXAF(limits[0]), formatXAF(limits[1])))
	}
	s.Amount = amount
	return m.advance(ctx, s, mn, input, StepConfirm)
}

func (m *Manager) confirm(ctx context.Context, s *Session, mn *menu, input string, ev Event) (*Reply, error) {
	switch input {
	case "1":
	case "2":
		return m.finish(ctx, s, StepCancelled, "declined at confirmation", mn.Cancelled)
	default:
		return m.invalid(ctx, s, mn, mn.Invalid)
	}

	req := model.PaymentRequest{
		IdempotencyKey: "ussd:" + s.ID,
		OrderID:        "USSD-" + s.ID,
		CustomerID:     s.Phone,
		Amount:         s.Amount,
		Currency:       model.CurrencyXAF,
		Provider:       s.Provider,
		Method:         s.Method,
		Metadata:       map[string]any{"ussd_session_id": s.ID, "service_code": s.ServiceCode},
	}
	if s.Provider != model.ProviderCash {
		req.PhoneNumber = s.Phone
	}
	rc := model.RequestContext{RequestID: ev.SessionID, Channel: "ussd"}

	txn, err := m.payments.ProcessPayment(ctx, req, rc)
	switch {
	case txn != nil:
		s.TransactionID = txn.ID
		s.Inputs[StepConfirm] = input
		text := fmt.Sprintf(mn.Submitted, txn.Reference)
		if s.Provider == model.ProviderCash {
			text = fmt.Sprintf(mn.CashSubmitted, formatXAF(s.Amount), txn.Reference)
		}
		if err != nil || txn.Status == model.StatusFailed {
			text = mn.Failed
		}
		return m.finish(ctx, s, StepSubmitted, "payment submitted", text)
	case model.IsRejection(err):
		logger.Warn("ussd payment rejected", "session_id", s.ID, "error", err)
		return m.finish(ctx, s, StepCancelled, err.Error(), mn.Rejected)
	default:
		// the session stays at CONFIRM; a retry reuses the same idempotency key
		logger.Error("ussd payment submission failed", "session_id", s.ID, "error", err)
		return &Reply{Text: mn.Unavailable + "\n" + mn.prompt(s), Step: s.Step}, nil
	}
}

func (m *Manager) advance(ctx context.Context, s *Session, mn *menu, input string, next Step) (*Reply, error) {
	s.Inputs[s.Step] = input
	s.Step = next
	s.AttemptsLeft = m.config.MaxAttempts
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	return &Reply{Text: mn.prompt(s), Step: s.Step}, nil
}

// invalid re-prompts without advancing. The last allowed attempt cancels.
func (m *Manager) invalid(ctx context.Context, s *Session, mn *menu, message string) (*Reply, error) {
	s.AttemptsLeft--
	if s.AttemptsLeft <= 0 {
		return m.finish(ctx, s, StepCancelled, "too many invalid inputs", mn.TooMany)
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	return &Reply{Text: message + "\n" + mn.prompt(s), Step: s.Step}, nil
}

func (m *Manager) finish(ctx context.Context, s *Session, step Step, reason, text string) (*Reply, error) {
	s.Step = step
	s.Reason = reason
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	prom.AddUSSDOutcome(strings.ToLower(string(step)))
	logger.Info("ussd session ended", "session_id", s.ID, "step", string(step), "reason", reason,
		"transaction_id", s.TransactionID)
	return &Reply{Text: text, End: true, Step: step}, nil
}

// checkOpen rejects terminal sessions and times out expired ones.
func (m *Manager) checkOpen(ctx context.Context, s *Session) error {
	switch s.Step {
	case StepTimedOut:
		return ErrSessionExpired
	case StepSubmitted, StepCancelled:
		return ErrSessionClosed
	}
	if s.Expired(m.now()) {
		if err := m.timeout(ctx, s); err != nil {
			return err
		}
		return ErrSessionExpired
	}
	return nil
}

func (m *Manager) timeout(ctx context.Context, s *Session) error {
	s.Step = StepTimedOut
	s.Reason = "session timed out"
	if err := m.save(ctx, s); err != nil {
		return err
	}
	prom.AddUSSDOutcome("timed_out")
	logger.Info("ussd session timed out", "session_id", s.ID, "expired_at", s.ExpiresAt)
	return nil
}

// Cancel ends an open session at the user's request.
func (m *Manager) Cancel(ctx context.Context, id string) (*Session, error) {
	lease, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.unlock(lease)

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(ctx, s); err != nil {
		return nil, err
	}
	mn, err := menuFor(s.ServiceCode)
	if err != nil {
		return nil, err
	}
	if _, err := m.finish(ctx, s, StepCancelled, "cancelled by user", mn.Cancelled); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a session. An open session past its expiry is timed out and
// reported as ErrSessionExpired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Expired(m.now()) {
		return s, nil
	}

	lease, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.unlock(lease)
	if s, err = m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		if err := m.timeout(ctx, s); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Sweep times out every open session past its expiry and returns how many
// it closed. Sessions busy with an input are left for the next run.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open ussd sessions: %w", err)
	}

	closed := 0
	for _, id := range ids {
		s, err := m.store.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			_ = m.store.Forget(ctx, id)
			continue
		}
		if err != nil {
			logger.Warn("failed to load ussd session", "session_id", id, "error", err)
			continue
		}
		if s.Step.Terminal() {
			_ = m.store.Forget(ctx, id)
			continue
		}
		if !s.Expired(m.now()) {
			continue
		}

		lease, err := m.locks.AcquireLease(ctx, leaseKey(id), m.config.LeaseTTL, 0)
		if err != nil {
			continue
		}
		if s, err = m.store.Get(ctx, id); err == nil && s.Expired(m.now()) {
			if err = m.timeout(ctx, s); err == nil {
				closed++
			}
		}
		m.unlock(lease)
		if err != nil {
			logger.Warn("failed to time out ussd session", "session_id", id, "error", err)
		}
	}
	if closed > 0 {
		logger.Info("ussd sweep completed", "timed_out", closed, "open", len(ids)-closed)
	}
	return closed, nil
}

// RunSweep calls Sweep every interval until ctx is done.
func (m *Manager) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				logger.Error("ussd sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = m.now()
	return m.store.Save(ctx, s)
}

func leaseKey(id string) string {
	return "ussd:" + id
}

func (m *Manager) lock(ctx context.Context, id string) (*idempotency.Lease, error) {
	lease, err := m.locks.AcquireLease(ctx, leaseKey(id), m.config.LeaseTTL, m.config.LeaseWait)
	if errors.Is(err, idempotency.ErrLeaseHeld) {
		return nil, ErrSessionBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire ussd session lease: %w", err)
	}
	lease.KeepAlive(m.config.LeaseTTL)
	return lease, nil
}

func (m *Manager) unlock(lease *idempotency.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		logger.Warn("failed to release ussd session lease", "error", err)
	}
}

// lastInput takes the newest answer. Aggregators send the whole dialogue as
// "1*5000*1".
func lastInput(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "*"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}
