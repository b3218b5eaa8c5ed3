package fraud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

// ErrFraudUnavailable is returned when scoring is mandatory and the
// customer history cannot be read.
var ErrFraudUnavailable = errors.New("fraud detection unavailable")

// HistoryReader provides the aggregate snapshot a verdict is scored against.
type HistoryReader interface {
	CustomerHistory(ctx context.Context, customerID string, now time.Time) (model.CustomerHistory, error)
}

type Weights struct {
	SingleCeiling    int
	DailyCeiling     int
	Velocity24h      int
	VelocityHour     int
	RecentFailures   int
	DeniedPhone      int
	OperatorMismatch int
	MissingIP        int
	DeniedIP         int
	UnlistedIP       int
	LoopbackIP       int
	BotAgent         int
	NewCustomerLarge int
	FailureRate      int
	AmountDeviation  int
	NightTime        int
	WeekendLarge     int
	// AmountScale caps the proportional amount score below the ceiling.
	AmountScale int
}

func DefaultWeights() Weights {
	return Weights{
		SingleCeiling:    30,
		DailyCeiling:     25,
		Velocity24h:      25,
		VelocityHour:     20,
		RecentFailures:   15,
		DeniedPhone:      50,
		OperatorMismatch: 30,
		MissingIP:        10,
		DeniedIP:         40,
		UnlistedIP:       10,
		LoopbackIP:       30,
		BotAgent:         25,
		NewCustomerLarge: 20,
		FailureRate:      15,
		AmountDeviation:  10,
		NightTime:        10,
		WeekendLarge:     5,
		AmountScale:      20,
	}
}

type Config struct {
	Enabled   bool
	Mandatory bool

	SingleCeiling     int64
	DailyCeiling      int64
	VelocityThreshold int64
	HourlyThreshold   int64
	FailedThreshold   int64
	BlockThreshold    int

	NewCustomerAmount int64
	WeekendAmount     int64
	MaxFailureRate    float64
	DeviationFactor   float64

	DenyPhones []string
	DenyIPs    []string
	AllowIPs   []string

	// Production enables the loopback IP rule.
	Production bool
	Location   *time.Location
	Weights    Weights
}

func (c Config) withDefaults() Config {
	if c.SingleCeiling <= 0 {
		c.SingleCeiling = 1_000_000
	}
	if c.DailyCeiling <= 0 {
		c.DailyCeiling = 5_000_000
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 10
	}
	if c.HourlyThreshold <= 0 {
		c.HourlyThreshold = 5
	}
	if c.FailedThreshold <= 0 {
		c.FailedThreshold = 3
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = 75
	}
	if c.NewCustomerAmount <= 0 {
		c.NewCustomerAmount = 100_000
	}
	if c.WeekendAmount <= 0 {
		c.WeekendAmount = 500_000
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.3
	}
	if c.DeviationFactor <= 0 {
		c.DeviationFactor = 3
	}
	if c.Location == nil {
		c.Location = douala
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	return c
}

// douala is West Africa Time, which has no daylight saving.
var douala = time.FixedZone("WAT", 60*60)

// ConfigFrom maps the application config onto the engine config.
func ConfigFrom(c *config.Config) Config {
	loc, err := time.LoadLocation(c.FraudTimezone)
	if err != nil {
		logger.Warn("unknown fraud timezone, using WAT", "timezone", c.FraudTimezone, "error", err)
		loc = douala
	}
	return Config{
		Enabled:           c.FraudEnabled,
		Mandatory:         c.FraudMandatory,
		SingleCeiling:     c.FraudSingleCeiling,
		DailyCeiling:      c.FraudDailyCeiling,
		VelocityThreshold: c.FraudVelocityThreshold,
		BlockThreshold:    c.FraudBlockThreshold,
		DenyPhones:        config.List(c.FraudDenyPhones),
		DenyIPs:           config.List(c.FraudDenyIPs),
		AllowIPs:          config.List(c.FraudAllowIPs),
		Production:        c.IsProduction(),
		Location:          loc,
	}
}

// Engine scores payment intents. It only reads history and never writes.
type Engine struct {
	config  Config
	history HistoryReader
	now     func() time.Time

	denyPhones map[string]struct{}
	denyIPs    ipSet
	allowIPs   ipSet
}

func NewEngine(cfg Config, history HistoryReader, now func() time.Time) *Engine {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		config:     cfg,
		history:    history,
		now:        now,
		denyPhones: make(map[string]struct{}, len(cfg.DenyPhones)),
		denyIPs:    newIPSet(cfg.DenyIPs),
		allowIPs:   newIPSet(cfg.AllowIPs),
	}
	for _, p := range cfg.DenyPhones {
		e.denyPhones[canonicalPhone(p)] = struct{}{}
	}
	return e
}

func canonicalPhone(raw string) string {
	if p, err := model.ParsePhone(raw); err == nil {
		return p.E164()
	}
	return strings.TrimSpace(raw)
}

type evaluation struct {
	req     *model.PaymentRequest
	rc      model.RequestContext
	history model.CustomerHistory
	at      time.Time

	score   int
	reasons []string
	force   bool
}

func (ev *evaluation) add(points int, reason string) {
	ev.score += points
	ev.reasons = append(ev.reasons, reason)
}

type rule func(e *Engine, ev *evaluation)

// rules run in this order for every evaluation.
var rules = []rule{
	amountRule,
	dailyRule,
	velocityRule,
	phoneRule,
	ipRule,
	deviceRule,
	behaviourRule,
	timeRule,
}

// Evaluate scores req. For identical input, history and clock the verdict is
// identical.
func (e *Engine) Evaluate(ctx context.Context, req *model.PaymentRequest, rc model.RequestContext) (*model.FraudVerdict, error) {
	if !e.config.Enabled {
		return &model.FraudVerdict{
			Score:           0,
			RiskLevel:       model.RiskLow,
			Reasons:         []string{},
			Recommendations: []string{"Standard processing"},
			Skipped:         true,
		}, nil
	}

	at := e.now().In(e.config.Location)
	history, err := e.history.CustomerHistory(ctx, req.CustomerID, at)
	if err != nil {
		if e.config.Mandatory {
			logger.Error("fraud history unavailable, rejecting", "customer_id", req.CustomerID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrFraudUnavailable, err)
		}
		logger.Warn("fraud history unavailable, returning degraded verdict", "customer_id", req.CustomerID, "error", err)
		v := &model.FraudVerdict{
			Score:           50,
			RiskLevel:       model.RiskMedium,
			Reasons:         []string{"fraud detection temporarily unavailable"},
			Recommendations: []string{"Manual review recommended"},
			Degraded:        true,
		}
		prom.AddFraudVerdict("degraded", false, float64(v.Score))
		return v, nil
	}

	ev := &evaluation{req: req, rc: rc, history: history, at: at, reasons: []string{}}
	for _, r := range rules {
		r(e, ev)
	}

	score := clamp(ev.score, 0, 100)
	level := Level(score)
	v := &model.FraudVerdict{
		Score:     score,
		RiskLevel: level,
		Reasons:   ev.reasons,
		Blocked:   score >= e.config.BlockThreshold || level == model.RiskCritical || ev.force,
	}
	v.Recommendations = recommendations(level, ev.reasons)

	prom.AddFraudVerdict(string(level), v.Blocked, float64(score))
	if v.Blocked {
		logger.Warn("payment blocked by fraud detection", "customer_id", req.CustomerID, "order_id", req.OrderID,
			"score", score, "level", level, "reasons", ev.reasons)
	} else {
		logger.Debug("fraud verdict", "customer_id", req.CustomerID, "score", score, "level", level)
	}
	return v, nil
}

// Level maps a score onto the risk levels.
func Level(score int) model.RiskLevel {
	switch {
	case score >= 80:
		return model.RiskCritical
	case score >= 60:
		return model.RiskHigh
	case score >= 30:
		return model.RiskMedium
	}
	return model.RiskLow
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func amountRule(e *Engine, ev *evaluation) {
	ceiling := e.config.SingleCeiling
	if ev.req.Amount > ceiling {
		ev.add(e.config.Weights.SingleCeiling, fmt.Sprintf("amount %d exceeds single transaction ceiling", ev.req.Amount))
		return
	}
	scale := int64(e.config.Weights.AmountScale)
	points := int(min(scale, ev.req.Amount*scale/ceiling))
	if points > int(scale)/2 {
		ev.add(points, "amount close to single transaction ceiling")
		return
	}
	ev.score += points
}

func dailyRule(e *Engine, ev *evaluation) {
	if ev.history.Sum24h+ev.req.Amount > e.config.DailyCeiling {
		ev.add(e.config.Weights.DailyCeiling, "daily amount ceiling exceeded")
	}
}

func velocityRule(e *Engine, ev *evaluation) {
	h := ev.history
	if h.Count24h > e.config.VelocityThreshold {
		ev.add(e.config.Weights.Velocity24h, fmt.Sprintf("high velocity: %d transactions in 24h", h.Count24h))
	}
	if h.CountLastHour > e.config.HourlyThreshold {
		ev.add(e.config.Weights.VelocityHour, fmt.Sprintf("high velocity: %d transactions in 1h", h.CountLastHour))
	}
	if h.Failed24h > e.config.FailedThreshold {
		ev.add(e.config.Weights.RecentFailures, fmt.Sprintf("%d failed attempts in 24h", h.Failed24h))
	}
}

func phoneRule(e *Engine, ev *evaluation) {
	if ev.req.PhoneNumber == "" {
		return
	}
	if _, denied := e.denyPhones[canonicalPhone(ev.req.PhoneNumber)]; denied {
		ev.add(e.config.Weights.DeniedPhone, "phone number is blacklisted")
		ev.force = true
	}
	phone, err := model.ParsePhone(ev.req.PhoneNumber)
	if err != nil {
		return
	}
	if !ev.req.Provider.CompatibleWith(phone) {
		ev.add(e.config.Weights.OperatorMismatch, "phone operator does not match payment provider")
	}
}

func ipRule(e *Engine, ev *evaluation) {
	raw := strings.TrimSpace(ev.rc.IPAddress)
	if raw == "" {
		ev.add(e.config.Weights.MissingIP, "missing IP address")
		return
	}
	ip := net.ParseIP(raw)
	if e.denyIPs.contains(raw, ip) {
		ev.add(e.config.Weights.DeniedIP, "IP address is blacklisted")
	}
	if len(e.allowIPs) > 0 && !e.allowIPs.contains(raw, ip) {
		ev.add(e.config.Weights.UnlistedIP, "IP address not in whitelist")
	}
	if e.config.Production && ip != nil && ip.IsLoopback() {
		ev.add(e.config.Weights.LoopbackIP, "loopback IP address in production")
	}
}

var botAgent = regexp.MustCompile(`(?i)bot|crawler|spider|scraper`)

func deviceRule(e *Engine, ev *evaluation) {
	if ev.rc.UserAgent != "" && botAgent.MatchString(ev.rc.UserAgent) {
		ev.add(e.config.Weights.BotAgent, "automated user agent detected")
		ev.force = true
	}
}

func behaviourRule(e *Engine, ev *evaluation) {
	h := ev.history
	if h.LifetimeCount == 0 {
		if ev.req.Amount > e.config.NewCustomerAmount {
			ev.add(e.config.Weights.NewCustomerLarge, "new customer with large amount")
		}
		return
	}
	if rate := h.FailureRate(); rate > e.config.MaxFailureRate {
		ev.add(e.config.Weights.FailureRate, fmt.Sprintf("high failure rate: %.1f%%", rate*100))
	}
	if h.AverageAmount > 0 && float64(ev.req.Amount) > e.config.DeviationFactor*h.AverageAmount {
		ev.add(e.config.Weights.AmountDeviation, "amount deviates from customer average")
	}
}

func timeRule(e *Engine, ev *evaluation) {
	if ev.at.Hour() < 5 {
		ev.add(e.config.Weights.NightTime, "transaction during unusual hours")
	}
	if wd := ev.at.Weekday(); (wd == time.Saturday || wd == time.Sunday) && ev.req.Amount > e.config.WeekendAmount {
		ev.add(e.config.Weights.WeekendLarge, "large weekend transaction")
	}
}

func recommendations(level model.RiskLevel, reasons []string) []string {
	var out []string
	switch level {
	case model.RiskCritical:
		out = []string{"Block transaction immediately", "Investigate customer account", "Contact customer for verification"}
	case model.RiskHigh:
		out = []string{"Require additional verification", "Manual review required", "Consider temporary account restrictions"}
	case model.RiskMedium:
		out = []string{"Enhanced monitoring", "Consider SMS verification", "Review customer history"}
	default:
		out = []string{"Standard processing", "Continue monitoring"}
	}

	has := func(s string) bool {
		for _, r := range reasons {
			if strings.Contains(r, s) {
				return true
			}
		}
		return false
	}
	if has("blacklisted") {
		out = append(out, "Verify customer identity immediately")
	}
	if has("velocity") {
		out = append(out, "Implement cooling-off period")
	}
	if has("amount") {
		out = append(out, "Verify transaction legitimacy")
	}
	return out
}

// ipSet matches exact addresses and CIDR ranges.
type ipSet []ipEntry

type ipEntry struct {
	raw string
	net *net.IPNet
}

func newIPSet(values []string) ipSet {
	var s ipSet
	for _, v := range values {
		if _, n, err := net.ParseCIDR(v); err == nil {
			s = append(s, ipEntry{net: n})
			continue
		}
		s = append(s, ipEntry{raw: v})
	}
	return s
}

func (s ipSet) contains(raw string, ip net.IP) bool {
	for _, e := range s {
		if e.net != nil {
			if ip != nil && e.net.Contains(ip) {
				return true
			}
			continue
		}
		if e.raw == raw {
			return true
		}
	}
	return false
}
