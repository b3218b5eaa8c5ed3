package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimasrn/payment-gateway/internal/config"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// Sandbox simulates the MTN MoMo and Orange Money WebPay APIs closely enough
// for the gateway adapters to run end to end. Payments settle after a delay
// and the outcome is posted back as a signed webhook.
type Sandbox struct {
	mu           sync.Mutex
	successRate  float64
	settleDelay  time.Duration
	webhookBase  string
	mtnSecret    string
	orangeSecret string
	rng          *rand.Rand
	payments     map[string]*payment
	client       *http.Client
}

// webhookPath is the gateway route segment of each rail.
var webhookPath = map[string]string{
	"mtn":    "mtn_mobile_money",
	"orange": "orange_money",
}

type payment struct {
	Rail        string
	Reference   string
	ExternalID  string
	OrderID     string
	Amount      string
	Currency    string
	Payer       string
	Status      string
	Reason      string
	FinTxnID    string
	CallbackURL string
	CreatedAt   time.Time
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string `json:"amount" binding:"required"`
	Currency     string `json:"currency" binding:"required"`
	ExternalID   string `json:"externalId"`
	Payer        *party `json:"payer,omitempty"`
	Payee        *party `json:"payee,omitempty"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type mtnStatus struct {
	ReferenceID            string `json:"referenceId,omitempty"`
	FinancialTransactionID string `json:"financialTransactionId,omitempty"`
	ExternalID             string `json:"externalId"`
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	Payer                  party  `json:"payer"`
	Status                 string `json:"status"`
	Reason                 string `json:"reason,omitempty"`
}

type orangeStatus struct {
	OrderID    string `json:"order_id"`
	PayToken   string `json:"pay_token"`
	TxnID      string `json:"txnid,omitempty"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	NotifToken string `json:"notif_token,omitempty"`
}

func NewSandbox(cfg *config.Config) *Sandbox {
	return &Sandbox{
		successRate:  cfg.SandboxSuccessRate,
		settleDelay:  cfg.SandboxSettleDelay,
		webhookBase:  strings.TrimRight(cfg.SandboxWebhookBase, "/"),
		mtnSecret:    cfg.MTNWebhookSecret,
		orangeSecret: cfg.OrangeWebhookSecret,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		payments:     make(map[string]*payment),
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Sandbox) succeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.successRate
}

func (s *Sandbox) get(key string) (payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[key]
	if !ok {
		return payment{}, false
	}
	return *p, true
}

func (s *Sandbox) put(key string, p *payment) {
	s.mu.Lock()
	s.payments[key] = p
	s.mu.Unlock()
}

// settle resolves a pending payment unless it was cancelled meanwhile.
func (s *Sandbox) settle(key string) (payment, bool) {
	ok := s.succeed()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.payments[key]
	if !found || (p.Status != "PENDING" && p.Status != "INITIATED") {
		return payment{}, false
	}
	if ok {
		p.Status = "SUCCESSFUL"
		if p.Rail == "orange" {
			p.Status = "SUCCESS"
		}
		p.FinTxnID = strconv.FormatInt(s.rng.Int63n(1e10), 10)
	} else {
		p.Status = "FAILED"
		p.Reason = "PAYER_LIMIT_REACHED"
		if p.Rail == "orange" {
			p.Reason = "Solde insuffisant"
		}
	}
	return *p, true
}

func (s *Sandbox) scheduleSettlement(key string) {
	time.AfterFunc(s.settleDelay, func() {
		p, ok := s.settle(key)
		if !ok {
			return
		}
		log.Info().Str("rail", p.Rail).Str("reference", p.Reference).Str("status", p.Status).Msg("payment settled")

		var (
			body   []byte
			secret string
		)
		switch p.Rail {
		case "mtn":
			body, _ = json.Marshal(mtnDocument(p))
			secret = s.mtnSecret
		default:
			body, _ = json.Marshal(orangeDocument(p))
			secret = s.orangeSecret
		}
		target := p.CallbackURL
		if target == "" {
			target = s.webhookBase + "/" + webhookPath[p.Rail]
		}
		if err := s.postWebhook(target, secret, body); err != nil {
			log.Warn().Err(err).Str("reference", p.Reference).Str("target", target).Msg("webhook delivery failed")
		}
	})
}

func (s *Sandbox) postWebhook(target, secret string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set("X-Signature", gateway.Sign(secret, body))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusConflict {
			return retry.RetryableError(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

func mtnDocument(p payment) mtnStatus {
	return mtnStatus{
		ReferenceID:            p.Reference,
		FinancialTransactionID: p.FinTxnID,
		ExternalID:             p.ExternalID,
		Amount:                 p.Amount,
		Currency:               p.Currency,
		Payer:                  party{PartyIDType: "MSISDN", PartyID: p.Payer},
		Status:                 p.Status,
		Reason:                 p.Reason,
	}
}

func orangeDocument(p payment) orangeStatus {
	return orangeStatus{
		OrderID:    p.OrderID,
		PayToken:   p.Reference,
		TxnID:      p.FinTxnID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Status:     p.Status,
		Message:    p.Reason,
		NotifToken: p.ExternalID,
	}
}

func token(c *gin.Context) {
	if _, _, ok := c.Request.BasicAuth(); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": "sbx-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func bearer(c *gin.Context) {
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	c.Next()
}

// MTN collection and disbursement

func (s *Sandbox) RequestToPay(c *gin.Context) {
	ref := c.GetHeader("X-Reference-Id")
	if _, err := uuid.Parse(ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REFERENCE_ID", "message": "X-Reference-Id must be a UUID"})
		return
	}
	var req requestToPay
	if err := c.ShouldBindJSON(&req); err != nil || req.Payer == nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "message": "invalid request to pay"})
		return
	}
	if _, ok := s.get("mtn:" + ref); ok {
		c.JSON(http.StatusConflict, gin.H{"code": "RESOURCE_ALREADY_EXIST", "message": "duplicate reference id"})
		return
	}

	s.put("mtn:"+ref, &payment{
		Rail:        "mtn",
		Reference:   ref,
		ExternalID:  req.ExternalID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Payer:       req.Payer.PartyID,
		Status:      "PENDING",
		CallbackURL: c.GetHeader("X-Callback-Url"),
		CreatedAt:   time.Now(),
	})
	log.Info().Str("reference", ref).Str("amount", req.Amount).Str("payer", req.Payer.PartyID).Msg("request to pay accepted")
	s.scheduleSettlement("mtn:" + ref)
	c.Status(http.StatusAccepted)
}

func (s *Sandbox) RequestToPayStatus(c *gin.Context) {
	p, ok := s.get("mtn:" + c.Param("ref"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "RESOURCE_NOT_FOUND", "message": "requested resource was not found"})
		return
	}
	c.JSON(http.StatusOK, mtnDocument(p))
}

func (s *Sandbox) Transfer(c *gin.Context) {
	ref := c.GetHeader("X-Reference-Id")
	var req requestToPay
	if err := c.ShouldBindJSON(&req); err != nil || req.Payee == nil || ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "message": "invalid transfer"})
		return
	}
	status := "SUCCESSFUL"
	if !s.succeed() {
		status = "FAILED"
	}
	s.put("mtn-transfer:"+ref, &payment{
		Rail:       "mtn",
		Reference:  ref,
		ExternalID: req.ExternalID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Payer:      req.Payee.PartyID,
		Status:     status,
		CreatedAt:  time.Now(),
	})
	log.Info().Str("reference", ref).Str("amount", req.Amount).Str("status", status).Msg("transfer processed")
	c.Status(http.StatusAccepted)
}

func (s *Sandbox) TransferStatus(c *gin.Context) {
	p, ok := s.get("mtn-transfer:" + c.Param("ref"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "RESOURCE_NOT_FOUND", "message": "requested resource was not found"})
		return
	}
	c.JSON(http.StatusOK, mtnDocument(p))
}

func (s *Sandbox) Balance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"availableBalance": "1000000000", "currency": "XAF"})
}

// Orange WebPay

func (s *Sandbox) WebPayment(c *gin.Context) {
	amount := c.PostForm("amount")
	orderID := c.PostForm("order_id")
	if c.PostForm("merchant_key") == "" || orderID == "" || amount == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "merchant_key, order_id and amount are required"})
		return
	}
	payToken := "v1" + strings.ReplaceAll(uuid.NewString(), "-", "")
	notifToken := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	s.put("orange:"+payToken, &payment{
		Rail:        "orange",
		Reference:   payToken,
		ExternalID:  notifToken,
		OrderID:     orderID,
		Amount:      amount,
		Currency:    c.DefaultPostForm("currency", "XAF"),
		Status:      "INITIATED",
		CallbackURL: c.PostForm("notif_url"),
		CreatedAt:   time.Now(),
	})
	log.Info().Str("pay_token", payToken).Str("order_id", orderID).Str("amount", amount).Msg("webpayment initiated")
	s.scheduleSettlement("orange:" + payToken)

	c.JSON(http.StatusCreated, gin.H{
		"status":      201,
		"message":     "OK",
		"pay_token":   payToken,
		"payment_url": "https://sandbox.orange.test/webpayment/" + payToken,
		"notif_token": notifToken,
	})
}

func (s *Sandbox) orangeStatus(c *gin.Context, payToken string) {
	p, ok := s.get("orange:" + payToken)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "unknown pay_token"})
		return
	}
	c.JSON(http.StatusOK, orangeDocument(p))
}

func (s *Sandbox) PaymentStatus(c *gin.Context) {
	s.orangeStatus(c, c.Param("token"))
}

func (s *Sandbox) TransactionStatus(c *gin.Context) {
	s.orangeStatus(c, c.PostForm("pay_token"))
}

func (s *Sandbox) Refund(c *gin.Context) {
	payToken := c.PostForm("pay_token")
	p, ok := s.get("orange:" + payToken)
	if !ok || p.Status != "SUCCESS" {
		c.JSON(http.StatusBadRequest, gin.H{"status": 400, "message": "payment is not refundable"})
		return
	}
	status := "SUCCESS"
	if !s.succeed() {
		status = "FAILED"
	}
	refundID := "RF" + strconv.FormatInt(time.Now().UnixNano(), 36)
	s.put("orange-refund:"+refundID, &payment{Rail: "orange", ExternalID: refundID, Status: status, CreatedAt: time.Now()})
	log.Info().Str("pay_token", payToken).Str("amount", c.PostForm("amount")).Str("status", status).Msg("refund processed")
	c.JSON(http.StatusOK, gin.H{"refund_id": refundID, "status": status, "message": "refund " + strings.ToLower(status)})
}

func (s *Sandbox) RefundStatus(c *gin.Context) {
	r, ok := s.get("orange-refund:" + c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "unknown refund"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund_id": r.ExternalID, "status": r.Status})
}

func (s *Sandbox) Cancel(c *gin.Context) {
	key := "orange:" + c.PostForm("pay_token")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": 404, "message": "unknown pay_token"})
		return
	}
	if p.Status != "INITIATED" && p.Status != "PENDING" {
		c.JSON(http.StatusConflict, gin.H{"status": 409, "message": "payment already " + strings.ToLower(p.Status)})
		return
	}
	p.Status = "CANCELLED"
	c.JSON(http.StatusOK, gin.H{"status": 200, "message": "cancelled"})
}

// UpdateConfig changes the simulated outcome at runtime.
func (s *Sandbox) UpdateConfig(c *gin.Context) {
	var req struct {
		SuccessRate *float64 `json:"success_rate"`
		SettleDelay string   `json:"settle_delay"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.SuccessRate != nil && *req.SuccessRate >= 0 && *req.SuccessRate <= 1 {
		s.successRate = *req.SuccessRate
	}
	if d, err := time.ParseDuration(req.SettleDelay); err == nil && d >= 0 {
		s.settleDelay = d
	}
	log.Info().Float64("success_rate", s.successRate).Dur("settle_delay", s.settleDelay).Msg("sandbox configuration updated")
	c.JSON(http.StatusOK, gin.H{"success_rate": s.successRate, "settle_delay": s.settleDelay.String()})
}

func SetupRouter(s *Sandbox) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	router.POST("/collection/token/", token)
	router.POST("/disbursement/token/", token)
	collection := router.Group("/collection/v1_0", bearer)
	{
		collection.POST("/requesttopay", s.RequestToPay)
		collection.GET("/requesttopay/:ref", s.RequestToPayStatus)
		collection.GET("/account/balance", s.Balance)
	}
	disbursement := router.Group("/disbursement/v1_0", bearer)
	{
		disbursement.POST("/transfer", s.Transfer)
		disbursement.GET("/transfer/:ref", s.TransferStatus)
	}

	router.POST("/token", token)
	orange := router.Group("", bearer)
	{
		orange.POST("/webpayment", s.WebPayment)
		orange.GET("/payment/:token", s.PaymentStatus)
		orange.POST("/transactionstatus", s.TransactionStatus)
		orange.POST("/refund", s.Refund)
		orange.GET("/refund/:id", s.RefundStatus)
		orange.POST("/cancel", s.Cancel)
	}

	router.PUT("/sandbox/config", s.UpdateConfig)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	path := ""
	for _, v := range os.Args {
		if strings.HasPrefix(v, "--env=") {
			path = strings.TrimPrefix(v, "--env=")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log.Info().
		Str("addr", cfg.SandboxListenAddr).
		Float64("success_rate", cfg.SandboxSuccessRate).
		Dur("settle_delay", cfg.SandboxSettleDelay).
		Str("webhook_base", cfg.SandboxWebhookBase).
		Msg("starting provider sandbox")

	srv := &http.Server{
		Addr:         cfg.SandboxListenAddr,
		Handler:      SetupRouter(NewSandbox(cfg)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down sandbox")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("sandbox forced to shutdown")
	}
}
