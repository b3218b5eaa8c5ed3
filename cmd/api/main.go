package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/fraud"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/gateways/cash"
	"github.com/nimasrn/payment-gateway/internal/gateways/mtn"
	"github.com/nimasrn/payment-gateway/internal/gateways/orange"
	"github.com/nimasrn/payment-gateway/internal/handlers"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/internal/ussd"
	xhttp "github.com/nimasrn/payment-gateway/pkg/http"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/nimasrn/payment-gateway/pkg/prom"
	"github.com/nimasrn/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	if err := logger.Configure(cfg.AppEnv, cfg.LogLevel); err != nil {
		logger.Error("failed to configure logger", "error", err)
	}
	defer logger.Sync()
	logger.Info("starting payment api", "version", version, "commit", commit, "date", date)

	hostname, _ := os.Hostname()
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to register metrics", "error", err)
	}
	if cfg.AppDebugMetricsAddr != "" {
		go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)
	}

	opt := xhttp.DefaultServerOption
	opt.ReadTimeout = cfg.HttpReadTimeout
	opt.WriteTimeout = cfg.HttpWriteTimeout
	opt.MaxRequestBodySize = cfg.HttpMaxBodyBytes
	opt.Prefork = cfg.HttpPrefork
	s := xhttp.NewServer(opt)
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RecoverMiddleware)

	readConf := pg.Config{
		User:         cfg.PostgresReadUser,
		Host:         cfg.PostgresReadHost,
		Port:         cfg.PostgresReadPort,
		Password:     cfg.PostgresReadPassword,
		Database:     cfg.PostgresReadDatabase,
		MaxOpenConns: cfg.PostgresMaxOpenConns,
		MaxIdleConns: cfg.PostgresMaxIdleConns,
	}
	writeConf := pg.Config{
		User:         cfg.PostgresWriteUser,
		Host:         cfg.PostgresWriteHost,
		Port:         cfg.PostgresWritePort,
		Password:     cfg.PostgresWritePassword,
		Database:     cfg.PostgresWriteDatabase,
		MaxOpenConns: cfg.PostgresMaxOpenConns,
		MaxIdleConns: cfg.PostgresMaxIdleConns,
	}

	db, err := pg.CreateReadWrite(readConf, writeConf, cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: "payment-api",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	events, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              cfg.EventsStream,
		ConsumerGroup:     cfg.EventsConsumerGroup,
		ConsumerName:      cfg.EventsConsumerName,
		MaxRetries:        cfg.EventsMaxRetries,
		VisibilityTimeout: cfg.EventsVisibility,
		PollInterval:      cfg.EventsPollInterval,
		BatchSize:         cfg.EventsBatchSize,
		MaxLen:            cfg.EventsMaxLen,
		EnableDLQ:         cfg.EventsEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating events stream", "error", err)
		return
	}

	// repositories
	transactionRepo := repository.NewTransactionRepository(db)
	refundRepo := repository.NewRefundRepository(db, transactionRepo)
	auditRepo := repository.NewAuditRepository(db)
	cashRepo := repository.NewCashRepository(db)

	fees, err := model.NewFeeCalculator(cfg.VATRate, cfg.CommissionRate)
	if err != nil {
		logger.Error("invalid fee configuration", "error", err)
		return
	}

	gw := gateway.New(gateway.Config{
		HealthCheckInterval: cfg.GatewayHealthInterval,
		WindowSize:          cfg.GatewayWindowSize,
		FailureThreshold:    cfg.GatewayFailureThreshold,
		CircuitOpenPeriod:   cfg.GatewayCircuitOpenPeriod,
	}, fees)
	registerProviders(cfg, gw, cashRepo)
	gw.Start()

	locks := idempotency.NewService(redisAdap, idempotency.DefaultConfig())
	fraudEngine := fraud.NewEngine(fraud.ConfigFrom(cfg), transactionRepo, nil)

	// services
	paymentService := services.NewTransactionService(services.ConfigFrom(cfg),
		transactionRepo, refundRepo, auditRepo, gw, fraudEngine, locks, events)
	ussdManager := ussd.NewManager(ussd.ConfigFrom(cfg),
		ussd.NewRedisStore(redisAdap, cfg.USSDRetention), paymentService, locks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go paymentService.RunExpirySweep(ctx, cfg.ExpirySweepInterval)
	go ussdManager.RunSweep(ctx, cfg.USSDSweepInterval)

	// v1 handlers
	healthHandler := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"postgres": db.Ping,
		"redis":    redisAdap.Ping,
	}, gw)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, handlers.NewPaymentHandler(paymentService, gw))
	handlers.RegisterWebhookRoutes(g, handlers.NewWebhookHandler(paymentService))
	handlers.RegisterUSSDRoutes(g, handlers.NewUSSDHandler(ussdManager))
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	logger.Info("shutting down payment api")
	cancel()
	s.Shutdown()
	_ = gw.Close()
	_ = events.Stop(5 * time.Second)
}

func registerProviders(cfg *config.Config, gw *gateway.Gateway, cashStore cash.Store) {
	gw.Register(mtn.New(mtn.Config{
		BaseURL:         cfg.MTNBaseURL,
		SubscriptionKey: cfg.MTNSubscriptionKey,
		DisbursementKey: cfg.MTNDisbursementKey,
		APIUser:         cfg.MTNAPIUser,
		APIKey:          cfg.MTNAPIKey,
		TargetEnv:       cfg.MTNTargetEnv,
		CallbackURL:     cfg.MTNCallbackURL,
		WebhookSecret:   cfg.MTNWebhookSecret,
		Timeout:         cfg.MTNTimeout,
	}), gateway.ProviderConfig{
		Enabled:     cfg.MTNEnabled,
		Timeout:     cfg.MTNTimeout,
		MaxAttempts: cfg.MTNMaxAttempts,
		BaseDelay:   cfg.MTNBaseDelay,
		MaxDelay:    cfg.MTNMaxDelay,
	})

	gw.Register(orange.New(orange.Config{
		BaseURL:       cfg.OrangeBaseURL,
		ClientID:      cfg.OrangeClientID,
		ClientSecret:  cfg.OrangeClientSecret,
		MerchantKey:   cfg.OrangeMerchantKey,
		ReturnURL:     cfg.OrangeReturnURL,
		CancelURL:     cfg.OrangeCancelURL,
		NotifyURL:     cfg.OrangeNotifyURL,
		WebhookSecret: cfg.OrangeWebhookSecret,
		Timeout:       cfg.OrangeTimeout,
	}), gateway.ProviderConfig{
		Enabled:     cfg.OrangeEnabled,
		Timeout:     cfg.OrangeTimeout,
		MaxAttempts: cfg.OrangeMaxAttempts,
		BaseDelay:   cfg.OrangeBaseDelay,
		MaxDelay:    cfg.OrangeMaxDelay,
	})

	// cash is settled locally, no retries
	gw.Register(cash.New(cashStore, cash.Config{Expiry: cfg.CashCodeExpiry}), gateway.ProviderConfig{
		Enabled:     cfg.CashEnabled,
		Timeout:     cfg.StoreTimeout,
		MaxAttempts: 1,
	})
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
