package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/processor"
	"github.com/nimasrn/payment-gateway/pkg/logger"
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
	logger.Info("starting event processor", "version", version, "commit", commit, "date", date)

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: "payment-processor",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	notifier := processor.NewNotifier(processor.NotifierConfig{
		Timeout:    cfg.NotifierTimeout,
		Secret:     cfg.NotifierSecret,
		DefaultURL: cfg.NotifierCallbackBase,
	})
	dedupe := idempotency.NewService(redisAdap, idempotency.DefaultConfig())

	service, err := processor.NewProcessorService(redisAdap, processor.ServiceConfigFrom(cfg),
		processor.NewEventProcessor(notifier, dedupe))
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	metricsAddr := cfg.AppDebugMetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":9100"
	}
	go prom.ListenAndServer(metricsAddr, cfg.AppDebugMetricsURI)

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	<-c
	service.Stop()
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
