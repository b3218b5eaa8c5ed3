package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"

// Config holds every configuration value of the payment core. Only this
// struct must be used to hold configuration values, no direct access to env
// or any other config source should be made. It is built once by Load and
// passed to the components that need it.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=payment_gateway"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	LogLevel            string `env:"LOG_LEVEL"`
	PromNamespace       string `env:"PROM_NAMESPACE,default=payment_gateway"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	HttpReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT,default=5s"`
	HttpWriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT,default=35s"`
	HttpMaxBodyBytes   int           `env:"HTTP_MAX_BODY_BYTES,default=1048576"`
	HttpPrefork        bool          `env:"HTTP_PREFORK,default=false"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	PostgresMaxOpenConns int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`
	PostgresMaxIdleConns int    `env:"POSTGRES_MAX_IDLE_CONNS,default=5"`
	MigrationsDir        string `env:"MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	// Transaction manager
	TransactionTimeout   time.Duration `env:"TRANSACTION_TIMEOUT,default=5m"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT,default=5s"`
	EventPublishTimeout  time.Duration `env:"EVENT_PUBLISH_TIMEOUT,default=2s"`
	ExpirySweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL,default=1m"`
	TransactionLeaseTTL  time.Duration `env:"TRANSACTION_LEASE_TTL,default=30s"`
	RefundSettleAfter    time.Duration `env:"REFUND_SETTLE_AFTER,default=1m"`
	WebhookDedupeTTL     time.Duration `env:"WEBHOOK_DEDUPE_TTL,default=72h"`
	DefaultCurrency      string        `env:"DEFAULT_CURRENCY,default=XAF"`
	ReferencePrefix      string        `env:"REFERENCE_PREFIX,default=OKD"`
	VATRate              string        `env:"VAT_RATE,default=0.1925"`
	CommissionRate       string        `env:"COMMISSION_RATE,default=0.025"`
	EventsStream         string        `env:"EVENTS_STREAM,default=payments:events"`
	EventsConsumerGroup  string        `env:"EVENTS_CONSUMER_GROUP,default=payment-notifier"`
	EventsConsumerName   string        `env:"EVENTS_CONSUMER_NAME"`
	EventsMaxRetries     int           `env:"EVENTS_MAX_RETRIES,default=5"`
	EventsVisibility     time.Duration `env:"EVENTS_VISIBILITY_TIMEOUT,default=30s"`
	EventsPollInterval   time.Duration `env:"EVENTS_POLL_INTERVAL,default=500ms"`
	EventsBatchSize      int64         `env:"EVENTS_BATCH_SIZE,default=50"`
	EventsMaxLen         int64         `env:"EVENTS_MAX_LEN,default=100000"`
	EventsEnableDLQ      bool          `env:"EVENTS_ENABLE_DLQ,default=true"`
	NotifierWorkers      int           `env:"NOTIFIER_WORKERS,default=8"`
	NotifierTimeout      time.Duration `env:"NOTIFIER_TIMEOUT,default=10s"`
	NotifierSecret       string        `env:"NOTIFIER_SECRET"`
	NotifierCallbackBase string        `env:"NOTIFIER_CALLBACK_URL"`

	// Fraud engine
	FraudEnabled           bool   `env:"FRAUD_ENABLED,default=true"`
	FraudMandatory         bool   `env:"FRAUD_MANDATORY,default=false"`
	FraudSingleCeiling     int64  `env:"FRAUD_SINGLE_CEILING,default=1000000"`
	FraudDailyCeiling      int64  `env:"FRAUD_DAILY_CEILING,default=5000000"`
	FraudVelocityThreshold int64  `env:"FRAUD_VELOCITY_THRESHOLD,default=10"`
	FraudBlockThreshold    int    `env:"FRAUD_BLOCK_THRESHOLD,default=75"`
	FraudTimezone          string `env:"FRAUD_TIMEZONE,default=Africa/Douala"`
	FraudDenyPhones        string `env:"FRAUD_DENY_PHONES"`
	FraudDenyIPs           string `env:"FRAUD_DENY_IPS"`
	FraudAllowIPs          string `env:"FRAUD_ALLOW_IPS"`

	// Gateway health
	GatewayHealthInterval    time.Duration `env:"GATEWAY_HEALTH_INTERVAL,default=30s"`
	GatewayWindowSize        int           `env:"GATEWAY_WINDOW_SIZE,default=50"`
	GatewayFailureThreshold  int64         `env:"GATEWAY_FAILURE_THRESHOLD,default=5"`
	GatewayCircuitOpenPeriod time.Duration `env:"GATEWAY_CIRCUIT_OPEN_PERIOD,default=30s"`

	MTNEnabled         bool          `env:"MTN_ENABLED,default=true"`
	MTNBaseURL         string        `env:"MTN_BASE_URL,default=https://sandbox.momodeveloper.mtn.com"`
	MTNSubscriptionKey string        `env:"MTN_SUBSCRIPTION_KEY"`
	MTNDisbursementKey string        `env:"MTN_DISBURSEMENT_KEY"`
	MTNAPIUser         string        `env:"MTN_API_USER"`
	MTNAPIKey          string        `env:"MTN_API_KEY"`
	MTNTargetEnv       string        `env:"MTN_TARGET_ENVIRONMENT,default=sandbox"`
	MTNCallbackURL     string        `env:"MTN_CALLBACK_URL"`
	MTNWebhookSecret   string        `env:"MTN_WEBHOOK_SECRET"`
	MTNTimeout         time.Duration `env:"MTN_TIMEOUT,default=30s"`
	MTNMaxAttempts     int           `env:"MTN_MAX_ATTEMPTS,default=3"`
	MTNBaseDelay       time.Duration `env:"MTN_BASE_DELAY,default=1s"`
	MTNMaxDelay        time.Duration `env:"MTN_MAX_DELAY,default=10s"`

	OrangeEnabled       bool          `env:"ORANGE_ENABLED,default=true"`
	OrangeBaseURL       string        `env:"ORANGE_BASE_URL,default=https://api.orange.com"`
	OrangeClientID      string        `env:"ORANGE_CLIENT_ID"`
	OrangeClientSecret  string        `env:"ORANGE_CLIENT_SECRET"`
	OrangeMerchantKey   string        `env:"ORANGE_MERCHANT_KEY"`
	OrangeReturnURL     string        `env:"ORANGE_RETURN_URL"`
	OrangeCancelURL     string        `env:"ORANGE_CANCEL_URL"`
	OrangeNotifyURL     string        `env:"ORANGE_NOTIFY_URL"`
	OrangeWebhookSecret string        `env:"ORANGE_WEBHOOK_SECRET"`
	OrangeTimeout       time.Duration `env:"ORANGE_TIMEOUT,default=30s"`
	OrangeMaxAttempts   int           `env:"ORANGE_MAX_ATTEMPTS,default=3"`
	OrangeBaseDelay     time.Duration `env:"ORANGE_BASE_DELAY,default=1s"`
	OrangeMaxDelay      time.Duration `env:"ORANGE_MAX_DELAY,default=10s"`

	CashEnabled    bool          `env:"CASH_ENABLED,default=true"`
	CashCodeExpiry time.Duration `env:"CASH_CODE_EXPIRY,default=168h"`

	// USSD
	USSDSessionTimeout time.Duration `env:"USSD_SESSION_TIMEOUT,default=3m"`
	USSDRetention      time.Duration `env:"USSD_RETENTION,default=24h"`
	USSDSweepInterval  time.Duration `env:"USSD_SWEEP_INTERVAL,default=1m"`
	USSDMaxAttempts    int           `env:"USSD_MAX_ATTEMPTS,default=3"`
	USSDLeaseTTL       time.Duration `env:"USSD_LEASE_TTL,default=10s"`

	// Provider sandbox
	SandboxListenAddr  string        `env:"SANDBOX_LISTEN_ADDR,default=:9090"`
	SandboxSuccessRate float64       `env:"SANDBOX_SUCCESS_RATE,default=0.9"`
	SandboxSettleDelay time.Duration `env:"SANDBOX_SETTLE_DELAY,default=3s"`
	SandboxWebhookBase string        `env:"SANDBOX_WEBHOOK_BASE,default=http://localhost:8080/api/v1/webhooks"`
}

// Load reads the optional dotenv file at path and maps the environment onto a Config.
func Load(path string) (*Config, error) {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return nil, errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) validate() error {
	if c.TransactionTimeout <= 0 {
		return errors.New("TRANSACTION_TIMEOUT must be positive")
	}
	if c.USSDMaxAttempts <= 0 {
		return errors.New("USSD_MAX_ATTEMPTS must be positive")
	}
	if !c.IsProduction() {
		return nil
	}
	if c.MTNEnabled && c.MTNWebhookSecret == "" {
		return errors.New("MTN_WEBHOOK_SECRET is required in production")
	}
	if c.OrangeEnabled && c.OrangeWebhookSecret == "" {
		return errors.New("ORANGE_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// List splits a comma separated config value, dropping blanks.
func List(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
