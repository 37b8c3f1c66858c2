package config

import (
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func New() (*Config, error) {
	var Config Config
	err := godotenv.Load(".env")
	if err != nil {
		logrus.Info("No .env file found, reading configuration from environment")
	}
	if err := env.Parse(&Config); err != nil {
		logrus.Fatalf("Error initializing: %s", err.Error())
		os.Exit(1)
	}
	return &Config, nil
}

type Config struct {
	APP
	DB
	Payments
	Processor
	Webhook
	Kafka
}

type APP struct {
	PORT string `env:"APP_PORT" envDefault:"8080"`
}

type DB struct {
	HOST     string `env:"DB_HOST" envDefault:"localhost"`
	USER     string `env:"DB_USER" envDefault:"postgres"`
	PASSWORD string `env:"DB_PASSWORD"`
	NAME     string `env:"DB_NAME" envDefault:"payments"`
	PORT     string `env:"DB_PORT" envDefault:"5432"`
	SSLMODE  string `env:"DB_SSLMODE" envDefault:"disable"`
}

type Payments struct {
	AutoCapture         bool          `env:"PAYMENTS_AUTO_CAPTURE" envDefault:"true"`
	SupportedCurrencies string        `env:"PAYMENTS_CURRENCIES" envDefault:"USD,EUR,GBP,MXN,COP"`
	IdempotencyTTL      time.Duration `env:"PAYMENTS_IDEMPOTENCY_TTL" envDefault:"24h"`
}

func (p Payments) CurrencyList() []string {
	return strings.Split(p.SupportedCurrencies, ",")
}

type Processor struct {
	RetryMaxAttempts int           `env:"PROCESSOR_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"PROCESSOR_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"PROCESSOR_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryJitter      bool          `env:"PROCESSOR_RETRY_JITTER" envDefault:"true"`
	AttemptTimeout   time.Duration `env:"PROCESSOR_ATTEMPT_TIMEOUT" envDefault:"30s"`
	BreakerThreshold int           `env:"PROCESSOR_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"PROCESSOR_BREAKER_COOLDOWN" envDefault:"30s"`
	SimulatedLatency time.Duration `env:"PROCESSOR_SIMULATED_LATENCY" envDefault:"50ms"`
	DeclineRate      float64       `env:"PROCESSOR_DECLINE_RATE" envDefault:"0"`
	TransientRate    float64       `env:"PROCESSOR_TRANSIENT_RATE" envDefault:"0"`
}

func (p Processor) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: p.RetryMaxAttempts,
		BaseDelay:   p.RetryBaseDelay,
		MaxDelay:    p.RetryMaxDelay,
		Jitter:      p.RetryJitter,
	}
}

type Webhook struct {
	// Subscribers seeds the registry on startup for local runs, formatted as
	// semicolon-separated "event_type|url|secret" entries.
	Subscribers     string        `env:"WEBHOOK_SUBSCRIBERS" envDefault:""`
	PollInterval    time.Duration `env:"WEBHOOK_POLL_INTERVAL" envDefault:"1s"`
	StaleClaimAfter time.Duration `env:"WEBHOOK_STALE_CLAIM_AFTER" envDefault:"5m"`
	BatchSize       int           `env:"WEBHOOK_BATCH_SIZE" envDefault:"20"`
	DeliveryTimeout time.Duration `env:"WEBHOOK_DELIVERY_TIMEOUT" envDefault:"10s"`
	MaxAttempts     int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"10"`
	RetryBaseDelay  time.Duration `env:"WEBHOOK_RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay   time.Duration `env:"WEBHOOK_RETRY_MAX_DELAY" envDefault:"15m"`
	RetryJitter     bool          `env:"WEBHOOK_RETRY_JITTER" envDefault:"true"`
}

func (w Webhook) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: w.MaxAttempts,
		BaseDelay:   w.RetryBaseDelay,
		MaxDelay:    w.RetryMaxDelay,
		Jitter:      w.RetryJitter,
	}
}

type Kafka struct {
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers          string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	EventsTopic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"payments.events"`
	RetryMaxAttempts int           `env:"KAFKA_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"KAFKA_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"KAFKA_RETRY_MAX_DELAY" envDefault:"10s"`
	RetryJitter      bool          `env:"KAFKA_RETRY_JITTER" envDefault:"true"`
}

func (k Kafka) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: k.RetryMaxAttempts,
		BaseDelay:   k.RetryBaseDelay,
		MaxDelay:    k.RetryMaxDelay,
		Jitter:      k.RetryJitter,
	}
}

// RetryConfig is the single retry policy shape shared by the processor
// gateway, the webhook dispatcher and the Kafka sink.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Backoff returns the delay before the attempt after the given zero-based
// one: the base delay doubled per attempt, capped at MaxDelay, with ±15%
// jitter when enabled.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * c.BaseDelay

	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}

	return delay
}
