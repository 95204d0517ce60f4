package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// broker transport
	BrokerBaseURL string        `envconfig:"BROKER_BASE_URL" required:"true"`
	BrokerToken   string        `envconfig:"BROKER_TOKEN"`
	BrokerTimeout time.Duration `envconfig:"BROKER_TIMEOUT" default:"8s"`
	BrokerRPS     float64       `envconfig:"BROKER_RPS_PER_POD" default:"10"`
	BrokerBurst   int           `envconfig:"BROKER_BURST" default:"20"`

	// dispatch rails
	OutboundRateLimit  int            `envconfig:"OUTBOUND_RATE_LIMIT" default:"5"`
	OutboundRateWindow time.Duration  `envconfig:"OUTBOUND_RATE_WINDOW" default:"1s"`
	RateLimitOverrides map[string]int `envconfig:"OUTBOUND_RATE_OVERRIDES"` // instanceId:limit,...
	IdempotencyTTL     time.Duration  `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	BreakerThreshold   int            `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerWindow      time.Duration  `envconfig:"BREAKER_FAILURE_WINDOW" default:"60s"`
	BreakerCooldown    time.Duration  `envconfig:"BREAKER_COOLDOWN" default:"30s"`

	// realtime fan-out; empty URL keeps the in-process hub only
	RedisURL string `envconfig:"REDIS_URL"`
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Webhook signature verification; must match the secret configured on the broker
	BrokerWebhookSecret string `envconfig:"BROKER_WEBHOOK_SECRET" required:"true"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	ProcessorConcurrency  int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`

	// DB pool
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	RedisURL string `envconfig:"REDIS_URL"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
