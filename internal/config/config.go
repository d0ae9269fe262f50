package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full runtime configuration. Every field can be set in
// config.yaml and overridden by the environment variable named in its
// env tag. Zero values fall back to the defaults in applyDefaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Policy    PolicyConfig    `yaml:"policy"`
	Security  SecurityConfig  `yaml:"security"`
	Trust     TrustConfig     `yaml:"trust"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Audit     AuditConfig     `yaml:"audit"`
	Forensic  ForensicConfig  `yaml:"forensic"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Events    EventsConfig    `yaml:"events"`
	Rotation  RotationConfig  `yaml:"rotation"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`
	Env  string `yaml:"env" env:"AEGIS_ENV"`
	// CORSOrigins is a comma-separated allowlist for browser consoles.
	CORSOrigins string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	PoolSize int    `yaml:"pool_size" env:"DB_POOL_SIZE"`
	// Bootstrap creates the schema on startup. Dev convenience only.
	Bootstrap bool `yaml:"bootstrap" env:"DB_BOOTSTRAP"`
}

type RedisConfig struct {
	URL            string `yaml:"url" env:"REDIS_URL"`
	MaxConnections int    `yaml:"max_connections" env:"REDIS_MAX_CONNECTIONS"`
}

type PolicyConfig struct {
	// OPAURL is the base URL of the Open Policy Agent sidecar.
	OPAURL         string `yaml:"opa_url" env:"OPA_URL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"OPA_TIMEOUT_SECONDS"`
}

type SecurityConfig struct {
	// EncryptionKey protects vault secrets at rest. 32 bytes,
	// base64 or hex encoded.
	EncryptionKey     string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
	JWTSecret         string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JITTokenTTL       int    `yaml:"jit_token_ttl" env:"JIT_TOKEN_TTL"`
	HITLExpiryMinutes int    `yaml:"hitl_expiry_minutes" env:"HITL_EXPIRY_MINUTES"`
}

type TrustConfig struct {
	Initial float64 `yaml:"initial" env:"INITIAL_TRUST"`
	Min     float64 `yaml:"min" env:"MIN_TRUST"`
	Max     float64 `yaml:"max" env:"MAX_TRUST"`
	// Backend selects the trust store: postgres (default) or spanner.
	Backend   string `yaml:"backend" env:"TRUST_BACKEND"`
	SpannerDB string `yaml:"spanner_db" env:"TRUST_SPANNER_DB"`
}

type BreakerConfig struct {
	ThresholdPct  float64 `yaml:"threshold_pct" env:"CIRCUIT_BREAKER_THRESHOLD_PCT"`
	WindowSeconds int     `yaml:"window_seconds" env:"CIRCUIT_BREAKER_WINDOW"`
}

type AuditConfig struct {
	FlushIntervalSeconds int `yaml:"flush_interval_seconds" env:"AUDIT_FLUSH_INTERVAL"`
}

type ForensicConfig struct {
	// Backend is s3, local or dry-run.
	Backend       string `yaml:"backend" env:"FORENSIC_BACKEND"`
	S3Endpoint    string `yaml:"s3_endpoint" env:"FORENSIC_S3_ENDPOINT"`
	S3Region      string `yaml:"s3_region" env:"FORENSIC_S3_REGION"`
	S3Bucket      string `yaml:"s3_bucket" env:"FORENSIC_S3_BUCKET"`
	S3Prefix      string `yaml:"s3_prefix" env:"FORENSIC_S3_PREFIX"`
	S3AccessKey   string `yaml:"s3_access_key" env:"FORENSIC_S3_ACCESS_KEY"`
	S3SecretKey   string `yaml:"s3_secret_key" env:"FORENSIC_S3_SECRET_KEY"`
	TSAURL        string `yaml:"tsa_url" env:"FORENSIC_TSA_URL"`
	RetentionDays int    `yaml:"retention_days" env:"FORENSIC_RETENTION_DAYS"`
	LocalPath     string `yaml:"local_path" env:"FORENSIC_LOCAL_PATH"`
}

type WebhookConfig struct {
	HMACSecret      string `yaml:"hmac_secret" env:"WEBHOOK_HMAC_SECRET"`
	SlackWebhookURL string `yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	TeamsWebhookURL string `yaml:"teams_webhook_url" env:"TEAMS_WEBHOOK_URL"`
	// CloudTasks enables durable delivery through a queue instead of
	// the in-process worker pool.
	CloudTasksQueue string `yaml:"cloud_tasks_queue" env:"WEBHOOK_CLOUD_TASKS_QUEUE"`
	PublicBaseURL   string `yaml:"public_base_url" env:"WEBHOOK_PUBLIC_BASE_URL"`
}

type AlertingConfig struct {
	// Provider is pagerduty, opsgenie or empty (disabled).
	Provider         string `yaml:"provider" env:"ALERT_PROVIDER"`
	PagerDutyRouting string `yaml:"pagerduty_routing_key" env:"PAGERDUTY_ROUTING_KEY"`
	OpsGenieAPIKey   string `yaml:"opsgenie_api_key" env:"OPSGENIE_API_KEY"`
}

type EventsConfig struct {
	// PubSubProject enables mirroring of security events to Pub/Sub.
	PubSubProject string `yaml:"pubsub_project" env:"EVENTS_PUBSUB_PROJECT"`
	PubSubTopic   string `yaml:"pubsub_topic" env:"EVENTS_PUBSUB_TOPIC"`
}

type RotationConfig struct {
	// WebhookURL receives signed rotation requests for services
	// without a native rotation API. The response carries the
	// replacement secret.
	WebhookURL string `yaml:"webhook_url" env:"SECRET_ROTATION_WEBHOOK_URL"`
	// AWSRegion scopes the IAM client used for access key rotation.
	// Empty falls back to the SDK's default chain.
	AWSRegion            string `yaml:"aws_region" env:"SECRET_ROTATION_AWS_REGION"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes" env:"SECRET_ROTATION_SWEEP_MINUTES"`
}

type RateLimitConfig struct {
	GlobalPerMinute int `yaml:"global_per_minute" env:"GLOBAL_RATE_LIMIT"`
	AuthPerMinute   int `yaml:"auth_per_minute" env:"AUTH_RATE_LIMIT"`
}

// LoadConfig reads path (missing file is fine, env still applies),
// layers environment overrides on top and fills defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if f, err := os.Open(path); err == nil {
		decoder := yaml.NewDecoder(f)
		decodeErr := decoder.Decode(&cfg)
		f.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, decodeErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.Server.Port, "PORT")
	envStr(&cfg.Server.Env, "AEGIS_ENV")
	envStr(&cfg.Server.CORSOrigins, "CORS_ORIGINS")
	envStr(&cfg.Database.URL, "DATABASE_URL")
	envInt(&cfg.Database.PoolSize, "DB_POOL_SIZE")
	envBool(&cfg.Database.Bootstrap, "DB_BOOTSTRAP")
	envStr(&cfg.Redis.URL, "REDIS_URL")
	envInt(&cfg.Redis.MaxConnections, "REDIS_MAX_CONNECTIONS")
	envStr(&cfg.Policy.OPAURL, "OPA_URL")
	envInt(&cfg.Policy.TimeoutSeconds, "OPA_TIMEOUT_SECONDS")
	envStr(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
	envStr(&cfg.Security.JWTSecret, "JWT_SECRET")
	envInt(&cfg.Security.JITTokenTTL, "JIT_TOKEN_TTL")
	envInt(&cfg.Security.HITLExpiryMinutes, "HITL_EXPIRY_MINUTES")
	envFloat(&cfg.Trust.Initial, "INITIAL_TRUST")
	envFloat(&cfg.Trust.Min, "MIN_TRUST")
	envFloat(&cfg.Trust.Max, "MAX_TRUST")
	envStr(&cfg.Trust.Backend, "TRUST_BACKEND")
	envStr(&cfg.Trust.SpannerDB, "TRUST_SPANNER_DB")
	envFloat(&cfg.Breaker.ThresholdPct, "CIRCUIT_BREAKER_THRESHOLD_PCT")
	envInt(&cfg.Breaker.WindowSeconds, "CIRCUIT_BREAKER_WINDOW")
	envInt(&cfg.Audit.FlushIntervalSeconds, "AUDIT_FLUSH_INTERVAL")
	envStr(&cfg.Forensic.Backend, "FORENSIC_BACKEND")
	envStr(&cfg.Forensic.S3Endpoint, "FORENSIC_S3_ENDPOINT")
	envStr(&cfg.Forensic.S3Region, "FORENSIC_S3_REGION")
	envStr(&cfg.Forensic.S3Bucket, "FORENSIC_S3_BUCKET")
	envStr(&cfg.Forensic.S3Prefix, "FORENSIC_S3_PREFIX")
	envStr(&cfg.Forensic.S3AccessKey, "FORENSIC_S3_ACCESS_KEY")
	envStr(&cfg.Forensic.S3SecretKey, "FORENSIC_S3_SECRET_KEY")
	envStr(&cfg.Forensic.TSAURL, "FORENSIC_TSA_URL")
	envInt(&cfg.Forensic.RetentionDays, "FORENSIC_RETENTION_DAYS")
	envStr(&cfg.Forensic.LocalPath, "FORENSIC_LOCAL_PATH")
	envStr(&cfg.Webhook.HMACSecret, "WEBHOOK_HMAC_SECRET")
	envStr(&cfg.Webhook.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	envStr(&cfg.Webhook.TeamsWebhookURL, "TEAMS_WEBHOOK_URL")
	envStr(&cfg.Webhook.CloudTasksQueue, "WEBHOOK_CLOUD_TASKS_QUEUE")
	envStr(&cfg.Webhook.PublicBaseURL, "WEBHOOK_PUBLIC_BASE_URL")
	envStr(&cfg.Alerting.Provider, "ALERT_PROVIDER")
	envStr(&cfg.Alerting.PagerDutyRouting, "PAGERDUTY_ROUTING_KEY")
	envStr(&cfg.Alerting.OpsGenieAPIKey, "OPSGENIE_API_KEY")
	envStr(&cfg.Events.PubSubProject, "EVENTS_PUBSUB_PROJECT")
	envStr(&cfg.Events.PubSubTopic, "EVENTS_PUBSUB_TOPIC")
	envStr(&cfg.Rotation.WebhookURL, "SECRET_ROTATION_WEBHOOK_URL")
	envStr(&cfg.Rotation.AWSRegion, "SECRET_ROTATION_AWS_REGION")
	envInt(&cfg.Rotation.SweepIntervalMinutes, "SECRET_ROTATION_SWEEP_MINUTES")
	envInt(&cfg.RateLimit.GlobalPerMinute, "GLOBAL_RATE_LIMIT")
	envInt(&cfg.RateLimit.AuthPerMinute, "AUTH_RATE_LIMIT")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8000"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "development"
	}
	if cfg.Database.PoolSize == 0 {
		cfg.Database.PoolSize = 20
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.MaxConnections == 0 {
		cfg.Redis.MaxConnections = 20
	}
	if cfg.Policy.OPAURL == "" {
		cfg.Policy.OPAURL = "http://localhost:8181"
	}
	if cfg.Policy.TimeoutSeconds == 0 {
		cfg.Policy.TimeoutSeconds = 5
	}
	if cfg.Security.JITTokenTTL == 0 {
		cfg.Security.JITTokenTTL = 120
	}
	if cfg.Security.HITLExpiryMinutes == 0 {
		cfg.Security.HITLExpiryMinutes = 30
	}
	if cfg.Trust.Initial == 0 {
		cfg.Trust.Initial = 50
	}
	if cfg.Trust.Max == 0 {
		cfg.Trust.Max = 100
	}
	if cfg.Trust.Backend == "" {
		cfg.Trust.Backend = "postgres"
	}
	if cfg.Breaker.ThresholdPct == 0 {
		cfg.Breaker.ThresholdPct = 300
	}
	if cfg.Breaker.WindowSeconds == 0 {
		cfg.Breaker.WindowSeconds = 300
	}
	if cfg.Audit.FlushIntervalSeconds == 0 {
		cfg.Audit.FlushIntervalSeconds = 10
	}
	if cfg.Forensic.Backend == "" {
		cfg.Forensic.Backend = "dry-run"
	}
	if cfg.Forensic.S3Region == "" {
		cfg.Forensic.S3Region = "us-east-1"
	}
	if cfg.Forensic.S3Prefix == "" {
		cfg.Forensic.S3Prefix = "aegis-audit"
	}
	if cfg.Forensic.RetentionDays == 0 {
		cfg.Forensic.RetentionDays = 2555
	}
	if cfg.Forensic.LocalPath == "" {
		cfg.Forensic.LocalPath = "/var/lib/aegis/forensic"
	}
	if cfg.Rotation.SweepIntervalMinutes == 0 {
		cfg.Rotation.SweepIntervalMinutes = 60
	}
	if cfg.RateLimit.GlobalPerMinute == 0 {
		cfg.RateLimit.GlobalPerMinute = 60
	}
	if cfg.RateLimit.AuthPerMinute == 0 {
		cfg.RateLimit.AuthPerMinute = 10
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
