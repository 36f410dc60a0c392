package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign engine binaries.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Segment   SegmentConfig   `yaml:"segment"`
	Transport TransportConfig `yaml:"transport"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SES       SESConfig       `yaml:"ses"`
	Templates TemplatesConfig `yaml:"templates"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration for the operator API.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// TrackingConfig configures the open/click surface and its recorder.
type TrackingConfig struct {
	Port            int       `yaml:"port"`
	BaseURL         string    `yaml:"base_url"`
	SigningSecret   string    `yaml:"signing_secret"`
	SafeRedirectURL string    `yaml:"safe_redirect_url"`
	BufferSize      int       `yaml:"buffer_size"`
	Workers         int       `yaml:"workers"`
	SQS             SQSConfig `yaml:"sqs"`
}

// SQSConfig enables the optional SQS hop between the tracking surface and
// the database writer.
type SQSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the Redis connection URL. An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// WorkerConfig tunes the delivery worker, scheduler and recovery loops.
type WorkerConfig struct {
	PollIntervalMillis       int `yaml:"poll_interval_ms"`
	BatchSize                int `yaml:"batch_size"`
	SendConcurrency          int `yaml:"send_concurrency"`
	MaxConcurrentCampaigns   int `yaml:"max_concurrent_campaigns"`
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`
	RecoveryIntervalSeconds  int `yaml:"recovery_interval_seconds"`
	SendTimeoutSeconds       int `yaml:"send_timeout_seconds"`
	MetricsPort              int `yaml:"metrics_port"`
}

// PollInterval returns the idle wait between drain rounds.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// SchedulerInterval returns the period of the scheduled-launch loop.
func (c WorkerConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// RecoveryInterval returns the period of the queue recovery loop.
func (c WorkerConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// SendTimeout bounds one transport call.
func (c WorkerConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// QueueConfig selects the queue backend and its retry policy.
type QueueConfig struct {
	Backend             string `yaml:"backend"` // "redis" or "memory"
	MaxAttempts         int    `yaml:"max_attempts"`
	LeaseTimeoutSeconds int    `yaml:"lease_timeout_seconds"`
	BackoffBaseSeconds  int    `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds   int    `yaml:"backoff_max_seconds"`
}

// LeaseTimeout returns how long a drained entry may stay in flight.
func (c QueueConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay ceiling.
func (c QueueConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// SegmentConfig tunes segment counting and previews.
type SegmentConfig struct {
	CountCacheTTLSeconds int `yaml:"count_cache_ttl_seconds"`
	PreviewDefault       int `yaml:"preview_default"`
	PreviewMax           int `yaml:"preview_max"`
}

// CountCacheTTL returns how long a cached segment count is served.
func (c SegmentConfig) CountCacheTTL() time.Duration {
	return time.Duration(c.CountCacheTTLSeconds) * time.Second
}

// TransportConfig picks the outbound mail transport.
type TransportConfig struct {
	Provider string `yaml:"provider"` // "smtp" or "ses"
}

// SMTPConfig holds SMTP relay credentials. Port 465 uses implicit TLS,
// any other port upgrades with STARTTLS.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the dial and write timeout.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds Amazon SES credentials for the SES transport.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TemplatesConfig locates stored campaign templates in S3.
type TemplatesConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
}

// Enabled reports whether template references can be resolved.
func (c TemplatesConfig) Enabled() bool { return c.S3Bucket != "" }

// AuthConfig holds Google OAuth authentication and the operator allow-list.
type AuthConfig struct {
	Enabled            bool     `yaml:"enabled"`
	GoogleClientID     string   `yaml:"google_client_id"`
	GoogleClientSecret string   `yaml:"google_client_secret"`
	RedirectURL        string   `yaml:"redirect_url"`
	AllowedDomain      string   `yaml:"allowed_domain"`
	CookieName         string   `yaml:"cookie_name"`
	CookieMaxAge       int      `yaml:"cookie_max_age"`
	OperatorEmails     []string `yaml:"operator_emails"`
	OperatorTokens     []string `yaml:"operator_tokens"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.Tracking.BufferSize == 0 {
		cfg.Tracking.BufferSize = 10000
	}
	if cfg.Tracking.Workers == 0 {
		cfg.Tracking.Workers = 4
	}
	if cfg.Tracking.SafeRedirectURL == "" {
		cfg.Tracking.SafeRedirectURL = "/"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Worker.PollIntervalMillis == 0 {
		cfg.Worker.PollIntervalMillis = 500
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 50
	}
	if cfg.Worker.SendConcurrency == 0 {
		cfg.Worker.SendConcurrency = 8
	}
	if cfg.Worker.MaxConcurrentCampaigns == 0 {
		cfg.Worker.MaxConcurrentCampaigns = 4
	}
	if cfg.Worker.SchedulerIntervalSeconds == 0 {
		cfg.Worker.SchedulerIntervalSeconds = 30
	}
	if cfg.Worker.RecoveryIntervalSeconds == 0 {
		cfg.Worker.RecoveryIntervalSeconds = 120
	}
	if cfg.Worker.SendTimeoutSeconds == 0 {
		cfg.Worker.SendTimeoutSeconds = 30
	}
	if cfg.Worker.MetricsPort == 0 {
		cfg.Worker.MetricsPort = 9102
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.LeaseTimeoutSeconds == 0 {
		cfg.Queue.LeaseTimeoutSeconds = 300
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 30
	}
	if cfg.Queue.BackoffMaxSeconds == 0 {
		cfg.Queue.BackoffMaxSeconds = 600
	}
	if cfg.Segment.CountCacheTTLSeconds == 0 {
		cfg.Segment.CountCacheTTLSeconds = 300
	}
	if cfg.Segment.PreviewDefault == 0 {
		cfg.Segment.PreviewDefault = 10
	}
	if cfg.Segment.PreviewMax == 0 {
		cfg.Segment.PreviewMax = 100
	}
	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = "smtp"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Templates.S3Region == "" {
		cfg.Templates.S3Region = cfg.SES.Region
	}
	if cfg.Tracking.SQS.Region == "" {
		cfg.Tracking.SQS.Region = cfg.SES.Region
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "campaign_session"
	}
	if cfg.Auth.CookieMaxAge == 0 {
		cfg.Auth.CookieMaxAge = 86400
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// LoadFromEnv loads .env (if present), then the YAML file, then applies
// environment overrides for secrets and connection strings.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Transport.Provider, "MAIL_TRANSPORT")
	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	setString(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.SES.Region, "AWS_SES_REGION")
	setString(&cfg.Tracking.BaseURL, "TRACKING_BASE_URL")
	setString(&cfg.Tracking.SigningSecret, "TRACKING_SIGNING_SECRET")
	setString(&cfg.Tracking.SQS.QueueURL, "TRACKING_SQS_QUEUE_URL")
	setString(&cfg.Templates.S3Bucket, "TEMPLATES_S3_BUCKET")
	setString(&cfg.Auth.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.Auth.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if v := os.Getenv("OPERATOR_EMAILS"); v != "" {
		cfg.Auth.OperatorEmails = splitList(v)
	}
	if v := os.Getenv("OPERATOR_TOKENS"); v != "" {
		cfg.Auth.OperatorTokens = splitList(v)
	}
	setInt(&cfg.Server.Port, "PORT")

	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (cfg *Config) Validate() error {
	var result *multierror.Error
	switch cfg.Transport.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			result = multierror.Append(result, fmt.Errorf("smtp.host is required for the smtp transport"))
		}
	case "ses":
	default:
		result = multierror.Append(result, fmt.Errorf("transport.provider %q is not smtp or ses", cfg.Transport.Provider))
	}
	switch cfg.Queue.Backend {
	case "redis":
		if !cfg.Redis.Enabled() {
			result = multierror.Append(result, fmt.Errorf("redis.url is required for the redis queue"))
		}
	case "memory":
	default:
		result = multierror.Append(result, fmt.Errorf("queue.backend %q is not redis or memory", cfg.Queue.Backend))
	}
	if cfg.Queue.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("queue.max_attempts must be at least 1"))
	}
	if cfg.Tracking.BaseURL != "" && cfg.Tracking.SigningSecret == "" {
		result = multierror.Append(result, fmt.Errorf("tracking.signing_secret is required when tracking.base_url is set"))
	}
	if cfg.Tracking.SQS.Enabled && cfg.Tracking.SQS.QueueURL == "" {
		result = multierror.Append(result, fmt.Errorf("tracking.sqs.queue_url is required when sqs is enabled"))
	}
	if cfg.Segment.PreviewDefault > cfg.Segment.PreviewMax {
		result = multierror.Append(result, fmt.Errorf("segment.preview_default exceeds segment.preview_max"))
	}
	return result.ErrorOrNil()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
