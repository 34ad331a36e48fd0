package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	StoreBackend      string        `mapstructure:"STORE_BACKEND"`
	AuditQueueSize    int           `mapstructure:"AUDIT_QUEUE_SIZE"`
	AuditWorkers      int           `mapstructure:"AUDIT_WORKERS"`
	AuditMaxAttempts  int           `mapstructure:"AUDIT_MAX_ATTEMPTS"`
	AuditWriteTimeout time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`
	ExportMaxRows     int           `mapstructure:"EXPORT_MAX_ROWS"`

	AnomalyWindow               time.Duration `mapstructure:"ANOMALY_WINDOW"`
	AnomalyFailedLoginThreshold int           `mapstructure:"ANOMALY_FAILED_LOGIN_THRESHOLD"`
	AnomalyPHIAccessThreshold   int           `mapstructure:"ANOMALY_PHI_ACCESS_THRESHOLD"`
	AnomalyScanInterval         time.Duration `mapstructure:"ANOMALY_SCAN_INTERVAL"`

	CURESRegistryURL     string        `mapstructure:"CURES_REGISTRY_URL"`
	CURESRegistryTimeout time.Duration `mapstructure:"CURES_REGISTRY_TIMEOUT"`
	CURESCacheTTL        time.Duration `mapstructure:"CURES_CACHE_TTL"`

	AlertWebhookURL    string   `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string   `mapstructure:"ALERT_WEBHOOK_SECRET"`
	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAlertTopic    string   `mapstructure:"KAFKA_ALERT_TOPIC"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit string        `mapstructure:"BATCH_BODY_LIMIT"`
	HSTS           bool          `mapstructure:"HSTS"`
}

var defaults = map[string]interface{}{
	"PORT":                           "8000",
	"ENV":                            "development",
	"AUTH_MODE":                      "", // inferred from ENV
	"DB_MAX_CONNS":                   20,
	"DB_MIN_CONNS":                   5,
	"CORS_ORIGINS":                   "http://localhost:3000",
	"STORE_BACKEND":                  StorePostgres,
	"AUDIT_QUEUE_SIZE":               1024,
	"AUDIT_WORKERS":                  4,
	"AUDIT_MAX_ATTEMPTS":             5,
	"AUDIT_WRITE_TIMEOUT":            "5s",
	"EXPORT_MAX_ROWS":                10000,
	"ANOMALY_WINDOW":                 "1h",
	"ANOMALY_FAILED_LOGIN_THRESHOLD": 5,
	"ANOMALY_PHI_ACCESS_THRESHOLD":   50,
	"ANOMALY_SCAN_INTERVAL":          "5m",
	"CURES_REGISTRY_TIMEOUT":         "10s",
	"CURES_CACHE_TTL":                "24h",
	"KAFKA_ALERT_TOPIC":              "audit.alerts",
	"REQUEST_TIMEOUT":                "30s",
	"RATE_LIMIT_RPS":                 100,
	"RATE_LIMIT_BURST":               200,
	"BODY_LIMIT":                     "1M",
	"BATCH_BODY_LIMIT":               "5M",
	"HSTS":                           false,
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"STORE_BACKEND", "AUDIT_QUEUE_SIZE", "AUDIT_WORKERS", "AUDIT_MAX_ATTEMPTS",
	"AUDIT_WRITE_TIMEOUT", "EXPORT_MAX_ROWS",
	"ANOMALY_WINDOW", "ANOMALY_FAILED_LOGIN_THRESHOLD", "ANOMALY_PHI_ACCESS_THRESHOLD",
	"ANOMALY_SCAN_INTERVAL",
	"CURES_REGISTRY_URL", "CURES_REGISTRY_TIMEOUT", "CURES_CACHE_TTL",
	"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "KAFKA_BROKERS", "KAFKA_ALERT_TOPIC",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"BATCH_BODY_LIMIT", "HSTS",
}

// Load reads the environment, falling back to an optional .env file in the
// working directory. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: AUTH_MODE=development. Requests without a bearer token are")
		log.Println("WARNING: accepted as dev-user with admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalizes a comma-separated list that viper may hand back
// either split or as a single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw, parsed = parsed[0], nil
	}
	if parsed == nil && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is
// explicitly set, it is returned. Otherwise ENV=development selects
// "development" and anything else selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=memory is not durable and not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StoreBackend)
	}

	if c.AuditQueueSize < 1 || c.AuditWorkers < 1 || c.AuditMaxAttempts < 1 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE, AUDIT_WORKERS and AUDIT_MAX_ATTEMPTS must be positive")
	}
	if c.AuditWriteTimeout <= 0 {
		return fmt.Errorf("AUDIT_WRITE_TIMEOUT must be positive")
	}
	if c.ExportMaxRows < 1 {
		return fmt.Errorf("EXPORT_MAX_ROWS must be positive, got %d", c.ExportMaxRows)
	}
	if c.AnomalyWindow <= 0 || c.AnomalyScanInterval <= 0 {
		return fmt.Errorf("ANOMALY_WINDOW and ANOMALY_SCAN_INTERVAL must be positive")
	}
	if c.AnomalyFailedLoginThreshold < 1 || c.AnomalyPHIAccessThreshold < 1 {
		return fmt.Errorf("anomaly thresholds must be positive")
	}
	if c.CURESRegistryTimeout <= 0 || c.CURESCacheTTL <= 0 {
		return fmt.Errorf("CURES_REGISTRY_TIMEOUT and CURES_CACHE_TTL must be positive")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAlertTopic == "" {
		return fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	return nil
}
