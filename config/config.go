package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QuotaUnit selects what the public quota counts.
type QuotaUnit string

const (
	QuotaRequests QuotaUnit = "requests"
	QuotaTokens   QuotaUnit = "tokens"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Environment mode. Only relaxed environments honor tenant overrides.
	AppEnv string // default: production

	// Database
	PostgresDSN string

	// Cache
	RedisAddr      string
	TenantCacheTTL time.Duration // default: 5m

	// Tenant resolution
	BaseDomain string // e.g. "sandbox.example.com"; empty disables host resolution

	// Admin identity
	AdminJWTSecret string

	// Quota
	QuotaLimit  int64         // default: 600
	QuotaWindow time.Duration // default: 1m
	QuotaUnit   QuotaUnit     // default: requests

	// Routing
	TierPolicyFile string // optional YAML override of the tier table

	// Usage ledger
	UsageWriteAttempts uint // default: 3

	// Backends
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info
	LogPretty            bool

	RunSeed bool // seed dev tenants on serve
}

var relaxedEnvs = map[string]bool{
	"development": true,
	"local":       true,
	"test":        true,
}

// Relaxed reports whether the deployment is a non-production environment.
func (c *Config) Relaxed() bool {
	return relaxedEnvs[strings.ToLower(c.AppEnv)]
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AppEnv:               getEnv("APP_ENV", "production"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		BaseDomain:           strings.TrimPrefix(os.Getenv("BASE_DOMAIN"), "."),
		AdminJWTSecret:       os.Getenv("ADMIN_JWT_SECRET"),
		QuotaUnit:            QuotaUnit(getEnv("QUOTA_UNIT", string(QuotaRequests))),
		TierPolicyFile:       os.Getenv("TIER_POLICY_FILE"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.LogPretty, err = strconv.ParseBool(getEnv("LOG_PRETTY", "false")); err != nil {
		return nil, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}
	if cfg.RunSeed, err = strconv.ParseBool(getEnv("RUN_SEED", "false")); err != nil {
		return nil, fmt.Errorf("invalid RUN_SEED: %w", err)
	}
	if cfg.QuotaLimit, err = strconv.ParseInt(getEnv("QUOTA_LIMIT", "600"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid QUOTA_LIMIT: %w", err)
	}
	if cfg.QuotaWindow, err = time.ParseDuration(getEnv("QUOTA_WINDOW", "1m")); err != nil {
		return nil, fmt.Errorf("invalid QUOTA_WINDOW: %w", err)
	}
	if cfg.TenantCacheTTL, err = time.ParseDuration(getEnv("TENANT_CACHE_TTL", "5m")); err != nil {
		return nil, fmt.Errorf("invalid TENANT_CACHE_TTL: %w", err)
	}
	attempts, err := strconv.ParseUint(getEnv("USAGE_WRITE_ATTEMPTS", "3"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_WRITE_ATTEMPTS: %w", err)
	}
	cfg.UsageWriteAttempts = uint(attempts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and ranges.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}
	if c.QuotaUnit != QuotaRequests && c.QuotaUnit != QuotaTokens {
		return fmt.Errorf("invalid QUOTA_UNIT %q (want %q or %q)", c.QuotaUnit, QuotaRequests, QuotaTokens)
	}
	if c.QuotaLimit <= 0 {
		return fmt.Errorf("QUOTA_LIMIT must be positive")
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive")
	}
	if c.TenantCacheTTL <= 0 {
		return fmt.Errorf("TENANT_CACHE_TTL must be positive")
	}
	if c.UsageWriteAttempts == 0 {
		return fmt.Errorf("USAGE_WRITE_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
