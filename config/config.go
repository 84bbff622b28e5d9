// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/billcycle/domain/plan"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Billing   BillingConfig   `yaml:"billing"`
	Payment   PaymentConfig   `yaml:"payment"`
	Storage   StorageConfig   `yaml:"storage"`
	Usage     UsageConfig     `yaml:"usage"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CatalogConfig declares the metered resources and the plan tiers.
type CatalogConfig struct {
	Currency  string       `yaml:"currency"`
	Resources []string     `yaml:"resources"`
	Plans     []PlanConfig `yaml:"plans"`
}

// PlanConfig configures a subscription plan. Prices are in cents.
type PlanConfig struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description,omitempty"`
	PriceMonthly int64                 `yaml:"price_monthly"`
	PriceYearly  int64                 `yaml:"price_yearly"`
	Limits       map[string]LimitValue `yaml:"limits"`
	Overage      map[string]int64      `yaml:"overage,omitempty"` // cents per unit above the limit
}

// LimitValue is a plan limit in YAML: a non-negative integer or "unlimited".
type LimitValue struct {
	plan.Limit
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LimitValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be an integer or \"unlimited\"", value.Line)
	}
	if strings.EqualFold(strings.TrimSpace(value.Value), "unlimited") {
		l.Limit = plan.Unlimited
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: limit %q must be an integer or \"unlimited\"", value.Line, value.Value)
	}
	l.Limit = plan.Max(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l LimitValue) MarshalYAML() (interface{}, error) {
	if n, ok := l.Value(); ok {
		return n, nil
	}
	return "unlimited", nil
}

// BillingConfig configures cycle billing and settlement.
type BillingConfig struct {
	NearLimitThreshold float64          `yaml:"near_limit_threshold"`
	LockStripes        int              `yaml:"lock_stripes"`
	Settlement         SettlementConfig `yaml:"settlement"`
	Retry              RetryConfig      `yaml:"retry"`
}

// SettlementConfig configures payment-processor calls.
type SettlementConfig struct {
	ChargeTimeout time.Duration `yaml:"charge_timeout"`
	Workers       int           `yaml:"workers"`
}

// RetryConfig configures settlement retries with exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PaymentConfig selects the payment processor.
// Use "none" to disable charging or "dummy" for a processor that always succeeds.
type PaymentConfig struct {
	Provider string `yaml:"provider"` // "none" or "dummy"
}

// StorageConfig configures account and invoice storage.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// UsageConfig configures the usage counter backend.
type UsageConfig struct {
	Backend string `yaml:"backend"` // "memory", "sqlite" or "redis"; empty follows storage.driver
	Shards  int    `yaml:"shards"`  // memory backend lock shards
}

// MinRedisTTL is the shortest usage counter retention accepted: counters must
// outlive the longest cycle, a leap-year yearly one.
const MinRedisTTL = 366 * 24 * time.Hour

// RedisConfig configures the redis usage backend.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password,omitempty"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SchedulerConfig configures the background sweeps.
type SchedulerConfig struct {
	CycleSpec  string `yaml:"cycle_spec"`
	RetrySpec  string `yaml:"retry_spec"`
	Workers    int    `yaml:"workers"`
	MaxCatchUp int    `yaml:"max_catch_up"`
	BatchSize  int    `yaml:"batch_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Serve the metrics endpoint
	Addr    string `yaml:"addr"`    // Listen address (default: :9090)
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML content.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration from defaults and environment variables.
//
// Environment variables:
//
//	BILLCYCLE_CURRENCY              - Catalog currency (default: usd)
//	BILLCYCLE_STORAGE_DRIVER        - sqlite or memory (default: sqlite)
//	BILLCYCLE_STORAGE_DSN           - Database path (default: billcycle.db)
//	BILLCYCLE_USAGE_BACKEND         - memory, sqlite or redis
//	BILLCYCLE_REDIS_URL             - Redis URL for the redis usage backend
//	BILLCYCLE_REDIS_PASSWORD        - Redis password
//	BILLCYCLE_PAYMENT_PROVIDER      - none or dummy (default: none)
//	BILLCYCLE_CHARGE_TIMEOUT        - Charge timeout, e.g. 30s
//	BILLCYCLE_RETRY_MAX_ATTEMPTS    - Settlement attempts before an invoice fails
//	BILLCYCLE_SCHEDULER_CYCLE_SPEC  - Cron spec of the cycle sweep
//	BILLCYCLE_LOG_LEVEL             - debug, info, warn, error (default: info)
//	BILLCYCLE_LOG_FORMAT            - json or console (default: json)
//	BILLCYCLE_METRICS_ENABLED       - Serve metrics (default: false)
//	BILLCYCLE_METRICS_ADDR          - Metrics listen address (default: :9090)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads path when it exists and falls back to environment
// variables and defaults otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies BILLCYCLE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BILLCYCLE_CURRENCY"); v != "" {
		cfg.Catalog.Currency = v
	}

	// Storage configuration
	if v := os.Getenv("BILLCYCLE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("BILLCYCLE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("BILLCYCLE_USAGE_BACKEND"); v != "" {
		cfg.Usage.Backend = v
	}
	if v := os.Getenv("BILLCYCLE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BILLCYCLE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Billing configuration
	if v := os.Getenv("BILLCYCLE_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("BILLCYCLE_CHARGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Billing.Settlement.ChargeTimeout = d
		}
	}
	if v := os.Getenv("BILLCYCLE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Billing.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("BILLCYCLE_SCHEDULER_CYCLE_SPEC"); v != "" {
		cfg.Scheduler.CycleSpec = v
	}

	// Logging configuration
	if v := os.Getenv("BILLCYCLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BILLCYCLE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("BILLCYCLE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("BILLCYCLE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Catalog.Currency == "" {
		cfg.Catalog.Currency = "usd"
	}
	// Default free plan if none configured
	if len(cfg.Catalog.Plans) == 0 {
		if len(cfg.Catalog.Resources) == 0 {
			cfg.Catalog.Resources = []string{"submissions"}
		}
		limits := make(map[string]LimitValue, len(cfg.Catalog.Resources))
		for _, r := range cfg.Catalog.Resources {
			limits[r] = LimitValue{plan.Max(1000)}
		}
		cfg.Catalog.Plans = []PlanConfig{{ID: "free", Name: "Free", Limits: limits}}
	}

	if cfg.Billing.NearLimitThreshold == 0 {
		cfg.Billing.NearLimitThreshold = 0.8
	}
	if cfg.Billing.LockStripes == 0 {
		cfg.Billing.LockStripes = 256
	}
	if cfg.Billing.Settlement.ChargeTimeout == 0 {
		cfg.Billing.Settlement.ChargeTimeout = 30 * time.Second
	}
	if cfg.Billing.Settlement.Workers == 0 {
		cfg.Billing.Settlement.Workers = 4
	}
	if cfg.Billing.Retry.MaxAttempts == 0 {
		cfg.Billing.Retry.MaxAttempts = 5
	}
	if cfg.Billing.Retry.BaseDelay == 0 {
		cfg.Billing.Retry.BaseDelay = time.Minute
	}
	if cfg.Billing.Retry.MaxDelay == 0 {
		cfg.Billing.Retry.MaxDelay = time.Hour
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "billcycle.db"
	}
	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = cfg.Storage.Driver
	}
	if cfg.Usage.Shards == 0 {
		cfg.Usage.Shards = 64
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "billcycle"
	}

	if cfg.Scheduler.CycleSpec == "" {
		cfg.Scheduler.CycleSpec = "@every 1m"
	}
	if cfg.Scheduler.RetrySpec == "" {
		cfg.Scheduler.RetrySpec = "@every 15s"
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.MaxCatchUp == 0 {
		cfg.Scheduler.MaxCatchUp = 12
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 500
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.BuildCatalog(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if t := cfg.Billing.NearLimitThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("billing.near_limit_threshold must be within (0,1], got %v", t)
	}
	if cfg.Billing.Settlement.ChargeTimeout < 0 {
		return fmt.Errorf("billing.settlement.charge_timeout must not be negative")
	}
	if cfg.Billing.Retry.MaxAttempts < 1 {
		return fmt.Errorf("billing.retry.max_attempts must be at least 1")
	}
	if cfg.Billing.Retry.MaxDelay < cfg.Billing.Retry.BaseDelay {
		return fmt.Errorf("billing.retry.max_delay must not be below base_delay")
	}

	validProviders := map[string]bool{"none": true, "dummy": true}
	if !validProviders[cfg.Payment.Provider] {
		return fmt.Errorf("payment.provider must be 'none' or 'dummy', got %q", cfg.Payment.Provider)
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("storage.driver must be 'sqlite' or 'memory', got %q", cfg.Storage.Driver)
	}

	switch cfg.Usage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Driver != "sqlite" {
			return fmt.Errorf("usage.backend 'sqlite' requires storage.driver 'sqlite'")
		}
	case "redis":
		if cfg.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when usage.backend is 'redis'")
		}
	default:
		return fmt.Errorf("usage.backend must be one of: memory, sqlite, redis")
	}

	if ttl := cfg.Redis.TTL; ttl < 0 || (ttl > 0 && ttl < MinRedisTTL) {
		return fmt.Errorf("redis.ttl must be 0 or at least %s (one yearly cycle), got %s", MinRedisTTL, ttl)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}

// BuildCatalog converts the catalog section into a validated plan catalog.
func (c *Config) BuildCatalog() (*plan.Catalog, error) {
	resources := make([]plan.ResourceKind, len(c.Catalog.Resources))
	for i, r := range c.Catalog.Resources {
		resources[i] = plan.ResourceKind(r)
	}

	plans := make([]plan.Plan, len(c.Catalog.Plans))
	for i, pc := range c.Catalog.Plans {
		p := plan.Plan{
			ID:           pc.ID,
			Name:         pc.Name,
			Description:  pc.Description,
			MonthlyPrice: pc.PriceMonthly,
			YearlyPrice:  pc.PriceYearly,
			Limits:       make(map[plan.ResourceKind]plan.Limit, len(pc.Limits)),
		}
		for kind, l := range pc.Limits {
			p.Limits[plan.ResourceKind(kind)] = l.Limit
		}
		if len(pc.Overage) > 0 {
			p.OveragePrices = make(map[plan.ResourceKind]int64, len(pc.Overage))
			for kind, price := range pc.Overage {
				p.OveragePrices[plan.ResourceKind(kind)] = price
			}
		}
		plans[i] = p
	}

	return plan.NewCatalog(resources, plans)
}
