package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/billcycle/config"
	"github.com/artpar/billcycle/domain/plan"
)

const catalogYAML = `
catalog:
  currency: "usd"
  resources: ["submissions", "forms"]
  plans:
    - id: "free"
      name: "Free"
      price_monthly: 0
      price_yearly: 0
      limits:
        submissions: 100
        forms: 3
    - id: "pro"
      name: "Pro"
      price_monthly: 14900
      price_yearly: 149000
      limits:
        submissions: 50000
        forms: unlimited
      overage:
        submissions: 1
`

func TestLoad_ValidConfig(t *testing.T) {
	content := catalogYAML + `
billing:
  near_limit_threshold: 0.9
  settlement:
    charge_timeout: 10s
    workers: 8
  retry:
    max_attempts: 3
    base_delay: 30s
    max_delay: 10m

payment:
  provider: "dummy"

storage:
  driver: "sqlite"
  dsn: ":memory:"
`

	cfg := writeAndLoad(t, content)

	if cfg.Billing.NearLimitThreshold != 0.9 {
		t.Errorf("NearLimitThreshold = %v, want 0.9", cfg.Billing.NearLimitThreshold)
	}
	if cfg.Billing.Settlement.ChargeTimeout != 10*time.Second {
		t.Errorf("ChargeTimeout = %v, want 10s", cfg.Billing.Settlement.ChargeTimeout)
	}
	if cfg.Billing.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Billing.Retry.MaxAttempts)
	}
	if cfg.Payment.Provider != "dummy" {
		t.Errorf("Payment.Provider = %s, want dummy", cfg.Payment.Provider)
	}
	if len(cfg.Catalog.Plans) != 2 {
		t.Fatalf("len(Plans) = %d, want 2", len(cfg.Catalog.Plans))
	}
	if cfg.Usage.Backend != "sqlite" {
		t.Errorf("Usage.Backend = %s, want sqlite (follows storage)", cfg.Usage.Backend)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "logging:\n  level: info\n")

	if cfg.Catalog.Currency != "usd" {
		t.Errorf("default Currency = %s, want usd", cfg.Catalog.Currency)
	}
	if cfg.Billing.NearLimitThreshold != 0.8 {
		t.Errorf("default NearLimitThreshold = %v, want 0.8", cfg.Billing.NearLimitThreshold)
	}
	if cfg.Billing.Settlement.ChargeTimeout != 30*time.Second {
		t.Errorf("default ChargeTimeout = %v, want 30s", cfg.Billing.Settlement.ChargeTimeout)
	}
	if cfg.Billing.Retry.MaxAttempts != 5 {
		t.Errorf("default Retry.MaxAttempts = %d, want 5", cfg.Billing.Retry.MaxAttempts)
	}
	if cfg.Payment.Provider != "none" {
		t.Errorf("default Payment.Provider = %s, want none", cfg.Payment.Provider)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "billcycle.db" {
		t.Errorf("default Storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.CycleSpec != "@every 1m" {
		t.Errorf("default CycleSpec = %s, want @every 1m", cfg.Scheduler.CycleSpec)
	}
	if cfg.Metrics.Addr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics = %+v", cfg.Metrics)
	}
	// Default free plan should be added
	if len(cfg.Catalog.Plans) != 1 || cfg.Catalog.Plans[0].ID != "free" {
		t.Errorf("default plan not added: %v", cfg.Catalog.Plans)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_BILLCYCLE_DSN", "/tmp/expanded.db")
	defer os.Unsetenv("TEST_BILLCYCLE_DSN")

	cfg := writeAndLoad(t, `
storage:
  dsn: "${TEST_BILLCYCLE_DSN}"
`)

	if cfg.Storage.DSN != "/tmp/expanded.db" {
		t.Errorf("Storage.DSN = %s, want /tmp/expanded.db", cfg.Storage.DSN)
	}
}

func TestBuildCatalog(t *testing.T) {
	cfg := writeAndLoad(t, catalogYAML)

	cat, err := cfg.BuildCatalog()
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}

	pro, err := cat.Get("pro")
	if err != nil {
		t.Fatalf("Get(pro): %v", err)
	}
	if pro.MonthlyPrice != 14900 || pro.YearlyPrice != 149000 {
		t.Errorf("pro prices = %d/%d", pro.MonthlyPrice, pro.YearlyPrice)
	}
	if l, _ := pro.Limit("forms"); !l.IsUnlimited() {
		t.Errorf("pro forms limit = %s, want unlimited", l)
	}
	if l, _ := pro.Limit("submissions"); l != plan.Max(50000) {
		t.Errorf("pro submissions limit = %s, want 50000", l)
	}
	if pro.OveragePrices["submissions"] != 1 {
		t.Errorf("pro overage = %v", pro.OveragePrices)
	}
	if len(cat.Resources()) != 2 {
		t.Errorf("resources = %v", cat.Resources())
	}
}

func TestLoad_InvalidCatalog(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "plan missing limit",
			content: `
catalog:
  resources: ["submissions", "forms"]
  plans:
    - id: "free"
      name: "Free"
      limits:
        submissions: 10
`,
		},
		{
			name: "undeclared resource",
			content: `
catalog:
  resources: ["submissions"]
  plans:
    - id: "free"
      name: "Free"
      limits:
        submissions: 10
        widgets: 1
`,
		},
		{
			name: "bad limit",
			content: `
catalog:
  resources: ["submissions"]
  plans:
    - id: "free"
      name: "Free"
      limits:
        submissions: lots
`,
		},
		{
			name: "duplicate plan",
			content: `
catalog:
  resources: ["submissions"]
  plans:
    - id: "free"
      limits: {submissions: 1}
    - id: "free"
      limits: {submissions: 2}
`,
		},
		{
			name: "negative price",
			content: `
catalog:
  resources: ["submissions"]
  plans:
    - id: "free"
      price_monthly: -1
      limits: {submissions: 1}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := writeAndLoadErr(t, tt.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_InvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"threshold above one", "billing:\n  near_limit_threshold: 1.5\n", "near_limit_threshold"},
		{"negative threshold", "billing:\n  near_limit_threshold: -0.1\n", "near_limit_threshold"},
		{"bad provider", "payment:\n  provider: stripe\n", "payment.provider"},
		{"bad driver", "storage:\n  driver: postgres\n", "storage.driver"},
		{"bad usage backend", "usage:\n  backend: etcd\n", "usage.backend"},
		{"sqlite usage on memory storage", "storage:\n  driver: memory\nusage:\n  backend: sqlite\n", "usage.backend"},
		{"redis without url", "usage:\n  backend: redis\n", "redis.url"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"redis ttl shorter than a year", "usage:\n  backend: redis\nredis:\n  url: redis://localhost:6379\n  ttl: 2160h\n", "redis.ttl"},
		{"max delay below base", "billing:\n  retry:\n    base_delay: 1h\n    max_delay: 1m\n", "max_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeAndLoadErr(t, tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_RedisUsage(t *testing.T) {
	cfg := writeAndLoad(t, `
usage:
  backend: redis
redis:
  url: "redis://localhost:6379/0"
  ttl: 9000h
`)

	if cfg.Usage.Backend != "redis" {
		t.Errorf("Usage.Backend = %s, want redis", cfg.Usage.Backend)
	}
	if cfg.Redis.KeyPrefix != "billcycle" {
		t.Errorf("default KeyPrefix = %s, want billcycle", cfg.Redis.KeyPrefix)
	}
	if cfg.Redis.TTL != 9000*time.Hour {
		t.Errorf("Redis.TTL = %v, want 9000h", cfg.Redis.TTL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("BILLCYCLE_STORAGE_DRIVER", "memory")
	os.Setenv("BILLCYCLE_PAYMENT_PROVIDER", "dummy")
	os.Setenv("BILLCYCLE_CHARGE_TIMEOUT", "5s")
	os.Setenv("BILLCYCLE_RETRY_MAX_ATTEMPTS", "2")
	os.Setenv("BILLCYCLE_LOG_LEVEL", "debug")
	os.Setenv("BILLCYCLE_METRICS_ENABLED", "true")
	defer func() {
		os.Unsetenv("BILLCYCLE_STORAGE_DRIVER")
		os.Unsetenv("BILLCYCLE_PAYMENT_PROVIDER")
		os.Unsetenv("BILLCYCLE_CHARGE_TIMEOUT")
		os.Unsetenv("BILLCYCLE_RETRY_MAX_ATTEMPTS")
		os.Unsetenv("BILLCYCLE_LOG_LEVEL")
		os.Unsetenv("BILLCYCLE_METRICS_ENABLED")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Storage.Driver != "memory" || cfg.Usage.Backend != "memory" {
		t.Errorf("storage %s, usage %s, want memory", cfg.Storage.Driver, cfg.Usage.Backend)
	}
	if cfg.Storage.DSN != "" {
		t.Errorf("memory storage DSN = %q, want empty", cfg.Storage.DSN)
	}
	if cfg.Payment.Provider != "dummy" {
		t.Errorf("Payment.Provider = %s, want dummy", cfg.Payment.Provider)
	}
	if cfg.Billing.Settlement.ChargeTimeout != 5*time.Second {
		t.Errorf("ChargeTimeout = %v, want 5s", cfg.Billing.Settlement.ChargeTimeout)
	}
	if cfg.Billing.Retry.MaxAttempts != 2 {
		t.Errorf("Retry.MaxAttempts = %d, want 2", cfg.Billing.Retry.MaxAttempts)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	os.Setenv("BILLCYCLE_LOG_LEVEL", "error")
	os.Setenv("BILLCYCLE_STORAGE_DSN", "/tmp/override.db")
	defer func() {
		os.Unsetenv("BILLCYCLE_LOG_LEVEL")
		os.Unsetenv("BILLCYCLE_STORAGE_DSN")
	}()

	cfg := writeAndLoad(t, `
storage:
  dsn: "from-file.db"
logging:
  level: "debug"
`)

	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %s, want error (env override)", cfg.Logging.Level)
	}
	if cfg.Storage.DSN != "/tmp/override.db" {
		t.Errorf("Storage.DSN = %s, want /tmp/override.db (env override)", cfg.Storage.DSN)
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	os.Setenv("BILLCYCLE_CHARGE_TIMEOUT", "soon")
	os.Setenv("BILLCYCLE_RETRY_MAX_ATTEMPTS", "many")
	defer func() {
		os.Unsetenv("BILLCYCLE_CHARGE_TIMEOUT")
		os.Unsetenv("BILLCYCLE_RETRY_MAX_ATTEMPTS")
	}()

	cfg := writeAndLoad(t, "")

	if cfg.Billing.Settlement.ChargeTimeout != 30*time.Second {
		t.Errorf("ChargeTimeout = %v, want default 30s", cfg.Billing.Settlement.ChargeTimeout)
	}
	if cfg.Billing.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want default 5", cfg.Billing.Retry.MaxAttempts)
	}
}

func TestLoadWithFallback_FileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("payment:\n  provider: dummy\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Payment.Provider != "dummy" {
		t.Errorf("Payment.Provider = %s, want dummy (from file)", cfg.Payment.Provider)
	}
}

func TestLoadWithFallback_NoFile(t *testing.T) {
	cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
	if cfg.Payment.Provider != "none" {
		t.Errorf("Payment.Provider = %s, want none", cfg.Payment.Provider)
	}
}

func TestLoadWithFallback_EmptyPath(t *testing.T) {
	if _, err := config.LoadWithFallback(""); err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"", false},
		{"random", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			os.Setenv("BILLCYCLE_METRICS_ENABLED", tt.value)
			defer os.Unsetenv("BILLCYCLE_METRICS_ENABLED")

			cfg, err := config.LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv error: %v", err)
			}
			// An empty value leaves the override unset.
			if cfg.Metrics.Enabled != tt.want {
				t.Errorf("Metrics.Enabled for %q = %v, want %v", tt.value, cfg.Metrics.Enabled, tt.want)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := writeAndLoadErr(t, "catalog: [unclosed"); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := config.Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

// Helpers

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return config.Load(path)
}
