package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/resilience"
	"github.com/postkeep/postkeep/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	License    LicenseConfig    `yaml:"license" mapstructure:"license"`
	Credit     CreditConfig     `yaml:"credit" mapstructure:"credit"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Vault      VaultConfig      `yaml:"vault" mapstructure:"vault"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run-history and durable-cache backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LicenseConfig configures the credit authority client.
type LicenseConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec  float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	RequestBurst    int     `yaml:"request_burst" mapstructure:"request_burst"`
	RefreshInterval int     `yaml:"refresh_interval_secs" mapstructure:"refresh_interval_secs"`
}

// CreditConfig configures the local credit ledger.
type CreditConfig struct {
	Costs                   map[string]int `yaml:"costs" mapstructure:"costs"`
	DefaultCost             int            `yaml:"default_cost" mapstructure:"default_cost"`
	ReservationTimeoutSecs  int            `yaml:"reservation_timeout_secs" mapstructure:"reservation_timeout_secs"`
	SweepIntervalSecs       int            `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	AlertThresholdOverrides []float64      `yaml:"alert_threshold_overrides" mapstructure:"alert_threshold_overrides"`
}

// LedgerConfig converts the section to a credit.Config. The alert sink is
// wired separately by the caller.
func (c CreditConfig) LedgerConfig() credit.Config {
	cfg := credit.Config{
		Costs:       c.Costs,
		DefaultCost: c.DefaultCost,
	}
	if c.ReservationTimeoutSecs > 0 {
		cfg.ReservationTimeout = time.Duration(c.ReservationTimeoutSecs) * time.Second
	}
	if c.SweepIntervalSecs > 0 {
		cfg.SweepInterval = time.Duration(c.SweepIntervalSecs) * time.Second
	}
	return cfg
}

// RetryConfig configures the per-stage retry policies.
type RetryConfig struct {
	Fetch RetryPolicy `yaml:"fetch" mapstructure:"fetch"`
	Media RetryPolicy `yaml:"media" mapstructure:"media"`
}

// RetryPolicy is one stage's retry tuning.
type RetryPolicy struct {
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs   int     `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ToRetryConfig converts the policy to a resilience.RetryConfig.
func (p RetryPolicy) ToRetryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(p.MaxRetries, p.RetryDelayMs, p.MaxDelayMs, p.JitterFraction)
}

// CircuitConfig configures the per-upstream circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ToBreakerConfig converts the section to a resilience.CircuitBreakerConfig.
func (c CircuitConfig) ToBreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.FailureThreshold, c.SuccessThreshold, c.ResetTimeoutSecs)
}

// VaultConfig configures where archived notes land on disk.
type VaultConfig struct {
	Path             string `yaml:"path" mapstructure:"path"`
	OrganizeStrategy string `yaml:"organize_strategy" mapstructure:"organize_strategy"`
	DownloadMedia    bool   `yaml:"download_media" mapstructure:"download_media"`
}

// CacheConfig configures archive-result reuse.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the configured cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// AnthropicConfig holds Anthropic API settings for summaries.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BatchConfig configures batch archiving.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures depletion alerting.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the fields required for the given mode ("archive",
// "serve" or "credits") and reports every problem at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	common := func() {
		if c.License.Key == "" {
			problems = append(problems, "license.key is required")
		}
		if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 20 {
			problems = append(problems, "batch.max_concurrent must be between 1 and 20")
		}
		switch c.Vault.OrganizeStrategy {
		case "", "flat", "by-platform", "by-date":
		default:
			problems = append(problems, "vault.organize_strategy must be flat, by-platform or by-date")
		}
	}

	switch mode {
	case "archive":
		common()
		if c.Vault.Path == "" {
			problems = append(problems, "vault.path is required")
		}
	case "serve":
		common()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Vault.Path == "" {
			problems = append(problems, "vault.path is required")
		}
	case "credits":
		if c.License.Key == "" {
			problems = append(problems, "license.key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("POSTKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "postkeep.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent", 3)
	v.SetDefault("vault.path", "vault")
	v.SetDefault("vault.organize_strategy", "by-platform")
	v.SetDefault("vault.download_media", true)
	v.SetDefault("cache.ttl_hours", 1)
	v.SetDefault("retry.fetch.max_retries", 3)
	v.SetDefault("retry.fetch.retry_delay_ms", 500)
	v.SetDefault("retry.media.max_retries", 2)
	v.SetDefault("retry.media.retry_delay_ms", 1000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.success_threshold", 1)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("license.base_url", "https://license.postkeep.dev")
	v.SetDefault("license.timeout_secs", 10)
	v.SetDefault("license.requests_per_sec", 5)
	v.SetDefault("license.request_burst", 10)
	v.SetDefault("license.refresh_interval_secs", 300)
	v.SetDefault("credit.default_cost", 1)
	v.SetDefault("credit.costs", map[string]int{
		"archive":       1,
		"ai_summary":    2,
		"deep_research": 4,
	})
	v.SetDefault("credit.reservation_timeout_secs", 300)
	v.SetDefault("credit.sweep_interval_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
