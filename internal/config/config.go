// Package config loads application settings from config.yaml, environment
// variables and defaults.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/acronym-cli/internal/keypool"
)

// Config holds the full application configuration.
type Config struct {
	Provider        ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Credentials     []CredentialSpec `yaml:"credentials" mapstructure:"credentials"`
	CredentialsFile string           `yaml:"credentials_file" mapstructure:"credentials_file"`
	// APIKeys is a comma-separated list, mainly for ACRONYM_API_KEYS.
	APIKeys    string           `yaml:"api_keys" mapstructure:"api_keys"`
	KeyPool    KeyPoolConfig    `yaml:"keypool" mapstructure:"keypool"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Validation ValidateConfig   `yaml:"validate" mapstructure:"validate"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ProviderConfig selects the generative AI service.
type ProviderConfig struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Model       string        `yaml:"model" mapstructure:"model"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// CredentialSpec is one configured API key.
type CredentialSpec struct {
	ID     string `yaml:"id" mapstructure:"id"`
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// KeyPoolConfig tunes credential cooldown and exhaustion.
type KeyPoolConfig struct {
	ErrorThreshold int           `yaml:"error_threshold" mapstructure:"error_threshold"`
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	QuotaCooldown  time.Duration `yaml:"quota_cooldown" mapstructure:"quota_cooldown"`
	ExhaustOnQuota bool          `yaml:"exhaust_on_quota" mapstructure:"exhaust_on_quota"`
}

// EnrichConfig configures the orchestrator, limiter and retry policy.
type EnrichConfig struct {
	MaxRetries            int           `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerMinute     int           `yaml:"requests_per_minute_per_credential" mapstructure:"requests_per_minute_per_credential"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	BaseDelay             time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay              time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier            float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction        float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	DispatchJitterMin     time.Duration `yaml:"dispatch_jitter_min" mapstructure:"dispatch_jitter_min"`
	DispatchJitterMax     time.Duration `yaml:"dispatch_jitter_max" mapstructure:"dispatch_jitter_max"`
	PacingBurst           int           `yaml:"pacing_burst" mapstructure:"pacing_burst"`
	QueueSize             int           `yaml:"queue_size" mapstructure:"queue_size"`
	CircuitThreshold      int           `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitReset          time.Duration `yaml:"circuit_reset" mapstructure:"circuit_reset"`
}

// RateLimitConfig points the window limiter at Redis when set.
type RateLimitConfig struct {
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ValidateConfig configures response validation.
type ValidateConfig struct {
	Enabled              bool   `yaml:"enabled" mapstructure:"enabled"`
	MinDescriptionLength int    `yaml:"min_description_length" mapstructure:"min_description_length"`
	MinRelatedTerms      int    `yaml:"min_related_terms" mapstructure:"min_related_terms"`
	FullNamePolicy       string `yaml:"full_name_policy" mapstructure:"full_name_policy"`
}

// StoreConfig configures the progress store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelPricing `yaml:"openai" mapstructure:"openai"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the run API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background alert checker run by serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ACRONYM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("provider.name", "anthropic")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.max_tokens", 1024)
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.timeout", "60s")
	v.SetDefault("credentials_file", "")
	v.SetDefault("api_keys", "")
	v.SetDefault("keypool.error_threshold", 5)
	v.SetDefault("keypool.cooldown", "60s")
	v.SetDefault("keypool.quota_cooldown", "60s")
	v.SetDefault("keypool.exhaust_on_quota", false)
	v.SetDefault("enrich.max_retries", 3)
	v.SetDefault("enrich.requests_per_minute_per_credential", 60)
	v.SetDefault("enrich.max_concurrent_requests", 5)
	v.SetDefault("enrich.base_delay", "500ms")
	v.SetDefault("enrich.max_delay", "30s")
	v.SetDefault("enrich.multiplier", 2.0)
	v.SetDefault("enrich.jitter_fraction", 0.25)
	v.SetDefault("enrich.dispatch_jitter_min", "20ms")
	v.SetDefault("enrich.dispatch_jitter_max", "150ms")
	v.SetDefault("enrich.pacing_burst", 0)
	v.SetDefault("enrich.queue_size", 0)
	v.SetDefault("enrich.circuit_threshold", 10)
	v.SetDefault("enrich.circuit_reset", "30s")
	v.SetDefault("ratelimit.redis_addr", "")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)
	v.SetDefault("ratelimit.key_prefix", "acronym:ratelimit:")
	v.SetDefault("validate.enabled", true)
	v.SetDefault("validate.min_description_length", 20)
	v.SetDefault("validate.min_related_terms", 1)
	v.SetDefault("validate.full_name_policy", "warn")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "acronym.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

var (
	validProviders = map[string]bool{"anthropic": true, "openai": true, "stub": true}
	validDrivers   = map[string]bool{"sqlite": true, "postgres": true, "badger": true}
)

// Validate reports every configuration problem at once. A non-nil result is
// a fatal configuration error.
func (c *Config) Validate() error {
	var problems []string
	if !validProviders[c.Provider.Name] {
		problems = append(problems, "provider.name must be anthropic, openai or stub")
	}
	if c.Enrich.MaxRetries < 0 {
		problems = append(problems, "enrich.max_retries must be >= 0")
	}
	if c.Enrich.RequestsPerMinute < 1 {
		problems = append(problems, "enrich.requests_per_minute_per_credential must be >= 1")
	}
	if c.Enrich.MaxConcurrentRequests < 1 {
		problems = append(problems, "enrich.max_concurrent_requests must be >= 1")
	}
	if c.Enrich.DispatchJitterMax > 0 && c.Enrich.DispatchJitterMin > c.Enrich.DispatchJitterMax {
		problems = append(problems, "enrich.dispatch_jitter_min must not exceed dispatch_jitter_max")
	}
	if c.Validation.MinDescriptionLength < 0 || c.Validation.MinRelatedTerms < 0 {
		problems = append(problems, "validate minimums must be >= 0")
	}
	if p := c.Validation.FullNamePolicy; p != "warn" && p != "reject" {
		problems = append(problems, "validate.full_name_policy must be warn or reject")
	}
	if !validDrivers[c.Store.Driver] {
		problems = append(problems, "store.driver must be sqlite, postgres or badger")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// credentialsFile accepts either a bare list or a credentials: key.
type credentialsFile struct {
	Credentials []CredentialSpec `yaml:"credentials"`
}

// Keys gathers credentials from the credentials list, api_keys and
// credentials_file, in that order. The stub provider needs none.
func (c *Config) Keys() ([]keypool.Key, error) {
	var keys []keypool.Key
	for _, cs := range c.Credentials {
		keys = append(keys, keypool.Key{ID: cs.ID, Secret: cs.Secret})
	}
	for _, k := range strings.Split(c.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, keypool.Key{Secret: k})
		}
	}
	if c.CredentialsFile != "" {
		fromFile, err := readCredentialsFile(c.CredentialsFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fromFile...)
	}

	if len(keys) == 0 {
		if c.Provider.Name == "stub" {
			return []keypool.Key{{ID: "stub", Secret: "stub-credential"}}, nil
		}
		return nil, eris.New("config: no credentials configured (credentials, api_keys or credentials_file)")
	}
	return keys, nil
}

func readCredentialsFile(path string) ([]keypool.Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read credentials file %s", path)
	}

	var specs []CredentialSpec
	if err := yaml.Unmarshal(b, &specs); err != nil {
		var wrapped credentialsFile
		if err2 := yaml.Unmarshal(b, &wrapped); err2 != nil {
			return nil, eris.Wrapf(err2, "config: parse credentials file %s", path)
		}
		specs = wrapped.Credentials
	}

	keys := make([]keypool.Key, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, keypool.Key{ID: s.ID, Secret: s.Secret})
	}
	return keys, nil
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
