package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"adwatch/internal/logging"
	"adwatch/internal/ratelimit"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Meta      MetaConfig      `mapstructure:"meta"`
	GoogleAds GoogleAdsConfig `mapstructure:"googleads"`
	Insights  InsightsConfig  `mapstructure:"insights"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig governs the inbound HTTP/websocket API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig governs the polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AuthConfig tunes token management.
type AuthConfig struct {
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BreakerConfig tunes the per-account circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// MetaConfig covers the Graph-API style provider.
type MetaConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	BaseURL        string           `mapstructure:"base_url"`
	APIVersion     string           `mapstructure:"api_version"`
	AppID          string           `mapstructure:"app_id"`
	AppSecret      string           `mapstructure:"app_secret"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
	UserAgent      string           `mapstructure:"user_agent"`
	PageSize       int              `mapstructure:"page_size"`
	RateLimit      ratelimit.Config `mapstructure:"rate_limit"`
}

// GoogleAdsConfig covers the Google-Ads style provider.
type GoogleAdsConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	BaseURL        string           `mapstructure:"base_url"`
	APIVersion     string           `mapstructure:"api_version"`
	TokenURL       string           `mapstructure:"token_url"`
	ClientID       string           `mapstructure:"client_id"`
	ClientSecret   string           `mapstructure:"client_secret"`
	DeveloperToken string           `mapstructure:"developer_token"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
	UserAgent      string           `mapstructure:"user_agent"`
	PageSize       int              `mapstructure:"page_size"`
	RateLimit      ratelimit.Config `mapstructure:"rate_limit"`
}

// InsightsConfig tunes aggregation and caching.
type InsightsConfig struct {
	Accounts      []string      `mapstructure:"accounts"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	WindowDays    int           `mapstructure:"window_days"`
}

// AlertRuleConfig defines one threshold rule.
type AlertRuleConfig struct {
	ID         string        `mapstructure:"id"`
	Metric     string        `mapstructure:"metric"`
	Comparator string        `mapstructure:"comparator"`
	Threshold  float64       `mapstructure:"threshold"`
	Baseline   float64       `mapstructure:"baseline"`
	Severity   string        `mapstructure:"severity"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// AlertingConfig defines alert evaluation behaviour.
type AlertingConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Rules   []AlertRuleConfig `mapstructure:"rules"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. Unknown
// keys in the file are a configuration error, not silently ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "adwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61647761))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("auth.refresh_margin", "24h")
	v.SetDefault("auth.sweep_interval", "1h")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")

	v.SetDefault("meta.enabled", true)
	v.SetDefault("meta.base_url", "https://graph.facebook.com")
	v.SetDefault("meta.api_version", "v19.0")
	v.SetDefault("meta.request_timeout", "10s")
	v.SetDefault("meta.user_agent", "adwatch/1.0")
	v.SetDefault("meta.page_size", 100)
	v.SetDefault("meta.rate_limit.capacity", 200)
	v.SetDefault("meta.rate_limit.refill", 200)
	v.SetDefault("meta.rate_limit.per", "1h")

	v.SetDefault("googleads.enabled", true)
	v.SetDefault("googleads.base_url", "https://googleads.googleapis.com")
	v.SetDefault("googleads.api_version", "v16")
	v.SetDefault("googleads.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("googleads.request_timeout", "10s")
	v.SetDefault("googleads.user_agent", "adwatch/1.0")
	v.SetDefault("googleads.page_size", 1000)
	v.SetDefault("googleads.rate_limit.capacity", 1000)
	v.SetDefault("googleads.rate_limit.refill", 1000)
	v.SetDefault("googleads.rate_limit.per", "1h")

	v.SetDefault("insights.cache_ttl", "5m")
	v.SetDefault("insights.max_concurrent", 4)
	v.SetDefault("insights.fetch_timeout", "30s")
	v.SetDefault("insights.window_days", 1)

	v.SetDefault("alerting.enabled", true)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		// Unrecognized options are a startup error.
		dc.ErrorUnused = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validComparators = map[string]bool{
	"gt": true, "lt": true, "gte": true, "lte": true, "pct_of": true,
}

var validSeverities = map[string]bool{
	"info": true, "warning": true, "critical": true,
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Insights.CacheTTL <= 0 {
		return fmt.Errorf("insights.cache_ttl must be greater than zero")
	}
	if c.Insights.MaxConcurrent <= 0 {
		return fmt.Errorf("insights.max_concurrent must be greater than zero")
	}
	if c.Insights.WindowDays <= 0 {
		return fmt.Errorf("insights.window_days must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if !c.Meta.Enabled && !c.GoogleAds.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be greater than zero")
	}

	for i, rule := range c.Alerting.Rules {
		if rule.ID == "" {
			return fmt.Errorf("alerting.rules[%d]: id is required", i)
		}
		if rule.Metric == "" {
			return fmt.Errorf("alerting.rules[%d] (%s): metric is required", i, rule.ID)
		}
		if !validComparators[rule.Comparator] {
			return fmt.Errorf("alerting.rules[%d] (%s): unknown comparator %q", i, rule.ID, rule.Comparator)
		}
		if rule.Comparator == "pct_of" && rule.Baseline == 0 {
			return fmt.Errorf("alerting.rules[%d] (%s): pct_of requires a baseline", i, rule.ID)
		}
		if !validSeverities[rule.Severity] {
			return fmt.Errorf("alerting.rules[%d] (%s): unknown severity %q", i, rule.ID, rule.Severity)
		}
		if rule.Cooldown < 0 {
			return fmt.Errorf("alerting.rules[%d] (%s): cooldown cannot be negative", i, rule.ID)
		}
	}

	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
