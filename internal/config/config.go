package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Acquire    AcquireConfig    `yaml:"acquire" mapstructure:"acquire"`
	County     CountyConfig     `yaml:"county" mapstructure:"county"`
	Normalizer NormalizerConfig `yaml:"normalizer" mapstructure:"normalizer"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	ETL        ETLConfig        `yaml:"etl" mapstructure:"etl"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AcquireConfig configures the commercial source acquirers.
type AcquireConfig struct {
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries          int      `yaml:"retries" mapstructure:"retries"`
	RetryDelaySecs   int      `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	RatePerSec       float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int      `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int      `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int      `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	Headless         bool     `yaml:"headless" mapstructure:"headless"`
	ProxyURL         string   `yaml:"proxy_url" mapstructure:"proxy_url"`
	UserAgents       []string `yaml:"user_agents" mapstructure:"user_agents"`
	Disabled         []string `yaml:"disabled" mapstructure:"disabled"`
}

// Timeout is the per-source acquisition deadline.
func (c AcquireConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryDelay is the fixed pause between acquisition attempts.
func (c AcquireConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// CountyEndpoint describes one county's authoritative parcel layer.
type CountyEndpoint struct {
	URL          string            `yaml:"url" mapstructure:"url"`
	Layer        int               `yaml:"layer" mapstructure:"layer"`
	AddressField string            `yaml:"address_field" mapstructure:"address_field"`
	Fields       map[string]string `yaml:"fields" mapstructure:"fields"`
	AssessorURL  string            `yaml:"assessor_url" mapstructure:"assessor_url"`
}

// CountyConfig configures the county resolver.
type CountyConfig struct {
	Endpoints      map[string]CountyEndpoint `yaml:"endpoints" mapstructure:"endpoints"`
	RegistryFile   string                    `yaml:"registry_file" mapstructure:"registry_file"`
	TimeoutSecs    int                       `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SearchFallback bool                      `yaml:"search_fallback" mapstructure:"search_fallback"`
}

// Timeout bounds each county resolution strategy.
func (c CountyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// NormalizerConfig selects the address normalization backend.
type NormalizerConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"`
	CensusURL string `yaml:"census_url" mapstructure:"census_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// NotifyConfig configures critical-failure alerts.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// WorkerConfig sizes the background task pool.
type WorkerConfig struct {
	PoolSize  int `yaml:"pool_size" mapstructure:"pool_size"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ETLConfig configures the ETL engine.
type ETLConfig struct {
	Schedule   string `yaml:"schedule" mapstructure:"schedule"`
	BatchLimit int    `yaml:"batch_limit" mapstructure:"batch_limit"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.property-cli")

	v.SetEnvPrefix("PROPERTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "property.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("acquire.timeout_secs", 30)
	v.SetDefault("acquire.retries", 3)
	v.SetDefault("acquire.retry_delay_secs", 5)
	v.SetDefault("acquire.rate_per_sec", 0.5)
	v.SetDefault("acquire.burst", 1)
	v.SetDefault("acquire.breaker_threshold", 5)
	v.SetDefault("acquire.breaker_reset_secs", 300)
	v.SetDefault("acquire.headless", true)
	v.SetDefault("acquire.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	})
	v.SetDefault("county.timeout_secs", 30)
	v.SetDefault("county.search_fallback", true)
	v.SetDefault("county.endpoints", map[string]any{
		"cook": map[string]any{
			"url":           "https://wwws.cookcountyil.gov/cookviewer/rest/services/cookviewer_query/MapServer",
			"layer":         0,
			"address_field": "SITE_ADDRESS",
			"fields": map[string]any{
				"parcel_id":      "PIN14",
				"full_address":   "SITE_ADDRESS",
				"property_class": "CLASS",
				"owner_name":     "TAXPAYER_NAME",
			},
		},
	})
	v.SetDefault("normalizer.backend", "local")
	v.SetDefault("normalizer.census_url", "https://geocoding.geo.census.gov/geocoder")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("etl.batch_limit", 0)

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

// Validate checks the settings the given command mode depends on and
// reports every problem at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "serve", "acquire", "county":
		switch c.Normalizer.Backend {
		case "local", "census":
		default:
			problems = append(problems, "normalizer.backend must be local or census")
		}
	}

	switch mode {
	case "serve", "acquire":
		if c.Acquire.TimeoutSecs <= 0 {
			problems = append(problems, "acquire.timeout_secs must be positive")
		}
		if c.Acquire.Retries < 0 || c.Acquire.RetryDelaySecs < 0 {
			problems = append(problems, "acquire.retries and acquire.retry_delay_secs must not be negative")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		if c.Worker.PoolSize <= 0 || c.Worker.QueueSize <= 0 {
			problems = append(problems, "worker.pool_size and worker.queue_size must be positive")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
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
