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
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator" mapstructure:"evaluator"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Service    ServiceConfig    `yaml:"service" mapstructure:"service"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the report database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the in-memory read-through report cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// EvaluatorConfig configures category scoring behavior.
type EvaluatorConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	RubricPath     string  `yaml:"rubric_path" mapstructure:"rubric_path"`
	MaxDeckChars   int     `yaml:"max_deck_chars" mapstructure:"max_deck_chars"`
}

// IngestConfig configures deck text extraction.
type IngestConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
}

// ServiceConfig configures submission intake.
type ServiceConfig struct {
	MaxConcurrentEvaluations int `yaml:"max_concurrent_evaluations" mapstructure:"max_concurrent_evaluations"`
	MaxDeckBytes             int `yaml:"max_deck_bytes" mapstructure:"max_deck_bytes"`
}

// NotifyConfig configures the completion webhook.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	LowScoreThreshold    float64 `yaml:"low_score_threshold" mapstructure:"low_score_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EvaluatorTimeout returns the per-call scoring deadline as a duration.
func (c EvaluatorConfig) EvaluatorTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DECKEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "deckeval.db")
	v.SetDefault("cache.capacity", 512)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("evaluator.timeout_secs", 30)
	v.SetDefault("evaluator.max_attempts", 3)
	v.SetDefault("evaluator.requests_per_sec", 4)
	v.SetDefault("evaluator.max_deck_chars", 60000)
	v.SetDefault("ingest.provider", "local")
	v.SetDefault("service.max_concurrent_evaluations", 8)
	v.SetDefault("service.max_deck_bytes", 2<<20)
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
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

// Validate checks the configuration for the given mode ("evaluate" or
// "serve"), collecting every problem instead of stopping at the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "evaluate", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Cache.Capacity < 1 {
		problems = append(problems, "cache.capacity must be >= 1")
	}
	switch c.Ingest.Provider {
	case "local", "mistral", "":
	default:
		problems = append(problems, "ingest.provider must be local or mistral")
	}
	if c.Ingest.Provider == "mistral" && c.Ingest.MistralKey == "" {
		problems = append(problems, "ingest.mistral_key is required when ingest.provider is mistral")
	}
	if c.Evaluator.TimeoutSecs < 1 {
		problems = append(problems, "evaluator.timeout_secs must be >= 1")
	}
	if c.Evaluator.MaxAttempts < 1 || c.Evaluator.MaxAttempts > 10 {
		problems = append(problems, "evaluator.max_attempts must be between 1 and 10")
	}
	if c.Service.MaxConcurrentEvaluations < 1 || c.Service.MaxConcurrentEvaluations > 64 {
		problems = append(problems, "service.max_concurrent_evaluations must be between 1 and 64")
	}
	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
