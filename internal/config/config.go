package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Matcher   MatcherConfig   `yaml:"matcher" mapstructure:"matcher"`
	Screening ScreeningConfig `yaml:"screening" mapstructure:"screening"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds Anthropic API settings. Extraction and screening both
// run on the sonnet model. MaxBatchSize caps how many experts go into one
// Message Batches submission; NoBatch forces screen-all onto concurrent
// single calls regardless of roster size.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	SonnetModel  string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	MaxBatchSize int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	NoBatch      bool   `yaml:"no_batch" mapstructure:"no_batch"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MatcherConfig holds the dedupe thresholds. Scores at or above AutoMerge
// with a strong match type update the matched expert; scores in
// [Review, AutoMerge) become duplicate candidates for human review.
type MatcherConfig struct {
	AutoMergeThreshold float64 `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	ReviewThreshold    float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
}

// ScreeningConfig holds the score-to-grade bands and worker pool size.
type ScreeningConfig struct {
	StrongMin   float64 `yaml:"strong_min" mapstructure:"strong_min"`
	MixedMin    float64 `yaml:"mixed_min" mapstructure:"mixed_min"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`

	// BatchThreshold is the roster size at which screen-all switches from
	// concurrent single calls to the Message Batches API. 0 disables
	// batching.
	BatchThreshold int `yaml:"batch_threshold" mapstructure:"batch_threshold"`
}

// ScanConfig configures the mailbox auto-scan loop.
type ScanConfig struct {
	MailboxBaseURL string  `yaml:"mailbox_base_url" mapstructure:"mailbox_base_url"`
	MailboxToken   string  `yaml:"mailbox_token" mapstructure:"mailbox_token"`
	MaxMessages    int     `yaml:"max_messages" mapstructure:"max_messages"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	LookbackDays   int     `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetConfigName("expert-tracker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EXPERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "expert-tracker.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_batch_size", 100)
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("matcher.auto_merge_threshold", 0.85)
	v.SetDefault("matcher.review_threshold", 0.5)
	v.SetDefault("screening.strong_min", 80)
	v.SetDefault("screening.mixed_min", 45)
	v.SetDefault("screening.concurrency", 5)
	v.SetDefault("screening.batch_threshold", 20)
	v.SetDefault("scan.max_messages", 50)
	v.SetDefault("scan.rate_per_second", 1)
	v.SetDefault("scan.lookback_days", 7)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Matcher.ReviewThreshold > c.Matcher.AutoMergeThreshold {
		return eris.Errorf("config: review threshold %.2f exceeds auto-merge threshold %.2f",
			c.Matcher.ReviewThreshold, c.Matcher.AutoMergeThreshold)
	}
	if c.Screening.MixedMin > c.Screening.StrongMin {
		return eris.Errorf("config: mixed band floor %.0f exceeds strong band floor %.0f",
			c.Screening.MixedMin, c.Screening.StrongMin)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
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
