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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Sheets    SheetsConfig    `yaml:"sheets" mapstructure:"sheets"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Verify    VerifyConfig    `yaml:"verify" mapstructure:"verify"`
	Settings  SettingsConfig  `yaml:"settings" mapstructure:"settings"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the local run-history database.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SheetsConfig holds the destination spreadsheet settings. Token is a
// bearer token for the Sheets API; how it is minted is out of scope here.
type SheetsConfig struct {
	Token         string `yaml:"token" mapstructure:"token"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SpreadsheetID string `yaml:"spreadsheet_id" mapstructure:"spreadsheet_id"`
	SheetName     string `yaml:"sheet_name" mapstructure:"sheet_name"`
}

// ScrapeConfig configures the browser-driven listing source.
type ScrapeConfig struct {
	Headless           bool `yaml:"headless" mapstructure:"headless"`
	MaxResults         int  `yaml:"max_results" mapstructure:"max_results"`
	MaxScrollAttempts  int  `yaml:"max_scroll_attempts" mapstructure:"max_scroll_attempts"`
	NavTimeoutSecs     int  `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	SettleMillis       int  `yaml:"settle_millis" mapstructure:"settle_millis"`
	MaxParallelRegions int  `yaml:"max_parallel_regions" mapstructure:"max_parallel_regions"`
}

// NavTimeout returns the page navigation timeout as a duration.
func (c ScrapeConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSecs) * time.Second
}

// Settle returns the post-navigation settle delay as a duration.
func (c ScrapeConfig) Settle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}

// VerifyConfig configures the AI verification stage.
type VerifyConfig struct {
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// Timeout returns the per-call timeout as a duration.
func (c VerifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// SettingsConfig locates the operator-managed exclusion rule file.
type SettingsConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// RunConfig bounds a whole pipeline run.
type RunConfig struct {
	DeadlineSecs int `yaml:"deadline_secs" mapstructure:"deadline_secs"`
}

// Deadline returns the overall run deadline as a duration.
func (c RunConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSecs) * time.Second
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("CLINIC_SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("store.path", "clinic-scout.db")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("sheets.base_url", "https://sheets.googleapis.com/v4")
	v.SetDefault("sheets.sheet_name", "クリニックリスト")
	v.SetDefault("scrape.headless", true)
	v.SetDefault("scrape.max_results", 50)
	v.SetDefault("scrape.max_scroll_attempts", 30)
	v.SetDefault("scrape.nav_timeout_secs", 60)
	v.SetDefault("scrape.settle_millis", 3000)
	v.SetDefault("scrape.max_parallel_regions", 2)
	v.SetDefault("verify.batch_size", 10)
	v.SetDefault("verify.concurrency", 2)
	v.SetDefault("verify.max_retries", 2)
	v.SetDefault("verify.timeout_secs", 60)
	v.SetDefault("verify.requests_per_sec", 1.0)
	v.SetDefault("settings.rules_path", "exclusion_rules.yaml")
	v.SetDefault("run.deadline_secs", 1800)

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
