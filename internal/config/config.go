// Package config loads and hot-reloads the signal relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SIGNAL_RELAY_PARSER_INVERT_SIGNALS=true.
const EnvPrefix = "SIGNAL_RELAY"

// AppConfig holds process level settings
type AppConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Env      string `mapstructure:"env" json:"env"`
	LogLevel string `mapstructure:"log_level" json:"logLevel"`
}

// Config is the full configuration tree.
type Config struct {
	App      AppConfig            `mapstructure:"app" json:"app"`
	Parser   types.ParserConfig   `mapstructure:"parser" json:"parser"`
	Spam     types.SpamConfig     `mapstructure:"spam" json:"spam"`
	Telegram types.TelegramConfig `mapstructure:"telegram" json:"telegram"`
	Pricing  types.PricingConfig  `mapstructure:"pricing" json:"pricing"`
	Redis    types.RedisConfig    `mapstructure:"redis" json:"redis"`
	Postgres types.PostgresConfig `mapstructure:"postgres" json:"postgres"`
	Journal  types.JournalConfig  `mapstructure:"journal" json:"journal"`
	Server   types.ServerConfig   `mapstructure:"server" json:"server"`
	Monitor  types.MonitorConfig  `mapstructure:"monitor" json:"monitor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:     "signal-relay",
			Env:      "development",
			LogLevel: "info",
		},
		Parser: types.DefaultParserConfig(),
		Spam:   types.DefaultSpamConfig(),
		Telegram: types.TelegramConfig{
			APIBaseURL:          "https://api.telegram.org",
			Groups:              map[string]int64{},
			PollTimeout:         30 * time.Second,
			Workers:             4,
			NotifyRatePerSecond: 1,
		},
		Pricing: types.PricingConfig{
			BaseURL:  "https://api.bybit.com",
			Category: "linear",
			Timeout:  2 * time.Second,
			CacheTTL: 5 * time.Second,
		},
		Redis: types.RedisConfig{
			Address: "localhost:6379",
		},
		Postgres: types.PostgresConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Journal: types.JournalConfig{
			Dir: "./data/journal",
		},
		Server: types.ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
		},
		Monitor: types.DefaultMonitorConfig(),
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Parser.QuoteAsset) == "" {
		errs = append(errs, errors.New("parser.quote_asset must not be empty"))
	}
	if c.Parser.DefaultRiskPercent <= 0 || c.Parser.DefaultRiskPercent >= 100 {
		errs = append(errs, fmt.Errorf("parser.default_risk_percent must be in (0, 100), got %v", c.Parser.DefaultRiskPercent))
	}
	if c.Parser.PriceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("parser.price_timeout must be positive, got %v", c.Parser.PriceTimeout))
	}
	if c.Spam.MinLength < 0 {
		errs = append(errs, fmt.Errorf("spam.min_length must not be negative, got %d", c.Spam.MinLength))
	}
	if c.Spam.MinUniqueRatio < 0 || c.Spam.MinUniqueRatio > 1 {
		errs = append(errs, fmt.Errorf("spam.min_unique_ratio must be in [0, 1], got %v", c.Spam.MinUniqueRatio))
	}
	if c.Telegram.Workers < 1 {
		errs = append(errs, fmt.Errorf("telegram.workers must be at least 1, got %d", c.Telegram.Workers))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres is enabled"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from defaults, an optional YAML file at path and
// SIGNAL_RELAY_* environment variables, in increasing precedence. A .env
// file in the working directory or next to path is loaded first if present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(path); err != nil {
		return nil, err
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func loadDotEnv(path string) error {
	candidates := []string{".env"}
	if path != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(path), ".env"))
	}
	seen := make(map[string]bool)
	for _, f := range candidates {
		abs, err := filepath.Abs(f)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("failed to load %s: %w", abs, err)
		}
	}
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Telegram.Groups == nil {
		cfg.Telegram.Groups = map[string]int64{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.env", d.App.Env)
	v.SetDefault("app.log_level", d.App.LogLevel)

	v.SetDefault("parser.invert_signals", d.Parser.InvertSignals)
	v.SetDefault("parser.default_risk_percent", d.Parser.DefaultRiskPercent)
	v.SetDefault("parser.quote_asset", d.Parser.QuoteAsset)
	v.SetDefault("parser.price_timeout", d.Parser.PriceTimeout)

	v.SetDefault("spam.min_length", d.Spam.MinLength)
	v.SetDefault("spam.min_unique_ratio", d.Spam.MinUniqueRatio)

	v.SetDefault("telegram.bot_token", d.Telegram.BotToken)
	v.SetDefault("telegram.api_base_url", d.Telegram.APIBaseURL)
	v.SetDefault("telegram.log_chat_id", d.Telegram.LogChatID)
	v.SetDefault("telegram.admin_ids", d.Telegram.AdminIDs)
	v.SetDefault("telegram.poll_timeout", d.Telegram.PollTimeout)
	v.SetDefault("telegram.workers", d.Telegram.Workers)
	v.SetDefault("telegram.notify_rate_per_second", d.Telegram.NotifyRatePerSecond)

	v.SetDefault("pricing.base_url", d.Pricing.BaseURL)
	v.SetDefault("pricing.category", d.Pricing.Category)
	v.SetDefault("pricing.timeout", d.Pricing.Timeout)
	v.SetDefault("pricing.cache_ttl", d.Pricing.CacheTTL)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("postgres.enabled", d.Postgres.Enabled)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", d.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", d.Postgres.MaxIdleConns)

	v.SetDefault("journal.dir", d.Journal.Dir)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("monitor.min_health_score", d.Monitor.MinHealthScore)
	v.SetDefault("monitor.max_silence_hours", d.Monitor.MaxSilenceHours)
	v.SetDefault("monitor.min_signals_per_hour", d.Monitor.MinSignalsPerHour)
	v.SetDefault("monitor.min_confidence", d.Monitor.MinConfidence)
	v.SetDefault("monitor.report_interval", d.Monitor.ReportInterval)
	v.SetDefault("monitor.alert_cooldown", d.Monitor.AlertCooldown)
}
