// Package types provides configuration types for the signal relay.
package types

import "time"

// ParserConfig holds the settings the parser reads on every call
type ParserConfig struct {
	InvertSignals      bool          `mapstructure:"invert_signals" json:"invertSignals"`
	DefaultRiskPercent float64       `mapstructure:"default_risk_percent" json:"defaultRiskPercent"`
	QuoteAsset         string        `mapstructure:"quote_asset" json:"quoteAsset"`
	PriceTimeout       time.Duration `mapstructure:"price_timeout" json:"priceTimeout"`
}

// DefaultParserConfig returns the stock parser settings.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		InvertSignals:      false,
		DefaultRiskPercent: 2.0,
		QuoteAsset:         "USDT",
		PriceTimeout:       3 * time.Second,
	}
}

// SpamConfig holds spam filter thresholds
type SpamConfig struct {
	MinLength      int     `mapstructure:"min_length" json:"minLength"`
	MinUniqueRatio float64 `mapstructure:"min_unique_ratio" json:"minUniqueRatio"`
}

// DefaultSpamConfig returns the stock spam thresholds.
func DefaultSpamConfig() SpamConfig {
	return SpamConfig{
		MinLength:      10,
		MinUniqueRatio: 0.3,
	}
}

// TelegramConfig represents Bot API transport configuration. Groups maps a
// group name to its chat ID; the loader lowercases names.
type TelegramConfig struct {
	BotToken            string           `mapstructure:"bot_token" json:"-"`
	APIBaseURL          string           `mapstructure:"api_base_url" json:"apiBaseUrl"`
	LogChatID           int64            `mapstructure:"log_chat_id" json:"logChatId"`
	Groups              map[string]int64 `mapstructure:"groups" json:"groups"`
	AdminIDs            []int64          `mapstructure:"admin_ids" json:"adminIds"`
	PollTimeout         time.Duration    `mapstructure:"poll_timeout" json:"pollTimeout"`
	Workers             int              `mapstructure:"workers" json:"workers"`
	NotifyRatePerSecond float64          `mapstructure:"notify_rate_per_second" json:"notifyRatePerSecond"`
}

// PricingConfig represents the market price collaborator configuration
type PricingConfig struct {
	BaseURL  string        `mapstructure:"base_url" json:"baseUrl"`
	Category string        `mapstructure:"category" json:"category"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" json:"cacheTtl"`
}

// RedisConfig represents the price cache connection
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Address  string `mapstructure:"address" json:"address"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
}

// PostgresConfig represents the signal journal database
type PostgresConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	DSN          string `mapstructure:"dsn" json:"-"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" json:"maxIdleConns"`
}

// JournalConfig represents the file journal location
type JournalConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host" json:"host"`
	Port          int           `mapstructure:"port" json:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" json:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
}

// MonitorConfig holds group health alert thresholds
type MonitorConfig struct {
	MinHealthScore    float64       `mapstructure:"min_health_score" json:"minHealthScore"`
	MaxSilenceHours   float64       `mapstructure:"max_silence_hours" json:"maxSilenceHours"`
	MinSignalsPerHour float64       `mapstructure:"min_signals_per_hour" json:"minSignalsPerHour"`
	MinConfidence     float64       `mapstructure:"min_confidence" json:"minConfidence"`
	ReportInterval    time.Duration `mapstructure:"report_interval" json:"reportInterval"`
	AlertCooldown     time.Duration `mapstructure:"alert_cooldown" json:"alertCooldown"`
}

// DefaultMonitorConfig returns the stock alert thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MinHealthScore:    0.6,
		MaxSilenceHours:   6,
		MinSignalsPerHour: 1,
		MinConfidence:     0.4,
		ReportInterval:    time.Hour,
		AlertCooldown:     15 * time.Minute,
	}
}
