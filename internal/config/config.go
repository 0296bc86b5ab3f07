package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
	State       StateConfig       `yaml:"state"`
	Engine      EngineConfig      `yaml:"engine"`
	Market      MarketConfig      `yaml:"market"`
	Spot        VenueConfig       `yaml:"spot"`
	Derivative  VenueConfig       `yaml:"derivative"`
	Retry       RetryConfig       `yaml:"retry"`
	Safety      SafetyConfig      `yaml:"safety"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Journal     JournalConfig     `yaml:"journal"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type HTTPConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

type EngineConfig struct {
	ID            string        `yaml:"id"`
	Role          string        `yaml:"role"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	OrderCooldown time.Duration `yaml:"order_cooldown"`
	PremiumBasis  string        `yaml:"premium_basis"`
}

// IsLeader reports whether this replica may run the engine.
func (c EngineConfig) IsLeader() bool {
	return c.Role == "" || c.Role == RoleLeader
}

type MarketConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Symbol         string        `yaml:"symbol"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	MaxAge         time.Duration `yaml:"max_age"`
	StreamURL      string        `yaml:"stream_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type VenueConfig struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	QuoteAsset    string        `yaml:"quote_asset"`
	AmountStep    float64       `yaml:"amount_step"`
	ContractSize  float64       `yaml:"contract_size"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type SafetyConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
}

type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Persist    *bool         `yaml:"persist"`
}

func (c IdempotencyConfig) PersistValue() bool {
	return c.Persist != nil && *c.Persist
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (c MetricsConfig) EnabledValue() bool {
	return c.Enabled != nil && *c.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	Cooldown               time.Duration `yaml:"cooldown"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type WebhookConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = "127.0.0.1:8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.StreamInterval == 0 {
		cfg.HTTP.StreamInterval = 2 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/premium-hedge-bot.db"
	}
	if cfg.Engine.ID == "" {
		cfg.Engine.ID = "default"
	}
	if cfg.Engine.Role == "" {
		cfg.Engine.Role = RoleLeader
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = 5 * time.Second
	}
	if cfg.Engine.OrderCooldown == 0 {
		cfg.Engine.OrderCooldown = 30 * time.Second
	}
	if cfg.Engine.PremiumBasis == "" {
		cfg.Engine.PremiumBasis = "usdt"
	}
	if cfg.Market.Timeout == 0 {
		cfg.Market.Timeout = 5 * time.Second
	}
	if cfg.Market.RatePerSecond == 0 {
		cfg.Market.RatePerSecond = 5
	}
	if cfg.Market.MaxAge == 0 {
		cfg.Market.MaxAge = 30 * time.Second
	}
	if cfg.Market.ReconnectDelay == 0 {
		cfg.Market.ReconnectDelay = 2 * time.Second
	}
	if cfg.Market.PingInterval == 0 {
		cfg.Market.PingInterval = 20 * time.Second
	}
	applyVenueDefaults(&cfg.Spot, "spot", "KRW")
	applyVenueDefaults(&cfg.Derivative, "derivative", "USDT")
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Delay == 0 {
		cfg.Retry.Delay = 500 * time.Millisecond
	}
	if cfg.Safety.FailureThreshold == 0 {
		cfg.Safety.FailureThreshold = 3
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	if cfg.Idempotency.MaxEntries == 0 {
		cfg.Idempotency.MaxEntries = 1000
	}
	if cfg.Idempotency.Persist == nil {
		persist := true
		cfg.Idempotency.Persist = &persist
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.Cooldown == 0 {
		cfg.Telegram.Cooldown = 5 * time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Webhook.Cooldown == 0 {
		cfg.Webhook.Cooldown = 5 * time.Minute
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func applyVenueDefaults(v *VenueConfig, name, quote string) {
	if v.Name == "" {
		v.Name = name
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.RatePerSecond == 0 {
		v.RatePerSecond = 8
	}
	if v.Burst == 0 {
		v.Burst = 4
	}
	if v.QuoteAsset == "" {
		v.QuoteAsset = quote
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Telegram.Token, "KP_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.ChatID, "KP_TELEGRAM_CHAT_ID")
	overrideString(&cfg.Webhook.URL, "KP_WEBHOOK_URL")
	overrideString(&cfg.Spot.APIKey, "KP_SPOT_API_KEY")
	overrideString(&cfg.Spot.APISecret, "KP_SPOT_API_SECRET")
	overrideString(&cfg.Derivative.APIKey, "KP_DERIVATIVE_API_KEY")
	overrideString(&cfg.Derivative.APISecret, "KP_DERIVATIVE_API_SECRET")
	overrideString(&cfg.Journal.DSN, "KP_JOURNAL_DSN")
	overrideString(&cfg.Engine.Role, "KP_REPLICA_ROLE")
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.Role != RoleLeader && cfg.Engine.Role != RoleFollower {
		return fmt.Errorf("engine.role must be %q or %q", RoleLeader, RoleFollower)
	}
	if cfg.Engine.PollInterval < 0 {
		return errors.New("engine.poll_interval must be >= 0")
	}
	if cfg.Engine.OrderCooldown < 0 {
		return errors.New("engine.order_cooldown must be >= 0")
	}
	if cfg.Market.BaseURL == "" {
		return errors.New("market.base_url is required")
	}
	if cfg.Spot.BaseURL == "" {
		return errors.New("spot.base_url is required")
	}
	if cfg.Derivative.BaseURL == "" {
		return errors.New("derivative.base_url is required")
	}
	if cfg.Spot.AmountStep < 0 || cfg.Derivative.AmountStep < 0 {
		return errors.New("amount_step must be >= 0")
	}
	if cfg.Derivative.ContractSize < 0 {
		return errors.New("derivative.contract_size must be >= 0")
	}
	if cfg.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be >= 1")
	}
	if cfg.Retry.Delay < 0 {
		return errors.New("retry.delay must be >= 0")
	}
	if cfg.Safety.FailureThreshold < 1 {
		return errors.New("safety.failure_threshold must be >= 1")
	}
	if cfg.Idempotency.TTL < 0 {
		return errors.New("idempotency.ttl must be >= 0")
	}
	if cfg.Idempotency.MaxEntries < 0 {
		return errors.New("idempotency.max_entries must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL == "" {
		return errors.New("webhook.url is required when webhook is enabled")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}
