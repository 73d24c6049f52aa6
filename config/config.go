package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	VaultConfig        VaultConfig        `json:"vault"`
	PortfolioConfig    PortfolioConfig    `json:"portfolio"`
	PyramidGateConfig  PyramidGateConfig  `json:"pyramid_gates"`
	EquityConfig       EquityConfig       `json:"equity"`
	RolloverConfig     RolloverConfig     `json:"rollover"`
	MarketHoursConfig  MarketHoursConfig  `json:"market_hours"`
	EODConfig          EODConfig          `json:"eod"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	SignalConfig       SignalConfig       `json:"signal"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	HAConfig           HAConfig           `json:"ha"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
	ProductionMode  bool   `json:"production_mode"`
	// Shared key for emergency endpoints. Either the plain key or a
	// bcrypt hash of it; when APIKeyHash is set it takes precedence.
	APIKey     string `json:"api_key"`
	APIKeyHash string `json:"api_key_hash"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for dedup and leader election
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BrokerConfig holds broker adapter configuration
type BrokerConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
	MockMode    bool   `json:"mock_mode"` // Use the simulated broker instead of the live adapter
	DryRun      bool   `json:"dry_run"`   // Route real signals through the simulated broker
	TimeoutSecs int    `json:"timeout_secs"`
}

// VaultConfig holds HashiCorp Vault configuration for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// PortfolioConfig holds portfolio-level hard limits
type PortfolioConfig struct {
	InitialCapital       float64 `json:"initial_capital"`
	MaxPortfolioRiskPct  float64 `json:"max_portfolio_risk_pct"` // Hard cap; blocks all new entries
	MaxVolPct            float64 `json:"max_vol_pct"`
	MaxMarginUtilPct     float64 `json:"max_margin_util_pct"`
	StateConflictRetries int     `json:"state_conflict_retries"`
}

// PyramidGateConfig holds thresholds for additional pyramid layers
type PyramidGateConfig struct {
	RiskWarningPct    float64 `json:"risk_warning"`
	RiskBlockPct      float64 `json:"risk_block"`
	VolBlockPct       float64 `json:"vol_block"`
	MarginBlockPct    float64 `json:"margin_block"`
	Use1RGate         bool    `json:"use_1r_gate"`
	ATRPyramidSpacing float64 `json:"atr_pyramid_spacing"`
}

// EquityConfig selects the equity notion reported by /status.
// Sizing always uses the closed-equity high-watermark.
type EquityConfig struct {
	Mode                    string  `json:"mode"` // "closed", "open", or "blended"
	BlendedUnrealizedWeight float64 `json:"blended_unrealized_weight"`
}

type RolloverConfig struct {
	Enabled          bool    `json:"enabled"`
	BankNiftyDays    int     `json:"bank_nifty_days"`
	GoldMiniDays     int     `json:"gold_mini_days"`
	SilverMiniDays   int     `json:"silver_mini_days"`
	CopperDays       int     `json:"copper_days"`
	MaxRetries       int     `json:"max_retries"`
	RetryIntervalSec int     `json:"retry_interval_sec"`
	StrikeInterval   float64 `json:"strike_interval"`
	Prefer1000s      bool    `json:"prefer_1000s"`
	ScanHour         int     `json:"scan_hour"`   // Local hour of the daily scan
	ScanMinute       int     `json:"scan_minute"`
}

// MarketHoursConfig holds session windows as "HH:MM" local exchange time
type MarketHoursConfig struct {
	NSEStart       string `json:"nse_start"`
	NSEEnd         string `json:"nse_end"`
	MCXStart       string `json:"mcx_start"`
	MCXSummerClose string `json:"mcx_summer_close"`
	MCXWinterClose string `json:"mcx_winter_close"`
}

type EODConfig struct {
	Enabled                bool    `json:"enabled"`
	MonitoringStartMinutes int     `json:"monitoring_start_minutes"` // Before market close
	ConditionCheckSeconds  int     `json:"condition_check_seconds"`
	ExecutionSeconds       int     `json:"execution_seconds"`
	TrackingSeconds        int     `json:"tracking_seconds"`
	OrderTimeoutSecs       int     `json:"order_timeout"`
	LimitBufferPct         float64 `json:"limit_buffer_pct"`
	FallbackToMarket       bool    `json:"fallback_to_market"`
	MaxSignalAgeSeconds    int     `json:"max_signal_age_seconds"`
}

type ExecutionConfig struct {
	Strategy                string  `json:"strategy"` // "simple_limit" or "progressive"
	SignalValidationEnabled bool    `json:"signal_validation_enabled"`
	MaxAttempts             int     `json:"max_attempts"`
	LimitBufferPct          float64 `json:"limit_buffer_pct"`
	OrderTimeoutSecs        int     `json:"order_timeout_secs"`
	PollIntervalMs          int     `json:"poll_interval_ms"`
	PartialFillStrategy     string  `json:"partial_fill_strategy"` // "keep" or "cancel_remainder"
	PartialFillWaitTimeout  int     `json:"partial_fill_wait_timeout"`
	WorkerPoolSize          int     `json:"worker_pool_size"`
}

type SignalConfig struct {
	MaxAgeSeconds         int     `json:"max_age_seconds"`
	EntryDivergencePct    float64 `json:"entry_divergence_pct"`
	PyramidDivergencePct  float64 `json:"pyramid_divergence_pct"`
	DedupLRUSize          int     `json:"dedup_lru_size"`
	DedupRetentionDays    int     `json:"dedup_retention_days"`
	CoalesceWindowSeconds int     `json:"coalesce_window_seconds"`
	DeadlineSeconds       int     `json:"deadline_seconds"`
	EODDeadlineSeconds    int     `json:"eod_deadline_seconds"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// HAConfig holds leader election configuration
type HAConfig struct {
	Enabled            bool `json:"enabled"`
	LockTTLSeconds     int  `json:"lock_ttl_seconds"`
	HeartbeatSeconds   int  `json:"heartbeat_seconds"`
	RetentionDays      int  `json:"retention_days"`
	CleanupHourUTC     int  `json:"cleanup_hour_utc"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment takes precedence over config.json.
func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", boolStr(cfg.ServerConfig.ProductionMode)) == "true"
	cfg.ServerConfig.APIKey = getEnvOrDefault("EMERGENCY_API_KEY", cfg.ServerConfig.APIKey)
	cfg.ServerConfig.APIKeyHash = getEnvOrDefault("EMERGENCY_API_KEY_HASH", cfg.ServerConfig.APIKeyHash)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.AccessToken = getEnvOrDefault("BROKER_ACCESS_TOKEN", cfg.BrokerConfig.AccessToken)
	cfg.BrokerConfig.MockMode = getEnvOrDefault("BROKER_MOCK_MODE", boolStr(cfg.BrokerConfig.MockMode)) == "true"
	cfg.BrokerConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", boolStr(cfg.BrokerConfig.DryRun)) == "true"

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolStr(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Webhook.Enabled = getEnvOrDefault("NOTIFY_WEBHOOK_ENABLED", boolStr(cfg.NotificationConfig.Webhook.Enabled)) == "true"
	cfg.NotificationConfig.Webhook.URL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", cfg.NotificationConfig.Webhook.URL)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", boolStr(cfg.LoggingConfig.IncludeFile)) == "true"

	cfg.HAConfig.Enabled = getEnvOrDefault("HA_ENABLED", boolStr(cfg.HAConfig.Enabled)) == "true"
}

// applyDefaults fills zero values with operational defaults
func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "trend_bot"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "trend_bot"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.BrokerConfig.TimeoutSecs == 0 {
		cfg.BrokerConfig.TimeoutSecs = 10
	}

	if cfg.PortfolioConfig.InitialCapital == 0 {
		cfg.PortfolioConfig.InitialCapital = 5000000
	}
	if cfg.PortfolioConfig.MaxPortfolioRiskPct == 0 {
		cfg.PortfolioConfig.MaxPortfolioRiskPct = 15
	}
	if cfg.PortfolioConfig.MaxVolPct == 0 {
		cfg.PortfolioConfig.MaxVolPct = 5
	}
	if cfg.PortfolioConfig.MaxMarginUtilPct == 0 {
		cfg.PortfolioConfig.MaxMarginUtilPct = 60
	}
	if cfg.PortfolioConfig.StateConflictRetries == 0 {
		cfg.PortfolioConfig.StateConflictRetries = 3
	}

	if cfg.PyramidGateConfig.RiskWarningPct == 0 {
		cfg.PyramidGateConfig.RiskWarningPct = 10
	}
	if cfg.PyramidGateConfig.RiskBlockPct == 0 {
		cfg.PyramidGateConfig.RiskBlockPct = 12
	}
	if cfg.PyramidGateConfig.VolBlockPct == 0 {
		cfg.PyramidGateConfig.VolBlockPct = 4
	}
	if cfg.PyramidGateConfig.MarginBlockPct == 0 {
		cfg.PyramidGateConfig.MarginBlockPct = 50
	}
	if cfg.PyramidGateConfig.ATRPyramidSpacing == 0 {
		cfg.PyramidGateConfig.ATRPyramidSpacing = 0.5
	}

	if cfg.EquityConfig.Mode == "" {
		cfg.EquityConfig.Mode = "closed"
	}
	if cfg.EquityConfig.BlendedUnrealizedWeight == 0 {
		cfg.EquityConfig.BlendedUnrealizedWeight = 0.5
	}

	if cfg.RolloverConfig.BankNiftyDays == 0 {
		cfg.RolloverConfig.BankNiftyDays = 2
	}
	if cfg.RolloverConfig.GoldMiniDays == 0 {
		cfg.RolloverConfig.GoldMiniDays = 8
	}
	if cfg.RolloverConfig.SilverMiniDays == 0 {
		cfg.RolloverConfig.SilverMiniDays = 8
	}
	if cfg.RolloverConfig.CopperDays == 0 {
		cfg.RolloverConfig.CopperDays = 5
	}
	if cfg.RolloverConfig.MaxRetries == 0 {
		cfg.RolloverConfig.MaxRetries = 3
	}
	if cfg.RolloverConfig.RetryIntervalSec == 0 {
		cfg.RolloverConfig.RetryIntervalSec = 60
	}
	if cfg.RolloverConfig.StrikeInterval == 0 {
		cfg.RolloverConfig.StrikeInterval = 100
	}
	if cfg.RolloverConfig.ScanHour == 0 {
		cfg.RolloverConfig.ScanHour = 14
	}

	if cfg.MarketHoursConfig.NSEStart == "" {
		cfg.MarketHoursConfig.NSEStart = "09:15"
	}
	if cfg.MarketHoursConfig.NSEEnd == "" {
		cfg.MarketHoursConfig.NSEEnd = "15:30"
	}
	if cfg.MarketHoursConfig.MCXStart == "" {
		cfg.MarketHoursConfig.MCXStart = "09:00"
	}
	if cfg.MarketHoursConfig.MCXSummerClose == "" {
		cfg.MarketHoursConfig.MCXSummerClose = "23:30"
	}
	if cfg.MarketHoursConfig.MCXWinterClose == "" {
		cfg.MarketHoursConfig.MCXWinterClose = "23:55"
	}

	if cfg.EODConfig.MonitoringStartMinutes == 0 {
		cfg.EODConfig.MonitoringStartMinutes = 30
	}
	if cfg.EODConfig.ConditionCheckSeconds == 0 {
		cfg.EODConfig.ConditionCheckSeconds = 30
	}
	if cfg.EODConfig.ExecutionSeconds == 0 {
		cfg.EODConfig.ExecutionSeconds = 10
	}
	if cfg.EODConfig.TrackingSeconds == 0 {
		cfg.EODConfig.TrackingSeconds = 5
	}
	if cfg.EODConfig.OrderTimeoutSecs == 0 {
		cfg.EODConfig.OrderTimeoutSecs = 20
	}
	if cfg.EODConfig.LimitBufferPct == 0 {
		cfg.EODConfig.LimitBufferPct = 0.05
	}
	if cfg.EODConfig.MaxSignalAgeSeconds == 0 {
		cfg.EODConfig.MaxSignalAgeSeconds = 15
	}

	if cfg.ExecutionConfig.Strategy == "" {
		cfg.ExecutionConfig.Strategy = "progressive"
	}
	if cfg.ExecutionConfig.MaxAttempts == 0 {
		cfg.ExecutionConfig.MaxAttempts = 4
	}
	if cfg.ExecutionConfig.LimitBufferPct == 0 {
		cfg.ExecutionConfig.LimitBufferPct = 0.05
	}
	if cfg.ExecutionConfig.OrderTimeoutSecs == 0 {
		cfg.ExecutionConfig.OrderTimeoutSecs = 45
	}
	if cfg.ExecutionConfig.PollIntervalMs == 0 {
		cfg.ExecutionConfig.PollIntervalMs = 500
	}
	if cfg.ExecutionConfig.PartialFillStrategy == "" {
		cfg.ExecutionConfig.PartialFillStrategy = "keep"
	}
	if cfg.ExecutionConfig.PartialFillWaitTimeout == 0 {
		cfg.ExecutionConfig.PartialFillWaitTimeout = 15
	}
	if cfg.ExecutionConfig.WorkerPoolSize == 0 {
		cfg.ExecutionConfig.WorkerPoolSize = 4
	}

	if cfg.SignalConfig.MaxAgeSeconds == 0 {
		cfg.SignalConfig.MaxAgeSeconds = 30
	}
	if cfg.SignalConfig.EntryDivergencePct == 0 {
		cfg.SignalConfig.EntryDivergencePct = 2.0
	}
	if cfg.SignalConfig.PyramidDivergencePct == 0 {
		cfg.SignalConfig.PyramidDivergencePct = 1.0
	}
	if cfg.SignalConfig.DedupLRUSize == 0 {
		cfg.SignalConfig.DedupLRUSize = 1024
	}
	if cfg.SignalConfig.DedupRetentionDays == 0 {
		cfg.SignalConfig.DedupRetentionDays = 90
	}
	if cfg.SignalConfig.CoalesceWindowSeconds == 0 {
		cfg.SignalConfig.CoalesceWindowSeconds = 60
	}
	if cfg.SignalConfig.DeadlineSeconds == 0 {
		cfg.SignalConfig.DeadlineSeconds = 60
	}
	if cfg.SignalConfig.EODDeadlineSeconds == 0 {
		cfg.SignalConfig.EODDeadlineSeconds = 25
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.HAConfig.LockTTLSeconds == 0 {
		cfg.HAConfig.LockTTLSeconds = 15
	}
	if cfg.HAConfig.HeartbeatSeconds == 0 {
		cfg.HAConfig.HeartbeatSeconds = 5
	}
	if cfg.HAConfig.RetentionDays == 0 {
		cfg.HAConfig.RetentionDays = 90
	}
	if cfg.HAConfig.CleanupHourUTC == 0 {
		cfg.HAConfig.CleanupHourUTC = 21
	}
}

// SignalDeadline returns the end-to-end processing deadline, tighter
// inside the EOD monitoring window.
func (c *Config) SignalDeadline(eodWindow bool) time.Duration {
	if eodWindow {
		return time.Duration(c.SignalConfig.EODDeadlineSeconds) * time.Second
	}
	return time.Duration(c.SignalConfig.DeadlineSeconds) * time.Second
}

// RolloverLookaheadDays returns the configured lookahead for an instrument,
// falling back to the catalog default when unset.
func (c *Config) RolloverLookaheadDays(instrument string, fallback int) int {
	switch instrument {
	case "BANK_NIFTY":
		if c.RolloverConfig.BankNiftyDays > 0 {
			return c.RolloverConfig.BankNiftyDays
		}
	case "GOLD_MINI":
		if c.RolloverConfig.GoldMiniDays > 0 {
			return c.RolloverConfig.GoldMiniDays
		}
	case "SILVER_MINI":
		if c.RolloverConfig.SilverMiniDays > 0 {
			return c.RolloverConfig.SilverMiniDays
		}
	case "COPPER":
		if c.RolloverConfig.CopperDays > 0 {
			return c.RolloverConfig.CopperDays
		}
	}
	return fallback
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
