package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"futures-risk-engine/internal/logging"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFiles are tried in order when Load gets no explicit path.
var DefaultConfigFiles = []string{"config.json", "config.toml", "config.yaml", "config.yml"}

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance" yaml:"binance" toml:"binance"`
	FuturesConfig      FuturesConfig      `json:"futures" yaml:"futures" toml:"futures"`
	RiskConfig         RiskConfig         `json:"risk" yaml:"risk" toml:"risk"`
	ScannerConfig      ScannerConfig      `json:"scanner" yaml:"scanner" toml:"scanner"`
	EngineConfig       EngineConfig       `json:"engine" yaml:"engine" toml:"engine"`
	LoggingConfig      logging.Config     `json:"logging" yaml:"logging" toml:"logging"`
	ServerConfig       ServerConfig       `json:"server" yaml:"server" toml:"server"`
	AuthConfig         AuthConfig         `json:"auth" yaml:"auth" toml:"auth"`
	RedisConfig        RedisConfig        `json:"redis" yaml:"redis" toml:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database" yaml:"database" toml:"database"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault" toml:"vault"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification" toml:"notification"`
	MetricsConfig      MetricsConfig      `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key" toml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	TestNet   bool   `json:"testnet" yaml:"testnet" toml:"testnet"`
	// MockMode trades against the in-memory paper exchange.
	MockMode       bool    `json:"mock_mode" yaml:"mock_mode" toml:"mock_mode"`
	PaperBalance   float64 `json:"paper_balance" yaml:"paper_balance" toml:"paper_balance"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// FuturesConfig holds Binance Futures trading configuration
type FuturesConfig struct {
	PositionMode    string `json:"position_mode" yaml:"position_mode" toml:"position_mode"` // ONE_WAY or HEDGE
	DefaultLeverage int    `json:"default_leverage" yaml:"default_leverage" toml:"default_leverage"`
	QuoteAsset      string `json:"quote_asset" yaml:"quote_asset" toml:"quote_asset"`
	WorkingType     string `json:"working_type" yaml:"working_type" toml:"working_type"` // MARK_PRICE or CONTRACT_PRICE
	LotCacheMinutes int    `json:"lot_cache_minutes" yaml:"lot_cache_minutes" toml:"lot_cache_minutes"`
}

// HedgeMode reports whether positions are held per side.
func (f FuturesConfig) HedgeMode() bool {
	return strings.EqualFold(f.PositionMode, "HEDGE")
}

type RiskConfig struct {
	MaxRiskPerTrade  float64 `json:"max_risk_per_trade" yaml:"max_risk_per_trade" toml:"max_risk_per_trade"` // Percentage of account to risk per trade
	MaxLeverage      int     `json:"max_leverage" yaml:"max_leverage" toml:"max_leverage"`
	MaxDailyDrawdown float64 `json:"max_daily_drawdown" yaml:"max_daily_drawdown" toml:"max_daily_drawdown"` // Max daily loss percentage before stopping
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions" toml:"max_open_positions"`
}

type ScannerConfig struct {
	ScanInterval     int `json:"scan_interval" yaml:"scan_interval" toml:"scan_interval"` // Seconds
	TickTimeout      int `json:"tick_timeout" yaml:"tick_timeout" toml:"tick_timeout"`    // Seconds
	CrossoverHistory int `json:"crossover_history" yaml:"crossover_history" toml:"crossover_history"`
}

type EngineConfig struct {
	ClientOrderPrefix string `json:"client_order_prefix" yaml:"client_order_prefix" toml:"client_order_prefix"`
	// RestoreOnStart reloads protective slots from the state store.
	RestoreOnStart bool `json:"restore_on_start" yaml:"restore_on_start" toml:"restore_on_start"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Port            int    `json:"port" yaml:"port" toml:"port"`
	Host            string `json:"host" yaml:"host" toml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"` // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`          // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`       // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	JWTSecret           string        `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer              string        `json:"issuer" yaml:"issuer" toml:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration" yaml:"access_token_duration" toml:"access_token_duration"`
}

// RedisConfig holds Redis configuration for protective state
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address  string `json:"address" yaml:"address" toml:"address"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	User     string `json:"user" yaml:"user" toml:"user"`
	Password string `json:"password" yaml:"password" toml:"password"`
	Database string `json:"database" yaml:"database" toml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" toml:"ssl_mode"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address    string `json:"address" yaml:"address" toml:"address"`
	Token      string `json:"token" yaml:"token" toml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" toml:"mount_path"`    // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path" toml:"secret_path"` // Path of the exchange credentials
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled" toml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" toml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord" toml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token" toml:"bot_token"`
	ChatID   int64  `json:"chat_id" yaml:"chat_id" toml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// Load reads .env, then the config file at path (or the first default file
// found), then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		loaded, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		for _, candidate := range DefaultConfigFiles {
			loaded, err := loadFromFile(candidate)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			cfg = loaded
			break
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the file value.
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_FUTURES_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)
	cfg.BinanceConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", cfg.BinanceConfig.PaperBalance)

	// Futures config
	cfg.FuturesConfig.PositionMode = getEnvOrDefault("FUTURES_POSITION_MODE", cfg.FuturesConfig.PositionMode)
	cfg.FuturesConfig.DefaultLeverage = getEnvIntOrDefault("FUTURES_DEFAULT_LEVERAGE", cfg.FuturesConfig.DefaultLeverage)
	cfg.FuturesConfig.QuoteAsset = getEnvOrDefault("FUTURES_QUOTE_ASSET", cfg.FuturesConfig.QuoteAsset)
	cfg.FuturesConfig.WorkingType = getEnvOrDefault("FUTURES_WORKING_TYPE", cfg.FuturesConfig.WorkingType)

	// Risk config
	cfg.RiskConfig.MaxRiskPerTrade = getEnvFloatOrDefault("RISK_MAX_RISK_PER_TRADE", cfg.RiskConfig.MaxRiskPerTrade)
	cfg.RiskConfig.MaxLeverage = getEnvIntOrDefault("RISK_MAX_LEVERAGE", cfg.RiskConfig.MaxLeverage)
	cfg.RiskConfig.MaxDailyDrawdown = getEnvFloatOrDefault("RISK_MAX_DAILY_DRAWDOWN", cfg.RiskConfig.MaxDailyDrawdown)
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", cfg.RiskConfig.MaxOpenPositions)

	// Scanner config
	cfg.ScannerConfig.ScanInterval = getEnvIntOrDefault("SCANNER_INTERVAL", cfg.ScannerConfig.ScanInterval)
	cfg.ScannerConfig.TickTimeout = getEnvIntOrDefault("SCANNER_TICK_TIMEOUT", cfg.ScannerConfig.TickTimeout)

	// Engine config
	cfg.EngineConfig.ClientOrderPrefix = getEnvOrDefault("CLIENT_ORDER_PREFIX", cfg.EngineConfig.ClientOrderPrefix)
	cfg.EngineConfig.RestoreOnStart = getEnvBoolOrDefault("ENGINE_RESTORE_ON_START", cfg.EngineConfig.RestoreOnStart)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = int64(getEnvIntOrDefault("TELEGRAM_CHAT_ID", int(cfg.NotificationConfig.Telegram.ChatID)))
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.BinanceConfig.TimeoutSeconds, 10)
	if cfg.BinanceConfig.PaperBalance <= 0 {
		cfg.BinanceConfig.PaperBalance = 10000
	}
	setDefault(&cfg.FuturesConfig.DefaultLeverage, 5)
	setDefault(&cfg.FuturesConfig.LotCacheMinutes, 60)
	setDefaultString(&cfg.FuturesConfig.PositionMode, "ONE_WAY")
	setDefaultString(&cfg.FuturesConfig.QuoteAsset, "USDT")
	setDefaultString(&cfg.FuturesConfig.WorkingType, "MARK_PRICE")

	setDefault(&cfg.ScannerConfig.ScanInterval, 60)
	setDefault(&cfg.ScannerConfig.TickTimeout, 15)
	setDefault(&cfg.ScannerConfig.CrossoverHistory, 50)

	setDefaultString(&cfg.LoggingConfig.Level, "INFO")
	setDefaultString(&cfg.LoggingConfig.Output, "stdout")

	setDefault(&cfg.ServerConfig.Port, 8080)
	setDefaultString(&cfg.ServerConfig.Host, "0.0.0.0")
	setDefaultString(&cfg.ServerConfig.AllowedOrigins, "*")
	setDefault(&cfg.ServerConfig.ReadTimeout, 30)
	setDefault(&cfg.ServerConfig.WriteTimeout, 30)
	setDefault(&cfg.ServerConfig.ShutdownTimeout, 10)

	setDefaultString(&cfg.AuthConfig.Issuer, "futures-risk-engine")
	if cfg.AuthConfig.AccessTokenDuration <= 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}

	setDefaultString(&cfg.RedisConfig.Address, "localhost:6379")
	setDefault(&cfg.RedisConfig.PoolSize, 10)

	setDefaultString(&cfg.DatabaseConfig.Host, "localhost")
	setDefault(&cfg.DatabaseConfig.Port, 5432)
	setDefaultString(&cfg.DatabaseConfig.SSLMode, "disable")

	setDefaultString(&cfg.VaultConfig.Address, "http://localhost:8200")
	setDefaultString(&cfg.VaultConfig.MountPath, "secret")
	setDefaultString(&cfg.VaultConfig.SecretPath, "futures-risk-engine/binance")

	setDefaultString(&cfg.MetricsConfig.Path, "/metrics")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !c.BinanceConfig.MockMode && !c.VaultConfig.Enabled &&
		(c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") {
		errs = append(errs, errors.New("binance api_key and secret_key are required unless mock_mode or vault is enabled"))
	}
	switch strings.ToUpper(c.FuturesConfig.PositionMode) {
	case "ONE_WAY", "HEDGE":
	default:
		errs = append(errs, fmt.Errorf("futures.position_mode must be ONE_WAY or HEDGE, got %q", c.FuturesConfig.PositionMode))
	}
	if c.RiskConfig.MaxRiskPerTrade < 0 || c.RiskConfig.MaxRiskPerTrade > 100 {
		errs = append(errs, fmt.Errorf("risk.max_risk_per_trade must be within [0, 100], got %v", c.RiskConfig.MaxRiskPerTrade))
	}
	if c.RiskConfig.MaxLeverage < 0 || c.RiskConfig.MaxLeverage > 125 {
		errs = append(errs, fmt.Errorf("risk.max_leverage must be within [0, 125], got %d", c.RiskConfig.MaxLeverage))
	}
	if c.AuthConfig.Enabled && len(c.AuthConfig.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters when auth is enabled"))
	}
	if c.NotificationConfig.Telegram.Enabled && (c.NotificationConfig.Telegram.BotToken == "" || c.NotificationConfig.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram bot_token and chat_id are required when telegram is enabled"))
	}
	return errors.Join(errs...)
}

// ScanIntervalDuration returns the scanner interval as a duration.
func (s ScannerConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(s.ScanInterval) * time.Second
}

// TickTimeoutDuration returns the per tick deadline as a duration.
func (s ScannerConfig) TickTimeoutDuration() time.Duration {
	return time.Duration(s.TickTimeout) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		err = toml.Unmarshal(file, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return &config, nil
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDefaultString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		BinanceConfig: BinanceConfig{
			APIKey:       "your_api_key_here",
			SecretKey:    "your_secret_key_here",
			TestNet:      true,
			MockMode:     true,
			PaperBalance: 10000,
		},
		FuturesConfig: FuturesConfig{
			PositionMode:    "ONE_WAY",
			DefaultLeverage: 5,
			QuoteAsset:      "USDT",
			WorkingType:     "MARK_PRICE",
		},
		RiskConfig: RiskConfig{
			MaxRiskPerTrade:  2.0,
			MaxLeverage:      20,
			MaxDailyDrawdown: 5.0,
			MaxOpenPositions: 5,
		},
		ScannerConfig: ScannerConfig{
			ScanInterval:     60,
			TickTimeout:      15,
			CrossoverHistory: 50,
		},
		LoggingConfig: logging.Config{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Port:    8080,
			Host:    "0.0.0.0",
		},
		MetricsConfig: MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(config)
		data = []byte(sb.String())
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
