package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "config.json",
			body: `{"binance":{"mock_mode":true},"futures":{"position_mode":"HEDGE"},"risk":{"max_risk_per_trade":1.5,"max_leverage":10},"scanner":{"scan_interval":30}}`,
		},
		{
			name: "toml",
			file: "config.toml",
			body: "[binance]\nmock_mode = true\n[futures]\nposition_mode = \"HEDGE\"\n[risk]\nmax_risk_per_trade = 1.5\nmax_leverage = 10\n[scanner]\nscan_interval = 30\n",
		},
		{
			name: "yaml",
			file: "config.yaml",
			body: "binance:\n  mock_mode: true\nfutures:\n  position_mode: HEDGE\nrisk:\n  max_risk_per_trade: 1.5\n  max_leverage: 10\nscanner:\n  scan_interval: 30\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.body))
			require.NoError(t, err)
			assert.True(t, cfg.BinanceConfig.MockMode)
			assert.True(t, cfg.FuturesConfig.HedgeMode())
			assert.Equal(t, 1.5, cfg.RiskConfig.MaxRiskPerTrade)
			assert.Equal(t, 10, cfg.RiskConfig.MaxLeverage)
			assert.Equal(t, 30*time.Second, cfg.ScannerConfig.ScanIntervalDuration())

			// defaults fill the rest
			assert.Equal(t, "USDT", cfg.FuturesConfig.QuoteAsset)
			assert.Equal(t, 15*time.Second, cfg.ScannerConfig.TickTimeoutDuration())
			assert.Equal(t, 8080, cfg.ServerConfig.Port)
			assert.Equal(t, "/metrics", cfg.MetricsConfig.Path)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"binance":{"mock_mode":true},"risk":{"max_open_positions":3},"logging":{"level":"DEBUG"}}`)
	t.Setenv("RISK_MAX_OPEN_POSITIONS", "7")
	t.Setenv("FUTURES_POSITION_MODE", "hedge")
	t.Setenv("AUTH_ACCESS_TOKEN_DURATION", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RiskConfig.MaxOpenPositions)
	assert.True(t, cfg.FuturesConfig.HedgeMode())
	assert.Equal(t, time.Hour, cfg.AuthConfig.AccessTokenDuration)
	assert.Equal(t, "DEBUG", cfg.LoggingConfig.Level, "unset variables keep the file value")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{BinanceConfig: BinanceConfig{MockMode: true}}
		applyDefaults(cfg)
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "live mode needs credentials",
			mutate:  func(c *Config) { c.BinanceConfig.MockMode = false },
			wantErr: "api_key and secret_key",
		},
		{
			name: "vault supplies credentials",
			mutate: func(c *Config) {
				c.BinanceConfig.MockMode = false
				c.VaultConfig.Enabled = true
			},
		},
		{
			name:    "unknown position mode",
			mutate:  func(c *Config) { c.FuturesConfig.PositionMode = "BOTH" },
			wantErr: "position_mode",
		},
		{
			name:    "risk cap above 100",
			mutate:  func(c *Config) { c.RiskConfig.MaxRiskPerTrade = 150 },
			wantErr: "max_risk_per_trade",
		},
		{
			name: "short jwt secret",
			mutate: func(c *Config) {
				c.AuthConfig.Enabled = true
				c.AuthConfig.JWTSecret = "short"
			},
			wantErr: "jwt_secret",
		},
		{
			name:    "telegram without chat",
			mutate:  func(c *Config) { c.NotificationConfig.Telegram = TelegramConfig{Enabled: true, BotToken: "t"} },
			wantErr: "telegram",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateSampleConfig_RoundTrips(t *testing.T) {
	for _, name := range []string{"sample.json", "sample.toml", "sample.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, GenerateSampleConfig(path))
			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 2.0, cfg.RiskConfig.MaxRiskPerTrade)
			assert.Equal(t, 5, cfg.FuturesConfig.DefaultLeverage)
		})
	}
}
