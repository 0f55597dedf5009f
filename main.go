package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"futures-risk-engine/config"
	"futures-risk-engine/internal/api"
	"futures-risk-engine/internal/auth"
	"futures-risk-engine/internal/binance"
	"futures-risk-engine/internal/database"
	"futures-risk-engine/internal/engine"
	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/gateway"
	"futures-risk-engine/internal/logging"
	"futures-risk-engine/internal/notification"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/scanner"
	"futures-risk-engine/internal/vault"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "config file (json, toml or yaml); defaults to the first of "+strings.Join(config.DefaultConfigFiles, ", "))
	sampleConfig := flag.String("sample-config", "", "write a sample config to this file and exit")
	issueToken := flag.String("issue-token", "", "print an API bearer token for this subject and exit")
	tokenRole := flag.String("role", auth.RoleOperator, "role of the issued token (operator or viewer)")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample config written to %s\n", *sampleConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	cfg.LoggingConfig.Component = "main"
	logger, logCloser, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logging.SetDefault(logger)

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenRole); err != nil {
			logger.Error().Err(err).Msg("Failed to issue token")
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Engine stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func printToken(cfg *config.Config, subject, role string) error {
	if cfg.AuthConfig.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set")
	}
	tok, err := newJWTManager(cfg).GenerateAccessToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(tok.AccessToken)
	return nil
}

func newJWTManager(cfg *config.Config) *auth.JWTManager {
	return auth.NewJWTManager(auth.Config{
		JWTSecret:           cfg.AuthConfig.JWTSecret,
		Issuer:              cfg.AuthConfig.Issuer,
		AccessTokenDuration: cfg.AuthConfig.AccessTokenDuration,
	})
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()
	health := map[string]api.HealthCheck{}

	// Exchange credentials from Vault when configured
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	if vaultClient.IsEnabled() {
		health["vault"] = vaultClient.Health
		if cfg.BinanceConfig.APIKey == "" && !cfg.BinanceConfig.MockMode {
			creds, err := vaultClient.GetCredentials(ctx, cfg.BinanceConfig.TestNet)
			if err != nil {
				return fmt.Errorf("failed to load exchange credentials: %w", err)
			}
			cfg.BinanceConfig.APIKey = creds.APIKey
			cfg.BinanceConfig.SecretKey = creds.SecretKey
			logger.Info().Bool("testnet", creds.IsTestnet).Msg("Exchange credentials loaded from Vault")
		}
	}

	exchange := newExchangeClient(cfg, logger)
	gw := gateway.NewBinance(exchange, gateway.Config{
		HedgeMode:   cfg.FuturesConfig.HedgeMode(),
		QuoteAsset:  cfg.FuturesConfig.QuoteAsset,
		WorkingType: binance.WorkingType(strings.ToUpper(cfg.FuturesConfig.WorkingType)),
		LotCacheTTL: time.Duration(cfg.FuturesConfig.LotCacheMinutes) * time.Minute,
	}, logger)

	// Protective state and client order id sequence
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	store := database.NewRedisProtectiveStateStore(redisClient, logger)
	if redisClient != nil {
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Modification audit trail
	var auditRepo orders.ModificationEventRepository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
		auditRepo = db
		health["database"] = db.HealthCheck
	}
	tracker := orders.NewModificationTracker(auditRepo, logger)

	ids := orders.NewClientOrderIDGenerator(store, cfg.EngineConfig.ClientOrderPrefix, logger)
	protective := orders.NewProtectiveManager(gw, logger,
		orders.WithStateStore(store),
		orders.WithModificationTracker(tracker),
		orders.WithPublisher(eventBus),
		orders.WithClientOrderIDs(ids),
	)
	if cfg.EngineConfig.RestoreOnStart {
		n, err := protective.Restore(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to restore protective slots")
		} else {
			logger.Info().Int("slots", n).Msg("Protective slots restored")
		}
	}

	eng, err := engine.New(engine.Deps{
		Gateway:    gw,
		Provider:   gw,
		Protective: protective,
		Closer:     orders.NewCloser(gw, ids, eventBus, logger),
		Publisher:  eventBus,
		Risk: risk.NewManager(risk.Config{
			MaxRiskPerTrade:  cfg.RiskConfig.MaxRiskPerTrade,
			MaxLeverage:      cfg.RiskConfig.MaxLeverage,
			MaxDailyDrawdown: cfg.RiskConfig.MaxDailyDrawdown,
			MaxOpenPositions: cfg.RiskConfig.MaxOpenPositions,
		}),
		Scanner: scanner.NewScanner(gw, gw, ids, eventBus, scanner.ScannerConfig{
			ScanInterval:     cfg.ScannerConfig.ScanIntervalDuration(),
			TickTimeout:      cfg.ScannerConfig.TickTimeoutDuration(),
			CrossoverHistory: cfg.ScannerConfig.CrossoverHistory,
		}, logger),
	}, logger)
	if err != nil {
		return err
	}

	if err := setupNotifications(cfg, eventBus, logger); err != nil {
		return err
	}
	eventBus.Subscribe(events.EventError, func(ev events.Event) {
		logger.Error().Interface("data", ev.Data).Msg("Engine error event")
	})

	g, gctx := errgroup.WithContext(ctx)

	if redisClient != nil {
		g.Go(func() error {
			store.MonitorConnection(gctx, 30*time.Second)
			return nil
		})
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		serverConfig := api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: !strings.EqualFold(cfg.LoggingConfig.Level, "debug"),
			AllowedOrigins: parseOrigins(cfg.ServerConfig.AllowedOrigins),
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		}
		if cfg.MetricsConfig.Enabled {
			serverConfig.MetricsPath = cfg.MetricsConfig.Path
		}
		deps := api.Deps{Engine: eng, History: tracker, EventBus: eventBus, Health: health}
		if cfg.AuthConfig.Enabled {
			deps.JWT = newJWTManager(cfg)
		}
		server, err = api.NewServer(serverConfig, deps, logger)
		if err != nil {
			return err
		}
		g.Go(server.Start)
	}

	logger.Info().
		Bool("mock_mode", cfg.BinanceConfig.MockMode).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Bool("hedge_mode", cfg.FuturesConfig.HedgeMode()).
		Bool("api", cfg.ServerConfig.Enabled).
		Msg("Futures risk engine started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer cancel()

		var errs []error
		if server != nil {
			errs = append(errs, server.Shutdown(shutdownCtx))
		}
		errs = append(errs, eng.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newExchangeClient returns the live futures client, or the paper exchange
// priced from public mark prices in mock mode.
func newExchangeClient(cfg *config.Config, logger zerolog.Logger) binance.FuturesAPI {
	clientConfig := binance.ClientConfig{
		APIKey:    cfg.BinanceConfig.APIKey,
		SecretKey: cfg.BinanceConfig.SecretKey,
		Testnet:   cfg.BinanceConfig.TestNet,
		BaseURL:   cfg.BinanceConfig.BaseURL,
		Timeout:   time.Duration(cfg.BinanceConfig.TimeoutSeconds) * time.Second,
	}
	if !cfg.BinanceConfig.MockMode {
		return binance.NewFuturesClient(clientConfig, logger)
	}

	clientConfig.APIKey, clientConfig.SecretKey = "", ""
	public := binance.NewFuturesClient(clientConfig, logger)
	logger.Warn().Float64("paper_balance", cfg.BinanceConfig.PaperBalance).Msg("Mock mode: orders go to the paper exchange")
	return binance.NewFuturesMockClient(decimal.NewFromFloat(cfg.BinanceConfig.PaperBalance), func(symbol string) (decimal.Decimal, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mp, err := public.GetMarkPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return mp.MarkPrice, nil
	})
}

func setupNotifications(cfg *config.Config, eventBus *events.EventBus, logger zerolog.Logger) error {
	if !cfg.NotificationConfig.Enabled {
		return nil
	}
	manager := notification.NewManager(notification.SeverityInfo, logger)

	if cfg.NotificationConfig.Telegram.Enabled {
		telegram, err := notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  true,
		})
		if err != nil {
			return err
		}
		manager.AddNotifier(telegram)
		logger.Info().Msg("Telegram notifications enabled")
	}

	if cfg.NotificationConfig.Discord.Enabled {
		manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    true,
		}))
		logger.Info().Msg("Discord notifications enabled")
	}

	if manager.Enabled() {
		manager.Subscribe(eventBus)
	}
	return nil
}

func parseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		origins = append(origins, o)
	}
	return origins
}
