package main

import (
	"context"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trend-portfolio-bot/config"
	"trend-portfolio-bot/internal/api"
	"trend-portfolio-bot/internal/broker"
	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/engine"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/execution"
	"trend-portfolio-bot/internal/ha"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/notification"
	"trend-portfolio-bot/internal/risk"
	"trend-portfolio-bot/internal/scheduler"
	"trend-portfolio-bot/internal/signal"
	"trend-portfolio-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	// Database + schema
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.WithError(err).Error("database connection failed")
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.WithError(err).Error("migrations failed")
		os.Exit(1)
	}

	repo := database.NewRepository(db)
	if err := repo.EnsurePortfolioState(ctx, cfg.PortfolioConfig.InitialCapital); err != nil {
		logger.WithError(err).Error("portfolio state init failed")
		os.Exit(1)
	}

	strategyID, err := repo.EnsureStrategy(ctx, "trend_following",
		"Supertrend carry with ATR trailing stops and pyramiding")
	if err != nil {
		logger.WithError(err).Error("strategy registration failed")
		os.Exit(1)
	}

	// Redis backs signal dedup and the leader election fast path; both
	// degrade gracefully without it.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, continuing without it")
			redisClient = nil
		}
	}

	eventBus := events.NewEventBus()

	// Broker credentials: Vault when enabled, environment otherwise
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.WithError(err).Error("vault client failed")
		os.Exit(1)
	}
	if !vaultClient.IsEnabled() {
		vaultClient.SetCredentials(vault.BrokerCredentials{
			APIKey:      cfg.BrokerConfig.APIKey,
			AccessToken: cfg.BrokerConfig.AccessToken,
		})
	}

	var brk broker.Broker
	if cfg.BrokerConfig.MockMode || cfg.BrokerConfig.DryRun {
		brk = broker.NewMockBroker(cfg.PortfolioConfig.InitialCapital)
		logger.Warn("running against the simulated broker",
			"mock_mode", cfg.BrokerConfig.MockMode, "dry_run", cfg.BrokerConfig.DryRun)
	} else {
		creds, err := vaultClient.GetCredentials(ctx)
		if err != nil {
			logger.WithError(err).Error("broker credentials unavailable")
			os.Exit(1)
		}
		brk = broker.NewKiteClient(broker.KiteConfig{
			BaseURL:     cfg.BrokerConfig.BaseURL,
			APIKey:      creds.APIKey,
			AccessToken: creds.AccessToken,
			Timeout:     time.Duration(cfg.BrokerConfig.TimeoutSecs) * time.Second,
		})
	}

	// Domain collaborators
	catalog := instrument.NewCatalog()
	resolver := instrument.NewResolver(catalog,
		cfg.RolloverConfig.StrikeInterval, cfg.RolloverConfig.Prefer1000s)

	calendar, err := market.NewCalendar(market.Config{
		NSEStart:       cfg.MarketHoursConfig.NSEStart,
		NSEEnd:         cfg.MarketHoursConfig.NSEEnd,
		MCXStart:       cfg.MarketHoursConfig.MCXStart,
		MCXSummerClose: cfg.MarketHoursConfig.MCXSummerClose,
		MCXWinterClose: cfg.MarketHoursConfig.MCXWinterClose,
	})
	if err != nil {
		logger.WithError(err).Error("calendar init failed")
		os.Exit(1)
	}

	deduper := signal.NewDeduper(
		cfg.SignalConfig.DedupLRUSize,
		time.Duration(cfg.SignalConfig.CoalesceWindowSeconds)*time.Second,
		time.Duration(cfg.SignalConfig.DedupRetentionDays)*24*time.Hour,
		redisClient,
	)

	validator := signal.NewValidator(signal.ValidatorConfig{
		MaxAge:              time.Duration(cfg.SignalConfig.MaxAgeSeconds) * time.Second,
		EntryDivergencePct:  cfg.SignalConfig.EntryDivergencePct,
		LayerDivergencePct:  cfg.SignalConfig.PyramidDivergencePct,
		Use1RGate:           cfg.PyramidGateConfig.Use1RGate,
		ValidationEnabled:   cfg.ExecutionConfig.SignalValidationEnabled,
		AllowFavorableAbove: true,
	})

	gate := risk.NewGate(risk.GateConfig{
		MaxPortfolioRiskPct: cfg.PortfolioConfig.MaxPortfolioRiskPct,
		RiskWarningPct:      cfg.PyramidGateConfig.RiskWarningPct,
		RiskBlockPct:        cfg.PyramidGateConfig.RiskBlockPct,
		VolBlockPct:         cfg.PyramidGateConfig.VolBlockPct,
		MarginBlockPct:      cfg.PyramidGateConfig.MarginBlockPct,
		ATRPyramidSpacing:   cfg.PyramidGateConfig.ATRPyramidSpacing,
	})

	execCfg := execution.DefaultConfig()
	if cfg.ExecutionConfig.Strategy != "" {
		execCfg.Strategy = cfg.ExecutionConfig.Strategy
	}
	if cfg.ExecutionConfig.MaxAttempts > 0 {
		execCfg.MaxAttempts = cfg.ExecutionConfig.MaxAttempts
	}
	if cfg.ExecutionConfig.LimitBufferPct > 0 {
		execCfg.LimitBufferPct = cfg.ExecutionConfig.LimitBufferPct
	}
	if cfg.ExecutionConfig.OrderTimeoutSecs > 0 {
		execCfg.OrderTimeout = time.Duration(cfg.ExecutionConfig.OrderTimeoutSecs) * time.Second
	}
	if cfg.ExecutionConfig.PollIntervalMs > 0 {
		execCfg.PollInterval = time.Duration(cfg.ExecutionConfig.PollIntervalMs) * time.Millisecond
	}

	tracker := execution.NewTracker(zerolog.New(os.Stdout).With().Timestamp().Logger())
	executor := execution.NewExecutor(execCfg, brk, tracker, nil)

	// Leader election
	elector := ha.NewElector(ha.Config{
		Enabled:           cfg.HAConfig.Enabled,
		LockTTL:           time.Duration(cfg.HAConfig.LockTTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HAConfig.HeartbeatSeconds) * time.Second,
	}, repo, redisClient, eventBus, logger)

	// Notifications
	notifier := notification.NewManager(cfg.NotificationConfig.Enabled, logger)
	notifier.AddSender(notification.NewTelegramSender(notification.TelegramConfig{
		Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		BotToken: cfg.NotificationConfig.Telegram.BotToken,
		ChatID:   cfg.NotificationConfig.Telegram.ChatID,
	}))
	notifier.AddSender(notification.NewWebhookSender(notification.WebhookConfig{
		Enabled: cfg.NotificationConfig.Webhook.Enabled,
		URL:     cfg.NotificationConfig.Webhook.URL,
	}))

	eng := engine.New(engine.Config{
		MaxPortfolioRiskPct:  cfg.PortfolioConfig.MaxPortfolioRiskPct,
		MaxMarginUtilPct:     cfg.PortfolioConfig.MaxMarginUtilPct,
		StateConflictRetries: cfg.PortfolioConfig.StateConflictRetries,
		SignalDeadline:       cfg.SignalDeadline(false),
		EODDeadline:          cfg.SignalDeadline(true),
		EODWindowMinutes:     cfg.EODConfig.MonitoringStartMinutes,
		WorkerPoolSize:       cfg.ExecutionConfig.WorkerPoolSize,
		CoalesceWindow:       time.Duration(cfg.SignalConfig.CoalesceWindowSeconds) * time.Second,
	}, engine.Deps{
		Catalog:    catalog,
		Resolver:   resolver,
		Calendar:   calendar,
		Deduper:    deduper,
		Validator:  validator,
		Gate:       gate,
		Executor:   executor,
		Broker:     brk,
		Positions:  repo,
		State:      repo,
		Audit:      repo,
		Bus:        eventBus,
		Notifier:   notifier,
		Logger:     logger,
		InstanceID: elector.InstanceID(),
		IsLeader:   elector.IsLeader,
		StrategyID: &strategyID,
	})

	// A pause survives restarts; pick it up before accepting signals
	if err := eng.RestorePauseState(ctx); err != nil {
		logger.WithError(err).Warn("pause state restore failed")
	}

	if err := elector.Start(ctx); err != nil {
		logger.WithError(err).Error("leader election start failed")
		os.Exit(1)
	}

	// Background loops
	rolloverScanner := scheduler.NewRolloverScanner(scheduler.RolloverConfig{
		Enabled:       cfg.RolloverConfig.Enabled,
		ScanHour:      cfg.RolloverConfig.ScanHour,
		ScanMinute:    cfg.RolloverConfig.ScanMinute,
		MaxRetries:    cfg.RolloverConfig.MaxRetries,
		RetryInterval: time.Duration(cfg.RolloverConfig.RetryIntervalSec) * time.Second,
		LookaheadDays: lookaheadOverrides(cfg),
	}, eng, repo, catalog, calendar, elector.IsLeader, logger)

	eodMonitor := scheduler.NewEODMonitor(scheduler.EODConfig{
		Enabled:       cfg.EODConfig.Enabled,
		WindowMinutes: cfg.EODConfig.MonitoringStartMinutes,
		CheckInterval: time.Duration(cfg.EODConfig.ConditionCheckSeconds) * time.Second,
	}, eng, catalog, calendar, eventBus, elector.IsLeader, logger)

	maintenance := scheduler.NewMaintenance(scheduler.MaintenanceConfig{
		RetentionDays:  cfg.HAConfig.RetentionDays,
		CleanupHourUTC: cfg.HAConfig.CleanupHourUTC,
	}, repo, elector.IsLeader, logger)

	stopWatcher := scheduler.NewStopWatcher(scheduler.StopWatcherConfig{
		CheckInterval: time.Duration(cfg.EODConfig.TrackingSeconds) * time.Second,
	}, eng, catalog, calendar, elector.IsLeader, logger)

	if err := rolloverScanner.Start(); err != nil {
		logger.WithError(err).Error("rollover scanner start failed")
		os.Exit(1)
	}
	if err := eodMonitor.Start(); err != nil {
		logger.WithError(err).Error("eod monitor start failed")
		os.Exit(1)
	}
	if err := maintenance.Start(); err != nil {
		logger.WithError(err).Error("maintenance start failed")
		os.Exit(1)
	}
	if err := stopWatcher.Start(); err != nil {
		logger.WithError(err).Error("stop watcher start failed")
		os.Exit(1)
	}

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		SignalDeadline: cfg.SignalDeadline(false),
		APIKey:         cfg.ServerConfig.APIKey,
		APIKeyHash:     cfg.ServerConfig.APIKeyHash,
	}, eng, repo, rolloverScanner, eodMonitor, stopWatcher, catalog, calendar, eventBus,
		elector.InstanceID(), elector.IsLeader,
		func() { elector.NoteSignal(time.Now()) }, logger)

	// Operational settings only; credentials and keys stay out
	server.SetConfigView(map[string]interface{}{
		"portfolio":     cfg.PortfolioConfig,
		"pyramid_gates": cfg.PyramidGateConfig,
		"equity":        cfg.EquityConfig,
		"rollover":      cfg.RolloverConfig,
		"market_hours":  cfg.MarketHoursConfig,
		"eod":           cfg.EODConfig,
		"execution":     cfg.ExecutionConfig,
		"signal":        cfg.SignalConfig,
		"ha":            cfg.HAConfig,
		"broker": map[string]interface{}{
			"mock_mode": cfg.BrokerConfig.MockMode,
			"dry_run":   cfg.BrokerConfig.DryRun,
		},
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("http server failed")
			os.Exit(1)
		}
	}()

	logger.Info("portfolio manager running",
		"instance", elector.InstanceID(),
		"port", cfg.ServerConfig.Port,
		"ha", cfg.HAConfig.Enabled,
		"mock_broker", cfg.BrokerConfig.MockMode || cfg.BrokerConfig.DryRun)

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown failed")
	}

	stopWatcher.Stop()
	rolloverScanner.Stop()
	eodMonitor.Stop()
	maintenance.Stop()
	elector.Stop()

	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("shutdown complete")
}

// lookaheadOverrides collects per-instrument rollover windows from config
func lookaheadOverrides(cfg *config.Config) map[string]int {
	out := make(map[string]int)
	for name, days := range map[string]int{
		"BANK_NIFTY":  cfg.RolloverConfig.BankNiftyDays,
		"GOLD_MINI":   cfg.RolloverConfig.GoldMiniDays,
		"SILVER_MINI": cfg.RolloverConfig.SilverMiniDays,
		"COPPER":      cfg.RolloverConfig.CopperDays,
	} {
		if days > 0 {
			out[name] = days
		}
	}
	return out
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
