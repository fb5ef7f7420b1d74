package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"symbol-optimizer/config"
	"symbol-optimizer/internal/api"
	"symbol-optimizer/internal/audit"
	"symbol-optimizer/internal/auth"
	"symbol-optimizer/internal/backtest"
	"symbol-optimizer/internal/cache"
	"symbol-optimizer/internal/circuit"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/events"
	"symbol-optimizer/internal/feed"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/messaging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/risk"
	"symbol-optimizer/internal/scheduler"
	"symbol-optimizer/internal/shadow"
	"symbol-optimizer/internal/vault"
)

// store is everything the running components need from persistence. Both
// the Postgres repository and the in-memory one used for dry runs satisfy it.
type store interface {
	api.Store
	audit.Store
	optimizer.Store
	risk.Store
	circuit.Store
	shadow.Store
	scheduler.Store
}

func main() {
	configPath := flag.String("config", envOr("OPTIMIZER_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Vault secrets override whatever the file and environment carried
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal("Failed to create Vault client", "error", err)
		}
		secrets, err := vaultClient.GetServiceSecrets(ctx)
		if err != nil {
			logger.Fatal("Failed to read secrets from Vault", "error", err)
		}
		secrets.ApplyTo(cfg)
		if err := cfg.Validate(); err != nil {
			logger.Fatal("Configuration invalid after applying Vault secrets", "error", err)
		}
		logger.Info("Secrets loaded from Vault", "address", cfg.VaultConfig.Address)
	}

	repo, closeRepo := openStore(ctx, cfg, logger)
	defer closeRepo()

	bus := events.NewEventBus()

	// Redis: shadow slot guard shared across processes plus the event channel
	var slots cache.SlotGuard = cache.NewMemorySlots()
	var cacheHealth api.CacheHealth
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process shadow slots", "error", err)
		} else {
			defer cacheService.Close()
			cacheHealth = cacheService
			slots = cache.NewRedisSlots(cacheService, cfg.ShadowConfig.MaxHold+time.Hour, logger)
			if cfg.RedisConfig.EventChannel != "" {
				bus.SubscribeAll(cache.NewEventChannel(cacheService, cfg.RedisConfig.EventChannel, logger).Handle)
			}
		}
	}

	trail := audit.NewTrail(repo, bus, logger)
	engine := optimizer.NewEngine(repo, trail, logger)
	adjuster := risk.NewAdjuster(repo, cfg.RiskLimits, logger)
	interlock := circuit.NewInterlock(repo, adjuster, trail, logger)

	simulator := shadow.NewSimulator(repo, slots, adjuster, shadow.Config{
		MaxHold:       cfg.ShadowConfig.MaxHold,
		SweepInterval: cfg.ShadowConfig.SweepInterval,
		Trailing:      cfg.ShadowConfig.Trailing,
	}, logger)
	if n, err := simulator.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore open shadow trades", "error", err)
	} else if n > 0 {
		logger.Info("Restored open shadow trades", "count", n)
	}

	ticks := make(chan feed.Tick, 1024)
	if src := newFeed(cfg.FeedConfig, logger); src != nil {
		go func() {
			if err := src.Stream(ctx, cfg.FeedConfig.Symbols, ticks); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Price feed stopped", "source", cfg.FeedConfig.Source, "error", err)
			}
		}()
	}
	go func() {
		if err := simulator.Run(ctx, nil, ticks); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Shadow simulator stopped", "error", err)
		}
	}()

	// RabbitMQ: signals in, committed events out
	if cfg.RabbitMQConfig.Enabled {
		conn, err := messaging.Dial(ctx, cfg.RabbitMQConfig.URL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "error", err)
		}
		defer conn.Close()

		publisher, err := messaging.NewEventPublisher(conn, cfg.RabbitMQConfig.EventExchange, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", "error", err)
		}
		defer publisher.Close()
		bus.SubscribeAll(publisher.Handle)

		consumer, err := messaging.NewSignalConsumer(conn, cfg.RabbitMQConfig.SignalQueue, cfg.RabbitMQConfig.Prefetch, logger)
		if err != nil {
			logger.Fatal("Failed to create signal consumer", "error", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, simulator.HandleSignal); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Signal consumer stopped", "error", err)
			}
		}()
	}

	backtests := backtest.NewHTTPClient(backtest.HTTPConfig{
		BaseURL:       cfg.BacktestConfig.BaseURL,
		Timeout:       cfg.BacktestConfig.Timeout,
		MaxRetries:    cfg.BacktestConfig.MaxRetries,
		RatePerSecond: cfg.BacktestConfig.RatePerSecond,
		Burst:         cfg.BacktestConfig.Burst,
	}, logger)

	loc, err := time.LoadLocation(cfg.SchedulerConfig.Timezone)
	if err != nil {
		logger.Fatal("Invalid scheduler timezone", "timezone", cfg.SchedulerConfig.Timezone, "error", err)
	}
	sched := scheduler.New(repo, backtests, engine, simulator, trail, scheduler.Config{
		Cron:                  cfg.SchedulerConfig.Cron,
		Location:              loc,
		MaxConcurrentAccounts: cfg.SchedulerConfig.MaxConcurrentAccounts,
		SymbolTimeout:         cfg.BacktestConfig.Timeout,
		StaleRunAge:           cfg.SchedulerConfig.StaleRunAge,
	}, logger)

	// Runs left in progress by a crashed process must not block today's run
	if n, err := sched.RecoverStale(ctx); err != nil {
		logger.Error("Stale run recovery failed", "error", err)
	} else if n > 0 {
		logger.Warn("Marked stale runs failed", "count", n)
	}
	if cfg.SchedulerConfig.Enabled {
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", "error", err)
		}
		defer sched.Stop()
	}

	var jwtManager *auth.JWTManager
	var operators *auth.OperatorStore
	if cfg.AuthConfig.Enabled {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
		ops := make([]auth.Operator, 0, len(cfg.AuthConfig.Operators))
		for _, op := range cfg.AuthConfig.Operators {
			ops = append(ops, auth.Operator{Name: op.Name, KeyHash: op.KeyHash})
		}
		operators, err = auth.NewOperatorStore(ops)
		if err != nil {
			logger.Fatal("Invalid operator credentials", "error", err)
		}
		logger.Info("Authentication enabled", "operators", operators.Len())
	} else {
		logger.Warn("Authentication disabled, all API calls act as the local operator")
	}

	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		AllowedOrigins:  splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode:  envOr("GIN_MODE", "") == "release",
		AuthEnabled:     cfg.AuthConfig.Enabled,
		DefaultOperator: "local",
	}, api.Deps{
		Store:    repo,
		Gate:     interlock,
		Engine:   engine,
		Adjuster: adjuster,
		Runs:     sched,
		Events:   trail,
		Shadow:   simulator,
		Bus:      bus,
		Cache:    cacheHealth,
	}, jwtManager, operators, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}

	logger.Info("Shutdown complete")
}

// openStore connects to Postgres and migrates, or returns the in-memory
// repository for dry runs.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store, func()) {
	if cfg.DryRun {
		logger.Warn("Dry run: state is kept in memory and lost on exit")
		return database.NewMemoryRepository(), func() {}
	}

	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: cfg.DatabaseConfig.MaxConns,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	if cfg.DatabaseConfig.MigrateOnStart {
		if err := db.RunMigrations(); err != nil {
			db.Close()
			logger.Fatal("Failed to run migrations", "error", err)
		}
	}
	return database.NewRepository(db), db.Close
}

func newFeed(cfg config.FeedConfig, logger *logging.Logger) feed.Source {
	switch cfg.Source {
	case "binance":
		return feed.NewBinanceBookTicker(cfg.TestNet, logger)
	case "ws":
		return feed.NewWSFeed(cfg.URL, logger)
	default:
		logger.Warn("No price feed configured, shadow positions close only on timeout or manual exit")
		return nil
	}
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
