package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/cache"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/config"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/database"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/middleware"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/swagger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/telemetry"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/api"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/handler"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/quote"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/scheduler"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/valuation"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/migrations"
)

const (
	serviceName = "ledger-service"
	devSecret   = "dev-secret-change-in-production"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("config")
	if err != nil {
		logger.Init(serviceName, "info", true)
		logger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(serviceName, cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Msg("Starting Ledger Service")

	ctx := context.Background()

	// Tracing
	tp, err := telemetry.Init(ctx, &telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		CollectorURL: cfg.Telemetry.CollectorURL,
		Environment:  cfg.Telemetry.Environment,
		Enabled:      cfg.Telemetry.Enabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to init telemetry")
	}

	// Storage
	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("host", cfg.Database.Host).Msg("Failed to open database")
	}
	if pool != nil {
		stopPoolStats := watchPool(pool)
		defer stopPoolStats()
	}

	// Redis: shared quote cache and batch locks
	var (
		redisClient *redis.Client
		quoteStore  quote.Store
		locker      scheduler.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewClient(ctx, cache.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, using in-process cache only")
		} else {
			quoteStore = cache.NewRedisStore(redisClient, "ledger:quotes")
			locker = cache.NewLocker(redisClient, "ledger:batch")
			logger.Info().Str("addr", cfg.Redis.Addr()).Msg("Connected to Redis")
		}
	}

	// Kafka publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if brokers := cfg.Kafka.Brokers; len(brokers) > 0 && brokers[0] != "" {
		publisher = events.NewKafkaPublisher(brokers)
		logger.Info().Strs("brokers", brokers).Msg("Publishing events to Kafka")
	} else {
		logger.Warn().Msg("Kafka not configured, events will not be published")
	}

	// Quote providers
	keys := marketdata.Keys{
		Finnhub:      cfg.Quotes.FinnhubKey,
		Polygon:      cfg.Quotes.PolygonKey,
		TwelveData:   cfg.Quotes.TwelveDataKey,
		AlphaVantage: cfg.Quotes.AlphaVantageKey,
		AlpacaKey:    cfg.Quotes.AlpacaKey,
		AlpacaSecret: cfg.Quotes.AlpacaSecret,
	}
	providers, err := marketdata.NewProviders(cfg.Quotes.Order, keys, cfg.Quotes.ProviderTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid quote provider configuration")
	}
	if len(providers) == 0 {
		logger.Warn().Msg("No quote providers configured, quotes will be unavailable")
	}
	resolver := quote.NewResolver(quote.Config{
		TTL:             cfg.Quotes.TTL,
		StaleTTL:        cfg.Quotes.StaleTTL,
		ProviderTimeout: cfg.Quotes.ProviderTimeout,
		MaxEntries:      cfg.Quotes.MaxEntries,
		Attempts:        cfg.Quotes.Attempts,
	}, providers, quoteStore)
	logger.Info().Strs("providers", resolver.Providers()).Msg("Quote resolver ready")

	// Dividend calendar
	var calendar dividend.Calendar
	if cfg.Quotes.FinnhubKey != "" {
		calendar = marketdata.NewFinnhub(cfg.Quotes.FinnhubKey, "", cfg.Quotes.ProviderTimeout)
	} else {
		logger.Warn().Msg("No Finnhub key, dividend ingest is disabled")
	}

	location, err := time.LoadLocation(cfg.Dividends.Timezone)
	if err != nil {
		logger.Warn().Err(err).Str("timezone", cfg.Dividends.Timezone).Msg("Unknown timezone, using UTC")
		location = time.UTC
	}

	// Services
	walletSvc := wallet.NewService(store, publisher, decimal.NewFromFloat(cfg.Wallet.Cap))
	tradeEngine := trade.NewEngine(store, walletSvc, publisher)
	valuationEngine := valuation.NewEngine(store, resolver, publisher, valuation.Config{
		IncludeWallet: cfg.Valuation.IncludeWallet,
		Epsilon:       decimal.NewFromFloat(cfg.Valuation.Epsilon),
		MinInterval:   cfg.Valuation.MinInterval,
		ActiveWindow:  cfg.Valuation.ActiveWindow,
	})
	walletSvc.SetNotifier(valuationEngine)
	tradeEngine.SetNotifier(valuationEngine)

	pipeline := dividend.NewPipeline(store, calendar, walletSvc, publisher, dividend.Config{
		WithholdingRate:  decimal.NewFromFloat(cfg.Dividends.WithholdingRate),
		IngestWindowDays: cfg.Dividends.IngestWindowDays,
		Location:         location,
	})

	sched, err := scheduler.New(scheduler.Config{
		IngestCron:   cfg.Dividends.IngestCron,
		SnapshotCron: cfg.Dividends.SnapshotCron,
		SettleCron:   cfg.Dividends.SettleCron,
		TickInterval: cfg.Valuation.TickInterval,
		Location:     location,
	}, pipeline, valuationEngine, locker)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid scheduler configuration")
	}
	if cfg.Dividends.SchedulerEnabled {
		sched.Start()
	}

	// Handler
	h := handler.New(handler.Deps{
		Wallet:    walletSvc,
		Trades:    tradeEngine,
		Dividends: pipeline,
		Valuation: valuationEngine,
		Quotes:    resolver,
		Batch:     sched,
		DB:        store,
	})

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		logger.Warn().Msg("auth.jwt_secret not set, using development secret")
		jwtSecret = devSecret
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "EquiShare Ledger Service",
		ErrorHandler: response.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.CORS(middleware.CORSConfig{AllowOrigins: cfg.Server.AllowedOrigins}))
	app.Use(metrics.Middleware(metrics.Config{
		ServiceName: serviceName,
		SkipPaths:   []string{"/health", "/ready", "/metrics"},
	}))
	app.Use(middleware.RateLimiter(middleware.RateLimitConfig{Max: 300, Duration: time.Minute}))

	h.Register(app, jwtSecret)
	if cfg.Telemetry.Environment != "production" {
		app.Use("/docs", swagger.Handler(swagger.Config{Spec: api.OpenAPI, Title: "EquiShare Ledger API"}))
	}

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := app.Listen(addr); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Ledger Service started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down Ledger Service")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("Error during HTTP shutdown")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Scheduler did not stop in time")
	}
	valuationEngine.Wait()

	if err := publisher.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing publisher")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	store.Close()
	if err := tp.Shutdown(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down tracer")
	}
	logger.Info().Msg("Ledger Service stopped")
}

// openStore connects to Postgres and applies migrations. The in-memory store
// is used only when no database host is configured; a configured host that
// cannot be reached is an error, never a silent fallback.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, *pgxpool.Pool, error) {
	if cfg.Database.Host == "" || cfg.Database.Host == "memory" {
		logger.Warn().Msg("No database configured, using in-memory store")
		return repository.NewMemoryStore(), nil, nil
	}

	pool, err := database.NewPool(ctx, &database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
		Tracing:  cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("host", cfg.Database.Host).Msg("Connected to database")

	if cfg.Database.Migrate {
		applied, err := database.Migrate(ctx, pool, migrations.FS, ".")
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			logger.Info().Strs("versions", applied).Msg("Applied migrations")
		}
	}
	return repository.NewPostgresStore(pool), pool, nil
}

func watchPool(pool *pgxpool.Pool) func() {
	ticker := time.NewTicker(15 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stat := pool.Stat()
				metrics.RecordDBPoolStats(serviceName, int(stat.AcquiredConns()), int(stat.MaxConns()))
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
