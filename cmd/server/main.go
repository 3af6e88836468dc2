package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/propertyhub/rules/internal/config"
	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/schema"
	"github.com/propertyhub/rules/performance"
	"github.com/propertyhub/rules/pricing"
	"github.com/propertyhub/rules/rules"
)

// app holds the running components that need an orderly shutdown.
type app struct {
	server *Server
	db     *sql.DB
	redis  *redis.Client
	engine *rules.Engine
	async  *performance.AsyncRecorder
	cron   *cron.Cron
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// the database container may still be starting
	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis unavailable, using in-memory rule cache", "addr", cfg.Redis.Addr, "error", err)
		client.Close()
		return nil
	}
	return client
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	var (
		ruleStore rules.RuleStore          = rules.NewInMemoryRuleStore()
		perfStore performance.Store        = performance.NewMemoryStore()
		market    pricing.MarketDataSource = pricing.NewStaticMarketData()
	)
	if cfg.Database.URL != "" {
		db, err := openDatabase(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.db = db
		if cfg.Database.AutoMigrate {
			if err := schema.Up(cfg.Database.URL); err != nil {
				db.Close()
				return nil, err
			}
		}
		ruleStore = rules.NewPostgresRuleStore(db)
		perfStore = performance.NewPostgresStore(db)
		market = pricing.NewPostgresMarketData(db)
	} else {
		logger.Warn("DATABASE_URL not set, rules and performance are kept in memory")
	}

	cacheConfig := rules.CacheConfig{TTL: cfg.Rules.CacheTTL, Size: cfg.Rules.CacheSize}
	var cache rules.RulesCache = rules.NewInMemoryRulesCache(cacheConfig)
	var dispatcher rules.Dispatcher
	if cfg.Redis.Addr != "" {
		if client := openRedis(ctx, cfg); client != nil {
			a.redis = client
			cache = rules.NewRedisRulesCache(client, cfg.Redis.CachePrefix, cacheConfig)
			dispatcher = rules.NewRedisDispatcher(client, cfg.Redis.DispatchPrefix)
		}
	}

	recorder := performance.NewRecorder(perfStore)
	a.async = performance.NewAsyncRecorder(recorder, performance.AsyncConfig{
		QueueSize:  cfg.Recorder.QueueSize,
		Workers:    cfg.Recorder.Workers,
		MaxRetries: uint(cfg.Recorder.MaxRetries),
	})

	engine, err := rules.NewEngine(ruleStore,
		rules.WithCache(cache),
		rules.WithDispatcher(dispatcher),
		rules.WithResultSink(a.async),
		rules.WithFetchTimeout(cfg.Rules.FetchTimeout),
	)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	a.cron = cron.New()
	_, err = a.cron.AddFunc(cfg.Rules.CacheRefreshSchedule, func() {
		engine.InvalidateCache(context.Background())
		logger.Debug("rule cache refreshed")
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cache refresh schedule %q", cfg.Rules.CacheRefreshSchedule)
	}

	a.server = NewServer(Deps{
		DB:          a.db,
		Redis:       a.redis,
		Store:       ruleStore,
		Engine:      engine,
		Performance: recorder,
		Pricing:     pricing.NewService(engine, market),
	})
	return a, nil
}

// shutdown stops intake first, then drains background work.
func (a *app) shutdown(ctx context.Context) {
	<-a.cron.Stop().Done()

	if err := a.async.Close(ctx); err != nil {
		logger.Warn("performance recorder did not drain", "error", err)
	}
	a.engine.Close()

	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	if err := logger.Configure(logger.Options{
		Level:       cfg.Log.Level,
		SampleRate:  cfg.Log.SampleRate,
		FilePath:    cfg.Log.FilePath,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		OTELEnabled: cfg.Log.OTELEnabled,
		ServiceName: cfg.Log.ServiceName,
	}); err != nil {
		logger.Fatal("failed to configure logger", "error", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := build(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.Fatal("failed to start", "error", err)
	}
	a.cron.Start()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	a.shutdown(ctx)

	logger.Info("server stopped")
	if err := logger.Shutdown(ctx); err != nil {
		logger.Warn("failed to flush logs", "error", err)
	}
}
