// Package bootstrap builds the components shared by the API and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/events"
	"import-orchestrator/internal/ledger"
	"import-orchestrator/internal/lock"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/notify"
	"import-orchestrator/internal/orchestrator"
	"import-orchestrator/internal/ratelimit"
	"import-orchestrator/internal/scheduler"
	"import-orchestrator/internal/schema"
	"import-orchestrator/internal/security"
	"import-orchestrator/internal/source"
	"import-orchestrator/internal/store"
	"import-orchestrator/internal/telemetry"
	"import-orchestrator/internal/worker"
)

// App holds the wired components of one process.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    store.Store
	Redis    *redis.Client
	Bus      events.Bus
	Locks    *lock.Manager
	Schemas  *schema.Registry
	Ledger   *ledger.Ledger
	Resolver *source.Resolver
	Notifier notify.Notifier
	Service  *orchestrator.Service
}

// New connects the store and Redis and builds the service layer.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := SetupStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	schemas, err := SetupSchemas(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	rdb := SetupRedis(ctx, cfg, log)
	var bus events.Bus = events.NewLocalBus()
	if rdb != nil {
		bus = events.NewRedisBus(rdb, cfg.EventsChannel, log)
	}

	app := &App{
		Config:   cfg,
		Logger:   log,
		Store:    st,
		Redis:    rdb,
		Bus:      bus,
		Locks:    lock.NewManager(st, bus, cfg.LockTTL, log),
		Schemas:  schemas,
		Ledger:   ledger.New(st, log),
		Resolver: SetupResolver(ctx, cfg, st, log),
		Notifier: SetupNotifier(cfg, rdb, log),
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(log),
		orchestrator.WithSources(app.Resolver),
		orchestrator.WithNotifier(app.Notifier),
	}
	if rdb != nil {
		opts = append(opts, orchestrator.WithLimiter(
			ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}
	app.Service = orchestrator.New(cfg, st,
		security.NewValidator(security.PolicyFromConfig(cfg), log),
		schemas, app.Ledger, app.Locks, bus, opts...)
	return app, nil
}

// Scheduler wires a processor and the dispatch loop around it.
func (a *App) Scheduler(monitor *telemetry.Monitor) *scheduler.Scheduler {
	proc := worker.NewProcessor(a.Config, a.Store, a.Resolver, a.Schemas, a.Ledger, a.Bus,
		worker.WithNotifier(a.Notifier),
		worker.WithMonitor(monitor),
		worker.WithTemplates(a.Service.OpenTemplate),
		worker.WithLogger(a.Logger),
	)
	return scheduler.New(a.Config, a.Store, a.Locks, a.Bus, proc, a.Logger,
		scheduler.WithNotifier(a.Notifier))
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
	a.Store.Close()
}

// SetupStore opens the configured store. Postgres migrations run before the pool connects.
func SetupStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store: state is lost on exit and not shared between processes")
		return store.NewMemoryStore(), nil
	case "postgres", "":
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		st, err := store.Connect(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info("postgres store ready", zap.Int("max_conns", cfg.DBMaxConns))
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// SetupRedis returns a connected client, or nil when Redis is disabled or
// unreachable. Without Redis, events stay in-process and rate limiting is off.
func SetupRedis(ctx context.Context, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis disabled")
		return nil
	}
	client := events.NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis not available, events stay in-process", zap.String("redis_addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	log.Info("redis connected", zap.String("redis_addr", cfg.RedisAddr))
	return client
}

func SetupSchemas(cfg config.Config) (*schema.Registry, error) {
	if cfg.SchemaFile == "" {
		return schema.Default(), nil
	}
	reg, err := schema.Load(cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load schema file: %w", err)
	}
	return reg, nil
}

// SetupResolver enables file, HTTP and S3 sources. S3 is skipped when no AWS
// configuration can be loaded.
func SetupResolver(ctx context.Context, cfg config.Config, st store.Store, log *zap.Logger) *source.Resolver {
	opts := []source.Option{
		source.WithFiles(source.NewFileOpener(cfg.DropDir)),
		source.WithHTTP(source.NewHTTPOpener(cfg.DownloadTimeout)),
		source.WithLimits(func(k models.SourceKind) int64 { return cfg.MaxBytesFor(k == models.SourceDelimited) }),
	}
	client, err := source.NewS3Client(ctx, cfg)
	if err != nil {
		log.Warn("s3 sources disabled", zap.Error(err))
	} else {
		opts = append(opts, source.WithS3(source.NewS3Opener(client)))
	}
	return source.NewResolver(st, opts...)
}

// SetupNotifier fans completion notices out to Redis and the webhook, whichever
// are configured.
func SetupNotifier(cfg config.Config, rdb *redis.Client, log *zap.Logger) notify.Notifier {
	var sinks notify.Multi
	if rdb != nil && cfg.NotifyChannel != "" {
		sinks = append(sinks, notify.NewRedisNotifier(rdb, cfg.NotifyChannel))
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyRatePerSec, 10*time.Second))
	}
	if len(sinks) == 0 {
		log.Info("completion notifications disabled")
		return notify.Nop{}
	}
	return sinks
}
