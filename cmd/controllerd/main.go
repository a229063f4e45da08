// Package main runs the fleet controller: the singleton coordination point
// that routes work to per-host agents, aggregates results, and exposes the
// query/command HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gameops/fleetctl/internal/cache"
	"github.com/gameops/fleetctl/internal/config"
	"github.com/gameops/fleetctl/internal/controller"
	"github.com/gameops/fleetctl/internal/deployment"
	"github.com/gameops/fleetctl/internal/drift"
	"github.com/gameops/fleetctl/internal/lock"
	"github.com/gameops/fleetctl/internal/middleware"
	"github.com/gameops/fleetctl/internal/migrations"
	"github.com/gameops/fleetctl/internal/realtime"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/resolver"
	"github.com/gameops/fleetctl/internal/rulestore"
	"github.com/gameops/fleetctl/internal/rulestore/memory"
	"github.com/gameops/fleetctl/internal/rulestore/postgres"
	"github.com/gameops/fleetctl/internal/rulestore/sqlite"
	"github.com/gameops/fleetctl/internal/scheduler"
	"github.com/gameops/fleetctl/pkg/logger"
	"github.com/gameops/fleetctl/pkg/metrics"
)

const (
	serviceName    = "fleetctl-controllerd"
	serviceVersion = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to controller settings file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controllerd: loading settings: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      settings.Log.Level,
		Format:     settings.Log.Format,
		Output:     settings.Log.Output,
		Filename:   settings.Log.Filename,
		MaxSize:    settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAge:     settings.Log.MaxAgeDays,
		Compress:   settings.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting controller", "service", serviceName, "version", serviceVersion, "profile", settings.Profile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, pool, err := openStore(ctx, settings, log)
	if err != nil {
		log.Error("opening rule store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	catalog := registry.New()
	seedCatalog(catalog)
	inventory := registry.NewInventory()
	res := resolver.New(catalog)
	engine := drift.New(res)

	clientFor := buildClientFor(settings)
	orch := deployment.New(store, res, catalog, controller.ToDeploymentClientFor(clientFor), log)
	if lm, closeLock := buildLockManager(settings, log); lm != nil {
		orch.WithLocker(lm)
		defer closeLock()
	}

	// The Controller's ad hoc GET /resolve surface may read through a
	// resolved-value cache; the scan/plan paths above always
	// take the bare resolver so every drift scan and deployment plan
	// resolves fresh against its own snapshot.
	queryRes, closeCache := wrapResolverCache(res, settings, log)
	defer closeCache()

	metricsRegistry := metrics.DefaultRegistry()
	fm := metricsRegistry.Fleet()
	if pool != nil {
		exporter := postgres.NewPrometheusExporter(pool, metricsRegistry.Infra().DB)
		exporter.Start(ctx, 15*time.Second)
		defer exporter.Stop()
	}
	realtimeMetrics := realtime.NewRealtimeMetrics("fleetctl")
	bus := realtime.NewEventBus(log, realtimeMetrics)
	if err := bus.Start(ctx); err != nil {
		log.Error("starting event bus", "error", err)
		os.Exit(1)
	}
	publisher := realtime.NewEventPublisher(bus, log, realtimeMetrics)

	ctrl := controller.New(store, queryRes, catalog, inventory, orch, engine, clientFor, publisher, log)

	sched := scheduler.New(ctrl, fm, settings.Scheduler.DiscoveryInterval, settings.Scheduler.DriftScanInterval, settings.Scheduler.HeartbeatInterval, log)
	ctrl.OnRuleChange = sched.TriggerDriftScan
	if err := sched.Start(ctx); err != nil {
		log.Error("starting scheduler", "error", err)
		os.Exit(1)
	}

	metricsHandler, err := metrics.NewMetricsEndpointHandler(metrics.DefaultEndpointConfig(), metricsRegistry)
	if err != nil {
		log.Error("building metrics endpoint", "error", err)
		os.Exit(1)
	}

	router := ctrl.Router()
	router.HandleFunc("/events", ctrl.HandleEvents(bus)).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	httpMetrics := metrics.NewHTTPMetricsWithNamespace("fleetctl", "controller")
	secured := middleware.NewSecurityHeadersMiddleware(nil).Handler(httpMetrics.Middleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port),
		Handler:      secured,
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
	}

	go func() {
		log.Info("controller query API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("controller HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down controller")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop did not complete cleanly", "error", err)
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("event bus stop did not complete cleanly", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("controller HTTP server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("controller stopped")
}

// openStore picks the rule store backend for settings.Profile: an embedded
// SQLite database for "lite", a Postgres pool for "standard". The returned
// close func is always safe to call, even for the in-memory fallback used
// when no DSN is configured at all.
func openStore(ctx context.Context, settings *config.Settings, log *slog.Logger) (rulestore.Store, func(), *postgres.PostgresPool, error) {
	switch settings.Profile {
	case config.ProfileLite:
		if settings.RuleStoreDSN == "" {
			store := memory.New()
			return store, func() {}, nil, nil
		}
		store, err := sqlite.New(ctx, settings.RuleStoreDSN, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, func() { store.Close() }, nil, nil
	default:
		if err := runMigrations(ctx, settings, log); err != nil {
			return nil, nil, nil, err
		}

		pgCfg, err := postgres.ParseDSN(settings.RuleStoreDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		pool := postgres.NewPostgresPool(pgCfg, log)
		if err := pool.Connect(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("controllerd: connecting to postgres: %w", err)
		}
		store := postgres.NewStore(pool)
		return store, func() { pool.Disconnect(context.Background()) }, pool, nil
	}
}


// runMigrations brings the schema up to date with internal/migrations'
// goose-based manager before the pgxpool-backed Store ever opens (standard
// profile only; the lite profile's embedded SQLite store manages its own
// schema inline in rulestore/sqlite).
func runMigrations(ctx context.Context, settings *config.Settings, log *slog.Logger) error {
	mgr, err := migrations.NewMigrationManager(&migrations.MigrationConfig{
		Driver:  "pgx",
		DSN:     settings.RuleStoreDSN,
		Dialect: "postgres",
		Dir:     settings.MigrationsDir,
		Table:   "goose_db_version",
		Timeout: 5 * time.Minute,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("controllerd: building migration manager: %w", err)
	}
	defer mgr.Disconnect(context.Background())

	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("controllerd: connecting for migrations: %w", err)
	}
	if err := mgr.Up(ctx); err != nil {
		return fmt.Errorf("controllerd: applying migrations: %w", err)
	}
	return nil
}

// wrapResolverCache decorates res with the resolved-value cache backend
// named by settings.Resolver.CacheBackend, returning a resolver the
// Controller can query and a close func that is always safe to call. The
// in-process LRU backend needs no teardown; the Redis backend's
// cache.RedisCache holds a live connection the caller must close.
func wrapResolverCache(res *resolver.Resolver, settings *config.Settings, log *slog.Logger) (*resolver.CachedResolver, func()) {
	switch settings.Resolver.CacheBackend {
	case "redis":
		backing, err := cache.NewRedisCache(&cache.CacheConfig{
			Addr:         settings.Resolver.RedisAddr,
			DB:           settings.Resolver.RedisDB,
			PoolSize:     10,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		}, log)
		if err != nil {
			log.Warn("resolver cache: connecting to redis, falling back to in-process LRU cache", "error", err)
			return resolver.NewCached(res, mustLRU(log)), func() {}
		}
		rc := resolver.NewRedisCache(backing, "fleetctl:resolve:", settings.Resolver.CacheTTL)
		return resolver.NewCached(res, rc), func() { backing.Close() }
	case "lru":
		return resolver.NewCached(res, mustLRU(log)), func() {}
	default:
		return resolver.NewCached(res, noCache{}), func() {}
	}
}

// buildLockManager returns a lock.LockManager serializing deployment
// Execute/Rollback across controller replicas when settings.Deployment.
// LockRedisAddr is configured (standard/HA profile). Left empty (lite
// profile, single replica), it returns a nil manager and the orchestrator
// falls back to its in-process-only lock map.
func buildLockManager(settings *config.Settings, log *slog.Logger) (*lock.LockManager, func()) {
	if settings.Deployment.LockRedisAddr == "" {
		return nil, func() {}
	}
	client := goredis.NewClient(&goredis.Options{
		Addr: settings.Deployment.LockRedisAddr,
		DB:   settings.Deployment.LockRedisDB,
	})
	lm := lock.NewLockManager(client, &lock.LockConfig{
		TTL:            settings.Deployment.LockTTL,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "fleetctl-deploy",
	}, log)
	return lm, func() { client.Close() }
}

// mustLRU builds the in-process resolver cache with sane defaults; it
// cannot fail for a positive size, so callers don't need to handle an
// error from what is effectively a constant-configuration constructor.
func mustLRU(log *slog.Logger) *resolver.LRUCache {
	c, err := resolver.NewLRUCache(10000, 0)
	if err != nil {
		log.Warn("resolver cache: building LRU cache failed, resolves will be uncached", "error", err)
	}
	return c
}

// noCache is a Cache that never hits, used when settings disable the
// resolver cache outright ("none" backend) - every GET /resolve still
// flows through the same CachedResolver code path for a single resolve
// implementation.
type noCache struct{}

func (noCache) Get(context.Context, string) (*resolver.Resolved, bool, error) { return nil, false, nil }
func (noCache) Set(context.Context, string, *resolver.Resolved) error         { return nil }
func (noCache) InvalidateAll(context.Context) error                           { return nil }

// buildClientFor constructs one HTTP agent client per configured host
// endpoint.
func buildClientFor(settings *config.Settings) controller.ClientFor {
	clients := make(map[string]*controller.HTTPAgentClient, len(settings.Agents))
	httpClient := &http.Client{Timeout: settings.Deployment.RPCDeadline}
	for _, a := range settings.Agents {
		clients[a.Host] = controller.NewHTTPAgentClient(a.Endpoint, a.Credential, httpClient)
	}
	return func(host string) (controller.AgentClient, bool) {
		c, ok := clients[host]
		return c, ok
	}
}

// seedCatalog registers the platform-level config files every instance
// carries regardless of its installed plugins. Plugin-specific entries are registered
// by operators through a future catalog-admin surface; the core only needs
// the always-present platform files to exist on day one.
func seedCatalog(catalog *registry.Catalog) {
	catalog.Register(&registry.Plugin{Name: "paper-platform", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"server.properties", "bukkit.yml", "paper-global.yml"}})
	catalog.Register(&registry.Plugin{Name: "velocity-platform", Platform: rulestore.PlatformVelocity, ConfigFiles: []string{"velocity.toml"}})
	catalog.Register(&registry.Plugin{Name: "geyser-platform", Platform: rulestore.PlatformGeyser, ConfigFiles: []string{"config.yml"}})
}
