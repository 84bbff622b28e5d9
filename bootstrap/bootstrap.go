// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/billcycle/adapters/clock"
	apihttp "github.com/artpar/billcycle/adapters/http"
	"github.com/artpar/billcycle/adapters/idgen"
	"github.com/artpar/billcycle/adapters/memory"
	"github.com/artpar/billcycle/adapters/metrics"
	"github.com/artpar/billcycle/adapters/payment"
	"github.com/artpar/billcycle/adapters/redis"
	"github.com/artpar/billcycle/adapters/sqlite"
	"github.com/artpar/billcycle/app"
	"github.com/artpar/billcycle/config"
	"github.com/artpar/billcycle/core/events"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *sqlite.DB // nil unless storage.driver is sqlite
	Engine     *app.Engine
	Registry   *prometheus.Registry
	HTTPServer *http.Server // nil unless metrics are enabled

	redis        *redis.UsageStore
	checks       map[string]apihttp.HealthChecker
	shutdownOnce sync.Once
}

// Options overrides collaborators that are normally built from config.
type Options struct {
	Clock   ports.Clock // default: wall clock
	Version apihttp.VersionResponse
}

// New creates and initializes the application from cfg.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates the application with overridden collaborators.
func NewWithOptions(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	logger.Info().Msg("initializing billcycle")

	a := &App{
		Config: cfg,
		Logger: logger,
		checks: make(map[string]apihttp.HealthChecker),
	}
	if err := a.init(opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(opts Options) error {
	cfg := a.Config

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}

	accounts, invoices, err := a.initStorage()
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	usageStore, err := a.initUsage()
	if err != nil {
		return fmt.Errorf("init usage backend: %w", err)
	}

	processor, err := payment.NewProcessor(cfg.Payment.Provider)
	if err != nil {
		return fmt.Errorf("init payment: %w", err)
	}
	a.Logger.Info().Str("provider", processor.Name()).Msg("payment processor initialized")

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	engine, err := app.New(EngineConfig(cfg), app.Deps{
		Catalog:    catalog,
		Accounts:   accounts,
		Invoices:   invoices,
		Usage:      usageStore,
		Processor:  processor,
		Clock:      clk,
		InvoiceIDs: idgen.UUID{Prefix: idgen.PrefixInvoice},
		MethodIDs:  idgen.UUID{Prefix: idgen.PrefixMethod},
		Metrics:    metrics.NewWithRegistry(a.Registry),
		Bus:        events.NewBus(a.Logger.With().Str("component", "events").Logger()),
		Logger:     a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.Engine = engine

	if cfg.Metrics.Enabled {
		a.HTTPServer = &http.Server{
			Addr: cfg.Metrics.Addr,
			Handler: apihttp.NewRouter(apihttp.RouterConfig{
				Health:         apihttp.NewHealthHandler(a.checks),
				MetricsPath:    cfg.Metrics.Path,
				MetricsHandler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),
				Version:        opts.Version,
				Logger:         a.Logger.With().Str("component", "http").Logger(),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.Logger.Info().
		Int("plans", len(catalog.List())).
		Str("storage", cfg.Storage.Driver).
		Str("usage", cfg.Usage.Backend).
		Msg("billcycle initialized")
	return nil
}

func (a *App) initStorage() (ports.AccountStore, ports.InvoiceStore, error) {
	switch a.Config.Storage.Driver {
	case "memory":
		a.Logger.Warn().Msg("using in-memory storage, data is lost on restart")
		return memory.NewAccountStore(), memory.NewInvoiceStore(), nil

	case "sqlite":
		dsn := a.Config.Storage.DSN
		db, err := sqlite.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = db
		a.checks["database"] = apihttp.HealthCheckFunc(db.PingContext)
		a.Logger.Info().Str("dsn", dsn).Msg("database initialized")
		return sqlite.NewAccountStore(db), sqlite.NewInvoiceStore(db), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}
}

func (a *App) initUsage() (ports.UsageStore, error) {
	switch a.Config.Usage.Backend {
	case "memory":
		return memory.NewUsageStore(memory.UsageStoreConfig{NumShards: a.Config.Usage.Shards}), nil

	case "sqlite":
		if a.DB == nil {
			return nil, errors.New("sqlite usage backend requires sqlite storage")
		}
		return sqlite.NewUsageStore(a.DB), nil

	case "redis":
		rc := a.Config.Redis
		store, err := redis.NewUsageStore(context.Background(), redis.Config{
			URL:       rc.URL,
			Password:  rc.Password,
			PoolSize:  rc.PoolSize,
			KeyPrefix: rc.KeyPrefix,
			TTL:       rc.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.redis = store
		a.checks["redis"] = apihttp.HealthCheckFunc(store.Ping)
		a.Logger.Info().Str("key_prefix", rc.KeyPrefix).Msg("redis usage backend initialized")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown usage backend %q", a.Config.Usage.Backend)
	}
}

// EngineConfig translates the file configuration into engine settings.
func EngineConfig(cfg *config.Config) app.Config {
	t := EngineTunables(cfg)
	return app.Config{
		Currency:           cfg.Catalog.Currency,
		NearLimitThreshold: t.NearLimitThreshold,
		ChargeTimeout:      cfg.Billing.Settlement.ChargeTimeout,
		Retry:              t.Retry,
		SettlementWorkers: cfg.Billing.Settlement.Workers,
		LockStripes:       cfg.Billing.LockStripes,
		Scheduler: app.SchedulerConfig{
			CycleSpec:  cfg.Scheduler.CycleSpec,
			RetrySpec:  cfg.Scheduler.RetrySpec,
			Workers:    cfg.Scheduler.Workers,
			MaxCatchUp: cfg.Scheduler.MaxCatchUp,
			BatchSize:  cfg.Scheduler.BatchSize,
		},
	}
}

// EngineTunables picks the settings a running engine accepts on reload.
func EngineTunables(cfg *config.Config) app.Tunables {
	return app.Tunables{
		NearLimitThreshold: cfg.Billing.NearLimitThreshold,
		Retry: billing.RetryPolicy{
			MaxAttempts: cfg.Billing.Retry.MaxAttempts,
			BaseDelay:   cfg.Billing.Retry.BaseDelay,
			MaxDelay:    cfg.Billing.Retry.MaxDelay,
		},
	}
}

// ApplyConfig applies the reloadable fields of an accepted config change to
// the running app. Fields outside config.ReloadableFields are left alone.
func (a *App) ApplyConfig(c config.Change) error {
	if c.Has("logging.level") {
		level := SetLogLevel(c.New.Logging.Level)
		a.Logger.Info().Str("level", level.String()).Msg("log level applied")
	}
	if c.Has("billing.near_limit_threshold") || c.Has("billing.retry") {
		if err := a.Engine.Retune(EngineTunables(c.New)); err != nil {
			return fmt.Errorf("retune engine: %w", err)
		}
	}
	return nil
}

// Run starts the scheduler and the metrics server and blocks until ctx is
// done, SIGINT or SIGTERM arrives, or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sweeps outlive the signal; Shutdown stops them and waits.
	if err := a.Engine.Start(context.WithoutCancel(ctx)); err != nil {
		a.Shutdown()
		return fmt.Errorf("start engine: %w", err)
	}

	errCh := make(chan error, 1)
	if a.HTTPServer != nil {
		go func() {
			a.Logger.Info().
				Str("addr", a.HTTPServer.Addr).
				Msg("starting metrics server")
			if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.Logger.Info().Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. It is safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if a.HTTPServer != nil {
			if err := a.HTTPServer.Shutdown(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server shutdown error")
			}
		}

		if a.Engine != nil {
			a.Engine.Stop(ctx)
			if pending := a.Engine.Settlement.Pending(); len(pending) > 0 {
				a.Logger.Warn().Int("count", len(pending)).Msg("invoices left pending at shutdown, queued again on next start")
			}
		}

		a.close()
		a.Logger.Info().Msg("shutdown complete")
	})
	return nil
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
		a.redis = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}
