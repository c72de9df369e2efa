// Package app assembles the storage, messaging and service graph shared by
// the agent server, the worker and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/agent"
	"github.com/alqutdigital/sourcewatch/internal/api/handlers"
	"github.com/alqutdigital/sourcewatch/internal/config"
	"github.com/alqutdigital/sourcewatch/internal/extract"
	"github.com/alqutdigital/sourcewatch/internal/llm"
	"github.com/alqutdigital/sourcewatch/internal/orchestrator"
	"github.com/alqutdigital/sourcewatch/internal/querygen"
	"github.com/alqutdigital/sourcewatch/internal/realtime"
	"github.com/alqutdigital/sourcewatch/internal/registry"
	"github.com/alqutdigital/sourcewatch/internal/storage"
	"github.com/alqutdigital/sourcewatch/pkg/metrics"
	"github.com/alqutdigital/sourcewatch/pkg/shutdown"
)

// App is the wired component graph. Optional components are nil when
// unconfigured or unreachable.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *storage.SQLStore
	Redis    *storage.Redis
	Cache    *storage.QueryCache
	Objects  *storage.ResponseArchive
	NATS     *realtime.NATSClient
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Service  *agent.Service

	cleanups []cleanup
}

type cleanup struct {
	name string
	fn   shutdown.CleanupFunc
}

// Options toggles the optional integrations.
type Options struct {
	// Connect to NATS and publish run and registration events.
	Events bool
	// Archive raw extraction responses to object storage.
	Archive bool
	// Use Redis for the query cache.
	Cache bool
}

// DefaultOptions enables every integration the configuration allows.
func DefaultOptions() Options {
	return Options{Events: true, Archive: true, Cache: true}
}

// New builds the component graph from cfg. The store and the extraction
// client are required; everything else degrades to disabled with a warning.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.onClose("database", func(ctx context.Context) error { return store.Close() })
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if opts.Cache {
		a.initCache()
	}
	if opts.Archive {
		a.initObjectStorage(ctx)
	}
	if opts.Events {
		a.initNATS(ctx)
	}

	if err := a.initService(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// OpenStore opens the relational store selected by DB_DRIVER.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*storage.SQLStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		store, err := storage.NewPostgres(storage.PostgresConfig{
			Host:         cfg.Host,
			Port:         cfg.Port,
			User:         cfg.User,
			Password:     cfg.Password,
			Database:     cfg.Database,
			SSLMode:      cfg.SSLMode,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			MaxLifetime:  5 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (a *App) initCache() {
	cacheCfg := storage.DefaultCacheConfig()
	cacheCfg.Prefix = a.Config.Cache.Prefix
	cacheCfg.QueriesTTL = a.Config.Cache.QueriesTTL

	if !a.Config.Redis.Enabled {
		a.Cache = storage.NewQueryCache(nil, a.Logger, cacheCfg)
		return
	}

	client, err := storage.NewRedis(storage.RedisConfig{
		Host:     a.Config.Redis.Host,
		Port:     a.Config.Redis.Port,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		a.Logger.Warn("failed to connect to Redis, query cache disabled", "error", err)
		a.Cache = storage.NewQueryCache(nil, a.Logger, cacheCfg)
		return
	}

	a.Redis = client
	a.onClose("redis", func(ctx context.Context) error { return client.Close() })
	a.Cache = storage.NewQueryCache(client, a.Logger, cacheCfg)
	a.Logger.Info("connected to Redis", "addr", fmt.Sprintf("%s:%d", a.Config.Redis.Host, a.Config.Redis.Port))
}

func (a *App) initObjectStorage(ctx context.Context) {
	sc := a.Config.Storage
	if !sc.Enabled {
		return
	}

	objects, err := storage.NewResponseArchive(storage.ArchiveConfig{
		Endpoint:        sc.Endpoint,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		Bucket:          sc.BucketName,
		UseSSL:          sc.UseSSL,
		Region:          sc.Region,
		RetentionDays:   sc.RetentionDays,
	})
	if err != nil {
		a.Logger.Warn("failed to create object storage client, archiving disabled", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := objects.Ensure(ctx); err != nil {
		a.Logger.Warn("failed to initialize storage bucket, archiving disabled", "error", err)
		return
	}

	a.Objects = objects
	a.Logger.Info("connected to object storage", "endpoint", sc.Endpoint, "bucket", sc.BucketName)
}

func (a *App) initNATS(ctx context.Context) {
	if !a.Config.NATS.Enabled {
		return
	}

	natsCfg := realtime.DefaultNATSConfig()
	natsCfg.URL = a.Config.NATS.URL
	natsCfg.Name = a.Config.NATS.Name

	client, err := realtime.NewNATSClient(natsCfg, a.Logger)
	if err != nil {
		a.Logger.Warn("failed to connect to NATS, events disabled", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.SetupStreams(ctx); err != nil {
		a.Logger.Warn("failed to setup NATS streams", "error", err)
	}

	a.NATS = client
	a.onClose("nats", client.Close)
	a.Logger.Info("connected to NATS", "url", natsCfg.URL)
}

func (a *App) initService() error {
	cfg := a.Config

	extractCfg := extract.DefaultConfig()
	extractCfg.BaseURL = cfg.Extract.BaseURL
	extractCfg.APIKey = cfg.Extract.APIKey
	extractCfg.RequestTimeout = cfg.Extract.RequestTimeout
	extractCfg.RateLimitRPS = cfg.Extract.RateLimitRPS
	extractCfg.RateLimitBurst = cfg.Extract.RateLimitBurst

	client, err := extract.NewHTTPClient(extractCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create extract client: %w", err)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithRecorder(a.Metrics)}
	serviceOpts := []agent.Option{agent.WithGenerationRecorder(a.Metrics)}
	if a.Objects != nil {
		orchOpts = append(orchOpts, orchestrator.WithArchiver(a.Objects))
	}
	if a.NATS != nil {
		events := realtime.NewEventPublisher(a.NATS)
		orchOpts = append(orchOpts, orchestrator.WithPublisher(events))
		serviceOpts = append(serviceOpts, agent.WithEventPublisher(events))
	}
	runner := orchestrator.New(client, a.Store, a.Logger, orchOpts...)

	var generator agent.QueryGenerator
	if provider, err := newProvider(cfg.LLM, a.Logger); err != nil {
		a.Logger.Warn("query generation disabled", "error", err)
	} else {
		var cache querygen.Cache
		if a.Cache != nil {
			cache = a.Cache
		}
		generator = querygen.New(provider, cache, a.Logger)
		a.Logger.Info("query generation enabled", "provider", provider.Name(), "model", provider.Model())
	}

	a.Registry = registry.New(a.Store, a.Logger)
	a.Service, err = agent.NewService(a.Registry, a.Store, runner, generator, a.Logger, agent.Config{
		BaselineObjective: cfg.Extract.BaselineObjective,
		EvidenceMaxTokens: cfg.Extract.EvidenceMaxTokens,
	}, serviceOpts...)
	if err != nil {
		return fmt.Errorf("failed to create agent service: %w", err)
	}
	return nil
}

func newProvider(cfg config.LLMConfig, logger *slog.Logger) (llm.Provider, error) {
	return llm.NewProvider(llm.ProviderConfig{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		APIKey:      cfg.OpenAIKey,
		BaseURL:     cfg.LLMBaseURL(),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, logger)
}

func (a *App) onClose(name string, fn shutdown.CleanupFunc) {
	a.cleanups = append(a.cleanups, cleanup{name: name, fn: fn})
}

// RegisterShutdown hands every cleanup to h in creation order, so h tears
// them down last-created first.
func (a *App) RegisterShutdown(h *shutdown.Handler) {
	for _, c := range a.cleanups {
		h.RegisterNamed(c.name, c.fn)
	}
	a.cleanups = nil
}

// Close releases every component in reverse creation order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", a.cleanups[i].name, err))
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

// HealthCheckers returns the readiness checks of the wired components.
func (a *App) HealthCheckers() map[string]handlers.HealthChecker {
	checks := map[string]handlers.HealthChecker{
		"database":       a.Store,
		"cache":          nil,
		"object_storage": nil,
		"events":         nil,
	}
	if a.Redis != nil {
		checks["cache"] = a.Redis
	}
	if a.Objects != nil {
		checks["object_storage"] = a.Objects
	}
	if a.NATS != nil {
		checks["events"] = natsHealth{a.NATS}
	}
	return checks
}

type natsHealth struct{ client *realtime.NATSClient }

func (n natsHealth) Health(context.Context) error {
	if !n.client.IsConnected() {
		return errors.New("not connected")
	}
	return nil
}
