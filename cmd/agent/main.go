// Command agent serves the sourcewatch HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/api"
	"github.com/alqutdigital/sourcewatch/internal/api/middleware"
	"github.com/alqutdigital/sourcewatch/internal/app"
	"github.com/alqutdigital/sourcewatch/internal/config"
	"github.com/alqutdigital/sourcewatch/pkg/logger"
	"github.com/alqutdigital/sourcewatch/pkg/shutdown"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, AddSource: cfg.Log.AddSource})
	log.SetDefault()
	log.Info("starting agent", "version", version, "environment", cfg.Server.Environment, "port", cfg.Server.Port)

	grace := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	sd := shutdown.New(log.Logger, grace)

	a, err := app.New(context.Background(), cfg, log.Logger, app.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	a.RegisterShutdown(sd)

	routes := api.DefaultRouterConfig()
	routes.CORS.AllowedOrigins = cfg.Server.AllowedOrigins
	routes.EnableRateLimiting = cfg.Server.RateLimiting

	router := api.NewRouter(api.Dependencies{
		Logger:         log.Logger,
		Service:        a.Service,
		History:        a.Store,
		Metrics:        a.Metrics,
		RateLimitStore: rateLimitStore(a, cfg, sd),
		Health:         a.HealthCheckers(),
	}, routes)

	srvCfg := api.DefaultServerConfig()
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = grace
	server := api.NewServer(router, srvCfg, log.Logger)
	if err := server.Listen(); err != nil {
		_ = sd.Shutdown()
		return err
	}
	sd.RegisterNamed("http-server", server.Shutdown)

	go func() {
		if err := server.Serve(); err != nil {
			log.Error("HTTP server stopped", "error", err)
			sd.Trigger()
		}
	}()

	sd.Wait()
	log.Info("agent stopped")
	return nil
}

// rateLimitStore shares counters through Redis when it is up and falls back
// to an in-process store otherwise.
func rateLimitStore(a *app.App, cfg *config.Config, sd *shutdown.Handler) middleware.RateLimitStore {
	if a.Redis != nil {
		return middleware.NewRedisRateLimitStore(a.Redis, cfg.Cache.Prefix+":ratelimit", a.Logger)
	}
	mem := middleware.NewMemoryRateLimitStore()
	sd.RegisterNamed("rate-limit-store", func(context.Context) error {
		mem.Close()
		return nil
	})
	return mem
}
