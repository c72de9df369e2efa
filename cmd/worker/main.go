// Command worker refreshes active sources on a schedule and extracts newly
// registered ones as their events arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/api"
	"github.com/alqutdigital/sourcewatch/internal/app"
	"github.com/alqutdigital/sourcewatch/internal/config"
	"github.com/alqutdigital/sourcewatch/internal/realtime"
	"github.com/alqutdigital/sourcewatch/pkg/logger"
	"github.com/alqutdigital/sourcewatch/pkg/shutdown"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, AddSource: cfg.Log.AddSource})
	log.SetDefault()
	log.Info("starting worker", "version", version, "refresh_interval", cfg.Worker.RefreshInterval.String())

	sd := shutdown.New(log.Logger, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)

	a, err := app.New(ctx, cfg, log.Logger, app.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	a.RegisterShutdown(sd)

	schedCfg := realtime.DefaultSchedulerConfig()
	schedCfg.Interval = cfg.Worker.RefreshInterval
	schedCfg.RunOnStart = cfg.Worker.RefreshOnStart
	schedCfg.QueueGroup = cfg.Worker.QueueGroup

	scheduler := realtime.NewScheduler(a.Service, a.Registry, schedCfg, log.Logger)
	if err := scheduler.Start(ctx); err != nil {
		_ = sd.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	sd.RegisterNamed("scheduler", scheduler.Stop)

	if a.NATS != nil {
		if err := scheduler.Subscribe(a.NATS); err != nil {
			_ = sd.Shutdown()
			return fmt.Errorf("failed to subscribe to registrations: %w", err)
		}
	} else {
		log.Warn("NATS not available, new sources wait for the next scheduled refresh")
	}

	ops := api.NewOpsRouter(a.HealthCheckers(), a.Metrics, func() any { return scheduler.GetMetrics() })
	srvCfg := api.DefaultServerConfig()
	srvCfg.Port = cfg.Worker.HTTPPort
	srvCfg.WriteTimeout = 15 * time.Second
	server := api.NewServer(ops, srvCfg, log.Logger)
	if err := server.Listen(); err != nil {
		_ = sd.Shutdown()
		return err
	}
	sd.RegisterNamed("ops-server", server.Shutdown)

	go func() {
		if err := server.Serve(); err != nil {
			log.Error("ops server stopped", "error", err)
			sd.Trigger()
		}
	}()

	sd.Wait()
	log.Info("worker stopped")
	return nil
}
