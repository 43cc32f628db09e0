package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/fleet"
	"github.com/MrSnakeDoc/fleetmesh/internal/httpserver"
	"github.com/MrSnakeDoc/fleetmesh/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
	"github.com/MrSnakeDoc/fleetmesh/internal/service"
	"github.com/MrSnakeDoc/fleetmesh/internal/version"
)

// Compile-time check: the orchestrator calls workers through the service.
var _ fleet.Mesh = (*service.Service)(nil)

// App is the orchestrator process.
type App struct {
	cfg       *config.Config
	logger    logger.Logger
	sink      *gometrics.InmemSink
	discovery *Discovery
	sweeper   *registry.Sweeper
	fleet     *fleet.Fleet
	service   *service.Service
	admin     *httpserver.Server // nil when disabled
	ready     atomic.Bool
}

// New prepares the orchestrator: it clears the instances root, loads the
// templates and connects discovery. Zero valid templates is an error.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	sink := metrics.NewInmem(10*time.Second, time.Minute)

	if err := fleet.ResetInstances(cfg.InstancesDirectoryPath); err != nil {
		return nil, err
	}
	log.Info("instances directory cleared", logger.String("path", cfg.InstancesDirectoryPath))

	loader := fleet.NewLoader(cfg.TemplatesDescriptionPath, cfg.TemplatesDirectoryPath, log.Named("loader"))
	descs, err := loader.Load()
	if err != nil {
		return nil, err
	}
	f, err := fleet.New(fleet.ConfigFrom(cfg), descs, log, fleet.WithMetricSink(sink))
	if err != nil {
		return nil, err
	}
	log.Info("templates loaded", logger.Strings("templates", fleet.Names(descs)))

	id := uuid.NewString()
	disc, err := OpenDiscovery(ctx, cfg, id, log)
	if err != nil {
		return nil, err
	}

	table := rpc.NewEndpointTable()
	if err := f.Register(table); err != nil {
		return nil, errors.Join(err, disc.Abort())
	}
	svc := service.New(serviceConfig(cfg, cfg.ServiceName, id, cfg.ListenPort), table, disc.Registry, disc.Transport, log,
		service.WithTagFilter(cfg.NodeTag),
		service.WithOnServiceOpen(f.OnServiceOpen),
		service.WithOnServiceClose(f.OnServiceClose),
		service.WithMetricSink(sink),
	)

	sweeper := registry.NewSweeper(disc.Registry, log.Named("sweeper"), cfg.SweepInterval,
		registry.WithSweeperMetricSink(sink))

	a := &App{
		cfg:       cfg,
		logger:    log,
		sink:      sink,
		discovery: disc,
		sweeper:   sweeper,
		fleet:     f,
		service:   svc,
	}
	if cfg.AdminAddr != "" {
		a.admin = httpserver.New(cfg.AdminAddr, handlers.Deps{
			Logger:       log.Named("admin"),
			StartTime:    time.Now(),
			Build:        version.Current(),
			Ready:        a.ready.Load,
			Metrics:      sink,
			Fleet:        f,
			AllowedCIDRS: cfg.AllowedCIDRS,
		})
	}
	return a, nil
}

func (a *App) Run() error {
	a.logger.Info(version.String("fleetmesh"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// template loops wait for the startup grace, so workers registering
	// from a previous run get attributed before any scaling decision
	a.fleet.Start(ctx, a.service)

	if err := a.service.Start(ctx); err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to start service %s: %w", a.cfg.ServiceName, err)
	}

	a.ready.Store(true)

	a.sweeper.Start(ctx)
	a.logger.Info("registry sweeper started", logger.Duration("interval", a.cfg.SweepInterval))

	errCh := make(chan error, 1)
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return errors.Join(err, a.shutdown())
	}
	return a.shutdown()
}

// shutdown stops the template loops and nodes, then the service process.
func (a *App) shutdown() error {
	a.ready.Store(false)
	a.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout+a.cfg.StopGrace)
	defer cancel()

	var errs []error
	if a.admin != nil {
		if err := a.admin.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin server: %w", err))
		}
	}
	if err := a.fleet.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop fleet: %w", err))
	}
	if err := a.service.Dispose(shutdownCtx, false); err != nil {
		errs = append(errs, fmt.Errorf("failed to dispose service: %w", err))
	}
	if err := a.discovery.Close(); err != nil {
		a.logger.Warnf("failed to close registry: %v", err)
	} else {
		a.logger.Info("✅ Registry closed cleanly")
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("✅ fleetmesh stopped cleanly")
	return nil
}
