package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
	"github.com/MrSnakeDoc/fleetmesh/internal/service"
	"github.com/MrSnakeDoc/fleetmesh/internal/version"
	"github.com/MrSnakeDoc/fleetmesh/internal/worker"
)

// NodeOptions are the per-instance settings a start script passes to the
// worker binary.
type NodeOptions struct {
	Template   string
	ServerPort int
	Directory  string
	Port       int // RPC port, 0 => ephemeral
}

// RunNode runs a worker until it is interrupted or the orchestrator stops it.
func RunNode(cfg *config.Config, log logger.Logger, opts NodeOptions) error {
	if opts.Directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve instance directory: %w", err)
		}
		opts.Directory = wd
	}

	w := worker.New(worker.Config{
		Template:     opts.Template,
		ServerPort:   opts.ServerPort,
		Directory:    opts.Directory,
		Orchestrator: cfg.ServiceName,
	}, log)
	log = log.With(logger.String("node", w.Name()))
	log.Info(version.String("fleetmesh-node"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := uuid.NewString()
	disc, err := OpenDiscovery(ctx, cfg, id, log)
	if err != nil {
		return err
	}

	table := rpc.NewEndpointTable()
	if err := w.Register(table); err != nil {
		return errors.Join(err, disc.Abort())
	}
	svc := service.New(serviceConfig(cfg, w.Name(), id, opts.Port, cfg.NodeTag), table, disc.Registry, disc.Transport, log)
	w.Attach(svc)

	if err := svc.Start(ctx); err != nil {
		_ = svc.Dispose(context.Background(), true)
		_ = disc.Close()
		return fmt.Errorf("failed to start worker service: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-w.Stopped():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = svc.Dispose(shutdownCtx, false)
	if cerr := disc.Close(); cerr != nil {
		log.Warnf("failed to close registry: %v", cerr)
	}
	if err != nil {
		return err
	}
	log.Info("✅ node stopped cleanly")
	return nil
}
