package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/fleetmesh/internal/announce"
	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
	"github.com/MrSnakeDoc/fleetmesh/internal/service"
)

// Discovery holds the two ways a process finds its peers.
type Discovery struct {
	Registry  registry.Registry
	Transport announce.Transport
}

// OpenDiscovery connects the configured registry backend and announcement
// transport. member names this process in the gossip mesh.
func OpenDiscovery(ctx context.Context, cfg *config.Config, member string, log logger.Logger) (*Discovery, error) {
	var reg registry.Registry
	switch cfg.RegistryBackend {
	case "redis":
		log.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		client, err := registry.ConnectRedis(ctx, registry.OptionsFromConfig(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		reg = registry.NewRedisRegistry(client, log.Named("registry"))
		log.Info("Redis registry initialized")
	case "memory":
		log.Warn("in-memory registry: peers in other processes are only found through announcements")
		reg = registry.NewMemoryRegistry()
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}

	tr, err := openTransport(cfg, member, log.Named("announce"))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return &Discovery{Registry: reg, Transport: tr}, nil
}

func openTransport(cfg *config.Config, member string, log logger.Logger) (announce.Transport, error) {
	switch cfg.AnnounceMode {
	case "multicast":
		tr, err := announce.NewMulticast(cfg.MulticastGroup, cfg.MulticastInterface, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open multicast group %s: %w", cfg.MulticastGroup, err)
		}
		return tr, nil
	case "gossip":
		tr, err := announce.NewGossip(announce.GossipConfig{
			Name:     member,
			BindAddr: cfg.GossipBindAddr,
			BindPort: cfg.GossipBindPort,
			Seeds:    cfg.GossipSeeds,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to start gossip member: %w", err)
		}
		return tr, nil
	case "none", "":
		return announce.NewNop(), nil
	default:
		return nil, fmt.Errorf("unknown announce mode %q", cfg.AnnounceMode)
	}
}

// Close releases the registry connection. The transport belongs to the
// service once started and is closed by its Dispose.
func (d *Discovery) Close() error {
	if d.Registry == nil {
		return nil
	}
	return d.Registry.Close()
}

// Abort closes everything when startup fails before a service took over.
func (d *Discovery) Abort() error {
	return errors.Join(d.Transport.Close(), d.Close())
}

// serviceConfig builds the service process settings shared by both binaries.
func serviceConfig(cfg *config.Config, name, id string, port int, tags ...string) service.Config {
	return service.Config{
		Name:            name,
		UUID:            id,
		Address:         cfg.AdvertiseAddr,
		Port:            port,
		Tags:            tags,
		CheckInterval:   cfg.CheckInterval,
		CheckTimeout:    cfg.CheckTimeout,
		DeregisterAfter: cfg.DeregisterAfter,
		PollInterval:    cfg.PollInterval,
		CallTimeout:     cfg.CallTimeout,
		AllowedCIDRS:    cfg.AllowedCIDRS,
	}
}
