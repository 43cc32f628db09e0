package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/scheduler"
	"github.com/MrSnakeDoc/fleetmesh/internal/utils"
)

// DefaultProbeTimeout applies to records registered without a check timeout.
const DefaultProbeTimeout = time.Second

// Prober runs the health check of one record.
type Prober func(ctx context.Context, rec Record) error

// Sweeper deregisters records whose health check has been failing for
// longer than their DeregisterAfter window.
type Sweeper struct {
	registry Registry
	logger   logger.Logger
	sink     gometrics.MetricSink
	probe    Prober
	now      func() time.Time
	task     *scheduler.Task

	mu           sync.Mutex
	failingSince map[string]time.Time // ID -> first failed probe of the current streak
}

type SweeperOption func(*Sweeper)

func WithProber(p Prober) SweeperOption {
	return func(s *Sweeper) { s.probe = p }
}

func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithSweeperMetricSink(sink gometrics.MetricSink) SweeperOption {
	return func(s *Sweeper) { s.sink = sink }
}

// NewSweeper creates a new sweeper
func NewSweeper(reg Registry, log logger.Logger, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry:     reg,
		logger:       log,
		now:          time.Now,
		failingSince: make(map[string]time.Time),
	}
	s.probe = HTTPProbe(&http.Client{})
	for _, opt := range opts {
		opt(s)
	}
	s.sink = metrics.OrBlackhole(s.sink)
	s.task = scheduler.NewTask("registry-sweep", interval, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}, log)
	return s
}

// Start begins the periodic sweep
func (s *Sweeper) Start(ctx context.Context) {
	s.task.Start(ctx)
}

// Stop stops the sweeper and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.task.Stop()
}

// Sweep probes every record once and returns how many were deregistered.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recs, err := s.registry.Services(ctx)
	if err != nil {
		return 0, fmt.Errorf("list services: %w", err)
	}

	seen := make(map[string]struct{}, len(recs))
	deleted := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		seen[rec.ID] = struct{}{}
		if rec.Check.URL == "" {
			continue
		}
		if s.sweepOne(ctx, rec) {
			deleted++
		}
	}

	// forget streaks of records that left on their own
	s.mu.Lock()
	for id := range s.failingSince {
		if _, ok := seen[id]; !ok {
			delete(s.failingSince, id)
		}
	}
	s.mu.Unlock()

	if deleted > 0 {
		s.logger.Info("registry sweep completed", logger.Int("deregistered", deleted))
	}
	return deleted, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, rec Record) bool {
	timeout := rec.Check.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.probe(probeCtx, rec)
	cancel()

	now := s.now()

	s.mu.Lock()
	if err == nil {
		delete(s.failingSince, rec.ID)
		s.mu.Unlock()
		return false
	}
	since, failing := s.failingSince[rec.ID]
	if !failing {
		since = now
		s.failingSince[rec.ID] = now
	}
	s.mu.Unlock()

	failingFor := now.Sub(since)
	if failingFor < rec.Check.DeregisterAfter {
		s.logger.Debug("health check failing",
			logger.String("service_id", rec.ID),
			logger.Duration("failing_for", failingFor),
			logger.Error(err))
		return false
	}

	if derr := s.registry.Deregister(ctx, rec.ID); derr != nil {
		s.logger.Warn("failed to deregister unhealthy service",
			logger.String("service_id", rec.ID),
			logger.Error(derr))
		return false
	}

	s.mu.Lock()
	delete(s.failingSince, rec.ID)
	s.mu.Unlock()

	s.sink.IncrCounter(metrics.RegistrySweepDeregCount, 1)
	s.logger.Info("deregistered unhealthy service",
		logger.String("service_id", rec.ID),
		logger.String("address", utils.HostPort(rec.Address, rec.Port)),
		logger.Duration("failing_for", failingFor),
		logger.Error(err))
	return true
}

// HTTPProbe checks a record by GETting its check URL; only 200 passes.
func HTTPProbe(client *http.Client) Prober {
	return func(ctx context.Context, rec Record) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.Check.URL, nil)
		if err != nil {
			return err
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer utils.Close(res.Body)
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("check %s: status %d", rec.Check.URL, res.StatusCode)
		}
		return nil
	}
}
