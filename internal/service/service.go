// Package service runs one mesh process: it serves an endpoint table,
// registers and announces itself, and calls its peers.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/announce"
	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
	"github.com/MrSnakeDoc/fleetmesh/internal/scheduler"
)

// Builtin endpoint names.
const (
	EndpointProbe = rpc.ProbeEndpoint
	EndpointInfo  = "info"

	StatusOK = "ok"
)

type Config struct {
	Name    string
	UUID    string // generated when empty
	Address string // advertised to peers, ex: "127.0.0.1"
	Port    int    // 0 => ephemeral
	Tags    []string

	CheckInterval   time.Duration
	CheckTimeout    time.Duration
	DeregisterAfter time.Duration
	PollInterval    time.Duration
	CallTimeout     time.Duration
	AllowedCIDRS    []string
}

// Service is the long-lived unit owning one endpoint table.
type Service struct {
	cfg       Config
	table     *rpc.EndpointTable
	server    *rpc.Server
	client    *rpc.Client
	registry  registry.Registry
	transport announce.Transport
	directory *membership.Directory
	logger    logger.Logger
	sink      gometrics.MetricSink

	onOpen    membership.Callback
	onClose   membership.Callback
	tagFilter string

	heartbeat *scheduler.Task

	mu          sync.Mutex
	started     bool
	joinPacket  []byte
	closePacket []byte

	disposeOnce sync.Once
	disposeErr  error
	wg          sync.WaitGroup
}

type Option func(*Service)

// WithOnServiceOpen is called when a peer carrying the tag filter appears.
func WithOnServiceOpen(cb membership.Callback) Option {
	return func(s *Service) { s.onOpen = cb }
}

// WithOnServiceClose is called when such a peer goes away.
func WithOnServiceClose(cb membership.Callback) Option {
	return func(s *Service) { s.onClose = cb }
}

func WithTagFilter(tag string) Option {
	return func(s *Service) { s.tagFilter = tag }
}

func WithMetricSink(sink gometrics.MetricSink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithClient(c *rpc.Client) Option {
	return func(s *Service) { s.client = c }
}

// New prepares a service. Endpoints can still be added to table until Start.
// reg and tr may be nil to run without that discovery path.
func New(cfg Config, table *rpc.EndpointTable, reg registry.Registry, tr announce.Transport, log logger.Logger, opts ...Option) *Service {
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if table == nil {
		table = rpc.NewEndpointTable()
	}

	s := &Service{
		cfg:       cfg,
		table:     table,
		registry:  reg,
		transport: tr,
		logger:    log.With(logger.String("service", cfg.Name)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sink = metrics.OrBlackhole(s.sink)
	if s.client == nil {
		s.client = rpc.NewClient(log, rpc.WithTimeout(cfg.CallTimeout), rpc.WithClientMetricSink(s.sink))
	}
	s.server = rpc.NewServer(table, s.logger, rpc.WithAllowedCIDRS(cfg.AllowedCIDRS), rpc.WithServerMetricSink(s.sink))
	s.directory = membership.New(membership.Config{
		SelfName:     cfg.Name,
		SelfUUID:     cfg.UUID,
		PollInterval: cfg.PollInterval,
		TagFilter:    s.tagFilter,
	}, reg, tr, s.logger,
		membership.WithOnOpen(s.onOpen),
		membership.WithOnClose(s.onClose),
		membership.WithReannounce(s.reannounce),
		membership.WithMetricSink(s.sink),
	)
	return s
}

func (s *Service) Name() string                     { return s.cfg.Name }
func (s *Service) UUID() string                     { return s.cfg.UUID }
func (s *Service) Address() string                  { return s.cfg.Address }
func (s *Service) Table() *rpc.EndpointTable        { return s.table }
func (s *Service) Client() *rpc.Client              { return s.client }
func (s *Service) Directory() *membership.Directory { return s.directory }

// Port is the bound port once started, the configured one before.
func (s *Service) Port() int {
	if p := s.server.Port(); p != 0 {
		return p
	}
	return s.cfg.Port
}

// Start binds, serves, registers and announces the process.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	port, err := s.server.Listen(s.cfg.Port)
	if err != nil {
		return err
	}

	if err := s.injectBuiltins(); err != nil {
		_ = s.server.Stop(ctx)
		return err
	}
	s.table.Seal()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(); err != nil {
			s.logger.Error("rpc server stopped", logger.Error(err))
		}
	}()

	rec := registry.NewRecord(s.cfg.Name, s.cfg.Address, port, s.cfg.Tags, registry.Check{
		Interval:        s.cfg.CheckInterval,
		Timeout:         s.cfg.CheckTimeout,
		DeregisterAfter: s.cfg.DeregisterAfter,
	})
	rec.RegisteredAt = time.Now()

	info := s.Info()
	join := info.Clone().
		Set(membership.FieldStatus, membership.StatusJoin).
		Set(membership.FieldAddress, s.cfg.Address)
	closing := codec.Document{
		membership.FieldStatus: membership.StatusClose,
		membership.FieldName:   s.cfg.Name,
		membership.FieldUUID:   s.cfg.UUID,
		membership.FieldPort:   port,
	}

	s.mu.Lock()
	s.started = true
	s.joinPacket = []byte(codec.MustEncode(join))
	s.closePacket = []byte(codec.MustEncode(closing))
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Register(ctx, rec); err != nil {
			return fmt.Errorf("register %s: %w", s.cfg.Name, err)
		}
		interval := s.cfg.CheckInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		s.heartbeat = scheduler.NewTask("heartbeat", interval, func(ctx context.Context) error {
			return s.registry.Register(ctx, rec)
		}, s.logger)
		s.heartbeat.Start(ctx)
	}

	s.directory.Start(ctx)
	s.announce(ctx, s.joinPacket, membership.StatusJoin)

	s.logger.Info("service started",
		logger.String("uuid", s.cfg.UUID),
		logger.String("address", s.cfg.Address),
		logger.Int("port", port),
		logger.Strings("endpoints", s.table.Names()))
	return nil
}

func (s *Service) injectBuiltins() error {
	if err := s.table.Augment(EndpointProbe, func(_ context.Context, _, resp codec.Document) codec.Document {
		return resp.Set("status", StatusOK)
	}); err != nil {
		return err
	}
	return s.table.Augment(EndpointInfo, func(_ context.Context, _, resp codec.Document) codec.Document {
		return resp.Merge(s.Info())
	})
}

// Info is the identity document served by the info endpoint and announced
// on join.
func (s *Service) Info() codec.Document {
	return codec.Document{
		membership.FieldName:      s.cfg.Name,
		membership.FieldUUID:      s.cfg.UUID,
		membership.FieldEndpoints: s.table.Names(),
		membership.FieldTags:      slices.Clone(s.cfg.Tags),
		membership.FieldPort:      s.Port(),
	}
}

func (s *Service) reannounce(ctx context.Context) {
	s.mu.Lock()
	packet := s.joinPacket
	s.mu.Unlock()
	if packet != nil {
		s.announce(ctx, packet, membership.StatusJoin)
	}
}

func (s *Service) announce(ctx context.Context, packet []byte, status string) {
	if s.transport == nil {
		return
	}
	s.sink.IncrCounterWithLabels(metrics.AnnounceOutCount, 1, []gometrics.Label{metrics.LabelStatus.M(status)})
	if err := s.transport.Broadcast(ctx, packet); err != nil {
		s.logger.Warn("announcement failed",
			logger.String("status", status),
			logger.Error(err))
	}
}

// RequestByName calls endpoint on the peer named name, looked up in the
// directory and then in the shared registry.
func (s *Service) RequestByName(ctx context.Context, name, endpoint string, req codec.Document) (codec.Document, error) {
	p, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.RequestByPeer(ctx, p, endpoint, req)
}

// RequestByPeer calls endpoint on an already resolved peer.
func (s *Service) RequestByPeer(ctx context.Context, p membership.Peer, endpoint string, req codec.Document) (codec.Document, error) {
	if p.Port <= 0 {
		return nil, fmt.Errorf("%w: %s has no port", rpc.ErrUnknownPeer, p.Name)
	}
	return s.client.Call(ctx, p.Address, p.Port, endpoint, req)
}

// RequestByNameAsync is RequestByName as a future.
func (s *Service) RequestByNameAsync(ctx context.Context, name, endpoint string, req codec.Document) <-chan rpc.Result {
	out := make(chan rpc.Result, 1)
	go func() {
		doc, err := s.RequestByName(ctx, name, endpoint, req)
		out <- rpc.Result{Doc: doc, Err: err}
	}()
	return out
}

func (s *Service) lookup(ctx context.Context, name string) (membership.Peer, error) {
	if p, ok := s.directory.Peer(name); ok {
		return p, nil
	}
	if s.registry != nil {
		rec, err := s.registry.Get(ctx, name)
		if err == nil {
			return membership.Peer{Name: rec.Name, Address: rec.Address, Port: rec.Port, Tags: rec.Tags}, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("registry lookup failed", logger.String("peer", name), logger.Error(err))
		}
	}
	return membership.Peer{}, fmt.Errorf("%w: %s", rpc.ErrUnknownPeer, name)
}

// Dispose stops the process. Unless hidden, peers are told it is closing.
// Only the first call has an effect.
func (s *Service) Dispose(ctx context.Context, hidden bool) error {
	s.disposeOnce.Do(func() {
		s.disposeErr = s.dispose(ctx, hidden)
	})
	return s.disposeErr
}

func (s *Service) dispose(ctx context.Context, hidden bool) error {
	s.mu.Lock()
	started := s.started
	packet := s.closePacket
	s.mu.Unlock()

	var errs []error
	if started && !hidden {
		s.announce(ctx, packet, membership.StatusClose)
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	if started && s.registry != nil {
		if err := s.registry.Deregister(ctx, s.cfg.Name); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}
	s.directory.Stop()
	if err := s.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop rpc server: %w", err))
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close announcements: %w", err))
		}
	}
	s.wg.Wait()

	s.logger.Info("service disposed", logger.Bool("hidden", hidden))
	return errors.Join(errs...)
}

// Forget drops a peer from the directory without firing callbacks.
func (s *Service) Forget(name string) bool {
	return s.directory.Forget(name)
}
