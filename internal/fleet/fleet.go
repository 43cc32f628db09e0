// Package fleet is the orchestrator: it owns the templates, spawns and
// retires their nodes, and serves the control endpoints.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/utils"
)

var (
	ErrNoTemplates     = errors.New("fleet: no valid templates")
	ErrUnknownTemplate = errors.New("fleet: unknown template")
	ErrUnknownNode     = errors.New("fleet: unknown node")
)

// Mesh is the part of the service process the orchestrator calls through.
type Mesh interface {
	RequestByName(ctx context.Context, name, endpoint string, req codec.Document) (codec.Document, error)
	RequestByPeer(ctx context.Context, p membership.Peer, endpoint string, req codec.Document) (codec.Document, error)
	// Forget drops a peer from the local directory without callbacks.
	Forget(name string) bool
}

type Config struct {
	InstancesDir  string
	TickInterval  time.Duration
	StartupGrace  time.Duration
	ScaleCooldown time.Duration
	StopGrace     time.Duration
	PlacementWait time.Duration
	DrainTimeout  time.Duration
	RouterName    string
}

// ConfigFrom extracts the orchestrator settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		InstancesDir:  cfg.InstancesDirectoryPath,
		TickInterval:  cfg.TickInterval,
		StartupGrace:  cfg.StartupGrace,
		ScaleCooldown: cfg.ScaleCooldown,
		StopGrace:     cfg.StopGrace,
		PlacementWait: cfg.PlacementWait,
		DrainTimeout:  cfg.DrainTimeout,
		RouterName:    cfg.RouterName,
	}
}

// Fleet is the orchestrator context handed to every template.
type Fleet struct {
	cfg       Config
	logger    logger.Logger
	sink      gometrics.MetricSink
	launcher  Launcher
	ports     func() (int, error)
	clock     func() time.Time
	templates []*Template
	byName    map[string]*Template
	seq       atomic.Uint64

	// guards mesh, and orders wg.Add against the stopping flag
	mu   sync.RWMutex
	mesh Mesh

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	stopOnce sync.Once
}

type Option func(*Fleet)

func WithLauncher(l Launcher) Option {
	return func(f *Fleet) { f.launcher = l }
}

func WithMetricSink(sink gometrics.MetricSink) Option {
	return func(f *Fleet) { f.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fleet) { f.clock = now }
}

// WithPortAllocator replaces the free-port lookup used for new nodes.
func WithPortAllocator(fn func() (int, error)) Option {
	return func(f *Fleet) { f.ports = fn }
}

// New builds the orchestrator from loaded descriptors, keeping their order.
func New(cfg Config, descs []Descriptor, log logger.Logger, opts ...Option) (*Fleet, error) {
	if len(descs) == 0 {
		return nil, ErrNoTemplates
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.RouterName == "" {
		cfg.RouterName = "router"
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		cfg:    cfg,
		logger: log.Named("fleet"),
		ports:  utils.FreePort,
		clock:  time.Now,
		byName: make(map[string]*Template, len(descs)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.sink = metrics.OrBlackhole(f.sink)
	if f.launcher == nil {
		f.launcher = NewExecLauncher(f.logger)
	}

	for _, d := range descs {
		if _, dup := f.byName[d.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate template %q", d.Name)
		}
		t := newTemplate(f, d)
		f.templates = append(f.templates, t)
		f.byName[d.Name] = t
	}
	return f, nil
}

// Start attaches the mesh and starts every template loop. Loops wait for
// the startup grace before their first tick.
func (f *Fleet) Start(ctx context.Context, mesh Mesh) {
	f.mu.Lock()
	f.mesh = mesh
	f.mu.Unlock()

	for _, t := range f.templates {
		t.task.Start(ctx)
	}
	f.logger.Info("fleet started",
		logger.Int("templates", len(f.templates)),
		logger.Duration("grace", f.cfg.StartupGrace))
}

// Stop halts the template loops, then stops every node concurrently.
func (f *Fleet) Stop(ctx context.Context) error {
	var err error
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopping.Store(true)
		f.mu.Unlock()
		for _, t := range f.templates {
			t.task.Stop()
		}

		mesh := f.getMesh()
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range f.templates {
			for _, n := range t.Nodes() {
				g.Go(func() error {
					if e := n.stop(gctx, mesh, f.cfg.StopGrace, f.sink); e != nil {
						return fmt.Errorf("stop %s: %w", n.Name(), e)
					}
					return nil
				})
			}
		}
		err = g.Wait()

		f.cancel()
		f.wg.Wait()
		f.logger.Info("fleet stopped")
	})
	return err
}

// track registers one background job, or refuses once Stop has begun.
func (f *Fleet) track() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping.Load() {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *Fleet) getMesh() Mesh {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mesh
}

// Templates returns the templates in load order.
func (f *Fleet) Templates() []*Template {
	out := make([]*Template, len(f.templates))
	copy(out, f.templates)
	return out
}

func (f *Fleet) Template(name string) (*Template, bool) {
	t, ok := f.byName[name]
	return t, ok
}

// FindNode looks a node up by peer name or instance directory name.
func (f *Fleet) FindNode(name string) *Node {
	for _, t := range f.templates {
		if n := t.NodeByName(name); n != nil {
			return n
		}
	}
	return nil
}

func (f *Fleet) NodeByPort(port int) *Node {
	for _, t := range f.templates {
		if n := t.NodeByPort(port); n != nil {
			return n
		}
	}
	return nil
}

// Snapshot describes every template, in load order, with its nodes.
func (f *Fleet) Snapshot() []codec.Document {
	out := make([]codec.Document, 0, len(f.templates))
	for _, t := range f.templates {
		nodes := t.Nodes()
		instances := make([]codec.Document, 0, len(nodes))
		for _, n := range nodes {
			instances = append(instances, codec.Document{
				"name":    n.Name(),
				"port":    n.Port(),
				"state":   n.State().String(),
				"players": n.PlayerCount(),
				"adopted": n.Adopted(),
			})
		}
		out = append(out, t.details().Set("instances", instances))
	}
	return out
}

// OnServiceOpen attributes a newly seen worker in the background.
func (f *Fleet) OnServiceOpen(_ context.Context, p membership.Peer) {
	if !f.track() {
		return
	}
	go func() {
		defer f.wg.Done()
		if err := f.Attribute(f.ctx, p); err != nil {
			f.logger.Warn("could not attribute node",
				logger.String("peer", p.Name),
				logger.Error(err))
		}
	}()
}

// OnServiceClose marks the node bound to p as gone.
func (f *Fleet) OnServiceClose(_ context.Context, p membership.Peer) {
	for _, t := range f.templates {
		for _, n := range t.Nodes() {
			if n.boundTo(p.Name) {
				n.unbind()
				t.logger.Info("node service closed", logger.String("node", p.Name))
				t.task.Trigger()
			}
		}
	}
}

// Attribute asks a worker for its info and binds it to the node spawned on
// the same server port, or adopts it when no such node is tracked.
func (f *Fleet) Attribute(ctx context.Context, p membership.Peer) error {
	mesh := f.getMesh()
	if mesh == nil {
		return fmt.Errorf("attribute %s: fleet not started", p.Name)
	}
	info, err := mesh.RequestByPeer(ctx, p, EndpointInfo, codec.New())
	if err != nil {
		return fmt.Errorf("request info: %w", err)
	}

	name := info.String("template")
	t, ok := f.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	port := info.IntOr("serverPort", 0)
	if n := t.NodeByPort(port); n != nil {
		n.bind(p, info)
		t.logger.Info("node connected",
			logger.String("node", p.Name),
			logger.Int("port", port))
	} else {
		t.adopt(p, info)
	}

	t.notify()
	t.updateLanding(ctx)
	t.report()
	return nil
}

// PlayerJoin records a player on a node and re-evaluates the scale triggers.
func (f *Fleet) PlayerJoin(ctx context.Context, node, player string) error {
	n := f.FindNode(node)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	count, added := n.addPlayer(player)
	if !added {
		return nil
	}
	t := n.template
	t.notify()
	t.onPlayerCount(ctx, count)
	t.updateLanding(ctx)
	t.report()
	return nil
}

func (f *Fleet) PlayerQuit(ctx context.Context, node, player string) error {
	n := f.FindNode(node)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	if !n.removePlayer(player) {
		return nil
	}
	t := n.template
	t.notify()
	t.updateLanding(ctx)
	t.report()
	return nil
}

// CloseNode stops the nodes matching name, or serverPort when name is empty.
func (f *Fleet) CloseNode(ctx context.Context, name string, serverPort int) bool {
	closed := false
	for _, t := range f.templates {
		for _, n := range t.Nodes() {
			var match bool
			if name != "" {
				match = n.matches(name)
			} else {
				match = serverPort > 0 && n.port == serverPort
			}
			if match && t.RemoveNode(ctx, n) {
				closed = true
			}
		}
	}
	return closed
}

func (f *Fleet) forget(name string) {
	if mesh := f.getMesh(); mesh != nil {
		mesh.Forget(name)
	}
}

// push sends a notification to the router without waiting for it. onFail,
// when set, runs if the router could not be reached.
func (f *Fleet) push(endpoint string, req codec.Document, onFail func(error)) {
	mesh := f.getMesh()
	if mesh == nil || !f.track() {
		return
	}
	go func() {
		defer f.wg.Done()
		if _, err := mesh.RequestByName(f.ctx, f.cfg.RouterName, endpoint, req); err != nil {
			f.logger.Warn("router notification failed",
				logger.String("endpoint", endpoint),
				logger.Error(err))
			if onFail != nil {
				onFail(err)
			}
		}
	}()
}

// stopAsync stops n in the background. Once Stop has begun the node is
// stopped inline, since Stop may already have listed the pool without it.
func (f *Fleet) stopAsync(n *Node) {
	mesh := f.getMesh()
	run := func() {
		if err := n.stop(f.ctx, mesh, f.cfg.StopGrace, f.sink); err != nil {
			f.logger.Warn("node stop failed",
				logger.String("node", n.Name()),
				logger.Error(err))
		}
	}
	if !f.track() {
		run()
		return
	}
	go func() {
		defer f.wg.Done()
		run()
	}()
}
