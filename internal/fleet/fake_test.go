package fleet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	killed     atomic.Bool
	ignoreStop bool
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

type fakeLauncher struct {
	mu         sync.Mutex
	specs      []LaunchSpec
	procs      []*fakeProcess
	ignoreStop bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 1000 + len(l.procs), done: make(chan struct{}), ignoreStop: l.ignoreStop}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) process(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type call struct {
	target   string
	endpoint string
	req      codec.Document
}

// fakeMesh answers info requests from the infos map and records everything.
type fakeMesh struct {
	mu        sync.Mutex
	infos     map[string]codec.Document
	procs     map[string]*fakeProcess
	calls     []call
	forgotten []string
	routerErr error // returned for every call by name
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		infos: make(map[string]codec.Document),
		procs: make(map[string]*fakeProcess),
	}
}

func (m *fakeMesh) RequestByName(_ context.Context, name, endpoint string, req codec.Document) (codec.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{name, endpoint, req})
	if m.routerErr != nil {
		return nil, m.routerErr
	}
	return codec.New(), nil
}

func (m *fakeMesh) RequestByPeer(_ context.Context, p membership.Peer, endpoint string, req codec.Document) (codec.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{p.Name, endpoint, req})
	switch endpoint {
	case EndpointInfo:
		info, ok := m.infos[p.Name]
		if !ok {
			return nil, rpc.ErrUnknownPeer
		}
		return info.Clone(), nil
	case EndpointStop:
		if proc, ok := m.procs[p.Name]; ok && !proc.ignoreStop {
			proc.exit()
		}
	}
	return codec.New(), nil
}

func (m *fakeMesh) Forget(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, name)
	return true
}

func (m *fakeMesh) callsTo(endpoint string) []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []call
	for _, c := range m.calls {
		if c.endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

func (m *fakeMesh) forgot(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.forgotten {
		if n == name {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	fleet    *Fleet
	mesh     *fakeMesh
	launcher *fakeLauncher
	clock    *fakeClock
	nextPort atomic.Int32
}

// writeTemplate creates a template source directory with a start script.
func writeTemplate(t *testing.T, root, name, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plugins"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugins", "node.jar"), []byte("jar"), 0o644))
	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, StartScriptName), []byte(script), 0o755))
	}
	return dir
}

func newHarness(t *testing.T, descs ...Descriptor) *harness {
	t.Helper()
	root := t.TempDir()
	for i := range descs {
		if descs[i].Dir == "" {
			descs[i].Dir = writeTemplate(t, filepath.Join(root, "templates"), descs[i].Name, "run --port {port} --template {template}\n")
		}
		if descs[i].MaxNodes == 0 {
			descs[i].MaxNodes = 100
		}
		require.NoError(t, descs[i].Validate())
	}

	h := &harness{
		mesh:     newFakeMesh(),
		launcher: &fakeLauncher{},
		clock:    &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.nextPort.Store(25565)

	f, err := New(Config{
		InstancesDir:  filepath.Join(root, "instances"),
		TickInterval:  time.Hour,
		StartupGrace:  time.Hour,
		ScaleCooldown: time.Minute,
		StopGrace:     100 * time.Millisecond,
		PlacementWait: 200 * time.Millisecond,
		DrainTimeout:  30 * time.Second,
		RouterName:    "router",
	}, descs, logger.Nop(),
		WithLauncher(h.launcher),
		WithClock(h.clock.Now),
		WithPortAllocator(func() (int, error) { return int(h.nextPort.Add(1)), nil }),
	)
	require.NoError(t, err)
	f.Start(context.Background(), h.mesh)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Stop(ctx)
	})
	h.fleet = f
	return h
}

// register simulates the node's worker registering and being attributed.
func (h *harness) register(t *testing.T, n *Node) membership.Peer {
	t.Helper()
	name := "node-" + n.DirName()
	h.mesh.mu.Lock()
	h.mesh.infos[name] = codec.Document{
		"template":   n.Template().Name(),
		"serverPort": n.Port(),
		"directory":  n.Dir(),
		"players":    []any{},
	}
	n.mu.RLock()
	if proc, ok := n.process.(*fakeProcess); ok {
		h.mesh.procs[name] = proc
	}
	n.mu.RUnlock()
	h.mesh.mu.Unlock()

	p := membership.Peer{Name: name, UUID: name + "-uuid", Address: "127.0.0.1", Port: 40000 + n.Port()%1000}
	require.NoError(t, h.fleet.Attribute(context.Background(), p))
	return p
}

// runningNodes creates and registers count nodes of tpl.
func (h *harness) runningNodes(t *testing.T, tpl string, count int) []*Node {
	t.Helper()
	tmpl, ok := h.fleet.Template(tpl)
	require.True(t, ok)
	out := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		n, err := tmpl.NewNode(context.Background())
		require.NoError(t, err)
		h.register(t, n)
		require.True(t, n.Running())
		out = append(out, n)
	}
	return out
}

func (h *harness) join(t *testing.T, n *Node, players ...string) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, h.fleet.PlayerJoin(context.Background(), n.Name(), p))
	}
}
