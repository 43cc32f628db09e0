package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/scheduler"
)

var (
	ErrMaxNodes           = errors.New("fleet: template at max_nodes")
	ErrNoNode             = errors.New("fleet: no running node")
	ErrTemplateFull       = errors.New("fleet: every node is full")
	ErrPlacementCancelled = errors.New("fleet: placement cancelled")
	ErrPlacementTimeout   = errors.New("fleet: no capacity freed in time")
)

// Template is one class of worker instance and its live pool.
type Template struct {
	desc   Descriptor
	fleet  *Fleet
	logger logger.Logger
	task   *scheduler.Task
	labels []gometrics.Label

	// serializes node creation so bounds hold under concurrent callers
	createMu sync.Mutex

	mu        sync.RWMutex
	nodes     []*Node // creation order
	lastScale time.Time
	scaling   bool
	mergeAt   time.Time // no merge starts before
	landing   string
	changed   chan struct{}
}

func newTemplate(f *Fleet, d Descriptor) *Template {
	t := &Template{
		desc:    d,
		fleet:   f,
		logger:  f.logger.Named("template." + d.Name),
		labels:  []gometrics.Label{metrics.LabelTemplate.M(d.Name)},
		changed: make(chan struct{}),
	}
	t.task = scheduler.NewTask("template."+d.Name, f.cfg.TickInterval, t.Tick, t.logger,
		scheduler.WithInitialDelay(f.cfg.StartupGrace))
	return t
}

func (t *Template) Name() string           { return t.desc.Name }
func (t *Template) Descriptor() Descriptor { return t.desc }

// Nodes returns the pool in creation order.
func (t *Template) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.nodes)
}

// LiveCount counts nodes that are neither stopping nor stopped.
func (t *Template) LiveCount() int {
	n := 0
	for _, node := range t.Nodes() {
		if node.live() {
			n++
		}
	}
	return n
}

func (t *Template) NodeByPort(port int) *Node {
	if port <= 0 {
		return nil
	}
	for _, n := range t.Nodes() {
		if n.port == port {
			return n
		}
	}
	return nil
}

func (t *Template) NodeByName(name string) *Node {
	for _, n := range t.Nodes() {
		if n.matches(name) {
			return n
		}
	}
	return nil
}

// BalancedNode is the running node with the fewest players, the oldest one
// on ties. Nodes without a registered peer are never selected.
func (t *Template) BalancedNode() *Node {
	var best *Node
	bestCount := 0
	for _, n := range t.Nodes() {
		if !n.eligible() {
			continue
		}
		if c := n.PlayerCount(); best == nil || c < bestCount {
			best, bestCount = n, c
		}
	}
	return best
}

// NewNode spawns a worker from the template's source directory.
func (t *Template) NewNode(ctx context.Context) (*Node, error) {
	t.createMu.Lock()
	defer t.createMu.Unlock()

	if t.LiveCount() >= t.desc.MaxNodes {
		return nil, fmt.Errorf("%w (%d)", ErrMaxNodes, t.desc.MaxNodes)
	}

	f := t.fleet
	port, err := f.ports()
	if err != nil {
		f.sink.IncrCounterWithLabels(metrics.NodeSpawnErrorCount, 1, t.labels)
		return nil, err
	}

	dirName := fmt.Sprintf("%s-%s", t.desc.Name, uuid.NewString()[:8])
	n := &Node{
		template:  t,
		seq:       f.seq.Add(1),
		dirName:   dirName,
		dir:       filepath.Join(f.cfg.InstancesDir, dirName),
		port:      port,
		createdAt: f.clock(),
		state:     StateCreating,
	}
	log := t.logger.With(logger.String("node", dirName), logger.Int("port", port))
	log.Info("creating node")

	n.opMu.Lock()
	defer n.opMu.Unlock()

	// listed before launch so an early registration is attributed to it
	t.mu.Lock()
	t.nodes = append(t.nodes, n)
	t.mu.Unlock()

	proc, err := t.spawn(ctx, n)
	if err != nil {
		t.drop(n)
		_ = os.RemoveAll(n.dir)
		f.sink.IncrCounterWithLabels(metrics.NodeSpawnErrorCount, 1, t.labels)
		log.Warn("node creation aborted", logger.Error(err))
		return nil, err
	}

	n.setState(StateStarting)
	n.watch(proc)
	f.sink.IncrCounterWithLabels(metrics.NodeSpawnCount, 1, t.labels)
	log.Info("node starting", logger.Int("pid", proc.Pid()))
	t.report()
	return n, nil
}

func (t *Template) spawn(ctx context.Context, n *Node) (Process, error) {
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create instance directory: %w", err)
	}
	if err := copyTree(t.desc.Dir, n.dir); err != nil {
		return nil, fmt.Errorf("copy template: %w", err)
	}
	script, err := rewriteStartScript(n.dir, n.port, t.desc.Name)
	if err != nil {
		return nil, err
	}
	return t.fleet.launcher.Launch(ctx, LaunchSpec{
		Dir:    n.dir,
		Script: script,
		Env: []string{
			"FLEET_NODE_TEMPLATE=" + t.desc.Name,
			fmt.Sprintf("FLEET_NODE_SERVER_PORT=%d", n.port),
		},
	})
}

// adopt tracks a registered worker this orchestrator did not spawn.
func (t *Template) adopt(p membership.Peer, info codec.Document) *Node {
	dir := info.String("directory")
	dirName := p.Name
	if dir != "" {
		dirName = filepath.Base(dir)
	}
	players := info.Strings("players")

	n := &Node{
		template:   t,
		seq:        t.fleet.seq.Add(1),
		dirName:    dirName,
		dir:        dir,
		port:       info.IntOr("serverPort", 0),
		adopted:    true,
		createdAt:  t.fleet.clock(),
		state:      StateRunning,
		players:    players,
		hadPlayers: len(players) > 0,
		peer:       &p,
		info:       info,
	}

	t.mu.Lock()
	t.nodes = append(t.nodes, n)
	t.mu.Unlock()

	t.fleet.sink.IncrCounterWithLabels(metrics.NodeAdoptCount, 1, t.labels)
	t.logger.Info("adopted running node",
		logger.String("node", p.Name),
		logger.Int("port", n.port),
		logger.Int("players", len(players)))
	return n
}

func (t *Template) drop(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.Index(t.nodes, n)
	if i < 0 {
		return false
	}
	t.nodes = slices.Delete(t.nodes, i, i+1)
	return true
}

// RemoveNode takes n out of the pool, forgets its peer and stops it in the
// background.
func (t *Template) RemoveNode(ctx context.Context, n *Node) bool {
	if !t.drop(n) {
		return false
	}
	if n.State() != StateStopped {
		n.setState(StateStopping)
	}
	if p, ok := n.Peer(); ok {
		t.fleet.forget(p.Name)
	}
	t.fleet.stopAsync(n)
	t.notify()
	t.updateLanding(ctx)
	t.report()
	return true
}

// Tick runs one reconciliation pass: reap, scale up, merge, scale down.
func (t *Template) Tick(ctx context.Context) error {
	t.reap(ctx)

	if need := t.desc.MinNodes - t.LiveCount(); need > 0 {
		for i := 0; i < need; i++ {
			if _, err := t.NewNode(ctx); err != nil {
				t.logger.Warn("scale up failed", logger.Error(err))
				break
			}
		}
	}

	t.releaseDrains()
	t.merge()
	t.scaleDown(ctx)
	t.report()
	return nil
}

func (t *Template) reap(ctx context.Context) {
	var reaped int
	for _, n := range t.Nodes() {
		if n.State() != StateStopped {
			continue
		}
		if !t.drop(n) {
			continue
		}
		reaped++
		if p, ok := n.Peer(); ok {
			t.fleet.forget(p.Name)
		}
		if n.processAlive() {
			t.logger.Warn("reaped node still has a process, stopping it",
				logger.String("node", n.Name()),
				logger.Int("port", n.port))
			t.fleet.stopAsync(n)
			continue
		}
		t.logger.Info("reaped node", logger.String("node", n.Name()), logger.Int("port", n.port))
	}
	if reaped > 0 {
		t.notify()
		t.updateLanding(ctx)
	}
}

func (t *Template) scaleDown(ctx context.Context) {
	if !t.desc.ShutdownNoPlayers {
		return
	}
	live := t.LiveCount()
	for _, n := range t.Nodes() {
		if live <= t.desc.MinNodes {
			return
		}
		if !n.Running() || !n.emptied() {
			continue
		}
		t.logger.Info("stopping empty node", logger.String("node", n.Name()))
		if t.RemoveNode(ctx, n) {
			live--
		}
	}
}

// releaseDrains gives up on merges the router did not complete within the
// drain timeout. The next merge waits one scale cooldown.
func (t *Template) releaseDrains() {
	now := t.fleet.clock()
	for _, n := range t.Nodes() {
		if n.releaseDrain(now, t.fleet.cfg.DrainTimeout) {
			t.abandonMerge(n, now)
		}
	}
}

func (t *Template) abandonMerge(n *Node, now time.Time) {
	t.mu.Lock()
	t.mergeAt = now.Add(t.fleet.cfg.ScaleCooldown)
	t.mu.Unlock()
	t.logger.Warn("merge abandoned, node takes players again",
		logger.String("node", n.Name()),
		logger.Int("players", n.PlayerCount()))
	t.notify()
}

// merge drains the lightest running node into the next lightest when both
// fit in max_players_merge. The emptied node is then retired by scaleDown.
func (t *Template) merge() {
	limit := t.desc.MaxPlayersMerge
	if limit <= 0 || !t.desc.ShutdownNoPlayers || t.LiveCount() <= t.desc.MinNodes {
		return
	}
	now := t.fleet.clock()
	t.mu.RLock()
	blocked := now.Before(t.mergeAt)
	t.mu.RUnlock()
	if blocked {
		return
	}
	for _, n := range t.Nodes() {
		n.mu.RLock()
		draining := n.draining
		n.mu.RUnlock()
		if draining {
			return
		}
	}

	var cands []*Node
	for _, n := range t.Nodes() {
		if n.eligible() {
			cands = append(cands, n)
		}
	}
	if len(cands) < 2 {
		return
	}
	slices.SortStableFunc(cands, func(a, b *Node) int {
		return a.PlayerCount() - b.PlayerCount()
	})

	from, to := cands[0], cands[1]
	players := from.Players()
	if len(players) == 0 || len(players)+to.PlayerCount() > limit {
		return
	}
	if !from.setDraining(now) {
		return
	}

	target := to.Name()
	t.logger.Info("merging nodes",
		logger.String("from", from.Name()),
		logger.String("to", target),
		logger.Int("players", len(players)))
	onFail := func(error) {
		if from.releaseDrain(t.fleet.clock(), 0) {
			t.abandonMerge(from, t.fleet.clock())
		}
	}
	for _, id := range players {
		t.fleet.push(EndpointMovePlayer, codec.Document{"uuid": id, "server": target}, onFail)
	}
}

// Place picks the node a new player should join, applying the overflow
// policy when every node is full.
func (t *Template) Place(ctx context.Context) (*Node, error) {
	var deadline <-chan time.Time
	for {
		changed := t.changedCh()
		n := t.BalancedNode()
		if n == nil {
			return nil, ErrNoNode
		}
		if t.desc.MaxPlayers <= 0 || n.PlayerCount() < t.desc.MaxPlayers {
			return n, nil
		}

		switch t.desc.OverflowBehavior {
		case OverflowKick:
			return nil, ErrTemplateFull
		case OverflowCancel:
			return nil, ErrPlacementCancelled
		case OverflowWait:
			if deadline == nil {
				timer := time.NewTimer(t.fleet.cfg.PlacementWait)
				defer timer.Stop()
				deadline = timer.C
			}
			select {
			case <-changed:
			case <-deadline:
				return nil, ErrPlacementTimeout
			case <-ctx.Done():
				return nil, ErrPlacementTimeout
			}
		default:
			return n, nil
		}
	}
}

func (t *Template) changedCh() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// notify wakes placements waiting for capacity.
func (t *Template) notify() {
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// onPlayerCount scales up once a node reaches new_node_at_player_count,
// at most once per cooldown window. Only a node actually created starts
// the cooldown.
func (t *Template) onPlayerCount(ctx context.Context, count int) {
	threshold := t.desc.NewNodeAtPlayerCount
	if threshold <= 0 || count != threshold {
		return
	}

	now := t.fleet.clock()
	t.mu.Lock()
	if t.scaling || (!t.lastScale.IsZero() && now.Sub(t.lastScale) < t.fleet.cfg.ScaleCooldown) {
		t.mu.Unlock()
		t.logger.Debug("scale up skipped, cooldown", logger.Int("players", count))
		return
	}
	t.scaling = true
	t.mu.Unlock()

	t.logger.Info("player threshold reached, adding a node", logger.Int("players", count))
	_, err := t.NewNode(ctx)

	t.mu.Lock()
	t.scaling = false
	if err == nil {
		t.lastScale = now
	}
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("threshold scale up failed", logger.Error(err))
	}
}

// updateLanding tells the router about the default template's balanced node
// when it changed since the last push.
func (t *Template) updateLanding(context.Context) {
	if !t.desc.DefaultTemplate {
		return
	}
	name := ""
	if n := t.BalancedNode(); n != nil {
		name = n.Name()
	}

	t.mu.Lock()
	if name == t.landing {
		t.mu.Unlock()
		return
	}
	t.landing = name
	t.mu.Unlock()

	if name == "" {
		return
	}
	t.logger.Debug("landing node changed", logger.String("node", name))
	t.fleet.push(EndpointSetInitialNode, codec.Document{"server": name}, nil)
}

// Landing is the last landing node pushed to the router.
func (t *Template) Landing() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.landing
}

func (t *Template) report() {
	nodes := t.Nodes()
	players := 0
	for _, n := range nodes {
		players += n.PlayerCount()
	}
	t.fleet.sink.SetGaugeWithLabels(metrics.TemplateNodes, float32(len(nodes)), t.labels)
	t.fleet.sink.SetGaugeWithLabels(metrics.TemplatePlayers, float32(players), t.labels)
}

func (t *Template) details() codec.Document {
	nodes := t.Nodes()
	players := 0
	for _, n := range nodes {
		players += n.PlayerCount()
	}
	return codec.Document{
		"name":                     t.desc.Name,
		"max_players":              t.desc.MaxPlayers,
		"new_node_at_player_count": t.desc.NewNodeAtPlayerCount,
		"overflow_behavior":        string(t.desc.OverflowBehavior),
		"shutdown_no_players":      t.desc.ShutdownNoPlayers,
		"max_players_merge":        t.desc.MaxPlayersMerge,
		"min_nodes":                t.desc.MinNodes,
		"max_nodes":                t.desc.MaxNodes,
		"default_template":         t.desc.DefaultTemplate,
		"nodes":                    len(nodes),
		"players":                  players,
	}
}
