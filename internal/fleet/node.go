package fleet

import (
	"context"
	"slices"
	"sync"
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
)

// State is a node's lifecycle position.
type State int

const (
	StateCreating State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is one worker instance of a template.
type Node struct {
	template  *Template
	seq       uint64
	dirName   string
	dir       string
	port      int
	adopted   bool
	createdAt time.Time

	// serializes spawn and stop of this node
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	players    []string
	hadPlayers bool
	draining   bool
	drainedAt  time.Time
	peer       *membership.Peer
	info       codec.Document
	process    Process
}

func (n *Node) Template() *Template { return n.template }
func (n *Node) Port() int           { return n.port }
func (n *Node) Dir() string         { return n.dir }
func (n *Node) DirName() string     { return n.dirName }
func (n *Node) Adopted() bool       { return n.adopted }

// Name is the name of the bound peer, or the instance directory name before
// the worker has registered.
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.peer != nil {
		return n.peer.Name
	}
	return n.dirName
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Running reports whether the worker is alive and registered.
func (n *Node) Running() bool {
	return n.State() == StateRunning
}

// live nodes count towards the template bounds
func (n *Node) live() bool {
	s := n.State()
	return s != StateStopping && s != StateStopped
}

// eligible nodes can receive players
func (n *Node) eligible() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == StateRunning && n.peer != nil && !n.draining
}

func (n *Node) Peer() (membership.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.peer == nil {
		return membership.Peer{}, false
	}
	return *n.peer, true
}

func (n *Node) Info() codec.Document {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info.Clone()
}

func (n *Node) Players() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.players)
}

func (n *Node) PlayerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.players)
}

func (n *Node) HasPlayer(uuid string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Contains(n.players, uuid)
}

// matches accepts the bound peer name or the instance directory name.
func (n *Node) matches(name string) bool {
	if name == "" {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return name == n.dirName || (n.peer != nil && name == n.peer.Name)
}

func (n *Node) boundTo(peerName string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peer != nil && n.peer.Name == peerName
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// bind attaches the registered worker. A node being stopped stays so.
func (n *Node) bind(p membership.Peer, info codec.Document) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peer = &p
	n.info = info
	if n.state != StateStopping {
		n.state = StateRunning
	}
}

// unbind marks the worker gone; the node is reaped on the next tick.
func (n *Node) unbind() {
	n.setState(StateStopped)
}

func (n *Node) addPlayer(uuid string) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if slices.Contains(n.players, uuid) {
		return len(n.players), false
	}
	n.players = append(n.players, uuid)
	n.hadPlayers = true
	return len(n.players), true
}

func (n *Node) removePlayer(uuid string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := slices.Index(n.players, uuid)
	if i < 0 {
		return false
	}
	n.players = slices.Delete(n.players, i, i+1)
	return true
}

// emptied reports whether the node held players and has none left.
func (n *Node) emptied() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hadPlayers && len(n.players) == 0
}

func (n *Node) setDraining(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.draining {
		return false
	}
	n.draining = true
	n.drainedAt = now
	return true
}

// releaseDrain makes a draining node eligible again once timeout has
// elapsed. A zero timeout releases it at once.
func (n *Node) releaseDrain(now time.Time, timeout time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.draining {
		return false
	}
	if timeout > 0 && now.Sub(n.drainedAt) < timeout {
		return false
	}
	n.draining = false
	n.drainedAt = time.Time{}
	return true
}

// processAlive reports whether the spawned process has not exited yet.
func (n *Node) processAlive() bool {
	n.mu.RLock()
	p := n.process
	n.mu.RUnlock()
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

func (n *Node) watch(p Process) {
	n.mu.Lock()
	n.process = p
	n.mu.Unlock()

	go func() {
		<-p.Done()
		n.mu.Lock()
		n.state = StateStopped
		n.mu.Unlock()
		n.template.logger.Info("node process exited",
			logger.String("node", n.Name()),
			logger.Int("port", n.port))
		n.template.task.Trigger()
	}()
}

// stop asks the worker to stop, then kills its process once grace has
// elapsed. Stopping a stopped node whose process has exited is a no-op; a
// node marked stopped because its peer vanished still has its process
// stopped.
func (n *Node) stop(ctx context.Context, mesh Mesh, grace time.Duration, sink gometrics.MetricSink) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	alive := n.processAlive()
	n.mu.Lock()
	if n.state == StateStopped && !alive {
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopping
	peer := n.peer
	proc := n.process
	n.mu.Unlock()

	log := n.template.logger.With(logger.String("node", n.Name()), logger.Int("port", n.port))
	labels := []gometrics.Label{metrics.LabelTemplate.M(n.template.Name())}
	sink.IncrCounterWithLabels(metrics.NodeStopCount, 1, labels)

	if peer != nil && mesh != nil {
		if _, err := mesh.RequestByPeer(ctx, *peer, EndpointStop, codec.New()); err != nil {
			log.Warn("stop request failed", logger.Error(err))
		}
	}

	var err error
	if proc != nil {
		timer := time.NewTimer(grace)
		select {
		case <-proc.Done():
			timer.Stop()
		case <-timer.C:
			log.Warn("node did not exit in time, killing it", logger.Duration("grace", grace))
			sink.IncrCounterWithLabels(metrics.NodeKillCount, 1, labels)
			err = proc.Kill()
			if err != nil {
				log.Error("kill node process failed", logger.Error(err))
			}
		case <-ctx.Done():
			timer.Stop()
			log.Warn("stop interrupted, killing node")
			err = proc.Kill()
		}
	}

	n.setState(StateStopped)
	log.Info("node stopped")
	return err
}
