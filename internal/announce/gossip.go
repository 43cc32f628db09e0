package announce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// GossipConfig configures the memberlist mesh.
type GossipConfig struct {
	Name     string   // unique member name, usually the process uuid
	BindAddr string   // ex: "0.0.0.0"
	BindPort int      // 0 => random port
	Seeds    []string // members to join at startup (host:port)
	// Local tunes timers for a single host (tests, dev).
	Local bool
}

// GossipTransport carries frames as memberlist user messages, queued for
// piggybacking on the gossip protocol.
type GossipTransport struct {
	list   *memberlist.Memberlist
	queue  *memberlist.TransmitLimitedQueue
	logger logger.Logger

	inbox     chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewGossip creates the member and joins the seeds. A failed join is logged;
// the member keeps running and can be joined later by others.
func NewGossip(cfg GossipConfig, log logger.Logger) (*GossipTransport, error) {
	mlCfg := memberlist.DefaultLANConfig()
	if cfg.Local {
		mlCfg = memberlist.DefaultLocalConfig()
	}
	if cfg.Name != "" {
		mlCfg.Name = cfg.Name
	}
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Logger = log.Named("memberlist").StdLogger()

	g := &GossipTransport{
		logger: log,
		inbox:  make(chan []byte, 128),
		done:   make(chan struct{}),
	}
	mlCfg.Delegate = &gossipDelegate{g: g}
	mlCfg.Events = &gossipEvents{logger: log}

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create gossip member: %w", err)
	}
	g.list = list
	g.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: mlCfg.RetransmitMult,
	}

	if len(cfg.Seeds) > 0 {
		joined, err := list.Join(cfg.Seeds)
		if err != nil {
			log.Warn("could not join gossip seeds",
				logger.Strings("seeds", cfg.Seeds),
				logger.Error(err))
		} else if joined != len(cfg.Seeds) {
			log.Warn("not all gossip seeds are reachable",
				logger.Int("joined", joined),
				logger.Int("expected", len(cfg.Seeds)))
		}
	}
	return g, nil
}

// Addr is the host:port other members join.
func (g *GossipTransport) Addr() string {
	n := g.list.LocalNode()
	return n.FullAddress().Addr
}

// Members returns the number of live members, self included.
func (g *GossipTransport) Members() int {
	return g.list.NumMembers()
}

func (g *GossipTransport) Broadcast(ctx context.Context, payload []byte) error {
	msg, err := Encode(payload)
	if err != nil {
		return err
	}
	select {
	case <-g.done:
		return ErrClosed
	default:
	}
	g.queue.QueueBroadcast(&gossipBroadcast{msg: msg})

	// gossip never loops back; multicast does, keep the same contract
	g.deliver(payload)
	return nil
}

func (g *GossipTransport) Listen(ctx context.Context, handle Handler) error {
	for {
		select {
		case payload := <-g.inbox:
			handle(payload)
		case <-ctx.Done():
			return nil
		case <-g.done:
			return nil
		}
	}
}

func (g *GossipTransport) deliver(payload []byte) {
	select {
	case g.inbox <- payload:
	default:
		g.logger.Warn("gossip inbox full, dropping announcement")
	}
}

func (g *GossipTransport) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		if lerr := g.list.Leave(time.Second); lerr != nil {
			g.logger.Debug("gossip leave failed", logger.Error(lerr))
		}
		err = g.list.Shutdown()
	})
	return err
}

// gossipDelegate hooks user messages into the transport.
type gossipDelegate struct {
	g *GossipTransport
}

func (d *gossipDelegate) NodeMeta(limit int) []byte { return nil }

func (d *gossipDelegate) NotifyMsg(msg []byte) {
	payload, err := Decode(msg)
	if err != nil {
		d.g.logger.Warn("dropping gossip announcement", logger.Error(err))
		return
	}
	// memberlist reuses msg after we return
	out := make([]byte, len(payload))
	copy(out, payload)
	d.g.deliver(out)
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.g.queue.GetBroadcasts(overhead, limit)
}

func (d *gossipDelegate) LocalState(join bool) []byte { return nil }

func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

type gossipBroadcast struct {
	msg []byte
}

func (b *gossipBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *gossipBroadcast) Message() []byte                             { return b.msg }
func (b *gossipBroadcast) Finished()                                   {}

type gossipEvents struct {
	logger logger.Logger
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.logger.Debug("gossip member joined", nodeFields(node)...)
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.logger.Debug("gossip member left", nodeFields(node)...)
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.logger.Debug("gossip member updated", nodeFields(node)...)
}

func nodeFields(node *memberlist.Node) []logger.Field {
	return []logger.Field{
		logger.String("member", node.Name),
		logger.String("addr", node.Address()),
	}
}
