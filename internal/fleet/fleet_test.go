package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/membership"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
)

func players(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func TestNewRequiresTemplates(t *testing.T) {
	_, err := New(Config{}, nil, logger.Nop())
	require.ErrorIs(t, err, ErrNoTemplates)
}

func TestTickSpawnsMinNodes(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", MinNodes: 2})
	tmpl, _ := h.fleet.Template("lobby")

	require.NoError(t, tmpl.Tick(context.Background()))

	nodes := tmpl.Nodes()
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		require.Equal(t, StateStarting, n.State())
		require.False(t, n.Running())
	}
	require.Equal(t, 2, h.launcher.count())

	// the template tree is copied and the start script rewritten
	spec := h.launcher.specs[0]
	require.FileExists(t, filepath.Join(spec.Dir, "plugins", "node.jar"))
	script, err := os.ReadFile(spec.Script)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("run --port %d --template lobby\n", nodes[0].Port()), string(script))
	require.Contains(t, spec.Env, "FLEET_NODE_TEMPLATE=lobby")

	// starting nodes count towards min_nodes
	require.NoError(t, tmpl.Tick(context.Background()))
	require.Equal(t, 2, h.launcher.count())
}

func TestMaxNodes(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", MaxNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")

	_, err := tmpl.NewNode(context.Background())
	require.NoError(t, err)
	_, err = tmpl.NewNode(context.Background())
	require.ErrorIs(t, err, ErrMaxNodes)
	require.Len(t, tmpl.Nodes(), 1)
}

func TestNodeCreationAbortsWithoutUsableScript(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		script  string
		wantErr error
	}{
		{"missing script", "", ErrStartScriptMissing},
		{"no port token", "run --template {template}\n", ErrStartScriptToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeTemplate(t, root, strings.ReplaceAll(tt.name, " ", "-"), tt.script)
			h := newHarness(t, Descriptor{Name: "broken", Dir: dir})
			tmpl, _ := h.fleet.Template("broken")

			_, err := tmpl.NewNode(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			require.Empty(t, tmpl.Nodes())
			require.Zero(t, h.launcher.count())

			entries, err := os.ReadDir(h.fleet.cfg.InstancesDir)
			if err == nil {
				require.Empty(t, entries, "instance directory is cleaned up")
			}
		})
	}
}

func TestAttributionByPort(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	tmpl, _ := h.fleet.Template("lobby")

	n, err := tmpl.NewNode(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStarting, n.State())

	p := h.register(t, n)
	require.True(t, n.Running())
	require.False(t, n.Adopted())
	require.Equal(t, p.Name, n.Name())
	require.Same(t, n, h.fleet.FindNode(n.DirName()))
	require.Same(t, n, h.fleet.FindNode(p.Name))
	require.Len(t, tmpl.Nodes(), 1)
}

func TestAttributionAdoptsUnknownWorker(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	tmpl, _ := h.fleet.Template("lobby")

	h.mesh.infos["node-legacy"] = codec.Document{
		"template":   "lobby",
		"serverPort": 30000,
		"directory":  "/srv/instances/legacy",
		"players":    []any{"p1", "p2"},
	}
	require.NoError(t, h.fleet.Attribute(context.Background(), membership.Peer{Name: "node-legacy", Port: 41000}))

	nodes := tmpl.Nodes()
	require.Len(t, nodes, 1)
	n := nodes[0]
	require.True(t, n.Adopted())
	require.True(t, n.Running())
	require.Equal(t, 30000, n.Port())
	require.Equal(t, "legacy", n.DirName())
	require.Equal(t, []string{"p1", "p2"}, n.Players())

	h.mesh.infos["node-other"] = codec.Document{"template": "survival", "serverPort": 30001}
	err := h.fleet.Attribute(context.Background(), membership.Peer{Name: "node-other", Port: 41001})
	require.ErrorIs(t, err, ErrUnknownTemplate)

	err = h.fleet.Attribute(context.Background(), membership.Peer{Name: "node-silent", Port: 41002})
	require.ErrorIs(t, err, rpc.ErrUnknownPeer)
}

func TestThresholdScaleUpHonoursCooldown(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", NewNodeAtPlayerCount: 10})
	n := h.runningNodes(t, "lobby", 1)[0]
	require.Equal(t, 1, h.launcher.count())

	ids := players("p", 10)
	h.join(t, n, ids[:9]...)
	require.Equal(t, 1, h.launcher.count())

	h.join(t, n, ids[9])
	require.Equal(t, 2, h.launcher.count(), "reaching the threshold adds one node")

	// dropping below and reaching it again inside the cooldown does nothing
	ctx := context.Background()
	require.NoError(t, h.fleet.PlayerQuit(ctx, n.Name(), ids[9]))
	h.join(t, n, ids[9])
	require.Equal(t, 2, h.launcher.count())

	// joins past the threshold are not triggers either
	h.join(t, n, "p-extra")
	require.Equal(t, 2, h.launcher.count())

	h.clock.Advance(61 * time.Second)
	require.NoError(t, h.fleet.PlayerQuit(ctx, n.Name(), "p-extra"))
	require.NoError(t, h.fleet.PlayerQuit(ctx, n.Name(), ids[9]))
	h.join(t, n, ids[9])
	require.Equal(t, 3, h.launcher.count())
}

func TestBalancedNodePicksFewestPlayers(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	nodes := h.runningNodes(t, "lobby", 3)
	h.join(t, nodes[0], players("a", 3)...)
	h.join(t, nodes[1], players("b", 1)...)
	h.join(t, nodes[2], players("c", 5)...)

	resp, err := h.fleet.handleGetNodeFromTemplate(context.Background(), codec.Document{"template": "lobby"})
	require.NoError(t, err)
	require.True(t, resp.Bool("success"))
	require.Equal(t, nodes[1].Name(), resp.String("server"))
	require.Equal(t, nodes[1].Port(), resp.IntOr("serverPort", 0))
}

func TestBalancingSkipsUnregisteredNodes(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	tmpl, _ := h.fleet.Template("lobby")

	_, err := tmpl.NewNode(context.Background())
	require.NoError(t, err)
	require.Nil(t, tmpl.BalancedNode())

	_, err = tmpl.Place(context.Background())
	require.ErrorIs(t, err, ErrNoNode)
}

func TestShutdownWhenEmpty(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", ShutdownNoPlayers: true, MinNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")
	nodes := h.runningNodes(t, "lobby", 2)
	name := nodes[1].Name()

	h.join(t, nodes[1], "p1")
	require.NoError(t, h.fleet.PlayerQuit(context.Background(), name, "p1"))

	require.NoError(t, tmpl.Tick(context.Background()))

	require.Equal(t, []*Node{nodes[0]}, tmpl.Nodes())
	require.True(t, h.mesh.forgot(name))
	require.Eventually(t, func() bool {
		return nodes[1].State() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, h.mesh.callsTo(EndpointStop), 1)
	require.False(t, h.launcher.process(1).killed.Load(), "the worker exited on request")

	// the remaining node never held players and the pool is at min_nodes
	require.NoError(t, tmpl.Tick(context.Background()))
	require.Len(t, tmpl.Nodes(), 1)
}

func TestStopKillsAfterGrace(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	h.launcher.ignoreStop = true
	n := h.runningNodes(t, "lobby", 1)[0]

	sink := gometrics.NewInmemSink(time.Minute, time.Minute)
	start := time.Now()
	require.NoError(t, n.stop(context.Background(), h.mesh, 50*time.Millisecond, sink))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.True(t, h.launcher.process(0).killed.Load())
	require.False(t, n.Running())
	require.Equal(t, StateStopped, n.State())

	// idempotent
	require.NoError(t, n.stop(context.Background(), h.mesh, 50*time.Millisecond, sink))
	require.Len(t, h.mesh.callsTo(EndpointStop), 1)
}

func TestGracefulStopDoesNotKill(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	n := h.runningNodes(t, "lobby", 1)[0]

	require.NoError(t, n.stop(context.Background(), h.mesh, time.Minute, &gometrics.BlackholeSink{}))
	require.False(t, h.launcher.process(0).killed.Load())
	require.False(t, n.Running())
}

func TestExitedProcessIsReaped(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", MinNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")
	n := h.runningNodes(t, "lobby", 1)[0]
	name := n.Name()

	h.launcher.process(0).exit()
	require.Eventually(t, func() bool { return !n.Running() }, time.Second, 10*time.Millisecond)

	require.NoError(t, tmpl.Tick(context.Background()))
	require.True(t, h.mesh.forgot(name))
	require.Len(t, tmpl.Nodes(), 1, "replaced to honour min_nodes")
	require.NotSame(t, n, tmpl.Nodes()[0])
	require.Equal(t, 2, h.launcher.count())
}

func TestServiceCloseMarksNodeStopped(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	tmpl, _ := h.fleet.Template("lobby")
	n := h.runningNodes(t, "lobby", 1)[0]
	p, _ := n.Peer()

	h.fleet.OnServiceClose(context.Background(), p)
	require.Equal(t, StateStopped, n.State())

	require.NoError(t, tmpl.Tick(context.Background()))
	require.Empty(t, tmpl.Nodes())
}

func TestOverflowPolicies(t *testing.T) {
	tests := []struct {
		policy  Overflow
		wantErr error
	}{
		{OverflowAllow, nil},
		{OverflowKick, ErrTemplateFull},
		{OverflowCancel, ErrPlacementCancelled},
		{OverflowWait, ErrPlacementTimeout},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, Descriptor{Name: "lobby", MaxPlayers: 1, OverflowBehavior: tt.policy})
			tmpl, _ := h.fleet.Template("lobby")
			n := h.runningNodes(t, "lobby", 1)[0]
			h.join(t, n, "p1")

			got, err := tmpl.Place(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				resp, herr := h.fleet.handleGetNodeFromTemplate(context.Background(), codec.Document{"template": "lobby"})
				require.NoError(t, herr)
				require.False(t, resp.Bool("success"))
				require.Equal(t, string(tt.policy), resp.String("reason"))
				return
			}
			require.NoError(t, err)
			require.Same(t, n, got)
		})
	}
}

func TestOverflowWaitSucceedsWhenCapacityFrees(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", MaxPlayers: 1, OverflowBehavior: OverflowWait})
	tmpl, _ := h.fleet.Template("lobby")
	n := h.runningNodes(t, "lobby", 1)[0]
	h.join(t, n, "p1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = h.fleet.PlayerQuit(context.Background(), n.Name(), "p1")
	}()

	got, err := tmpl.Place(context.Background())
	require.NoError(t, err)
	require.Same(t, n, got)
}

func TestLandingNodeIsPushedOnChange(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", DefaultTemplate: true})
	tmpl, _ := h.fleet.Template("lobby")
	nodes := h.runningNodes(t, "lobby", 2)

	landing := func() []string {
		var out []string
		for _, c := range h.mesh.callsTo(EndpointSetInitialNode) {
			if c.target == "router" {
				out = append(out, c.req.String("server"))
			}
		}
		return out
	}

	require.Eventually(t, func() bool { return len(landing()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{nodes[0].Name()}, landing())

	h.join(t, nodes[0], "p1")
	require.Eventually(t, func() bool { return len(landing()) == 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, nodes[1].Name(), landing()[1])
	require.Equal(t, nodes[1].Name(), tmpl.Landing())

	// balanced node unchanged: nothing new is pushed
	h.join(t, nodes[0], "p2")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, landing(), 2)
}

func TestMergeDrainsLightestNode(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", ShutdownNoPlayers: true, MaxPlayersMerge: 5, MinNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")
	nodes := h.runningNodes(t, "lobby", 3)
	h.join(t, nodes[0], "a1")
	h.join(t, nodes[1], "b1", "b2")
	h.join(t, nodes[2], players("c", 6)...)

	require.NoError(t, tmpl.Tick(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.mesh.callsTo(EndpointMovePlayer)) == 1
	}, time.Second, 10*time.Millisecond)

	move := h.mesh.callsTo(EndpointMovePlayer)[0]
	require.Equal(t, "router", move.target)
	require.Equal(t, "a1", move.req.String("uuid"))
	require.Equal(t, nodes[1].Name(), move.req.String("server"))

	// the draining node takes no new players
	require.Same(t, nodes[1], tmpl.BalancedNode())

	// the router moved the player: the drained node is retired
	require.NoError(t, h.fleet.PlayerQuit(context.Background(), nodes[0].Name(), "a1"))
	h.join(t, nodes[1], "a1")
	require.NoError(t, tmpl.Tick(context.Background()))
	require.Equal(t, []*Node{nodes[1], nodes[2]}, tmpl.Nodes())
	require.Len(t, h.mesh.callsTo(EndpointMovePlayer), 1)
}

func TestEndpoints(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"}, Descriptor{Name: "survival"})
	table := rpc.NewEndpointTable()
	require.NoError(t, h.fleet.Register(table))

	ctx := context.Background()
	call := func(name string, req codec.Document) (codec.Document, error) {
		t.Helper()
		handler, ok := table.Lookup(name)
		require.True(t, ok, name)
		return handler.Handle(ctx, req)
	}

	resp, err := call(EndpointGetTemplates, codec.New())
	require.NoError(t, err)
	require.Equal(t, []string{"lobby", "survival"}, resp.Strings("templates"))
	require.Len(t, resp.Docs("details"), 2)

	resp, err = call(EndpointCreateNode, codec.Document{"template": "nope"})
	require.NoError(t, err)
	require.False(t, resp.Bool("success"))

	resp, err = call(EndpointCreateNode, codec.Document{"template": "survival"})
	require.NoError(t, err)
	require.True(t, resp.Bool("success"))
	port := resp.IntOr("serverPort", 0)
	n := h.fleet.NodeByPort(port)
	require.NotNil(t, n)
	p := h.register(t, n)

	resp, err = call(EndpointGetNodesFromTemplate, codec.Document{"template": "survival"})
	require.NoError(t, err)
	require.Equal(t, []string{p.Name}, resp.Strings("servers"))

	// workers report players with their instance directory name
	resp, err = call(EndpointPlayerJoin, codec.Document{"node": n.DirName(), "player": codec.Document{"uuid": "p1", "name": "steve"}})
	require.NoError(t, err)
	require.True(t, resp.Bool("success"))
	require.Equal(t, []string{"p1"}, n.Players())

	_, err = call(EndpointPlayerJoin, codec.Document{"node": n.DirName(), "player": codec.Document{}})
	require.Error(t, err)

	resp, err = call(EndpointPlayerJoin, codec.Document{"node": "ghost", "player": codec.Document{"uuid": "p2"}})
	require.NoError(t, err)
	require.False(t, resp.Bool("success"))

	resp, err = call(EndpointPlayerQuit, codec.Document{"node": p.Name, "player": codec.Document{"uuid": "p1"}})
	require.NoError(t, err)
	require.True(t, resp.Bool("success"))
	require.Empty(t, n.Players())

	resp, err = call(EndpointCloseNode, codec.Document{"serverPort": port})
	require.NoError(t, err)
	require.True(t, resp.Bool("success"))
	require.Nil(t, h.fleet.NodeByPort(port))

	resp, err = call(EndpointCloseNode, codec.Document{"name": "ghost"})
	require.NoError(t, err)
	require.False(t, resp.Bool("success"))
}

func TestStopStopsEveryNode(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"}, Descriptor{Name: "survival"})
	a := h.runningNodes(t, "lobby", 2)
	b := h.runningNodes(t, "survival", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.fleet.Stop(ctx))

	for _, n := range append(a, b...) {
		require.Equal(t, StateStopped, n.State())
	}
	require.Len(t, h.mesh.callsTo(EndpointStop), 3)
}

func TestVanishedPeerProcessIsStopped(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	h.launcher.ignoreStop = true
	tmpl, _ := h.fleet.Template("lobby")
	n := h.runningNodes(t, "lobby", 1)[0]
	p, _ := n.Peer()
	proc := h.launcher.process(0)

	h.fleet.OnServiceClose(context.Background(), p)
	require.NoError(t, tmpl.Tick(context.Background()))
	require.Empty(t, tmpl.Nodes())

	require.Eventually(t, func() bool {
		select {
		case <-proc.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, proc.killed.Load(), "worker ignoring stop is killed after the grace")
	require.Len(t, h.mesh.callsTo(EndpointStop), 1)
}

func TestThresholdScaleUpFailureKeepsCooldownFree(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", NewNodeAtPlayerCount: 2, MaxNodes: 2})
	nodes := h.runningNodes(t, "lobby", 2)
	require.Equal(t, 2, h.launcher.count())

	// max_nodes refuses the scale up
	h.join(t, nodes[0], "p1", "p2")
	require.Equal(t, 2, h.launcher.count())

	ctx := context.Background()
	require.True(t, h.fleet.CloseNode(ctx, nodes[1].Name(), 0))
	require.NoError(t, h.fleet.PlayerQuit(ctx, nodes[0].Name(), "p2"))
	h.join(t, nodes[0], "p2")
	require.Equal(t, 3, h.launcher.count(), "a refused scale up does not start the cooldown")
}

func TestMergeReleasedWhenPlayersAreNeverMoved(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", ShutdownNoPlayers: true, MaxPlayersMerge: 5, MinNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")
	nodes := h.runningNodes(t, "lobby", 2)
	h.join(t, nodes[0], "a1")
	h.join(t, nodes[1], "b1", "b2")

	ctx := context.Background()
	require.NoError(t, tmpl.Tick(ctx))
	require.Eventually(t, func() bool {
		return len(h.mesh.callsTo(EndpointMovePlayer)) == 1
	}, time.Second, 10*time.Millisecond)
	require.False(t, nodes[0].eligible())

	// still draining inside the timeout
	h.clock.Advance(10 * time.Second)
	require.NoError(t, tmpl.Tick(ctx))
	require.False(t, nodes[0].eligible())

	h.clock.Advance(21 * time.Second)
	require.NoError(t, tmpl.Tick(ctx))
	require.True(t, nodes[0].eligible())
	require.Same(t, nodes[0], tmpl.BalancedNode())
	require.Equal(t, []string{"a1"}, nodes[0].Players())
	require.Len(t, h.mesh.callsTo(EndpointMovePlayer), 1, "no new merge inside the cooldown")

	h.clock.Advance(61 * time.Second)
	require.NoError(t, tmpl.Tick(ctx))
	require.Eventually(t, func() bool {
		return len(h.mesh.callsTo(EndpointMovePlayer)) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMergeReleasedWhenRouterFails(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby", ShutdownNoPlayers: true, MaxPlayersMerge: 5, MinNodes: 1})
	tmpl, _ := h.fleet.Template("lobby")
	nodes := h.runningNodes(t, "lobby", 2)
	h.join(t, nodes[0], "a1")
	h.join(t, nodes[1], "b1")

	h.mesh.mu.Lock()
	h.mesh.routerErr = rpc.ErrUnreachable
	h.mesh.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, tmpl.Tick(ctx))
	require.Eventually(t, func() bool {
		return len(h.mesh.callsTo(EndpointMovePlayer)) == 1 && nodes[0].eligible()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tmpl.Tick(ctx))
	require.Len(t, h.mesh.callsTo(EndpointMovePlayer), 1)
	require.True(t, nodes[0].eligible())
}

func TestStopWithConcurrentCloseStopsEveryProcess(t *testing.T) {
	h := newHarness(t, Descriptor{Name: "lobby"})
	nodes := h.runningNodes(t, "lobby", 4)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.fleet.CloseNode(ctx, n.Name(), 0)
		}()
	}
	require.NoError(t, h.fleet.Stop(ctx))
	wg.Wait()

	for i := range nodes {
		select {
		case <-h.launcher.process(i).Done():
		default:
			t.Fatalf("process %d still running", i)
		}
		require.Equal(t, StateStopped, nodes[i].State())
	}

	// jobs are refused once stopped
	before := len(h.mesh.callsTo(EndpointInfo))
	h.fleet.OnServiceOpen(ctx, membership.Peer{Name: "node-late", Port: 40999})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.mesh.callsTo(EndpointInfo), before)
}
