package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/fleetmesh/internal/announce"
	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
)

type events struct {
	mu         sync.Mutex
	opened     []string
	closed     []string
	reannounce atomic.Int32
}

func (e *events) open(_ context.Context, p Peer) {
	e.mu.Lock()
	e.opened = append(e.opened, p.Name+"/"+p.UUID)
	e.mu.Unlock()
}

func (e *events) close(_ context.Context, p Peer) {
	e.mu.Lock()
	e.closed = append(e.closed, p.Name+"/"+p.UUID)
	e.mu.Unlock()
}

func (e *events) snapshot() ([]string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opened...), append([]string(nil), e.closed...)
}

func newTestDirectory(cfg Config, reg registry.Registry, tr announce.Transport) (*Directory, *events) {
	ev := &events{}
	d := New(cfg, reg, tr, logger.Nop(),
		WithOnOpen(ev.open),
		WithOnClose(ev.close),
		WithReannounce(func(context.Context) { ev.reannounce.Add(1) }),
	)
	return d, ev
}

func joinPacket(name, uuid string, port int, tags ...string) []byte {
	return []byte(codec.MustEncode(codec.Document{
		FieldStatus:    StatusJoin,
		FieldName:      name,
		FieldUUID:      uuid,
		FieldAddress:   "127.0.0.1",
		FieldPort:      port,
		FieldEndpoints: []string{"", "info"},
		FieldTags:      tags,
	}))
}

func closePacket(uuid string) []byte {
	return []byte(codec.MustEncode(codec.Document{FieldStatus: StatusClose, FieldUUID: uuid, FieldName: "x"}))
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, ev := newTestDirectory(Config{SelfName: "node-manager", SelfUUID: "self"}, nil, nil)

	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u1", 4000)))
	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u1", 4000)))

	require.Equal(t, 1, d.Len())
	opened, closed := ev.snapshot()
	require.Equal(t, []string{"node-a/u1"}, opened)
	require.Empty(t, closed)
	require.Equal(t, int32(1), ev.reannounce.Load())

	p, ok := d.Peer("node-a")
	require.True(t, ok)
	require.Equal(t, "u1", p.UUID)
	require.Equal(t, 4000, p.Port)
	require.Equal(t, []string{"", "info"}, p.Endpoints)
	require.Equal(t, "node-a", p.Info.String(FieldName))
	require.False(t, p.Info.Has(FieldStatus))

	byID, ok := d.PeerByID("u1")
	require.True(t, ok)
	require.Equal(t, "node-a", byID.Name)
}

func TestJoinWithNewUUIDReplacesPeer(t *testing.T) {
	ctx := context.Background()
	d, ev := newTestDirectory(Config{SelfUUID: "self"}, nil, nil)

	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u1", 4000)))
	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u2", 4001)))

	require.Equal(t, 1, d.Len())
	opened, closed := ev.snapshot()
	require.Equal(t, []string{"node-a/u1", "node-a/u2"}, opened)
	require.Equal(t, []string{"node-a/u1"}, closed)

	p, _ := d.Peer("node-a")
	require.Equal(t, 4001, p.Port)
}

func TestCloseRemovesByUUID(t *testing.T) {
	ctx := context.Background()
	d, ev := newTestDirectory(Config{SelfUUID: "self"}, nil, nil)

	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u1", 4000)))
	require.NoError(t, d.HandleAnnouncement(ctx, closePacket("unknown")))
	require.Equal(t, 1, d.Len())

	require.NoError(t, d.HandleAnnouncement(ctx, closePacket("u1")))
	require.Equal(t, 0, d.Len())
	_, closed := ev.snapshot()
	require.Equal(t, []string{"node-a/u1"}, closed)
}

func TestAnnouncementErrors(t *testing.T) {
	ctx := context.Background()
	d, ev := newTestDirectory(Config{SelfName: "me", SelfUUID: "self"}, nil, nil)

	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{"not json", []byte("garbage"), ErrMalformedAnnouncement},
		{"no uuid", []byte(`{"status":"join","name":"a","port":1}`), ErrMalformedAnnouncement},
		{"join without port", []byte(`{"status":"join","name":"a","uuid":"u"}`), ErrMalformedAnnouncement},
		{"unknown status", []byte(`{"status":"leave","name":"a","uuid":"u","port":1}`), ErrUnknownStatus},
		{"empty status", []byte(`{"name":"a","uuid":"u","port":1}`), ErrUnknownStatus},
		{"own uuid", joinPacket("me", "self", 1), nil},
		{"own name", joinPacket("me", "other-instance", 1), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.HandleAnnouncement(ctx, tt.payload)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.Equal(t, 0, d.Len())
	opened, _ := ev.snapshot()
	require.Empty(t, opened)
}

func TestTagFilterOnlyGatesCallbacks(t *testing.T) {
	ctx := context.Background()
	d, ev := newTestDirectory(Config{SelfUUID: "self", TagFilter: "node"}, nil, nil)

	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("router", "r1", 4000)))
	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-a", "u1", 4001, "node")))

	require.Equal(t, 2, d.Len())
	opened, _ := ev.snapshot()
	require.Equal(t, []string{"node-a/u1"}, opened)
}

func TestPollDiffsRegistry(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d, ev := newTestDirectory(Config{SelfName: "node-manager", SelfUUID: "self"}, reg, nil)

	check := registry.Check{Interval: time.Second, DeregisterAfter: time.Second}
	require.NoError(t, reg.Register(ctx, registry.NewRecord("node-manager", "127.0.0.1", 5000, nil, check)))
	require.NoError(t, reg.Register(ctx, registry.NewRecord("node-a", "127.0.0.1", 4000, []string{"node"}, check)))
	require.NoError(t, reg.Register(ctx, registry.NewRecord("node-b", "127.0.0.1", 4001, []string{"node"}, check)))

	require.NoError(t, d.Poll(ctx))
	require.Equal(t, 2, d.Len(), "self is never listed")
	opened, _ := ev.snapshot()
	require.ElementsMatch(t, []string{"node-a/", "node-b/"}, opened)

	// unchanged registry: nothing fires
	require.NoError(t, d.Poll(ctx))
	opened, closed := ev.snapshot()
	require.Len(t, opened, 2)
	require.Empty(t, closed)

	require.NoError(t, reg.Deregister(ctx, "node-a"))
	require.NoError(t, d.Poll(ctx))
	_, closed = ev.snapshot()
	require.Equal(t, []string{"node-a/"}, closed)
	require.Equal(t, []string{"node-b"}, names(d.Peers()))

	// an announcement for a registry peer fills in its identity silently
	require.NoError(t, d.HandleAnnouncement(ctx, joinPacket("node-b", "ub", 4001, "node")))
	p, _ := d.Peer("node-b")
	require.Equal(t, "ub", p.UUID)
	opened, _ = ev.snapshot()
	require.Len(t, opened, 2)
	require.Equal(t, int32(0), ev.reannounce.Load())
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d, ev := newTestDirectory(Config{SelfName: "node-manager"}, reg, nil)

	require.NoError(t, reg.Register(ctx, registry.NewRecord("node-a", "127.0.0.1", 4000, nil, registry.Check{})))
	require.NoError(t, d.Poll(ctx))

	require.True(t, d.Forget("node-a"))
	require.False(t, d.Forget("node-a"))

	// still listed in the registry: the next poll does not resurrect it
	require.NoError(t, d.Poll(ctx))
	require.Equal(t, 0, d.Len())

	require.NoError(t, reg.Deregister(ctx, "node-a"))
	require.NoError(t, d.Poll(ctx))
	_, closed := ev.snapshot()
	require.Empty(t, closed)
}

func names(peers []Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.Name
	}
	return out
}

func TestAnnouncementsConverge(t *testing.T) {
	hub := announce.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var broadcasts atomic.Int32
	start := func(name, uuid string, port int) (*Directory, announce.Transport) {
		tr := hub.Join()
		packet := joinPacket(name, uuid, port)
		d := New(Config{SelfName: name, SelfUUID: uuid}, nil, tr, logger.Nop(),
			WithReannounce(func(ctx context.Context) {
				broadcasts.Add(1)
				_ = tr.Broadcast(ctx, packet)
			}))
		d.Start(ctx)
		t.Cleanup(func() {
			d.Stop()
			_ = tr.Close()
		})
		return d, tr
	}

	a, trA := start("node-a", "ua", 4000)
	b, _ := start("node-b", "ub", 4001)

	// the listeners need to be up before the first join goes out
	time.Sleep(50 * time.Millisecond)
	broadcasts.Add(1)
	require.NoError(t, trA.Broadcast(ctx, joinPacket("node-a", "ua", 4000)))

	require.Eventually(t, func() bool {
		_, aKnowsB := a.Peer("node-b")
		_, bKnowsA := b.Peer("node-a")
		return aKnowsB && bKnowsA
	}, 2*time.Second, 10*time.Millisecond)

	// the storm stops: A's join, B's re-announce, A's re-announce
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(3), broadcasts.Load())

	// info consistency: what B learned is what A announced
	p, _ := b.Peer("node-a")
	require.Equal(t, "ua", p.UUID)
	require.Equal(t, 4000, p.Port)
}
