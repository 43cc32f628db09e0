package announce

import (
	"context"
	"sync"
)

// Hub is an in-process multicast group. Every transport joined to it hears
// every broadcast, its own included, as two datagrams per frame.
type Hub struct {
	mu      sync.Mutex
	members map[*HubTransport]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*HubTransport]struct{})}
}

// Join returns a transport attached to the hub.
func (h *Hub) Join() *HubTransport {
	t := &HubTransport{
		hub:   h,
		inbox: make(chan []byte, 512),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.members[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// Inject delivers a raw datagram to every member, bypassing framing.
func (h *Hub) Inject(datagram []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.members {
		m.push(datagram)
	}
}

func (h *Hub) leave(t *HubTransport) {
	h.mu.Lock()
	delete(h.members, t)
	h.mu.Unlock()
}

type HubTransport struct {
	hub   *Hub
	inbox chan []byte
	once  sync.Once
	done  chan struct{}
}

func (t *HubTransport) Broadcast(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	prefix, err := LengthPrefix(payload)
	if err != nil {
		return err
	}
	body := make([]byte, len(payload))
	copy(body, payload)

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for m := range t.hub.members {
		m.push(prefix)
		m.push(body)
	}
	return nil
}

// push drops the datagram when the inbox is full, like a UDP socket buffer.
func (t *HubTransport) push(datagram []byte) {
	select {
	case t.inbox <- datagram:
	default:
	}
}

func (t *HubTransport) Listen(ctx context.Context, handle Handler) error {
	var r Reassembler
	for {
		select {
		case datagram := <-t.inbox:
			payload, err := r.Feed(datagram)
			if err != nil || payload == nil {
				continue
			}
			handle(payload)
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		}
	}
}

func (t *HubTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.hub.leave(t)
	})
	return nil
}
