package announce

import (
	"context"
	"sync"
)

// Handler receives one complete payload.
type Handler func(payload []byte)

// Transport broadcasts payloads to every reachable process and delivers the
// payloads broadcast by others (and, for multicast, by itself).
type Transport interface {
	Broadcast(ctx context.Context, payload []byte) error
	// Listen delivers payloads to handle until ctx is done or the transport
	// is closed. It returns nil in both cases.
	Listen(ctx context.Context, handle Handler) error
	Close() error
}

// Nop is the registry-only mode: nothing is sent and nothing arrives.
type Nop struct {
	once sync.Once
	done chan struct{}
}

func NewNop() *Nop {
	return &Nop{done: make(chan struct{})}
}

func (n *Nop) Broadcast(context.Context, []byte) error { return nil }

func (n *Nop) Listen(ctx context.Context, _ Handler) error {
	select {
	case <-ctx.Done():
	case <-n.done:
	}
	return nil
}

func (n *Nop) Close() error {
	n.once.Do(func() { close(n.done) })
	return nil
}
