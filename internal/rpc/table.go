package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
)

// Handler answers one endpoint. Returning a nil document or an error makes
// the server answer with an empty body.
type Handler interface {
	Handle(ctx context.Context, req codec.Document) (codec.Document, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req codec.Document) (codec.Document, error)

func (f HandlerFunc) Handle(ctx context.Context, req codec.Document) (codec.Document, error) {
	return f(ctx, req)
}

// AugmentFunc adds fields to the response produced by the owner's handler.
type AugmentFunc func(ctx context.Context, req, resp codec.Document) codec.Document

// EndpointTable maps endpoint names to handlers, keeping registration order.
// It is filled during setup and sealed when the server starts serving.
type EndpointTable struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
	sealed   bool
}

func NewEndpointTable() *EndpointTable {
	return &EndpointTable{handlers: make(map[string]Handler)}
}

// Register adds a handler under name.
func (t *EndpointTable) Register(name string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return fmt.Errorf("register %q: %w", name, ErrTableSealed)
	}
	if _, exists := t.handlers[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateEndpoint)
	}
	t.order = append(t.order, name)
	t.handlers[name] = h
	return nil
}

// HandleFunc registers a plain function.
func (t *EndpointTable) HandleFunc(name string, fn func(ctx context.Context, req codec.Document) (codec.Document, error)) error {
	return t.Register(name, HandlerFunc(fn))
}

// Augment wraps the handler registered under name so that fn can add fields
// to its response. When no handler exists, fn receives an empty response.
func (t *EndpointTable) Augment(name string, fn AugmentFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return fmt.Errorf("augment %q: %w", name, ErrTableSealed)
	}

	inner, exists := t.handlers[name]
	if !exists {
		t.order = append(t.order, name)
	}
	t.handlers[name] = HandlerFunc(func(ctx context.Context, req codec.Document) (codec.Document, error) {
		resp := codec.New()
		if inner != nil {
			out, err := inner.Handle(ctx, req)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, nil
			}
			resp = out
		}
		return fn(ctx, req, resp), nil
	})
	return nil
}

func (t *EndpointTable) Lookup(name string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the endpoint names in registration order.
func (t *EndpointTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *EndpointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Seal forbids further registration.
func (t *EndpointTable) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

func (t *EndpointTable) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}
