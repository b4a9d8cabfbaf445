// Package agenttest provides an in-memory hub and a fake target agent that
// speaks the keysplitting protocol with real Ed25519 signatures.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/bzconnect/internal/hub"
)

// Invocation is one recorded hub call.
type Invocation struct {
	Method string
	Args   []json.RawMessage
}

type event struct {
	name string
	args []json.RawMessage
}

// Hub is an in-memory hub.Hub. Events are dispatched in emission order from
// a single goroutine, like the websocket receive loop.
type Hub struct {
	mu          sync.Mutex
	handlers    map[string][]hub.Handler
	invocations []Invocation
	onInvoke    func(method string, args []json.RawMessage) error
	closed      bool
	closeCalls  int

	states chan hub.StateChange
	events chan event
	done   chan struct{}
}

var _ hub.Hub = (*Hub)(nil)

// NewHub creates a connected in-memory hub.
func NewHub() *Hub {
	h := &Hub{
		handlers: make(map[string][]hub.Handler),
		states:   make(chan hub.StateChange, 32),
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
	}
	h.states <- hub.StateChange{State: hub.StateConnected}
	go h.dispatch()
	return h
}

// HandleInvoke sets the function run for every Invoke, after recording it.
func (h *Hub) HandleInvoke(fn func(method string, args []json.RawMessage) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInvoke = fn
}

// Invoke records the call and passes it to the invoke handler.
func (h *Hub) Invoke(ctx context.Context, method string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return hub.ErrNotConnected
	}
	h.invocations = append(h.invocations, Invocation{Method: method, Args: raw})
	fn := h.onInvoke
	h.mu.Unlock()

	if fn != nil {
		return fn(method, raw)
	}
	return nil
}

// On registers an event handler.
func (h *Hub) On(name string, handler hub.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = append(h.handlers[name], handler)
}

// States reports state changes pushed with SetState.
func (h *Hub) States() <-chan hub.StateChange {
	return h.states
}

// Close marks the hub closed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	select {
	case h.states <- hub.StateChange{State: hub.StateClosed}:
	default:
	}
	return nil
}

// Emit queues an inbound event.
func (h *Hub) Emit(name string, args ...any) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			panic(fmt.Sprintf("agenttest: marshal %s argument: %v", name, err))
		}
		raw = append(raw, b)
	}
	select {
	case h.events <- event{name: name, args: raw}:
	case <-h.done:
	}
}

// SetState pushes a connection state change.
func (h *Hub) SetState(sc hub.StateChange) {
	h.states <- sc
}

// Invocations returns recorded calls to method, or all calls when method
// is empty.
func (h *Hub) Invocations(method string) []Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Invocation
	for _, inv := range h.invocations {
		if method == "" || inv.Method == method {
			out = append(out, inv)
		}
	}
	return out
}

// WaitInvocations polls until at least n calls to method were recorded.
func (h *Hub) WaitInvocations(method string, n int, timeout time.Duration) ([]Invocation, bool) {
	deadline := time.Now().Add(timeout)
	for {
		invs := h.Invocations(method)
		if len(invs) >= n {
			return invs, true
		}
		if time.Now().After(deadline) {
			return invs, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitHandler polls until a handler for name is registered.
func (h *Hub) WaitHandler(name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		n := len(h.handlers[name])
		h.mu.Unlock()
		if n > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Closed reports whether Close was called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls returns how many times Close was called.
func (h *Hub) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls
}

func (h *Hub) dispatch() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.mu.Lock()
			hs := append([]hub.Handler(nil), h.handlers[ev.name]...)
			h.mu.Unlock()
			for _, fn := range hs {
				fn(ev.args)
			}
		}
	}
}
