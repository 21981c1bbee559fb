package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LocalHub connects several bridges inside one process. It lets a single
// binary (or a test) run multiple registries that replicate to each other
// exactly as they would over Redis, including at-least-once redelivery.
type LocalHub struct {
	mu      sync.RWMutex
	members []*LocalBridge
	// Redeliver publishes every message twice to exercise idempotence.
	Redeliver bool
}

func NewLocalHub() *LocalHub { return &LocalHub{} }

// Connect returns a new bridge attached to the hub.
func (h *LocalHub) Connect() *LocalBridge {
	b := &LocalBridge{hub: h, origin: uuid.NewString()}
	h.mu.Lock()
	h.members = append(h.members, b)
	h.mu.Unlock()
	return b
}

func (h *LocalHub) broadcast(env envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		return
	}
	h.mu.RLock()
	members := append([]*LocalBridge(nil), h.members...)
	h.mu.RUnlock()

	copies := 1
	if h.Redeliver {
		copies = 2
	}
	for _, m := range members {
		for i := 0; i < copies; i++ {
			m.receive(data)
		}
	}
}

// LocalBridge is one member of a LocalHub. Delivery is synchronous.
type LocalBridge struct {
	hub    *LocalHub
	origin string

	mu       sync.Mutex
	handlers []Handler
	closed   bool

	published atomic.Int64
	received  atomic.Int64
}

func (b *LocalBridge) Origin() string { return b.origin }

func (b *LocalBridge) Publish(room string, update []byte) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.published.Add(1)
	b.hub.broadcast(envelope{Origin: b.origin, Room: room, Update: append([]byte(nil), update...)})
}

func (b *LocalBridge) SubscribeAll(_ context.Context, h Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

func (b *LocalBridge) receive(data []byte) {
	env, err := unmarshalEnvelope(data)
	if err != nil || env.Origin == b.origin {
		return
	}
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers...)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.received.Add(1)
	for _, h := range handlers {
		h(env.Room, env.Update)
	}
}

func (b *LocalBridge) Stats() Stats {
	return Stats{Published: b.published.Load(), Received: b.received.Load()}
}

func (b *LocalBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
