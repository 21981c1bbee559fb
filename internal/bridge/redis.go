package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBridge replicates updates over Redis pub/sub. Each room has its own
// channel, <prefix>:room:<name>; the subscriber listens to all of them
// with one pattern subscription.
type RedisBridge struct {
	client *redis.Client
	prefix string
	origin string

	queue  chan envelope
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	published atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
}

// NewRedis creates a bridge on client and starts its publisher.
// queueSize bounds how many updates may wait for the network.
func NewRedis(client *redis.Client, prefix string, queueSize int) *RedisBridge {
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		queue:  make(chan envelope, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.publishLoop()
	log.Printf("✓ Replication bridge started (origin %s, channels %s)", b.origin, b.Channel("*"))
	return b
}

// Channel returns the pub/sub channel for room.
func (b *RedisBridge) Channel(room string) string {
	return b.prefix + ":room:" + room
}

func (b *RedisBridge) Origin() string { return b.origin }

// Publish queues update for delivery. When the queue is full the update
// is dropped: peers still converge through their own handshakes.
func (b *RedisBridge) Publish(room string, update []byte) {
	env := envelope{Origin: b.origin, Room: room, Update: update}
	select {
	case b.queue <- env:
	case <-b.ctx.Done():
	default:
		b.dropped.Add(1)
		log.Printf("⚠️  Bridge queue full, dropping update for room %s", room)
	}
}

func (b *RedisBridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-b.queue:
			b.send(env)
		}
	}
}

func (b *RedisBridge) send(env envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		log.Printf("⚠️  Bridge encode failed for room %s: %v", env.Room, err)
		return
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, 3), b.ctx)

	err = backoff.Retry(func() error {
		return b.client.Publish(b.ctx, b.Channel(env.Room), data).Err()
	}, retry)
	if err != nil {
		b.dropped.Add(1)
		log.Printf("⚠️  Bridge publish failed for room %s: %v", env.Room, err)
		return
	}
	b.published.Add(1)
}

// SubscribeAll starts a background subscriber that survives Redis
// restarts, reconnecting with backoff. It returns immediately.
func (b *RedisBridge) SubscribeAll(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("bridge: nil handler")
	}
	b.wg.Add(1)
	go b.subscribeLoop(ctx, h)
	return nil
}

func (b *RedisBridge) subscribeLoop(ctx context.Context, h Handler) {
	defer b.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // keep trying for as long as we run
	policy.MaxInterval = 10 * time.Second

	for {
		err := b.subscribeOnce(ctx, h, policy.Reset)
		if ctx.Err() != nil || b.ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		log.Printf("⚠️  Bridge subscription lost: %v (retrying in %s)", err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// subscribeOnce runs one subscription until it fails or is cancelled.
// onReady is called once Redis has confirmed the subscription.
func (b *RedisBridge) subscribeOnce(ctx context.Context, h Handler, onReady func()) error {
	pubsub := b.client.PSubscribe(ctx, b.Channel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	onReady()
	log.Printf("  Bridge subscribed to %s", b.Channel("*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return b.ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			b.deliver(msg.Channel, []byte(msg.Payload), h)
		}
	}
}

// deliver decodes one message and hands it to h unless this process
// published it.
func (b *RedisBridge) deliver(channel string, payload []byte, h Handler) {
	env, err := unmarshalEnvelope(payload)
	if err != nil {
		log.Printf("⚠️  Bridge dropped malformed message on %s: %v", channel, err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	if want := b.Channel(env.Room); channel != "" && channel != want {
		log.Printf("⚠️  Bridge dropped message for room %s received on %s", env.Room, channel)
		return
	}
	b.received.Add(1)
	h(env.Room, env.Update)
}

func (b *RedisBridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Received:  b.received.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close stops the publisher and subscribers and closes the Redis client.
// Queued but unsent updates are discarded.
func (b *RedisBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		err = b.client.Close()
		log.Println("✓ Replication bridge closed")
	})
	return err
}
