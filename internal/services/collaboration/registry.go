package collaboration

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notesync/internal/awareness"
	"notesync/internal/bridge"
	"notesync/internal/clock"
	"notesync/internal/crdt"
	"notesync/internal/models"
	"notesync/internal/persistence"
	"notesync/internal/protocol"

	"github.com/gorilla/websocket"
)

/*
LEARNING: ROOM REGISTRY

The registry owns every live room and is the only place rooms are created
or destroyed.

	GetOrCreateRoom ──► latch per name ──► hydrate from storage ──► rooms map
	AddConnection   ──► stop grace timer
	RemoveConnection──► last one out arms the grace timer
	grace timer     ──► flush pending save ──► remove room

Key Concepts:
1. **Creation latch**: concurrent joins for the same name wait for one load
2. **No I/O under the registry lock**: storage reads happen outside it
3. **Observer fan-out**: every document change is broadcast, saved and
   published from a single callback
*/

// ErrShuttingDown is returned to joins that arrive after Shutdown.
var ErrShuttingDown = errors.New("registry is shutting down")

var errRoomClosed = errors.New("room closed")

const hydrateTimeout = 10 * time.Second

// Persister is the slice of persistence the registry depends on.
type Persister interface {
	Load(ctx context.Context, room string) ([]byte, error)
	Schedule(room string, snapshot persistence.SnapshotFunc)
	FlushRoom(ctx context.Context, room string) error
}

// bridgeOrigin marks document changes that arrived through the bridge.
type bridgeOrigin struct{}

// Options configures a Registry.
type Options struct {
	GracePeriod      time.Duration
	AwarenessTimeout time.Duration
	IdleTimeout      time.Duration
	Clock            clock.Clock
	Persister        Persister
	Bridge           bridge.Bridge
}

// Stats is a point-in-time view of registry counters.
type Stats struct {
	Rooms           int
	Connections     int64
	Uptime          time.Duration
	UpdatesApplied  int64
	UpdatesRejected int64
}

type latch struct {
	done chan struct{}
}

// Registry maps room names to live rooms.
type Registry struct {
	opts      Options
	clock     clock.Clock
	persister Persister
	bridge    bridge.Bridge
	startedAt time.Time

	mu      sync.Mutex
	rooms   map[string]*Room
	loading map[string]*latch

	shuttingDown atomic.Bool
	sessions     sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc

	connections     atomic.Int64
	updatesApplied  atomic.Int64
	updatesRejected atomic.Int64
}

// NewRegistry creates a registry. Persister is required; a nil Bridge
// disables replication and a nil Clock uses wall time.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bridge == nil {
		opts.Bridge = bridge.Noop{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 60 * time.Second
	}
	if opts.AwarenessTimeout <= 0 {
		opts.AwarenessTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		clock:     opts.Clock,
		persister: opts.Persister,
		bridge:    opts.Bridge,
		startedAt: opts.Clock.Now(),
		rooms:     make(map[string]*Room),
		loading:   make(map[string]*latch),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the bridge and begins the awareness sweep.
func (r *Registry) Start() error {
	log.Println("🔄 Starting room registry...")
	if err := r.bridge.SubscribeAll(r.ctx, r.applyRemote); err != nil {
		return err
	}
	go r.sweepLoop()
	log.Printf("✓ Room registry started (grace %s, awareness timeout %s)", r.opts.GracePeriod, r.opts.AwarenessTimeout)
	return nil
}

// GetOrCreateRoom returns the live room for name, loading it from storage
// if needed. Concurrent callers for the same name share a single load.
func (r *Registry) GetOrCreateRoom(ctx context.Context, name string) (*Room, error) {
	for {
		r.mu.Lock()
		if r.shuttingDown.Load() {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if room, ok := r.rooms[name]; ok {
			r.mu.Unlock()
			return room, nil
		}
		if l, ok := r.loading[name]; ok {
			r.mu.Unlock()
			select {
			case <-l.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		l := &latch{done: make(chan struct{})}
		r.loading[name] = l
		r.mu.Unlock()

		// The load must not be cut short by the first caller going away;
		// other callers may be waiting on it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hydrateTimeout)
		room := r.hydrate(loadCtx, name)
		cancel()

		r.mu.Lock()
		delete(r.loading, name)
		r.rooms[name] = room
		room.mu.Lock()
		room.graceTimer = r.clock.AfterFunc(r.opts.GracePeriod, func() { r.expire(room) })
		room.mu.Unlock()
		r.mu.Unlock()
		close(l.done)
		return room, nil
	}
}

func (r *Registry) hydrate(ctx context.Context, name string) *Room {
	room := newRoom(name, r.clock)

	state, err := r.persister.Load(ctx, name)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		log.Printf("  Created room %s", name)
	case err != nil:
		log.Printf("⚠️  Failed to load room %s, starting empty: %v", name, err)
	default:
		if err := room.Doc.Apply(state, nil); err != nil {
			log.Printf("⚠️  Stored state for room %s is unreadable, starting empty: %v", name, err)
		} else {
			log.Printf("  Loaded room %s from storage (%d bytes)", name, len(state))
		}
	}

	room.Doc.Observe(func(ev crdt.Event) { r.onDocUpdate(room, ev) })
	return room
}

// onDocUpdate fans a document change out to the room, storage and the
// bridge.
func (r *Registry) onDocUpdate(room *Room, ev crdt.Event) {
	room.touch()
	r.updatesApplied.Add(1)
	r.persister.Schedule(room.Name, room.Doc.EncodeStateAsUpdate)
	if _, remote := ev.Origin.(bridgeOrigin); !remote {
		r.bridge.Publish(room.Name, ev.Update)
	}
	sender, _ := ev.Origin.(*Session)
	room.Broadcast(protocol.EncodeSyncUpdate(ev.Update), sender)
}

// applyRemote applies an update from another process. Rooms nobody here
// has open are ignored; they load the update from storage when opened.
func (r *Registry) applyRemote(name string, update []byte) {
	room := r.Lookup(name)
	if room == nil {
		return
	}
	if err := room.Doc.Apply(update, bridgeOrigin{}); err != nil {
		r.updatesRejected.Add(1)
		log.Printf("⚠️  Dropped replicated update for room %s: %v", name, err)
	}
}

// Join resolves the room for name and attaches s to it.
func (r *Registry) Join(ctx context.Context, name string, s *Session) (*Room, error) {
	for {
		room, err := r.GetOrCreateRoom(ctx, name)
		if err != nil {
			return nil, err
		}
		err = r.AddConnection(room, s)
		if errors.Is(err, errRoomClosed) {
			// Lost the race with the grace timer; the next lookup creates
			// a fresh room.
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

// AddConnection attaches s to room and cancels any pending teardown.
func (r *Registry) AddConnection(room *Room, s *Session) error {
	room.mu.Lock()
	if r.shuttingDown.Load() {
		room.mu.Unlock()
		return ErrShuttingDown
	}
	if room.closed {
		room.mu.Unlock()
		return errRoomClosed
	}
	if room.graceTimer != nil {
		room.graceTimer.Stop()
		room.graceTimer = nil
	}
	room.sessions[s] = struct{}{}
	n := len(room.sessions)
	r.connections.Add(1)
	r.sessions.Add(1)
	room.mu.Unlock()

	log.Printf("  Session %s joined room %s (total: %d connections)", s.ID, room.Name, n)
	return nil
}

// RemoveConnection detaches s, withdraws its presence and, if the room is
// now empty, arms the grace timer. Calling it twice is harmless.
func (r *Registry) RemoveConnection(room *Room, s *Session) {
	room.mu.Lock()
	if _, ok := room.sessions[s]; !ok {
		room.mu.Unlock()
		return
	}
	delete(room.sessions, s)
	remaining := len(room.sessions)
	if remaining == 0 && !room.closed && !r.shuttingDown.Load() {
		room.graceTimer = r.clock.AfterFunc(r.opts.GracePeriod, func() { r.expire(room) })
	}
	room.mu.Unlock()

	r.connections.Add(-1)
	defer r.sessions.Done()

	if removed := room.Awareness.Remove(s.awarenessIDs(), s.ID); len(removed) > 0 {
		update := awareness.EncodeAwarenessUpdate(room.Awareness, removed)
		room.Broadcast(protocol.EncodeAwareness(update), nil)
	}
	log.Printf("  Session %s left room %s (remaining: %d connections)", s.ID, room.Name, remaining)
}

// expire tears room down if it is still empty when its grace period ends.
func (r *Registry) expire(room *Room) {
	room.mu.RLock()
	busy := len(room.sessions) > 0 || room.closed
	room.mu.RUnlock()
	if busy {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()
	if err := r.persister.FlushRoom(ctx, room.Name); err != nil {
		log.Printf("⚠️  Failed to save room %s before closing: %v", room.Name, err)
	}

	r.mu.Lock()
	room.mu.Lock()
	if len(room.sessions) > 0 || room.closed || r.rooms[room.Name] != room {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closed = true
	room.graceTimer = nil
	delete(r.rooms, room.Name)
	room.mu.Unlock()
	r.mu.Unlock()

	// A replicated update may have landed during the first flush.
	if err := r.persister.FlushRoom(ctx, room.Name); err != nil {
		log.Printf("⚠️  Failed to save room %s before closing: %v", room.Name, err)
	}
	log.Printf("  Room %s closed after %s without connections", room.Name, r.opts.GracePeriod)
}

// Lookup returns the live room for name, or nil.
func (r *Registry) Lookup(name string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[name]
}

func (r *Registry) liveRooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Rooms lists live rooms ordered by name.
func (r *Registry) Rooms() []models.RoomInfo {
	rooms := r.liveRooms()
	out := make([]models.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the current counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	rooms := len(r.rooms)
	r.mu.Unlock()
	return Stats{
		Rooms:           rooms,
		Connections:     r.connections.Load(),
		Uptime:          r.clock.Now().Sub(r.startedAt),
		UpdatesApplied:  r.updatesApplied.Load(),
		UpdatesRejected: r.updatesRejected.Load(),
	}
}

func (r *Registry) sweepLoop() {
	ticker := r.clock.NewTicker(r.opts.AwarenessTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C():
			r.sweepAwareness()
		}
	}
}

// sweepAwareness withdraws presence entries nobody has refreshed within
// the awareness timeout.
func (r *Registry) sweepAwareness() {
	for _, room := range r.liveRooms() {
		removed := room.Awareness.Sweep(r.opts.AwarenessTimeout)
		if len(removed) == 0 {
			continue
		}
		update := awareness.EncodeAwarenessUpdate(room.Awareness, removed)
		room.Broadcast(protocol.EncodeAwareness(update), nil)
	}
}

// Shutdown stops accepting joins and closes every session with
// CloseGoingAway. It waits for the sessions to detach or ctx to expire.
// Persistence is flushed by the caller afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.shuttingDown.Swap(true) {
		return nil
	}
	log.Println("🛑 Shutting down room registry...")
	r.cancel()

	rooms := r.liveRooms()
	closed := 0
	for _, room := range rooms {
		room.mu.Lock()
		if room.graceTimer != nil {
			room.graceTimer.Stop()
			room.graceTimer = nil
		}
		room.mu.Unlock()
		for _, s := range room.Sessions() {
			s.Close(websocket.CloseGoingAway, "server shutting down")
			closed++
		}
	}

	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("✓ Room registry shutdown complete (%d rooms, %d sessions closed)", len(rooms), closed)
	return nil
}
