package collaboration

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notesync/internal/awareness"
	"notesync/internal/bridge"
	"notesync/internal/clock"
	"notesync/internal/crdt"
	"notesync/internal/encoding"
	"notesync/internal/models"
	"notesync/internal/persistence"
	"notesync/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRegistry(t *testing.T, c clock.Clock, b bridge.Bridge, store persistence.Store, tweak ...func(*Options)) *Registry {
	t.Helper()
	p := persistence.NewPersister(store, c, persistence.PersisterConfig{Workers: 1})
	p.Start()

	opts := Options{
		GracePeriod:      time.Minute,
		AwarenessTimeout: 30 * time.Second,
		IdleTimeout:      time.Minute,
		Clock:            c,
		Persister:        p,
		Bridge:           b,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	reg := NewRegistry(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
		p.Shutdown(ctx)
	})
	return reg
}

// testSession is a session with no transport, for driving the registry
// directly.
func testSession(reg *Registry, room string) *Session {
	return newSession(nil, models.NewConnection(room, "test"), reg)
}

// attach adds a transport-less session to room and detaches it when the
// test ends, before the registry shuts down.
func attach(t *testing.T, reg *Registry, room *Room) *Session {
	t.Helper()
	s := testSession(reg, room.Name)
	if err := reg.AddConnection(room, s); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.RemoveConnection(room, s) })
	return s
}

func encodeAwareness(id, clk uint64, state string) []byte {
	enc := encoding.NewEncoder(32)
	enc.WriteUvarint(1)
	enc.WriteUvarint(id)
	enc.WriteUvarint(clk)
	enc.WriteVarString(state)
	return enc.Bytes()
}

// decodeAwarenessFrame applies an awareness frame to a scratch table.
func decodeAwarenessFrame(t *testing.T, frame []byte) *awareness.Table {
	t.Helper()
	kind, dec, err := protocol.DecodeFrame(frame)
	if err != nil || kind != protocol.KindAwareness {
		t.Fatalf("not an awareness frame: kind=%v err=%v", kind, err)
	}
	update, err := protocol.DecodeAwareness(dec)
	if err != nil {
		t.Fatal(err)
	}
	table := awareness.NewTable(clock.Real())
	if _, err := awareness.ApplyAwarenessUpdate(table, update, "peer"); err != nil {
		t.Fatal(err)
	}
	return table
}

type harness struct {
	reg   *Registry
	store persistence.Store
	srv   *httptest.Server
}

func newHarness(t *testing.T, store persistence.Store, b bridge.Bridge, tweak ...func(*Options)) *harness {
	t.Helper()
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	reg := newTestRegistry(t, clock.Real(), b, store, tweak...)
	if err := reg.Start(); err != nil {
		t.Fatal(err)
	}

	ws := NewWebSocketHandler(reg)
	r := mux.NewRouter()
	r.Handle("/ws", ws)
	r.Handle("/ws/{room}", ws)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{reg: reg, store: store, srv: srv}
}

func (h *harness) url(room string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/" + room
}

// testClient is a minimal peer: it keeps its own replica, answers the
// server's SyncStep1 and applies everything else.
type testClient struct {
	t        *testing.T
	conn     *websocket.Conn
	doc      *crdt.Doc
	presence *awareness.Table

	wmu sync.Mutex

	closed   chan struct{}
	closeErr error
}

func (h *harness) dial(t *testing.T, room string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url(room), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", room, err)
	}
	c := &testClient{
		t:        t,
		conn:     conn,
		doc:      crdt.New(),
		presence: awareness.NewTable(clock.Real()),
		closed:   make(chan struct{}),
	}
	t.Cleanup(func() { conn.Close() })
	go c.readLoop()
	c.send(protocol.EncodeSyncStep1(c.doc.EncodeStateVector()))
	return c
}

func (c *testClient) send(frame []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.t.Logf("client write: %v", err)
	}
}

func (c *testClient) insert(index int, text string) {
	c.send(protocol.EncodeSyncUpdate(c.doc.Insert(index, text)))
}

func (c *testClient) text() string { return c.doc.Text() }

func (c *testClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeErr = err
			close(c.closed)
			return
		}
		kind, dec, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch kind {
		case protocol.KindSync:
			msg, err := protocol.DecodeSync(dec)
			if err != nil {
				continue
			}
			if msg.Type == protocol.SyncStep1 {
				diff, err := c.doc.EncodeDiff(msg.Body)
				if err == nil {
					c.send(protocol.EncodeSyncStep2(diff))
				}
				continue
			}
			c.doc.Apply(msg.Body, "server")
		case protocol.KindAwareness:
			if update, err := protocol.DecodeAwareness(dec); err == nil {
				awareness.ApplyAwarenessUpdate(c.presence, update, "server")
			}
		}
	}
}

func (c *testClient) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case <-c.closed:
		return c.closeErr
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed")
		return nil
	}
}
