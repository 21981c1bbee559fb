package collaboration

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"notesync/internal/bridge"
	"notesync/internal/persistence"
	"notesync/internal/protocol"

	"github.com/gorilla/websocket"
)

func TestHelloWorldScenario(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := h.dial(t, "doc-1")
	b := h.dial(t, "doc-1")
	waitFor(t, "two connections", func() bool { return h.reg.Stats().Connections == 2 })

	a.insert(0, "Hello")
	waitFor(t, "B to see Hello", func() bool { return b.text() == "Hello" })

	b.insert(5, " World")
	waitFor(t, "A to converge", func() bool { return a.text() == "Hello World" })
	waitFor(t, "B to converge", func() bool { return b.text() == "Hello World" })

	// C only ever gets the handshake diff.
	c := h.dial(t, "doc-1")
	waitFor(t, "C to converge", func() bool { return c.text() == "Hello World" })

	room := h.reg.Lookup("doc-1")
	if got := room.Doc.Text(); got != "Hello World" {
		t.Fatalf("server replica = %q", got)
	}
	for _, s := range room.Sessions() {
		waitFor(t, "handshake", func() bool { return s.State() == Synced })
	}
}

func TestRoomQueryParameter(t *testing.T) {
	h := newHarness(t, nil, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?room=by-query"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "room", func() bool { return h.reg.Lookup("by-query") != nil })
}

func TestMissingRoomRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without a room succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %+v", resp)
	}
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.dial(t, "doc-1")
	b := h.dial(t, "doc-1")
	waitFor(t, "two connections", func() bool { return h.reg.Stats().Connections == 2 })

	a.send([]byte{0x07, 0x01})                   // unknown kind
	a.send([]byte{0x00, 0x02, 0x05, 0xff})       // update body cut short
	a.send(protocol.EncodeSyncUpdate([]byte{1})) // not a valid update
	a.wmu.Lock()
	a.conn.WriteMessage(websocket.TextMessage, []byte("hello?"))
	a.wmu.Unlock()

	a.insert(0, "ok")
	waitFor(t, "B to see the valid edit", func() bool { return b.text() == "ok" })

	if got := h.reg.Stats().UpdatesRejected; got != 3 {
		t.Fatalf("UpdatesRejected = %d, want 3", got)
	}
	select {
	case <-a.closed:
		t.Fatalf("connection closed: %v", a.closeErr)
	default:
	}
}

func TestAwarenessRelayAndDisconnect(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.dial(t, "doc-1")
	b := h.dial(t, "doc-1")
	waitFor(t, "two connections", func() bool { return h.reg.Stats().Connections == 2 })

	a.send(protocol.EncodeAwareness(encodeAwareness(42, 1, `{"name":"ada","cursor":3}`)))
	waitFor(t, "B to see A's cursor", func() bool { return b.presence.Len() == 1 })
	if e, _ := b.presence.Get(42); string(e.State) != `{"name":"ada","cursor":3}` {
		t.Fatalf("relayed state = %s", e.State)
	}

	// B cannot take over A's id.
	b.send(protocol.EncodeAwareness(encodeAwareness(42, 9, `{"name":"mallory"}`)))

	// Late joiners get everyone's presence with the handshake.
	c := h.dial(t, "doc-1")
	waitFor(t, "C to see A's cursor", func() bool { return c.presence.Len() == 1 })
	if e, _ := c.presence.Get(42); e.Clock != 1 {
		t.Fatalf("C sees clock %d, want 1", e.Clock)
	}

	a.conn.Close()
	waitFor(t, "A to detach", func() bool { return h.reg.Stats().Connections == 2 })
	waitFor(t, "B to see A leave", func() bool { return b.presence.Len() == 0 })
	waitFor(t, "C to see A leave", func() bool { return c.presence.Len() == 0 })
	if h.reg.Lookup("doc-1").Awareness.Len() != 0 {
		t.Fatal("server kept A's presence")
	}
}

func TestDisconnectKeepsRoomDuringGrace(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.dial(t, "doc-1")
	a.insert(0, "draft")
	waitFor(t, "edit applied", func() bool {
		room := h.reg.Lookup("doc-1")
		return room != nil && room.Doc.Text() == "draft"
	})

	a.conn.Close()
	waitFor(t, "A to detach", func() bool { return h.reg.Stats().Connections == 0 })
	room := h.reg.Lookup("doc-1")
	if room == nil || room.Doc.Text() != "draft" {
		t.Fatal("room dropped before its grace period")
	}

	again := h.dial(t, "doc-1")
	waitFor(t, "rejoin sync", func() bool { return again.text() == "draft" })
	if h.reg.Lookup("doc-1") != room {
		t.Fatal("rejoin created a new room")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := persistence.NewMemoryStore()
	first := newHarness(t, store, nil)
	a := first.dial(t, "doc-1")
	a.insert(0, "persist me")
	waitFor(t, "snapshot", func() bool {
		_, err := store.Load(context.Background(), "doc-1")
		return err == nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := first.reg.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	second := newHarness(t, store, nil)
	b := second.dial(t, "doc-1")
	waitFor(t, "restored content", func() bool { return b.text() == "persist me" })
}

func TestReplicationAcrossInstances(t *testing.T) {
	hub := bridge.NewLocalHub()
	hub.Redeliver = true
	one := newHarness(t, nil, hub.Connect())
	two := newHarness(t, nil, hub.Connect())

	a := one.dial(t, "doc-1")
	b := two.dial(t, "doc-1")
	waitFor(t, "both rooms open", func() bool {
		return one.reg.Lookup("doc-1") != nil && two.reg.Lookup("doc-1") != nil
	})

	a.insert(0, "across")
	waitFor(t, "B to see A's edit", func() bool { return b.text() == "across" })
	b.insert(6, " instances")
	waitFor(t, "A to see B's edit", func() bool { return a.text() == "across instances" })
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.dial(t, "doc-1")
	waitFor(t, "connection", func() bool { return h.reg.Stats().Connections == 1 })

	// Leave frames in flight so the server still has unread input when
	// it starts closing.
	for i := 0; i < 50; i++ {
		a.insert(0, "x")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.reg.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	err := a.waitClosed(t)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("close error = %v, want going away", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.url("doc-1"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after shutdown: resp=%+v err=%v", resp, err)
	}
}

func TestIdleConnectionClosed(t *testing.T) {
	h := newHarness(t, nil, nil, func(o *Options) { o.IdleTimeout = 150 * time.Millisecond })
	a := h.dial(t, "doc-1")

	err := a.waitClosed(t)
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "idle timeout" {
		t.Fatalf("close error = %v", err)
	}
	waitFor(t, "detach", func() bool { return h.reg.Stats().Connections == 0 })
}
