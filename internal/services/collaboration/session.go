package collaboration

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"notesync/internal/awareness"
	"notesync/internal/models"
	"notesync/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBufferSize = 256
	minPingPeriod  = 10 * time.Millisecond
)

// SyncState tracks where a session is in the handshake.
type SyncState int32

const (
	AwaitingHandshake SyncState = iota
	Synced
)

func (s SyncState) String() string {
	if s == Synced {
		return "synced"
	}
	return "awaiting-handshake"
}

// Session is one WebSocket connection attached to a room.
// Learning: a session only knows its room by name. The registry resolves
// the name on every frame, so a session never keeps a torn-down room alive.
type Session struct {
	*models.Connection
	Conn *websocket.Conn
	Send chan []byte // Buffered outbound frames

	registry    *Registry
	idleTimeout time.Duration

	state      atomic.Int32
	lastActive atomic.Int64

	awareMu  sync.Mutex
	awareIDs map[uint64]struct{}

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string

	// readDone is closed when ReadPump returns.
	readDone chan struct{}
}

func newSession(conn *websocket.Conn, info *models.Connection, reg *Registry) *Session {
	s := &Session{
		Connection:  info,
		Conn:        conn,
		Send:        make(chan []byte, sendBufferSize),
		registry:    reg,
		idleTimeout: reg.opts.IdleTimeout,
		awareIDs:    make(map[uint64]struct{}),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
	}
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

// State returns the handshake state.
func (s *Session) State() SyncState { return SyncState(s.state.Load()) }

func (s *Session) markSynced() {
	if s.state.CompareAndSwap(int32(AwaitingHandshake), int32(Synced)) {
		log.Printf("  Session %s synced with room %s", s.ID, s.Room)
	}
}

// enqueue queues frame without blocking. It reports false if the session
// is closed or its buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) closeSlow() {
	s.Close(websocket.CloseTryAgainLater, "send buffer full")
}

// Close asks the write pump to send a close frame with code and drop the
// connection. Only the first call has any effect.
func (s *Session) Close(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

func (s *Session) claim(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	s.awareMu.Lock()
	for _, id := range ids {
		s.awareIDs[id] = struct{}{}
	}
	s.awareMu.Unlock()
}

func (s *Session) release(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	s.awareMu.Lock()
	for _, id := range ids {
		delete(s.awareIDs, id)
	}
	s.awareMu.Unlock()
}

func (s *Session) awarenessIDs() []uint64 {
	s.awareMu.Lock()
	defer s.awareMu.Unlock()
	out := make([]uint64, 0, len(s.awareIDs))
	for id := range s.awareIDs {
		out = append(out, id)
	}
	return out
}

// greet opens the handshake: our state vector, then everyone's presence.
func (s *Session) greet(room *Room) {
	s.enqueue(protocol.EncodeSyncStep1(room.Doc.EncodeStateVector()))
	if ids := room.Awareness.IDs(); len(ids) > 0 {
		s.enqueue(protocol.EncodeAwareness(awareness.EncodeAwarenessUpdate(room.Awareness, ids)))
	}
}

func (s *Session) idle(now time.Time) bool {
	return now.Sub(time.Unix(0, s.lastActive.Load())) > s.idleTimeout
}

func (s *Session) pingInterval() time.Duration {
	half := s.idleTimeout / 2
	switch {
	case half < minPingPeriod:
		return minPingPeriod
	case half < pingPeriod:
		return half
	}
	return pingPeriod
}

// ReadPump reads frames until the connection fails or closes, then
// detaches the session from its room.
// Learning: each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context, room *Room) {
	defer close(s.readDone)
	defer func() {
		s.registry.RemoveConnection(room, s)
		s.Close(websocket.CloseNormalClosure, "")
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		return s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on session %s: %v", s.ID, err)
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.lastActive.Store(time.Now().UnixNano())

		if messageType != websocket.BinaryMessage {
			log.Printf("⚠️  Session %s sent a non-binary message, dropped", s.ID)
			continue
		}
		s.handleFrame(ctx, message)
	}
}

// WritePump writes queued frames and keepalive pings. It owns closing the
// underlying connection.
// Learning: separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case now := <-ticker.C:
			if s.idle(now) {
				log.Printf("  Session %s idle for %s, closing", s.ID, s.idleTimeout)
				s.Close(websocket.CloseNormalClosure, "idle timeout")
				continue
			}
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-s.done:
			if s.closeCode == websocket.CloseAbnormalClosure {
				return
			}
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeText)
			if err := s.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err == nil || err == websocket.ErrCloseSent {
				s.awaitCloseReply()
			}
			return
		}
	}
}

// awaitCloseReply waits for ReadPump to read the peer's close frame.
// Closing the socket while the peer's frames are still unread makes the
// kernel reset the connection, and the peer never sees our close code.
func (s *Session) awaitCloseReply() {
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-s.readDone:
	case <-timer.C:
		log.Printf("⚠️  Session %s did not answer the close handshake", s.ID)
	}
}
