package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"notesync/internal/middleware"
	"notesync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// maxRoomNameLength matches the width of the snapshot key column.
const maxRoomNameLength = 255

// WebSocketHandler accepts collaboration connections.
type WebSocketHandler struct {
	registry *Registry
}

func NewWebSocketHandler(registry *Registry) *WebSocketHandler {
	return &WebSocketHandler{registry: registry}
}

// RoomName extracts the room from /ws/{room} or /ws?room=.
func RoomName(r *http.Request) string {
	if name := mux.Vars(r)["room"]; name != "" {
		return name
	}
	return r.URL.Query().Get("room")
}

func validRoomName(name string) bool {
	return name != "" &&
		len(name) <= maxRoomNameLength &&
		utf8.ValidString(name) &&
		strings.TrimSpace(name) == name
}

// HandleConnection upgrades the request and attaches the connection to
// its room.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	roomName := RoomName(r)
	if !validRoomName(roomName) {
		http.Error(w, "missing or invalid room", http.StatusBadRequest)
		return
	}
	if h.registry.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Sessions outlive this request; keep its trace but not its cancellation.
	ctx, span := middleware.StartSpan(context.WithoutCancel(r.Context()), "WebSocket.Connect",
		attribute.String("room.id", roomName),
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(conn, models.NewConnection(roomName, r.RemoteAddr), h.registry)
	room, err := h.registry.Join(ctx, roomName, session)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrShuttingDown) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		conn.Close()
		return
	}
	span.SetAttributes(attribute.String("session.id", session.ID))

	// Open the handshake before the pumps start.
	session.greet(room)

	// Learning: separate goroutines prevent deadlock between reading and writing
	go session.WritePump(ctx)
	go session.ReadPump(ctx, room)

	log.Printf("✓ WebSocket connection established for room %s (session %s)", roomName, session.ID)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleConnection(w, r)
}
