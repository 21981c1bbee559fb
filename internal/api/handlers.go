package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"

	"notesync/internal/middleware"
	"notesync/internal/persistence"

	"github.com/gorilla/mux"
)

// Handler serves the control plane and hands WebSocket upgrades to the
// collaboration handler.
type Handler struct {
	registry  RoomRegistry
	persister PersistenceStats
	bridge    BridgeStats
	wsHandler http.Handler
}

func NewHandler(registry RoomRegistry, persister PersistenceStats, bridge BridgeStats, wsHandler http.Handler) *Handler {
	return &Handler{
		registry:  registry,
		persister: persister,
		bridge:    bridge,
		wsHandler: wsHandler,
	}
}

// Health reports liveness plus room and connection counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"rooms":         stats.Rooms,
		"connections":   stats.Connections,
		"uptimeSeconds": int64(stats.Uptime.Seconds()),
	})
}

// Metrics writes counters and gauges in the Prometheus text format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	persist := h.persister.Stats()
	repl := h.bridge.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	metric := func(name, kind, help string, value interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, value)
	}
	metric("notesync_rooms", "gauge", "Rooms held in memory.", stats.Rooms)
	metric("notesync_connections", "gauge", "Open WebSocket connections.", stats.Connections)
	metric("notesync_uptime_seconds", "gauge", "Seconds since the process started.", int64(stats.Uptime.Seconds()))
	metric("notesync_updates_applied_total", "counter", "Document changes applied.", stats.UpdatesApplied)
	metric("notesync_updates_rejected_total", "counter", "Frames and updates dropped as malformed.", stats.UpdatesRejected)
	metric("notesync_persist_pending", "gauge", "Rooms waiting for a snapshot save.", persist.Pending)
	metric("notesync_persist_saves_total", "counter", "Snapshot saves that succeeded.", persist.Saves)
	metric("notesync_persist_failures_total", "counter", "Snapshot saves that failed after retries.", persist.Failures)
	metric("notesync_bridge_published_total", "counter", "Updates published to other instances.", repl.Published)
	metric("notesync_bridge_received_total", "counter", "Updates received from other instances.", repl.Received)
	metric("notesync_bridge_dropped_total", "counter", "Updates dropped by a full publish queue.", repl.Dropped)
	metric("notesync_heap_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.HeapAlloc)
	metric("notesync_heap_inuse_bytes", "gauge", "Bytes in in-use heap spans.", mem.HeapInuse)
	metric("notesync_goroutines", "gauge", "Live goroutines.", runtime.NumGoroutine())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Printf("[%s] failed to write metrics: %v", middleware.GetRequestID(r.Context()), err)
	}
}

// ListRooms lists the rooms held in memory.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": h.registry.Rooms(),
	})
}

// GetRoomDocument renders a room's current content.
func (h *Handler) GetRoomDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]

	view, err := h.registry.Document(r.Context(), name)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
		return
	case err != nil:
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleRoomWebSocket upgrades to a collaboration session.
func (h *Handler) HandleRoomWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
