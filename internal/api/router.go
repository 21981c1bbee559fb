package api

import (
	"net/http"

	"notesync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", h.ListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}", h.GetRoomDocument).Methods(http.MethodGet)

	// WebSocket routes. /api/sync/{room} is the path older clients dial.
	r.HandleFunc("/ws", h.HandleRoomWebSocket)
	r.HandleFunc("/ws/{room}", h.HandleRoomWebSocket)
	api.HandleFunc("/sync/{room}", h.HandleRoomWebSocket)

	return r
}
