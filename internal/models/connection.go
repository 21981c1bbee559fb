package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Connection describes an accepted WebSocket connection to a room.
// Learning: the connection only remembers the room's name, never the room
// itself. Rooms own their connections, not the other way around.
type Connection struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// RoomInfo is the read-only view of a live room for listings.
type RoomInfo struct {
	ID          string    `json:"id"`
	Connections int       `json:"connections"`
	Awareness   int       `json:"awareness"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func NewConnection(room, remoteAddr string) *Connection {
	return &Connection{
		ID:          ksuid.New().String(),
		Room:        room,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}

// DocumentView is the read-only rendering of a room's document.
type DocumentView struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Live        bool      `json:"live"`
	StateBytes  int       `json:"stateBytes"`
	LastUpdated time.Time `json:"lastUpdated"`
}
