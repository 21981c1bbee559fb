package api

import (
	"context"

	"notesync/internal/bridge"
	"notesync/internal/models"
	"notesync/internal/persistence"
	"notesync/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

The control plane only reads counters and listings, so it declares exactly
those methods. Tests hand it small fakes instead of a running registry.
*/

// RoomRegistry is what the control plane reads from the room registry.
type RoomRegistry interface {
	Stats() collaboration.Stats
	Rooms() []models.RoomInfo
	Document(ctx context.Context, name string) (models.DocumentView, error)
}

// PersistenceStats reports snapshot save counters.
type PersistenceStats interface {
	Stats() persistence.PersisterStats
}

// BridgeStats reports replication counters.
type BridgeStats interface {
	Stats() bridge.Stats
}
