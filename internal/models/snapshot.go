package models

import (
	"time"
)

/*
ROOM SNAPSHOTS

One row per room holding the latest full CRDT state. The sync core never
reads individual updates back, so there is no update log: every save
replaces the row.

	Client edit → server replica → debounced save → room_snapshots (upsert)
	Room reload → room_snapshots (select) → hydrate replica
*/

// RoomSnapshot stores the latest encoded state of one room.
type RoomSnapshot struct {
	Room      string    `gorm:"type:varchar(255);primaryKey" json:"room"`
	State     []byte    `gorm:"type:bytea;not null" json:"-"`
	Size      int       `gorm:"not null" json:"size"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}
