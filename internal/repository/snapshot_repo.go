package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notesync/internal/models"
	"notesync/internal/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepositoryImpl stores room snapshots in Postgres.
// It satisfies persistence.Store without knowing about it.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Load returns the latest snapshot for a room
func (r *SnapshotRepositoryImpl) Load(ctx context.Context, room string) ([]byte, error) {
	var snap models.RoomSnapshot

	err := r.db.WithContext(ctx).First(&snap, "room = ?", room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return snap.State, nil
}

// Save upserts the snapshot for a room.
// A single INSERT ... ON CONFLICT statement is atomic, so readers see the
// old row or the new one, never a mix.
func (r *SnapshotRepositoryImpl) Save(ctx context.Context, room string, state []byte) error {
	snap := &models.RoomSnapshot{
		Room:      room,
		State:     state,
		Size:      len(state),
		UpdatedAt: time.Now(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "size", "updated_at"}),
		}).
		Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// Close is a no-op; the connection pool is owned by db.GormDB.
func (r *SnapshotRepositoryImpl) Close() error {
	return nil
}
