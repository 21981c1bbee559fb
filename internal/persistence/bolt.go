package persistence

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltStore keeps snapshots in a single bbolt file, one key per room.
// Every Save runs in its own read-write transaction, so readers see either
// the previous snapshot or the new one.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
	}
	log.Printf("✓ Bolt snapshot store opened at %s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, room string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(room))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		state = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) Save(ctx context.Context, room string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(room), state)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", room, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
