package persistence

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"notesync/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingStore wraps MemoryStore, counts Save calls and can be told to
// fail the first N of them.
type recordingStore struct {
	*MemoryStore
	failFirst int32
	calls     atomic.Int32
	saved     chan string
}

func newRecordingStore(failFirst int32) *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore(), failFirst: failFirst, saved: make(chan string, 16)}
}

func (s *recordingStore) Save(ctx context.Context, room string, state []byte) error {
	n := s.calls.Add(1)
	if n <= s.failFirst {
		return errors.New("disk on fire")
	}
	if err := s.MemoryStore.Save(ctx, room, state); err != nil {
		return err
	}
	s.saved <- room
	return nil
}

func waitSaved(t *testing.T, s *recordingStore) string {
	t.Helper()
	select {
	case room := <-s.saved:
		return room
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save")
		return ""
	}
}

func newTestPersister(store Store, c clock.Clock, debounce time.Duration) *Persister {
	p := NewPersister(store, c, PersisterConfig{
		Debounce:   debounce,
		Workers:    1,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	p.Start()
	return p
}

func TestScheduleCoalescesWithinWindow(t *testing.T) {
	c := clock.NewFake(epoch)
	store := newRecordingStore(0)
	p := newTestPersister(store, c, 2*time.Second)
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	version := 0
	for i := 1; i <= 10; i++ {
		mu.Lock()
		version = i
		mu.Unlock()
		p.Schedule("doc-1", func() []byte {
			mu.Lock()
			defer mu.Unlock()
			return []byte{byte(version)}
		})
	}
	if got := p.Stats().Pending; got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	c.Advance(2 * time.Second)
	if room := waitSaved(t, store); room != "doc-1" {
		t.Fatalf("saved %q", room)
	}
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("Save called %d times, want 1", n)
	}
	state, err := store.Load(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(state, []byte{10}) {
		t.Fatalf("saved state %v, want latest snapshot [10]", state)
	}
}

func TestSaveRetriesWithBackoff(t *testing.T) {
	c := clock.NewFake(epoch)
	store := newRecordingStore(2)
	p := newTestPersister(store, c, time.Second)
	defer p.Shutdown(context.Background())

	p.Schedule("doc-1", func() []byte { return []byte("state") })
	c.Advance(time.Second)
	waitSaved(t, store)

	if n := store.calls.Load(); n != 3 {
		t.Fatalf("Save called %d times, want 3", n)
	}
	stats := p.Stats()
	if stats.Saves != 1 || stats.Failures != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestFlushSavesPendingSynchronously(t *testing.T) {
	c := clock.NewFake(epoch)
	store := NewMemoryStore()
	p := newTestPersister(store, c, time.Hour)

	p.Schedule("a", func() []byte { return []byte("A") })
	p.Schedule("b", func() []byte { return []byte("B") })

	if err := p.FlushRoom(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Load(context.Background(), "a"); string(got) != "A" {
		t.Fatalf("a = %q", got)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Load(context.Background(), "b"); string(got) != "B" {
		t.Fatalf("b = %q", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("%d timers still armed after shutdown", c.Pending())
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	store, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on empty store err = %v, want ErrNotFound", err)
	}
	if err := store.Save(ctx, "doc-1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "doc-1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Fatalf("Load = %q, want v2", got)
	}
}

func TestCompressedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	if err := inner.Save(ctx, "legacy", []byte("plain")); err != nil {
		t.Fatal(err)
	}

	store, err := NewCompressed(inner)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	state := bytes.Repeat([]byte("hello world "), 200)
	if err := store.Save(ctx, "doc", state); err != nil {
		t.Fatal(err)
	}
	raw, _ := inner.Load(ctx, "doc")
	if len(raw) >= len(state) || !bytes.HasPrefix(raw, zstdMagic) {
		t.Fatalf("snapshot not compressed: %d bytes", len(raw))
	}
	got, err := store.Load(ctx, "doc")
	if err != nil || !bytes.Equal(got, state) {
		t.Fatalf("Load = %d bytes, %v", len(got), err)
	}
	if got, _ := store.Load(ctx, "legacy"); string(got) != "plain" {
		t.Fatalf("legacy = %q", got)
	}
	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
