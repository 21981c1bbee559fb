// Package awareness keeps the ephemeral presence state of a room: cursor
// positions, selections, display names. It has nothing to do with the
// document and is never persisted or replicated across processes.
package awareness

import (
	"sort"
	"sync"
	"time"

	"notesync/internal/clock"
)

// Entry is the presence state published under one awareness id.
type Entry struct {
	ID    uint64
	Clock uint64
	// State is the JSON presence payload. Nil means the entry was removed;
	// the clock is kept so a delayed older update cannot resurrect it.
	State []byte
	// Owner is the connection that controls this id. A removal marker
	// keeps the last owner, which may revive the id at the marker's clock.
	Owner     string
	UpdatedAt time.Time
}

// Removed reports whether the entry is a removal marker.
func (e Entry) Removed() bool { return e.State == nil }

// Table is the per-room awareness map. Safe for concurrent use.
type Table struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[uint64]*Entry
}

func NewTable(c clock.Clock) *Table {
	return &Table{clock: c, entries: make(map[uint64]*Entry)}
}

// Get returns a copy of the entry for id.
func (t *Table) Get(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IDs returns the live (non-removed) ids in ascending order.
func (t *Table) IDs() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint64, 0, len(t.entries))
	for id, e := range t.entries {
		if !e.Removed() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return len(t.IDs())
}

type outcome int

const (
	ignored outcome = iota
	added
	updated
	removed
)

// set applies one decoded entry. Stale clocks and updates from a
// connection that does not own a live id are ignored.
func (t *Table) set(id, clk uint64, state []byte, origin string) outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entries[id]
	if ok {
		// A swept owner is still heartbeating with the clock the marker took.
		revive := cur.Removed() && state != nil && cur.Owner != "" && cur.Owner == origin && clk == cur.Clock
		if clk <= cur.Clock && !revive {
			return ignored
		}
		if !cur.Removed() && cur.Owner != "" && cur.Owner != origin {
			return ignored
		}
	}
	e := &Entry{ID: id, Clock: clk, UpdatedAt: t.clock.Now()}
	if state != nil {
		e.State = append([]byte(nil), state...)
		e.Owner = origin
	}
	t.entries[id] = e

	alive := ok && !cur.Removed()
	switch {
	case state == nil && alive:
		return removed
	case state == nil:
		return ignored
	case alive:
		return updated
	default:
		return added
	}
}

// Remove turns the given ids into removal markers, bumping each clock so
// peers accept the removal. Only ids still owned by owner are touched;
// an empty owner removes unconditionally. It returns the ids removed.
func (t *Table) Remove(ids []uint64, owner string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []uint64
	now := t.clock.Now()
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok || e.Removed() {
			continue
		}
		if owner != "" && e.Owner != owner {
			continue
		}
		t.entries[id] = &Entry{ID: id, Clock: e.Clock + 1, Owner: e.Owner, UpdatedAt: now}
		out = append(out, id)
	}
	return out
}

// Sweep removes live entries not refreshed within timeout and forgets
// removal markers older than timeout. It returns the ids it removed.
func (t *Table) Sweep(timeout time.Duration) []uint64 {
	now := t.clock.Now()

	t.mu.Lock()
	var stale []uint64
	for id, e := range t.entries {
		if now.Sub(e.UpdatedAt) < timeout {
			continue
		}
		if e.Removed() {
			delete(t.entries, id)
			continue
		}
		stale = append(stale, id)
	}
	t.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return t.Remove(stale, "")
}
