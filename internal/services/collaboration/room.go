package collaboration

import (
	"log"
	"sync"
	"time"

	"notesync/internal/awareness"
	"notesync/internal/clock"
	"notesync/internal/crdt"
	"notesync/internal/models"
)

// Room is the in-memory unit of collaboration: one document, its presence
// table and the sessions currently attached to it.
type Room struct {
	Name      string
	Doc       *crdt.Doc
	Awareness *awareness.Table

	clock clock.Clock

	mu          sync.RWMutex
	sessions    map[*Session]struct{}
	graceTimer  clock.Timer
	lastUpdated time.Time
	closed      bool
}

func newRoom(name string, c clock.Clock) *Room {
	return &Room{
		Name:        name,
		Doc:         crdt.New(),
		Awareness:   awareness.NewTable(c),
		clock:       c,
		sessions:    make(map[*Session]struct{}),
		lastUpdated: c.Now(),
	}
}

// Broadcast queues frame on every session except exclude. A session whose
// queue is full is closed rather than allowed to stall the room.
func (r *Room) Broadcast(frame []byte, exclude *Session) int {
	sent := 0
	for _, s := range r.Sessions() {
		if s == exclude {
			continue
		}
		if s.enqueue(frame) {
			sent++
			continue
		}
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
		s.closeSlow()
	}
	return sent
}

// Sessions returns a snapshot of the attached sessions.
func (r *Room) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// LastUpdated is when the document last changed.
func (r *Room) LastUpdated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated
}

func (r *Room) touch() {
	now := r.clock.Now()
	r.mu.Lock()
	r.lastUpdated = now
	r.mu.Unlock()
}

// Info returns the listing view of the room.
func (r *Room) Info() models.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.RoomInfo{
		ID:          r.Name,
		Connections: len(r.sessions),
		Awareness:   r.Awareness.Len(),
		LastUpdated: r.lastUpdated,
	}
}
