// Package crdt implements the replicated document held by every room.
//
// The document is a sequence CRDT in the RGA family: every inserted rune
// is an item with a unique ID and a Lamport timestamp, placed after the
// item it was typed behind. Concurrent inserts at the same position are
// ordered by descending (Lamport, client), which every replica computes
// identically. Deletes tombstone items and are themselves operations, so
// the state vector covers them and diffs carry them.
//
// Applying an update is idempotent and commutative: operations already
// integrated are skipped, and operations whose dependencies have not
// arrived yet wait in a pending set until they can be integrated.
package crdt

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Origin identifies who caused a change. The sync layer passes the
// session or the bridge; local edits use nil.
type Origin any

// Event is delivered to observers after a change has been applied.
type Event struct {
	// Update holds the encoded operations that were new to this replica.
	Update []byte
	Origin Origin
}

// Observer is called after every change that added at least one
// operation. It runs on the applying goroutine, outside the document lock.
type Observer func(Event)

type item struct {
	id      ID
	lamport uint64
	text    string
	deleted bool
	prev    *item
	next    *item
}

// newerThan reports whether a has the larger (lamport, client) key and
// therefore sorts first among items typed behind the same origin.
func (a *item) newerThan(lamport, client uint64) bool {
	if a.lamport != lamport {
		return a.lamport > lamport
	}
	return a.id.Client > client
}

// Doc is a replicated text document. It is safe for concurrent use; all
// mutation is serialised by an internal mutex.
type Doc struct {
	clientID uint64

	mu        sync.Mutex
	lamport   uint64
	sv        StateVector
	log       map[uint64][]op // client -> integrated ops, index = clock-1
	items     map[ID]*item
	head      *item // sentinel, never deleted, never rendered
	pending   map[ID]op
	observers []Observer
}

// New returns an empty document with a random client id.
func New() *Doc {
	return NewWithClientID(uint64(rand.Uint32()))
}

// NewWithClientID returns an empty document whose local edits are
// attributed to clientID.
func NewWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		sv:       StateVector{},
		log:      make(map[uint64][]op),
		items:    make(map[ID]*item),
		head:     &item{},
		pending:  make(map[ID]op),
	}
}

// Observe registers fn for every future change.
func (d *Doc) Observe(fn Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.sv))
	for c, k := range d.sv {
		sv[c] = k
	}
	return sv
}

// EncodeStateVector returns the encoded state vector.
func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// EncodeStateAsUpdate returns every known operation as one update.
// Applying it to an empty document reproduces this document.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.diffLocked(StateVector{}))
}

// EncodeDiff returns the operations the holder of the encoded state vector
// remote is missing. Pending operations are always included.
func (d *Doc) EncodeDiff(remote []byte) ([]byte, error) {
	sv, err := DecodeStateVector(remote)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.diffLocked(sv)), nil
}

func (d *Doc) diffLocked(remote StateVector) []op {
	var out []op
	for _, client := range sortedClients(d.log) {
		ops := d.log[client]
		from := remote[client]
		if from >= uint64(len(ops)) {
			continue
		}
		out = append(out, ops[from:]...)
	}
	for _, o := range d.pending {
		out = append(out, o)
	}
	return out
}

// Apply integrates an encoded update. A malformed update returns
// ErrMalformedUpdate and leaves the document untouched. Observers are
// notified only if the update contained something new.
func (d *Doc) Apply(update []byte, origin Origin) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	fresh := make([]op, 0, len(ops))
	for _, o := range ops {
		if d.knownLocked(o.ID) {
			continue
		}
		if _, queued := d.pending[o.ID]; queued {
			continue
		}
		d.pending[o.ID] = o
		fresh = append(fresh, o)
	}
	if len(fresh) > 0 {
		d.drainPendingLocked()
	}
	observers := d.observers
	d.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	// Forward the caller's bytes untouched unless some of it was a repeat.
	if len(fresh) < len(ops) {
		update = encodeOps(fresh)
	}
	d.notify(observers, Event{Update: update, Origin: origin})
	return nil
}

// Insert types text at rune offset index and returns the encoded update.
// Offsets past the end append.
func (d *Doc) Insert(index int, text string) []byte {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	left := d.head
	for i := 0; i < index; i++ {
		next := d.nextVisibleLocked(left)
		if next == nil {
			break
		}
		left = next
	}

	var ops []op
	for _, r := range text {
		o := d.nextOpLocked(opInsert)
		if left != d.head {
			o.HasRef = true
			o.Ref = left.id
		}
		o.Text = string(r)
		d.integrateLocked(o)
		ops = append(ops, o)
		left = d.items[o.ID]
	}
	observers := d.observers
	d.mu.Unlock()

	update := encodeOps(ops)
	d.notify(observers, Event{Update: update})
	return update
}

// Delete removes length visible runes starting at index and returns the
// encoded update, or nil if nothing was deleted.
func (d *Doc) Delete(index, length int) []byte {
	d.mu.Lock()
	var targets []*item
	pos := 0
	for it := d.nextVisibleLocked(d.head); it != nil && len(targets) < length; it = d.nextVisibleLocked(it) {
		if pos >= index {
			targets = append(targets, it)
		}
		pos++
	}
	var ops []op
	for _, t := range targets {
		o := d.nextOpLocked(opDelete)
		o.HasRef = true
		o.Ref = t.id
		d.integrateLocked(o)
		ops = append(ops, o)
	}
	observers := d.observers
	d.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	update := encodeOps(ops)
	d.notify(observers, Event{Update: update})
	return update
}

// Text returns the visible content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteString(it.text)
		}
	}
	return b.String()
}

// PendingCount returns how many received operations are waiting for
// their dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) notify(observers []Observer, ev Event) {
	for _, fn := range observers {
		fn(ev)
	}
}

func (d *Doc) knownLocked(id ID) bool {
	return d.sv[id.Client] >= id.Clock
}

func (d *Doc) nextOpLocked(kind opKind) op {
	d.lamport++
	return op{
		Kind:    kind,
		ID:      ID{Client: d.clientID, Clock: d.sv[d.clientID] + 1},
		Lamport: d.lamport,
	}
}

func (d *Doc) nextVisibleLocked(it *item) *item {
	for n := it.next; n != nil; n = n.next {
		if !n.deleted {
			return n
		}
	}
	return nil
}

// drainPendingLocked integrates pending operations until no more become
// ready. Integration order does not affect the result.
func (d *Doc) drainPendingLocked() {
	for progress := true; progress; {
		progress = false
		for id, o := range d.pending {
			if !o.ready(d.sv, d.knownLocked) {
				continue
			}
			delete(d.pending, id)
			d.integrateLocked(o)
			progress = true
		}
	}
}

func (d *Doc) integrateLocked(o op) {
	switch o.Kind {
	case opInsert:
		d.insertItemLocked(o)
	case opDelete:
		if target, ok := d.items[o.Ref]; ok {
			target.deleted = true
		}
	}
	d.log[o.ID.Client] = append(d.log[o.ID.Client], o)
	d.sv[o.ID.Client] = o.ID.Clock
	if o.Lamport > d.lamport {
		d.lamport = o.Lamport
	}
}

func (d *Doc) insertItemLocked(o op) {
	left := d.head
	if o.HasRef {
		// An origin that names a delete has no position; fall back to the
		// head so every replica still makes the same choice.
		if origin, ok := d.items[o.Ref]; ok {
			left = origin
		}
	}
	// Skip over siblings (and their subtrees) that carry a larger key.
	// Anything in such a subtree was typed later still, so it is larger too.
	for left.next != nil && left.next.newerThan(o.Lamport, o.ID.Client) {
		left = left.next
	}
	it := &item{id: o.ID, lamport: o.Lamport, text: o.Text, prev: left, next: left.next}
	if left.next != nil {
		left.next.prev = it
	}
	left.next = it
	d.items[o.ID] = it
}

func sortedClients(log map[uint64][]op) []uint64 {
	clients := make([]uint64, 0, len(log))
	for c := range log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
