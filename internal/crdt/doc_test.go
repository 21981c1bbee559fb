package crdt

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func mustApply(t *testing.T, d *Doc, update []byte) {
	t.Helper()
	if err := d.Apply(update, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func checkText(t *testing.T, d *Doc, want string) {
	t.Helper()
	if got := d.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestLocalEdits(t *testing.T) {
	d := NewWithClientID(1)
	d.Insert(0, "Hello")
	d.Insert(5, " World")
	checkText(t, d, "Hello World")

	d.Delete(5, 6)
	checkText(t, d, "Hello")

	d.Insert(0, ">> ")
	checkText(t, d, ">> Hello")

	if got := d.StateVector()[1]; got != 20 {
		t.Fatalf("local clock = %d, want 20", got)
	}
}

func TestInsertPastEndAppends(t *testing.T) {
	d := NewWithClientID(1)
	d.Insert(0, "ab")
	d.Insert(99, "c")
	checkText(t, d, "abc")
	if d.Delete(10, 2) != nil {
		t.Fatal("delete past end should produce no update")
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewWithClientID(1)
	b := NewWithClientID(2)
	base := a.Insert(0, "ac")
	mustApply(t, b, base)

	ua := a.Insert(1, "X")
	ub := b.Insert(1, "Y")

	mustApply(t, a, ub)
	mustApply(t, b, ua)

	if a.Text() != b.Text() {
		t.Fatalf("diverged: %q vs %q", a.Text(), b.Text())
	}
	if len(a.Text()) != 4 {
		t.Fatalf("unexpected text %q", a.Text())
	}
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	writers := []*Doc{NewWithClientID(10), NewWithClientID(20), NewWithClientID(30)}
	var updates [][]byte

	// Interleave edits, each writer seeing only part of the history.
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 30; round++ {
		w := writers[rng.IntN(len(writers))]
		if n := len([]rune(w.Text())); n > 0 && rng.IntN(4) == 0 {
			if u := w.Delete(rng.IntN(n), 1); u != nil {
				updates = append(updates, u)
			}
		} else {
			updates = append(updates, w.Insert(rng.IntN(n0(w)+1), string(rune('a'+round%26))))
		}
		// Occasionally share a random earlier update.
		if len(updates) > 0 && rng.IntN(2) == 0 {
			other := writers[rng.IntN(len(writers))]
			mustApply(t, other, updates[rng.IntN(len(updates))])
		}
	}

	replicas := make([]*Doc, 4)
	for i := range replicas {
		replicas[i] = NewWithClientID(uint64(100 + i))
		order := rng.Perm(len(updates))
		for _, j := range order {
			mustApply(t, replicas[i], updates[j])
			if rng.IntN(3) == 0 {
				mustApply(t, replicas[i], updates[j])
			}
		}
		if replicas[i].PendingCount() != 0 {
			t.Fatalf("replica %d has %d pending ops", i, replicas[i].PendingCount())
		}
	}
	for _, w := range writers {
		for _, u := range updates {
			mustApply(t, w, u)
		}
	}

	want := replicas[0].Text()
	for i, r := range replicas {
		if r.Text() != want {
			t.Fatalf("replica %d = %q, want %q", i, r.Text(), want)
		}
	}
	for i, w := range writers {
		if w.Text() != want {
			t.Fatalf("writer %d = %q, want %q", i, w.Text(), want)
		}
	}
}

func n0(d *Doc) int { return len([]rune(d.Text())) }

func TestApplyIsIdempotent(t *testing.T) {
	src := NewWithClientID(1)
	u := src.Insert(0, "Hello")

	d := NewWithClientID(2)
	events := 0
	d.Observe(func(Event) { events++ })

	mustApply(t, d, u)
	sv := d.EncodeStateVector()
	mustApply(t, d, u)
	mustApply(t, d, u)

	checkText(t, d, "Hello")
	if !bytes.Equal(sv, d.EncodeStateVector()) {
		t.Fatal("state vector changed on re-apply")
	}
	if events != 1 {
		t.Fatalf("observer fired %d times, want 1", events)
	}
}

func TestOutOfOrderDeliveryWaitsForDependencies(t *testing.T) {
	src := NewWithClientID(1)
	u1 := src.Insert(0, "ab")
	u2 := src.Delete(0, 1)

	d := NewWithClientID(2)
	mustApply(t, d, u2)
	checkText(t, d, "")
	if d.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", d.PendingCount())
	}
	mustApply(t, d, u1)
	checkText(t, d, "b")
	if d.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", d.PendingCount())
	}
}

func TestDiffFromStateVector(t *testing.T) {
	server := NewWithClientID(1)
	peer := NewWithClientID(2)

	u1 := server.Insert(0, "Hello")
	mustApply(t, peer, u1)
	server.Insert(5, " World")

	diff, err := server.EncodeDiff(peer.EncodeStateVector())
	if err != nil {
		t.Fatalf("EncodeDiff: %v", err)
	}
	full := server.EncodeStateAsUpdate()
	if len(diff) >= len(full) {
		t.Fatalf("diff (%d bytes) not smaller than full state (%d bytes)", len(diff), len(full))
	}
	mustApply(t, peer, diff)
	checkText(t, peer, "Hello World")

	empty := NewWithClientID(3)
	mustApply(t, empty, full)
	checkText(t, empty, "Hello World")
}

func TestMalformedUpdateIsRejectedWhole(t *testing.T) {
	src := NewWithClientID(1)
	u := src.Insert(0, "abc")

	d := NewWithClientID(2)
	for _, bad := range [][]byte{
		u[:len(u)-1],
		append(append([]byte{}, u...), 0xff),
		{0x05},
		{0x01, 0x09},
	} {
		if err := d.Apply(bad, nil); !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("Apply(%x) err = %v, want ErrMalformedUpdate", bad, err)
		}
	}
	checkText(t, d, "")
	if len(d.StateVector()) != 0 {
		t.Fatal("state vector changed after malformed updates")
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{3: 7, 1: 2, 99: 1}
	got, err := DecodeStateVector(sv.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[3] != 7 || got[1] != 2 || got[99] != 1 {
		t.Fatalf("got %v", got)
	}
	if _, err := DecodeStateVector([]byte{0x02, 0x01}); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("err = %v, want ErrMalformedUpdate", err)
	}
}

func TestObserverSeesOrigin(t *testing.T) {
	src := NewWithClientID(1)
	u := src.Insert(0, "x")

	d := NewWithClientID(2)
	var got Event
	d.Observe(func(ev Event) { got = ev })
	if err := d.Apply(u, "session-a"); err != nil {
		t.Fatal(err)
	}
	if got.Origin != "session-a" {
		t.Fatalf("origin = %v", got.Origin)
	}
	if !bytes.Equal(got.Update, u) {
		t.Fatal("fully new update should be forwarded byte for byte")
	}
}
