package awareness

import (
	"encoding/json"
	"errors"
	"fmt"

	"notesync/internal/encoding"
)

// ErrMalformedUpdate is returned for awareness payloads that cannot be
// decoded. Nothing from such a payload is applied.
var ErrMalformedUpdate = errors.New("awareness: malformed update")

var null = []byte("null")

// Changes lists what an applied update did to the table.
type Changes struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	// Entries is the number of entries the update carried.
	Entries int
}

// Empty reports whether the update had no effect.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// IDs returns every id the update changed.
func (c Changes) IDs() []uint64 {
	return append(c.Claimed(), c.Removed...)
}

// Complete reports whether every entry in the update took effect.
func (c Changes) Complete() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == c.Entries
}

// Claimed returns the ids whose presence origin now controls.
func (c Changes) Claimed() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated))
	out = append(out, c.Added...)
	return append(out, c.Updated...)
}

type wireEntry struct {
	id    uint64
	clock uint64
	state []byte
}

// EncodeAwarenessUpdate encodes the entries for ids. Unknown ids are
// skipped; removed entries encode with a null state.
func EncodeAwarenessUpdate(t *Table, ids []uint64) []byte {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.Get(id); ok {
			entries = append(entries, e)
		}
	}

	enc := encoding.NewEncoder(16 * (len(entries) + 1))
	enc.WriteUvarint(uint64(len(entries)))
	for _, e := range entries {
		enc.WriteUvarint(e.ID)
		enc.WriteUvarint(e.Clock)
		if e.Removed() {
			enc.WriteVarBytes(null)
		} else {
			enc.WriteVarBytes(e.State)
		}
	}
	return enc.Bytes()
}

// ApplyAwarenessUpdate decodes update and applies every entry whose clock
// is strictly greater than the stored one. origin is the connection the
// update arrived on; it becomes the owner of any id it sets.
func ApplyAwarenessUpdate(t *Table, update []byte, origin string) (Changes, error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return Changes{}, err
	}

	ch := Changes{Entries: len(entries)}
	for _, w := range entries {
		switch t.set(w.id, w.clock, w.state, origin) {
		case added:
			ch.Added = append(ch.Added, w.id)
		case updated:
			ch.Updated = append(ch.Updated, w.id)
		case removed:
			ch.Removed = append(ch.Removed, w.id)
		}
	}
	return ch, nil
}

func decodeUpdate(update []byte) ([]wireEntry, error) {
	dec := encoding.NewDecoder(update)
	n, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: entry count: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: claims %d entries in %d bytes", ErrMalformedUpdate, n, dec.Remaining())
	}
	out := make([]wireEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var w wireEntry
		if w.id, err = dec.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d id: %v", ErrMalformedUpdate, i, err)
		}
		if w.clock, err = dec.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d clock: %v", ErrMalformedUpdate, i, err)
		}
		state, err := dec.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d state: %v", ErrMalformedUpdate, i, err)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: entry %d state is not JSON", ErrMalformedUpdate, i)
		}
		if string(state) != "null" {
			w.state = state
		}
		out = append(out, w)
	}
	return out, nil
}
