package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"notesync/internal/encoding"
)

// ErrMalformedUpdate is returned when an update or state vector cannot be
// decoded. Nothing from a malformed update is applied.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID names a single operation: the replica that created it and that
// replica's clock at the time.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string { return fmt.Sprintf("%d:%d", id.Client, id.Clock) }

type opKind byte

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is the unit of replication. An insert places one rune after Ref
// (or at the head when HasRef is false); a delete tombstones the insert
// named by Ref.
type op struct {
	Kind    opKind
	ID      ID
	Lamport uint64
	HasRef  bool
	Ref     ID
	Text    string
}

// ready reports whether everything o depends on is already integrated:
// the previous operation from the same client and the referenced one.
func (o op) ready(sv StateVector, known func(ID) bool) bool {
	if sv[o.ID.Client] != o.ID.Clock-1 {
		return false
	}
	return !o.HasRef || known(o.Ref)
}

// StateVector maps a client id to the highest contiguous clock integrated
// from that client.
type StateVector map[uint64]uint64

// Encode writes the vector with clients in ascending order so equal
// vectors encode identically.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	enc := encoding.NewEncoder(1 + len(clients)*8)
	enc.WriteUvarint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteUvarint(c)
		enc.WriteUvarint(sv[c])
	}
	return enc.Bytes()
}

// DecodeStateVector parses the output of StateVector.Encode. An empty
// input decodes to an empty vector.
func DecodeStateVector(p []byte) (StateVector, error) {
	sv := StateVector{}
	if len(p) == 0 {
		return sv, nil
	}
	dec := encoding.NewDecoder(p)
	n, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector length: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: state vector claims %d entries", ErrMalformedUpdate, n)
	}
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector entry %d: %v", ErrMalformedUpdate, i, err)
		}
		clock, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector entry %d: %v", ErrMalformedUpdate, i, err)
		}
		sv[client] = clock
	}
	return sv, nil
}

func encodeOps(ops []op) []byte {
	enc := encoding.NewEncoder(len(ops)*12 + 4)
	enc.WriteUvarint(uint64(len(ops)))
	for _, o := range ops {
		_ = enc.WriteByte(byte(o.Kind))
		enc.WriteUvarint(o.ID.Client)
		enc.WriteUvarint(o.ID.Clock)
		enc.WriteUvarint(o.Lamport)
		switch o.Kind {
		case opInsert:
			if o.HasRef {
				_ = enc.WriteByte(1)
				enc.WriteUvarint(o.Ref.Client)
				enc.WriteUvarint(o.Ref.Clock)
			} else {
				_ = enc.WriteByte(0)
			}
			enc.WriteVarString(o.Text)
		case opDelete:
			enc.WriteUvarint(o.Ref.Client)
			enc.WriteUvarint(o.Ref.Clock)
		}
	}
	return enc.Bytes()
}

// decodeOps parses a whole update. It either returns every operation or
// an error; partial results are never returned.
func decodeOps(p []byte) ([]op, error) {
	dec := encoding.NewDecoder(p)
	n, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformedUpdate, err)
	}
	// Each op takes at least five bytes; reject absurd counts before allocating.
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: update claims %d ops in %d bytes", ErrMalformedUpdate, n, dec.Remaining())
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := decodeOp(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, o)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, dec.Remaining())
	}
	return ops, nil
}

func decodeOp(dec *encoding.Decoder) (op, error) {
	var o op
	kind, err := dec.ReadByte()
	if err != nil {
		return o, err
	}
	o.Kind = opKind(kind)
	if o.ID.Client, err = dec.ReadUvarint(); err != nil {
		return o, err
	}
	if o.ID.Clock, err = dec.ReadUvarint(); err != nil {
		return o, err
	}
	if o.ID.Clock == 0 {
		return o, errors.New("clock must start at 1")
	}
	if o.Lamport, err = dec.ReadUvarint(); err != nil {
		return o, err
	}

	switch o.Kind {
	case opInsert:
		flag, err := dec.ReadByte()
		if err != nil {
			return o, err
		}
		switch flag {
		case 0:
		case 1:
			o.HasRef = true
			if o.Ref, err = readID(dec); err != nil {
				return o, err
			}
		default:
			return o, fmt.Errorf("bad origin flag %d", flag)
		}
		if o.Text, err = dec.ReadVarString(); err != nil {
			return o, err
		}
		if utf8.RuneCountInString(o.Text) != 1 {
			return o, fmt.Errorf("insert must carry exactly one rune, got %q", o.Text)
		}
	case opDelete:
		o.HasRef = true
		if o.Ref, err = readID(dec); err != nil {
			return o, err
		}
	default:
		return o, fmt.Errorf("unknown op kind %d", kind)
	}
	return o, nil
}

func readID(dec *encoding.Decoder) (ID, error) {
	client, err := dec.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := dec.ReadUvarint()
	if err != nil {
		return ID{}, err
	}
	if clock == 0 {
		return ID{}, errors.New("reference clock must be positive")
	}
	return ID{Client: client, Clock: clock}, nil
}
