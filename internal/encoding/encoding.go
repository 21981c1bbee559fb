// Package encoding implements the variable-length primitives shared by the
// wire protocol, the CRDT update format and the awareness format: unsigned
// varints, length-prefixed byte slices and length-prefixed strings.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrTruncated means the input ended in the middle of a value.
	ErrTruncated = errors.New("encoding: truncated input")
	// ErrOverflow means a varint did not fit in 64 bits.
	ErrOverflow = errors.New("encoding: varint overflows uint64")
)

// Encoder appends values to an in-memory buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteByte(b byte) error {
	e.buf = append(e.buf, b)
	return nil
}

// WriteVarBytes writes a length prefix followed by p.
func (e *Encoder) WriteVarBytes(p []byte) {
	e.WriteUvarint(uint64(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends p without a length prefix.
func (e *Encoder) WriteRaw(p []byte) {
	e.buf = append(e.buf, p...)
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

// Decoder reads values from a byte slice. It never panics on malformed
// input; every read returns an error instead.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrTruncated
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadVarBytes returns a sub-slice of the input; callers that retain it
// past the lifetime of the input must copy.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, d.Remaining())
	}
	p := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return p, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	p, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", errors.New("encoding: invalid utf-8 string")
	}
	return string(p), nil
}

// Rest returns the unread bytes and consumes them.
func (d *Decoder) Rest() []byte {
	p := d.buf[d.pos:]
	d.pos = len(d.buf)
	return p
}

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }
