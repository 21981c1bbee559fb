package protocol

import (
	"errors"
	"fmt"

	"notesync/internal/encoding"
)

/*
Wire format

Every WebSocket binary message is one frame:

	<varuint kind> <kind-specific payload>

	kind 0 (SYNC):      <varuint subtype> <varbytes body>
	kind 1 (AWARENESS): <varbytes awareness update>

The payload is self-delimiting, so a frame can be decoded without any
out-of-band length.
*/

// Kind tags the top-level message type.
type Kind uint64

const (
	KindSync      Kind = 0
	KindAwareness Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

var (
	// ErrUnknownKind is returned for frames whose leading tag is not a known Kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrEmptyFrame is returned for zero-length messages.
	ErrEmptyFrame = errors.New("protocol: empty frame")
)

// EncodeFrame prefixes payload with its kind tag.
func EncodeFrame(kind Kind, payload []byte) []byte {
	enc := encoding.NewEncoder(len(payload) + 1)
	enc.WriteUvarint(uint64(kind))
	enc.WriteRaw(payload)
	return enc.Bytes()
}

// DecodeFrame reads the kind tag and returns a decoder positioned at the
// payload.
func DecodeFrame(frame []byte) (Kind, *encoding.Decoder, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	dec := encoding.NewDecoder(frame)
	tag, err := dec.ReadUvarint()
	if err != nil {
		return 0, nil, fmt.Errorf("read frame kind: %w", err)
	}
	kind := Kind(tag)
	switch kind {
	case KindSync, KindAwareness:
		return kind, dec, nil
	default:
		return kind, nil, fmt.Errorf("%w: %d", ErrUnknownKind, tag)
	}
}

// EncodeAwareness wraps an encoded awareness update into a frame.
func EncodeAwareness(update []byte) []byte {
	enc := encoding.NewEncoder(len(update) + 4)
	enc.WriteUvarint(uint64(KindAwareness))
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// DecodeAwareness reads the awareness blob that follows the kind tag.
func DecodeAwareness(dec *encoding.Decoder) ([]byte, error) {
	update, err := dec.ReadVarBytes()
	if err != nil {
		return nil, fmt.Errorf("read awareness payload: %w", err)
	}
	return update, nil
}
