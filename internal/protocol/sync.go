package protocol

import (
	"errors"
	"fmt"

	"notesync/internal/encoding"
)

// SyncType is the inner tag of a SYNC frame.
type SyncType uint64

const (
	// SyncStep1 carries the sender's state vector.
	SyncStep1 SyncType = 0
	// SyncStep2 carries the updates the receiver is missing.
	SyncStep2 SyncType = 1
	// SyncUpdate carries an incremental update after the handshake.
	SyncUpdate SyncType = 2
)

func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("sync(%d)", uint64(t))
	}
}

// ErrUnknownSyncType is returned for SYNC frames with an unknown inner tag.
var ErrUnknownSyncType = errors.New("protocol: unknown sync message type")

// SyncMessage is a decoded SYNC payload.
type SyncMessage struct {
	Type SyncType
	Body []byte
}

func encodeSync(t SyncType, body []byte) []byte {
	enc := encoding.NewEncoder(len(body) + 8)
	enc.WriteUvarint(uint64(KindSync))
	enc.WriteUvarint(uint64(t))
	enc.WriteVarBytes(body)
	return enc.Bytes()
}

// EncodeSyncStep1 builds a frame announcing stateVector.
func EncodeSyncStep1(stateVector []byte) []byte { return encodeSync(SyncStep1, stateVector) }

// EncodeSyncStep2 builds a frame carrying a diff.
func EncodeSyncStep2(diff []byte) []byte { return encodeSync(SyncStep2, diff) }

// EncodeSyncUpdate builds a frame carrying a raw update.
func EncodeSyncUpdate(update []byte) []byte { return encodeSync(SyncUpdate, update) }

// DecodeSync reads a SYNC payload from dec. Body aliases the frame buffer.
func DecodeSync(dec *encoding.Decoder) (SyncMessage, error) {
	tag, err := dec.ReadUvarint()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("read sync type: %w", err)
	}
	t := SyncType(tag)
	if t > SyncUpdate {
		return SyncMessage{}, fmt.Errorf("%w: %d", ErrUnknownSyncType, tag)
	}
	body, err := dec.ReadVarBytes()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("read sync %s body: %w", t, err)
	}
	return SyncMessage{Type: t, Body: body}, nil
}
