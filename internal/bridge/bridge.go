// Package bridge replicates document updates between server processes so
// that clients connected to different instances converge on the same
// content.
//
// Only document updates cross the bridge. Awareness is local to a process.
// Every outgoing message is tagged with the publishing process's origin id
// and a process drops messages carrying its own id, so an update relayed
// through the bridge is never applied (or re-published) twice by its
// author. Duplicates from other processes are harmless because applying a
// CRDT update is idempotent.
package bridge

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Handler receives updates published by other processes.
type Handler func(room string, update []byte)

// Bridge is the replication transport used by the room registry.
type Bridge interface {
	// Publish sends update for room to other processes. It must not block
	// on the network.
	Publish(room string, update []byte)
	// SubscribeAll delivers updates for every room to h until ctx ends.
	SubscribeAll(ctx context.Context, h Handler) error
	// Origin returns the id stamped on this process's messages.
	Origin() string
	Stats() Stats
	Close() error
}

// Stats counts bridge traffic.
type Stats struct {
	Published int64
	Received  int64
	Dropped   int64
}

// envelope is the wire form of a replicated update.
type envelope struct {
	Origin string `cbor:"1,keyasint"`
	Room   string `cbor:"2,keyasint"`
	Update []byte `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
}

func marshalEnvelope(e envelope) ([]byte, error) {
	return encMode.Marshal(e)
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode bridge envelope: %w", err)
	}
	if e.Room == "" || e.Origin == "" {
		return e, fmt.Errorf("decode bridge envelope: missing room or origin")
	}
	return e, nil
}

// Noop is used when horizontal scaling is disabled.
type Noop struct{}

func (Noop) Publish(string, []byte) {}

func (Noop) SubscribeAll(context.Context, Handler) error { return nil }

func (Noop) Origin() string { return "" }

func (Noop) Stats() Stats { return Stats{} }

func (Noop) Close() error { return nil }
