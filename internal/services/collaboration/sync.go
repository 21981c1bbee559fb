package collaboration

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"notesync/internal/awareness"
	"notesync/internal/encoding"
	"notesync/internal/middleware"
	"notesync/internal/protocol"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SYNC HANDSHAKE

	server                                client
	  │ ── SyncStep1(server state vector) ──► │
	  │ ◄── SyncStep2(what server lacks) ──── │
	  │ ◄── SyncStep1(client state vector) ── │
	  │ ── SyncStep2(what client lacks) ────► │
	  │ ◄─────────── SyncUpdate ────────────► │  (for the rest of the session)

Both sides can apply anything at any time because applying an update is
idempotent and order-independent. The handshake only decides what to send.
*/

// handleFrame decodes one inbound frame and dispatches it. Bad frames are
// logged and dropped; the connection stays open.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessFrame",
		attribute.String("session.id", s.ID),
		attribute.String("room.id", s.Room),
		attribute.Int("message.size", len(data)),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic handling frame: %v", rec)
			middleware.AddSpanError(ctx, err)
			s.registry.updatesRejected.Add(1)
			log.Printf("❌ Session %s: %v\n%s", s.ID, err, debug.Stack())
		}
	}()

	room := s.registry.Lookup(s.Room)
	if room == nil {
		return
	}

	kind, dec, err := protocol.DecodeFrame(data)
	if err == nil {
		span.SetAttributes(attribute.String("frame.kind", kind.String()))
		switch kind {
		case protocol.KindSync:
			err = s.handleSync(ctx, room, dec)
		case protocol.KindAwareness:
			err = s.handleAwareness(room, dec)
		}
	}
	if err != nil {
		s.registry.updatesRejected.Add(1)
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Session %s: dropped frame: %v", s.ID, err)
	}
}

func (s *Session) handleSync(ctx context.Context, room *Room, dec *encoding.Decoder) error {
	msg, err := protocol.DecodeSync(dec)
	if err != nil {
		return err
	}
	middleware.AddSpanEvent(ctx, "sync."+msg.Type.String(), attribute.Int("body.size", len(msg.Body)))

	switch msg.Type {
	case protocol.SyncStep1:
		diff, err := room.Doc.EncodeDiff(msg.Body)
		if err != nil {
			return fmt.Errorf("sync step 1: %w", err)
		}
		if !s.enqueue(protocol.EncodeSyncStep2(diff)) {
			s.closeSlow()
			return nil
		}
		s.markSynced()

	case protocol.SyncStep2, protocol.SyncUpdate:
		// The document observer broadcasts, saves and publishes the change.
		if err := room.Doc.Apply(msg.Body, s); err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}
		s.markSynced()
	}
	return nil
}

func (s *Session) handleAwareness(room *Room, dec *encoding.Decoder) error {
	update, err := protocol.DecodeAwareness(dec)
	if err != nil {
		return err
	}
	changes, err := awareness.ApplyAwarenessUpdate(room.Awareness, update, s.ID)
	if err != nil {
		return err
	}
	s.claim(changes.Claimed())
	s.release(changes.Removed)
	if changes.Empty() {
		return nil
	}

	// Forward the bytes as received unless some entries were refused, in
	// which case only the accepted ones go out.
	frame := protocol.EncodeAwareness(update)
	if !changes.Complete() {
		frame = protocol.EncodeAwareness(awareness.EncodeAwarenessUpdate(room.Awareness, changes.IDs()))
	}
	room.Broadcast(frame, s)
	return nil
}
