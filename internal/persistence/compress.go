package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Compressed wraps a Store and zstd-compresses snapshots on the way in.
// Loads of snapshots written before compression was enabled pass through
// unchanged.
type Compressed struct {
	Store
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCompressed(inner Store) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Compressed{Store: inner, enc: enc, dec: dec}, nil
}

func (c *Compressed) Load(ctx context.Context, room string) ([]byte, error) {
	raw, err := c.Store.Load(ctx, room)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	state, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot for %s: %w", room, err)
	}
	return state, nil
}

func (c *Compressed) Save(ctx context.Context, room string, state []byte) error {
	return c.Store.Save(ctx, room, c.enc.EncodeAll(state, nil))
}

func (c *Compressed) Close() error {
	c.dec.Close()
	if err := c.enc.Close(); err != nil {
		return err
	}
	return c.Store.Close()
}
