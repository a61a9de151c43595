package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressed wraps a Backend and stores file contents zstd-compressed.
// WriteFile reports the uncompressed length so callers can keep comparing the
// returned count with the payload they handed in. Empty files (index markers)
// are stored as-is.
type Compressed struct {
	Backend

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompressed wraps inner with zstd compression.
func NewCompressed(inner Backend) *Compressed {
	c := &Compressed{Backend: inner}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// Info implements Backend and annotates the kind.
func (c *Compressed) Info() Info {
	info := c.Backend.Info()
	info.Kind += "+zstd"
	return info
}

// ReadFile implements Backend.
func (c *Compressed) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := c.Backend.ReadFile(ctx, path)
	if err != nil || len(data) == 0 {
		return data, err
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return plain, nil
}

// WriteFile implements Backend.
func (c *Compressed) WriteFile(ctx context.Context, path string, data []byte) (int, error) {
	if len(data) == 0 {
		return c.Backend.WriteFile(ctx, path, data)
	}

	enc := c.encoderPool.Get().(*zstd.Encoder)
	packed := enc.EncodeAll(data, nil)
	c.encoderPool.Put(enc)

	n, err := c.Backend.WriteFile(ctx, path, packed)
	if err != nil {
		return 0, err
	}
	if n != len(packed) {
		return 0, fmt.Errorf("short write: %d of %d compressed bytes", n, len(packed))
	}
	return len(data), nil
}

var _ Backend = (*Compressed)(nil)
