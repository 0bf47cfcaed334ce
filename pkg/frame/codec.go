package frame

import (
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// Codec performs synchronous Zstandard block decompression for frames
// carrying the compression flag.
type Codec struct {
	dec *zstd.Decoder

	// Statistics
	Decompressed atomic.Uint64
	Failures     atomic.Uint64
}

// NewCodec creates a codec with a single-shot zstd decoder. Decoder
// memory is capped so a corrupt size field cannot balloon allocation.
func NewCodec() (*Codec, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{dec: dec}, nil
}

// Decompress inflates one zstd block. Errors are counted and returned;
// the caller drops the frame and moves on.
func (c *Codec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		c.Failures.Add(1)
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	c.Decompressed.Add(1)
	return out, nil
}

// Close releases the decoder.
func (c *Codec) Close() {
	c.dec.Close()
}
