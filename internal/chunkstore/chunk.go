// Package chunkstore holds the content-addressed tensor chunks shared by
// tables and in-flight samples.
package chunkstore

import (
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/xerrors"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// compressMinBytes is the payload size below which zstd is not attempted.
const compressMinBytes = 64

// Chunk is an immutable slab of one column's values over a contiguous run of
// episode steps. Chunks are created by a chunker at finalization and
// identified by a random 64-bit key.
type Chunk struct {
	key          uint64
	episodeID    uint64
	column       int
	start        int // episode step index of the first row
	numRows      int
	dtype        tensor.DType
	rowShape     []int
	deltaEncoded bool
	compressed   bool
	data         []byte
	digest       uint64
}

// NewChunk encodes a stacked tensor into a chunk. Integer slabs are
// delta-encoded when deltaEncode is set; payloads are zstd-compressed when
// that shrinks them.
func NewChunk(key, episodeID uint64, column, start int, t *tensor.Tensor, deltaEncode bool) (*Chunk, error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return nil, xerrors.InvalidArgumentf("chunk payload must have a step axis")
	}
	delta := false
	if deltaEncode && t.DType().IsInteger() {
		t = tensor.DeltaEncode(t)
		delta = true
	}
	data := t.Data()
	compressed := false
	if len(data) >= compressMinBytes {
		if enc := zstdEncoder.EncodeAll(data, nil); len(enc) < len(data) {
			data = enc
			compressed = true
		}
	}
	return &Chunk{
		key:          key,
		episodeID:    episodeID,
		column:       column,
		start:        start,
		numRows:      shape[0],
		dtype:        t.DType(),
		rowShape:     shape[1:],
		deltaEncoded: delta,
		compressed:   compressed,
		data:         data,
		digest:       xxhash.Sum64(data),
	}, nil
}

// Restore rebuilds a chunk from its serialized fields, verifying the digest.
func Restore(key, episodeID uint64, column, start, numRows int, dtype tensor.DType,
	rowShape []int, deltaEncoded, compressed bool, data []byte, digest uint64) (*Chunk, error) {
	if got := xxhash.Sum64(data); got != digest {
		return nil, xerrors.New(xerrors.Internal,
			"chunk %d payload digest mismatch: got %x, want %x", key, got, digest)
	}
	return &Chunk{
		key:          key,
		episodeID:    episodeID,
		column:       column,
		start:        start,
		numRows:      numRows,
		dtype:        dtype,
		rowShape:     append([]int(nil), rowShape...),
		deltaEncoded: deltaEncoded,
		compressed:   compressed,
		data:         data,
		digest:       digest,
	}, nil
}

// Key returns the chunk's 64-bit identity.
func (c *Chunk) Key() uint64 { return c.key }

// EpisodeID returns the episode the chunk belongs to.
func (c *Chunk) EpisodeID() uint64 { return c.episodeID }

// Column returns the writer column index the chunk was produced for.
func (c *Chunk) Column() int { return c.column }

// Start returns the episode step index of the chunk's first row.
func (c *Chunk) Start() int { return c.start }

// End returns the episode step index of the chunk's last row.
func (c *Chunk) End() int { return c.start + c.numRows - 1 }

// NumRows returns the number of steps the chunk covers.
func (c *Chunk) NumRows() int { return c.numRows }

// DType returns the element type of the stored slab.
func (c *Chunk) DType() tensor.DType { return c.dtype }

// RowShape returns the per-step shape.
func (c *Chunk) RowShape() []int { return append([]int(nil), c.rowShape...) }

// DeltaEncoded reports whether the payload is delta-encoded.
func (c *Chunk) DeltaEncoded() bool { return c.deltaEncoded }

// Compressed reports whether the payload is zstd-compressed.
func (c *Chunk) Compressed() bool { return c.compressed }

// Payload returns the encoded bytes as stored.
func (c *Chunk) Payload() []byte { return c.data }

// Digest returns the xxhash of the encoded payload.
func (c *Chunk) Digest() uint64 { return c.digest }

// DataSize returns the encoded payload size in bytes.
func (c *Chunk) DataSize() int { return len(c.data) }

// Tensor decodes the chunk back into its stacked [numRows, rowShape...] slab.
func (c *Chunk) Tensor() (*tensor.Tensor, error) {
	data := c.data
	if c.compressed {
		dec, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Internal, err, "decompressing chunk %d", c.key)
		}
		data = dec
	}
	shape := append([]int{c.numRows}, c.rowShape...)
	t, err := tensor.New(c.dtype, shape, data)
	if err != nil {
		return nil, err
	}
	if c.deltaEncoded {
		t = tensor.DeltaDecode(t)
	}
	return t, nil
}

// Row decodes a single step of the chunk.
func (c *Chunk) Row(offset int) (*tensor.Tensor, error) {
	t, err := c.Tensor()
	if err != nil {
		return nil, err
	}
	return t.Row(offset)
}
