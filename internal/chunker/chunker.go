// Package chunker implements the per-column rolling buffers that batch
// appended values into chunks.
//
// Each writer column owns one Chunker. Values accumulate in an internal
// buffer; when the buffer reaches the active chunk length, or the owner
// flushes, the run is frozen into an immutable chunk and all cell references
// produced for the run resolve to it. The keep-alive ring retains the most
// recent refs so items can still be formed against recent steps; older refs
// expire.
package chunker

import (
	"math"
	"sync"

	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/keys"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/xerrors"
)

// Options configures a constant-length chunker.
type Options struct {
	// MaxChunkLength is the number of appended steps that triggers
	// finalization.
	MaxChunkLength int

	// NumKeepAliveRefs bounds the keep-alive ring.
	NumKeepAliveRefs int

	// DeltaEncode enables delta encoding of integer payloads.
	DeltaEncode bool

	// AutoTune adapts MaxChunkLength to the observed item trajectory
	// lengths; MaxChunkLength then only seeds the initial value.
	AutoTune bool

	// ThroughputWeight scales the auto-tuned target. Values above 1 favor
	// larger chunks (fewer round trips), values below 1 smaller chunks
	// (less read amplification). Defaults to 1.
	ThroughputWeight float64
}

// Validate checks the options. A chunk must fit inside the keep-alive window
// or its own pending refs would expire before finalization.
func (o Options) Validate() error {
	if o.MaxChunkLength <= 0 {
		return xerrors.InvalidArgumentf("max_chunk_length must be positive, got %d", o.MaxChunkLength)
	}
	if o.NumKeepAliveRefs <= 0 {
		return xerrors.InvalidArgumentf("num_keep_alive_refs must be positive, got %d", o.NumKeepAliveRefs)
	}
	if o.MaxChunkLength > o.NumKeepAliveRefs {
		return xerrors.InvalidArgumentf(
			"max_chunk_length (%d) must not exceed num_keep_alive_refs (%d)",
			o.MaxChunkLength, o.NumKeepAliveRefs)
	}
	if o.ThroughputWeight < 0 {
		return xerrors.InvalidArgumentf("throughput_weight must be non-negative, got %f", o.ThroughputWeight)
	}
	return nil
}

// ewmaAlpha weights the most recent item trajectory length in the auto-tuned
// chunk length estimate.
const ewmaAlpha = 0.3

// CellRef points at one step inside a chunk. It is created unresolved by
// Append and resolves when the surrounding run is finalized. A ref expires
// when the keep-alive ring rolls past it.
type CellRef struct {
	chunker   *Chunker
	episodeID uint64
	stepIndex int
	offset    int
	chunk     *chunkstore.Chunk
	expired   bool
}

// EpisodeID returns the episode the referenced step belongs to.
func (r *CellRef) EpisodeID() uint64 { return r.episodeID }

// StepIndex returns the episode step index of the referenced value.
func (r *CellRef) StepIndex() int { return r.stepIndex }

// Column returns the column the ref belongs to.
func (r *CellRef) Column() int { return r.chunker.column }

// Offset returns the row offset within the resolved chunk.
func (r *CellRef) Offset() int {
	r.chunker.mu.Lock()
	defer r.chunker.mu.Unlock()
	return r.offset
}

// Expired reports whether the keep-alive window has rolled past the ref.
func (r *CellRef) Expired() bool {
	r.chunker.mu.Lock()
	defer r.chunker.mu.Unlock()
	return r.expired
}

// Resolved reports whether the ref's chunk has been finalized.
func (r *CellRef) Resolved() bool {
	r.chunker.mu.Lock()
	defer r.chunker.mu.Unlock()
	return r.chunk != nil
}

// Chunk upgrades the ref into its chunk. It fails FailedPrecondition when the
// ref has expired or its run has not been finalized yet.
func (r *CellRef) Chunk() (*chunkstore.Chunk, error) {
	r.chunker.mu.Lock()
	defer r.chunker.mu.Unlock()
	if r.expired {
		return nil, xerrors.FailedPreconditionf(
			"cell reference for column %d step %d has expired from the keep-alive window",
			r.chunker.column, r.stepIndex)
	}
	if r.chunk == nil {
		return nil, xerrors.FailedPreconditionf(
			"cell reference for column %d step %d is not finalized", r.chunker.column, r.stepIndex)
	}
	return r.chunk, nil
}

// Chunker buffers one column's appended values and emits chunks.
type Chunker struct {
	column int
	opts   Options

	mu             sync.Mutex
	maxChunkLength int
	ewmaItemLength float64
	dtype          tensor.DType
	rowShape       []int
	specPinned     bool
	buffer         []*tensor.Tensor
	pending        []*CellRef
	active         []*CellRef
}

// New creates a chunker for the given writer column.
func New(column int, opts Options) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.ThroughputWeight == 0 {
		opts.ThroughputWeight = 1
	}
	return &Chunker{
		column:         column,
		opts:           opts,
		maxChunkLength: opts.MaxChunkLength,
		ewmaItemLength: float64(opts.MaxChunkLength),
	}, nil
}

// Append adds one step's value and returns its (unresolved) cell reference.
// The value's dtype and shape must match the column's first value.
func (c *Chunker) Append(episodeID uint64, stepIndex int, v *tensor.Tensor) (*CellRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.specPinned {
		c.dtype = v.DType()
		c.rowShape = v.Shape()
		c.specPinned = true
	} else if v.DType() != c.dtype || !shapeEqual(v.Shape(), c.rowShape) {
		return nil, xerrors.InvalidArgumentf(
			"column %d step %d: value (%s, %v) does not match column spec (%s, %v)",
			c.column, stepIndex, v.DType(), v.Shape(), c.dtype, c.rowShape)
	}

	ref := &CellRef{
		chunker:   c,
		episodeID: episodeID,
		stepIndex: stepIndex,
		offset:    len(c.buffer),
	}
	c.buffer = append(c.buffer, v)
	c.pending = append(c.pending, ref)
	c.keepAlive(ref)

	if len(c.buffer) >= c.maxChunkLength {
		if err := c.flushLocked(); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// Flush finalizes the buffered run, if any.
func (c *Chunker) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Reset drops any buffered values, expires every ref this chunker has handed
// out, and unpins the column spec.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range c.active {
		ref.expired = true
	}
	c.buffer = nil
	c.pending = nil
	c.active = nil
	c.specPinned = false
	c.dtype = 0
	c.rowShape = nil
}

// OnItemCreated feeds the auto-tuner with the trajectory length of an item
// that referenced this column.
func (c *Chunker) OnItemCreated(trajectoryLength int) {
	if !c.opts.AutoTune || trajectoryLength <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ewmaItemLength = (1-ewmaAlpha)*c.ewmaItemLength + ewmaAlpha*float64(trajectoryLength)
	target := int(math.Round(c.ewmaItemLength * c.opts.ThroughputWeight))
	if target < 1 {
		target = 1
	}
	if target > c.opts.NumKeepAliveRefs {
		target = c.opts.NumKeepAliveRefs
	}
	c.maxChunkLength = target
}

// MaxChunkLength returns the active chunk length (auto-tuned or constant).
func (c *Chunker) MaxChunkLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxChunkLength
}

// KeepAliveChunkKeys returns the keys of the finalized chunks the keep-alive
// ring still references. Writers send these so the server retains the chunks
// for items that may still be created against them.
func (c *Chunker) KeepAliveChunkKeys() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[uint64]bool)
	var keys []uint64
	for _, ref := range c.active {
		if ref.chunk != nil && !seen[ref.chunk.Key()] {
			seen[ref.chunk.Key()] = true
			keys = append(keys, ref.chunk.Key())
		}
	}
	return keys
}

// BufferedSteps returns the number of appended steps awaiting finalization.
func (c *Chunker) BufferedSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Chunker) keepAlive(ref *CellRef) {
	c.active = append(c.active, ref)
	for len(c.active) > c.opts.NumKeepAliveRefs {
		c.active[0].expired = true
		c.active = c.active[1:]
	}
}

func (c *Chunker) flushLocked() error {
	if len(c.buffer) == 0 {
		return nil
	}
	stacked, err := tensor.Stack(c.buffer)
	if err != nil {
		return err
	}
	first := c.pending[0]
	chunk, err := chunkstore.NewChunk(
		keys.New(), first.episodeID, c.column, first.stepIndex, stacked, c.opts.DeltaEncode)
	if err != nil {
		return err
	}
	for i, ref := range c.pending {
		ref.chunk = chunk
		ref.offset = i
	}
	c.buffer = nil
	c.pending = nil
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
