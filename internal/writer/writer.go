// Package writer implements the client-side trajectory writer.
//
// A writer owns one chunker per column and one background goroutine that
// drains created items onto an insert stream. Items are confirmed by the
// server echoing their keys; Flush blocks on those confirmations. Transient
// stream failures are retried with exponential backoff, re-sending only the
// chunks still referenced by unconfirmed items.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cartridge/reverb/internal/chunker"
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/keys"
	"github.com/cartridge/reverb/internal/signature"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

// StreamOpener opens a fresh insert stream, e.g. over a dialed connection.
type StreamOpener func(ctx context.Context) (wire.InsertStreamClient, error)

// Options configures a writer.
type Options struct {
	// Chunker is the per-column chunker configuration.
	Chunker chunker.Options

	// MaxInFlightItems bounds created items that are not yet confirmed;
	// CreateItem blocks at the bound.
	MaxInFlightItems int

	// Signatures maps table names to their advertised signatures; items for
	// those tables are validated before transmission.
	Signatures map[string]*signature.Signature

	Logger zerolog.Logger

	// Clock drives retry backoff and flush deadlines; defaults to the wall
	// clock.
	Clock clock.Clock
}

const (
	defaultMaxInFlightItems = 128
	backoffInitial          = 50 * time.Millisecond
	backoffMax              = 5 * time.Second
)

type pendingItem struct {
	item *wire.PrioritizedItem
	// chunks holds every chunk the item references, keyed by chunk key, so
	// reconnects can re-send exactly what the server may have dropped.
	chunks map[uint64]*chunkstore.Chunk
	sent   bool
}

// Writer buffers appended timesteps and streams created items to the server.
// Public methods are safe for concurrent use; Append/AppendPartial calls for
// one step must not interleave with each other.
type Writer struct {
	opener StreamOpener
	opts   Options
	log    zerolog.Logger
	clk    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sem   *semaphore.Weighted
	queue chan *pendingItem

	mu          sync.Mutex
	cond        *sync.Cond
	columns     []*chunker.Chunker
	episodeID   uint64
	stepIndex   int
	stepFilled  map[int]bool
	unconfirmed map[uint64]*pendingItem
	order       []uint64 // unconfirmed item keys in creation order
	resend      []*pendingItem
	outstanding int
	err         error
	closed      bool
}

// New creates a writer and starts its stream goroutine.
func New(opener StreamOpener, opts Options) (*Writer, error) {
	if err := opts.Chunker.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxInFlightItems <= 0 {
		opts.MaxInFlightItems = defaultMaxInFlightItems
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		opener:      opener,
		opts:        opts,
		log:         opts.Logger.With().Str("writer_id", uuid.NewString()).Logger(),
		clk:         opts.Clock,
		ctx:         ctx,
		cancel:      cancel,
		sem:         semaphore.NewWeighted(int64(opts.MaxInFlightItems)),
		queue:       make(chan *pendingItem, opts.MaxInFlightItems),
		episodeID:   keys.New(),
		stepFilled:  make(map[int]bool),
		unconfirmed: make(map[uint64]*pendingItem),
	}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// EpisodeID returns the current episode's identifier.
func (w *Writer) EpisodeID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.episodeID
}

// Append adds one timestep. Each entry is the value for the corresponding
// column, nil for columns without a value this step. It returns one cell
// reference per column, nil where the input was nil, and advances the step.
func (w *Writer) Append(row []*tensor.Tensor) ([]*chunker.CellRef, error) {
	return w.append(row, true)
}

// AppendPartial is Append without advancing the step: later AppendPartial or
// Append calls may fill the remaining columns of the same step.
func (w *Writer) AppendPartial(row []*tensor.Tensor) ([]*chunker.CellRef, error) {
	return w.append(row, false)
}

func (w *Writer) append(row []*tensor.Tensor, finalize bool) ([]*chunker.CellRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.failedLocked(); err != nil {
		return nil, err
	}

	for len(w.columns) < len(row) {
		col, err := chunker.New(len(w.columns), w.opts.Chunker)
		if err != nil {
			return nil, err
		}
		w.columns = append(w.columns, col)
	}

	refs := make([]*chunker.CellRef, len(row))
	for i, v := range row {
		if v == nil {
			continue
		}
		if w.stepFilled[i] {
			return nil, xerrors.InvalidArgumentf(
				"column %d already has a value for step %d", i, w.stepIndex)
		}
		ref, err := w.columns[i].Append(w.episodeID, w.stepIndex, v)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
		w.stepFilled[i] = true
	}
	if finalize {
		w.stepIndex++
		w.stepFilled = make(map[int]bool)
	}
	return refs, nil
}

// CreateItem validates the referenced cells, registers the item as pending
// and enqueues it for transmission. It blocks while MaxInFlightItems items
// are outstanding and returns the new item's key.
func (w *Writer) CreateItem(tableName string, priority float64, columns [][]*chunker.CellRef, squeeze []bool) (uint64, error) {
	if priority < 0 {
		return 0, xerrors.InvalidArgumentf("priority must be non-negative, got %f", priority)
	}
	if len(columns) == 0 {
		return 0, xerrors.InvalidArgumentf("item must reference at least one column")
	}
	if squeeze != nil && len(squeeze) != len(columns) {
		return 0, xerrors.InvalidArgumentf(
			"squeeze has %d entries for %d columns", len(squeeze), len(columns))
	}

	w.mu.Lock()
	if err := w.failedLocked(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	sig := w.opts.Signatures[tableName]
	w.mu.Unlock()

	// Finalize any column whose referenced cells are still buffered, then
	// collect the resolved chunks.
	item := &wire.PrioritizedItem{
		Key:      keys.New(),
		Table:    tableName,
		Priority: priority,
		Trajectory: wire.FlatTrajectory{
			Columns: make([]wire.FlatColumn, len(columns)),
		},
	}
	chunks := make(map[uint64]*chunkstore.Chunk)
	steps := 0
	for c, refs := range columns {
		if len(refs) == 0 {
			return 0, xerrors.InvalidArgumentf("item column %d is empty", c)
		}
		if squeeze != nil && squeeze[c] && len(refs) != 1 {
			return 0, xerrors.InvalidArgumentf(
				"item column %d has squeeze set but %d cells", c, len(refs))
		}
		col := wire.FlatColumn{
			Cells:   make([]wire.FlatCell, len(refs)),
			Squeeze: squeeze != nil && squeeze[c],
		}
		for j, ref := range refs {
			if ref == nil {
				return 0, xerrors.InvalidArgumentf("item column %d cell %d is nil", c, j)
			}
			if !ref.Resolved() && !ref.Expired() {
				if err := w.flushColumn(ref.Column()); err != nil {
					return 0, err
				}
			}
			chunk, err := ref.Chunk()
			if err != nil {
				return 0, err
			}
			if sig != nil {
				if err := sig.ValidateSpec(c, ref.StepIndex(), chunk.DType(), chunk.RowShape()); err != nil {
					return 0, err
				}
			}
			chunks[chunk.Key()] = chunk
			col.Cells[j] = wire.FlatCell{ChunkKey: chunk.Key(), Offset: ref.Offset()}
		}
		item.Trajectory.Columns[c] = col
		if len(refs) > steps {
			steps = len(refs)
		}
	}

	// Feed the auto-tuners with the observed trajectory length.
	for c := range columns {
		if ch := w.column(c); ch != nil {
			ch.OnItemCreated(steps)
		}
	}

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return 0, xerrors.Cancelledf("writer closed while waiting for in-flight slot")
	}

	pi := &pendingItem{item: item, chunks: chunks}
	w.mu.Lock()
	if err := w.failedLocked(); err != nil {
		w.mu.Unlock()
		w.sem.Release(1)
		return 0, err
	}
	w.unconfirmed[item.Key] = pi
	w.order = append(w.order, item.Key)
	w.outstanding++
	w.mu.Unlock()

	w.queue <- pi
	return item.Key, nil
}

// Flush blocks until all but the trailing ignoreLastN created items have
// been confirmed by the server, or the timeout expires (negative waits
// forever).
func (w *Writer) Flush(ignoreLastN int, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = w.clk.Now().Add(timeout)
		timer := w.clk.AfterFunc(timeout, w.cond.Broadcast)
		defer timer.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.outstanding > ignoreLastN {
		if err := w.failedLocked(); err != nil {
			return err
		}
		if timeout >= 0 && !w.clk.Now().Before(deadline) {
			return xerrors.DeadlineExceededf(
				"timed out waiting for %d items to be confirmed", w.outstanding-ignoreLastN)
		}
		w.cond.Wait()
	}
	return w.failedLocked()
}

// EndEpisode flushes all pending data, waits for confirmations and starts a
// fresh episode. With clearBuffers the column buffers and keep-alive refs
// are dropped; otherwise the columns carry over.
func (w *Writer) EndEpisode(clearBuffers bool, timeout time.Duration) error {
	w.mu.Lock()
	for _, col := range w.columns {
		if err := col.Flush(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	if err := w.Flush(0, timeout); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if clearBuffers {
		for _, col := range w.columns {
			col.Reset()
		}
	}
	w.episodeID = keys.New()
	w.stepIndex = 0
	w.stepFilled = make(map[int]bool)
	return nil
}

// Close stops the stream goroutine. Unconfirmed items are abandoned; call
// Flush first for a clean shutdown.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Writer) failedLocked() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return xerrors.FailedPreconditionf("writer is closed")
	}
	return nil
}

func (w *Writer) column(i int) *chunker.Chunker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.columns) {
		return nil
	}
	return w.columns[i]
}

func (w *Writer) flushColumn(i int) error {
	if col := w.column(i); col != nil {
		return col.Flush()
	}
	return xerrors.InvalidArgumentf("unknown column %d", i)
}
