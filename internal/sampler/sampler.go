// Package sampler implements the client-side prefetcher that pulls sampled
// trajectories off the server and hands them to the training loop.
//
// A sampler runs a pool of workers, each owning one sample stream at a time
// and rotating to a fresh stream after max_samples_per_stream items so load
// rebalances across server replicas. Samples land in a bounded queue drained
// by GetNextTrajectory / GetNextTimestep.
package sampler

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

// StreamOpener opens a fresh sample stream.
type StreamOpener func(ctx context.Context) (wire.SampleStreamClient, error)

// Options configures a sampler.
type Options struct {
	Table string

	// MaxSamples bounds the total samples fetched; negative is unlimited.
	MaxSamples int64

	// NumWorkers is the number of concurrent stream workers.
	NumWorkers int

	// MaxInFlightSamplesPerWorker bounds what one worker requests at a time.
	MaxInFlightSamplesPerWorker int64

	// MaxSamplesPerStream rotates a worker onto a fresh stream after this
	// many samples; non-positive disables rotation.
	MaxSamplesPerStream int64

	// FlexibleBatchSize is forwarded to the server's sample loop.
	FlexibleBatchSize int64

	// RateLimiterTimeout bounds each server-side rate-limiter wait;
	// negative waits forever. A timeout ends iteration with the tagged
	// DeadlineExceeded.
	RateLimiterTimeout time.Duration

	Logger zerolog.Logger
}

const (
	defaultNumWorkers           = 1
	defaultMaxInFlightPerWorker = 100
)

// Column is one materialized trajectory column.
type Column struct {
	// Values is the column's steps stacked along axis 0, or the bare value
	// when Squeezed.
	Values   *tensor.Tensor
	Squeezed bool
}

// Sample is one materialized sampled item.
type Sample struct {
	Key          uint64
	Priority     float64
	TimesSampled int32
	Probability  float64
	TableSize    int64
	Columns      []Column
}

// NumSteps returns the length of the longest non-squeezed column.
func (s *Sample) NumSteps() int {
	steps := 1
	for _, col := range s.Columns {
		if !col.Squeezed && col.Values.Rows() > steps {
			steps = col.Values.Rows()
		}
	}
	return steps
}

// Sampler prefetches samples from one table.
type Sampler struct {
	opts   Options
	opener StreamOpener
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	queue  chan *Sample
	done   chan struct{}
	err    atomic.Value // error

	remaining atomic.Int64
	unlimited bool

	// Timestep iteration state; GetNextTimestep is single-consumer.
	current     *Sample
	currentStep int
}

// New creates a sampler and starts its workers.
func New(opener StreamOpener, opts Options) (*Sampler, error) {
	if opts.Table == "" {
		return nil, xerrors.InvalidArgumentf("sampler needs a table name")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaultNumWorkers
	}
	if opts.MaxInFlightSamplesPerWorker <= 0 {
		opts.MaxInFlightSamplesPerWorker = defaultMaxInFlightPerWorker
	}
	if opts.RateLimiterTimeout == 0 {
		opts.RateLimiterTimeout = -1
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s := &Sampler{
		opts:      opts,
		opener:    opener,
		log:       opts.Logger.With().Str("sampler_id", uuid.NewString()).Str("table", opts.Table).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		queue:     make(chan *Sample, int(opts.MaxInFlightSamplesPerWorker)*opts.NumWorkers),
		done:      make(chan struct{}),
		unlimited: opts.MaxSamples < 0,
	}
	s.remaining.Store(opts.MaxSamples)

	for i := 0; i < opts.NumWorkers; i++ {
		s.group.Go(func() error { return s.worker(gctx) })
	}
	go func() {
		if err := s.group.Wait(); err != nil {
			s.err.Store(err)
		}
		close(s.done)
	}()
	return s, nil
}

// GetNextTrajectory returns the next prefetched sample. It returns io.EOF
// once MaxSamples have been delivered, and the workers' error if they
// stopped on one — a rate-limiter timeout arrives unchanged so dataset
// layers can convert it to end-of-sequence.
func (s *Sampler) GetNextTrajectory(ctx context.Context) (*Sample, error) {
	select {
	case sample := <-s.queue:
		return sample, nil
	default:
	}
	select {
	case sample := <-s.queue:
		return sample, nil
	case <-ctx.Done():
		return nil, xerrors.Cancelledf("context done while waiting for sample")
	case <-s.done:
		// Drain anything enqueued before the workers finished.
		select {
		case sample := <-s.queue:
			return sample, nil
		default:
		}
		if err, ok := s.err.Load().(error); ok && err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// GetNextTimestep flattens trajectories one step at a time. It returns the
// row per column, whether the returned step is the first of its item, and
// whether it is the last. Squeezed columns repeat their single value for
// every step of the item.
func (s *Sampler) GetNextTimestep(ctx context.Context) ([]*tensor.Tensor, bool, bool, error) {
	if s.current == nil || s.currentStep >= s.current.NumSteps() {
		sample, err := s.GetNextTrajectory(ctx)
		if err != nil {
			return nil, false, false, err
		}
		s.current = sample
		s.currentStep = 0
	}

	row := make([]*tensor.Tensor, len(s.current.Columns))
	for i, col := range s.current.Columns {
		if col.Squeezed {
			row[i] = col.Values
			continue
		}
		r, err := col.Values.Row(s.currentStep)
		if err != nil {
			return nil, false, false, err
		}
		row[i] = r
	}
	first := s.currentStep == 0
	s.currentStep++
	last := s.currentStep >= s.current.NumSteps()
	return row, first, last, nil
}

// Close cancels the workers and drains the queue.
func (s *Sampler) Close() error {
	s.cancel()
	<-s.done
	for {
		select {
		case <-s.queue:
		default:
			return nil
		}
	}
}

// claim reserves up to one stream's worth of samples; 0 means done.
func (s *Sampler) claim() int64 {
	perStream := s.opts.MaxInFlightSamplesPerWorker
	if s.opts.MaxSamplesPerStream > 0 && s.opts.MaxSamplesPerStream < perStream {
		perStream = s.opts.MaxSamplesPerStream
	}
	if s.unlimited {
		return perStream
	}
	for {
		rem := s.remaining.Load()
		if rem <= 0 {
			return 0
		}
		n := perStream
		if n > rem {
			n = rem
		}
		if s.remaining.CompareAndSwap(rem, rem-n) {
			return n
		}
	}
}

// unclaim returns unfetched samples to the shared budget.
func (s *Sampler) unclaim(n int64) {
	if !s.unlimited && n > 0 {
		s.remaining.Add(n)
	}
}

func (s *Sampler) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n := s.claim()
		if n == 0 {
			return nil
		}
		delivered, err := s.runStream(ctx, n)
		s.unclaim(n - delivered)
		if err != nil {
			if xerrors.IsTransient(err) {
				s.log.Warn().Err(err).Msg("sample stream broke, reopening")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// runStream fetches up to n samples over one stream; it returns how many
// were delivered to the queue.
func (s *Sampler) runStream(ctx context.Context, n int64) (int64, error) {
	stream, err := s.opener(ctx)
	if err != nil {
		return 0, xerrors.FromStatus(err)
	}
	req := &wire.SampleRequest{
		Table:             s.opts.Table,
		NumSamples:        n,
		FlexibleBatchSize: s.opts.FlexibleBatchSize,
		TimeoutMillis:     timeoutMillis(s.opts.RateLimiterTimeout),
	}
	if err := stream.Send(req); err != nil {
		return 0, xerrors.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return 0, xerrors.FromStatus(err)
	}

	chunks := make(map[uint64]*tensor.Tensor)
	var delivered int64
	for delivered < n {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return delivered, nil
			}
			return delivered, xerrors.FromStatus(err)
		}
		for _, entry := range resp.Entries {
			sample, err := materialize(entry, chunks)
			if err != nil {
				return delivered, err
			}
			select {
			case s.queue <- sample:
				delivered++
			case <-ctx.Done():
				return delivered, nil
			}
		}
	}
	return delivered, nil
}

// materialize joins an entry's chunk slices into column tensors. chunks
// caches decoded slabs across entries of one stream.
func materialize(entry *wire.SampleEntry, chunks map[uint64]*tensor.Tensor) (*Sample, error) {
	for _, cd := range entry.Chunks {
		chunk, err := wire.ChunkFromWire(cd)
		if err != nil {
			return nil, err
		}
		slab, err := chunk.Tensor()
		if err != nil {
			return nil, err
		}
		chunks[chunk.Key()] = slab
	}

	sample := &Sample{
		Key:          entry.Item.Key,
		Priority:     entry.Item.Priority,
		TimesSampled: entry.Item.TimesSampled,
		Probability:  entry.Probability,
		TableSize:    entry.TableSize,
		Columns:      make([]Column, len(entry.Item.Trajectory.Columns)),
	}
	for c, col := range entry.Item.Trajectory.Columns {
		rows := make([]*tensor.Tensor, len(col.Cells))
		for j, cell := range col.Cells {
			slab, ok := chunks[cell.ChunkKey]
			if !ok {
				return nil, xerrors.Internalf(
					"sample %d references chunk %d the stream never carried", entry.Item.Key, cell.ChunkKey)
			}
			row, err := slab.Row(cell.Offset)
			if err != nil {
				return nil, err
			}
			rows[j] = row
		}
		if col.Squeeze && len(rows) == 1 {
			sample.Columns[c] = Column{Values: rows[0], Squeezed: true}
			continue
		}
		stacked, err := tensor.Stack(rows)
		if err != nil {
			return nil, err
		}
		sample.Columns[c] = Column{Values: stacked}
	}
	return sample, nil
}

func timeoutMillis(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}
