// Package server implements the gRPC service shell that multiplexes client
// streams onto the tables.
//
// The shell is deliberately thin: admission, eviction and sampling policy
// all live in the tables. Handlers hold at most one table mutex at a time
// and never perform cross-table transactions.
package server

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/checkpoint"
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/signature"
	"github.com/cartridge/reverb/internal/table"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

// Options configures a server.
type Options struct {
	Tables []*table.Table
	Store  *chunkstore.Store

	// Checkpointer enables the Checkpoint RPC when set.
	Checkpointer *checkpoint.Checkpointer

	// Registerer receives stream metrics when set.
	Registerer prometheus.Registerer

	Logger zerolog.Logger
}

// Server implements wire.ReplayServer over a set of tables.
type Server struct {
	store        *chunkstore.Store
	checkpointer *checkpoint.Checkpointer
	log          zerolog.Logger

	mu     sync.RWMutex
	tables map[string]*table.Table

	insertedItems prometheus.Counter
	sampledItems  prometheus.Counter
}

// New creates a server over the given tables.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, xerrors.InvalidArgumentf("server needs a chunk store")
	}
	s := &Server{
		store:        opts.Store,
		checkpointer: opts.Checkpointer,
		log:          opts.Logger,
		tables:       make(map[string]*table.Table),
	}
	for _, t := range opts.Tables {
		if _, ok := s.tables[t.Name()]; ok {
			return nil, xerrors.InvalidArgumentf("duplicate table %q", t.Name())
		}
		s.tables[t.Name()] = t
	}
	reg := opts.Registerer
	if reg == nil {
		reg = noopRegisterer{}
	}
	factory := promauto.With(reg)
	s.insertedItems = factory.NewCounter(prometheus.CounterOpts{
		Name: "reverb_server_inserted_items_total",
		Help: "Items committed through insert streams.",
	})
	s.sampledItems = factory.NewCounter(prometheus.CounterOpts{
		Name: "reverb_server_sampled_items_total",
		Help: "Items delivered through sample streams.",
	})
	return s, nil
}

// Close closes every table, cancelling all blocked operations.
func (s *Server) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tables {
		t.Close()
	}
}

// Tables returns the tables in name order.
func (s *Server) Tables() []*table.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*table.Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Server) table(name string) (*table.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, xerrors.NotFoundf("table %q does not exist", name)
	}
	return t, nil
}

// ServerInfo implements wire.ReplayServer.
func (s *Server) ServerInfo(ctx context.Context, req *wire.ServerInfoRequest) (*wire.ServerInfoResponse, error) {
	signatures := make(map[string][]byte)
	resp := &wire.ServerInfoResponse{}
	for _, t := range s.Tables() {
		info := t.Info()
		ti := &wire.TableInfo{
			Name:             info.Name,
			MaxSize:          info.MaxSize,
			MaxTimesSampled:  info.MaxTimesSampled,
			CurrentSize:      info.CurrentSize,
			NumUniqueSamples: info.NumUniqueSamples,
			RateLimiter:      info.RateLimiter,
			SamplerOptions:   info.SamplerOptions,
			RemoverOptions:   info.RemoverOptions,
		}
		if sig := t.Signature(); sig != nil {
			data, err := sig.Marshal()
			if err != nil {
				return nil, xerrors.ToStatus(err)
			}
			ti.Signature = data
		}
		signatures[info.Name] = ti.Signature
		resp.Tables = append(resp.Tables, ti)
	}
	resp.TablesStateID = signature.StateID(signatures)
	return resp, nil
}

// MutatePriorities implements wire.ReplayServer.
func (s *Server) MutatePriorities(ctx context.Context, req *wire.MutatePrioritiesRequest) (*wire.MutatePrioritiesResponse, error) {
	t, err := s.table(req.Table)
	if err != nil {
		return nil, xerrors.ToStatus(err)
	}
	updates := make([]table.KeyWithPriority, len(req.Updates))
	for i, u := range req.Updates {
		updates[i] = table.KeyWithPriority{Key: u.Key, Priority: u.Priority}
	}
	if err := t.MutateItems(updates, req.Deletes); err != nil {
		return nil, xerrors.ToStatus(err)
	}
	return &wire.MutatePrioritiesResponse{}, nil
}

// Reset implements wire.ReplayServer.
func (s *Server) Reset(ctx context.Context, req *wire.ResetRequest) (*wire.ResetResponse, error) {
	t, err := s.table(req.Table)
	if err != nil {
		return nil, xerrors.ToStatus(err)
	}
	t.Reset()
	return &wire.ResetResponse{}, nil
}

// Checkpoint implements wire.ReplayServer.
func (s *Server) Checkpoint(ctx context.Context, req *wire.CheckpointRequest) (*wire.CheckpointResponse, error) {
	if s.checkpointer == nil {
		return nil, xerrors.ToStatus(xerrors.FailedPreconditionf("checkpointing is not configured"))
	}
	path, err := s.checkpointer.Save(s.Tables())
	if err != nil {
		return nil, xerrors.ToStatus(err)
	}
	return &wire.CheckpointResponse{Path: path}, nil
}

// InsertStream implements wire.ReplayServer. The server interns every chunk
// the stream carries and retains a reference while the client's keep-alive
// window still lists it, so later items can reference chunks without
// re-transmission.
func (s *Server) InsertStream(stream wire.InsertStreamServer) error {
	retained := make(map[uint64]*chunkstore.Ref)
	defer func() {
		for _, ref := range retained {
			ref.Release()
		}
	}()

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, cd := range req.Chunks {
			if _, ok := retained[cd.Key]; ok {
				continue
			}
			chunk, err := wire.ChunkFromWire(cd)
			if err != nil {
				return xerrors.ToStatus(err)
			}
			retained[chunk.Key()] = s.store.Insert(chunk)
		}

		if req.Item != nil {
			if err := s.insertItem(req.Item, retained); err != nil {
				return xerrors.ToStatus(err)
			}
			s.insertedItems.Inc()
			if req.SendConfirmation {
				if err := stream.Send(&wire.InsertResponse{ConfirmedKeys: []uint64{req.Item.Key}}); err != nil {
					return err
				}
			}
		}

		// Trim retention down to the client's keep-alive window. Items
		// already hold their own references.
		keep := make(map[uint64]bool, len(req.KeepChunkKeys))
		for _, key := range req.KeepChunkKeys {
			keep[key] = true
		}
		for key, ref := range retained {
			if !keep[key] {
				ref.Release()
				delete(retained, key)
			}
		}
	}
}

func (s *Server) insertItem(pi *wire.PrioritizedItem, retained map[uint64]*chunkstore.Ref) error {
	t, err := s.table(pi.Table)
	if err != nil {
		return err
	}
	item := &table.Item{
		Key:        pi.Key,
		Priority:   pi.Priority,
		Trajectory: make([]table.Column, len(pi.Trajectory.Columns)),
	}
	for c, col := range pi.Trajectory.Columns {
		cells := make([]table.Cell, len(col.Cells))
		for j, fc := range col.Cells {
			ref, err := s.resolveChunk(fc.ChunkKey, retained)
			if err != nil {
				item.Trajectory[c] = table.Column{Cells: cells[:j]}
				item.ReleaseChunks()
				return err
			}
			cells[j] = table.Cell{Ref: ref, Offset: fc.Offset}
		}
		item.Trajectory[c] = table.Column{Cells: cells, Squeeze: col.Squeeze}
	}
	if err := t.InsertOrAssign(item, -1); err != nil {
		item.ReleaseChunks()
		return err
	}
	return nil
}

func (s *Server) resolveChunk(key uint64, retained map[uint64]*chunkstore.Ref) (*chunkstore.Ref, error) {
	if ref, ok := retained[key]; ok {
		return ref.Clone(), nil
	}
	ref, err := s.store.Get(key)
	if err != nil {
		// A missing chunk is the client's mistake: it referenced data it
		// never sent or no longer retains.
		return nil, xerrors.InvalidArgumentf("item references unknown chunk %d", key)
	}
	return ref, nil
}

// SampleStream implements wire.ReplayServer. A rate-limiter timeout ends the
// stream with the tagged DeadlineExceeded so dataset iterators can convert
// it to end-of-sequence.
func (s *Server) SampleStream(stream wire.SampleStreamServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	if req.NumSamples <= 0 {
		return xerrors.ToStatus(xerrors.InvalidArgumentf("num_samples must be positive, got %d", req.NumSamples))
	}
	t, err := s.table(req.Table)
	if err != nil {
		return xerrors.ToStatus(err)
	}

	timeout := timeoutFromMillis(req.TimeoutMillis)
	sentChunks := make(map[uint64]bool)
	remaining := req.NumSamples
	for remaining > 0 {
		batch := req.FlexibleBatchSize
		if batch <= 0 || batch > remaining {
			batch = remaining
		}
		samples, err := t.Sample(batch, timeout)
		if err != nil {
			return xerrors.ToStatus(err)
		}

		resp := &wire.SampleResponse{Entries: make([]*wire.SampleEntry, len(samples))}
		for i, sample := range samples {
			resp.Entries[i] = sampleToWire(sample, sentChunks)
		}
		sendErr := stream.Send(resp)
		for _, sample := range samples {
			sample.Release()
		}
		if sendErr != nil {
			return sendErr
		}
		s.sampledItems.Add(float64(len(samples)))
		remaining -= int64(len(samples))
	}
	return nil
}

func sampleToWire(sample *table.SampledItem, sentChunks map[uint64]bool) *wire.SampleEntry {
	entry := &wire.SampleEntry{
		Item: wire.PrioritizedItem{
			Key:          sample.Key,
			Table:        sample.Table,
			Priority:     sample.Priority,
			TimesSampled: sample.TimesSampled,
			Trajectory:   wire.FlatTrajectory{Columns: make([]wire.FlatColumn, len(sample.Trajectory))},
		},
		Probability: sample.Probability,
		TableSize:   sample.TableSize,
	}
	for c, col := range sample.Trajectory {
		fc := wire.FlatColumn{Squeeze: col.Squeeze, Cells: make([]wire.FlatCell, len(col.Cells))}
		for j, cell := range col.Cells {
			fc.Cells[j] = wire.FlatCell{ChunkKey: cell.Ref.Key(), Offset: cell.Offset}
			if !sentChunks[cell.Ref.Key()] {
				sentChunks[cell.Ref.Key()] = true
				entry.Chunks = append(entry.Chunks, wire.ChunkToWire(cell.Ref.Chunk()))
			}
		}
		entry.Item.Trajectory.Columns[c] = fc
	}
	return entry
}

func timeoutFromMillis(millis int64) time.Duration {
	if millis < 0 {
		return -1
	}
	return time.Duration(millis) * time.Millisecond
}

// noopRegisterer discards metric registrations when no registry is wired.
type noopRegisterer struct{}

func (noopRegisterer) Register(prometheus.Collector) error  { return nil }
func (noopRegisterer) MustRegister(...prometheus.Collector) {}
func (noopRegisterer) Unregister(prometheus.Collector) bool { return true }
