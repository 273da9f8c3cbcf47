package server

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/reverb/internal/checkpoint"
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/keys"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/table"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

func newTestServer(t *testing.T, tables ...*table.Table) (*Server, *chunkstore.Store) {
	t.Helper()
	store := chunkstore.NewStore()
	s, err := New(Options{Tables: tables, Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s, store
}

func newTable(t *testing.T, name string, maxSize int64) *table.Table {
	t.Helper()
	limiter, err := ratelimiter.New(ratelimiter.MinSize(1))
	require.NoError(t, err)
	tbl, err := table.New(table.Config{
		Name:        name,
		Sampler:     selector.NewFifo(),
		Remover:     selector.NewFifo(),
		MaxSize:     maxSize,
		RateLimiter: limiter,
	})
	require.NoError(t, err)
	return tbl
}

func testChunkData(t *testing.T, vals ...int64) *wire.ChunkData {
	t.Helper()
	rows := make([]*tensor.Tensor, len(vals))
	for i, v := range vals {
		rows[i] = tensor.ScalarInt64(v)
	}
	stacked, err := tensor.Stack(rows)
	require.NoError(t, err)
	chunk, err := chunkstore.NewChunk(keys.New(), 1, 0, 0, stacked, false)
	require.NoError(t, err)
	return wire.ChunkToWire(chunk)
}

func itemOver(chunks []*wire.ChunkData, key uint64, priority float64) *wire.PrioritizedItem {
	var cells []wire.FlatCell
	for _, cd := range chunks {
		for off := 0; off < cd.NumRows; off++ {
			cells = append(cells, wire.FlatCell{ChunkKey: cd.Key, Offset: off})
		}
	}
	return &wire.PrioritizedItem{
		Key:        key,
		Table:      "replay",
		Priority:   priority,
		Trajectory: wire.FlatTrajectory{Columns: []wire.FlatColumn{{Cells: cells}}},
	}
}

// fakeInsertStream feeds canned requests to the handler and records
// responses.
type fakeInsertStream struct {
	reqs      []*wire.InsertRequest
	i         int
	responses []*wire.InsertResponse
}

func (f *fakeInsertStream) Recv() (*wire.InsertRequest, error) {
	if f.i >= len(f.reqs) {
		return nil, io.EOF
	}
	req := f.reqs[f.i]
	f.i++
	return req, nil
}

func (f *fakeInsertStream) Send(resp *wire.InsertResponse) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeInsertStream) Context() context.Context { return context.Background() }

// fakeSampleStream sends one request and records responses.
type fakeSampleStream struct {
	req       *wire.SampleRequest
	sent      bool
	responses []*wire.SampleResponse
}

func (f *fakeSampleStream) Recv() (*wire.SampleRequest, error) {
	if f.sent {
		return nil, io.EOF
	}
	f.sent = true
	return f.req, nil
}

func (f *fakeSampleStream) Send(resp *wire.SampleResponse) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSampleStream) Context() context.Context { return context.Background() }

func TestInsertStream_InsertsAndConfirms(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	s, store := newTestServer(t, tbl)

	chunk := testChunkData(t, 1, 2, 3)
	stream := &fakeInsertStream{reqs: []*wire.InsertRequest{{
		Chunks:           []*wire.ChunkData{chunk},
		Item:             itemOver([]*wire.ChunkData{chunk}, 7, 1.0),
		KeepChunkKeys:    []uint64{chunk.Key},
		SendConfirmation: true,
	}}}

	require.NoError(t, s.InsertStream(stream))
	require.Len(t, stream.responses, 1)
	assert.Equal(t, []uint64{uint64(7)}, stream.responses[0].ConfirmedKeys)
	assert.Equal(t, int64(1), tbl.Size())

	// The item holds the chunk after the stream ended.
	ref, err := store.Get(chunk.Key)
	require.NoError(t, err)
	ref.Release()
}

func TestInsertStream_SecondItemReusesRetainedChunk(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	s, _ := newTestServer(t, tbl)

	chunk := testChunkData(t, 1, 2, 3)
	stream := &fakeInsertStream{reqs: []*wire.InsertRequest{
		{
			Chunks:           []*wire.ChunkData{chunk},
			Item:             itemOver([]*wire.ChunkData{chunk}, 1, 1.0),
			KeepChunkKeys:    []uint64{chunk.Key},
			SendConfirmation: true,
		},
		{
			// No chunks: the server must still resolve from its retention.
			Item:             itemOver([]*wire.ChunkData{chunk}, 2, 1.0),
			KeepChunkKeys:    []uint64{chunk.Key},
			SendConfirmation: true,
		},
	}}

	require.NoError(t, s.InsertStream(stream))
	assert.Len(t, stream.responses, 2)
	assert.Equal(t, int64(2), tbl.Size())
}

func TestInsertStream_MissingChunkFailsInvalidArgument(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	s, _ := newTestServer(t, tbl)

	stream := &fakeInsertStream{reqs: []*wire.InsertRequest{{
		Item: &wire.PrioritizedItem{
			Key:      1,
			Table:    "replay",
			Priority: 1,
			Trajectory: wire.FlatTrajectory{Columns: []wire.FlatColumn{{
				Cells: []wire.FlatCell{{ChunkKey: 424242, Offset: 0}},
			}}},
		},
		SendConfirmation: true,
	}}}

	err := s.InsertStream(stream)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, int64(0), tbl.Size())
}

func TestInsertStream_UnknownTableFails(t *testing.T) {
	s, _ := newTestServer(t, newTable(t, "replay", 10))

	chunk := testChunkData(t, 1)
	item := itemOver([]*wire.ChunkData{chunk}, 1, 1.0)
	item.Table = "nope"
	stream := &fakeInsertStream{reqs: []*wire.InsertRequest{{
		Chunks: []*wire.ChunkData{chunk},
		Item:   item,
	}}}

	err := s.InsertStream(stream)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSampleStream_StreamsChunksOnce(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	s, _ := newTestServer(t, tbl)

	// Two items over one shared chunk.
	chunk := testChunkData(t, 5, 6)
	insert := &fakeInsertStream{reqs: []*wire.InsertRequest{
		{Chunks: []*wire.ChunkData{chunk}, Item: itemOver([]*wire.ChunkData{chunk}, 1, 1.0), KeepChunkKeys: []uint64{chunk.Key}},
		{Item: itemOver([]*wire.ChunkData{chunk}, 2, 1.0)},
	}}
	require.NoError(t, s.InsertStream(insert))

	stream := &fakeSampleStream{req: &wire.SampleRequest{
		Table:         "replay",
		NumSamples:    2,
		TimeoutMillis: 1000,
	}}
	require.NoError(t, s.SampleStream(stream))

	var entries []*wire.SampleEntry
	chunksSent := 0
	for _, resp := range stream.responses {
		entries = append(entries, resp.Entries...)
		for _, e := range resp.Entries {
			chunksSent += len(e.Chunks)
		}
	}
	require.Len(t, entries, 2)
	assert.Equal(t, 1, chunksSent, "the shared chunk travels once per stream")
	assert.Equal(t, int64(2), entries[0].TableSize)
	assert.Equal(t, 1.0, entries[0].Probability)
}

func TestSampleStream_RateLimiterTimeoutTerminates(t *testing.T) {
	s, _ := newTestServer(t, newTable(t, "replay", 10))

	stream := &fakeSampleStream{req: &wire.SampleRequest{
		Table:         "replay",
		NumSamples:    1,
		TimeoutMillis: 10,
	}}
	err := s.SampleStream(stream)
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.True(t, xerrors.IsRateLimiterTimeout(err))
}

func TestSampleStream_Validation(t *testing.T) {
	s, _ := newTestServer(t, newTable(t, "replay", 10))

	err := s.SampleStream(&fakeSampleStream{req: &wire.SampleRequest{Table: "replay", NumSamples: 0}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = s.SampleStream(&fakeSampleStream{req: &wire.SampleRequest{Table: "nope", NumSamples: 1}})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServerInfo(t *testing.T) {
	s, _ := newTestServer(t, newTable(t, "a", 5), newTable(t, "b", 7))

	resp, err := s.ServerInfo(context.Background(), &wire.ServerInfoRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Tables, 2)
	assert.Equal(t, "a", resp.Tables[0].Name)
	assert.Equal(t, "b", resp.Tables[1].Name)
	assert.Equal(t, int64(5), resp.Tables[0].MaxSize)
	assert.Equal(t, selector.KindFifo, resp.Tables[0].SamplerOptions.Kind)

	again, err := s.ServerInfo(context.Background(), &wire.ServerInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, resp.TablesStateID, again.TablesStateID)
}

func TestMutatePrioritiesAndReset(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	s, _ := newTestServer(t, tbl)

	chunk := testChunkData(t, 1)
	insert := &fakeInsertStream{reqs: []*wire.InsertRequest{
		{Chunks: []*wire.ChunkData{chunk}, Item: itemOver([]*wire.ChunkData{chunk}, 1, 1.0)},
	}}
	require.NoError(t, s.InsertStream(insert))

	_, err := s.MutatePriorities(context.Background(), &wire.MutatePrioritiesRequest{
		Table:   "replay",
		Updates: []wire.KeyWithPriority{{Key: 1, Priority: 9}},
	})
	require.NoError(t, err)

	_, err = s.Reset(context.Background(), &wire.ResetRequest{Table: "replay"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), tbl.Size())
}

func TestCheckpointRPC(t *testing.T) {
	tbl := newTable(t, "replay", 10)
	store := chunkstore.NewStore()
	checkpointer := checkpoint.New(t.TempDir(), "", zerolog.Nop())
	s, err := New(Options{
		Tables:       []*table.Table{tbl},
		Store:        store,
		Checkpointer: checkpointer,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	resp, err := s.Checkpoint(context.Background(), &wire.CheckpointRequest{})
	require.NoError(t, err)
	assert.DirExists(t, resp.Path)

	// Without a checkpointer the RPC fails FailedPrecondition.
	bare, _ := newTestServer(t, newTable(t, "other", 1))
	_, err = bare.Checkpoint(context.Background(), &wire.CheckpointRequest{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestClose_CancelsBlockedStreams(t *testing.T) {
	s, _ := newTestServer(t, newTable(t, "replay", 10))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SampleStream(&fakeSampleStream{req: &wire.SampleRequest{
			Table: "replay", NumSamples: 1, TimeoutMillis: -1,
		}})
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(time.Second):
		t.Fatal("blocked sample stream not cancelled by close")
	}
}
