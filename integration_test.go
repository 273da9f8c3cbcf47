package reverb

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cartridge/reverb/internal/chunker"
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/sampler"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/server"
	"github.com/cartridge/reverb/internal/table"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/writer"
	"github.com/cartridge/reverb/internal/xerrors"
)

// startServer brings up a full gRPC server over an in-memory listener and
// returns a connected client.
func startServer(t *testing.T, tables ...*table.Table) *wire.ReplayClient {
	t.Helper()

	svc, err := server.New(server.Options{
		Tables: tables,
		Store:  chunkstore.NewStore(),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(wire.ServerCodec())
	wire.RegisterReplayServer(grpcServer, svc)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(func() {
		svc.Close()
		grpcServer.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(wire.CallOption()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return wire.NewReplayClient(conn)
}

func newTable(t *testing.T, name string, sel selector.ItemSelector, cfg ratelimiter.Config) *table.Table {
	t.Helper()
	limiter, err := ratelimiter.New(cfg)
	require.NoError(t, err)
	tbl, err := table.New(table.Config{
		Name:        name,
		Sampler:     sel,
		Remover:     selector.NewFifo(),
		MaxSize:     1000,
		RateLimiter: limiter,
	})
	require.NoError(t, err)
	return tbl
}

// TestRoundTrip writes trajectories through the full stack and reads them
// back, expecting identical tensors.
func TestRoundTrip(t *testing.T) {
	client := startServer(t, newTable(t, "replay", selector.NewUniform(), ratelimiter.MinSize(1)))
	ctx := context.Background()

	w, err := writer.New(
		func(ctx context.Context) (wire.InsertStreamClient, error) { return client.InsertStream(ctx) },
		writer.Options{
			Chunker: chunker.Options{MaxChunkLength: 3, NumKeepAliveRefs: 16, DeltaEncode: true},
			Logger:  zerolog.Nop(),
		})
	require.NoError(t, err)
	defer w.Close()

	// Two columns: an int64 observation pair and a float64 reward.
	const steps = 6
	var obsRefs, rewardRefs []*chunker.CellRef
	var obsRows []*tensor.Tensor
	for i := 0; i < steps; i++ {
		obs := tensor.FromInt64(int64(i), int64(i*i))
		obsRows = append(obsRows, obs)
		refs, err := w.Append([]*tensor.Tensor{obs, tensor.ScalarFloat64(float64(i) / 2)})
		require.NoError(t, err)
		obsRefs = append(obsRefs, refs[0])
		rewardRefs = append(rewardRefs, refs[1])
	}

	itemKey, err := w.CreateItem("replay", 1.0,
		[][]*chunker.CellRef{obsRefs, rewardRefs}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Flush(0, 5*time.Second))

	s, err := sampler.New(
		func(ctx context.Context) (wire.SampleStreamClient, error) { return client.SampleStream(ctx) },
		sampler.Options{Table: "replay", MaxSamples: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetNextTrajectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, itemKey, got.Key)
	assert.Equal(t, int64(1), got.TableSize)
	require.Len(t, got.Columns, 2)

	wantObs, err := tensor.Stack(obsRows)
	require.NoError(t, err)
	assert.True(t, wantObs.Equal(got.Columns[0].Values),
		"observations must round-trip bit-exactly through delta encode and compression")

	rewards, err := got.Columns[1].Values.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1, 1.5, 2, 2.5}, rewards)
}

// TestFifoQueueSemantics is the classic bounded-queue wiring: FIFO sampler
// and remover with capacity two.
func TestFifoQueueSemantics(t *testing.T) {
	tbl := newTableWithSize(t, "queue", 2)
	client := startServer(t, tbl)

	w, err := writer.New(
		func(ctx context.Context) (wire.InsertStreamClient, error) { return client.InsertStream(ctx) },
		writer.Options{
			Chunker: chunker.Options{MaxChunkLength: 1, NumKeepAliveRefs: 8},
			Logger:  zerolog.Nop(),
		})
	require.NoError(t, err)
	defer w.Close()

	var itemKeys []uint64
	for i := 0; i < 3; i++ {
		refs, err := w.Append([]*tensor.Tensor{tensor.ScalarInt64(int64(10 + i))})
		require.NoError(t, err)
		key, err := w.CreateItem("queue", 1.0, [][]*chunker.CellRef{{refs[0]}}, nil)
		require.NoError(t, err)
		itemKeys = append(itemKeys, key)
	}
	require.NoError(t, w.Flush(0, 5*time.Second))

	// Item three evicted item one; the queue serves two then three.
	assert.Equal(t, int64(2), tbl.Size())

	s, err := sampler.New(
		func(ctx context.Context) (wire.SampleStreamClient, error) { return client.SampleStream(ctx) },
		sampler.Options{Table: "queue", MaxSamples: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first, err := s.GetNextTrajectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, itemKeys[1], first.Key)

	second, err := s.GetNextTrajectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, itemKeys[2], second.Key)
}

func newTableWithSize(t *testing.T, name string, maxSize int64) *table.Table {
	t.Helper()
	// An unbounded window: eviction rather than insert blocking handles
	// overflow, which is what the capacity-bounded FIFO wiring wants.
	limiter, err := ratelimiter.New(ratelimiter.MinSize(1))
	require.NoError(t, err)
	tbl, err := table.New(table.Config{
		Name:            name,
		Sampler:         selector.NewFifo(),
		Remover:         selector.NewFifo(),
		MaxSize:         maxSize,
		MaxTimesSampled: 1,
		RateLimiter:     limiter,
	})
	require.NoError(t, err)
	return tbl
}

func TestServerInfoOverWire(t *testing.T) {
	prioritized, err := selector.NewPrioritized(0.8)
	require.NoError(t, err)
	client := startServer(t, newTable(t, "train", prioritized, ratelimiter.MinSize(1)))

	resp, err := client.ServerInfo(context.Background(), &wire.ServerInfoRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "train", resp.Tables[0].Name)
	assert.Equal(t, selector.KindPrioritized, resp.Tables[0].SamplerOptions.Kind)
	assert.Equal(t, 0.8, resp.Tables[0].SamplerOptions.PriorityExponent)

	again, err := client.ServerInfo(context.Background(), &wire.ServerInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, resp.TablesStateID, again.TablesStateID)
	assert.NotEqual(t, [2]uint64{}, resp.TablesStateID)
}

func TestRateLimiterTimeoutOverWire(t *testing.T) {
	client := startServer(t, newTable(t, "replay", selector.NewUniform(), ratelimiter.MinSize(1)))

	s, err := sampler.New(
		func(ctx context.Context) (wire.SampleStreamClient, error) { return client.SampleStream(ctx) },
		sampler.Options{
			Table:              "replay",
			MaxSamples:         1,
			RateLimiterTimeout: 50 * time.Millisecond,
			Logger:             zerolog.Nop(),
		})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetNextTrajectory(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.IsRateLimiterTimeout(err),
		"rate limiter timeout must survive the wire intact: %v", err)
}

func TestMutatePrioritiesOverWire(t *testing.T) {
	prioritized, err := selector.NewPrioritized(1.0)
	require.NoError(t, err)
	tbl := newTable(t, "train", prioritized, ratelimiter.MinSize(1))
	client := startServer(t, tbl)

	w, err := writer.New(
		func(ctx context.Context) (wire.InsertStreamClient, error) { return client.InsertStream(ctx) },
		writer.Options{
			Chunker: chunker.Options{MaxChunkLength: 1, NumKeepAliveRefs: 4},
			Logger:  zerolog.Nop(),
		})
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append([]*tensor.Tensor{tensor.ScalarInt64(1)})
	require.NoError(t, err)
	key, err := w.CreateItem("train", 1.0, [][]*chunker.CellRef{{refs[0]}}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Flush(0, 5*time.Second))

	_, err = client.MutatePriorities(context.Background(), &wire.MutatePrioritiesRequest{
		Table:   "train",
		Updates: []wire.KeyWithPriority{{Key: key, Priority: 5}},
	})
	require.NoError(t, err)

	_, err = client.MutatePriorities(context.Background(), &wire.MutatePrioritiesRequest{
		Table:   "train",
		Deletes: []uint64{key},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), tbl.Size())

	_, err = client.Reset(context.Background(), &wire.ResetRequest{Table: "train"})
	require.NoError(t, err)
}
