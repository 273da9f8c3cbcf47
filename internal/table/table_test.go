package table

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/keys"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/xerrors"
)

func newLimiter(t *testing.T, cfg ratelimiter.Config) *ratelimiter.RateLimiter {
	t.Helper()
	r, err := ratelimiter.New(cfg)
	require.NoError(t, err)
	return r
}

func fifoTable(t *testing.T, maxSize int64) *Table {
	t.Helper()
	tbl, err := New(Config{
		Name:        "queue",
		Sampler:     selector.NewFifo(),
		Remover:     selector.NewFifo(),
		MaxSize:     maxSize,
		RateLimiter: newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)
	return tbl
}

// makeItem builds a one-column item over a fresh chunk holding vals.
func makeItem(t *testing.T, store *chunkstore.Store, key uint64, priority float64, vals ...int64) *Item {
	t.Helper()
	rows := make([]*tensor.Tensor, len(vals))
	for i, v := range vals {
		rows[i] = tensor.ScalarInt64(v)
	}
	stacked, err := tensor.Stack(rows)
	require.NoError(t, err)
	chunk, err := chunkstore.NewChunk(keys.New(), 1, 0, 0, stacked, false)
	require.NoError(t, err)
	ref := store.Insert(chunk)

	cells := make([]Cell, len(vals))
	cells[0] = Cell{Ref: ref, Offset: 0}
	for i := 1; i < len(vals); i++ {
		cells[i] = Cell{Ref: ref.Clone(), Offset: i}
	}
	return &Item{Key: key, Priority: priority, Trajectory: []Column{{Cells: cells}}}
}

func TestNew_Validation(t *testing.T) {
	limiter := newLimiter(t, ratelimiter.MinSize(1))
	_, err := New(Config{Sampler: selector.NewFifo(), Remover: selector.NewFifo(), MaxSize: 1, RateLimiter: limiter})
	assert.Error(t, err, "empty name")

	shared := selector.NewFifo()
	_, err = New(Config{Name: "t", Sampler: shared, Remover: shared, MaxSize: 1, RateLimiter: limiter})
	assert.Error(t, err, "shared selector")

	_, err = New(Config{Name: "t", Sampler: selector.NewFifo(), Remover: selector.NewFifo(), MaxSize: 0, RateLimiter: limiter})
	assert.Error(t, err, "zero max size")
}

func TestTable_FifoQueueEvictsOldest(t *testing.T) {
	store := chunkstore.NewStore()
	tbl := fifoTable(t, 2)

	a := makeItem(t, store, 1, 1, 10)
	b := makeItem(t, store, 2, 1, 20)
	c := makeItem(t, store, 3, 1, 30)

	require.NoError(t, tbl.InsertOrAssign(a, -1))
	require.NoError(t, tbl.InsertOrAssign(b, -1))
	require.NoError(t, tbl.InsertOrAssign(c, -1))

	// C's insert evicted A, the remover's front.
	assert.Equal(t, int64(2), tbl.Size())

	got, err := tbl.Sample(1, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Key)
	assert.Equal(t, 1.0, got[0].Probability)
	got[0].Release()

	// FIFO sampling does not consume; delete B to surface C.
	require.NoError(t, tbl.MutateItems(nil, []uint64{2}))
	got, err = tbl.Sample(1, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Key)
	got[0].Release()

	// A's chunk died with its eviction.
	_, err = store.Get(a.Trajectory[0].Cells[0].Ref.Key())
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.KindOf(err))
}

func TestTable_SizeBoundHolds(t *testing.T) {
	store := chunkstore.NewStore()
	tbl := fifoTable(t, 5)

	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, i, 1, int64(i)), -1))
		assert.LessOrEqual(t, tbl.Size(), int64(5))
	}
}

func TestTable_SelectorCoherence(t *testing.T) {
	store := chunkstore.NewStore()
	sampler := selector.NewUniform()
	remover := selector.NewFifo()
	tbl, err := New(Config{
		Name:        "coherent",
		Sampler:     sampler,
		Remover:     remover,
		MaxSize:     4,
		RateLimiter: newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, i, 1, int64(i)), -1))
		assert.Equal(t, int(tbl.Size()), sampler.Len())
		assert.Equal(t, int(tbl.Size()), remover.Len())
	}
	require.NoError(t, tbl.MutateItems(nil, []uint64{8, 9}))
	assert.Equal(t, int(tbl.Size()), sampler.Len())
	assert.Equal(t, int(tbl.Size()), remover.Len())
}

func TestTable_MaxTimesSampledDeletesItem(t *testing.T) {
	store := chunkstore.NewStore()
	tbl, err := New(Config{
		Name:            "once",
		Sampler:         selector.NewFifo(),
		Remover:         selector.NewFifo(),
		MaxSize:         10,
		MaxTimesSampled: 2,
		RateLimiter:     newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)

	item := makeItem(t, store, 1, 1, 42)
	chunkKey := item.Trajectory[0].Cells[0].Ref.Key()
	require.NoError(t, tbl.InsertOrAssign(item, -1))

	for i := 0; i < 2; i++ {
		got, err := tbl.Sample(1, -1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int32(i+1), got[0].TimesSampled)

		// The sampled snapshot keeps the chunk alive even after the item
		// is deleted from the table.
		ref, err := store.Get(chunkKey)
		require.NoError(t, err)
		ref.Release()
		got[0].Release()
	}
	assert.Equal(t, int64(0), tbl.Size())

	_, err = store.Get(chunkKey)
	assert.Error(t, err, "chunk released once the last sample snapshot is gone")
}

func TestTable_InsertExistingKeyAssigns(t *testing.T) {
	store := chunkstore.NewStore()
	tbl, err := New(Config{
		Name:            "assign",
		Sampler:         selector.NewFifo(),
		Remover:         selector.NewFifo(),
		MaxSize:         10,
		MaxTimesSampled: 3,
		RateLimiter:     newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)

	require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, 1, 1, 7), -1))
	got, err := tbl.Sample(1, -1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), got[0].TimesSampled)
	got[0].Release()

	// Re-inserting the same key replaces the item and resets its count.
	require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, 1, 2, 8), -1))
	assert.Equal(t, int64(1), tbl.Size())

	got, err = tbl.Sample(1, -1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), got[0].TimesSampled)
	assert.Equal(t, 2.0, got[0].Priority)
	got[0].Release()

	info := tbl.Info()
	assert.Equal(t, int64(2), info.RateLimiter.NumSamples)
	assert.Equal(t, int64(1), info.RateLimiter.NumInserts, "assign does not count as insert")
}

func TestTable_FlexibleBatchSampling(t *testing.T) {
	store := chunkstore.NewStore()
	tbl, err := New(Config{
		Name:        "batch",
		Sampler:     selector.NewUniform(),
		Remover:     selector.NewFifo(),
		MaxSize:     100,
		RateLimiter: newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, i, 1, int64(i)), -1))
	}

	got, err := tbl.Sample(5, -1)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	for _, s := range got {
		assert.Equal(t, int64(10), s.TableSize)
		assert.InDelta(t, 0.1, s.Probability, 1e-9)
		s.Release()
	}

	info := tbl.Info()
	assert.Equal(t, int64(5), info.RateLimiter.NumSamples)
}

func TestTable_FlexibleBatchStopsAtLimiter(t *testing.T) {
	store := chunkstore.NewStore()
	// One sample credit per insert: a batch of 10 must stop early.
	tbl, err := New(Config{
		Name:    "coupled",
		Sampler: selector.NewUniform(),
		Remover: selector.NewFifo(),
		MaxSize: 100,
		RateLimiter: newLimiter(t, ratelimiter.Config{
			SamplesPerInsert: 1, MinSizeToSample: 1, MinDiff: 0, MaxDiff: math.Inf(1),
		}),
	})
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, i, 1, int64(i)), -1))
	}

	got, err := tbl.Sample(10, -1)
	require.NoError(t, err)
	assert.Len(t, got, 3, "only the accumulated credit is drained without re-blocking")
	for _, s := range got {
		s.Release()
	}
}

func TestTable_PrioritizedSamplingDistribution(t *testing.T) {
	store := chunkstore.NewStore()
	prioritized, err := selector.NewPrioritized(1.0)
	require.NoError(t, err)
	tbl, err := New(Config{
		Name:        "prioritized",
		Sampler:     prioritized,
		Remover:     selector.NewFifo(),
		MaxSize:     1000,
		RateLimiter: newLimiter(t, ratelimiter.MinSize(1)),
	})
	require.NoError(t, err)

	const n = 1000
	total := 0.0
	for i := 0; i < n; i++ {
		p := float64(i + 1)
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, uint64(i), p, int64(i)), -1))
		total += p
	}

	const draws = 100000
	counts := make([]int, n)
	for drawn := 0; drawn < draws; {
		got, err := tbl.Sample(100, -1)
		require.NoError(t, err)
		for _, s := range got {
			counts[s.Key]++
			assert.InEpsilon(t, s.Priority/total, s.Probability, 1e-4)
			s.Release()
			drawn++
		}
	}

	// Compare empirical mass per block of 100 items against the analytic
	// mass; per-item counts are too small at the low-priority end.
	for b := 0; b < 10; b++ {
		var got, want float64
		for i := b * 100; i < (b+1)*100; i++ {
			got += float64(counts[i])
			want += float64(draws) * float64(i+1) / total
		}
		sigma := math.Sqrt(want)
		assert.InDelta(t, want, got, 5*sigma, "block %d", b)
	}
}

func TestTable_CloseCancelsBlockedSample(t *testing.T) {
	tbl := fifoTable(t, 2)

	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Sample(1, -1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	tbl.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, xerrors.Cancelled, xerrors.KindOf(err))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("blocked sample not cancelled by close")
	}

	// Post-close operations fail immediately.
	store := chunkstore.NewStore()
	err := tbl.InsertOrAssign(makeItem(t, store, 9, 1, 1), -1)
	assert.Equal(t, xerrors.Cancelled, xerrors.KindOf(err))
}

func TestTable_SampleTimeoutCarriesMarker(t *testing.T) {
	tbl := fifoTable(t, 2)

	_, err := tbl.Sample(1, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, xerrors.IsRateLimiterTimeout(err))
}

func TestTable_ResetClearsEverything(t *testing.T) {
	store := chunkstore.NewStore()
	tbl := fifoTable(t, 10)

	var chunkKeys []uint64
	for i := uint64(1); i <= 4; i++ {
		item := makeItem(t, store, i, 1, int64(i))
		chunkKeys = append(chunkKeys, item.Trajectory[0].Cells[0].Ref.Key())
		require.NoError(t, tbl.InsertOrAssign(item, -1))
	}

	tbl.Reset()
	assert.Equal(t, int64(0), tbl.Size())

	info := tbl.Info()
	assert.Equal(t, int64(0), info.RateLimiter.NumInserts)
	assert.Equal(t, int64(0), info.CurrentSize)

	for _, key := range chunkKeys {
		_, err := store.Get(key)
		assert.Error(t, err, "reset releases item chunks")
	}
}

func TestTable_Info(t *testing.T) {
	store := chunkstore.NewStore()
	prioritized, err := selector.NewPrioritized(0.8)
	require.NoError(t, err)
	tbl, err := New(Config{
		Name:            "info",
		Sampler:         prioritized,
		Remover:         selector.NewLifo(),
		MaxSize:         7,
		MaxTimesSampled: 3,
		RateLimiter:     newLimiter(t, ratelimiter.MinSize(2)),
	})
	require.NoError(t, err)

	require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, 1, 1, 5), -1))

	info := tbl.Info()
	assert.Equal(t, "info", info.Name)
	assert.Equal(t, int64(7), info.MaxSize)
	assert.Equal(t, int32(3), info.MaxTimesSampled)
	assert.Equal(t, int64(1), info.CurrentSize)
	assert.Equal(t, selector.KindPrioritized, info.SamplerOptions.Kind)
	assert.Equal(t, 0.8, info.SamplerOptions.PriorityExponent)
	assert.Equal(t, selector.KindLifo, info.RemoverOptions.Kind)
	assert.Equal(t, int64(2), info.RateLimiter.Config.MinSizeToSample)
}

func TestMetricsExtension_TracksOperations(t *testing.T) {
	store := chunkstore.NewStore()
	reg := prometheus.NewRegistry()
	tbl, err := New(Config{
		Name:        "metered",
		Sampler:     selector.NewFifo(),
		Remover:     selector.NewFifo(),
		MaxSize:     2,
		RateLimiter: newLimiter(t, ratelimiter.MinSize(1)),
		Extensions:  []Extension{NewMetricsExtension(reg, "metered")},
	})
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, tbl.InsertOrAssign(makeItem(t, store, i, 1, int64(i)), -1))
	}
	got, err := tbl.Sample(1, -1)
	require.NoError(t, err)
	got[0].Release()

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, f := range families {
		byName[f.GetName()] = f.GetMetric()[0].GetCounter().GetValue() + f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 3.0, byName["reverb_table_inserts_total"])
	assert.Equal(t, 1.0, byName["reverb_table_deletes_total"], "third insert evicted one item")
	assert.Equal(t, 1.0, byName["reverb_table_samples_total"])
	assert.Equal(t, 2.0, byName["reverb_table_size"])
}
