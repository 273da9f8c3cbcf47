package table

import (
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/xerrors"
)

// CheckpointCell is the serializable form of one trajectory cell.
type CheckpointCell struct {
	ChunkKey uint64
	Offset   int
}

// CheckpointColumn is the serializable form of one trajectory column.
type CheckpointColumn struct {
	Cells   []CheckpointCell
	Squeeze bool
}

// CheckpointItem is the serializable form of one stored item.
type CheckpointItem struct {
	Key          uint64
	Priority     float64
	TimesSampled int32
	Columns      []CheckpointColumn
}

// State snapshots everything the checkpointer needs: the items in
// serializable form, every chunk they reference, and the limiter counters.
func (t *Table) State() ([]CheckpointItem, map[uint64]*chunkstore.Chunk, ratelimiter.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := make([]CheckpointItem, 0, len(t.items))
	chunks := make(map[uint64]*chunkstore.Chunk)
	for _, item := range t.items {
		ci := CheckpointItem{
			Key:          item.Key,
			Priority:     item.Priority,
			TimesSampled: item.TimesSampled,
			Columns:      make([]CheckpointColumn, len(item.Trajectory)),
		}
		for c, col := range item.Trajectory {
			cc := CheckpointColumn{Squeeze: col.Squeeze, Cells: make([]CheckpointCell, len(col.Cells))}
			for j, cell := range col.Cells {
				cc.Cells[j] = CheckpointCell{ChunkKey: cell.Ref.Key(), Offset: cell.Offset}
				chunks[cell.Ref.Key()] = cell.Ref.Chunk()
			}
			ci.Columns[c] = cc
		}
		items = append(items, ci)
	}
	return items, chunks, t.limiter.Info()
}

// RestoreItem reinstates a checkpointed item, bypassing rate-limiter
// admission. The item must carry live chunk references.
func (t *Table) RestoreItem(item *Item, timesSampled int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return xerrors.Cancelledf("table %q is closed", t.name)
	}
	if int64(len(t.items)) >= t.maxSize {
		return xerrors.ResourceExhaustedf(
			"table %q is full while restoring item %d", t.name, item.Key)
	}
	if err := t.sampler.Insert(item.Key, item.Priority); err != nil {
		return err
	}
	if err := t.remover.Insert(item.Key, item.Priority); err != nil {
		return err
	}
	item.TimesSampled = timesSampled
	t.items[item.Key] = item
	return nil
}

// RestoreLimiter overwrites the limiter counters from a checkpoint.
func (t *Table) RestoreLimiter(info ratelimiter.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter.Restore(info)
}
