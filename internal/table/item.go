package table

import (
	"github.com/cartridge/reverb/internal/chunkstore"
)

// Cell is one trajectory position: a strong chunk reference plus the row
// offset inside it.
type Cell struct {
	Ref    *chunkstore.Ref
	Offset int
}

// Column is an ordered run of cells. When Squeeze is set and the column has
// exactly one cell, readers collapse the step axis.
type Column struct {
	Cells   []Cell
	Squeeze bool
}

// Item is a prioritized reference to a trajectory. The item owns its chunk
// references for as long as it lives in a table.
type Item struct {
	Key          uint64
	Priority     float64
	TimesSampled int32
	Trajectory   []Column
}

// NumSteps returns the length of the longest column.
func (i *Item) NumSteps() int {
	steps := 0
	for _, col := range i.Trajectory {
		if len(col.Cells) > steps {
			steps = len(col.Cells)
		}
	}
	return steps
}

// ReleaseChunks drops every chunk reference the item owns.
func (i *Item) ReleaseChunks() {
	for _, col := range i.Trajectory {
		for _, cell := range col.Cells {
			cell.Ref.Release()
		}
	}
}

// cloneTrajectory acquires an additional reference for every cell, so the
// clone's chunks stay live independently of the item's fate in the table.
func (i *Item) cloneTrajectory() []Column {
	out := make([]Column, len(i.Trajectory))
	for c, col := range i.Trajectory {
		cells := make([]Cell, len(col.Cells))
		for j, cell := range col.Cells {
			cells[j] = Cell{Ref: cell.Ref.Clone(), Offset: cell.Offset}
		}
		out[c] = Column{Cells: cells, Squeeze: col.Squeeze}
	}
	return out
}

// SampledItem captures one sampling result: a snapshot of the item plus the
// probability with which it was chosen and the table size at that moment.
// The snapshot holds its own chunk references; callers must Release it.
type SampledItem struct {
	Table        string
	Key          uint64
	Priority     float64
	TimesSampled int32
	Probability  float64
	TableSize    int64
	Trajectory   []Column
}

// Release drops the snapshot's chunk references.
func (s *SampledItem) Release() {
	for _, col := range s.Trajectory {
		for _, cell := range col.Cells {
			cell.Ref.Release()
		}
	}
}
