// Package wire defines the replay service's RPC surface: the message types
// exchanged on the streams, the codec that frames them, and the gRPC service
// descriptor shared by server and clients.
package wire

import (
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/tensor"
)

// ChunkData is the serialized form of a chunk.
type ChunkData struct {
	Key          uint64
	EpisodeID    uint64
	Column       int
	Start        int
	NumRows      int
	DType        tensor.DType
	RowShape     []int
	DeltaEncoded bool
	Compressed   bool
	Data         []byte
	Digest       uint64
}

// ChunkToWire converts a chunk into its wire form.
func ChunkToWire(c *chunkstore.Chunk) *ChunkData {
	return &ChunkData{
		Key:          c.Key(),
		EpisodeID:    c.EpisodeID(),
		Column:       c.Column(),
		Start:        c.Start(),
		NumRows:      c.NumRows(),
		DType:        c.DType(),
		RowShape:     c.RowShape(),
		DeltaEncoded: c.DeltaEncoded(),
		Compressed:   c.Compressed(),
		Data:         c.Payload(),
		Digest:       c.Digest(),
	}
}

// ChunkFromWire rebuilds a chunk, verifying its payload digest.
func ChunkFromWire(d *ChunkData) (*chunkstore.Chunk, error) {
	return chunkstore.Restore(d.Key, d.EpisodeID, d.Column, d.Start, d.NumRows,
		d.DType, d.RowShape, d.DeltaEncoded, d.Compressed, d.Data, d.Digest)
}

// FlatCell references one row of a chunk by key.
type FlatCell struct {
	ChunkKey uint64
	Offset   int
}

// FlatColumn is one trajectory column in wire form.
type FlatColumn struct {
	Cells   []FlatCell
	Squeeze bool
}

// FlatTrajectory is an item's trajectory in wire form.
type FlatTrajectory struct {
	Columns []FlatColumn
}

// PrioritizedItem is an item in wire form.
type PrioritizedItem struct {
	Key          uint64
	Table        string
	Priority     float64
	Trajectory   FlatTrajectory
	TimesSampled int32
}

// InsertRequest is one message on the insert stream. Chunks carries only
// chunks not previously sent on this stream; KeepChunkKeys is the client's
// keep-alive window, which the server uses to decide what to retain for
// future items on the stream.
type InsertRequest struct {
	Chunks           []*ChunkData
	Item             *PrioritizedItem
	KeepChunkKeys    []uint64
	SendConfirmation bool
}

// InsertResponse confirms item keys the server has committed.
type InsertResponse struct {
	ConfirmedKeys []uint64
}

// SampleRequest opens a sample stream.
type SampleRequest struct {
	Table             string
	NumSamples        int64
	FlexibleBatchSize int64
	// TimeoutMillis bounds each rate-limiter wait; negative waits forever.
	TimeoutMillis int64
}

// SampleEntry is one sampled item with the chunks needed to materialize it
// that have not been sent earlier on the stream.
type SampleEntry struct {
	Item        PrioritizedItem
	Probability float64
	TableSize   int64
	Chunks      []*ChunkData
}

// SampleResponse batches sampled entries.
type SampleResponse struct {
	Entries []*SampleEntry
}

// ServerInfoRequest asks for table metadata.
type ServerInfoRequest struct{}

// TableInfo describes one table.
type TableInfo struct {
	Name             string
	MaxSize          int64
	MaxTimesSampled  int32
	CurrentSize      int64
	NumUniqueSamples int64
	RateLimiter      ratelimiter.Info
	SamplerOptions   selector.Options
	RemoverOptions   selector.Options
	// Signature holds canonical protobuf bytes, empty when the table has no
	// signature.
	Signature []byte
}

// ServerInfoResponse lists tables and the 128-bit state id that changes
// whenever any table signature changes.
type ServerInfoResponse struct {
	TablesStateID [2]uint64
	Tables        []*TableInfo
}

// MutatePrioritiesRequest applies updates and deletions to one table.
type MutatePrioritiesRequest struct {
	Table   string
	Updates []KeyWithPriority
	Deletes []uint64
}

// KeyWithPriority is one priority update.
type KeyWithPriority struct {
	Key      uint64
	Priority float64
}

// MutatePrioritiesResponse is empty.
type MutatePrioritiesResponse struct{}

// ResetRequest clears one table.
type ResetRequest struct {
	Table string
}

// ResetResponse is empty.
type ResetResponse struct{}

// CheckpointRequest forces a checkpoint of all tables.
type CheckpointRequest struct{}

// CheckpointResponse reports where the checkpoint was written.
type CheckpointResponse struct {
	Path string
}
