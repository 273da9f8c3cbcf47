package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/signature"
	"github.com/cartridge/reverb/internal/table"
	"github.com/cartridge/reverb/internal/tensor"
	"github.com/cartridge/reverb/internal/xerrors"
)

const (
	tablesFile   = "tables.rec"
	chunksFile   = "chunks.rec"
	doneSentinel = "DONE"
)

// tableRecord is the serialized form of one table: enough to rebuild its
// configuration and contents.
type tableRecord struct {
	Name            string
	MaxSize         int64
	MaxTimesSampled int32
	SamplerOptions  selector.Options
	RemoverOptions  selector.Options
	Limiter         ratelimiter.Info
	Signature       []byte
	Items           []table.CheckpointItem
}

// chunkRecord is the serialized form of one chunk.
type chunkRecord struct {
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

// Checkpointer saves and restores the state of a set of tables under a root
// directory. Saving is best effort: an interrupted save leaves a directory
// without the DONE sentinel, which loads skip.
type Checkpointer struct {
	root     string
	fallback string
	log      zerolog.Logger
}

// New creates a checkpointer. fallback optionally names a complete
// checkpoint directory used to seed an empty root.
func New(root, fallback string, log zerolog.Logger) *Checkpointer {
	return &Checkpointer{root: root, fallback: fallback, log: log}
}

// Save writes a new checkpoint of the tables and returns its directory.
func (c *Checkpointer) Save(tables []*table.Table) (string, error) {
	dir := filepath.Join(c.root, fmt.Sprintf("%020d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	chunks := make(map[uint64]*chunkstore.Chunk)
	records := make([]tableRecord, 0, len(tables))
	for _, t := range tables {
		items, tableChunks, limiter := t.State()
		for key, chunk := range tableChunks {
			chunks[key] = chunk
		}
		info := t.Info()
		rec := tableRecord{
			Name:            info.Name,
			MaxSize:         info.MaxSize,
			MaxTimesSampled: info.MaxTimesSampled,
			SamplerOptions:  info.SamplerOptions,
			RemoverOptions:  info.RemoverOptions,
			Limiter:         limiter,
			Items:           items,
		}
		if sig := t.Signature(); sig != nil {
			data, err := sig.Marshal()
			if err != nil {
				return "", err
			}
			rec.Signature = data
		}
		records = append(records, rec)
	}

	if err := c.writeChunks(filepath.Join(dir, chunksFile), chunks); err != nil {
		return "", err
	}
	if err := c.writeTables(filepath.Join(dir, tablesFile), records); err != nil {
		return "", err
	}

	done, err := os.Create(filepath.Join(dir, doneSentinel))
	if err != nil {
		return "", err
	}
	if err := done.Close(); err != nil {
		return "", err
	}

	c.log.Info().Str("dir", dir).Int("tables", len(records)).Int("chunks", len(chunks)).
		Msg("checkpoint written")
	return dir, nil
}

// LoadLatest restores the most recent complete checkpoint into store and
// returns the reconstructed tables. With no complete checkpoint under the
// root it falls back to the seed checkpoint if configured, and otherwise
// fails NotFound.
func (c *Checkpointer) LoadLatest(store *chunkstore.Store) ([]*table.Table, error) {
	dir, err := c.latestDir()
	if err != nil {
		if xerrors.KindOf(err) == xerrors.NotFound && c.fallback != "" {
			c.log.Info().Str("dir", c.fallback).Msg("seeding from fallback checkpoint")
			return c.load(c.fallback, store)
		}
		return nil, err
	}
	return c.load(dir, store)
}

func (c *Checkpointer) latestDir() (string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.NotFoundf("checkpoint root %q does not exist", c.root)
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.root, e.Name(), doneSentinel)); err == nil {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", xerrors.NotFoundf("no complete checkpoint under %q", c.root)
	}
	sort.Strings(names)
	return filepath.Join(c.root, names[len(names)-1]), nil
}

func (c *Checkpointer) load(dir string, store *chunkstore.Store) ([]*table.Table, error) {
	refs, err := c.loadChunks(filepath.Join(dir, chunksFile), store)
	if err != nil {
		return nil, err
	}
	// The base refs only bridge the gap until items hold their own.
	defer func() {
		for _, ref := range refs {
			ref.Release()
		}
	}()

	records, err := c.loadTables(filepath.Join(dir, tablesFile))
	if err != nil {
		return nil, err
	}

	tables := make([]*table.Table, 0, len(records))
	for _, rec := range records {
		t, err := c.rebuildTable(rec, refs)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	c.log.Info().Str("dir", dir).Int("tables", len(tables)).Msg("checkpoint restored")
	return tables, nil
}

func (c *Checkpointer) rebuildTable(rec tableRecord, refs map[uint64]*chunkstore.Ref) (*table.Table, error) {
	sampler, err := selector.FromOptions(rec.SamplerOptions)
	if err != nil {
		return nil, err
	}
	remover, err := selector.FromOptions(rec.RemoverOptions)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimiter.New(rec.Limiter.Config)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Unmarshal(rec.Signature)
	if err != nil {
		return nil, err
	}
	t, err := table.New(table.Config{
		Name:            rec.Name,
		Sampler:         sampler,
		Remover:         remover,
		MaxSize:         rec.MaxSize,
		MaxTimesSampled: rec.MaxTimesSampled,
		RateLimiter:     limiter,
		Signature:       sig,
		Logger:          c.log,
	})
	if err != nil {
		return nil, err
	}

	for _, ci := range rec.Items {
		item := &table.Item{
			Key:        ci.Key,
			Priority:   ci.Priority,
			Trajectory: make([]table.Column, len(ci.Columns)),
		}
		for col, cc := range ci.Columns {
			cells := make([]table.Cell, len(cc.Cells))
			for j, cell := range cc.Cells {
				base, ok := refs[cell.ChunkKey]
				if !ok {
					return nil, xerrors.Internalf(
						"checkpointed item %d references missing chunk %d", ci.Key, cell.ChunkKey)
				}
				cells[j] = table.Cell{Ref: base.Clone(), Offset: cell.Offset}
			}
			item.Trajectory[col] = table.Column{Cells: cells, Squeeze: cc.Squeeze}
		}
		if err := t.RestoreItem(item, ci.TimesSampled); err != nil {
			return nil, err
		}
	}
	t.RestoreLimiter(rec.Limiter)
	return t, nil
}

func (c *Checkpointer) writeChunks(path string, chunks map[uint64]*chunkstore.Chunk) error {
	w, err := newRecordWriter(path)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		rec := chunkRecord{
			Key:          chunk.Key(),
			EpisodeID:    chunk.EpisodeID(),
			Column:       chunk.Column(),
			Start:        chunk.Start(),
			NumRows:      chunk.NumRows(),
			DType:        chunk.DType(),
			RowShape:     chunk.RowShape(),
			DeltaEncoded: chunk.DeltaEncoded(),
			Compressed:   chunk.Compressed(),
			Data:         chunk.Payload(),
			Digest:       chunk.Digest(),
		}
		payload, err := gobEncode(rec)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.Write(payload); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (c *Checkpointer) writeTables(path string, records []tableRecord) error {
	w, err := newRecordWriter(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		payload, err := gobEncode(rec)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.Write(payload); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (c *Checkpointer) loadChunks(path string, store *chunkstore.Store) (map[uint64]*chunkstore.Ref, error) {
	r, err := newRecordReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	refs := make(map[uint64]*chunkstore.Ref)
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return refs, nil
		}
		if err != nil {
			releaseAll(refs)
			return nil, err
		}
		var rec chunkRecord
		if err := gobDecode(payload, &rec); err != nil {
			releaseAll(refs)
			return nil, err
		}
		chunk, err := chunkstore.Restore(rec.Key, rec.EpisodeID, rec.Column, rec.Start,
			rec.NumRows, rec.DType, rec.RowShape, rec.DeltaEncoded, rec.Compressed, rec.Data, rec.Digest)
		if err != nil {
			releaseAll(refs)
			return nil, err
		}
		refs[rec.Key] = store.Insert(chunk)
	}
}

func (c *Checkpointer) loadTables(path string) ([]tableRecord, error) {
	r, err := newRecordReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var records []tableRecord
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		var rec tableRecord
		if err := gobDecode(payload, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

func releaseAll(refs map[uint64]*chunkstore.Ref) {
	for _, ref := range refs {
		ref.Release()
	}
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
