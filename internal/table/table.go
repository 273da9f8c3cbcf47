// Package table implements the bounded priority store at the heart of the
// replay service.
//
// A table couples a sampler selector, a remover selector and a rate limiter
// under one mutex. Every operation that touches items keeps the three
// structures and the extension hooks consistent while the mutex is held.
package table

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/signature"
	"github.com/cartridge/reverb/internal/xerrors"
)

// Config describes a table.
type Config struct {
	Name    string
	Sampler selector.ItemSelector
	Remover selector.ItemSelector

	// MaxSize bounds the number of stored items; reaching it evicts the
	// remover's choice.
	MaxSize int64

	// MaxTimesSampled deletes an item once it has been sampled this many
	// times. Zero or negative means unlimited.
	MaxTimesSampled int32

	RateLimiter *ratelimiter.RateLimiter

	// Signature optionally constrains item columns; enforced by writers.
	Signature *signature.Signature

	// Extensions run under the table mutex before control returns from each
	// mutating operation, in registration order. They must not call back
	// into the table.
	Extensions []Extension

	// FlexibleBatchSize caps how many items one Sample call may return
	// without re-consulting the rate limiter's wait. Non-positive picks a
	// heuristic from MaxSize.
	FlexibleBatchSize int64

	Logger zerolog.Logger
}

// Extension observes table mutations. Callbacks run with the table mutex
// held; calling back into the table deadlocks.
type Extension interface {
	OnInsert(item *Item)
	OnSample(item *Item, probability float64)
	OnUpdate(item *Item)
	OnDelete(item *Item)
	OnReset()
}

// KeyWithPriority is one priority update for MutateItems.
type KeyWithPriority struct {
	Key      uint64
	Priority float64
}

// Info is a point-in-time snapshot of a table.
type Info struct {
	Name             string
	MaxSize          int64
	MaxTimesSampled  int32
	CurrentSize      int64
	NumUniqueSamples int64
	RateLimiter      ratelimiter.Info
	SamplerOptions   selector.Options
	RemoverOptions   selector.Options
}

// Table is a named bounded store of prioritized items.
type Table struct {
	name              string
	sampler           selector.ItemSelector
	remover           selector.ItemSelector
	limiter           *ratelimiter.RateLimiter
	maxSize           int64
	maxTimesSampled   int32
	sig               *signature.Signature
	extensions        []Extension
	flexibleBatchSize int64
	log               zerolog.Logger

	mu               sync.Mutex
	items            map[uint64]*Item
	closed           bool
	numUniqueSamples int64
}

// New creates a table and attaches its rate limiter.
func New(cfg Config) (*Table, error) {
	if cfg.Name == "" {
		return nil, xerrors.InvalidArgumentf("table name must not be empty")
	}
	if cfg.Sampler == nil || cfg.Remover == nil {
		return nil, xerrors.InvalidArgumentf("table %q needs both a sampler and a remover", cfg.Name)
	}
	if cfg.Sampler == cfg.Remover {
		return nil, xerrors.InvalidArgumentf("table %q must not share one selector as sampler and remover", cfg.Name)
	}
	if cfg.MaxSize <= 0 {
		return nil, xerrors.InvalidArgumentf("table %q max_size must be positive, got %d", cfg.Name, cfg.MaxSize)
	}
	if cfg.RateLimiter == nil {
		return nil, xerrors.InvalidArgumentf("table %q needs a rate limiter", cfg.Name)
	}
	flex := cfg.FlexibleBatchSize
	if flex <= 0 {
		flex = cfg.MaxSize / 1000
		if flex < 1 {
			flex = 1
		}
		if flex > 64 {
			flex = 64
		}
	}
	t := &Table{
		name:              cfg.Name,
		sampler:           cfg.Sampler,
		remover:           cfg.Remover,
		limiter:           cfg.RateLimiter,
		maxSize:           cfg.MaxSize,
		maxTimesSampled:   cfg.MaxTimesSampled,
		sig:               cfg.Signature,
		extensions:        cfg.Extensions,
		flexibleBatchSize: flex,
		log:               cfg.Logger.With().Str("table", cfg.Name).Logger(),
		items:             make(map[uint64]*Item),
	}
	t.limiter.Attach(&t.mu)
	return t, nil
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Signature returns the table's optional column contract.
func (t *Table) Signature() *signature.Signature { return t.sig }

// Size returns the current number of items.
func (t *Table) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.items))
}

// InsertOrAssign inserts the item, waiting on the rate limiter for up to
// timeout (negative waits forever). Inserting an existing key is an assign:
// the stored item's trajectory and priority are replaced and its sample count
// resets to zero. On success the table owns the item's chunk references.
func (t *Table) InsertOrAssign(item *Item, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return xerrors.Cancelledf("table %q is closed", t.name)
	}
	if item.Priority < 0 {
		return xerrors.InvalidArgumentf("item %d priority must be non-negative, got %f", item.Key, item.Priority)
	}

	if existing, ok := t.items[item.Key]; ok {
		return t.assignLocked(existing, item)
	}

	if err := t.limiter.AwaitCanInsert(timeout); err != nil {
		return err
	}
	if t.closed {
		return xerrors.Cancelledf("table %q is closed", t.name)
	}

	// Make room first so the size bound holds at every observable point.
	if int64(len(t.items)) >= t.maxSize {
		victim, err := t.remover.Sample()
		if err != nil {
			return err
		}
		if err := t.deleteItemLocked(victim.Key); err != nil {
			return err
		}
	}

	if err := t.sampler.Insert(item.Key, item.Priority); err != nil {
		return err
	}
	if err := t.remover.Insert(item.Key, item.Priority); err != nil {
		return err
	}
	t.items[item.Key] = item
	t.limiter.Insert()
	for _, ext := range t.extensions {
		ext.OnInsert(item)
	}
	return nil
}

// assignLocked replaces an existing item in place.
func (t *Table) assignLocked(existing, incoming *Item) error {
	if err := t.sampler.Update(existing.Key, incoming.Priority); err != nil {
		return err
	}
	if err := t.remover.Update(existing.Key, incoming.Priority); err != nil {
		return err
	}
	existing.ReleaseChunks()
	existing.Trajectory = incoming.Trajectory
	existing.Priority = incoming.Priority
	existing.TimesSampled = 0
	for _, ext := range t.extensions {
		ext.OnUpdate(existing)
	}
	return nil
}

// Sample returns up to batchSize sampled items, waiting on the rate limiter
// for the first one. Items past the first are only taken while the limiter
// admits them without further blocking. Non-positive batchSize uses the
// table's flexible batch size.
func (t *Table) Sample(batchSize int64, timeout time.Duration) ([]*SampledItem, error) {
	if batchSize <= 0 {
		batchSize = t.flexibleBatchSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, xerrors.Cancelledf("table %q is closed", t.name)
	}
	if err := t.limiter.AwaitCanSample(timeout); err != nil {
		return nil, err
	}
	if t.closed {
		return nil, xerrors.Cancelledf("table %q is closed", t.name)
	}

	var out []*SampledItem
	for int64(len(out)) < batchSize {
		if len(out) > 0 && !t.limiter.CanSample(1) {
			break
		}
		chosen, err := t.sampler.Sample()
		if err != nil {
			return out, err
		}
		item, ok := t.items[chosen.Key]
		if !ok {
			return out, xerrors.Internalf(
				"table %q sampler returned key %d which is not stored", t.name, chosen.Key)
		}

		item.TimesSampled++
		if item.TimesSampled == 1 {
			t.numUniqueSamples++
		}
		t.limiter.Sample()

		out = append(out, &SampledItem{
			Table:        t.name,
			Key:          item.Key,
			Priority:     item.Priority,
			TimesSampled: item.TimesSampled,
			Probability:  chosen.Probability,
			TableSize:    int64(len(t.items)),
			Trajectory:   item.cloneTrajectory(),
		})
		for _, ext := range t.extensions {
			ext.OnSample(item, chosen.Probability)
		}

		if t.maxTimesSampled > 0 && item.TimesSampled >= t.maxTimesSampled {
			if err := t.deleteItemLocked(item.Key); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// MutateItems applies priority updates and deletions. Keys that are no
// longer stored are skipped: mutations race with eviction by design.
func (t *Table) MutateItems(updates []KeyWithPriority, deletes []uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return xerrors.Cancelledf("table %q is closed", t.name)
	}

	for _, u := range updates {
		item, ok := t.items[u.Key]
		if !ok {
			continue
		}
		if u.Priority < 0 {
			return xerrors.InvalidArgumentf("item %d priority must be non-negative, got %f", u.Key, u.Priority)
		}
		if err := t.sampler.Update(u.Key, u.Priority); err != nil {
			return err
		}
		if err := t.remover.Update(u.Key, u.Priority); err != nil {
			return err
		}
		item.Priority = u.Priority
		for _, ext := range t.extensions {
			ext.OnUpdate(item)
		}
	}
	for _, key := range deletes {
		if _, ok := t.items[key]; !ok {
			continue
		}
		if err := t.deleteItemLocked(key); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all items, selectors and limiter counters.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, item := range t.items {
		item.ReleaseChunks()
	}
	t.items = make(map[uint64]*Item)
	t.sampler.Clear()
	t.remover.Clear()
	t.limiter.Reset()
	t.numUniqueSamples = 0
	for _, ext := range t.extensions {
		ext.OnReset()
	}
}

// Close marks the table terminal and wakes every rate-limiter waiter, which
// then return Cancelled.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.limiter.Cancel()
	t.log.Info().Int("items", len(t.items)).Msg("table closed")
}

// Info snapshots the table's counters and configuration.
func (t *Table) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		Name:             t.name,
		MaxSize:          t.maxSize,
		MaxTimesSampled:  t.maxTimesSampled,
		CurrentSize:      int64(len(t.items)),
		NumUniqueSamples: t.numUniqueSamples,
		RateLimiter:      t.limiter.Info(),
		SamplerOptions:   t.sampler.Options(),
		RemoverOptions:   t.remover.Options(),
	}
}

func (t *Table) deleteItemLocked(key uint64) error {
	item, ok := t.items[key]
	if !ok {
		return xerrors.Internalf("table %q delete of unknown key %d", t.name, key)
	}
	if err := t.sampler.Delete(key); err != nil {
		return err
	}
	if err := t.remover.Delete(key); err != nil {
		return err
	}
	delete(t.items, key)
	t.limiter.Delete()
	for _, ext := range t.extensions {
		ext.OnDelete(item)
	}
	item.ReleaseChunks()
	return nil
}
