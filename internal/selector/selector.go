// Package selector implements the pluggable key-choice strategies a table
// uses for sampling and eviction.
//
// Selectors are not internally synchronized. The owning table holds the mutex
// that serializes all calls, including Sample, whose random generator is not
// safe for concurrent use.
package selector

import "github.com/cartridge/reverb/internal/xerrors"

// Key identifies an item within a table.
type Key = uint64

// Sampled is the result of a Sample call: the chosen key and the probability
// with which it was chosen.
type Sampled struct {
	Key         Key
	Probability float64
}

// ItemSelector is an ordered or weighted key set.
//
// Insert fails InvalidArgument on a duplicate key; Delete and Update fail
// InvalidArgument on an unknown key. Sample requires a non-empty selector.
type ItemSelector interface {
	Insert(key Key, priority float64) error
	Delete(key Key) error
	Update(key Key, priority float64) error
	Sample() (Sampled, error)
	Clear()
	Len() int
	Options() Options
}

// Kind discriminates selector variants for checkpointing.
type Kind string

const (
	KindUniform     Kind = "uniform"
	KindFifo        Kind = "fifo"
	KindLifo        Kind = "lifo"
	KindHeap        Kind = "heap"
	KindPrioritized Kind = "prioritized"
)

// Options is the serializable description of a selector, sufficient to
// reconstruct an empty selector of the same configuration.
type Options struct {
	Kind Kind

	// Prioritized only.
	PriorityExponent float64

	// Heap only.
	MinHeap bool

	// IsDeterministic reports whether Sample is a pure function of the
	// insertion history.
	IsDeterministic bool
}

// FromOptions reconstructs a selector from checkpointed options.
func FromOptions(o Options) (ItemSelector, error) {
	switch o.Kind {
	case KindUniform:
		return NewUniform(), nil
	case KindFifo:
		return NewFifo(), nil
	case KindLifo:
		return NewLifo(), nil
	case KindHeap:
		return NewHeap(o.MinHeap), nil
	case KindPrioritized:
		return NewPrioritized(o.PriorityExponent)
	default:
		return nil, xerrors.InvalidArgumentf("unknown selector kind %q", o.Kind)
	}
}
