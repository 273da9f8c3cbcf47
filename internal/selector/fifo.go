package selector

import (
	"container/list"

	"github.com/cartridge/reverb/internal/xerrors"
)

// Fifo always samples the oldest stored key. Priorities are ignored and every
// operation is O(1).
type Fifo struct {
	keys     *list.List
	elements map[Key]*list.Element
}

// NewFifo creates an empty FIFO selector.
func NewFifo() *Fifo {
	return &Fifo{keys: list.New(), elements: make(map[Key]*list.Element)}
}

// Insert appends key to the back of the queue. The priority is ignored.
func (s *Fifo) Insert(key Key, priority float64) error {
	if _, ok := s.elements[key]; ok {
		return xerrors.InvalidArgumentf("key %d already inserted", key)
	}
	s.elements[key] = s.keys.PushBack(key)
	return nil
}

func (s *Fifo) Delete(key Key) error {
	e, ok := s.elements[key]
	if !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	s.keys.Remove(e)
	delete(s.elements, key)
	return nil
}

// Update is a no-op but still fails on an unknown key.
func (s *Fifo) Update(key Key, priority float64) error {
	if _, ok := s.elements[key]; !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	return nil
}

func (s *Fifo) Sample() (Sampled, error) {
	front := s.keys.Front()
	if front == nil {
		return Sampled{}, xerrors.Internalf("sample from empty fifo selector")
	}
	return Sampled{Key: front.Value.(Key), Probability: 1.0}, nil
}

func (s *Fifo) Clear() {
	s.keys.Init()
	s.elements = make(map[Key]*list.Element)
}

func (s *Fifo) Len() int { return s.keys.Len() }

func (s *Fifo) Options() Options {
	return Options{Kind: KindFifo, IsDeterministic: true}
}
