package selector

import (
	"container/list"

	"github.com/cartridge/reverb/internal/xerrors"
)

// Lifo always samples the most recently inserted key.
type Lifo struct {
	keys     *list.List
	elements map[Key]*list.Element
}

// NewLifo creates an empty LIFO selector.
func NewLifo() *Lifo {
	return &Lifo{keys: list.New(), elements: make(map[Key]*list.Element)}
}

// Insert pushes key to the front of the stack. The priority is ignored.
func (s *Lifo) Insert(key Key, priority float64) error {
	if _, ok := s.elements[key]; ok {
		return xerrors.InvalidArgumentf("key %d already inserted", key)
	}
	s.elements[key] = s.keys.PushFront(key)
	return nil
}

func (s *Lifo) Delete(key Key) error {
	e, ok := s.elements[key]
	if !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	s.keys.Remove(e)
	delete(s.elements, key)
	return nil
}

// Update is a no-op but still fails on an unknown key.
func (s *Lifo) Update(key Key, priority float64) error {
	if _, ok := s.elements[key]; !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	return nil
}

func (s *Lifo) Sample() (Sampled, error) {
	front := s.keys.Front()
	if front == nil {
		return Sampled{}, xerrors.Internalf("sample from empty lifo selector")
	}
	return Sampled{Key: front.Value.(Key), Probability: 1.0}, nil
}

func (s *Lifo) Clear() {
	s.keys.Init()
	s.elements = make(map[Key]*list.Element)
}

func (s *Lifo) Len() int { return s.keys.Len() }

func (s *Lifo) Options() Options {
	return Options{Kind: KindLifo, IsDeterministic: true}
}
