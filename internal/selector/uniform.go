package selector

import (
	"math/rand"
	"time"

	"github.com/cartridge/reverb/internal/xerrors"
)

// Uniform samples every stored key with equal probability. All operations are
// O(1): deletion swaps the victim with the last key and pops.
type Uniform struct {
	keys       []Key
	keyToIndex map[Key]int
	rng        *rand.Rand
}

// NewUniform creates an empty uniform selector.
func NewUniform() *Uniform {
	return newUniform(rand.New(rand.NewSource(time.Now().UnixNano())))
}

func newUniform(rng *rand.Rand) *Uniform {
	return &Uniform{keyToIndex: make(map[Key]int), rng: rng}
}

// Insert adds key. The priority is ignored.
func (s *Uniform) Insert(key Key, priority float64) error {
	if _, ok := s.keyToIndex[key]; ok {
		return xerrors.InvalidArgumentf("key %d already inserted", key)
	}
	s.keyToIndex[key] = len(s.keys)
	s.keys = append(s.keys, key)
	return nil
}

func (s *Uniform) Delete(key Key) error {
	index, ok := s.keyToIndex[key]
	if !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	delete(s.keyToIndex, key)

	last := len(s.keys) - 1
	if index != last {
		lastKey := s.keys[last]
		s.keys[index] = lastKey
		s.keyToIndex[lastKey] = index
	}
	s.keys = s.keys[:last]
	return nil
}

// Update is a no-op but still fails on an unknown key.
func (s *Uniform) Update(key Key, priority float64) error {
	if _, ok := s.keyToIndex[key]; !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	return nil
}

func (s *Uniform) Sample() (Sampled, error) {
	if len(s.keys) == 0 {
		return Sampled{}, xerrors.Internalf("sample from empty uniform selector")
	}
	index := s.rng.Intn(len(s.keys))
	return Sampled{Key: s.keys[index], Probability: 1.0 / float64(len(s.keys))}, nil
}

func (s *Uniform) Clear() {
	s.keys = s.keys[:0]
	s.keyToIndex = make(map[Key]int)
}

func (s *Uniform) Len() int { return len(s.keys) }

func (s *Uniform) Options() Options {
	return Options{Kind: KindUniform, IsDeterministic: false}
}
