package selector

import (
	"container/heap"

	"github.com/cartridge/reverb/internal/xerrors"
)

// Heap samples the key with the lowest (min heap) or highest (max heap)
// priority. Ties are broken by a monotonically increasing update counter so
// that later inserts and updates sort closer to the root.
type Heap struct {
	sign        float64
	nodes       map[Key]*heapNode
	heap        nodeHeap
	updateCount uint64
}

type heapNode struct {
	key          Key
	priority     float64 // sign already applied
	updateNumber uint64
	index        int
}

// NewHeap creates an empty heap selector.
func NewHeap(minHeap bool) *Heap {
	sign := -1.0
	if minHeap {
		sign = 1.0
	}
	return &Heap{sign: sign, nodes: make(map[Key]*heapNode)}
}

func (s *Heap) Insert(key Key, priority float64) error {
	if _, ok := s.nodes[key]; ok {
		return xerrors.InvalidArgumentf("key %d already inserted", key)
	}
	node := &heapNode{key: key, priority: priority * s.sign, updateNumber: s.updateCount}
	s.updateCount++
	s.nodes[key] = node
	heap.Push(&s.heap, node)
	return nil
}

func (s *Heap) Delete(key Key) error {
	node, ok := s.nodes[key]
	if !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	heap.Remove(&s.heap, node.index)
	delete(s.nodes, key)
	return nil
}

func (s *Heap) Update(key Key, priority float64) error {
	node, ok := s.nodes[key]
	if !ok {
		return xerrors.InvalidArgumentf("key %d not found", key)
	}
	node.priority = priority * s.sign
	node.updateNumber = s.updateCount
	s.updateCount++
	heap.Fix(&s.heap, node.index)
	return nil
}

func (s *Heap) Sample() (Sampled, error) {
	if len(s.heap) == 0 {
		return Sampled{}, xerrors.Internalf("sample from empty heap selector")
	}
	return Sampled{Key: s.heap[0].key, Probability: 1.0}, nil
}

func (s *Heap) Clear() {
	s.nodes = make(map[Key]*heapNode)
	s.heap = s.heap[:0]
}

func (s *Heap) Len() int { return len(s.heap) }

func (s *Heap) Options() Options {
	return Options{Kind: KindHeap, MinHeap: s.sign == 1.0, IsDeterministic: true}
}

type nodeHeap []*heapNode

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].updateNumber > h[j].updateNumber
}

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap) Push(x any) {
	node := x.(*heapNode)
	node.index = len(*h)
	*h = append(*h, node)
}

func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return node
}
