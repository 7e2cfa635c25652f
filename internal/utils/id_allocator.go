package utils

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrIDSpaceExhausted is returned when every id in the range is taken
var ErrIDSpaceExhausted = errors.New("id space exhausted")

// IDAllocator hands out ids in [min, max] keyed by owner identity.
// Fresh ids come from a monotonic counter; released ids go to a min-heap
// free list and are reused lowest first.
type IDAllocator struct {
	mu    sync.Mutex
	min   uint32
	max   uint32
	next  uint32
	free  *idHeap
	byKey map[string]uint32
}

func NewIDAllocator(min, max uint32) *IDAllocator {
	if min == 0 {
		min = 1
	}
	free := &idHeap{}
	heap.Init(free)
	return &IDAllocator{
		min:   min,
		max:   max,
		next:  min,
		free:  free,
		byKey: make(map[string]uint32),
	}
}

// Acquire returns the id owned by key, allocating one on first use
func (a *IDAllocator) Acquire(key string) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byKey[key]; ok {
		return id, nil
	}

	var id uint32
	switch {
	case a.free.Len() > 0:
		id = heap.Pop(a.free).(uint32)
	case a.next <= a.max && a.next >= a.min:
		id = a.next
		a.next++
	default:
		return 0, ErrIDSpaceExhausted
	}

	a.byKey[key] = id
	return id, nil
}

// Lookup returns the id owned by key without allocating
func (a *IDAllocator) Lookup(key string) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byKey[key]
	return id, ok
}

// Release returns the key's id to the free list
func (a *IDAllocator) Release(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.byKey[key]
	if !ok {
		return false
	}
	delete(a.byKey, key)
	heap.Push(a.free, id)
	return true
}

// InUse returns the number of allocated ids
func (a *IDAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byKey)
}

type idHeap []uint32

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x interface{}) {
	*h = append(*h, x.(uint32))
}

func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
