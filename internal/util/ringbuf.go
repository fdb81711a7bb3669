package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push evicts
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, evicting the oldest if full. It returns the
// evicted element and true when an eviction happened.
func (r *RingBuffer[T]) Push(item T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		evicted, ok = r.buf[r.head], true
		r.buf[idx] = item
		r.head = (r.head + 1) % len(r.buf)
		return evicted, ok
	}
	r.buf[idx] = item
	r.count++
	return evicted, false
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

// DropWhile removes elements from the oldest end while drop returns true,
// stopping at the first element it keeps. Used for age-based expiry where
// elements are pushed in time order.
func (r *RingBuffer[T]) DropWhile(drop func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for r.count > 0 && drop(r.buf[r.head]) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n++
	}
	return n
}
