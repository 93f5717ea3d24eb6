package queue

import (
	"sync/atomic"
	"unsafe"
)

// Ring is a bounded single-producer single-consumer FIFO. The writer never
// blocks: Emplace reports false when the ring is full.
type Ring[T any] struct {
	buffer []T
	mask   uint64

	_     [64 - unsafe.Sizeof(uint64(0))]byte
	write atomic.Uint64
	_     [64 - unsafe.Sizeof(uint64(0))]byte
	read  atomic.Uint64
}

// NewRing creates a ring; capacity must be a power of 2
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	return &Ring[T]{
		buffer: make([]T, capacity),
		mask:   uint64(capacity - 1),
	}, nil
}

// Emplace appends v (producer only)
func (r *Ring[T]) Emplace(v T) bool {
	w := r.write.Load()
	if w-r.read.Load() > r.mask {
		return false
	}
	r.buffer[w&r.mask] = v
	r.write.Store(w + 1)
	return true
}

// Front returns the oldest element without removing it, or nil (consumer only)
func (r *Ring[T]) Front() *T {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return nil
	}
	return &r.buffer[rd&r.mask]
}

// Pop removes the element returned by Front (consumer only)
func (r *Ring[T]) Pop() {
	rd := r.read.Load()
	var zero T
	r.buffer[rd&r.mask] = zero
	r.read.Store(rd + 1)
}

// Len returns the number of queued elements
func (r *Ring[T]) Len() int {
	return int(r.write.Load() - r.read.Load())
}

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int {
	return len(r.buffer)
}
