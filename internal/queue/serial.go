package queue

import (
	"sync"
	"sync/atomic"
)

// Serial is the totally ordered path: every producer takes the same mutex,
// so records appear to the consumer in exactly the order they were written.
// The consumer swaps the filled buffer for a spare one and walks it without
// holding the lock.
type Serial struct {
	mu   sync.Mutex
	fill []Item

	// spare is consumer only
	spare []Item

	maxItems int
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// NewSerial creates a serial queue. maxItems caps the undrained backlog;
// zero disables the cap.
func NewSerial(maxItems int) *Serial {
	return &Serial{
		fill:     make([]Item, 0, 1024),
		spare:    make([]Item, 0, 1024),
		maxItems: maxItems,
	}
}

// Acquire locks the queue and returns a fresh slot, or nil (with the lock
// not held) when the backlog is at its cap. Every non-nil Acquire must be
// paired with Release.
func (s *Serial) Acquire() *Item {
	s.mu.Lock()
	if s.maxItems > 0 && len(s.fill) >= s.maxItems {
		s.mu.Unlock()
		s.dropped.Add(1)
		return nil
	}
	return s.Next()
}

// AcquireForce is Acquire without the cap, for records that close an
// interval that was already admitted
func (s *Serial) AcquireForce() *Item {
	s.mu.Lock()
	return s.Next()
}

// Next appends another slot within the current Acquire/Release window.
// Pointers returned earlier in the window are invalid after Next.
func (s *Serial) Next() *Item {
	s.fill = append(s.fill, Item{})
	s.enqueued.Add(1)
	return &s.fill[len(s.fill)-1]
}

// Release unlocks the queue, publishing everything written since Acquire
func (s *Serial) Release() {
	s.mu.Unlock()
}

// Drain swaps buffers and hands every item to fn (which may be nil) in
// order. Must only be called from the consumer.
func (s *Serial) Drain(fn func(it *Item)) int {
	s.mu.Lock()
	batch := s.fill
	s.fill = s.spare[:0]
	s.mu.Unlock()

	for i := range batch {
		if fn != nil {
			fn(&batch[i])
		}
		batch[i].release()
	}
	s.spare = batch[:0]
	s.dequeued.Add(uint64(len(batch)))
	return len(batch)
}

// Len returns the current backlog
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fill)
}

// Stats returns the queue counters
func (s *Serial) Stats() Stats {
	return Stats{
		Queued:   int64(s.Len()),
		Enqueued: s.enqueued.Load(),
		Dequeued: s.dequeued.Load(),
		Dropped:  s.dropped.Load(),
	}
}
