package queue

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	segmentSize = 512
	// freeSegments bounds how many drained segments are kept for reuse
	freeSegments = 64
)

type segment struct {
	items [segmentSize]Item
	// committed is the number of published slots; written by the producer
	committed atomic.Uint32
	next      atomic.Pointer[segment]
	// head is the next slot to consume; consumer only
	head uint32
}

// Queue is the fast path: many producers, one consumer. Each producer owns
// a FIFO of segments so the only cross-goroutine traffic on enqueue is one
// atomic store. There is no ordering between producers.
type Queue struct {
	// producers is replaced wholesale on registration
	producers atomic.Pointer[[]*Producer]
	regMu     sync.Mutex

	free     chan *segment
	maxItems int64

	// cursor is the round robin position; consumer only
	cursor int

	_        [64 - unsafe.Sizeof(uint64(0))]byte
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a fast path queue. maxProducerItems caps how many undrained
// records a single producer may hold; zero disables the cap.
func New(maxProducerItems int) *Queue {
	q := &Queue{
		free:     make(chan *segment, freeSegments),
		maxItems: int64(maxProducerItems),
	}
	q.producers.Store(&[]*Producer{})
	return q
}

// Producer is a single writer handle. Prepare/Commit must only be called
// from one goroutine at a time.
type Producer struct {
	q      *Queue
	thread uint32

	// producer side
	tail  *segment
	ptail uint32

	_ [64 - unsafe.Sizeof(uint64(0))]byte
	// consumer side
	head *segment

	size    atomic.Int64
	retired atomic.Bool
}

// NewProducer registers a producer whose records belong to thread
func (q *Queue) NewProducer(thread uint32) *Producer {
	s := q.getSegment()
	p := &Producer{q: q, thread: thread, tail: s, head: s}

	q.regMu.Lock()
	old := *q.producers.Load()
	next := make([]*Producer, len(old), len(old)+1)
	copy(next, old)
	next = append(next, p)
	q.producers.Store(&next)
	q.regMu.Unlock()
	return p
}

// Thread returns the thread id records from this producer belong to
func (p *Producer) Thread() uint32 { return p.thread }

// Prepare returns the next slot to fill, or nil when the producer is at its
// cap. The slot is invisible to the consumer until Commit.
func (p *Producer) Prepare() *Item {
	if p.q.maxItems > 0 && p.size.Load() >= p.q.maxItems {
		p.q.dropped.Add(1)
		return nil
	}
	return p.PrepareForce()
}

// PrepareForce is Prepare without the cap. Used for records that close
// something already admitted, such as a zone end.
func (p *Producer) PrepareForce() *Item {
	if p.ptail == segmentSize {
		s := p.q.getSegment()
		p.tail.next.Store(s)
		p.tail = s
		p.ptail = 0
	}
	it := &p.tail.items[p.ptail]
	*it = Item{}
	return it
}

// Commit publishes the slot returned by the last Prepare
func (p *Producer) Commit() {
	p.ptail++
	p.size.Add(1)
	p.q.enqueued.Add(1)
	p.tail.committed.Store(p.ptail)
}

// Retire marks the producer as finished. The consumer unregisters it once
// everything it committed has been drained.
func (p *Producer) Retire() {
	p.retired.Store(true)
}

// Len returns the number of committed, undrained records
func (p *Producer) Len() int {
	return int(p.size.Load())
}

// drain hands up to max committed items to fn in FIFO order
func (p *Producer) drain(max int, fn func(thread uint32, it *Item)) int {
	n := 0
	for n < max {
		s := p.head
		committed := s.committed.Load()
		for s.head < committed && n < max {
			it := &s.items[s.head]
			if fn != nil {
				fn(p.thread, it)
			}
			it.release()
			s.head++
			n++
		}
		if s.head < segmentSize {
			break
		}
		next := s.next.Load()
		if next == nil {
			break
		}
		p.head = next
		p.q.putSegment(s)
	}
	if n > 0 {
		p.size.Add(-int64(n))
		p.q.dequeued.Add(uint64(n))
	}
	return n
}

// DequeueBulkSingle drains up to max items from a single producer, visiting
// producers round robin across calls. fn receives the producer's thread id
// with every item. Returns the number of items drained.
func (q *Queue) DequeueBulkSingle(max int, fn func(thread uint32, it *Item)) int {
	producers := *q.producers.Load()
	if len(producers) == 0 {
		return 0
	}
	if q.cursor >= len(producers) {
		q.cursor = 0
	}
	for i := 0; i < len(producers); i++ {
		idx := (q.cursor + i) % len(producers)
		p := producers[idx]
		if n := p.drain(max, fn); n > 0 {
			q.cursor = idx + 1
			return n
		}
		if p.retired.Load() && p.size.Load() == 0 {
			q.unregister(p)
		}
	}
	return 0
}

// Clear drains every producer, passing each item to fn (which may be nil)
func (q *Queue) Clear(fn func(thread uint32, it *Item)) int {
	total := 0
	for _, p := range *q.producers.Load() {
		for {
			n := p.drain(segmentSize, fn)
			if n == 0 {
				break
			}
			total += n
		}
	}
	return total
}

// Len returns the number of queued records across all producers
func (q *Queue) Len() int {
	total := 0
	for _, p := range *q.producers.Load() {
		total += p.Len()
	}
	return total
}

// Stats returns the queue counters
func (q *Queue) Stats() Stats {
	producers := *q.producers.Load()
	return Stats{
		Producers: len(producers),
		Queued:    int64(q.Len()),
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Dropped:   q.dropped.Load(),
	}
}

func (q *Queue) unregister(p *Producer) {
	q.regMu.Lock()
	defer q.regMu.Unlock()
	old := *q.producers.Load()
	next := make([]*Producer, 0, len(old))
	for _, o := range old {
		if o != p {
			next = append(next, o)
		}
	}
	q.producers.Store(&next)
}

func (q *Queue) getSegment() *segment {
	select {
	case s := <-q.free:
		return s
	default:
		return new(segment)
	}
}

func (q *Queue) putSegment(s *segment) {
	s.committed.Store(0)
	s.next.Store(nil)
	s.head = 0
	select {
	case q.free <- s:
	default:
	}
}
