package profiler

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/tracepipe/internal/queue"
	"github.com/yairfalse/tracepipe/pkg/wire"
)

// Memory events take the serial path: an allocation and the free of the
// same address may come from different goroutines and must stay ordered.

// Alloc records size bytes allocated at ptr
func (t *Thread) Alloc(ptr, size uint64) {
	t.memAlloc(wire.KindMemAlloc, ptr, size, 0, nil)
}

// Free records the release of ptr
func (t *Thread) Free(ptr uint64) {
	t.memFree(wire.KindMemFree, ptr, 0, nil)
}

// AllocNamed records an allocation in the pool called name
func (t *Thread) AllocNamed(ptr, size uint64, name Literal) {
	t.memAlloc(wire.KindMemAllocNamed, ptr, size, name.h, nil)
}

// FreeNamed records a release from the pool called name
func (t *Thread) FreeNamed(ptr uint64, name Literal) {
	t.memFree(wire.KindMemFreeNamed, ptr, name.h, nil)
}

// AllocCallstack records an allocation with up to depth caller frames
func (t *Thread) AllocCallstack(ptr, size uint64, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.memAlloc(wire.KindMemAllocCallstack, ptr, size, 0, st)
		return
	}
	t.memAlloc(wire.KindMemAlloc, ptr, size, 0, nil)
}

// FreeCallstack records a release with up to depth caller frames
func (t *Thread) FreeCallstack(ptr uint64, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.memFree(wire.KindMemFreeCallstack, ptr, 0, st)
		return
	}
	t.memFree(wire.KindMemFree, ptr, 0, nil)
}

func (t *Thread) AllocCallstackNamed(ptr, size uint64, depth int, name Literal) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.memAlloc(wire.KindMemAllocCallstackNamed, ptr, size, name.h, st)
		return
	}
	t.memAlloc(wire.KindMemAllocNamed, ptr, size, name.h, nil)
}

func (t *Thread) FreeCallstackNamed(ptr uint64, depth int, name Literal) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.memFree(wire.KindMemFreeCallstackNamed, ptr, name.h, st)
		return
	}
	t.memFree(wire.KindMemFreeNamed, ptr, name.h, nil)
}

func (t *Thread) memAlloc(k wire.Kind, ptr, size uint64, name wire.Handle, st []byte) {
	p := t.p
	if !p.live() {
		return
	}
	if size > wire.MaxMemSize {
		size = wire.MaxMemSize
	}
	it := p.serial.Acquire()
	if it == nil {
		p.dropped.Add(1)
		p.lostAllocs.add(ptr)
		return
	}
	it = memPrelude(p, it, name, st)
	wire.MemAlloc{K: k, Time: p.now(), Thread: t.id, Ptr: ptr, Size: size}.Encode(&it.Rec)
	p.serial.Release()
}

func (t *Thread) memFree(k wire.Kind, ptr uint64, name wire.Handle, st []byte) {
	p := t.p
	if !p.live() {
		return
	}
	if p.lostAllocs.take(ptr) {
		// the allocation never reached the queue
		p.dropped.Add(1)
		return
	}
	it := p.serial.AcquireForce()
	it = memPrelude(p, it, name, st)
	wire.MemFree{K: k, Time: p.now(), Thread: t.id, Ptr: ptr}.Encode(&it.Rec)
	p.serial.Release()
}

// memPrelude writes the call stack and pool name records that precede a
// memory event and returns the slot for the event itself
func memPrelude(p *Profiler, it *queue.Item, name wire.Handle, st []byte) *queue.Item {
	if st != nil {
		wire.Header{K: wire.KindCallstackSerial}.Encode(&it.Rec)
		it.Blob = st
		it = p.serial.Next()
	}
	if name != 0 {
		wire.MemNamePayload{Name: name}.Encode(&it.Rec)
		it = p.serial.Next()
	}
	return it
}

// lostAllocs remembers pointers whose allocation was dropped at the serial
// cap so their free is dropped too. Frees only take the lock while the set
// is non-empty.
type lostAllocs struct {
	n    atomic.Int64
	mu   sync.Mutex
	ptrs map[uint64]int
}

func (l *lostAllocs) add(ptr uint64) {
	l.mu.Lock()
	if l.ptrs == nil {
		l.ptrs = make(map[uint64]int)
	}
	l.ptrs[ptr]++
	l.mu.Unlock()
	l.n.Add(1)
}

func (l *lostAllocs) take(ptr uint64) bool {
	if l.n.Load() == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.ptrs[ptr]
	if !ok {
		return false
	}
	if c == 1 {
		delete(l.ptrs, ptr)
	} else {
		l.ptrs[ptr] = c - 1
	}
	l.n.Add(-1)
	return true
}
