package profiler

import (
	"encoding/binary"
	"math"

	"github.com/yairfalse/tracepipe/internal/queue"
	"github.com/yairfalse/tracepipe/internal/symbols"
)

// Thread is a producer handle. Go has no thread local storage, so each
// instrumented goroutine holds its own Thread and must not share it: all
// emission methods assume a single caller at a time.
type Thread struct {
	p    *Profiler
	id   uint32
	name string
	prod *queue.Producer
}

// Thread registers a named producer handle. The fast path slot is created
// on first emission.
func (p *Profiler) Thread(name string) *Thread {
	id := p.threadIDs.Add(1)
	p.handles.setThreadName(id, name)
	return &Thread{p: p, id: id, name: name}
}

// ID returns the thread id the collector sees
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread name
func (t *Thread) Name() string { return t.name }

// Close retires the producer once everything it queued has been sent
func (t *Thread) Close() {
	if t.prod != nil {
		t.prod.Retire()
		t.prod = nil
	}
}

func (t *Thread) producer() *queue.Producer {
	if t.prod == nil {
		t.prod = t.p.fast.NewProducer(t.id)
	}
	return t.prod
}

// lfqPrepare always uses the fast path; plots and frame marks never need
// the serial ordering fibers impose on zones
func (t *Thread) lfqPrepare() *queue.Item {
	return t.producer().Prepare()
}

func (t *Thread) lfqCommit() {
	t.prod.Commit()
}

// stack captures the caller's call stack as a callstack payload. skip
// counts frames above the function calling stack.
func stack(skip, depth int) []byte {
	if !symbols.Enabled || depth <= 0 {
		return nil
	}
	pcs := symbols.Capture(skip+1, depth)
	if len(pcs) == 0 {
		return nil
	}
	blob := make([]byte, 8*len(pcs))
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(blob[8*i:], pc)
	}
	return blob
}

// textBlob copies s into an owned payload no longer than a u16 length allows
func textBlob(s string) []byte {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	return []byte(s)
}
