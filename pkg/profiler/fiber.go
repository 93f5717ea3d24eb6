package profiler

import "github.com/yairfalse/tracepipe/pkg/wire"

// EnterFiber moves the thread's subsequent records onto the fiber called
// name until LeaveFiber. Only meaningful in builds with the tracepipe_fibers
// tag, where thread records are totally ordered.
func (t *Thread) EnterFiber(name Literal) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.prepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.FiberEnter{Time: p.now(), Fiber: name.h, Thread: t.id}.Encode(&it.Rec)
	t.commit()
}

// LeaveFiber returns the thread from its current fiber
func (t *Thread) LeaveFiber() {
	p := t.p
	if !p.live() {
		return
	}
	it := t.prepareForce()
	wire.FiberLeave{Time: p.now(), Thread: t.id}.Encode(&it.Rec)
	t.commit()
}
