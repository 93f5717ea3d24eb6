//go:build tracepipe_fibers

package profiler

import "github.com/yairfalse/tracepipe/internal/queue"

// fibersEnabled reports whether thread bound records take the serial path.
// A fiber may resume on any goroutine, so its records need the global order
// and carry their thread explicitly.
const fibersEnabled = true

func (t *Thread) prepare() *queue.Item {
	it := t.p.serial.Acquire()
	if it != nil {
		it.Thread = t.id
	}
	return it
}

func (t *Thread) prepareForce() *queue.Item {
	it := t.p.serial.AcquireForce()
	it.Thread = t.id
	return it
}

func (t *Thread) next() *queue.Item {
	it := t.p.serial.Next()
	it.Thread = t.id
	return it
}

func (t *Thread) commit() {
	t.p.serial.Release()
}
