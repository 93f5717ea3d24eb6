//go:build !tracepipe_fibers

package profiler

import "github.com/yairfalse/tracepipe/internal/queue"

// fibersEnabled reports whether thread bound records take the serial path
const fibersEnabled = false

// prepare opens a window on the thread's fast path producer and returns
// its first slot, or nil when the producer is at its cap
func (t *Thread) prepare() *queue.Item {
	return t.producer().Prepare()
}

// prepareForce is prepare ignoring the cap
func (t *Thread) prepareForce() *queue.Item {
	return t.producer().PrepareForce()
}

// next publishes the current slot and returns another in the same window
func (t *Thread) next() *queue.Item {
	t.prod.Commit()
	return t.prod.PrepareForce()
}

// commit closes the window
func (t *Thread) commit() {
	t.prod.Commit()
}
