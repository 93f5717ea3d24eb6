package profiler

import (
	"sync"

	"github.com/yairfalse/tracepipe/internal/queue"
)

// holdingArea keeps copies of records every collector must see no matter
// when it attaches: lock announcements, lock names, plot configuration and
// application info. Entries are never removed.
type holdingArea struct {
	mu    sync.Mutex
	items []queue.Item
	seq   uint64
}

// hold stores a copy of it and stamps both with the same sequence. Callers
// hold the serial lock, so sequences follow serial order.
func (h *holdingArea) hold(it *queue.Item) {
	h.mu.Lock()
	h.seq++
	it.Deferred = h.seq
	cp := *it
	if it.Blob != nil {
		cp.Blob = append([]byte(nil), it.Blob...)
	}
	h.items = append(h.items, cp)
	h.mu.Unlock()
}

// replay hands a copy of every held record to fn in order and returns the
// highest sequence replayed. Queued records at or below it were covered.
func (h *holdingArea) replay(fn func(it *queue.Item) error) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		cp := h.items[i]
		if err := fn(&cp); err != nil {
			return 0, err
		}
	}
	return h.seq, nil
}

// Len returns the number of held records
func (h *holdingArea) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
