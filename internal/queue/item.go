// Package queue holds the in-process transport between instrumented
// goroutines and the transport worker: a per-producer fast path, a mutex
// guarded serial path and a bounded single-producer ring.
package queue

import (
	"errors"

	"github.com/yairfalse/tracepipe/pkg/wire"
)

var (
	// ErrCapacityNotPowerOfTwo is returned by NewRing
	ErrCapacityNotPowerOfTwo = errors.New("capacity must be a power of 2")
)

// Item is one queued record plus whatever memory-only data travels with it.
// Blob is owned by the item from enqueue until the consumer has sent or
// discarded it.
type Item struct {
	Rec wire.Record
	// Thread is set on serial path records that belong to a specific thread
	Thread uint32
	// Blob is a string or binary payload sent ahead of the record
	Blob []byte
	// Aux carries structured data the consumer converts into several records
	Aux any
	// Deferred is the holding area sequence of a copy kept for replay to
	// later collectors, zero when the record is not held
	Deferred uint64
}

// release drops references so the slot does not pin payload memory
func (it *Item) release() {
	it.Blob = nil
	it.Aux = nil
}

// Stats is a point in time view of a queue's counters
type Stats struct {
	Producers int    `json:"producers"`
	Queued    int64  `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Dropped   uint64 `json:"dropped"`
}
