package profiler

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/tracepipe/pkg/wire"
)

// Literal is an interned string the collector fetches by handle. Plot
// names, frame names, memory pool names and literal messages are Literals.
type Literal struct {
	h wire.Handle
}

// Handle returns the handle carried on the wire
func (l Literal) Handle() wire.Handle { return l.h }

// Location is a registered source location. Zones and lock marks carry its
// handle; the collector asks for the details once.
type Location struct {
	h        wire.Handle
	name     wire.Handle
	function wire.Handle
	file     wire.Handle
	line     uint32
	color    uint32
}

// Handle returns the handle carried on the wire
func (l *Location) Handle() wire.Handle { return l.h }

// handleTable is the owning side table behind every handle the collector
// may query. Registration takes the mutex; lookups come from the worker.
type handleTable struct {
	next atomic.Uint64

	mu        sync.RWMutex
	strings   map[wire.Handle]string
	interned  map[string]wire.Handle
	locations map[wire.Handle]*Location
	threads   map[uint32]string
}

func newHandleTable() *handleTable {
	return &handleTable{
		strings:   make(map[wire.Handle]string),
		interned:  make(map[string]wire.Handle),
		locations: make(map[wire.Handle]*Location),
		threads:   make(map[uint32]string),
	}
}

// allocate returns a fresh handle; zero is never handed out
func (t *handleTable) allocate() wire.Handle {
	return wire.Handle(t.next.Add(1))
}

func (t *handleTable) intern(s string) wire.Handle {
	t.mu.RLock()
	h, ok := t.interned[s]
	t.mu.RUnlock()
	if ok {
		return h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.interned[s]; ok {
		return h
	}
	h = t.allocate()
	t.interned[s] = h
	t.strings[h] = s
	return h
}

func (t *handleTable) str(h wire.Handle) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strings[h]
	return s, ok
}

func (t *handleTable) addLocation(name, function, file string, line, color uint32) *Location {
	loc := &Location{
		function: t.intern(function),
		file:     t.intern(file),
		line:     line,
		color:    color,
	}
	if name != "" {
		loc.name = t.intern(name)
	}
	loc.h = t.allocate()

	t.mu.Lock()
	t.locations[loc.h] = loc
	t.mu.Unlock()
	return loc
}

func (t *handleTable) location(h wire.Handle) (*Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.locations[h]
	return loc, ok
}

func (t *handleTable) setThreadName(id uint32, name string) {
	t.mu.Lock()
	t.threads[id] = name
	t.mu.Unlock()
}

func (t *handleTable) threadName(id uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.threads[id]
	return name, ok
}

// Literal interns s. Equal strings share a handle.
func (p *Profiler) Literal(s string) Literal {
	return Literal{h: p.handles.intern(s)}
}
