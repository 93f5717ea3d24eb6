package profiler

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/tracepipe/pkg/wire"
)

// lockCtx is the instrumentation state shared by both lock flavors. With
// OnDemand, lockCount tracks holders and waiters so events are only started
// while the lock is idle or already being reported. That keeps a collector
// from seeing a release whose obtain it never received.
type lockCtx struct {
	p         *Profiler
	id        uint32
	lockCount atomic.Uint32
	active    atomic.Bool
	closed    atomic.Bool
}

func (p *Profiler) newLockCtx(loc *Location, typ wire.LockType) *lockCtx {
	c := &lockCtx{p: p, id: p.lockIDs.Add(1)}
	var h wire.Handle
	if loc != nil {
		h = loc.h
	}
	if p.stopped.Load() {
		return c
	}
	it := p.serial.AcquireForce()
	wire.LockAnnounce{ID: c.id, Time: p.now(), Location: h, Type: typ}.Encode(&it.Rec)
	if p.cfg.OnDemand {
		p.held.hold(it)
	}
	p.serial.Release()
	return c
}

// gate decides whether a wait that is about to start gets reported
func (c *lockCtx) gate() bool {
	p := c.p
	if !p.cfg.OnDemand {
		return !p.stopped.Load()
	}
	locks := c.lockCount.Add(1) - 1
	active := c.active.Load()
	if locks != 0 && !active {
		return false
	}
	connected := p.connected.Load()
	if active != connected {
		c.active.Store(connected)
	}
	return connected
}

func (c *lockCtx) wait(t *Thread, k wire.Kind) bool {
	if !c.gate() {
		return false
	}
	// once admitted the wait is never dropped: its release always follows
	p := c.p
	it := p.serial.AcquireForce()
	wire.LockEvent{K: k, Thread: t.id, ID: c.id, Time: p.now()}.Encode(&it.Rec)
	p.serial.Release()
	return true
}

func (c *lockCtx) obtain(t *Thread, k wire.Kind) {
	p := c.p
	it := p.serial.AcquireForce()
	wire.LockEvent{K: k, Thread: t.id, ID: c.id, Time: p.now()}.Encode(&it.Rec)
	p.serial.Release()
}

// released reports whether a release should be emitted for the unlock that
// just happened
func (c *lockCtx) released() bool {
	p := c.p
	if !p.cfg.OnDemand {
		return !p.stopped.Load()
	}
	c.lockCount.Add(^uint32(0))
	if !c.active.Load() {
		return false
	}
	if !p.connected.Load() {
		c.active.Store(false)
		return false
	}
	return true
}

func (c *lockCtx) release() {
	if !c.released() {
		return
	}
	p := c.p
	it := p.serial.AcquireForce()
	wire.LockRelease{ID: c.id, Time: p.now()}.Encode(&it.Rec)
	p.serial.Release()
}

func (c *lockCtx) releaseShared(t *Thread) {
	if !c.released() {
		return
	}
	p := c.p
	it := p.serial.AcquireForce()
	wire.LockSharedRelease{ID: c.id, Time: p.now(), Thread: t.id}.Encode(&it.Rec)
	p.serial.Release()
}

// tried handles the outcome of a try-lock, which never waits
func (c *lockCtx) tried(t *Thread, acquired bool, k wire.Kind) {
	if !acquired || !c.gate() {
		return
	}
	c.obtain(t, k)
}

func (c *lockCtx) mark(t *Thread, loc *Location) {
	p := c.p
	if p.cfg.OnDemand {
		if !c.active.Load() {
			return
		}
		if !p.connected.Load() {
			c.active.Store(false)
			return
		}
	} else if p.stopped.Load() {
		return
	}
	it := p.serial.Acquire()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.LockMark{Thread: t.id, ID: c.id, SrcLoc: loc.h}.Encode(&it.Rec)
	p.serial.Release()
}

func (c *lockCtx) customName(name string) {
	p := c.p
	if p.stopped.Load() {
		return
	}
	it := p.serial.AcquireForce()
	wire.LockName{ID: c.id}.Encode(&it.Rec)
	it.Blob = textBlob(name)
	if p.cfg.OnDemand {
		p.held.hold(it)
	}
	p.serial.Release()
}

func (c *lockCtx) terminate() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	p := c.p
	if p.stopped.Load() {
		return
	}
	it := p.serial.AcquireForce()
	wire.LockTerminate{ID: c.id, Time: p.now()}.Encode(&it.Rec)
	if p.cfg.OnDemand {
		p.held.hold(it)
	}
	p.serial.Release()
}

// Lockable wraps an exclusive lock and reports contention on it. Every
// method takes the calling goroutine's Thread.
type Lockable struct {
	mu  sync.Locker
	ctx *lockCtx
}

// NewLockable announces a lock at loc and instruments mu
func (p *Profiler) NewLockable(loc *Location, mu sync.Locker) *Lockable {
	return &Lockable{mu: mu, ctx: p.newLockCtx(loc, wire.LockExclusive)}
}

// ID returns the lock id the collector sees
func (l *Lockable) ID() uint32 { return l.ctx.id }

func (l *Lockable) Lock(t *Thread) {
	run := l.ctx.wait(t, wire.KindLockWait)
	l.mu.Lock()
	if run {
		l.ctx.obtain(t, wire.KindLockObtain)
	}
}

func (l *Lockable) Unlock(t *Thread) {
	l.mu.Unlock()
	l.ctx.release()
}

// TryLock reports false without trying when the wrapped lock has no TryLock
func (l *Lockable) TryLock(t *Thread) bool {
	tl, ok := l.mu.(interface{ TryLock() bool })
	if !ok {
		return false
	}
	acquired := tl.TryLock()
	l.ctx.tried(t, acquired, wire.KindLockObtain)
	return acquired
}

// Mark records loc as the place the lock is being used from
func (l *Lockable) Mark(t *Thread, loc *Location) { l.ctx.mark(t, loc) }

// CustomName gives the lock a display name
func (l *Lockable) CustomName(name string) { l.ctx.customName(name) }

// Close retires the lock id; later calls are no-ops
func (l *Lockable) Close() { l.ctx.terminate() }

// Locker adapts the lockable to sync.Locker for use by t
func (l *Lockable) Locker(t *Thread) sync.Locker { return threadLocker{l: l, t: t} }

type threadLocker struct {
	l *Lockable
	t *Thread
}

func (tl threadLocker) Lock()   { tl.l.Lock(tl.t) }
func (tl threadLocker) Unlock() { tl.l.Unlock(tl.t) }

// SharedLockable wraps a reader/writer lock
type SharedLockable struct {
	mu  *sync.RWMutex
	ctx *lockCtx
}

// NewSharedLockable announces a shared lock at loc and instruments rw
func (p *Profiler) NewSharedLockable(loc *Location, rw *sync.RWMutex) *SharedLockable {
	return &SharedLockable{mu: rw, ctx: p.newLockCtx(loc, wire.LockShared)}
}

func (l *SharedLockable) ID() uint32 { return l.ctx.id }

func (l *SharedLockable) Lock(t *Thread) {
	run := l.ctx.wait(t, wire.KindLockWait)
	l.mu.Lock()
	if run {
		l.ctx.obtain(t, wire.KindLockObtain)
	}
}

func (l *SharedLockable) Unlock(t *Thread) {
	l.mu.Unlock()
	l.ctx.release()
}

func (l *SharedLockable) TryLock(t *Thread) bool {
	acquired := l.mu.TryLock()
	l.ctx.tried(t, acquired, wire.KindLockObtain)
	return acquired
}

func (l *SharedLockable) RLock(t *Thread) {
	run := l.ctx.wait(t, wire.KindLockSharedWait)
	l.mu.RLock()
	if run {
		l.ctx.obtain(t, wire.KindLockSharedObtain)
	}
}

func (l *SharedLockable) RUnlock(t *Thread) {
	l.mu.RUnlock()
	l.ctx.releaseShared(t)
}

func (l *SharedLockable) TryRLock(t *Thread) bool {
	acquired := l.mu.TryRLock()
	l.ctx.tried(t, acquired, wire.KindLockSharedObtain)
	return acquired
}

func (l *SharedLockable) Mark(t *Thread, loc *Location) { l.ctx.mark(t, loc) }

func (l *SharedLockable) CustomName(name string) { l.ctx.customName(name) }

func (l *SharedLockable) Close() { l.ctx.terminate() }
