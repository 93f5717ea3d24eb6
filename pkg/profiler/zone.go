package profiler

import (
	"encoding/binary"

	"github.com/yairfalse/tracepipe/internal/queue"
	"github.com/yairfalse/tracepipe/pkg/wire"
)

// Zone is an open zone returned by the Thread.Zone family. The zero Zone is
// inactive and all of its methods are no-ops. End emits at most once, and
// not at all when the collector the zone began under has gone.
type Zone struct {
	t      *Thread
	id     uint32
	conn   uint64
	active bool
}

// Location registers a source location
func (p *Profiler) Location(name, function, file string, line, color uint32) *Location {
	return p.handles.addLocation(name, function, file, line, color)
}

// Zone begins a zone at loc
func (t *Thread) Zone(loc *Location) Zone {
	return t.beginZone(wire.KindZoneBegin, loc, nil, nil, true)
}

// ZoneIf begins a zone at loc when enabled is set
func (t *Thread) ZoneIf(loc *Location, enabled bool) Zone {
	return t.beginZone(wire.KindZoneBegin, loc, nil, nil, enabled)
}

// ZoneCallstack begins a zone at loc and records up to depth frames of the
// caller's stack. Builds without call stack support emit a plain zone.
func (t *Thread) ZoneCallstack(loc *Location, depth int) Zone {
	if !t.p.live() {
		return Zone{}
	}
	if st := stack(1, depth); st != nil {
		return t.beginZone(wire.KindZoneBeginCallstack, loc, nil, st, true)
	}
	return t.beginZone(wire.KindZoneBegin, loc, nil, nil, true)
}

// ZoneAlloc begins a zone at a location built for this call only
func (t *Thread) ZoneAlloc(name, function, file string, line, color uint32) Zone {
	if !t.p.live() {
		return Zone{}
	}
	return t.beginZone(wire.KindZoneBeginAllocSrcLoc, nil, sourceLocationBlob(name, function, file, line, color), nil, true)
}

// ZoneAllocCallstack is ZoneAlloc with a call stack
func (t *Thread) ZoneAllocCallstack(name, function, file string, line, color uint32, depth int) Zone {
	if !t.p.live() {
		return Zone{}
	}
	blob := sourceLocationBlob(name, function, file, line, color)
	if st := stack(1, depth); st != nil {
		return t.beginZone(wire.KindZoneBeginAllocSrcLocCallstack, nil, blob, st, true)
	}
	return t.beginZone(wire.KindZoneBeginAllocSrcLoc, nil, blob, nil, true)
}

func (t *Thread) beginZone(k wire.Kind, loc *Location, srcloc, st []byte, enabled bool) Zone {
	p := t.p
	if !enabled || !p.live() {
		return Zone{}
	}
	conn := p.connectionID.Load()
	id := p.zoneIDs.Add(1)

	it := t.prepare()
	if it == nil {
		p.dropped.Add(1)
		return Zone{}
	}
	if p.cfg.verify() {
		wire.ZoneValidation{ID: id}.Encode(&it.Rec)
		it = t.next()
	}
	if st != nil {
		wire.Header{K: wire.KindCallstack}.Encode(&it.Rec)
		it.Blob = st
		it = t.next()
	}
	switch k {
	case wire.KindZoneBeginAllocSrcLoc, wire.KindZoneBeginAllocSrcLocCallstack:
		wire.Timed{K: k, Time: p.now()}.Encode(&it.Rec)
		it.Blob = srcloc
	default:
		wire.ZoneBegin{K: k, Time: p.now(), SrcLoc: loc.h}.Encode(&it.Rec)
	}
	t.commit()
	return Zone{t: t, id: id, conn: conn, active: true}
}

// Active reports whether the zone is still being recorded
func (z *Zone) Active() bool {
	return z.current()
}

// current reports whether the zone is open and began under the collector
// that is attached now
func (z *Zone) current() bool {
	if !z.active {
		return false
	}
	p := z.t.p
	if !p.cfg.OnDemand {
		return !p.stopped.Load()
	}
	return p.connectionID.Load() == z.conn
}

// End closes the zone
func (z *Zone) End() {
	if !z.current() {
		z.active = false
		return
	}
	z.active = false
	p := z.t.p
	it := z.validate(z.t.prepareForce())
	wire.Timed{K: wire.KindZoneEnd, Time: p.now()}.Encode(&it.Rec)
	z.t.commit()
}

// Text attaches text to the zone; repeated calls append lines
func (z *Zone) Text(s string) {
	z.attach(wire.KindZoneText, s)
}

// Name overrides the zone's name for this instance
func (z *Zone) Name(s string) {
	z.attach(wire.KindZoneName, s)
}

func (z *Zone) attach(k wire.Kind, s string) {
	if !z.current() {
		return
	}
	it := z.t.prepare()
	if it == nil {
		z.t.p.dropped.Add(1)
		return
	}
	it = z.validate(it)
	wire.Header{K: k}.Encode(&it.Rec)
	it.Blob = textBlob(s)
	z.t.commit()
}

// Color sets the zone color as 0xRRGGBB
func (z *Zone) Color(rgb uint32) {
	if !z.current() {
		return
	}
	it := z.t.prepare()
	if it == nil {
		z.t.p.dropped.Add(1)
		return
	}
	it = z.validate(it)
	wire.ZoneColor{Color: rgb}.Encode(&it.Rec)
	z.t.commit()
}

// Value attaches a numeric value to the zone
func (z *Zone) Value(v uint64) {
	if !z.current() {
		return
	}
	it := z.t.prepare()
	if it == nil {
		z.t.p.dropped.Add(1)
		return
	}
	it = z.validate(it)
	wire.ZoneValue{Value: v}.Encode(&it.Rec)
	z.t.commit()
}

// validate writes the zone's validation record into it, when enabled, and
// returns the slot for the record that follows
func (z *Zone) validate(it *queue.Item) *queue.Item {
	if !z.t.p.cfg.verify() {
		return it
	}
	wire.ZoneValidation{ID: z.id}.Encode(&it.Rec)
	return z.t.next()
}

// sourceLocationBlob lays out an allocated source location: u32 color,
// u32 line, then function and file NUL terminated, then the name
func sourceLocationBlob(name, function, file string, line, color uint32) []byte {
	b := make([]byte, 8, 8+len(function)+len(file)+len(name)+2)
	binary.LittleEndian.PutUint32(b, color)
	binary.LittleEndian.PutUint32(b[4:], line)
	b = append(b, function...)
	b = append(b, 0)
	b = append(b, file...)
	b = append(b, 0)
	b = append(b, name...)
	if len(b) > 0xFFFF {
		b = b[:0xFFFF]
	}
	return b
}
