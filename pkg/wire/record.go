package wire

import (
	"encoding/binary"
	"math"
)

// RecordSize is the in-memory size of every record regardless of kind
const RecordSize = 32

// Record is a fixed size tagged record. Byte 0 holds the Kind, the payload is
// packed little-endian from byte 1 and only the first Kind.Size() bytes are
// ever transmitted.
type Record [RecordSize]byte

// Handle is an opaque 8-byte reference carried by records where a pointer
// would otherwise go: source locations, string payloads, plot names.
type Handle uint64

// Kind returns the record's tag
func (r *Record) Kind() Kind {
	return Kind(r[0])
}

// SetKind overwrites the tag
func (r *Record) SetKind(k Kind) {
	r[0] = byte(k)
}

// Wire returns the transmitted prefix of the record
func (r *Record) Wire() []byte {
	return r[:r.Kind().Size()]
}

// Time returns the timestamp at the kind's time offset, or 0 if it has none
func (r *Record) Time() int64 {
	off := r.Kind().TimeOffset()
	if off == 0 {
		return 0
	}
	return r.i64(off)
}

// SetTime rewrites the timestamp at the kind's time offset
func (r *Record) SetTime(t int64) {
	if off := r.Kind().TimeOffset(); off != 0 {
		r.putI64(off, t)
	}
}

func (r *Record) putU8(off int, v uint8) { r[off] = v }

func (r *Record) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(r[off:], v) }

func (r *Record) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(r[off:], v) }

func (r *Record) putU64(off int, v uint64) { binary.LittleEndian.PutUint64(r[off:], v) }

func (r *Record) putI64(off int, v int64) { r.putU64(off, uint64(v)) }

func (r *Record) putF32(off int, v float32) { r.putU32(off, math.Float32bits(v)) }

func (r *Record) putF64(off int, v float64) { r.putU64(off, math.Float64bits(v)) }

// putU48 stores the low 48 bits of v
func (r *Record) putU48(off int, v uint64) {
	r.putU32(off, uint32(v))
	r.putU16(off+4, uint16(v>>32))
}

// putBGR stores a 0xRRGGBB color as three bytes b, g, r
func (r *Record) putBGR(off int, c uint32) {
	r[off] = byte(c)
	r[off+1] = byte(c >> 8)
	r[off+2] = byte(c >> 16)
}

func (r *Record) u8(off int) uint8 { return r[off] }

func (r *Record) u16(off int) uint16 { return binary.LittleEndian.Uint16(r[off:]) }

func (r *Record) u32(off int) uint32 { return binary.LittleEndian.Uint32(r[off:]) }

func (r *Record) u64(off int) uint64 { return binary.LittleEndian.Uint64(r[off:]) }

func (r *Record) i64(off int) int64 { return int64(r.u64(off)) }

func (r *Record) f32(off int) float32 { return math.Float32frombits(r.u32(off)) }

func (r *Record) f64(off int) float64 { return math.Float64frombits(r.u64(off)) }

func (r *Record) u48(off int) uint64 {
	return uint64(r.u32(off)) | uint64(r.u16(off+4))<<32
}

func (r *Record) bgr(off int) uint32 {
	return uint32(r[off]) | uint32(r[off+1])<<8 | uint32(r[off+2])<<16
}

// MaxMemSize is the largest allocation size representable on the wire
const MaxMemSize = 1<<48 - 1
