package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrShortRecord is returned when fewer bytes than the kind's size are available
	ErrShortRecord = errors.New("short record")
	// ErrUnknownKind is returned for tags outside the kind table
	ErrUnknownKind = errors.New("unknown record kind")
)

// Event is a typed view of one record layout. Several kinds may share a
// layout; those variants carry the concrete kind in K.
type Event interface {
	Kind() Kind
	Encode(r *Record)
}

// Header is a record with no payload
type Header struct{ K Kind }

func (e Header) Kind() Kind { return e.K }

func (e Header) Encode(r *Record) { r.SetKind(e.K) }

// ThreadContext switches the thread subsequent fast-path records belong to
type ThreadContext struct{ Thread uint32 }

func (ThreadContext) Kind() Kind { return KindThreadContext }

func (e ThreadContext) Encode(r *Record) {
	r.SetKind(KindThreadContext)
	r.putU32(1, e.Thread)
}

// ZoneBegin opens a zone at a registered source location
type ZoneBegin struct {
	K      Kind
	Time   int64
	SrcLoc Handle
}

func (e ZoneBegin) Kind() Kind { return e.K }

func (e ZoneBegin) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putU64(9, uint64(e.SrcLoc))
}

// Timed covers the layouts that carry only a timestamp: zone end, allocated
// source location zone begins and plain messages (whose text was sent ahead).
type Timed struct {
	K    Kind
	Time int64
}

func (e Timed) Kind() Kind { return e.K }

func (e Timed) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
}

// MessageColor is a colored message whose text was sent ahead
type MessageColor struct {
	K     Kind
	Time  int64
	Color uint32
}

func (e MessageColor) Kind() Kind { return e.K }

func (e MessageColor) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putBGR(9, e.Color)
}

// MessageLiteral references a static string by handle
type MessageLiteral struct {
	K    Kind
	Time int64
	Text Handle
}

func (e MessageLiteral) Kind() Kind { return e.K }

func (e MessageLiteral) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putU64(9, uint64(e.Text))
}

// MessageLiteralColor references a static string by handle, with a color
type MessageLiteralColor struct {
	K     Kind
	Time  int64
	Color uint32
	Text  Handle
}

func (e MessageLiteralColor) Kind() Kind { return e.K }

func (e MessageLiteralColor) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putBGR(9, e.Color)
	r.putU64(12, uint64(e.Text))
}

// ZoneValidation carries the id a collector uses to check zone nesting
type ZoneValidation struct{ ID uint32 }

func (ZoneValidation) Kind() Kind { return KindZoneValidation }

func (e ZoneValidation) Encode(r *Record) {
	r.SetKind(KindZoneValidation)
	r.putU32(1, e.ID)
}

// ZoneColor sets the color of the innermost open zone
type ZoneColor struct{ Color uint32 }

func (ZoneColor) Kind() Kind { return KindZoneColor }

func (e ZoneColor) Encode(r *Record) {
	r.SetKind(KindZoneColor)
	r.putBGR(1, e.Color)
}

// ZoneValue attaches a number to the innermost open zone
type ZoneValue struct{ Value uint64 }

func (ZoneValue) Kind() Kind { return KindZoneValue }

func (e ZoneValue) Encode(r *Record) {
	r.SetKind(KindZoneValue)
	r.putU64(1, e.Value)
}

// LockEvent covers wait and obtain, exclusive and shared
type LockEvent struct {
	K      Kind
	Thread uint32
	ID     uint32
	Time   int64
}

func (e LockEvent) Kind() Kind { return e.K }

func (e LockEvent) Encode(r *Record) {
	r.SetKind(e.K)
	r.putU32(1, e.Thread)
	r.putU32(5, e.ID)
	r.putI64(9, e.Time)
}

// LockRelease releases an exclusive lock
type LockRelease struct {
	ID   uint32
	Time int64
}

func (LockRelease) Kind() Kind { return KindLockRelease }

func (e LockRelease) Encode(r *Record) {
	r.SetKind(KindLockRelease)
	r.putU32(1, e.ID)
	r.putI64(5, e.Time)
}

// LockSharedRelease releases a shared lock held by Thread
type LockSharedRelease struct {
	ID     uint32
	Time   int64
	Thread uint32
}

func (LockSharedRelease) Kind() Kind { return KindLockSharedRelease }

func (e LockSharedRelease) Encode(r *Record) {
	r.SetKind(KindLockSharedRelease)
	r.putU32(1, e.ID)
	r.putI64(5, e.Time)
	r.putU32(13, e.Thread)
}

// LockName follows a SingleStringData carrying the custom name
type LockName struct{ ID uint32 }

func (LockName) Kind() Kind { return KindLockName }

func (e LockName) Encode(r *Record) {
	r.SetKind(KindLockName)
	r.putU32(1, e.ID)
}

// LockType distinguishes exclusive from shared locks
type LockType uint8

const (
	LockExclusive LockType = iota
	LockShared
)

// LockAnnounce declares a lock before any of its events
type LockAnnounce struct {
	ID       uint32
	Time     int64
	Location Handle
	Type     LockType
}

func (LockAnnounce) Kind() Kind { return KindLockAnnounce }

func (e LockAnnounce) Encode(r *Record) {
	r.SetKind(KindLockAnnounce)
	r.putU32(1, e.ID)
	r.putI64(5, e.Time)
	r.putU64(13, uint64(e.Location))
	r.putU8(21, uint8(e.Type))
}

// LockTerminate retires a lock id
type LockTerminate struct {
	ID   uint32
	Time int64
}

func (LockTerminate) Kind() Kind { return KindLockTerminate }

func (e LockTerminate) Encode(r *Record) {
	r.SetKind(KindLockTerminate)
	r.putU32(1, e.ID)
	r.putI64(5, e.Time)
}

// LockMark records where the last lock operation on Thread came from
type LockMark struct {
	Thread uint32
	ID     uint32
	SrcLoc Handle
}

func (LockMark) Kind() Kind { return KindLockMark }

func (e LockMark) Encode(r *Record) {
	r.SetKind(KindLockMark)
	r.putU32(1, e.Thread)
	r.putU32(5, e.ID)
	r.putU64(9, uint64(e.SrcLoc))
}

// MemAlloc records an allocation; Size is truncated to 48 bits
type MemAlloc struct {
	K      Kind
	Time   int64
	Thread uint32
	Ptr    uint64
	Size   uint64
}

func (e MemAlloc) Kind() Kind { return e.K }

func (e MemAlloc) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putU32(9, e.Thread)
	r.putU64(13, e.Ptr)
	r.putU48(21, e.Size)
}

// MemFree records a deallocation
type MemFree struct {
	K      Kind
	Time   int64
	Thread uint32
	Ptr    uint64
}

func (e MemFree) Kind() Kind { return e.K }

func (e MemFree) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putU32(9, e.Thread)
	r.putU64(13, e.Ptr)
}

// MemNamePayload precedes a named alloc/free and names its pool
type MemNamePayload struct{ Name Handle }

func (MemNamePayload) Kind() Kind { return KindMemNamePayload }

func (e MemNamePayload) Encode(r *Record) {
	r.SetKind(KindMemNamePayload)
	r.putU64(1, uint64(e.Name))
}

// PlotInt is an integer plot sample
type PlotInt struct {
	Name  Handle
	Time  int64
	Value int64
}

func (PlotInt) Kind() Kind { return KindPlotDataInt }

func (e PlotInt) Encode(r *Record) {
	r.SetKind(KindPlotDataInt)
	r.putU64(1, uint64(e.Name))
	r.putI64(9, e.Time)
	r.putI64(17, e.Value)
}

// PlotFloat is a single precision plot sample
type PlotFloat struct {
	Name  Handle
	Time  int64
	Value float32
}

func (PlotFloat) Kind() Kind { return KindPlotDataFloat }

func (e PlotFloat) Encode(r *Record) {
	r.SetKind(KindPlotDataFloat)
	r.putU64(1, uint64(e.Name))
	r.putI64(9, e.Time)
	r.putF32(17, e.Value)
}

// PlotDouble is a double precision plot sample
type PlotDouble struct {
	Name  Handle
	Time  int64
	Value float64
}

func (PlotDouble) Kind() Kind { return KindPlotDataDouble }

func (e PlotDouble) Encode(r *Record) {
	r.SetKind(KindPlotDataDouble)
	r.putU64(1, uint64(e.Name))
	r.putI64(9, e.Time)
	r.putF64(17, e.Value)
}

// PlotFormat controls how a collector renders plot values
type PlotFormat uint8

const (
	PlotNumber PlotFormat = iota
	PlotMemory
	PlotPercentage
)

// PlotConfig configures the plot named by Name
type PlotConfig struct {
	Name   Handle
	Format PlotFormat
	Step   bool
	Fill   bool
	Color  uint32
}

func (PlotConfig) Kind() Kind { return KindPlotConfig }

func (e PlotConfig) Encode(r *Record) {
	r.SetKind(KindPlotConfig)
	r.putU64(1, uint64(e.Name))
	r.putU8(9, uint8(e.Format))
	r.putU8(10, boolByte(e.Step))
	r.putU8(11, boolByte(e.Fill))
	r.putU32(12, e.Color)
}

// FrameMark covers continuous frames and discontinuous frame start/end
type FrameMark struct {
	K    Kind
	Time int64
	Name Handle
}

func (e FrameMark) Kind() Kind { return e.K }

func (e FrameMark) Encode(r *Record) {
	r.SetKind(e.K)
	r.putI64(1, e.Time)
	r.putU64(9, uint64(e.Name))
}

// SourceLocation answers a source location query. Name, Function and File
// are string handles the collector resolves with further queries.
type SourceLocation struct {
	Name     Handle
	Function Handle
	File     Handle
	Line     uint32
	Color    uint32
}

func (SourceLocation) Kind() Kind { return KindSourceLocation }

func (e SourceLocation) Encode(r *Record) {
	r.SetKind(KindSourceLocation)
	r.putU64(1, uint64(e.Name))
	r.putU64(9, uint64(e.Function))
	r.putU64(17, uint64(e.File))
	r.putU32(25, e.Line)
	r.putBGR(29, e.Color)
}

// CallstackFrameSize announces how many CallstackFrame records follow for Ptr
type CallstackFrameSize struct {
	Ptr  uint64
	Size uint8
}

func (CallstackFrameSize) Kind() Kind { return KindCallstackFrameSize }

func (e CallstackFrameSize) Encode(r *Record) {
	r.SetKind(KindCallstackFrameSize)
	r.putU64(1, e.Ptr)
	r.putU8(9, e.Size)
}

// CallstackFrame is one resolved frame; name and file are sent ahead as
// SingleStringData and SecondStringData.
type CallstackFrame struct {
	Line    uint32
	SymAddr uint64
	SymLen  uint32
}

func (CallstackFrame) Kind() Kind { return KindCallstackFrame }

func (e CallstackFrame) Encode(r *Record) {
	r.SetKind(KindCallstackFrame)
	r.putU32(1, e.Line)
	r.putU64(5, e.SymAddr)
	r.putU32(13, e.SymLen)
}

// SymbolInformation answers a symbol query; the file name is sent ahead
type SymbolInformation struct {
	Line    uint32
	SymAddr uint64
}

func (SymbolInformation) Kind() Kind { return KindSymbolInformation }

func (e SymbolInformation) Encode(r *Record) {
	r.SetKind(KindSymbolInformation)
	r.putU32(1, e.Line)
	r.putU64(5, e.SymAddr)
}

// FiberEnter switches Thread to the fiber named by Fiber
type FiberEnter struct {
	Time   int64
	Fiber  Handle
	Thread uint32
}

func (FiberEnter) Kind() Kind { return KindFiberEnter }

func (e FiberEnter) Encode(r *Record) {
	r.SetKind(KindFiberEnter)
	r.putI64(1, e.Time)
	r.putU64(9, uint64(e.Fiber))
	r.putU32(17, e.Thread)
}

// FiberLeave returns Thread from its current fiber
type FiberLeave struct {
	Time   int64
	Thread uint32
}

func (FiberLeave) Kind() Kind { return KindFiberLeave }

func (e FiberLeave) Encode(r *Record) {
	r.SetKind(KindFiberLeave)
	r.putI64(1, e.Time)
	r.putU32(9, e.Thread)
}

// SourceCodeNotAvailable acknowledges a source code query that failed
type SourceCodeNotAvailable struct{ ID uint32 }

func (SourceCodeNotAvailable) Kind() Kind { return KindAckSourceCodeNotAvailable }

func (e SourceCodeNotAvailable) Encode(r *Record) {
	r.SetKind(KindAckSourceCodeNotAvailable)
	r.putU32(1, e.ID)
}

// StringTransfer precedes a length prefixed string or blob. Ptr is the
// handle the collector asked for or will later reference.
type StringTransfer struct {
	K   Kind
	Ptr uint64
}

func (e StringTransfer) Kind() Kind { return e.K }

func (e StringTransfer) Encode(r *Record) {
	r.SetKind(e.K)
	r.putU64(1, e.Ptr)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Decode parses the fixed part of one record from b. Trailing strings of
// transfer kinds are not consumed.
func Decode(b []byte) (Event, error) {
	if len(b) == 0 {
		return nil, ErrShortRecord
	}
	k := Kind(b[0])
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, b[0])
	}
	if len(b) < k.Size() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortRecord, k, k.Size(), len(b))
	}
	var r Record
	copy(r[:], b[:k.Size()])
	return DecodeRecord(&r), nil
}

// DecodeRecord returns the typed view of r
func DecodeRecord(r *Record) Event {
	k := r.Kind()
	switch k {
	case KindThreadContext:
		return ThreadContext{Thread: r.u32(1)}
	case KindZoneBegin, KindZoneBeginCallstack:
		return ZoneBegin{K: k, Time: r.i64(1), SrcLoc: Handle(r.u64(9))}
	case KindZoneEnd, KindZoneBeginAllocSrcLoc, KindZoneBeginAllocSrcLocCallstack,
		KindMessage, KindMessageCallstack, KindMessageAppInfo:
		return Timed{K: k, Time: r.i64(1)}
	case KindMessageColor, KindMessageColorCallstack:
		return MessageColor{K: k, Time: r.i64(1), Color: r.bgr(9)}
	case KindMessageLiteral, KindMessageLiteralCallstack:
		return MessageLiteral{K: k, Time: r.i64(1), Text: Handle(r.u64(9))}
	case KindMessageLiteralColor, KindMessageLiteralColorCallstack:
		return MessageLiteralColor{K: k, Time: r.i64(1), Color: r.bgr(9), Text: Handle(r.u64(12))}
	case KindZoneValidation:
		return ZoneValidation{ID: r.u32(1)}
	case KindZoneColor:
		return ZoneColor{Color: r.bgr(1)}
	case KindZoneValue:
		return ZoneValue{Value: r.u64(1)}
	case KindLockWait, KindLockObtain, KindLockSharedWait, KindLockSharedObtain:
		return LockEvent{K: k, Thread: r.u32(1), ID: r.u32(5), Time: r.i64(9)}
	case KindLockRelease:
		return LockRelease{ID: r.u32(1), Time: r.i64(5)}
	case KindLockSharedRelease:
		return LockSharedRelease{ID: r.u32(1), Time: r.i64(5), Thread: r.u32(13)}
	case KindLockName:
		return LockName{ID: r.u32(1)}
	case KindLockAnnounce:
		return LockAnnounce{ID: r.u32(1), Time: r.i64(5), Location: Handle(r.u64(13)), Type: LockType(r.u8(21))}
	case KindLockTerminate:
		return LockTerminate{ID: r.u32(1), Time: r.i64(5)}
	case KindLockMark:
		return LockMark{Thread: r.u32(1), ID: r.u32(5), SrcLoc: Handle(r.u64(9))}
	case KindMemAlloc, KindMemAllocNamed, KindMemAllocCallstack, KindMemAllocCallstackNamed:
		return MemAlloc{K: k, Time: r.i64(1), Thread: r.u32(9), Ptr: r.u64(13), Size: r.u48(21)}
	case KindMemFree, KindMemFreeNamed, KindMemFreeCallstack, KindMemFreeCallstackNamed:
		return MemFree{K: k, Time: r.i64(1), Thread: r.u32(9), Ptr: r.u64(13)}
	case KindMemNamePayload:
		return MemNamePayload{Name: Handle(r.u64(1))}
	case KindPlotDataInt:
		return PlotInt{Name: Handle(r.u64(1)), Time: r.i64(9), Value: r.i64(17)}
	case KindPlotDataFloat:
		return PlotFloat{Name: Handle(r.u64(1)), Time: r.i64(9), Value: r.f32(17)}
	case KindPlotDataDouble:
		return PlotDouble{Name: Handle(r.u64(1)), Time: r.i64(9), Value: r.f64(17)}
	case KindPlotConfig:
		return PlotConfig{
			Name:   Handle(r.u64(1)),
			Format: PlotFormat(r.u8(9)),
			Step:   r.u8(10) != 0,
			Fill:   r.u8(11) != 0,
			Color:  r.u32(12),
		}
	case KindFrameMarkMsg, KindFrameMarkMsgStart, KindFrameMarkMsgEnd:
		return FrameMark{K: k, Time: r.i64(1), Name: Handle(r.u64(9))}
	case KindSourceLocation:
		return SourceLocation{
			Name:     Handle(r.u64(1)),
			Function: Handle(r.u64(9)),
			File:     Handle(r.u64(17)),
			Line:     r.u32(25),
			Color:    r.bgr(29),
		}
	case KindCallstackFrameSize:
		return CallstackFrameSize{Ptr: r.u64(1), Size: r.u8(9)}
	case KindCallstackFrame:
		return CallstackFrame{Line: r.u32(1), SymAddr: r.u64(5), SymLen: r.u32(13)}
	case KindSymbolInformation:
		return SymbolInformation{Line: r.u32(1), SymAddr: r.u64(5)}
	case KindFiberEnter:
		return FiberEnter{Time: r.i64(1), Fiber: Handle(r.u64(9)), Thread: r.u32(17)}
	case KindFiberLeave:
		return FiberLeave{Time: r.i64(1), Thread: r.u32(9)}
	case KindAckSourceCodeNotAvailable:
		return SourceCodeNotAvailable{ID: r.u32(1)}
	case KindSymbolCodeMetadata, KindSourceCodeMetadata:
		return StringTransfer{K: k, Ptr: r.u64(1)}
	}
	if k >= KindStringData {
		return StringTransfer{K: k, Ptr: r.u64(1)}
	}
	return Header{K: k}
}
