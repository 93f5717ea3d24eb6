// Package wire defines the binary records exchanged between an instrumented
// process and a collector: the fixed 32-byte event record, its kind table,
// the handshake and welcome messages, query packets and discovery beacons.
package wire

import "fmt"

// Kind is the one-byte tag at the start of every record
type Kind uint8

// Kinds that need worker-side processing (payload transfer, time delta
// encoding, internal metadata) must sort before KindTerminate. All string
// transfer kinds must stay at the end of the list.
const (
	KindZoneText Kind = iota
	KindZoneName
	KindMessage
	KindMessageColor
	KindMessageCallstack
	KindMessageColorCallstack
	KindMessageAppInfo
	KindZoneBeginAllocSrcLoc
	KindZoneBeginAllocSrcLocCallstack
	KindCallstackSerial
	KindCallstack
	KindZoneBegin
	KindZoneBeginCallstack
	KindZoneEnd
	KindLockWait
	KindLockObtain
	KindLockRelease
	KindLockSharedWait
	KindLockSharedObtain
	KindLockSharedRelease
	KindLockName
	KindMemAlloc
	KindMemAllocNamed
	KindMemFree
	KindMemFreeNamed
	KindMemAllocCallstack
	KindMemAllocCallstackNamed
	KindMemFreeCallstack
	KindMemFreeCallstackNamed
	KindPlotDataInt
	KindPlotDataFloat
	KindPlotDataDouble
	KindCallstackFrameSize
	KindSymbolInformation
	KindSymbolCodeMetadata
	KindSourceCodeMetadata
	KindFiberEnter
	KindFiberLeave

	KindTerminate
	KindKeepAlive
	KindThreadContext
	KindZoneValidation
	KindZoneColor
	KindZoneValue
	KindFrameMarkMsg
	KindFrameMarkMsgStart
	KindFrameMarkMsgEnd
	KindSourceLocation
	KindLockAnnounce
	KindLockTerminate
	KindLockMark
	KindMessageLiteral
	KindMessageLiteralColor
	KindMessageLiteralCallstack
	KindMessageLiteralColorCallstack
	KindCallstackFrame
	KindPlotConfig
	KindAckServerQueryNoop
	KindAckSourceCodeNotAvailable
	KindAckSymbolCodeNotAvailable
	KindSingleStringData
	KindSecondStringData
	KindMemNamePayload

	KindStringData
	KindThreadName
	KindPlotName
	KindSourceLocationPayload
	KindCallstackPayload
	KindFrameName
	KindExternalName
	KindExternalThreadName
	KindSymbolCode
	KindSourceCode
	KindFiberName

	NumKinds
)

// TimeRef identifies the reference clock a record's timestamp is delta encoded against
type TimeRef uint8

const (
	// RefNone means the timestamp (if any) is sent as an absolute value
	RefNone TimeRef = iota
	// RefThread is the per-thread reference, reset on every thread context switch
	RefThread
	// RefSerial is the reference shared by everything on the serial path
	RefSerial
)

type kindInfo struct {
	name    string
	size    int
	timeRef TimeRef
	timeOff int
}

const hdr = 1

var kinds = [NumKinds]kindInfo{
	KindZoneText:                      {"ZoneText", hdr, RefNone, 0},
	KindZoneName:                      {"ZoneName", hdr, RefNone, 0},
	KindMessage:                       {"Message", hdr + 8, RefNone, 0},
	KindMessageColor:                  {"MessageColor", hdr + 8 + 3, RefNone, 0},
	KindMessageCallstack:              {"MessageCallstack", hdr + 8, RefNone, 0},
	KindMessageColorCallstack:         {"MessageColorCallstack", hdr + 8 + 3, RefNone, 0},
	KindMessageAppInfo:                {"MessageAppInfo", hdr + 8, RefNone, 0},
	KindZoneBeginAllocSrcLoc:          {"ZoneBeginAllocSrcLoc", hdr + 8, RefThread, 1},
	KindZoneBeginAllocSrcLocCallstack: {"ZoneBeginAllocSrcLocCallstack", hdr + 8, RefThread, 1},
	KindCallstackSerial:               {"CallstackSerial", hdr, RefNone, 0},
	KindCallstack:                     {"Callstack", hdr, RefNone, 0},
	KindZoneBegin:                     {"ZoneBegin", hdr + 16, RefThread, 1},
	KindZoneBeginCallstack:            {"ZoneBeginCallstack", hdr + 16, RefThread, 1},
	KindZoneEnd:                       {"ZoneEnd", hdr + 8, RefThread, 1},
	KindLockWait:                      {"LockWait", hdr + 16, RefSerial, 9},
	KindLockObtain:                    {"LockObtain", hdr + 16, RefSerial, 9},
	KindLockRelease:                   {"LockRelease", hdr + 12, RefSerial, 5},
	KindLockSharedWait:                {"LockSharedWait", hdr + 16, RefSerial, 9},
	KindLockSharedObtain:              {"LockSharedObtain", hdr + 16, RefSerial, 9},
	KindLockSharedRelease:             {"LockSharedRelease", hdr + 16, RefSerial, 5},
	KindLockName:                      {"LockName", hdr + 4, RefNone, 0},
	KindMemAlloc:                      {"MemAlloc", hdr + 26, RefSerial, 1},
	KindMemAllocNamed:                 {"MemAllocNamed", hdr + 26, RefSerial, 1},
	KindMemFree:                       {"MemFree", hdr + 20, RefSerial, 1},
	KindMemFreeNamed:                  {"MemFreeNamed", hdr + 20, RefSerial, 1},
	KindMemAllocCallstack:             {"MemAllocCallstack", hdr + 26, RefSerial, 1},
	KindMemAllocCallstackNamed:        {"MemAllocCallstackNamed", hdr + 26, RefSerial, 1},
	KindMemFreeCallstack:              {"MemFreeCallstack", hdr + 20, RefSerial, 1},
	KindMemFreeCallstackNamed:         {"MemFreeCallstackNamed", hdr + 20, RefSerial, 1},
	KindPlotDataInt:                   {"PlotDataInt", hdr + 24, RefThread, 9},
	KindPlotDataFloat:                 {"PlotDataFloat", hdr + 20, RefThread, 9},
	KindPlotDataDouble:                {"PlotDataDouble", hdr + 24, RefThread, 9},
	KindCallstackFrameSize:            {"CallstackFrameSize", hdr + 9, RefNone, 0},
	KindSymbolInformation:             {"SymbolInformation", hdr + 12, RefNone, 0},
	KindSymbolCodeMetadata:            {"SymbolCodeMetadata", hdr, RefNone, 0},
	KindSourceCodeMetadata:            {"SourceCodeMetadata", hdr, RefNone, 0},
	KindFiberEnter:                    {"FiberEnter", hdr + 20, RefThread, 1},
	KindFiberLeave:                    {"FiberLeave", hdr + 12, RefThread, 1},

	KindTerminate:                    {"Terminate", hdr, RefNone, 0},
	KindKeepAlive:                    {"KeepAlive", hdr, RefNone, 0},
	KindThreadContext:                {"ThreadContext", hdr + 4, RefNone, 0},
	KindZoneValidation:               {"ZoneValidation", hdr + 4, RefNone, 0},
	KindZoneColor:                    {"ZoneColor", hdr + 3, RefNone, 0},
	KindZoneValue:                    {"ZoneValue", hdr + 8, RefNone, 0},
	KindFrameMarkMsg:                 {"FrameMarkMsg", hdr + 16, RefNone, 0},
	KindFrameMarkMsgStart:            {"FrameMarkMsgStart", hdr + 16, RefNone, 0},
	KindFrameMarkMsgEnd:              {"FrameMarkMsgEnd", hdr + 16, RefNone, 0},
	KindSourceLocation:               {"SourceLocation", hdr + 31, RefNone, 0},
	KindLockAnnounce:                 {"LockAnnounce", hdr + 21, RefNone, 0},
	KindLockTerminate:                {"LockTerminate", hdr + 12, RefNone, 0},
	KindLockMark:                     {"LockMark", hdr + 16, RefNone, 0},
	KindMessageLiteral:               {"MessageLiteral", hdr + 16, RefNone, 0},
	KindMessageLiteralColor:          {"MessageLiteralColor", hdr + 19, RefNone, 0},
	KindMessageLiteralCallstack:      {"MessageLiteralCallstack", hdr + 16, RefNone, 0},
	KindMessageLiteralColorCallstack: {"MessageLiteralColorCallstack", hdr + 19, RefNone, 0},
	KindCallstackFrame:               {"CallstackFrame", hdr + 16, RefNone, 0},
	KindPlotConfig:                   {"PlotConfig", hdr + 15, RefNone, 0},
	KindAckServerQueryNoop:           {"AckServerQueryNoop", hdr, RefNone, 0},
	KindAckSourceCodeNotAvailable:    {"AckSourceCodeNotAvailable", hdr + 4, RefNone, 0},
	KindAckSymbolCodeNotAvailable:    {"AckSymbolCodeNotAvailable", hdr, RefNone, 0},
	KindSingleStringData:             {"SingleStringData", hdr, RefNone, 0},
	KindSecondStringData:             {"SecondStringData", hdr, RefNone, 0},
	KindMemNamePayload:               {"MemNamePayload", hdr + 8, RefNone, 0},

	KindStringData:            {"StringData", hdr + 8, RefNone, 0},
	KindThreadName:            {"ThreadName", hdr + 8, RefNone, 0},
	KindPlotName:              {"PlotName", hdr + 8, RefNone, 0},
	KindSourceLocationPayload: {"SourceLocationPayload", hdr + 8, RefNone, 0},
	KindCallstackPayload:      {"CallstackPayload", hdr + 8, RefNone, 0},
	KindFrameName:             {"FrameName", hdr + 8, RefNone, 0},
	KindExternalName:          {"ExternalName", hdr + 8, RefNone, 0},
	KindExternalThreadName:    {"ExternalThreadName", hdr + 8, RefNone, 0},
	KindSymbolCode:            {"SymbolCode", hdr + 8, RefNone, 0},
	KindSourceCode:            {"SourceCode", hdr + 8, RefNone, 0},
	KindFiberName:             {"FiberName", hdr + 8, RefNone, 0},
}

// Sizes maps every kind to the number of bytes transmitted for its record
var Sizes = func() [NumKinds]int {
	var s [NumKinds]int
	for k := range kinds {
		s[k] = kinds[k].size
	}
	return s
}()

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k < NumKinds
}

// Size returns the wire size of the record, or 0 for unknown kinds
func (k Kind) Size() int {
	if !k.Valid() {
		return 0
	}
	return kinds[k].size
}

// TimeRef returns the reference clock the kind's timestamp is encoded against
func (k Kind) TimeRef() TimeRef {
	if !k.Valid() {
		return RefNone
	}
	return kinds[k].timeRef
}

// TimeOffset returns the byte offset of the delta encoded timestamp, or 0 if none
func (k Kind) TimeOffset() int {
	if !k.Valid() {
		return 0
	}
	return kinds[k].timeOff
}

// NeedsProcessing reports whether the worker must inspect the record before sending it
func (k Kind) NeedsProcessing() bool {
	return k < KindTerminate
}

// IsStringTransfer reports whether the record is followed by a u16 length and bytes
func (k Kind) IsStringTransfer() bool {
	return k >= KindStringData && k < NumKinds && !k.IsLongTransfer()
}

// IsLongTransfer reports whether the record is followed by a u32 length and bytes
func (k Kind) IsLongTransfer() bool {
	return k == KindSymbolCode || k == KindSourceCode
}

// IsInlineString reports whether the record is a bare string carrier
// (header, u16 length, bytes) that precedes the record it belongs to
func (k Kind) IsInlineString() bool {
	return k == KindSingleStringData || k == KindSecondStringData
}

// Internal reports whether the kind only travels between goroutines and is
// converted into other records before reaching the wire
func (k Kind) Internal() bool {
	return k == KindSymbolCodeMetadata || k == KindSourceCodeMetadata
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kinds[k].name
}
