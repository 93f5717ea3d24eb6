package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// ProtocolVersion is exchanged during the handshake; both sides must agree
	ProtocolVersion uint32 = 57
	// Shibboleth opens every handshake
	Shibboleth = "TracyPrf"
	// ShibbolethSize is the length of Shibboleth on the wire
	ShibbolethSize = 8
	// HandshakeSize is shibboleth plus protocol version
	HandshakeSize = ShibbolethSize + 4
	// TargetFrameSize is the uncompressed size a frame is flushed at
	TargetFrameSize = 256 * 1024
	// ProgramNameSize bounds the program name in the welcome message and beacons
	ProgramNameSize = 64
	// HostInfoSize bounds the host description in the welcome message
	HostInfoSize = 1024
)

var (
	// ErrBadShibboleth is returned when a connection does not open with Shibboleth
	ErrBadShibboleth = errors.New("bad handshake shibboleth")
	// ErrShortMessage is returned when a fixed size message is truncated
	ErrShortMessage = errors.New("short message")
)

// HandshakeStatus is the single byte reply to a handshake
type HandshakeStatus uint8

const (
	HandshakePending HandshakeStatus = iota
	HandshakeWelcome
	HandshakeProtocolMismatch
	HandshakeNotAvailable
	HandshakeDropped
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakePending:
		return "pending"
	case HandshakeWelcome:
		return "welcome"
	case HandshakeProtocolMismatch:
		return "protocol mismatch"
	case HandshakeNotAvailable:
		return "not available"
	case HandshakeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("HandshakeStatus(%d)", uint8(s))
	}
}

// Handshake is what a collector sends first
type Handshake struct {
	Version uint32
}

// MarshalBinary returns shibboleth and version
func (h Handshake) MarshalBinary() ([]byte, error) {
	b := make([]byte, HandshakeSize)
	copy(b, Shibboleth)
	binary.LittleEndian.PutUint32(b[ShibbolethSize:], h.Version)
	return b, nil
}

// UnmarshalBinary validates the shibboleth and reads the version
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeSize {
		return ErrShortMessage
	}
	if string(b[:ShibbolethSize]) != Shibboleth {
		return ErrBadShibboleth
	}
	h.Version = binary.LittleEndian.Uint32(b[ShibbolethSize:])
	return nil
}

// WelcomeFlags describe optional capabilities of the instrumented process
type WelcomeFlags uint8

const (
	FlagOnDemand WelcomeFlags = 1 << iota
	FlagIsApple
	FlagCodeTransfer
	FlagCombineSamples
	FlagIdentifySamples
)

// CPUArch identifies the instruction set of the instrumented process
type CPUArch uint8

const (
	ArchUnknown CPUArch = iota
	ArchX86
	ArchX64
	ArchARM32
	ArchARM64
)

// WelcomeMessageSize is the fixed encoded size of WelcomeMessage
const WelcomeMessageSize = 8*10 + 1 + 1 + 12 + 4 + ProgramNameSize + HostInfoSize

// WelcomeMessage is sent once after a successful handshake
type WelcomeMessage struct {
	TimerMul       float64
	InitBegin      int64
	InitEnd        int64
	Delay          uint64
	Resolution     uint64
	Epoch          uint64
	ExecTime       uint64
	PID            uint64
	SamplingPeriod int64
	// FrameCodec identifies the frame compressor (encoding.CompressionType)
	FrameCodec      uint8
	Flags           WelcomeFlags
	CPUArch         CPUArch
	CPUManufacturer [12]byte
	CPUID           uint32
	ProgramName     string
	HostInfo        string
}

// MarshalBinary encodes the message; strings longer than their slot are truncated
func (w WelcomeMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, WelcomeMessageSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], math.Float64bits(w.TimerMul))
	le.PutUint64(b[8:], uint64(w.InitBegin))
	le.PutUint64(b[16:], uint64(w.InitEnd))
	le.PutUint64(b[24:], w.Delay)
	le.PutUint64(b[32:], w.Resolution)
	le.PutUint64(b[40:], w.Epoch)
	le.PutUint64(b[48:], w.ExecTime)
	le.PutUint64(b[56:], w.PID)
	le.PutUint64(b[64:], uint64(w.SamplingPeriod))
	b[72] = w.FrameCodec
	// b[73:80] reserved
	b[80] = byte(w.Flags)
	b[81] = byte(w.CPUArch)
	copy(b[82:94], w.CPUManufacturer[:])
	le.PutUint32(b[94:], w.CPUID)
	putCString(b[98:98+ProgramNameSize], w.ProgramName)
	putCString(b[98+ProgramNameSize:], w.HostInfo)
	return b, nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary
func (w *WelcomeMessage) UnmarshalBinary(b []byte) error {
	if len(b) < WelcomeMessageSize {
		return fmt.Errorf("%w: welcome needs %d bytes, have %d", ErrShortMessage, WelcomeMessageSize, len(b))
	}
	le := binary.LittleEndian
	w.TimerMul = math.Float64frombits(le.Uint64(b[0:]))
	w.InitBegin = int64(le.Uint64(b[8:]))
	w.InitEnd = int64(le.Uint64(b[16:]))
	w.Delay = le.Uint64(b[24:])
	w.Resolution = le.Uint64(b[32:])
	w.Epoch = le.Uint64(b[40:])
	w.ExecTime = le.Uint64(b[48:])
	w.PID = le.Uint64(b[56:])
	w.SamplingPeriod = int64(le.Uint64(b[64:]))
	w.FrameCodec = b[72]
	w.Flags = WelcomeFlags(b[80])
	w.CPUArch = CPUArch(b[81])
	copy(w.CPUManufacturer[:], b[82:94])
	w.CPUID = le.Uint32(b[94:])
	w.ProgramName = cString(b[98 : 98+ProgramNameSize])
	w.HostInfo = cString(b[98+ProgramNameSize : WelcomeMessageSize])
	return nil
}

// OnDemandPayloadSize is the encoded size of OnDemandPayload
const OnDemandPayloadSize = 16

// OnDemandPayload follows the welcome message and tells the collector how
// many frames have already passed and what time it is now
type OnDemandPayload struct {
	Frames      uint64
	CurrentTime int64
}

// MarshalBinary encodes the payload
func (p OnDemandPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, OnDemandPayloadSize)
	binary.LittleEndian.PutUint64(b, p.Frames)
	binary.LittleEndian.PutUint64(b[8:], uint64(p.CurrentTime))
	return b, nil
}

// UnmarshalBinary decodes the payload
func (p *OnDemandPayload) UnmarshalBinary(b []byte) error {
	if len(b) < OnDemandPayloadSize {
		return ErrShortMessage
	}
	p.Frames = binary.LittleEndian.Uint64(b)
	p.CurrentTime = int64(binary.LittleEndian.Uint64(b[8:]))
	return nil
}

// QueryType identifies what a collector is asking for
type QueryType uint8

const (
	QueryTerminate QueryType = iota
	QueryString
	QueryThreadString
	QuerySourceLocation
	QueryPlotName
	QueryFrameName
	QueryParameter
	QueryFiberName
	QueryDisconnect
	QueryCallstackFrame
	QueryExternalName
	QuerySymbol
	QuerySymbolCode
	QuerySourceCode
	QueryDataTransfer
	QueryDataTransferPart
	numQueryTypes
)

var queryNames = [numQueryTypes]string{
	"terminate", "string", "thread_string", "source_location", "plot_name",
	"frame_name", "parameter", "fiber_name", "disconnect", "callstack_frame",
	"external_name", "symbol", "symbol_code", "source_code", "data_transfer",
	"data_transfer_part",
}

func (q QueryType) String() string {
	if q >= numQueryTypes {
		return fmt.Sprintf("QueryType(%d)", uint8(q))
	}
	return queryNames[q]
}

// QueryPacketSize is the fixed size of a query on the wire
const QueryPacketSize = 13

// QueryPacket is a collector request
type QueryPacket struct {
	Type  QueryType
	Ptr   uint64
	Extra uint32
}

// MarshalBinary encodes the packet
func (q QueryPacket) MarshalBinary() ([]byte, error) {
	b := make([]byte, QueryPacketSize)
	q.Put(b)
	return b, nil
}

// Put writes the packet into b, which must hold QueryPacketSize bytes
func (q QueryPacket) Put(b []byte) {
	b[0] = byte(q.Type)
	binary.LittleEndian.PutUint64(b[1:], q.Ptr)
	binary.LittleEndian.PutUint32(b[9:], q.Extra)
}

// UnmarshalBinary decodes the packet
func (q *QueryPacket) UnmarshalBinary(b []byte) error {
	if len(b) < QueryPacketSize {
		return ErrShortMessage
	}
	q.Type = QueryType(b[0])
	q.Ptr = binary.LittleEndian.Uint64(b[1:])
	q.Extra = binary.LittleEndian.Uint32(b[9:])
	return nil
}

func putCString(dst []byte, s string) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
