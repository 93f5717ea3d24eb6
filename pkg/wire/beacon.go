package wire

import (
	"encoding/binary"
	"fmt"
)

// BroadcastVersion is the layout version of beacons sent by this package
const BroadcastVersion uint16 = 3

// Beacon is the normalized content of a discovery broadcast. Older layouts
// lack some fields, which decode as zero.
type Beacon struct {
	Version         uint16
	ProtocolVersion uint32
	ListenPort      uint16
	PID             uint64
	// ActiveTime is seconds since the profiler started, or -1 once a
	// collector has attached or the process is exiting
	ActiveTime  int32
	ProgramName string
}

// Beacon layouts, all little-endian, names NUL terminated and truncated to
// the bytes actually sent:
//
//	v0: u32 version, u32 protocol, u32 activeTime, name[64]
//	v1: u32 version, u32 protocol, u32 listenPort, u32 activeTime, name[64]
//	v2: u16 version, u16 listenPort, u32 protocol, i32 activeTime, name[64]
//	v3: u16 version, u16 listenPort, u32 protocol, u64 pid, i32 activeTime, name[64]
const (
	beaconV0Header = 12
	beaconV1Header = 16
	beaconV2Header = 12
	beaconV3Header = 20
)

var beaconHeaders = [...]int{beaconV0Header, beaconV1Header, beaconV2Header, beaconV3Header}

// MarshalBinary encodes the beacon in the current (v3) layout. Only the used
// part of the program name is included.
func (b Beacon) MarshalBinary() ([]byte, error) {
	name := b.ProgramName
	if len(name) > ProgramNameSize-1 {
		name = name[:ProgramNameSize-1]
	}
	out := make([]byte, beaconV3Header+len(name)+1)
	le := binary.LittleEndian
	le.PutUint16(out[0:], BroadcastVersion)
	le.PutUint16(out[2:], b.ListenPort)
	le.PutUint32(out[4:], b.ProtocolVersion)
	le.PutUint64(out[8:], b.PID)
	le.PutUint32(out[16:], uint32(b.ActiveTime))
	copy(out[beaconV3Header:], name)
	return out, nil
}

// DecodeBeacon parses any known beacon layout. The first little-endian u16
// is the layout version: u32 versions 0 and 1 have a zero high half.
func DecodeBeacon(p []byte) (Beacon, error) {
	if len(p) < 2 {
		return Beacon{}, ErrShortMessage
	}
	le := binary.LittleEndian
	version := le.Uint16(p)
	if int(version) >= len(beaconHeaders) {
		return Beacon{}, fmt.Errorf("unsupported beacon version %d", version)
	}
	header := beaconHeaders[version]
	if len(p) < header {
		return Beacon{}, fmt.Errorf("%w: beacon v%d needs %d bytes, have %d", ErrShortMessage, version, header, len(p))
	}

	b := Beacon{Version: version}
	switch version {
	case 0:
		b.ProtocolVersion = le.Uint32(p[4:])
		b.ActiveTime = int32(le.Uint32(p[8:]))
	case 1:
		b.ProtocolVersion = le.Uint32(p[4:])
		b.ListenPort = uint16(le.Uint32(p[8:]))
		b.ActiveTime = int32(le.Uint32(p[12:]))
	case 2:
		b.ListenPort = le.Uint16(p[2:])
		b.ProtocolVersion = le.Uint32(p[4:])
		b.ActiveTime = int32(le.Uint32(p[8:]))
	case 3:
		b.ListenPort = le.Uint16(p[2:])
		b.ProtocolVersion = le.Uint32(p[4:])
		b.PID = le.Uint64(p[8:])
		b.ActiveTime = int32(le.Uint32(p[16:]))
	}
	name := p[header:]
	if len(name) > ProgramNameSize {
		name = name[:ProgramNameSize]
	}
	b.ProgramName = cString(name)
	return b, nil
}

// EncodeBeaconV0 writes the oldest layout; kept for compatibility tests and
// for collectors that only listen for it
func EncodeBeaconV0(b Beacon) []byte {
	out := make([]byte, beaconV0Header+ProgramNameSize)
	le := binary.LittleEndian
	le.PutUint32(out[0:], 0)
	le.PutUint32(out[4:], b.ProtocolVersion)
	le.PutUint32(out[8:], uint32(b.ActiveTime))
	putCString(out[beaconV0Header:], b.ProgramName)
	return out
}

// EncodeBeaconV1 writes the v1 layout
func EncodeBeaconV1(b Beacon) []byte {
	out := make([]byte, beaconV1Header+ProgramNameSize)
	le := binary.LittleEndian
	le.PutUint32(out[0:], 1)
	le.PutUint32(out[4:], b.ProtocolVersion)
	le.PutUint32(out[8:], uint32(b.ListenPort))
	le.PutUint32(out[12:], uint32(b.ActiveTime))
	putCString(out[beaconV1Header:], b.ProgramName)
	return out
}

// EncodeBeaconV2 writes the v2 layout
func EncodeBeaconV2(b Beacon) []byte {
	out := make([]byte, beaconV2Header+ProgramNameSize)
	le := binary.LittleEndian
	le.PutUint16(out[0:], 2)
	le.PutUint16(out[2:], b.ListenPort)
	le.PutUint32(out[4:], b.ProtocolVersion)
	le.PutUint32(out[8:], uint32(b.ActiveTime))
	putCString(out[beaconV2Header:], b.ProgramName)
	return out
}
