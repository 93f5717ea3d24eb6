package collector

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap/zaptest"
)

// fakeProfiler accepts one connection, answers the handshake with status
// and runs stream on the connection afterwards
func fakeProfiler(t *testing.T, status wire.HandshakeStatus, welcome wire.WelcomeMessage, stream func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, wire.HandshakeSize)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		var hs wire.Handshake
		if err := hs.UnmarshalBinary(buf); err != nil {
			return
		}
		conn.Write([]byte{byte(status)})
		if status != wire.HandshakeWelcome {
			return
		}
		b, _ := welcome.MarshalBinary()
		conn.Write(b)
		if welcome.Flags&wire.FlagOnDemand != 0 {
			b, _ = wire.OnDemandPayload{Frames: 7, CurrentTime: 1234}.MarshalBinary()
			conn.Write(b)
		}
		if stream != nil {
			stream(conn)
		}
	}()
	return ln.Addr().String()
}

func record(e wire.Event) []byte {
	var r wire.Record
	e.Encode(&r)
	return append([]byte(nil), r.Wire()...)
}

func str(k wire.Kind, ptr uint64, s string) []byte {
	var r wire.Record
	if k.IsInlineString() {
		wire.Header{K: k}.Encode(&r)
	} else {
		wire.StringTransfer{K: k, Ptr: ptr}.Encode(&r)
	}
	b := append([]byte(nil), r.Wire()...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func TestDialHandshakeRejections(t *testing.T) {
	tests := []struct {
		status wire.HandshakeStatus
		want   error
	}{
		{wire.HandshakeProtocolMismatch, ErrProtocolMismatch},
		{wire.HandshakeNotAvailable, ErrNotAvailable},
		{wire.HandshakeDropped, ErrDropped},
		{wire.HandshakePending, ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			addr := fakeProfiler(t, tt.status, wire.WelcomeMessage{}, nil)
			_, err := Dial(context.Background(), addr, Config{Logger: zaptest.NewLogger(t)})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDialReadsWelcomeAndOnDemandPayload(t *testing.T) {
	welcome := wire.WelcomeMessage{
		PID:         4242,
		ProgramName: "demo",
		Flags:       wire.FlagOnDemand,
		FrameCodec:  uint8(encoding.CompressionTypeLZ4),
	}
	addr := fakeProfiler(t, wire.HandshakeWelcome, welcome, nil)

	c, err := Dial(context.Background(), addr, Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint64(4242), c.Welcome().PID)
	assert.Equal(t, "demo", c.Welcome().ProgramName)
	require.NotNil(t, c.OnDemand())
	assert.Equal(t, uint64(7), c.OnDemand().Frames)
	assert.Equal(t, int64(1234), c.OnDemand().CurrentTime)
}

func TestNextReconstructsStream(t *testing.T) {
	codecs := []encoding.CompressionType{
		encoding.CompressionTypeLZ4,
		encoding.CompressionTypeZstd,
		encoding.CompressionTypeSnappy,
		encoding.CompressionTypeNone,
	}
	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			welcome := wire.WelcomeMessage{FrameCodec: uint8(codec)}
			addr := fakeProfiler(t, wire.HandshakeWelcome, welcome, func(conn net.Conn) {
				comp, err := encoding.NewCompressor(codec, 0)
				if err != nil {
					return
				}
				// a small target spreads the stream over several frames
				enc := encoding.NewEncoder(conn, comp, 64)
				long := []byte{0x90, 0x90, 0xc3}
				parts := [][]byte{
					record(wire.ThreadContext{Thread: 9}),
					record(wire.ZoneBegin{K: wire.KindZoneBegin, Time: 100, SrcLoc: 5}),
					str(wire.KindSingleStringData, 0, "hello"),
					record(wire.Header{K: wire.KindZoneText}),
					record(wire.Timed{K: wire.KindZoneEnd, Time: 50}),
					str(wire.KindStringData, 77, "zone name"),
					append(append(record(wire.StringTransfer{K: wire.KindSymbolCode, Ptr: 0x1000}),
						binary.LittleEndian.AppendUint32(nil, uint32(len(long)))...), long...),
					record(wire.ThreadContext{Thread: 3}),
					record(wire.ZoneBegin{K: wire.KindZoneBegin, Time: 400, SrcLoc: 5}),
					record(wire.MemAlloc{K: wire.KindMemAlloc, Time: 1000, Thread: 3, Ptr: 1, Size: 8}),
					record(wire.MemFree{K: wire.KindMemFree, Time: 20, Thread: 3, Ptr: 1}),
				}
				for _, p := range parts {
					if err := enc.Append(p); err != nil {
						return
					}
				}
				enc.Flush()
			})

			c, err := Dial(context.Background(), addr, Config{Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			defer c.Close()
			require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

			var got []Event
			for {
				ev, err := c.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				got = append(got, ev)
			}
			require.Len(t, got, 10)

			assert.Equal(t, wire.ThreadContext{Thread: 9}, got[0].Event)
			assert.Equal(t, wire.ZoneBegin{K: wire.KindZoneBegin, Time: 100, SrcLoc: 5}, got[1].Event)
			assert.Equal(t, uint32(9), got[1].Thread)
			assert.Equal(t, wire.KindZoneText, got[2].Kind())
			assert.Equal(t, "hello", got[2].String)
			assert.Equal(t, wire.Timed{K: wire.KindZoneEnd, Time: 150}, got[3].Event)
			assert.Empty(t, got[3].String)
			assert.Equal(t, wire.KindStringData, got[4].Kind())
			assert.Equal(t, []byte("zone name"), got[4].Payload)
			assert.Equal(t, wire.KindSymbolCode, got[5].Kind())
			assert.Equal(t, []byte{0x90, 0x90, 0xc3}, got[5].Payload)

			// a thread switch restarts the thread reference
			assert.Equal(t, wire.ZoneBegin{K: wire.KindZoneBegin, Time: 400, SrcLoc: 5}, got[7].Event)
			assert.Equal(t, uint32(3), got[7].Thread)
			// the serial reference runs independently
			assert.Equal(t, int64(1000), got[8].Event.(wire.MemAlloc).Time)
			assert.Equal(t, int64(1020), got[9].Event.(wire.MemFree).Time)
		})
	}
}

func TestQueryWritesPacket(t *testing.T) {
	received := make(chan wire.QueryPacket, 1)
	addr := fakeProfiler(t, wire.HandshakeWelcome, wire.WelcomeMessage{}, func(conn net.Conn) {
		buf := make([]byte, wire.QueryPacketSize)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		var q wire.QueryPacket
		_ = q.UnmarshalBinary(buf)
		received <- q
	})

	c, err := Dial(context.Background(), addr, Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer c.Close()

	want := wire.QueryPacket{Type: wire.QueryString, Ptr: 0xdead, Extra: 3}
	require.NoError(t, c.Query(want))
	select {
	case q := <-received:
		assert.Equal(t, want, q)
	case <-time.After(5 * time.Second):
		t.Fatal("query never arrived")
	}
}
