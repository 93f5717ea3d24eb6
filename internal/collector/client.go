// Package collector is a minimal collector side client: it performs the
// handshake, decodes the frame stream back into events with absolute
// timestamps and sends queries. It is what the tests and the capture
// command use to talk to a profiler.
package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
)

var (
	// ErrProtocolMismatch is returned when the profiler speaks another version
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	// ErrNotAvailable is returned when the profiler no longer accepts collectors
	ErrNotAvailable = errors.New("profiler not available")
	// ErrDropped is returned when another collector is already attached
	ErrDropped = errors.New("profiler busy with another collector")
	// ErrUnexpectedStatus is returned for handshake replies this client does not know
	ErrUnexpectedStatus = errors.New("unexpected handshake status")
)

// Config configures a client
type Config struct {
	// Version is sent in the handshake; zero means wire.ProtocolVersion
	Version uint32
	// MaxFrame bounds decompressed frames; zero means wire.TargetFrameSize
	MaxFrame int
	// HandshakeTimeout bounds the handshake when ctx has no deadline
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Event is one decoded record. Timestamps are absolute. String and Second
// hold the inline strings that preceded the record; Payload holds the data
// of transfer kinds.
type Event struct {
	wire.Event
	Thread  uint32
	String  string
	Second  string
	Payload []byte
}

// Client is one connection to a profiler. Next must be called from a single
// goroutine; Query may be called concurrently with it.
type Client struct {
	conn   net.Conn
	logger *zap.Logger

	welcome  wire.WelcomeMessage
	onDemand *wire.OnDemandPayload

	frames *encoding.FrameReader
	buf    []byte

	thread    uint32
	refThread int64
	refSerial int64
	single    []byte
	second    []byte
	hasSingle bool
	hasSecond bool

	wmu sync.Mutex
}

// Dial connects to a profiler and completes the handshake
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.Version == 0 {
		cfg.Version = wire.ProtocolVersion
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = wire.TargetFrameSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := &Client{conn: conn, logger: cfg.Logger.With(zap.String("profiler", addr))}
	if err := c.handshake(ctx, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, cfg Config) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(cfg.HandshakeTimeout)
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	hs, _ := wire.Handshake{Version: cfg.Version}.MarshalBinary()
	if _, err := c.conn.Write(hs); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(c.conn, status[:]); err != nil {
		return fmt.Errorf("failed to read handshake status: %w", err)
	}
	switch st := wire.HandshakeStatus(status[0]); st {
	case wire.HandshakeWelcome:
	case wire.HandshakeProtocolMismatch:
		return ErrProtocolMismatch
	case wire.HandshakeNotAvailable:
		return ErrNotAvailable
	case wire.HandshakeDropped:
		return ErrDropped
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, st)
	}

	buf := make([]byte, wire.WelcomeMessageSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	if err := c.welcome.UnmarshalBinary(buf); err != nil {
		return err
	}
	if c.welcome.Flags&wire.FlagOnDemand != 0 {
		buf = buf[:wire.OnDemandPayloadSize]
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			return fmt.Errorf("failed to read on-demand payload: %w", err)
		}
		c.onDemand = &wire.OnDemandPayload{}
		if err := c.onDemand.UnmarshalBinary(buf); err != nil {
			return err
		}
	}

	comp, err := encoding.NewCompressor(encoding.CompressionType(c.welcome.FrameCodec), 0)
	if err != nil {
		return fmt.Errorf("profiler uses an unknown frame codec: %w", err)
	}
	c.frames = encoding.NewFrameReader(c.conn, comp, cfg.MaxFrame)
	c.logger.Debug("Attached",
		zap.String("program", c.welcome.ProgramName),
		zap.Uint64("pid", c.welcome.PID),
		zap.Stringer("codec", encoding.CompressionType(c.welcome.FrameCodec)))
	return nil
}

// Welcome returns what the profiler sent after the handshake
func (c *Client) Welcome() wire.WelcomeMessage { return c.welcome }

// OnDemand returns the on-demand payload, or nil when the profiler is not
// in on-demand mode
func (c *Client) OnDemand() *wire.OnDemandPayload { return c.onDemand }

// Next returns the next record. It returns io.EOF when the profiler closed
// the connection.
func (c *Client) Next() (Event, error) {
	for {
		if err := c.need(1); err != nil {
			return Event{}, err
		}
		k := wire.Kind(c.buf[0])
		if !k.Valid() {
			return Event{}, fmt.Errorf("%w: %d", wire.ErrUnknownKind, c.buf[0])
		}
		size := k.Size()
		if err := c.need(size); err != nil {
			return Event{}, err
		}

		var payload []byte
		total := size
		switch {
		case k.IsInlineString() || k.IsStringTransfer():
			if err := c.need(size + 2); err != nil {
				return Event{}, err
			}
			n := int(binary.LittleEndian.Uint16(c.buf[size:]))
			total = size + 2 + n
			if err := c.need(total); err != nil {
				return Event{}, err
			}
			payload = append([]byte(nil), c.buf[size+2:total]...)
		case k.IsLongTransfer():
			if err := c.need(size + 4); err != nil {
				return Event{}, err
			}
			n := int(binary.LittleEndian.Uint32(c.buf[size:]))
			total = size + 4 + n
			if err := c.need(total); err != nil {
				return Event{}, err
			}
			payload = append([]byte(nil), c.buf[size+4:total]...)
		}

		var rec wire.Record
		copy(rec[:], c.buf[:size])
		c.buf = c.buf[total:]

		switch k {
		case wire.KindSingleStringData:
			c.single, c.hasSingle = payload, true
			continue
		case wire.KindSecondStringData:
			c.second, c.hasSecond = payload, true
			continue
		case wire.KindThreadContext:
			c.refThread = 0
		}

		switch k.TimeRef() {
		case wire.RefThread:
			c.refThread += rec.Time()
			rec.SetTime(c.refThread)
		case wire.RefSerial:
			c.refSerial += rec.Time()
			rec.SetTime(c.refSerial)
		}

		ev := Event{Event: wire.DecodeRecord(&rec), Payload: payload}
		if tc, ok := ev.Event.(wire.ThreadContext); ok {
			c.thread = tc.Thread
		}
		ev.Thread = c.thread
		if c.hasSingle {
			ev.String = string(c.single)
			c.single, c.hasSingle = nil, false
		}
		if c.hasSecond {
			ev.Second = string(c.second)
			c.second, c.hasSecond = nil, false
		}
		return ev, nil
	}
}

// need reads frames until at least n undecoded bytes are buffered
func (c *Client) need(n int) error {
	for len(c.buf) < n {
		frame, err := c.frames.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.buf) > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		c.buf = append(c.buf, frame...)
	}
	return nil
}

// Query sends a query to the profiler
func (c *Client) Query(q wire.QueryPacket) error {
	var b [wire.QueryPacketSize]byte
	q.Put(b[:])
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(b[:]); err != nil {
		return fmt.Errorf("failed to send %s query: %w", q.Type, err)
	}
	return nil
}

// SetReadDeadline bounds the next Next calls
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
