package profiler

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/tracepipe/internal/queue"
	"github.com/yairfalse/tracepipe/internal/symbols"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// session is one collector connection as seen by the worker goroutine.
// Nothing in it is shared with producers.
type session struct {
	p      *Profiler
	conn   net.Conn
	enc    *encoding.Encoder
	id     uuid.UUID
	connID uint64
	logger *zap.Logger

	ctx     context.Context
	span    trace.Span
	started time.Time

	// time delta state, reset per connection
	threadCtx uint32
	refThread int64
	refSerial int64

	// heldThrough is the last holding area sequence replayed on connect
	heldThrough uint64

	idle int

	// frame accounting for metrics
	frameRecords int
	frameRaw     int

	queries chan wire.QueryPacket
	done    chan struct{}

	// collector uploads for source code queries
	queryData  []byte
	queryImage []byte
	// terminated is set once Terminate went out; only inline answers follow
	terminated bool
}

func newSession(p *Profiler, conn net.Conn, c encoding.Compressor, id uuid.UUID, logger *zap.Logger) *session {
	s := &session{
		p:       p,
		conn:    conn,
		id:      id,
		connID:  p.connectionID.Load(),
		started: time.Now(),
		ctx:     context.Background(),
		queries: make(chan wire.QueryPacket, 256),
		done:    make(chan struct{}),
		logger: logger.With(
			zap.String("session", id.String()),
			zap.String("peer", conn.RemoteAddr().String())),
	}
	s.enc = encoding.NewEncoder(frameSink{s}, c, p.cfg.TargetFrameSize)
	return s
}

// frameSink puts a write deadline on every frame and accounts for it
type frameSink struct{ s *session }

func (f frameSink) Write(b []byte) (int, error) {
	s := f.s
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.p.cfg.WriteTimeout))
	n, err := s.conn.Write(b)
	if err != nil {
		return n, err
	}
	s.p.framesSent.Add(1)
	s.p.bytesSent.Add(uint64(n))
	s.p.metrics.frameSent(s.frameRecords, s.frameRaw, n)
	s.frameRecords, s.frameRaw = 0, 0
	return n, nil
}

// writeRaw sends bytes outside the frame stream; only used before the
// first frame
func (s *session) writeRaw(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.p.cfg.WriteTimeout))
	_, err := s.conn.Write(b)
	if err == nil {
		s.p.bytesSent.Add(uint64(len(b)))
	}
	return err
}

// close ends the session; reason is the error that ended it, if any
func (s *session) close(reason error) {
	close(s.done)
	s.conn.Close()
	s.enc.Discard()
	elapsed := time.Since(s.started)
	s.p.metrics.sessionEnded(s.ctx, elapsed.Seconds())
	if reason != nil {
		s.span.RecordError(reason)
		s.span.SetStatus(codes.Error, reason.Error())
	}
	s.span.End()
	s.logger.Info("Collector detached",
		zap.Duration("duration", elapsed),
		zap.Uint64("frames_sent", s.enc.Frames()),
		zap.Uint64("bytes_sent", s.enc.BytesWritten()))
}

// readQueries feeds collector queries to the worker until the connection
// fails; the channel is closed then
func (s *session) readQueries() {
	defer close(s.queries)
	buf := make([]byte, wire.QueryPacketSize)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return
		}
		var q wire.QueryPacket
		_ = q.UnmarshalBinary(buf)
		select {
		case s.queries <- q:
		case <-s.done:
			return
		}
	}
}

// pass is one iteration of the streaming loop. It reports false when the
// collector ended the session.
func (s *session) pass() (bool, error) {
	nf, err := s.dequeueFast()
	if err != nil {
		return false, err
	}
	ns, err := s.dequeueSerial()
	if err != nil {
		return false, err
	}

	if nf+ns == 0 {
		if err := s.enc.Flush(); err != nil {
			return false, err
		}
		s.idle++
		if s.idle >= keepAliveIdle {
			s.idle = 0
			if err := s.appendEvent(wire.Header{K: wire.KindKeepAlive}); err != nil {
				return false, err
			}
			if err := s.enc.Flush(); err != nil {
				return false, err
			}
		}
	} else {
		s.idle = 0
	}

	keep, err := s.serveQueries()
	if err != nil || !keep {
		return keep, err
	}
	if nf+ns == 0 {
		time.Sleep(idleSleep)
	}
	return true, nil
}

func (s *session) dequeueFast() (int, error) {
	var err error
	n := s.p.fast.DequeueBulkSingle(dequeueBulk, func(thread uint32, it *queue.Item) {
		if err != nil {
			return
		}
		if thread != s.threadCtx {
			s.threadCtx = thread
			s.refThread = 0
			if err = s.appendEvent(wire.ThreadContext{Thread: thread}); err != nil {
				return
			}
		}
		err = s.process(it)
	})
	return n, err
}

func (s *session) dequeueSerial() (int, error) {
	var err error
	n := s.p.serial.Drain(func(it *queue.Item) {
		if err != nil {
			return
		}
		if it.Deferred != 0 && it.Deferred <= s.heldThrough {
			return
		}
		if fibersEnabled && it.Thread != 0 && it.Thread != s.threadCtx {
			s.threadCtx = it.Thread
			s.refThread = 0
			if err = s.appendEvent(wire.ThreadContext{Thread: it.Thread}); err != nil {
				return
			}
		}
		err = s.process(it)
	})
	return n, err
}

// process sends the payloads a queued record depends on, delta encodes its
// timestamp and appends it
func (s *session) process(it *queue.Item) error {
	rec := &it.Rec
	k := rec.Kind()
	if k.NeedsProcessing() {
		switch k {
		case wire.KindZoneText, wire.KindZoneName,
			wire.KindMessage, wire.KindMessageColor,
			wire.KindMessageCallstack, wire.KindMessageColorCallstack,
			wire.KindMessageAppInfo, wire.KindLockName:
			if err := s.appendString(wire.KindSingleStringData, 0, it.Blob); err != nil {
				return err
			}
		case wire.KindZoneBeginAllocSrcLoc, wire.KindZoneBeginAllocSrcLocCallstack:
			h := s.p.handles.allocate()
			if err := s.appendString(wire.KindSourceLocationPayload, uint64(h), it.Blob); err != nil {
				return err
			}
		case wire.KindCallstack, wire.KindCallstackSerial:
			h := s.p.handles.allocate()
			if err := s.appendString(wire.KindCallstackPayload, uint64(h), it.Blob); err != nil {
				return err
			}
		case wire.KindCallstackFrameSize:
			return s.sendFrames(it)
		case wire.KindSymbolInformation:
			if err := s.appendString(wire.KindSingleStringData, 0, it.Blob); err != nil {
				return err
			}
		case wire.KindSymbolCodeMetadata:
			return s.appendLong(wire.KindSymbolCode, wire.DecodeRecord(rec).(wire.StringTransfer).Ptr, it.Blob)
		case wire.KindSourceCodeMetadata:
			return s.appendLong(wire.KindSourceCode, wire.DecodeRecord(rec).(wire.StringTransfer).Ptr, it.Blob)
		}
		s.delta(rec)
	}
	return s.appendRecord(rec)
}

// delta rewrites the record's timestamp relative to its reference clock
func (s *session) delta(rec *wire.Record) {
	switch rec.Kind().TimeRef() {
	case wire.RefThread:
		t := rec.Time()
		rec.SetTime(t - s.refThread)
		s.refThread = t
	case wire.RefSerial:
		t := rec.Time()
		rec.SetTime(t - s.refSerial)
		s.refSerial = t
	}
}

// sendFrames expands a resolved call stack frame into its records
func (s *session) sendFrames(it *queue.Item) error {
	frames, _ := it.Aux.([]symbols.Frame)
	if err := s.appendString(wire.KindSingleStringData, 0, it.Blob); err != nil {
		return err
	}
	if err := s.appendRecord(&it.Rec); err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.appendString(wire.KindSingleStringData, 0, []byte(f.Name)); err != nil {
			return err
		}
		if err := s.appendString(wire.KindSecondStringData, 0, []byte(f.File)); err != nil {
			return err
		}
		if err := s.appendEvent(wire.CallstackFrame{Line: f.Line, SymAddr: f.SymAddr, SymLen: f.SymLen}); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) appendRecord(rec *wire.Record) error {
	b := rec.Wire()
	if err := s.enc.Append(b); err != nil {
		return err
	}
	s.frameRecords++
	s.frameRaw += len(b)
	return nil
}

func (s *session) appendEvent(e wire.Event) error {
	var r wire.Record
	e.Encode(&r)
	return s.appendRecord(&r)
}

// appendString sends a u16 length prefixed transfer. Inline string kinds
// carry no pointer.
func (s *session) appendString(k wire.Kind, ptr uint64, data []byte) error {
	if len(data) > math.MaxUint16 {
		data = data[:math.MaxUint16]
	}
	var r wire.Record
	if k.IsInlineString() {
		wire.Header{K: k}.Encode(&r)
	} else {
		wire.StringTransfer{K: k, Ptr: ptr}.Encode(&r)
	}
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(data)))
	hdr := r.Wire()
	if err := s.enc.AppendParts(hdr, l[:], data); err != nil {
		return err
	}
	s.frameRecords++
	s.frameRaw += len(hdr) + 2 + len(data)
	return nil
}

// appendLong sends a u32 length prefixed transfer; the whole transfer has
// to fit one frame
func (s *session) appendLong(k wire.Kind, ptr uint64, data []byte) error {
	var r wire.Record
	wire.StringTransfer{K: k, Ptr: ptr}.Encode(&r)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(data)))
	hdr := r.Wire()
	if err := s.enc.AppendParts(hdr, l[:], data); err != nil {
		return fmt.Errorf("failed to send %s transfer: %w", k, err)
	}
	s.frameRecords++
	s.frameRaw += len(hdr) + 4 + len(data)
	return nil
}

// sendTerminate flushes what is pending and tells the collector no more
// data follows
func (s *session) sendTerminate() error {
	s.terminated = true
	if err := s.appendEvent(wire.Header{K: wire.KindTerminate}); err != nil {
		return err
	}
	return s.enc.Flush()
}

// drainForShutdown sends what the queues still hold, announces the end and
// keeps answering queries until the collector closes or the deadline passes
func (s *session) drainForShutdown(deadline time.Time) error {
	for time.Now().Before(deadline) {
		nf, err := s.dequeueFast()
		if err != nil {
			return err
		}
		ns, err := s.dequeueSerial()
		if err != nil {
			return err
		}
		if nf+ns == 0 {
			break
		}
	}
	if err := s.sendTerminate(); err != nil {
		return err
	}
	s.p.setState(StateDisconnecting)
	return s.answerUntilClosed(deadline)
}

// answerUntilClosed discards new data and serves queries until the
// collector goes away. A zero deadline waits for as long as shutdown has
// not been requested.
func (s *session) answerUntilClosed(deadline time.Time) error {
	ticker := time.NewTicker(idleSleep)
	defer ticker.Stop()
	for {
		s.p.clearQueues()
		select {
		case q, ok := <-s.queries:
			if !ok {
				return nil
			}
			for _, q := range s.collect(q) {
				if q.Type == wire.QueryTerminate || q.Type == wire.QueryDisconnect {
					return nil
				}
				if err := s.handleQuery(q); err != nil {
					return err
				}
			}
			if err := s.enc.Flush(); err != nil {
				return err
			}
		case <-ticker.C:
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil
			}
			if deadline.IsZero() && s.p.shutdownRequested.Load() {
				return nil
			}
		}
	}
}
