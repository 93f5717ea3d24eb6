package profiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/tracepipe/internal/clock"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// acceptPoll bounds how long Accept blocks between shutdown checks
	acceptPoll = 100 * time.Millisecond
	// idleSleep is the pause after a pass that found nothing to send
	idleSleep = 10 * time.Millisecond
	// keepAliveIdle is how many idle passes pass before a keep-alive
	keepAliveIdle = 500
	// dequeueBulk caps the records taken from the fast path per pass
	dequeueBulk = 1024
	// rejectInterval bounds how long a second collector waits for its
	// answer while the stream is busy
	rejectInterval = 100 * time.Millisecond
)

// listen binds the profiler port, trying the following ones as well when
// PortSearch is set. Port 0 lets the system choose.
func (p *Profiler) listen() (*net.TCPListener, error) {
	tries := 1
	if p.cfg.PortSearch && p.cfg.Port != 0 {
		tries = portSearchRange
	}
	var errs error
	for i := 0; i < tries; i++ {
		addr := net.JoinHostPort(p.cfg.ListenAddress, strconv.Itoa(p.cfg.Port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		return ln.(*net.TCPListener), nil
	}
	return nil, errs
}

// worker owns the listening socket and every collector connection. All
// queue consumption happens on its goroutine.
type worker struct {
	p      *Profiler
	ln     *net.TCPListener
	bc     *broadcaster
	logger *zap.Logger

	lastReject time.Time
}

func (w *worker) run() {
	p := w.p
	defer w.finish()

	for {
		conn, ok := w.accept()
		if !ok {
			return
		}
		if !w.handshake(conn) {
			continue
		}
		if w.serve(conn) {
			return
		}
		if !p.cfg.OnDemand {
			// the retained data went to that collector; nobody else gets any
			p.stopped.Store(true)
			p.clearQueues()
			w.logger.Info("Session ended, further collectors will be refused")
		}
	}
}

// finish closes the sockets and publishes the shutdown result
func (w *worker) finish() {
	p := w.p
	p.stopped.Store(true)
	p.connected.Store(false)

	var errs error
	if w.bc != nil {
		w.bc.send(-1)
		errs = multierr.Append(errs, w.bc.Close())
	}
	if err := w.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, err)
	}
	close(p.stopCh)

	p.closeErr = errs
	p.setState(StateStopped)
	p.shutdownFinished.Store(true)
	w.logger.Info("Profiler stopped", zap.Uint64("sessions", p.sessions.Load()))
}

// accept waits for the next collector, sending discovery beacons meanwhile.
// It reports false once shutdown has been requested.
func (w *worker) accept() (net.Conn, bool) {
	p := w.p
	p.setState(StateWaitingForClient)
	var lastBeacon time.Time
	for {
		if p.shutdownRequested.Load() {
			return nil, false
		}
		if p.cfg.OnDemand {
			// anything queued without a collector is either held or stale
			p.clearQueues()
		}
		if w.bc != nil && time.Since(lastBeacon) >= p.cfg.Broadcast.Interval {
			w.bc.send(int32(time.Since(p.epoch) / time.Second))
			lastBeacon = time.Now()
		}

		_ = w.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := w.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, false
			}
			w.logger.Debug("Accept failed", zap.Error(err))
			time.Sleep(idleSleep)
			continue
		}
		if w.bc != nil {
			w.bc.send(-1)
		}
		return conn, true
	}
}

// handshake validates the collector's greeting. Connections that fail it
// are closed and the worker goes back to waiting.
func (w *worker) handshake(conn net.Conn) bool {
	p := w.p
	p.setState(StateHandshaking)
	logger := w.logger.With(zap.String("peer", conn.RemoteAddr().String()))

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	buf := make([]byte, wire.HandshakeSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		logger.Debug("Handshake read failed", zap.Error(err))
		conn.Close()
		return false
	}
	var hs wire.Handshake
	if err := hs.UnmarshalBinary(buf); err != nil {
		logger.Debug("Handshake rejected", zap.Error(err))
		conn.Close()
		return false
	}
	if hs.Version != wire.ProtocolVersion {
		logger.Info("Collector protocol mismatch",
			zap.Uint32("collector", hs.Version),
			zap.Uint32("profiler", wire.ProtocolVersion))
		w.reply(conn, wire.HandshakeProtocolMismatch)
		conn.Close()
		return false
	}
	if p.stopped.Load() {
		w.reply(conn, wire.HandshakeNotAvailable)
		conn.Close()
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return true
}

func (w *worker) reply(conn net.Conn, status wire.HandshakeStatus) error {
	w.p.metrics.handshake(status)
	_ = conn.SetWriteDeadline(time.Now().Add(w.p.cfg.WriteTimeout))
	_, err := conn.Write([]byte{byte(status)})
	return err
}

// rejectWaiting turns away collectors that connect while a session is live
func (w *worker) rejectWaiting() {
	_ = w.ln.SetDeadline(time.Now().Add(time.Millisecond))
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			return
		}
		w.logger.Debug("Collector dropped, session in progress",
			zap.String("peer", conn.RemoteAddr().String()))
		// consume the greeting so the close does not reset the reply
		_ = conn.SetReadDeadline(time.Now().Add(acceptPoll))
		_, _ = io.ReadFull(conn, make([]byte, wire.HandshakeSize))
		_ = w.reply(conn, wire.HandshakeDropped)
		conn.Close()
	}
}

// rejectDue reports whether pending connections should be turned away now:
// on every idle pass, and at least every rejectInterval under load
func (w *worker) rejectDue(now time.Time, idle bool) bool {
	return idle || now.Sub(w.lastReject) >= rejectInterval
}

// serve runs one collector session to its end. It reports whether the
// worker should stop.
func (w *worker) serve(conn net.Conn) bool {
	p := w.p
	s, err := w.connect(conn)
	if err != nil {
		w.logger.Debug("Session setup failed", zap.Error(err))
		w.disconnect(s, conn, err)
		return false
	}
	p.setState(StateStreaming)
	go s.readQueries()

	var reason error
	shutdown := false
	for {
		if p.shutdownRequested.Load() {
			shutdown = true
			if err := s.drainForShutdown(time.Now().Add(p.cfg.ShutdownTimeout)); err != nil {
				s.logger.Debug("Shutdown drain ended early", zap.Error(err))
			}
			break
		}
		keep, err := s.pass()
		if err != nil {
			s.logger.Debug("Session ended", zap.Error(err))
			reason = err
			break
		}
		if !keep {
			break
		}
		if now := time.Now(); w.rejectDue(now, s.idle > 0) {
			w.lastReject = now
			w.rejectWaiting()
		}
	}
	w.disconnect(s, conn, reason)
	return shutdown
}

// connect completes the handshake and primes a new session
func (w *worker) connect(conn net.Conn) (*session, error) {
	p := w.p
	if p.cfg.OnDemand {
		p.clearQueues()
		p.connectionID.Add(1)
	}
	p.connected.Store(true)
	p.sessions.Add(1)

	comp, err := encoding.NewCompressor(p.cfg.Compression, p.cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	id := uuid.New()
	ctx, span := p.tracer.Start(context.Background(), "tracepipe.session",
		trace.WithAttributes(
			attribute.String("session.id", id.String()),
			attribute.String("collector.address", conn.RemoteAddr().String()),
		))
	s := newSession(p, conn, comp, id, w.logger)
	s.ctx, s.span = ctx, span

	if err := w.reply(conn, wire.HandshakeWelcome); err != nil {
		return s, fmt.Errorf("failed to send handshake status: %w", err)
	}
	welcome, _ := p.welcome().MarshalBinary()
	if err := s.writeRaw(welcome); err != nil {
		return s, fmt.Errorf("failed to send welcome: %w", err)
	}
	if p.cfg.OnDemand {
		payload, _ := wire.OnDemandPayload{Frames: p.frameCount.Load(), CurrentTime: p.now()}.MarshalBinary()
		if err := s.writeRaw(payload); err != nil {
			return s, fmt.Errorf("failed to send on-demand payload: %w", err)
		}
		through, err := p.held.replay(s.process)
		if err != nil {
			return s, fmt.Errorf("failed to replay held records: %w", err)
		}
		s.heldThrough = through
	}

	s.logger.Info("Collector attached",
		zap.Uint64("connection_id", s.connID),
		zap.Int("held", p.held.Len()))
	return s, nil
}

// disconnect tears a session down and returns the worker to waiting
func (w *worker) disconnect(s *session, conn net.Conn, reason error) {
	p := w.p
	p.setState(StateDisconnecting)
	p.connected.Store(false)
	if s != nil {
		s.close(reason)
	} else {
		conn.Close()
	}
	p.clearQueues()
}

// welcome describes this process to a collector
func (p *Profiler) welcome() wire.WelcomeMessage {
	vendor, sig := clock.CPUInfo()
	var flags wire.WelcomeFlags
	if p.cfg.OnDemand {
		flags |= wire.FlagOnDemand
	}
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		flags |= wire.FlagIsApple
	}
	if p.cfg.CodeTransfer {
		flags |= wire.FlagCodeTransfer
	}
	return wire.WelcomeMessage{
		TimerMul:        p.calib.Multiplier,
		InitBegin:       p.initBegin,
		InitEnd:         p.initEnd,
		Delay:           uint64(p.delay),
		Resolution:      uint64(p.calib.Resolution),
		Epoch:           uint64(p.epoch.Unix()),
		ExecTime:        uint64(p.execTime.Unix()),
		PID:             uint64(os.Getpid()),
		FrameCodec:      uint8(p.cfg.Compression),
		Flags:           flags,
		CPUArch:         cpuArch(),
		CPUManufacturer: vendor,
		CPUID:           (sig & 0xFFF) | ((sig & 0xFFF0000) >> 4),
		ProgramName:     p.cfg.ProgramName,
		HostInfo:        p.cfg.HostInfo,
	}
}

func cpuArch() wire.CPUArch {
	switch runtime.GOARCH {
	case "386":
		return wire.ArchX86
	case "amd64":
		return wire.ArchX64
	case "arm":
		return wire.ArchARM32
	case "arm64":
		return wire.ArchARM64
	default:
		return wire.ArchUnknown
	}
}
