// Package profiler records timeline events from instrumented goroutines and
// streams them to a collector over TCP. Emission never blocks on the
// network: events go into in-process queues that a single transport worker
// drains, compresses and sends while it answers the collector's queries.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yairfalse/tracepipe/internal/clock"
	"github.com/yairfalse/tracepipe/internal/queue"
	"github.com/yairfalse/tracepipe/internal/symbols"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when the worker did not finish in time
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("profiler already started")
)

const instrumentationName = "github.com/yairfalse/tracepipe/pkg/profiler"

// calibrationPeriod is how long the cycle counter is measured at startup
const calibrationPeriod = 100 * time.Millisecond

// Profiler is the process wide profiling context. Create one with New, hand
// out Threads to instrumented goroutines and call Start to begin listening.
type Profiler struct {
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *workerMetrics

	clock     clock.Source
	calib     clock.Calibration
	delay     int64
	initBegin int64
	initEnd   int64
	epoch     time.Time
	execTime  time.Time

	handles  *handleTable
	fast     *queue.Queue
	serial   *queue.Serial
	held     holdingArea
	symRing  *queue.Ring[symbolQuery]
	resolver symbols.Resolver

	threadIDs  atomic.Uint32
	zoneIDs    atomic.Uint32
	lockIDs    atomic.Uint32
	frameCount atomic.Uint64
	dropped    atomic.Uint64
	lostAllocs lostAllocs

	connectionID atomic.Uint64
	connected    atomic.Bool
	// stopped ends emission for good: after the only session of a profiler
	// without OnDemand, or once shutdown has begun
	stopped atomic.Bool

	state             atomic.Int32
	started           atomic.Bool
	shutdownRequested atomic.Bool
	shutdownFinished  atomic.Bool
	sessions          atomic.Uint64
	bytesSent         atomic.Uint64
	framesSent        atomic.Uint64

	port     int
	resolveT *Thread
	stopCh   chan struct{}
	// closeErr is written by the worker before shutdownFinished is set
	closeErr error
}

// New creates a profiler. Timer calibration happens here; call it early so
// the reported initialization window is meaningful.
func New(cfg *Config) (*Profiler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profiler config: %w", err)
	}

	p := &Profiler{
		cfg:     *cfg,
		logger:  cfg.Logger,
		handles: newHandleTable(),
		fast:    queue.New(cfg.MaxProducerItems),
		serial:  queue.NewSerial(cfg.MaxSerialItems),
		epoch:   time.Now(),
		stopCh:  make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.cfg.Logger = p.logger
	if p.cfg.ProgramName == "" {
		p.cfg.ProgramName = filepath.Base(os.Args[0])
	}
	if p.cfg.HostInfo == "" {
		p.cfg.HostInfo = hostInfo()
	}

	p.clock = clock.Probe(cfg.ForceMonotonic)
	p.initBegin = p.clock.Now()
	p.calib = clock.Calibrate(p.clock, calibrationPeriod)

	ring, err := queue.NewRing[symbolQuery](cfg.SymbolRingCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create symbol ring: %w", err)
	}
	p.symRing = ring

	p.execTime = executableTime(p.epoch)
	p.resolver = cfg.Resolver
	if p.resolver == nil {
		p.resolver = symbols.NewRuntimeResolver(symbols.Config{
			Fs:            cfg.SourceFs,
			ExecTime:      p.execTime,
			MaxSourceSize: cfg.TargetFrameSize - 16,
			CodeTransfer:  cfg.CodeTransfer,
			Logger:        p.logger.Named("symbols"),
		})
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	p.metrics = newWorkerMetrics(meter, p.logger, p)
	p.tracer = cfg.Tracer
	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName)
	}

	p.delay = p.calibrateDelay()
	p.resolveT = p.Thread("tracepipe symbols")
	p.initEnd = p.clock.Now()

	p.logger.Debug("Profiler created",
		zap.String("timer", p.clock.Name()),
		zap.Float64("timer_mul", p.calib.Multiplier),
		zap.Int64("resolution", p.calib.Resolution),
		zap.Int64("delay", p.delay),
		zap.Bool("on_demand", p.cfg.OnDemand))
	return p, nil
}

// calibrateDelay estimates what one queued event costs, in ticks, as the
// fastest of several rounds of encode and commit on a private queue
func (p *Profiler) calibrateDelay() int64 {
	const (
		rounds = 5
		events = 1000
	)
	q := queue.New(0)
	prod := q.NewProducer(0)
	best := int64(math.MaxInt64)
	for r := 0; r < rounds; r++ {
		t0 := p.clock.Now()
		for i := 0; i < events; i++ {
			it := prod.PrepareForce()
			wire.ZoneBegin{K: wire.KindZoneBegin, Time: p.clock.Now()}.Encode(&it.Rec)
			prod.Commit()
		}
		t1 := p.clock.Now()
		if d := (t1 - t0) / events; d < best {
			best = d
		}
		q.Clear(nil)
	}
	if best < 0 {
		best = 0
	}
	return best
}

func executableTime(fallback time.Time) time.Time {
	path, err := os.Executable()
	if err != nil {
		return fallback
	}
	st, err := os.Stat(path)
	if err != nil {
		return fallback
	}
	return st.ModTime()
}

func hostInfo() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("OS: %s\nCompiler: %s\nHost: %s\nArch: %s\nCPU cores: %d\n",
		runtime.GOOS, runtime.Version(), host, runtime.GOARCH, runtime.NumCPU())
}

// live reports whether cheap events should be queued at all
func (p *Profiler) live() bool {
	if p.cfg.OnDemand {
		return p.connected.Load()
	}
	return !p.stopped.Load()
}

// now reads the profiler timer in raw ticks
func (p *Profiler) now() int64 {
	return p.clock.Now()
}

// Now returns the current profiler time in timer ticks
func (p *Profiler) Now() int64 { return p.now() }

func (p *Profiler) setState(s State) {
	p.state.Store(int32(s))
}

// State returns the transport worker's current state
func (p *Profiler) State() State {
	return State(p.state.Load())
}

// IsConnected reports whether a collector is attached
func (p *Profiler) IsConnected() bool { return p.connected.Load() }

// ConnectionID changes every time a collector attaches in OnDemand mode
func (p *Profiler) ConnectionID() uint64 { return p.connectionID.Load() }

// Port returns the TCP port the profiler listens on, once started
func (p *Profiler) Port() int { return p.port }

// FrameCount returns the number of main frames marked so far
func (p *Profiler) FrameCount() uint64 { return p.frameCount.Load() }

// Start binds the listening socket and starts the transport worker. The
// worker runs until RequestShutdown or until ctx is done.
func (p *Profiler) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ln, err := p.listen()
	if err != nil {
		p.stopped.Store(true)
		p.setState(StateStopped)
		p.shutdownFinished.Store(true)
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.port = ln.Addr().(*net.TCPAddr).Port

	var bc *broadcaster
	if p.cfg.Broadcast.Enabled {
		bc, err = newBroadcaster(p.cfg.Broadcast, p.cfg.ProgramName, p.port, p.logger)
		if err != nil {
			p.logger.Warn("Discovery broadcast disabled", zap.Error(err))
			bc = nil
		}
	}

	p.logger.Info("Profiler listening",
		zap.String("address", ln.Addr().String()),
		zap.String("program", p.cfg.ProgramName))

	w := &worker{p: p, ln: ln, bc: bc, logger: p.logger.Named("worker")}
	go w.run()
	go p.runResolver()
	context.AfterFunc(ctx, p.RequestShutdown)
	return nil
}

// RequestShutdown asks the worker to finish. It returns immediately.
func (p *Profiler) RequestShutdown() {
	if p.shutdownRequested.CompareAndSwap(false, true) {
		p.logger.Debug("Shutdown requested")
	}
}

// HasShutdownFinished reports whether the worker has sent what it could and
// closed its sockets
func (p *Profiler) HasShutdownFinished() bool {
	return p.shutdownFinished.Load()
}

// Shutdown requests shutdown and polls until the worker is done or ctx
// expires. The worker itself is bounded by ShutdownTimeout.
func (p *Profiler) Shutdown(ctx context.Context) error {
	if p.started.CompareAndSwap(false, true) {
		// never started
		p.stopped.Store(true)
		p.setState(StateStopped)
		p.shutdownFinished.Store(true)
		return nil
	}
	p.RequestShutdown()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !p.HasShutdownFinished() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
	return p.closeErr
}

// Stats is a point in time view of the profiler
type Stats struct {
	State        string      `json:"state"`
	Connected    bool        `json:"connected"`
	ConnectionID uint64      `json:"connection_id"`
	Sessions     uint64      `json:"sessions"`
	Frames       uint64      `json:"frames"`
	Dropped      uint64      `json:"dropped"`
	Held         int         `json:"held"`
	BytesSent    uint64      `json:"bytes_sent"`
	FramesSent   uint64      `json:"frames_sent"`
	FastQueue    queue.Stats `json:"fast_queue"`
	SerialQueue  queue.Stats `json:"serial_queue"`
}

// Stats returns current counters
func (p *Profiler) Stats() Stats {
	return Stats{
		State:        p.State().String(),
		Connected:    p.connected.Load(),
		ConnectionID: p.connectionID.Load(),
		Sessions:     p.sessions.Load(),
		Frames:       p.frameCount.Load(),
		Dropped:      p.dropped.Load(),
		Held:         p.held.Len(),
		BytesSent:    p.bytesSent.Load(),
		FramesSent:   p.framesSent.Load(),
		FastQueue:    p.fast.Stats(),
		SerialQueue:  p.serial.Stats(),
	}
}

// clearQueues discards everything queued. Worker only.
func (p *Profiler) clearQueues() int {
	return p.fast.Clear(nil) + p.serial.Drain(nil)
}
