package cli

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/tracepipe/pkg/profiler"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// frameInterval paces the demo's main loop
const frameInterval = 16 * time.Millisecond

// workload is a small simulated application: one goroutine drives frames
// and the others process jobs that contend on a shared cache
type workload struct {
	p       *profiler.Profiler
	logger  *zap.Logger
	workers int

	frame   *profiler.Location
	update  *profiler.Location
	job     *profiler.Location
	lookup  *profiler.Location
	cache   *profiler.SharedLockable
	queueMu *profiler.Lockable

	queueDepth profiler.Literal
	jobLatency profiler.Literal
	physics    profiler.Literal
	started    profiler.Literal

	mu     sync.Mutex
	jobs   []int
	notify chan struct{}
	alloc  atomic.Uint64
}

func newWorkload(p *profiler.Profiler, workers int, logger *zap.Logger) *workload {
	w := &workload{
		p:       p,
		logger:  logger,
		workers: workers,
		frame:   p.Location("frame", "workload.frameLoop", "workload.go", 70, 0x2E7D32),
		update:  p.Location("update", "workload.frameLoop", "workload.go", 82, 0),
		job:     p.Location("job", "workload.worker", "workload.go", 120, 0x1565C0),
		lookup:  p.Location("lookup", "workload.worker", "workload.go", 131, 0),

		queueDepth: p.Literal("queue depth"),
		jobLatency: p.Literal("job latency ms"),
		physics:    p.Literal("physics"),
		started:    p.Literal("worker started"),
	}
	var rw sync.RWMutex
	w.cache = p.NewSharedLockable(p.Location("", "cache", "workload.go", 50, 0), &rw)
	w.cache.CustomName("cache")
	w.queueMu = p.NewLockable(p.Location("", "queue", "workload.go", 51, 0), &w.mu)
	w.queueMu.CustomName("job queue")
	w.notify = make(chan struct{}, workers)

	p.AppInfo(fmt.Sprintf("demo workload with %d workers", workers))
	p.ConfigurePlot(w.queueDepth, profiler.PlotOptions{Format: wire.PlotNumber, Step: true})
	p.ConfigurePlot(w.jobLatency, profiler.PlotOptions{Format: wire.PlotNumber, Fill: true})
	return w
}

// run drives the workload until ctx is done
func (w *workload) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.frameLoop(ctx) })
	for i := 0; i < w.workers; i++ {
		id := i
		g.Go(func() error { return w.worker(ctx, id) })
	}
	err := g.Wait()
	w.queueMu.Close()
	w.cache.Close()
	return err
}

func (w *workload) frameLoop(ctx context.Context) error {
	th := w.p.Thread("main")
	defer th.Close()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(1))
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		z := th.Zone(w.frame)
		z.Value(uint64(n))

		u := th.Zone(w.update)
		jobs := 1 + rng.Intn(2*w.workers)
		w.queueMu.Lock(th)
		for i := 0; i < jobs; i++ {
			w.jobs = append(w.jobs, rng.Intn(500))
		}
		depth := len(w.jobs)
		w.queueMu.Unlock(th)
		for i := 0; i < w.workers; i++ {
			select {
			case w.notify <- struct{}{}:
			default:
			}
		}
		u.End()

		ph := th.ZoneAlloc("physics step", "workload.frameLoop", "workload.go", 95, 0)
		th.FrameMarkStart(w.physics)
		spin(time.Duration(200+rng.Intn(300)) * time.Microsecond)
		th.FrameMarkEnd(w.physics)
		ph.End()

		th.PlotInt(w.queueDepth, int64(depth))
		th.PlotDouble(w.p.Literal("sine"), math.Sin(float64(n)/20))
		if n%60 == 0 {
			th.Message(fmt.Sprintf("frame %d, %d jobs queued", n, depth))
		}
		z.End()
		th.FrameMark()
	}
}

func (w *workload) worker(ctx context.Context, id int) error {
	th := w.p.Thread(fmt.Sprintf("worker %d", id))
	defer th.Close()
	th.MessageLiteral(w.started)

	for ctx.Err() == nil {
		w.queueMu.Lock(th)
		var cost int
		ok := len(w.jobs) > 0
		if ok {
			cost = w.jobs[0]
			w.jobs = w.jobs[1:]
		}
		w.queueMu.Unlock(th)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.notify:
			}
			continue
		}

		start := time.Now()
		z := th.Zone(w.job)
		z.Text(fmt.Sprintf("cost %d", cost))

		l := th.Zone(w.lookup)
		w.cache.RLock(th)
		spin(time.Duration(cost) * time.Microsecond / 4)
		w.cache.RUnlock(th)
		l.End()

		if cost > 450 {
			// rare cache refresh takes the writer side
			w.cache.Lock(th)
			w.cache.Mark(th, w.lookup)
			spin(100 * time.Microsecond)
			w.cache.Unlock(th)
		}

		ptr := w.alloc.Add(1) << 12
		th.Alloc(ptr, uint64(cost)*64)
		spin(time.Duration(cost) * time.Microsecond)
		th.Free(ptr)

		z.End()
		th.PlotFloat(w.jobLatency, float32(time.Since(start).Seconds()*1000))
	}
	return nil
}

// spin burns CPU for d so zones have visible width
func spin(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}
