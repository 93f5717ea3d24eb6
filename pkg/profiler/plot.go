package profiler

import "github.com/yairfalse/tracepipe/pkg/wire"

// Plot samples and frame marks always use the thread's fast path, fiber
// builds included; their timestamps are not tied to the zone stack.

// PlotInt records an integer sample of the plot called name
func (t *Thread) PlotInt(name Literal, v int64) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.lfqPrepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.PlotInt{Name: name.h, Time: p.now(), Value: v}.Encode(&it.Rec)
	t.lfqCommit()
}

func (t *Thread) PlotFloat(name Literal, v float32) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.lfqPrepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.PlotFloat{Name: name.h, Time: p.now(), Value: v}.Encode(&it.Rec)
	t.lfqCommit()
}

func (t *Thread) PlotDouble(name Literal, v float64) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.lfqPrepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.PlotDouble{Name: name.h, Time: p.now(), Value: v}.Encode(&it.Rec)
	t.lfqCommit()
}

// PlotOptions describe how a collector draws a plot
type PlotOptions struct {
	Format wire.PlotFormat
	Step   bool
	Fill   bool
	Color  uint32
}

// ConfigurePlot sets display options for the plot called name. Like
// AppInfo, the configuration reaches every collector that attaches later.
func (p *Profiler) ConfigurePlot(name Literal, opts PlotOptions) {
	if p.stopped.Load() {
		return
	}
	it := p.serial.AcquireForce()
	wire.PlotConfig{
		Name:   name.h,
		Format: opts.Format,
		Step:   opts.Step,
		Fill:   opts.Fill,
		Color:  opts.Color,
	}.Encode(&it.Rec)
	if p.cfg.OnDemand {
		p.held.hold(it)
	}
	p.serial.Release()
}

// FrameMark ends the main continuous frame. The frame count advances even
// while no collector is attached, so late collectors know how many frames
// they missed.
func (t *Thread) FrameMark() {
	t.p.frameCount.Add(1)
	t.frameMark(wire.KindFrameMarkMsg, 0)
}

// FrameMarkNamed ends a frame of the secondary continuous set called name
func (t *Thread) FrameMarkNamed(name Literal) {
	t.frameMark(wire.KindFrameMarkMsg, name.h)
}

// FrameMarkStart opens a discontinuous frame called name
func (t *Thread) FrameMarkStart(name Literal) {
	t.frameMark(wire.KindFrameMarkMsgStart, name.h)
}

// FrameMarkEnd closes the discontinuous frame called name
func (t *Thread) FrameMarkEnd(name Literal) {
	t.frameMark(wire.KindFrameMarkMsgEnd, name.h)
}

func (t *Thread) frameMark(k wire.Kind, name wire.Handle) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.lfqPrepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	wire.FrameMark{K: k, Time: p.now(), Name: name}.Encode(&it.Rec)
	t.lfqCommit()
}
