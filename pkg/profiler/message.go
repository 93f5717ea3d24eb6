package profiler

import "github.com/yairfalse/tracepipe/pkg/wire"

// Message logs text on the thread's timeline
func (t *Thread) Message(text string) {
	t.message(wire.KindMessage, text, 0, nil)
}

// MessageColor logs text drawn in rgb
func (t *Thread) MessageColor(text string, rgb uint32) {
	t.message(wire.KindMessageColor, text, rgb, nil)
}

// MessageCallstack logs text along with up to depth caller frames
func (t *Thread) MessageCallstack(text string, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.message(wire.KindMessageCallstack, text, 0, st)
		return
	}
	t.message(wire.KindMessage, text, 0, nil)
}

func (t *Thread) MessageColorCallstack(text string, rgb uint32, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.message(wire.KindMessageColorCallstack, text, rgb, st)
		return
	}
	t.message(wire.KindMessageColor, text, rgb, nil)
}

// MessageLiteral logs an interned string; the collector fetches it once
func (t *Thread) MessageLiteral(text Literal) {
	t.messageLiteral(wire.KindMessageLiteral, text, 0, nil)
}

func (t *Thread) MessageLiteralColor(text Literal, rgb uint32) {
	t.messageLiteral(wire.KindMessageLiteralColor, text, rgb, nil)
}

func (t *Thread) MessageLiteralCallstack(text Literal, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.messageLiteral(wire.KindMessageLiteralCallstack, text, 0, st)
		return
	}
	t.messageLiteral(wire.KindMessageLiteral, text, 0, nil)
}

func (t *Thread) MessageLiteralColorCallstack(text Literal, rgb uint32, depth int) {
	if !t.p.live() {
		return
	}
	if st := stack(1, depth); st != nil {
		t.messageLiteral(wire.KindMessageLiteralColorCallstack, text, rgb, st)
		return
	}
	t.messageLiteral(wire.KindMessageLiteralColor, text, rgb, nil)
}

func (t *Thread) message(k wire.Kind, text string, rgb uint32, st []byte) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.prepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	if st != nil {
		wire.Header{K: wire.KindCallstack}.Encode(&it.Rec)
		it.Blob = st
		it = t.next()
	}
	switch k {
	case wire.KindMessageColor, wire.KindMessageColorCallstack:
		wire.MessageColor{K: k, Time: p.now(), Color: rgb}.Encode(&it.Rec)
	default:
		wire.Timed{K: k, Time: p.now()}.Encode(&it.Rec)
	}
	it.Blob = textBlob(text)
	t.commit()
}

func (t *Thread) messageLiteral(k wire.Kind, text Literal, rgb uint32, st []byte) {
	p := t.p
	if !p.live() {
		return
	}
	it := t.prepare()
	if it == nil {
		p.dropped.Add(1)
		return
	}
	if st != nil {
		wire.Header{K: wire.KindCallstack}.Encode(&it.Rec)
		it.Blob = st
		it = t.next()
	}
	switch k {
	case wire.KindMessageLiteralColor, wire.KindMessageLiteralColorCallstack:
		wire.MessageLiteralColor{K: k, Time: p.now(), Color: rgb, Text: text.h}.Encode(&it.Rec)
	default:
		wire.MessageLiteral{K: k, Time: p.now(), Text: text.h}.Encode(&it.Rec)
	}
	t.commit()
}

// AppInfo publishes a line of information about the process. Every
// collector that attaches later receives all of it.
func (p *Profiler) AppInfo(text string) {
	if p.stopped.Load() {
		return
	}
	it := p.serial.AcquireForce()
	wire.Timed{K: wire.KindMessageAppInfo, Time: p.now()}.Encode(&it.Rec)
	it.Blob = textBlob(text)
	if p.cfg.OnDemand {
		p.held.hold(it)
	}
	p.serial.Release()
}
