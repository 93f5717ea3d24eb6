package profiler

import (
	"time"

	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
)

type resolveKind uint8

const (
	resolveFrame resolveKind = iota
	resolveSymbol
	resolveCode
	resolveSource
)

// symbolQuery is a slow query handed from the worker to the symbol
// goroutine through the ring
type symbolQuery struct {
	kind  resolveKind
	ptr   uint64
	size  uint32
	id    uint32
	file  string
	image string
	// conn is the connection the query arrived on
	conn uint64
}

// maxFrames is the most frames one CallstackFrameSize can announce
const maxFrames = 255

// runResolver answers ring queries until the worker has stopped. Replies
// travel through its own fast path producer like any other thread's
// records, so they stay ordered with the stream.
func (p *Profiler) runResolver() {
	logger := p.logger.Named("symbols")
	t := p.resolveT
	defer t.Close()

	for {
		q := p.symRing.Front()
		if q == nil {
			select {
			case <-p.stopCh:
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		sq := *q
		p.symRing.Pop()

		if !p.connected.Load() || sq.conn != p.connectionID.Load() {
			logger.Debug("Discarding query from a previous session", zap.Uint64("conn", sq.conn))
			continue
		}
		p.answer(t, sq)
	}
}

func (p *Profiler) answer(t *Thread, q symbolQuery) {
	it := t.producer().PrepareForce()
	switch q.kind {
	case resolveFrame:
		image, frames := p.resolver.Frames(q.ptr)
		if len(frames) > maxFrames {
			frames = frames[:maxFrames]
		}
		wire.CallstackFrameSize{Ptr: q.ptr, Size: uint8(len(frames))}.Encode(&it.Rec)
		it.Blob = []byte(image)
		it.Aux = frames

	case resolveSymbol:
		sym, err := p.resolver.Symbol(q.ptr)
		if err != nil {
			sym.File = "[unknown]"
		}
		wire.SymbolInformation{Line: sym.Line, SymAddr: q.ptr}.Encode(&it.Rec)
		it.Blob = []byte(sym.File)

	case resolveCode:
		code, err := p.resolver.SymbolCode(q.ptr, q.size)
		if err != nil || !p.fitsFrame(len(code)) {
			wire.Header{K: wire.KindAckSymbolCodeNotAvailable}.Encode(&it.Rec)
			break
		}
		wire.StringTransfer{K: wire.KindSymbolCodeMetadata, Ptr: q.ptr}.Encode(&it.Rec)
		it.Blob = code

	case resolveSource:
		data, err := p.resolver.SourceCode(q.file, q.image)
		if err != nil || !p.fitsFrame(len(data)) {
			wire.SourceCodeNotAvailable{ID: q.id}.Encode(&it.Rec)
			break
		}
		wire.StringTransfer{K: wire.KindSourceCodeMetadata, Ptr: uint64(q.id)}.Encode(&it.Rec)
		it.Blob = data
	}
	t.lfqCommit()
}

// fitsFrame reports whether a long transfer of n bytes fits in one frame
// together with its header and length prefix
func (p *Profiler) fitsFrame(n int) bool {
	return n < p.cfg.TargetFrameSize-16
}
