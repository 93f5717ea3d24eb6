package profiler

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/yairfalse/tracepipe/internal/symbols"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
)

const (
	// unknownString answers queries for handles nobody registered
	unknownString = "???"
	// maxDataTransfer bounds a collector upload
	maxDataTransfer = 64 * 1024
)

// queryClass orders a batch of queries: session control first, then cheap
// lookups, then code and source transfers
func queryClass(t wire.QueryType) int {
	switch t {
	case wire.QueryTerminate, wire.QueryDisconnect:
		return 0
	case wire.QuerySymbolCode, wire.QuerySourceCode,
		wire.QueryDataTransfer, wire.QueryDataTransferPart:
		return 2
	default:
		return 1
	}
}

// collect gathers every query already received after first, in priority
// order. Queries of the same class keep their arrival order.
func (s *session) collect(first wire.QueryPacket) []wire.QueryPacket {
	batch := []wire.QueryPacket{first}
more:
	for {
		select {
		case q, ok := <-s.queries:
			if !ok {
				break more
			}
			batch = append(batch, q)
		default:
			break more
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return queryClass(batch[i].Type) < queryClass(batch[j].Type)
	})
	return batch
}

// serveQueries answers whatever the collector has asked since the last
// pass. It reports false when the session is over.
func (s *session) serveQueries() (bool, error) {
	var first wire.QueryPacket
	select {
	case q, ok := <-s.queries:
		if !ok {
			s.logger.Debug("Collector closed the connection")
			return false, nil
		}
		first = q
	default:
		return true, nil
	}

	for _, q := range s.collect(first) {
		switch q.Type {
		case wire.QueryTerminate:
			s.p.metrics.query(q.Type)
			return false, nil
		case wire.QueryDisconnect:
			s.p.metrics.query(q.Type)
			return false, s.disconnectRequested()
		}
		if err := s.handleQuery(q); err != nil {
			return false, err
		}
	}
	return true, nil
}

// disconnectRequested ends the stream but stays around to answer the
// collector until it hangs up
func (s *session) disconnectRequested() error {
	if err := s.enc.Flush(); err != nil {
		return err
	}
	if err := s.sendTerminate(); err != nil {
		return err
	}
	s.p.setState(StateDisconnecting)
	return s.answerUntilClosed(time.Time{})
}

// handleQuery answers one query. Resolution work is handed to the symbol
// goroutine; everything else is answered inline.
func (s *session) handleQuery(q wire.QueryPacket) error {
	p := s.p
	p.metrics.query(q.Type)

	switch q.Type {
	case wire.QueryString:
		return s.sendHandleString(wire.KindStringData, q.Ptr)
	case wire.QueryPlotName:
		return s.sendHandleString(wire.KindPlotName, q.Ptr)
	case wire.QueryFrameName:
		return s.sendHandleString(wire.KindFrameName, q.Ptr)
	case wire.QueryFiberName:
		return s.sendHandleString(wire.KindFiberName, q.Ptr)

	case wire.QueryThreadString:
		name, ok := p.handles.threadName(uint32(q.Ptr))
		if !ok {
			name = unknownString
		}
		return s.appendString(wire.KindThreadName, q.Ptr, []byte(name))

	case wire.QuerySourceLocation:
		var ev wire.SourceLocation
		if loc, ok := p.handles.location(wire.Handle(q.Ptr)); ok {
			ev = wire.SourceLocation{
				Name:     loc.name,
				Function: loc.function,
				File:     loc.file,
				Line:     loc.line,
				Color:    loc.color,
			}
		}
		return s.appendEvent(ev)

	case wire.QueryParameter:
		if p.cfg.OnParameter != nil {
			p.cfg.OnParameter(uint32(q.Ptr>>32), int32(uint32(q.Ptr)))
		}
		return s.ack()

	case wire.QueryExternalName:
		if err := s.appendString(wire.KindExternalThreadName, q.Ptr, []byte(unknownString)); err != nil {
			return err
		}
		return s.appendString(wire.KindExternalName, q.Ptr, []byte(unknownString))

	case wire.QueryCallstackFrame:
		if !symbols.Enabled || s.terminated || !s.resolve(symbolQuery{kind: resolveFrame, ptr: q.Ptr}) {
			return s.ack()
		}
		return nil

	case wire.QuerySymbol:
		if q.Ptr>>63 != 0 {
			if err := s.appendString(wire.KindSingleStringData, 0, []byte("<kernel>")); err != nil {
				return err
			}
			return s.appendEvent(wire.SymbolInformation{Line: 0, SymAddr: q.Ptr})
		}
		if !symbols.Enabled || s.terminated || !s.resolve(symbolQuery{kind: resolveSymbol, ptr: q.Ptr}) {
			return s.ack()
		}
		return nil

	case wire.QuerySymbolCode:
		if !p.cfg.CodeTransfer || s.terminated || !s.resolve(symbolQuery{kind: resolveCode, ptr: q.Ptr, size: q.Extra}) {
			return s.appendEvent(wire.Header{K: wire.KindAckSymbolCodeNotAvailable})
		}
		return nil

	case wire.QuerySourceCode:
		id := uint32(q.Ptr)
		file, image := cstr(s.queryData), cstr(s.queryImage)
		s.queryData, s.queryImage = nil, nil
		if s.terminated || !s.resolve(symbolQuery{kind: resolveSource, id: id, file: file, image: image}) {
			return s.appendEvent(wire.SourceCodeNotAvailable{ID: id})
		}
		return nil

	case wire.QueryDataTransfer:
		if s.queryData != nil {
			s.queryImage = s.queryData
		}
		size := q.Ptr
		if size > maxDataTransfer {
			size = maxDataTransfer
		}
		s.queryData = make([]byte, 0, size)
		return s.ack()

	case wire.QueryDataTransferPart:
		if len(s.queryData) < maxDataTransfer {
			s.queryData = binary.LittleEndian.AppendUint64(s.queryData, q.Ptr)
			s.queryData = binary.LittleEndian.AppendUint32(s.queryData, q.Extra)
		}
		return s.ack()

	default:
		s.logger.Debug("Unknown query", zap.Uint8("type", uint8(q.Type)))
		return nil
	}
}

// sendHandleString answers a string query from the handle table
func (s *session) sendHandleString(k wire.Kind, ptr uint64) error {
	str, ok := s.p.handles.str(wire.Handle(ptr))
	if !ok {
		str = unknownString
	}
	return s.appendString(k, ptr, []byte(str))
}

func (s *session) ack() error {
	return s.appendEvent(wire.Header{K: wire.KindAckServerQueryNoop})
}

// resolve queues work for the symbol goroutine; false when the ring is full
func (s *session) resolve(q symbolQuery) bool {
	q.conn = s.connID
	return s.p.symRing.Emplace(q)
}

// cstr reads a NUL terminated string out of an upload
func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
