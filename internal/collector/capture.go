package collector

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// disconnectGrace is how long a capture keeps reading after asking the
// profiler to disconnect
const disconnectGrace = 2 * time.Second

// settle is how long the stream must stay quiet after the end is announced
// before the capture considers every query answered
const settle = 250 * time.Millisecond

// Capture drains a client, asks the profiler for the names behind the
// handles it sees and aggregates what it read
type Capture struct {
	client *Client
	logger *zap.Logger
	out    *json.Encoder

	requested map[query]bool
	strings   map[uint64]string
	threads   map[uint64]string
	plots     map[uint64]string
	frames    map[uint64]string
	locations map[wire.Handle]location
	allocLocs map[string]location
	// SourceLocation answers carry no handle; they arrive in query order
	pendingLocs []wire.Handle

	stacks     map[uint32][]openZone
	zones      map[zoneKey]*zoneAgg
	kinds      map[wire.Kind]uint64
	plotStats  map[uint64]*PlotStat
	messages   []message
	lastAlloc  *location
	events     uint64
	payload    uint64
	frameMark  uint64
	started    time.Time
	terminated bool
}

type query struct {
	t   wire.QueryType
	ptr uint64
}

type location struct {
	name, function, file    wire.Handle
	nameS, functionS, fileS string
	line                    uint32
}

// message is either inline text or a literal handle resolved at summary time
type message struct {
	text string
	lit  wire.Handle
}

type zoneKey struct {
	loc   wire.Handle
	alloc string
}

type openZone struct {
	key   zoneKey
	begin int64
}

type zoneAgg struct {
	count      uint64
	total, max int64
}

// ZoneStat aggregates every completed zone at one source location
type ZoneStat struct {
	Name     string        `json:"name"`
	Function string        `json:"function"`
	File     string        `json:"file"`
	Line     uint32        `json:"line"`
	Count    uint64        `json:"count"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
}

// PlotStat summarizes one plot
type PlotStat struct {
	Name  string  `json:"name"`
	Count uint64  `json:"count"`
	Last  float64 `json:"last"`
}

// Summary is what a capture saw
type Summary struct {
	Program      string            `json:"program"`
	PID          uint64            `json:"pid"`
	Elapsed      time.Duration     `json:"elapsed"`
	Events       uint64            `json:"events"`
	PayloadBytes uint64            `json:"payload_bytes"`
	Frames       uint64            `json:"frames"`
	FrameSets    []string          `json:"frame_sets,omitempty"`
	Kinds        map[string]uint64 `json:"kinds"`
	Threads      map[uint32]string `json:"threads"`
	Zones        []ZoneStat        `json:"zones"`
	Plots        []PlotStat        `json:"plots"`
	Messages     []string          `json:"messages"`
}

// maxMessages bounds the messages kept for the summary
const maxMessages = 100

// NewCapture wraps a connected client. Decoded events are written to out as
// JSON lines when out is not nil.
func NewCapture(client *Client, out io.Writer, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Capture{
		client:    client,
		logger:    logger,
		requested: make(map[query]bool),
		strings:   make(map[uint64]string),
		threads:   make(map[uint64]string),
		plots:     make(map[uint64]string),
		frames:    make(map[uint64]string),
		locations: make(map[wire.Handle]location),
		allocLocs: make(map[string]location),
		stacks:    make(map[uint32][]openZone),
		zones:     make(map[zoneKey]*zoneAgg),
		kinds:     make(map[wire.Kind]uint64),
		plotStats: make(map[uint64]*PlotStat),
	}
	if out != nil {
		c.out = json.NewEncoder(out)
	}
	return c
}

// Run reads until the stream ends or ctx is done. On cancellation the
// profiler is asked to disconnect. Once the profiler announces the end of
// the stream the capture keeps answering for settle, then tells the
// profiler it is done.
func (c *Capture) Run(ctx context.Context) (*Summary, error) {
	c.started = time.Now()
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		for {
			ev, err := c.client.Next()
			if err != nil {
				var nerr net.Error
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
					return nil
				case errors.As(err, &nerr) && nerr.Timeout() && (c.terminated || ctx.Err() != nil):
					return c.client.Query(wire.QueryPacket{Type: wire.QueryTerminate})
				}
				return err
			}
			if err := c.handle(ev); err != nil {
				return err
			}
			if c.terminated {
				_ = c.client.SetReadDeadline(time.Now().Add(settle))
			}
		}
	})

	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-gctx.Done():
		}
		if ctx.Err() == nil {
			return nil
		}
		c.logger.Info("Asking profiler to disconnect")
		_ = c.client.SetReadDeadline(time.Now().Add(disconnectGrace))
		if err := c.client.Query(wire.QueryPacket{Type: wire.QueryDisconnect}); err != nil {
			c.logger.Debug("Disconnect query failed", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	return c.Summary(), err
}

func (c *Capture) ask(t wire.QueryType, ptr uint64) error {
	q := query{t, ptr}
	if c.requested[q] {
		return nil
	}
	c.requested[q] = true
	if t == wire.QuerySourceLocation {
		c.pendingLocs = append(c.pendingLocs, wire.Handle(ptr))
	}
	return c.client.Query(wire.QueryPacket{Type: t, Ptr: ptr})
}

func (c *Capture) handle(ev Event) error {
	c.events++
	c.payload += uint64(len(ev.Payload))
	k := ev.Kind()
	c.kinds[k]++
	if c.out != nil {
		if err := c.out.Encode(jsonEvent{
			Kind: k.String(), Thread: ev.Thread, Event: ev.Event,
			String: ev.String, Second: ev.Second, PayloadLen: len(ev.Payload),
		}); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	switch e := ev.Event.(type) {
	case wire.Header:
		if k == wire.KindTerminate {
			c.logger.Debug("Profiler ended the stream")
			c.terminated = true
		}

	case wire.ThreadContext:
		return c.ask(wire.QueryThreadString, uint64(e.Thread))

	case wire.ZoneBegin:
		c.push(ev.Thread, zoneKey{loc: e.SrcLoc}, e.Time)
		return c.ask(wire.QuerySourceLocation, uint64(e.SrcLoc))

	case wire.Timed:
		switch k {
		case wire.KindZoneBeginAllocSrcLoc, wire.KindZoneBeginAllocSrcLocCallstack:
			key := zoneKey{alloc: "?"}
			if c.lastAlloc != nil {
				key.alloc = c.lastAlloc.nameS + "\x00" + c.lastAlloc.functionS + "\x00" + c.lastAlloc.fileS
				c.allocLocs[key.alloc] = *c.lastAlloc
				c.lastAlloc = nil
			}
			c.push(ev.Thread, key, e.Time)
		case wire.KindZoneEnd:
			c.pop(ev.Thread, e.Time)
		case wire.KindMessage, wire.KindMessageCallstack, wire.KindMessageAppInfo:
			c.message(message{text: ev.String})
		}

	case wire.MessageColor:
		c.message(message{text: ev.String})

	case wire.MessageLiteral:
		c.message(message{lit: e.Text})
		return c.ask(wire.QueryString, uint64(e.Text))

	case wire.MessageLiteralColor:
		c.message(message{lit: e.Text})
		return c.ask(wire.QueryString, uint64(e.Text))

	case wire.FrameMark:
		if k == wire.KindFrameMarkMsg {
			c.frameMark++
		}
		if e.Name != 0 {
			return c.ask(wire.QueryFrameName, uint64(e.Name))
		}

	case wire.PlotInt:
		return c.plot(e.Name, float64(e.Value))
	case wire.PlotFloat:
		return c.plot(e.Name, float64(e.Value))
	case wire.PlotDouble:
		return c.plot(e.Name, e.Value)
	case wire.PlotConfig:
		return c.ask(wire.QueryPlotName, uint64(e.Name))

	case wire.SourceLocation:
		if len(c.pendingLocs) == 0 {
			c.logger.Warn("Unsolicited source location")
			return nil
		}
		h := c.pendingLocs[0]
		c.pendingLocs = c.pendingLocs[1:]
		c.locations[h] = location{name: e.Name, function: e.Function, file: e.File, line: e.Line}
		for _, s := range []wire.Handle{e.Name, e.Function, e.File} {
			if s != 0 {
				if err := c.ask(wire.QueryString, uint64(s)); err != nil {
					return err
				}
			}
		}

	case wire.StringTransfer:
		switch k {
		case wire.KindStringData:
			c.strings[e.Ptr] = string(ev.Payload)
		case wire.KindThreadName:
			c.threads[e.Ptr] = string(ev.Payload)
		case wire.KindPlotName:
			c.plots[e.Ptr] = string(ev.Payload)
		case wire.KindFrameName:
			c.frames[e.Ptr] = string(ev.Payload)
		case wire.KindSourceLocationPayload:
			loc, ok := parseAllocLocation(ev.Payload)
			if ok {
				c.lastAlloc = &loc
			}
		}
	}
	return nil
}

func (c *Capture) push(thread uint32, key zoneKey, t int64) {
	c.stacks[thread] = append(c.stacks[thread], openZone{key: key, begin: t})
}

func (c *Capture) pop(thread uint32, t int64) {
	st := c.stacks[thread]
	if len(st) == 0 {
		// the zone began before this collector attached
		return
	}
	z := st[len(st)-1]
	c.stacks[thread] = st[:len(st)-1]
	agg := c.zones[z.key]
	if agg == nil {
		agg = &zoneAgg{}
		c.zones[z.key] = agg
	}
	d := t - z.begin
	agg.count++
	agg.total += d
	if d > agg.max {
		agg.max = d
	}
}

func (c *Capture) message(m message) {
	if len(c.messages) < maxMessages {
		c.messages = append(c.messages, m)
	}
}

func (c *Capture) plot(name wire.Handle, v float64) error {
	ps := c.plotStats[uint64(name)]
	if ps == nil {
		ps = &PlotStat{}
		c.plotStats[uint64(name)] = ps
	}
	ps.Count++
	ps.Last = v
	return c.ask(wire.QueryPlotName, uint64(name))
}

// parseAllocLocation reads the blob of an allocated source location: u32
// color, u32 line, function and file NUL terminated, then the name
func parseAllocLocation(b []byte) (location, bool) {
	if len(b) < 8 {
		return location{}, false
	}
	loc := location{line: binary.LittleEndian.Uint32(b[4:])}
	rest := b[8:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return location{}, false
	}
	loc.functionS, rest = string(rest[:i]), rest[i+1:]
	i = bytes.IndexByte(rest, 0)
	if i < 0 {
		return location{}, false
	}
	loc.fileS, loc.nameS = string(rest[:i]), string(rest[i+1:])
	return loc, true
}

func (c *Capture) ticks(t int64) time.Duration {
	mul := c.client.Welcome().TimerMul
	if mul <= 0 {
		mul = 1
	}
	return time.Duration(float64(t) * mul)
}

// Summary resolves every handle seen so far and returns the aggregate
func (c *Capture) Summary() *Summary {
	w := c.client.Welcome()
	s := &Summary{
		Program:      w.ProgramName,
		PID:          w.PID,
		Elapsed:      time.Since(c.started),
		Events:       c.events,
		PayloadBytes: c.payload,
		Frames:       c.frameMark,
		Kinds:        make(map[string]uint64, len(c.kinds)),
		Threads:      make(map[uint32]string, len(c.threads)),
	}
	for k, n := range c.kinds {
		s.Kinds[k.String()] = n
	}
	for id, name := range c.threads {
		s.Threads[uint32(id)] = name
	}

	for key, agg := range c.zones {
		var loc location
		if key.alloc != "" {
			loc = c.allocLocs[key.alloc]
		} else {
			loc = c.locations[key.loc]
			loc.nameS = c.strings[uint64(loc.name)]
			loc.functionS = c.strings[uint64(loc.function)]
			loc.fileS = c.strings[uint64(loc.file)]
		}
		name := loc.nameS
		if name == "" {
			name = loc.functionS
		}
		s.Zones = append(s.Zones, ZoneStat{
			Name:     name,
			Function: loc.functionS,
			File:     loc.fileS,
			Line:     loc.line,
			Count:    agg.count,
			Total:    c.ticks(agg.total),
			Max:      c.ticks(agg.max),
		})
	}
	sort.Slice(s.Zones, func(i, j int) bool {
		if s.Zones[i].Total != s.Zones[j].Total {
			return s.Zones[i].Total > s.Zones[j].Total
		}
		return s.Zones[i].Name < s.Zones[j].Name
	})

	for h, ps := range c.plotStats {
		st := *ps
		st.Name = c.plots[h]
		s.Plots = append(s.Plots, st)
	}
	sort.Slice(s.Plots, func(i, j int) bool { return s.Plots[i].Name < s.Plots[j].Name })

	for _, name := range c.frames {
		s.FrameSets = append(s.FrameSets, name)
	}
	sort.Strings(s.FrameSets)

	for _, m := range c.messages {
		if m.lit != 0 {
			m.text = c.strings[uint64(m.lit)]
		}
		s.Messages = append(s.Messages, m.text)
	}
	return s
}

type jsonEvent struct {
	Kind       string     `json:"kind"`
	Thread     uint32     `json:"thread"`
	Event      wire.Event `json:"event"`
	String     string     `json:"string,omitempty"`
	Second     string     `json:"second,omitempty"`
	PayloadLen int        `json:"payload_len,omitempty"`
}

// WriteSummary writes s as indented JSON
func WriteSummary(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
