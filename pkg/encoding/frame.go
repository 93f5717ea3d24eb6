package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize is the u32 compressed length preceding every frame
const FrameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrRecordTooLarge is returned when a single append can never fit a frame
	ErrRecordTooLarge = errors.New("record larger than frame")
)

// FrameWriter compresses each frame independently and writes it as a u32
// little-endian length followed by the compressed bytes
type FrameWriter struct {
	w          io.Writer
	compressor Compressor
	out        []byte

	frames  uint64
	written uint64
}

// NewFrameWriter creates a frame writer for frames of at most maxFrame bytes
func NewFrameWriter(w io.Writer, c Compressor, maxFrame int) *FrameWriter {
	return &FrameWriter{
		w:          w,
		compressor: c,
		out:        make([]byte, FrameHeaderSize+c.CompressBound(maxFrame)),
	}
}

// WriteFrame compresses and sends one frame. Empty frames are not sent.
func (f *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	body, err := f.compressor.Compress(frame, f.out[FrameHeaderSize:FrameHeaderSize])
	if err != nil {
		return err
	}
	// body usually aliases f.out already; append handles both cases
	f.out = append(f.out[:FrameHeaderSize], body...)
	binary.LittleEndian.PutUint32(f.out, uint32(len(body)))

	if _, err := f.w.Write(f.out); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	f.frames++
	f.written += uint64(len(f.out))
	return nil
}

// Frames returns the number of frames written
func (f *FrameWriter) Frames() uint64 { return f.frames }

// BytesWritten returns the number of bytes written including headers
func (f *FrameWriter) BytesWritten() uint64 { return f.written }

// Compressor returns the codec in use
func (f *FrameWriter) Compressor() Compressor { return f.compressor }

// FrameReader reads frames written by FrameWriter
type FrameReader struct {
	r          io.Reader
	compressor Compressor
	maxFrame   int
	in         []byte
}

// NewFrameReader creates a reader that rejects frames expanding beyond maxFrame
func NewFrameReader(r io.Reader, c Compressor, maxFrame int) *FrameReader {
	return &FrameReader{
		r:          r,
		compressor: c,
		maxFrame:   maxFrame,
	}
}

// ReadFrame returns the next decompressed frame
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if n > f.compressor.CompressBound(f.maxFrame) {
		return nil, fmt.Errorf("%w: %d compressed bytes", ErrFrameTooLarge, n)
	}
	if cap(f.in) < n {
		f.in = make([]byte, n)
	}
	f.in = f.in[:n]
	if _, err := io.ReadFull(f.r, f.in); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return f.compressor.Decompress(f.in, f.maxFrame)
}

// Encoder accumulates records into a frame buffer and flushes it through a
// FrameWriter whenever the next append would exceed the target size
type Encoder struct {
	fw     *FrameWriter
	target int
	buf    []byte
}

// NewEncoder creates an encoder that flushes at target bytes
func NewEncoder(w io.Writer, c Compressor, target int) *Encoder {
	return &Encoder{
		fw:     NewFrameWriter(w, c, target),
		target: target,
		buf:    make([]byte, 0, target),
	}
}

// Reserve flushes the pending frame if n more bytes would not fit
func (e *Encoder) Reserve(n int) error {
	if n > e.target {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, n, e.target)
	}
	if len(e.buf)+n > e.target {
		return e.Flush()
	}
	return nil
}

// Append adds p to the pending frame as one unit
func (e *Encoder) Append(p []byte) error {
	if err := e.Reserve(len(p)); err != nil {
		return err
	}
	e.buf = append(e.buf, p...)
	return nil
}

// AppendParts adds several byte slices that must land in the same frame
func (e *Encoder) AppendParts(parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if err := e.Reserve(n); err != nil {
		return err
	}
	for _, p := range parts {
		e.buf = append(e.buf, p...)
	}
	return nil
}

// Flush sends the pending frame, if any
func (e *Encoder) Flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	err := e.fw.WriteFrame(e.buf)
	e.buf = e.buf[:0]
	return err
}

// Pending returns the number of bytes waiting in the frame buffer
func (e *Encoder) Pending() int { return len(e.buf) }

// Discard drops the pending frame without sending it
func (e *Encoder) Discard() { e.buf = e.buf[:0] }

// Frames returns the number of frames sent
func (e *Encoder) Frames() uint64 { return e.fw.Frames() }

// BytesWritten returns the number of bytes sent including frame headers
func (e *Encoder) BytesWritten() uint64 { return e.fw.BytesWritten() }

// Target returns the frame size the encoder flushes at
func (e *Encoder) Target() int { return e.target }
