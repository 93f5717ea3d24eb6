package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	w := NewFrameWriter(&stream, NewLZ4Compressor(0), 1024)

	frames := [][]byte{sampleFrame(1024), sampleFrame(10), sampleFrame(512)}
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	require.NoError(t, w.WriteFrame(nil), "empty frames are skipped")
	assert.Equal(t, uint64(3), w.Frames())
	assert.Equal(t, uint64(stream.Len()), w.BytesWritten())

	// The first frame's header carries its compressed length
	first := binary.LittleEndian.Uint32(stream.Bytes())
	assert.Positive(t, first)

	r := NewFrameReader(&stream, NewLZ4Compressor(0), 1024)
	for i, want := range frames {
		got, err := r.ReadFrame()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got, "frame %d", i)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRejectsOversizedHeader(t *testing.T) {
	var stream bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 1<<30)
	stream.Write(hdr[:])

	r := NewFrameReader(&stream, NewSnappyCompressor(), 4096)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncoder(t *testing.T) {
	var stream bytes.Buffer
	e := NewEncoder(&stream, NewNoOpCompressor(), 64)

	t.Run("appends stay in the frame until it is full", func(t *testing.T) {
		require.NoError(t, e.Append(bytes.Repeat([]byte{1}, 40)))
		assert.Equal(t, 40, e.Pending())
		assert.Zero(t, e.Frames())

		require.NoError(t, e.AppendParts(bytes.Repeat([]byte{2}, 20), bytes.Repeat([]byte{3}, 10)))
		assert.Equal(t, uint64(1), e.Frames(), "parts that do not fit flush the previous frame first")
		assert.Equal(t, 30, e.Pending())
	})

	t.Run("oversized appends are refused", func(t *testing.T) {
		err := e.Append(make([]byte, 65))
		assert.True(t, errors.Is(err, ErrRecordTooLarge))
	})

	t.Run("flush and discard", func(t *testing.T) {
		require.NoError(t, e.Flush())
		assert.Zero(t, e.Pending())
		assert.Equal(t, uint64(2), e.Frames())

		require.NoError(t, e.Append([]byte{9}))
		e.Discard()
		require.NoError(t, e.Flush())
		assert.Equal(t, uint64(2), e.Frames())
	})

	r := NewFrameReader(&stream, NewNoOpCompressor(), 64)
	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, f1, 40)
	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Repeat([]byte{2}, 20), bytes.Repeat([]byte{3}, 10)...), f2)
}
