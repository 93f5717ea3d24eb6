package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tracepipe/pkg/wire"
)

func TestSerialTotalOrder(t *testing.T) {
	s := NewSerial(0)

	// Writers stamp a shared counter while holding the queue, so the
	// consumer must see the stamps strictly increasing.
	var stamp uint64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(thread uint32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				it := s.Acquire()
				stamp++
				wire.ZoneValue{Value: stamp}.Encode(&it.Rec)
				it.Thread = thread
				s.Release()
			}
		}(uint32(w))
	}

	var last uint64
	total := 0
	check := func(it *Item) {
		v := seqOf(it)
		assert.Greater(t, v, last)
		last = v
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		total += s.Drain(check)
	}
	total += s.Drain(check)
	assert.Equal(t, 4000, total)
}

func TestSerialMultiRecordWindow(t *testing.T) {
	s := NewSerial(0)

	it := s.Acquire()
	it.Blob = []byte{1, 2, 3}
	wire.Header{K: wire.KindCallstackSerial}.Encode(&it.Rec)
	it = s.Next()
	wire.MemAlloc{K: wire.KindMemAllocCallstack, Ptr: 0x10, Size: 8}.Encode(&it.Rec)
	s.Release()

	var kinds []wire.Kind
	var blobs [][]byte
	n := s.Drain(func(it *Item) {
		kinds = append(kinds, it.Rec.Kind())
		blobs = append(blobs, it.Blob)
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []wire.Kind{wire.KindCallstackSerial, wire.KindMemAllocCallstack}, kinds)
	assert.Equal(t, []byte{1, 2, 3}, blobs[0])
}

func TestSerialCap(t *testing.T) {
	s := NewSerial(2)
	for i := 0; i < 2; i++ {
		it := s.Acquire()
		require.NotNil(t, it)
		s.Release()
	}
	assert.Nil(t, s.Acquire())

	it := s.AcquireForce()
	require.NotNil(t, it)
	s.Release()

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, int64(3), st.Queued)
	assert.Equal(t, 3, s.Drain(nil))
	assert.NotNil(t, s.Acquire())
	s.Release()
}

func TestRing(t *testing.T) {
	_, err := NewRing[int](3)
	assert.ErrorIs(t, err, ErrCapacityNotPowerOfTwo)

	r, err := NewRing[int](4)
	require.NoError(t, err)
	assert.Nil(t, r.Front())

	for i := 0; i < 4; i++ {
		require.True(t, r.Emplace(i))
	}
	assert.False(t, r.Emplace(4), "full ring refuses instead of blocking")
	assert.Equal(t, 4, r.Len())

	for i := 0; i < 4; i++ {
		v := r.Front()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
		r.Pop()
	}
	assert.Zero(t, r.Len())
	assert.True(t, r.Emplace(10))
	assert.Equal(t, 10, *r.Front())
}

func TestRingConcurrent(t *testing.T) {
	r, err := NewRing[uint64](64)
	require.NoError(t, err)

	const total = 10000
	go func() {
		for i := uint64(0); i < total; {
			if r.Emplace(i) {
				i++
			}
		}
	}()

	for want := uint64(0); want < total; {
		v := r.Front()
		if v == nil {
			continue
		}
		require.Equal(t, want, *v)
		r.Pop()
		want++
	}
}
