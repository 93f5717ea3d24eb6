package queue

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tracepipe/pkg/wire"
)

func push(t testing.TB, p *Producer, seq uint64) bool {
	t.Helper()
	it := p.Prepare()
	if it == nil {
		return false
	}
	wire.ZoneValue{Value: seq}.Encode(&it.Rec)
	p.Commit()
	return true
}

func seqOf(it *Item) uint64 {
	return binary.LittleEndian.Uint64(it.Rec[1:])
}

func TestQueuePerProducerOrder(t *testing.T) {
	q := New(0)
	const producers = 8
	const perProducer = 5 * segmentSize

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		p := q.NewProducer(uint32(i + 1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := uint64(0); s < perProducer; s++ {
				push(t, p, s)
			}
		}()
	}

	next := make(map[uint32]uint64)
	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	drain := func() {
		for {
			n := q.DequeueBulkSingle(64, func(thread uint32, it *Item) {
				assert.Equal(t, next[thread], seqOf(it), "thread %d out of order", thread)
				next[thread]++
			})
			got += n
			if n == 0 {
				return
			}
		}
	}

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		drain()
	}
	drain()

	assert.Equal(t, producers*perProducer, got)
	for th, n := range next {
		assert.Equal(t, uint64(perProducer), n, "thread %d", th)
	}
	st := q.Stats()
	assert.Equal(t, uint64(producers*perProducer), st.Enqueued)
	assert.Equal(t, st.Enqueued, st.Dequeued)
	assert.Zero(t, st.Queued)
}

func TestQueueRoundRobin(t *testing.T) {
	q := New(0)
	a := q.NewProducer(1)
	b := q.NewProducer(2)
	for i := 0; i < 3; i++ {
		push(t, a, uint64(i))
		push(t, b, uint64(i))
	}

	var threads []uint32
	for q.DequeueBulkSingle(1, func(thread uint32, _ *Item) { threads = append(threads, thread) }) > 0 {
	}
	assert.Equal(t, []uint32{1, 2, 1, 2, 1, 2}, threads)
}

func TestQueueProducerCap(t *testing.T) {
	q := New(4)
	p := q.NewProducer(1)

	for i := 0; i < 4; i++ {
		require.True(t, push(t, p, uint64(i)))
	}
	assert.False(t, push(t, p, 4), "fifth record is dropped")
	assert.Equal(t, uint64(1), q.Stats().Dropped)

	// forced records still get in so admitted pairs can close
	it := p.PrepareForce()
	require.NotNil(t, it)
	wire.Timed{K: wire.KindZoneEnd, Time: 9}.Encode(&it.Rec)
	p.Commit()
	assert.Equal(t, 5, p.Len())

	var kinds []wire.Kind
	q.DequeueBulkSingle(100, func(_ uint32, it *Item) { kinds = append(kinds, it.Rec.Kind()) })
	require.Len(t, kinds, 5)
	assert.Equal(t, wire.KindZoneEnd, kinds[4])
	assert.True(t, push(t, p, 5), "draining reopens the producer")
}

func TestQueueClearReleasesPayloads(t *testing.T) {
	q := New(0)
	p := q.NewProducer(3)
	for i := 0; i < segmentSize+10; i++ {
		it := p.Prepare()
		wire.Header{K: wire.KindZoneText}.Encode(&it.Rec)
		it.Blob = []byte("payload")
		p.Commit()
	}

	seen := 0
	n := q.Clear(func(_ uint32, it *Item) {
		assert.Equal(t, "payload", string(it.Blob))
		seen++
	})
	assert.Equal(t, segmentSize+10, n)
	assert.Equal(t, n, seen)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.DequeueBulkSingle(10, nil))
}

func TestQueueRetiredProducersAreRemoved(t *testing.T) {
	q := New(0)
	p := q.NewProducer(1)
	keep := q.NewProducer(2)
	push(t, p, 1)
	p.Retire()

	assert.Equal(t, 1, q.DequeueBulkSingle(10, nil))
	assert.Equal(t, 2, q.Stats().Producers)
	assert.Zero(t, q.DequeueBulkSingle(10, nil))
	assert.Equal(t, 1, q.Stats().Producers)

	push(t, keep, 7)
	assert.Equal(t, 1, q.DequeueBulkSingle(10, func(thread uint32, _ *Item) {
		assert.Equal(t, uint32(2), thread)
	}))
}

func BenchmarkProducerEnqueue(b *testing.B) {
	q := New(0)
	p := q.NewProducer(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		push(b, p, uint64(i))
		if i%segmentSize == 0 {
			q.DequeueBulkSingle(segmentSize, nil)
		}
	}
}
