package wire

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFromWire(t *testing.T) {
	events := []Event{
		ZoneBegin{K: KindZoneBeginCallstack, Time: 42, SrcLoc: 0xdeadbeef},
		LockAnnounce{ID: 9, Time: 77, Location: 5, Type: LockShared},
		LockSharedRelease{ID: 9, Time: -3, Thread: 12},
		MemAlloc{K: KindMemAllocNamed, Time: 1, Thread: 2, Ptr: 0xc000010000, Size: 4096},
		PlotConfig{Name: 4, Format: PlotPercentage, Step: true, Color: 0xff00ff},
		SourceLocation{Name: 1, Function: 2, File: 3, Line: 120, Color: 0xabcdef},
		MessageLiteralColor{K: KindMessageLiteralColorCallstack, Time: 8, Color: 0x010203, Text: 66},
		FiberEnter{Time: 5, Fiber: 6, Thread: 7},
		StringTransfer{K: KindSourceCode, Ptr: 31},
		Header{K: KindKeepAlive},
	}

	for _, ev := range events {
		t.Run(ev.Kind().String(), func(t *testing.T) {
			var r Record
			ev.Encode(&r)
			require.Equal(t, ev.Kind(), r.Kind())

			got, err := Decode(r.Wire())
			require.NoError(t, err)
			if diff := cmp.Diff(ev, got); diff != "" {
				t.Errorf("decoded event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodingDetails(t *testing.T) {
	t.Run("memory size is 48 bit", func(t *testing.T) {
		var r Record
		MemAlloc{K: KindMemAlloc, Size: 1<<50 | 0x123}.Encode(&r)
		got := DecodeRecord(&r).(MemAlloc)
		assert.Equal(t, uint64(1<<50|0x123)&MaxMemSize, got.Size)
		assert.Equal(t, 27, len(r.Wire()))
	})

	t.Run("colors are stored blue first", func(t *testing.T) {
		var r Record
		ZoneColor{Color: 0xAABBCC}.Encode(&r)
		assert.Equal(t, []byte{byte(KindZoneColor), 0xCC, 0xBB, 0xAA}, r.Wire())
	})

	t.Run("fast path zone begin layout", func(t *testing.T) {
		var r Record
		ZoneBegin{K: KindZoneBegin, Time: 1, SrcLoc: 2}.Encode(&r)
		assert.Equal(t, []byte{
			byte(KindZoneBegin),
			1, 0, 0, 0, 0, 0, 0, 0,
			2, 0, 0, 0, 0, 0, 0, 0,
		}, r.Wire())
	})
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrShortRecord)

	_, err = Decode([]byte{byte(NumKinds)})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte{byte(KindZoneBegin), 1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortRecord))
	assert.Contains(t, err.Error(), "ZoneBegin")
}
