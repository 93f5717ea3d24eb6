package wire

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindTable(t *testing.T) {
	t.Run("record size is constant", func(t *testing.T) {
		var r Record
		assert.Equal(t, uintptr(RecordSize), unsafe.Sizeof(r))
	})

	t.Run("every kind has a size that fits a record", func(t *testing.T) {
		for k := Kind(0); k < NumKinds; k++ {
			require.NotEmpty(t, kinds[k].name, "kind %d has no table entry", k)
			assert.GreaterOrEqual(t, Sizes[k], 1, "%s", k)
			assert.LessOrEqual(t, Sizes[k], RecordSize, "%s", k)
		}
	})

	t.Run("names are unique", func(t *testing.T) {
		seen := make(map[string]Kind)
		for k := Kind(0); k < NumKinds; k++ {
			prev, dup := seen[k.String()]
			assert.False(t, dup, "%s shared by %d and %d", k, prev, k)
			seen[k.String()] = k
		}
	})

	t.Run("time offsets lie inside the wire portion", func(t *testing.T) {
		for k := Kind(0); k < NumKinds; k++ {
			off := k.TimeOffset()
			if k.TimeRef() == RefNone {
				assert.Zero(t, off, "%s has an offset but no reference", k)
				continue
			}
			assert.Positive(t, off, "%s", k)
			assert.LessOrEqual(t, off+8, k.Size(), "%s", k)
		}
	})

	t.Run("delta encoded kinds need processing", func(t *testing.T) {
		for k := Kind(0); k < NumKinds; k++ {
			if k.TimeRef() != RefNone || k.Internal() {
				assert.True(t, k.NeedsProcessing(), "%s", k)
			}
		}
	})

	t.Run("transfers sort last", func(t *testing.T) {
		for k := Kind(0); k < NumKinds; k++ {
			if k.IsStringTransfer() || k.IsLongTransfer() {
				assert.GreaterOrEqual(t, k, KindStringData, "%s", k)
				assert.Equal(t, 9, k.Size(), "%s", k)
			}
		}
		assert.True(t, KindSymbolCode.IsLongTransfer())
		assert.False(t, KindSymbolCode.IsStringTransfer())
		assert.True(t, KindFiberName.IsStringTransfer())
	})

	t.Run("unknown kinds", func(t *testing.T) {
		k := Kind(NumKinds + 3)
		assert.False(t, k.Valid())
		assert.Zero(t, k.Size())
		assert.Equal(t, "Kind(78)", Kind(78).String())
	})
}

func TestRecordTime(t *testing.T) {
	var r Record
	LockEvent{K: KindLockObtain, Thread: 7, ID: 3, Time: 1000}.Encode(&r)
	assert.Equal(t, int64(1000), r.Time())

	r.SetTime(-25)
	ev := DecodeRecord(&r).(LockEvent)
	assert.Equal(t, int64(-25), ev.Time)
	assert.Equal(t, uint32(7), ev.Thread)
	assert.Equal(t, uint32(3), ev.ID)

	var z Record
	ZoneColor{Color: 0x112233}.Encode(&z)
	z.SetTime(99)
	assert.Zero(t, z.Time())
	assert.Equal(t, ZoneColor{Color: 0x112233}, DecodeRecord(&z))
}
