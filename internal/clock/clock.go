// Package clock provides the timestamp source used for every event. The
// source is picked once at startup: the CPU cycle counter when the processor
// guarantees it is invariant, otherwise the runtime's monotonic clock.
package clock

import (
	"time"
)

// Source produces monotonically non-decreasing timestamps in its own units
type Source interface {
	// Now returns the current timestamp
	Now() int64
	// Name identifies the strategy in logs
	Name() string
}

// Monotonic counts nanoseconds since its creation using the runtime's
// monotonic clock
type Monotonic struct {
	base time.Time
}

// NewMonotonic creates a monotonic source starting at zero
func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

func (m *Monotonic) Now() int64 {
	return int64(time.Since(m.base))
}

func (m *Monotonic) Name() string { return "monotonic" }

// Probe selects the best available source. forceMonotonic skips the cycle
// counter even when it is usable.
func Probe(forceMonotonic bool) Source {
	if !forceMonotonic && HasInvariantTSC() {
		return TSC{}
	}
	return NewMonotonic()
}

// Calibration describes how to turn source ticks into nanoseconds
type Calibration struct {
	// Multiplier is nanoseconds per tick
	Multiplier float64
	// Resolution is the smallest observed positive step, in ticks
	Resolution int64
}

// Calibrate measures the source against the monotonic clock over d. The
// nanosecond based source is exact and returns immediately.
func Calibrate(src Source, d time.Duration) Calibration {
	c := Calibration{Multiplier: 1, Resolution: Resolution(src)}
	if _, ok := src.(*Monotonic); ok {
		return c
	}

	t0 := time.Now()
	c0 := src.Now()
	time.Sleep(d)
	c1 := src.Now()
	elapsed := time.Since(t0)
	if c1 <= c0 {
		return c
	}
	c.Multiplier = float64(elapsed.Nanoseconds()) / float64(c1-c0)
	return c
}

// Resolution finds the minimal positive delta between consecutive reads
func Resolution(src Source) int64 {
	const samples = 50000
	best := int64(-1)
	prev := src.Now()
	for i := 0; i < samples; i++ {
		now := src.Now()
		if d := now - prev; d > 0 && (best < 0 || d < best) {
			best = d
		}
		prev = now
	}
	if best < 0 {
		return 1
	}
	return best
}
