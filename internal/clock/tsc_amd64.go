package clock

import "sync"

// rdtsc reads the time stamp counter
func rdtsc() uint64

// cpuid executes CPUID with the given leaf and subleaf
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)

// TSC reads the processor's time stamp counter
type TSC struct{}

func (TSC) Now() int64 { return int64(rdtsc()) }

func (TSC) Name() string { return "tsc" }

var (
	invariantOnce sync.Once
	invariant     bool
)

// HasInvariantTSC reports whether the time stamp counter ticks at a constant
// rate across power states (CPUID 0x80000007, EDX bit 8)
func HasInvariantTSC() bool {
	invariantOnce.Do(func() {
		maxExt, _, _, _ := cpuid(0x80000000, 0)
		if maxExt < 0x80000007 {
			return
		}
		_, _, _, edx := cpuid(0x80000007, 0)
		invariant = edx&(1<<8) != 0
	})
	return invariant
}
