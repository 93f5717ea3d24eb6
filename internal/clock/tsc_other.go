//go:build !amd64

package clock

// TSC is unavailable on this architecture; Probe never selects it
type TSC struct{}

func (TSC) Now() int64 { return 0 }

func (TSC) Name() string { return "tsc" }

// HasInvariantTSC always reports false off amd64
func HasInvariantTSC() bool { return false }
