//go:build !tracepipe_nocallstack

package symbols

import "runtime"

// Enabled reports whether call stack capture is compiled in
const Enabled = true

// MaxDepth bounds the number of frames captured per call stack
const MaxDepth = 62

// Capture records up to depth return addresses of the calling goroutine,
// skipping skip frames above the caller of Capture
//
//go:noinline
func Capture(skip, depth int) []uint64 {
	if depth <= 0 {
		return nil
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	var pcs [MaxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:depth])
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = uint64(pcs[i])
	}
	return out
}
