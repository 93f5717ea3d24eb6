//go:build tracepipe_nocallstack

package symbols

// Enabled reports whether call stack capture is compiled in
const Enabled = false

// MaxDepth bounds the number of frames captured per call stack
const MaxDepth = 0

// Capture is a no-op in builds without call stack support
func Capture(skip, depth int) []uint64 { return nil }
