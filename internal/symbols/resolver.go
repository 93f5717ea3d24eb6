// Package symbols captures call stacks and answers the collector's questions
// about them: frame names, symbol locations, machine code and source files.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	// ErrNotAvailable is returned when the requested data cannot be produced
	ErrNotAvailable = errors.New("not available")
)

// Frame is one resolved (possibly inlined) stack frame
type Frame struct {
	Name    string
	File    string
	Line    uint32
	SymAddr uint64
	SymLen  uint32
}

// Symbol locates the function containing an address
type Symbol struct {
	File string
	Line uint32
	Addr uint64
}

// Resolver answers symbol queries. Implementations are called from a single
// goroutine and may block.
type Resolver interface {
	// Frames expands a return address into its frames, innermost first
	Frames(addr uint64) (image string, frames []Frame)
	// Symbol locates the function entry for addr
	Symbol(addr uint64) (Symbol, error)
	// SymbolCode returns size bytes of machine code starting at addr
	SymbolCode(addr uint64, size uint32) ([]byte, error)
	// SourceCode returns the contents of file, if it may be sent
	SourceCode(file, image string) ([]byte, error)
}

// Config configures the runtime resolver
type Config struct {
	// Fs is where source files are read from; defaults to the OS file system
	Fs afero.Fs
	// ExecTime is the executable's modification time; source files newer
	// than the binary are refused
	ExecTime time.Time
	// MaxSourceSize bounds source and code transfers
	MaxSourceSize int
	// CodeTransfer enables machine code transfer
	CodeTransfer bool
	Logger       *zap.Logger
}

// RuntimeResolver resolves addresses with the Go runtime's symbol tables and
// reads machine code from the executable file
type RuntimeResolver struct {
	cfg   Config
	image string

	exeOnce sync.Once
	exe     *elf.File
	exeErr  error
}

// NewRuntimeResolver creates a resolver for the running executable
func NewRuntimeResolver(cfg Config) *RuntimeResolver {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ExecTime.IsZero() {
		cfg.ExecTime = time.Now()
	}
	image := "[unknown]"
	if path, err := os.Executable(); err == nil {
		image = filepath.Base(path)
	}
	return &RuntimeResolver{cfg: cfg, image: image}
}

func (r *RuntimeResolver) Frames(addr uint64) (string, []Frame) {
	iter := runtime.CallersFrames([]uintptr{uintptr(addr)})
	var frames []Frame
	for {
		f, more := iter.Next()
		if f.Function == "" && f.File == "" {
			if !more {
				break
			}
			continue
		}
		fr := Frame{
			Name:    f.Function,
			File:    f.File,
			Line:    uint32(f.Line),
			SymAddr: uint64(f.Entry),
		}
		if fn := f.Func; fn != nil {
			fr.SymAddr = uint64(fn.Entry())
		}
		frames = append(frames, fr)
		if !more {
			break
		}
	}
	if len(frames) == 0 {
		frames = []Frame{{Name: fmt.Sprintf("0x%x", addr), File: "[unknown]"}}
	}
	return r.image, frames
}

func (r *RuntimeResolver) Symbol(addr uint64) (Symbol, error) {
	fn := runtime.FuncForPC(uintptr(addr))
	if fn == nil {
		return Symbol{}, ErrNotAvailable
	}
	file, line := fn.FileLine(fn.Entry())
	return Symbol{File: file, Line: uint32(line), Addr: uint64(fn.Entry())}, nil
}

func (r *RuntimeResolver) SymbolCode(addr uint64, size uint32) ([]byte, error) {
	if !r.cfg.CodeTransfer {
		return nil, ErrNotAvailable
	}
	if size == 0 || (r.cfg.MaxSourceSize > 0 && int(size) > r.cfg.MaxSourceSize) {
		return nil, fmt.Errorf("%w: code size %d", ErrNotAvailable, size)
	}

	r.exeOnce.Do(r.openExecutable)
	if r.exeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, r.exeErr)
	}
	for _, sec := range r.exe.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if addr < sec.Addr || addr+uint64(size) > sec.Addr+sec.Size {
			continue
		}
		buf := make([]byte, size)
		if _, err := sec.ReadAt(buf, int64(addr-sec.Addr)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: 0x%x outside executable text", ErrNotAvailable, addr)
}

// openExecutable loads the ELF image; only position dependent executables
// are supported since their link addresses equal runtime addresses
func (r *RuntimeResolver) openExecutable() {
	path, err := os.Executable()
	if err != nil {
		r.exeErr = err
		return
	}
	f, err := elf.Open(path)
	if err != nil {
		r.exeErr = err
		return
	}
	if f.Type != elf.ET_EXEC {
		f.Close()
		r.exeErr = fmt.Errorf("executable type %s is relocatable", f.Type)
		return
	}
	r.exe = f
}

func (r *RuntimeResolver) SourceCode(file, image string) ([]byte, error) {
	st, err := r.cfg.Fs.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotAvailable, file)
	}
	// A file changed after the binary was built no longer matches its code
	if !st.ModTime().Before(r.cfg.ExecTime) {
		return nil, fmt.Errorf("%w: %s modified after start", ErrNotAvailable, file)
	}
	if r.cfg.MaxSourceSize > 0 && st.Size() >= int64(r.cfg.MaxSourceSize) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrNotAvailable, file, st.Size())
	}
	data, err := afero.ReadFile(r.cfg.Fs, file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	r.cfg.Logger.Debug("Serving source file",
		zap.String("file", file),
		zap.String("image", image),
		zap.Int("size", len(data)))
	return data, nil
}

// Close releases the executable image
func (r *RuntimeResolver) Close() error {
	if r.exe != nil {
		return r.exe.Close()
	}
	return nil
}
