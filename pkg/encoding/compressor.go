// Package encoding compresses transport frames and writes them as
// length-prefixed blocks.
package encoding

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the frame codec
type CompressionType uint8

const (
	CompressionTypeNone CompressionType = iota
	CompressionTypeLZ4
	CompressionTypeZstd
	CompressionTypeSnappy
)

func (c CompressionType) String() string {
	switch c {
	case CompressionTypeNone:
		return "none"
	case CompressionTypeLZ4:
		return "lz4"
	case CompressionTypeZstd:
		return "zstd"
	case CompressionTypeSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint8(c))
	}
}

// ParseCompressionType maps a config value to a codec. The empty string
// selects LZ4.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lz4":
		return CompressionTypeLZ4, nil
	case "zstd":
		return CompressionTypeZstd, nil
	case "snappy":
		return CompressionTypeSnappy, nil
	case "none", "off":
		return CompressionTypeNone, nil
	default:
		return CompressionTypeNone, fmt.Errorf("unknown compression %q", s)
	}
}

// Compressor compresses whole frames. Each call is independent; a frame
// never references data from an earlier one.
type Compressor interface {
	// Compress appends the compressed form of src to dst[:0]
	Compress(src, dst []byte) ([]byte, error)
	// Decompress expands src; maxSize bounds the result
	Decompress(src []byte, maxSize int) ([]byte, error)
	GetType() CompressionType
	GetLevel() int
	// CompressBound is the worst case compressed size of n input bytes
	CompressBound(n int) int
	GetStats() CompressionStats
	Reset()
}

// CompressionStats tracks compression performance
type CompressionStats struct {
	TotalCompressed   int64   `json:"total_compressed"`
	TotalOutput       int64   `json:"total_output"`
	TotalDecompressed int64   `json:"total_decompressed"`
	CompressionRatio  float64 `json:"compression_ratio"`
	CompressionTime   int64   `json:"compression_time_ns"`
	DecompressionTime int64   `json:"decompression_time_ns"`
	CompressionOps    int64   `json:"compression_ops"`
	DecompressionOps  int64   `json:"decompression_ops"`
	Errors            int64   `json:"errors"`
}

// statsRecorder is shared by all codecs
type statsRecorder struct {
	mu    sync.RWMutex
	stats CompressionStats
}

func (s *statsRecorder) compressed(in, out int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalCompressed += int64(in)
	s.stats.TotalOutput += int64(out)
	s.stats.CompressionTime += time.Since(start).Nanoseconds()
	s.stats.CompressionOps++
	if s.stats.TotalCompressed > 0 {
		s.stats.CompressionRatio = float64(s.stats.TotalOutput) / float64(s.stats.TotalCompressed)
	}
}

func (s *statsRecorder) decompressed(out int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalDecompressed += int64(out)
	s.stats.DecompressionTime += time.Since(start).Nanoseconds()
	s.stats.DecompressionOps++
}

func (s *statsRecorder) failed() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

// GetStats returns a snapshot of the counters
func (s *statsRecorder) GetStats() CompressionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Reset zeroes the counters
func (s *statsRecorder) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = CompressionStats{}
}

// NewCompressor creates a new compressor based on type and level
func NewCompressor(compressionType CompressionType, level int) (Compressor, error) {
	switch compressionType {
	case CompressionTypeLZ4:
		return NewLZ4Compressor(level), nil
	case CompressionTypeZstd:
		return NewZstdCompressor(level)
	case CompressionTypeSnappy:
		return NewSnappyCompressor(), nil
	case CompressionTypeNone:
		return NewNoOpCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %s", compressionType)
	}
}

// LZ4Compressor compresses frames as raw LZ4 blocks
type LZ4Compressor struct {
	statsRecorder
	level int
	hc    lz4.CompressorHC
	fast  lz4.Compressor
}

// NewLZ4Compressor creates an LZ4 block compressor. Levels above zero use
// the high compression variant.
func NewLZ4Compressor(level int) *LZ4Compressor {
	l := &LZ4Compressor{level: level}
	if level > 0 {
		l.hc.Level = lz4.CompressionLevel(1 << (7 + min(level, 9)))
	}
	return l
}

func (l *LZ4Compressor) Compress(src, dst []byte) ([]byte, error) {
	start := time.Now()

	maxSize := lz4.CompressBlockBound(len(src))
	if cap(dst) < maxSize {
		dst = make([]byte, 0, maxSize)
	}

	var (
		n   int
		err error
	)
	if l.level > 0 {
		n, err = l.hc.CompressBlock(src, dst[:maxSize])
	} else {
		n, err = l.fast.CompressBlock(src, dst[:maxSize])
	}
	if err != nil {
		l.failed()
		return nil, fmt.Errorf("failed to compress with LZ4: %w", err)
	}

	result := dst[:n]
	l.compressed(len(src), len(result), start)
	return result, nil
}

func (l *LZ4Compressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	start := time.Now()

	dst := make([]byte, maxSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		l.failed()
		return nil, fmt.Errorf("failed to decompress with LZ4: %w", err)
	}

	result := dst[:n]
	l.decompressed(len(result), start)
	return result, nil
}

func (l *LZ4Compressor) GetType() CompressionType { return CompressionTypeLZ4 }

func (l *LZ4Compressor) GetLevel() int { return l.level }

func (l *LZ4Compressor) CompressBound(n int) int { return lz4.CompressBlockBound(n) }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct {
	statsRecorder
	level   int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor at the given zstd level
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	if level <= 0 {
		level = 3
	}
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &ZstdCompressor{
		level:   level,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (z *ZstdCompressor) Compress(src, dst []byte) ([]byte, error) {
	start := time.Now()
	result := z.encoder.EncodeAll(src, dst[:0])
	z.compressed(len(src), len(result), start)
	return result, nil
}

func (z *ZstdCompressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	start := time.Now()

	result, err := z.decoder.DecodeAll(src, make([]byte, 0, maxSize))
	if err != nil {
		z.failed()
		return nil, fmt.Errorf("failed to decompress with zstd: %w", err)
	}
	if len(result) > maxSize {
		z.failed()
		return nil, fmt.Errorf("zstd frame expands to %d bytes, limit %d", len(result), maxSize)
	}

	z.decompressed(len(result), start)
	return result, nil
}

func (z *ZstdCompressor) GetType() CompressionType { return CompressionTypeZstd }

func (z *ZstdCompressor) GetLevel() int { return z.level }

func (z *ZstdCompressor) CompressBound(n int) int { return n + n/255 + 64 }

// SnappyCompressor implements Snappy block compression
type SnappyCompressor struct {
	statsRecorder
}

// NewSnappyCompressor creates a snappy compressor
func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (s *SnappyCompressor) Compress(src, dst []byte) ([]byte, error) {
	start := time.Now()
	if cap(dst) < snappy.MaxEncodedLen(len(src)) {
		dst = make([]byte, snappy.MaxEncodedLen(len(src)))
	}
	result := snappy.Encode(dst[:cap(dst)], src)
	s.compressed(len(src), len(result), start)
	return result, nil
}

func (s *SnappyCompressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	start := time.Now()

	n, err := snappy.DecodedLen(src)
	if err != nil {
		s.failed()
		return nil, fmt.Errorf("failed to decompress with snappy: %w", err)
	}
	if n > maxSize {
		s.failed()
		return nil, fmt.Errorf("snappy frame expands to %d bytes, limit %d", n, maxSize)
	}

	result, err := snappy.Decode(make([]byte, n), src)
	if err != nil {
		s.failed()
		return nil, fmt.Errorf("failed to decompress with snappy: %w", err)
	}

	s.decompressed(len(result), start)
	return result, nil
}

func (s *SnappyCompressor) GetType() CompressionType { return CompressionTypeSnappy }

func (s *SnappyCompressor) GetLevel() int { return 0 }

func (s *SnappyCompressor) CompressBound(n int) int { return snappy.MaxEncodedLen(n) }

// NoOpCompressor provides a pass-through compressor
type NoOpCompressor struct {
	statsRecorder
}

// NewNoOpCompressor creates a pass-through compressor
func NewNoOpCompressor() *NoOpCompressor {
	return &NoOpCompressor{}
}

func (n *NoOpCompressor) Compress(src, dst []byte) ([]byte, error) {
	start := time.Now()
	result := append(dst[:0], src...)
	n.compressed(len(src), len(result), start)
	return result, nil
}

func (n *NoOpCompressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	if len(src) > maxSize {
		n.failed()
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", len(src), maxSize)
	}
	start := time.Now()
	result := make([]byte, len(src))
	copy(result, src)
	n.decompressed(len(result), start)
	return result, nil
}

func (n *NoOpCompressor) GetType() CompressionType { return CompressionTypeNone }

func (n *NoOpCompressor) GetLevel() int { return 0 }

func (n *NoOpCompressor) CompressBound(size int) int { return size }
