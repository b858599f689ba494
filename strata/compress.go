package strata

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// Compressor interface
// -----------------------------------------------------------------------------

// Compressor wraps object readers with transparent decompression.
//
// Compressors are orthogonal to formats; line-based format readers select
// one by file extension. Only the read side is modeled here: strata scans
// files, it does not write them.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip", "zstd", "noop").
	Name() string

	// Extension returns the file extension (for example, ".gz", ".zst", "").
	Extension() string

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// compressorForKey selects a compressor from the key's extension.
func compressorForKey(key string) Compressor {
	switch {
	case strings.HasSuffix(key, ".gz"):
		return NewGzipCompressor()
	case strings.HasSuffix(key, ".zst"):
		return NewZstdCompressor()
	default:
		return NewNoopCompressor()
	}
}

// -----------------------------------------------------------------------------
// Gzip Compressor
// -----------------------------------------------------------------------------

// gzipCompressor implements Compressor using gzip compression.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor for .gz objects.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string {
	return "gzip"
}

func (g *gzipCompressor) Extension() string {
	return ".gz"
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd Compressor
// -----------------------------------------------------------------------------

// zstdCompressor implements Compressor using zstd compression.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor for .zst objects.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string {
	return "zstd"
}

func (z *zstdCompressor) Extension() string {
	return ".zst"
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// -----------------------------------------------------------------------------
// NoOp Compressor
// -----------------------------------------------------------------------------

// noopCompressor implements Compressor with no compression.
type noopCompressor struct{}

// NewNoopCompressor creates a pass-through compressor.
func NewNoopCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string {
	return "noop"
}

func (n *noopCompressor) Extension() string {
	return ""
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}
