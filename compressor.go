package xenvelope

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Built-in compressor names.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// LimitedDecompressor is implemented by compressors that can stop inflating
// once the output would exceed limit bytes. Exceeding it yields
// *ErrDecodedTooLarge.
type LimitedDecompressor interface {
	DecompressLimited(b []byte, limit int) ([]byte, error)
}

// NoCompression passes bytes through untouched.
type NoCompression struct{}

func (NoCompression) Compress(b []byte) ([]byte, error)   { return b, nil }
func (NoCompression) Decompress(b []byte) ([]byte, error) { return b, nil }
func (NoCompression) Name() string                        { return CompressionNone }

func (NoCompression) DecompressLimited(b []byte, limit int) ([]byte, error) {
	if len(b) > limit {
		return nil, NewErrDecodedTooLarge(limit)
	}
	return b, nil
}

// GzipCompressor is the default Compressor.
type GzipCompressor struct {
	// Level is a gzip compression level; zero means gzip.DefaultCompression.
	Level int
	// MaxDecodedSize caps Decompress output; zero means DefaultMaxDecodedSize.
	MaxDecodedSize int
}

func (g GzipCompressor) Compress(b []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g GzipCompressor) Decompress(b []byte) ([]byte, error) {
	limit := g.MaxDecodedSize
	if limit <= 0 {
		limit = DefaultMaxDecodedSize
	}
	return g.DecompressLimited(b, limit)
}

// DecompressLimited inflates at most limit bytes; one byte more fails the call.
func (GzipCompressor) DecompressLimited(b []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, NewErrDecodedTooLarge(limit)
	}
	return out, nil
}

func (GzipCompressor) Name() string { return CompressionGzip }

// CompressorFactory constructs compressors via Factory pattern.
type CompressorFactory func() Compressor

var (
	compressorRegistryMu sync.RWMutex
	compressorRegistry   = map[string]CompressorFactory{
		CompressionNone: func() Compressor { return NoCompression{} },
		CompressionGzip: func() Compressor { return GzipCompressor{} },
	}
)

// RegisterCompressor registers a compressor factory by name.
func RegisterCompressor(name string, factory CompressorFactory) error {
	if name == "" {
		return errors.New("compressor name must not be empty")
	}
	if factory == nil {
		return errors.New("compressor factory must not be nil")
	}
	compressorRegistryMu.Lock()
	compressorRegistry[name] = factory
	compressorRegistryMu.Unlock()
	return nil
}

// NewCompressor constructs a compressor by name or returns an error.
func NewCompressor(name string) (Compressor, error) {
	compressorRegistryMu.RLock()
	f, ok := compressorRegistry[name]
	compressorRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownCompressor{Name: name}
	}
	return f(), nil
}
