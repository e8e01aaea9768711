// Package compression registers additional envelope compressors from
// klauspost/compress: "zstd", "s2" and "snappy".
//
// Import it for side effects on both producers and consumers; decoders pick the
// compressor named in the envelope's ContentEncoding.
package compression

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/trickstertwo/xenvelope"
)

const (
	Zstd   = "zstd"
	S2     = "s2"
	Snappy = "snappy"
)

// maxDecodedSize bounds zstd window allocation for hostile input.
const maxDecodedSize = datasize.ByteSize(xenvelope.DefaultMaxDecodedSize)

func init() {
	z, err := NewZstd(zstd.SpeedDefault)
	if err != nil {
		panic(fmt.Errorf("xenvelope/compression: %w", err))
	}
	for name, c := range map[string]xenvelope.Compressor{
		Zstd:   z,
		S2:     S2Compressor{},
		Snappy: SnappyCompressor{},
	} {
		if err := xenvelope.RegisterCompressor(name, func() xenvelope.Compressor { return c }); err != nil {
			panic(fmt.Errorf("xenvelope/compression: failed to register %s: %w", name, err))
		}
	}
}

// ZstdCompressor shares one encoder and decoder; EncodeAll/DecodeAll are safe
// for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd(level zstd.EncoderLevel) (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize.Bytes()))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Compress(b []byte) ([]byte, error) {
	return z.enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func (z *ZstdCompressor) Decompress(b []byte) ([]byte, error) {
	return z.dec.DecodeAll(b, nil)
}

// DecompressLimited trusts the frame content size when the header carries one
// and checks the output otherwise.
func (z *ZstdCompressor) DecompressLimited(b []byte, limit int) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(b); err == nil && h.HasFCS && h.FrameContentSize > uint64(limit) {
		return nil, xenvelope.NewErrDecodedTooLarge(limit)
	}
	out, err := z.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, xenvelope.NewErrDecodedTooLarge(limit)
	}
	return out, nil
}

func (z *ZstdCompressor) Name() string { return Zstd }

// S2Compressor uses the s2 block format.
type S2Compressor struct{}

func (S2Compressor) Compress(b []byte) ([]byte, error)   { return s2.Encode(nil, b), nil }
func (S2Compressor) Decompress(b []byte) ([]byte, error) { return s2.Decode(nil, b) }
func (S2Compressor) Name() string                        { return S2 }

// DecompressLimited reads the declared length before allocating.
func (S2Compressor) DecompressLimited(b []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(b)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, xenvelope.NewErrDecodedTooLarge(limit)
	}
	return s2.Decode(nil, b)
}

// SnappyCompressor produces snappy blocks readable by any snappy decoder.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(b []byte) ([]byte, error)   { return snappy.Encode(nil, b), nil }
func (SnappyCompressor) Decompress(b []byte) ([]byte, error) { return snappy.Decode(nil, b) }
func (SnappyCompressor) Name() string                        { return Snappy }

func (SnappyCompressor) DecompressLimited(b []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, xenvelope.NewErrDecodedTooLarge(limit)
	}
	return snappy.Decode(nil, b)
}
