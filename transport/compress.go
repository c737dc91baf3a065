package transport

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to channel frame payloads.
type Compressor interface {
	//1.- Name returns the codec identifier advertised in frame envelopes.
	Name() string
	//2.- Compress encodes the provided payload into a compressed representation.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// snappyCompressor wraps the block-format snappy codec.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy.
func NewSnappyCompressor() Compressor {
	return snappyCompressor{}
}

// Name reports the identifier used for snappy encoded payloads.
func (snappyCompressor) Name() string { return "snappy" }

// Compress encodes data using the snappy block format.
func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress decodes snappy-encoded data and returns the raw payload.
func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return decoded, nil
}

// zstdCompressor shares one encoder/decoder pair across calls.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor constructs a Compressor backed by zstd.
func NewZstdCompressor() (Compressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

// Name reports the identifier used for zstd encoded payloads.
func (*zstdCompressor) Name() string { return "zstd" }

// Compress encodes data into a standalone zstd frame.
func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	if c == nil || c.encoder == nil {
		return nil, fmt.Errorf("zstd compress: encoder not initialised")
	}
	return c.encoder.EncodeAll(data, nil), nil
}

// Decompress restores the payload from a zstd frame.
func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if c == nil || c.decoder == nil {
		return nil, fmt.Errorf("zstd decompress: decoder not initialised")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	decoded, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return decoded, nil
}
