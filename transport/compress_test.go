package transport

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	zstdCodec, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd codec: %v", err)
	}
	codecs := []Compressor{NewSnappyCompressor(), zstdCodec}
	payload := bytes.Repeat([]byte("entity-state"), 64)

	for _, codec := range codecs {
		compressed, err := codec.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", codec.Name(), err)
		}
		if len(compressed) >= len(payload) {
			t.Fatalf("%s did not shrink a repetitive payload: %d >= %d", codec.Name(), len(compressed), len(payload))
		}
		restored, err := codec.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", codec.Name(), err)
		}
		if !bytes.Equal(restored, payload) {
			t.Fatalf("%s round trip mismatch", codec.Name())
		}
	}
}

func TestDecompressRejectsEmptyPayload(t *testing.T) {
	zstdCodec, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd codec: %v", err)
	}
	for _, codec := range []Compressor{NewSnappyCompressor(), zstdCodec} {
		if _, err := codec.Decompress(nil); err == nil {
			t.Fatalf("%s accepted an empty payload", codec.Name())
		}
	}
}
