package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	compressor, err := NewCompressor(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer compressor.Close()

	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 100))

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("zstd should compress repeating data efficiently: %d >= %d", len(compressed), len(data))
	}

	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("decompressed data doesn't match original")
	}
}

func TestCompressorEmptyData(t *testing.T) {
	compressor, err := NewCompressor(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer compressor.Close()

	compressed, err := compressor.Compress(nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) != 0 {
		t.Errorf("expected empty compressed data, got %d bytes", len(compressed))
	}

	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(decompressed) != 0 {
		t.Errorf("expected empty decompressed data, got %d bytes", len(decompressed))
	}
}

func TestCompressorOutOfRangeLevelFallsBackToDefault(t *testing.T) {
	compressor, err := NewCompressor(&Config{Level: 99})
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer compressor.Close()

	data := []byte(strings.Repeat("compression test data ", 100))
	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("decompressed data doesn't match original")
	}
}

func TestCompressorRandomData(t *testing.T) {
	compressor, err := NewCompressor(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer compressor.Close()

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 256)
	}

	compressed, err := compressor.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("decompressed data doesn't match original")
	}
}
