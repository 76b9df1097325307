// Package compression wraps the single compression codec
// pkg/store.Backup/Restore needs for its on-disk backup stream (spec.md
// section 11 / SPEC_FULL.md section 13).
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Config holds compression configuration. Level follows zstd's own scale
// (1 fastest .. 19 best ratio).
type Config struct {
	Level int
}

// DefaultConfig returns the balanced zstd level Backup/Restore uses.
func DefaultConfig() *Config {
	return &Config{Level: 3}
}

// Compressor wraps a zstd encoder/decoder pair, reused across Compress and
// Decompress calls so a backup of a large WAL file does not pay encoder
// setup cost per call.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressor creates a compressor for config, or DefaultConfig if nil.
func NewCompressor(config *Config) (*Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := config.Level
	if level < 1 || level > 19 {
		level = DefaultConfig().Level
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("compression: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: new decoder: %w", err)
	}

	return &Compressor{enc: enc, dec: dec}, nil
}

// Compress returns data compressed; an empty input round-trips as empty
// without invoking zstd.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return c.enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	decoded, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("compression: decode: %w", err)
	}
	return decoded, nil
}

// Close releases the encoder/decoder's background goroutines.
func (c *Compressor) Close() error {
	c.enc.Close()
	c.dec.Close()
	return nil
}
