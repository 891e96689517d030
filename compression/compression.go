// Package compression provides the optional value transform applied
// before store and after retrieve. Encoded values carry a one-byte format
// tag, so decoding is a no-op for payloads that were stored raw and a
// value always round-trips exactly.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Format tags. The first byte of every encoded value.
const (
	tagRaw  byte = 0x00
	tagGzip byte = 0x01
)

const (
	DefaultThreshold = 1024
	DefaultLevel     = gzip.DefaultCompression
)

type Config struct {
	// Minimum payload size in bytes before compression is attempted.
	Threshold int `yaml:"threshold"`

	// Gzip compression level, 1 (fastest) to 9 (best).
	Level int `yaml:"level"`
}

// Stats reports how much the codec has saved so far.
type Stats struct {
	CompressedCount int64   `json:"compressed_count"`
	RawCount        int64   `json:"raw_count"`
	BytesIn         int64   `json:"bytes_in"`
	BytesOut        int64   `json:"bytes_out"`
	SavedBytes      int64   `json:"saved_bytes"`
	Ratio           float64 `json:"ratio"`
}

type Codec struct {
	threshold int
	level     int
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

func NewCodec(config Config, logger *zap.SugaredLogger) *Codec {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	level := config.Level
	if level < gzip.HuffmanOnly || level > gzip.BestCompression || level == 0 {
		level = DefaultLevel
	}
	return &Codec{
		threshold: threshold,
		level:     level,
		logger:    logger,
	}
}

// Encode tags the value and compresses it when it meets the threshold.
// A compressed form larger than the original is discarded in favor of the
// raw form, so Encode never inflates a payload by more than the tag byte.
func (c *Codec) Encode(value []byte) ([]byte, error) {
	if len(value) < c.threshold {
		c.count(false, len(value), len(value))
		return append([]byte{tagRaw}, value...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(tagGzip)
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(value); err != nil {
		return nil, fmt.Errorf("failed to compress value: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush gzip writer: %w", err)
	}

	if buf.Len() >= len(value)+1 {
		c.count(false, len(value), len(value))
		return append([]byte{tagRaw}, value...), nil
	}

	c.count(true, len(value), buf.Len()-1)
	return buf.Bytes(), nil
}

// Decode reverses Encode. Values without a known tag are returned as-is
// to tolerate entries written before the codec was enabled.
func (c *Codec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}

	switch encoded[0] {
	case tagRaw:
		return encoded[1:], nil
	case tagGzip:
		reader, err := gzip.NewReader(bytes.NewReader(encoded[1:]))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip reader: %w", err)
		}
		defer reader.Close()
		value, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		return value, nil
	default:
		return encoded, nil
	}
}

// Encoded reports whether the payload carries the compressed tag. The
// admin compress-existing action uses this to skip already-compressed
// entries.
func (c *Codec) Encoded(encoded []byte) bool {
	return len(encoded) > 0 && encoded[0] == tagGzip
}

func (c *Codec) Threshold() int { return c.threshold }

func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	if stats.BytesIn > 0 {
		stats.Ratio = float64(stats.BytesOut) / float64(stats.BytesIn)
	}
	stats.SavedBytes = stats.BytesIn - stats.BytesOut
	return stats
}

func (c *Codec) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

func (c *Codec) count(compressed bool, in int, out int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if compressed {
		c.stats.CompressedCount++
	} else {
		c.stats.RawCount++
	}
	c.stats.BytesIn += int64(in)
	c.stats.BytesOut += int64(out)
}
