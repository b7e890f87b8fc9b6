package emit

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Supported sidecar encodings
const (
	EncodingGzip = "gzip"
	EncodingZstd = "zstd"
)

// compress returns data encoded with enc and the file extension for it. Output
// is deterministic: no gzip timestamps and a single zstd encoder goroutine.
func compress(enc string, data []byte) ([]byte, string, error) {
	switch enc {
	case EncodingGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, "", fmt.Errorf("failed to compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
		}
		return buf.Bytes(), ".gz", nil

	case EncodingZstd:
		// level 3 = SpeedDefault, matches archive compression
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create encoder: %w", err)
		}
		defer w.Close()
		return w.EncodeAll(data, nil), ".zst", nil

	default:
		return nil, "", fmt.Errorf("unknown compression %q", enc)
	}
}
