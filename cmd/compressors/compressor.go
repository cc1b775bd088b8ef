package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor wraps a stream of report output in a compression format
type Compressor interface {
	// NewWriter returns a writer that compresses into w. Closing it flushes the
	// compressed stream but never closes w.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// NewReader decompresses r. Closing it releases decoder state but never closes r.
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// ForExtension maps a file extension back to its compression name
func ForExtension(ext string) (string, bool) {
	switch ext {
	case ".zst":
		return "zstd", true
	case ".lz4":
		return "lz4", true
	case ".gz":
		return "gzip", true
	default:
		return "", false
	}
}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none", "":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}
