package formatters

import (
	"errors"
	"fmt"
	"io"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// Format type constants
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// ErrUnsupportedFormat is returned for an unknown output format
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Column describes one column of a report stream
type Column struct {
	Name string
	Kind reconcile.Kind
}

// TableSchema is the fixed column layout of one report stream
type TableSchema struct {
	Name    string
	Columns []Column
}

// Names returns the column names in declared order
func (s TableSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// StreamWriter writes rows as they arrive. Close finalizes the format (footer,
// flush) without closing the underlying writer.
type StreamWriter interface {
	WriteChunk(rows []map[string]any) error
	Close() error
}

// StreamingFormatter creates stream writers for one output format
type StreamingFormatter interface {
	NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv", ".parquet")
	Extension() string

	MIMEType() string
}

// Reader reads back rows written by a StreamWriter. ReadChunk returns an empty
// slice once the stream is exhausted.
type Reader interface {
	ReadChunk(chunkSize int) ([]map[string]any, error)
	Close() error
}

// GetStreamingFormatter returns the formatter for format. Parquet compresses its
// pages internally with compression.
func GetStreamingFormatter(format, compression string) (StreamingFormatter, error) {
	switch format {
	case FormatJSONL, "":
		return NewJSONLStreamingFormatter(), nil
	case FormatCSV:
		return NewCSVStreamingFormatter(), nil
	case FormatParquet:
		return NewParquetStreamingFormatter(compression), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return format == FormatParquet
}

// NewReader opens a reader for format over r. Closing the reader closes r.
func NewReader(format string, r io.ReadCloser) (Reader, error) {
	switch format {
	case FormatJSONL:
		return NewJSONLReader(r), nil
	case FormatCSV:
		return NewCSVReader(r), nil
	case FormatParquet:
		return NewParquetReader(r)
	default:
		_ = r.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ForExtension maps a file extension back to its format
func ForExtension(ext string) (string, bool) {
	switch ext {
	case ".jsonl":
		return FormatJSONL, true
	case ".csv":
		return FormatCSV, true
	case ".parquet":
		return FormatParquet, true
	default:
		return "", false
	}
}
